package main

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/atomize-dev/atomize/config"
	"github.com/atomize-dev/atomize/internal/prd"
	"github.com/atomize-dev/atomize/internal/server"
	"github.com/atomize-dev/atomize/internal/store"
)

func serveCMD() *cobra.Command {
	var cfgPath string

	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			st, err := store.New(context.Background(), cfg.Storage.Postgres.DSN())
			if err != nil {
				return fmt.Errorf("session store unreachable: %w", err)
			}
			defer st.Close()

			index, err := prd.OpenIndex(cfg.Emitter.IndexDir)
			if err != nil {
				log.Printf("warning: search index unavailable: %v", err)
				index = nil
			} else {
				defer index.Close()
			}

			return server.New(cfg.Server, st, index, nil).Run()
		},
	}
	serve.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config)")
	return serve
}
