package main

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/atomize-dev/atomize/config"
	"github.com/atomize-dev/atomize/internal/prd"
	"github.com/atomize-dev/atomize/internal/store"
)

func emitCMD() *cobra.Command {
	var cfgPath string

	var emit = &cobra.Command{
		Use:   "emit <sessionName>",
		Short: "Re-emit PRD documents for a stored session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			ctx := context.Background()
			st, err := store.New(ctx, cfg.Storage.Postgres.DSN())
			if err != nil {
				return fmt.Errorf("session store unreachable: %w", err)
			}
			defer st.Close()

			index, err := prd.OpenIndex(cfg.Emitter.IndexDir)
			if err != nil {
				log.Printf("warning: search index unavailable: %v", err)
			} else {
				defer index.Close()
			}

			emitter := prd.NewEmitter(st, cfg.Emitter.OutputDir, index, nil, nil)
			paths, err := emitter.EmitSession(ctx, args[0])
			if err != nil {
				return err
			}
			for _, p := range paths {
				fmt.Println(p)
			}
			return nil
		},
	}
	emit.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config)")
	return emit
}
