package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/atomize-dev/atomize/config"
	"github.com/atomize-dev/atomize/internal/prd"
)

func searchCMD() *cobra.Command {
	var cfgPath string
	var limit int

	var search = &cobra.Command{
		Use:   "search <query>",
		Short: "Search emitted PRD documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			index, err := prd.OpenIndex(cfg.Emitter.IndexDir)
			if err != nil {
				return err
			}
			defer index.Close()

			hits, err := index.Search(strings.Join(args, " "), limit)
			if err != nil {
				return err
			}
			if len(hits) == 0 {
				fmt.Println("no matches")
				return nil
			}
			for _, h := range hits {
				fmt.Printf("%.3f  %s  (%s) %s\n", h.Score, h.Ref, h.Session, h.Name)
			}
			return nil
		},
	}
	search.Flags().IntVarP(&limit, "limit", "k", 10, "maximum hits")
	search.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config)")
	return search
}
