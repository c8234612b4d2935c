package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/atomize-dev/atomize/config"
	"github.com/atomize-dev/atomize/internal/engine"
	"github.com/atomize-dev/atomize/internal/oracle"
	"github.com/atomize-dev/atomize/internal/prd"
	"github.com/atomize-dev/atomize/internal/store"
	"github.com/atomize-dev/atomize/internal/telemetry"
	"github.com/atomize-dev/atomize/provider"
)

func decomposeCMD() *cobra.Command {
	var cfgPath string
	var resume string
	var specFile string
	var name string

	var decompose = &cobra.Command{
		Use:   "decompose [specText]",
		Short: "Decompose a feature specification into atomic work items",
		Long: `Starts a new decomposition session over the given specification text
(as an argument, or from a file with --file), or continues a stored
session's pending frontier with --resume. Emits one PRD document per
atomic node when the run finishes.

Exit codes: 0 natural completion, 2 time/generation cutoff with pending
nodes, 1 unrecoverable error.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var specText string
			if resume == "" {
				var err error
				specText, err = loadSpecText(specFile, args)
				if err != nil {
					return err
				}
			}
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := store.New(ctx, cfg.Storage.Postgres.DSN())
			if err != nil {
				return fmt.Errorf("session store unreachable: %w", err)
			}
			defer st.Close()

			llm, err := provider.NewProvider(cfg.LLM)
			if err != nil {
				return err
			}
			var metrics *telemetry.Metrics
			if cfg.Telemetry.Enabled {
				metrics = telemetry.New(nil)
			}
			cache, err := oracle.NewVerdictCache(ctx, cfg.Storage.Redis, nil)
			if err != nil {
				log.Printf("warning: verdict cache disabled: %v", err)
			}
			if cache != nil {
				defer cache.Close()
			}

			orc := oracle.NewGateway(llm, cfg.LLM.Routing, cache, metrics, nil)
			eng := engine.New(st, orc, cfg.Engine, metrics, nil)

			var report engine.Report
			var runErr error
			if resume != "" {
				report, runErr = eng.Resume(ctx, resume)
			} else {
				report, runErr = eng.Run(ctx, name, specText)
			}
			if runErr != nil && !errors.Is(runErr, engine.ErrPartial) {
				return runErr
			}

			if report.Atomic > 0 {
				index, err := prd.OpenIndex(cfg.Emitter.IndexDir)
				if err != nil {
					log.Printf("warning: search index unavailable: %v", err)
				} else {
					defer index.Close()
				}
				emitter := prd.NewEmitter(st, cfg.Emitter.OutputDir, index, metrics, nil)
				if _, err := emitter.EmitSession(context.WithoutCancel(ctx), report.SessionName); err != nil {
					return fmt.Errorf("emit documents: %w", err)
				}
			}

			fmt.Print(report.Render())
			return runErr
		},
	}
	decompose.Flags().StringVar(&resume, "resume", "", "continue a stored session by name")
	decompose.Flags().StringVarP(&specFile, "file", "f", "", "read the specification text from a file")
	decompose.Flags().StringVar(&name, "name", "", "session name (derived from the spec text when empty)")
	decompose.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config)")
	return decompose
}

// loadSpecText resolves the specification text from --file or the argv
// words, preferring the file when both are given.
func loadSpecText(specFile string, args []string) (string, error) {
	if specFile != "" {
		data, err := os.ReadFile(specFile)
		if err != nil {
			return "", fmt.Errorf("read spec file: %w", err)
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			return "", fmt.Errorf("spec file %s is empty", specFile)
		}
		return text, nil
	}
	if len(args) == 0 {
		return "", fmt.Errorf("a specification text argument, --file, or --resume is required")
	}
	return strings.Join(args, " "), nil
}
