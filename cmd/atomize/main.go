package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/atomize-dev/atomize/internal/engine"
)

func main() {
	var root = &cobra.Command{Use: "atomize", SilenceUsage: true, SilenceErrors: true}

	root.AddCommand(decomposeCMD(), emitCMD(), searchCMD(), serveCMD(), migrateCMD())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, engine.ErrPartial) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
