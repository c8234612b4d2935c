package engine

import (
	"time"

	"github.com/atomize-dev/atomize/config"
	"github.com/atomize-dev/atomize/internal/tree"
)

// Evaluate checks the stop conditions in fixed order, first match wins:
// empty frontier means natural completion; an exceeded time budget or
// generation cap ends the run partial, leaving pending nodes untouched.
func Evaluate(pending int, elapsed time.Duration, generation int, cfg config.EngineConfig) (tree.SessionStatus, bool) {
	switch {
	case pending == 0:
		return tree.SessionComplete, true
	case elapsed > cfg.MaxDuration:
		return tree.SessionPartial, true
	case generation > cfg.MaxGenerations:
		return tree.SessionPartial, true
	}
	return "", false
}
