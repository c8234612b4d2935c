// Package oracle is the single boundary through which free-form reasoning
// judgements are requested and consumed. Both operations are tolerant of
// malformed or partial responses: any missing or unparseable field resolves
// to a documented default rather than raising an error.
package oracle

import (
	"context"
	"errors"
)

// ErrUnavailable wraps outright call failures (transport errors, timeouts,
// empty completions). Callers retry once and then mark the node failed.
var ErrUnavailable = errors.New("oracle unavailable")

// GapCandidate is one gap reported by ExtractGaps. The four signal
// subscores are raw values in [0,1]; weighting happens in the gap analyzer.
type GapCandidate struct {
	Name           string  `json:"name"`
	Type           string  `json:"type"` // requirements|constraint|edge_case|integration|verification
	Blocking       bool    `json:"blocking"`
	ResolutionHint string  `json:"resolution_hint"`
	Linguistic     float64 `json:"linguistic"`
	Slot           float64 `json:"slot"`
	Codebase       float64 `json:"codebase"`
	Confidence     float64 `json:"confidence"`

	// Degraded is set by the gateway when any subscore had to be defaulted.
	// Degraded candidates are always classified nice-to-know downstream.
	Degraded bool `json:"-"`
}

// Subtask is one candidate child proposed for a non-atomic node.
type Subtask struct {
	Name           string `json:"name"`
	Description    string `json:"description"`
	SliceType      string `json:"slice_type"` // spike|path|interface|data|rule
	DependencyHint string `json:"dependency_hint"`
}

// AtomicityVerdict is the oracle's judgement on a single node.
type AtomicityVerdict struct {
	IsAtomic           bool      `json:"is_atomic"`
	Files              int       `json:"estimated_files"`
	Hours              float64   `json:"estimated_hours"`
	Lines              int       `json:"estimated_lines"`
	AcceptanceCriteria int       `json:"acceptance_criteria_count"`
	InvestScore        int       `json:"invest_score"` // 0-6
	Complexity         string    `json:"complexity"`
	Flags              []string  `json:"flags,omitempty"` // linguistic red-flags
	Subtasks           []Subtask `json:"subtasks,omitempty"`
}

// NodeContext is everything the oracle sees about the node under judgement.
type NodeContext struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Type        string   `json:"type"`
	Depth       int      `json:"depth"`
	Ancestors   []string `json:"ancestors"` // names from root to parent
}

// Oracle is the two-operation reasoning contract. Implementations must
// never return partial values with an error: either a usable (possibly
// defaulted) value, or ErrUnavailable.
type Oracle interface {
	ExtractGaps(ctx context.Context, specText string) ([]GapCandidate, error)
	AssessAtomicity(ctx context.Context, nc NodeContext) (AtomicityVerdict, error)
}
