package tree

import (
	"fmt"
	"strings"

	"github.com/atomize-dev/atomize/internal/oracle"
)

// Hard thresholds. Exceeding any one of them forces a split regardless of
// the oracle's verdict, bounding granularity even when the oracle
// over-estimates atomicity. The override happens without re-consulting the
// oracle; the reason is recorded on the node.
const (
	MaxHours    = 16.0
	MaxFiles    = 10
	MaxLines    = 400
	MaxCriteria = 9
)

// Informational optimal range, not enforced. An accepted-atomic node with
// an INVEST score below MinInvest is logged as a quality warning only.
const (
	MinHours    = 4.0
	MinFiles    = 1
	MinLines    = 50
	MinCriteria = 3
	MinInvest   = 4
)

// ChildSpec describes one child node to create when a parent is split.
type ChildSpec struct {
	Name           string
	Description    string
	Type           NodeType
	DependencyHint string
}

// Decision is the outcome of evaluating one pending node.
type Decision struct {
	Atomic          bool
	Estimates       Estimates
	Flags           []string
	ThresholdReason string // non-empty when the hard override forced the split
	Warnings        []string
	Children        []ChildSpec
}

// EvaluateVerdict turns an oracle verdict for a node into a decision,
// applying the hard threshold override and synthesizing a generic child
// when the oracle reports non-atomic with no subtasks. maxChildren caps the
// number of children created per split (structural termination bound).
func EvaluateVerdict(node Node, v oracle.AtomicityVerdict, maxChildren int) Decision {
	d := Decision{
		Estimates: Estimates{
			Files:              v.Files,
			Hours:              v.Hours,
			Lines:              v.Lines,
			Complexity:         v.Complexity,
			AcceptanceCriteria: v.AcceptanceCriteria,
			InvestScore:        v.InvestScore,
		},
		Flags: v.Flags,
	}

	reason, exceeded := exceedsThresholds(d.Estimates)
	atomic := v.IsAtomic && !exceeded
	if exceeded {
		d.ThresholdReason = reason
	}

	if atomic {
		d.Atomic = true
		if v.InvestScore < MinInvest {
			d.Warnings = append(d.Warnings, fmt.Sprintf("INVEST score %d below %d on accepted-atomic node %q", v.InvestScore, MinInvest, node.Name))
		}
		return d
	}

	for _, st := range v.Subtasks {
		name := strings.TrimSpace(st.Name)
		if name == "" {
			continue
		}
		d.Children = append(d.Children, ChildSpec{
			Name:           name,
			Description:    childDescription(st),
			Type:           NodeTypeForSlice(st.SliceType),
			DependencyHint: st.DependencyHint,
		})
		if maxChildren > 0 && len(d.Children) == maxChildren {
			break
		}
	}

	// A non-atomic node with zero usable subtasks gets one synthesized
	// child so the loop cannot stall.
	if len(d.Children) == 0 {
		d.Children = append(d.Children, ChildSpec{
			Name:        fmt.Sprintf("Break down: %s", node.Name),
			Description: fmt.Sprintf("The item %q was judged non-atomic but no subtasks were proposed. Re-examine and decompose it.\n\n%s", node.Name, node.Description),
			Type:        TypeSpike,
		})
	}
	return d
}

// exceedsThresholds reports the first violated hard limit, if any.
func exceedsThresholds(e Estimates) (string, bool) {
	switch {
	case e.Hours > MaxHours:
		return fmt.Sprintf("estimated_hours %.1f > %.0f", e.Hours, MaxHours), true
	case e.Files > MaxFiles:
		return fmt.Sprintf("estimated_files %d > %d", e.Files, MaxFiles), true
	case e.Lines > MaxLines:
		return fmt.Sprintf("estimated_lines %d > %d", e.Lines, MaxLines), true
	case e.AcceptanceCriteria > MaxCriteria:
		return fmt.Sprintf("acceptance_criteria %d > %d", e.AcceptanceCriteria, MaxCriteria), true
	}
	return "", false
}

// childDescription embeds the dependency hint into the child's description
// so it survives into the emitted PRD.
func childDescription(st oracle.Subtask) string {
	desc := strings.TrimSpace(st.Description)
	if desc == "" {
		desc = st.Name
	}
	if hint := strings.TrimSpace(st.DependencyHint); hint != "" {
		desc += "\n\nDepends on: " + hint
	}
	return desc
}
