package tree

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/atomize-dev/atomize/internal/oracle"
)

// Signal weights for the composite gap score. They sum to 1.0, so the
// score stays in [0,1] for subscores in [0,1].
const (
	WeightLinguistic = 0.25
	WeightSlot       = 0.30
	WeightCodebase   = 0.20
	WeightConfidence = 0.25
)

// GapClass is the disposition of one analyzed gap.
type GapClass string

const (
	GapBlocking     GapClass = "blocking"
	GapAutoResolved GapClass = "auto_resolved"
	GapNiceToKnow   GapClass = "nice_to_know"
)

// Score computes the weighted gap score. Subscores are clamped into [0,1]
// first, so the result is always in [0,1] whatever the oracle reported.
func Score(s GapSignals) float64 {
	return WeightLinguistic*clampUnit(s.Linguistic) +
		WeightSlot*clampUnit(s.Slot) +
		WeightCodebase*clampUnit(s.Codebase) +
		WeightConfidence*clampUnit(s.Confidence)
}

// ClassifyGap decides a candidate's disposition. The oracle's explicit
// blocking flag is authoritative and is not overridden by the score — except
// for degraded candidates, which are never trusted beyond nice-to-know.
func ClassifyGap(c oracle.GapCandidate) GapClass {
	if c.Degraded {
		return GapNiceToKnow
	}
	if c.Blocking {
		return GapBlocking
	}
	if referencesPattern(c.ResolutionHint) {
		return GapAutoResolved
	}
	return GapNiceToKnow
}

// GapReport summarizes one gap-analysis pass for the session root.
type GapReport struct {
	Blocking     []string
	AutoResolved []string
	NiceToKnow   []string
}

// AnalyzeGaps converts oracle gap candidates into child node values of the
// root and the aggregate report stored on the root itself. The returned
// children carry no IDs; the store assigns identity on insert.
func AnalyzeGaps(root Node, candidates []oracle.GapCandidate) ([]Node, GapReport) {
	var children []Node
	var report GapReport

	for _, c := range candidates {
		signals := GapSignals{
			Linguistic: clampUnit(c.Linguistic),
			Slot:       clampUnit(c.Slot),
			Codebase:   clampUnit(c.Codebase),
			Confidence: clampUnit(c.Confidence),
		}
		class := ClassifyGap(c)
		switch class {
		case GapBlocking:
			report.Blocking = append(report.Blocking, c.Name)
		case GapAutoResolved:
			report.AutoResolved = append(report.AutoResolved, c.Name)
		default:
			report.NiceToKnow = append(report.NiceToKnow, c.Name)
		}

		rootID := root.ID
		children = append(children, Node{
			SessionID:   root.SessionID,
			ParentID:    &rootID,
			Name:        c.Name,
			Description: gapDescription(c, class),
			Type:        gapNodeType(c.Type),
			Status:      NodePending,
			Depth:       root.Depth + 1,
			Generation:  root.Generation + 1,
			Signals:     signals,
			GapScore:    Score(signals),
		})
	}
	return children, report
}

// gapDescription renders the gap for downstream evaluation, keeping the
// resolution hint verbatim so auto-resolution stays auditable.
func gapDescription(c oracle.GapCandidate, class GapClass) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Gap (%s, %s): %s", c.Type, class, c.Name)
	if c.ResolutionHint != "" {
		fmt.Fprintf(&b, "\nResolution hint: %s", c.ResolutionHint)
	}
	return b.String()
}

// gapCategories maps the oracle's gap category strings onto node types.
var gapCategories = map[string]NodeType{
	"requirements": TypeRequirements,
	"constraint":   TypeConstraint,
	"edge_case":    TypeEdgeCase,
	"integration":  TypeIntegration,
	"verification": TypeVerification,
}

// gapNodeType maps a gap category to a node type, defaulting to "other"
// for anything the oracle invented.
func gapNodeType(category string) NodeType {
	if t, ok := gapCategories[category]; ok {
		return t
	}
	return TypeOther
}

// pathLike matches tokens that look like file or package references,
// e.g. internal/auth/session.go or billing.invoices.
var pathLike = regexp.MustCompile(`[\w-]+[./][\w./-]+`)

// referencesPattern reports whether a resolution hint points at a located
// codebase or domain pattern. The reference is accepted on its face; it is
// recorded verbatim on the node so an operator can audit it.
func referencesPattern(hint string) bool {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return false
	}
	lower := strings.ToLower(hint)
	for _, marker := range []string{"pattern", "existing", "convention", "follows", "same as"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return pathLike.MatchString(hint)
}

func clampUnit(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
