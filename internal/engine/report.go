package engine

import (
	"fmt"
	"strings"

	"github.com/atomize-dev/atomize/internal/tree"
)

// Report is the operator-facing outcome of a run: node tallies, blocking
// gap count, and the failed nodes that need manual intervention.
type Report struct {
	SessionName string             `json:"session_name"`
	Status      tree.SessionStatus `json:"status"`
	Confidence  float64            `json:"confidence"`

	TotalNodes int `json:"total_nodes"`
	Atomic     int `json:"atomic"`
	Decomposed int `json:"decomposed"`
	Failed     int `json:"failed"`
	Pending    int `json:"pending"`

	BlockingGaps int         `json:"blocking_gaps"`
	FailedNodes  []tree.Node `json:"failed_nodes,omitempty"`
}

func buildReport(sessionName string, status tree.SessionStatus, confidence float64, nodes []tree.Node) Report {
	r := Report{SessionName: sessionName, Status: status, Confidence: confidence, TotalNodes: len(nodes)}
	for _, n := range nodes {
		switch n.Status {
		case tree.NodeAtomic:
			r.Atomic++
		case tree.NodeDecomposed:
			r.Decomposed++
		case tree.NodeFailed:
			r.Failed++
			r.FailedNodes = append(r.FailedNodes, n)
		case tree.NodePending:
			r.Pending++
		}
		if n.IsRoot() {
			r.BlockingGaps = len(n.BlockingGaps)
		}
	}
	return r
}

// Summary renders the one-line tally used in logs.
func (r Report) Summary() string {
	return fmt.Sprintf("%s, %d nodes (%d atomic, %d decomposed, %d failed, %d pending), %d blocking gaps, confidence %.2f",
		r.Status, r.TotalNodes, r.Atomic, r.Decomposed, r.Failed, r.Pending, r.BlockingGaps, r.Confidence)
}

// Render writes the multi-line operator report, listing failed nodes so an
// operator can intervene manually.
func (r Report) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session:       %s\n", r.SessionName)
	fmt.Fprintf(&b, "Status:        %s\n", r.Status)
	fmt.Fprintf(&b, "Confidence:    %.2f\n", r.Confidence)
	fmt.Fprintf(&b, "Total nodes:   %d\n", r.TotalNodes)
	fmt.Fprintf(&b, "  atomic:      %d\n", r.Atomic)
	fmt.Fprintf(&b, "  decomposed:  %d\n", r.Decomposed)
	fmt.Fprintf(&b, "  failed:      %d\n", r.Failed)
	fmt.Fprintf(&b, "  pending:     %d\n", r.Pending)
	fmt.Fprintf(&b, "Blocking gaps: %d\n", r.BlockingGaps)
	if len(r.FailedNodes) > 0 {
		b.WriteString("Failed nodes (manual intervention needed):\n")
		for _, n := range r.FailedNodes {
			fmt.Fprintf(&b, "  - %s (%s)\n", n.Name, n.ID)
		}
	}
	if r.Pending > 0 {
		b.WriteString("Pending nodes remain; resume with --resume to continue.\n")
	}
	return b.String()
}
