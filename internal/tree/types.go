// Package tree defines the session/node model of the decomposition tree
// and the judgement logic applied to it: gap analysis over the spec text
// and per-node atomicity evaluation.
package tree

import (
	"time"
)

// SessionStatus is the lifecycle state of a decomposition run.
type SessionStatus string

const (
	SessionInProgress SessionStatus = "in_progress"
	SessionPartial    SessionStatus = "partial"
	SessionComplete   SessionStatus = "complete"
	SessionFailed     SessionStatus = "failed"
)

// NodeStatus is the lifecycle state of a single work-item node.
// The only legal transitions are pending -> atomic | decomposed | failed.
type NodeStatus string

const (
	NodePending    NodeStatus = "pending"
	NodeAtomic     NodeStatus = "atomic"
	NodeDecomposed NodeStatus = "decomposed"
	NodeFailed     NodeStatus = "failed"
)

// NodeType classifies what kind of work item a node represents. Gap nodes
// carry the gap's category; split children carry their SPIDR slice type.
type NodeType string

const (
	TypeDatabase  NodeType = "database"
	TypeAPI       NodeType = "api"
	TypeFrontend  NodeType = "frontend"
	TypeSpike     NodeType = "spike"
	TypePath      NodeType = "path"
	TypeInterface NodeType = "interface"
	TypeData      NodeType = "data"
	TypeRule      NodeType = "rule"
	TypeOther     NodeType = "other"
)

// Gap categories reported by the oracle's gap extraction. Gap nodes carry
// their category as the node type, extending the enum above.
const (
	TypeRequirements NodeType = "requirements"
	TypeConstraint   NodeType = "constraint"
	TypeEdgeCase     NodeType = "edge_case"
	TypeIntegration  NodeType = "integration"
	TypeVerification NodeType = "verification"
)

// SPIDR slice types reported on candidate subtasks.
var SliceTypes = map[string]NodeType{
	"spike":     TypeSpike,
	"path":      TypePath,
	"interface": TypeInterface,
	"data":      TypeData,
	"rule":      TypeRule,
}

// Session is a single decomposition run over one specification text.
// Sessions are never deleted; terminal states are retained for audit.
type Session struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	SpecText   string        `json:"spec_text"`
	Status     SessionStatus `json:"status"`
	Confidence float64       `json:"confidence"`
	StartedAt  time.Time     `json:"started_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Estimates holds the sizing fields the oracle reports for a node.
type Estimates struct {
	Files              int     `json:"files"`
	Hours              float64 `json:"hours"`
	Lines              int     `json:"lines"`
	Complexity         string  `json:"complexity"`
	AcceptanceCriteria int     `json:"acceptance_criteria"`
	InvestScore        int     `json:"invest_score"` // 0-6
}

// GapSignals are the four raw subscores in [0,1] reported per gap candidate.
type GapSignals struct {
	Linguistic float64 `json:"linguistic"`
	Slot       float64 `json:"slot"`
	Codebase   float64 `json:"codebase"`
	Confidence float64 `json:"confidence"`
}

// Node is one work item in the decomposition tree. Exactly one node per
// session has a nil ParentID (the root); every other node's parent was
// created in a strictly earlier generation.
type Node struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	ParentID    *string    `json:"parent_id,omitempty"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Type        NodeType   `json:"type"`
	Status      NodeStatus `json:"status"`
	Depth       int        `json:"depth"`
	Generation  int        `json:"generation"` // generation in which the node was created
	Seq         int64      `json:"seq"`        // monotonically increasing creation order within the store

	Estimates Estimates `json:"estimates"`

	Signals      GapSignals `json:"signals"`
	GapScore     float64    `json:"gap_score"`
	BlockingGaps []string   `json:"blocking_gaps,omitempty"`
	AutoResolved []string   `json:"auto_resolved,omitempty"`
	NiceToKnow   []string   `json:"nice_to_know,omitempty"`

	DependencyHint  string  `json:"dependency_hint,omitempty"`
	ThresholdReason string  `json:"threshold_reason,omitempty"` // set when the hard override forced a split
	PRDRef          *string `json:"prd_ref,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// IsRoot reports whether the node is the session root.
func (n Node) IsRoot() bool { return n.ParentID == nil }

// NodeTypeForSlice maps a SPIDR slice tag to a node type, defaulting to
// "other" for anything unrecognized.
func NodeTypeForSlice(slice string) NodeType {
	if t, ok := SliceTypes[slice]; ok {
		return t
	}
	return TypeOther
}
