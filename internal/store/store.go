// Package store persists sessions and decomposition-tree nodes in Postgres.
// Every mutation is a single atomic statement; readers never observe a
// partially-applied record.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/atomize-dev/atomize/internal/tree"
)

var (
	// ErrNotFound is returned when a session or node does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a status transition lost a race, e.g.
	// updating a node that is no longer pending. The node stays as-is and
	// is picked up again in the next generation.
	ErrConflict = errors.New("write conflict")
)

type Store struct {
	DB *sql.DB
}

// New opens a Postgres connection with the given DSN and verifies it.
func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.DB.Close() }

// CreateSession inserts a new session in state in_progress. Session names
// are unique; a duplicate returns ErrConflict.
func (s *Store) CreateSession(ctx context.Context, name, specText string) (tree.Session, error) {
	sess := tree.Session{
		ID:       uuid.New().String(),
		Name:     name,
		SpecText: specText,
		Status:   tree.SessionInProgress,
	}
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO sessions (id, name, spec_text, status, confidence, started_at, updated_at)
VALUES ($1,$2,$3,$4,0,NOW(),NOW())
RETURNING started_at, updated_at
`, sess.ID, sess.Name, sess.SpecText, sess.Status).Scan(&sess.StartedAt, &sess.UpdatedAt)
	if err != nil {
		if pgErr, ok := err.(*pq.Error); ok && pgErr.Code == "23505" {
			return tree.Session{}, fmt.Errorf("session %q: %w", name, ErrConflict)
		}
		return tree.Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// GetSessionByName loads a session by its unique name.
func (s *Store) GetSessionByName(ctx context.Context, name string) (tree.Session, error) {
	return s.scanSession(s.DB.QueryRowContext(ctx, `
SELECT id, name, spec_text, status, confidence, started_at, updated_at
FROM sessions
WHERE name=$1
`, name))
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (tree.Session, error) {
	return s.scanSession(s.DB.QueryRowContext(ctx, `
SELECT id, name, spec_text, status, confidence, started_at, updated_at
FROM sessions
WHERE id=$1
`, id))
}

// ListSessions returns all sessions, most recent first.
func (s *Store) ListSessions(ctx context.Context) ([]tree.Session, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, name, spec_text, status, confidence, started_at, updated_at
FROM sessions
ORDER BY started_at DESC
`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []tree.Session
	for rows.Next() {
		var sess tree.Session
		if err := rows.Scan(&sess.ID, &sess.Name, &sess.SpecText, &sess.Status, &sess.Confidence, &sess.StartedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateSessionStatus moves a session to a new lifecycle state.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status tree.SessionStatus, confidence float64) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE sessions SET status=$2, confidence=$3, updated_at=NOW() WHERE id=$1
`, id, status, confidence)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

const nodeColumns = `id, session_id, parent_id, name, description, node_type, status, depth, generation, seq,
est_files, est_hours, est_lines, complexity, acceptance_criteria, invest_score,
sig_linguistic, sig_slot, sig_codebase, sig_confidence, gap_score,
blocking_gaps, auto_resolved, nice_to_know,
dependency_hint, threshold_reason, prd_ref, created_at`

// AddNode inserts one node and returns it with identity and sequence
// assigned. The seq column is a bigserial, so creation order is total and
// stable across resumes.
func (s *Store) AddNode(ctx context.Context, n tree.Node) (tree.Node, error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Status == "" {
		n.Status = tree.NodePending
	}
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO nodes (id, session_id, parent_id, name, description, node_type, status, depth, generation,
                   est_files, est_hours, est_lines, complexity, acceptance_criteria, invest_score,
                   sig_linguistic, sig_slot, sig_codebase, sig_confidence, gap_score,
                   blocking_gaps, auto_resolved, nice_to_know, dependency_hint, threshold_reason, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,NOW())
RETURNING seq, created_at
`,
		n.ID, n.SessionID, n.ParentID, n.Name, n.Description, n.Type, n.Status, n.Depth, n.Generation,
		n.Estimates.Files, n.Estimates.Hours, n.Estimates.Lines, n.Estimates.Complexity,
		n.Estimates.AcceptanceCriteria, n.Estimates.InvestScore,
		n.Signals.Linguistic, n.Signals.Slot, n.Signals.Codebase, n.Signals.Confidence, n.GapScore,
		pq.Array(n.BlockingGaps), pq.Array(n.AutoResolved), pq.Array(n.NiceToKnow),
		n.DependencyHint, n.ThresholdReason,
	).Scan(&n.Seq, &n.CreatedAt)
	if err != nil {
		return tree.Node{}, fmt.Errorf("add node: %w", err)
	}
	return n, nil
}

// NodeUpdate carries the optional fields settable alongside a status change.
type NodeUpdate struct {
	Estimates       *tree.Estimates
	ThresholdReason string
}

// UpdateNodeStatus transitions a pending node to atomic, decomposed or
// failed, optionally populating its estimates. Transitions from any other
// state return ErrConflict: pending is the only non-terminal status.
func (s *Store) UpdateNodeStatus(ctx context.Context, nodeID string, status tree.NodeStatus, update NodeUpdate) error {
	est := tree.Estimates{}
	if update.Estimates != nil {
		est = *update.Estimates
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE nodes SET status=$2,
  est_files=CASE WHEN $3 THEN $4 ELSE est_files END,
  est_hours=CASE WHEN $3 THEN $5 ELSE est_hours END,
  est_lines=CASE WHEN $3 THEN $6 ELSE est_lines END,
  complexity=CASE WHEN $3 THEN $7 ELSE complexity END,
  acceptance_criteria=CASE WHEN $3 THEN $8 ELSE acceptance_criteria END,
  invest_score=CASE WHEN $3 THEN $9 ELSE invest_score END,
  threshold_reason=$10
WHERE id=$1 AND status='pending'
`, nodeID, status, update.Estimates != nil,
		est.Files, est.Hours, est.Lines, est.Complexity, est.AcceptanceCriteria, est.InvestScore,
		update.ThresholdReason)
	if err != nil {
		return fmt.Errorf("update node status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("node %s not pending: %w", nodeID, ErrConflict)
	}
	return nil
}

// UpdateRootGapReport stores the aggregate gap lists on the session root.
func (s *Store) UpdateRootGapReport(ctx context.Context, nodeID string, blocking, autoResolved, niceToKnow []string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE nodes SET blocking_gaps=$2, auto_resolved=$3, nice_to_know=$4 WHERE id=$1
`, nodeID, pq.Array(blocking), pq.Array(autoResolved), pq.Array(niceToKnow))
	if err != nil {
		return fmt.Errorf("update gap report: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("node %s: %w", nodeID, ErrNotFound)
	}
	return nil
}

// SetNodePRDRef records the emitted document reference for an atomic node.
func (s *Store) SetNodePRDRef(ctx context.Context, nodeID, ref string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE nodes SET prd_ref=$2 WHERE id=$1 AND status='atomic'
`, nodeID, ref)
	if err != nil {
		return fmt.Errorf("set prd ref: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("node %s not atomic: %w", nodeID, ErrConflict)
	}
	return nil
}

// GetNode loads one node by id.
func (s *Store) GetNode(ctx context.Context, nodeID string) (tree.Node, error) {
	return s.scanNode(s.DB.QueryRowContext(ctx, `
SELECT `+nodeColumns+`
FROM nodes
WHERE id=$1
`, nodeID))
}

// QueryNodesByStatus returns the session's nodes in the given status, in
// creation order.
func (s *Store) QueryNodesByStatus(ctx context.Context, sessionID string, status tree.NodeStatus) ([]tree.Node, error) {
	return s.queryNodes(ctx, `
SELECT `+nodeColumns+`
FROM nodes
WHERE session_id=$1 AND status=$2
ORDER BY seq
`, sessionID, status)
}

// ListNodes returns every node of a session in creation order.
func (s *Store) ListNodes(ctx context.Context, sessionID string) ([]tree.Node, error) {
	return s.queryNodes(ctx, `
SELECT `+nodeColumns+`
FROM nodes
WHERE session_id=$1
ORDER BY seq
`, sessionID)
}

// ListAtomicLeaves returns a session's atomic nodes ordered by creation.
func (s *Store) ListAtomicLeaves(ctx context.Context, sessionID string) ([]tree.Node, error) {
	return s.QueryNodesByStatus(ctx, sessionID, tree.NodeAtomic)
}

// CountNodesByStatus tallies a session's nodes per status.
func (s *Store) CountNodesByStatus(ctx context.Context, sessionID string) (map[tree.NodeStatus]int, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT status, COUNT(*) FROM nodes WHERE session_id=$1 GROUP BY status
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("count nodes: %w", err)
	}
	defer rows.Close()

	counts := make(map[tree.NodeStatus]int)
	for rows.Next() {
		var status tree.NodeStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *Store) queryNodes(ctx context.Context, query string, args ...interface{}) ([]tree.Node, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var out []tree.Node
	for rows.Next() {
		n, err := scanNodeRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanSession(row *sql.Row) (tree.Session, error) {
	var sess tree.Session
	err := row.Scan(&sess.ID, &sess.Name, &sess.SpecText, &sess.Status, &sess.Confidence, &sess.StartedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return tree.Session{}, ErrNotFound
	}
	if err != nil {
		return tree.Session{}, fmt.Errorf("scan session: %w", err)
	}
	return sess, nil
}

func (s *Store) scanNode(row *sql.Row) (tree.Node, error) {
	n, err := scanNodeRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tree.Node{}, ErrNotFound
	}
	return n, err
}

func scanNodeRow(row rowScanner) (tree.Node, error) {
	var n tree.Node
	var parentID sql.NullString
	var prdRef sql.NullString
	var blocking, autoResolved, niceToKnow pq.StringArray
	err := row.Scan(
		&n.ID, &n.SessionID, &parentID, &n.Name, &n.Description, &n.Type, &n.Status, &n.Depth, &n.Generation, &n.Seq,
		&n.Estimates.Files, &n.Estimates.Hours, &n.Estimates.Lines, &n.Estimates.Complexity,
		&n.Estimates.AcceptanceCriteria, &n.Estimates.InvestScore,
		&n.Signals.Linguistic, &n.Signals.Slot, &n.Signals.Codebase, &n.Signals.Confidence, &n.GapScore,
		&blocking, &autoResolved, &niceToKnow,
		&n.DependencyHint, &n.ThresholdReason, &prdRef, &n.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return tree.Node{}, sql.ErrNoRows
		}
		return tree.Node{}, fmt.Errorf("scan node: %w", err)
	}
	if parentID.Valid {
		n.ParentID = &parentID.String
	}
	if prdRef.Valid {
		n.PRDRef = &prdRef.String
	}
	n.BlockingGaps = blocking
	n.AutoResolved = autoResolved
	n.NiceToKnow = niceToKnow
	return n, nil
}
