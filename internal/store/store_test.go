package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/atomize-dev/atomize/internal/tree"
)

func TestCreateSession(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	now := time.Now()

	query := regexp.QuoteMeta(`
INSERT INTO sessions (id, name, spec_text, status, confidence, started_at, updated_at)
VALUES ($1,$2,$3,$4,0,NOW(),NOW())
RETURNING started_at, updated_at
`)
	mock.ExpectQuery(query).
		WithArgs(sqlmock.AnyArg(), "csv-export", "Add CSV export", string(tree.SessionInProgress)).
		WillReturnRows(sqlmock.NewRows([]string{"started_at", "updated_at"}).AddRow(now, now))

	sess, err := st.CreateSession(context.Background(), "csv-export", "Add CSV export")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.ID == "" || sess.Status != tree.SessionInProgress {
		t.Fatalf("session = %+v", sess)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateNodeStatusConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	// zero rows affected means the node was no longer pending
	mock.ExpectExec("UPDATE nodes SET status=").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = st.UpdateNodeStatus(context.Background(), "node-1", tree.NodeAtomic, NodeUpdate{})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateNodeStatusWithEstimates(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	est := tree.Estimates{Files: 2, Hours: 3, Lines: 60, Complexity: "low", AcceptanceCriteria: 4, InvestScore: 5}

	mock.ExpectExec("UPDATE nodes SET status=").
		WithArgs("node-1", string(tree.NodeAtomic), true,
			est.Files, est.Hours, est.Lines, est.Complexity, est.AcceptanceCriteria, est.InvestScore, "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.UpdateNodeStatus(context.Background(), "node-1", tree.NodeAtomic, NodeUpdate{Estimates: &est}); err != nil {
		t.Fatalf("UpdateNodeStatus: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func nodeRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "session_id", "parent_id", "name", "description", "node_type", "status", "depth", "generation", "seq",
		"est_files", "est_hours", "est_lines", "complexity", "acceptance_criteria", "invest_score",
		"sig_linguistic", "sig_slot", "sig_codebase", "sig_confidence", "gap_score",
		"blocking_gaps", "auto_resolved", "nice_to_know",
		"dependency_hint", "threshold_reason", "prd_ref", "created_at",
	})
}

func TestQueryNodesByStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	now := time.Now()
	rows := nodeRows().
		AddRow("n-1", "s-1", nil, "root", "the spec", "other", "pending", 0, 0, int64(1),
			0, 0.0, 0, "", 0, 0,
			0.0, 0.0, 0.0, 0.0, 0.0,
			"{auth undefined}", "{}", "{}",
			"", "", nil, now).
		AddRow("n-2", "s-1", "n-1", "gap", "a gap", "constraint", "pending", 1, 1, int64(2),
			0, 0.0, 0, "", 0, 0,
			0.2, 0.3, 0.1, 0.4, 0.265,
			"{}", "{}", "{}",
			"", "", nil, now)

	mock.ExpectQuery("SELECT (.+) FROM nodes").
		WithArgs("s-1", string(tree.NodePending)).
		WillReturnRows(rows)

	nodes, err := st.QueryNodesByStatus(context.Background(), "s-1", tree.NodePending)
	if err != nil {
		t.Fatalf("QueryNodesByStatus: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("got %d nodes", len(nodes))
	}
	if !nodes[0].IsRoot() {
		t.Fatal("first node should be root")
	}
	if len(nodes[0].BlockingGaps) != 1 || nodes[0].BlockingGaps[0] != "auth undefined" {
		t.Fatalf("blocking gaps = %v", nodes[0].BlockingGaps)
	}
	if nodes[1].ParentID == nil || *nodes[1].ParentID != "n-1" {
		t.Fatalf("child parent = %v", nodes[1].ParentID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetSessionByNameNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectQuery("SELECT (.+) FROM sessions").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = st.GetSessionByName(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSetNodePRDRefConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectExec("UPDATE nodes SET prd_ref=").
		WithArgs("node-1", "sess-0002.md").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = st.SetNodePRDRef(context.Background(), "node-1", "sess-0002.md")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestCountNodesByStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectQuery("SELECT status, COUNT").
		WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("atomic", 5).
			AddRow("decomposed", 2))

	counts, err := st.CountNodesByStatus(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("CountNodesByStatus: %v", err)
	}
	if counts[tree.NodeAtomic] != 5 || counts[tree.NodeDecomposed] != 2 {
		t.Fatalf("counts = %v", counts)
	}
}
