package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/atomize-dev/atomize/config"
	"github.com/atomize-dev/atomize/internal/oracle"
	"github.com/atomize-dev/atomize/internal/store"
	"github.com/atomize-dev/atomize/internal/tree"
)

// memStore is an in-memory Store used to drive the loop without Postgres.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]tree.Session
	nodes    map[string]tree.Node
	seq      int64

	// conflictOnce holds node ids whose next status update returns
	// ErrConflict exactly once.
	conflictOnce map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		sessions:     make(map[string]tree.Session),
		nodes:        make(map[string]tree.Node),
		conflictOnce: make(map[string]bool),
	}
}

func (m *memStore) CreateSession(ctx context.Context, name, specText string) (tree.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := tree.Session{
		ID: fmt.Sprintf("sess-%d", len(m.sessions)+1), Name: name, SpecText: specText,
		Status: tree.SessionInProgress, StartedAt: time.Now(), UpdatedAt: time.Now(),
	}
	m.sessions[sess.ID] = sess
	return sess, nil
}

func (m *memStore) GetSessionByName(ctx context.Context, name string) (tree.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.Name == name {
			return s, nil
		}
	}
	return tree.Session{}, store.ErrNotFound
}

func (m *memStore) UpdateSessionStatus(ctx context.Context, id string, status tree.SessionStatus, confidence float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	s.Status = status
	s.Confidence = confidence
	s.UpdatedAt = time.Now()
	m.sessions[id] = s
	return nil
}

func (m *memStore) AddNode(ctx context.Context, n tree.Node) (tree.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	n.ID = fmt.Sprintf("node-%d", m.seq)
	n.Seq = m.seq
	if n.Status == "" {
		n.Status = tree.NodePending
	}
	n.CreatedAt = time.Now()
	m.nodes[n.ID] = n
	return n, nil
}

func (m *memStore) UpdateNodeStatus(ctx context.Context, nodeID string, status tree.NodeStatus, update store.NodeUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflictOnce[nodeID] {
		delete(m.conflictOnce, nodeID)
		return store.ErrConflict
	}
	n, ok := m.nodes[nodeID]
	if !ok || n.Status != tree.NodePending {
		return store.ErrConflict
	}
	n.Status = status
	if update.Estimates != nil {
		n.Estimates = *update.Estimates
	}
	n.ThresholdReason = update.ThresholdReason
	m.nodes[nodeID] = n
	return nil
}

func (m *memStore) UpdateRootGapReport(ctx context.Context, nodeID string, blocking, autoResolved, niceToKnow []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[nodeID]
	if !ok {
		return store.ErrNotFound
	}
	n.BlockingGaps = blocking
	n.AutoResolved = autoResolved
	n.NiceToKnow = niceToKnow
	m.nodes[nodeID] = n
	return nil
}

func (m *memStore) QueryNodesByStatus(ctx context.Context, sessionID string, status tree.NodeStatus) ([]tree.Node, error) {
	all, _ := m.ListNodes(ctx, sessionID)
	var out []tree.Node
	for _, n := range all {
		if n.Status == status {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *memStore) ListNodes(ctx context.Context, sessionID string) ([]tree.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []tree.Node
	for _, n := range m.nodes {
		if n.SessionID == sessionID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// stubOracle scripts both operations per test.
type stubOracle struct {
	gaps    func(specText string) ([]oracle.GapCandidate, error)
	assess  func(nc oracle.NodeContext) (oracle.AtomicityVerdict, error)
	mu      sync.Mutex
	calls   int
	fatigue int // fail this many assess calls before succeeding
}

func (s *stubOracle) ExtractGaps(ctx context.Context, specText string) ([]oracle.GapCandidate, error) {
	if s.gaps != nil {
		return s.gaps(specText)
	}
	return nil, nil
}

func (s *stubOracle) AssessAtomicity(ctx context.Context, nc oracle.NodeContext) (oracle.AtomicityVerdict, error) {
	s.mu.Lock()
	s.calls++
	if s.fatigue > 0 {
		s.fatigue--
		s.mu.Unlock()
		return oracle.AtomicityVerdict{}, oracle.ErrUnavailable
	}
	s.mu.Unlock()
	return s.assess(nc)
}

func atomicVerdict() oracle.AtomicityVerdict {
	return oracle.AtomicityVerdict{IsAtomic: true, Files: 2, Hours: 3, Lines: 60, AcceptanceCriteria: 4, InvestScore: 5, Complexity: "low"}
}

func testConfig() config.EngineConfig {
	return config.EngineConfig{
		MaxGenerations:     8,
		MaxDuration:        time.Minute,
		MaxChildrenPerNode: 9,
		Workers:            2,
		OracleTimeout:      time.Second,
	}
}

func TestRunSingleAtomicNode(t *testing.T) {
	st := newMemStore()
	orc := &stubOracle{assess: func(oracle.NodeContext) (oracle.AtomicityVerdict, error) { return atomicVerdict(), nil }}
	eng := New(st, orc, testConfig(), nil, nil)

	report, err := eng.Run(context.Background(), "", "Add CSV export to orders list")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Status != tree.SessionComplete {
		t.Fatalf("status = %s, want complete", report.Status)
	}
	if report.TotalNodes != 1 || report.Atomic != 1 {
		t.Fatalf("report = %+v, want 1 total / 1 atomic", report)
	}
}

func TestRunDecomposesIntoSubtasks(t *testing.T) {
	st := newMemStore()
	orc := &stubOracle{assess: func(nc oracle.NodeContext) (oracle.AtomicityVerdict, error) {
		if nc.Depth == 0 {
			return oracle.AtomicityVerdict{IsAtomic: false, Subtasks: []oracle.Subtask{
				{Name: "s1", SliceType: "path"},
				{Name: "s2", SliceType: "interface"},
				{Name: "s3", SliceType: "data"},
				{Name: "s4", SliceType: "path"},
				{Name: "s5", SliceType: "data"},
			}}, nil
		}
		return atomicVerdict(), nil
	}}
	eng := New(st, orc, testConfig(), nil, nil)

	report, err := eng.Run(context.Background(), "", "Build the export pipeline")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.TotalNodes != 6 || report.Decomposed != 1 || report.Atomic != 5 {
		t.Fatalf("report = %+v, want 6 total / 1 decomposed / 5 atomic", report)
	}
}

func TestThresholdOverrideSynthesizesChild(t *testing.T) {
	st := newMemStore()
	orc := &stubOracle{assess: func(nc oracle.NodeContext) (oracle.AtomicityVerdict, error) {
		if nc.Depth == 0 {
			// atomic per the oracle, but over the hour limit and no split offered
			return oracle.AtomicityVerdict{IsAtomic: true, Files: 2, Hours: 20, Lines: 100, AcceptanceCriteria: 4}, nil
		}
		return atomicVerdict(), nil
	}}
	eng := New(st, orc, testConfig(), nil, nil)

	report, err := eng.Run(context.Background(), "", "Rework billing")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.TotalNodes != 2 || report.Decomposed != 1 || report.Atomic != 1 {
		t.Fatalf("report = %+v, want 2 total / 1 decomposed / 1 atomic", report)
	}
	nodes, _ := st.ListNodes(context.Background(), "sess-1")
	root := nodes[0]
	if root.Status != tree.NodeDecomposed || root.ThresholdReason == "" {
		t.Fatalf("root = %+v, want decomposed with threshold reason", root)
	}
	if nodes[1].Type != tree.TypeSpike {
		t.Fatalf("synthesized child type = %s, want spike", nodes[1].Type)
	}
}

func TestGenerationCutoffEndsPartial(t *testing.T) {
	st := newMemStore()
	orc := &stubOracle{assess: func(nc oracle.NodeContext) (oracle.AtomicityVerdict, error) {
		return oracle.AtomicityVerdict{IsAtomic: false, Subtasks: []oracle.Subtask{
			{Name: "left", SliceType: "path"},
			{Name: "right", SliceType: "path"},
		}}, nil
	}}
	cfg := testConfig()
	cfg.MaxGenerations = 1
	eng := New(st, orc, cfg, nil, nil)

	report, err := eng.Run(context.Background(), "", "Endless feature")
	if !errors.Is(err, ErrPartial) {
		t.Fatalf("err = %v, want ErrPartial", err)
	}
	if report.Status != tree.SessionPartial {
		t.Fatalf("status = %s, want partial", report.Status)
	}
	if report.Pending == 0 {
		t.Fatal("want pending nodes surfaced on cutoff")
	}
}

// Guaranteed termination with an oracle that never accepts anything.
func TestAlwaysNonAtomicTerminates(t *testing.T) {
	st := newMemStore()
	orc := &stubOracle{assess: func(nc oracle.NodeContext) (oracle.AtomicityVerdict, error) {
		return oracle.AtomicityVerdict{IsAtomic: false, Subtasks: []oracle.Subtask{
			{Name: "a", SliceType: "rule"},
			{Name: "b", SliceType: "rule"},
		}}, nil
	}}
	cfg := testConfig()
	cfg.MaxGenerations = 3
	eng := New(st, orc, cfg, nil, nil)

	done := make(chan struct{})
	var report Report
	var err error
	go func() {
		report, err = eng.Run(context.Background(), "", "Unsplittable")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("engine did not terminate")
	}
	if !errors.Is(err, ErrPartial) {
		t.Fatalf("err = %v, want ErrPartial", err)
	}
	// node count bounded by generations x children per split
	if report.TotalNodes > 1+2+4+8 {
		t.Fatalf("node count %d exceeds structural bound", report.TotalNodes)
	}
}

func TestOracleFailureMarksNodeFailed(t *testing.T) {
	st := newMemStore()
	orc := &stubOracle{
		fatigue: 2, // first call and its retry both fail
		assess:  func(oracle.NodeContext) (oracle.AtomicityVerdict, error) { return atomicVerdict(), nil },
	}
	eng := New(st, orc, testConfig(), nil, nil)

	report, err := eng.Run(context.Background(), "", "Fragile oracle")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Status != tree.SessionComplete {
		t.Fatalf("status = %s, want complete (node failure is not fatal)", report.Status)
	}
	if report.Failed != 1 || len(report.FailedNodes) != 1 {
		t.Fatalf("report = %+v, want exactly one failed node listed", report)
	}
}

func TestRetrySucceedsAfterOneFailure(t *testing.T) {
	st := newMemStore()
	orc := &stubOracle{
		fatigue: 1, // first attempt fails, retry succeeds
		assess:  func(oracle.NodeContext) (oracle.AtomicityVerdict, error) { return atomicVerdict(), nil },
	}
	eng := New(st, orc, testConfig(), nil, nil)

	report, err := eng.Run(context.Background(), "", "One bad call")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Atomic != 1 || report.Failed != 0 {
		t.Fatalf("report = %+v, want retry to recover the node", report)
	}
}

func TestWriteConflictRetriedNextGeneration(t *testing.T) {
	st := newMemStore()
	orc := &stubOracle{assess: func(oracle.NodeContext) (oracle.AtomicityVerdict, error) { return atomicVerdict(), nil }}
	eng := New(st, orc, testConfig(), nil, nil)

	// the root's first status write loses a race; it must stay pending and
	// land in the next generation's frontier
	st.conflictOnce["node-1"] = true

	report, err := eng.Run(context.Background(), "", "Contended store")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Status != tree.SessionComplete || report.Atomic != 1 {
		t.Fatalf("report = %+v, want eventual completion", report)
	}
}

func TestGapAnalysisSeedsChildren(t *testing.T) {
	st := newMemStore()
	orc := &stubOracle{
		gaps: func(string) ([]oracle.GapCandidate, error) {
			return []oracle.GapCandidate{
				{Name: "auth undefined", Type: "requirements", Blocking: true, Linguistic: 0.5, Slot: 0.5, Codebase: 0.5, Confidence: 0.5},
				{Name: "pagination", Type: "constraint", ResolutionHint: "follows the list endpoint convention", Linguistic: 0.1, Slot: 0.1, Codebase: 0.1, Confidence: 0.1},
			}, nil
		},
		assess: func(oracle.NodeContext) (oracle.AtomicityVerdict, error) { return atomicVerdict(), nil },
	}
	eng := New(st, orc, testConfig(), nil, nil)

	report, err := eng.Run(context.Background(), "", "Add a reporting endpoint")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.TotalNodes != 3 {
		t.Fatalf("total = %d, want root + 2 gap nodes", report.TotalNodes)
	}
	if report.BlockingGaps != 1 {
		t.Fatalf("blocking gaps = %d, want 1", report.BlockingGaps)
	}
}

func TestResumeContinuesPendingFrontier(t *testing.T) {
	st := newMemStore()
	split := &stubOracle{assess: func(nc oracle.NodeContext) (oracle.AtomicityVerdict, error) {
		if nc.Depth == 0 {
			return oracle.AtomicityVerdict{IsAtomic: false, Subtasks: []oracle.Subtask{
				{Name: "x", SliceType: "data"},
				{Name: "y", SliceType: "rule"},
			}}, nil
		}
		return atomicVerdict(), nil
	}}
	cfg := testConfig()
	cfg.MaxGenerations = 1
	eng := New(st, split, cfg, nil, nil)

	report, err := eng.Run(context.Background(), "", "Two stage feature")
	if !errors.Is(err, ErrPartial) {
		t.Fatalf("first run err = %v, want ErrPartial", err)
	}

	cfg.MaxGenerations = 8
	eng = New(st, split, cfg, nil, nil)
	report, err = eng.Resume(context.Background(), report.SessionName)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if report.Status != tree.SessionComplete || report.Pending != 0 {
		t.Fatalf("report = %+v, want resumed run to complete", report)
	}
	if report.Atomic != 2 {
		t.Fatalf("atomic = %d, want 2", report.Atomic)
	}
}

// Every non-root node must reference an existing parent created in a
// strictly earlier generation.
func TestTreeIntegrity(t *testing.T) {
	st := newMemStore()
	orc := &stubOracle{assess: func(nc oracle.NodeContext) (oracle.AtomicityVerdict, error) {
		if nc.Depth < 2 {
			return oracle.AtomicityVerdict{IsAtomic: false, Subtasks: []oracle.Subtask{
				{Name: "p", SliceType: "path"},
				{Name: "q", SliceType: "interface"},
				{Name: "r", SliceType: "data"},
			}}, nil
		}
		return atomicVerdict(), nil
	}}
	eng := New(st, orc, testConfig(), nil, nil)
	if _, err := eng.Run(context.Background(), "", "Deep feature"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	nodes, _ := st.ListNodes(context.Background(), "sess-1")
	byID := make(map[string]tree.Node, len(nodes))
	roots := 0
	for _, n := range nodes {
		byID[n.ID] = n
		if n.IsRoot() {
			roots++
		}
	}
	if roots != 1 {
		t.Fatalf("found %d roots, want exactly 1", roots)
	}
	for _, n := range nodes {
		if n.IsRoot() {
			continue
		}
		parent, ok := byID[*n.ParentID]
		if !ok {
			t.Fatalf("node %s has missing parent %s", n.ID, *n.ParentID)
		}
		if parent.Generation >= n.Generation {
			t.Fatalf("node %s generation %d not after parent generation %d", n.ID, n.Generation, parent.Generation)
		}
	}
}

// A wide frontier across many workers must complete with every node's
// ancestor chain intact; the chains are built on the writer goroutine, so
// workers never share mutable state.
func TestWideFrontierManyWorkers(t *testing.T) {
	st := newMemStore()
	var mu sync.Mutex
	ancestorsByDepth := make(map[int]map[int]bool)

	wide := make([]oracle.Subtask, 9)
	for i := range wide {
		wide[i] = oracle.Subtask{Name: fmt.Sprintf("part-%d", i), SliceType: "path"}
	}
	orc := &stubOracle{assess: func(nc oracle.NodeContext) (oracle.AtomicityVerdict, error) {
		mu.Lock()
		if ancestorsByDepth[nc.Depth] == nil {
			ancestorsByDepth[nc.Depth] = make(map[int]bool)
		}
		ancestorsByDepth[nc.Depth][len(nc.Ancestors)] = true
		mu.Unlock()
		if nc.Depth < 2 {
			return oracle.AtomicityVerdict{IsAtomic: false, Subtasks: wide}, nil
		}
		return atomicVerdict(), nil
	}}
	cfg := testConfig()
	cfg.Workers = 8
	eng := New(st, orc, cfg, nil, nil)

	report, err := eng.Run(context.Background(), "", "Very wide feature")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.TotalNodes != 1+9+81 {
		t.Fatalf("total = %d, want 91", report.TotalNodes)
	}
	// every evaluation carried the full chain for its depth
	for depth := 0; depth <= 2; depth++ {
		seen := ancestorsByDepth[depth]
		if len(seen) != 1 || !seen[depth] {
			t.Fatalf("depth %d saw ancestor counts %v, want exactly {%d}", depth, seen, depth)
		}
	}
	nodes, _ := st.ListNodes(context.Background(), "sess-1")
	for _, n := range nodes {
		if n.Depth == 2 && n.Status != tree.NodeAtomic {
			t.Fatalf("depth-2 node %s status = %s, want atomic", n.ID, n.Status)
		}
	}
}

// An abort mid-generation discards in-flight results: affected nodes stay
// pending (never failed) and the session ends partial at the boundary.
func TestAbortMidGenerationLeavesNodesPending(t *testing.T) {
	st := newMemStore()
	ctx, cancel := context.WithCancel(context.Background())
	orc := &stubOracle{assess: func(nc oracle.NodeContext) (oracle.AtomicityVerdict, error) {
		cancel()
		return oracle.AtomicityVerdict{}, context.Canceled
	}}
	eng := New(st, orc, testConfig(), nil, nil)

	report, err := eng.Run(ctx, "", "Aborted feature")
	if !errors.Is(err, ErrPartial) {
		t.Fatalf("err = %v, want ErrPartial at the generation boundary", err)
	}
	if report.Status != tree.SessionPartial {
		t.Fatalf("status = %s, want partial", report.Status)
	}
	if report.Failed != 0 {
		t.Fatalf("failed = %d, want 0 (aborted calls are not failures)", report.Failed)
	}
	if report.Pending != 1 {
		t.Fatalf("pending = %d, want the root left pending", report.Pending)
	}
}

// The wall-clock budget covers the whole run, gap extraction included.
func TestTimeBudgetCoversGapExtraction(t *testing.T) {
	st := newMemStore()
	orc := &stubOracle{
		gaps: func(string) ([]oracle.GapCandidate, error) {
			time.Sleep(60 * time.Millisecond)
			return nil, nil
		},
		assess: func(oracle.NodeContext) (oracle.AtomicityVerdict, error) { return atomicVerdict(), nil },
	}
	cfg := testConfig()
	cfg.MaxDuration = 20 * time.Millisecond
	eng := New(st, orc, cfg, nil, nil)

	report, err := eng.Run(context.Background(), "", "Slow gap analysis")
	if !errors.Is(err, ErrPartial) {
		t.Fatalf("err = %v, want ErrPartial (budget spent during gap extraction)", err)
	}
	if report.Pending != 1 {
		t.Fatalf("pending = %d, want the root untouched", report.Pending)
	}
	orc.mu.Lock()
	calls := orc.calls
	orc.mu.Unlock()
	if calls != 0 {
		t.Fatalf("assess called %d times after the budget expired", calls)
	}
}

func TestRunWithExplicitName(t *testing.T) {
	st := newMemStore()
	orc := &stubOracle{assess: func(oracle.NodeContext) (oracle.AtomicityVerdict, error) { return atomicVerdict(), nil }}
	eng := New(st, orc, testConfig(), nil, nil)

	report, err := eng.Run(context.Background(), "billing-rework", "Rework billing exports")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.SessionName != "billing-rework" {
		t.Fatalf("session name = %q, want the explicit name", report.SessionName)
	}
}

func TestAggregateConfidence(t *testing.T) {
	nodes := []tree.Node{
		{Status: tree.NodeAtomic, Estimates: tree.Estimates{InvestScore: 6}},
		{Status: tree.NodeAtomic, Estimates: tree.Estimates{InvestScore: 3}},
		{Status: tree.NodeDecomposed, Estimates: tree.Estimates{InvestScore: 6}},
	}
	got := aggregateConfidence(nodes)
	want := (6.0 + 3.0) / 2.0 / 6.0
	if got != want {
		t.Fatalf("confidence = %v, want %v", got, want)
	}
	if aggregateConfidence(nil) != 0 {
		t.Fatal("empty session confidence must be 0")
	}
}
