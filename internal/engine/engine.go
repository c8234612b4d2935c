// Package engine drives the generational decomposition loop: it pulls the
// pending frontier from the store, evaluates each node against the oracle,
// and writes the resulting splits and finalizations back until a
// termination condition fires.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/atomize-dev/atomize/config"
	"github.com/atomize-dev/atomize/internal/oracle"
	"github.com/atomize-dev/atomize/internal/store"
	"github.com/atomize-dev/atomize/internal/telemetry"
	"github.com/atomize-dev/atomize/internal/tree"
)

// ErrPartial is returned when the run stops on a time or generation cutoff
// with nodes still pending. The command surface maps it to exit code 2.
var ErrPartial = errors.New("session ended partial with pending nodes")

// Store is the persistence surface the engine needs. *store.Store satisfies
// it; tests substitute an in-memory implementation.
type Store interface {
	CreateSession(ctx context.Context, name, specText string) (tree.Session, error)
	GetSessionByName(ctx context.Context, name string) (tree.Session, error)
	UpdateSessionStatus(ctx context.Context, id string, status tree.SessionStatus, confidence float64) error
	AddNode(ctx context.Context, n tree.Node) (tree.Node, error)
	UpdateNodeStatus(ctx context.Context, nodeID string, status tree.NodeStatus, update store.NodeUpdate) error
	UpdateRootGapReport(ctx context.Context, nodeID string, blocking, autoResolved, niceToKnow []string) error
	QueryNodesByStatus(ctx context.Context, sessionID string, status tree.NodeStatus) ([]tree.Node, error)
	ListNodes(ctx context.Context, sessionID string) ([]tree.Node, error)
}

// Engine coordinates one decomposition session at a time.
type Engine struct {
	store   Store
	oracle  oracle.Oracle
	cfg     config.EngineConfig
	metrics *telemetry.Metrics
	logger  *log.Logger
}

// New builds an engine. cfg is normalized by the caller via LoadConfig.
func New(st Store, orc oracle.Oracle, cfg config.EngineConfig, metrics *telemetry.Metrics, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[ENGINE] ", log.LstdFlags)
	}
	return &Engine{store: st, oracle: orc, cfg: cfg, metrics: metrics, logger: logger}
}

// Run starts a fresh session over the given specification text: gap
// analysis seeds the tree, then the generational loop decomposes it.
// An empty name derives one from the spec text. The time budget covers the
// whole run, gap extraction included. Returns ErrPartial (possibly wrapped)
// when the run hit a cutoff.
func (e *Engine) Run(ctx context.Context, name, specText string) (Report, error) {
	started := time.Now()
	if name == "" {
		name = sessionName(specText, started)
	}
	sess, err := e.store.CreateSession(ctx, name, specText)
	if err != nil {
		return Report{}, fmt.Errorf("create session: %w", err)
	}
	e.logger.Printf("session %q started", sess.Name)

	root, err := e.store.AddNode(ctx, tree.Node{
		SessionID:   sess.ID,
		Name:        rootName(specText),
		Description: specText,
		Type:        tree.TypeOther,
		Status:      tree.NodePending,
	})
	if err != nil {
		return Report{}, fmt.Errorf("create root node: %w", err)
	}

	if err := e.analyzeGaps(ctx, sess, root); err != nil {
		return Report{}, err
	}
	return e.loop(ctx, sess, 1, started)
}

// Resume continues a stored session from its pending frontier. The
// generation counter restarts at the highest generation seen among pending
// nodes; the time budget restarts at the resume point.
func (e *Engine) Resume(ctx context.Context, sessionName string) (Report, error) {
	sess, err := e.store.GetSessionByName(ctx, sessionName)
	if err != nil {
		return Report{}, fmt.Errorf("load session %q: %w", sessionName, err)
	}
	pending, err := e.store.QueryNodesByStatus(ctx, sess.ID, tree.NodePending)
	if err != nil {
		return Report{}, fmt.Errorf("load frontier: %w", err)
	}
	if len(pending) == 0 {
		e.logger.Printf("session %q has no pending nodes, nothing to resume", sess.Name)
		return e.finish(ctx, sess, tree.SessionComplete)
	}
	gen := 1
	for _, n := range pending {
		if n.Generation > gen {
			gen = n.Generation
		}
	}
	if err := e.store.UpdateSessionStatus(ctx, sess.ID, tree.SessionInProgress, sess.Confidence); err != nil {
		return Report{}, fmt.Errorf("reopen session: %w", err)
	}
	e.logger.Printf("session %q resumed at generation %d with %d pending nodes", sess.Name, gen, len(pending))
	return e.loop(ctx, sess, gen, time.Now())
}

// analyzeGaps runs the one-shot gap extraction over the spec text and seeds
// the root's gap children. An unavailable oracle here degrades to zero gaps
// rather than aborting: the root itself still enters the frontier.
func (e *Engine) analyzeGaps(ctx context.Context, sess tree.Session, root tree.Node) error {
	var candidates []oracle.GapCandidate
	err := e.withRetry(ctx, func(callCtx context.Context) error {
		var callErr error
		candidates, callErr = e.oracle.ExtractGaps(callCtx, sess.SpecText)
		return callErr
	})
	if err != nil {
		e.logger.Printf("warning: gap extraction unavailable, proceeding without gap nodes: %v", err)
		return nil
	}

	children, report := tree.AnalyzeGaps(root, candidates)
	for _, child := range children {
		if _, err := e.store.AddNode(ctx, child); err != nil {
			return fmt.Errorf("persist gap node %q: %w", child.Name, err)
		}
	}
	if err := e.store.UpdateRootGapReport(ctx, root.ID, report.Blocking, report.AutoResolved, report.NiceToKnow); err != nil {
		return fmt.Errorf("persist gap report: %w", err)
	}
	e.logger.Printf("gap analysis: %d blocking, %d auto-resolved, %d nice-to-know",
		len(report.Blocking), len(report.AutoResolved), len(report.NiceToKnow))
	return nil
}

// evalJob is one frontier node plus its precomputed ancestor chain, so
// workers never touch the shared node map.
type evalJob struct {
	node      tree.Node
	ancestors []string
}

// evalResult carries one node's oracle outcome from a worker to the writer.
type evalResult struct {
	node    tree.Node
	verdict oracle.AtomicityVerdict
	err     error
}

// loop is the breadth-first generational loop. Oracle calls fan out across
// a bounded worker pool; all tree mutations, and all access to the names
// map, happen on this goroutine alone, so id assignment and parent linkage
// are never racy. started anchors the wall-clock budget.
func (e *Engine) loop(ctx context.Context, sess tree.Session, generation int, started time.Time) (Report, error) {
	names, err := e.nodeNames(ctx, sess.ID)
	if err != nil {
		return Report{}, err
	}

	for {
		frontier, err := e.store.QueryNodesByStatus(ctx, sess.ID, tree.NodePending)
		if err != nil {
			return Report{}, fmt.Errorf("query frontier: %w", err)
		}

		if status, done := Evaluate(len(frontier), time.Since(started), generation, e.cfg); done {
			return e.finish(context.WithoutCancel(ctx), sess, status)
		}
		if ctx.Err() != nil {
			e.logger.Printf("session %q aborted at generation boundary", sess.Name)
			return e.finish(context.WithoutCancel(ctx), sess, tree.SessionPartial)
		}

		jobs := make([]evalJob, len(frontier))
		for i, node := range frontier {
			jobs[i] = evalJob{node: node, ancestors: ancestorNames(node, names)}
		}

		e.logger.Printf("generation %d: evaluating %d pending nodes", generation, len(frontier))
		results := e.evaluateFrontier(ctx, jobs)
		for res := range results {
			// Abort requested mid-generation: in-flight calls drain, but
			// their results are discarded and the nodes stay pending.
			if ctx.Err() != nil {
				continue
			}
			if err := e.apply(ctx, sess, res, names); err != nil {
				return Report{}, err
			}
		}
		e.metrics.GenerationProcessed()
		generation++
	}
}

// evaluateFrontier fans the frontier out over the worker pool and returns
// the channel of oracle results. Only oracle calls run concurrently.
func (e *Engine) evaluateFrontier(ctx context.Context, frontier []evalJob) chan evalResult {
	jobs := make(chan evalJob)
	results := make(chan evalResult)

	workers := e.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(frontier) {
		workers = len(frontier)
	}

	done := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for job := range jobs {
				nc := oracle.NodeContext{
					Name:        job.node.Name,
					Description: job.node.Description,
					Type:        string(job.node.Type),
					Depth:       job.node.Depth,
					Ancestors:   job.ancestors,
				}
				var verdict oracle.AtomicityVerdict
				err := e.withRetry(ctx, func(callCtx context.Context) error {
					var callErr error
					verdict, callErr = e.oracle.AssessAtomicity(callCtx, nc)
					return callErr
				})
				results <- evalResult{node: job.node, verdict: verdict, err: err}
			}
		}()
	}
	go func() {
		for _, job := range frontier {
			jobs <- job
		}
		close(jobs)
		for i := 0; i < workers; i++ {
			<-done
		}
		close(results)
	}()
	return results
}

// apply writes one evaluation outcome to the store. A write conflict leaves
// the node pending for the next generation; any other store error aborts
// the session.
func (e *Engine) apply(ctx context.Context, sess tree.Session, res evalResult, names map[string]tree.Node) error {
	node := res.node
	if res.err != nil {
		// A call killed by an abort is not an oracle failure; the node
		// stays pending for the resumed run.
		if ctx.Err() != nil && errors.Is(res.err, context.Canceled) {
			return nil
		}
		e.logger.Printf("node %q failed after retry: %v", node.Name, res.err)
		if err := e.store.UpdateNodeStatus(ctx, node.ID, tree.NodeFailed, store.NodeUpdate{}); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return nil
			}
			return fmt.Errorf("mark node failed: %w", err)
		}
		e.metrics.NodeTransition(string(tree.NodeFailed))
		return nil
	}

	decision := tree.EvaluateVerdict(node, res.verdict, e.cfg.MaxChildrenPerNode)
	for _, w := range decision.Warnings {
		e.logger.Printf("warning: %s", w)
	}

	status := tree.NodeDecomposed
	if decision.Atomic {
		status = tree.NodeAtomic
	}
	err := e.store.UpdateNodeStatus(ctx, node.ID, status, store.NodeUpdate{
		Estimates:       &decision.Estimates,
		ThresholdReason: decision.ThresholdReason,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			e.logger.Printf("warning: node %q hit a write conflict, retrying next generation", node.Name)
			return nil
		}
		return fmt.Errorf("update node %q: %w", node.Name, err)
	}
	e.metrics.NodeTransition(string(status))
	if decision.ThresholdReason != "" {
		e.logger.Printf("node %q forced decomposed: %s", node.Name, decision.ThresholdReason)
	}

	nodeID := node.ID
	for _, child := range decision.Children {
		created, err := e.store.AddNode(ctx, tree.Node{
			SessionID:      sess.ID,
			ParentID:       &nodeID,
			Name:           child.Name,
			Description:    child.Description,
			Type:           child.Type,
			Status:         tree.NodePending,
			Depth:          node.Depth + 1,
			Generation:     node.Generation + 1,
			DependencyHint: child.DependencyHint,
		})
		if err != nil {
			return fmt.Errorf("create child %q: %w", child.Name, err)
		}
		names[created.ID] = created
	}
	return nil
}

// finish records the terminal session status, computes aggregate
// confidence, and builds the operator report. ErrPartial is returned for
// partial outcomes so callers can map it to the right exit code.
func (e *Engine) finish(ctx context.Context, sess tree.Session, status tree.SessionStatus) (Report, error) {
	nodes, err := e.store.ListNodes(ctx, sess.ID)
	if err != nil {
		return Report{}, fmt.Errorf("list nodes: %w", err)
	}
	confidence := aggregateConfidence(nodes)
	if err := e.store.UpdateSessionStatus(ctx, sess.ID, status, confidence); err != nil {
		return Report{}, fmt.Errorf("finalize session: %w", err)
	}

	report := buildReport(sess.Name, status, confidence, nodes)
	e.logger.Printf("session %q finished: %s", sess.Name, report.Summary())
	if status == tree.SessionPartial {
		return report, fmt.Errorf("session %q: %w", sess.Name, ErrPartial)
	}
	return report, nil
}

// withRetry runs one oracle call under the configured timeout, retrying
// exactly once on failure.
func (e *Engine) withRetry(ctx context.Context, call func(context.Context) error) error {
	attempt := func() error {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.OracleTimeout)
		defer cancel()
		return call(callCtx)
	}
	err := attempt()
	if err == nil {
		return nil
	}
	e.logger.Printf("warning: oracle call failed, retrying once: %v", err)
	return attempt()
}

// nodeNames loads the session's nodes into an id-indexed map used to build
// ancestor breadcrumbs for oracle context.
func (e *Engine) nodeNames(ctx context.Context, sessionID string) (map[string]tree.Node, error) {
	nodes, err := e.store.ListNodes(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	names := make(map[string]tree.Node, len(nodes))
	for _, n := range nodes {
		names[n.ID] = n
	}
	return names, nil
}

// ancestorNames walks parent links up to the root and returns the name
// chain root-first.
func ancestorNames(node tree.Node, names map[string]tree.Node) []string {
	var chain []string
	cur := node
	for cur.ParentID != nil {
		parent, ok := names[*cur.ParentID]
		if !ok {
			break
		}
		chain = append([]string{parent.Name}, chain...)
		cur = parent
	}
	return chain
}

// aggregateConfidence is the mean INVEST score of atomic nodes, normalized
// to [0,1]. Sessions with no atomic nodes score 0.
func aggregateConfidence(nodes []tree.Node) float64 {
	var sum, count float64
	for _, n := range nodes {
		if n.Status == tree.NodeAtomic {
			sum += float64(n.Estimates.InvestScore)
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / count / 6.0
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// sessionName derives a unique, filesystem-safe name from the first words
// of the spec plus a timestamp.
func sessionName(specText string, now time.Time) string {
	slug := nonSlug.ReplaceAllString(strings.ToLower(specText), "-")
	slug = strings.Trim(slug, "-")
	parts := strings.Split(slug, "-")
	if len(parts) > 5 {
		parts = parts[:5]
	}
	slug = strings.Join(parts, "-")
	if slug == "" {
		slug = "session"
	}
	return fmt.Sprintf("%s-%s", slug, now.UTC().Format("20060102-150405"))
}

// rootName is the first line of the spec, truncated for display.
func rootName(specText string) string {
	line := strings.TrimSpace(specText)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if len(line) > 120 {
		line = line[:120]
	}
	if line == "" {
		line = "specification"
	}
	return line
}
