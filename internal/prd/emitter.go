// Package prd renders atomic nodes into structured work-item documents and
// maintains a full-text index over them.
package prd

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/atomize-dev/atomize/internal/telemetry"
	"github.com/atomize-dev/atomize/internal/tree"
)

// Store is the read surface the emitter needs from the session store.
type Store interface {
	GetSessionByName(ctx context.Context, name string) (tree.Session, error)
	ListNodes(ctx context.Context, sessionID string) ([]tree.Node, error)
	SetNodePRDRef(ctx context.Context, nodeID, ref string) error
}

// Emitter writes one markdown document per atomic node. Output is
// deterministic byte-for-byte except the generated_at front-matter field:
// the path is a pure function of session name and node sequence number, so
// re-emission over an unchanged node set overwrites files with identical
// content.
type Emitter struct {
	store     Store
	outputDir string
	index     *Index
	metrics   *telemetry.Metrics
	logger    *log.Logger
	now       func() time.Time
}

// NewEmitter builds an emitter. index may be nil to skip search indexing.
func NewEmitter(st Store, outputDir string, index *Index, metrics *telemetry.Metrics, logger *log.Logger) *Emitter {
	if logger == nil {
		logger = log.New(log.Writer(), "[PRD] ", log.LstdFlags)
	}
	return &Emitter{store: st, outputDir: outputDir, index: index, metrics: metrics, logger: logger, now: time.Now}
}

// EmitSession renders every atomic node of the named session, in creation
// order, and records each document reference back on its node. Returns the
// written file paths.
func (e *Emitter) EmitSession(ctx context.Context, sessionName string) ([]string, error) {
	sess, err := e.store.GetSessionByName(ctx, sessionName)
	if err != nil {
		return nil, fmt.Errorf("load session %q: %w", sessionName, err)
	}
	nodes, err := e.store.ListNodes(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	byID := make(map[string]tree.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	if err := os.MkdirAll(e.outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	var paths []string
	for _, n := range nodes {
		if n.Status != tree.NodeAtomic {
			continue
		}
		ref := DocumentRef(sess.Name, n.Seq)
		path := filepath.Join(e.outputDir, ref)
		doc := Render(sess, n, breadcrumb(n, byID), e.now().UTC())
		if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
			return paths, fmt.Errorf("write %s: %w", path, err)
		}
		if n.PRDRef == nil || *n.PRDRef != ref {
			if err := e.store.SetNodePRDRef(ctx, n.ID, ref); err != nil {
				return paths, fmt.Errorf("record prd ref on %q: %w", n.Name, err)
			}
		}
		if e.index != nil {
			if err := e.index.Add(ref, sess.Name, n); err != nil {
				e.logger.Printf("warning: index %s: %v", ref, err)
			}
		}
		e.metrics.PRDEmitted()
		paths = append(paths, path)
	}
	e.logger.Printf("session %q: emitted %d documents to %s", sess.Name, len(paths), e.outputDir)
	return paths, nil
}

// DocumentRef is the deterministic file name for a node's document.
func DocumentRef(sessionName string, seq int64) string {
	return fmt.Sprintf("%s-%04d.md", slug(sessionName), seq)
}

// Render produces the document body. Only generatedAt varies between
// emissions of the same node.
func Render(sess tree.Session, n tree.Node, crumbs []string, generatedAt time.Time) string {
	var b strings.Builder
	b.WriteString("---\n")
	fmt.Fprintf(&b, "session: %s\n", sess.Name)
	fmt.Fprintf(&b, "node: %s\n", n.ID)
	fmt.Fprintf(&b, "sequence: %d\n", n.Seq)
	fmt.Fprintf(&b, "generated_at: %s\n", generatedAt.Format(time.RFC3339))
	b.WriteString("---\n\n")

	fmt.Fprintf(&b, "# %s\n\n", n.Name)
	if len(crumbs) > 0 {
		fmt.Fprintf(&b, "Path: %s\n\n", strings.Join(append(crumbs, n.Name), " > "))
	}
	fmt.Fprintf(&b, "Type: %s\n\n", n.Type)

	b.WriteString("## Description\n\n")
	b.WriteString(strings.TrimSpace(n.Description))
	b.WriteString("\n\n")

	b.WriteString("## Estimates\n\n")
	fmt.Fprintf(&b, "| Files | Hours | Lines | Complexity | Acceptance criteria | INVEST |\n")
	fmt.Fprintf(&b, "|-------|-------|-------|------------|---------------------|--------|\n")
	fmt.Fprintf(&b, "| %d | %.1f | %d | %s | %d | %d/6 |\n\n",
		n.Estimates.Files, n.Estimates.Hours, n.Estimates.Lines,
		n.Estimates.Complexity, n.Estimates.AcceptanceCriteria, n.Estimates.InvestScore)

	if hint := strings.TrimSpace(n.DependencyHint); hint != "" {
		b.WriteString("## Dependencies\n\n")
		b.WriteString(hint)
		b.WriteString("\n")
	}
	return b.String()
}

// breadcrumb returns the ancestor name chain root-first, excluding the node
// itself.
func breadcrumb(n tree.Node, byID map[string]tree.Node) []string {
	var chain []string
	cur := n
	for cur.ParentID != nil {
		parent, ok := byID[*cur.ParentID]
		if !ok {
			break
		}
		chain = append([]string{parent.Name}, chain...)
		cur = parent
	}
	return chain
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slug(s string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
}
