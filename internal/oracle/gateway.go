package oracle

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/atomize-dev/atomize/config"
	"github.com/atomize-dev/atomize/internal/telemetry"
	"github.com/atomize-dev/atomize/provider"
)

// Gateway is the LLM-backed Oracle implementation. Model routing follows
// the configured llm.routing section; every response goes through the
// tolerant decoder so callers never see a parse error.
type Gateway struct {
	llm     provider.Provider
	routing config.LLMRoutingConfig
	cache   *VerdictCache
	metrics *telemetry.Metrics
	logger  *log.Logger
}

// NewGateway creates the LLM-backed oracle. cache may be nil.
func NewGateway(llm provider.Provider, routing config.LLMRoutingConfig, cache *VerdictCache, metrics *telemetry.Metrics, logger *log.Logger) *Gateway {
	if logger == nil {
		logger = log.New(log.Writer(), "[ORACLE] ", log.LstdFlags)
	}
	return &Gateway{llm: llm, routing: routing, cache: cache, metrics: metrics, logger: logger}
}

// ExtractGaps asks the oracle for gap candidates in the specification text.
func (g *Gateway) ExtractGaps(ctx context.Context, specText string) ([]GapCandidate, error) {
	model := g.routing.GapExtraction
	if model == "" {
		model = g.routing.Fallback
	}

	started := time.Now()
	response, err := g.llm.Generate(ctx, gapPrompt(specText), model, map[string]interface{}{
		"temperature": 0.2,
	})
	if err != nil {
		g.metrics.ObserveOracleCall("extract_gaps", "error", time.Since(started))
		return nil, fmt.Errorf("%w: extract gaps: %v", ErrUnavailable, err)
	}
	g.metrics.ObserveOracleCall("extract_gaps", "ok", time.Since(started))

	candidates := decodeGaps(response)
	for _, c := range candidates {
		if c.Degraded {
			g.logger.Printf("warning: gap %q had malformed subscores, defaults applied", c.Name)
		}
	}
	return candidates, nil
}

// AssessAtomicity asks the oracle whether the node is implementable as-is.
// Identical node contexts hit the verdict cache when one is configured.
func (g *Gateway) AssessAtomicity(ctx context.Context, nc NodeContext) (AtomicityVerdict, error) {
	if g.cache != nil {
		if v, ok := g.cache.Get(ctx, nc); ok {
			g.metrics.CacheHit()
			return v, nil
		}
	}

	model := g.routing.Atomicity
	if model == "" {
		model = g.routing.Fallback
	}

	started := time.Now()
	response, err := g.llm.Generate(ctx, atomicityPrompt(nc), model, map[string]interface{}{
		"temperature": 0.3,
	})
	if err != nil {
		g.metrics.ObserveOracleCall("assess_atomicity", "error", time.Since(started))
		return AtomicityVerdict{}, fmt.Errorf("%w: assess atomicity of %q: %v", ErrUnavailable, nc.Name, err)
	}
	g.metrics.ObserveOracleCall("assess_atomicity", "ok", time.Since(started))

	verdict := decodeVerdict(response)
	if g.cache != nil {
		g.cache.Put(ctx, nc, verdict)
	}
	return verdict, nil
}

func gapPrompt(specText string) string {
	return fmt.Sprintf(`You are a requirements analyst hunting for gaps in a feature specification: missing decisions or information an implementer would need before starting.

SPECIFICATION:
%s

For each gap, report four signal subscores in [0,1]:
- linguistic: ambiguity of the wording around the gap (vague quantifiers, undefined terms)
- slot: how incomplete the expected requirement slots are (actor, trigger, outcome, constraint)
- codebase: how far the requirement deviates from established codebase patterns
- confidence: how internally inconsistent the specification is about this point

Mark a gap "blocking" only when implementation cannot proceed safely without resolving it. When an existing codebase or domain pattern already answers the gap, name that pattern in resolution_hint.

GAP TYPES: requirements, constraint, edge_case, integration, verification

OUTPUT FORMAT (JSON):
{
  "gaps": [
    {
      "name": "short gap name",
      "type": "requirements",
      "blocking": false,
      "resolution_hint": "pattern reference or suggested resolution",
      "linguistic": 0.4,
      "slot": 0.6,
      "codebase": 0.2,
      "confidence": 0.3
    }
  ]
}

Respond ONLY with valid JSON. Report zero gaps with an empty array if the specification is complete.`, specText)
}

func atomicityPrompt(nc NodeContext) string {
	ancestors := "none (root)"
	if len(nc.Ancestors) > 0 {
		ancestors = strings.Join(nc.Ancestors, " > ")
	}
	return fmt.Sprintf(`You are a work-breakdown analyst judging whether a work item is atomic: small and unambiguous enough to implement directly.

WORK ITEM: %s
TYPE: %s
DEPTH: %d
ANCESTORS: %s
DESCRIPTION:
%s

An atomic item typically fits 4-16 hours, 1-10 files, 50-400 lines and 3-9 acceptance criteria. Score it against INVEST (independent, negotiable, valuable, estimable, small, testable) from 0 to 6.

If the item is NOT atomic, split it into 2-9 subtasks along SPIDR dimensions (spike, path, interface, data, rule), each with a one-line dependency hint naming which sibling(s) it depends on.

OUTPUT FORMAT (JSON):
{
  "is_atomic": true,
  "estimated_files": 2,
  "estimated_hours": 6,
  "estimated_lines": 150,
  "acceptance_criteria_count": 4,
  "invest_score": 5,
  "complexity": "moderate",
  "flags": ["vague term 'fast' in description"],
  "subtasks": [
    {
      "name": "subtask name",
      "description": "what to build",
      "slice_type": "interface",
      "dependency_hint": "after the data slice"
    }
  ]
}

Respond ONLY with valid JSON. Omit "subtasks" when the item is atomic.`, nc.Name, nc.Type, nc.Depth, ancestors, nc.Description)
}
