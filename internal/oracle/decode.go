package oracle

import (
	"encoding/json"
	"strings"
)

// Defaults applied when a verdict field is missing or unparseable. They are
// deliberately non-zero so missing data is never mistaken for "small".
const (
	DefaultFiles      = 1
	DefaultHours      = 2
	DefaultLines      = 100
	DefaultCriteria   = 3
	DefaultComplexity = "moderate"
	DefaultInvest     = 0
	DefaultSubscore   = 0.5
)

// maxSubtasks caps how many candidate children a single verdict may carry.
const maxSubtasks = 9

// extractJSON returns the first balanced JSON object in a free-form
// completion, or "" when none exists.
func extractJSON(response string) string {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i, ch := range response {
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
			}
			if depth == 0 && start != -1 {
				return response[start : i+1]
			}
		}
	}
	return ""
}

// decodeGaps parses a gap-extraction completion. Candidates that survive
// the strict pass are returned as-is; anything else goes through the
// permissive pass, where every missing or invalid subscore becomes
// DefaultSubscore and the candidate is flagged Degraded so the analyzer
// classifies it nice-to-know. Never returns an error: an unusable response
// yields zero candidates.
func decodeGaps(response string) (candidates []GapCandidate) {
	jsonStr := extractJSON(response)
	if jsonStr == "" {
		return nil
	}

	var strict struct {
		Gaps []GapCandidate `json:"gaps"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &strict); err == nil && len(strict.Gaps) > 0 {
		ok := true
		for _, g := range strict.Gaps {
			if g.Name == "" || !unitRange(g.Linguistic) || !unitRange(g.Slot) || !unitRange(g.Codebase) || !unitRange(g.Confidence) {
				ok = false
				break
			}
		}
		if ok {
			for i := range strict.Gaps {
				strict.Gaps[i].Type = normalizeGapType(strict.Gaps[i].Type)
			}
			return strict.Gaps
		}
	}

	// Permissive pass: pull whatever fields are usable, default the rest.
	var generic map[string]interface{}
	if err := json.Unmarshal([]byte(jsonStr), &generic); err != nil {
		return nil
	}
	rawGaps, ok := generic["gaps"].([]interface{})
	if !ok {
		return nil
	}
	for _, item := range rawGaps {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		name := asString(m["name"])
		if name == "" {
			continue
		}
		cand := GapCandidate{
			Name:           name,
			Type:           normalizeGapType(asString(m["type"])),
			Blocking:       asBool(m["blocking"]),
			ResolutionHint: asString(m["resolution_hint"]),
		}
		var clean bool
		cand.Linguistic, clean = asSubscore(m["linguistic"])
		allClean := clean
		cand.Slot, clean = asSubscore(m["slot"])
		allClean = allClean && clean
		cand.Codebase, clean = asSubscore(m["codebase"])
		allClean = allClean && clean
		cand.Confidence, clean = asSubscore(m["confidence"])
		allClean = allClean && clean
		cand.Degraded = !allClean
		candidates = append(candidates, cand)
	}
	return candidates
}

// decodeVerdict parses an atomicity completion. Missing or invalid fields
// resolve to the documented defaults; an unusable response yields the full
// default verdict (non-atomic, so the loop keeps decomposing rather than
// accepting an under-specified node).
func decodeVerdict(response string) AtomicityVerdict {
	v := AtomicityVerdict{
		IsAtomic:           false,
		Files:              DefaultFiles,
		Hours:              DefaultHours,
		Lines:              DefaultLines,
		AcceptanceCriteria: DefaultCriteria,
		InvestScore:        DefaultInvest,
		Complexity:         DefaultComplexity,
	}

	jsonStr := extractJSON(response)
	if jsonStr == "" {
		return v
	}

	var strict AtomicityVerdict
	if err := json.Unmarshal([]byte(jsonStr), &strict); err == nil {
		return sanitizeVerdict(strict)
	}

	var generic map[string]interface{}
	if err := json.Unmarshal([]byte(jsonStr), &generic); err != nil {
		return v
	}
	v.IsAtomic = asBool(generic["is_atomic"])
	if n, ok := asInt(generic["estimated_files"]); ok {
		v.Files = n
	}
	if f, ok := asFloat(generic["estimated_hours"]); ok {
		v.Hours = f
	}
	if n, ok := asInt(generic["estimated_lines"]); ok {
		v.Lines = n
	}
	if n, ok := asInt(generic["acceptance_criteria_count"]); ok {
		v.AcceptanceCriteria = n
	}
	if n, ok := asInt(generic["invest_score"]); ok {
		v.InvestScore = n
	}
	if s := asString(generic["complexity"]); s != "" {
		v.Complexity = s
	}
	if flags, ok := generic["flags"].([]interface{}); ok {
		for _, f := range flags {
			if s := asString(f); s != "" {
				v.Flags = append(v.Flags, s)
			}
		}
	}
	if subs, ok := generic["subtasks"].([]interface{}); ok {
		for _, item := range subs {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			st := Subtask{
				Name:           asString(m["name"]),
				Description:    asString(m["description"]),
				SliceType:      asString(m["slice_type"]),
				DependencyHint: asString(m["dependency_hint"]),
			}
			if st.Name != "" {
				v.Subtasks = append(v.Subtasks, st)
			}
		}
	}
	return sanitizeVerdict(v)
}

// sanitizeVerdict re-applies defaults to zero/invalid fields on a
// strictly-decoded verdict and caps the subtask list.
func sanitizeVerdict(v AtomicityVerdict) AtomicityVerdict {
	if v.Files <= 0 {
		v.Files = DefaultFiles
	}
	if v.Hours <= 0 {
		v.Hours = DefaultHours
	}
	if v.Lines <= 0 {
		v.Lines = DefaultLines
	}
	if v.AcceptanceCriteria <= 0 {
		v.AcceptanceCriteria = DefaultCriteria
	}
	if v.InvestScore < 0 {
		v.InvestScore = DefaultInvest
	}
	if v.InvestScore > 6 {
		v.InvestScore = 6
	}
	if strings.TrimSpace(v.Complexity) == "" {
		v.Complexity = DefaultComplexity
	}
	if len(v.Subtasks) > maxSubtasks {
		v.Subtasks = v.Subtasks[:maxSubtasks]
	}
	return v
}

var gapTypes = map[string]bool{
	"requirements": true,
	"constraint":   true,
	"edge_case":    true,
	"integration":  true,
	"verification": true,
}

func normalizeGapType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if gapTypes[t] {
		return t
	}
	return "requirements"
}

func unitRange(f float64) bool { return f >= 0 && f <= 1 }

func asString(v interface{}) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func asBool(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

func asFloat(v interface{}) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

func asInt(v interface{}) (int, bool) {
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// asSubscore coerces a signal subscore, reporting whether the raw value was
// usable. Anything missing or outside [0,1] becomes DefaultSubscore.
func asSubscore(v interface{}) (float64, bool) {
	f, ok := v.(float64)
	if !ok || !unitRange(f) {
		return DefaultSubscore, false
	}
	return f, true
}
