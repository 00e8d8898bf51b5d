package gate

import (
	"strings"

	"lexhound/internal/legaltext"
)

// Step kinds. Chain steps carry no terms of their own; they name the hook
// steps whose terms they test through LeftID and RightID.
type StepKind string

const (
	StepHook    StepKind = "hook_group"
	StepOutcome StepKind = "outcome"
	StepRole    StepKind = "role"
	StepChain   StepKind = "chain"
	StepAnchor  StepKind = "anchor"
)

// Step is one checkable element of the proposition.
type Step struct {
	ID       string   `json:"id"`
	Kind     StepKind `json:"kind"`
	Label    string   `json:"label"`
	Terms    []string `json:"terms,omitempty"`
	MinMatch int      `json:"minMatch,omitempty"`

	// Role steps.
	Actor string `json:"actor,omitempty"`
	Role  string `json:"role,omitempty"`

	// Chain steps reference other steps by id, never by pointer; the
	// arena resolves them at evaluation time.
	LeftID  string `json:"leftId,omitempty"`
	RightID string `json:"rightId,omitempty"`
	Window  int    `json:"window,omitempty"`
	// Negate inverts a chain: the two sides must NOT co-occur.
	Negate bool `json:"negate,omitempty"`

	Mandatory bool `json:"mandatory"`
}

// Graph is the compiled proposition: an arena of steps indexed by id.
type Graph struct {
	Steps []Step `json:"steps"`
	byID  map[string]int

	// EnforceNoHookRoleChain marks a proposition with no structural steps
	// at all (no hook, role or chain). Nothing structural can be verified
	// for such a query, so no candidate may promote past provisional.
	EnforceNoHookRoleChain bool `json:"enforceNoHookRoleChain"`
}

func newGraph() *Graph {
	return &Graph{byID: map[string]int{}}
}

// add appends a step, making its id unique within the arena.
func (g *Graph) add(s Step) string {
	if s.ID == "" {
		s.ID = string(s.Kind)
	}
	base := s.ID
	for n := 2; ; n++ {
		if _, taken := g.byID[s.ID]; !taken {
			break
		}
		s.ID = base + "_" + itoa(n)
	}
	g.byID[s.ID] = len(g.Steps)
	g.Steps = append(g.Steps, s)
	return s.ID
}

// Step resolves an id against the arena.
func (g *Graph) Step(id string) (Step, bool) {
	i, ok := g.byID[id]
	if !ok {
		return Step{}, false
	}
	return g.Steps[i], true
}

// hookStepFor finds the arena hook step sharing at least one normalised
// term with the given terms. Relations from the reasoner plan name plan
// group ids; after canonical dedupe those ids may not survive, so chains
// are re-anchored by term overlap.
func (g *Graph) hookStepFor(terms []string) (string, bool) {
	want := map[string]bool{}
	for _, t := range terms {
		if n := legaltext.NormalizeQuery(t); n != "" {
			want[n] = true
		}
	}
	for _, s := range g.Steps {
		if s.Kind != StepHook {
			continue
		}
		for _, t := range s.Terms {
			if want[legaltext.NormalizeQuery(t)] {
				return s.ID, true
			}
		}
	}
	return "", false
}

// stepResult is the outcome of evaluating one step against one text.
type stepResult struct {
	step     Step
	passed   bool
	weak     bool
	evidence string
}

// evaluateStep checks one step against the lowercased candidate text.
// sentences are the pre-split sentences when strict co-occurrence is on.
func (g *Graph) evaluateStep(s Step, low, title string, sentences []string, strictCo bool) stepResult {
	switch s.Kind {
	case StepHook, StepOutcome, StepAnchor:
		matched, first := countMatches(low, s.Terms)
		need := s.MinMatch
		if need < 1 {
			need = 1
		}
		return stepResult{step: s, passed: matched >= need, evidence: first}

	case StepRole:
		ok, ev := roleSatisfied(title, low, s.Actor, s.Role)
		return stepResult{step: s, passed: ok, evidence: ev}

	case StepChain:
		left, lok := g.Step(s.LeftID)
		right, rok := g.Step(s.RightID)
		if !lok || !rok {
			// Dangling ids are a build bug; treat as vacuously passed so a
			// broken chain never sinks a candidate.
			return stepResult{step: s, passed: true}
		}
		return g.evaluateChain(s, left.Terms, right.Terms, low, sentences, strictCo)
	}
	return stepResult{step: s, passed: true}
}

// evaluateChain grades a chain three ways: full (proximity or, under
// strict co-occurrence, one sentence), weak (both sides present but far
// apart) or failed (a side absent). Negated chains invert full/fail.
func (g *Graph) evaluateChain(s Step, left, right []string, low string, sentences []string, strictCo bool) stepResult {
	lHit, lTerm := countMatches(low, left)
	rHit, rTerm := countMatches(low, right)
	if lHit == 0 || rHit == 0 {
		if s.Negate {
			return stepResult{step: s, passed: true}
		}
		return stepResult{step: s, passed: false}
	}

	near := false
	if strictCo {
		for _, sentence := range sentences {
			if anyTermIn(sentence, left) && anyTermIn(sentence, right) {
				near = true
				break
			}
		}
	} else {
		window := s.Window
		if window <= 0 {
			window = defaultChainWindow
		}
		for _, l := range legaltext.Truncate(left, 4) {
			for _, r := range legaltext.Truncate(right, 4) {
				if nearBounded(low, l, r, window) {
					near = true
					break
				}
			}
			if near {
				break
			}
		}
	}

	if s.Negate {
		return stepResult{step: s, passed: !near, evidence: lTerm + " apart from " + rTerm}
	}
	if near {
		return stepResult{step: s, passed: true, evidence: lTerm + " with " + rTerm}
	}
	return stepResult{step: s, passed: true, weak: true, evidence: lTerm + " far from " + rTerm}
}

// negators cancel a contradiction hit when they precede it closely.
// "delay not condoned" supports a refusal rather than contradicting it.
var negators = []string{" not ", " never ", " no ", " refused to ", " declined to ", " cannot be ", " could not be "}

// contradictionScan looks for contradiction terms outside a negated
// context, returning the first offending term. Occurrences embedded in a
// longer word ("disallowed") never count.
func contradictionScan(low string, terms []string) (bool, string) {
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		for _, i := range termIndexes(low, t) {
			if !negatedAt(low, i) {
				return true, t
			}
		}
	}
	return false, ""
}

func negatedAt(low string, i int) bool {
	start := i - 24
	if start < 0 {
		start = 0
	}
	prefix := " " + low[start:i]
	for _, n := range negators {
		if strings.Contains(prefix, n) {
			return true
		}
	}
	return false
}

// countMatches counts how many terms occur in low, returning the first
// matched term for evidence.
func countMatches(low string, terms []string) (int, string) {
	n := 0
	first := ""
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if termHit(low, t) {
			n++
			if first == "" {
				first = t
			}
		}
	}
	return n, first
}

// termIndexes finds term occurrences that start on a word boundary. Short
// bare tokens additionally demand an end boundary so "19" never matches
// inside "197" nor "state" inside "statement".
func termIndexes(low, term string) []int {
	strict := len(term) <= 5 && !strings.ContainsRune(term, ' ')
	var out []int
	for start := 0; ; {
		i := strings.Index(low[start:], term)
		if i < 0 {
			return out
		}
		i += start
		startOK := i == 0 || !wordByte(low[i-1])
		endOK := !strict || i+len(term) >= len(low) || !wordByte(low[i+len(term)])
		if startOK && endOK {
			out = append(out, i)
		}
		start = i + 1
	}
}

func termHit(low, term string) bool {
	return len(termIndexes(low, term)) > 0
}

func anyTermIn(low string, terms []string) bool {
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" && termHit(low, t) {
			return true
		}
	}
	return false
}

// nearBounded is proximity over boundary-checked occurrences.
func nearBounded(low, a, b string, window int) bool {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return false
	}
	posA := termIndexes(low, a)
	posB := termIndexes(low, b)
	for _, i := range posA {
		for _, j := range posB {
			d := i - j
			if d < 0 {
				d = -d
			}
			if d <= window {
				return true
			}
		}
	}
	return false
}

func wordByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
