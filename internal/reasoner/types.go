// Package reasoner runs the two-pass LLM planning loop: pass one sketches
// the legal proposition behind a query, pass two refines a plan against
// retrieval feedback. Every call is gated by budget, cache, circuit
// breaker, rate bucket, distributed lock and a local semaphore, in that
// order, so a degraded model never stalls retrieval.
package reasoner

import (
	"sync"

	"lexhound/internal/legaltext"
)

// Sketch is the pass-1 output: a loose reading of the query that the
// expander turns into a full plan.
type Sketch struct {
	Actors      []string           `json:"actors,omitempty"`
	Proceeding  []string           `json:"proceeding,omitempty"`
	Outcome     []string           `json:"outcome,omitempty"`
	Hooks       []string           `json:"hooks,omitempty"`
	Polarity    legaltext.Polarity `json:"polarity,omitempty"`
	StrictTerms []string           `json:"strict_terms,omitempty"`
	BroadTerms  []string           `json:"broad_terms,omitempty"`
	CourtHint   string             `json:"court_hint,omitempty"`
}

// HookGroup clusters the synonym terms of one statutory hook.
type HookGroup struct {
	GroupID  string   `json:"group_id"`
	Terms    []string `json:"terms"`
	MinMatch int      `json:"min_match"`
	Required bool     `json:"required"`
}

// Relation types recognised by the gate.
const (
	RelationRequires      = "requires"
	RelationAppliesTo     = "applies_to"
	RelationInteractsWith = "interacts_with"
	RelationExcludedBy    = "excluded_by"
)

// Relation links two hook groups. Both ids must resolve; the validator
// drops dangling relations.
type Relation struct {
	Type         string `json:"type"`
	LeftGroupID  string `json:"left_group_id"`
	RightGroupID string `json:"right_group_id"`
	Required     bool   `json:"required"`
}

// OutcomeConstraint pins the disposition a matching case must show.
type OutcomeConstraint struct {
	Polarity           legaltext.Polarity `json:"polarity"`
	Modality           string             `json:"modality,omitempty"`
	Terms              []string           `json:"terms,omitempty"`
	ContradictionTerms []string           `json:"contradiction_terms,omitempty"`
}

// Proposition is the structured claim a candidate must satisfy.
type Proposition struct {
	Actors              []string           `json:"actors,omitempty"`
	Proceeding          []string           `json:"proceeding,omitempty"`
	LegalHooks          []string           `json:"legal_hooks,omitempty"`
	OutcomeRequired     []string           `json:"outcome_required,omitempty"`
	OutcomeNegative     []string           `json:"outcome_negative,omitempty"`
	JurisdictionHint    string             `json:"jurisdiction_hint,omitempty"`
	HookGroups          []HookGroup        `json:"hook_groups,omitempty"`
	Relations           []Relation         `json:"relations,omitempty"`
	OutcomeConstraint   *OutcomeConstraint `json:"outcome_constraint,omitempty"`
	InteractionRequired bool               `json:"interaction_required"`
}

// Plan is the validated reasoner output consumed by the canonical merge.
type Plan struct {
	Proposition         Proposition `json:"proposition"`
	MustHaveTerms       []string    `json:"must_have_terms,omitempty"`
	MustNotHaveTerms    []string    `json:"must_not_have_terms,omitempty"`
	QueryVariantsStrict []string    `json:"query_variants_strict,omitempty"`
	QueryVariantsBroad  []string    `json:"query_variants_broad,omitempty"`
	CaseAnchors         []string    `json:"case_anchors,omitempty"`
}

// RequiredGroups returns the hook groups the gate must enforce.
func (p Proposition) RequiredGroups() []HookGroup {
	var out []HookGroup
	for _, g := range p.HookGroups {
		if g.Required {
			out = append(out, g)
		}
	}
	return out
}

// Telemetry records how a pass resolved, for the response trace.
type Telemetry struct {
	Mode     string `json:"mode"`
	Pass     int    `json:"pass"`
	Model    string `json:"model,omitempty"`
	CacheHit bool   `json:"cacheHit"`
	Error    string `json:"error,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
	Salvaged bool   `json:"salvaged,omitempty"`
	Latency  int64  `json:"latencyMs,omitempty"`
}

// Modes reported in telemetry.
const (
	ModeLLM           = "llm"
	ModeDeterministic = "deterministic"
)

// Skip reasons surfaced through Telemetry.Error. Callers branch on these
// values, not on message text.
const (
	ErrBudgetExhausted = "reasoner_budget_exhausted"
	ErrConfigMissing   = "config_missing"
	ErrCircuitOpen     = "reasoner_circuit_open"
	ErrRateLimited     = "reasoner_rate_limited"
	ErrLockBusy        = "reasoner_lock_busy"
	ErrSaturated       = "reasoner_saturated"
	ErrEmptyResponse   = "reasoner_empty_response"
	ErrParse           = "reasoner_parse_error"
	ErrSketchUnusable  = "reasoner_sketch_unusable"
	ErrPlanUnusable    = "reasoner_plan_unusable"
	ErrMaxTokens       = "reasoner_max_tokens"
	ErrTimeout         = "reasoner_timeout"
	ErrInvoke          = "reasoner_invoke_error"
)

// Budget is the request-local call allowance. One budget per request,
// shared by both passes.
type Budget struct {
	mu   sync.Mutex
	used int
	max  int
}

// NewBudget allows max reasoner calls for one request.
func NewBudget(max int) *Budget {
	return &Budget{max: max}
}

// Exhausted reports whether the allowance is gone.
func (b *Budget) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used >= b.max
}

// Consume records one model call.
func (b *Budget) Consume() {
	b.mu.Lock()
	b.used++
	b.mu.Unlock()
}

// Used returns the calls consumed so far.
func (b *Budget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}
