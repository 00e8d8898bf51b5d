// Package gate compiles the canonical intent into a proposition checklist
// and sorts verified candidates into exact-strict, exact-provisional and
// near-miss buckets. The checklist is built once per request; evaluation
// is pure text work over the candidate's hydrated detail.
package gate

import (
	"fmt"
	"strings"

	"lexhound/internal/canonical"
	"lexhound/internal/config"
	"lexhound/internal/intent"
	"lexhound/internal/legaltext"
	"lexhound/internal/reasoner"
	"lexhound/internal/search"
)

// Buckets, in descending order of confidence.
const (
	BucketExactStrict      = "exact_strict"
	BucketExactProvisional = "exact_provisional"
	BucketNearMiss         = "near_miss"
)

// Checklist generations. v3 checks hook groups and outcome, v4.1 adds
// procedural roles, v5 adds relation chains and interaction enforcement.
const (
	VersionV3  = "v3"
	VersionV41 = "v41"
	VersionV5  = "v5"
)

const defaultChainWindow = 160

const maxEvidence = 6

// Options select the checklist generation and co-occurrence strictness.
type Options struct {
	Version string
	// StrictCoOccurrence demands chain sides share one sentence instead
	// of a character window. Off by default: proximity already separates
	// discussion from mention, and sentence splitting is lossy on scanned
	// judgments.
	StrictCoOccurrence bool
	ChainWindow        int
}

// OptionsFromFlags maps the feature flags to gate options, newest
// generation winning.
func OptionsFromFlags(f config.Flags) Options {
	v := VersionV3
	if f.PropositionV41 {
		v = VersionV41
	}
	if f.PropositionV5 {
		v = VersionV5
	}
	return Options{Version: v, StrictCoOccurrence: f.StrictCoOccurrence, ChainWindow: defaultChainWindow}
}

// Checklist is the compiled proposition a candidate is judged against.
type Checklist struct {
	RequiredElements []string `json:"requiredElements"`
	OptionalElements []string `json:"optionalElements,omitempty"`
	Constraints      []string `json:"constraints,omitempty"`

	HookGroups          []reasoner.HookGroup `json:"hookGroups,omitempty"`
	InteractionRequired bool                 `json:"interactionRequired"`
	OutcomePolarity     legaltext.Polarity   `json:"outcomePolarity"`
	ContradictionTerms  []string             `json:"-"`

	Graph   *Graph  `json:"graph,omitempty"`
	Options Options `json:"-"`
}

// Verdict is the gate's judgement on one candidate.
type Verdict struct {
	Bucket          string   `json:"bucket"`
	MissingElements []string `json:"missingElements,omitempty"`
	GapSummary      string   `json:"gapSummary,omitempty"`
	MatchEvidence   []string `json:"matchEvidence,omitempty"`

	ContradictionHit bool `json:"-"`
	WeakRelation     bool `json:"-"`
	DetailEvaluated  bool `json:"-"`

	// Required hook coverage, consumed by the scorer.
	RequiredHooks        int `json:"-"`
	RequiredHooksMatched int `json:"-"`
}

// BuildChecklist compiles the canonical intent, plus the reasoner plan's
// relations when present, into the step arena.
func BuildChecklist(ci canonical.Intent, plan *reasoner.Plan, opts Options) Checklist {
	if opts.Version == "" {
		opts.Version = VersionV3
	}
	if opts.ChainWindow <= 0 {
		opts.ChainWindow = defaultChainWindow
	}
	g := newGraph()

	for _, hg := range ci.HookGroups {
		terms := legaltext.UniqueStrings(hg.Terms)
		if len(terms) == 0 {
			continue
		}
		g.add(Step{
			ID:        hg.GroupID,
			Kind:      StepHook,
			Label:     hookLabel(terms),
			Terms:     terms,
			MinMatch:  clampMinMatch(hg.MinMatch, len(terms)),
			Mandatory: hg.Required,
		})
	}

	if ci.OutcomePolarity != legaltext.PolarityUnknown {
		terms := legaltext.UniqueStrings(append(legaltext.PolarityTerms(ci.OutcomePolarity), ci.Outcomes...))
		g.add(Step{
			ID:        "outcome",
			Kind:      StepOutcome,
			Label:     "outcome " + string(ci.OutcomePolarity),
			Terms:     terms,
			Mandatory: true,
		})
	} else if len(ci.Outcomes) > 0 {
		g.add(Step{
			ID:    "outcome",
			Kind:  StepOutcome,
			Label: "outcome language",
			Terms: legaltext.UniqueStrings(ci.Outcomes),
		})
	}

	if opts.Version != VersionV3 {
		for _, rc := range detectRoleConstraints(ci.Query, ci.Actors) {
			g.add(Step{
				ID:        "role_" + strings.ReplaceAll(rc.Actor, " ", "_"),
				Kind:      StepRole,
				Label:     rc.Actor + " as " + rc.Role,
				Actor:     rc.Actor,
				Role:      rc.Role,
				Mandatory: true,
			})
		}
	}

	interaction := false
	if opts.Version == VersionV5 && plan != nil {
		interaction = addChainSteps(g, ci, plan, opts.ChainWindow)
	}

	addPeripheralSteps(g, ci, plan)

	g.EnforceNoHookRoleChain = !hasStructuralStep(g)

	cl := Checklist{
		HookGroups:          ci.HookGroups,
		InteractionRequired: interaction,
		OutcomePolarity:     ci.OutcomePolarity,
		ContradictionTerms:  ci.ContradictionTerms,
		Graph:               g,
		Options:             opts,
	}
	for _, s := range g.Steps {
		if s.Mandatory {
			cl.RequiredElements = append(cl.RequiredElements, s.Label)
		} else {
			cl.OptionalElements = append(cl.OptionalElements, s.Label)
		}
	}
	cl.Constraints = buildConstraints(ci, g, interaction)
	return cl
}

// addChainSteps compiles plan relations into chain steps, re-anchored to
// arena hook steps by term overlap. Returns whether any positive chain is
// mandatory, which is what the response reports as interactionRequired.
func addChainSteps(g *Graph, ci canonical.Intent, plan *reasoner.Plan, window int) bool {
	groupTerms := map[string][]string{}
	for _, hg := range plan.Proposition.HookGroups {
		groupTerms[hg.GroupID] = hg.Terms
	}

	interaction := false
	for _, rel := range plan.Proposition.Relations {
		leftID, lok := g.hookStepFor(groupTerms[rel.LeftGroupID])
		rightID, rok := g.hookStepFor(groupTerms[rel.RightGroupID])
		if !lok || !rok || leftID == rightID {
			continue
		}
		left, _ := g.Step(leftID)
		right, _ := g.Step(rightID)
		negate := rel.Type == reasoner.RelationExcludedBy
		label := left.Label + " " + relationVerb(rel.Type) + " " + right.Label
		g.add(Step{
			ID:        "chain_" + rel.Type + "_" + leftID + "_" + rightID,
			Kind:      StepChain,
			Label:     label,
			LeftID:    leftID,
			RightID:   rightID,
			Window:    window,
			Negate:    negate,
			Mandatory: rel.Required,
		})
		if rel.Required && !negate {
			interaction = true
		}
	}

	// An interaction cue with no surviving relation still demands the two
	// leading required groups be discussed together.
	if plan.Proposition.InteractionRequired && !interaction {
		required := requiredHookIDs(g)
		if len(required) >= 2 {
			left, _ := g.Step(required[0])
			right, _ := g.Step(required[1])
			g.add(Step{
				ID:        "chain_interacts_with_" + required[0] + "_" + required[1],
				Kind:      StepChain,
				Label:     left.Label + " read with " + right.Label,
				LeftID:    required[0],
				RightID:   required[1],
				Window:    window,
				Mandatory: true,
			})
			interaction = true
		}
	}
	return interaction
}

// addPeripheralSteps adds the optional texture checks: proceedings,
// notification language and anchor case names. Missing a peripheral step
// demotes strict to provisional, never to near miss.
func addPeripheralSteps(g *Graph, ci canonical.Intent, plan *reasoner.Plan) {
	if len(ci.Proceedings) > 0 {
		g.add(Step{
			ID:    "proceeding",
			Kind:  StepAnchor,
			Label: "proceeding " + ci.Proceedings[0],
			Terms: legaltext.UniqueStrings(ci.Proceedings),
		})
	}
	if len(ci.NotificationTerms) > 0 {
		g.add(Step{
			ID:    "notification",
			Kind:  StepAnchor,
			Label: "notification language",
			Terms: legaltext.UniqueStrings(ci.NotificationTerms),
		})
	}
	if plan != nil && len(plan.CaseAnchors) > 0 {
		g.add(Step{
			ID:    "anchor_cases",
			Kind:  StepAnchor,
			Label: "anchor cases",
			Terms: legaltext.Truncate(legaltext.UniqueStrings(plan.CaseAnchors), 4),
		})
	}
}

func hasStructuralStep(g *Graph) bool {
	for _, s := range g.Steps {
		if !s.Mandatory {
			continue
		}
		switch s.Kind {
		case StepHook, StepRole, StepChain:
			return true
		}
	}
	return false
}

func requiredHookIDs(g *Graph) []string {
	var ids []string
	for _, s := range g.Steps {
		if s.Kind == StepHook && s.Mandatory {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// Evaluate judges one candidate against the checklist. Candidates without
// hydrated detail are judged on title plus snippet and capped at
// provisional regardless of how well that thin text matches.
func Evaluate(cl Checklist, c search.Candidate) Verdict {
	text := c.DetailText
	detailed := strings.TrimSpace(text) != ""
	if !detailed {
		text = c.Title + ". " + c.Snippet
	}
	low := strings.ToLower(text)
	title := c.Title

	var sentences []string
	if cl.Options.StrictCoOccurrence {
		sentences = legaltext.SplitSentences(low)
	}

	v := Verdict{DetailEvaluated: detailed}
	peripheralMiss := 0
	for _, s := range cl.Graph.Steps {
		res := cl.Graph.evaluateStep(s, low, title, sentences, cl.Options.StrictCoOccurrence)
		if s.Kind == StepHook && s.Mandatory {
			v.RequiredHooks++
			if res.passed {
				v.RequiredHooksMatched++
			}
		}
		switch {
		case res.passed && res.weak:
			v.WeakRelation = true
			if len(v.MatchEvidence) < maxEvidence {
				v.MatchEvidence = append(v.MatchEvidence, s.Label+": "+res.evidence)
			}
		case res.passed:
			if res.evidence != "" && len(v.MatchEvidence) < maxEvidence {
				v.MatchEvidence = append(v.MatchEvidence, s.Label+": "+res.evidence)
			}
		case s.Mandatory:
			v.MissingElements = append(v.MissingElements, s.Label)
		default:
			peripheralMiss++
		}
	}

	hit, contradictionTerm := contradictionScan(low, cl.ContradictionTerms)
	v.ContradictionHit = hit

	switch {
	case len(v.MissingElements) > 0 || v.ContradictionHit:
		v.Bucket = BucketNearMiss
	case !detailed:
		v.Bucket = BucketExactProvisional
	case cl.Graph.EnforceNoHookRoleChain:
		v.Bucket = BucketExactProvisional
	case v.WeakRelation || peripheralMiss > 0:
		v.Bucket = BucketExactProvisional
	default:
		v.Bucket = BucketExactStrict
	}

	v.GapSummary = gapSummary(v, detailed, peripheralMiss, contradictionTerm, cl.Graph.EnforceNoHookRoleChain)
	return v
}

func gapSummary(v Verdict, detailed bool, peripheralMiss int, contradictionTerm string, vacuous bool) string {
	var parts []string
	if len(v.MissingElements) > 0 {
		parts = append(parts, "missing "+strings.Join(legaltext.Truncate(v.MissingElements, 3), "; "))
	}
	if contradictionTerm != "" {
		parts = append(parts, fmt.Sprintf("contradictory outcome language (%s)", contradictionTerm))
	}
	if v.Bucket == BucketExactProvisional {
		switch {
		case !detailed:
			parts = append(parts, "judged on snippet only")
		case vacuous:
			parts = append(parts, "no structural elements to verify")
		case v.WeakRelation:
			parts = append(parts, "linked provisions discussed far apart")
		case peripheralMiss > 0:
			parts = append(parts, fmt.Sprintf("%d optional element(s) unmatched", peripheralMiss))
		}
	}
	return strings.Join(parts, "; ")
}

func buildConstraints(ci canonical.Intent, g *Graph, interaction bool) []string {
	var out []string
	if ci.OutcomePolarity != legaltext.PolarityUnknown {
		out = append(out, "outcome polarity: "+string(ci.OutcomePolarity))
	}
	if interaction {
		out = append(out, "provisions must be applied together, not merely cited")
	}
	for _, s := range g.Steps {
		if s.Kind == StepChain && s.Negate {
			out = append(out, s.Label)
		}
	}
	switch ci.CourtScope {
	case intent.CourtSC:
		out = append(out, "court scope: supreme court")
	case intent.CourtHC:
		out = append(out, "court scope: high courts")
	}
	if ci.DateWindow.FromDate != "" || ci.DateWindow.ToDate != "" {
		out = append(out, "decision window: "+windowLabel(ci.DateWindow))
	}
	if len(ci.MustExcludeTokens) > 0 {
		out = append(out, "excluded terms: "+strings.Join(legaltext.Truncate(ci.MustExcludeTokens, 4), ", "))
	}
	return out
}

func windowLabel(w intent.DateWindow) string {
	from := w.FromDate
	if from == "" {
		from = "open"
	}
	to := w.ToDate
	if to == "" {
		to = "open"
	}
	return from + " to " + to
}

func relationVerb(relType string) string {
	switch relType {
	case reasoner.RelationRequires:
		return "requires"
	case reasoner.RelationAppliesTo:
		return "applied to"
	case reasoner.RelationExcludedBy:
		return "apart from"
	default:
		return "read with"
	}
}

func hookLabel(terms []string) string {
	if len(terms) == 0 {
		return "legal hook"
	}
	return terms[0]
}

func clampMinMatch(m, nTerms int) int {
	max := nTerms
	if max > 4 {
		max = 4
	}
	if m < 1 {
		return 1
	}
	if m > max {
		return max
	}
	return m
}
