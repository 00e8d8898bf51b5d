package reasoner

import (
	"errors"
	"fmt"
	"strings"

	"lexhound/internal/intent"
	"lexhound/internal/legaltext"
)

var errNoStrictTerms = errors.New("sketch carries no strict terms")

// ValidateSketch clamps a decoded sketch to usable shape. A sketch without
// a single strict term cannot seed retrieval and is rejected.
func ValidateSketch(s Sketch) (Sketch, error) {
	s.Actors = clampTerms(s.Actors, 4)
	s.Proceeding = clampTerms(s.Proceeding, 4)
	s.Outcome = clampTerms(s.Outcome, 6)
	s.Hooks = clampTerms(s.Hooks, 6)
	s.StrictTerms = clampTerms(s.StrictTerms, 12)
	s.BroadTerms = clampTerms(s.BroadTerms, 12)
	s.Polarity = legaltext.NormalizePolarity(string(s.Polarity))
	s.CourtHint = normalizeCourtHint(s.CourtHint)
	if len(s.StrictTerms) == 0 {
		return s, errNoStrictTerms
	}
	return s, nil
}

var interactionCues = []string{"interaction", "interplay", "read with", "vis a vis", "vis-a-vis", "conjointly"}

func hasInteractionCue(text string) bool {
	for _, cue := range interactionCues {
		if strings.Contains(text, cue) {
			return true
		}
	}
	return false
}

// ExpandSketch turns a validated sketch into a full plan: hook groups
// keyed by statutory family and section, strict and broad query variants,
// an outcome constraint with stock contradictions, and relation edges when
// the query reads as an interaction question.
func ExpandSketch(s Sketch, profile intent.Profile) Plan {
	disjunctive := legaltext.IsDisjunctive(profile.CleanedQuery)
	groups := buildHookGroups(s.Hooks, disjunctive)

	polarity := s.Polarity
	if polarity == legaltext.PolarityUnknown {
		polarity, _ = legaltext.DetectPolarity(profile.CleanedQuery)
	}
	contradictions := legaltext.DefaultContradictionTerms(polarity)

	var constraint *OutcomeConstraint
	if polarity != legaltext.PolarityUnknown || len(s.Outcome) > 0 {
		constraint = &OutcomeConstraint{
			Polarity:           polarity,
			Terms:              s.Outcome,
			ContradictionTerms: contradictions,
		}
	}

	interaction := hasInteractionCue(profile.CleanedQuery) && len(groups) >= 2
	var relations []Relation
	if interaction {
		relations = append(relations, Relation{
			Type:         RelationInteractsWith,
			LeftGroupID:  groups[0].GroupID,
			RightGroupID: groups[1].GroupID,
			Required:     true,
		})
	}

	hookPhrases := leadTerms(groups)
	plan := Plan{
		Proposition: Proposition{
			Actors:              s.Actors,
			Proceeding:          s.Proceeding,
			LegalHooks:          hookPhrases,
			OutcomeRequired:     s.Outcome,
			OutcomeNegative:     contradictions,
			JurisdictionHint:    firstNonEmpty(s.CourtHint, string(profile.CourtHint)),
			HookGroups:          groups,
			Relations:           relations,
			OutcomeConstraint:   constraint,
			InteractionRequired: interaction,
		},
		MustHaveTerms:       mustHaveFrom(s.Hooks),
		MustNotHaveTerms:    contradictions,
		QueryVariantsStrict: strictVariants(s, hookPhrases),
		QueryVariantsBroad:  broadVariants(s, hookPhrases),
		CaseAnchors:         legaltext.Truncate(s.StrictTerms, 5),
	}
	return SanitizePlan(plan)
}

// buildHookGroups extracts statutory references from the sketch hooks and
// clusters them by (family, section). Hooks with no parseable reference
// become concept groups; the first is required in non-disjunctive queries.
func buildHookGroups(hooks []string, disjunctive bool) []HookGroup {
	var groups []HookGroup
	seen := map[string]bool{}
	for i, hook := range hooks {
		refs := legaltext.ExtractReferences(hook)
		if len(refs) == 0 {
			groups = append(groups, HookGroup{
				GroupID:  fmt.Sprintf("concept_%d", i+1),
				Terms:    []string{legaltext.NormalizeQuery(hook)},
				MinMatch: 1,
				Required: len(groups) == 0 && !disjunctive,
			})
			continue
		}
		for _, r := range refs {
			if r.Kind == "notification" || seen[r.Token] {
				continue
			}
			seen[r.Token] = true
			terms := legaltext.UniqueStrings(append([]string{r.Phrase()}, r.HardInclude...))
			groups = append(groups, HookGroup{
				GroupID:  r.Token,
				Terms:    terms,
				MinMatch: 1,
				Required: true,
			})
		}
	}
	return groups
}

func leadTerms(groups []HookGroup) []string {
	var out []string
	for _, g := range groups {
		if len(g.Terms) > 0 {
			out = append(out, g.Terms[0])
		}
	}
	return out
}

func mustHaveFrom(hooks []string) []string {
	var out []string
	for _, hook := range hooks {
		for _, r := range legaltext.ExtractReferences(hook) {
			out = append(out, r.HardInclude...)
		}
	}
	return legaltext.Truncate(legaltext.UniqueStrings(out), 6)
}

func strictVariants(s Sketch, hookPhrases []string) []string {
	var out []string
	actors := legaltext.Truncate(s.Actors, 2)
	procs := legaltext.Truncate(s.Proceeding, 2)
	outcome := ""
	if len(s.Outcome) > 0 {
		outcome = s.Outcome[0]
	}
	for _, hook := range legaltext.Truncate(hookPhrases, 3) {
		for _, a := range actors {
			for _, p := range procs {
				out = append(out, joinTerms(a, p, hook, outcome))
			}
			if len(procs) == 0 {
				out = append(out, joinTerms(a, hook, outcome))
			}
		}
		if len(actors) == 0 {
			out = append(out, joinTerms(hook, outcome))
		}
	}
	out = append(out, s.StrictTerms...)
	return out
}

func broadVariants(s Sketch, hookPhrases []string) []string {
	out := append([]string{}, s.BroadTerms...)
	out = append(out, hookPhrases...)
	if len(s.Outcome) > 0 {
		for _, p := range legaltext.Truncate(s.Proceeding, 2) {
			out = append(out, joinTerms(p, s.Outcome[0]))
		}
	}
	return out
}

func joinTerms(terms ...string) string {
	var parts []string
	for _, t := range terms {
		if strings.TrimSpace(t) != "" {
			parts = append(parts, strings.TrimSpace(t))
		}
	}
	return legaltext.NormalizeQuery(strings.Join(parts, " "))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// GroundPlan prunes plan content the query itself cannot support: outcome
// constraints vanish when the query shows no disposition, statutory hook
// groups vanish when the cited section never appears in the intent, and
// variants that leaned on a dropped group go with it.
func GroundPlan(plan Plan, profile intent.Profile) Plan {
	if _, matched := legaltext.DetectPolarity(profile.CleanedQuery); matched == "" {
		plan.Proposition.OutcomeConstraint = nil
		plan.Proposition.OutcomeNegative = nil
		plan.MustNotHaveTerms = nil
	}

	signals := map[string]bool{}
	for _, r := range profile.References {
		signals[r.Token] = true
	}

	var droppedTerms []string
	kept := plan.Proposition.HookGroups[:0:0]
	for _, g := range plan.Proposition.HookGroups {
		refs := legaltext.ExtractReferences(strings.Join(g.Terms, "; "))
		if len(refs) == 0 {
			kept = append(kept, g)
			continue
		}
		overlap := false
		for _, r := range refs {
			if signals[r.Token] {
				overlap = true
				break
			}
		}
		if overlap {
			kept = append(kept, g)
		} else {
			droppedTerms = append(droppedTerms, g.Terms...)
		}
	}
	plan.Proposition.HookGroups = kept
	plan.QueryVariantsStrict = pruneVariants(plan.QueryVariantsStrict, droppedTerms)
	plan.QueryVariantsBroad = pruneVariants(plan.QueryVariantsBroad, droppedTerms)

	return SanitizePlan(plan)
}

func pruneVariants(variants, droppedTerms []string) []string {
	if len(droppedTerms) == 0 {
		return variants
	}
	var out []string
	for _, v := range variants {
		low := strings.ToLower(v)
		tainted := false
		for _, t := range droppedTerms {
			if t != "" && strings.Contains(low, strings.ToLower(t)) {
				tainted = true
				break
			}
		}
		if !tainted {
			out = append(out, v)
		}
	}
	return out
}
