// Package planner builds the deterministic retrieval lane: query variants
// and a keyword pack derived purely from the IntentProfile, with no model
// in the loop. Its output seeds retrieval on its own when the reasoner is
// off, and backfills the rewrite stage when the reasoner contributes.
package planner

import (
	"fmt"
	"strings"

	"lexhound/internal/intent"
	"lexhound/internal/legaltext"
)

// Phase orders retrieval waves. Earlier phases carry stricter variants.
type Phase string

const (
	PhasePrimary   Phase = "primary"
	PhaseFallback  Phase = "fallback"
	PhaseRescue    Phase = "rescue"
	PhaseMicro     Phase = "micro"
	PhaseRevolving Phase = "revolving"
	PhaseBrowse    Phase = "browse"
)

// Phases lists every phase in issue order.
var Phases = []Phase{PhasePrimary, PhaseFallback, PhaseRescue, PhaseMicro, PhaseRevolving, PhaseBrowse}

// QueryMode selects provider compilation strictness.
type QueryMode string

const (
	ModePrecision QueryMode = "precision"
	ModeContext   QueryMode = "context"
	ModeExpansion QueryMode = "expansion"
)

// Strictness marks whether a variant must honour hook coverage.
type Strictness string

const (
	Strict  Strictness = "strict"
	Relaxed Strictness = "relaxed"
)

// RetrievalDirectives tune provider query compilation per variant.
type RetrievalDirectives struct {
	QueryMode                    QueryMode `json:"queryMode"`
	DoctypeProfile               string    `json:"doctypeProfile,omitempty"`
	TitleTerms                   []string  `json:"titleTerms,omitempty"`
	CiteTerms                    []string  `json:"citeTerms,omitempty"`
	AuthorTerms                  []string  `json:"authorTerms,omitempty"`
	BenchTerms                   []string  `json:"benchTerms,omitempty"`
	CategoryExpansions           []string  `json:"categoryExpansions,omitempty"`
	ApplyContradictionExclusions bool      `json:"applyContradictionExclusions"`
}

// QueryVariant is one retrieval probe. CanonicalKey de-duplicates variants
// across the deterministic and reasoner lanes.
type QueryVariant struct {
	ID                string              `json:"id"`
	Phrase            string              `json:"phrase"`
	Phase             Phase               `json:"phase"`
	Purpose           string              `json:"purpose"`
	CourtScope        string              `json:"courtScope,omitempty"`
	Strictness        Strictness          `json:"strictness"`
	Tokens            []string            `json:"tokens,omitempty"`
	CanonicalKey      string              `json:"canonicalKey"`
	Priority          int                 `json:"priority"`
	MustIncludeTokens []string            `json:"mustIncludeTokens,omitempty"`
	MustExcludeTokens []string            `json:"mustExcludeTokens,omitempty"`
	ProviderHints     []string            `json:"providerHints,omitempty"`
	Directives        RetrievalDirectives `json:"retrievalDirectives"`
}

// KeywordPack is the deterministic keyword summary used for backfill and
// echoed in responses.
type KeywordPack struct {
	Primary       []string `json:"primary"`
	LegalSignals  []string `json:"legalSignals"`
	SearchPhrases []string `json:"searchPhrases"`
}

// Output bundles the planner lane.
type Output struct {
	Variants    []QueryVariant `json:"variants"`
	KeywordPack KeywordPack    `json:"keywordPack"`
}

// PhaseCaps bounds variants per phase.
type PhaseCaps map[Phase]int

// DefaultPhaseCaps mirrors the production wave shape.
func DefaultPhaseCaps() PhaseCaps {
	return PhaseCaps{
		PhasePrimary:   2,
		PhaseFallback:  2,
		PhaseRescue:    1,
		PhaseMicro:     1,
		PhaseRevolving: 1,
		PhaseBrowse:    1,
	}
}

// phasePriority anchors descending priority per phase; variant i within a
// phase gets base - i.
var phasePriority = map[Phase]int{
	PhasePrimary:   100,
	PhaseFallback:  80,
	PhaseRescue:    60,
	PhaseMicro:     50,
	PhaseRevolving: 40,
	PhaseBrowse:    30,
}

// Build derives the deterministic lane from the profile. Pure: equal
// profiles produce equal output.
func Build(profile intent.Profile, caps PhaseCaps) Output {
	if caps == nil {
		caps = DefaultPhaseCaps()
	}

	hooks := legaltext.Truncate(profile.Statutes, 4)
	polarity, outcomePhrase := legaltext.DetectPolarity(profile.CleanedQuery)

	phrases := map[Phase][]candidate{}
	add := func(phase Phase, purpose, phrase string) {
		phrase = legaltext.NormalizeQuery(phrase)
		if strings.TrimSpace(phrase) == "" {
			return
		}
		phrases[phase] = append(phrases[phase], candidate{purpose: purpose, phrase: phrase})
	}

	// Hook intersections: pairwise, then suffixed with the lead issue or
	// procedure.
	suffix := firstOf(profile.Issues, profile.Procedures)
	for i := 0; i < len(hooks); i++ {
		for j := i + 1; j < len(hooks); j++ {
			pair := hooks[i] + " " + hooks[j]
			add(PhasePrimary, "hook_intersection", pair)
			if suffix != "" {
				add(PhasePrimary, "hook_intersection", pair+" "+suffix)
			}
		}
	}

	// Actor x procedure x (hook | "").
	for _, actor := range legaltext.Truncate(profile.Actors, 2) {
		for _, proc := range legaltext.Truncate(profile.Procedures, 2) {
			for _, hook := range appendBlank(legaltext.Truncate(hooks, 2)) {
				phase := PhasePrimary
				if hook == "" {
					phase = PhaseFallback
				}
				add(phase, "actor_procedure", strings.TrimSpace(actor+" "+proc+" "+hook))
			}
		}
	}

	// Outcome x procedure and hook x outcome.
	if outcomePhrase != "" {
		for _, proc := range legaltext.Truncate(profile.Procedures, 2) {
			add(PhaseFallback, "outcome_procedure", proc+" "+outcomePhrase)
		}
		for _, hook := range legaltext.Truncate(hooks, 2) {
			add(PhaseFallback, "hook_outcome", hook+" "+outcomePhrase)
		}
	}

	// Rescue: lead hook with the lead issue, else anchors.
	if len(hooks) > 0 {
		add(PhaseRescue, "hook_rescue", hooks[0]+" "+suffix)
	} else if len(profile.Anchors) > 0 {
		add(PhaseRescue, "anchor_rescue", strings.Join(legaltext.Truncate(profile.Anchors, 3), " "))
	}

	// Micro: bare section numbers plus the disposition, the shortest
	// high-precision probe.
	if micro := microPhrase(profile, polarity); micro != "" {
		add(PhaseMicro, "micro_probe", micro)
	}

	// Revolving: synonym families of the strongest signal.
	for _, seed := range synonymSeeds(profile, outcomePhrase) {
		for _, syn := range legaltext.Truncate(legaltext.ExpandFamily(seed), 2) {
			add(PhaseRevolving, "synonym_expansion", syn)
		}
	}

	// Browse: widest domain sweep.
	if browse := browsePhrase(profile); browse != "" {
		add(PhaseBrowse, "domain_browse", browse)
	}

	variants := assemble(phrases, caps, profile)
	return Output{
		Variants:    variants,
		KeywordPack: buildKeywordPack(profile, hooks, outcomePhrase, variants),
	}
}

type candidate struct {
	purpose string
	phrase  string
}

// assemble walks phases in issue order, de-duplicates by normalised phrase
// across all phases, applies caps and assigns ids, priorities and keys.
func assemble(phrases map[Phase][]candidate, caps PhaseCaps, profile intent.Profile) []QueryVariant {
	seen := map[string]bool{}
	var out []QueryVariant
	for _, phase := range Phases {
		count := 0
		for _, cand := range phrases[phase] {
			if count >= caps[phase] {
				break
			}
			if seen[cand.phrase] {
				continue
			}
			seen[cand.phrase] = true
			count++
			out = append(out, newVariant(phase, count, cand, profile))
		}
	}
	return out
}

func newVariant(phase Phase, ordinal int, cand candidate, profile intent.Profile) QueryVariant {
	strict := Strict
	mode := ModePrecision
	switch phase {
	case PhaseRescue, PhaseRevolving:
		strict, mode = Relaxed, ModeContext
	case PhaseBrowse:
		strict, mode = Relaxed, ModeExpansion
	case PhaseFallback:
		mode = ModeContext
	}
	return QueryVariant{
		ID:           fmt.Sprintf("plan-%s-%d", phase, ordinal),
		Phrase:       cand.phrase,
		Phase:        phase,
		Purpose:      cand.purpose,
		CourtScope:   string(profile.CourtHint),
		Strictness:   strict,
		Tokens:       legaltext.Tokenize(cand.phrase),
		CanonicalKey: CanonicalKey(phase, cand.phrase),
		Priority:     phasePriority[phase] - (ordinal - 1),
		Directives: RetrievalDirectives{
			QueryMode:      mode,
			DoctypeProfile: profile.Retrieval.DoctypeProfile,
		},
	}
}

// CanonicalKey is `phase:normalised-phrase`, the cross-lane dedupe key.
func CanonicalKey(phase Phase, phrase string) string {
	return string(phase) + ":" + legaltext.NormalizeQuery(phrase)
}

func buildKeywordPack(profile intent.Profile, hooks []string, outcomePhrase string, variants []QueryVariant) KeywordPack {
	signals := append([]string{}, hooks...)
	for _, r := range profile.References {
		signals = append(signals, r.HardInclude...)
	}
	if outcomePhrase != "" {
		signals = append(signals, outcomePhrase)
	}

	var searchPhrases []string
	for _, v := range variants {
		searchPhrases = append(searchPhrases, v.Phrase)
	}

	return KeywordPack{
		Primary:       legaltext.Truncate(profile.Anchors, 6),
		LegalSignals:  legaltext.Truncate(legaltext.UniqueStrings(signals), 10),
		SearchPhrases: legaltext.UniqueStrings(searchPhrases),
	}
}

func microPhrase(profile intent.Profile, polarity legaltext.Polarity) string {
	refs := profile.References
	if len(refs) > 2 {
		refs = refs[:2]
	}
	var parts []string
	for _, r := range refs {
		if r.Number != "" {
			parts = append(parts, r.Number)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	if len(profile.Issues) > 0 {
		parts = append(parts, profile.Issues[0])
	}
	if polarity != legaltext.PolarityUnknown {
		parts = append(parts, string(polarity))
	}
	return strings.Join(parts, " ")
}

func synonymSeeds(profile intent.Profile, outcomePhrase string) []string {
	var seeds []string
	if outcomePhrase != "" {
		seeds = append(seeds, outcomePhrase)
	}
	seeds = append(seeds, profile.Issues...)
	seeds = append(seeds, profile.Procedures...)
	return legaltext.Truncate(legaltext.UniqueStrings(seeds), 2)
}

func browsePhrase(profile intent.Profile) string {
	var parts []string
	parts = append(parts, legaltext.Truncate(profile.Domains, 1)...)
	parts = append(parts, legaltext.Truncate(profile.Issues, 2)...)
	parts = append(parts, legaltext.Truncate(profile.Procedures, 1)...)
	if len(parts) < 2 {
		parts = legaltext.Truncate(profile.Anchors, 3)
	}
	return strings.Join(legaltext.UniqueStrings(parts), " ")
}

func firstOf(lists ...[]string) string {
	for _, list := range lists {
		if len(list) > 0 {
			return list[0]
		}
	}
	return ""
}

func appendBlank(items []string) []string {
	return append(append([]string{}, items...), "")
}
