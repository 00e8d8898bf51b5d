// Package canonical fuses the deterministic intent profile with the
// optional reasoner plan into one CanonicalIntent, then rewrites it into
// the final retrieval variants. Build and SynthesizeRetrievalQueries are
// pure: equal inputs yield equal outputs, which is what makes response
// caching and replay safe.
package canonical

import (
	"fmt"
	"sort"
	"strings"

	"lexhound/internal/intent"
	"lexhound/internal/legaltext"
	"lexhound/internal/planner"
	"lexhound/internal/reasoner"
)

// Bounds on the fused intent and the rewrite lanes.
const (
	maxVariants       = 40
	maxHookGroups     = 6
	maxGroupTerms     = 6
	maxMustInclude    = 8
	maxMustExclude    = 6
	maxOrderTerms     = 12
	precisionLaneCap  = 6
	contextLaneCap    = 8
	expansionLaneCap  = 6
	contextStrictHead = 4
)

// Doctype profiles recognised by the providers.
const (
	DoctypeJudgments    = "judgments_sc_hc_tribunal"
	DoctypeSupremeCourt = "supremecourt"
	DoctypeHighCourts   = "highcourts"
	DoctypeAny          = "any"
)

// Single-token exclusions must be outcome verbs; anything else excludes
// half the corpus. Generic nouns never become exclusions even when a
// reasoner suggests them.
var (
	outcomeVerbAllowList = map[string]bool{
		"refused": true, "condoned": true, "allowed": true, "dismissed": true,
		"quashed": true, "restored": true, "rejected": true, "granted": true,
	}
	genericNounBlockList = map[string]bool{
		"delay": true, "appeal": true, "state": true, "court": true,
		"order": true, "case": true, "section": true, "act": true,
		"petition": true, "application": true,
	}
)

// delayContextCues mark queries that are actually about limitation or
// condonation; outcome terms from that family are dropped otherwise.
var delayContextCues = []string{"condon", "limitation", "time barred", "barred by time", "delay"}

// Intent is the fused view both the rewriter and the proposition gate
// consume. Immutable once built.
type Intent struct {
	Query               string               `json:"query"`
	Actors              []string             `json:"actors,omitempty"`
	Proceedings         []string             `json:"proceedings,omitempty"`
	Outcomes            []string             `json:"outcomes,omitempty"`
	LegalHooks          []string             `json:"legalHooks,omitempty"`
	HookGroups          []reasoner.HookGroup `json:"hookGroups,omitempty"`
	OutcomePolarity     legaltext.Polarity   `json:"outcomePolarity"`
	ContradictionTerms  []string             `json:"contradictionTerms,omitempty"`
	DoctypeProfile      string               `json:"doctypeProfile"`
	CourtScope          intent.CourtHint     `json:"courtScope"`
	DateWindow          intent.DateWindow    `json:"dateWindow"`
	MustIncludeTokens   []string             `json:"mustIncludeTokens,omitempty"`
	MustExcludeTokens   []string             `json:"mustExcludeTokens,omitempty"`
	CanonicalOrderTerms []string             `json:"canonicalOrderTerms,omitempty"`
	DisjunctiveQuery    bool                 `json:"disjunctiveQuery"`
	DelayContext        bool                 `json:"delayContext"`
	SoftHintTerms       []string             `json:"softHintTerms,omitempty"`
	NotificationTerms   []string             `json:"notificationTerms,omitempty"`
	TransitionAliases   []string             `json:"transitionAliases,omitempty"`
	TitleTerms          []string             `json:"titleTerms,omitempty"`
	CiteTerms           []string             `json:"citeTerms,omitempty"`
	AuthorTerms         []string             `json:"authorTerms,omitempty"`
	CategoryExpansions  []string             `json:"categoryExpansions,omitempty"`
}

// RequiredGroups returns the hook groups a strict variant must cover.
func (ci Intent) RequiredGroups() []reasoner.HookGroup {
	var out []reasoner.HookGroup
	for _, g := range ci.HookGroups {
		if g.Required {
			out = append(out, g)
		}
	}
	return out
}

// Build merges the profile with an optional reasoner plan. The profile
// always wins on provenance: reasoner terms extend, never replace, and a
// reasoner polarity only stands because grounding already checked it
// against the query.
func Build(profile intent.Profile, plan *reasoner.Plan) Intent {
	query := profile.CleanedQuery
	disjunctive := legaltext.IsDisjunctive(query)
	delayCtx := hasDelayContext(query)

	var prop reasoner.Proposition
	var mustHave []string
	if plan != nil {
		prop = plan.Proposition
		mustHave = plan.MustHaveTerms
	}

	polarity := resolvePolarity(query, prop.OutcomeConstraint)
	outcomes := buildOutcomes(query, prop, delayCtx)
	contradictions := buildContradictions(polarity, prop.OutcomeConstraint)

	hooks := mergeTerms(8, profile.Statutes, prop.LegalHooks)
	groups := buildHookGroups(profile, prop, disjunctive)

	actors := mergeTerms(6, profile.Actors, prop.Actors)
	proceedings := mergeTerms(6, profile.Procedures, prop.Proceeding)

	var mustExclude []string
	if polarity != legaltext.PolarityUnknown {
		mustExclude = legaltext.Truncate(contradictions, maxMustExclude)
	}

	ci := Intent{
		Query:               query,
		Actors:              actors,
		Proceedings:         proceedings,
		Outcomes:            outcomes,
		LegalHooks:          hooks,
		HookGroups:          groups,
		OutcomePolarity:     polarity,
		ContradictionTerms:  contradictions,
		DoctypeProfile:      profile.Retrieval.DoctypeProfile,
		CourtScope:          profile.CourtHint,
		DateWindow:          profile.DateWindow,
		MustIncludeTokens:   buildMustInclude(profile, mustHave),
		MustExcludeTokens:   mustExclude,
		DisjunctiveQuery:    disjunctive,
		DelayContext:        delayCtx,
		SoftHintTerms:       legaltext.UniqueStrings(profile.SoftHints),
		NotificationTerms:   notificationTerms(profile),
		TransitionAliases:   transitionAliases(profile),
		TitleTerms:          mergeTerms(4, profile.Entities.Persons, profile.Entities.Orgs),
		CiteTerms:           legaltext.UniqueStrings(profile.Retrieval.CitationHints),
		AuthorTerms:         legaltext.UniqueStrings(profile.Retrieval.JudgeHints),
		CategoryExpansions:  legaltext.CategoryExpansions(profile.Issues, 6),
	}
	ci.CanonicalOrderTerms = canonicalOrder(ci)
	return ci
}

// resolvePolarity prefers a grounded reasoner constraint, then the query's
// own disposition. Open-ended questions carry no disposition, so they fall
// through to unknown and no contradiction exclusions ever bind.
func resolvePolarity(query string, constraint *reasoner.OutcomeConstraint) legaltext.Polarity {
	if constraint != nil && constraint.Polarity != "" && constraint.Polarity != legaltext.PolarityUnknown {
		return constraint.Polarity
	}
	if p, matched := legaltext.DetectPolarity(query); matched != "" {
		return p
	}
	return legaltext.PolarityUnknown
}

func buildOutcomes(query string, prop reasoner.Proposition, delayCtx bool) []string {
	var seeds []string
	if _, matched := legaltext.DetectPolarity(query); matched != "" {
		seeds = append(seeds, matched)
	}
	seeds = append(seeds, prop.OutcomeRequired...)
	if prop.OutcomeConstraint != nil {
		seeds = append(seeds, prop.OutcomeConstraint.Terms...)
	}
	if !delayCtx {
		seeds = dropDelayTerms(seeds)
	}
	return mergeTerms(6, seeds)
}

// buildContradictions unions reasoner and stock terms, then applies the
// single-token policy: phrases pass, lone tokens must be outcome verbs.
func buildContradictions(polarity legaltext.Polarity, constraint *reasoner.OutcomeConstraint) []string {
	if polarity == legaltext.PolarityUnknown {
		return nil
	}
	var seeds []string
	if constraint != nil {
		seeds = append(seeds, constraint.ContradictionTerms...)
	}
	seeds = append(seeds, legaltext.DefaultContradictionTerms(polarity)...)

	var out []string
	for _, term := range legaltext.UniqueStrings(seeds) {
		term = legaltext.NormalizeQuery(term)
		if term == "" {
			continue
		}
		if strings.Contains(term, " ") {
			out = append(out, term)
			continue
		}
		if outcomeVerbAllowList[term] && !genericNounBlockList[term] {
			out = append(out, term)
		}
	}
	return out
}

// buildHookGroups dedupes by statutory identity (family + section number)
// so "s. 197 CrPC" and "section 197 of the code" land in one group, then
// guarantees every profile reference is represented even when the reasoner
// missed it. Disjunctive queries require at most two groups.
func buildHookGroups(profile intent.Profile, prop reasoner.Proposition, disjunctive bool) []reasoner.HookGroup {
	var groups []reasoner.HookGroup
	index := map[string]int{}

	put := func(key string, g reasoner.HookGroup) {
		if at, ok := index[key]; ok {
			groups[at].Terms = legaltext.Truncate(legaltext.UniqueStrings(append(groups[at].Terms, g.Terms...)), maxGroupTerms)
			groups[at].Required = groups[at].Required || g.Required
			return
		}
		g.Terms = legaltext.Truncate(legaltext.UniqueStrings(g.Terms), maxGroupTerms)
		if g.MinMatch < 1 {
			g.MinMatch = 1
		}
		index[key] = len(groups)
		groups = append(groups, g)
	}

	for _, g := range prop.HookGroups {
		put(statutoryKey(g), g)
	}
	for _, ref := range profile.References {
		if ref.Kind == "notification" {
			continue
		}
		put(ref.Family+":"+ref.Number, reasoner.HookGroup{
			GroupID:  ref.Token,
			Terms:    legaltext.UniqueStrings(append([]string{ref.Phrase()}, ref.HardInclude...)),
			MinMatch: 1,
			Required: true,
		})
	}

	if len(groups) > maxHookGroups {
		groups = groups[:maxHookGroups]
	}
	if disjunctive {
		required := 0
		for i := range groups {
			if !groups[i].Required {
				continue
			}
			required++
			if required > 2 {
				groups[i].Required = false
			}
		}
	}
	return groups
}

// statutoryKey is the dedupe identity of a reasoner group: the first legal
// reference its terms parse to, else the group id (concept groups).
func statutoryKey(g reasoner.HookGroup) string {
	refs := legaltext.ExtractReferences(strings.Join(g.Terms, "; "))
	for _, ref := range refs {
		if ref.Kind == "notification" {
			continue
		}
		return ref.Family + ":" + ref.Number
	}
	return "concept:" + g.GroupID
}

func buildMustInclude(profile intent.Profile, planMustHave []string) []string {
	var seeds []string
	for _, ref := range profile.References {
		if ref.Kind == "notification" {
			continue
		}
		seeds = append(seeds, ref.HardInclude...)
	}
	seeds = append(seeds, planMustHave...)
	return legaltext.Truncate(legaltext.UniqueStrings(seeds), maxMustInclude)
}

func notificationTerms(profile intent.Profile) []string {
	var out []string
	for _, ref := range profile.References {
		if ref.Kind == "notification" {
			out = append(out, legaltext.NormalizeQuery(ref.Raw))
		}
	}
	return legaltext.UniqueStrings(out)
}

func transitionAliases(profile intent.Profile) []string {
	var out []string
	for _, ref := range profile.References {
		out = append(out, legaltext.TransitionAliases(ref)...)
	}
	return legaltext.Truncate(legaltext.UniqueStrings(out), 6)
}

// canonicalOrder is the sorted term union used in cache keys and traces;
// sorting makes the ordering independent of extraction order.
func canonicalOrder(ci Intent) []string {
	var seeds []string
	seeds = append(seeds, ci.LegalHooks...)
	seeds = append(seeds, ci.Proceedings...)
	seeds = append(seeds, ci.Outcomes...)
	seeds = append(seeds, ci.Actors...)
	terms := legaltext.UniqueStrings(seeds)
	sort.Strings(terms)
	return legaltext.Truncate(terms, maxOrderTerms)
}

func hasDelayContext(query string) bool {
	for _, cue := range delayContextCues {
		if strings.Contains(query, cue) {
			return true
		}
	}
	return false
}

func dropDelayTerms(terms []string) []string {
	out := terms[:0:0]
	for _, t := range terms {
		low := strings.ToLower(t)
		if strings.Contains(low, "delay") || strings.Contains(low, "condon") ||
			strings.Contains(low, "time barred") || strings.Contains(low, "limitation") {
			continue
		}
		out = append(out, t)
	}
	return out
}

func mergeTerms(max int, lists ...[]string) []string {
	var seeds []string
	for _, list := range lists {
		for _, t := range list {
			seeds = append(seeds, legaltext.NormalizeQuery(t))
		}
	}
	return legaltext.Truncate(legaltext.UniqueStrings(seeds), max)
}

// ===== QUERY REWRITE =====

// SynthesizeRetrievalQueries merges the planner lane with the rewrite
// lanes (precision, context, expansion) into the final variant list. The
// rewrite owns include/exclude enforcement: planner variants are enriched
// in place, and strict precision phrases that cannot cover every required
// hook group are filtered out.
func SynthesizeRetrievalQueries(ci Intent, lane planner.Output, plan *reasoner.Plan) []planner.QueryVariant {
	required := ci.RequiredGroups()
	multiHook := len(required) >= 2 && !ci.DisjunctiveQuery
	apply := applyExclusions(ci)

	var out []planner.QueryVariant
	seen := map[string]bool{}
	keep := func(v planner.QueryVariant) {
		if seen[v.CanonicalKey] {
			return
		}
		seen[v.CanonicalKey] = true
		out = append(out, v)
	}

	for _, v := range lane.Variants {
		if v.Strictness == planner.Strict && v.Directives.QueryMode == planner.ModePrecision {
			if multiHook && !coversGroups(v.Phrase, required) {
				continue
			}
			v = enrichPrecision(v, ci, apply)
		}
		v.Directives.CategoryExpansions = ci.CategoryExpansions
		keep(v)
	}

	for i, phrase := range precisionPhrases(ci, lane, plan, required, multiHook) {
		v := rewriteVariant(ci, phrase, planner.PhasePrimary, planner.ModePrecision, planner.Strict,
			"precision_rewrite", i, 95-i)
		v = enrichPrecision(v, ci, apply)
		keep(v)
	}

	broad := broadPhrases(ci, plan)
	for i, phrase := range broad {
		if i >= contextLaneCap {
			break
		}
		strictness := planner.Strict
		if i >= contextStrictHead {
			strictness = planner.Relaxed
		}
		keep(rewriteVariant(ci, phrase, planner.PhaseFallback, planner.ModeContext, strictness,
			"context_rewrite", i, 75-i))
	}
	for i, phrase := range rest(broad, contextLaneCap, expansionLaneCap) {
		v := rewriteVariant(ci, phrase, planner.PhaseBrowse, planner.ModeExpansion, planner.Relaxed,
			"expansion_rewrite", i, 25-i)
		v.Directives.DoctypeProfile = widenDoctype(ci.DoctypeProfile)
		keep(v)
	}

	sortVariants(out)
	if len(out) > maxVariants {
		out = out[:maxVariants]
	}
	return out
}

// applyExclusions is the contradiction-exclusion policy: precision mode
// only, polarity confident, and refusal/dismissal polarities additionally
// need a delay-condonation context in the query.
func applyExclusions(ci Intent) bool {
	if ci.OutcomePolarity == legaltext.PolarityUnknown || ci.OutcomePolarity == "" {
		return false
	}
	if len(ci.MustExcludeTokens) == 0 {
		return false
	}
	if ci.OutcomePolarity == legaltext.PolarityRefused || ci.OutcomePolarity == legaltext.PolarityDismissed {
		return ci.DelayContext
	}
	return true
}

func enrichPrecision(v planner.QueryVariant, ci Intent, apply bool) planner.QueryVariant {
	v.MustIncludeTokens = ci.MustIncludeTokens
	v.Directives.ApplyContradictionExclusions = apply
	if apply {
		v.MustExcludeTokens = ci.MustExcludeTokens
	} else {
		v.MustExcludeTokens = nil
	}
	v.Directives.TitleTerms = ci.TitleTerms
	v.Directives.CiteTerms = ci.CiteTerms
	v.Directives.AuthorTerms = ci.AuthorTerms
	return v
}

// precisionPhrases seeds the strict lane: reasoner strict variants first,
// then actor x proceeding x requiredHook x outcome combinations. With two
// or more required groups every phrase must mention each group; when the
// filter empties the lane, keyword-pack phrases are backfilled after being
// augmented with the missing groups' lead terms.
func precisionPhrases(ci Intent, lane planner.Output, plan *reasoner.Plan, required []reasoner.HookGroup, multiHook bool) []string {
	var seeds []string
	if plan != nil {
		seeds = append(seeds, plan.QueryVariantsStrict...)
	}

	hookAxis := requiredLeads(required, 2)
	if len(hookAxis) == 0 {
		hookAxis = legaltext.Truncate(ci.LegalHooks, 2)
	}
	hookAxis = append(hookAxis, "")
	outcomeAxis := append(legaltext.Truncate(ci.Outcomes, 1), "")

	for _, actor := range axis(ci.Actors, 2) {
		for _, proc := range axis(ci.Proceedings, 2) {
			for _, hook := range hookAxis {
				for _, outcome := range outcomeAxis {
					if phrase := joinTerms(actor, proc, hook, outcome); phrase != "" {
						seeds = append(seeds, phrase)
					}
				}
			}
		}
	}

	var kept []string
	for _, s := range normalizePhrases(seeds) {
		if multiHook && !coversGroups(s, required) {
			continue
		}
		if len(strings.Fields(s)) < 2 {
			continue
		}
		kept = append(kept, s)
	}

	if len(kept) == 0 {
		for _, phrase := range lane.KeywordPack.SearchPhrases {
			kept = append(kept, augmentForCoverage(phrase, required))
			if len(kept) == 2 {
				break
			}
		}
		kept = normalizePhrases(kept)
	}
	return legaltext.Truncate(kept, precisionLaneCap)
}

// broadPhrases seeds the context and expansion lanes: reasoner broad
// variants, synonym families of the outcome and hooks, and transition
// aliases for regime changes (CrPC -> BNSS and the like).
func broadPhrases(ci Intent, plan *reasoner.Plan) []string {
	var seeds []string
	if plan != nil {
		seeds = append(seeds, plan.QueryVariantsBroad...)
	}
	for _, seed := range legaltext.Truncate(append(append([]string{}, ci.Outcomes...), ci.LegalHooks...), 4) {
		seeds = append(seeds, legaltext.Truncate(legaltext.ExpandFamily(seed), 3)...)
	}
	for _, proc := range legaltext.Truncate(ci.Proceedings, 2) {
		for _, outcome := range legaltext.Truncate(ci.Outcomes, 1) {
			seeds = append(seeds, proc+" "+outcome)
		}
	}
	seeds = append(seeds, ci.TransitionAliases...)
	return normalizePhrases(seeds)
}

func rewriteVariant(ci Intent, phrase string, phase planner.Phase, mode planner.QueryMode, strictness planner.Strictness, purpose string, ordinal, priority int) planner.QueryVariant {
	return planner.QueryVariant{
		ID:           fmt.Sprintf("rw-%s-%d", mode, ordinal+1),
		Phrase:       phrase,
		Phase:        phase,
		Purpose:      purpose,
		CourtScope:   string(ci.CourtScope),
		Strictness:   strictness,
		Tokens:       legaltext.Tokenize(phrase),
		CanonicalKey: planner.CanonicalKey(phase, phrase),
		Priority:     priority,
		Directives: planner.RetrievalDirectives{
			QueryMode:          mode,
			DoctypeProfile:     ci.DoctypeProfile,
			CategoryExpansions: ci.CategoryExpansions,
		},
	}
}

// coversGroups reports whether the phrase mentions at least one term from
// every group. Matching is token-bounded: "197" does not cover a group
// keyed on "19".
func coversGroups(phrase string, groups []reasoner.HookGroup) bool {
	tokens := legaltext.Tokenize(phrase)
	for _, g := range groups {
		if !mentionsAny(tokens, g.Terms) {
			return false
		}
	}
	return true
}

func mentionsAny(tokens []string, terms []string) bool {
	for _, term := range terms {
		want := legaltext.Tokenize(term)
		if len(want) == 0 {
			continue
		}
		if containsRun(tokens, want) {
			return true
		}
	}
	return false
}

func containsRun(tokens, want []string) bool {
	if len(want) > len(tokens) {
		return false
	}
	for i := 0; i+len(want) <= len(tokens); i++ {
		match := true
		for j := range want {
			if tokens[i+j] != want[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// augmentForCoverage appends the lead term of every uncovered required
// group so backfilled phrases still honour multi-hook coverage.
func augmentForCoverage(phrase string, required []reasoner.HookGroup) string {
	tokens := legaltext.Tokenize(phrase)
	for _, g := range required {
		if len(g.Terms) == 0 || mentionsAny(tokens, g.Terms) {
			continue
		}
		phrase = phrase + " " + g.Terms[0]
		tokens = legaltext.Tokenize(phrase)
	}
	return phrase
}

func requiredLeads(groups []reasoner.HookGroup, max int) []string {
	var out []string
	for _, g := range groups {
		if len(g.Terms) > 0 {
			out = append(out, g.Terms[0])
		}
		if len(out) == max {
			break
		}
	}
	return out
}

func axis(terms []string, max int) []string {
	t := legaltext.Truncate(terms, max)
	if len(t) == 0 {
		return []string{""}
	}
	return t
}

func joinTerms(terms ...string) string {
	var parts []string
	for _, t := range terms {
		if strings.TrimSpace(t) != "" {
			parts = append(parts, t)
		}
	}
	return legaltext.NormalizeQuery(strings.Join(parts, " "))
}

func normalizePhrases(in []string) []string {
	var out []string
	for _, p := range in {
		if n := legaltext.NormalizeQuery(p); n != "" {
			out = append(out, n)
		}
	}
	return legaltext.UniqueStrings(out)
}

func rest(phrases []string, skip, max int) []string {
	if len(phrases) <= skip {
		return nil
	}
	tail := phrases[skip:]
	if len(tail) > max {
		tail = tail[:max]
	}
	return tail
}

func widenDoctype(profile string) string {
	switch profile {
	case DoctypeSupremeCourt, DoctypeHighCourts, "":
		return DoctypeJudgments
	default:
		return profile
	}
}

var phaseOrdinal = func() map[planner.Phase]int {
	m := make(map[planner.Phase]int, len(planner.Phases))
	for i, p := range planner.Phases {
		m[p] = i
	}
	return m
}()

// sortVariants orders by phase issue order, then priority descending, then
// phrase; the full key keeps the output stable across runs.
func sortVariants(vs []planner.QueryVariant) {
	sort.SliceStable(vs, func(i, j int) bool {
		if phaseOrdinal[vs[i].Phase] != phaseOrdinal[vs[j].Phase] {
			return phaseOrdinal[vs[i].Phase] < phaseOrdinal[vs[j].Phase]
		}
		if vs[i].Priority != vs[j].Priority {
			return vs[i].Priority > vs[j].Priority
		}
		return vs[i].Phrase < vs[j].Phrase
	})
}
