package canonical

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"lexhound/internal/intent"
	"lexhound/internal/legaltext"
	"lexhound/internal/planner"
	"lexhound/internal/reasoner"
)

const (
	dischargeQuery   = "Cases where the State challenged a discharge order and the High Court refused to interfere and upheld the discharge."
	interactionQuery = "state criminal appeal, section 197 crpc and section 19 pc act interaction, delay condonation refused"
	openEndedQuery   = "Can delay in filing a criminal appeal by the State be condoned under Section 5 of the Limitation Act when the appeal against acquittal is filed late?"
)

func synthesize(t *testing.T, query string, plan *reasoner.Plan) (Intent, []planner.QueryVariant) {
	t.Helper()
	profile := intent.Extractor{V2: true}.Extract(query)
	lane := planner.Build(profile, nil)
	ci := Build(profile, plan)
	return ci, SynthesizeRetrievalQueries(ci, lane, plan)
}

func samplePlan() *reasoner.Plan {
	return &reasoner.Plan{
		Proposition: reasoner.Proposition{
			Actors:     []string{"complainant"},
			Proceeding: []string{"revision petition"},
			LegalHooks: []string{"section 197 crpc"},
			HookGroups: []reasoner.HookGroup{
				{GroupID: "s197_crpc", Terms: []string{"section 197 of the code of criminal procedure", "197 crpc"}, MinMatch: 1, Required: true},
			},
			OutcomeConstraint: &reasoner.OutcomeConstraint{
				Polarity:           legaltext.PolarityRefused,
				Terms:              []string{"condonation refused"},
				ContradictionTerms: []string{"condoned", "delay", "application restored"},
			},
		},
		MustHaveTerms:       []string{"197"},
		QueryVariantsStrict: []string{"197 crpc sanction refused"},
		QueryVariantsBroad:  []string{"sanction for prosecution public servant"},
	}
}

func TestBuildDeterministicAndIdempotent(t *testing.T) {
	profile := intent.Extractor{V2: true}.Extract(interactionQuery)
	plan := samplePlan()

	a := Build(profile, plan)
	b := Build(profile, plan)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("Build not deterministic (-first +second):\n%s", diff)
	}

	lane := planner.Build(profile, nil)
	va := SynthesizeRetrievalQueries(a, lane, plan)
	vb := SynthesizeRetrievalQueries(b, lane, plan)
	if diff := cmp.Diff(va, vb); diff != "" {
		t.Errorf("SynthesizeRetrievalQueries not deterministic (-first +second):\n%s", diff)
	}
}

func TestInteractionQueryStrictCoverage(t *testing.T) {
	ci, variants := synthesize(t, interactionQuery, nil)

	required := ci.RequiredGroups()
	if len(required) != 2 {
		t.Fatalf("required groups = %d, want 2", len(required))
	}
	if ci.DisjunctiveQuery {
		t.Fatal("query marked disjunctive")
	}

	strictPrecision := 0
	for _, v := range variants {
		if v.Strictness != planner.Strict || v.Directives.QueryMode != planner.ModePrecision {
			continue
		}
		strictPrecision++
		if !coversGroups(v.Phrase, required) {
			t.Errorf("strict precision variant %q misses a required hook group", v.Phrase)
		}
	}
	if strictPrecision == 0 {
		t.Fatal("no strict precision variants survived")
	}
}

func TestInteractionQueryExclusions(t *testing.T) {
	ci, variants := synthesize(t, interactionQuery, nil)

	if ci.OutcomePolarity != legaltext.PolarityRefused {
		t.Fatalf("polarity = %q, want refused", ci.OutcomePolarity)
	}
	for _, want := range []string{"condoned", "allowed", "restored"} {
		if !hasTerm(ci.MustExcludeTokens, want) {
			t.Errorf("MustExcludeTokens = %v, missing %q", ci.MustExcludeTokens, want)
		}
	}
	for _, banned := range []string{"delay", "appeal"} {
		if hasTerm(ci.MustExcludeTokens, banned) {
			t.Errorf("MustExcludeTokens = %v, carries generic noun %q", ci.MustExcludeTokens, banned)
		}
	}

	applied := false
	for _, v := range variants {
		if v.Directives.QueryMode == planner.ModePrecision && v.Directives.ApplyContradictionExclusions {
			applied = true
			if len(v.MustExcludeTokens) == 0 {
				t.Errorf("variant %q applies exclusions but carries none", v.Phrase)
			}
		}
		if v.Directives.QueryMode != planner.ModePrecision && v.Directives.ApplyContradictionExclusions {
			t.Errorf("non-precision variant %q applies exclusions", v.Phrase)
		}
	}
	if !applied {
		t.Error("no precision variant applies contradiction exclusions")
	}
}

func TestDischargeQueryStaysOpen(t *testing.T) {
	ci, variants := synthesize(t, dischargeQuery, nil)

	if ci.OutcomePolarity != legaltext.PolarityUnknown {
		t.Fatalf("polarity = %q, want unknown", ci.OutcomePolarity)
	}
	if len(ci.MustExcludeTokens) != 0 {
		t.Fatalf("MustExcludeTokens = %v, want none", ci.MustExcludeTokens)
	}
	for _, v := range variants {
		if v.Directives.ApplyContradictionExclusions {
			t.Errorf("variant %q applies exclusions on an unknown polarity", v.Phrase)
		}
		if v.Strictness != planner.Strict {
			continue
		}
		for _, leak := range []string{"time barred", "condonation", "delay condoned"} {
			if strings.Contains(v.Phrase, leak) {
				t.Errorf("strict variant %q drifted into %q", v.Phrase, leak)
			}
		}
	}
}

func TestOpenEndedQuestionKeepsSectionFive(t *testing.T) {
	ci, variants := synthesize(t, openEndedQuery, nil)

	if ci.OutcomePolarity != legaltext.PolarityUnknown {
		t.Fatalf("polarity = %q, want unknown", ci.OutcomePolarity)
	}
	found := false
	for _, v := range variants {
		if v.Directives.QueryMode != planner.ModePrecision {
			continue
		}
		if v.Directives.ApplyContradictionExclusions {
			t.Errorf("precision variant %q applies exclusions", v.Phrase)
		}
		if strings.Contains(v.Phrase, "section 5") {
			found = true
		}
	}
	if !found {
		t.Error("no precision variant mentions section 5")
	}
}

func TestBuildMergesReasonerPlan(t *testing.T) {
	profile := intent.Extractor{V2: true}.Extract(interactionQuery)
	ci := Build(profile, samplePlan())

	if !hasTerm(ci.Actors, "complainant") {
		t.Errorf("Actors = %v, missing merged reasoner actor", ci.Actors)
	}
	if !hasTerm(ci.Proceedings, "revision petition") {
		t.Errorf("Proceedings = %v, missing merged proceeding", ci.Proceedings)
	}
	// Single tokens survive only as outcome verbs; "delay" is a generic noun.
	if hasTerm(ci.ContradictionTerms, "delay") {
		t.Errorf("ContradictionTerms = %v, kept bare delay", ci.ContradictionTerms)
	}
	if !hasTerm(ci.ContradictionTerms, "condoned") {
		t.Errorf("ContradictionTerms = %v, dropped condoned", ci.ContradictionTerms)
	}
	if !hasTerm(ci.ContradictionTerms, "application restored") {
		t.Errorf("ContradictionTerms = %v, dropped phrase exclusion", ci.ContradictionTerms)
	}
	if !hasTerm(ci.MustIncludeTokens, "197") || !hasTerm(ci.MustIncludeTokens, "pc act") {
		t.Errorf("MustIncludeTokens = %v, want hard includes for both hooks", ci.MustIncludeTokens)
	}
}

func TestHookGroupsDedupeByFamilyAndSection(t *testing.T) {
	profile := intent.Extractor{V2: true}.Extract(interactionQuery)
	ci := Build(profile, samplePlan())

	// The reasoner group and the profile's "section 197 crpc" reference are
	// the same statutory hook; "section 19 pc act" is the other.
	if len(ci.HookGroups) != 2 {
		t.Fatalf("HookGroups = %d, want 2: %+v", len(ci.HookGroups), ci.HookGroups)
	}
	var s197 reasoner.HookGroup
	for _, g := range ci.HookGroups {
		if strings.Contains(strings.Join(g.Terms, " "), "197") {
			s197 = g
		}
	}
	if !hasTerm(s197.Terms, "197 crpc") {
		t.Errorf("197 group terms = %v, reasoner synonym not merged", s197.Terms)
	}
	if !s197.Required {
		t.Error("statutory group not required")
	}
}

func TestDisjunctiveQueryCapsRequiredGroups(t *testing.T) {
	query := "either section 197 crpc or section 19 pc act or section 482 crpc quashing of the proceedings"
	profile := intent.Extractor{V2: true}.Extract(query)
	ci := Build(profile, nil)

	if !ci.DisjunctiveQuery {
		t.Fatal("query not marked disjunctive")
	}
	if got := len(ci.RequiredGroups()); got > 2 {
		t.Errorf("required groups = %d, want at most 2 for a disjunctive query", got)
	}
}

func TestBackfillAugmentsForCoverage(t *testing.T) {
	profile := intent.Extractor{V2: true}.Extract(interactionQuery)
	ci := Build(profile, nil)
	lane := planner.Output{
		KeywordPack: planner.KeywordPack{SearchPhrases: []string{"sanction for prosecution"}},
	}

	variants := SynthesizeRetrievalQueries(ci, lane, nil)
	required := ci.RequiredGroups()
	found := false
	for _, v := range variants {
		if v.Directives.QueryMode != planner.ModePrecision {
			continue
		}
		found = true
		if !coversGroups(v.Phrase, required) {
			t.Errorf("backfilled variant %q misses a required group", v.Phrase)
		}
	}
	if !found {
		t.Fatal("backfill produced no precision variants")
	}
}

func TestVariantBoundsAndKeys(t *testing.T) {
	_, variants := synthesize(t, interactionQuery, samplePlan())

	if len(variants) == 0 || len(variants) > maxVariants {
		t.Fatalf("variant count = %d, want 1..%d", len(variants), maxVariants)
	}
	seen := map[string]bool{}
	lastPhase := -1
	for _, v := range variants {
		if seen[v.CanonicalKey] {
			t.Errorf("duplicate canonical key %q", v.CanonicalKey)
		}
		seen[v.CanonicalKey] = true
		if phaseOrdinal[v.Phase] < lastPhase {
			t.Errorf("phase order regressed at %q", v.ID)
		}
		lastPhase = phaseOrdinal[v.Phase]
	}
}

func TestExpansionLaneWidensDoctype(t *testing.T) {
	for _, tt := range []struct {
		in, want string
	}{
		{DoctypeSupremeCourt, DoctypeJudgments},
		{DoctypeHighCourts, DoctypeJudgments},
		{"", DoctypeJudgments},
		{DoctypeJudgments, DoctypeJudgments},
		{DoctypeAny, DoctypeAny},
	} {
		if got := widenDoctype(tt.in); got != tt.want {
			t.Errorf("widenDoctype(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	query := "supreme court appeal against acquittal, section 197 crpc sanction, delay condonation refused"
	ci, variants := synthesize(t, query, samplePlan())
	if ci.DoctypeProfile != DoctypeSupremeCourt {
		t.Fatalf("doctype = %q, want %q", ci.DoctypeProfile, DoctypeSupremeCourt)
	}
	for _, v := range variants {
		if strings.HasPrefix(v.ID, "rw-expansion") && v.Directives.DoctypeProfile != DoctypeJudgments {
			t.Errorf("expansion variant %q doctype = %q, want %q", v.Phrase, v.Directives.DoctypeProfile, DoctypeJudgments)
		}
	}
}

func TestMentionsAnyIsTokenBounded(t *testing.T) {
	tokens := legaltext.Tokenize("section 197 crpc sanction refused")
	if mentionsAny(tokens, []string{"19"}) {
		t.Error(`"19" matched inside "197"`)
	}
	if !mentionsAny(tokens, []string{"197"}) {
		t.Error(`"197" not matched as a full token`)
	}
	if !mentionsAny(legaltext.Tokenize("section 19 pc act"), []string{"pc act"}) {
		t.Error(`multi-token term "pc act" not matched as a run`)
	}
}

func hasTerm(list []string, want string) bool {
	for _, t := range list {
		if t == want {
			return true
		}
	}
	return false
}
