package gate

import (
	"strings"
	"testing"

	"lexhound/internal/canonical"
	"lexhound/internal/config"
	"lexhound/internal/intent"
	"lexhound/internal/reasoner"
	"lexhound/internal/search"
)

const interactionQuery = "state criminal appeal, section 197 crpc and section 19 pc act interaction, delay condonation refused"

// interactionPlan mirrors what a grounded reasoner pass produces for the
// interaction query: two required groups linked by a required relation.
func interactionPlan() *reasoner.Plan {
	return &reasoner.Plan{
		Proposition: reasoner.Proposition{
			HookGroups: []reasoner.HookGroup{
				{GroupID: "g_197", Terms: []string{"section 197 crpc"}, MinMatch: 1, Required: true},
				{GroupID: "g_19", Terms: []string{"section 19 pc act"}, MinMatch: 1, Required: true},
			},
			Relations: []reasoner.Relation{
				{Type: reasoner.RelationInteractsWith, LeftGroupID: "g_197", RightGroupID: "g_19", Required: true},
			},
			InteractionRequired: true,
		},
	}
}

func interactionChecklist(t *testing.T, opts Options) Checklist {
	t.Helper()
	profile := intent.Extractor{V2: true}.Extract(interactionQuery)
	ci := canonical.Build(profile, interactionPlan())
	return BuildChecklist(ci, interactionPlan(), opts)
}

const strictDetail = `The State of Kerala preferred this criminal appeal against the order of discharge. Section 197 CrPC requires previous sanction for prosecution of a public servant, and the protection under Section 19 of the PC Act operates on the same footing when both provisions are read with each other. The application for condonation of delay was refused and the appeal was dismissed as barred by limitation.`

const farApartDetail = `The State of Kerala preferred this criminal appeal against the order of discharge. Section 197 CrPC requires previous sanction before a public servant can be prosecuted for acts done in discharge of official duty. The respondent faced trial for demanding illegal gratification, and the special judge framed charges after considering the sanction order produced by the department. The high court examined whether the sanctioning authority applied its mind to the material gathered during investigation before according approval for prosecution of the respondent. Section 19 of the PC Act bars the court from taking cognizance without a valid sanction, and the condonation of delay sought by the appellant was refused in the connected application.`

func strictCandidate(detail string) search.Candidate {
	return search.Candidate{
		Title:      "State of Kerala vs Jayan",
		Snippet:    "sanction under section 197 crpc",
		DetailText: detail,
	}
}

func TestChecklistShape(t *testing.T) {
	cl := interactionChecklist(t, Options{Version: VersionV5})

	if got := len(cl.RequiredElements); got != 5 {
		t.Fatalf("required elements = %d (%v), want 5", got, cl.RequiredElements)
	}
	if !cl.InteractionRequired {
		t.Fatal("interaction not required")
	}
	if cl.Graph.EnforceNoHookRoleChain {
		t.Fatal("structural proposition marked vacuous")
	}
	joined := strings.Join(cl.Constraints, " | ")
	if !strings.Contains(joined, "outcome polarity: refused") {
		t.Errorf("constraints missing polarity: %v", cl.Constraints)
	}
	if !strings.Contains(joined, "applied together") {
		t.Errorf("constraints missing interaction: %v", cl.Constraints)
	}
}

func TestEvaluateBuckets(t *testing.T) {
	cl := interactionChecklist(t, Options{Version: VersionV5})

	tests := []struct {
		name   string
		cand   search.Candidate
		bucket string
	}{
		{
			name:   "all elements in one passage",
			cand:   strictCandidate(strictDetail),
			bucket: BucketExactStrict,
		},
		{
			name:   "provisions discussed far apart",
			cand:   strictCandidate(farApartDetail),
			bucket: BucketExactProvisional,
		},
		{
			name: "pc act never mentioned",
			cand: strictCandidate(`The State of Kerala preferred this criminal appeal. Section 197 CrPC requires previous sanction, and the condonation of delay was refused.`),
			bucket: BucketNearMiss,
		},
		{
			name: "contradictory outcome present",
			cand: strictCandidate(strictDetail + ` In the connected matter the delay was condoned.`),
			bucket: BucketNearMiss,
		},
		{
			name: "negated contradiction is harmless",
			cand: strictCandidate(strictDetail + ` The delay was not condoned.`),
			bucket: BucketExactStrict,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Evaluate(cl, tt.cand)
			if v.Bucket != tt.bucket {
				t.Fatalf("bucket = %s, want %s (missing=%v gap=%q)", v.Bucket, tt.bucket, v.MissingElements, v.GapSummary)
			}
		})
	}
}

func TestNearMissNamesMissingElement(t *testing.T) {
	cl := interactionChecklist(t, Options{Version: VersionV5})
	v := Evaluate(cl, strictCandidate(`The State of Kerala preferred this criminal appeal. Section 197 CrPC requires previous sanction, and the condonation of delay was refused.`))

	if v.Bucket != BucketNearMiss {
		t.Fatalf("bucket = %s, want near_miss", v.Bucket)
	}
	found := false
	for _, m := range v.MissingElements {
		if strings.Contains(m, "section 19 pc act") {
			found = true
		}
	}
	if !found {
		t.Errorf("missing elements %v do not name the absent hook", v.MissingElements)
	}
	if v.GapSummary == "" {
		t.Error("gap summary empty")
	}
}

func TestSnippetOnlyCapsAtProvisional(t *testing.T) {
	cl := interactionChecklist(t, Options{Version: VersionV5})
	cand := search.Candidate{
		Title:   "State of Kerala vs Jayan",
		Snippet: "criminal appeal: section 197 crpc and section 19 pc act bar cognizance; condonation of delay refused",
	}
	v := Evaluate(cl, cand)
	if v.Bucket != BucketExactProvisional {
		t.Fatalf("bucket = %s, want exact_provisional (missing=%v)", v.Bucket, v.MissingElements)
	}
	if v.DetailEvaluated {
		t.Error("candidate without detail marked detail-evaluated")
	}
	if !strings.Contains(v.GapSummary, "snippet") {
		t.Errorf("gap summary %q does not mention snippet", v.GapSummary)
	}
}

func TestRoleConstraintBlocksReversedCause(t *testing.T) {
	cl := interactionChecklist(t, Options{Version: VersionV41})

	// Same facts, but the accused brought the appeal and the text never
	// shows the state as appellant.
	cand := search.Candidate{
		Title:      "Jayan vs Superintendent of Police",
		DetailText: `Section 197 CrPC read with Section 19 of the PC Act was considered and the condonation of delay was refused.`,
	}
	v := Evaluate(cl, cand)
	if v.Bucket != BucketNearMiss {
		t.Fatalf("bucket = %s, want near_miss", v.Bucket)
	}
	found := false
	for _, m := range v.MissingElements {
		if strings.Contains(m, "state as appellant") {
			found = true
		}
	}
	if !found {
		t.Errorf("missing elements %v do not name the role", v.MissingElements)
	}
}

func TestRoleIgnoredOnV3(t *testing.T) {
	cl := interactionChecklist(t, Options{Version: VersionV3})
	for _, el := range cl.RequiredElements {
		if strings.Contains(el, "appellant") {
			t.Fatalf("v3 checklist carries role element %q", el)
		}
	}
}

func TestStrictCoOccurrenceDemandsOneSentence(t *testing.T) {
	text := `The State of Kerala preferred this criminal appeal. Section 197 CrPC requires sanction. Section 19 of the PC Act raises a like bar, and the request to condone the delay was refused by this court.`

	relaxed := Evaluate(interactionChecklist(t, Options{Version: VersionV5}), strictCandidate(text))
	if relaxed.Bucket != BucketExactStrict {
		t.Fatalf("relaxed bucket = %s, want exact_strict (gap=%q)", relaxed.Bucket, relaxed.GapSummary)
	}

	strict := Evaluate(interactionChecklist(t, Options{Version: VersionV5, StrictCoOccurrence: true}), strictCandidate(text))
	if strict.Bucket != BucketExactProvisional {
		t.Fatalf("strict bucket = %s, want exact_provisional", strict.Bucket)
	}
	if !strict.WeakRelation {
		t.Error("cross-sentence chain not graded weak")
	}
}

func TestExcludedByRelation(t *testing.T) {
	plan := interactionPlan()
	plan.Proposition.Relations[0].Type = reasoner.RelationExcludedBy
	plan.Proposition.InteractionRequired = false

	profile := intent.Extractor{V2: true}.Extract(interactionQuery)
	ci := canonical.Build(profile, plan)
	cl := BuildChecklist(ci, plan, Options{Version: VersionV5})

	if cl.InteractionRequired {
		t.Fatal("negated relation reported as interaction")
	}

	// Both provisions in one passage violates the exclusion.
	v := Evaluate(cl, strictCandidate(strictDetail))
	if v.Bucket != BucketNearMiss {
		t.Fatalf("co-occurring bucket = %s, want near_miss", v.Bucket)
	}

	// Far apart satisfies it.
	v = Evaluate(cl, strictCandidate(farApartDetail))
	if v.Bucket != BucketExactStrict {
		t.Fatalf("separated bucket = %s, want exact_strict (missing=%v gap=%q)", v.Bucket, v.MissingElements, v.GapSummary)
	}
}

func TestVacuousChecklistNeverStrict(t *testing.T) {
	profile := intent.Extractor{V2: true}.Extract("land acquisition compensation for acquired land")
	ci := canonical.Build(profile, nil)
	cl := BuildChecklist(ci, nil, Options{Version: VersionV5})

	if !cl.Graph.EnforceNoHookRoleChain {
		t.Fatal("hookless checklist not marked vacuous")
	}
	v := Evaluate(cl, search.Candidate{
		Title:      "Collector vs Mahadeo",
		DetailText: "The compensation for the acquired land was enhanced by the reference court.",
	})
	if v.Bucket != BucketExactProvisional {
		t.Fatalf("bucket = %s, want exact_provisional", v.Bucket)
	}
}

func TestOptionsFromFlags(t *testing.T) {
	if got := OptionsFromFlags(config.Flags{PropositionV5: true, PropositionV41: true}); got.Version != VersionV5 {
		t.Errorf("version = %s, want v5", got.Version)
	}
	if got := OptionsFromFlags(config.Flags{PropositionV41: true}); got.Version != VersionV41 {
		t.Errorf("version = %s, want v41", got.Version)
	}
	if got := OptionsFromFlags(config.Flags{}); got.Version != VersionV3 {
		t.Errorf("version = %s, want v3", got.Version)
	}
}
