package planner

import (
	"reflect"
	"strings"
	"testing"

	"lexhound/internal/intent"
	"lexhound/internal/legaltext"
)

const interactionQuery = "state criminal appeal, section 197 crpc and section 19 pc act interaction, delay condonation refused"

func buildProfile(t *testing.T, query string) intent.Profile {
	t.Helper()
	return intent.Extractor{}.Extract(query)
}

func TestBuildDeterministic(t *testing.T) {
	p := buildProfile(t, interactionQuery)
	a := Build(p, nil)
	b := Build(p, nil)
	if !reflect.DeepEqual(a, b) {
		t.Fatal("Build is not deterministic for equal profiles")
	}
}

func TestBuildPrimaryIntersections(t *testing.T) {
	out := Build(buildProfile(t, interactionQuery), nil)

	var primaries []QueryVariant
	for _, v := range out.Variants {
		if v.Phase == PhasePrimary {
			primaries = append(primaries, v)
		}
	}
	if len(primaries) != 2 {
		t.Fatalf("primary variants = %d, want 2", len(primaries))
	}
	for _, v := range primaries {
		if !strings.Contains(v.Phrase, "197") {
			t.Errorf("primary %q lacks 197", v.Phrase)
		}
		if !strings.Contains(v.Phrase, "section 19") && !strings.Contains(v.Phrase, "pc act") {
			t.Errorf("primary %q lacks the second hook", v.Phrase)
		}
		if v.Strictness != Strict {
			t.Errorf("primary %q strictness = %q, want strict", v.Phrase, v.Strictness)
		}
		if v.Directives.QueryMode != ModePrecision {
			t.Errorf("primary %q mode = %q, want precision", v.Phrase, v.Directives.QueryMode)
		}
	}
}

func TestBuildHonoursPhaseCaps(t *testing.T) {
	out := Build(buildProfile(t, interactionQuery), nil)
	caps := DefaultPhaseCaps()
	counts := map[Phase]int{}
	for _, v := range out.Variants {
		counts[v.Phase]++
	}
	for phase, n := range counts {
		if n > caps[phase] {
			t.Errorf("phase %s has %d variants, cap %d", phase, n, caps[phase])
		}
	}
}

func TestBuildPrioritiesDescendWithPhases(t *testing.T) {
	out := Build(buildProfile(t, interactionQuery), nil)
	if len(out.Variants) < 3 {
		t.Fatalf("variants = %d, want several", len(out.Variants))
	}
	for i := 1; i < len(out.Variants); i++ {
		if out.Variants[i].Priority >= out.Variants[i-1].Priority {
			t.Errorf("priority not descending at %d: %d then %d",
				i, out.Variants[i-1].Priority, out.Variants[i].Priority)
		}
	}
}

func TestBuildNoDuplicatePhrases(t *testing.T) {
	out := Build(buildProfile(t, interactionQuery), nil)
	seen := map[string]bool{}
	for _, v := range out.Variants {
		norm := legaltext.NormalizeQuery(v.Phrase)
		if seen[norm] {
			t.Errorf("duplicate phrase %q", norm)
		}
		seen[norm] = true
	}
}

func TestCanonicalKeyShape(t *testing.T) {
	out := Build(buildProfile(t, interactionQuery), nil)
	for _, v := range out.Variants {
		want := string(v.Phase) + ":" + legaltext.NormalizeQuery(v.Phrase)
		if v.CanonicalKey != want {
			t.Errorf("CanonicalKey = %q, want %q", v.CanonicalKey, want)
		}
	}
}

func TestMicroProbeUsesBareNumbers(t *testing.T) {
	out := Build(buildProfile(t, interactionQuery), nil)
	var micro *QueryVariant
	for i := range out.Variants {
		if out.Variants[i].Phase == PhaseMicro {
			micro = &out.Variants[i]
			break
		}
	}
	if micro == nil {
		t.Fatal("no micro variant")
	}
	for _, tok := range []string{"197", "19", "refused"} {
		if !strings.Contains(micro.Phrase, tok) {
			t.Errorf("micro phrase %q lacks %q", micro.Phrase, tok)
		}
	}
}

func TestKeywordPack(t *testing.T) {
	out := Build(buildProfile(t, interactionQuery), nil)
	pack := out.KeywordPack

	if len(pack.Primary) == 0 || len(pack.Primary) > 6 {
		t.Errorf("len(Primary) = %d, want 1..6", len(pack.Primary))
	}
	joined := strings.Join(pack.LegalSignals, " | ")
	if !strings.Contains(joined, "section 197 crpc") {
		t.Errorf("LegalSignals = %v, want the lead hook present", pack.LegalSignals)
	}
	if !strings.Contains(joined, "197") {
		t.Errorf("LegalSignals = %v, want hard-include tokens present", pack.LegalSignals)
	}
	if len(pack.SearchPhrases) != len(out.Variants) {
		t.Errorf("SearchPhrases = %d, variants = %d", len(pack.SearchPhrases), len(out.Variants))
	}
}

func TestBuildSparseProfile(t *testing.T) {
	out := Build(buildProfile(t, "something entirely unrelated to law"), nil)
	for _, v := range out.Variants {
		if strings.TrimSpace(v.Phrase) == "" {
			t.Errorf("empty phrase in variant %s", v.ID)
		}
	}
	if len(out.Variants) > 8 {
		t.Errorf("sparse profile produced %d variants", len(out.Variants))
	}
}

func TestBuildCustomCaps(t *testing.T) {
	caps := PhaseCaps{PhasePrimary: 1}
	out := Build(buildProfile(t, interactionQuery), caps)
	for _, v := range out.Variants {
		if v.Phase != PhasePrimary {
			t.Errorf("phase %s emitted despite zero cap", v.Phase)
		}
	}
	var n int
	for _, v := range out.Variants {
		if v.Phase == PhasePrimary {
			n++
		}
	}
	if n != 1 {
		t.Errorf("primary variants = %d, want 1", n)
	}
}
