package legaltext

import (
	"reflect"
	"testing"
)

func TestDetectPolarity(t *testing.T) {
	cases := []struct {
		text string
		want Polarity
	}{
		{"state criminal appeal, section 197 crpc and section 19 pc act interaction, delay condonation refused", PolarityRefused},
		{"the high court refused to condone the delay of 1200 days", PolarityRefused},
		{"delay condoned and appeal restored", PolarityAllowed},
		{"sanction not required for acts outside official duty", PolarityNotRequired},
		{"previous sanction required under section 197", PolarityRequired},
		{"anticipatory bail refused by the sessions court", PolarityRefused},
		{"slp dismissed as time barred", PolarityDismissed},
		{"fir quashed on the basis of compromise", PolarityQuashed},
		// A disposition verb without a recognised object carries nothing.
		{"the state challenged a discharge order and the high court refused to interfere and upheld the discharge", PolarityUnknown},
		{"can delay in filing a criminal appeal by the state be condoned under section 5 of the limitation act", PolarityUnknown},
	}
	for _, c := range cases {
		got, _ := DetectPolarity(c.text)
		if got != c.want {
			t.Errorf("DetectPolarity(%q) = %q, want %q", c.text, got, c.want)
		}
	}
}

func TestDetectPolarityReturnsMatch(t *testing.T) {
	_, m := DetectPolarity("delay condonation refused by the court")
	if m != "condonation refused" {
		t.Errorf("matched phrase = %q, want %q", m, "condonation refused")
	}
}

func TestIsOpenEndedQuestion(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"can delay in filing a criminal appeal be condoned", true},
		{"whether sanction is needed to quash the proceedings", true},
		{"delay condonation refused in state appeal", false},
		{"can the tenant be evicted", false},
	}
	for _, c := range cases {
		if got := IsOpenEndedQuestion(c.text); got != c.want {
			t.Errorf("IsOpenEndedQuestion(%q) = %v, want %v", c.text, got, c.want)
		}
	}
}

func TestNormalizePolarity(t *testing.T) {
	cases := map[string]Polarity{
		"Refused":      PolarityRefused,
		"denied":       PolarityRefused,
		"not required": PolarityNotRequired,
		"granted":      PolarityAllowed,
		"set aside":    PolarityQuashed,
		"gibberish":    PolarityUnknown,
		"":             PolarityUnknown,
	}
	for in, want := range cases {
		if got := NormalizePolarity(in); got != want {
			t.Errorf("NormalizePolarity(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDefaultContradictionTerms(t *testing.T) {
	got := DefaultContradictionTerms(PolarityRefused)
	want := []string{"condoned", "allowed", "restored", "delay condoned"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("DefaultContradictionTerms(refused) = %v, want %v", got, want)
	}
	if DefaultContradictionTerms(PolarityUnknown) != nil {
		t.Error("DefaultContradictionTerms(unknown) != nil")
	}

	// Callers mutate their copy freely.
	got[0] = "mutated"
	again := DefaultContradictionTerms(PolarityRefused)
	if again[0] != "condoned" {
		t.Errorf("defaults mutated through returned slice: %v", again)
	}
}
