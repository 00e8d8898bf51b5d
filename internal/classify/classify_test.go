package classify

import (
	"testing"

	"lexhound/internal/search"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		cand search.Candidate
		want string
	}{
		{
			name: "versus title",
			cand: search.Candidate{Title: "State Of Maharashtra vs Sharad Chandra"},
			want: KindCase,
		},
		{
			name: "v dot title",
			cand: search.Candidate{Title: "Union of India v. Popular Construction Co"},
			want: KindCase,
		},
		{
			name: "bare act",
			cand: search.Candidate{Title: "The Limitation Act, 1963"},
			want: KindStatute,
		},
		{
			name: "section page",
			cand: search.Candidate{Title: "Section 5 in The Limitation Act, 1963"},
			want: KindStatute,
		},
		{
			name: "article page",
			cand: search.Candidate{Title: "Article 226 in The Constitution Of India"},
			want: KindStatute,
		},
		{
			name: "party markers without versus",
			cand: search.Candidate{Title: "Kishan Lal & Ors through legal heirs"},
			want: KindCase,
		},
		{
			name: "court plus judgment cues",
			cand: search.Candidate{
				Title:   "Criminal Appeal No 401 of 2015",
				Snippet: "the impugned judgment of acquittal was set aside",
				Court:   search.CourtHC,
			},
			want: KindCase,
		},
		{
			name: "navigation scrap",
			cand: search.Candidate{Title: "Browse Supreme Court judgments by year"},
			want: KindOther,
		},
		{
			name: "empty title",
			cand: search.Candidate{Snippet: "something"},
			want: KindOther,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.cand); got != tc.want {
				t.Fatalf("Classify(%q) = %q, want %q", tc.cand.Title, got, tc.want)
			}
		})
	}
}

func TestApplyStampsEveryCandidate(t *testing.T) {
	cands := []search.Candidate{
		{Title: "A vs B"},
		{Title: "The Limitation Act, 1963"},
		{Title: "random page"},
	}
	kept := Apply(cands)
	if kept != 1 {
		t.Fatalf("kept = %d, want 1", kept)
	}
	for i, c := range cands {
		if c.Classification == "" {
			t.Fatalf("cands[%d].Classification empty", i)
		}
	}
}
