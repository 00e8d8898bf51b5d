package search

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"lexhound/internal/planner"
)

const resultPageHTML = `<html><body>
<div class="results_middle">
  <div class="result">
    <div class="result_title"><a href="/docfragment/191005/?formInput=delay">State Of Maharashtra vs Sharad Chandra</a></div>
    <div class="headline">...the <b>delay condonation</b> application was refused...</div>
    <div class="docsource">Bombay High Court</div>
    <div class="publishdate">12 March, 2019</div>
  </div>
  <div class="result">
    <div class="result_title"><a href="/doc/662134/">Union Of India vs Popular Construction Co</a></div>
    <div class="headline">...Section 5 of the Limitation Act...</div>
    <div class="docsource">Supreme Court of India</div>
    <div class="publishdate">5 October, 2001</div>
  </div>
  <div class="result">
    <div class="result_title"><a href="/doc/1317393/">The Limitation Act, 1963</a></div>
    <div class="headline">Bare act text</div>
    <div class="docsource">Central Government Act</div>
  </div>
</div>
</body></html>`

func TestDetectChallengeMarkers(t *testing.T) {
	cases := []struct {
		body string
		want bool
	}{
		{"<title>Just a moment...</title>", true},
		{"Checking your browser - Cloudflare", true},
		{`<div id="cf-chl-widget"></div>`, true},
		{"<title>Attention Required!</title>", true},
		{resultPageHTML, false},
	}
	for _, tc := range cases {
		if got := DetectChallenge([]byte(tc.body)); got != tc.want {
			t.Errorf("DetectChallenge(%.30q) = %v, want %v", tc.body, got, tc.want)
		}
	}
}

func TestNoMatchDetection(t *testing.T) {
	if !noMatchPage([]byte("<p>No matching results</p>")) {
		t.Fatal("noMatchPage = false for no-match body")
	}
	if noMatchPage([]byte(resultPageHTML)) {
		t.Fatal("noMatchPage = true for result page")
	}
}

func webVariant() planner.QueryVariant {
	return planner.QueryVariant{
		ID:         "w1",
		Phrase:     "delay condonation refused",
		Phase:      planner.PhaseFallback,
		Strictness: planner.Relaxed,
		Directives: planner.RetrievalDirectives{QueryMode: planner.ModeContext},
	}
}

func TestWebSearchParsesResultPage(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Write([]byte(resultPageHTML))
			return
		}
		w.Write([]byte("<p>No matching results</p>"))
	}))
	defer srv.Close()

	cfg := testRetrievalConfig("", srv.URL, "")
	p := NewKanoonWeb(zap.NewNop(), cfg, NewCooldowns())

	out, err := p.Search(context.Background(), Input{Variant: webVariant(), MaxResults: 10})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if out.Debug.ParserMode != parserResultTitle {
		t.Fatalf("ParserMode = %q, want %q", out.Debug.ParserMode, parserResultTitle)
	}
	if len(out.Cases) != 2 {
		t.Fatalf("len(Cases) = %d, want 2 (statute filtered)", len(out.Cases))
	}

	first := out.Cases[0]
	if first.URL != srv.URL+"/doc/191005/" {
		t.Fatalf("URL = %q, want canonical doc URL", first.URL)
	}
	if first.Court != CourtHC {
		t.Fatalf("Court = %q, want %q", first.Court, CourtHC)
	}
	if first.Snippet == "" || first.DecisionDate == "" {
		t.Fatalf("sibling meta not filled: snippet=%q date=%q", first.Snippet, first.DecisionDate)
	}
	if out.Cases[1].Court != CourtSC {
		t.Fatalf("second Court = %q, want %q", out.Cases[1].Court, CourtSC)
	}
}

func TestWebSearchNoMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body>No matching results found</body></html>"))
	}))
	defer srv.Close()

	p := NewKanoonWeb(zap.NewNop(), testRetrievalConfig("", srv.URL, ""), NewCooldowns())
	out, err := p.Search(context.Background(), Input{Variant: webVariant(), MaxResults: 10})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if !out.Debug.NoMatch {
		t.Fatal("Debug.NoMatch = false, want true")
	}
	if len(out.Cases) != 0 {
		t.Fatalf("len(Cases) = %d, want 0", len(out.Cases))
	}
}

func TestWebChallengeSetsCooldown(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("<title>Just a moment...</title><p>Checking your browser</p>"))
	}))
	defer srv.Close()

	cooldowns := NewCooldowns()
	p := NewKanoonWeb(zap.NewNop(), testRetrievalConfig("", srv.URL, ""), cooldowns)

	out, err := p.Search(context.Background(), Input{Variant: webVariant(), MaxResults: 10})
	if err == nil {
		t.Fatal("Search() error = nil, want challenge failure")
	}
	if !out.Debug.Challenge {
		t.Fatal("Debug.Challenge = false, want true")
	}
	if out.Debug.BlockedType != BlockedChallenge {
		t.Fatalf("BlockedType = %q, want %q", out.Debug.BlockedType, BlockedChallenge)
	}
	if _, blockedType, blocked := cooldowns.Blocked(ScopeKanoonWeb); !blocked || blockedType != BlockedChallenge {
		t.Fatalf("cooldown = (%q, %v), want challenge block", blockedType, blocked)
	}

	// Next call fails fast without touching the network.
	out2, err := p.Search(context.Background(), Input{Variant: webVariant(), MaxResults: 10})
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("second Search() error = %v, want ErrBlocked", err)
	}
	if out2.Debug.BlockedType != BlockedChallenge {
		t.Fatalf("fail-fast BlockedType = %q, want %q", out2.Debug.BlockedType, BlockedChallenge)
	}
	if hits.Load() != 1 {
		t.Fatalf("server hits = %d, want 1", hits.Load())
	}
}

func TestParserLadderFallsBack(t *testing.T) {
	// Layout with no known container classes; only raw anchors survive.
	body := []byte(`<html><body><table><tr><td>
		<a href="/doc/123/">State Of Gujarat vs Kishanbhai</a>
	</td></tr></table></body></html>`)

	rows, mode := parseResultPage(body)
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1", len(rows))
	}
	if mode != parserAnchorScan {
		t.Fatalf("mode = %q, want %q", mode, parserAnchorScan)
	}

	// The raw-bytes extractor strips nested markup from anchor text.
	broken := []byte(`garbage <a href="/doc/55/" rel=nofollow>Union vs <b>Raghav</b></a> trailing`)
	rows = parseRegexRows(broken)
	if len(rows) != 1 {
		t.Fatalf("parseRegexRows rows = %d, want 1", len(rows))
	}
	if rows[0].title != "Union vs Raghav" {
		t.Fatalf("title = %q, want %q", rows[0].title, "Union vs Raghav")
	}
	if rows[0].href != "/doc/55/" {
		t.Fatalf("href = %q, want /doc/55/", rows[0].href)
	}
}
