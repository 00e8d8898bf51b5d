package pipeline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"

	"lexhound/internal/cache"
	"lexhound/internal/config"
	"lexhound/internal/gateway"
	"lexhound/internal/planner"
	"lexhound/internal/reasoner"
	"lexhound/internal/score"
	"lexhound/internal/search"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testQuery = "sanction under section 197 crpc for prosecution of a public servant, sanction required"

// detailHTML is a thick enough judgment page for the hydration ladder.
const detailHTML = `<html><head><title>Ramesh Kumar vs State Of Punjab</title></head><body>
<div>Supreme Court of India. The appellant, a public servant, challenged the
cognizance taken without sanction under section 197 of the code of criminal
procedure. The learned counsel submitted that the acts complained of were done
in the discharge of official duty and that previous sanction was required
before prosecution. The court held that the protection of section 197 crpc
extends to acts reasonably connected with official duty, and sanction for
prosecution of the public servant was therefore necessary. The appeal was
allowed and the proceedings were quashed for want of sanction.</div>
</body></html>`

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func detailClient() *http.Client {
	return &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader(detailHTML)),
			Header:     make(http.Header),
		}, nil
	})}
}

// fakeProvider is scope-named so routing treats it as the real lane.
type fakeProvider struct {
	name    string
	mu      sync.Mutex
	calls   int
	respond func(in search.Input) (search.Output, error)
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Search(_ context.Context, in search.Input) (search.Output, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.respond(in)
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func caseCandidate(source string) search.Candidate {
	return search.Candidate{
		Source:  source,
		Title:   "Ramesh Kumar vs State Of Punjab",
		URL:     "https://indiankanoon.org/doc/1122334/",
		DocID:   "1122334",
		Snippet: "sanction under section 197 crpc held necessary for prosecution of public servant",
		Court:   search.CourtSC,
	}
}

func happyRespond(source string) func(search.Input) (search.Output, error) {
	return func(in search.Input) (search.Output, error) {
		return search.Output{
			Cases: []search.Candidate{caseCandidate(source)},
			Debug: search.DebugRecord{Source: source, ParsedCount: 1},
		}, nil
	}
}

func blockedRespond(source string) func(search.Input) (search.Output, error) {
	return func(in search.Input) (search.Output, error) {
		return search.Output{Debug: search.DebugRecord{
			Source:       source,
			RateLimited:  true,
			BlockedType:  search.BlockedRateLimit,
			RetryAfterMs: 30000,
		}}, search.ErrBlocked
	}
}

func emptyRespond(source string) func(search.Input) (search.Output, error) {
	return func(in search.Input) (search.Output, error) {
		return search.Output{Debug: search.DebugRecord{Source: source, NoMatch: true}}, nil
	}
}

type erringInvoker struct{}

func (erringInvoker) Invoke(context.Context, gateway.Request) (gateway.Result, error) {
	return gateway.Result{}, errors.New("model unavailable")
}

func testConfig(mutate func(*config.Config)) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Retrieval.DetailConcurrency = 2
	cfg.Retrieval.VerifyLimit = 4
	cfg.Retrieval.GlobalInflight = 4
	if mutate != nil {
		mutate(cfg)
	}
	return cfg
}

func testPipeline(t *testing.T, cfg *config.Config, providers ...search.Provider) (*Pipeline, *cache.Store) {
	t.Helper()
	store := cache.New(cache.Options{}, zap.NewNop())
	t.Cleanup(func() { _ = store.Close() })
	p := New(zap.NewNop(), cfg, Deps{
		Store:     store,
		Invoker:   erringInvoker{},
		Providers: providers,
		Client:    detailClient(),
	})
	return p, store
}

func allScopeProviders(respond func(string) func(search.Input) (search.Output, error)) []*fakeProvider {
	return []*fakeProvider{
		{name: search.ScopeKanoonAPI, respond: respond(search.ScopeKanoonAPI)},
		{name: search.ScopeKanoonWeb, respond: respond(search.ScopeKanoonWeb)},
		{name: search.ScopeSerper, respond: respond(search.ScopeSerper)},
	}
}

func asProviders(fakes []*fakeProvider) []search.Provider {
	out := make([]search.Provider, len(fakes))
	for i, f := range fakes {
		out[i] = f
	}
	return out
}

func TestRunCompletedEndToEnd(t *testing.T) {
	fakes := allScopeProviders(happyRespond)
	p, _ := testPipeline(t, testConfig(nil), asProviders(fakes)...)

	resp, err := p.Run(context.Background(), Request{Query: testQuery})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Status != StatusCompleted {
		t.Fatalf("status = %q, want %q (insights: %v)", resp.Status, StatusCompleted, resp.Insights)
	}
	if resp.ExecutionPath != PathServerOnly {
		t.Errorf("executionPath = %q, want %q", resp.ExecutionPath, PathServerOnly)
	}
	if resp.RequestID == "" {
		t.Error("requestId not generated")
	}
	if len(resp.Cases) == 0 {
		t.Fatal("no cases returned")
	}
	if resp.TotalFetched == 0 {
		t.Error("totalFetched = 0")
	}
	if len(resp.KeywordPack.Primary) == 0 {
		t.Error("keyword pack empty")
	}
	if resp.Telemetry.Mode != reasoner.ModeDeterministic {
		t.Errorf("telemetry mode = %q, want deterministic", resp.Telemetry.Mode)
	}
	if len(resp.Notes) < 3 {
		t.Errorf("notes = %v, want the stock caveats", resp.Notes)
	}
	seen := make(map[string]bool)
	for _, c := range resp.Cases {
		if seen[c.URL] {
			t.Errorf("duplicate case URL %q survived dedupe", c.URL)
		}
		seen[c.URL] = true
		if c.ConfidenceBand == "" {
			t.Errorf("case %q has no confidence band", c.Title)
		}
	}
	if fakes[0].callCount() == 0 {
		t.Error("kanoon_api provider never called")
	}
}

func TestRunTraceStagesOrdered(t *testing.T) {
	p, _ := testPipeline(t, testConfig(nil), asProviders(allScopeProviders(happyRespond))...)

	resp, err := p.Run(context.Background(), Request{Query: testQuery})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"intent", "plan", "rewrite", "retrieve", "classify", "verify", "gate", "score", "finalize"}
	if len(resp.Trace) != len(want) {
		t.Fatalf("trace has %d events, want %d: %+v", len(resp.Trace), len(want), resp.Trace)
	}
	for i, stage := range want {
		if resp.Trace[i].Stage != stage {
			t.Errorf("trace[%d] = %q, want %q", i, resp.Trace[i].Stage, stage)
		}
		if resp.Trace[i].Ms < 0 {
			t.Errorf("trace[%d] negative duration", i)
		}
	}
}

func TestRunNoMatchWhenProvidersEmpty(t *testing.T) {
	cfg := testConfig(func(c *config.Config) { c.Flags.StaleFallback = false })
	p, _ := testPipeline(t, cfg, asProviders(allScopeProviders(emptyRespond))...)

	resp, err := p.Run(context.Background(), Request{Query: testQuery})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Status != StatusNoMatch {
		t.Errorf("status = %q, want %q", resp.Status, StatusNoMatch)
	}
	if resp.PartialRun {
		t.Error("clean empty run marked partial")
	}
	if len(resp.Cases) != 0 || len(resp.CasesNearMiss) != 0 {
		t.Error("empty run returned cases")
	}
	if len(resp.Proposition.RequiredElements) == 0 {
		t.Error("proposition checklist missing from empty response")
	}
}

func TestRunBlockedSurfacesRetryAfter(t *testing.T) {
	cfg := testConfig(func(c *config.Config) { c.Flags.StaleFallback = false })
	p, _ := testPipeline(t, cfg, asProviders(allScopeProviders(blockedRespond))...)

	resp, err := p.Run(context.Background(), Request{Query: testQuery})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Status != StatusBlocked {
		t.Fatalf("status = %q, want %q", resp.Status, StatusBlocked)
	}
	if resp.BlockedKind != search.BlockedRateLimit {
		t.Errorf("blockedKind = %q, want %q", resp.BlockedKind, search.BlockedRateLimit)
	}
	if resp.RetryAfterMs != 30000 {
		t.Errorf("retryAfterMs = %d, want 30000", resp.RetryAfterMs)
	}
	if !resp.PartialRun {
		t.Error("blocked run not marked partial")
	}
}

func TestRunStaleReplayAfterTotalFailure(t *testing.T) {
	fakes := allScopeProviders(happyRespond)
	cfg := testConfig(nil)
	p, _ := testPipeline(t, cfg, asProviders(fakes)...)

	first, err := p.Run(context.Background(), Request{Query: testQuery})
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if first.Status != StatusCompleted || len(first.Cases) == 0 {
		t.Fatalf("first run status=%q cases=%d, want a completed run to seed recall", first.Status, len(first.Cases))
	}

	for _, f := range fakes {
		name := f.name
		f.respond = blockedRespond(name)
	}

	second, err := p.Run(context.Background(), Request{Query: testQuery})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if second.Status != StatusCompleted {
		t.Fatalf("replay status = %q, want %q", second.Status, StatusCompleted)
	}
	if second.ExecutionPath != PathServerFallback {
		t.Errorf("replay executionPath = %q, want %q", second.ExecutionPath, PathServerFallback)
	}
	if !second.PartialRun {
		t.Error("replay not marked partial")
	}
	if len(second.Cases) == 0 {
		t.Fatal("replay returned no cases")
	}
	for _, c := range second.Cases {
		if c.RetrievalTier != score.TierExploratory {
			t.Errorf("replayed case tier = %q, want %q", c.RetrievalTier, score.TierExploratory)
		}
		if c.FallbackReason != score.FallbackReasonStale {
			t.Errorf("replayed case fallbackReason = %q, want %q", c.FallbackReason, score.FallbackReasonStale)
		}
		if c.ConfidenceScore > cfg.Scoring.ExploratoryConfidenceCap {
			t.Errorf("replayed confidence %.2f above exploratory cap %.2f",
				c.ConfidenceScore, cfg.Scoring.ExploratoryConfidenceCap)
		}
	}
}

func TestRunStaleReplayNeedsExactFingerprint(t *testing.T) {
	fakes := allScopeProviders(happyRespond)
	p, _ := testPipeline(t, testConfig(nil), asProviders(fakes)...)

	if _, err := p.Run(context.Background(), Request{Query: testQuery}); err != nil {
		t.Fatalf("seed Run: %v", err)
	}
	for _, f := range fakes {
		name := f.name
		f.respond = blockedRespond(name)
	}

	resp, err := p.Run(context.Background(), Request{Query: "anticipatory bail under section 438 crpc"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Status != StatusBlocked {
		t.Errorf("different query replayed stale entry: status = %q", resp.Status)
	}
}

func TestRunCircuitOpenFallsDeterministic(t *testing.T) {
	cfg := testConfig(func(c *config.Config) {
		c.Reasoner.Mode = "on"
		c.Reasoner.CircuitFailThreshold = 1
		c.Reasoner.CircuitCooldown = time.Minute
		c.Models.PrimaryModelID = "apac.anthropic.claude-3-5-sonnet-20241022-v2:0"
		c.Flags.StaleFallback = false
	})
	p, _ := testPipeline(t, cfg, asProviders(allScopeProviders(emptyRespond))...)

	first, err := p.Run(context.Background(), Request{Query: testQuery})
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if first.Telemetry.Mode != reasoner.ModeDeterministic || first.Telemetry.Error == "" {
		t.Fatalf("first telemetry = %+v, want a deterministic fall-back with an error", first.Telemetry)
	}

	second, err := p.Run(context.Background(), Request{Query: testQuery})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if second.Telemetry.Mode != reasoner.ModeDeterministic {
		t.Errorf("second telemetry mode = %q, want deterministic", second.Telemetry.Mode)
	}
	if second.Telemetry.Error != reasoner.ErrCircuitOpen {
		t.Errorf("second telemetry error = %q, want %q", second.Telemetry.Error, reasoner.ErrCircuitOpen)
	}
}

func TestRunRespectsMaxResults(t *testing.T) {
	respond := func(source string) func(search.Input) (search.Output, error) {
		return func(in search.Input) (search.Output, error) {
			out := search.Output{Debug: search.DebugRecord{Source: source}}
			titles := []string{
				"Ramesh Kumar vs State Of Punjab",
				"Suresh Singh vs State Of Haryana",
				"Mohan Lal vs Union Of India",
			}
			for i, title := range titles {
				c := caseCandidate(source)
				c.Title = title
				c.URL = "https://indiankanoon.org/doc/99" + string(rune('0'+i)) + "/"
				c.DocID = "99" + string(rune('0'+i))
				out.Cases = append(out.Cases, c)
			}
			out.Debug.ParsedCount = len(out.Cases)
			return out, nil
		}
	}
	p, _ := testPipeline(t, testConfig(nil), asProviders(allScopeProviders(respond))...)

	resp, err := p.Run(context.Background(), Request{Query: testQuery, MaxResults: 2})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(resp.Cases) > 2 {
		t.Errorf("cases = %d, want at most 2", len(resp.Cases))
	}
}

func TestRunDebugEnabledCarriesProviderRecords(t *testing.T) {
	p, _ := testPipeline(t, testConfig(nil), asProviders(allScopeProviders(happyRespond))...)

	plain, err := p.Run(context.Background(), Request{Query: testQuery})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(plain.ProviderDebug) != 0 {
		t.Errorf("provider debug leaked without debugEnabled: %d records", len(plain.ProviderDebug))
	}

	debug, err := p.Run(context.Background(), Request{Query: testQuery, DebugEnabled: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(debug.ProviderDebug) == 0 {
		t.Error("debugEnabled run carried no provider records")
	}
}

func TestNormalizeRequestBounds(t *testing.T) {
	req := normalizeRequest(Request{Query: "q"})
	if req.MaxResults != defaultMaxResults {
		t.Errorf("default maxResults = %d, want %d", req.MaxResults, defaultMaxResults)
	}
	if req.RequestID == "" {
		t.Error("requestId not generated")
	}

	req = normalizeRequest(Request{Query: "q", MaxResults: 500, RequestID: "r-1"})
	if req.MaxResults != maxResultsCeiling {
		t.Errorf("clamped maxResults = %d, want %d", req.MaxResults, maxResultsCeiling)
	}
	if req.RequestID != "r-1" {
		t.Errorf("requestId overwritten: %q", req.RequestID)
	}
}

func TestDedupeCandidatesMergesSourceTags(t *testing.T) {
	a := caseCandidate("kanoon_api")
	a.Retrieval.SourceTags = []string{"kanoon_api"}
	b := caseCandidate("kanoon_web")
	b.Retrieval.SourceTags = []string{"kanoon_web"}
	c := caseCandidate("serper")
	c.URL = "https://indiankanoon.org/doc/777/"
	c.DocID = "777"

	out := dedupeCandidates([]search.Candidate{a, b, c})
	if len(out) != 2 {
		t.Fatalf("deduped to %d candidates, want 2", len(out))
	}
	tags := out[0].Retrieval.SourceTags
	if len(tags) != 2 {
		t.Errorf("merged source tags = %v, want both lanes", tags)
	}
}

func TestRoutesForBypassWhenKanoonCooling(t *testing.T) {
	cooldowns := search.NewCooldowns()
	store := cache.New(cache.Options{}, zap.NewNop())
	t.Cleanup(func() { _ = store.Close() })
	p := New(zap.NewNop(), testConfig(nil), Deps{
		Store:     store,
		Invoker:   erringInvoker{},
		Cooldowns: cooldowns,
		Providers: asProviders(allScopeProviders(happyRespond)),
		Client:    detailClient(),
	})

	v := planner.QueryVariant{Directives: planner.RetrievalDirectives{QueryMode: planner.ModePrecision}}
	routes := p.routesFor(v)
	if len(routes) != 1 || routes[0] != search.ScopeKanoonAPI {
		t.Fatalf("precision routes = %v, want just the JSON API", routes)
	}

	cooldowns.Set(search.ScopeKanoonAPI, time.Minute, search.BlockedLocalCooldown)
	cooldowns.Set(search.ScopeKanoonWeb, time.Minute, search.BlockedChallenge)
	routes = p.routesFor(v)
	found := false
	for _, r := range routes {
		if r == search.ScopeSerper {
			found = true
		}
	}
	if !found {
		t.Errorf("routes = %v, want the web-search bypass while kanoon cools", routes)
	}

	hinted := planner.QueryVariant{ProviderHints: []string{search.ScopeKanoonWeb}}
	routes = p.routesFor(hinted)
	if len(routes) != 1 || routes[0] != search.ScopeKanoonWeb {
		t.Errorf("pre-set hints not honoured: %v", routes)
	}
}

func TestDominantGap(t *testing.T) {
	cases := []score.ScoredCase{
		{MissingElements: []string{"sanction", "official duty"}},
		{MissingElements: []string{"sanction"}},
		{MissingElements: []string{"official duty", "sanction"}},
	}
	if gap := dominantGap(cases); gap != "sanction" {
		t.Errorf("dominantGap = %q, want %q", gap, "sanction")
	}
	if gap := dominantGap(nil); gap != "" {
		t.Errorf("dominantGap(nil) = %q, want empty", gap)
	}
}
