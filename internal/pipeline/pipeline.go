// Package pipeline wires the full retrieval flow: intent extraction, the
// deterministic planner racing the reasoner's first pass, canonical fusion
// and query rewrite, phased multi-provider retrieval, classification,
// detail verification, the optional reasoner refinement pass, proposition
// gating, scoring and diversification. One Pipeline serves the process;
// every Run owns its request-scoped state.
package pipeline

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lexhound/internal/cache"
	"lexhound/internal/canonical"
	"lexhound/internal/classify"
	"lexhound/internal/config"
	"lexhound/internal/gate"
	"lexhound/internal/gateway"
	"lexhound/internal/intent"
	"lexhound/internal/legaltext"
	"lexhound/internal/planner"
	"lexhound/internal/reasoner"
	"lexhound/internal/score"
	"lexhound/internal/search"
	"lexhound/internal/verify"
)

// Response statuses.
const (
	StatusCompleted = "completed"
	StatusNoMatch   = "no_match"
	StatusBlocked   = "blocked"
)

// Execution paths. The server emits server_only for live runs and
// server_fallback for stale-recall replays; client_first is reserved for
// deployments whose client attempts retrieval before calling in.
const (
	PathClientFirst    = "client_first"
	PathServerFallback = "server_fallback"
	PathServerOnly     = "server_only"
)

const (
	defaultMaxResults = 10
	maxResultsCeiling = 50
	pass2SnippetCount = 5
	pass2SnippetChars = 240
)

// Request is one retrieval question. Every other knob comes from the
// process configuration.
type Request struct {
	Query        string `json:"query"`
	MaxResults   int    `json:"maxResults"`
	RequestID    string `json:"requestId"`
	DebugEnabled bool   `json:"debugEnabled"`
}

// TraceEvent is one pipeline stage timing.
type TraceEvent struct {
	Stage  string `json:"stage"`
	Ms     int64  `json:"ms"`
	Detail string `json:"detail,omitempty"`
}

// PropositionView is the checklist summary echoed in responses.
type PropositionView struct {
	RequiredElements []string `json:"requiredElements"`
	OptionalElements []string `json:"optionalElements,omitempty"`
	Constraints      []string `json:"constraints,omitempty"`
}

// Response is the full pipeline answer.
type Response struct {
	RequestID     string `json:"requestId"`
	Status        string `json:"status"`
	RetryAfterMs  int64  `json:"retryAfterMs,omitempty"`
	BlockedKind   string `json:"blockedKind,omitempty"`
	ExecutionPath string `json:"executionPath"`
	PartialRun    bool   `json:"partialRun"`

	Query       string              `json:"query"`
	Context     intent.ContextView  `json:"context"`
	Proposition PropositionView     `json:"proposition"`
	KeywordPack planner.KeywordPack `json:"keywordPack"`

	TotalFetched  int `json:"totalFetched"`
	FilteredCount int `json:"filteredCount"`

	Cases                 []score.ScoredCase `json:"cases"`
	CasesExact            []score.ScoredCase `json:"casesExact"`
	CasesExactStrict      []score.ScoredCase `json:"casesExactStrict"`
	CasesExactProvisional []score.ScoredCase `json:"casesExactProvisional"`
	CasesNearMiss         []score.ScoredCase `json:"casesNearMiss"`

	Insights []string     `json:"insights,omitempty"`
	Notes    []string     `json:"notes"`
	Trace    []TraceEvent `json:"pipelineTrace,omitempty"`

	Telemetry     reasoner.Telemetry   `json:"telemetry"`
	ProviderDebug []search.DebugRecord `json:"providerDebug,omitempty"`
}

// Deps carries the pipeline's collaborators. Nil fields get defaults built
// from the configuration; tests substitute fakes.
type Deps struct {
	Store     *cache.Store
	Invoker   gateway.Invoker
	Cooldowns *search.Cooldowns
	// Providers overrides the provider set. Scope routing matches on
	// Provider.Name, so fakes register under the search.Scope* names.
	Providers []search.Provider
	// Hints backs the verifier's hybrid URL resolution; nil disables it.
	Hints verify.HintResolver
	// Client serves detail fetches; nil builds one from the web timeout.
	Client *http.Client
}

// Pipeline is the process-wide orchestrator. Safe for concurrent Runs.
type Pipeline struct {
	log       *zap.Logger
	cfg       *config.Config
	store     *cache.Store
	extractor intent.Extractor
	runner    *reasoner.Runner
	cooldowns *search.Cooldowns
	byScope   map[string]search.Provider
	hints     verify.HintResolver
	webClient *http.Client
}

// New wires a pipeline. The default provider set is the JSON API, the HTML
// scraper and, when an API key is configured, the web-search bypass.
func New(log *zap.Logger, cfg *config.Config, deps Deps) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	store := deps.Store
	if store == nil {
		store = cache.New(cache.Options{
			RedisAddr:     cfg.Cache.RedisAddr,
			RedisPassword: cfg.Cache.RedisPassword,
			RedisDB:       cfg.Cache.RedisDB,
		}, log)
	}
	cooldowns := deps.Cooldowns
	if cooldowns == nil {
		cooldowns = search.NewCooldowns()
	}
	invoker := deps.Invoker
	if invoker == nil {
		invoker = gateway.New(log)
	}

	providers := deps.Providers
	if providers == nil {
		providers = []search.Provider{
			search.NewKanoonAPI(log, cfg.Retrieval, cfg.Flags, cooldowns),
			search.NewKanoonWeb(log, cfg.Retrieval, cooldowns),
		}
		if cfg.Retrieval.SerperAPIKey != "" {
			providers = append(providers, search.NewSerper(log, cfg.Retrieval, cfg.Flags, store))
		}
	}
	byScope := make(map[string]search.Provider, len(providers))
	for _, p := range providers {
		byScope[p.Name()] = p
	}

	client := deps.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Retrieval.WebTimeout}
	}

	return &Pipeline{
		log:       log.Named("pipeline"),
		cfg:       cfg,
		store:     store,
		extractor: intent.Extractor{V2: cfg.Flags.IKIntentV2},
		runner:    reasoner.New(log.Named("reasoner"), cfg.Models, cfg.Reasoner, store, invoker),
		cooldowns: cooldowns,
		byScope:   byScope,
		hints:     deps.Hints,
		webClient: client,
	}
}

// Store exposes the cache tier so callers that let New build the default
// store can close it on shutdown.
func (p *Pipeline) Store() *cache.Store { return p.store }

// Run executes one request end to end. The returned error is reserved for
// fatal assembly failures; retrieval and reasoner degradation surface
// through the response status, blockedKind and telemetry instead.
func (p *Pipeline) Run(ctx context.Context, req Request) (Response, error) {
	req = normalizeRequest(req)
	log := p.log.With(zap.String("request_id", req.RequestID))
	tr := newTrace()

	profile := p.extractor.Extract(req.Query)
	fingerprint := profile.Fingerprint()
	tr.add("intent", profileSummary(profile))

	// The deterministic lane always runs; the reasoner's first pass rides
	// alongside and contributes only when it lands a grounded plan.
	budget := reasoner.NewBudget(p.cfg.Reasoner.MaxCallsPerRequest)
	var lane planner.Output
	var pass1 reasoner.Outcome
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lane = planner.Build(profile, nil)
		return nil
	})
	g.Go(func() error {
		pass1 = p.runner.RunPass1(gctx, profile, budget, false)
		return nil
	})
	_ = g.Wait()
	plan := pass1.Plan
	tr.add("plan", planSummary(lane, pass1))

	ci := canonical.Build(profile, plan)
	variants := canonical.SynthesizeRetrievalQueries(ci, lane, plan)
	tr.add("rewrite", variantSummary(variants))

	ret := p.retrieve(ctx, variants, profile.DateWindow, req.MaxResults, req.DebugEnabled)
	tr.add("retrieve", ret.summary())

	if len(ret.candidates) == 0 {
		if p.cfg.Flags.StaleFallback && ret.allFailed() {
			if resp, ok := p.replayRecall(ctx, req, profile, fingerprint, pass1.Telemetry, tr); ok {
				log.Info("stale recall served", zap.String("fingerprint", fingerprint))
				return resp, nil
			}
		}
		return p.emptyResponse(req, profile, lane, ci, plan, pass1.Telemetry, ret, tr), nil
	}

	cands := dedupeCandidates(ret.candidates)
	classify.Apply(cands)
	tr.add("classify", countSummary(len(cands)))

	verifier := verify.New(p.log, p.cfg.Retrieval, p.store, verify.CuesFromIntent(ci, plan), verify.Options{
		Client:   p.webClient,
		Hints:    p.hints,
		Snippets: p.byScope[search.ScopeSerper],
	})
	verified := verifier.VerifyCandidates(ctx, cands, p.cfg.Retrieval.VerifyLimit)
	tr.add("verify", hydrationSummary(verified))

	caseCands := onlyCases(verified)
	filtered := ret.totalFetched - len(caseCands)

	// Pass two refines the plan against what retrieval actually found. A
	// refreshed plan re-fuses the canonical intent before gating.
	if plan != nil && !budget.Exhausted() && len(caseCands) > 0 {
		pass2 := p.runner.RunPass2(ctx, profile, *plan, feedbackSnippets(caseCands), budget)
		if pass2.Plan != nil {
			plan = pass2.Plan
			ci = canonical.Build(profile, plan)
		}
		tr.add("reason2", telemetrySummary(pass2.Telemetry))
	}

	checklist := gate.BuildChecklist(ci, plan, gate.OptionsFromFlags(p.cfg.Flags))
	verdicts := make([]gate.Verdict, len(caseCands))
	for i, c := range caseCands {
		verdicts[i] = gate.Evaluate(checklist, c)
	}
	tr.add("gate", gateSummary(verdicts))

	scored := score.ScoreCandidates(p.cfg.Scoring, score.Inputs{
		Intent:  ci,
		Anchors: profile.Anchors,
		Issues:  profile.Issues,
	}, caseCands, verdicts)
	ranked := score.Diversify(p.cfg.Scoring, scored)
	tr.add("score", countSummary(len(ranked)))

	resp := p.finalize(req, profile, lane, checklist, pass1.Telemetry, ret, ranked, filtered, tr)
	if resp.Status == StatusCompleted && len(resp.Cases) > 0 && resp.ExecutionPath == PathServerOnly {
		p.saveRecall(ctx, fingerprint, resp)
	}
	log.Info("request completed",
		zap.String("status", resp.Status),
		zap.Int("cases", len(resp.Cases)),
		zap.Int("near_miss", len(resp.CasesNearMiss)),
		zap.Int64("total_ms", tr.total()))
	return resp, nil
}

func normalizeRequest(req Request) Request {
	if req.MaxResults <= 0 {
		req.MaxResults = defaultMaxResults
	}
	if req.MaxResults > maxResultsCeiling {
		req.MaxResults = maxResultsCeiling
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	return req
}

// onlyCases keeps candidates classified as judgments, preserving order.
func onlyCases(cands []search.Candidate) []search.Candidate {
	out := make([]search.Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Classification == classify.KindCase {
			out = append(out, c)
		}
	}
	return out
}

// dedupeCandidates keeps the first candidate per canonical document,
// merging source tags so provenance survives the merge.
func dedupeCandidates(cands []search.Candidate) []search.Candidate {
	index := make(map[string]int, len(cands))
	out := make([]search.Candidate, 0, len(cands))
	for _, c := range cands {
		key := c.DocID
		if key == "" {
			key = c.URL
		}
		if key == "" {
			key = legaltext.NormalizeQuery(c.Title)
		}
		if at, ok := index[key]; ok {
			out[at].Retrieval.SourceTags = legaltext.UniqueStrings(
				append(out[at].Retrieval.SourceTags, c.Retrieval.SourceTags...))
			if out[at].Snippet == "" {
				out[at].Snippet = c.Snippet
			}
			continue
		}
		index[key] = len(out)
		out = append(out, c)
	}
	return out
}

// feedbackSnippets collects the top hydrated extracts for the refinement
// pass.
func feedbackSnippets(cands []search.Candidate) []string {
	var out []string
	for _, c := range cands {
		text := c.DetailText
		if text == "" {
			text = c.Snippet
		}
		if text == "" {
			continue
		}
		out = append(out, legaltext.Ellipsis(c.Title+": "+text, pass2SnippetChars))
		if len(out) == pass2SnippetCount {
			break
		}
	}
	return out
}

// ===== TRACE =====

type trace struct {
	events []TraceEvent
	start  time.Time
	last   time.Time
}

func newTrace() *trace {
	now := time.Now()
	return &trace{start: now, last: now}
}

func (t *trace) add(stage, detail string) {
	now := time.Now()
	t.events = append(t.events, TraceEvent{
		Stage:  stage,
		Ms:     now.Sub(t.last).Milliseconds(),
		Detail: detail,
	})
	t.last = now
}

func (t *trace) total() int64 {
	return time.Since(t.start).Milliseconds()
}
