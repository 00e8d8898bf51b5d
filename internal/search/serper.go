package search

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"lexhound/internal/cache"
	"lexhound/internal/config"
	"lexhound/internal/planner"
)

const (
	serperCachePrefix = "serper:query:v1:"
	maxSerperQuoted   = 2
	maxSerperCore     = 4
)

// Serper is the web-search bypass: a JSON endpoint returning organic hits
// restricted to the source index's site. It routes around index-side rate
// limits and feeds the verifier's snippet fallback.
type Serper struct {
	log      *zap.Logger
	cfg      config.RetrievalConfig
	flags    config.Flags
	client   *http.Client
	store    *cache.Store
	siteHost string
}

func NewSerper(log *zap.Logger, cfg config.RetrievalConfig, flags config.Flags, store *cache.Store) *Serper {
	return &Serper{
		log:      log.Named("serper"),
		cfg:      cfg,
		flags:    flags,
		client:   &http.Client{Timeout: cfg.SerperTimeout},
		store:    store,
		siteHost: hostOf(cfg.IKWebBaseURL),
	}
}

func (p *Serper) Name() string { return ScopeSerper }

type serperRequest struct {
	Q   string `json:"q"`
	Num int    `json:"num,omitempty"`
	GL  string `json:"gl,omitempty"`
}

type serperOrganic struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

type serperResponse struct {
	Organic []serperOrganic `json:"organic"`
}

// Search compiles a site-restricted query, serving repeats from the query
// cache. Zero organic results in context or expansion mode relax the query
// once; only successful results are cached.
func (p *Serper) Search(ctx context.Context, in Input) (Output, error) {
	debug := DebugRecord{Source: ScopeSerper, FetchTimeoutMs: p.cfg.SerperTimeout.Milliseconds()}

	compiled := CompileSerperQuery(in.Variant, p.siteHost, p.flags.SerperQueryV2)
	debug.CompiledQuery = compiled

	if cands, ok := p.cached(ctx, compiled); ok {
		debug.CacheHit = true
		debug.RawCount = len(cands)
		debug.ParsedCount = len(cands)
		return Output{Cases: capCases(cands, in.MaxResults), Debug: debug}, nil
	}

	start := time.Now()
	organic, status, err := p.query(ctx, compiled, in.MaxResults)
	debug.Status = status
	if err != nil {
		debug.Error = err.Error()
		if KindOf(err) == FailTimeout {
			debug.TimedOut = true
		}
		debug.LatencyMs = time.Since(start).Milliseconds()
		return Output{Debug: debug}, err
	}
	debug.RawCount = len(organic)

	mode := in.Variant.Directives.QueryMode
	if len(organic) == 0 && (mode == planner.ModeContext || mode == planner.ModeExpansion) {
		relaxed := relaxSerperQuery(in.Variant, p.siteHost)
		if relaxed != compiled {
			debug.Relaxed = true
			debug.CompiledQuery = relaxed
			organic, status, err = p.query(ctx, relaxed, in.MaxResults)
			debug.Status = status
			if err != nil {
				debug.Error = err.Error()
				debug.LatencyMs = time.Since(start).Milliseconds()
				return Output{Debug: debug}, err
			}
			debug.RawCount = len(organic)
			compiled = relaxed
		}
	}
	debug.LatencyMs = time.Since(start).Milliseconds()

	cands := p.normalizeOrganic(organic, in)
	cands = dedupeByURL(cands)
	debug.ParsedCount = len(cands)
	if len(cands) == 0 {
		debug.NoMatch = true
		return Output{Debug: debug}, nil
	}

	p.cachePut(ctx, compiled, cands)
	return Output{Cases: capCases(cands, in.MaxResults), Debug: debug}, nil
}

func (p *Serper) query(ctx context.Context, compiled string, num int) ([]serperOrganic, int, error) {
	if num <= 0 || num > 10 {
		num = 10
	}
	payload, err := json.Marshal(serperRequest{Q: compiled, Num: num, GL: "in"})
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.SerperURL, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, &FetchError{Kind: FailUnknown, URL: p.cfg.SerperURL, Err: err}
	}
	req.Header.Set("X-API-KEY", p.cfg.SerperAPIKey)
	req.Header.Set("Content-Type", "application/json")

	body, status, err := Fetch(p.client, req, p.cfg.MaxRetryAfter)
	if err != nil {
		return nil, status, err
	}
	var parsed serperResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, status, &FetchError{Kind: FailParseEmpty, Status: status, URL: p.cfg.SerperURL, Err: err}
	}
	return parsed.Organic, status, nil
}

func (p *Serper) normalizeOrganic(organic []serperOrganic, in Input) []Candidate {
	out := make([]Candidate, 0, len(organic))
	for _, row := range organic {
		link := strings.TrimSpace(row.Link)
		if p.siteHost != "" && !strings.Contains(hostOf(link), p.siteHost) {
			continue
		}
		title := strings.TrimSpace(stripSiteSuffix(row.Title))
		if weakTitle(title) || statuteLikeTitle(title) {
			continue
		}
		canonURL := CanonicalDocURL(link, p.cfg.IKWebBaseURL)
		court, courtText := courtFromText(title + " " + row.Snippet)
		out = append(out, Candidate{
			Source:    ScopeSerper,
			Title:     title,
			URL:       canonURL,
			Snippet:   strings.TrimSpace(row.Snippet),
			Court:     court,
			CourtText: courtText,
			DocID:     DocIDFromURL(canonURL),
			Retrieval: RetrievalMeta{SourceTags: []string{string(in.Variant.Phase)}},
		})
	}
	return out
}

// cached returns a prior positive result for the compiled query.
func (p *Serper) cached(ctx context.Context, compiled string) ([]Candidate, bool) {
	if p.store == nil {
		return nil, false
	}
	var cands []Candidate
	ok, err := p.store.GetValue(ctx, serperKey(compiled), &cands)
	if err != nil || !ok || len(cands) == 0 {
		return nil, false
	}
	return cands, true
}

func (p *Serper) cachePut(ctx context.Context, compiled string, cands []Candidate) {
	if p.store == nil || len(cands) == 0 {
		return
	}
	if err := p.store.SetValue(ctx, serperKey(compiled), cands, p.cfg.SerperCacheTTL); err != nil {
		p.log.Debug("serper cache write failed", zap.Error(err))
	}
}

func serperKey(compiled string) string {
	sum := sha256.Sum256([]byte(compiled))
	return serperCachePrefix + hex.EncodeToString(sum[:8])
}

func capCases(cands []Candidate, max int) []Candidate {
	if max > 0 && len(cands) > max {
		return cands[:max]
	}
	return cands
}

// ===== QUERY COMPILATION =====

// CompileSerperQuery builds the site-restricted query: quoted key phrases,
// unquoted core terms, and negative terms. Negatives appear only in
// precision mode backed by at least two include tokens; context and
// expansion queries never carry them.
func CompileSerperQuery(v planner.QueryVariant, siteHost string, v2 bool) string {
	var parts []string
	if siteHost != "" {
		parts = append(parts, "site:"+siteHost)
	}

	mode := v.Directives.QueryMode
	includes := boundTerms(v.MustIncludeTokens, maxSerperCore)

	if v2 && mode != planner.ModeExpansion {
		quoted := 0
		for _, t := range includes {
			if strings.Contains(t, " ") && quoted < maxSerperQuoted {
				parts = append(parts, `"`+t+`"`)
				quoted++
			} else {
				parts = append(parts, t)
			}
		}
	} else {
		parts = append(parts, includes...)
	}

	if phrase := strings.TrimSpace(v.Phrase); phrase != "" {
		parts = append(parts, phrase)
	}

	if mode == planner.ModePrecision && len(includes) >= 2 {
		for _, t := range boundTerms(v.MustExcludeTokens, maxExclusions) {
			parts = append(parts, `-"`+t+`"`)
		}
	}
	return strings.Join(parts, " ")
}

// relaxSerperQuery drops quoting and negatives, keeping site restriction,
// phrase and core terms.
func relaxSerperQuery(v planner.QueryVariant, siteHost string) string {
	var parts []string
	if siteHost != "" {
		parts = append(parts, "site:"+siteHost)
	}
	parts = append(parts, boundTerms(v.MustIncludeTokens, maxSerperCore)...)
	if phrase := strings.TrimSpace(v.Phrase); phrase != "" {
		parts = append(parts, phrase)
	}
	return strings.Join(parts, " ")
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return strings.TrimPrefix(strings.TrimPrefix(rawURL, "https://"), "http://")
	}
	return strings.TrimPrefix(u.Host, "www.")
}

var siteSuffixes = []string{" - indian kanoon", " | indian kanoon"}

func stripSiteSuffix(title string) string {
	low := strings.ToLower(title)
	for _, suffix := range siteSuffixes {
		if idx := strings.LastIndex(low, suffix); idx > 0 {
			return title[:idx]
		}
	}
	return title
}
