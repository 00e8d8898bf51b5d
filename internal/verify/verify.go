// Package verify hydrates top candidates with judgment detail text and
// grades the evidence found in it. Hydration is layered: detail cache,
// direct fetch with alternates, hybrid hint, then web-search snippets.
// Every failure kind that is stable gets cached so a blocked document is
// not re-fetched for the cache TTL.
package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"lexhound/internal/cache"
	"lexhound/internal/classify"
	"lexhound/internal/config"
	"lexhound/internal/legaltext"
	"lexhound/internal/planner"
	"lexhound/internal/search"
)

// Hydration states recorded on candidates.
const (
	HydrationCache         = "cache"
	HydrationCachedFailure = "cached_failure"
	HydrationDirect        = "direct"
	HydrationAlternate     = "alternate"
	HydrationHybridHint    = "hybrid_hint"
	HydrationSnippets      = "snippet_fallback"
	HydrationFailed        = "failed"
)

const (
	detailKeyPrefix = "verify:detail:v1:"
	minDetailChars  = 400
	maxDetailChars  = 60000
	retryBackoff    = 300 * time.Millisecond
	maxConcurrency  = 6
)

// Hint is what the hybrid resolver gets to work with.
type Hint struct {
	Title string
	DocID string
	Court search.Court
}

// HintResolver maps a hint onto an alternate document URL. The hybrid
// engine backs it; nil disables the fallback.
type HintResolver interface {
	ResolveURL(ctx context.Context, hint Hint) (string, bool)
}

// Options carries the optional collaborators.
type Options struct {
	// Client serves detail fetches; nil builds one from the web timeout.
	Client *http.Client
	// Hints resolves alternate URLs; nil disables the hybrid fallback.
	Hints HintResolver
	// Snippets is the web-search provider backing the snippet fallback;
	// nil disables it.
	Snippets search.Provider
}

// Verifier hydrates candidates for one request. Cues are fixed at
// construction so every worker scans with the same vocabulary.
type Verifier struct {
	log      *zap.Logger
	cfg      config.RetrievalConfig
	store    *cache.Store
	client   *http.Client
	hints    HintResolver
	snippets search.Provider
	cues     Cues
}

func New(log *zap.Logger, cfg config.RetrievalConfig, store *cache.Store, cues Cues, opts Options) *Verifier {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.WebTimeout}
	}
	return &Verifier{
		log:      log.Named("verify"),
		cfg:      cfg,
		store:    store,
		client:   client,
		hints:    opts.Hints,
		snippets: opts.Snippets,
		cues:     cues,
	}
}

// detailEntry is one cached hydration result. Either the detail fields or
// FailKind is set, never both.
type detailEntry struct {
	Title      string                  `json:"title,omitempty"`
	Court      search.Court            `json:"court,omitempty"`
	CourtText  string                  `json:"courtText,omitempty"`
	DetailText string                  `json:"detailText,omitempty"`
	Artifact   string                  `json:"artifact,omitempty"`
	Hydration  string                  `json:"hydration,omitempty"`
	Evidence   *search.EvidenceQuality `json:"evidence,omitempty"`
	FailKind   string                  `json:"failKind,omitempty"`
}

// VerifyCandidates hydrates the top limit candidates in parallel and
// classifies every candidate. The returned slice always has exactly
// len(cands) entries in the input order; entries beyond the limit pass
// through untouched apart from classification.
func (v *Verifier) VerifyCandidates(ctx context.Context, cands []search.Candidate, limit int) []search.Candidate {
	out := make([]search.Candidate, len(cands))
	copy(out, cands)
	if len(out) == 0 {
		return out
	}
	if limit <= 0 || limit > len(out) {
		limit = len(out)
	}

	workers := v.cfg.DetailConcurrency
	if workers <= 0 {
		workers = 1
	}
	if workers > maxConcurrency {
		workers = maxConcurrency
	}
	if workers > limit {
		workers = limit
	}

	idx := make(chan int, limit)
	for i := 0; i < limit; i++ {
		idx <- i
	}
	close(idx)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range idx {
				v.hydrate(ctx, &out[i], i)
			}
		}()
	}
	wg.Wait()

	for i := range out {
		out[i].Classification = classify.Classify(out[i])
	}
	return out
}

// hydrate fills one candidate's detail fields in place. rank is the
// candidate's position, which gates the fallback ladders.
func (v *Verifier) hydrate(ctx context.Context, c *search.Candidate, rank int) {
	if entry, ok := v.cachedDetail(ctx, c); ok {
		v.adopt(c, entry)
		return
	}

	entry, lastKind := v.fetchLadder(ctx, c)
	if entry == nil && rank < v.cfg.HybridFallbackCutoff && v.hints != nil {
		entry = v.hintFetch(ctx, c)
	}
	if entry == nil && rank < v.cfg.SnippetFallbackCutoff && v.snippets != nil {
		entry = v.snippetFallback(ctx, c)
	}

	if entry != nil {
		v.adopt(c, entry)
		v.cacheDetail(ctx, c, entry)
		return
	}

	c.DetailHydration = HydrationFailed
	if lastKind != "" {
		c.DetailHydration = fmt.Sprintf("%s:%s", HydrationFailed, lastKind)
		if search.CacheableFailure(lastKind) {
			v.cacheDetail(ctx, c, &detailEntry{FailKind: string(lastKind)})
		}
	}
}

// fetchLadder tries the primary URL then alternates. Transient failures
// get one backoff retry per URL; a 403 or 429 aborts the ladder since the
// block is site-scoped, not URL-scoped.
func (v *Verifier) fetchLadder(ctx context.Context, c *search.Candidate) (*detailEntry, search.FailureKind) {
	var lastKind search.FailureKind
	for _, u := range v.candidateURLs(c) {
		entry, err := v.fetchDetail(ctx, u)
		if err == nil {
			if u != c.URL {
				entry.Hydration = HydrationAlternate
			}
			return entry, ""
		}
		kind := search.KindOf(err)
		if kind == search.FailTimeout || kind == search.FailNetwork {
			select {
			case <-time.After(retryBackoff):
			case <-ctx.Done():
				return nil, search.FailTimeout
			}
			if entry, err = v.fetchDetail(ctx, u); err == nil {
				if u != c.URL {
					entry.Hydration = HydrationAlternate
				}
				return entry, ""
			}
			kind = search.KindOf(err)
		}
		lastKind = kind
		if kind == search.Fail403 || kind == search.Fail429 {
			break
		}
	}
	return nil, lastKind
}

// candidateURLs lists the fetch targets in preference order.
func (v *Verifier) candidateURLs(c *search.Candidate) []string {
	base := v.cfg.IKWebBaseURL
	urls := []string{c.URL}
	if canon := search.CanonicalDocURL(c.URL, base); canon != "" {
		urls = append(urls, canon)
	}
	if c.FullDocumentURL != "" {
		urls = append(urls, c.FullDocumentURL)
	}
	if c.DocID != "" {
		urls = append(urls,
			strings.TrimRight(base, "/")+"/docfragment/"+c.DocID+"/",
			strings.TrimRight(base, "/")+"/doc/"+c.DocID+"/")
	}
	return legaltext.UniqueStrings(urls)
}

var titlePattern = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

// fetchDetail pulls one URL and turns it into a detail entry. Thin pages
// and search pages come back as parse_empty.
func (v *Verifier) fetchDetail(ctx context.Context, rawURL string) (*detailEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &search.FetchError{Kind: search.FailUnknown, URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; lexhound/1.0)")

	body, status, err := search.Fetch(v.client, req, 0)
	if err != nil {
		return nil, err
	}
	if search.DetectChallenge(body) {
		return nil, &search.FetchError{Kind: search.Fail403, Status: status, URL: rawURL}
	}

	text := legaltext.StripHTML(string(body))
	if len(text) > maxDetailChars {
		text = text[:maxDetailChars]
	}
	low := strings.ToLower(text)
	if len(text) < minDetailChars || strings.Contains(low, "no matching results") {
		return nil, &search.FetchError{Kind: search.FailParseEmpty, Status: status, URL: rawURL}
	}

	entry := &detailEntry{DetailText: text, Hydration: HydrationDirect}
	if m := titlePattern.FindSubmatch(body); m != nil {
		entry.Title = strings.TrimSpace(legaltext.StripHTML(string(m[1])))
	}
	entry.Court, entry.CourtText = courtOf(entry.Title + " " + text[:boundedLen(text, 2000)])
	entry.Evidence = ScanEvidence(text, v.cues)
	return entry, nil
}

func boundedLen(s string, max int) int {
	if len(s) < max {
		return len(s)
	}
	return max
}

// courtOf mirrors the provider-side court guess for hydrated text.
func courtOf(text string) (search.Court, string) {
	low := strings.ToLower(text)
	switch {
	case strings.Contains(low, "supreme court"):
		return search.CourtSC, "Supreme Court of India"
	case strings.Contains(low, "high court"):
		return search.CourtHC, ""
	default:
		return search.CourtUnknown, ""
	}
}

// hintFetch asks the hybrid engine for an alternate URL and tries it once.
func (v *Verifier) hintFetch(ctx context.Context, c *search.Candidate) *detailEntry {
	u, ok := v.hints.ResolveURL(ctx, Hint{Title: c.Title, DocID: c.DocID, Court: c.Court})
	if !ok || u == "" || u == c.URL {
		return nil
	}
	entry, err := v.fetchDetail(ctx, u)
	if err != nil {
		v.log.Debug("hint fetch failed", zap.String("url", u), zap.Error(err))
		return nil
	}
	entry.Hydration = HydrationHybridHint
	return entry
}

// snippetFallback synthesises a detail artifact from web-search snippets
// when the document itself is unreachable.
func (v *Verifier) snippetFallback(ctx context.Context, c *search.Candidate) *detailEntry {
	minSnips := v.cfg.MinSnippets
	if minSnips <= 0 {
		minSnips = 2
	}
	in := search.Input{
		Variant: planner.QueryVariant{
			ID:         "verify-snippets",
			Phrase:     c.Title,
			Phase:      planner.PhaseRescue,
			Strictness: planner.Relaxed,
			Directives: planner.RetrievalDirectives{QueryMode: planner.ModeContext},
		},
		MaxResults: 6,
	}
	out, err := v.snippets.Search(ctx, in)
	if err != nil {
		v.log.Debug("snippet fallback failed", zap.String("title", c.Title), zap.Error(err))
		return nil
	}

	var snips []string
	for _, hit := range out.Cases {
		if hit.Snippet == "" {
			continue
		}
		if hit.DocID != "" && c.DocID != "" && hit.DocID != c.DocID &&
			legaltext.TermOverlap(hit.Title, c.Title) < 0.5 {
			continue
		}
		snips = append(snips, hit.Snippet)
	}
	snips = legaltext.UniqueStrings(snips)
	if len(snips) < minSnips {
		return nil
	}

	artifact := strings.Join(snips, "\n")
	return &detailEntry{
		DetailText: artifact,
		Artifact:   artifact,
		Hydration:  HydrationSnippets,
		Evidence:   ScanEvidence(artifact, v.cues),
	}
}

// adopt copies a detail entry onto the candidate.
func (v *Verifier) adopt(c *search.Candidate, entry *detailEntry) {
	if entry.FailKind != "" {
		c.DetailHydration = fmt.Sprintf("%s:%s", HydrationCachedFailure, entry.FailKind)
		return
	}
	if entry.Title != "" && !strings.EqualFold(entry.Title, "indian kanoon") {
		c.Title = entry.Title
	}
	if entry.Court != search.CourtUnknown {
		c.Court = entry.Court
		if entry.CourtText != "" {
			c.CourtText = entry.CourtText
		}
	}
	c.DetailText = entry.DetailText
	c.DetailArtifact = entry.Artifact
	c.EvidenceQuality = entry.Evidence
	c.DetailHydration = entry.Hydration
}

// ===== DETAIL CACHE =====

func urlKey(u string) string {
	sum := sha256.Sum256([]byte(u))
	return detailKeyPrefix + "url:" + hex.EncodeToString(sum[:8])
}

func docKey(docID string) string {
	return detailKeyPrefix + "doc:" + docID
}

// cachedDetail looks the candidate up by URL then doc id. A hit with
// FailKind set means the last attempt failed in a stable way and the
// caller must not refetch.
func (v *Verifier) cachedDetail(ctx context.Context, c *search.Candidate) (*detailEntry, bool) {
	if v.store == nil {
		return nil, false
	}
	var entry detailEntry
	if c.URL != "" {
		if ok, err := v.store.GetValue(ctx, urlKey(c.URL), &entry); err == nil && ok {
			entry.Hydration = HydrationCache
			return &entry, true
		}
	}
	if c.DocID != "" {
		if ok, err := v.store.GetValue(ctx, docKey(c.DocID), &entry); err == nil && ok {
			entry.Hydration = HydrationCache
			return &entry, true
		}
	}
	return nil, false
}

// cacheDetail stores the entry under both keys. Success entries with no
// text are search-page artifacts and never get cached.
func (v *Verifier) cacheDetail(ctx context.Context, c *search.Candidate, entry *detailEntry) {
	if v.store == nil {
		return
	}
	if entry.FailKind == "" && strings.TrimSpace(entry.DetailText) == "" {
		return
	}
	stored := *entry
	stored.Hydration = ""
	ttl := v.cfg.DetailCacheTTL
	if c.URL != "" {
		if err := v.store.SetValue(ctx, urlKey(c.URL), stored, ttl); err != nil {
			v.log.Debug("detail cache write failed", zap.Error(err))
		}
	}
	if c.DocID != "" {
		if err := v.store.SetValue(ctx, docKey(c.DocID), stored, ttl); err != nil {
			v.log.Debug("detail cache write failed", zap.Error(err))
		}
	}
}
