// Package search holds the retrieval providers: the source index's JSON
// API, its HTML search pages, and a web-search bypass. Providers share a
// uniform Search contract and report a DebugRecord either way; failures
// carry a machine-readable kind so callers never branch on message text.
package search

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"lexhound/internal/intent"
	"lexhound/internal/legaltext"
	"lexhound/internal/planner"
)

// Court levels a candidate can resolve to.
type Court string

const (
	CourtSC      Court = "SC"
	CourtHC      Court = "HC"
	CourtUnknown Court = "UNKNOWN"
)

// Provider scopes: cooldowns and debug records key on these.
const (
	ScopeKanoonAPI = "kanoon_api"
	ScopeKanoonWeb = "kanoon_web"
	ScopeSerper    = "serper"
)

// Blocked types surfaced in debug records and the response blockedKind.
const (
	BlockedLocalCooldown = "local_cooldown"
	BlockedRateLimit     = "rate_limit"
	BlockedChallenge     = "cloudflare_challenge"
)

// EvidenceQuality counts the sentence classes the verifier found in the
// detail text. The scorer and the gate both read it.
type EvidenceQuality struct {
	RelationSentences int `json:"relationSentences"`
	PolaritySentences int `json:"polaritySentences"`
	HookIntersections int `json:"hookIntersections"`
	RoleSentences     int `json:"roleSentences"`
	ChainSentences    int `json:"chainSentences"`
}

// Total is the raw evidence signal used as a quality tiebreaker.
func (q EvidenceQuality) Total() int {
	return q.RelationSentences + q.PolaritySentences + q.HookIntersections +
		q.RoleSentences + q.ChainSentences
}

// RetrievalMeta records which lanes produced a candidate.
type RetrievalMeta struct {
	SourceTags    []string `json:"sourceTags,omitempty"`
	SourceVersion string   `json:"sourceVersion,omitempty"`
	RerankScore   float64  `json:"rerankScore,omitempty"`
}

// Candidate is one retrieved case. URL is the primary identity; DocID is
// the source index's id when the URL encodes one.
type Candidate struct {
	Source          string           `json:"source"`
	Title           string           `json:"title"`
	URL             string           `json:"url"`
	Snippet         string           `json:"snippet,omitempty"`
	Court           Court            `json:"court"`
	CourtText       string           `json:"courtText,omitempty"`
	CitesCount      int              `json:"citesCount,omitempty"`
	CitedByCount    int              `json:"citedByCount,omitempty"`
	Author          string           `json:"author,omitempty"`
	Bench           string           `json:"bench,omitempty"`
	DocID           string           `json:"docId,omitempty"`
	DecisionDate    string           `json:"decisionDate,omitempty"`
	FullDocumentURL string           `json:"fullDocumentUrl,omitempty"`
	DetailText      string           `json:"detailText,omitempty"`
	DetailArtifact  string           `json:"detailArtifact,omitempty"`
	EvidenceQuality *EvidenceQuality `json:"evidenceQuality,omitempty"`
	DetailHydration string           `json:"detailHydration,omitempty"`
	Classification  string           `json:"classification,omitempty"`
	Retrieval       RetrievalMeta    `json:"retrieval"`
}

// DebugRecord is the per-provider-call trace. One per Search call, even on
// failure.
type DebugRecord struct {
	Source         string `json:"source"`
	CompiledQuery  string `json:"compiledQuery,omitempty"`
	Status         int    `json:"status,omitempty"`
	ParserMode     string `json:"parserMode,omitempty"`
	PagesScanned   int    `json:"pagesScanned,omitempty"`
	RawCount       int    `json:"rawCount"`
	ParsedCount    int    `json:"parsedCount"`
	NoMatch        bool   `json:"noMatch,omitempty"`
	Challenge      bool   `json:"challenge,omitempty"`
	RateLimited    bool   `json:"rateLimited,omitempty"`
	BlockedType    string `json:"blockedType,omitempty"`
	RetryAfterMs   int64  `json:"retryAfterMs,omitempty"`
	TimedOut       bool   `json:"timedOut,omitempty"`
	FetchTimeoutMs int64  `json:"fetchTimeoutMs,omitempty"`
	CacheHit       bool   `json:"cacheHit,omitempty"`
	Relaxed        bool   `json:"relaxed,omitempty"`
	LatencyMs      int64  `json:"latencyMs,omitempty"`
	Error          string `json:"error,omitempty"`

	HybridLexical  int   `json:"hybridLexical,omitempty"`
	HybridSemantic int   `json:"hybridSemantic,omitempty"`
	HybridFused    int   `json:"hybridFused,omitempty"`
	FusionMs       int64 `json:"fusionMs,omitempty"`
}

// Input is one provider probe: the variant plus the request context the
// variant itself does not carry.
type Input struct {
	Variant      planner.QueryVariant
	DateWindow   intent.DateWindow
	MaxResults   int
	DebugEnabled bool
}

// Output pairs candidates with the call's debug record.
type Output struct {
	Cases []Candidate
	Debug DebugRecord
}

// Provider is the uniform retrieval interface.
type Provider interface {
	Name() string
	Search(ctx context.Context, in Input) (Output, error)
}

// ===== FAILURE KINDS =====

// FailureKind partitions recoverable retrieval failures.
type FailureKind string

const (
	Fail403        FailureKind = "http_403"
	Fail429        FailureKind = "http_429"
	FailTimeout    FailureKind = "timeout"
	FailParseEmpty FailureKind = "parse_empty"
	FailNetwork    FailureKind = "network"
	FailUnknown    FailureKind = "unknown"
)

// ErrBlocked is returned when a provider fails fast on an active cooldown.
// The debug record carries the blocked type and remaining wait.
var ErrBlocked = errors.New("provider scope cooling down")

// FetchError is the typed retrieval failure. Callers branch on Kind via
// errors.As, never on the message.
type FetchError struct {
	Kind       FailureKind
	Status     int
	URL        string
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: %s (status %d)", e.URL, e.Kind, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
}

func (e *FetchError) Unwrap() error { return e.Err }

// KindOf extracts the failure kind from any error chain. Deadline and
// cancellation map to timeout; anything untyped is unknown.
func KindOf(err error) FailureKind {
	if err == nil {
		return ""
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return FailTimeout
	}
	return FailUnknown
}

// CacheableFailure reports whether a failure kind may be stored in the
// detail cache. Transient kinds must stay retryable.
func CacheableFailure(kind FailureKind) bool {
	switch kind {
	case Fail403, Fail429, FailParseEmpty:
		return true
	}
	return false
}

// statusKind maps an HTTP status onto a failure kind.
func statusKind(status int) FailureKind {
	switch {
	case status == http.StatusForbidden:
		return Fail403
	case status == http.StatusTooManyRequests:
		return Fail429
	case status >= 500:
		return FailNetwork
	default:
		return FailUnknown
	}
}

// ===== COOLDOWNS =====

type cooldownEntry struct {
	until       time.Time
	blockedType string
}

// Cooldowns is the process-wide per-scope backoff map. A blocked scope
// fails fast until its deadline passes.
type Cooldowns struct {
	mu      sync.RWMutex
	entries map[string]cooldownEntry
}

func NewCooldowns() *Cooldowns {
	return &Cooldowns{entries: make(map[string]cooldownEntry)}
}

// Set blocks a scope for d with the given blocked type.
func (c *Cooldowns) Set(scope string, d time.Duration, blockedType string) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[scope] = cooldownEntry{until: time.Now().Add(d), blockedType: blockedType}
	c.mu.Unlock()
}

// Blocked reports whether a scope is cooling down, with the remaining
// duration and the blocked type that caused it.
func (c *Cooldowns) Blocked(scope string) (time.Duration, string, bool) {
	c.mu.RLock()
	entry, ok := c.entries[scope]
	c.mu.RUnlock()
	if !ok {
		return 0, "", false
	}
	remaining := time.Until(entry.until)
	if remaining <= 0 {
		c.mu.Lock()
		if current, still := c.entries[scope]; still && current.until.Equal(entry.until) {
			delete(c.entries, scope)
		}
		c.mu.Unlock()
		return 0, "", false
	}
	return remaining, entry.blockedType, true
}

// ===== SHARED HELPERS =====

var docURLPattern = regexp.MustCompile(`/doc(?:fragment)?/(\d+)`)

// CanonicalDocURL normalises any source-index document link to the plain
// /doc/{id}/ form so candidates from different providers deduplicate.
func CanonicalDocURL(rawURL, base string) string {
	m := docURLPattern.FindStringSubmatch(rawURL)
	if m == nil {
		return strings.TrimSpace(rawURL)
	}
	return strings.TrimRight(base, "/") + "/doc/" + m[1] + "/"
}

// DocIDFromURL extracts the numeric document id, empty when absent.
func DocIDFromURL(rawURL string) string {
	m := docURLPattern.FindStringSubmatch(rawURL)
	if m == nil {
		return ""
	}
	return m[1]
}

// courtFromText guesses the court level from free text.
func courtFromText(text string) (Court, string) {
	low := strings.ToLower(text)
	switch {
	case strings.Contains(low, "supreme court"):
		return CourtSC, "Supreme Court of India"
	case strings.Contains(low, "high court"):
		return CourtHC, firstCourtPhrase(text)
	default:
		return CourtUnknown, ""
	}
}

var highCourtPattern = regexp.MustCompile(`(?i)[\w\s]*high court(?:\s+(?:of|at)\s+[\w\s]+)?`)

func firstCourtPhrase(text string) string {
	m := highCourtPattern.FindString(text)
	return strings.TrimSpace(m)
}

// statuteLikeTitle flags result titles that are bare acts or sections, not
// judgments. Party markers override the heuristic.
func statuteLikeTitle(title string) bool {
	low := strings.ToLower(title)
	if strings.Contains(low, " vs ") || strings.Contains(low, " v. ") || strings.Contains(low, " versus ") {
		return false
	}
	if strings.HasPrefix(low, "the ") && (strings.Contains(low, " act") || strings.Contains(low, " code")) {
		return true
	}
	if strings.HasPrefix(low, "section ") || strings.HasPrefix(low, "article ") || strings.HasPrefix(low, "order ") {
		return true
	}
	return strings.Contains(low, "bare act")
}

// weakTitle drops navigation scraps and fragments.
func weakTitle(title string) bool {
	t := strings.TrimSpace(title)
	return len(t) < 8 || strings.EqualFold(t, "full document")
}

func cleanSnippet(s string) string {
	return legaltext.StripHTML(s)
}

// parseRetryAfter reads a Retry-After header as delta seconds or HTTP
// date; zero when unparseable. The caller clamps against its maximum.
func parseRetryAfter(h string) time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(h); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func clampRetryAfter(d, max time.Duration, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

const maxBodyBytes = 2 << 20

// Fetch runs the request and returns a size-capped body. Non-2xx statuses
// and transport errors come back as *FetchError with the body drained;
// RetryAfter on a 429 is already clamped to maxRetryAfter. The verifier
// shares it for detail fetches.
func Fetch(client *http.Client, req *http.Request, maxRetryAfter time.Duration) ([]byte, int, error) {
	resp, err := client.Do(req)
	if err != nil {
		kind := FailNetwork
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			kind = FailTimeout
		}
		return nil, 0, &FetchError{Kind: kind, URL: req.URL.String(), Err: err}
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if readErr != nil {
			kind := FailNetwork
			if errors.Is(readErr, context.DeadlineExceeded) || errors.Is(readErr, context.Canceled) {
				kind = FailTimeout
			}
			return nil, resp.StatusCode, &FetchError{Kind: kind, Status: resp.StatusCode, URL: req.URL.String(), Err: readErr}
		}
		return body, resp.StatusCode, nil
	}

	fe := &FetchError{
		Kind:   statusKind(resp.StatusCode),
		Status: resp.StatusCode,
		URL:    req.URL.String(),
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		fe.RetryAfter = clampRetryAfter(parseRetryAfter(resp.Header.Get("Retry-After")), maxRetryAfter, 0)
	}
	return body, resp.StatusCode, fe
}

// dedupeByURL keeps the first candidate per canonical URL.
func dedupeByURL(cands []Candidate) []Candidate {
	seen := make(map[string]bool, len(cands))
	out := cands[:0:0]
	for _, c := range cands {
		key := c.URL
		if key == "" {
			key = c.Title
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}
