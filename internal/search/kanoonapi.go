package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"lexhound/internal/config"
	"lexhound/internal/intent"
	"lexhound/internal/planner"
)

// HybridEngine fuses a provider's lexical rows with semantic recall. The
// hybrid engine implements it; a nil engine leaves the provider lexical-only.
// Shadow-capture behaviour lives behind the implementation: in shadow mode
// the returned slice equals the lexical input and only debug counts change.
type HybridEngine interface {
	Search(ctx context.Context, phrase string, lexical []Candidate, debug *DebugRecord) []Candidate
}

const (
	maxMustHaves  = 3
	maxExclusions = 2
	maxExpansions = 3
)

// KanoonAPI is the structured JSON provider over the source index's search,
// docfragment and docmeta endpoints.
type KanoonAPI struct {
	log       *zap.Logger
	cfg       config.RetrievalConfig
	flags     config.Flags
	client    *http.Client
	cooldowns *Cooldowns
	hybrid    HybridEngine
}

// NewKanoonAPI builds the provider. The cooldown map is shared across
// providers so a caller-scoped block applies to every request in flight.
func NewKanoonAPI(log *zap.Logger, cfg config.RetrievalConfig, flags config.Flags, cooldowns *Cooldowns) *KanoonAPI {
	return &KanoonAPI{
		log:       log.Named("kanoon_api"),
		cfg:       cfg,
		flags:     flags,
		client:    &http.Client{Timeout: cfg.APITimeout},
		cooldowns: cooldowns,
	}
}

// SetHybrid wires the fused-retrieval engine. Must be called before Search.
func (p *KanoonAPI) SetHybrid(h HybridEngine) { p.hybrid = h }

func (p *KanoonAPI) Name() string { return ScopeKanoonAPI }

// apiRow is one raw search hit. tid is numeric in the payload.
type apiRow struct {
	TID         json.Number `json:"tid"`
	Title       string      `json:"title"`
	Headline    string      `json:"headline"`
	DocSource   string      `json:"docsource"`
	PublishDate string      `json:"publishdate"`
	NumCites    int         `json:"numcites"`
	NumCitedBy  int         `json:"numcitedby"`
	Author      string      `json:"author"`
	Bench       string      `json:"bench"`
}

type apiSearchResponse struct {
	Docs  []apiRow `json:"docs"`
	Found string   `json:"found"`
}

type docfragmentResponse struct {
	TID      json.Number `json:"tid"`
	Title    string      `json:"title"`
	Headline []string    `json:"headline"`
}

type docmetaResponse struct {
	TID         json.Number `json:"tid"`
	Title       string      `json:"title"`
	DocSource   string      `json:"docsource"`
	PublishDate string      `json:"publishdate"`
	NumCites    int         `json:"numcites"`
	NumCitedBy  int         `json:"numcitedby"`
	Author      string      `json:"author"`
	Bench       string      `json:"bench"`
}

// Search issues one structured query and normalises the rows. Top rows are
// enriched through docfragment/docmeta when the flag is on, and the hybrid
// engine gets the final word when wired.
func (p *KanoonAPI) Search(ctx context.Context, in Input) (Output, error) {
	debug := DebugRecord{Source: ScopeKanoonAPI, FetchTimeoutMs: p.cfg.APITimeout.Milliseconds()}

	if remaining, blockedType, blocked := p.cooldowns.Blocked(ScopeKanoonAPI); blocked {
		debug.BlockedType = blockedType
		debug.RetryAfterMs = remaining.Milliseconds()
		return Output{Debug: debug}, ErrBlocked
	}

	compiled := CompileStructuredQuery(in.Variant, in.DateWindow, p.flags)
	debug.CompiledQuery = compiled

	start := time.Now()
	body, status, err := p.fetchWithRetry(ctx, p.searchURL(compiled))
	debug.Status = status
	debug.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		p.recordFailure(&debug, err)
		return Output{Debug: debug}, err
	}

	var payload apiSearchResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		debug.Error = "decode: " + err.Error()
		return Output{Debug: debug}, &FetchError{Kind: FailParseEmpty, Status: status, URL: p.searchURL(compiled), Err: err}
	}
	debug.RawCount = len(payload.Docs)

	cands := p.normalizeRows(payload.Docs, in)
	cands = dedupeByURL(cands)
	if in.MaxResults > 0 && len(cands) > in.MaxResults {
		cands = cands[:in.MaxResults]
	}
	debug.ParsedCount = len(cands)
	if debug.RawCount == 0 {
		debug.NoMatch = true
	}

	if p.flags.IKDocmetaEnrichV1 && len(cands) > 0 {
		p.enrichTop(ctx, cands, in.Variant.Phrase)
	}

	if p.hybrid != nil {
		cands = p.hybrid.Search(ctx, in.Variant.Phrase, cands, &debug)
	}

	p.log.Debug("api search done",
		zap.String("variant", in.Variant.ID),
		zap.Int("raw", debug.RawCount),
		zap.Int("parsed", len(cands)))
	return Output{Cases: cands, Debug: debug}, nil
}

func (p *KanoonAPI) searchURL(compiled string) string {
	return strings.TrimRight(p.cfg.IKAPIBaseURL, "/") + "/search/?formInput=" +
		url.QueryEscape(compiled) + "&pagenum=0"
}

// fetchWithRetry POSTs the endpoint, retrying a 429 at most Max429Retries
// times when the hinted wait fits inside the context budget. A 429 that
// cannot be absorbed sets the scope cooldown before surfacing.
func (p *KanoonAPI) fetchWithRetry(ctx context.Context, endpoint string) ([]byte, int, error) {
	attempts := 0
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
		if err != nil {
			return nil, 0, &FetchError{Kind: FailUnknown, URL: endpoint, Err: err}
		}
		req.Header.Set("Authorization", "Token "+p.cfg.IKAPIToken)
		req.Header.Set("Accept", "application/json")

		body, status, err := Fetch(p.client, req, p.cfg.MaxRetryAfter)
		if err == nil {
			return body, status, nil
		}
		if KindOf(err) != Fail429 {
			return body, status, err
		}

		fe := err.(*FetchError)
		wait := clampRetryAfter(fe.RetryAfter, p.cfg.MaxRetryAfter, p.cfg.Cooldown)
		if attempts < p.cfg.Max429Retries && fe.RetryAfter > 0 && sleepFits(ctx, fe.RetryAfter) {
			attempts++
			select {
			case <-time.After(fe.RetryAfter):
				continue
			case <-ctx.Done():
				return nil, status, &FetchError{Kind: FailTimeout, URL: endpoint, Err: ctx.Err()}
			}
		}
		p.cooldowns.Set(ScopeKanoonAPI, wait, BlockedLocalCooldown)
		return body, status, fe
	}
}

// sleepFits reports whether waiting d leaves headroom before the deadline.
func sleepFits(ctx context.Context, d time.Duration) bool {
	deadline, ok := ctx.Deadline()
	if !ok {
		return true
	}
	return time.Until(deadline) > d+500*time.Millisecond
}

func (p *KanoonAPI) recordFailure(debug *DebugRecord, err error) {
	debug.Error = err.Error()
	switch KindOf(err) {
	case Fail429:
		debug.RateLimited = true
		debug.BlockedType = BlockedRateLimit
		var fe *FetchError
		if errors.As(err, &fe) && fe.RetryAfter > 0 {
			debug.RetryAfterMs = fe.RetryAfter.Milliseconds()
		}
	case FailTimeout:
		debug.TimedOut = true
	}
}

func (p *KanoonAPI) normalizeRows(rows []apiRow, in Input) []Candidate {
	profile := in.Variant.Directives.DoctypeProfile
	out := make([]Candidate, 0, len(rows))
	for _, row := range rows {
		title := strings.TrimSpace(cleanSnippet(row.Title))
		if weakTitle(title) {
			continue
		}
		if profile != "any" && (statuteLikeTitle(title) || statutorySource(row.DocSource)) {
			continue
		}
		court, courtText := courtFromText(row.DocSource)
		if courtText == "" {
			courtText = strings.TrimSpace(row.DocSource)
		}
		docID := row.TID.String()
		c := Candidate{
			Source:       ScopeKanoonAPI,
			Title:        title,
			URL:          docURL(p.cfg.IKWebBaseURL, docID),
			Snippet:      cleanSnippet(row.Headline),
			Court:        court,
			CourtText:    courtText,
			CitesCount:   row.NumCites,
			CitedByCount: row.NumCitedBy,
			Author:       strings.TrimSpace(row.Author),
			Bench:        strings.TrimSpace(row.Bench),
			DocID:        docID,
			DecisionDate: row.PublishDate,
			Retrieval:    RetrievalMeta{SourceTags: []string{string(in.Variant.Phase)}},
		}
		out = append(out, c)
	}
	return out
}

// statutorySource flags docsource values that are bare legislation, not a
// court or tribunal.
func statutorySource(source string) bool {
	low := strings.ToLower(strings.TrimSpace(source))
	if low == "" {
		return false
	}
	if strings.Contains(low, "court") || strings.Contains(low, "tribunal") || strings.Contains(low, "commission") {
		return false
	}
	return strings.HasSuffix(low, "government act") || low == "constitution of india" ||
		strings.HasSuffix(low, " rules") || strings.HasSuffix(low, " regulations")
}

func docURL(webBase, docID string) string {
	return strings.TrimRight(webBase, "/") + "/doc/" + docID + "/"
}

// enrichTop fetches docfragment and docmeta for the top rows with bounded
// concurrency. Enrichment is best-effort: failures leave the row as-is.
func (p *KanoonAPI) enrichTop(ctx context.Context, cands []Candidate, phrase string) {
	topN := p.cfg.DocTopN
	if topN <= 0 || topN > len(cands) {
		topN = len(cands)
	}
	workers := p.cfg.DocConcurrency
	if workers <= 0 {
		workers = 1
	}
	if workers > topN {
		workers = topN
	}

	idx := make(chan int, topN)
	for i := 0; i < topN; i++ {
		idx <- i
	}
	close(idx)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range idx {
				p.enrichOne(ctx, &cands[i], phrase)
			}
		}()
	}
	wg.Wait()
}

func (p *KanoonAPI) enrichOne(ctx context.Context, c *Candidate, phrase string) {
	if c.DocID == "" {
		return
	}
	fctx, cancel := context.WithTimeout(ctx, p.cfg.DocfragmentTimeout)
	defer cancel()

	if frags, err := p.docfragment(fctx, c.DocID, phrase); err == nil && len(frags) > 0 {
		c.Snippet = cleanSnippet(strings.Join(frags, " … "))
	} else if err != nil {
		p.log.Debug("docfragment enrich skipped", zap.String("docId", c.DocID), zap.Error(err))
	}

	meta, err := p.docmeta(fctx, c.DocID)
	if err != nil {
		p.log.Debug("docmeta enrich skipped", zap.String("docId", c.DocID), zap.Error(err))
		return
	}
	if c.Author == "" {
		c.Author = strings.TrimSpace(meta.Author)
	}
	if c.Bench == "" {
		c.Bench = strings.TrimSpace(meta.Bench)
	}
	if c.DecisionDate == "" {
		c.DecisionDate = meta.PublishDate
	}
	if meta.NumCitedBy > c.CitedByCount {
		c.CitedByCount = meta.NumCitedBy
	}
	if c.Court == CourtUnknown && meta.DocSource != "" {
		c.Court, c.CourtText = courtFromText(meta.DocSource)
		if c.CourtText == "" {
			c.CourtText = strings.TrimSpace(meta.DocSource)
		}
	}
}

func (p *KanoonAPI) docfragment(ctx context.Context, docID, phrase string) ([]string, error) {
	endpoint := strings.TrimRight(p.cfg.IKAPIBaseURL, "/") + "/docfragment/" + docID +
		"/?formInput=" + url.QueryEscape(phrase)
	body, _, err := p.post(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	var payload docfragmentResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("docfragment decode: %w", err)
	}
	return payload.Headline, nil
}

func (p *KanoonAPI) docmeta(ctx context.Context, docID string) (docmetaResponse, error) {
	endpoint := strings.TrimRight(p.cfg.IKAPIBaseURL, "/") + "/docmeta/" + docID + "/"
	body, _, err := p.post(ctx, endpoint)
	if err != nil {
		return docmetaResponse{}, err
	}
	var payload docmetaResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return docmetaResponse{}, fmt.Errorf("docmeta decode: %w", err)
	}
	return payload, nil
}

func (p *KanoonAPI) post(ctx context.Context, endpoint string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, 0, &FetchError{Kind: FailUnknown, URL: endpoint, Err: err}
	}
	req.Header.Set("Authorization", "Token "+p.cfg.IKAPIToken)
	req.Header.Set("Accept", "application/json")
	return Fetch(p.client, req, p.cfg.MaxRetryAfter)
}

// ===== STRUCTURED QUERY COMPILATION =====

// CompileStructuredQuery renders a variant as the index's operator syntax:
// base phrase, bounded ANDD must-haves, an ORR block for expansion variants,
// and ANDD NOTT exclusions only in precision with at least two must-haves.
// Date, doctype, title, cite, author and bench parameters ride alongside.
func CompileStructuredQuery(v planner.QueryVariant, window intent.DateWindow, flags config.Flags) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(v.Phrase))
	d := v.Directives

	if flags.IKStructuredQueryV2 {
		musts := boundTerms(v.MustIncludeTokens, maxMustHaves)
		for _, t := range musts {
			b.WriteString(" ANDD ")
			b.WriteString(quoteIfPhrase(t))
		}
		if d.QueryMode == planner.ModeExpansion {
			if exp := boundTerms(d.CategoryExpansions, maxExpansions); len(exp) > 1 {
				b.WriteString(" ANDD (")
				for i, t := range exp {
					if i > 0 {
						b.WriteString(" ORR ")
					}
					b.WriteString(quoteIfPhrase(t))
				}
				b.WriteString(")")
			}
		}
		if d.QueryMode == planner.ModePrecision && len(musts) >= 2 && d.ApplyContradictionExclusions {
			for _, t := range boundTerms(v.MustExcludeTokens, maxExclusions) {
				b.WriteString(" ANDD NOTT ")
				b.WriteString(quoteIfPhrase(t))
			}
		}
	}

	if dt := doctypesParam(d.DoctypeProfile); dt != "" {
		b.WriteString(" doctypes:" + dt)
	}
	if window.FromDate != "" {
		b.WriteString(" fromdate:" + indexDate(window.FromDate))
	}
	if window.ToDate != "" {
		b.WriteString(" todate:" + indexDate(window.ToDate))
	}
	for _, t := range boundTerms(d.TitleTerms, 2) {
		b.WriteString(" title:" + quoteIfPhrase(t))
	}
	for _, t := range boundTerms(d.CiteTerms, 2) {
		b.WriteString(" cite:" + quoteIfPhrase(t))
	}
	for _, t := range boundTerms(d.AuthorTerms, 1) {
		b.WriteString(" author:" + quoteIfPhrase(t))
	}
	for _, t := range boundTerms(d.BenchTerms, 1) {
		b.WriteString(" bench:" + quoteIfPhrase(t))
	}
	return b.String()
}

func boundTerms(terms []string, max int) []string {
	out := make([]string, 0, max)
	seen := make(map[string]bool, max)
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" || seen[strings.ToLower(t)] {
			continue
		}
		seen[strings.ToLower(t)] = true
		out = append(out, t)
		if len(out) == max {
			break
		}
	}
	return out
}

func quoteIfPhrase(t string) string {
	if strings.ContainsAny(t, " \t") {
		return `"` + t + `"`
	}
	return t
}

// doctypesParam maps a directive profile onto the index's doctypes value.
func doctypesParam(profile string) string {
	switch profile {
	case "supremecourt":
		return "supremecourt"
	case "highcourts":
		return "highcourts"
	case "judgments_sc_hc_tribunal":
		return "supremecourt,highcourts,tribunals"
	case "any", "":
		return ""
	default:
		return profile
	}
}

// indexDate converts ISO YYYY-MM-DD to the index's D-M-YYYY form.
func indexDate(iso string) string {
	parts := strings.SplitN(iso, "-", 3)
	if len(parts) != 3 {
		return iso
	}
	day := strings.TrimLeft(parts[2], "0")
	month := strings.TrimLeft(parts[1], "0")
	if day == "" {
		day = "1"
	}
	if month == "" {
		month = "1"
	}
	return day + "-" + month + "-" + parts[0]
}
