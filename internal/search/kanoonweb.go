package search

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"lexhound/internal/config"
)

// Parser modes, tried in order until one yields rows.
const (
	parserResultTitle = "result_title"
	parserResultBlock = "result_block"
	parserAnchorScan  = "anchor_scan"
	parserRegex       = "regex"
)

const webUserAgent = "Mozilla/5.0 (compatible; lexhound/1.0)"

// KanoonWeb scrapes the source index's HTML search pages. It is the
// fallback lane when the JSON API is unavailable or rate limited.
type KanoonWeb struct {
	log       *zap.Logger
	cfg       config.RetrievalConfig
	client    *http.Client
	cooldowns *Cooldowns
}

func NewKanoonWeb(log *zap.Logger, cfg config.RetrievalConfig, cooldowns *Cooldowns) *KanoonWeb {
	return &KanoonWeb{
		log:       log.Named("kanoon_web"),
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.WebTimeout},
		cooldowns: cooldowns,
	}
}

func (p *KanoonWeb) Name() string { return ScopeKanoonWeb }

// Search walks result pages up to the page cap within the wall-clock
// budget. A 429 or challenge stops the walk, sets the scope cooldown and
// keeps whatever earlier pages yielded.
func (p *KanoonWeb) Search(ctx context.Context, in Input) (Output, error) {
	debug := DebugRecord{Source: ScopeKanoonWeb, FetchTimeoutMs: p.cfg.WebTimeout.Milliseconds()}

	if remaining, blockedType, blocked := p.cooldowns.Blocked(ScopeKanoonWeb); blocked {
		debug.BlockedType = blockedType
		debug.RetryAfterMs = remaining.Milliseconds()
		return Output{Debug: debug}, ErrBlocked
	}

	compiled := p.compileWebQuery(in)
	debug.CompiledQuery = compiled

	budget := time.Now().Add(p.cfg.PageBudget)
	wctx, cancel := context.WithDeadline(ctx, budget)
	defer cancel()

	var rows []parsedRow
	var walkErr error
	start := time.Now()

	for page := 0; page < p.cfg.PageCap; page++ {
		if time.Now().After(budget) {
			break
		}
		pageURL := p.pageURL(compiled, page)
		body, status, err := p.fetchPage(wctx, pageURL)
		debug.Status = status
		debug.PagesScanned = page + 1

		// Challenges ride on 403/503 as often as on 200, so sniff the body
		// before classifying the status.
		if DetectChallenge(body) {
			p.cooldowns.Set(ScopeKanoonWeb, p.cfg.ChallengeCooldown, BlockedChallenge)
			debug.Challenge = true
			debug.BlockedType = BlockedChallenge
			walkErr = &FetchError{Kind: Fail403, Status: status, URL: pageURL}
			break
		}
		if err != nil {
			walkErr = p.handleWalkError(&debug, err)
			break
		}
		if noMatchPage(body) {
			debug.NoMatch = page == 0 && len(rows) == 0
			break
		}

		pageRows, mode := parseResultPage(body)
		if debug.ParserMode == "" && mode != "" {
			debug.ParserMode = mode
		}
		if len(pageRows) == 0 {
			break
		}
		rows = append(rows, pageRows...)
		if in.MaxResults > 0 && len(rows) >= in.MaxResults {
			break
		}
	}
	debug.LatencyMs = time.Since(start).Milliseconds()
	debug.RawCount = len(rows)

	cands := p.normalizeRows(rows, in)
	cands = dedupeByURL(cands)
	if in.MaxResults > 0 && len(cands) > in.MaxResults {
		cands = cands[:in.MaxResults]
	}
	debug.ParsedCount = len(cands)

	if len(cands) == 0 && walkErr != nil {
		return Output{Debug: debug}, walkErr
	}
	p.log.Debug("web search done",
		zap.String("variant", in.Variant.ID),
		zap.Int("pages", debug.PagesScanned),
		zap.Int("parsed", len(cands)))
	return Output{Cases: cands, Debug: debug}, nil
}

// handleWalkError classifies a page failure, sets cooldowns for rate limits
// and returns the error the caller should surface when nothing was parsed.
func (p *KanoonWeb) handleWalkError(debug *DebugRecord, err error) error {
	debug.Error = err.Error()
	switch KindOf(err) {
	case Fail429:
		debug.RateLimited = true
		debug.BlockedType = BlockedRateLimit
		wait := p.cfg.Cooldown
		var fe *FetchError
		if errors.As(err, &fe) && fe.RetryAfter > 0 {
			wait = clampRetryAfter(fe.RetryAfter, p.cfg.MaxRetryAfter, p.cfg.Cooldown)
			debug.RetryAfterMs = fe.RetryAfter.Milliseconds()
		}
		p.cooldowns.Set(ScopeKanoonWeb, wait, BlockedLocalCooldown)
	case FailTimeout:
		debug.TimedOut = true
	}
	return err
}

func (p *KanoonWeb) compileWebQuery(in Input) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(in.Variant.Phrase))
	for _, t := range boundTerms(in.Variant.MustIncludeTokens, 2) {
		b.WriteString(" " + t)
	}
	if dt := doctypesParam(in.Variant.Directives.DoctypeProfile); dt != "" {
		b.WriteString(" doctypes:" + dt)
	}
	if in.DateWindow.FromDate != "" {
		b.WriteString(" fromdate:" + indexDate(in.DateWindow.FromDate))
	}
	if in.DateWindow.ToDate != "" {
		b.WriteString(" todate:" + indexDate(in.DateWindow.ToDate))
	}
	return b.String()
}

func (p *KanoonWeb) pageURL(compiled string, page int) string {
	return strings.TrimRight(p.cfg.IKWebBaseURL, "/") + "/search/?formInput=" +
		url.QueryEscape(compiled) + "&pagenum=" + strconv.Itoa(page)
}

func (p *KanoonWeb) fetchPage(ctx context.Context, pageURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, 0, &FetchError{Kind: FailUnknown, URL: pageURL, Err: err}
	}
	req.Header.Set("User-Agent", webUserAgent)
	req.Header.Set("Accept", "text/html")
	return Fetch(p.client, req, p.cfg.MaxRetryAfter)
}

func (p *KanoonWeb) normalizeRows(rows []parsedRow, in Input) []Candidate {
	profile := in.Variant.Directives.DoctypeProfile
	out := make([]Candidate, 0, len(rows))
	for _, row := range rows {
		title := strings.TrimSpace(row.title)
		if weakTitle(title) {
			continue
		}
		if profile != "any" && statuteLikeTitle(title) {
			continue
		}
		canonURL := CanonicalDocURL(row.href, p.cfg.IKWebBaseURL)
		court, courtText := courtFromText(row.source + " " + title)
		if courtText == "" {
			courtText = strings.TrimSpace(row.source)
		}
		out = append(out, Candidate{
			Source:       ScopeKanoonWeb,
			Title:        title,
			URL:          canonURL,
			Snippet:      strings.TrimSpace(row.snippet),
			Court:        court,
			CourtText:    courtText,
			DocID:        DocIDFromURL(canonURL),
			DecisionDate: row.date,
			Retrieval:    RetrievalMeta{SourceTags: []string{string(in.Variant.Phase)}},
		})
	}
	return out
}

// ===== CHALLENGE / NO-MATCH DETECTION =====

var challengeMarkers = []string{"just a moment", "cloudflare", "cf-chl", "attention required"}

// DetectChallenge reports whether a response body is an anti-bot challenge
// page rather than search results.
func DetectChallenge(body []byte) bool {
	low := strings.ToLower(string(body))
	for _, marker := range challengeMarkers {
		if strings.Contains(low, marker) {
			return true
		}
	}
	return false
}

func noMatchPage(body []byte) bool {
	return strings.Contains(strings.ToLower(string(body)), "no matching results")
}

// ===== PARSERS =====

// parsedRow is one raw hit before normalisation.
type parsedRow struct {
	title   string
	href    string
	snippet string
	source  string
	date    string
}

// parseResultPage runs the parser ladder and reports which mode produced
// rows. The page layout has shifted over the years; each mode targets one
// known generation of it.
func parseResultPage(body []byte) ([]parsedRow, string) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err == nil {
		if rows := parseResultTitles(doc); len(rows) > 0 {
			return rows, parserResultTitle
		}
		if rows := parseResultBlocks(doc); len(rows) > 0 {
			return rows, parserResultBlock
		}
		if rows := parseDocAnchors(doc); len(rows) > 0 {
			return rows, parserAnchorScan
		}
	}
	if rows := parseRegexRows(body); len(rows) > 0 {
		return rows, parserRegex
	}
	return nil, ""
}

// parseResultTitles targets div.result_title anchors with sibling headline
// blocks.
func parseResultTitles(doc *html.Node) []parsedRow {
	var rows []parsedRow
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "div" && hasClass(n, "result_title") {
			if a := findDocAnchor(n); a != nil {
				row := parsedRow{title: nodeText(a), href: attrVal(a, "href")}
				fillSiblingMeta(n, &row)
				rows = append(rows, row)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return rows
}

// parseResultBlocks targets whole div.result containers.
func parseResultBlocks(doc *html.Node) []parsedRow {
	var rows []parsedRow
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "div" && hasClass(n, "result") {
			if a := findDocAnchor(n); a != nil {
				rows = append(rows, parsedRow{
					title:   nodeText(a),
					href:    attrVal(a, "href"),
					snippet: classText(n, "headline"),
					source:  classText(n, "docsource"),
					date:    classText(n, "publishdate"),
				})
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return rows
}

// parseDocAnchors scans every document anchor on the page.
func parseDocAnchors(doc *html.Node) []parsedRow {
	var rows []parsedRow
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			href := attrVal(n, "href")
			if docURLPattern.MatchString(href) {
				if text := nodeText(n); text != "" {
					rows = append(rows, parsedRow{title: text, href: href})
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return rows
}

var regexRowPattern = regexp.MustCompile(`(?is)<a[^>]+href="(/doc(?:fragment)?/\d+/[^"]*)"[^>]*>(.*?)</a>`)

// parseRegexRows is the parser of last resort over raw bytes.
func parseRegexRows(body []byte) []parsedRow {
	matches := regexRowPattern.FindAllSubmatch(body, -1)
	rows := make([]parsedRow, 0, len(matches))
	for _, m := range matches {
		title := strings.TrimSpace(stripTags(string(m[2])))
		if title == "" {
			continue
		}
		rows = append(rows, parsedRow{title: title, href: string(m[1])})
	}
	return rows
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

func stripTags(s string) string {
	return strings.Join(strings.Fields(tagPattern.ReplaceAllString(s, " ")), " ")
}

// fillSiblingMeta reads headline/docsource/publishdate blocks that follow a
// result_title div.
func fillSiblingMeta(titleDiv *html.Node, row *parsedRow) {
	for sib := titleDiv.NextSibling; sib != nil; sib = sib.NextSibling {
		if sib.Type != html.ElementNode {
			continue
		}
		switch {
		case hasClass(sib, "headline"):
			row.snippet = nodeText(sib)
		case hasClass(sib, "docsource"):
			row.source = nodeText(sib)
		case hasClass(sib, "publishdate"):
			row.date = nodeText(sib)
		case hasClass(sib, "result_title"):
			return
		}
	}
}

func findDocAnchor(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.Data == "a" && docURLPattern.MatchString(attrVal(n, "href")) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if a := findDocAnchor(c); a != nil {
			return a
		}
	}
	return nil
}

func classText(n *html.Node, class string) string {
	var found string
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if found != "" {
			return
		}
		if node.Type == html.ElementNode && hasClass(node, class) {
			found = nodeText(node)
			return
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return found
}

func hasClass(n *html.Node, class string) bool {
	for _, f := range strings.Fields(attrVal(n, "class")) {
		if f == class {
			return true
		}
	}
	return false
}

func attrVal(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}
