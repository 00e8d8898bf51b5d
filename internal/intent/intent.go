// Package intent turns a raw user query into an IntentProfile: the cleaned
// query plus the closed-set matches (actors, procedures, issues, domains),
// statutory references, court hint, date window and retrieval directives
// every later stage keys off. A profile is immutable once built.
package intent

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"lexhound/internal/legaltext"
)

// CourtHint narrows retrieval to a court level.
type CourtHint string

const (
	CourtSC  CourtHint = "SC"
	CourtHC  CourtHint = "HC"
	CourtAny CourtHint = "ANY"
)

// DateWindow bounds decision dates, ISO dates or empty.
type DateWindow struct {
	FromDate string `json:"fromDate,omitempty"`
	ToDate   string `json:"toDate,omitempty"`
}

// Entities are the typed named entities found in the query.
type Entities struct {
	Persons       []string `json:"person,omitempty"`
	Orgs          []string `json:"org,omitempty"`
	Statutes      []string `json:"statute,omitempty"`
	Sections      []string `json:"section,omitempty"`
	CaseCitations []string `json:"case_citation,omitempty"`
}

// RetrievalIntent carries provider directives derived from the query.
type RetrievalIntent struct {
	CitationHints  []string `json:"citationHints,omitempty"`
	JudgeHints     []string `json:"judgeHints,omitempty"`
	DoctypeProfile string   `json:"doctypeProfile"`
}

// Profile is the structured reading of one query.
type Profile struct {
	RawQuery     string                     `json:"rawQuery"`
	CleanedQuery string                     `json:"cleanedQuery"`
	Domains      []string                   `json:"domains,omitempty"`
	Issues       []string                   `json:"issues,omitempty"`
	Procedures   []string                   `json:"procedures,omitempty"`
	Actors       []string                   `json:"actors,omitempty"`
	Statutes     []string                   `json:"statutes,omitempty"`
	Anchors      []string                   `json:"anchors,omitempty"`
	SoftHints    []string                   `json:"softHints,omitempty"`
	References   []legaltext.LegalReference `json:"-"`
	Entities     Entities                   `json:"entities"`
	Retrieval    RetrievalIntent            `json:"retrievalIntent"`
	DateWindow   DateWindow                 `json:"dateWindow"`
	CourtHint    CourtHint                  `json:"courtHint"`
}

// ContextView is the subset of the profile echoed in responses.
type ContextView struct {
	CleanedQuery string     `json:"cleanedQuery"`
	Domains      []string   `json:"domains,omitempty"`
	Issues       []string   `json:"issues,omitempty"`
	Procedures   []string   `json:"procedures,omitempty"`
	Actors       []string   `json:"actors,omitempty"`
	Statutes     []string   `json:"statutes,omitempty"`
	Anchors      []string   `json:"anchors,omitempty"`
	CourtHint    CourtHint  `json:"courtHint"`
	DateWindow   DateWindow `json:"dateWindow"`
}

// Context returns the response view of the profile.
func (p Profile) Context() ContextView {
	return ContextView{
		CleanedQuery: p.CleanedQuery,
		Domains:      p.Domains,
		Issues:       p.Issues,
		Procedures:   p.Procedures,
		Actors:       p.Actors,
		Statutes:     p.Statutes,
		Anchors:      p.Anchors,
		CourtHint:    p.CourtHint,
		DateWindow:   p.DateWindow,
	}
}

// Fingerprint is the stable cache key of the profile: cleaned query plus
// the sorted statutory tokens and the court hint.
func (p Profile) Fingerprint() string {
	tokens := make([]string, 0, len(p.References))
	for _, r := range p.References {
		tokens = append(tokens, r.Token)
	}
	sort.Strings(tokens)
	h := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s", p.CleanedQuery, strings.Join(tokens, ","), p.CourtHint))
	return hex.EncodeToString(h[:])[:16]
}

// =============================================================================
// DICTIONARIES
// =============================================================================

// Multi-word entries precede their substrings so the longest surface form
// is recorded.
var actorDictionary = []string{
	"public servant", "state government", "central government", "investigating officer",
	"state", "accused", "complainant", "appellant", "respondent", "petitioner",
	"government", "prosecution", "informant", "victim", "company", "director",
	"employer", "employee", "tenant", "landlord", "wife", "husband", "bank",
	"insurer", "borrower", "decree holder", "judgment debtor",
}

var procedureDictionary = []string{
	"appeal against acquittal", "appeal against conviction", "special leave petition",
	"criminal appeal", "civil appeal", "letters patent appeal",
	"condonation of delay", "delay condonation", "framing of charge",
	"anticipatory bail", "regular bail", "default bail", "writ petition",
	"revision", "review", "discharge", "quashing", "cognizance",
	"investigation", "remand", "committal", "compounding", "maintenance",
	"injunction", "execution", "probate", "restitution",
	"bail",
}

var issueDictionary = []string{
	"interaction", "delay condonation", "limitation", "sanction",
	"jurisdiction", "maintainability", "parity", "juvenility",
	"electronic evidence", "dying declaration", "circumstantial evidence",
	"test identification", "compromise", "settlement", "dowry death",
	"cheque dishonour", "cheque bounce", "corruption",
	"disproportionate assets", "custodial violence", "preventive detention",
	"double jeopardy", "res judicata", "adverse possession",
	"specific performance", "acquittal", "conviction",
}

var domainDictionary = []string{
	"criminal", "civil", "constitutional", "service", "tax", "family",
	"commercial", "labour", "arbitration",
}

// familyDomains infers a legal domain from statute families.
var familyDomains = map[string]string{
	"crpc": "criminal", "bnss": "criminal", "ipc": "criminal", "bns": "criminal",
	"pcact": "criminal", "ndps": "criminal", "pocso": "criminal", "uapa": "criminal",
	"cpc": "civil", "specificrelief": "civil", "tpact": "civil",
	"constitution": "constitutional", "incometax": "tax", "companies": "commercial",
	"niact": "commercial", "arbitration": "arbitration", "hma": "family",
	"dvact": "family", "seniorcitizens": "family", "mvact": "civil",
	"limitation": "", "evidence": "", "bsa": "", "itact": "",
}

var userModePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(?:please\s+)?(?:find|show|list|get|fetch|give)(?:\s+me)?\s+`),
	regexp.MustCompile(`^(?:i\s+(?:need|want|am looking for)\s+)`),
	regexp.MustCompile(`^(?:cases?|precedents?|judgments?|authorities)\s+(?:where|in which|on|for|about|regarding)\s+`),
	regexp.MustCompile(`^(?:search\s+for\s+)`),
	regexp.MustCompile(`\s+please$`),
}

var (
	judgePattern   = regexp.MustCompile(`justice\s+([a-z.]+(?:\s+[a-z.]+){0,2})`)
	versusPattern  = regexp.MustCompile(`([a-z][a-z\s.]{2,40}?)\s+(?:vs?\.?|versus)\s+([a-z][a-z\s.]{2,40}?)(?:[,.]|$)`)
	stateOfPattern = regexp.MustCompile(`state\s+of\s+[a-z]+`)
	yearPattern    = `(19|20)\d{2}`
	betweenYears   = regexp.MustCompile(`between\s+(` + yearPattern + `)\s+and\s+(` + yearPattern + `)`)
	fromToYears    = regexp.MustCompile(`from\s+(` + yearPattern + `)\s+to\s+(` + yearPattern + `)`)
	afterYear      = regexp.MustCompile(`(?:after|since|post)\s+(` + yearPattern + `)`)
	beforeYear     = regexp.MustCompile(`(?:before|prior to|pre)\s+(` + yearPattern + `)`)
	inYear         = regexp.MustCompile(`\bin\s+(` + yearPattern + `)\b`)
)

// =============================================================================
// EXTRACTOR
// =============================================================================

// Extractor builds profiles. V2 additionally extracts typed entities and
// judge hints.
type Extractor struct {
	V2 bool
}

// Extract parses the query. Pure and deterministic: equal inputs produce
// equal profiles.
func (e Extractor) Extract(rawQuery string) Profile {
	cleaned := stripUserMode(legaltext.NormalizeQuery(rawQuery))

	p := Profile{
		RawQuery:     rawQuery,
		CleanedQuery: cleaned,
	}

	p.References = legaltext.ExtractReferences(cleaned)
	for _, r := range p.References {
		if r.Kind == "notification" {
			continue
		}
		p.Statutes = append(p.Statutes, r.Phrase())
	}

	p.Actors = matchDictionary(cleaned, actorDictionary)
	p.Procedures = matchDictionary(cleaned, procedureDictionary)
	p.Issues = matchDictionary(cleaned, issueDictionary)
	p.Domains = e.domains(cleaned, p.References)
	p.CourtHint = courtHint(cleaned)
	p.DateWindow = dateWindow(cleaned)
	p.SoftHints = softHints(cleaned, p)

	if e.V2 {
		p.Entities = extractEntities(cleaned, p.References)
		p.Retrieval.CitationHints = legaltext.ExtractCitations(cleaned)
		p.Retrieval.JudgeHints = judgeHints(cleaned)
	}
	p.Retrieval.DoctypeProfile = doctypeFor(p.CourtHint)

	p.Anchors = buildAnchors(p)
	return p
}

func stripUserMode(cleaned string) string {
	prev := ""
	for cleaned != prev {
		prev = cleaned
		for _, pat := range userModePatterns {
			cleaned = pat.ReplaceAllString(cleaned, "")
		}
		cleaned = strings.TrimSpace(cleaned)
	}
	return cleaned
}

func matchDictionary(text string, dict []string) []string {
	var out []string
	for _, phrase := range dict {
		if containsPhrase(text, phrase) {
			out = append(out, phrase)
		}
	}
	return dedupeSubsumed(out)
}

// containsPhrase is a word-boundary substring check.
func containsPhrase(text, phrase string) bool {
	for start := 0; ; {
		i := strings.Index(text[start:], phrase)
		if i < 0 {
			return false
		}
		i += start
		beforeOK := i == 0 || !isWordByte(text[i-1])
		after := i + len(phrase)
		afterOK := after >= len(text) || !isWordByte(text[after])
		if beforeOK && afterOK {
			return true
		}
		start = i + 1
	}
}

func isWordByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= '0' && c <= '9'
}

// dedupeSubsumed removes entries fully contained in an earlier, longer
// entry ("bail" after "anticipatory bail").
func dedupeSubsumed(items []string) []string {
	var out []string
	for _, item := range items {
		subsumed := false
		for _, kept := range out {
			if strings.Contains(kept, item) {
				subsumed = true
				break
			}
		}
		if !subsumed {
			out = append(out, item)
		}
	}
	return out
}

func (e Extractor) domains(text string, refs []legaltext.LegalReference) []string {
	var out []string
	for _, d := range domainDictionary {
		if containsPhrase(text, d) {
			out = append(out, d)
		}
	}
	for _, r := range refs {
		if d := familyDomains[r.Family]; d != "" {
			out = append(out, d)
		}
	}
	return legaltext.UniqueStrings(out)
}

func courtHint(text string) CourtHint {
	sc := containsPhrase(text, "supreme court") || containsPhrase(text, "apex court") || containsPhrase(text, "sc")
	hc := containsPhrase(text, "high court") || containsPhrase(text, "hc") ||
		strings.Contains(text, "high court of")
	switch {
	case sc && !hc:
		return CourtSC
	case hc && !sc:
		return CourtHC
	default:
		return CourtAny
	}
}

func doctypeFor(hint CourtHint) string {
	switch hint {
	case CourtSC:
		return "supremecourt"
	case CourtHC:
		return "highcourts"
	default:
		return "judgments_sc_hc_tribunal"
	}
}

func dateWindow(text string) DateWindow {
	if m := betweenYears.FindStringSubmatch(text); m != nil {
		return DateWindow{FromDate: m[1] + "-01-01", ToDate: m[3] + "-12-31"}
	}
	if m := fromToYears.FindStringSubmatch(text); m != nil {
		return DateWindow{FromDate: m[1] + "-01-01", ToDate: m[3] + "-12-31"}
	}
	var w DateWindow
	if m := afterYear.FindStringSubmatch(text); m != nil {
		w.FromDate = m[1] + "-01-01"
	}
	if m := beforeYear.FindStringSubmatch(text); m != nil {
		w.ToDate = m[1] + "-12-31"
	}
	if w.FromDate == "" && w.ToDate == "" {
		if m := inYear.FindStringSubmatch(text); m != nil {
			w.FromDate = m[1] + "-01-01"
			w.ToDate = m[1] + "-12-31"
		}
	}
	return w
}

func extractEntities(text string, refs []legaltext.LegalReference) Entities {
	var ent Entities
	for _, m := range versusPattern.FindAllStringSubmatch(text, -1) {
		ent.Persons = append(ent.Persons, strings.TrimSpace(m[1]), strings.TrimSpace(m[2]))
	}
	ent.Orgs = legaltext.UniqueStrings(stateOfPattern.FindAllString(text, -1))
	for _, r := range refs {
		switch r.Kind {
		case "section", "article", "order_rule":
			ent.Sections = append(ent.Sections, r.Token)
		case "act":
			ent.Statutes = append(ent.Statutes, r.Family)
		}
	}
	ent.CaseCitations = legaltext.ExtractCitations(text)
	ent.Persons = legaltext.UniqueStrings(ent.Persons)
	return ent
}

// judgeNameStops end a judge-name capture once the sentence moves on.
var judgeNameStops = map[string]bool{
	"on": true, "in": true, "and": true, "or": true, "for": true,
	"of": true, "the": true, "held": true, "observed": true,
}

func judgeHints(text string) []string {
	var out []string
	for _, m := range judgePattern.FindAllStringSubmatch(text, -1) {
		var name []string
		for _, word := range strings.Fields(m[1]) {
			if judgeNameStops[word] {
				break
			}
			name = append(name, word)
		}
		if len(name) > 0 {
			out = append(out, "justice "+strings.Join(name, " "))
		}
	}
	return legaltext.UniqueStrings(out)
}

// softHints are leading bigrams of the cleaned query not already captured
// by a dictionary or statute match. They bias ranking without gating.
func softHints(cleaned string, p Profile) []string {
	covered := strings.Join(p.Actors, " ") + " " + strings.Join(p.Procedures, " ") + " " +
		strings.Join(p.Issues, " ") + " " + strings.Join(p.Statutes, " ")
	coveredSet := legaltext.TokenSet(covered)

	tokens := legaltext.Tokenize(cleaned)
	var out []string
	for _, bg := range legaltext.Ngrams(tokens, 2) {
		parts := strings.SplitN(bg, " ", 2)
		if coveredSet[parts[0]] || coveredSet[parts[1]] {
			continue
		}
		if isNumeric(parts[0]) || isNumeric(parts[1]) {
			continue
		}
		out = append(out, bg)
		if len(out) == 4 {
			break
		}
	}
	return out
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// buildAnchors unions statutes, procedures, actors, issues and soft hints,
// bounded to 12 terms.
func buildAnchors(p Profile) []string {
	var anchors []string
	anchors = append(anchors, p.Statutes...)
	anchors = append(anchors, p.Procedures...)
	anchors = append(anchors, p.Actors...)
	anchors = append(anchors, p.Issues...)
	anchors = append(anchors, p.SoftHints...)
	return legaltext.Truncate(legaltext.UniqueStrings(anchors), 12)
}
