package legaltext

import (
	"fmt"
	"regexp"
	"strings"
)

// LegalReference is one parsed statutory hook.
type LegalReference struct {
	// Kind is one of section, article, order_rule, act, notification.
	Kind string
	// Number is the normalised section/article number, e.g. "148a",
	// "318(4)". Empty for bare act references.
	Number string
	// Family is the canonical act family, e.g. "crpc", "ipc", "pcact".
	Family string
	// Raw is the text as matched.
	Raw string
	// Token is the canonical cache-stable token, e.g. "s148a_crpc",
	// "art226_constitution", "o39r1_cpc".
	Token string
	// HardInclude lists tokens a precision query must carry for this
	// reference, e.g. ["197", "crpc"].
	HardInclude []string
}

// Phrase renders the reference as a searchable phrase.
func (r LegalReference) Phrase() string {
	switch r.Kind {
	case "section":
		if r.Family == "" {
			return "section " + r.Number
		}
		return fmt.Sprintf("section %s %s", r.Number, familyPhrase(r.Family))
	case "article":
		return "article " + r.Number
	case "act":
		return familyPhrase(r.Family)
	default:
		return r.Raw
	}
}

// =============================================================================
// ACT FAMILIES
// =============================================================================

// familyAliases maps surface act spellings to a canonical family key.
// Order matters: longer aliases precede their substrings so prefix
// resolution picks the most specific spelling.
var familyAliases = []struct {
	alias  string
	family string
}{
	{"code of criminal procedure", "crpc"},
	{"criminal procedure code", "crpc"},
	{"cr.p.c.", "crpc"},
	{"cr.p.c", "crpc"},
	{"crpc", "crpc"},
	{"bharatiya nagarik suraksha sanhita", "bnss"},
	{"bnss", "bnss"},
	{"indian penal code", "ipc"},
	{"i.p.c.", "ipc"},
	{"i.p.c", "ipc"},
	{"ipc", "ipc"},
	{"bharatiya nyaya sanhita", "bns"},
	{"bns", "bns"},
	{"code of civil procedure", "cpc"},
	{"civil procedure code", "cpc"},
	{"c.p.c.", "cpc"},
	{"cpc", "cpc"},
	{"prevention of corruption act", "pcact"},
	{"p.c. act", "pcact"},
	{"pc act", "pcact"},
	{"negotiable instruments act", "niact"},
	{"n.i. act", "niact"},
	{"ni act", "niact"},
	{"limitation act", "limitation"},
	{"indian evidence act", "evidence"},
	{"evidence act", "evidence"},
	{"bharatiya sakshya adhiniyam", "bsa"},
	{"information technology act", "itact"},
	{"it act", "itact"},
	{"constitution of india", "constitution"},
	{"constitution", "constitution"},
	{"arbitration and conciliation act", "arbitration"},
	{"arbitration act", "arbitration"},
	{"sarfaesi act", "sarfaesi"},
	{"sarfaesi", "sarfaesi"},
	{"ndps act", "ndps"},
	{"pocso act", "pocso"},
	{"pocso", "pocso"},
	{"companies act", "companies"},
	{"income tax act", "incometax"},
	{"motor vehicles act", "mvact"},
	{"domestic violence act", "dvact"},
	{"juvenile justice act", "jjact"},
	{"specific relief act", "specificrelief"},
	{"transfer of property act", "tpact"},
	{"hindu marriage act", "hma"},
	{"senior citizens act", "seniorcitizens"},
	{"uapa", "uapa"},
}

var familyDisplay = map[string]string{
	"crpc":           "crpc",
	"bnss":           "bnss",
	"ipc":            "ipc",
	"bns":            "bns",
	"cpc":            "cpc",
	"pcact":          "pc act",
	"niact":          "ni act",
	"limitation":     "limitation act",
	"evidence":       "evidence act",
	"bsa":            "bharatiya sakshya adhiniyam",
	"itact":          "it act",
	"constitution":   "constitution",
	"arbitration":    "arbitration act",
	"sarfaesi":       "sarfaesi",
	"ndps":           "ndps act",
	"pocso":          "pocso act",
	"companies":      "companies act",
	"incometax":      "income tax act",
	"mvact":          "motor vehicles act",
	"dvact":          "domestic violence act",
	"jjact":          "juvenile justice act",
	"specificrelief": "specific relief act",
	"tpact":          "transfer of property act",
	"hma":            "hindu marriage act",
	"seniorcitizens": "senior citizens act",
	"uapa":           "uapa",
}

func familyPhrase(family string) string {
	if p, ok := familyDisplay[family]; ok {
		return p
	}
	return family
}

// StatutoryFamilies returns the canonical family keys hook groups are keyed
// by, most specific statutes first.
func StatutoryFamilies() []string {
	return []string{"pcact", "crpc", "bnss", "ipc", "bns", "cpc", "limitation", "niact", "evidence", "constitution"}
}

// =============================================================================
// REFERENCE EXTRACTION
// =============================================================================

var (
	sectionNumPattern = regexp.MustCompile(`(?:sections?|sec\.|u/s\.?|s\.)\s*(\d{1,4}[a-z]{0,2}(?:\(\d{1,3}[a-z]?\))*)`)
	// "420 ipc", "302 of the ipc" with a short closed family list; the
	// general pattern above handles spelled-out act names.
	bareNumberActPattern = regexp.MustCompile(`\b(\d{1,4}[a-z]{0,2}(?:\(\d{1,3}[a-z]?\))*)\s+(?:of\s+(?:the\s+)?)?(crpc|bnss|ipc|bns|cpc|uapa)\b`)
	articlePattern       = regexp.MustCompile(`article\s+(\d{1,3}[a-z]?)`)
	orderRulePattern     = regexp.MustCompile(`order\s+([ivxlc]{1,6}|\d{1,2})\s+rule\s+(\d{1,2})`)
	notificationPattern  = regexp.MustCompile(`(?:notification\s+no\.?\s*[\w./()-]+|s\.o\.\s*\d+(?:\([a-z]\))?|g\.s\.r\.\s*\d+(?:\([a-z]\))?)`)
	ofTheLead            = regexp.MustCompile(`^(?:,?\s*)(?:of\s+)?(?:the\s+)?`)
	subNumberFolder      = strings.NewReplacer("(", "_", ")", "")
)

// ExtractReferences parses every statutory reference in a normalised query
// or document fragment. Order follows first appearance; duplicates by Token
// are removed.
func ExtractReferences(text string) []LegalReference {
	lower := strings.ToLower(text)
	var refs []LegalReference

	for _, m := range sectionNumPattern.FindAllStringSubmatchIndex(lower, -1) {
		num := normaliseNumber(lower[m[2]:m[3]])
		family, famEnd := familyAt(lower, m[1])
		raw := strings.TrimSpace(lower[m[0]:max(m[1], famEnd)])
		refs = append(refs, sectionRef(num, family, raw))
	}
	for _, m := range bareNumberActPattern.FindAllStringSubmatchIndex(lower, -1) {
		if ruleContextBefore(lower, m[0]) {
			continue
		}
		num := normaliseNumber(lower[m[2]:m[3]])
		refs = append(refs, sectionRef(num, resolveFamily(lower[m[4]:m[5]]), strings.TrimSpace(lower[m[0]:m[1]])))
	}
	for _, m := range articlePattern.FindAllStringSubmatch(lower, -1) {
		num := normaliseNumber(m[1])
		refs = append(refs, LegalReference{
			Kind:        "article",
			Number:      num,
			Family:      "constitution",
			Raw:         strings.TrimSpace(m[0]),
			Token:       "art" + subNumberFolder.Replace(num) + "_constitution",
			HardInclude: []string{"article " + num},
		})
	}
	for _, m := range orderRulePattern.FindAllStringSubmatch(lower, -1) {
		order := romanToArabic(m[1])
		rule := m[2]
		refs = append(refs, LegalReference{
			Kind:        "order_rule",
			Number:      fmt.Sprintf("%sr%s", order, rule),
			Family:      "cpc",
			Raw:         strings.TrimSpace(m[0]),
			Token:       fmt.Sprintf("o%sr%s_cpc", order, rule),
			HardInclude: []string{"order " + order, "rule " + rule},
		})
	}
	for _, m := range notificationPattern.FindAllString(lower, -1) {
		m = strings.TrimSpace(m)
		refs = append(refs, LegalReference{
			Kind:  "notification",
			Raw:   m,
			Token: "notif_" + strings.Map(tokenSafe, m),
		})
	}

	// Bare act mentions no section pattern consumed.
	for _, fa := range familyAliases {
		if len(fa.alias) < 4 {
			continue
		}
		if containsWord(lower, fa.alias) && !hasFamily(refs, fa.family) {
			refs = append(refs, LegalReference{
				Kind:        "act",
				Family:      fa.family,
				Raw:         fa.alias,
				Token:       "act_" + fa.family,
				HardInclude: []string{familyPhrase(fa.family)},
			})
		}
	}

	return dedupeRefs(refs)
}

// familyAt resolves the act family named immediately after a section number,
// tolerating "of"/"of the" connectives. Returns the family key and the end
// offset of the alias, or ("", pos) when no family follows.
func familyAt(lower string, pos int) (string, int) {
	if pos >= len(lower) {
		return "", pos
	}
	rest := lower[pos:]
	lead := ofTheLead.FindString(rest)
	rest = rest[len(lead):]
	best, bestLen := "", 0
	for _, fa := range familyAliases {
		if len(fa.alias) <= bestLen {
			continue
		}
		if strings.HasPrefix(rest, fa.alias) && boundaryAfter(rest, len(fa.alias)) {
			best, bestLen = fa.family, len(fa.alias)
		}
	}
	if best == "" {
		return "", pos
	}
	return best, pos + len(lead) + bestLen
}

func boundaryAfter(s string, n int) bool {
	if n >= len(s) {
		return true
	}
	c := s[n]
	return !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9')
}

// ruleContextBefore reports whether the text just before pos reads as an
// order/rule context, where a bare number is a rule number rather than a
// section.
func ruleContextBefore(lower string, pos int) bool {
	start := pos - 8
	if start < 0 {
		start = 0
	}
	window := lower[start:pos]
	return strings.Contains(window, "rule") || strings.Contains(window, "order")
}

// containsWord reports a whole-word, boundary-checked occurrence of needle.
func containsWord(haystack, needle string) bool {
	for start := 0; ; {
		i := strings.Index(haystack[start:], needle)
		if i < 0 {
			return false
		}
		i += start
		beforeOK := i == 0 || !isAlnum(rune(haystack[i-1]))
		afterOK := boundaryAfter(haystack, i+len(needle))
		if beforeOK && afterOK {
			return true
		}
		start = i + 1
	}
}

func sectionRef(num, family, raw string) LegalReference {
	token := "s" + subNumberFolder.Replace(num)
	if family != "" {
		token += "_" + family
	}
	hard := []string{bareSectionNumber(num)}
	if family != "" {
		hard = append(hard, familyPhrase(family))
	}
	return LegalReference{
		Kind:        "section",
		Number:      num,
		Family:      family,
		Raw:         raw,
		Token:       token,
		HardInclude: hard,
	}
}

// bareSectionNumber keeps the leading number and letter suffix: the part of
// a section reference that survives sub-clause elision ("318(4)" -> "318").
func bareSectionNumber(num string) string {
	if i := strings.IndexByte(num, '('); i > 0 {
		return num[:i]
	}
	return num
}

func normaliseNumber(num string) string {
	return strings.TrimSpace(strings.ToLower(num))
}

func resolveFamily(surface string) string {
	surface = strings.TrimSpace(surface)
	if surface == "" {
		return ""
	}
	for _, fa := range familyAliases {
		if surface == fa.alias {
			return fa.family
		}
	}
	return ""
}

func hasFamily(refs []LegalReference, family string) bool {
	for _, r := range refs {
		if r.Family == family {
			return true
		}
	}
	return false
}

func dedupeRefs(refs []LegalReference) []LegalReference {
	seen := make(map[string]bool, len(refs))
	out := refs[:0]
	for _, r := range refs {
		if r.Token == "" || seen[r.Token] {
			continue
		}
		seen[r.Token] = true
		out = append(out, r)
	}
	return out
}

func tokenSafe(r rune) rune {
	switch {
	case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return r
	default:
		return '_'
	}
}

var romanNumerals = map[string]string{
	"i": "1", "ii": "2", "iii": "3", "iv": "4", "v": "5", "vi": "6",
	"vii": "7", "viii": "8", "ix": "9", "x": "10", "xi": "11", "xii": "12",
	"xxi": "21", "xxii": "22", "xxxvii": "37", "xxxviii": "38", "xxxix": "39",
	"xl": "40", "xli": "41", "xlvii": "47",
}

func romanToArabic(s string) string {
	if n, ok := romanNumerals[s]; ok {
		return n
	}
	return s
}

// =============================================================================
// TRANSITION ALIASES
// =============================================================================

// codeTransitions maps "family:number" to its successor under the 2023
// criminal-code replacement. Reverse entries are derived at init so both
// directions resolve.
var codeTransitions = map[string]string{
	"ipc:420":  "bns:318(4)",
	"ipc:302":  "bns:103",
	"ipc:304":  "bns:105",
	"ipc:304b": "bns:80",
	"ipc:306":  "bns:108",
	"ipc:376":  "bns:64",
	"ipc:406":  "bns:316(2)",
	"ipc:498a": "bns:85",
	"ipc:120b": "bns:61(2)",
	"ipc:34":   "bns:3(5)",
	"crpc:154": "bnss:173",
	"crpc:161": "bnss:180",
	"crpc:164": "bnss:183",
	"crpc:173": "bnss:193",
	"crpc:197": "bnss:218",
	"crpc:200": "bnss:223",
	"crpc:319": "bnss:358",
	"crpc:321": "bnss:360",
	"crpc:378": "bnss:419",
	"crpc:397": "bnss:438",
	"crpc:438": "bnss:482",
	"crpc:439": "bnss:483",
	"crpc:482": "bnss:528",
}

var codeTransitionsReverse = func() map[string]string {
	rev := make(map[string]string, len(codeTransitions))
	for from, to := range codeTransitions {
		rev[to] = from
	}
	return rev
}()

// familyTransitions pairs whole codes replaced in 2023.
var familyTransitions = map[string]string{
	"crpc": "bnss", "bnss": "crpc",
	"ipc": "bns", "bns": "ipc",
	"evidence": "bsa", "bsa": "evidence",
}

// TransitionAliases returns the searchable alias phrases of a reference
// under code transition, both directions. Nil when no transition applies.
func TransitionAliases(ref LegalReference) []string {
	if ref.Kind != "section" || ref.Family == "" {
		return nil
	}
	key := ref.Family + ":" + ref.Number
	var out []string
	if to, ok := codeTransitions[key]; ok {
		out = append(out, transitionPhrases(to)...)
	}
	if to, ok := codeTransitionsReverse[key]; ok {
		out = append(out, transitionPhrases(to)...)
	}
	if len(out) == 0 {
		// No table entry: fall back to the paired family so queries still
		// reach judgments citing the successor code under the same number.
		if paired, ok := familyTransitions[ref.Family]; ok {
			out = append(out, fmt.Sprintf("section %s %s", ref.Number, familyPhrase(paired)))
		}
	}
	if len(out) == 0 {
		return nil
	}
	return UniqueStrings(out)
}

func transitionPhrases(key string) []string {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil
	}
	family, num := parts[0], parts[1]
	return []string{
		fmt.Sprintf("section %s %s", num, familyPhrase(family)),
		fmt.Sprintf("%s %s", num, familyPhrase(family)),
	}
}

// =============================================================================
// CITATIONS
// =============================================================================

var citationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bair\s+\d{4}\s+(?:sc|scc|[a-z]{2,10})\s+\d+\b`),
	regexp.MustCompile(`(?i)\(\d{4}\)\s+\d+\s+scc\s+\d+\b`),
	regexp.MustCompile(`(?i)\b\d{4}\s+scc\s+online\s+[a-z]{2,8}\s+\d+\b`),
	regexp.MustCompile(`(?i)\[\d{4}\]\s+\d+\s+scr\s+\d+\b`),
	regexp.MustCompile(`(?i)\b\d{4}\s+cri\.?\s*l\.?\s*j\.?\s+\d+\b`),
}

// ExtractCitations finds reporter citations (AIR, SCC, SCR, SCC OnLine,
// CriLJ) in surface form, de-duplicated, original casing preserved.
func ExtractCitations(text string) []string {
	var out []string
	for _, p := range citationPatterns {
		out = append(out, p.FindAllString(text, -1)...)
	}
	return UniqueStrings(out)
}
