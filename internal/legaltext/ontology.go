package legaltext

import (
	"regexp"
	"strings"
)

// Synonym families group the surface forms Indian judgments use for the
// same legal event. The planner and the query rewriter expand hits on any
// member into the whole family.

// delayCondonationFamily covers refusal and grant spellings around
// section 5 limitation act applications.
var delayCondonationFamily = map[string][]string{
	"refused": {
		"condonation of delay refused",
		"delay not condoned",
		"refused to condone the delay",
		"application for condonation of delay dismissed",
	},
	"allowed": {
		"delay condoned",
		"condonation of delay allowed",
		"sufficient cause shown",
	},
	"neutral": {
		"condonation of delay",
		"section 5 limitation act",
		"sufficient cause",
	},
}

var timeBarredFamily = []string{
	"time barred",
	"barred by limitation",
	"period of limitation expired",
	"hopelessly barred by time",
}

var sanctionFamily = map[string][]string{
	"required": {
		"previous sanction necessary",
		"sanction for prosecution mandatory",
		"want of sanction",
		"absence of sanction",
	},
	"not_required": {
		"sanction not required",
		"no sanction necessary",
		"sanction not necessary",
	},
	"neutral": {
		"sanction for prosecution",
		"grant of sanction",
	},
}

var quashingFamily = []string{
	"quashing of fir",
	"petition under section 482 crpc",
	"inherent powers",
	"proceedings quashed",
}

var s304Family = []string{
	"culpable homicide not amounting to murder",
	"section 304 part ii",
	"section 304 part i",
}

// ExpandFamily returns the heuristic phrase family a seed phrase belongs
// to, or nil. The caller appends; the seed itself is not repeated.
func ExpandFamily(phrase string) []string {
	p := strings.ToLower(phrase)
	switch {
	case strings.Contains(p, "condon") && (strings.Contains(p, "refus") || strings.Contains(p, "dismiss") || strings.Contains(p, "reject")):
		return delayCondonationFamily["refused"]
	case strings.Contains(p, "condon") && strings.Contains(p, "allow"):
		return delayCondonationFamily["allowed"]
	case strings.Contains(p, "condon") || strings.Contains(p, "section 5 limitation"):
		return delayCondonationFamily["neutral"]
	case strings.Contains(p, "time barred") || strings.Contains(p, "limitation expired"):
		return timeBarredFamily
	case strings.Contains(p, "sanction") && strings.Contains(p, "not"):
		return sanctionFamily["not_required"]
	case strings.Contains(p, "sanction") && (strings.Contains(p, "mandat") || strings.Contains(p, "requir") || strings.Contains(p, "necessary")):
		return sanctionFamily["required"]
	case strings.Contains(p, "sanction"):
		return sanctionFamily["neutral"]
	case strings.Contains(p, "482") || strings.Contains(p, "quash"):
		return quashingFamily
	case strings.Contains(p, "304"):
		return s304Family
	}
	return nil
}

// categoryExpansions maps an issue family to category terms used when the
// category-expansion flag is on. Keys are matched by substring against the
// query's issues. Slice, not map: expansion order must be stable.
var categoryExpansions = []struct {
	key   string
	terms []string
}{
	{"anticipatory bail", []string{"section 438", "pre-arrest bail"}},
	{"regular bail", []string{"section 439", "bail application"}},
	{"quashing", []string{"section 482", "inherent jurisdiction"}},
	{"discharge", []string{"section 227", "framing of charge"}},
	{"delay condonation", []string{"section 5 limitation act", "sufficient cause"}},
	{"appeal acquittal", []string{"section 378 crpc", "leave to appeal"}},
	{"sanction", []string{"section 197 crpc", "section 19 pc act"}},
	{"dishonour cheque", []string{"section 138 ni act", "cheque bounce"}},
	{"dowry death", []string{"section 304b", "section 113b evidence act"}},
	{"maintenance", []string{"section 125 crpc", "interim maintenance"}},
	{"arbitration", []string{"section 34 arbitration act", "setting aside award"}},
	{"writ", []string{"article 226", "article 32"}},
	{"land acquisition", []string{"fair compensation", "lapse of acquisition"}},
	{"service matter", []string{"departmental enquiry", "disciplinary proceedings"}},
	{"compounding", []string{"section 320 crpc", "compounding of offences"}},
	{"default bail", []string{"section 167(2)", "statutory bail"}},
	{"juvenile", []string{"juvenility claim", "ossification test"}},
	{"electronic evidence", []string{"section 65b evidence act", "certificate electronic record"}},
}

// CategoryExpansions returns expansion terms for the issue families present
// in the supplied issues, first-seen order, bounded to max.
func CategoryExpansions(issues []string, max int) []string {
	var out []string
	for _, issue := range issues {
		low := strings.ToLower(strings.TrimSpace(issue))
		if len(low) < 4 {
			continue
		}
		for _, ce := range categoryExpansions {
			if strings.Contains(low, ce.key) || strings.Contains(ce.key, low) {
				out = append(out, ce.terms...)
			}
		}
	}
	out = UniqueStrings(out)
	return Truncate(out, max)
}

// =============================================================================
// OUTCOME POLARITY
// =============================================================================

// Polarity is the disposition a query demands of the outcome.
type Polarity string

const (
	PolarityRequired    Polarity = "required"
	PolarityNotRequired Polarity = "not_required"
	PolarityAllowed     Polarity = "allowed"
	PolarityRefused     Polarity = "refused"
	PolarityDismissed   Polarity = "dismissed"
	PolarityQuashed     Polarity = "quashed"
	PolarityUnknown     Polarity = "unknown"
)

// NormalizePolarity folds free-form polarity strings onto the enum.
func NormalizePolarity(s string) Polarity {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", "_")) {
	case "required", "mandatory", "necessary":
		return PolarityRequired
	case "not_required", "notrequired", "unnecessary", "not_necessary":
		return PolarityNotRequired
	case "allowed", "granted", "condoned", "permitted":
		return PolarityAllowed
	case "refused", "rejected", "denied", "declined":
		return PolarityRefused
	case "dismissed":
		return PolarityDismissed
	case "quashed", "set_aside":
		return PolarityQuashed
	default:
		return PolarityUnknown
	}
}

// Dispositions count only when the verb binds a recognised outcome object.
// A stray "refused to interfere" carries no polarity. Order matters: the
// negated sanction forms precede the bare ones.
var polarityPatterns = []struct {
	re       *regexp.Regexp
	polarity Polarity
}{
	{regexp.MustCompile(`condonation[\w\s]{0,20}refused|refus\w*\s+to\s+condone|delay\s+not\s+condoned|sanction\s+refused`), PolarityRefused},
	{regexp.MustCompile(`delay\s+condoned|condonation[\w\s]{0,20}allowed|condoned\s+the\s+delay`), PolarityAllowed},
	{regexp.MustCompile(`sanction[\w\s]{0,12}not\s+(?:required|necessary)|no\s+sanction\s+(?:is\s+)?(?:required|necessary)|without\s+(?:previous\s+)?sanction`), PolarityNotRequired},
	{regexp.MustCompile(`sanction[\w\s]{0,12}(?:required|necessary|mandatory)|want\s+of\s+sanction|absence\s+of\s+sanction`), PolarityRequired},
	{regexp.MustCompile(`bail\s+(?:refused|rejected|denied|cancelled)|refused\s+bail`), PolarityRefused},
	{regexp.MustCompile(`bail\s+(?:granted|allowed)`), PolarityAllowed},
	{regexp.MustCompile(`(?:appeal|petition|application|slp)\s+dismissed|dismissed\s+as\s+(?:time\s+)?barred|dismissed\s+on\s+(?:the\s+ground\s+of\s+)?limitation`), PolarityDismissed},
	{regexp.MustCompile(`(?:fir|proceedings?|chargesheet|charge\s+sheet|complaint)\s+quashed|quashed\s+the\s+(?:fir|proceedings|complaint)`), PolarityQuashed},
}

// DetectPolarity scans the cleaned query for an explicit disposition and
// returns it with the matched surface phrase. Unknown when nothing binds.
func DetectPolarity(text string) (Polarity, string) {
	for _, p := range polarityPatterns {
		if m := p.re.FindString(text); m != "" {
			return p.polarity, m
		}
	}
	return PolarityUnknown, ""
}

var openEndedVerbs = regexp.MustCompile(`condon|quash|dismiss|refus|interfere|set\s+aside`)

// IsOpenEndedQuestion reports whether the query asks whether something can
// happen rather than describing a disposition that did.
func IsOpenEndedQuestion(text string) bool {
	opener := false
	for _, w := range []string{"whether", "can", "could", "if"} {
		if containsWord(text, w) {
			opener = true
			break
		}
	}
	return opener && openEndedVerbs.MatchString(text)
}

// polarityVocabulary carries the terms whose presence in a sentence
// evidences each polarity.
var polarityVocabulary = map[Polarity][]string{
	PolarityRefused:     {"refused", "rejected", "declined", "not condoned", "refused to condone"},
	PolarityAllowed:     {"allowed", "condoned", "granted"},
	PolarityDismissed:   {"dismissed", "time barred", "barred by limitation"},
	PolarityQuashed:     {"quashed", "set aside"},
	PolarityRequired:    {"sanction required", "sanction necessary", "want of sanction", "absence of sanction"},
	PolarityNotRequired: {"sanction not required", "no sanction necessary", "without sanction"},
}

// PolarityTerms returns the evidence terms for a polarity, nil for unknown.
func PolarityTerms(p Polarity) []string {
	terms := polarityVocabulary[p]
	if len(terms) == 0 {
		return nil
	}
	out := make([]string, len(terms))
	copy(out, terms)
	return out
}

// defaultContradictions carries the stock exclusion terms per polarity.
// Phrases are preferred; single tokens stay on the outcome-verb allow list.
var defaultContradictions = map[Polarity][]string{
	PolarityRefused:     {"condoned", "allowed", "restored", "delay condoned"},
	PolarityAllowed:     {"refused", "rejected", "time barred"},
	PolarityDismissed:   {"allowed", "restored", "condoned"},
	PolarityQuashed:     {"refused to quash", "declined to quash"},
	PolarityRequired:    {"sanction not required", "no sanction necessary"},
	PolarityNotRequired: {"sanction required", "sanction mandatory"},
}

// DefaultContradictionTerms returns the stock contradiction terms for a
// polarity, nil for unknown.
func DefaultContradictionTerms(p Polarity) []string {
	terms := defaultContradictions[p]
	if len(terms) == 0 {
		return nil
	}
	out := make([]string, len(terms))
	copy(out, terms)
	return out
}
