// Package classify labels retrieval candidates. Only case documents move
// on to verification and scoring; statutes and navigation scraps are
// filtered out early.
package classify

import (
	"regexp"
	"strings"

	"lexhound/internal/search"
)

// Classification labels.
const (
	KindCase    = "case"
	KindStatute = "statute"
	KindOther   = "other"
)

var (
	versusPattern = regexp.MustCompile(`(?i)\b(?:vs\.?|v\.|versus)\b`)
	partyPattern  = regexp.MustCompile(`(?i)\b(?:&\s*(?:ors|anr)|and\s+(?:others|another)|state of|union of india|through|appellant|respondent)\b`)
	statutePhrase = regexp.MustCompile(`(?i)^(?:the\s+)?[\w\s,()]*\b(?:act|code|rules|regulations|ordinance)\b[\s,]*(?:\d{4})?$`)
	sectionTitle  = regexp.MustCompile(`(?i)^(?:section|article|order|rule|schedule)\s+[\divxlc]+`)
)

// judgmentCues appear in case snippets far more often than in statute or
// index pages.
var judgmentCues = []string{
	"appeal", "petition", "judgment", "held that", "court held",
	"conviction", "acquittal", "impugned", "learned counsel", "bench",
}

// Classify labels one candidate from its title, snippet and court data.
func Classify(c search.Candidate) string {
	title := strings.TrimSpace(c.Title)
	if title == "" {
		return KindOther
	}

	if versusPattern.MatchString(title) {
		return KindCase
	}
	if sectionTitle.MatchString(title) || strings.Contains(strings.ToLower(title), "bare act") {
		return KindStatute
	}
	if statutePhrase.MatchString(title) {
		return KindStatute
	}

	low := strings.ToLower(title + " " + c.Snippet)
	if partyPattern.MatchString(title) {
		return KindCase
	}
	if c.Court != search.CourtUnknown {
		for _, cue := range judgmentCues {
			if strings.Contains(low, cue) {
				return KindCase
			}
		}
	}
	if versusPattern.MatchString(c.Snippet) {
		return KindCase
	}
	return KindOther
}

// Apply stamps every candidate's Classification in place and reports how
// many were labeled case.
func Apply(cands []search.Candidate) int {
	kept := 0
	for i := range cands {
		cands[i].Classification = Classify(cands[i])
		if cands[i].Classification == KindCase {
			kept++
		}
	}
	return kept
}
