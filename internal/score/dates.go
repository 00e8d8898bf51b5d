package score

import (
	"regexp"
	"strings"
	"time"
)

// Indian sources write dates many ways: "15 January, 2019", "15-01-2019",
// "15.1.2019", ISO. Day precedes month in every numeric form.
var dayLayouts = []string{
	"2006-01-02",
	"2006-1-2",
	"2-1-2006",
	"2/1/2006",
	"2.1.2006",
	"2 January 2006",
	"2 January, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"2 Jan, 2006",
	"Jan 2, 2006",
}

var (
	ordinalSuffix = regexp.MustCompile(`(\d{1,2})(?:st|nd|rd|th)\b`)
	dateLeadIn    = regexp.MustCompile(`^(?:decided\s+on|dated|on)\s+`)
	spaceRun      = regexp.MustCompile(`\s+`)
)

// DecisionDay normalises a raw decision date to YYYY-MM-DD, empty when
// nothing parseable remains.
func DecisionDay(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}
	s = dateLeadIn.ReplaceAllString(s, "")
	s = ordinalSuffix.ReplaceAllString(s, "$1")
	s = spaceRun.ReplaceAllString(s, " ")
	for _, layout := range dayLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return ""
}
