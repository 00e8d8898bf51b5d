// Package legaltext holds the shared text utilities for Indian legal prose:
// tokenisation, query normalisation, statutory reference parsing, transition
// aliases between old and new codes, disjunction detection, HTML stripping
// and overlap/proximity helpers.
//
// Every regular expression in this package is compiled once at package init
// and reused across requests.
package legaltext

import (
	"regexp"
	"strings"
)

// =============================================================================
// NORMALISATION AND TOKENISATION
// =============================================================================

var (
	wordPattern       = regexp.MustCompile(`[a-z0-9]+(?:\([0-9a-z]+\))*`)
	whitespacePattern = regexp.MustCompile(`\s+`)
	disjunctionOr     = regexp.MustCompile(`(?:^|\W)or(?:\W|$)`)

	quoteFolder = strings.NewReplacer(
		"‘", "'", "’", "'", "“", `"`, "”", `"`,
		"–", "-", "—", "-", " ", " ",
	)
)

// stopwords are function words that carry no retrieval signal. Numbers are
// never stopwords; section numbers are the strongest anchors in this domain.
var stopwords = map[string]bool{
	"the": true, "of": true, "in": true, "a": true, "an": true, "for": true,
	"by": true, "to": true, "and": true, "is": true, "was": true, "are": true,
	"were": true, "be": true, "been": true, "on": true, "at": true, "as": true,
	"with": true, "that": true, "this": true, "it": true, "its": true,
	"from": true, "into": true, "such": true, "any": true, "has": true,
	"have": true, "had": true, "there": true, "their": true, "his": true,
	"her": true, "under": true, "where": true, "when": true, "or": true,
	"u": true, "s": true,
}

// NormalizeQuery lowercases, folds smart punctuation and collapses
// whitespace. It does not remove legal punctuation such as parentheses in
// sub-section numbers.
func NormalizeQuery(s string) string {
	s = quoteFolder.Replace(s)
	s = strings.ToLower(strings.TrimSpace(s))
	return whitespacePattern.ReplaceAllString(s, " ")
}

// Tokenize returns the lowercase word tokens of s with stopwords removed.
// Sub-section suffixes stay attached: "318(4)" is one token.
func Tokenize(s string) []string {
	s = strings.ToLower(s)
	raw := wordPattern.FindAllString(s, -1)
	out := make([]string, 0, len(raw))
	for _, w := range raw {
		if stopwords[w] {
			continue
		}
		out = append(out, w)
	}
	return out
}

// TokenSet returns the token membership set of s.
func TokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range Tokenize(s) {
		set[tok] = true
	}
	return set
}

// Ngrams returns the n-grams of tokens joined by single spaces.
func Ngrams(tokens []string, n int) []string {
	if n <= 0 || len(tokens) < n {
		return nil
	}
	out := make([]string, 0, len(tokens)-n+1)
	for i := 0; i+n <= len(tokens); i++ {
		out = append(out, strings.Join(tokens[i:i+n], " "))
	}
	return out
}

// IsDisjunctive reports whether the query asks for alternatives rather than
// a conjunction of elements. Multi-hook coverage requirements are relaxed
// for disjunctive queries.
func IsDisjunctive(query string) bool {
	q := " " + strings.ToLower(query) + " "
	if strings.Contains(q, " and/or ") || strings.Contains(q, " either ") {
		return true
	}
	return disjunctionOr.MatchString(q)
}

// =============================================================================
// OVERLAP AND PROXIMITY
// =============================================================================

// TermOverlap returns the Jaccard overlap of the token sets of a and b,
// in [0,1].
func TermOverlap(a, b string) float64 {
	sa, sb := TokenSet(a), TokenSet(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}
	inter := 0
	for tok := range sa {
		if sb[tok] {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// ContainsNear reports whether text contains both terms within window
// characters of each other. Matching is case-insensitive; window <= 0
// degrades to simple co-occurrence anywhere in the text.
func ContainsNear(text, termA, termB string, window int) bool {
	lower := strings.ToLower(text)
	a := strings.ToLower(termA)
	b := strings.ToLower(termB)
	if a == "" || b == "" {
		return false
	}
	posA := allIndexes(lower, a)
	posB := allIndexes(lower, b)
	if len(posA) == 0 || len(posB) == 0 {
		return false
	}
	if window <= 0 {
		return true
	}
	for _, i := range posA {
		for _, j := range posB {
			d := i - j
			if d < 0 {
				d = -d
			}
			if d <= window {
				return true
			}
		}
	}
	return false
}

// ContainsAll reports whether every term occurs in text,
// case-insensitively.
func ContainsAll(text string, terms []string) bool {
	lower := strings.ToLower(text)
	for _, t := range terms {
		if t == "" {
			continue
		}
		if !strings.Contains(lower, strings.ToLower(t)) {
			return false
		}
	}
	return true
}

// ContainsAny reports whether at least one term occurs in text,
// case-insensitively. An empty term list matches nothing.
func ContainsAny(text string, terms []string) bool {
	lower := strings.ToLower(text)
	for _, t := range terms {
		if t == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(t)) {
			return true
		}
	}
	return false
}

func allIndexes(s, sub string) []int {
	var out []int
	for start := 0; ; {
		i := strings.Index(s[start:], sub)
		if i < 0 {
			return out
		}
		out = append(out, start+i)
		start += i + 1
	}
}

// UniqueStrings de-duplicates while preserving first-seen order.
func UniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Truncate bounds a slice of terms to max entries.
func Truncate(terms []string, max int) []string {
	if max <= 0 || len(terms) <= max {
		return terms
	}
	return terms[:max]
}

// Ellipsis cuts s to at most max runes, appending "..." when cut.
func Ellipsis(s string, max int) string {
	if max <= 3 {
		max = 4
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}

// SplitSentences splits legal prose on sentence boundaries. Periods inside
// common abbreviations (vs., no., s., hon'ble anr.) do not split.
func SplitSentences(text string) []string {
	var out []string
	var buf strings.Builder
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		buf.WriteRune(r)
		if r != '.' && r != '?' && r != '!' && r != '\n' {
			continue
		}
		if r == '.' && isAbbreviationAt(runes, i) {
			continue
		}
		s := strings.TrimSpace(buf.String())
		if s != "" {
			out = append(out, s)
		}
		buf.Reset()
	}
	if s := strings.TrimSpace(buf.String()); s != "" {
		out = append(out, s)
	}
	return out
}

var sentenceAbbrevs = []string{"vs", "v", "no", "nos", "s", "ss", "anr", "ors", "co", "ltd", "pvt", "hon'ble", "smt", "dr", "mr", "mrs", "art"}

func isAbbreviationAt(runes []rune, dot int) bool {
	start := dot - 1
	for start >= 0 && (isAlnum(runes[start]) || runes[start] == '\'') {
		start--
	}
	word := strings.ToLower(string(runes[start+1 : dot]))
	for _, ab := range sentenceAbbrevs {
		if word == ab {
			return true
		}
	}
	// Single letters read as initials: "K. Veeraswami".
	return len(word) == 1
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
