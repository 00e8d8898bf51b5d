// Package hybrid fuses lexical provider results with semantic hits from a
// vector index of judgment chunks, then reranks the fused head. In shadow
// mode the lexical list stays authoritative and the fusion only reports
// telemetry.
package hybrid

import (
	"strings"

	"lexhound/internal/legaltext"
)

const (
	// chunkTargetChars is the soft chunk size. A single sentence longer
	// than the target stays whole rather than being cut mid-reference.
	chunkTargetChars = 1200
	// chunkOverlapChars is carried from the end of one chunk into the
	// next, so a citation straddling a boundary appears intact in the
	// following chunk.
	chunkOverlapChars = 150
)

// Document is a normalised judgment ready for indexing.
type Document struct {
	DocID string `json:"docId"`
	Title string `json:"title"`
	URL   string `json:"url"`
	Court string `json:"court,omitempty"`
	Date  string `json:"date,omitempty"`
	Text  string `json:"text"`
}

// Chunk is one indexable slice of a document, annotated with the statutory
// references and reporter citations its text carries.
type Chunk struct {
	DocID         string
	Seq           int
	Title         string
	URL           string
	Court         string
	Date          string
	Text          string
	StatuteTokens []string
	Citations     []string
}

// ChunkLegalDocument splits a document into sentence-bounded chunks of
// roughly chunkTargetChars with a trailing overlap. Chunk 0 carries the
// title so title terms stay searchable. Every statutory token and citation
// of the document survives in at least one chunk's annotations.
func ChunkLegalDocument(doc Document) []Chunk {
	text := strings.TrimSpace(doc.Text)
	if text == "" {
		text = strings.TrimSpace(doc.Title)
	}
	if text == "" {
		return nil
	}

	var windows []string
	var cur strings.Builder
	for _, sentence := range legaltext.SplitSentences(text) {
		if cur.Len() > 0 && cur.Len()+1+len(sentence) > chunkTargetChars {
			window := cur.String()
			windows = append(windows, window)
			cur.Reset()
			if tail := overlapTail(window, chunkOverlapChars); tail != "" {
				cur.WriteString(tail)
			}
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(sentence)
	}
	if cur.Len() > 0 {
		windows = append(windows, cur.String())
	}

	chunks := make([]Chunk, 0, len(windows))
	for i, w := range windows {
		if i == 0 && doc.Title != "" && !strings.Contains(w, doc.Title) {
			w = doc.Title + "\n" + w
		}
		chunks = append(chunks, Chunk{
			DocID:         doc.DocID,
			Seq:           i,
			Title:         doc.Title,
			URL:           doc.URL,
			Court:         doc.Court,
			Date:          doc.Date,
			Text:          w,
			StatuteTokens: referenceTokens(w),
			Citations:     legaltext.ExtractCitations(w),
		})
	}
	return chunks
}

// overlapTail returns the last n characters of s, snapped forward to a
// word boundary.
func overlapTail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	tail := s[len(s)-n:]
	if i := strings.IndexByte(tail, ' '); i >= 0 {
		tail = tail[i+1:]
	}
	return strings.TrimSpace(tail)
}

func referenceTokens(text string) []string {
	refs := legaltext.ExtractReferences(text)
	tokens := make([]string, 0, len(refs))
	for _, r := range refs {
		if r.Token != "" {
			tokens = append(tokens, r.Token)
		}
	}
	return legaltext.UniqueStrings(tokens)
}
