package hybrid

import (
	"strings"
	"testing"

	"lexhound/internal/legaltext"
)

func longJudgmentText() string {
	filler := "The learned counsel took the court through the record and the rival contentions were considered at length before the bench reserved its orders on the point. "
	var b strings.Builder
	b.WriteString("The appellant invoked Section 197 of the Code of Criminal Procedure and contended that sanction was a condition precedent. ")
	for i := 0; i < 12; i++ {
		b.WriteString(filler)
	}
	b.WriteString("Reliance was placed on AIR 2020 SC 1234 for the scope of official duty. ")
	for i := 0; i < 12; i++ {
		b.WriteString(filler)
	}
	b.WriteString("Section 19 of the Prevention of Corruption Act was read alongside, following (2019) 5 SCC 123. ")
	for i := 0; i < 12; i++ {
		b.WriteString(filler)
	}
	b.WriteString("In the result the appeal was dismissed.")
	return b.String()
}

func TestChunkerPreservesReferencesAndCitations(t *testing.T) {
	doc := Document{
		DocID: "101",
		Title: "State Of Kerala vs Padmanabhan Nair",
		URL:   "https://indiankanoon.org/doc/101/",
		Text:  longJudgmentText(),
	}
	chunks := ChunkLegalDocument(doc)
	if len(chunks) < 3 {
		t.Fatalf("len(chunks) = %d, want >= 3 for a %d-char document", len(chunks), len(doc.Text))
	}

	tokenUnion := map[string]bool{}
	citeUnion := map[string]bool{}
	for i, c := range chunks {
		if c.Seq != i {
			t.Fatalf("chunks[%d].Seq = %d", i, c.Seq)
		}
		if c.DocID != doc.DocID || c.URL != doc.URL || c.Title != doc.Title {
			t.Fatalf("chunks[%d] lost document fields: %+v", i, c)
		}
		for _, tok := range c.StatuteTokens {
			tokenUnion[tok] = true
		}
		for _, cite := range c.Citations {
			citeUnion[cite] = true
		}
	}

	for _, ref := range legaltext.ExtractReferences(doc.Text) {
		if !tokenUnion[ref.Token] {
			t.Errorf("token %q missing from every chunk", ref.Token)
		}
	}
	for _, cite := range legaltext.ExtractCitations(doc.Text) {
		if !citeUnion[cite] {
			t.Errorf("citation %q missing from every chunk", cite)
		}
	}

	if !strings.Contains(chunks[0].Text, doc.Title) {
		t.Error("chunk 0 does not carry the title")
	}
}

func TestChunkerOverlapBridgesBoundaries(t *testing.T) {
	doc := Document{DocID: "102", Title: "A vs B", Text: longJudgmentText()}
	chunks := ChunkLegalDocument(doc)
	if len(chunks) < 2 {
		t.Fatalf("len(chunks) = %d, want >= 2", len(chunks))
	}
	for i := 1; i < len(chunks); i++ {
		lead := chunks[i].Text
		if len(lead) > 60 {
			if cut := strings.LastIndexByte(lead[:60], ' '); cut > 0 {
				lead = lead[:cut]
			} else {
				lead = lead[:60]
			}
		}
		if !strings.Contains(chunks[i-1].Text, lead) {
			t.Fatalf("chunk %d does not open with chunk %d text: %q", i, i-1, lead)
		}
	}
}

func TestChunkerKeepsOversizedSentenceWhole(t *testing.T) {
	sentence := "The court observed that " + strings.Repeat("the chain of circumstances must be complete and consistent only with guilt, ", 25) +
		"as held in AIR 1984 SC 1622."
	doc := Document{DocID: "103", Title: "Sharad vs State", Text: sentence}
	chunks := ChunkLegalDocument(doc)
	if len(chunks) != 1 {
		t.Fatalf("len(chunks) = %d, want 1 (sentences are never split)", len(chunks))
	}
	if len(chunks[0].Citations) != 1 || chunks[0].Citations[0] != "AIR 1984 SC 1622" {
		t.Fatalf("Citations = %v", chunks[0].Citations)
	}
}

func TestChunkerEmptyAndTitleOnly(t *testing.T) {
	if got := ChunkLegalDocument(Document{DocID: "104"}); got != nil {
		t.Fatalf("empty doc chunks = %v, want nil", got)
	}
	chunks := ChunkLegalDocument(Document{DocID: "105", Title: "The Limitation Act, 1963"})
	if len(chunks) != 1 || !strings.Contains(chunks[0].Text, "Limitation Act") {
		t.Fatalf("title-only chunks = %+v", chunks)
	}
}
