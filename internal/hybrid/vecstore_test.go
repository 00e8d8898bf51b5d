package hybrid

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func openTestStore(t *testing.T) *VecStore {
	t.Helper()
	store, err := OpenVecStore(zap.NewNop(), "")
	if err != nil {
		t.Fatalf("OpenVecStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func indexTestDocs(t *testing.T, store *VecStore, emb Embedder, docs []Document) {
	t.Helper()
	for _, doc := range docs {
		chunks := ChunkLegalDocument(doc)
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		vecs, err := emb.EmbedBatch(context.Background(), texts)
		if err != nil {
			t.Fatalf("EmbedBatch() error = %v", err)
		}
		if err := store.Upsert(context.Background(), chunks, vecs); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}
}

var vecTestDocs = []Document{
	{
		DocID: "201",
		Title: "Vineet Narain vs Union Of India",
		URL:   "https://indiankanoon.org/doc/201/",
		Text:  "Sanction under section 197 criminal procedure code protects public servants. Sanction for prosecution of a public servant requires application of mind by the competent authority.",
	},
	{
		DocID: "202",
		Title: "Collector vs Katiji",
		URL:   "https://indiankanoon.org/doc/202/",
		Text:  "Condonation of delay under section 5 limitation act should be liberal. Sufficient cause for delay condonation receives a justice oriented approach.",
	},
	{
		DocID: "203",
		Title: "State vs Navjot Sandhu",
		URL:   "https://indiankanoon.org/doc/203/",
		Text:  "Confession recorded under the special statute requires strict safeguards. Electronic evidence authentication and certification were examined.",
	},
}

func TestVecStoreQueryRanksByVocabulary(t *testing.T) {
	store := openTestStore(t)
	emb := newLocalEmbedder(128)
	indexTestDocs(t, store, emb, vecTestDocs)

	vec, err := emb.Embed(context.Background(), "sanction prosecution public servant section 197")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	hits, err := store.Query(context.Background(), vec, 3)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("Query() returned no hits")
	}
	if hits[0].DocID != "201" {
		t.Fatalf("hits[0].DocID = %q, want 201 (best distance %v)", hits[0].DocID, hits[0].Distance)
	}
	for i := 1; i < len(hits); i++ {
		if hits[i].Distance < hits[i-1].Distance {
			t.Fatalf("hits not ordered by distance: %v then %v", hits[i-1].Distance, hits[i].Distance)
		}
	}
}

func TestVecStoreUpsertReplaces(t *testing.T) {
	store := openTestStore(t)
	emb := newLocalEmbedder(64)
	indexTestDocs(t, store, emb, vecTestDocs)

	docs, _, err := store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if docs != 3 {
		t.Fatalf("docs = %d, want 3", docs)
	}

	// Re-index one document; counts must not grow.
	indexTestDocs(t, store, emb, vecTestDocs[:1])
	docs, _, err = store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if docs != 3 {
		t.Fatalf("docs after re-index = %d, want 3", docs)
	}
}

func TestVecStoreQueryEmptyVector(t *testing.T) {
	store := openTestStore(t)
	hits, err := store.Query(context.Background(), nil, 5)
	if err != nil || hits != nil {
		t.Fatalf("Query(nil) = %v, %v, want nil, nil", hits, err)
	}
}

func TestVecStoreLookupDocURL(t *testing.T) {
	store := openTestStore(t)
	emb := newLocalEmbedder(64)
	indexTestDocs(t, store, emb, vecTestDocs)

	if url, ok := store.LookupDocURL(context.Background(), "202", ""); !ok || url != "https://indiankanoon.org/doc/202/" {
		t.Fatalf("LookupDocURL(202) = %q, %v", url, ok)
	}
	if url, ok := store.LookupDocURL(context.Background(), "", "Collector vs Katiji"); !ok || url != "https://indiankanoon.org/doc/202/" {
		t.Fatalf("LookupDocURL(title) = %q, %v", url, ok)
	}
	if _, ok := store.LookupDocURL(context.Background(), "999", "completely unrelated subject matter"); ok {
		t.Fatal("LookupDocURL matched an unindexed document")
	}
}

func TestCosineDistanceBounds(t *testing.T) {
	a := encodeVector([]float32{1, 0, 0})
	b := encodeVector([]float32{0, 1, 0})

	if d, err := cosineDistance(a, a); err != nil || d > 1e-6 {
		t.Fatalf("cosineDistance(a, a) = %v, %v", d, err)
	}
	if d, err := cosineDistance(a, b); err != nil || d != 1 {
		t.Fatalf("cosineDistance(orthogonal) = %v, %v, want 1", d, err)
	}
	if d, err := cosineDistance(nil, a); err != nil || d != 1 {
		t.Fatalf("cosineDistance(nil, a) = %v, %v, want 1", d, err)
	}
	if _, err := cosineDistance(a, encodeVector([]float32{1, 2})); err == nil {
		t.Fatal("dimension mismatch did not error")
	}
}
