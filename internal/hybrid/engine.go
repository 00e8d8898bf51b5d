package hybrid

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"lexhound/internal/config"
	"lexhound/internal/legaltext"
	"lexhound/internal/search"
)

const (
	// rrfK dampens the rank term so the head of each list dominates
	// without drowning the tail.
	rrfK               = 60
	lexicalFuseWeight  = 1.0
	semanticFuseWeight = 0.8
)

// Engine runs the semantic lane and fuses it with lexical provider rows.
// It implements the provider-side HybridEngine contract.
type Engine struct {
	log      *zap.Logger
	cfg      config.HybridConfig
	store    *VecStore
	embedder Embedder
	reranker *Reranker
}

// NewEngine wires the fusion engine. reranker may be nil; the fused order
// then stands as-is.
func NewEngine(log *zap.Logger, cfg config.HybridConfig, store *VecStore, embedder Embedder, reranker *Reranker) *Engine {
	return &Engine{
		log:      log.Named("hybrid"),
		cfg:      cfg,
		store:    store,
		embedder: embedder,
		reranker: reranker,
	}
}

// Search fuses the lexical rows with semantic recall. In shadow mode the
// lexical list is returned unchanged and the fusion runs on a short leash
// purely to fill the debug counters.
func (e *Engine) Search(ctx context.Context, phrase string, lexical []search.Candidate, debug *search.DebugRecord) []search.Candidate {
	if e.cfg.ShadowCapture {
		e.shadow(ctx, phrase, lexical, debug)
		return lexical
	}

	fused, stats := e.fuse(ctx, phrase, lexical)
	mergeStats(debug, stats)
	if e.reranker != nil && len(fused) > 1 {
		fused = e.reranker.Rerank(ctx, phrase, fused, e.cfg.RerankTopN)
	}
	return fused
}

// shadow runs one fusion pass bounded by the shadow timeout. Counts merge
// into debug only when the pass finishes inside the budget, so a straggler
// cannot race the caller's read of the record.
func (e *Engine) shadow(ctx context.Context, phrase string, lexical []search.Candidate, debug *search.DebugRecord) {
	timeout := e.cfg.ShadowTimeout
	if timeout <= 0 {
		timeout = 2500 * time.Millisecond
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statc := make(chan fusionStats, 1)
	go func() {
		_, stats := e.fuse(sctx, phrase, lexical)
		statc <- stats
	}()

	select {
	case stats := <-statc:
		mergeStats(debug, stats)
	case <-sctx.Done():
		e.log.Debug("shadow fusion abandoned", zap.Duration("budget", timeout))
	}
}

type fusionStats struct {
	lexical  int
	semantic int
	fused    int
	ms       int64
}

func mergeStats(debug *search.DebugRecord, st fusionStats) {
	if debug == nil {
		return
	}
	debug.HybridLexical = st.lexical
	debug.HybridSemantic = st.semantic
	debug.HybridFused = st.fused
	debug.FusionMs = st.ms
}

// fuse merges the two lanes with a reciprocal-rank weighted score keyed by
// URL. Lexical rows keep their richer fields when both lanes hit the same
// document.
func (e *Engine) fuse(ctx context.Context, phrase string, lexical []search.Candidate) ([]search.Candidate, fusionStats) {
	start := time.Now()
	stats := fusionStats{lexical: len(lexical)}

	semantic := e.semantic(ctx, phrase)
	stats.semantic = len(semantic)

	type scored struct {
		cand  search.Candidate
		score float64
	}
	byKey := make(map[string]*scored, len(lexical)+len(semantic))
	order := make([]string, 0, len(lexical)+len(semantic))

	add := func(c search.Candidate, rank int, weight float64) {
		key := search.CanonicalDocURL(c.URL, "")
		if key == "" {
			key = c.DocID
		}
		if key == "" {
			return
		}
		s, ok := byKey[key]
		if !ok {
			s = &scored{cand: c}
			byKey[key] = s
			order = append(order, key)
		}
		s.score += weight / float64(rrfK+rank)
		if s.cand.Snippet == "" && c.Snippet != "" {
			s.cand.Snippet = c.Snippet
		}
		if s.cand.DecisionDate == "" && c.DecisionDate != "" {
			s.cand.DecisionDate = c.DecisionDate
		}
	}
	for i, c := range lexical {
		add(c, i, lexicalFuseWeight)
	}
	for i, c := range semantic {
		add(c, i, semanticFuseWeight)
	}

	sort.SliceStable(order, func(i, j int) bool {
		return byKey[order[i]].score > byKey[order[j]].score
	})
	fused := make([]search.Candidate, 0, len(order))
	for _, key := range order {
		fused = append(fused, byKey[key].cand)
	}

	stats.fused = len(fused)
	stats.ms = time.Since(start).Milliseconds()
	return fused, stats
}

// semantic embeds the phrase and queries the chunk index. Failures degrade
// to an empty lane; the lexical side still returns.
func (e *Engine) semantic(ctx context.Context, phrase string) []search.Candidate {
	vec, err := e.EmbedQuery(ctx, phrase)
	if err != nil {
		e.log.Debug("query embedding failed", zap.Error(err))
		return nil
	}
	topK := e.cfg.SemanticTopK
	if topK <= 0 {
		topK = 20
	}
	hits, err := e.store.Query(ctx, vec, topK)
	if err != nil {
		e.log.Debug("semantic query failed", zap.Error(err))
		return nil
	}

	out := make([]search.Candidate, 0, len(hits))
	for _, h := range hits {
		court := search.Court(h.Court)
		if court != search.CourtSC && court != search.CourtHC {
			court = search.CourtUnknown
		}
		out = append(out, search.Candidate{
			Source:       "hybrid_semantic",
			Title:        h.Title,
			URL:          h.URL,
			Snippet:      legaltext.Ellipsis(h.Text, 280),
			Court:        court,
			DocID:        h.DocID,
			DecisionDate: h.Date,
			Retrieval:    search.RetrievalMeta{SourceTags: []string{"semantic"}},
		})
	}
	return out
}

// EmbedQuery embeds a search phrase for the semantic lane.
func (e *Engine) EmbedQuery(ctx context.Context, phrase string) ([]float32, error) {
	if e.embedder == nil {
		return nil, fmt.Errorf("hybrid: no embedder configured")
	}
	return e.embedder.Embed(ctx, legaltext.NormalizeQuery(phrase))
}

// LookupDocURL resolves an indexed document URL for the verifier's hint
// ladder.
func (e *Engine) LookupDocURL(ctx context.Context, docID, title string) (string, bool) {
	if e.store == nil {
		return "", false
	}
	return e.store.LookupDocURL(ctx, docID, title)
}

// IndexDocuments chunks, embeds and stores documents. Returns the number
// of chunks written.
func (e *Engine) IndexDocuments(ctx context.Context, docs []Document) (int, error) {
	if e.embedder == nil {
		return 0, fmt.Errorf("hybrid: no embedder configured")
	}
	total := 0
	for _, doc := range docs {
		chunks := ChunkLegalDocument(doc)
		if len(chunks) == 0 {
			continue
		}
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		vecs, err := e.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return total, fmt.Errorf("hybrid: embed %s: %w", doc.DocID, err)
		}
		if err := e.store.Upsert(ctx, chunks, vecs); err != nil {
			return total, err
		}
		total += len(chunks)
	}
	return total, nil
}
