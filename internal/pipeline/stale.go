package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"lexhound/internal/intent"
	"lexhound/internal/planner"
	"lexhound/internal/reasoner"
	"lexhound/internal/score"
)

const (
	staleKeyPrefix = "stale:recall:v1:"
	staleIndexKey  = staleKeyPrefix + "index"
)

// recallEntry is one cached successful answer, keyed by the intent
// fingerprint. Replays only ever serve the exact same fingerprint.
type recallEntry struct {
	Query       string              `json:"query"`
	StoredAtMs  int64               `json:"storedAtMs"`
	Context     intent.ContextView  `json:"context"`
	Proposition PropositionView     `json:"proposition"`
	KeywordPack planner.KeywordPack `json:"keywordPack"`
	Cases       []score.ScoredCase  `json:"cases"`
}

// saveRecall stores a completed response for stale replay and keeps the
// recent-fingerprint index bounded.
func (p *Pipeline) saveRecall(ctx context.Context, fingerprint string, resp Response) {
	entry := recallEntry{
		Query:       resp.Query,
		StoredAtMs:  time.Now().UnixMilli(),
		Context:     resp.Context,
		Proposition: resp.Proposition,
		KeywordPack: resp.KeywordPack,
		Cases:       resp.Cases,
	}
	ttl := p.cfg.Cache.StaleRecallTTL
	if err := p.store.SetValue(ctx, staleKeyPrefix+fingerprint, entry, ttl); err != nil {
		p.log.Debug("stale recall save failed", zap.Error(err))
		return
	}

	var index []string
	_, _ = p.store.GetValue(ctx, staleIndexKey, &index)
	next := make([]string, 0, len(index)+1)
	next = append(next, fingerprint)
	for _, h := range index {
		if h != fingerprint {
			next = append(next, h)
		}
	}
	if limit := p.cfg.Cache.StaleIndexCap; limit > 0 && len(next) > limit {
		next = next[:limit]
	}
	_ = p.store.SetValue(ctx, staleIndexKey, next, ttl)
}

// replayRecall serves a cached answer when live retrieval produced
// nothing. Every replayed case is demoted to the exploratory tier with
// its confidence clamped under the exploratory cap, and the response is
// flagged as a partial fallback run.
func (p *Pipeline) replayRecall(ctx context.Context, req Request, profile intent.Profile, fingerprint string, tel reasoner.Telemetry, tr *trace) (Response, bool) {
	var entry recallEntry
	ok, err := p.store.GetValue(ctx, staleKeyPrefix+fingerprint, &entry)
	if err != nil || !ok || len(entry.Cases) == 0 {
		return Response{}, false
	}

	cases := make([]score.ScoredCase, 0, len(entry.Cases))
	for _, c := range entry.Cases {
		c.RetrievalTier = score.TierExploratory
		c.FallbackReason = score.FallbackReasonStale
		if c.ConfidenceScore > p.cfg.Scoring.ExploratoryConfidenceCap {
			c.ConfidenceScore = p.cfg.Scoring.ExploratoryConfidenceCap
		}
		c.ConfidenceBand = score.Band(p.cfg.Scoring, c.ConfidenceScore)
		if len(cases) < req.MaxResults {
			cases = append(cases, c)
		}
	}
	tr.add("finalize", "stale recall replay")

	age := time.Since(time.UnixMilli(entry.StoredAtMs)).Round(time.Minute)
	notes := append(stockNotes(), "Live sources were unavailable; this answer replays a cached run from about "+age.String()+" ago.")

	return Response{
		RequestID:     req.RequestID,
		Status:        StatusCompleted,
		ExecutionPath: PathServerFallback,
		PartialRun:    true,
		Query:         req.Query,
		Context:       profile.Context(),
		Proposition:   entry.Proposition,
		KeywordPack:   entry.KeywordPack,
		TotalFetched:  0,
		FilteredCount: 0,
		Cases:         cases,
		CasesExact:    cases,
		Insights:      []string{"stale fallback: replayed cached results for an identical query"},
		Notes:         notes,
		Trace:         tr.events,
		Telemetry:     tel,
	}, true
}
