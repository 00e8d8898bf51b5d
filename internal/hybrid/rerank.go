package hybrid

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"lexhound/internal/gateway"
	"lexhound/internal/legaltext"
	"lexhound/internal/search"
)

const rerankSystem = "You grade Indian case-law search results. Score every listed candidate's relevance to the query from 0 to 1, where 1 is a direct answer. Return a score for each index."

// Reranker orders the fused head with a hosted model. When the call fails
// or returns an incomplete grid, a deterministic lexical overlap takes
// over, so reranking never drops or blocks results.
type Reranker struct {
	log     *zap.Logger
	invoker gateway.Invoker
	model   gateway.ModelSpec
	timeout time.Duration
}

// NewReranker builds a reranker. A nil invoker or unconfigured model makes
// every pass fall through to the lexical scores.
func NewReranker(log *zap.Logger, invoker gateway.Invoker, model gateway.ModelSpec, timeout time.Duration) *Reranker {
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	return &Reranker{
		log:     log.Named("rerank"),
		invoker: invoker,
		model:   model,
		timeout: timeout,
	}
}

// Rerank reorders the top topN candidates by relevance score and stamps
// each with its score. The tail keeps its fused order.
func (r *Reranker) Rerank(ctx context.Context, phrase string, cands []search.Candidate, topN int) []search.Candidate {
	if topN <= 0 || len(cands) < 2 {
		return cands
	}
	if topN > len(cands) {
		topN = len(cands)
	}
	head := make([]search.Candidate, topN)
	copy(head, cands[:topN])

	scores, err := r.hostedScores(ctx, phrase, head)
	if err != nil {
		r.log.Debug("hosted rerank unavailable", zap.Error(err))
		scores = lexicalScores(phrase, head)
	}
	for i := range head {
		head[i].Retrieval.RerankScore = scores[i]
	}
	sort.SliceStable(head, func(i, j int) bool {
		return head[i].Retrieval.RerankScore > head[j].Retrieval.RerankScore
	})
	return append(head, cands[topN:]...)
}

// hostedScores asks the model for a strict-JSON score per candidate. Any
// shape violation is an error; partial grids never mix with fallback
// scores.
func (r *Reranker) hostedScores(ctx context.Context, phrase string, head []search.Candidate) ([]float64, error) {
	if r.invoker == nil || !r.model.Configured() {
		return nil, fmt.Errorf("rerank model not configured")
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nCandidates:\n", phrase)
	for i, c := range head {
		fmt.Fprintf(&b, "%d. %s", i, c.Title)
		if c.Snippet != "" {
			fmt.Fprintf(&b, ": %s", legaltext.Ellipsis(c.Snippet, 200))
		}
		b.WriteByte('\n')
	}

	res, err := r.invoker.Invoke(cctx, gateway.Request{
		Model:     r.model,
		System:    rerankSystem,
		Prompt:    b.String(),
		MaxTokens: 700,
		Schema: &gateway.SchemaSpec{
			Name:        "rerank_scores",
			Description: "Relevance scores for the listed candidates",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"scores": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"index": map[string]any{"type": "integer"},
								"score": map[string]any{"type": "number"},
							},
							"required": []string{"index", "score"},
						},
					},
				},
				"required": []string{"scores"},
			},
		},
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Scores []struct {
			Index int     `json:"index"`
			Score float64 `json:"score"`
		} `json:"scores"`
	}
	if err := json.Unmarshal([]byte(res.Text), &parsed); err != nil {
		return nil, fmt.Errorf("rerank response: %w", err)
	}
	if len(parsed.Scores) != len(head) {
		return nil, fmt.Errorf("rerank scored %d of %d candidates", len(parsed.Scores), len(head))
	}

	out := make([]float64, len(head))
	seen := make([]bool, len(head))
	for _, s := range parsed.Scores {
		if s.Index < 0 || s.Index >= len(head) || seen[s.Index] {
			return nil, fmt.Errorf("rerank index %d invalid", s.Index)
		}
		seen[s.Index] = true
		out[s.Index] = clamp01(s.Score)
	}
	return out, nil
}

// lexicalScores is the deterministic fallback: token overlap between the
// query and the candidate's title plus snippet.
func lexicalScores(phrase string, head []search.Candidate) []float64 {
	out := make([]float64, len(head))
	for i, c := range head {
		out[i] = legaltext.TermOverlap(phrase, c.Title+" "+c.Snippet)
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
