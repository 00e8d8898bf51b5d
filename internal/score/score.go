// Package score turns gate verdicts into calibrated confidence and
// enforces result diversity. Scores live in [0,1]; bands are derived by
// fixed floors so callers never compare raw floats.
package score

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"lexhound/internal/canonical"
	"lexhound/internal/config"
	"lexhound/internal/gate"
	"lexhound/internal/legaltext"
	"lexhound/internal/search"
)

// Confidence bands.
const (
	BandLow    = "LOW"
	BandMedium = "MEDIUM"
	BandHigh   = "HIGH"
)

// Retrieval tiers. Near misses and stale recalls ride the exploratory
// tier, whose confidence is capped.
const (
	TierExactStrict      = "exact_strict"
	TierExactProvisional = "exact_provisional"
	TierExploratory      = "exploratory"
)

// FallbackReasonStale marks cases replayed from the stale recall store.
const FallbackReasonStale = "stale_cache"

// Component weights. The positive weights sum to 1; inapplicable
// components drop out and the rest renormalise.
const (
	weightAnchors    = 0.20
	weightIssues     = 0.10
	weightProcedures = 0.10
	weightHooks      = 0.30
	weightPolarity   = 0.15
	weightEvidence   = 0.05
	weightRerank     = 0.10

	penaltyContradiction    = 0.25
	penaltyPolarityMismatch = 0.15
)

// Inputs carries the intent-side vocabulary the scorer matches against.
type Inputs struct {
	Intent  canonical.Intent
	Anchors []string
	Issues  []string
}

// ScoredCase is a candidate with its confidence and gate annotations.
type ScoredCase struct {
	search.Candidate

	Score           float64  `json:"score"`
	ConfidenceScore float64  `json:"confidenceScore"`
	ConfidenceBand  string   `json:"confidenceBand"`
	RetrievalTier   string   `json:"retrievalTier"`
	FallbackReason  string   `json:"fallbackReason,omitempty"`
	MissingElements []string `json:"missingElements,omitempty"`
	GapSummary      string   `json:"gapSummary,omitempty"`
	MatchEvidence   []string `json:"matchEvidence,omitempty"`

	Bucket string `json:"-"`
}

// Band maps a confidence score to its band.
func Band(cfg config.ScoringConfig, score float64) string {
	switch {
	case score >= cfg.HighBandFloor:
		return BandHigh
	case score >= cfg.MediumBandFloor:
		return BandMedium
	default:
		return BandLow
	}
}

// ScoreCandidates scores each candidate against the intent using its gate
// verdict. verdicts must parallel cands; a shorter slice leaves the tail
// unverdicted and exploratory. Output order mirrors input order.
func ScoreCandidates(cfg config.ScoringConfig, in Inputs, cands []search.Candidate, verdicts []gate.Verdict) []ScoredCase {
	out := make([]ScoredCase, len(cands))
	for i, c := range cands {
		var v gate.Verdict
		if i < len(verdicts) {
			v = verdicts[i]
		}
		out[i] = scoreOne(cfg, in, c, v)
	}
	return out
}

func scoreOne(cfg config.ScoringConfig, in Inputs, c search.Candidate, v gate.Verdict) ScoredCase {
	text := strings.ToLower(c.Title + ". " + c.Snippet + " " + c.DetailText)

	type component struct {
		weight, value float64
		applicable    bool
	}
	detected, _ := legaltext.DetectPolarity(text)
	mismatch := opposing(in.Intent.OutcomePolarity, detected)

	comps := []component{
		{weightAnchors, coverage(text, in.Anchors), len(in.Anchors) > 0},
		{weightIssues, coverage(text, in.Issues), len(in.Issues) > 0},
		{weightProcedures, coverage(text, in.Intent.Proceedings), len(in.Intent.Proceedings) > 0},
		{weightHooks, ratio(v.RequiredHooksMatched, v.RequiredHooks), v.RequiredHooks > 0},
		{weightPolarity, polarityValue(in.Intent.OutcomePolarity, detected, v), in.Intent.OutcomePolarity != legaltext.PolarityUnknown},
		{weightEvidence, evidenceValue(c.EvidenceQuality), c.EvidenceQuality != nil},
		{weightRerank, clamp01(c.Retrieval.RerankScore), c.Retrieval.RerankScore > 0},
	}

	sum, wsum := 0.0, 0.0
	for _, cp := range comps {
		if !cp.applicable {
			continue
		}
		sum += cp.weight * cp.value
		wsum += cp.weight
	}
	score := 0.0
	if wsum > 0 {
		score = sum / wsum
	}
	if v.ContradictionHit {
		score -= penaltyContradiction
	}
	if mismatch {
		score -= penaltyPolarityMismatch
	}
	score = clamp01(score)

	tier := tierFor(v.Bucket)
	confidence := score
	if tier == TierExploratory && confidence > cfg.ExploratoryConfidenceCap {
		confidence = cfg.ExploratoryConfidenceCap
	}

	return ScoredCase{
		Candidate:       c,
		Score:           score,
		ConfidenceScore: confidence,
		ConfidenceBand:  Band(cfg, confidence),
		RetrievalTier:   tier,
		MissingElements: v.MissingElements,
		GapSummary:      v.GapSummary,
		MatchEvidence:   v.MatchEvidence,
		Bucket:          v.Bucket,
	}
}

func tierFor(bucket string) string {
	switch bucket {
	case gate.BucketExactStrict:
		return TierExactStrict
	case gate.BucketExactProvisional:
		return TierExactProvisional
	default:
		return TierExploratory
	}
}

// polarityValue grades outcome alignment: direct evidence scores full,
// silence scores partial, opposition scores zero.
func polarityValue(want, detected legaltext.Polarity, v gate.Verdict) float64 {
	switch {
	case v.ContradictionHit || opposing(want, detected):
		return 0
	case detected == want:
		return 1
	default:
		return 0.4
	}
}

// opposingPolarities pairs dispositions that cannot both hold.
var opposingPolarities = map[legaltext.Polarity]legaltext.Polarity{
	legaltext.PolarityRefused:     legaltext.PolarityAllowed,
	legaltext.PolarityAllowed:     legaltext.PolarityRefused,
	legaltext.PolarityRequired:    legaltext.PolarityNotRequired,
	legaltext.PolarityNotRequired: legaltext.PolarityRequired,
}

func opposing(want, detected legaltext.Polarity) bool {
	if want == legaltext.PolarityUnknown || detected == legaltext.PolarityUnknown {
		return false
	}
	return opposingPolarities[want] == detected
}

func evidenceValue(q *search.EvidenceQuality) float64 {
	if q == nil {
		return 0
	}
	switch {
	case q.HookIntersections > 0 || q.ChainSentences > 0:
		return 1
	case q.RelationSentences > 0 && q.PolaritySentences > 0:
		return 0.5
	default:
		return 0
	}
}

func coverage(text string, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	hit := 0
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" && strings.Contains(text, t) {
			hit++
		}
	}
	return float64(hit) / float64(len(terms))
}

func ratio(num, den int) float64 {
	if den <= 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// Diversify sorts by confidence and enforces the fingerprint and
// court-day caps. Order within equal confidence is stable, so replays
// produce identical lists.
func Diversify(cfg config.ScoringConfig, cases []ScoredCase) []ScoredCase {
	maxFP := cfg.MaxPerFingerprint
	if maxFP <= 0 {
		maxFP = 2
	}
	maxDay := cfg.MaxPerCourtDay
	if maxDay <= 0 {
		maxDay = 3
	}

	sorted := make([]ScoredCase, len(cases))
	copy(sorted, cases)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].ConfidenceScore != sorted[j].ConfidenceScore {
			return sorted[i].ConfidenceScore > sorted[j].ConfidenceScore
		}
		return sorted[i].Score > sorted[j].Score
	})

	perFP := map[string]int{}
	perDay := map[string]int{}
	out := make([]ScoredCase, 0, len(sorted))
	for _, sc := range sorted {
		fp := Fingerprint(sc.Candidate)
		if perFP[fp] >= maxFP {
			continue
		}
		day := courtDayKey(sc.Candidate)
		if day != "" && perDay[day] >= maxDay {
			continue
		}
		perFP[fp]++
		if day != "" {
			perDay[day]++
		}
		out = append(out, sc)
	}
	return out
}

// Fingerprint identifies a judgment across providers: normalised title
// plus court plus decision day.
func Fingerprint(c search.Candidate) string {
	title := legaltext.NormalizeQuery(c.Title)
	h := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s", title, c.Court, DecisionDay(c.DecisionDate)))
	return hex.EncodeToString(h[:])[:16]
}

func courtDayKey(c search.Candidate) string {
	day := DecisionDay(c.DecisionDate)
	if day == "" {
		return ""
	}
	return string(c.Court) + "|" + day
}
