package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"lexhound/internal/canonical"
	"lexhound/internal/gate"
	"lexhound/internal/intent"
	"lexhound/internal/planner"
	"lexhound/internal/reasoner"
	"lexhound/internal/score"
	"lexhound/internal/search"
)

const maxInsights = 8

// finalize splits the ranked cases into buckets, decides the response
// status and assembles the envelope.
func (p *Pipeline) finalize(req Request, profile intent.Profile, lane planner.Output, cl gate.Checklist, tel reasoner.Telemetry, ret retrievalSummary, ranked []score.ScoredCase, filtered int, tr *trace) Response {
	var strict, provisional, nearMiss []score.ScoredCase
	for _, c := range ranked {
		switch c.Bucket {
		case gate.BucketExactStrict:
			strict = append(strict, c)
		case gate.BucketExactProvisional:
			provisional = append(provisional, c)
		default:
			nearMiss = append(nearMiss, c)
		}
	}
	exact := append(append([]score.ScoredCase{}, strict...), provisional...)

	cases := exact
	promoted := false
	if len(cases) == 0 && len(nearMiss) > 0 && p.cfg.Flags.AlwaysReturnV1 {
		cases = nearMiss
		promoted = true
	}
	if len(cases) > req.MaxResults {
		cases = cases[:req.MaxResults]
	}

	status := StatusCompleted
	switch {
	case len(cases) > 0:
		status = StatusCompleted
	case len(nearMiss) > 0:
		status = StatusNoMatch
	case ret.blockedKind != "":
		status = StatusBlocked
	default:
		status = StatusNoMatch
	}

	resp := Response{
		RequestID:     req.RequestID,
		Status:        status,
		BlockedKind:   ret.blockedKind,
		ExecutionPath: PathServerOnly,
		PartialRun:    ret.cutShort || ret.blockedKind != "",
		Query:         req.Query,
		Context:       profile.Context(),
		Proposition: PropositionView{
			RequiredElements: cl.RequiredElements,
			OptionalElements: cl.OptionalElements,
			Constraints:      cl.Constraints,
		},
		KeywordPack:           lane.KeywordPack,
		TotalFetched:          ret.totalFetched,
		FilteredCount:         filtered,
		Cases:                 cases,
		CasesExact:            exact,
		CasesExactStrict:      strict,
		CasesExactProvisional: provisional,
		CasesNearMiss:         nearMiss,
		Telemetry:             tel,
	}
	if status == StatusBlocked {
		resp.RetryAfterMs = ret.retryAfter.Milliseconds()
	}

	tr.add("finalize", fmt.Sprintf("%d strict, %d provisional, %d near-miss", len(strict), len(provisional), len(nearMiss)))
	resp.Trace = tr.events
	resp.Insights = p.buildInsights(tel, ret, strict, provisional, nearMiss, promoted)
	resp.Notes = buildNotes(ret)
	if req.DebugEnabled {
		resp.ProviderDebug = ret.debug
	}
	return resp
}

// emptyResponse covers runs where retrieval produced no candidates and no
// stale entry could stand in.
func (p *Pipeline) emptyResponse(req Request, profile intent.Profile, lane planner.Output, ci canonical.Intent, plan *reasoner.Plan, tel reasoner.Telemetry, ret retrievalSummary, tr *trace) Response {
	cl := gate.BuildChecklist(ci, plan, gate.OptionsFromFlags(p.cfg.Flags))
	return p.finalize(req, profile, lane, cl, tel, ret, nil, ret.totalFetched, tr)
}

// buildInsights produces at most maxInsights short operator-facing lines.
func (p *Pipeline) buildInsights(tel reasoner.Telemetry, ret retrievalSummary, strict, provisional, nearMiss []score.ScoredCase, promoted bool) []string {
	var out []string
	add := func(s string) {
		if len(out) < maxInsights {
			out = append(out, s)
		}
	}

	if len(strict)+len(provisional) > 0 {
		add(fmt.Sprintf("exact matches: %d strict, %d provisional", len(strict), len(provisional)))
	}
	if len(nearMiss) > 0 {
		line := fmt.Sprintf("near misses: %d", len(nearMiss))
		if gap := dominantGap(nearMiss); gap != "" {
			line += "; most often missing " + gap
		}
		add(line)
	}
	if promoted {
		add("no exact match cleared the proposition gate; closest near-misses returned instead")
	}
	if ret.blockedKind != "" {
		add("retrieval degraded: " + ret.blockedKind + " on at least one source")
	}
	if ret.cutShort {
		add("later retrieval phases skipped while sources cool down")
	}
	switch {
	case tel.Mode == reasoner.ModeLLM && tel.CacheHit:
		add("reasoner plan served from cache")
	case tel.Mode == reasoner.ModeLLM:
		add("reasoner plan applied (" + tel.Model + ")")
	case tel.Error != "":
		add("deterministic planning only (" + tel.Error + ")")
	}
	if n := semanticContribution(ret.debug); n > 0 {
		add(fmt.Sprintf("hybrid fusion contributed %d semantic candidates", n))
	}
	return out
}

// dominantGap names the missing element seen most often across near-miss
// verdicts.
func dominantGap(nearMiss []score.ScoredCase) string {
	counts := make(map[string]int)
	for _, c := range nearMiss {
		for _, m := range c.MissingElements {
			counts[m]++
		}
	}
	if len(counts) == 0 {
		return ""
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys[0]
}

func semanticContribution(debug []search.DebugRecord) int {
	total := 0
	for _, d := range debug {
		total += d.HybridSemantic
	}
	return total
}

// stockNotes are the stable caveats attached to every response.
func stockNotes() []string {
	return []string{
		"Blocked sources stay blocked until their cooldown lapses; anti-bot protections are honoured, never bypassed.",
		"Validate every citation against the official reporter before relying on it.",
		"Confidence bands describe retrieval strength, not legal correctness.",
	}
}

func buildNotes(ret retrievalSummary) []string {
	notes := stockNotes()
	if ret.blockedKind != "" && ret.retryAfter > 0 {
		secs := int(ret.retryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		notes = append(notes, fmt.Sprintf("Some sources are cooling down; retry in about %d seconds.", secs))
	}
	return notes
}

// ===== TRACE DETAIL HELPERS =====

func profileSummary(p intent.Profile) string {
	parts := []string{string(p.CourtHint)}
	if len(p.Statutes) > 0 {
		parts = append(parts, fmt.Sprintf("%d statutes", len(p.Statutes)))
	}
	if len(p.Issues) > 0 {
		parts = append(parts, fmt.Sprintf("%d issues", len(p.Issues)))
	}
	return strings.Join(parts, ", ")
}

func planSummary(lane planner.Output, out reasoner.Outcome) string {
	s := fmt.Sprintf("%d deterministic variants", len(lane.Variants))
	if out.Plan != nil {
		s += ", reasoner plan ready"
	} else if out.Telemetry.Error != "" {
		s += ", reasoner: " + out.Telemetry.Error
	}
	return s
}

func variantSummary(variants []planner.QueryVariant) string {
	byPhase := make(map[planner.Phase]int)
	for _, v := range variants {
		byPhase[v.Phase]++
	}
	parts := make([]string, 0, len(byPhase))
	for _, ph := range planner.Phases {
		if n := byPhase[ph]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", ph, n))
		}
	}
	return fmt.Sprintf("%d variants (%s)", len(variants), strings.Join(parts, " "))
}

func countSummary(n int) string {
	return fmt.Sprintf("%d candidates", n)
}

func hydrationSummary(cands []search.Candidate) string {
	hydrated := 0
	for _, c := range cands {
		if c.DetailText != "" {
			hydrated++
		}
	}
	return fmt.Sprintf("%d of %d hydrated", hydrated, len(cands))
}

func telemetrySummary(tel reasoner.Telemetry) string {
	if tel.Error != "" {
		return tel.Mode + ": " + tel.Error
	}
	return tel.Mode
}

func gateSummary(verdicts []gate.Verdict) string {
	counts := make(map[string]int, 3)
	for _, v := range verdicts {
		counts[v.Bucket]++
	}
	return fmt.Sprintf("strict=%d provisional=%d near_miss=%d",
		counts[gate.BucketExactStrict], counts[gate.BucketExactProvisional], counts[gate.BucketNearMiss])
}
