package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"lexhound/internal/intent"
	"lexhound/internal/planner"
	"lexhound/internal/search"
)

// fetchFloor keeps early phases from starving later filters even on tiny
// maxResults requests.
const fetchFloor = 12

// retrievalSummary aggregates one request's provider traffic.
type retrievalSummary struct {
	candidates   []search.Candidate
	debug        []search.DebugRecord
	totalFetched int
	jobsIssued   int
	jobsFailed   int
	blockedKind  string
	retryAfter   time.Duration
	phasesRun    int
	cutShort     bool
}

func (s *retrievalSummary) allFailed() bool {
	return s.jobsIssued > 0 && s.jobsFailed == s.jobsIssued && len(s.candidates) == 0
}

func (s *retrievalSummary) summary() string {
	return fmt.Sprintf("%d fetched across %d phases (%d calls, %d failed)",
		s.totalFetched, s.phasesRun, s.jobsIssued, s.jobsFailed)
}

// retrieve walks the phases in issue order, fanning each phase's
// (variant, provider) pairs out concurrently under the global inflight
// cap. Results land in a pre-sized slice indexed by job position so the
// collected order stays deterministic. Once every reachable scope is
// cooling down the remaining phases are skipped and the request is marked
// blocked.
func (p *Pipeline) retrieve(ctx context.Context, variants []planner.QueryVariant, window intent.DateWindow, maxResults int, debugEnabled bool) retrievalSummary {
	byPhase := make(map[planner.Phase][]planner.QueryVariant)
	for _, v := range variants {
		byPhase[v.Phase] = append(byPhase[v.Phase], v)
	}

	inflight := p.cfg.Retrieval.GlobalInflight
	if inflight <= 0 {
		inflight = 1
	}
	sem := make(chan struct{}, inflight)

	fetchCap := maxResults * 3
	if fetchCap < fetchFloor {
		fetchCap = fetchFloor
	}

	var sum retrievalSummary
	seen := make(map[string]struct{})

	for _, phase := range planner.Phases {
		wave := byPhase[phase]
		if len(wave) == 0 {
			continue
		}
		if p.allScopesBlocked() {
			sum.cutShort = true
			p.log.Warn("retrieval short-circuited, all scopes cooling",
				zap.String("phase", string(phase)))
			break
		}

		type job struct {
			provider search.Provider
			input    search.Input
		}
		var jobs []job
		for _, v := range wave {
			routes := p.routesFor(v)
			v.ProviderHints = routes
			for _, scope := range routes {
				provider, ok := p.byScope[scope]
				if !ok {
					continue
				}
				jobs = append(jobs, job{provider: provider, input: search.Input{
					Variant:      v,
					DateWindow:   window,
					MaxResults:   maxResults,
					DebugEnabled: debugEnabled,
				}})
			}
		}
		if len(jobs) == 0 {
			continue
		}

		outputs := make([]search.Output, len(jobs))
		errs := make([]error, len(jobs))
		var wg sync.WaitGroup
		for i, j := range jobs {
			wg.Add(1)
			go func(i int, j job) {
				defer wg.Done()
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					errs[i] = ctx.Err()
					return
				}
				defer func() { <-sem }()
				outputs[i], errs[i] = j.provider.Search(ctx, j.input)
			}(i, j)
		}
		wg.Wait()

		sum.phasesRun++
		sum.jobsIssued += len(jobs)
		for i := range jobs {
			out := outputs[i]
			if out.Debug.Source != "" || debugEnabled {
				sum.debug = append(sum.debug, out.Debug)
			}
			if errs[i] != nil {
				sum.jobsFailed++
			}
			sum.totalFetched += len(out.Cases)
			sum.candidates = append(sum.candidates, out.Cases...)
			for _, c := range out.Cases {
				key := c.DocID
				if key == "" {
					key = c.URL
				}
				seen[key] = struct{}{}
			}
			sum.noteBlocked(out.Debug)
		}
		if len(seen) >= fetchCap {
			break
		}
	}
	return sum
}

// noteBlocked folds a debug record into the request-level blocked state.
// Challenge blocks outrank rate limits; the longest retry hint wins.
func (s *retrievalSummary) noteBlocked(d search.DebugRecord) {
	kind := ""
	switch {
	case d.Challenge || d.BlockedType == search.BlockedChallenge:
		kind = search.BlockedChallenge
	case d.RateLimited || d.BlockedType == search.BlockedRateLimit ||
		d.BlockedType == search.BlockedLocalCooldown:
		kind = search.BlockedRateLimit
	}
	if kind == "" {
		return
	}
	if s.blockedKind == "" || kind == search.BlockedChallenge {
		s.blockedKind = kind
	}
	if retry := time.Duration(d.RetryAfterMs) * time.Millisecond; retry > s.retryAfter {
		s.retryAfter = retry
	}
}

// routesFor picks the provider scopes for a variant. Pre-set hints win;
// otherwise precision stays on the JSON API, context fans across both
// kanoon lanes and expansion leans on the scraper plus web search. When
// both kanoon scopes are cooling the web-search bypass joins every route.
func (p *Pipeline) routesFor(v planner.QueryVariant) []string {
	if len(v.ProviderHints) > 0 {
		return v.ProviderHints
	}
	var scopes []string
	switch v.Directives.QueryMode {
	case planner.ModePrecision:
		scopes = []string{search.ScopeKanoonAPI}
	case planner.ModeContext:
		scopes = []string{search.ScopeKanoonAPI, search.ScopeKanoonWeb}
	default:
		scopes = []string{search.ScopeKanoonWeb, search.ScopeSerper}
	}
	if p.kanoonBlocked() {
		found := false
		for _, s := range scopes {
			if s == search.ScopeSerper {
				found = true
				break
			}
		}
		if !found {
			scopes = append(scopes, search.ScopeSerper)
		}
	}
	return scopes
}

func (p *Pipeline) kanoonBlocked() bool {
	_, _, apiBlocked := p.cooldowns.Blocked(search.ScopeKanoonAPI)
	_, _, webBlocked := p.cooldowns.Blocked(search.ScopeKanoonWeb)
	return apiBlocked && webBlocked
}

// allScopesBlocked reports whether no registered provider can take
// traffic: both kanoon scopes cooling and no web-search bypass wired.
func (p *Pipeline) allScopesBlocked() bool {
	if !p.kanoonBlocked() {
		return false
	}
	_, serper := p.byScope[search.ScopeSerper]
	return !serper
}
