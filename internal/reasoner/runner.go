package reasoner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lexhound/internal/cache"
	"lexhound/internal/config"
	"lexhound/internal/gateway"
	"lexhound/internal/intent"
)

// Cache and coordination keys. Bumping the version segment invalidates
// every stored plan at once.
const (
	pass1KeyPrefix = "reasoner:v2:pass1:"
	pass2KeyPrefix = "reasoner:v2:pass2:"
	circuitKey     = "reasoner:circuit:v1"
	rateKey        = "reasoner:rate:v1"

	cachePollInterval = 120 * time.Millisecond
	circuitTTLPad     = 30 * time.Second
)

var errPlanUnusable = errors.New("plan has no variants or groups")

// circuitState is the shared breaker record.
type circuitState struct {
	Failures  int   `json:"failures"`
	OpenUntil int64 `json:"openUntil"` // unix ms, zero while closed
}

// Outcome is the result of one pass: the grounded plan when one was
// produced, the intermediate sketch for debugging, and telemetry either way.
type Outcome struct {
	Plan      *Plan
	Sketch    *Sketch
	Telemetry Telemetry
}

// Runner owns the model loop and its guards. One per process; safe for
// concurrent use.
type Runner struct {
	log     *zap.Logger
	models  config.ModelConfig
	cfg     config.ReasonerConfig
	store   *cache.Store
	invoker gateway.Invoker
	sem     chan struct{}
}

// New wires a runner. The invoker is the model gateway; tests substitute
// a fake.
func New(log *zap.Logger, models config.ModelConfig, cfg config.ReasonerConfig, store *cache.Store, invoker gateway.Invoker) *Runner {
	inflight := cfg.MaxInflight
	if inflight < 1 {
		inflight = 1
	}
	return &Runner{
		log:     log,
		models:  models,
		cfg:     cfg,
		store:   store,
		invoker: invoker,
		sem:     make(chan struct{}, inflight),
	}
}

// Pass1Key is the cache key for a query's sketch-derived plan.
func Pass1Key(fingerprint string) string {
	return pass1KeyPrefix + fingerprint
}

// Pass2Key folds the refinement seed into the key: a different base plan
// or snippet set is a different pass-2 question.
func Pass2Key(fingerprint string, basePlan Plan, snippets []string) string {
	h := sha256.New()
	if raw, err := json.Marshal(basePlan); err == nil {
		h.Write(raw)
	}
	for _, s := range snippets {
		h.Write([]byte{0})
		h.Write([]byte(s))
	}
	return pass2KeyPrefix + fingerprint + ":" + hex.EncodeToString(h.Sum(nil))[:12]
}

// RunPass1 produces the sketch-derived plan for the profile. force pushes
// through an open circuit; nothing else does.
func (r *Runner) RunPass1(ctx context.Context, profile intent.Profile, budget *Budget, force bool) Outcome {
	return r.run(ctx, invocation{
		pass:   PassSketch,
		key:    Pass1Key(profile.Fingerprint()),
		ttl:    r.cfg.Pass1TTL,
		schema: sketchSchema(),
		force:  force,
		prompt: func(compact bool) string { return buildSketchPrompt(profile, compact) },
		parse: func(text string) (*Plan, *Sketch, error) {
			sketch, err := DecodeSketch(text)
			if err != nil {
				return nil, nil, err
			}
			valid, err := ValidateSketch(sketch)
			if err != nil {
				return nil, nil, err
			}
			plan := GroundPlan(ExpandSketch(valid, profile), profile)
			return &plan, &valid, nil
		},
	}, profile, budget)
}

// RunPass2 refines a base plan against retrieval feedback.
func (r *Runner) RunPass2(ctx context.Context, profile intent.Profile, basePlan Plan, snippets []string, budget *Budget) Outcome {
	return r.run(ctx, invocation{
		pass:   PassPlan,
		key:    Pass2Key(profile.Fingerprint(), basePlan, snippets),
		ttl:    r.cfg.Pass2TTL,
		schema: planSchema(),
		prompt: func(compact bool) string { return buildPlanPrompt(profile, basePlan, snippets, compact) },
		parse: func(text string) (*Plan, *Sketch, error) {
			plan, err := DecodePlan(text)
			if err != nil {
				return nil, nil, err
			}
			plan = GroundPlan(plan, profile)
			if len(plan.QueryVariantsStrict) == 0 && len(plan.Proposition.HookGroups) == 0 {
				return nil, nil, errPlanUnusable
			}
			return &plan, nil, nil
		},
	}, profile, budget)
}

type invocation struct {
	pass   int
	key    string
	ttl    time.Duration
	schema gateway.SchemaSpec
	force  bool
	prompt func(compact bool) string
	parse  func(text string) (*Plan, *Sketch, error)
}

// run walks the gate ladder, then the invoke ladder. Gate order is fixed:
// mode, budget, model config, cache, circuit, rate bucket, distributed
// lock, local semaphore.
func (r *Runner) run(ctx context.Context, inv invocation, profile intent.Profile, budget *Budget) Outcome {
	tel := Telemetry{Mode: ModeDeterministic, Pass: inv.pass}

	if r.cfg.Mode != "on" {
		return Outcome{Telemetry: tel}
	}
	if budget != nil && budget.Exhausted() {
		tel.Error = ErrBudgetExhausted
		return Outcome{Telemetry: tel}
	}

	if r.models.PrimaryModelID == "" {
		tel.Error = ErrConfigMissing
		return Outcome{Telemetry: tel}
	}
	spec, err := gateway.ResolveModel(r.models.PrimaryModelID, r.models.RegionOverride, r.models.Region)
	if err != nil {
		tel.Error = ErrConfigMissing
		return Outcome{Telemetry: tel}
	}
	tel.Model = spec.ID

	if plan, ok := r.cachedPlan(ctx, inv.key); ok {
		tel.Mode = ModeLLM
		tel.CacheHit = true
		return Outcome{Plan: plan, Telemetry: tel}
	}

	if !inv.force && r.circuitOpen(ctx) {
		tel.Error = ErrCircuitOpen
		return Outcome{Telemetry: tel}
	}

	if r.cfg.RateLimit > 0 {
		if n := r.store.Increment(ctx, rateKey, r.cfg.RateWindow); n > int64(r.cfg.RateLimit) {
			tel.Error = ErrRateLimited
			return Outcome{Telemetry: tel}
		}
	}

	owner := uuid.NewString()
	lockKey := "lock:" + inv.key
	if !r.store.AcquireLock(ctx, lockKey, owner, r.cfg.LockTTL) {
		// Another worker is on it; ride its result if it lands in time.
		if plan, ok := r.pollCache(ctx, inv.key); ok {
			tel.Mode = ModeLLM
			tel.CacheHit = true
			return Outcome{Plan: plan, Telemetry: tel}
		}
		tel.Error = ErrLockBusy
		return Outcome{Telemetry: tel}
	}
	defer r.store.ReleaseLock(context.WithoutCancel(ctx), lockKey, owner)

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	default:
		tel.Error = ErrSaturated
		return Outcome{Telemetry: tel}
	}

	if budget != nil {
		budget.Consume()
	}

	started := time.Now()
	plan, sketch, kind := r.invokeLadder(ctx, inv, spec, profile, &tel)
	tel.Latency = time.Since(started).Milliseconds()

	if kind != "" {
		tel.Error = kind
		r.recordFailure(ctx)
		r.log.Warn("reasoner pass failed",
			zap.Int("pass", inv.pass),
			zap.String("error", kind),
			zap.Int("attempts", tel.Attempts))
		return Outcome{Telemetry: tel}
	}

	tel.Mode = ModeLLM
	r.recordSuccess(ctx)
	if err := r.store.SetValue(ctx, inv.key, plan, inv.ttl); err != nil {
		r.log.Debug("plan cache write failed", zap.Error(err))
	}
	return Outcome{Plan: plan, Sketch: sketch, Telemetry: tel}
}

// invokeLadder calls the model with up to two recoveries: once more
// without the structured-output request when the model rejects it, once
// more with a higher token cap and compact prompt when output was cut
// mid-JSON. Pass-1 payloads that still fail get the salvage parser.
func (r *Runner) invokeLadder(ctx context.Context, inv invocation, spec gateway.ModelSpec, profile intent.Profile, tel *Telemetry) (*Plan, *Sketch, string) {
	timeout := AdaptiveTimeout(r.models.BaseTimeout, r.models.MaxTimeout, profile, inv.pass)
	schema := &inv.schema
	maxTokens := r.models.MaxTokens
	compact := r.models.CompactPrompts

	var lastText string
	var lastParseErr error
	for attempt := 1; attempt <= 3; attempt++ {
		tel.Attempts = attempt

		cctx, cancel := context.WithTimeout(ctx, timeout)
		res, err := r.invoker.Invoke(cctx, gateway.Request{
			Model:     spec,
			System:    systemPrompt,
			Prompt:    inv.prompt(compact),
			MaxTokens: maxTokens,
			Schema:    schema,
		})
		cancel()

		if err != nil {
			switch gateway.ClassifyError(err) {
			case gateway.ErrUnsupportedOutput:
				if schema != nil {
					schema = nil
					continue
				}
				return nil, nil, ErrInvoke
			case gateway.ErrTimeout:
				return nil, nil, ErrTimeout
			default:
				return nil, nil, ErrInvoke
			}
		}
		if strings.TrimSpace(res.Text) == "" {
			return nil, nil, ErrEmptyResponse
		}

		lastText = res.Text
		plan, sketch, perr := inv.parse(res.Text)
		if perr == nil {
			return plan, sketch, ""
		}
		lastParseErr = perr

		if res.TruncatedByTokens() && maxTokens < r.models.MaxTokensRetry {
			maxTokens = r.models.MaxTokensRetry
			compact = true
			continue
		}
		break
	}

	if inv.pass == PassSketch && lastText != "" {
		if salvaged, ok := SalvageSketch(lastText); ok {
			if valid, err := ValidateSketch(salvaged); err == nil {
				tel.Salvaged = true
				plan := GroundPlan(ExpandSketch(valid, profile), profile)
				return &plan, &valid, ""
			}
		}
		return nil, nil, ErrSketchUnusable
	}
	if errors.Is(lastParseErr, errPlanUnusable) {
		return nil, nil, ErrPlanUnusable
	}
	return nil, nil, ErrParse
}

func (r *Runner) cachedPlan(ctx context.Context, key string) (*Plan, bool) {
	var plan Plan
	ok, err := r.store.GetValue(ctx, key, &plan)
	if err != nil || !ok {
		return nil, false
	}
	return &plan, true
}

// pollCache waits up to LockWait for the lock holder's plan to land.
func (r *Runner) pollCache(ctx context.Context, key string) (*Plan, bool) {
	deadline := time.Now().Add(r.cfg.LockWait)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(cachePollInterval):
		}
		if plan, ok := r.cachedPlan(ctx, key); ok {
			return plan, true
		}
	}
	return nil, false
}

func (r *Runner) circuitOpen(ctx context.Context) bool {
	var state circuitState
	ok, err := r.store.GetValue(ctx, circuitKey, &state)
	if err != nil || !ok {
		return false
	}
	return state.OpenUntil > time.Now().UnixMilli()
}

// recordFailure bumps the consecutive-failure count and opens the circuit
// at the threshold. The record expires on its own shortly after the
// cooldown so a quiet period closes the breaker.
func (r *Runner) recordFailure(ctx context.Context) {
	var state circuitState
	if _, err := r.store.GetValue(ctx, circuitKey, &state); err != nil {
		state = circuitState{}
	}
	state.Failures++
	if r.cfg.CircuitFailThreshold > 0 && state.Failures >= r.cfg.CircuitFailThreshold {
		state.OpenUntil = time.Now().Add(r.cfg.CircuitCooldown).UnixMilli()
		r.log.Warn("reasoner circuit opened",
			zap.Int("failures", state.Failures),
			zap.Duration("cooldown", r.cfg.CircuitCooldown))
	}
	if err := r.store.SetValue(ctx, circuitKey, state, r.cfg.CircuitCooldown+circuitTTLPad); err != nil {
		r.log.Debug("circuit state write failed", zap.Error(err))
	}
}

func (r *Runner) recordSuccess(ctx context.Context) {
	r.store.Del(ctx, circuitKey)
}
