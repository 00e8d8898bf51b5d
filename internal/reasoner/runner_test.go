package reasoner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"go.uber.org/zap"

	"lexhound/internal/cache"
	"lexhound/internal/config"
	"lexhound/internal/gateway"
	"lexhound/internal/intent"
)

const goodSketchJSON = `{"actors":["state"],"hooks":["section 197 crpc"],"polarity":"required","strict_terms":["197 crpc sanction"]}`

type fakeReply struct {
	text string
	stop string
	err  error
}

type fakeInvoker struct {
	mu    sync.Mutex
	reqs  []gateway.Request
	queue []fakeReply
}

func (f *fakeInvoker) Invoke(_ context.Context, req gateway.Request) (gateway.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	reply := f.queue[len(f.queue)-1]
	if len(f.reqs) <= len(f.queue) {
		reply = f.queue[len(f.reqs)-1]
	}
	if reply.err != nil {
		return gateway.Result{}, reply.err
	}
	stop := reply.stop
	if stop == "" {
		stop = string(types.StopReasonEndTurn)
	}
	return gateway.Result{Text: reply.text, StopReason: stop}, nil
}

func (f *fakeInvoker) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func (f *fakeInvoker) request(i int) gateway.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[i]
}

func testRunner(t *testing.T, invoker gateway.Invoker, mutate func(*config.ReasonerConfig)) (*Runner, *cache.Store) {
	t.Helper()
	store := cache.New(cache.Options{}, zap.NewNop())
	models := config.ModelConfig{
		PrimaryModelID: "apac.anthropic.claude-3-5-sonnet-20241022-v2:0",
		Region:         "ap-south-1",
		BaseTimeout:    2 * time.Second,
		MaxTimeout:     5 * time.Second,
		MaxTokens:      800,
		MaxTokensRetry: 1600,
	}
	rcfg := config.ReasonerConfig{
		Mode:                 "on",
		MaxCallsPerRequest:   4,
		Pass1TTL:             time.Minute,
		Pass2TTL:             time.Minute,
		CircuitFailThreshold: 2,
		CircuitCooldown:      80 * time.Millisecond,
		RateLimit:            100,
		RateWindow:           time.Minute,
		MaxInflight:          2,
		LockWait:             200 * time.Millisecond,
		LockTTL:              5 * time.Second,
	}
	if mutate != nil {
		mutate(&rcfg)
	}
	return New(zap.NewNop(), models, rcfg, store, invoker), store
}

func sanctionProfile() intent.Profile {
	return intent.Extractor{V2: true}.Extract("sanction under section 197 crpc for a public servant, sanction required")
}

func TestRunDeterministicModeSkipsModel(t *testing.T) {
	fake := &fakeInvoker{queue: []fakeReply{{text: goodSketchJSON}}}
	r, _ := testRunner(t, fake, func(c *config.ReasonerConfig) { c.Mode = "deterministic" })

	out := r.RunPass1(context.Background(), sanctionProfile(), nil, false)
	if out.Plan != nil || out.Telemetry.Mode != ModeDeterministic || out.Telemetry.Error != "" {
		t.Errorf("outcome = %+v, want clean deterministic skip", out.Telemetry)
	}
	if fake.calls() != 0 {
		t.Errorf("model invoked %d times in deterministic mode", fake.calls())
	}
}

func TestRunPass1CacheHitSecondCall(t *testing.T) {
	fake := &fakeInvoker{queue: []fakeReply{{text: goodSketchJSON}}}
	r, _ := testRunner(t, fake, nil)
	profile := sanctionProfile()

	first := r.RunPass1(context.Background(), profile, nil, false)
	if first.Plan == nil {
		t.Fatalf("first pass produced no plan: %+v", first.Telemetry)
	}
	if first.Telemetry.CacheHit {
		t.Error("first pass reported a cache hit")
	}

	second := r.RunPass1(context.Background(), profile, nil, false)
	if second.Plan == nil || !second.Telemetry.CacheHit {
		t.Errorf("second pass telemetry = %+v, want cacheHit", second.Telemetry)
	}
	if fake.calls() != 1 {
		t.Errorf("model invoked %d times, want 1", fake.calls())
	}
}

func TestCircuitOpensAfterThresholdAndAutoResets(t *testing.T) {
	fake := &fakeInvoker{queue: []fakeReply{{err: context.DeadlineExceeded}}}
	r, _ := testRunner(t, fake, nil)
	profile := sanctionProfile()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		out := r.RunPass1(ctx, profile, nil, false)
		if out.Telemetry.Error != ErrTimeout {
			t.Fatalf("call %d error = %q, want %q", i, out.Telemetry.Error, ErrTimeout)
		}
	}

	blocked := r.RunPass1(ctx, profile, nil, false)
	if blocked.Telemetry.Error != ErrCircuitOpen {
		t.Fatalf("error = %q, want %q", blocked.Telemetry.Error, ErrCircuitOpen)
	}
	if blocked.Telemetry.Mode != ModeDeterministic {
		t.Errorf("mode = %q, want deterministic while circuit open", blocked.Telemetry.Mode)
	}
	if fake.calls() != 2 {
		t.Errorf("model invoked %d times, want 2 before the circuit opened", fake.calls())
	}

	// Past the cooldown the breaker lets calls through again.
	time.Sleep(120 * time.Millisecond)
	after := r.RunPass1(ctx, profile, nil, false)
	if after.Telemetry.Error == ErrCircuitOpen {
		t.Error("circuit still open after cooldown")
	}
	if fake.calls() != 3 {
		t.Errorf("model invoked %d times, want 3 after reset", fake.calls())
	}
}

func TestForceBypassesOpenCircuit(t *testing.T) {
	fake := &fakeInvoker{queue: []fakeReply{{text: goodSketchJSON}}}
	r, store := testRunner(t, fake, nil)
	ctx := context.Background()

	open := circuitState{Failures: 5, OpenUntil: time.Now().Add(10 * time.Minute).UnixMilli()}
	if err := store.SetValue(ctx, circuitKey, open, time.Minute); err != nil {
		t.Fatalf("seed circuit: %v", err)
	}

	out := r.RunPass1(ctx, sanctionProfile(), nil, true)
	if out.Plan == nil || out.Telemetry.Error != "" {
		t.Fatalf("forced pass failed: %+v", out.Telemetry)
	}
	if fake.calls() != 1 {
		t.Errorf("model invoked %d times, want 1", fake.calls())
	}
	// Success closes the breaker for everyone.
	if r.circuitOpen(ctx) {
		t.Error("circuit still open after a forced success")
	}
}

func TestBudgetGate(t *testing.T) {
	fake := &fakeInvoker{queue: []fakeReply{{text: goodSketchJSON}}}
	r, _ := testRunner(t, fake, nil)

	out := r.RunPass1(context.Background(), sanctionProfile(), NewBudget(0), false)
	if out.Telemetry.Error != ErrBudgetExhausted {
		t.Errorf("error = %q, want %q", out.Telemetry.Error, ErrBudgetExhausted)
	}
	if fake.calls() != 0 {
		t.Errorf("model invoked despite exhausted budget")
	}
}

func TestMissingModelConfig(t *testing.T) {
	fake := &fakeInvoker{queue: []fakeReply{{text: goodSketchJSON}}}
	store := cache.New(cache.Options{}, zap.NewNop())
	r := New(zap.NewNop(), config.ModelConfig{}, config.ReasonerConfig{Mode: "on"}, store, fake)

	out := r.RunPass1(context.Background(), sanctionProfile(), nil, false)
	if out.Telemetry.Error != ErrConfigMissing {
		t.Errorf("error = %q, want %q", out.Telemetry.Error, ErrConfigMissing)
	}
}

func TestUnsupportedSchemaRetriesWithoutSchema(t *testing.T) {
	unsupported := &types.ValidationException{
		Message: aws.String("This model doesn't support the toolConfig.toolChoice.tool field"),
	}
	fake := &fakeInvoker{queue: []fakeReply{
		{err: unsupported},
		{text: goodSketchJSON},
	}}
	r, _ := testRunner(t, fake, nil)

	out := r.RunPass1(context.Background(), sanctionProfile(), nil, false)
	if out.Plan == nil || out.Telemetry.Error != "" {
		t.Fatalf("pass failed: %+v", out.Telemetry)
	}
	if fake.calls() != 2 {
		t.Fatalf("model invoked %d times, want schema-stripped retry", fake.calls())
	}
	if fake.request(0).Schema == nil {
		t.Error("first attempt carried no schema")
	}
	if fake.request(1).Schema != nil {
		t.Error("retry still carried the schema")
	}
	if out.Telemetry.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", out.Telemetry.Attempts)
	}
}

func TestMaxTokensCutoffRetriesWithHigherCap(t *testing.T) {
	truncated := `{"hooks": ["section 197 crpc"], "strict_terms": ["197 crpc`
	fake := &fakeInvoker{queue: []fakeReply{
		{text: truncated, stop: string(types.StopReasonMaxTokens)},
		{text: goodSketchJSON},
	}}
	r, _ := testRunner(t, fake, nil)

	out := r.RunPass1(context.Background(), sanctionProfile(), nil, false)
	if out.Plan == nil || out.Telemetry.Error != "" {
		t.Fatalf("pass failed: %+v", out.Telemetry)
	}
	if fake.calls() != 2 {
		t.Fatalf("model invoked %d times, want 2", fake.calls())
	}
	if got := fake.request(1).MaxTokens; got != 1600 {
		t.Errorf("retry MaxTokens = %d, want 1600", got)
	}
}

func TestSalvageLadder(t *testing.T) {
	// Parse fails (trailing comma, missing brace) and the stop reason is
	// normal, so no token retry: salvage is the only way out.
	broken := `{"hooks": ["section 197 crpc"], "strict_terms": ["197 crpc sanction"],`
	fake := &fakeInvoker{queue: []fakeReply{{text: broken}}}
	r, _ := testRunner(t, fake, nil)

	out := r.RunPass1(context.Background(), sanctionProfile(), nil, false)
	if out.Plan == nil || out.Telemetry.Error != "" {
		t.Fatalf("salvage failed: %+v", out.Telemetry)
	}
	if !out.Telemetry.Salvaged {
		t.Error("telemetry does not mark the salvage")
	}
	if fake.calls() != 1 {
		t.Errorf("model invoked %d times, want 1", fake.calls())
	}
}

func TestLockBusySkipsWhenNoResultLands(t *testing.T) {
	fake := &fakeInvoker{queue: []fakeReply{{text: goodSketchJSON}}}
	r, store := testRunner(t, fake, nil)
	profile := sanctionProfile()
	ctx := context.Background()

	if !store.AcquireLock(ctx, "lock:"+Pass1Key(profile.Fingerprint()), "other-worker", 5*time.Second) {
		t.Fatal("seed lock failed")
	}

	out := r.RunPass1(ctx, profile, nil, false)
	if out.Telemetry.Error != ErrLockBusy {
		t.Errorf("error = %q, want %q", out.Telemetry.Error, ErrLockBusy)
	}
	if fake.calls() != 0 {
		t.Errorf("model invoked despite a held lock")
	}
}

func TestLockWaiterAdoptsOtherWorkersResult(t *testing.T) {
	fake := &fakeInvoker{queue: []fakeReply{{text: goodSketchJSON}}}
	r, store := testRunner(t, fake, func(c *config.ReasonerConfig) { c.LockWait = 600 * time.Millisecond })
	profile := sanctionProfile()
	ctx := context.Background()
	key := Pass1Key(profile.Fingerprint())

	if !store.AcquireLock(ctx, "lock:"+key, "other-worker", 5*time.Second) {
		t.Fatal("seed lock failed")
	}
	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = store.SetValue(ctx, key, Plan{QueryVariantsStrict: []string{"197 crpc sanction"}}, time.Minute)
	}()

	out := r.RunPass1(ctx, profile, nil, false)
	if out.Plan == nil || !out.Telemetry.CacheHit {
		t.Fatalf("waiter did not adopt the result: %+v", out.Telemetry)
	}
	if fake.calls() != 0 {
		t.Errorf("model invoked %d times, want 0", fake.calls())
	}
}

func TestRateBucketGate(t *testing.T) {
	fake := &fakeInvoker{queue: []fakeReply{{err: context.DeadlineExceeded}}}
	r, _ := testRunner(t, fake, func(c *config.ReasonerConfig) {
		c.RateLimit = 1
		c.CircuitFailThreshold = 100
	})
	profile := sanctionProfile()
	ctx := context.Background()

	_ = r.RunPass1(ctx, profile, nil, false)
	out := r.RunPass1(ctx, profile, nil, false)
	if out.Telemetry.Error != ErrRateLimited {
		t.Errorf("error = %q, want %q", out.Telemetry.Error, ErrRateLimited)
	}
	if fake.calls() != 1 {
		t.Errorf("model invoked %d times, want 1", fake.calls())
	}
}

func TestPass2KeyVariesWithSeed(t *testing.T) {
	base := Plan{QueryVariantsStrict: []string{"a"}}
	k1 := Pass2Key("fp", base, []string{"snippet one"})
	k2 := Pass2Key("fp", base, []string{"snippet two"})
	k3 := Pass2Key("fp", Plan{QueryVariantsStrict: []string{"b"}}, []string{"snippet one"})
	if k1 == k2 || k1 == k3 {
		t.Errorf("seed hash failed to separate keys: %s %s %s", k1, k2, k3)
	}
	k1again := Pass2Key("fp", base, []string{"snippet one"})
	if k1 != k1again {
		t.Errorf("Pass2Key unstable: %s vs %s", k1, k1again)
	}
}
