package cache

import (
	"context"
	"testing"
	"time"
)

func memStore(t *testing.T) *Store {
	t.Helper()
	return New(Options{}, nil)
}

func TestSetGetString(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	s.SetString(ctx, "k", "v", 0)
	got, ok := s.GetString(ctx, "k")
	if !ok || got != "v" {
		t.Fatalf("GetString = (%q, %v), want (v, true)", got, ok)
	}

	s.Del(ctx, "k")
	if _, ok := s.GetString(ctx, "k"); ok {
		t.Fatal("key survived Del")
	}
}

func TestExpiryCheckedOnRead(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	s.SetString(ctx, "k", "v", 15*time.Millisecond)
	if _, ok := s.GetString(ctx, "k"); !ok {
		t.Fatal("entry missing before TTL")
	}
	time.Sleep(30 * time.Millisecond)
	if _, ok := s.GetString(ctx, "k"); ok {
		t.Fatal("entry visible after TTL")
	}

	// The expired entry must have been deleted on access.
	s.mu.RLock()
	_, still := s.entries["k"]
	s.mu.RUnlock()
	if still {
		t.Fatal("expired entry not deleted on access")
	}
}

func TestGetSetValueRoundTrip(t *testing.T) {
	type payload struct {
		Phrase string   `json:"phrase"`
		Hooks  []string `json:"hooks"`
	}
	s := memStore(t)
	ctx := context.Background()

	in := payload{Phrase: "section 197 crpc sanction", Hooks: []string{"197", "19"}}
	if err := s.SetValue(ctx, "plan", in, time.Minute); err != nil {
		t.Fatalf("SetValue error = %v", err)
	}

	var out payload
	ok, err := s.GetValue(ctx, "plan", &out)
	if err != nil || !ok {
		t.Fatalf("GetValue = (%v, %v), want (true, nil)", ok, err)
	}
	if out.Phrase != in.Phrase || len(out.Hooks) != 2 {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestGetValueCorruptEntryDropped(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	s.SetString(ctx, "bad", "{not json", time.Minute)
	var out map[string]any
	ok, err := s.GetValue(ctx, "bad", &out)
	if ok || err == nil {
		t.Fatalf("GetValue = (%v, %v), want miss with error", ok, err)
	}
	if _, still := s.GetString(ctx, "bad"); still {
		t.Fatal("corrupt entry not dropped")
	}
}

func TestIncrementSetsTTLOnCreate(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	if n := s.Increment(ctx, "bucket", 25*time.Millisecond); n != 1 {
		t.Fatalf("first Increment = %d, want 1", n)
	}
	if n := s.Increment(ctx, "bucket", 25*time.Millisecond); n != 2 {
		t.Fatalf("second Increment = %d, want 2", n)
	}

	time.Sleep(50 * time.Millisecond)
	// Window elapsed: the counter restarts.
	if n := s.Increment(ctx, "bucket", 25*time.Millisecond); n != 1 {
		t.Fatalf("Increment after expiry = %d, want 1", n)
	}
}

func TestLockOwnership(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	if !s.AcquireLock(ctx, "lock", "owner-a", time.Minute) {
		t.Fatal("owner-a failed to acquire free lock")
	}
	if s.AcquireLock(ctx, "lock", "owner-b", time.Minute) {
		t.Fatal("owner-b acquired a held lock")
	}

	// Release by the wrong owner is a no-op.
	s.ReleaseLock(ctx, "lock", "owner-b")
	if s.AcquireLock(ctx, "lock", "owner-b", time.Minute) {
		t.Fatal("wrong-owner release freed the lock")
	}

	s.ReleaseLock(ctx, "lock", "owner-a")
	if !s.AcquireLock(ctx, "lock", "owner-b", time.Minute) {
		t.Fatal("owner-b failed to acquire released lock")
	}
}

func TestLockExpires(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	if !s.AcquireLock(ctx, "lock", "owner-a", 15*time.Millisecond) {
		t.Fatal("acquire failed")
	}
	time.Sleep(30 * time.Millisecond)
	if !s.AcquireLock(ctx, "lock", "owner-b", time.Minute) {
		t.Fatal("expired lock not acquirable")
	}
}

func TestEvictionBound(t *testing.T) {
	s := New(Options{MaxEntries: 8}, nil)
	ctx := context.Background()

	for i := 0; i < 40; i++ {
		s.SetString(ctx, string(rune('a'+i%26))+string(rune('0'+i/26)), "v", 0)
	}

	s.mu.RLock()
	n := len(s.entries)
	s.mu.RUnlock()
	if n > 8 {
		t.Fatalf("entries = %d, want <= 8", n)
	}
}
