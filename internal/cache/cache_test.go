package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TroyNeubauer/duo-enforcer/pkg/verdict"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(t *testing.T, opts ...Option) *Cache {
	t.Helper()
	base := []Option{WithCleanupInterval(0)}
	c := New(append(base, opts...)...)
	t.Cleanup(func() { c.Close() })
	return c
}

func allowVerdict() verdict.Verdict {
	return verdict.New(verdict.Allow, verdict.ReasonApproved, verdict.FactorPush, time.Minute)
}

func TestKeySeparatesPairs(t *testing.T) {
	t.Parallel()
	if Key("ab", "c") == Key("a", "bc") {
		t.Fatal("distinct principal/resource pairs collide")
	}
}

func TestGetOrComputeCachesResult(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	key := Key("alice", "ssh-login")

	var computes atomic.Int32
	compute := func(ctx context.Context) (verdict.Verdict, error) {
		computes.Add(1)
		return allowVerdict(), nil
	}

	v1, fromCache, err := c.GetOrCompute(context.Background(), key, compute)
	if err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	if fromCache {
		t.Error("first call reported fromCache=true")
	}
	v2, fromCache, err := c.GetOrCompute(context.Background(), key, compute)
	if err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	if !fromCache {
		t.Error("second call reported fromCache=false")
	}
	if computes.Load() != 1 {
		t.Errorf("computes = %d, want 1", computes.Load())
	}
	if v1.Outcome != v2.Outcome || v1.Reason != v2.Reason {
		t.Error("cached verdict differs from computed verdict")
	}
}

func TestSingleFlightDeduplicates(t *testing.T) {
	t.Parallel()
	t.Log("Testing concurrent callers for one key trigger exactly one computation and observe the same verdict")

	c := newTestCache(t)
	key := Key("carol", "vpn")

	var computes atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	compute := func(ctx context.Context) (verdict.Verdict, error) {
		computes.Add(1)
		close(started)
		<-release
		return allowVerdict(), nil
	}

	const callers = 16
	var wg sync.WaitGroup
	results := make([]verdict.Verdict, callers)
	errs := make([]error, callers)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _, errs[0] = c.GetOrCompute(context.Background(), key, compute)
	}()
	<-started

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = c.GetOrCompute(context.Background(), key, compute)
		}(i)
	}

	// Give waiters time to attach to the flight, then let the leader finish.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if computes.Load() != 1 {
		t.Fatalf("computes = %d, want exactly 1", computes.Load())
	}
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i].Outcome != verdict.Allow {
			t.Errorf("caller %d observed %v, want Allow", i, results[i].Outcome)
		}
	}
}

func TestWaiterCancellationDoesNotCancelLeader(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	key := Key("dave", "ssh-login")

	started := make(chan struct{})
	release := make(chan struct{})
	compute := func(ctx context.Context) (verdict.Verdict, error) {
		close(started)
		<-release
		return allowVerdict(), nil
	}

	leaderDone := make(chan verdict.Verdict, 1)
	go func() {
		v, _, _ := c.GetOrCompute(context.Background(), key, compute)
		leaderDone <- v
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	waiterDone := make(chan error, 1)
	go func() {
		_, _, err := c.GetOrCompute(ctx, key, compute)
		waiterDone <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-waiterDone:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("waiter error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter did not return")
	}

	close(release)
	select {
	case v := <-leaderDone:
		if v.Outcome != verdict.Allow {
			t.Errorf("leader verdict = %v, want Allow", v.Outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("leader did not complete")
	}
}

func TestErrorsAreNotCached(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	key := Key("erin", "db")

	var computes atomic.Int32
	boom := errors.New("upstream exploded")
	compute := func(ctx context.Context) (verdict.Verdict, error) {
		computes.Add(1)
		return verdict.Verdict{}, boom
	}

	for i := 0; i < 3; i++ {
		_, _, err := c.GetOrCompute(context.Background(), key, compute)
		if !errors.Is(err, boom) {
			t.Fatalf("err = %v, want %v", err, boom)
		}
	}
	if computes.Load() != 3 {
		t.Errorf("computes = %d, want 3 (errors must not be cached)", computes.Load())
	}
}

func TestTTLExpiryTriggersRecompute(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	c := newTestCache(t, withClock(clock.Now), WithTTLs(TTLs{Allow: 30 * time.Second, Deny: 5 * time.Second}))
	key := Key("alice", "ssh-login")

	var computes atomic.Int32
	compute := func(ctx context.Context) (verdict.Verdict, error) {
		computes.Add(1)
		return allowVerdict(), nil
	}

	c.GetOrCompute(context.Background(), key, compute)
	c.GetOrCompute(context.Background(), key, compute)
	if computes.Load() != 1 {
		t.Fatalf("computes = %d before expiry, want 1", computes.Load())
	}

	clock.Advance(31 * time.Second)
	c.GetOrCompute(context.Background(), key, compute)
	if computes.Load() != 2 {
		t.Errorf("computes = %d after expiry, want 2 (fresh upstream call)", computes.Load())
	}
}

func TestDenyNegativeCachingWindow(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	c := newTestCache(t, withClock(clock.Now), WithTTLs(TTLs{Allow: 30 * time.Second, Deny: 5 * time.Second}))
	key := Key("bob", "ssh-login")

	c.Put(key, verdict.New(verdict.Deny, verdict.ReasonUserDenied, verdict.FactorPush, 0))
	if _, ok := c.Get(key); !ok {
		t.Fatal("deny verdict not cached")
	}
	clock.Advance(6 * time.Second)
	if _, ok := c.Get(key); ok {
		t.Error("deny verdict still cached past its window")
	}
}

func TestZeroDenyTTLDisablesNegativeCaching(t *testing.T) {
	t.Parallel()
	c := newTestCache(t, WithTTLs(TTLs{Allow: 30 * time.Second, Deny: 0}))
	key := Key("bob", "ssh-login")
	c.Put(key, verdict.New(verdict.Deny, verdict.ReasonUserDenied, verdict.FactorPush, 0))
	if _, ok := c.Get(key); ok {
		t.Error("deny verdict cached despite zero TTL")
	}
}

func TestInvalidatePrincipal(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	c.Put(Key("alice", "ssh-login"), allowVerdict())
	c.Put(Key("alice", "vpn"), allowVerdict())
	c.Put(Key("alicia", "vpn"), allowVerdict())

	c.Invalidate("alice")

	if _, ok := c.Get(Key("alice", "ssh-login")); ok {
		t.Error("alice/ssh-login survived invalidation")
	}
	if _, ok := c.Get(Key("alice", "vpn")); ok {
		t.Error("alice/vpn survived invalidation")
	}
	if _, ok := c.Get(Key("alicia", "vpn")); !ok {
		t.Error("alicia/vpn was wrongly invalidated")
	}
}

func TestBoundedGrowth(t *testing.T) {
	t.Parallel()
	c := newTestCache(t, WithMaxEntries(8))
	for i := 0; i < 100; i++ {
		c.Put(Key(fmt.Sprintf("user%d", i), "ssh"), allowVerdict())
	}
	if got := c.Len(); got > 8 {
		t.Errorf("cache grew to %d entries, bound is 8", got)
	}
}
