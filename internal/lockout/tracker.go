package lockout

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

// stripeCount is the number of principal lock stripes. Striping bounds
// memory while keeping contention between unrelated principals low.
const stripeCount = 64

// Config holds the lockout thresholds.
type Config struct {
	// Threshold is the number of failures within Window that trips a lockout.
	Threshold int

	// Window is the sliding failure-counting window.
	Window time.Duration

	// Duration is how long a tripped lockout lasts.
	Duration time.Duration
}

// DefaultConfig returns the default lockout thresholds.
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Window:    time.Minute,
		Duration:  15 * time.Minute,
	}
}

// Tracker applies sliding-window lockout on top of a Store. Counter updates
// for one principal are serialized by a per-principal stripe lock so
// concurrent failures are never lost.
type Tracker struct {
	cfg     Config
	store   Store
	logger  *slog.Logger
	stripes [stripeCount]sync.Mutex

	// now is replaceable for window tests.
	now func() time.Time
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// withClock replaces the tracker's time source. Test hook.
func withClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker creates a tracker over the given store.
func NewTracker(cfg Config, store Store, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		cfg:    cfg,
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) stripe(principal string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(principal))
	return &t.stripes[h.Sum32()%stripeCount]
}

// IsLocked reports whether the principal is currently locked out, and if
// so, until when. Checked before any upstream call so locked principals
// never consume upstream quota.
func (t *Tracker) IsLocked(ctx context.Context, principal string) (bool, time.Time, error) {
	rec, ok, err := t.store.Load(ctx, principal)
	if err != nil {
		return false, time.Time{}, err
	}
	if !ok {
		return false, time.Time{}, nil
	}
	if rec.LockedUntil.IsZero() || !t.now().Before(rec.LockedUntil) {
		return false, time.Time{}, nil
	}
	return true, rec.LockedUntil, nil
}

// RecordFailure counts one definitive authentication failure. Returns true
// if this failure tripped a lockout.
func (t *Tracker) RecordFailure(ctx context.Context, principal string) (bool, error) {
	mu := t.stripe(principal)
	mu.Lock()
	defer mu.Unlock()

	now := t.now()
	rec, ok, err := t.store.Load(ctx, principal)
	if err != nil {
		return false, err
	}
	if !ok {
		rec = Record{Principal: principal}
	}

	// Window elapsed: this failure starts a fresh window.
	if rec.WindowStart.IsZero() || now.Sub(rec.WindowStart) > t.cfg.Window {
		rec.WindowStart = now
		rec.Failures = 0
	}
	rec.Failures++

	tripped := false
	if rec.Failures >= t.cfg.Threshold && (rec.LockedUntil.IsZero() || now.After(rec.LockedUntil)) {
		rec.LockedUntil = now.Add(t.cfg.Duration)
		tripped = true
		t.logger.Warn("principal locked out",
			"principal", principal,
			"failures", rec.Failures,
			"locked_until", rec.LockedUntil)
	}

	if err := t.store.Store(ctx, principal, rec); err != nil {
		return false, err
	}
	return tripped, nil
}

// RecordSuccess resets the principal's failure count and clears any lockout.
func (t *Tracker) RecordSuccess(ctx context.Context, principal string) error {
	mu := t.stripe(principal)
	mu.Lock()
	defer mu.Unlock()
	return t.store.Delete(ctx, principal)
}

// Clear is an explicit operator unlock: identical to RecordSuccess but
// logged as an administrative action.
func (t *Tracker) Clear(ctx context.Context, principal string) error {
	mu := t.stripe(principal)
	mu.Lock()
	defer mu.Unlock()
	t.logger.Info("lockout cleared by operator", "principal", principal)
	return t.store.Delete(ctx, principal)
}

// Locked returns the records of all currently locked principals.
func (t *Tracker) Locked(ctx context.Context) ([]Record, error) {
	all, err := t.store.List(ctx)
	if err != nil {
		return nil, err
	}
	now := t.now()
	var out []Record
	for _, rec := range all {
		if !rec.LockedUntil.IsZero() && now.Before(rec.LockedUntil) {
			out = append(out, rec)
		}
	}
	return out, nil
}
