package provider

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"pmcc-scanner/internal/scanerr"
)

// LimiterConfig sizes one provider's rate limiter.
type LimiterConfig struct {
	RatePerSec  float64 // token refill rate; <= 0 disables the bucket
	Burst       int     // bucket depth; defaults to max(1, RatePerSec)
	MaxInFlight int64   // concurrent request cap; defaults to 50
	DailyCap    int64   // calls per trading day; 0 = unlimited
	ResetClock  string  // wall-clock reset time "HH:MM", defaults to 09:30
	Timezone    *time.Location
}

// Limiter combines a token bucket, an in-flight semaphore, and a daily call
// budget that resets at the market-open wall clock. One Limiter per provider.
type Limiter struct {
	name     string
	bucket   *rate.Limiter
	inflight *semaphore.Weighted

	mu        sync.Mutex
	dailyCap  int64
	dailyUsed int64
	nextReset time.Time
	loc       *time.Location
	resetHH   int
	resetMM   int
}

// NewLimiter builds a limiter for the named provider.
func NewLimiter(name string, cfg LimiterConfig) *Limiter {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 50
	}
	loc := cfg.Timezone
	if loc == nil {
		var err error
		loc, err = time.LoadLocation("America/New_York")
		if err != nil {
			loc = time.FixedZone("ET", -5*60*60)
		}
	}
	hh, mm := 9, 30
	if t, err := time.Parse("15:04", cfg.ResetClock); err == nil {
		hh, mm = t.Hour(), t.Minute()
	}

	var bucket *rate.Limiter
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RatePerSec)
			if burst < 1 {
				burst = 1
			}
		}
		bucket = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}

	l := &Limiter{
		name:     name,
		bucket:   bucket,
		inflight: semaphore.NewWeighted(cfg.MaxInFlight),
		dailyCap: cfg.DailyCap,
		loc:      loc,
		resetHH:  hh,
		resetMM:  mm,
	}
	l.nextReset = l.resetAfter(time.Now())
	return l
}

// Acquire reserves capacity for one call of the given token cost. It blocks
// until tokens refill or ctx expires. The returned release func MUST be called
// on every exit path once the call completes.
func (l *Limiter) Acquire(ctx context.Context, cost int) (func(), error) {
	if cost < 1 {
		cost = 1
	}

	if err := l.takeDaily(); err != nil {
		return nil, err
	}

	if err := l.inflight.Acquire(ctx, 1); err != nil {
		return nil, scanerr.Wrap(scanerr.KindRateLimited, err,
			"in-flight cap reached for %s", l.name).WithProvider(l.name)
	}

	if l.bucket != nil {
		if err := l.bucket.WaitN(ctx, cost); err != nil {
			l.inflight.Release(1)
			return nil, scanerr.Wrap(scanerr.KindRateLimited, err,
				"token wait expired for %s", l.name).WithProvider(l.name)
		}
	}

	var once sync.Once
	return func() { once.Do(func() { l.inflight.Release(1) }) }, nil
}

// takeDaily consumes one unit of the daily budget, rolling the window forward
// when the reset clock has passed.
func (l *Limiter) takeDaily() error {
	if l.dailyCap <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if !now.Before(l.nextReset) {
		l.dailyUsed = 0
		l.nextReset = l.resetAfter(now)
	}
	if l.dailyUsed >= l.dailyCap {
		return scanerr.New(scanerr.KindDailyLimitExceeded,
			"daily cap %d reached for %s, resets %s",
			l.dailyCap, l.name, l.nextReset.Format(time.RFC3339)).WithProvider(l.name)
	}
	l.dailyUsed++
	return nil
}

// resetAfter returns the next reset instant strictly after t.
func (l *Limiter) resetAfter(t time.Time) time.Time {
	local := t.In(l.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), l.resetHH, l.resetMM, 0, 0, l.loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// DailyRemaining reports the unused daily budget; -1 when uncapped.
func (l *Limiter) DailyRemaining() int64 {
	if l.dailyCap <= 0 {
		return -1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !time.Now().Before(l.nextReset) {
		return l.dailyCap
	}
	return l.dailyCap - l.dailyUsed
}
