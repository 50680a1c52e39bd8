// Package notify delivers scan results over chat and email channels with
// per-channel circuit breakers, bounded retries, and a one-step fallback.
package notify

import (
	"context"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"pmcc-scanner/internal/scanerr"
)

// Mode selects how the two channels combine.
type Mode string

const (
	// ModePrimaryOnly sends over the primary channel and stops.
	ModePrimaryOnly Mode = "primary_only"
	// ModeBoth sends over both channels unconditionally.
	ModeBoth Mode = "both"
	// ModePrimaryWithFallback sends over primary, falling back to secondary
	// only when primary fails.
	ModePrimaryWithFallback Mode = "primary_with_fallback"
)

// Valid reports whether m is a known delivery mode.
func (m Mode) Valid() bool {
	switch m {
	case ModePrimaryOnly, ModeBoth, ModePrimaryWithFallback:
		return true
	}
	return false
}

// Attachment is a file attached to a long-form delivery.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is one formatted payload. Channels use the fields they understand:
// chat channels send Body, email channels prefer HTML with Body as the text
// alternative.
type Message struct {
	Subject     string
	Body        string
	HTML        string
	Attachments []Attachment
}

// Channel is one delivery vendor.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg *Message) error
}

// Defaults for the manager.
const (
	DefaultMaxRetries       = 3
	DefaultRetryBase        = 2 * time.Second
	DefaultBreakerThreshold = 3
	DefaultBreakerCooldown  = 5 * time.Minute
)

// ManagerConfig tunes delivery policy.
type ManagerConfig struct {
	Mode             Mode          // default ModePrimaryWithFallback
	FallbackDelay    time.Duration // wait before the fallback send
	MaxRetries       int           // per channel, 0 = DefaultMaxRetries
	RetryBase        time.Duration // 0 = DefaultRetryBase
	BreakerThreshold uint32        // consecutive failures to open, 0 = default
	BreakerCooldown  time.Duration // 0 = DefaultBreakerCooldown
}

func (c *ManagerConfig) normalize() {
	if !c.Mode.Valid() {
		c.Mode = ModePrimaryWithFallback
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = DefaultBreakerThreshold
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = DefaultBreakerCooldown
	}
}

type guardedChannel struct {
	channel Channel
	breaker *gobreaker.CircuitBreaker
}

// Manager fans a scan's messages out to the configured channels.
type Manager struct {
	primary   *guardedChannel
	secondary *guardedChannel
	cfg       ManagerConfig
	logger    *log.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewManager wires the channels. Either may be nil when not configured; at
// least one must be present for Deliver to succeed.
func NewManager(primary, secondary Channel, cfg ManagerConfig, logger *log.Logger) *Manager {
	cfg.normalize()
	m := &Manager{cfg: cfg, logger: logger, sleep: sleepCtx}
	if primary != nil {
		m.primary = m.guard(primary)
	}
	if secondary != nil {
		m.secondary = m.guard(secondary)
	}
	return m
}

func (m *Manager) guard(ch Channel) *guardedChannel {
	settings := gobreaker.Settings{
		Name:        ch.Name(),
		MaxRequests: 1,
		Timeout:     m.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= m.cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if m.logger != nil {
				m.logger.Printf("notify: channel %s breaker %s -> %s", name, from, to)
			}
		},
	}
	return &guardedChannel{channel: ch, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// Deliver sends the per-channel messages according to the configured mode.
// It succeeds when at least one enabled channel acknowledged; otherwise it
// returns a NotificationFailure carrying the last channel error.
func (m *Manager) Deliver(ctx context.Context, primaryMsg, secondaryMsg *Message) error {
	if m.primary == nil && m.secondary == nil {
		return scanerr.New(scanerr.KindConfig, "no notification channel configured")
	}

	var delivered bool
	var lastErr error

	if m.primary != nil {
		if err := m.sendWithRetry(ctx, m.primary, primaryMsg); err != nil {
			lastErr = err
			if m.logger != nil {
				m.logger.Printf("notify: primary %s failed: %v", m.primary.channel.Name(), err)
			}
		} else {
			delivered = true
		}
	}

	sendSecondary := false
	switch m.cfg.Mode {
	case ModeBoth:
		sendSecondary = m.secondary != nil
	case ModePrimaryWithFallback:
		sendSecondary = m.secondary != nil && (m.primary == nil || !delivered)
	case ModePrimaryOnly:
		// secondary stays idle even when configured
	}

	if sendSecondary {
		if !delivered && m.cfg.FallbackDelay > 0 {
			if err := m.sleep(ctx, m.cfg.FallbackDelay); err != nil {
				return scanerr.Wrap(scanerr.KindNotificationFailure, err, "fallback wait interrupted")
			}
		}
		if err := m.sendWithRetry(ctx, m.secondary, secondaryMsg); err != nil {
			lastErr = err
			if m.logger != nil {
				m.logger.Printf("notify: secondary %s failed: %v", m.secondary.channel.Name(), err)
			}
		} else {
			delivered = true
		}
	}

	if !delivered {
		return scanerr.Wrap(scanerr.KindNotificationFailure, lastErr, "all channels failed")
	}
	return nil
}

// sendWithRetry attempts one channel up to MaxRetries times with exponential
// backoff, stopping early on non-retryable errors or an open breaker.
func (m *Manager) sendWithRetry(ctx context.Context, gc *guardedChannel, msg *Message) error {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxRetries; attempt++ {
		_, err := gc.breaker.Execute(func() (any, error) {
			return nil, gc.channel.Send(ctx, msg)
		})
		if err == nil {
			return nil
		}
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return scanerr.Wrap(scanerr.KindCircuitOpen, lastErr, "channel %s breaker open", gc.channel.Name())
		}
		lastErr = err
		if !scanerr.IsRetryable(err) {
			return err
		}
		if attempt == m.cfg.MaxRetries {
			break
		}
		if serr := m.sleep(ctx, m.cfg.RetryBase<<(attempt-1)); serr != nil {
			return scanerr.Wrap(scanerr.KindCancelled, serr, "retry wait interrupted")
		}
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
