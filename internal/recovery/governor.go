// Package recovery bounds how often a failing recovery scope is retried
// and how often it is allowed to warn about it.
package recovery

import (
	"sync"
	"time"

	"github.com/matheus3301/roomsync/internal/clock"
	"go.uber.org/zap"
)

// Config bounds the governor.
type Config struct {
	// MaxAttempts is how many attempts a key gets before the breaker opens.
	MaxAttempts int
	// Cooldown is how long an open breaker, or an idle counter, lives.
	Cooldown time.Duration
	// WarnWindow is the minimum gap between two warnings of the same key.
	WarnWindow time.Duration
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Cooldown:    30 * time.Second,
		WarnWindow:  5 * time.Second,
	}
}

type attempt struct {
	count  int
	last   time.Time
	opened time.Time
}

// Governor is a per-key circuit breaker plus a per-key warning throttle.
// It is safe for concurrent use.
type Governor struct {
	cfg    Config
	clk    clock.Clock
	logger *zap.Logger

	mu       sync.Mutex
	attempts map[string]*attempt
	warned   map[string]time.Time
}

// NewGovernor creates a governor. Zero config fields take the defaults.
func NewGovernor(cfg Config, clk clock.Clock, logger *zap.Logger) *Governor {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.WarnWindow <= 0 {
		cfg.WarnWindow = def.WarnWindow
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Governor{
		cfg:      cfg,
		clk:      clk,
		logger:   logger,
		attempts: make(map[string]*attempt),
		warned:   make(map[string]time.Time),
	}
}

// expire drops a key whose breaker or counter has outlived the cooldown.
// Caller holds mu.
func (g *Governor) expire(key string, now time.Time) *attempt {
	a, ok := g.attempts[key]
	if !ok {
		return nil
	}
	ref := a.last
	if !a.opened.IsZero() {
		ref = a.opened
	}
	if now.Sub(ref) >= g.cfg.Cooldown {
		delete(g.attempts, key)
		g.logger.Debug("recovery counter expired", zap.String("key", key), zap.Int("attempts", a.count))
		return nil
	}
	return a
}

// ShouldAttempt reports whether key may be attempted again.
func (g *Governor) ShouldAttempt(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	a := g.expire(key, g.clk.Now())
	return a == nil || a.count < g.cfg.MaxAttempts
}

// RecordAttempt counts one attempt for key. Reaching the maximum opens
// the breaker until the cooldown passes.
func (g *Governor) RecordAttempt(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clk.Now()
	a := g.expire(key, now)
	if a == nil {
		a = &attempt{}
		g.attempts[key] = a
	}
	a.count++
	a.last = now
	if a.count >= g.cfg.MaxAttempts && a.opened.IsZero() {
		a.opened = now
		g.logger.Info("recovery suspended",
			zap.String("key", key),
			zap.Int("attempts", a.count),
			zap.Duration("cooldown", g.cfg.Cooldown),
		)
	}
}

// RecordSuccess clears the counter of key.
func (g *Governor) RecordSuccess(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.attempts, key)
}

// Attempts returns the live attempt count of key.
func (g *Governor) Attempts(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if a := g.expire(key, g.clk.Now()); a != nil {
		return a.count
	}
	return 0
}

// WarnOnce logs msg at warn level unless key already warned within the
// warn window. It reports whether the warning was emitted. Keys whose
// window has passed are forgotten.
func (g *Governor) WarnOnce(key, msg string, fields ...zap.Field) bool {
	g.mu.Lock()
	now := g.clk.Now()
	if last, ok := g.warned[key]; ok && now.Sub(last) < g.cfg.WarnWindow {
		g.mu.Unlock()
		return false
	}
	for k, last := range g.warned {
		if now.Sub(last) >= g.cfg.WarnWindow {
			delete(g.warned, k)
		}
	}
	g.warned[key] = now
	g.mu.Unlock()

	g.logger.Warn(msg, append(fields, zap.String("key", key))...)
	return true
}
