// Package circuit halts new position openings after loss streaks or bursts
// of losses. Closings always pass; the breaker only gates risk-increasing
// actions and sits upstream of the risk evaluators.
package circuit

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trading-supervisor/config"
)

// State of the breaker.
type State string

const (
	StateClosed State = "closed" // normal operation
	StateOpen   State = "open"   // openings halted
)

// Breaker trips on max consecutive losses, hourly loss percentage, or the
// daily trade count, and auto-resets after the cooldown.
type Breaker struct {
	mu sync.Mutex

	cfg    config.CircuitConfig
	logger zerolog.Logger

	state             State
	tripReason        string
	trippedAt         time.Time
	consecutiveLosses int
	hourlyLossPct     float64
	hourlyResetAt     time.Time
	dailyTrades       int
	dailyResetAt      time.Time
}

func NewBreaker(cfg config.CircuitConfig, logger zerolog.Logger) *Breaker {
	now := time.Now().UTC()
	return &Breaker{
		cfg:           cfg,
		logger:        logger.With().Str("component", "circuit").Logger(),
		state:         StateClosed,
		hourlyResetAt: now.Add(time.Hour),
		dailyResetAt:  now.Truncate(24 * time.Hour).Add(24 * time.Hour),
	}
}

// UpdateConfig swaps limits on hot reload; trip state is preserved.
func (b *Breaker) UpdateConfig(cfg config.CircuitConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg
}

func (b *Breaker) rollWindows() {
	now := time.Now().UTC()
	if now.After(b.hourlyResetAt) {
		b.hourlyLossPct = 0
		b.hourlyResetAt = now.Add(time.Hour)
	}
	if now.After(b.dailyResetAt) {
		b.dailyTrades = 0
		b.dailyResetAt = now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	}
}

// CanOpen reports whether a new position may be opened. While open, the
// breaker auto-resets once the cooldown has elapsed.
func (b *Breaker) CanOpen() (bool, string) {
	if !b.cfg.Enabled {
		return true, ""
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollWindows()

	if b.state == StateOpen {
		cooldown := time.Duration(b.cfg.CooldownMinutes) * time.Minute
		if time.Since(b.trippedAt) < cooldown {
			return false, fmt.Sprintf("circuit open: %s (cooldown %s remaining)", b.tripReason, (cooldown - time.Since(b.trippedAt)).Round(time.Second))
		}
		b.logger.Info().Str("reason", b.tripReason).Msg("circuit breaker reset after cooldown")
		b.state = StateClosed
		b.tripReason = ""
		b.consecutiveLosses = 0
	}

	if b.cfg.MaxDailyTrades > 0 && b.dailyTrades >= b.cfg.MaxDailyTrades {
		return false, fmt.Sprintf("daily trade limit reached (%d)", b.cfg.MaxDailyTrades)
	}
	return true, ""
}

// RecordOpen counts an opened position against the daily trade limit.
func (b *Breaker) RecordOpen() {
	if !b.cfg.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollWindows()
	b.dailyTrades++
}

// RecordClose books a realized result. pnlPct is the realized PnL as a
// fraction of the account balance; losses are negative.
func (b *Breaker) RecordClose(pnlPct float64) {
	if !b.cfg.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollWindows()

	if pnlPct < 0 {
		b.consecutiveLosses++
		b.hourlyLossPct += -pnlPct
	} else {
		b.consecutiveLosses = 0
	}

	if b.state == StateOpen {
		return
	}
	switch {
	case b.cfg.MaxConsecutiveLosses > 0 && b.consecutiveLosses >= b.cfg.MaxConsecutiveLosses:
		b.trip(fmt.Sprintf("%d consecutive losses", b.consecutiveLosses))
	case b.cfg.MaxLossPerHour > 0 && b.hourlyLossPct >= b.cfg.MaxLossPerHour:
		b.trip(fmt.Sprintf("hourly loss %.2f%% exceeds %.2f%%", b.hourlyLossPct*100, b.cfg.MaxLossPerHour*100))
	}
}

// trip transitions to open. Caller holds mu.
func (b *Breaker) trip(reason string) {
	b.state = StateOpen
	b.tripReason = reason
	b.trippedAt = time.Now().UTC()
	b.logger.Warn().Str("reason", reason).Int("cooldown_minutes", b.cfg.CooldownMinutes).Msg("circuit breaker tripped")
}

// Status returns the current state and trip reason for the status API.
func (b *Breaker) Status() (State, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.tripReason
}
