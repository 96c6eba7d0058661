package circuit

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"trading-supervisor/config"
)

func testCircuitConfig() config.CircuitConfig {
	return config.CircuitConfig{
		Enabled:              true,
		MaxConsecutiveLosses: 3,
		MaxLossPerHour:       0.05,
		MaxDailyTrades:       10,
		CooldownMinutes:      60,
	}
}

func TestBreakerDisabledAlwaysAllows(t *testing.T) {
	cfg := testCircuitConfig()
	cfg.Enabled = false
	b := NewBreaker(cfg, zerolog.Nop())

	for i := 0; i < 20; i++ {
		b.RecordClose(-0.1)
	}
	if ok, _ := b.CanOpen(); !ok {
		t.Error("disabled breaker must always allow opens")
	}
}

func TestBreakerTripsOnConsecutiveLosses(t *testing.T) {
	b := NewBreaker(testCircuitConfig(), zerolog.Nop())

	b.RecordClose(-0.001)
	b.RecordClose(-0.001)
	if ok, _ := b.CanOpen(); !ok {
		t.Fatal("two losses must not trip a three-loss breaker")
	}
	b.RecordClose(-0.001)

	ok, reason := b.CanOpen()
	if ok {
		t.Fatal("third consecutive loss should trip the breaker")
	}
	if !strings.Contains(reason, "consecutive losses") {
		t.Errorf("reason = %q", reason)
	}
	state, tripReason := b.Status()
	if state != StateOpen || !strings.Contains(tripReason, "3 consecutive losses") {
		t.Errorf("status = %q/%q", state, tripReason)
	}
}

func TestBreakerWinResetsLossStreak(t *testing.T) {
	b := NewBreaker(testCircuitConfig(), zerolog.Nop())

	b.RecordClose(-0.001)
	b.RecordClose(-0.001)
	b.RecordClose(0.002)
	b.RecordClose(-0.001)
	b.RecordClose(-0.001)

	if ok, _ := b.CanOpen(); !ok {
		t.Error("a win in between must reset the streak")
	}
}

func TestBreakerTripsOnHourlyLoss(t *testing.T) {
	b := NewBreaker(testCircuitConfig(), zerolog.Nop())

	// Alternate with wins so the streak never trips; the hourly sum does.
	b.RecordClose(-0.03)
	b.RecordClose(0.001)
	b.RecordClose(-0.03)

	ok, reason := b.CanOpen()
	if ok {
		t.Fatal("6% hourly loss should trip a 5% breaker")
	}
	if !strings.Contains(reason, "hourly loss") {
		t.Errorf("reason = %q", reason)
	}
}

func TestBreakerDailyTradeCap(t *testing.T) {
	cfg := testCircuitConfig()
	cfg.MaxDailyTrades = 2
	b := NewBreaker(cfg, zerolog.Nop())

	b.RecordOpen()
	if ok, _ := b.CanOpen(); !ok {
		t.Fatal("one trade under a cap of two should still allow opens")
	}
	b.RecordOpen()

	ok, reason := b.CanOpen()
	if ok {
		t.Fatal("reaching the daily cap should block opens")
	}
	if !strings.Contains(reason, "daily trade limit") {
		t.Errorf("reason = %q", reason)
	}
}

func TestBreakerCooldownReset(t *testing.T) {
	cfg := testCircuitConfig()
	cfg.CooldownMinutes = 0
	b := NewBreaker(cfg, zerolog.Nop())

	b.RecordClose(-0.001)
	b.RecordClose(-0.001)
	b.RecordClose(-0.001)
	if state, _ := b.Status(); state != StateOpen {
		t.Fatal("breaker should be open after the streak")
	}

	// Zero cooldown has already elapsed; the next check resets.
	if ok, reason := b.CanOpen(); !ok {
		t.Errorf("breaker should reset after the cooldown, got %q", reason)
	}
	if state, _ := b.Status(); state != StateClosed {
		t.Error("state should be closed after the reset")
	}
}

func TestBreakerUpdateConfigKeepsTripState(t *testing.T) {
	b := NewBreaker(testCircuitConfig(), zerolog.Nop())
	b.RecordClose(-0.001)
	b.RecordClose(-0.001)
	b.RecordClose(-0.001)

	b.UpdateConfig(testCircuitConfig())
	if state, _ := b.Status(); state != StateOpen {
		t.Error("hot reload must not clear an open breaker")
	}
}
