package risk

import (
	"time"

	"trading-supervisor/config"
)

// Horizon is the trade duration class attached to every decision.
type Horizon string

const (
	HorizonShort  Horizon = "short"
	HorizonMedium Horizon = "medium"
	HorizonLong   Horizon = "long"
)

// NormalizeHorizon coerces unknown values to medium.
func NormalizeHorizon(s string) Horizon {
	switch Horizon(s) {
	case HorizonShort, HorizonMedium, HorizonLong:
		return Horizon(s)
	}
	return HorizonMedium
}

// HorizonParams are the per-horizon knobs used for SL/TP resolution, sizing
// and the R:R floor.
type HorizonParams struct {
	SLMultiplier float64 // ATR multiple for the stop
	TPMultiplier float64 // ATR multiple for the target
	SLPct        float64 // fixed-percentage fallback stop distance
	TPPct        float64 // fixed-percentage fallback target distance
	SizeFactor   float64
	MinRR        float64
}

// minimum spot hold per horizon before a strategy-driven close is honored
var minHold = map[Horizon]time.Duration{
	HorizonShort:  60 * time.Minute,
	HorizonMedium: 240 * time.Minute,
	HorizonLong:   480 * time.Minute,
}

// MinHold returns the minimum spot holding time for the horizon.
func MinHold(h Horizon) time.Duration {
	if d, ok := minHold[h]; ok {
		return d
	}
	return minHold[HorizonMedium]
}

// HorizonTable maps each horizon to its parameters, populated from config
// once per reload.
type HorizonTable map[Horizon]HorizonParams

func NewHorizonTable(cfg config.HorizonConfig) HorizonTable {
	return HorizonTable{
		HorizonShort: {
			SLMultiplier: cfg.ShortSLMultiplier,
			TPMultiplier: cfg.ShortTPMultiplier,
			SLPct:        cfg.ShortSLPct,
			TPPct:        cfg.ShortTPPct,
			SizeFactor:   cfg.ShortSizeFactor,
			MinRR:        cfg.ShortMinRR,
		},
		HorizonMedium: {
			SLMultiplier: cfg.MediumSLMultiplier,
			TPMultiplier: cfg.MediumTPMultiplier,
			SLPct:        cfg.MediumSLPct,
			TPPct:        cfg.MediumTPPct,
			SizeFactor:   cfg.MediumSizeFactor,
			MinRR:        cfg.MediumMinRR,
		},
		HorizonLong: {
			SLMultiplier: cfg.LongSLMultiplier,
			TPMultiplier: cfg.LongTPMultiplier,
			SLPct:        cfg.LongSLPct,
			TPPct:        cfg.LongTPPct,
			SizeFactor:   cfg.LongSizeFactor,
			MinRR:        cfg.LongMinRR,
		},
	}
}

// Params returns the parameters for h, defaulting to medium.
func (t HorizonTable) Params(h Horizon) HorizonParams {
	if p, ok := t[h]; ok {
		return p
	}
	return t[HorizonMedium]
}
