package strategy

import (
	"fmt"
	"sync"
)

// voteThreshold is the minimum weighted score for the fallback vote to pick
// a direction instead of HOLD.
const voteThreshold = 0.3

// Router accumulates the verdicts of one symbol for one cycle. A fresh
// Router is created per handler invocation; sharing one across symbols or
// cycles leaks verdicts.
type Router struct {
	mu       sync.Mutex
	verdicts []Verdict
}

func NewRouter() *Router {
	return &Router{}
}

// Collect records one verdict.
func (r *Router) Collect(v Verdict) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verdicts = append(r.verdicts, v)
}

// Verdicts returns a copy of the collected verdicts.
func (r *Router) Verdicts() []Verdict {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Verdict, len(r.verdicts))
	copy(out, r.verdicts)
	return out
}

// HasActionable reports whether any collected verdict is non-HOLD.
func (r *Router) HasActionable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.verdicts {
		if v.Signal != SignalHold {
			return true
		}
	}
	return false
}

// WeightedVote is the LLM-disabled fallback. It averages confidence per
// direction (SHORT counts toward sell, COVER toward buy) and returns a
// synthetic verdict for the stronger side when its score exceeds the
// threshold, HOLD otherwise.
func (r *Router) WeightedVote() Verdict {
	r.mu.Lock()
	defer r.mu.Unlock()

	var buyScore, sellScore float64
	var buyCount, sellCount int
	for _, v := range r.verdicts {
		switch v.Signal {
		case SignalBuy, SignalCover:
			buyScore += v.Confidence
			buyCount++
		case SignalSell, SignalShort:
			sellScore += v.Confidence
			sellCount++
		}
	}
	if buyCount > 0 {
		buyScore /= float64(buyCount)
	}
	if sellCount > 0 {
		sellScore /= float64(sellCount)
	}

	switch {
	case buyScore > sellScore && buyScore > voteThreshold:
		return Verdict{
			StrategyName: "weighted_vote",
			Signal:       SignalBuy,
			Confidence:   buyScore,
			Reasoning:    fmt.Sprintf("weighted vote: buy %.2f vs sell %.2f across %d verdicts", buyScore, sellScore, len(r.verdicts)),
		}
	case sellScore > buyScore && sellScore > voteThreshold:
		return Verdict{
			StrategyName: "weighted_vote",
			Signal:       SignalSell,
			Confidence:   sellScore,
			Reasoning:    fmt.Sprintf("weighted vote: sell %.2f vs buy %.2f across %d verdicts", sellScore, buyScore, len(r.verdicts)),
		}
	}
	return Hold("weighted_vote", "", fmt.Sprintf("no consensus: buy %.2f, sell %.2f", buyScore, sellScore))
}
