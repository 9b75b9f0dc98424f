package domain

import (
	"fmt"
	"math"
)

// LadderEpsilon bounds the rounding error allowed on ladder portions.
const LadderEpsilon = 1e-9

type LadderStep struct {
	Pct     float64 `json:"pct"`
	Portion float64 `json:"portion"`
}

// RiskPlan is derived once per position and never mutated afterwards.
type RiskPlan struct {
	StopLossPct           float64      `json:"stop_loss_pct"`
	TakeProfitLadder      []LadderStep `json:"take_profit_ladder"`
	TrailingActivationPct float64      `json:"trailing_activation_pct"`
	TrailingCallbackPct   float64      `json:"trailing_callback_pct"`
	MaxLeverage           int          `json:"max_leverage"`
	MaxOpenRiskPct        float64      `json:"max_open_risk_pct"`
	RiskPerTradePct       float64      `json:"risk_per_trade_pct"`
	SignalFilterScale     float64      `json:"signal_filter_scale"`
	MaxPositions          int          `json:"max_positions"`
	RiskLevel             RiskLevel    `json:"risk_level"`
	Regime                MarketRegime `json:"regime"`
}

// LadderSum returns the sum of all ladder portions.
func LadderSum(ladder []LadderStep) float64 {
	var sum float64
	for _, s := range ladder {
		sum += s.Portion
	}
	return sum
}

// ValidateLadder checks portions sum to one and thresholds strictly increase.
func ValidateLadder(ladder []LadderStep) error {
	if len(ladder) == 0 {
		return fmt.Errorf("%w: empty ladder", ErrInvalidLadder)
	}
	if sum := LadderSum(ladder); math.Abs(sum-1) >= LadderEpsilon {
		return fmt.Errorf("%w: portions sum to %v", ErrInvalidLadder, sum)
	}
	for i, s := range ladder {
		if s.Portion <= 0 || s.Pct <= 0 {
			return fmt.Errorf("%w: step %d must have positive pct and portion", ErrInvalidLadder, i)
		}
		if i > 0 && s.Pct <= ladder[i-1].Pct {
			return fmt.Errorf("%w: step %d threshold %v not above %v", ErrInvalidLadder, i, s.Pct, ladder[i-1].Pct)
		}
	}
	return nil
}

func (p RiskPlan) Validate() error {
	if p.StopLossPct <= 0 {
		return fmt.Errorf("stop loss pct must be positive, got %v", p.StopLossPct)
	}
	return ValidateLadder(p.TakeProfitLadder)
}
