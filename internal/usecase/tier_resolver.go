package usecase

import (
	"fmt"
	"math"
	"sort"

	"github.com/vitos/risk_lifecycle/internal/domain"
)

// DefaultTiers is the built-in tier table used when the config carries none.
func DefaultTiers() []domain.AccountTier {
	return []domain.AccountTier{
		{BalanceFloor: 100, RiskLevel: domain.RiskExtremelyHigh, RiskPerTradePct: 30, LeverageBoost: 1.5, TPMultiplier: 1.0, MaxPositions: 1},
		{BalanceFloor: 200, RiskLevel: domain.RiskExtremelyHigh, RiskPerTradePct: 25, LeverageBoost: 1.4, TPMultiplier: 1.0, MaxPositions: 2},
		{BalanceFloor: 300, RiskLevel: domain.RiskHigh, RiskPerTradePct: 20, LeverageBoost: 1.3, TPMultiplier: 1.1, MaxPositions: 2},
		{BalanceFloor: 500, RiskLevel: domain.RiskHigh, RiskPerTradePct: 15, LeverageBoost: 1.2, TPMultiplier: 1.1, MaxPositions: 3},
		{BalanceFloor: 1000, RiskLevel: domain.RiskMedium, RiskPerTradePct: 10, LeverageBoost: 1.1, TPMultiplier: 1.2, MaxPositions: 3},
		{BalanceFloor: 3000, RiskLevel: domain.RiskMedium, RiskPerTradePct: 7, LeverageBoost: 1.0, TPMultiplier: 1.2, MaxPositions: 4},
		{BalanceFloor: 5000, RiskLevel: domain.RiskLow, RiskPerTradePct: 5, LeverageBoost: 0.9, TPMultiplier: 1.3, MaxPositions: 5},
		{BalanceFloor: 10000, RiskLevel: domain.RiskLow, RiskPerTradePct: 3, LeverageBoost: 0.8, TPMultiplier: 1.4, MaxPositions: 5},
		{BalanceFloor: 50000, RiskLevel: domain.RiskExtremelyLow, RiskPerTradePct: 2, LeverageBoost: 0.6, TPMultiplier: 1.5, MaxPositions: 6},
	}
}

// ValidateTiers checks floors are strictly increasing and every parameter is usable.
func ValidateTiers(tiers []domain.AccountTier) error {
	if len(tiers) == 0 {
		return fmt.Errorf("%w: no tiers defined", domain.ErrInvalidTierConfig)
	}
	for i, t := range tiers {
		if t.BalanceFloor < 0 || math.IsNaN(t.BalanceFloor) || math.IsInf(t.BalanceFloor, 0) {
			return fmt.Errorf("%w: tier %d has invalid floor %v", domain.ErrInvalidTierConfig, i, t.BalanceFloor)
		}
		if i > 0 && t.BalanceFloor <= tiers[i-1].BalanceFloor {
			return fmt.Errorf("%w: floor %v at index %d is not above %v", domain.ErrInvalidTierConfig, t.BalanceFloor, i, tiers[i-1].BalanceFloor)
		}
		if t.RiskLevel < domain.RiskExtremelyLow || t.RiskLevel > domain.RiskExtremelyHigh {
			return fmt.Errorf("%w: tier %v has unknown risk level", domain.ErrInvalidTierConfig, t.BalanceFloor)
		}
		if t.RiskPerTradePct <= 0 || t.RiskPerTradePct > 100 {
			return fmt.Errorf("%w: tier %v risk_per_trade_pct must be in (0,100]", domain.ErrInvalidTierConfig, t.BalanceFloor)
		}
		if t.LeverageBoost <= 0 {
			return fmt.Errorf("%w: tier %v leverage_boost must be positive", domain.ErrInvalidTierConfig, t.BalanceFloor)
		}
		if t.TPMultiplier <= 0 {
			return fmt.Errorf("%w: tier %v tp_multiplier must be positive", domain.ErrInvalidTierConfig, t.BalanceFloor)
		}
		if t.MaxPositions <= 0 {
			return fmt.Errorf("%w: tier %v max_positions must be positive", domain.ErrInvalidTierConfig, t.BalanceFloor)
		}
	}
	return nil
}

// TierResolver maps an account balance to its risk tier.
type TierResolver struct {
	tiers []domain.AccountTier
}

func NewTierResolver(tiers []domain.AccountTier) (*TierResolver, error) {
	if err := ValidateTiers(tiers); err != nil {
		return nil, err
	}
	cp := make([]domain.AccountTier, len(tiers))
	copy(cp, tiers)
	return &TierResolver{tiers: cp}, nil
}

// Resolve picks the tier whose floor is nearest to balance inside its bracket.
// Balances outside the table clamp to the first or last tier and an exact
// midpoint goes to the higher floor. It never fails.
func (r *TierResolver) Resolve(balance float64) domain.AccountTier {
	first, last := r.tiers[0], r.tiers[len(r.tiers)-1]
	if math.IsNaN(balance) || balance <= first.BalanceFloor {
		return first
	}
	if balance >= last.BalanceFloor {
		return last
	}

	// first index whose floor is above balance; bracket is [i-1, i)
	i := sort.Search(len(r.tiers), func(i int) bool {
		return r.tiers[i].BalanceFloor > balance
	})
	lower, upper := r.tiers[i-1], r.tiers[i]
	if balance-lower.BalanceFloor < upper.BalanceFloor-balance {
		return lower
	}
	return upper
}

// MostConservative returns the tier with the lowest risk level, preferring
// the smallest risk-per-trade among equals. Used for positions found on the
// exchange without local intent.
func (r *TierResolver) MostConservative() domain.AccountTier {
	best := r.tiers[0]
	for _, t := range r.tiers[1:] {
		if t.RiskLevel < best.RiskLevel || (t.RiskLevel == best.RiskLevel && t.RiskPerTradePct < best.RiskPerTradePct) {
			best = t
		}
	}
	return best
}

func (r *TierResolver) Tiers() []domain.AccountTier {
	cp := make([]domain.AccountTier, len(r.tiers))
	copy(cp, r.tiers)
	return cp
}
