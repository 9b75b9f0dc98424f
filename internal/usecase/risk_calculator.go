package usecase

import (
	"fmt"
	"math"

	"github.com/vitos/risk_lifecycle/internal/domain"
)

// ATRMultipliers scale the reference ATR percent into stop and target distances.
type ATRMultipliers struct {
	StopLoss   float64 `yaml:"stop_loss"`
	TakeProfit float64 `yaml:"take_profit"`
}

// RegimeAdjustments scale risk-per-trade and signal-filter strictness per
// regime. They are tunable constants and never touch leverage.
type RegimeAdjustments map[domain.MarketRegime]float64

func DefaultRegimeAdjustments() RegimeAdjustments {
	return RegimeAdjustments{
		domain.RegimeTrending: 1.5,
		domain.RegimeRanging:  0.7,
		domain.RegimeVolatile: 0.5,
		domain.RegimeQuiet:    1.2,
	}
}

type CalculatorConfig struct {
	ReferenceATRPct  float64
	BaseLeverage     float64
	MaxLeverage      int
	CallbackRatio    float64
	LadderThresholds []float64
	LadderPortions   []float64
	Regimes          RegimeAdjustments
	Multipliers      map[domain.RiskLevel]ATRMultipliers
}

func DefaultCalculatorConfig() CalculatorConfig {
	return CalculatorConfig{
		ReferenceATRPct:  2.0,
		BaseLeverage:     10,
		MaxLeverage:      50,
		CallbackRatio:    0.5,
		LadderThresholds: []float64{1, 2, 3, 5},
		LadderPortions:   []float64{0.25, 0.25, 0.25, 0.25},
		Regimes:          DefaultRegimeAdjustments(),
		Multipliers: map[domain.RiskLevel]ATRMultipliers{
			domain.RiskExtremelyLow:  {StopLoss: 2.0, TakeProfit: 3.0},
			domain.RiskLow:           {StopLoss: 1.5, TakeProfit: 2.5},
			domain.RiskMedium:        {StopLoss: 1.2, TakeProfit: 2.0},
			domain.RiskHigh:          {StopLoss: 1.0, TakeProfit: 1.8},
			domain.RiskExtremelyHigh: {StopLoss: 0.7, TakeProfit: 1.5},
		},
	}
}

// Exchange limits on trailing callback rate, in percent, and on leverage.
const (
	leverageCeiling = 50
	minCallbackPct  = 0.1
	maxCallbackPct  = 5.0
)

// RiskCalculator turns a tier and a regime into a RiskPlan. It holds no
// state beyond its validated config and never touches the network.
type RiskCalculator struct {
	cfg    CalculatorConfig
	ladder []domain.LadderStep
}

// NewRiskCalculator validates the config. Any error here is a fatal
// configuration error and must stop startup.
func NewRiskCalculator(cfg CalculatorConfig) (*RiskCalculator, error) {
	if cfg.ReferenceATRPct <= 0 {
		return nil, fmt.Errorf("reference ATR pct must be positive, got %v", cfg.ReferenceATRPct)
	}
	if cfg.BaseLeverage <= 0 {
		return nil, fmt.Errorf("base leverage must be positive, got %v", cfg.BaseLeverage)
	}
	if cfg.MaxLeverage < 1 || cfg.MaxLeverage > leverageCeiling {
		return nil, fmt.Errorf("max leverage must be within [1,%d], got %d", leverageCeiling, cfg.MaxLeverage)
	}
	if cfg.CallbackRatio <= 0 {
		return nil, fmt.Errorf("callback ratio must be positive, got %v", cfg.CallbackRatio)
	}
	if len(cfg.LadderThresholds) != len(cfg.LadderPortions) {
		return nil, fmt.Errorf("%w: %d thresholds but %d portions", domain.ErrInvalidLadder, len(cfg.LadderThresholds), len(cfg.LadderPortions))
	}
	ladder := make([]domain.LadderStep, len(cfg.LadderThresholds))
	for i := range cfg.LadderThresholds {
		ladder[i] = domain.LadderStep{Pct: cfg.LadderThresholds[i], Portion: cfg.LadderPortions[i]}
	}
	if err := domain.ValidateLadder(ladder); err != nil {
		return nil, err
	}
	for _, r := range []domain.MarketRegime{domain.RegimeTrending, domain.RegimeRanging, domain.RegimeVolatile, domain.RegimeQuiet} {
		if m, ok := cfg.Regimes[r]; !ok || m <= 0 {
			return nil, fmt.Errorf("regime %s needs a positive multiplier", r)
		}
	}
	for l := domain.RiskExtremelyLow; l <= domain.RiskExtremelyHigh; l++ {
		m, ok := cfg.Multipliers[l]
		if !ok || m.StopLoss <= 0 || m.TakeProfit <= 0 {
			return nil, fmt.Errorf("risk level %s needs positive ATR multipliers", l)
		}
	}
	return &RiskCalculator{cfg: cfg, ladder: ladder}, nil
}

// Compute uses the configured reference ATR percent.
func (c *RiskCalculator) Compute(tier domain.AccountTier, regime domain.MarketRegime) domain.RiskPlan {
	return c.ComputeWithATR(tier, regime, c.cfg.ReferenceATRPct)
}

// ComputeWithATR derives a plan from a measured ATR percent. Non-positive
// values fall back to the reference ATR.
func (c *RiskCalculator) ComputeWithATR(tier domain.AccountTier, regime domain.MarketRegime, atrPct float64) domain.RiskPlan {
	if atrPct <= 0 || math.IsNaN(atrPct) {
		atrPct = c.cfg.ReferenceATRPct
	}
	mult := c.cfg.Multipliers[tier.RiskLevel]
	regimeMult := c.RegimeMultiplier(regime)

	stopLoss := round(mult.StopLoss*atrPct, 4)

	ladder := make([]domain.LadderStep, len(c.ladder))
	for i, s := range c.ladder {
		ladder[i] = domain.LadderStep{Pct: round(s.Pct*tier.TPMultiplier, 4), Portion: s.Portion}
	}

	riskPerTrade := math.Min(tier.RiskPerTradePct*regimeMult, 100)
	maxOpen := math.Min(riskPerTrade*float64(tier.MaxPositions), 100)

	return domain.RiskPlan{
		StopLossPct:           stopLoss,
		TakeProfitLadder:      ladder,
		TrailingActivationPct: round(mult.TakeProfit*atrPct, 4),
		TrailingCallbackPct:   clamp(round(stopLoss*c.cfg.CallbackRatio, 1), minCallbackPct, maxCallbackPct),
		MaxLeverage:           c.maxLeverage(tier),
		MaxOpenRiskPct:        round(maxOpen, 4),
		RiskPerTradePct:       round(riskPerTrade, 4),
		SignalFilterScale:     regimeMult,
		MaxPositions:          tier.MaxPositions,
		RiskLevel:             tier.RiskLevel,
		Regime:                regime,
	}
}

// RegimeMultiplier returns the configured adjustment; unknown regimes use Quiet.
func (c *RiskCalculator) RegimeMultiplier(regime domain.MarketRegime) float64 {
	if m, ok := c.cfg.Regimes[regime]; ok {
		return m
	}
	return c.cfg.Regimes[domain.RegimeQuiet]
}

func (c *RiskCalculator) maxLeverage(tier domain.AccountTier) int {
	base := tier.BaseLeverage
	if base <= 0 {
		base = c.cfg.BaseLeverage
	}
	lev := int(math.Round(base * tier.LeverageBoost))
	if lev < 1 {
		return 1
	}
	if lev > c.cfg.MaxLeverage {
		return c.cfg.MaxLeverage
	}
	return lev
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
