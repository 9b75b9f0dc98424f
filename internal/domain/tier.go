package domain

import (
	"fmt"
	"strings"
)

type RiskLevel int

const (
	RiskExtremelyLow RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskExtremelyHigh
)

var riskLevelNames = map[RiskLevel]string{
	RiskExtremelyLow:  "extremely_low",
	RiskLow:           "low",
	RiskMedium:        "medium",
	RiskHigh:          "high",
	RiskExtremelyHigh: "extremely_high",
}

func (l RiskLevel) String() string {
	if s, ok := riskLevelNames[l]; ok {
		return s
	}
	return fmt.Sprintf("risk_level(%d)", int(l))
}

func (l RiskLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *RiskLevel) UnmarshalText(b []byte) error {
	v, err := ParseRiskLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// ParseRiskLevel accepts "extremely_low", "Extremely Low", "extremely-low" and so on.
func ParseRiskLevel(s string) (RiskLevel, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)
	for l, name := range riskLevelNames {
		if name == norm {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown risk level %q", s)
}

// AccountTier is a balance bracket and its base risk parameters. Tiers are
// built once at config load and shared read-only.
type AccountTier struct {
	BalanceFloor    float64   `json:"balance_floor"`
	RiskLevel       RiskLevel `json:"risk_level"`
	RiskPerTradePct float64   `json:"risk_per_trade_pct"`
	LeverageBoost   float64   `json:"leverage_boost"`
	TPMultiplier    float64   `json:"tp_multiplier"`
	MaxPositions    int       `json:"max_positions"`
	BaseLeverage    float64   `json:"base_leverage"`
}
