package domain

import "strings"

// MarketRegime is supplied by the regime detector on every evaluation.
type MarketRegime string

const (
	RegimeTrending MarketRegime = "TRENDING"
	RegimeRanging  MarketRegime = "RANGING"
	RegimeVolatile MarketRegime = "VOLATILE"
	RegimeQuiet    MarketRegime = "QUIET"
)

// ParseRegime never fails: anything unrecognised is treated as Quiet, the
// most conservative regime.
func ParseRegime(s string) MarketRegime {
	switch MarketRegime(strings.ToUpper(strings.TrimSpace(s))) {
	case RegimeTrending:
		return RegimeTrending
	case RegimeRanging:
		return RegimeRanging
	case RegimeVolatile:
		return RegimeVolatile
	default:
		return RegimeQuiet
	}
}

// TrendDirection is only logged, it never feeds risk math.
type TrendDirection string

const (
	TrendUp       TrendDirection = "UPTREND"
	TrendDown     TrendDirection = "DOWNTREND"
	TrendSideways TrendDirection = "SIDEWAYS"
	TrendUnknown  TrendDirection = "UNKNOWN"
)

func ParseTrend(s string) TrendDirection {
	switch TrendDirection(strings.ToUpper(strings.TrimSpace(s))) {
	case TrendUp:
		return TrendUp
	case TrendDown:
		return TrendDown
	case TrendSideways:
		return TrendSideways
	default:
		return TrendUnknown
	}
}
