package domain

import "time"

// PositionModeSetting is the account's position-addressing mode as last
// fetched from the exchange.
type PositionModeSetting struct {
	DualSidePosition bool      `json:"dual_side_position"`
	ResolvedAt       time.Time `json:"resolved_at"`
}

// Wire values for the exchange positionSide parameter.
const (
	PositionSideLong  = "LONG"
	PositionSideShort = "SHORT"
	PositionSideBoth  = "BOTH"
)

// ReduceOnlyTrue is sent as a string; the exchange parser rejects a JSON boolean here.
const ReduceOnlyTrue = "true"
