package domain

import "time"

// LifecycleEvent is emitted on every lifecycle transition and on alerts.
type LifecycleEvent struct {
	PositionID string         `json:"position_id"`
	Symbol     string         `json:"symbol"`
	FromState  LifecycleState `json:"from_state"`
	ToState    LifecycleState `json:"to_state"`
	Reason     string         `json:"reason"`
	Critical   bool           `json:"critical"`
	Timestamp  time.Time      `json:"timestamp"`
}
