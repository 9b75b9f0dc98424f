package usecase

import (
	"fmt"

	"github.com/vitos/risk_lifecycle/internal/domain"
)

// ValidTransitions lists the allowed lifecycle moves. Failed and Closed have
// no way out: a failed position is only cleared by an explicit recovery.
var ValidTransitions = map[domain.LifecycleState][]domain.LifecycleState{
	domain.StatePending:         {domain.StateProtectedOpen, domain.StateClosed, domain.StateFailed},
	domain.StateProtectedOpen:   {domain.StateTrailingArmed, domain.StatePartiallyClosed, domain.StateClosed, domain.StateFailed},
	domain.StateTrailingArmed:   {domain.StateProtectedOpen, domain.StatePartiallyClosed, domain.StateClosed, domain.StateFailed},
	domain.StatePartiallyClosed: {domain.StateClosed, domain.StateFailed},
	domain.StateClosed:          {},
	domain.StateFailed:          {},
}

func CanTransition(from, to domain.LifecycleState) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsOpen reports whether a position in state s is live and being managed.
func IsOpen(s domain.LifecycleState) bool {
	switch s {
	case domain.StateProtectedOpen, domain.StateTrailingArmed, domain.StatePartiallyClosed:
		return true
	}
	return false
}

// setState moves p to the target state. It reports whether anything changed.
func setState(p *domain.Position, to domain.LifecycleState) (bool, error) {
	if p.LifecycleState == to {
		return false, nil
	}
	if !CanTransition(p.LifecycleState, to) {
		return false, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, p.LifecycleState, to)
	}
	p.LifecycleState = to
	return true, nil
}
