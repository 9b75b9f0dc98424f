package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrModeChangeBlocked = errors.New("position mode change blocked: symbol has open positions")
	ErrInvalidTierConfig = errors.New("invalid risk tier config")
	ErrInvalidLadder     = errors.New("invalid take-profit ladder")
	ErrPositionNotFound  = errors.New("position not found")
	ErrPositionExists    = errors.New("position already tracked")
	ErrStaleUpdate       = errors.New("position changed since it was read")
	ErrPositionBusy      = errors.New("position is being evaluated")
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	ErrUnknownSymbol     = errors.New("unknown symbol")
)

// ErrorKind classifies exchange failures and drives the retry policy.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTransport
	KindThrottle
	KindValidation
	KindPositionModeConflict
	KindInsufficientMargin
	KindAccount
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "TransportError"
	case KindThrottle:
		return "ThrottleError"
	case KindValidation:
		return "ValidationError"
	case KindPositionModeConflict:
		return "PositionModeConflict"
	case KindInsufficientMargin:
		return "InsufficientMargin"
	case KindAccount:
		return "AccountError"
	default:
		return "UnknownExchangeError"
	}
}

// ExchangeError is any failure talking to the exchange.
type ExchangeError struct {
	Kind       ErrorKind
	Code       int
	Msg        string
	HTTPStatus int
	RetryAfter time.Duration
	Err        error
}

func (e *ExchangeError) Error() string {
	if e.Err != nil && e.Code == 0 {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: code=%d status=%d msg=%s", e.Kind, e.Code, e.HTTPStatus, e.Msg)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the transport layer may retry the call as is.
func (e *ExchangeError) Retryable() bool {
	return e.Kind == KindTransport || e.Kind == KindThrottle
}

// KindOf returns the classification of err, KindUnknown when err is not an ExchangeError.
func KindOf(err error) ErrorKind {
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindUnknown
}

func IsKind(err error, kind ErrorKind) bool {
	var ee *ExchangeError
	return errors.As(err, &ee) && ee.Kind == kind
}

// IsRetryable reports whether err may be retried without repair.
func IsRetryable(err error) bool {
	var ee *ExchangeError
	return errors.As(err, &ee) && ee.Retryable()
}
