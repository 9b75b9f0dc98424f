package exchange

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/vitos/risk_lifecycle/internal/domain"
)

// Binance futures error codes the gateway reacts to.
const (
	codeTooManyRequests     = -1003
	codeTimestampOutOfRange = -1021
	codeInvalidSignature    = -1022
	codeParamNotRequired    = -1106
	codePrecision           = -1111
	codeUnknownOrder        = -2011
	codeOrderNotExist       = -2013
	codeRejectedMBXKey      = -2014
	codeInvalidAPIKey       = -2015
	codeBalanceInsufficient = -2018
	codeMarginInsufficient  = -2019
	codeWouldTrigger        = -2021
	codeNoNeedToChangeMode  = -4059
	codePositionSideMatch   = -4061
	codeModeOpenOrders      = -4067
	codeModeOpenPosition    = -4068
	codeDuplicateClientID   = -4116
	codeNotionalTooSmall    = -4164
)

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func classifyCode(code int) domain.ErrorKind {
	switch code {
	case codeTooManyRequests:
		return domain.KindThrottle
	case codePositionSideMatch, codeModeOpenOrders, codeModeOpenPosition:
		return domain.KindPositionModeConflict
	case codeBalanceInsufficient, codeMarginInsufficient:
		return domain.KindInsufficientMargin
	case codeInvalidSignature, codeRejectedMBXKey, codeInvalidAPIKey:
		return domain.KindAccount
	}
	switch {
	case code <= -1100 && code >= -1199:
		// request parameter issues
		return domain.KindValidation
	case code == codeTimestampOutOfRange, code == codeUnknownOrder, code == codeOrderNotExist,
		code == codeWouldTrigger, code == codeNoNeedToChangeMode, code == codeDuplicateClientID,
		code == codeNotionalTooSmall, code == -1013, code == -4003, code == -4014, code == -4015:
		return domain.KindValidation
	}
	return domain.KindUnknown
}

// classifyResponse turns a non-2xx response into an ExchangeError.
func classifyResponse(resp *http.Response, body []byte) *domain.ExchangeError {
	var ae apiError
	_ = json.Unmarshal(body, &ae)

	e := &domain.ExchangeError{
		Code:       ae.Code,
		Msg:        ae.Msg,
		HTTPStatus: resp.StatusCode,
	}
	if e.Msg == "" {
		e.Msg = string(body)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot || ae.Code == codeTooManyRequests:
		e.Kind = domain.KindThrottle
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case resp.StatusCode >= 500:
		e.Kind = domain.KindTransport
	case resp.StatusCode == http.StatusUnauthorized:
		e.Kind = domain.KindAccount
	default:
		e.Kind = classifyCode(ae.Code)
	}
	return e
}

func transportError(err error) *domain.ExchangeError {
	return &domain.ExchangeError{Kind: domain.KindTransport, Msg: err.Error(), Err: err}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func hasCode(err error, code int) bool {
	ee, ok := asExchangeError(err)
	return ok && ee.Code == code
}
