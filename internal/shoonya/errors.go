package shoonya

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAuthenticated is returned by calls made before a successful Login.
	ErrNotAuthenticated = errors.New("session is not authenticated")
	// ErrInstrumentNotFound means the futures search matched nothing.
	ErrInstrumentNotFound = errors.New("instrument not found")
	// ErrNoContract means the option chain had no entry of the wanted type.
	ErrNoContract = errors.New("no qualifying option contract")
	// ErrNoCandleData means the candle series stayed empty after escalation.
	ErrNoCandleData = errors.New("no candle data available")
	// ErrMissingStatus is returned for responses without a stat discriminator.
	ErrMissingStatus = errors.New("response has no stat field")
	// ErrInvalidPrice means a bracket order cannot be built from the reference price.
	ErrInvalidPrice = errors.New("invalid reference price")
	// ErrMissingLotSize means the contract carries no usable lot size.
	ErrMissingLotSize = errors.New("missing lot size")
)

// APIError is a domain-level failure reported with HTTP 200 and stat != "Ok".
type APIError struct {
	Route   string
	Stat    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s returned stat=%s: %s", e.Route, e.Stat, e.Message)
}

// LoginError aborts one account's pipeline run. It is never retried.
type LoginError struct {
	Account string
	Err     error
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("login failed for %s: %v", e.Account, e.Err)
}

func (e *LoginError) Unwrap() error { return e.Err }

// OrderRejectedError carries the broker's rejection message verbatim.
type OrderRejectedError struct {
	TradingSymbol string
	Message       string
}

func (e *OrderRejectedError) Error() string {
	return fmt.Sprintf("order for %s rejected: %s", e.TradingSymbol, e.Message)
}
