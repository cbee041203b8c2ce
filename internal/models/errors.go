package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can decide between retry, abort and fatal.
type ErrorKind int

const (
	KindValidation ErrorKind = iota + 1
	KindInsufficientBalance
	KindTransient
	KindEntryTimeout
	KindExchangeDesync
	KindPersistence
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindTransient:
		return "transient"
	case KindEntryTimeout:
		return "entry_timeout"
	case KindExchangeDesync:
		return "exchange_desync"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Sentinels matched with errors.Is against any TradeError of the same kind.
var (
	ErrValidation          = &TradeError{Kind: KindValidation}
	ErrInsufficientBalance = &TradeError{Kind: KindInsufficientBalance}
	ErrTransient           = &TradeError{Kind: KindTransient}
	ErrEntryTimeout        = &TradeError{Kind: KindEntryTimeout}
	ErrExchangeDesync      = &TradeError{Kind: KindExchangeDesync}
	ErrPersistence         = &TradeError{Kind: KindPersistence}
)

// Validation causes.
var (
	ErrStopAboveTarget       = errors.New("stop price must be below the buy target")
	ErrNonPositiveTarget     = errors.New("buy target must be positive")
	ErrBadProfitLevel        = errors.New("profit level must be positive")
	ErrBadStopLevel          = errors.New("stop level must be within (0, 1)")
	ErrBadSpendProportion    = errors.New("spend proportion must be within (0, 1]")
	ErrBadPriceTolerance     = errors.New("price tolerance must be within [0, 1]")
	ErrBadEntryTimeout       = errors.New("entry timeout must be at least one minute")
	ErrMakerEntryUnsupported = errors.New("maker-only entry (taker_fee_ok=false) is not supported")
	ErrSessionOpen           = errors.New("an open session already exists for this market")
	ErrSessionNotFound       = errors.New("no session stored for this market")
)

// TradeError 是带分类的交易错误
type TradeError struct {
	Kind   ErrorKind
	Op     string
	Market string
	Err    error
}

// NewError wraps err with a kind and the operation that produced it.
func NewError(kind ErrorKind, op, market string, err error) *TradeError {
	return &TradeError{Kind: kind, Op: op, Market: market, Err: err}
}

func (e *TradeError) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Market != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Market)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *TradeError) Unwrap() error { return e.Err }

// Is matches any TradeError with the same kind, so sentinels work with errors.Is.
func (e *TradeError) Is(target error) bool {
	t, ok := target.(*TradeError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of err, or 0 when err carries no TradeError.
func KindOf(err error) ErrorKind {
	var te *TradeError
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}

// IsFatal reports whether err must stop the session's state machine.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindInsufficientBalance, KindExchangeDesync:
		return true
	}
	return false
}
