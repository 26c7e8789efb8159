package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrorKind 执行核心对外暴露的错误类别
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindLockTimeout       ErrorKind = "lock_timeout"
	KindRiskLimitExceeded ErrorKind = "risk_limit_exceeded"
	KindBrokerError       ErrorKind = "broker_error"
	KindBrokerTimeout     ErrorKind = "broker_timeout"
	KindOverfill          ErrorKind = "overfill"
	KindUnknownPosition   ErrorKind = "unknown_position"
	KindNotConnected      ErrorKind = "not_connected"
	KindDuplicateInFlight ErrorKind = "duplicate_in_flight"
	KindOrderNotFound     ErrorKind = "order_not_found"
	KindCircuitOpen       ErrorKind = "circuit_open"
	KindInternal          ErrorKind = "internal"
)

// Sentinels for errors.Is; only Kind is compared.
var (
	ErrValidation        = &ExecError{Kind: KindValidation}
	ErrLockTimeout       = &ExecError{Kind: KindLockTimeout}
	ErrRiskLimitExceeded = &ExecError{Kind: KindRiskLimitExceeded}
	ErrBrokerError       = &ExecError{Kind: KindBrokerError}
	ErrBrokerTimeout     = &ExecError{Kind: KindBrokerTimeout}
	ErrOverfill          = &ExecError{Kind: KindOverfill}
	ErrUnknownPosition   = &ExecError{Kind: KindUnknownPosition}
	ErrNotConnected      = &ExecError{Kind: KindNotConnected}
	ErrDuplicateInFlight = &ExecError{Kind: KindDuplicateInFlight}
	ErrOrderNotFound     = &ExecError{Kind: KindOrderNotFound}
	ErrCircuitOpen       = &ExecError{Kind: KindCircuitOpen}
)

// ExecError 带类别的执行错误
type ExecError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *ExecError) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExecError) Unwrap() error { return e.Err }

// Is 按 Kind 匹配
func (e *ExecError) Is(target error) bool {
	t, ok := target.(*ExecError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newKindError(kind ErrorKind, msg string, err error) *ExecError {
	return &ExecError{Kind: kind, Message: msg, Err: err}
}

func NewValidationError(msg string) error { return newKindError(KindValidation, msg, nil) }

func NewLockTimeout(key SymbolKey, err error) error {
	return newKindError(KindLockTimeout, "could not acquire lease for "+key.String(), err)
}

func NewBrokerError(msg string, err error) error { return newKindError(KindBrokerError, msg, err) }

func NewBrokerTimeout(msg string, err error) error { return newKindError(KindBrokerTimeout, msg, err) }

func NewNotConnected(msg string) error { return newKindError(KindNotConnected, msg, nil) }

func NewOrderNotFound(id string) error { return newKindError(KindOrderNotFound, id, nil) }

func NewDuplicateInFlight(id string) error {
	return newKindError(KindDuplicateInFlight, "order "+id+" is still in flight", nil)
}

func NewCircuitOpen(err error) error { return newKindError(KindCircuitOpen, "trading halted", err) }

func NewInternal(msg string, err error) error { return newKindError(KindInternal, msg, err) }

// NewOverfillError 成交数量超过剩余持仓
func NewOverfillError(positionID string, fill, remaining decimal.Decimal) error {
	return newKindError(KindOverfill,
		fmt.Sprintf("position %s: fill %s exceeds open quantity %s", positionID, fill, remaining), nil)
}

// NewUnknownPositionError 非开仓订单引用了不存在的仓位
func NewUnknownPositionError(positionID string) error {
	return newKindError(KindUnknownPosition, "position "+positionID+" not found or closed", nil)
}

// 风控规则名
const (
	RuleDailyLossFloor   = "daily_loss_floor"
	RuleMaxTradesPerDay  = "max_trades_per_day"
	RuleMaxOpenPositions = "max_open_positions"
	RuleMaxLeverage      = "max_leverage"
	RuleReferencePrice   = "reference_price"
)

// RiskLimitError 风控拒单，携带失败的规则与当前值/上限
type RiskLimitError struct {
	Rule    string
	Current decimal.Decimal
	Limit   decimal.Decimal
}

func (e *RiskLimitError) Error() string {
	return fmt.Sprintf("risk_limit_exceeded: rule=%s current=%s limit=%s", e.Rule, e.Current, e.Limit)
}

func (e *RiskLimitError) Is(target error) bool {
	t, ok := target.(*ExecError)
	return ok && t.Kind == KindRiskLimitExceeded
}

// KindOf 提取错误类别，未知错误归为 internal
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var rl *RiskLimitError
	if errors.As(err, &rl) {
		return KindRiskLimitExceeded
	}
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindInternal
}
