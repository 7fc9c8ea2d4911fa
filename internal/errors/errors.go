// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Standard sentinel errors
var (
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrKillSwitchEngaged  = errors.New("kill switch engaged")
	ErrInvalidTransition  = errors.New("invalid order state transition")
	ErrDuplicateOrder     = errors.New("duplicate order id")
	ErrOrderNotFound      = errors.New("order not found")
	ErrInstrumentNotFound = errors.New("instrument not found")
	ErrUnknownStrategy    = errors.New("unknown strategy")
	ErrRateLimited        = errors.New("rate limited")
	ErrConnectionFailed   = errors.New("connection failed")
	ErrTimeout            = errors.New("operation timed out")
	ErrConfigInvalid      = errors.New("invalid configuration")
	ErrDatabaseError      = errors.New("database error")
	ErrBusClosed          = errors.New("event bus closed")
	ErrCircuitOpen        = errors.New("circuit breaker is open")
	ErrMarketClosed       = errors.New("market is closed")
)

// BrokerRejection is a definitive refusal by the broker. Reason is kept verbatim.
type BrokerRejection struct {
	OrderID string
	Reason  string
	Raw     string
}

func (e *BrokerRejection) Error() string {
	return fmt.Sprintf("broker rejected order [%s]: %s", e.OrderID, e.Reason)
}

// NewBrokerRejection creates a new BrokerRejection.
func NewBrokerRejection(orderID, reason, raw string) *BrokerRejection {
	return &BrokerRejection{
		OrderID: orderID,
		Reason:  reason,
		Raw:     raw,
	}
}

// TransportError wraps a failure whose outcome at the broker is unknown.
type TransportError struct {
	Operation string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error [%s]: %v", e.Operation, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError creates a new TransportError.
func NewTransportError(operation string, err error) *TransportError {
	return &TransportError{
		Operation: operation,
		Err:       err,
	}
}

// OrderError represents an error related to order operations.
type OrderError struct {
	OrderID string
	Symbol  string
	Action  string
	Reason  string
	Err     error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order error [%s] %s %s: %s: %v", e.OrderID, e.Action, e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("order error [%s] %s %s: %s", e.OrderID, e.Action, e.Symbol, e.Reason)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// NewOrderError creates a new OrderError.
func NewOrderError(orderID, symbol, action, reason string, err error) *OrderError {
	return &OrderError{
		OrderID: orderID,
		Symbol:  symbol,
		Action:  action,
		Reason:  reason,
		Err:     err,
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// RiskError is a pre-trade rejection. Rule is the stable rejection reason code.
type RiskError struct {
	Rule    string
	Current float64
	Limit   float64
	Message string
}

func (e *RiskError) Error() string {
	return fmt.Sprintf("risk violation [%s]: %s (current: %.2f, limit: %.2f)", e.Rule, e.Message, e.Current, e.Limit)
}

func (e *RiskError) Is(target error) bool {
	return e.Rule == "KILL_SWITCH" && target == ErrKillSwitchEngaged
}

// NewRiskError creates a new RiskError.
func NewRiskError(rule string, current, limit float64, message string) *RiskError {
	return &RiskError{
		Rule:    rule,
		Current: current,
		Limit:   limit,
		Message: message,
	}
}

// IsTransient reports whether err leaves the outcome unknown and may be
// resolved by querying or retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var rejection *BrokerRejection
	if errors.As(err, &rejection) {
		return false
	}
	var transport *TransportError
	if errors.As(err, &transport) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrCircuitOpen)
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
