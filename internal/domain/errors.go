package domain

import (
	"errors"
	"fmt"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a network-related error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "connect", "read", "submit")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// ConfigError represents a configuration error (never retriable).
// It halts startup.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// MalformedDataError is returned by the normalizer for inbound messages that fail
// schema or value checks. It is counted and logged, never fatal.
type MalformedDataError struct {
	Reason string
	Err    error
}

func (e *MalformedDataError) Error() string {
	if e.Err != nil {
		return "malformed data: " + e.Reason + ": " + e.Err.Error()
	}
	return "malformed data: " + e.Reason
}

func (e *MalformedDataError) Unwrap() error {
	return e.Err
}

// RiskViolationKind names the limit an intent would have breached.
type RiskViolationKind string

const (
	RiskMaxPosition      RiskViolationKind = "max_position"
	RiskMaxOrderNotional RiskViolationKind = "max_order_notional"
	RiskMaxOpenOrders    RiskViolationKind = "max_open_orders"
	RiskNoReferencePrice RiskViolationKind = "no_reference_price"
	RiskInstrumentHalted RiskViolationKind = "instrument_halted"
	RiskInvalidIntent    RiskViolationKind = "invalid_intent"

	RiskInsufficientBalance   RiskViolationKind = "insufficient_balance"
	RiskInsufficientInventory RiskViolationKind = "insufficient_inventory"
)

// RiskViolation rejects an order before it reaches the execution endpoint. Not retriable.
type RiskViolation struct {
	Kind       RiskViolationKind
	Instrument string
	Detail     string
}

func (e *RiskViolation) Error() string {
	msg := "risk violation (" + string(e.Kind) + ")"
	if e.Instrument != "" {
		msg += " on " + e.Instrument
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *RiskViolation) IsRetriable() bool {
	return false
}

// SequenceGapError reports missing sequence numbers for an instrument.
// The stream is resynchronized; the missing events are not recovered.
type SequenceGapError struct {
	Instrument string
	Expected   uint64
	Got        uint64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("sequence gap on %s: expected %d, got %d", e.Instrument, e.Expected, e.Got)
}

// ExecutionAmbiguousError means the outcome of a submission is unknown after all retries.
// It must be escalated to the operator and never assumed filled or rejected.
type ExecutionAmbiguousError struct {
	OrderID    string
	Instrument string
	Attempts   int
	Err        error
}

func (e *ExecutionAmbiguousError) Error() string {
	return fmt.Sprintf("execution ambiguous for order %s (%s) after %d attempts: %v",
		e.OrderID, e.Instrument, e.Attempts, e.Err)
}

func (e *ExecutionAmbiguousError) Unwrap() error {
	return e.Err
}

// AsRiskViolation extracts a *RiskViolation from err.
func AsRiskViolation(err error) (*RiskViolation, bool) {
	var rv *RiskViolation
	if errors.As(err, &rv) {
		return rv, true
	}
	return nil, false
}

var (
	// ErrConnectionFailed is returned when the feed connection fails. It's usually retriable.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrReconnectExhausted is escalated when the supervisor gives up reconnecting.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrHeartbeatTimeout is reported when no message arrived within the heartbeat window.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")

	// ErrInvalidInstrument is returned when an instrument id is empty or malformed. Not retriable.
	ErrInvalidInstrument = errors.New("invalid instrument")

	// ErrInstrumentHalted is returned when trading on an instrument was stopped.
	ErrInstrumentHalted = errors.New("instrument halted")

	// ErrUnknownOrder is returned for order ids the gate never issued.
	ErrUnknownOrder = errors.New("unknown order")

	// ErrGateClosed is returned for submissions after shutdown began.
	ErrGateClosed = errors.New("execution gate closed")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)
