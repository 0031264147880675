package models

import "errors"

var (
	ErrInsufficientNotional = errors.New("insufficient notional")
	ErrOrderNotFound        = errors.New("order not found")
	ErrRulesMissing         = errors.New("trading rules missing")
	ErrBelowMinQty          = errors.New("quantity below exchange minimum")
	ErrDuplicateOrder       = errors.New("duplicate order link id")
)

type RetriableError interface {
	error
	IsRetriable() bool
}

func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// TransportError wraps a failed exchange or store call. Local state is never
// mutated on such errors; the step is retried on the next tick.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) IsRetriable() bool {
	return true
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func NewTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

// ConfigError disables a single context until the configuration changes.
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

func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
