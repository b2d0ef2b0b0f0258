package errors

import (
	"context"
	"errors"
	"fmt"
)

// MeasurementError is the error type produced by every stage of a
// measurement run. Phase and Target are empty when the error is not tied to
// a specific phase or target.
type MeasurementError struct {
	Code    string
	Message string
	Cause   error
	Phase   string
	Target  string
}

func (e *MeasurementError) Error() string {
	prefix := e.Code
	if e.Phase != "" {
		prefix += " [" + e.Phase + "]"
	}
	if e.Target != "" {
		prefix += " " + e.Target
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *MeasurementError) Unwrap() error { return e.Cause }

// Is matches another *MeasurementError by code, so sentinel values such as
// ErrTargetExhausted work with errors.Is.
func (e *MeasurementError) Is(target error) bool {
	var other *MeasurementError
	if !errors.As(target, &other) {
		return false
	}
	return other.Message == "" && other.Code == e.Code
}

const (
	ErrCodeConnectionFailed    = "CONNECTION_FAILED"
	ErrCodeTargetExhausted     = "TARGET_EXHAUSTED"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeInvalidConfig       = "CONFIG_INVALID"
	ErrCodePhaseTooShort       = "PHASE_TOO_SHORT"
	ErrCodeLocationUnavailable = "LOCATION_UNAVAILABLE"
	ErrCodeRouteUnavailable    = "ROUTE_UNAVAILABLE"
)

// Sentinels for errors.Is comparisons. They carry only a code.
var (
	ErrConnectionFailedKind    = &MeasurementError{Code: ErrCodeConnectionFailed}
	ErrTargetExhaustedKind     = &MeasurementError{Code: ErrCodeTargetExhausted}
	ErrTimeoutKind             = &MeasurementError{Code: ErrCodeTimeout}
	ErrCancelledKind           = &MeasurementError{Code: ErrCodeCancelled}
	ErrInvalidConfigKind       = &MeasurementError{Code: ErrCodeInvalidConfig}
	ErrPhaseTooShortKind       = &MeasurementError{Code: ErrCodePhaseTooShort}
	ErrLocationUnavailableKind = &MeasurementError{Code: ErrCodeLocationUnavailable}
	ErrRouteUnavailableKind    = &MeasurementError{Code: ErrCodeRouteUnavailable}
)

func ErrConnectionFailed(msg string, cause error) *MeasurementError {
	return &MeasurementError{
		Code:    ErrCodeConnectionFailed,
		Message: msg,
		Cause:   cause,
	}
}

func ErrTargetExhausted(msg string, cause error) *MeasurementError {
	return &MeasurementError{
		Code:    ErrCodeTargetExhausted,
		Message: msg,
		Cause:   cause,
	}
}

func ErrTimeout(msg string, cause error) *MeasurementError {
	return &MeasurementError{
		Code:    ErrCodeTimeout,
		Message: msg,
		Cause:   cause,
	}
}

func ErrCancelled(msg string) *MeasurementError {
	return &MeasurementError{
		Code:    ErrCodeCancelled,
		Message: msg,
		Cause:   context.Canceled,
	}
}

func ErrInvalidConfig(msg string, cause error) *MeasurementError {
	return &MeasurementError{
		Code:    ErrCodeInvalidConfig,
		Message: msg,
		Cause:   cause,
	}
}

func ErrPhaseTooShort(msg string) *MeasurementError {
	return &MeasurementError{
		Code:    ErrCodePhaseTooShort,
		Message: msg,
	}
}

func ErrLocationUnavailable(msg string, cause error) *MeasurementError {
	return &MeasurementError{
		Code:    ErrCodeLocationUnavailable,
		Message: msg,
		Cause:   cause,
	}
}

func ErrRouteUnavailable(msg string, cause error) *MeasurementError {
	return &MeasurementError{
		Code:    ErrCodeRouteUnavailable,
		Message: msg,
		Cause:   cause,
	}
}

// WithPhase returns a copy of err tagged with phase and target. Errors that
// are not *MeasurementError are wrapped as CONNECTION_FAILED.
func WithPhase(err error, phase, target string) *MeasurementError {
	if err == nil {
		return nil
	}
	var me *MeasurementError
	if errors.As(err, &me) {
		cp := *me
		cp.Phase = phase
		cp.Target = target
		return &cp
	}
	return &MeasurementError{
		Code:    ErrCodeConnectionFailed,
		Message: "phase failed",
		Cause:   err,
		Phase:   phase,
		Target:  target,
	}
}

// CodeOf returns the code of the first *MeasurementError in err's chain.
// Bare context errors map to CANCELLED/TIMEOUT; anything else returns "".
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var me *MeasurementError
	if errors.As(err, &me) {
		return me.Code
	}
	switch {
	case errors.Is(err, context.Canceled):
		return ErrCodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	}
	return ""
}

func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
