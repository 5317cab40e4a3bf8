package pipesync

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidState         = errors.New("invalid state")
	ErrQueueFull            = errors.New("queue full")
	ErrNotImplemented       = errors.New("not implemented")
	ErrVerification         = errors.New("webhook verification failed")
	ErrDuplicateEvent       = errors.New("duplicate event")
	ErrRouteNotFound        = errors.New("route not found")
	ErrMalformedRouteConfig = errors.New("malformed route config")
	ErrTransientRemote      = errors.New("transient remote error")
	ErrPermanentRemote      = errors.New("permanent remote error")
	ErrLockBusy             = errors.New("lock busy")
	ErrLockLost             = errors.New("lock lost")
	ErrOptimisticConflict   = errors.New("optimistic conflict")
	ErrRateLimited          = errors.New("rate limited")
)

type VerificationError struct {
	TenantID string
	Reason   string
}

func (e *VerificationError) Error() string {
	if e.Reason == "" {
		return ErrVerification.Error()
	}
	return ErrVerification.Error() + ": " + e.Reason
}

func (e *VerificationError) Is(target error) bool {
	return target == ErrVerification
}

type MalformedRouteConfigError struct {
	RouteID string
	Err     error
}

func (e *MalformedRouteConfigError) Error() string {
	return fmt.Sprintf("route %s: %s: %v", e.RouteID, ErrMalformedRouteConfig.Error(), e.Err)
}

func (e *MalformedRouteConfigError) Is(target error) bool {
	return target == ErrMalformedRouteConfig
}

func (e *MalformedRouteConfigError) Unwrap() error {
	return e.Err
}

// RemoteError classifies a CRM API failure. Transient failures are retried
// with backoff; permanent ones terminate the queue item.
type RemoteError struct {
	StatusCode int
	Code       string
	Message    string
	Transient  bool
	Err        error
}

func (e *RemoteError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	parts := []string{"remote " + kind + " error"}
	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	if e.Message != "" {
		parts = append(parts, "message="+e.Message)
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, " ")
}

func (e *RemoteError) Is(target error) bool {
	if e.Transient {
		return target == ErrTransientRemote
	}
	return target == ErrPermanentRemote
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

func NewTransientRemoteError(err error) *RemoteError {
	return &RemoteError{Transient: true, Err: err}
}

func NewPermanentRemoteError(statusCode int, code, message string) *RemoteError {
	return &RemoteError{StatusCode: statusCode, Code: code, Message: message}
}

type LockContentionError struct {
	Key    LockKey
	Holder string
}

func (e *LockContentionError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("lock busy: %s", e.Key)
	}
	return fmt.Sprintf("lock busy: %s held by %s", e.Key, e.Holder)
}

func (e *LockContentionError) Is(target error) bool {
	return target == ErrLockBusy
}

type OptimisticConflictError struct {
	ConflictID string
	Fields     []string
}

func (e *OptimisticConflictError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("optimistic conflict %s", e.ConflictID)
	}
	return fmt.Sprintf("optimistic conflict %s on %s", e.ConflictID, strings.Join(e.Fields, ","))
}

func (e *OptimisticConflictError) Is(target error) bool {
	return target == ErrOptimisticConflict
}

func invalidInputf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// isTransient reports whether a failed apply should be retried. Anything
// that is not explicitly permanent is retried.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanentRemote) || errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrMalformedRouteConfig) {
		return false
	}
	return true
}
