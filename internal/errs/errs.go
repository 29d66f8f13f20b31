// Package errs carries the sync engine's error taxonomy. Every error that crosses a
// component boundary is an *AppError whose Kind decides retry and HTTP behavior.
package errs

import (
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// Kind classifies an error.
type Kind string

const (
	// KindValidation: bad signature or body shape. The batch is rejected.
	KindValidation Kind = "VALIDATION"
	// KindUnresolvedTenant: no installation for the portal. The event is dropped.
	KindUnresolvedTenant Kind = "UNRESOLVED_TENANT"
	// KindTransientStore: the store failed; redelivery may succeed.
	KindTransientStore Kind = "TRANSIENT_STORE"
	// KindMergeConsistency: a merge was rolled back; redelivery may succeed.
	KindMergeConsistency Kind = "MERGE_CONSISTENCY"
	KindInternal         Kind = "INTERNAL"
)

// AppError is the base error type.
type AppError struct {
	kind    Kind
	message string
	err     error
}

func (e *AppError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s", e.message, e.err.Error())
	}
	return e.message
}

func (e *AppError) Kind() Kind {
	return e.kind
}

func (e *AppError) Unwrap() error {
	return e.err
}

// New creates an AppError of the given kind wrapping err (which may be nil).
func New(kind Kind, message string, err error) *AppError {
	return &AppError{kind: kind, message: message, err: err}
}

func Validation(message string, err error) *AppError {
	return New(KindValidation, message, err)
}

func UnresolvedTenant(tenantID string) *AppError {
	return New(KindUnresolvedTenant, fmt.Sprintf("no installation for tenant %q", tenantID), nil)
}

func TransientStore(message string, err error) *AppError {
	return New(KindTransientStore, message, err)
}

func MergeConsistency(message string, err error) *AppError {
	return New(KindMergeConsistency, message, err)
}

// KindOf returns the kind of the outermost AppError in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.kind
	}
	return KindInternal
}

// IsKind reports whether err carries kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.kind == kind {
			return true
		}
		err = appErr.err
	}
	return false
}

// Retryable reports whether redelivering the same event could succeed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransientStore, KindMergeConsistency, KindInternal:
		return err != nil
	default:
		return false
	}
}

// HTTPStatus maps an error to the status returned to the webhook sender.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnresolvedTenant:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// LogError writes err with its kind as a structured field.
func LogError(logger *zap.Logger, err error, msg string, fields ...zap.Field) {
	if err == nil {
		return
	}
	all := make([]zap.Field, 0, len(fields)+2)
	all = append(all, zap.Error(err), zap.String("error_kind", string(KindOf(err))))
	all = append(all, fields...)
	logger.Error(msg, all...)
}
