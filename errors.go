package connector

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeEntityNotFound       = "ENTITY_NOT_FOUND"
	ErrCodeVersionConflict      = "ENTITY_VERSION_CONFLICT"
	ErrCodeEntityLeased         = "ENTITY_LEASED"
	ErrCodeStoreUnavailable     = "STORE_UNAVAILABLE"
	ErrCodeQueueFull            = "COMMAND_QUEUE_FULL"
	ErrCodeHandlerNotFound      = "COMMAND_HANDLER_NOT_FOUND"
	ErrCodeCommandFailed        = "COMMAND_FAILED"
	ErrCodeRetriesExhausted     = "RETRIES_EXHAUSTED"
	ErrCodeProcessorRegistered  = "PROCESSOR_ALREADY_REGISTERED"
	ErrCodeManagerRunning       = "MANAGER_ALREADY_RUNNING"
	ErrCodeInvalidConfiguration = "INVALID_CONFIGURATION"
	ErrCodeInvalidTransition    = "INVALID_STATE_TRANSITION"
	ErrCodeDispatchFailed       = "DISPATCH_FAILED"
)

var (
	ErrEntityNotFound = apperrors.New("entity not found", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeEntityNotFound)
	ErrVersionConflict = apperrors.New("entity version conflict", apperrors.CategoryConflict).
				WithTextCode(ErrCodeVersionConflict)
	ErrEntityLeased = apperrors.New("entity leased by another holder", apperrors.CategoryConflict).
			WithTextCode(ErrCodeEntityLeased)
	ErrStoreUnavailable = apperrors.New("entity store unavailable", apperrors.CategoryExternal).
				WithTextCode(ErrCodeStoreUnavailable)
	ErrQueueFull = apperrors.New("command queue full", apperrors.CategoryConflict).
			WithTextCode(ErrCodeQueueFull)
	ErrHandlerNotFound = apperrors.New("no command handler registered", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeHandlerNotFound)
	ErrCommandFailed = apperrors.New("command failed", apperrors.CategoryHandler).
				WithTextCode(ErrCodeCommandFailed)
	ErrRetriesExhausted = apperrors.New("retries exhausted", apperrors.CategoryHandler).
				WithTextCode(ErrCodeRetriesExhausted)
	ErrProcessorRegistered = apperrors.New("processor already registered for state", apperrors.CategoryConflict).
				WithTextCode(ErrCodeProcessorRegistered)
	ErrManagerRunning = apperrors.New("state machine manager already running", apperrors.CategoryConflict).
				WithTextCode(ErrCodeManagerRunning)
	ErrInvalidConfiguration = apperrors.New("invalid configuration", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeInvalidConfiguration)
	ErrInvalidTransition = apperrors.New("invalid state transition", apperrors.CategoryConflict).
				WithTextCode(ErrCodeInvalidTransition)
	ErrDispatchFailed = apperrors.New("remote message dispatch failed", apperrors.CategoryExternal).
				WithTextCode(ErrCodeDispatchFailed)
)

// NewError clones base, overriding message, source and metadata when given.
func NewError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrCommandFailed
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// StoreError wraps a backend failure as a retryable store error.
func StoreError(op string, source error) error {
	if source == nil {
		return nil
	}
	if ErrorCode(source) != "" {
		return source
	}
	return NewError(ErrStoreUnavailable, "entity store "+op+" failed", source, map[string]any{
		"operation": op,
	})
}

// ErrorCode returns the text code of the first go-errors error in the chain.
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

func IsNotFound(err error) bool {
	return ErrorCode(err) == ErrCodeEntityNotFound
}

func IsVersionConflict(err error) bool {
	return ErrorCode(err) == ErrCodeVersionConflict
}

func IsLeased(err error) bool {
	return ErrorCode(err) == ErrCodeEntityLeased
}

func IsInvalidTransition(err error) bool {
	return ErrorCode(err) == ErrCodeInvalidTransition
}

func IsQueueFull(err error) bool {
	return ErrorCode(err) == ErrCodeQueueFull
}

// IsRetryable reports errors worth another attempt on a later cycle.
// Version conflicts are never retryable: another worker already progressed.
func IsRetryable(err error) bool {
	switch ErrorCode(err) {
	case ErrCodeStoreUnavailable, ErrCodeEntityLeased:
		return true
	default:
		return false
	}
}
