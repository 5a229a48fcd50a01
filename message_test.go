package connector

import (
	stderrors "errors"
	"fmt"
	"testing"

	apperrors "github.com/goliatone/go-errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cancelNegotiation struct {
	BaseCommand
}

func (cancelNegotiation) Type() string { return "negotiation.cancel" }

type PauseTransfer struct{}

func TestGetMessageType(t *testing.T) {
	assert.Equal(t, "negotiation.cancel", GetMessageType(cancelNegotiation{}))
	assert.Equal(t, "connector::pause_transfer", GetMessageType(PauseTransfer{}))
	assert.Equal(t, "connector::pause_transfer", GetMessageType(&PauseTransfer{}))

	var missing *PauseTransfer
	assert.Equal(t, "unknown_type", GetMessageType(missing))
	assert.Equal(t, "unknown_type", GetMessageType(nil))
}

func TestValidateMessage(t *testing.T) {
	err := ValidateMessage(cancelNegotiation{})
	require.Error(t, err)
	assert.Equal(t, "VALIDATION_FAILED", ErrorCode(err))

	var missing *cancelNegotiation
	assert.Equal(t, "INVALID_MESSAGE", ErrorCode(ValidateMessage(missing)))

	assert.NoError(t, ValidateMessage(cancelNegotiation{BaseCommand{ID: "neg-1"}}))
}

func TestRemoteMessageValidate(t *testing.T) {
	msg := RemoteMessage{Type: "ContractRequestMessage", ProcessID: "neg-1"}
	assert.Equal(t, "COUNTER_PARTY_ADDRESS_REQUIRED", ErrorCode(msg.Validate()))

	msg.CounterPartyAddress = "https://provider.example/dsp"
	assert.NoError(t, msg.Validate())

	msg.Type = " "
	assert.Equal(t, "MESSAGE_TYPE_REQUIRED", ErrorCode(msg.Validate()))
}

func TestErrorHelpers(t *testing.T) {
	err := StoreError("save", fmt.Errorf("connection reset"))
	assert.Equal(t, ErrCodeStoreUnavailable, ErrorCode(err))
	assert.True(t, IsRetryable(err))

	assert.Same(t, ErrVersionConflict, StoreError("save", ErrVersionConflict))
	assert.True(t, IsVersionConflict(fmt.Errorf("cycle: %w", ErrVersionConflict)))
	assert.False(t, IsRetryable(ErrVersionConflict))
	assert.True(t, IsRetryable(ErrEntityLeased))
	assert.Nil(t, StoreError("save", nil))

	wrapped := NewError(ErrEntityNotFound, "negotiation neg-1 not found", nil, map[string]any{"id": "neg-1"})
	assert.True(t, IsNotFound(wrapped))
	assert.Equal(t, "negotiation neg-1 not found", wrapped.Message)
	assert.Equal(t, "entity not found", ErrEntityNotFound.Message)
}

func TestRecoverError(t *testing.T) {
	assert.Nil(t, RecoverError("Modify", nil))

	err := RecoverError("Modify", "boom")
	require.Error(t, err)
	assert.Equal(t, ErrCodeCommandFailed, ErrorCode(err))
	var ge *apperrors.Error
	require.True(t, stderrors.As(err, &ge))
	assert.Equal(t, "panic in Modify: boom", ge.Message)
	assert.Equal(t, true, ge.Metadata["panic"])
}
