package connector

import (
	"context"
	"strings"

	"github.com/goliatone/go-errors"
)

// RemoteMessage is an outbound protocol message addressed to a counter-party.
type RemoteMessage struct {
	Type                string         `json:"type"`
	ProcessID           string         `json:"process_id"`
	CounterPartyID      string         `json:"counter_party_id,omitempty"`
	CounterPartyAddress string         `json:"counter_party_address"`
	Protocol            string         `json:"protocol"`
	Payload             map[string]any `json:"payload,omitempty"`
}

func (m RemoteMessage) Validate() error {
	switch {
	case strings.TrimSpace(m.Type) == "":
		return errors.New("remote message type required", errors.CategoryValidation).
			WithTextCode("MESSAGE_TYPE_REQUIRED")
	case strings.TrimSpace(m.ProcessID) == "":
		return errors.New("remote message process id required", errors.CategoryValidation).
			WithTextCode("PROCESS_ID_REQUIRED")
	case strings.TrimSpace(m.CounterPartyAddress) == "":
		return errors.New("remote message counter-party address required", errors.CategoryValidation).
			WithTextCode("COUNTER_PARTY_ADDRESS_REQUIRED")
	}
	return nil
}

// Dispatcher sends remote messages. State actions call it, the engine does not.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg RemoteMessage) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, msg RemoteMessage) error

func (f DispatcherFunc) Dispatch(ctx context.Context, msg RemoteMessage) error {
	return f(ctx, msg)
}
