package connectortest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/goliatone/go-connector"
)

// MockDispatcher is a testify mock of connector.Dispatcher.
type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Dispatch(ctx context.Context, msg connector.RemoteMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

// MessageOfType matches a RemoteMessage by type.
func MessageOfType(kind string) any {
	return mock.MatchedBy(func(msg connector.RemoteMessage) bool {
		return msg.Type == kind
	})
}

var _ connector.Dispatcher = (*MockDispatcher)(nil)
