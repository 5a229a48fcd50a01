package dispatch

import (
	"context"
	"sync"

	"github.com/goliatone/go-connector"
)

// LogDispatcher accepts every valid message and only logs it. It backs
// dry runs and local development.
type LogDispatcher struct {
	logger connector.Logger

	mu   sync.Mutex
	sent []connector.RemoteMessage
}

func NewLogDispatcher(logger connector.Logger) *LogDispatcher {
	return &LogDispatcher{logger: connector.NormalizeLogger(logger)}
}

func (d *LogDispatcher) Dispatch(ctx context.Context, msg connector.RemoteMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	d.sent = append(d.sent, msg)
	d.mu.Unlock()

	connector.WithLoggerFields(d.logger.WithContext(ctx), map[string]any{
		"message_type":  msg.Type,
		"process_id":    msg.ProcessID,
		"counter_party": msg.CounterPartyAddress,
	}).Info("message dispatched")
	return nil
}

// Sent returns the messages seen so far.
func (d *LogDispatcher) Sent() []connector.RemoteMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]connector.RemoteMessage, len(d.sent))
	copy(out, d.sent)
	return out
}

var _ connector.Dispatcher = (*LogDispatcher)(nil)
