// Package dispatch delivers protocol messages to counter-parties.
package dispatch

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/goliatone/go-connector"
)

const DefaultPath = "/messages"

// HTTPDispatcher posts messages as JSON to the counter-party address.
type HTTPDispatcher struct {
	client *resty.Client
	routes map[string]string
	logger connector.Logger
}

type Option func(*HTTPDispatcher)

func WithTimeout(d time.Duration) Option {
	return func(h *HTTPDispatcher) {
		if d > 0 {
			h.client.SetTimeout(d)
		}
	}
}

// WithRetries lets the HTTP client retry transport failures before the
// entity level retry budget is charged.
func WithRetries(count int, wait time.Duration) Option {
	return func(h *HTTPDispatcher) {
		if count <= 0 {
			return
		}
		h.client.SetRetryCount(count)
		if wait > 0 {
			h.client.SetRetryWaitTime(wait)
			h.client.SetRetryMaxWaitTime(wait * 4)
		}
	}
}

func WithHeaders(headers map[string]string) Option {
	return func(h *HTTPDispatcher) {
		h.client.SetHeaders(headers)
	}
}

// WithRoute sends messages of msgType to path below the counter-party address.
func WithRoute(msgType, path string) Option {
	return func(h *HTTPDispatcher) {
		msgType = strings.TrimSpace(msgType)
		if msgType == "" {
			return
		}
		h.routes[msgType] = path
	}
}

func WithLogger(logger connector.Logger) Option {
	return func(h *HTTPDispatcher) {
		h.logger = connector.NormalizeLogger(logger)
	}
}

// WithClient replaces the underlying resty client.
func WithClient(client *resty.Client) Option {
	return func(h *HTTPDispatcher) {
		if client != nil {
			h.client = client
		}
	}
}

func NewHTTPDispatcher(opts ...Option) *HTTPDispatcher {
	h := &HTTPDispatcher{
		client: resty.New().
			SetTimeout(10*time.Second).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json"),
		routes: map[string]string{},
		logger: connector.DefaultLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes returns a copy of the configured message routes.
func (h *HTTPDispatcher) Routes() map[string]string {
	return maps.Clone(h.routes)
}

// Dispatch posts msg and treats any non 2xx answer as a failure.
func (h *HTTPDispatcher) Dispatch(ctx context.Context, msg connector.RemoteMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	url := h.endpoint(msg)
	logger := connector.WithLoggerFields(h.logger.WithContext(ctx), map[string]any{
		"message_type": msg.Type,
		"process_id":   msg.ProcessID,
		"endpoint":     url,
	})

	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(msg).
		Post(url)
	if err != nil {
		logger.Warn("dispatch failed: %v", err)
		return connector.NewError(connector.ErrDispatchFailed, fmt.Sprintf("post %s", msg.Type), err, map[string]any{
			"endpoint": url,
		})
	}
	if resp.StatusCode() < http.StatusOK || resp.StatusCode() >= http.StatusMultipleChoices {
		logger.Warn("dispatch rejected status=%d", resp.StatusCode())
		return connector.NewError(connector.ErrDispatchFailed,
			fmt.Sprintf("%s rejected with status %d", msg.Type, resp.StatusCode()), nil, map[string]any{
				"endpoint": url,
				"status":   resp.StatusCode(),
				"body":     truncate(resp.String(), 512),
			})
	}
	logger.Debug("dispatched status=%d", resp.StatusCode())
	return nil
}

func (h *HTTPDispatcher) endpoint(msg connector.RemoteMessage) string {
	path, ok := h.routes[msg.Type]
	if !ok {
		path = DefaultPath
	}
	base := strings.TrimRight(msg.CounterPartyAddress, "/")
	if path == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(path, "/")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var _ connector.Dispatcher = (*HTTPDispatcher)(nil)
