package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-connector"
)

type received struct {
	mu     sync.Mutex
	paths  []string
	header http.Header
	bodies []connector.RemoteMessage
}

func recordingServer(t *testing.T, status int) (*httptest.Server, *received) {
	t.Helper()
	rec := &received{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg connector.RemoteMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		rec.mu.Lock()
		rec.paths = append(rec.paths, r.URL.Path)
		rec.header = r.Header.Clone()
		rec.bodies = append(rec.bodies, msg)
		rec.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"detail":"rejected"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func message(address string) connector.RemoteMessage {
	return connector.RemoteMessage{
		Type:                "ContractRequestMessage",
		ProcessID:           "n1",
		CounterPartyAddress: address,
		Protocol:            "dataspace-protocol-http",
		Payload:             map[string]any{"offer_id": "offer-1"},
	}
}

func TestHTTPDispatcherPostsJSON(t *testing.T) {
	srv, rec := recordingServer(t, http.StatusOK)
	d := NewHTTPDispatcher(
		WithTimeout(time.Second),
		WithHeaders(map[string]string{"X-Participant": "consumer-a"}),
		WithRoute("ContractRequestMessage", "/negotiations/request"),
	)

	require.NoError(t, d.Dispatch(context.Background(), message(srv.URL+"/")))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.bodies, 1)
	assert.Equal(t, []string{"/negotiations/request"}, rec.paths)
	assert.Equal(t, "consumer-a", rec.header.Get("X-Participant"))
	assert.Equal(t, "n1", rec.bodies[0].ProcessID)
	assert.Equal(t, "offer-1", rec.bodies[0].Payload["offer_id"])
}

func TestHTTPDispatcherDefaultRoute(t *testing.T) {
	srv, rec := recordingServer(t, http.StatusAccepted)
	d := NewHTTPDispatcher()

	require.NoError(t, d.Dispatch(context.Background(), message(srv.URL)))
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{DefaultPath}, rec.paths)
}

func TestHTTPDispatcherRejectsNon2xx(t *testing.T) {
	srv, _ := recordingServer(t, http.StatusConflict)
	d := NewHTTPDispatcher()

	err := d.Dispatch(context.Background(), message(srv.URL))
	require.Error(t, err)
	assert.Equal(t, connector.ErrCodeDispatchFailed, connector.ErrorCode(err))
	assert.Contains(t, err.Error(), "409")
}

func TestHTTPDispatcherTransportFailure(t *testing.T) {
	srv, _ := recordingServer(t, http.StatusOK)
	url := srv.URL
	srv.Close()

	err := NewHTTPDispatcher(WithTimeout(200*time.Millisecond)).Dispatch(context.Background(), message(url))
	require.Error(t, err)
	assert.Equal(t, connector.ErrCodeDispatchFailed, connector.ErrorCode(err))
}

func TestDispatchValidatesMessage(t *testing.T) {
	err := NewHTTPDispatcher().Dispatch(context.Background(), connector.RemoteMessage{Type: "X", ProcessID: "p"})
	require.Error(t, err)
	assert.Equal(t, "COUNTER_PARTY_ADDRESS_REQUIRED", connector.ErrorCode(err))

	err = NewLogDispatcher(nil).Dispatch(context.Background(), connector.RemoteMessage{})
	assert.Equal(t, "MESSAGE_TYPE_REQUIRED", connector.ErrorCode(err))
}

func TestLogDispatcherRecords(t *testing.T) {
	d := NewLogDispatcher(connector.NopLogger())
	require.NoError(t, d.Dispatch(context.Background(), message("http://provider")))
	sent := d.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "n1", sent[0].ProcessID)
}
