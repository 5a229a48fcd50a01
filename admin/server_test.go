package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-connector/cron"
	"github.com/goliatone/go-connector/manager"
	"github.com/goliatone/go-connector/metrics"
	"github.com/goliatone/go-connector/negotiation"
)

type fakeSource struct {
	name    string
	healthy bool
}

func (f fakeSource) Name() string { return f.name }

func (f fakeSource) Status() manager.RuntimeStatus {
	return manager.RuntimeStatus{Name: f.name, State: manager.RuntimeStateRunning, Cycles: 3}
}

func (f fakeSource) Health(context.Context) manager.Health {
	h := manager.Health{Healthy: f.healthy, Status: f.Status()}
	if !f.healthy {
		h.Reason = "store unavailable"
	}
	return h
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthAggregatesSources(t *testing.T) {
	router := NewServer(WithSources(fakeSource{name: "negotiations", healthy: true})).Router()
	rec := get(t, router, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Healthy)
	assert.Contains(t, body.Managers, "negotiations")

	router = NewServer(WithSources(
		fakeSource{name: "negotiations", healthy: true},
		fakeSource{name: "transfers", healthy: false},
	)).Router()
	rec = get(t, router, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "store unavailable")
}

func TestStatusListsManagersByName(t *testing.T) {
	router := NewServer(WithSources(fakeSource{name: "transfers"}, fakeSource{name: "negotiations"})).Router()
	rec := get(t, router, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var out []manager.RuntimeStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 2)
	assert.Equal(t, "negotiations", out[0].Name)
	assert.Equal(t, int64(3), out[1].Cycles)
}

func TestMetricsEndpoint(t *testing.T) {
	recorder := metrics.New("connector")
	recorder.RecordVersionConflict("negotiations")

	rec := get(t, NewServer(WithMetrics(recorder.Handler())).Router(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "connector_version_conflicts_total")
}

func TestSchedulesEndpoint(t *testing.T) {
	rec := get(t, NewServer().Router(), "/schedules")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	scheduler := cron.NewScheduler()
	_, err := scheduler.ScheduleCron(cron.JobConfig{Name: "transfer cycle", Expression: "@every 1m"}, func(context.Context) error { return nil })
	require.NoError(t, err)

	rec = get(t, NewServer(WithSchedules(scheduler.Handles)).Router(), "/schedules")
	require.Equal(t, http.StatusOK, rec.Code)
	var out []scheduleView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "transfer cycle", out[0].Name)
	assert.Equal(t, cron.ScheduleStatusScheduled, out[0].Status)
	assert.Zero(t, out[0].Runs)
}

func TestGraphEndpoints(t *testing.T) {
	router := NewServer(WithGraph("negotiation", negotiation.Graph)).Router()

	rec := get(t, router, "/graphs/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `["negotiation"]`, rec.Body.String())

	rec = get(t, router, "/graphs/negotiation")
	require.Equal(t, http.StatusOK, rec.Code)
	var states []stateView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &states))
	require.NotEmpty(t, states)
	assert.Equal(t, "INITIAL", states[0].Name)
	assert.Equal(t, []string{negotiation.EventCancel, negotiation.EventRequest}, states[0].Events)

	rec = get(t, router, "/graphs/negotiation?format=dot")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "digraph")

	rec = get(t, router, "/graphs/unknown")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
