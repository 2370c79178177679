// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/tripwire/internal/logging"
	"grimm.is/tripwire/internal/store"
)

type fakeStatus struct {
	err error
}

func (f *fakeStatus) RecentAttacks(ctx context.Context, limit int) ([]store.Attack, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := []store.Attack{{ID: 2, SrcIP: "203.0.113.7", Status: store.StatusBlocked}, {ID: 1, SrcIP: "203.0.113.8"}}
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStatus) Stats(ctx context.Context) (int, int, error) {
	return 12, 3, f.err
}

func (f *fakeStatus) AttackHistory(ctx context.Context) ([]store.HistoryPoint, error) {
	return []store.HistoryPoint{{Time: "09:15", Count: 4}}, f.err
}

func (f *fakeStatus) WhitelistDetails(ctx context.Context) ([]store.WhitelistEntry, error) {
	return nil, f.err
}

func quietLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard})
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.PacketsSeen.Add(3)
	m.Classified.WithLabelValues(VerdictMalicious).Inc()

	drops := 7.0
	m.CounterFunc("queue_dropped_total", "Records dropped", func() float64 { return drops })

	assert.Equal(t, 3.0, testutil.ToFloat64(m.PacketsSeen))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Classified.WithLabelValues(VerdictMalicious)))

	rec := get(t, NewServer("", m, nil, nil, quietLogger()).Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "tripwire_packets_seen_total 3")
	assert.Contains(t, body, "tripwire_queue_dropped_total 7")
	assert.Contains(t, body, `tripwire_records_classified_total{verdict="malicious"} 1`)
}

func TestServer_StatusAPI(t *testing.T) {
	h := NewServer("", New(), &fakeStatus{}, func() []string { return []string{"203.0.113.7"} }, quietLogger()).Handler()

	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = get(t, h, "/api/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, map[string]int{"total_attacks": 12, "blocked_ips": 3}, stats)

	rec = get(t, h, "/api/attacks?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var attacks []store.Attack
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &attacks))
	require.Len(t, attacks, 1)
	assert.Equal(t, "203.0.113.7", attacks[0].SrcIP)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/attacks?limit=abc").Code)

	rec = get(t, h, "/api/history")
	assert.JSONEq(t, `[{"time":"09:15","count":4}]`, rec.Body.String())

	rec = get(t, h, "/api/whitelist")
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = get(t, h, "/api/blocked")
	assert.JSONEq(t, `{"count":1,"ips":["203.0.113.7"]}`, rec.Body.String())
}

func TestServer_StoreErrors(t *testing.T) {
	m := New()
	h := NewServer("", m, &fakeStatus{err: errors.New("database is locked")}, nil, quietLogger()).Handler()

	assert.Equal(t, http.StatusInternalServerError, get(t, h, "/api/stats").Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreErrors.WithLabelValues("read_stats")))

	h = NewServer("", m, nil, nil, quietLogger()).Handler()
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/api/attacks").Code)
}

func TestServer_ServeAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := NewServer("", New(), nil, nil, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.Contains(string(body), "ok"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServer_HandleEvents(t *testing.T) {
	m := New()
	s := NewServer(":0", m, &fakeStatus{}, nil, logging.New(logging.Config{Output: io.Discard}))
	s.HandleEvents(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/events", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
