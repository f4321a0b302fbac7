package transport

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mast-console/internal/mast"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func endpointOf(t *testing.T, srv *httptest.Server) mast.Endpoint {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return mast.Endpoint{Host: u.Hostname(), Port: port}
}

func newClient() *Client {
	return New(Config{
		HeartbeatTimeout: 100 * time.Millisecond,
		RequestTimeout:   200 * time.Millisecond,
		LogTimeout:       200 * time.Millisecond,
	}, testLogger())
}

func TestHeartbeatOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, mast.PathHeartbeat, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, newClient().Heartbeat(context.Background(), endpointOf(t, srv)))
}

func TestHeartbeatTimeoutIsOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	start := time.Now()
	err := newClient().Heartbeat(context.Background(), endpointOf(t, srv))
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)

	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindTimeout, te.Kind)
	assert.True(t, IsOffline(err))
}

func TestHeartbeatConnectRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	ep := endpointOf(t, srv)
	srv.Close()

	err := newClient().Heartbeat(context.Background(), ep)
	require.Error(t, err)
	assert.True(t, IsOffline(err))
}

func TestHeartbeatNon2xxIsNotOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := newClient().Heartbeat(context.Background(), endpointOf(t, srv))
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindStatus, te.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
	assert.False(t, IsOffline(err))
}

func TestSendPostsTaskAndDecodes(t *testing.T) {
	gotCh := make(chan mast.Request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got mast.Request
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, mast.PathMast, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		gotCh <- got
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"status":"success","is_busy":false,"section_length_current":0.5}`)
	}))
	defer srv.Close()

	req, err := mast.Vertical(1)
	require.NoError(t, err)
	doc, err := newClient().Send(context.Background(), endpointOf(t, srv), req)
	require.NoError(t, err)

	assert.Equal(t, req, <-gotCh)
	assert.True(t, doc.Succeeded())
	assert.False(t, doc.Busy())
	assert.Equal(t, []string{"status", "is_busy", "section_length_current"}, doc.Keys())
}

func TestSendBridgePath(t *testing.T) {
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		io.WriteString(w, `{"is_busy":true}`)
	}))
	defer srv.Close()

	doc, err := newClient().Send(context.Background(), endpointOf(t, srv), mast.Calibrate())
	require.NoError(t, err)
	assert.True(t, doc.Busy())
	assert.Equal(t, mast.PathBridge, path.Load())
}

func TestSendEmptyBodyIsEmptyDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	doc, err := newClient().Send(context.Background(), endpointOf(t, srv), mast.StateQuery())
	require.NoError(t, err)
	assert.Equal(t, 0, doc.Len())
	_, ok := doc.Status()
	assert.False(t, ok)
}

func TestSendMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<html>oops`)
	}))
	defer srv.Close()

	_, err := newClient().Send(context.Background(), endpointOf(t, srv), mast.StateQuery())
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindDecode, te.Kind)
	assert.False(t, te.Offline())
}

func TestSendRejectedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"status":"error","msg":"bad task"}`)
	}))
	defer srv.Close()

	_, err := newClient().Send(context.Background(), endpointOf(t, srv), mast.StateQuery())
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindStatus, te.Kind)
	require.NotNil(t, te.Payload)
	status, _ := te.Payload.Status()
	assert.Equal(t, "error", status)
}

func TestSendDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newClient().Send(context.Background(), endpointOf(t, srv), mast.StateQuery())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchLog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, mast.PathLog, r.URL.Path)
		io.WriteString(w, "strength_map[10][0] = -70\n")
	}))
	defer srv.Close()

	text, err := newClient().FetchLog(context.Background(), endpointOf(t, srv))
	require.NoError(t, err)
	assert.Contains(t, text, "strength_map[10][0] = -70")
}
