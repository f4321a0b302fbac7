package session

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mast-console/internal/mast"
	"mast-console/internal/store"
	"mast-console/internal/transport"
)

// fakeDevice emulates the controller's HTTP surface.
type fakeDevice struct {
	mu             sync.Mutex
	stateBody      string
	commandBody    string
	commandStatus  int
	logBody        string
	logStatus      int
	heartbeatDelay time.Duration

	// When set, the matching request reports on arrived and waits for the
	// gate to close before answering.
	stateGate   chan struct{}
	commandGate chan struct{}
	arrived     chan mast.Task

	states     atomic.Int32
	commands   atomic.Int32
	heartbeats atomic.Int32
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		stateBody:     `{"status":"success","is_busy":false,"info_state":"idle"}`,
		commandBody:   `{"status":"success","is_busy":false}`,
		commandStatus: http.StatusOK,
		logStatus:     http.StatusOK,
		arrived:       make(chan mast.Task, 8),
	}
}

func (d *fakeDevice) set(fn func(d *fakeDevice)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d)
}

func (d *fakeDevice) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	stateBody, commandBody, commandStatus := d.stateBody, d.commandBody, d.commandStatus
	logBody, logStatus, delay := d.logBody, d.logStatus, d.heartbeatDelay
	stateGate, commandGate := d.stateGate, d.commandGate
	d.mu.Unlock()

	switch r.URL.Path {
	case mast.PathHeartbeat:
		d.heartbeats.Add(1)
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	case mast.PathMast, mast.PathBridge:
		var req mast.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.IsStateQuery() {
			d.states.Add(1)
			if stateGate != nil {
				d.arrived <- req.Task
				<-stateGate
			}
			io.WriteString(w, stateBody)
			return
		}
		d.commands.Add(1)
		if commandGate != nil {
			d.arrived <- req.Task
			<-commandGate
		}
		w.WriteHeader(commandStatus)
		io.WriteString(w, commandBody)
	case mast.PathLog:
		w.WriteHeader(logStatus)
		io.WriteString(w, logBody)
	default:
		http.NotFound(w, r)
	}
}

// recorder captures bus events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) notices() []Notice {
	var out []Notice
	for _, e := range r.ofType(EventNotice) {
		out = append(out, e.Data.(Notice))
	}
	return out
}

type harness struct {
	session *Session
	device  *fakeDevice
	server  *httptest.Server
	store   *store.BoltStore
	rec     *recorder
}

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

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	dev := newFakeDevice()
	srv := httptest.NewServer(dev)
	t.Cleanup(srv.Close)

	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := testLogger()
	tr := transport.New(transport.Config{
		HeartbeatTimeout: 100 * time.Millisecond,
		RequestTimeout:   2 * time.Second,
		LogTimeout:       2 * time.Second,
	}, logger)

	bus := NewEventBus(logger)
	rec := &recorder{}
	bus.OnAll(rec.handle)

	cfg.Endpoint = endpointOf(t, srv)
	s, err := New(tr, st, bus, cfg, logger)
	require.NoError(t, err)
	t.Cleanup(s.Stop)

	return &harness{session: s, device: dev, server: srv, store: st, rec: rec}
}

func TestInitialStateOffline(t *testing.T) {
	h := newHarness(t, Config{Polling: true})
	st := h.session.State()
	assert.Equal(t, Offline, st.Connectivity)
	assert.False(t, st.Busy())
	assert.Nil(t, st.Snapshot)
	assert.True(t, st.Polling)
}

func TestRefreshSuccess(t *testing.T) {
	h := newHarness(t, Config{})

	doc, err := h.session.Refresh(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "idle", doc.InfoState())

	st := h.session.State()
	assert.Equal(t, Online, st.Connectivity)
	assert.Same(t, doc, st.Snapshot)
	assert.False(t, st.DeviceBusy)
	assert.False(t, st.LastRefresh.IsZero())
	assert.Empty(t, h.rec.notices())
	assert.Len(t, h.rec.ofType(EventConnectivity), 1)
}

func TestRefreshFailureKeepsSnapshot(t *testing.T) {
	h := newHarness(t, Config{})
	h.device.set(func(d *fakeDevice) { d.stateBody = `{"status":"success","is_busy":true}` })

	first, err := h.session.Refresh(context.Background(), false)
	require.NoError(t, err)
	require.True(t, h.session.State().DeviceBusy)

	h.server.Close()

	_, err = h.session.Refresh(context.Background(), false)
	require.Error(t, err)
	assert.True(t, transport.IsOffline(err))

	st := h.session.State()
	assert.Equal(t, Offline, st.Connectivity)
	assert.False(t, st.DeviceBusy)
	assert.Same(t, first, st.Snapshot)
	assert.Empty(t, h.rec.notices(), "periodic refresh must be silent")

	_, err = h.session.Refresh(context.Background(), true)
	require.Error(t, err)
	notices := h.rec.notices()
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeOffline, notices[0].Kind)
}

func TestRunCommandGatedWhileBusy(t *testing.T) {
	h := newHarness(t, Config{})
	h.device.set(func(d *fakeDevice) { d.stateBody = `{"is_busy":true}` })
	_, err := h.session.Refresh(context.Background(), false)
	require.NoError(t, err)

	req, err := mast.Vertical(1)
	require.NoError(t, err)
	out, err := h.session.RunCommand(context.Background(), req)
	require.ErrorIs(t, err, ErrBusy)
	assert.NotEmpty(t, out.ID)

	assert.Equal(t, int32(0), h.device.commands.Load())
	assert.Equal(t, int32(1), h.device.states.Load(), "gating must not trigger a refresh")

	notices := h.rec.notices()
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeRejected, notices[0].Kind)
	assert.Equal(t, out.ID, notices[0].CommandID)

	journal, err := h.store.ListJournal(0)
	require.NoError(t, err)
	require.Len(t, journal, 1)
	assert.Equal(t, "rejected", journal[0].Status)
}

func TestRunCommandSuccessRefreshesOnce(t *testing.T) {
	h := newHarness(t, Config{})

	req, err := mast.SetHeight(0.7)
	require.NoError(t, err)
	out, err := h.session.RunCommand(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, out.Status)
	assert.False(t, out.Busy)
	assert.Equal(t, int32(1), h.device.commands.Load())
	assert.Equal(t, int32(1), h.device.states.Load())

	notices := h.rec.notices()
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeSuccess, notices[0].Kind)
	assert.Equal(t, out.ID, notices[0].CommandID)

	st := h.session.State()
	assert.Equal(t, Online, st.Connectivity)
	assert.False(t, st.Busy())

	commands := h.rec.ofType(EventCommand)
	require.Len(t, commands, 1)
	assert.Equal(t, out.ID, commands[0].Data.(Outcome).ID)

	journal, err := h.store.ListJournal(0)
	require.NoError(t, err)
	require.Len(t, journal, 1)
	assert.Equal(t, out.ID, journal[0].ID)
	assert.Equal(t, mast.TaskSetHeight, journal[0].Task)
	assert.Equal(t, "success", journal[0].Status)
}

func TestRunCommandBusyResponse(t *testing.T) {
	h := newHarness(t, Config{})
	h.device.set(func(d *fakeDevice) {
		d.commandBody = `{"status":"error","is_busy":true}`
		d.stateBody = `{"is_busy":true}`
	})

	out, err := h.session.RunCommand(context.Background(), mast.Calibrate())
	require.NoError(t, err)
	assert.True(t, out.Busy)

	notices := h.rec.notices()
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeBusy, notices[0].Kind)
	assert.True(t, h.session.State().DeviceBusy)
}

func TestRunCommandDeviceRejected(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   Status
	}{
		{"error status", http.StatusOK, `{"status":"error","is_busy":false}`, StatusFailure},
		{"numeric status", http.StatusOK, `{"status":0,"is_busy":false}`, StatusFailure},
		{"null status", http.StatusOK, `{"status":null}`, StatusFailure},
		{"no status", http.StatusOK, `{"section_length_current":0.4}`, StatusUnknown},
		{"empty body", http.StatusOK, ``, StatusUnknown},
		{"non-2xx payload", http.StatusBadRequest, `{"status":"bad value"}`, StatusFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			h.device.set(func(d *fakeDevice) {
				d.commandStatus = tt.status
				d.commandBody = tt.body
			})

			out, err := h.session.RunCommand(context.Background(), mast.WiFiSearch())
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Status)

			notices := h.rec.notices()
			require.Len(t, notices, 1)
			assert.Equal(t, NoticeFailure, notices[0].Kind)
			assert.Equal(t, Online, h.session.State().Connectivity)
		})
	}
}

func TestRunCommandNonStringStatusNotice(t *testing.T) {
	h := newHarness(t, Config{})
	h.device.set(func(d *fakeDevice) { d.commandBody = `{"status":0,"is_busy":false}` })

	out, err := h.session.RunCommand(context.Background(), mast.Calibrate())
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, out.Status)

	notices := h.rec.notices()
	require.Len(t, notices, 1)
	assert.Equal(t, Notice{Kind: NoticeFailure, Message: "device reported 0", CommandID: out.ID}, notices[0])
}

func TestRunCommandTransportFailure(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.session.Refresh(context.Background(), false)
	require.NoError(t, err)
	h.device.set(func(d *fakeDevice) {
		d.commandStatus = http.StatusInternalServerError
		d.commandBody = `<html>boom</html>`
	})

	req, err := mast.Angle(-1)
	require.NoError(t, err)
	_, err = h.session.RunCommand(context.Background(), req)
	require.Error(t, err)

	var te *transport.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, transport.KindStatus, te.Kind)

	notices := h.rec.notices()
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeFailure, notices[0].Kind)
	assert.Equal(t, Online, h.session.State().Connectivity)
	assert.Equal(t, int32(2), h.device.states.Load(), "command still concludes with a refresh")
}

func TestConcurrentCommandsOnlyOneDispatched(t *testing.T) {
	h := newHarness(t, Config{})
	gate := make(chan struct{})
	h.device.set(func(d *fakeDevice) { d.commandGate = gate })

	req, err := mast.Vertical(-1)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := h.session.RunCommand(context.Background(), req)
		done <- err
	}()

	select {
	case <-h.device.arrived:
	case <-time.After(2 * time.Second):
		t.Fatal("command never reached the device")
	}
	assert.True(t, h.session.State().CommandInFlight)

	_, err = h.session.RunCommand(context.Background(), req)
	assert.ErrorIs(t, err, ErrBusy)

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), h.device.commands.Load())
}

func TestHeartbeatTimeoutGoesOffline(t *testing.T) {
	h := newHarness(t, Config{})
	snap, err := h.session.Refresh(context.Background(), false)
	require.NoError(t, err)

	require.NoError(t, h.session.Heartbeat(context.Background()))
	assert.Equal(t, Online, h.session.State().Connectivity)

	h.device.set(func(d *fakeDevice) { d.heartbeatDelay = time.Second })
	err = h.session.Heartbeat(context.Background())
	require.Error(t, err)

	st := h.session.State()
	assert.Equal(t, Offline, st.Connectivity)
	assert.Same(t, snap, st.Snapshot)
	assert.Empty(t, h.rec.notices())
}

func TestPollingToggle(t *testing.T) {
	h := newHarness(t, Config{
		HeartbeatInterval: time.Hour,
		RefreshInterval:   20 * time.Millisecond,
		Polling:           false,
	})
	h.session.Start(context.Background())

	require.Eventually(t, func() bool { return h.device.states.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), h.device.states.Load(), "polling disabled must skip ticks")

	h.session.SetPolling(true)
	require.Eventually(t, func() bool { return h.device.states.Load() >= 3 }, time.Second, 5*time.Millisecond)

	h.session.SetPolling(false)
	time.Sleep(50 * time.Millisecond)
	settled := h.device.states.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, settled, h.device.states.Load())

	assert.Len(t, h.rec.ofType(EventPolling), 2)
}

func TestDisablePollingKeepsInFlightRefresh(t *testing.T) {
	h := newHarness(t, Config{
		HeartbeatInterval: time.Hour,
		RefreshInterval:   20 * time.Millisecond,
		Polling:           true,
	})
	gate := make(chan struct{})
	h.device.set(func(d *fakeDevice) { d.stateGate = gate })
	h.session.Start(context.Background())

	select {
	case <-h.device.arrived:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh never reached the device")
	}
	h.session.SetPolling(false)
	assert.True(t, h.session.State().RefreshInFlight)

	// Let several ticks elapse while the refresh is held.
	time.Sleep(60 * time.Millisecond)
	close(gate)

	require.Eventually(t, func() bool {
		st := h.session.State()
		return st.Connectivity == Online && st.Snapshot != nil && !st.RefreshInFlight
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "idle", h.session.State().Snapshot.InfoState())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), h.device.states.Load(), "no refresh after polling was disabled")
	assert.Len(t, h.rec.ofType(EventState), 1)
}

func TestStopDiscardsInFlightRefresh(t *testing.T) {
	h := newHarness(t, Config{})
	gate := make(chan struct{})
	h.device.set(func(d *fakeDevice) { d.stateGate = gate })

	done := make(chan error, 1)
	go func() {
		_, err := h.session.Refresh(context.Background(), true)
		done <- err
	}()
	select {
	case <-h.device.arrived:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh never reached the device")
	}

	h.session.Stop()
	close(gate)
	assert.ErrorIs(t, <-done, ErrStopped)

	st := h.session.State()
	assert.Equal(t, Offline, st.Connectivity)
	assert.Nil(t, st.Snapshot)
	assert.Empty(t, h.rec.ofType(EventState))
	assert.Empty(t, h.rec.notices())

	_, err := h.session.Refresh(context.Background(), false)
	assert.ErrorIs(t, err, ErrStopped)
	_, err = h.session.RunCommand(context.Background(), mast.StateQuery())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestStartStop(t *testing.T) {
	h := newHarness(t, Config{
		HeartbeatInterval: 10 * time.Millisecond,
		RefreshInterval:   time.Hour,
		Polling:           true,
	})
	h.session.Start(context.Background())
	require.Eventually(t, func() bool { return h.device.heartbeats.Load() >= 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.session.State().Connectivity == Online }, time.Second, 5*time.Millisecond)

	h.session.Stop()
	n := h.device.heartbeats.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, h.device.heartbeats.Load())
}

func TestStopConcurrentWithStart(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, Config{
			HeartbeatInterval: 5 * time.Millisecond,
			RefreshInterval:   time.Hour,
		})

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.session.Start(context.Background())
		}()
		go func() {
			defer wg.Done()
			h.session.Stop()
		}()
		wg.Wait()
		h.session.Stop()

		n := h.device.heartbeats.Load()
		time.Sleep(30 * time.Millisecond)
		require.Equal(t, n, h.device.heartbeats.Load(), "loops outlived Stop on iteration %d", i)
	}
}

func TestFetchPattern(t *testing.T) {
	h := newHarness(t, Config{})
	h.device.set(func(d *fakeDevice) {
		d.logBody = "strength_map[10][0] = -70\nstrength_map[10][5] = -999\nstrength_map[20][0] = -80\n"
	})

	profile, raw, err := h.session.FetchPattern(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, profile.Count)
	assert.Equal(t, 10, profile.BestBearing)
	assert.Contains(t, raw, "strength_map")

	c, ok := h.session.LastCapture()
	require.True(t, ok)
	assert.Equal(t, profile, c.Profile)

	stored, err := h.store.GetCapture()
	require.NoError(t, err)
	assert.Equal(t, raw, stored.RawLog)

	assert.Len(t, h.rec.ofType(EventPattern), 1)
	notices := h.rec.notices()
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeInfo, notices[0].Kind)
	assert.Equal(t, Offline, h.session.State().Connectivity, "log fetch does not drive connectivity")
}

func TestFetchPatternFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.device.set(func(d *fakeDevice) { d.logStatus = http.StatusServiceUnavailable })

	_, _, err := h.session.FetchPattern(context.Background())
	require.Error(t, err)

	_, ok := h.session.LastCapture()
	assert.False(t, ok)
	notices := h.rec.notices()
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeFailure, notices[0].Kind)
}

func TestSetEndpoint(t *testing.T) {
	h := newHarness(t, Config{})

	err := h.session.SetEndpoint(context.Background(), mast.Endpoint{Host: " ", Port: 80})
	require.Error(t, err)

	other := newFakeDevice()
	otherSrv := httptest.NewServer(other)
	defer otherSrv.Close()
	ep := endpointOf(t, otherSrv)

	require.NoError(t, h.session.SetEndpoint(context.Background(), ep))
	assert.Equal(t, ep, h.session.Endpoint())
	assert.Equal(t, int32(1), other.states.Load())
	assert.Equal(t, Online, h.session.State().Connectivity)

	stored, err := h.store.GetEndpoint()
	require.NoError(t, err)
	assert.Equal(t, ep, stored)
}

func TestSetEndpointUnreachableNotifiesOnce(t *testing.T) {
	h := newHarness(t, Config{})

	dead := httptest.NewServer(http.NotFoundHandler())
	ep := endpointOf(t, dead)
	dead.Close()

	require.NoError(t, h.session.SetEndpoint(context.Background(), ep))
	notices := h.rec.notices()
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeOffline, notices[0].Kind)
}

func TestEventBusPanicIsolated(t *testing.T) {
	bus := NewEventBus(testLogger())
	var got []EventType
	bus.OnAll(func(Event) { panic("boom") })
	unsub := bus.On(func(e Event) { got = append(got, e.Type) }, EventNotice, EventState)

	bus.Emit(Event{Type: EventNotice})
	bus.Emit(Event{Type: EventPattern})
	bus.Emit(Event{Type: EventState})
	unsub()
	bus.Emit(Event{Type: EventNotice})

	assert.Equal(t, []EventType{EventNotice, EventState}, got)
}
