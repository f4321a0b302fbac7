//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"mast-console/internal/mast"
	"mast-console/internal/pattern"
	"mast-console/internal/session"
	"mast-console/internal/store"
)

// doneToken is an already-completed paho token.
type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic    string
	payload  []byte
	retained bool
}

// fakeClient records publishes and subscriptions. Methods the bridge does
// not call are left to the embedded nil interface.
type fakeClient struct {
	pahomqtt.Client

	mu           sync.Mutex
	pubs         []published
	handlers     map[string]pahomqtt.MessageHandler
	disconnected bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: make(map[string]pahomqtt.MessageHandler)}
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload any) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pubs = append(c.pubs, published{topic: topic, payload: payload.([]byte), retained: retained})
	return doneToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = cb
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

// last returns the most recent publish on topic.
func (c *fakeClient) last(topic string) (published, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.pubs) - 1; i >= 0; i-- {
		if c.pubs[i].topic == topic {
			return c.pubs[i], true
		}
	}
	return published{}, false
}

func (c *fakeClient) count(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.pubs {
		if strings.HasPrefix(p.topic, prefix) {
			n++
		}
	}
	return n
}

// fakeMessage is an incoming paho message.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type fakeConsole struct {
	bus     *session.EventBus
	state   session.State
	capture *store.Capture
	cmdErr  error
	calls   chan mast.Request
}

func newFakeConsole() *fakeConsole {
	return &fakeConsole{
		bus:   session.NewEventBus(testLogger()),
		state: session.State{Connectivity: session.Online, Polling: true, Endpoint: mast.DefaultEndpoint()},
		calls: make(chan mast.Request, 8),
	}
}

func (f *fakeConsole) Events() *session.EventBus { return f.bus }
func (f *fakeConsole) State() session.State      { return f.state }
func (f *fakeConsole) LastCapture() (*store.Capture, bool) {
	return f.capture, f.capture != nil
}
func (f *fakeConsole) RunCommand(_ context.Context, req mast.Request) (session.Outcome, error) {
	f.calls <- req
	return session.Outcome{ID: "x", Request: req, Status: session.StatusSuccess}, f.cmdErr
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestBridge(t *testing.T, cfg Config) (*Bridge, *fakeClient, *fakeConsole) {
	t.Helper()
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "mast"
	}
	console := newFakeConsole()
	client := newFakeClient()
	b := newBridge(console, cfg, testLogger())
	b.client = client
	return b, client, console
}

func TestOnConnectPublishesRetainedState(t *testing.T) {
	b, client, console := newTestBridge(t, Config{})
	console.capture = &store.Capture{
		FetchedAt: time.Date(2026, time.June, 1, 8, 0, 0, 0, time.UTC),
		Profile:   pattern.Profile{Readings: []pattern.Sample{{Bearing: 40, Signal: -55}}, BestBearing: 40, BestSignal: -55, Count: 1},
	}

	b.onConnect()

	for topic, want := range map[string]string{
		"mast/bridge/state": "online",
		"mast/availability": "online",
	} {
		p, ok := client.last(topic)
		if !ok || string(p.payload) != want || !p.retained {
			t.Errorf("%s = %+v, want retained %q", topic, p, want)
		}
	}

	p, ok := client.last("mast/state")
	if !ok || !p.retained {
		t.Fatalf("state not published retained: %+v", p)
	}
	var st map[string]any
	if err := json.Unmarshal(p.payload, &st); err != nil {
		t.Fatal(err)
	}
	if st["connectivity"] != "online" || st["polling"] != true || st["endpoint"] != "192.168.189.11:8070" {
		t.Errorf("state = %v", st)
	}

	p, ok = client.last("mast/pattern")
	if !ok {
		t.Fatal("pattern not published")
	}
	var pm patternMessage
	if err := json.Unmarshal(p.payload, &pm); err != nil {
		t.Fatal(err)
	}
	if pm.BestBearing != 40 || pm.FetchedAt != "2026-06-01T08:00:00Z" || len(pm.Readings) != 1 {
		t.Errorf("pattern = %+v", pm)
	}

	client.mu.Lock()
	_, subscribed := client.handlers["mast/set"]
	client.mu.Unlock()
	if !subscribed {
		t.Error("not subscribed to mast/set")
	}
}

func TestOnConnectDiscovery(t *testing.T) {
	b, client, _ := newTestBridge(t, Config{Discovery: true})
	b.onConnect()

	n := client.count("homeassistant/")
	if n != len(mastEntities()) {
		t.Errorf("discovery messages = %d, want %d", n, len(mastEntities()))
	}
	p, ok := client.last("homeassistant/number/mast_console_mast/azimuth/config")
	if !ok || len(p.payload) == 0 {
		t.Fatal("azimuth discovery missing")
	}
}

func TestOnConnectClearsDiscoveryWhenDisabled(t *testing.T) {
	b, client, _ := newTestBridge(t, Config{DiscoveryPrefix: "ha"})
	b.onConnect()

	p, ok := client.last("ha/button/mast_console_mast/calibrate/config")
	if !ok {
		t.Fatal("removal not published")
	}
	if len(p.payload) != 0 || !p.retained {
		t.Errorf("removal = %+v, want empty retained", p)
	}
}

func TestEventRouting(t *testing.T) {
	b, client, console := newTestBridge(t, Config{})
	b.Start()
	defer b.unsub()

	console.bus.Emit(session.Event{Type: session.EventConnectivity, Data: session.Offline})
	if p, _ := client.last("mast/availability"); string(p.payload) != "offline" || !p.retained {
		t.Errorf("availability = %+v", p)
	}

	console.bus.Emit(session.Event{Type: session.EventNotice, Data: session.Notice{Kind: session.NoticeBusy, Message: "calibration in progress"}})
	p, ok := client.last("mast/notice")
	if !ok || p.retained {
		t.Fatalf("notice = %+v", p)
	}
	var n map[string]any
	if err := json.Unmarshal(p.payload, &n); err != nil {
		t.Fatal(err)
	}
	if n["kind"] != "busy" || n["message"] != "calibration in progress" {
		t.Errorf("notice = %v", n)
	}

	console.bus.Emit(session.Event{Type: session.EventCommand, Data: session.Outcome{
		ID:      "cmd-7",
		Request: mast.Request{Task: mast.TaskAzimuth, Value: 15},
		Status:  session.StatusFailure,
	}})
	p, ok = client.last("mast/command")
	if !ok {
		t.Fatal("command echo missing")
	}
	var c map[string]any
	if err := json.Unmarshal(p.payload, &c); err != nil {
		t.Fatal(err)
	}
	if c["id"] != "cmd-7" || c["task"] != "z" || c["status"] != "failure" {
		t.Errorf("command = %v", c)
	}

	console.bus.Emit(session.Event{Type: session.EventState, Data: session.State{
		Connectivity: session.Online,
		Snapshot: mast.NewDocument(
			mast.KeyStatus, "success",
			mast.KeySectionLengthTarget, 1.2,
			mast.KeyAnglePower, true,
			mast.KeyAngleReverse, true,
		),
	}})
	p, _ = client.last("mast/state")
	var st map[string]any
	if err := json.Unmarshal(p.payload, &st); err != nil {
		t.Fatal(err)
	}
	if st["status"] != "success" || st["section_length_target"] != 1.2 || st["angle"] != "down" || st["vertical"] != "none" {
		t.Errorf("state = %v", st)
	}
	if _, ok := st["section_length_current"]; ok {
		t.Error("section_length_current present without a value")
	}
}

func TestSetRunsCommand(t *testing.T) {
	b, client, console := newTestBridge(t, Config{})
	b.onConnect()

	client.mu.Lock()
	handler := client.handlers["mast/set"]
	client.mu.Unlock()
	handler(client, fakeMessage{topic: "mast/set", payload: []byte(`{"task":"z","value":120}`)})

	select {
	case req := <-console.calls:
		if req != (mast.Request{Task: mast.TaskAzimuth, Value: 120}) {
			t.Errorf("request = %v", req)
		}
	case <-time.After(time.Second):
		t.Fatal("command not run")
	}

	handler(client, fakeMessage{topic: "mast/set", payload: []byte(`{"task":"h","value":9}`)})
	select {
	case req := <-console.calls:
		t.Errorf("invalid command was run: %v", req)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSetBusyDoesNotPanic(t *testing.T) {
	b, _, console := newTestBridge(t, Config{})
	console.cmdErr = session.ErrBusy

	b.handleSet([]byte(`{"task":"c"}`))
	<-console.calls
	b.wg.Wait()
}

func TestSetAfterStopDropped(t *testing.T) {
	b, _, console := newTestBridge(t, Config{})
	b.Start()
	b.Stop()

	b.handleSet([]byte(`{"task":"c"}`))
	b.wg.Wait()
	select {
	case req := <-console.calls:
		t.Errorf("command run after stop: %v", req)
	default:
	}
}

func TestDecodeSet(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    mast.Request
		wantErr error
	}{
		{"azimuth", `{"task":"z","value":359}`, mast.Request{Task: mast.TaskAzimuth, Value: 359}, nil},
		{"jog", `{"task":"v","value":-1}`, mast.Request{Task: mast.TaskVertical, Value: -1}, nil},
		{"calibrate without value", `{"task":"c"}`, mast.Request{Task: mast.TaskCalibrate}, nil},
		{"height without value", `{"task":"h"}`, mast.Request{Task: mast.TaskSetHeight}, nil},
		{"azimuth out of range", `{"task":"z","value":360}`, mast.Request{}, mast.ErrInvalidValue},
		{"unknown task", `{"task":"x"}`, mast.Request{}, mast.ErrUnknownTask},
		{"state query", `{"task":"s"}`, mast.Request{}, mast.ErrUnknownTask},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeSet([]byte(tt.payload))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("request = %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := decodeSet([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestStopPublishesOffline(t *testing.T) {
	b, client, _ := newTestBridge(t, Config{})
	b.Start()
	b.Stop()

	if p, _ := client.last("mast/bridge/state"); string(p.payload) != "offline" || !p.retained {
		t.Errorf("bridge state = %+v", p)
	}
	client.mu.Lock()
	defer client.mu.Unlock()
	if !client.disconnected {
		t.Error("client not disconnected")
	}
}

func TestDiscoveryPayloads(t *testing.T) {
	msgs := buildDiscovery("homeassistant", "site/mast-1")
	topics := make(map[string]haDiscovery, len(msgs))
	for _, m := range msgs {
		var d haDiscovery
		if err := json.Unmarshal(m.Payload, &d); err != nil {
			t.Fatalf("%s: %v", m.Topic, err)
		}
		topics[m.Topic] = d
	}

	az, ok := topics["homeassistant/number/mast_console_site_mast_1/azimuth/config"]
	if !ok {
		t.Fatalf("azimuth missing from %v", topics)
	}
	if az.CommandTopic != "site/mast-1/set" || az.CommandTemplate != `{"task":"z","value":{{ value }}}` {
		t.Errorf("azimuth = %+v", az)
	}
	if az.Min == nil || *az.Min != 0 || az.Max == nil || *az.Max != 359 {
		t.Errorf("azimuth bounds = %v..%v", az.Min, az.Max)
	}
	if az.AvailabilityTopic != "site/mast-1/bridge/state" || az.UniqueID != "mast_console_site_mast_1_azimuth" {
		t.Errorf("azimuth = %+v", az)
	}

	conn := topics["homeassistant/binary_sensor/mast_console_site_mast_1/connectivity/config"]
	if conn.StateTopic != "site/mast-1/state" || conn.PayloadOn != "online" {
		t.Errorf("connectivity = %+v", conn)
	}
	best := topics["homeassistant/sensor/mast_console_site_mast_1/best_bearing/config"]
	if best.StateTopic != "site/mast-1/pattern" {
		t.Errorf("best_bearing state topic = %q", best.StateTopic)
	}
	cal := topics["homeassistant/button/mast_console_site_mast_1/calibrate/config"]
	if cal.PayloadPress != `{"task":"c"}` || cal.StateTopic != "" {
		t.Errorf("calibrate = %+v", cal)
	}

	// Every command template a number can render must decode to a valid
	// request.
	for topic, d := range topics {
		if d.CommandTemplate == "" {
			continue
		}
		payload := strings.ReplaceAll(d.CommandTemplate, "{{ value }}", "1")
		if _, err := decodeSet([]byte(payload)); err != nil {
			t.Errorf("%s: rendered command %s rejected: %v", topic, payload, err)
		}
	}
}

func TestRemoveDiscovery(t *testing.T) {
	add := buildDiscovery("homeassistant", "mast")
	remove := buildRemoveDiscovery("homeassistant", "mast")
	if len(remove) != len(add) {
		t.Fatalf("remove = %d messages, add = %d", len(remove), len(add))
	}
	for i := range remove {
		if remove[i].Topic != add[i].Topic {
			t.Errorf("topic %d = %q, want %q", i, remove[i].Topic, add[i].Topic)
		}
		if remove[i].Payload != nil {
			t.Errorf("%s payload should be empty", remove[i].Topic)
		}
	}
}

func TestMustJSON(t *testing.T) {
	if got := string(mustJSON(map[string]int{"a": 1})); got != `{"a":1}` {
		t.Errorf("mustJSON = %s", got)
	}
	if got := string(mustJSON(make(chan int))); got != "{}" {
		t.Errorf("mustJSON(unencodable) = %s", got)
	}
}
