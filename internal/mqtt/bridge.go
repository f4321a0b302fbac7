//go:build !no_mqtt

// Package mqtt mirrors the session onto an MQTT broker and accepts commands
// from it.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"mast-console/internal/mast"
	"mast-console/internal/session"
	"mast-console/internal/store"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string

	// Discovery publishes Home Assistant discovery configs under
	// DiscoveryPrefix ("homeassistant" when empty).
	Discovery       bool
	DiscoveryPrefix string
}

// Console is the session surface the bridge mirrors.
type Console interface {
	Events() *session.EventBus
	State() session.State
	RunCommand(ctx context.Context, req mast.Request) (session.Outcome, error)
	LastCapture() (*store.Capture, bool)
}

// Bridge publishes session events to MQTT and runs commands received on
// <prefix>/set.
type Bridge struct {
	client  pahomqtt.Client
	console Console
	cfg     Config
	prefix  string
	logger  *slog.Logger
	unsub   func()

	// In-flight command handlers. stopped is guarded by mu so no handler
	// is added once Stop has begun waiting.
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(console Console, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(console, cfg, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "mast-console"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(b.topic(topicBridgeState), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected", "broker", cfg.Broker)
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(console Console, cfg Config, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		console: console,
		cfg:     cfg,
		prefix:  cfg.TopicPrefix,
		logger:  logger.With("component", "mqtt"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to session events.
func (b *Bridge) Start() {
	b.unsub = b.console.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes the offline bridge state, waits for in-flight commands and
// disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	b.cancel()
	b.wg.Wait()
	b.publishWait(b.topic(topicBridgeState), []byte("offline"), true)
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// onConnect republishes everything retained and (re)subscribes, since a
// reconnect may follow a broker restart.
func (b *Bridge) onConnect() {
	b.publish(b.topic(topicBridgeState), []byte("online"), true)

	st := b.console.State()
	b.publish(b.topic(topicAvailability), []byte(st.Connectivity), true)
	b.publish(b.topic(topicState), mustJSON(statePayload(st)), true)
	if c, ok := b.console.LastCapture(); ok {
		b.publish(b.topic(topicPattern), mustJSON(patternPayload(c)), true)
	}

	// With discovery off, clear configs a previous run may have retained.
	msgs := buildRemoveDiscovery(b.discoveryPrefix(), b.prefix)
	if b.cfg.Discovery {
		msgs = buildDiscovery(b.discoveryPrefix(), b.prefix)
	}
	for _, msg := range msgs {
		b.publish(msg.Topic, msg.Payload, true)
	}
	if b.cfg.Discovery {
		b.logger.Info("published HA discovery", "prefix", b.discoveryPrefix(), "entities", len(msgs))
	}

	topic := b.topic(topicSet)
	token := b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleSet(msg.Payload())
	})
	go func() {
		if token.WaitTimeout(publishTimeout) && token.Error() != nil {
			b.logger.Error("MQTT subscribe", "topic", topic, "err", token.Error())
		}
	}()
}

func (b *Bridge) handleEvent(event session.Event) {
	switch event.Type {
	case session.EventConnectivity:
		if c, ok := event.Data.(session.Connectivity); ok {
			b.publish(b.topic(topicAvailability), []byte(c), true)
		}
	case session.EventState:
		if st, ok := event.Data.(session.State); ok {
			b.publish(b.topic(topicState), mustJSON(statePayload(st)), true)
		}
	case session.EventNotice:
		b.publish(b.topic(topicNotice), mustJSON(event.Data), false)
	case session.EventCommand:
		if out, ok := event.Data.(session.Outcome); ok {
			b.publish(b.topic(topicCommand), mustJSON(commandPayload(out)), false)
		}
	case session.EventPattern:
		if c, ok := event.Data.(*store.Capture); ok {
			b.publish(b.topic(topicPattern), mustJSON(patternPayload(c)), true)
		}
	}
}

// handleSet runs a command received on <prefix>/set. The paho callback must
// not block, so the device round trip happens on its own goroutine. Failures
// reach subscribers as notices from the session.
func (b *Bridge) handleSet(payload []byte) {
	req, err := decodeSet(payload)
	if err != nil {
		b.logger.Warn("invalid set payload", "payload", string(payload), "err", err)
		return
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		b.logger.Debug("bridge stopped, dropping set", "request", req)
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		out, err := b.console.RunCommand(b.ctx, req)
		switch {
		case err == nil:
			b.logger.Debug("mqtt command done", "id", out.ID, "request", req, "status", out.Status)
		case errors.Is(err, session.ErrBusy):
			b.logger.Info("mqtt command rejected, device busy", "request", req)
		default:
			b.logger.Warn("mqtt command failed", "request", req, "err", err)
		}
	}()
}

// setPayload is the body accepted on <prefix>/set.
type setPayload struct {
	Task  string   `json:"task"`
	Value *float64 `json:"value"`
}

func decodeSet(payload []byte) (mast.Request, error) {
	var p setPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return mast.Request{}, fmt.Errorf("decode: %w", err)
	}
	var value float64
	if p.Value != nil {
		value = *p.Value
	}
	req, err := mast.NewRequest(mast.Task(p.Task), value)
	if err != nil {
		return mast.Request{}, err
	}
	if req.IsStateQuery() {
		return mast.Request{}, fmt.Errorf("task %q is not a command: %w", p.Task, mast.ErrUnknownTask)
	}
	return req, nil
}

func (b *Bridge) topic(name string) string {
	return b.prefix + "/" + name
}

func (b *Bridge) discoveryPrefix() string {
	if b.cfg.DiscoveryPrefix != "" {
		return b.cfg.DiscoveryPrefix
	}
	return "homeassistant"
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

// publishWait publishes and blocks until the broker acknowledges, so the
// message is out before a disconnect.
func (b *Bridge) publishWait(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		b.logger.Warn("MQTT publish timeout", "topic", topic)
	} else if err := token.Error(); err != nil {
		b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
	}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
