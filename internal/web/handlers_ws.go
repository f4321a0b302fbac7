package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"mast-console/internal/session"
	"mast-console/internal/store"
)

const (
	wsSendBuffer   = 64
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// wsMessage is one frame of the event stream.
type wsMessage struct {
	Type session.EventType `json:"type"`
	At   time.Time         `json:"at"`
	Data any               `json:"data"`
}

// wsMessage renders a session event for clients. State and capture payloads
// get the same shape the REST API returns.
func (s *Server) wsMessage(ev session.Event) wsMessage {
	msg := wsMessage{Type: ev.Type, At: ev.At, Data: ev.Data}
	switch d := ev.Data.(type) {
	case session.State:
		msg.Data = newStateView(d)
	case *store.Capture:
		msg.Data = newPatternView(d, s.geometry, false)
	}
	return msg
}

// WSHub fans encoded messages out to WebSocket clients.
type WSHub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

// Run is the hub loop. It owns client registration and closes every send
// channel on shutdown.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "total", total)

		case data := <-h.broadcast:
			h.fanOut(data)
		}
	}
}

// fanOut queues data on every client; a client whose buffer is full is
// dropped.
func (h *WSHub) fanOut(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			delete(h.clients, client)
			close(client.send)
			h.logger.Warn("ws client evicted (too slow)")
		}
	}
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast encodes msg and queues it for every client. It never blocks the
// caller, which is usually an event bus handler.
func (h *WSHub) Broadcast(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("ws marshal", "err", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("ws broadcast channel full, dropping message")
	}
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	client := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}

	// A new client starts from the current state rather than waiting for the
	// next change.
	hello, err := json.Marshal(wsMessage{
		Type: session.EventState,
		At:   time.Now(),
		Data: newStateView(s.console.State()),
	})
	if err == nil {
		client.send <- hello
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) wsWritePump(client *wsClient) {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				// Closed by the hub.
				client.conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
			err := client.conn.Write(ctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		case <-ping.C:
			ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
			err := client.conn.Ping(ctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) wsReadPump(client *wsClient) {
	defer func() {
		select {
		case s.wsHub.unregister <- client:
		case <-s.wsHub.done:
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	// The stream is one-way; reads only detect the client going away and
	// service control frames.
	for {
		if _, _, err := client.conn.Read(ctx); err != nil {
			return
		}
	}
}
