// Package stream delivers op messages to whoever follows them: operators
// over WebSocket and other services over NATS.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markus-barta/fleethub/internal/ops"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Subscribers only send small filter updates.
	maxMessageSize = 4 * 1024

	sendBuffer = 64
)

// Filter selects the ops a subscriber receives. Empty fields match all.
type Filter struct {
	ScopeType ops.ScopeType `json:"scope_type,omitempty"`
	ScopeID   string        `json:"scope_id,omitempty"`
	OpID      string        `json:"op_id,omitempty"`
}

// Match reports whether op passes the filter.
func (f Filter) Match(op *ops.Op) bool {
	if op == nil {
		return false
	}
	if f.ScopeType != "" && f.ScopeType != op.ScopeType {
		return false
	}
	if f.ScopeID != "" && f.ScopeID != op.ScopeID {
		return false
	}
	return f.OpID == "" || f.OpID == op.ID
}

// Subscriber is one WebSocket connection following ops.
type Subscriber struct {
	conn    *websocket.Conn
	account string
	send    chan []byte
	hub     *Hub

	mu     sync.RWMutex
	filter Filter
}

// Filter returns the current filter.
func (s *Subscriber) Filter() Filter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter
}

func (s *Subscriber) setFilter(f Filter) {
	s.mu.Lock()
	s.filter = f
	s.mu.Unlock()
}

// Authorizer decides whether an account may follow a filter. A nil
// Authorizer allows everything.
type Authorizer func(ctx context.Context, account string, f Filter) error

// Hub fans op messages out to WebSocket subscribers. It implements
// ops.Publisher.
type Hub struct {
	log       zerolog.Logger
	upgrader  websocket.Upgrader
	authorize Authorizer

	subscribers map[*Subscriber]bool

	register   chan *Subscriber
	unregister chan *Subscriber
	done       chan struct{}

	mu sync.RWMutex
}

// NewHub creates a hub. allowedOrigins restricts the Origin header of
// upgrade requests; empty allows same-origin and non-browser clients only.
func NewHub(log zerolog.Logger, allowedOrigins []string) *Hub {
	h := &Hub{
		log:         log.With().Str("component", "stream_hub").Logger(),
		subscribers: make(map[*Subscriber]bool),
		register:    make(chan *Subscriber),
		unregister:  make(chan *Subscriber),
		done:        make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin(allowedOrigins),
	}
	return h
}

// SetAuthorizer installs the check applied to filter changes sent by
// subscribers after they connected.
func (h *Hub) SetAuthorizer(a Authorizer) {
	h.authorize = a
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if slices.Contains(allowed, origin) || slices.Contains(allowed, "*") {
			return true
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	}
}

// Run registers and unregisters subscribers until ctx is done, then
// closes every subscriber.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for s := range h.subscribers {
				delete(h.subscribers, s)
				close(s.send)
			}
			h.mu.Unlock()
			h.log.Info().Msg("stream hub stopped")
			return

		case s := <-h.register:
			h.mu.Lock()
			h.subscribers[s] = true
			h.mu.Unlock()
			h.log.Debug().Str("account", s.account).Interface("filter", s.Filter()).Msg("subscriber registered")

		case s := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.subscribers[s]; ok {
				delete(h.subscribers, s)
				close(s.send)
			}
			h.mu.Unlock()
			h.log.Debug().Str("account", s.account).Msg("subscriber unregistered")
		}
	}
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Publish delivers msg to every subscriber whose filter matches. Slow
// subscribers miss messages rather than block the caller.
func (h *Hub) Publish(_ context.Context, subject string, msg *ops.Message) error {
	data, err := json.Marshal(streamEnvelope{Subject: subject, Message: msg})
	if err != nil {
		return err
	}

	h.mu.RLock()
	targets := make([]*Subscriber, 0, len(h.subscribers))
	for s := range h.subscribers {
		if s.Filter().Match(msg.Op) {
			targets = append(targets, s)
		}
	}
	for _, s := range targets {
		select {
		case s.send <- data:
		default:
			h.log.Debug().Str("account", s.account).Str("subject", subject).Msg("subscriber buffer full, message dropped")
		}
	}
	h.mu.RUnlock()
	return nil
}

type streamEnvelope struct {
	Subject string `json:"subject"`
	*ops.Message
}

// Serve upgrades the request and streams matching op messages until the
// peer goes away or the hub stops.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, account string, f Filter) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	s := &Subscriber{
		conn:    conn,
		account: account,
		send:    make(chan []byte, sendBuffer),
		hub:     h,
		filter:  f,
	}

	select {
	case h.register <- s:
	case <-h.done:
		_ = conn.Close()
		return nil
	}

	go s.writePump()
	s.readPump(r.Context())
	return nil
}

// readPump handles filter changes and keeps the read deadline fresh.
func (s *Subscriber) readPump(ctx context.Context) {
	defer func() {
		select {
		case s.hub.unregister <- s:
		case <-s.hub.done:
		}
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.hub.log.Warn().Err(err).Str("account", s.account).Msg("read error")
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.handleMessage(ctx, data)
	}
}

func (s *Subscriber) handleMessage(ctx context.Context, data []byte) {
	var msg struct {
		Type   string `json:"type"`
		Filter Filter `json:"filter"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	switch msg.Type {
	case "subscribe":
		if a := s.hub.authorize; a != nil {
			if err := a(ctx, s.account, msg.Filter); err != nil {
				s.hub.log.Info().Err(err).Str("account", s.account).Msg("subscription refused")
				return
			}
		}
		s.setFilter(msg.Filter)
		s.hub.log.Debug().Str("account", s.account).Interface("filter", msg.Filter).Msg("subscriber filter changed")
	}
}

// writePump pumps messages to the WebSocket connection.
func (s *Subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
