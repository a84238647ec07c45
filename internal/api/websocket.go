package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentguard/agentguard/internal/store"
)

const (
	feedBuffer       = 256
	feedWriteTimeout = 5 * time.Second
)

// newUpgrader creates a WebSocket upgrader. When allowAllOrigins is false,
// only same-origin requests are accepted.
func newUpgrader(allowAllOrigins bool) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if allowAllOrigins {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients don't send Origin
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return strings.EqualFold(u.Host, r.Host)
		},
	}
}

// ThreatHub fans recorded events out to live feed subscribers. It satisfies
// proxy.Notifier.
type ThreatHub struct {
	mu        sync.RWMutex
	clients   map[*websocket.Conn]bool
	upgrader  websocket.Upgrader
	events    chan *store.Event
	logger    *slog.Logger
	done      chan struct{}
	closeOnce sync.Once
}

// NewThreatHub creates a hub. Call Run to start delivery.
func NewThreatHub(logger *slog.Logger, allowAllOrigins bool) *ThreatHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &ThreatHub{
		clients:  make(map[*websocket.Conn]bool),
		upgrader: newUpgrader(allowAllOrigins),
		events:   make(chan *store.Event, feedBuffer),
		logger:   logger.With("component", "api.ThreatHub"),
		done:     make(chan struct{}),
	}
}

// NotifyEvent queues an event for broadcast. It never blocks the caller; when
// the queue is full the event is dropped from the live feed (it is already
// persisted).
func (h *ThreatHub) NotifyEvent(e *store.Event) {
	select {
	case h.events <- e:
	case <-h.done:
	default:
		h.logger.Warn("live feed queue full, dropping event", "event_id", e.ID)
	}
}

// Run delivers queued events until Close.
func (h *ThreatHub) Run() {
	for {
		select {
		case e := <-h.events:
			h.broadcast(e)
		case <-h.done:
			return
		}
	}
}

// Close shuts down the hub and all connections.
func (h *ThreatHub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		defer h.mu.Unlock()
		for conn := range h.clients {
			_ = conn.Close()
			delete(h.clients, conn)
		}
	})
}

// HandleWebSocket upgrades an HTTP connection and subscribes it to the feed.
func (h *ThreatHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	// Clear the deadlines the HTTP server set for the upgrade request.
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})

	h.mu.Lock()
	select {
	case <-h.done:
		h.mu.Unlock()
		_ = conn.Close()
		return
	default:
	}
	h.clients[conn] = true
	h.mu.Unlock()

	h.logger.Debug("websocket client connected", "remote", conn.RemoteAddr())

	// Read pump: detects client disconnect.
	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			_ = conn.Close()
			h.logger.Debug("websocket client disconnected", "remote", conn.RemoteAddr())
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// broadcast sends one event to every connected client.
func (h *ThreatHub) broadcast(e *store.Event) {
	msg, err := json.Marshal(map[string]any{
		"type": "threat",
		"data": e,
	})
	if err != nil {
		h.logger.Error("failed to marshal websocket message", "error", err)
		return
	}

	// Writes happen only on the Run goroutine, so a read lock suffices.
	h.mu.RLock()
	var dead []*websocket.Conn
	for conn := range h.clients {
		_ = conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.logger.Debug("failed to write to websocket client", "error", err)
			dead = append(dead, conn)
		}
	}
	h.mu.RUnlock()

	if len(dead) > 0 {
		h.mu.Lock()
		for _, c := range dead {
			delete(h.clients, c)
			_ = c.Close()
		}
		h.mu.Unlock()
	}
}

// ClientCount returns the number of connected clients.
func (h *ThreatHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
