package main

import (
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// cacheHintBroadcast is what GET /ws sends each client whenever a
// /rewrite call yields non-nil cacheHints: the fields of
// rewriter.InternalStateReaderHintPayload, flattened beside a type tag.
type cacheHintBroadcast struct {
	Type               string   `json:"type"`
	SchemaKeys         []string `json:"schemaKeys"`
	IncludeInheritance bool     `json:"includeInheritance"`
}

// hub fans cacheHint events out to every connected WebSocket client using
// a flat broadcast list, since rewrite telemetry has no per-client
// subscription scope to track.
type hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	log     *zap.Logger
}

func newHub(log *zap.Logger) *hub {
	return &hub{clients: make(map[*websocket.Conn]struct{}), log: log}
}

func (h *hub) add(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = struct{}{}
}

func (h *hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, conn)
}

func (h *hub) broadcastCacheHint(schemaKeys []string, includeInheritance bool) {
	msg := cacheHintBroadcast{
		Type:               "cacheHint",
		SchemaKeys:         schemaKeys,
		IncludeInheritance: includeInheritance,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		if err := conn.WriteJSON(msg); err != nil {
			h.log.Warn("failed to broadcast cache hint", zap.Error(err))
		}
	}
}
