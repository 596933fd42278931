// Package ws implements the push channel: clients join sessions over a
// websocket, issue mutation requests and receive every delta for the
// sessions they joined. Join responses carry a full snapshot so a
// reconnecting client does not need a separate fetch.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/dndsync/dndsync/internal/bus"
	"github.com/dndsync/dndsync/internal/model/session"
	sessionservice "github.com/dndsync/dndsync/internal/service/session"
	"github.com/dndsync/dndsync/internal/store"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
	// sendQueueSize bounds a connection's outgoing buffer; a client
	// that cannot drain it is disconnected and must rejoin.
	sendQueueSize = 64
)

// Envelope frames every message on the channel.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

type outEnvelope struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Handler upgrades connections and bridges them to the sync service.
type Handler struct {
	svc      *sessionservice.Service
	upgrader websocket.Upgrader
}

// New creates the websocket handler.
func New(svc *sessionservice.Service) *Handler {
	return &Handler{
		svc: svc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes wires the websocket endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

// client is one connected browser tab.
type client struct {
	conn *websocket.Conn
	send chan outEnvelope

	mu   sync.Mutex
	subs map[string]*bus.Subscription

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// enqueue stages an outgoing envelope; a full queue drops the
// connection rather than blocking delta fan-out.
func (c *client) enqueue(env outEnvelope) {
	env.Timestamp = time.Now().UnixMilli()
	select {
	case c.send <- env:
	case <-c.closed:
	default:
		log.Printf("[ws] send queue full, dropping connection")
		c.close()
	}
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade failed: %v", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan outEnvelope, sendQueueSize),
		subs:   make(map[string]*bus.Subscription),
		closed: make(chan struct{}),
	}
	defer h.teardown(c)

	go c.writeLoop()
	// The request context dies with the upgrade; mutations run on their
	// own context so an accepted write is never rolled back mid-flight.
	c.readLoop(context.Background(), h)
}

func (h *Handler) teardown(c *client) {
	c.mu.Lock()
	subs := make([]*bus.Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[string]*bus.Subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		h.svc.Leave(sub)
	}
	c.close()
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case env, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *client) readLoop(ctx context.Context, h *Handler) {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[ws] read error: %v", err)
			}
			return
		}
		h.dispatch(ctx, c, env)
	}
}

// joinPayload scopes what a joining client may see.
type joinPayload struct {
	Role session.Role `json:"role,omitempty"`
}

func (h *Handler) dispatch(ctx context.Context, c *client, env Envelope) {
	switch env.Type {
	case "joinSession":
		h.handleJoin(ctx, c, env)
	case "leaveSession":
		h.handleLeave(c, env)
	case "moveToken":
		var req sessionservice.MoveTokenRequest
		h.mutate(c, env, &req, func() (sessionservice.Result, error) {
			req.SessionID = sessionID(env, req.SessionID)
			return h.svc.MoveToken(ctx, req)
		})
	case "addCharacter", "addMonster":
		var req sessionservice.AddTokenRequest
		h.mutate(c, env, &req, func() (sessionservice.Result, error) {
			req.SessionID = sessionID(env, req.SessionID)
			req.Kind = kindFor(env.Type, "addMonster")
			return h.svc.AddToken(ctx, req)
		})
	case "updateCharacter", "updateMonster":
		var req sessionservice.UpdateTokenRequest
		h.mutate(c, env, &req, func() (sessionservice.Result, error) {
			req.SessionID = sessionID(env, req.SessionID)
			req.Kind = kindFor(env.Type, "updateMonster")
			return h.svc.UpdateToken(ctx, req)
		})
	case "removeCharacter", "removeMonster":
		var req sessionservice.RemoveTokenRequest
		h.mutate(c, env, &req, func() (sessionservice.Result, error) {
			req.SessionID = sessionID(env, req.SessionID)
			req.Kind = kindFor(env.Type, "removeMonster")
			return h.svc.RemoveToken(ctx, req)
		})
	case "setMaps":
		var req sessionservice.SetMapsRequest
		h.mutate(c, env, &req, func() (sessionservice.Result, error) {
			req.SessionID = sessionID(env, req.SessionID)
			return h.svc.SetMaps(ctx, req)
		})
	case "updateMap":
		var req sessionservice.UpdateMapRequest
		h.mutate(c, env, &req, func() (sessionservice.Result, error) {
			req.SessionID = sessionID(env, req.SessionID)
			return h.svc.UpdateMap(ctx, req)
		})
	case "appendDiceLog":
		var req sessionservice.AppendDiceLogRequest
		h.mutate(c, env, &req, func() (sessionservice.Result, error) {
			req.SessionID = sessionID(env, req.SessionID)
			return h.svc.AppendDiceLog(ctx, req)
		})
	case "rollDice":
		var req sessionservice.RollDiceRequest
		h.mutate(c, env, &req, func() (sessionservice.Result, error) {
			req.SessionID = sessionID(env, req.SessionID)
			return h.svc.RollDice(ctx, req)
		})
	case "updateSettings":
		var req sessionservice.UpdateSettingsRequest
		h.mutate(c, env, &req, func() (sessionservice.Result, error) {
			req.SessionID = sessionID(env, req.SessionID)
			return h.svc.UpdateSettings(ctx, req)
		})
	case "updateSession":
		var req sessionservice.UpdateSessionRequest
		h.mutate(c, env, &req, func() (sessionservice.Result, error) {
			req.SessionID = sessionID(env, req.SessionID)
			return h.svc.UpdateSession(ctx, req)
		})
	default:
		c.enqueue(outEnvelope{
			Type:      "error",
			RequestID: env.RequestID,
			Data:      map[string]string{"error": "unknown message type: " + env.Type},
		})
	}
}

func (h *Handler) handleJoin(ctx context.Context, c *client, env Envelope) {
	if env.SessionID == "" {
		c.enqueue(outEnvelope{
			Type:      "error",
			RequestID: env.RequestID,
			Data:      map[string]string{"error": "sessionId is required"},
		})
		return
	}
	var payload joinPayload
	if len(env.Data) > 0 {
		_ = json.Unmarshal(env.Data, &payload)
	}

	c.mu.Lock()
	_, already := c.subs[env.SessionID]
	c.mu.Unlock()
	if already {
		h.handleLeave(c, env)
	}

	snapshot, sub, err := h.svc.Join(ctx, env.SessionID)
	if err != nil {
		h.respondError(c, env, err)
		return
	}
	c.mu.Lock()
	c.subs[env.SessionID] = sub
	c.mu.Unlock()

	go h.forwardDeltas(c, sub)

	c.enqueue(outEnvelope{Type: "joined", SessionID: env.SessionID, RequestID: env.RequestID})
	// Synthetic full-state push so the client starts from the current
	// truth without a separate fetch.
	c.enqueue(outEnvelope{
		Type:      string(session.DeltaSessionUpdated),
		SessionID: env.SessionID,
		Data: session.Delta{
			SessionID: env.SessionID,
			Revision:  snapshot.Revision,
			Kind:      session.DeltaSessionUpdated,
			Payload:   snapshot.View(payload.Role),
		},
	})
}

func (h *Handler) handleLeave(c *client, env Envelope) {
	c.mu.Lock()
	sub, ok := c.subs[env.SessionID]
	delete(c.subs, env.SessionID)
	c.mu.Unlock()
	if ok {
		h.svc.Leave(sub)
	}
	if env.Type == "leaveSession" {
		c.enqueue(outEnvelope{Type: "left", SessionID: env.SessionID, RequestID: env.RequestID})
	}
}

// forwardDeltas pumps a subscription into the connection until the
// stream closes. A desynchronized close tells the client to rejoin.
func (h *Handler) forwardDeltas(c *client, sub *bus.Subscription) {
	for delta := range sub.Deltas() {
		c.enqueue(outEnvelope{
			Type:      string(delta.Kind),
			SessionID: delta.SessionID,
			Data:      delta,
		})
	}
	if sub.Desynchronized() {
		c.mu.Lock()
		delete(c.subs, sub.SessionID())
		c.mu.Unlock()
		c.enqueue(outEnvelope{Type: "desynchronized", SessionID: sub.SessionID()})
	}
}

// mutate decodes the payload, runs the mutation and acks with the
// authoritative result (or a typed error) tagged by requestId.
func (h *Handler) mutate(c *client, env Envelope, req any, run func() (sessionservice.Result, error)) {
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, req); err != nil {
			c.enqueue(outEnvelope{
				Type:      "error",
				RequestID: env.RequestID,
				Data:      map[string]string{"error": "invalid payload"},
			})
			return
		}
	}
	result, err := run()
	if err != nil {
		h.respondError(c, env, err)
		return
	}
	c.enqueue(outEnvelope{
		Type:      "ack",
		SessionID: env.SessionID,
		RequestID: env.RequestID,
		Data:      result,
	})
}

func (h *Handler) respondError(c *client, env Envelope, err error) {
	kind := "internal"
	switch {
	case errors.Is(err, store.ErrSessionNotFound),
		errors.Is(err, sessionservice.ErrTokenNotFound),
		errors.Is(err, sessionservice.ErrMapNotFound):
		kind = "notFound"
	case errors.Is(err, store.ErrLockTimeout):
		kind = "timeout"
	case errors.Is(err, store.ErrStorageUnavailable):
		kind = "storageUnavailable"
	}
	c.enqueue(outEnvelope{
		Type:      "error",
		SessionID: env.SessionID,
		RequestID: env.RequestID,
		Data:      map[string]string{"error": err.Error(), "kind": kind},
	})
}

func sessionID(env Envelope, fromPayload string) string {
	if fromPayload != "" {
		return fromPayload
	}
	return env.SessionID
}

func kindFor(msgType, monsterType string) session.TokenKind {
	if msgType == monsterType {
		return session.KindMonster
	}
	return session.KindCharacter
}
