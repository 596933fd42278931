package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/dndsync/dndsync/internal/bus"
	"github.com/dndsync/dndsync/internal/model/session"
	sessionservice "github.com/dndsync/dndsync/internal/service/session"
	"github.com/dndsync/dndsync/internal/store"
)

func setupServer(t *testing.T) (*httptest.Server, *sessionservice.Service) {
	t.Helper()
	b := bus.New(64)
	st := store.NewMemoryStore(b, store.Options{LockTimeout: time.Second})
	svc := sessionservice.NewService(st, b, sessionservice.Config{})

	r := chi.NewRouter()
	New(svc).RegisterRoutes(r)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server, svc
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, env Envelope) {
	t.Helper()
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("write %s: %v", env.Type, err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

// waitFor reads until an envelope of the wanted type arrives, skipping
// unrelated traffic like acks racing with deltas.
func waitFor(t *testing.T, conn *websocket.Conn, wantType string) Envelope {
	t.Helper()
	for i := 0; i < 10; i++ {
		env := readEnvelope(t, conn)
		if env.Type == wantType {
			return env
		}
	}
	t.Fatalf("never received %q", wantType)
	return Envelope{}
}

func TestJoinSendsSnapshot(t *testing.T) {
	server, svc := setupServer(t)
	sess, err := svc.CreateSession(context.Background(), "Test")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	conn := dial(t, server)
	send(t, conn, Envelope{Type: "joinSession", SessionID: sess.ID, RequestID: "r1"})

	joined := readEnvelope(t, conn)
	if joined.Type != "joined" || joined.RequestID != "r1" {
		t.Fatalf("expected joined ack, got %+v", joined)
	}

	snapshot := waitFor(t, conn, string(session.DeltaSessionUpdated))
	var delta struct {
		Revision int64           `json:"revision"`
		Payload  session.Session `json:"payload"`
	}
	if err := json.Unmarshal(snapshot.Data, &delta); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if delta.Payload.ID != sess.ID {
		t.Fatalf("snapshot for wrong session: %q", delta.Payload.ID)
	}
	if len(delta.Payload.Maps) != 2 {
		t.Fatalf("expected stock maps in snapshot, got %d", len(delta.Payload.Maps))
	}
}

func TestJoinUnknownSession(t *testing.T) {
	server, _ := setupServer(t)
	conn := dial(t, server)

	send(t, conn, Envelope{Type: "joinSession", SessionID: "ghost", RequestID: "r1"})
	env := readEnvelope(t, conn)
	if env.Type != "error" {
		t.Fatalf("expected error, got %+v", env)
	}
	var payload map[string]string
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload["kind"] != "notFound" {
		t.Fatalf("expected notFound kind, got %q", payload["kind"])
	}
}

func TestMoveTokenDeltaFanout(t *testing.T) {
	server, svc := setupServer(t)
	ctx := context.Background()
	sess, err := svc.CreateSession(ctx, "Test")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := svc.AddToken(ctx, sessionservice.AddTokenRequest{
		SessionID: sess.ID,
		Kind:      session.KindCharacter,
		Token:     session.Token{ID: "c1", Name: "Aria"},
	}); err != nil {
		t.Fatalf("add token: %v", err)
	}

	mover := dial(t, server)
	watcher := dial(t, server)
	for _, conn := range []*websocket.Conn{mover, watcher} {
		send(t, conn, Envelope{Type: "joinSession", SessionID: sess.ID})
		waitFor(t, conn, string(session.DeltaSessionUpdated))
	}

	payload, _ := json.Marshal(sessionservice.MoveTokenRequest{
		Kind: session.KindCharacter, TokenID: "c1", X: 3, Y: 4,
	})
	send(t, mover, Envelope{Type: "moveToken", SessionID: sess.ID, RequestID: "m1", Data: payload})

	ack := waitFor(t, mover, "ack")
	if ack.RequestID != "m1" {
		t.Fatalf("ack for wrong request: %q", ack.RequestID)
	}

	env := waitFor(t, watcher, string(session.DeltaTokenMoved))
	var delta struct {
		Payload session.TokenMovedPayload `json:"payload"`
	}
	if err := json.Unmarshal(env.Data, &delta); err != nil {
		t.Fatalf("decode delta: %v", err)
	}
	tok := delta.Payload.Token
	if tok.GridX == nil || *tok.GridX != 3 || *tok.GridY != 4 {
		t.Fatalf("expected move to (3,4), got %+v", tok)
	}
}

func TestRollDiceDeltaCarriesResult(t *testing.T) {
	server, svc := setupServer(t)
	sess, err := svc.CreateSession(context.Background(), "Test")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	conn := dial(t, server)
	send(t, conn, Envelope{Type: "joinSession", SessionID: sess.ID})
	waitFor(t, conn, string(session.DeltaSessionUpdated))

	payload, _ := json.Marshal(sessionservice.RollDiceRequest{
		Player: "Bob", Notation: "2d6", Seed: 7,
	})
	send(t, conn, Envelope{Type: "rollDice", SessionID: sess.ID, RequestID: "d1", Data: payload})

	env := waitFor(t, conn, string(session.DeltaDiceRollLogged))
	var delta struct {
		Payload session.DiceLog `json:"payload"`
	}
	if err := json.Unmarshal(env.Data, &delta); err != nil {
		t.Fatalf("decode delta: %v", err)
	}
	if delta.Payload.Player != "Bob" || len(delta.Payload.Results) != 2 {
		t.Fatalf("unexpected roll delta: %+v", delta.Payload)
	}
}

func TestLeaveStopsDeltas(t *testing.T) {
	server, svc := setupServer(t)
	ctx := context.Background()
	sess, err := svc.CreateSession(ctx, "Test")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	conn := dial(t, server)
	send(t, conn, Envelope{Type: "joinSession", SessionID: sess.ID})
	waitFor(t, conn, string(session.DeltaSessionUpdated))

	send(t, conn, Envelope{Type: "leaveSession", SessionID: sess.ID})
	waitFor(t, conn, "left")

	if _, err := svc.AppendDiceLog(ctx, sessionservice.AppendDiceLogRequest{
		SessionID: sess.ID,
		Entry:     session.DiceLog{Player: "Bob", Dice: "d20", Total: 11},
	}); err != nil {
		t.Fatalf("append dice log: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var env Envelope
	if err := conn.ReadJSON(&env); err == nil {
		t.Fatalf("expected no traffic after leave, got %+v", env)
	}
}

func TestUnknownMessageType(t *testing.T) {
	server, _ := setupServer(t)
	conn := dial(t, server)

	send(t, conn, Envelope{Type: "teleport", RequestID: "r1"})
	env := readEnvelope(t, conn)
	if env.Type != "error" || env.RequestID != "r1" {
		t.Fatalf("expected error reply, got %+v", env)
	}
}
