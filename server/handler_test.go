package server

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jmoreau/opsync/ot"
	"github.com/jmoreau/opsync/store"
)

func startTestServer(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	go h.Run()
	srv := httptest.NewServer(NewHandler(h))
	t.Cleanup(srv.Close)
	return srv
}

func wsDial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func wsRecv(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg ServerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestHandler_JoinOverWebSocket(t *testing.T) {
	h := NewHub(store.NewMemoryStore(), ot.LastWriterWins)
	srv := startTestServer(t, h)

	conn := wsDial(t, srv)
	if err := conn.WriteJSON(ClientMessage{Type: MsgJoin, DocID: "doc1"}); err != nil {
		t.Fatal(err)
	}

	msg := wsRecv(t, conn)
	if msg.Type != MsgDoc {
		t.Fatalf("expected doc message, got %q", msg.Type)
	}
	if msg.DocID != "doc1" {
		t.Errorf("docId = %q, want %q", msg.DocID, "doc1")
	}
}

func TestHandler_OpRoundTrip(t *testing.T) {
	h := NewHub(store.NewMemoryStore(), ot.LastWriterWins)
	srv := startTestServer(t, h)

	conn1 := wsDial(t, srv)
	conn1.WriteJSON(ClientMessage{Type: MsgJoin, DocID: "doc1"})
	wsRecv(t, conn1) // doc

	conn2 := wsDial(t, srv)
	conn2.WriteJSON(ClientMessage{Type: MsgJoin, DocID: "doc1"})
	wsRecv(t, conn2) // doc
	wsRecv(t, conn1) // conn2 join notification

	op := ot.NewInsert("alice", time.Now().UTC(), 0, "hi")
	conn1.WriteJSON(ClientMessage{Type: MsgOp, DocID: "doc1", Revision: 0, Op: op})

	ack := wsRecv(t, conn1)
	if ack.Type != MsgAck {
		t.Fatalf("expected ack, got %q: %s", ack.Type, ack.Message)
	}
	if ack.Revision != 1 {
		t.Errorf("ack revision = %d, want 1", ack.Revision)
	}

	broadcast := wsRecv(t, conn2)
	if broadcast.Type != MsgOp {
		t.Fatalf("expected op broadcast, got %q", broadcast.Type)
	}
	if broadcast.Op.Content != "hi" {
		t.Errorf("broadcast content = %q, want %q", broadcast.Op.Content, "hi")
	}
}

func TestHandler_OpWithoutJoinRejected(t *testing.T) {
	h := NewHub(store.NewMemoryStore(), ot.LastWriterWins)
	srv := startTestServer(t, h)

	conn := wsDial(t, srv)
	op := ot.NewInsert("alice", time.Now().UTC(), 0, "hi")
	conn.WriteJSON(ClientMessage{Type: MsgOp, DocID: "doc1", Revision: 0, Op: op})

	msg := wsRecv(t, conn)
	if msg.Type != MsgError {
		t.Fatalf("expected error, got %q", msg.Type)
	}
}

func TestHandler_RateLimit(t *testing.T) {
	h := NewHub(store.NewMemoryStore(), ot.LastWriterWins)
	h.SetRateLimit(1, 1)
	srv := startTestServer(t, h)

	conn := wsDial(t, srv)
	conn.WriteJSON(ClientMessage{Type: MsgJoin, DocID: "doc1"})
	wsRecv(t, conn) // doc

	for i := 0; i < 5; i++ {
		op := ot.NewInsert("alice", time.Now().UTC(), 0, "x")
		conn.WriteJSON(ClientMessage{Type: MsgOp, DocID: "doc1", Revision: 0, Op: op})
	}

	limited := false
	for i := 0; i < 5; i++ {
		msg := wsRecv(t, conn)
		if msg.Type == MsgError && strings.Contains(msg.Message, "rate limit") {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("expected at least one rate limited operation")
	}
}
