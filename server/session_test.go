package server

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmoreau/opsync/ot"
	"github.com/jmoreau/opsync/store"
)

func ctx() context.Context { return context.Background() }

func opTime(sec int) time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(sec) * time.Second)
}

// mockClient creates a client without a real WebSocket connection, for testing.
func mockClient(id string) *Client {
	return &Client{
		ID:    id,
		Name:  "Test " + id,
		Color: "#000000",
		send:  make(chan []byte, 256),
	}
}

// recvMsg reads one message from a mock client's send channel with timeout.
func recvMsg(t *testing.T, c *Client) ServerMessage {
	t.Helper()
	select {
	case data := <-c.send:
		var msg ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return ServerMessage{}
	}
}

func testSession(t *testing.T, content string, version int, history []ot.Operation, strategy ot.Strategy) (*Session, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	st.Create(ctx(), "doc1", content)
	s := newSession("doc1", "inst-1", content, version, history, strategy, st, nil)
	go s.Run()
	t.Cleanup(func() { close(s.stop) })
	return s, st
}

func TestSession_JoinAndReceiveDoc(t *testing.T) {
	s, _ := testSession(t, "hello", 0, nil, ot.LastWriterWins)

	c := mockClient("c1")
	s.join <- c
	msg := recvMsg(t, c)

	if msg.Type != MsgDoc {
		t.Fatalf("expected doc message, got %q", msg.Type)
	}
	if msg.Content != "hello" {
		t.Errorf("content = %q, want %q", msg.Content, "hello")
	}
	if msg.Revision != 0 {
		t.Errorf("revision = %d, want 0", msg.Revision)
	}
}

func TestSession_OpTransformAndBroadcast(t *testing.T) {
	s, _ := testSession(t, "abc", 0, nil, ot.LastWriterWins)

	c1 := mockClient("c1")
	c2 := mockClient("c2")
	s.join <- c1
	s.join <- c2
	recvMsg(t, c1) // doc
	recvMsg(t, c2) // doc
	recvMsg(t, c1) // c2 join notification

	// c1 sends an insert at position 0
	op := ot.NewInsert("alice", opTime(1), 0, "X")
	s.incoming <- opMessage{client: c1, msg: ClientMessage{Type: MsgOp, DocID: "doc1", Revision: 0, Op: op}}

	// c1 should get ack
	ack := recvMsg(t, c1)
	if ack.Type != MsgAck {
		t.Fatalf("expected ack, got %q", ack.Type)
	}
	if ack.Revision != 1 {
		t.Errorf("ack revision = %d, want 1", ack.Revision)
	}

	// c2 should get the op
	broadcast := recvMsg(t, c2)
	if broadcast.Type != MsgOp {
		t.Fatalf("expected op, got %q", broadcast.Type)
	}
	if broadcast.Revision != 1 {
		t.Errorf("broadcast revision = %d, want 1", broadcast.Revision)
	}
	if broadcast.ClientID != "c1" {
		t.Errorf("broadcast clientId = %q, want %q", broadcast.ClientID, "c1")
	}

	// Verify document state
	if s.doc.Content != "Xabc" {
		t.Errorf("doc content = %q, want %q", s.doc.Content, "Xabc")
	}
}

func TestSession_ConcurrentOps(t *testing.T) {
	s, _ := testSession(t, "abc", 0, nil, ot.LastWriterWins)

	c1 := mockClient("c1")
	c2 := mockClient("c2")
	s.join <- c1
	s.join <- c2
	recvMsg(t, c1) // doc
	recvMsg(t, c2) // doc
	recvMsg(t, c1) // c2 join notification

	// Both at revision 0:
	// c1 inserts "X" at pos 0: "Xabc"
	// c2 inserts "Y" at pos 3: "abcY" — must land after the shift.
	s.incoming <- opMessage{
		client: c1,
		msg:    ClientMessage{Type: MsgOp, DocID: "doc1", Revision: 0, Op: ot.NewInsert("alice", opTime(1), 0, "X")},
	}
	recvMsg(t, c1) // ack
	recvMsg(t, c2) // broadcast

	s.incoming <- opMessage{
		client: c2,
		msg:    ClientMessage{Type: MsgOp, DocID: "doc1", Revision: 0, Op: ot.NewInsert("bob", opTime(2), 3, "Y")},
	}
	recvMsg(t, c2) // ack
	recvMsg(t, c1) // broadcast

	// After both ops, doc should be "XabcY"
	if s.doc.Content != "XabcY" {
		t.Errorf("doc content = %q, want %q", s.doc.Content, "XabcY")
	}
}

func TestSession_RejectsInvalidOperation(t *testing.T) {
	s, _ := testSession(t, "abc", 0, nil, ot.LastWriterWins)

	c := mockClient("c1")
	s.join <- c
	recvMsg(t, c) // doc

	bad := ot.Operation{Type: ot.OpInsert, Position: -1}
	s.incoming <- opMessage{client: c, msg: ClientMessage{Type: MsgOp, Revision: 0, Op: bad}}

	msg := recvMsg(t, c)
	if msg.Type != MsgError {
		t.Fatalf("expected error, got %q", msg.Type)
	}
	if !strings.Contains(msg.Message, "invalid operation") {
		t.Errorf("unexpected message: %q", msg.Message)
	}
	if s.doc.Version != 0 {
		t.Error("invalid operation must not be applied")
	}
}

func TestSession_LastWriterWinsDropsStaleConflict(t *testing.T) {
	// History already holds bob's delete at t=5; alice's overlapping delete
	// from t=1 loses under last-writer-wins and is discarded.
	history := []ot.Operation{ot.NewDelete("bob", opTime(5), 0, 5)}
	s, _ := testSession(t, "fghij", 1, history, ot.LastWriterWins)

	c := mockClient("c1")
	s.join <- c
	recvMsg(t, c) // doc

	stale := ot.NewDelete("alice", opTime(1), 2, 5)
	s.incoming <- opMessage{client: c, msg: ClientMessage{Type: MsgOp, Revision: 0, Op: stale}}

	ack := recvMsg(t, c)
	if ack.Type != MsgAck {
		t.Fatalf("expected ack, got %q", ack.Type)
	}
	if !strings.Contains(ack.Message, "dropped") {
		t.Errorf("expected drop notice, got %q", ack.Message)
	}
	if s.doc.Content != "fghij" || s.doc.Version != 1 {
		t.Errorf("dropped op changed document: %q v%d", s.doc.Content, s.doc.Version)
	}
}

func TestSession_LastWriterWinsAppliesNewerConflict(t *testing.T) {
	history := []ot.Operation{ot.NewDelete("bob", opTime(5), 0, 5)}
	s, _ := testSession(t, "fghij", 1, history, ot.LastWriterWins)

	c := mockClient("c1")
	s.join <- c
	recvMsg(t, c) // doc

	// Newer than bob's op: wins, applied in trimmed form (span [2,7) minus
	// the already-deleted [0,5) leaves 2 chars at position 0).
	fresh := ot.NewDelete("alice", opTime(9), 2, 5)
	s.incoming <- opMessage{client: c, msg: ClientMessage{Type: MsgOp, Revision: 0, Op: fresh}}

	ack := recvMsg(t, c)
	if ack.Type != MsgAck {
		t.Fatalf("expected ack, got %q", ack.Type)
	}
	if len(ack.Conflicts) != 1 {
		t.Fatalf("expected conflict annotation, got %+v", ack.Conflicts)
	}
	if s.doc.Content != "hij" {
		t.Errorf("doc content = %q, want %q", s.doc.Content, "hij")
	}
}

func TestSession_ManualResolutionParksConflict(t *testing.T) {
	history := []ot.Operation{ot.NewDelete("bob", opTime(5), 0, 5)}
	s, _ := testSession(t, "fghij", 1, history, ot.ManualResolution)

	c := mockClient("c1")
	s.join <- c
	recvMsg(t, c) // doc

	op := ot.NewDelete("alice", opTime(1), 2, 5)
	s.incoming <- opMessage{client: c, msg: ClientMessage{Type: MsgOp, Revision: 0, Op: op}}

	msg := recvMsg(t, c)
	if msg.Type != MsgConflict {
		t.Fatalf("expected conflict, got %q", msg.Type)
	}
	if len(msg.Ops) != 2 {
		t.Errorf("expected both contenders, got %d ops", len(msg.Ops))
	}
	if s.doc.Content != "fghij" {
		t.Error("manual resolution must not apply the operation")
	}
}

func TestSession_BatchReconcilesAndApplies(t *testing.T) {
	s, st := testSession(t, "", 0, nil, ot.MergeChanges)

	c := mockClient("c1")
	s.join <- c
	recvMsg(t, c) // doc

	ops := []ot.Operation{
		ot.NewDelete("carol", opTime(3), 0, 5),
		ot.NewInsert("bob", opTime(2), 0, "World "),
		ot.NewInsert("alice", opTime(1), 0, "Hello "),
	}
	s.incoming <- opMessage{client: c, msg: ClientMessage{Type: MsgBatch, Revision: 0, Ops: ops}}

	ack := recvMsg(t, c)
	if ack.Type != MsgAck {
		t.Fatalf("expected ack, got %q", ack.Type)
	}
	if len(ack.Ops) != 3 {
		t.Fatalf("expected 3 applied ops, got %d", len(ack.Ops))
	}
	if len(ack.Conflicts) == 0 {
		t.Error("expected same-position conflicts to be reported")
	}
	if s.doc.Content != "Hello World " {
		t.Errorf("doc content = %q, want %q", s.doc.Content, "Hello World ")
	}

	// Everything persisted in order.
	persisted, err := st.GetOperations(ctx(), "doc1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(persisted) != 3 {
		t.Errorf("persisted %d ops, want 3", len(persisted))
	}
}

func TestSession_BridgeFansOutToOtherInstance(t *testing.T) {
	st := store.NewMemoryStore()
	st.Create(ctx(), "doc1", "abc")
	bridge := NewFakeBridge()

	s1 := newSession("doc1", "inst-1", "abc", 0, nil, ot.LastWriterWins, st, bridge)
	s2 := newSession("doc1", "inst-2", "abc", 0, nil, ot.LastWriterWins, st, bridge)
	go s1.Run()
	go s2.Run()
	defer close(s1.stop)
	defer close(s2.stop)

	// Give both sessions time to subscribe.
	time.Sleep(50 * time.Millisecond)

	c1 := mockClient("c1")
	c2 := mockClient("c2")
	s1.join <- c1
	s2.join <- c2
	recvMsg(t, c1) // doc
	recvMsg(t, c2) // doc

	op := ot.NewInsert("alice", opTime(1), 0, "X")
	s1.incoming <- opMessage{client: c1, msg: ClientMessage{Type: MsgOp, Revision: 0, Op: op}}
	recvMsg(t, c1) // ack

	// The client on the other instance receives the relayed op.
	relayed := recvMsg(t, c2)
	if relayed.Type != MsgOp {
		t.Fatalf("expected relayed op, got %q", relayed.Type)
	}
	if relayed.Op.ID != op.ID {
		t.Errorf("relayed op id = %q, want %q", relayed.Op.ID, op.ID)
	}

	// Both instances converge.
	time.Sleep(50 * time.Millisecond)
	if s1.doc.Content != "Xabc" || s2.doc.Content != "Xabc" {
		t.Errorf("contents diverged: s1=%q s2=%q", s1.doc.Content, s2.doc.Content)
	}
}

func TestSession_RetainNotPersisted(t *testing.T) {
	st, err := store.OpenBoltStore(filepath.Join(t.TempDir(), "opsync.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if err := st.Create(ctx(), "doc1", ""); err != nil {
		t.Fatal(err)
	}

	s := newSession("doc1", "inst-1", "", 0, nil, ot.LastWriterWins, st, nil)
	go s.Run()
	defer close(s.stop)

	c := mockClient("c1")
	s.join <- c
	recvMsg(t, c) // doc

	s.incoming <- opMessage{client: c, msg: ClientMessage{Type: MsgOp, Revision: 0, Op: ot.NewInsert("alice", opTime(1), 0, "abc")}}
	recvMsg(t, c) // ack

	// A cursor anchor must not displace the stored insert.
	s.incoming <- opMessage{client: c, msg: ClientMessage{Type: MsgOp, Revision: 1, Op: ot.NewRetain("alice", opTime(2), 1)}}
	ack := recvMsg(t, c)
	if ack.Type != MsgAck {
		t.Fatalf("expected ack, got %q", ack.Type)
	}
	if ack.Revision != 1 {
		t.Errorf("retain must not advance the revision, got %d", ack.Revision)
	}

	ops, err := st.GetOperations(ctx(), "doc1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 1 {
		t.Fatalf("stored history has %d ops, want 1", len(ops))
	}
	if ops[0].Type != ot.OpInsert || ops[0].Content != "abc" {
		t.Errorf("stored op = %+v, want the insert", ops[0])
	}
}

func TestSession_AbsorbedDeleteNotPersisted(t *testing.T) {
	// A delete fully absorbed by a concurrent delete degenerates to a retain
	// during transform; it is acked but never stored.
	history := []ot.Operation{ot.NewDelete("bob", opTime(5), 0, 5)}
	st := store.NewMemoryStore()
	st.Create(ctx(), "doc1", "fghij")
	st.AppendOperation(ctx(), "doc1", history[0], 1)

	s := newSession("doc1", "inst-1", "fghij", 1, history, ot.LastWriterWins, st, nil)
	go s.Run()
	defer close(s.stop)

	c := mockClient("c1")
	s.join <- c
	recvMsg(t, c) // doc

	absorbed := ot.NewDelete("alice", opTime(9), 1, 3)
	s.incoming <- opMessage{client: c, msg: ClientMessage{Type: MsgOp, Revision: 0, Op: absorbed}}
	ack := recvMsg(t, c)
	if ack.Type != MsgAck {
		t.Fatalf("expected ack, got %q", ack.Type)
	}

	ops, err := st.GetOperations(ctx(), "doc1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 1 || ops[0].ID != history[0].ID {
		t.Errorf("stored history changed: %+v", ops)
	}
	if s.doc.Content != "fghij" || s.doc.Version != 1 {
		t.Errorf("document changed: %q v%d", s.doc.Content, s.doc.Version)
	}
}

func TestSession_LeaveNotification(t *testing.T) {
	s, _ := testSession(t, "", 0, nil, ot.LastWriterWins)

	c1 := mockClient("c1")
	c2 := mockClient("c2")
	s.join <- c1
	s.join <- c2
	recvMsg(t, c1) // doc
	recvMsg(t, c2) // doc
	recvMsg(t, c1) // c2 join

	s.leave <- c2
	msg := recvMsg(t, c1)
	if msg.Type != MsgLeave {
		t.Fatalf("expected leave, got %q", msg.Type)
	}
	if msg.ClientID != "c2" {
		t.Errorf("leave clientId = %q, want %q", msg.ClientID, "c2")
	}
}
