package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/jmoreau/opsync/ot"
	"github.com/jmoreau/opsync/store"
)

type opMessage struct {
	client *Client
	msg    ClientMessage
}

// bridgeEvent is the payload relayed between instances through the bridge.
type bridgeEvent struct {
	Origin string        `json:"origin"`
	Msg    ServerMessage `json:"msg"`
}

// Session manages collaboration for a single document.
// All operations are serialized through a single goroutine: the session is
// the one "apply actor" per document, so transforms and log appends never
// race.
type Session struct {
	docID    string
	instance string
	doc      *ot.Document
	strategy ot.Strategy
	store    store.DocumentStore
	bridge   Bridge
	clients  map[*Client]bool

	incoming chan opMessage
	remote   chan []byte
	join     chan *Client
	leave    chan *Client
	stop     chan struct{}
}

func newSession(docID, instance, content string, version int, history []ot.Operation, strategy ot.Strategy, st store.DocumentStore, bridge Bridge) *Session {
	doc := ot.NewDocument(content)
	doc.Version = version
	doc.History = history
	return &Session{
		docID:    docID,
		instance: instance,
		doc:      doc,
		strategy: strategy,
		store:    st,
		bridge:   bridge,
		clients:  make(map[*Client]bool),
		incoming: make(chan opMessage, 64),
		remote:   make(chan []byte, 64),
		join:     make(chan *Client, 16),
		leave:    make(chan *Client, 16),
		stop:     make(chan struct{}),
	}
}

// Run is the session's main loop. It serializes all operations.
func (s *Session) Run() {
	if s.bridge != nil {
		ch, cancel, err := s.bridge.Subscribe(context.Background(), s.docID)
		if err != nil {
			log.Printf("session %s: bridge subscribe failed: %v", s.docID, err)
		} else {
			defer cancel()
			go func() {
				for data := range ch {
					select {
					case s.remote <- data:
					case <-s.stop:
						return
					}
				}
			}()
		}
	}

	for {
		select {
		case c := <-s.join:
			s.handleJoin(c)
		case c := <-s.leave:
			s.handleLeave(c)
		case om := <-s.incoming:
			if om.msg.Type == MsgBatch {
				s.handleBatch(om)
			} else {
				s.handleOp(om)
			}
		case data := <-s.remote:
			s.handleRemote(data)
		case <-s.stop:
			return
		}
	}
}

func (s *Session) handleJoin(c *Client) {
	s.clients[c] = true
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()

	// Send current document state to the joining client.
	clients := s.clientInfos()
	c.sendMsg(ServerMessage{
		Type:     MsgDoc,
		DocID:    s.docID,
		Content:  s.doc.Content,
		Revision: s.doc.Version,
		Clients:  clients,
	})

	// Notify other clients about the new user.
	for other := range s.clients {
		if other != c {
			other.sendMsg(ServerMessage{
				Type:     MsgJoin,
				ClientID: c.ID,
				Name:     c.Name,
				Color:    c.Color,
			})
		}
	}
}

func (s *Session) handleLeave(c *Client) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
	close(c.send)

	// Notify others.
	for other := range s.clients {
		other.sendMsg(ServerMessage{
			Type:     MsgLeave,
			ClientID: c.ID,
		})
	}
}

// handleOp runs one client edit through the pipeline: validate, transform
// against the history the client hasn't seen, route conflicts through the
// session's resolution strategy, then apply, persist and broadcast.
func (s *Session) handleOp(om opMessage) {
	op := om.msg.Op
	if res := ot.Validate(op); !res.Valid {
		om.client.sendError("invalid operation: " + strings.Join(res.Errors, "; "))
		return
	}
	rev := om.msg.Revision
	if rev < 0 || rev > len(s.doc.History) {
		om.client.sendError(fmt.Sprintf("invalid revision %d", rev))
		return
	}

	transformed, conflicting := s.transformAgainst(op, s.doc.History[rev:])
	if len(conflicting) > 0 && !s.admit(om.client, transformed, conflicting) {
		return
	}

	s.applyAndBroadcast(om.client, transformed, conflictRecords(transformed, conflicting))
}

// admit decides whether a conflicting operation is applied, per the session
// strategy. Manual resolution parks the operation and hands the contenders
// back to the sender; first/last-writer-wins drops the loser.
func (s *Session) admit(c *Client, op ot.Operation, conflicting []ot.Operation) bool {
	switch s.strategy {
	case ot.ManualResolution:
		contenders := ot.ResolveConflict(append(conflicting, op), ot.ManualResolution)
		c.sendMsg(ServerMessage{
			Type:      MsgConflict,
			DocID:     s.docID,
			Revision:  s.doc.Version,
			Ops:       contenders,
			Conflicts: conflictRecords(op, conflicting),
			Message:   "manual resolution required",
		})
		return false

	case ot.LastWriterWins, ot.FirstWriterWins:
		winners := ot.ResolveConflict(append(conflicting, op), s.strategy)
		if winners[0].ID != op.ID {
			// Existing history wins; the incoming op is discarded.
			c.sendMsg(ServerMessage{
				Type:     MsgAck,
				DocID:    s.docID,
				Revision: s.doc.Version,
				Message:  "operation dropped by " + string(s.strategy),
			})
			return false
		}
	}
	// MergeChanges (and winning ops) apply: the transform already reconciled
	// positions against the surviving history.
	return true
}

// handleBatch reconciles a set of operations queued by an offline client.
// The batch is first internally ordered and transformed as a unit, then each
// surviving operation is shifted past the server history the client missed.
func (s *Session) handleBatch(om opMessage) {
	for _, op := range om.msg.Ops {
		if res := ot.Validate(op); !res.Valid {
			om.client.sendError("invalid operation " + op.ID + ": " + strings.Join(res.Errors, "; "))
			return
		}
	}
	rev := om.msg.Revision
	if rev < 0 || rev > len(s.doc.History) {
		om.client.sendError(fmt.Sprintf("invalid revision %d", rev))
		return
	}

	res := ot.TransformBatch(om.msg.Ops)

	dropped := make(map[string]bool)
	if len(res.Conflicts) > 0 {
		if s.strategy == ot.ManualResolution {
			om.client.sendMsg(ServerMessage{
				Type:      MsgConflict,
				DocID:     s.docID,
				Revision:  s.doc.Version,
				Ops:       res.Operations,
				Conflicts: res.Conflicts,
				Message:   "manual resolution required",
			})
			return
		}
		if s.strategy == ot.LastWriterWins || s.strategy == ot.FirstWriterWins {
			for _, rec := range res.Conflicts {
				contenders := append(append([]ot.Operation{}, rec.ConflictingOperations...), rec.Operations...)
				winners := ot.ResolveConflict(contenders, s.strategy)
				keep := make(map[string]bool, len(winners))
				for _, w := range winners {
					keep[w.ID] = true
				}
				for _, op := range rec.Operations {
					if !keep[op.ID] {
						dropped[op.ID] = true
					}
				}
			}
		}
	}

	// The history tail is fixed before applying: batch ops are already
	// expressed relative to each other, they only need shifting past the
	// server ops the client hadn't seen.
	tail := make([]ot.Operation, len(s.doc.History)-rev)
	copy(tail, s.doc.History[rev:])

	var applied []ot.Operation
	for _, op := range res.Operations {
		if dropped[op.ID] {
			continue
		}
		shifted, _ := s.transformAgainst(op, tail)
		if err := s.doc.Apply(shifted); err != nil {
			log.Printf("session %s: batch apply error: %v", s.docID, err)
			om.client.sendError("apply error: " + err.Error())
			return
		}
		s.persist(shifted)
		applied = append(applied, shifted)
	}

	om.client.sendMsg(ServerMessage{
		Type:      MsgAck,
		DocID:     s.docID,
		Revision:  s.doc.Version,
		Ops:       applied,
		Conflicts: res.Conflicts,
	})
	s.broadcast(om.client, ServerMessage{
		Type:      MsgBatch,
		DocID:     s.docID,
		Revision:  s.doc.Version,
		Ops:       applied,
		Conflicts: res.Conflicts,
		ClientID:  om.client.ID,
	})
	s.publish(ServerMessage{
		Type:     MsgBatch,
		DocID:    s.docID,
		Revision: s.doc.Version,
		Ops:      applied,
		ClientID: om.client.ID,
	})
}

// handleRemote applies an operation relayed from another server instance and
// fans it out to local clients.
func (s *Session) handleRemote(data []byte) {
	var ev bridgeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("session %s: bad bridge event: %v", s.docID, err)
		return
	}
	if ev.Origin == s.instance {
		return
	}

	ops := ev.Msg.Ops
	if len(ops) == 0 {
		ops = []ot.Operation{ev.Msg.Op}
	}
	for _, op := range ops {
		if err := s.doc.Apply(op); err != nil {
			log.Printf("session %s: remote apply error: %v", s.docID, err)
			return
		}
	}

	for c := range s.clients {
		c.sendMsg(ev.Msg)
	}
}

// transformAgainst chains op through a sequence of already-applied
// operations, accumulating the ops it conflicted with.
func (s *Session) transformAgainst(op ot.Operation, history []ot.Operation) (ot.Operation, []ot.Operation) {
	cur := op
	var conflicting []ot.Operation
	for _, h := range history {
		res := ot.Transform(cur, h)
		cur = res.Op
		if res.Conflict {
			conflicting = append(conflicting, res.ConflictsWith...)
		}
	}
	return cur, conflicting
}

func (s *Session) applyAndBroadcast(sender *Client, op ot.Operation, conflicts []ot.ConflictRecord) {
	if err := s.doc.Apply(op); err != nil {
		log.Printf("session %s: apply error: %v", s.docID, err)
		sender.sendError("apply error: " + err.Error())
		return
	}
	s.persist(op)

	// Ack the sender.
	sender.sendMsg(ServerMessage{
		Type:      MsgAck,
		DocID:     s.docID,
		Revision:  s.doc.Version,
		Conflicts: conflicts,
	})

	msg := ServerMessage{
		Type:      MsgOp,
		DocID:     s.docID,
		Revision:  s.doc.Version,
		Op:        op,
		Conflicts: conflicts,
		ClientID:  sender.ID,
	}
	s.broadcast(sender, msg)
	s.publish(msg)
}

func (s *Session) persist(op ot.Operation) {
	// Retains never advance the version; storing one would collide with the
	// last real operation at the same version key.
	if op.Type == ot.OpRetain {
		return
	}
	ctx := context.Background()
	if err := s.store.UpdateContent(ctx, s.docID, s.doc.Content, s.doc.Version); err != nil {
		log.Printf("session %s: persist content: %v", s.docID, err)
	}
	if err := s.store.AppendOperation(ctx, s.docID, op, s.doc.Version); err != nil {
		log.Printf("session %s: persist op: %v", s.docID, err)
	}
}

func (s *Session) broadcast(sender *Client, msg ServerMessage) {
	for c := range s.clients {
		if c != sender {
			c.sendMsg(msg)
		}
	}
}

// publish relays an applied operation to other instances via the bridge.
func (s *Session) publish(msg ServerMessage) {
	if s.bridge == nil {
		return
	}
	data, err := json.Marshal(bridgeEvent{Origin: s.instance, Msg: msg})
	if err != nil {
		return
	}
	if err := s.bridge.Publish(context.Background(), s.docID, data); err != nil {
		log.Printf("session %s: bridge publish: %v", s.docID, err)
	}
}

func (s *Session) clientInfos() []ClientInfo {
	infos := make([]ClientInfo, 0, len(s.clients))
	for c := range s.clients {
		infos = append(infos, c.Info())
	}
	return infos
}

// conflictRecords wraps a transformed op and its conflict partners in the
// record shape the batch orchestrator uses, so single-op and batch paths
// report conflicts uniformly.
func conflictRecords(op ot.Operation, conflicting []ot.Operation) []ot.ConflictRecord {
	if len(conflicting) == 0 {
		return nil
	}
	return []ot.ConflictRecord{{
		Operations:            []ot.Operation{op},
		ConflictingOperations: conflicting,
	}}
}
