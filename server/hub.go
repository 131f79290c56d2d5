package server

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jmoreau/opsync/ot"
	"github.com/jmoreau/opsync/store"
)

type joinRequest struct {
	client *Client
	docID  string
}

// Hub manages document sessions and routes clients to the right session.
type Hub struct {
	store    store.DocumentStore
	strategy ot.Strategy
	bridge   Bridge
	instance string
	sessions map[string]*Session
	mu       sync.RWMutex

	rateLimit rate.Limit
	rateBurst int

	joinDoc chan joinRequest
}

func NewHub(st store.DocumentStore, strategy ot.Strategy) *Hub {
	return &Hub{
		store:     st,
		strategy:  strategy,
		instance:  uuid.NewString(),
		sessions:  make(map[string]*Session),
		rateLimit: rate.Limit(50),
		rateBurst: 100,
		joinDoc:   make(chan joinRequest, 64),
	}
}

// SetBridge attaches a cross-instance bridge. Must be called before Run.
func (h *Hub) SetBridge(b Bridge) {
	h.bridge = b
}

// SetRateLimit sets the per-client operation rate limit. Must be called
// before clients connect.
func (h *Hub) SetRateLimit(perSec float64, burst int) {
	h.rateLimit = rate.Limit(perSec)
	h.rateBurst = burst
}

// Run is the hub's main loop.
func (h *Hub) Run() {
	for req := range h.joinDoc {
		h.handleJoinDoc(req)
	}
}

func (h *Hub) handleJoinDoc(req joinRequest) {
	h.mu.Lock()
	s, ok := h.sessions[req.docID]
	if !ok {
		// Create document in store if it doesn't exist.
		ctx := context.Background()
		if _, err := h.store.Get(ctx, req.docID); err != nil {
			if err := h.store.Create(ctx, req.docID, ""); err != nil {
				log.Printf("hub: failed to create doc %q: %v", req.docID, err)
				h.mu.Unlock()
				req.client.sendError("failed to create document")
				return
			}
		}

		info, err := h.store.Get(ctx, req.docID)
		if err != nil {
			log.Printf("hub: failed to get doc %q: %v", req.docID, err)
			h.mu.Unlock()
			req.client.sendError("failed to load document")
			return
		}
		history, err := h.store.GetOperations(ctx, req.docID, 0)
		if err != nil {
			log.Printf("hub: failed to load history for %q: %v", req.docID, err)
			h.mu.Unlock()
			req.client.sendError("failed to load document")
			return
		}

		s = newSession(req.docID, h.instance, info.Content, info.Version, history, h.strategy, h.store, h.bridge)
		h.sessions[req.docID] = s
		go s.Run()
	}
	h.mu.Unlock()

	s.join <- req.client
}

// GetSession returns the session for a document, if active.
func (h *Hub) GetSession(docID string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[docID]
}
