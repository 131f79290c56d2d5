package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Bridge relays applied operations between server instances that share the
// same backing store, so clients connected to different instances see each
// other's edits. Implementations must deliver a published payload to every
// subscriber of the same document, including the publishing instance (the
// session filters its own events by origin id).
type Bridge interface {
	Publish(ctx context.Context, docID string, data []byte) error
	Subscribe(ctx context.Context, docID string) (<-chan []byte, func(), error)
}

// RedisBridge is a Bridge over Redis pub/sub, one channel per document.
type RedisBridge struct {
	client *redis.Client
}

func NewRedisBridge(client *redis.Client) *RedisBridge {
	return &RedisBridge{client: client}
}

func (b *RedisBridge) channel(docID string) string {
	return fmt.Sprintf("opsync:doc:%s", docID)
}

func (b *RedisBridge) Publish(ctx context.Context, docID string, data []byte) error {
	return b.client.Publish(ctx, b.channel(docID), data).Err()
}

func (b *RedisBridge) Subscribe(ctx context.Context, docID string) (<-chan []byte, func(), error) {
	pubsub := b.client.Subscribe(ctx, b.channel(docID))
	// Wait for the subscription to be established before reporting success.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, err
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			out <- []byte(msg.Payload)
		}
	}()
	return out, func() { pubsub.Close() }, nil
}

// FakeBridge is an in-process Bridge for tests and single-instance setups.
type FakeBridge struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
}

func NewFakeBridge() *FakeBridge {
	return &FakeBridge{subs: make(map[string][]chan []byte)}
}

func (b *FakeBridge) Publish(_ context.Context, docID string, data []byte) error {
	b.mu.Lock()
	targets := make([]chan []byte, len(b.subs[docID]))
	copy(targets, b.subs[docID])
	b.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- data:
		default:
			// Subscriber too slow, drop event.
		}
	}
	return nil
}

func (b *FakeBridge) Subscribe(_ context.Context, docID string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subs[docID] = append(b.subs[docID], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[docID]
		for i, c := range subs {
			if c == ch {
				b.subs[docID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return ch, cancel, nil
}
