// Package ws fans alerts out to Server-Sent Events and WebSocket subscribers.
package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultBuffer = 16

// Streamer abstracts a connected streaming client.
type Streamer interface {
	Send(payload []byte) error
	Heartbeat() error
	Close()
}

// Subscription receives every payload broadcast to one project. C is closed
// when the subscription is dropped for falling behind or the hub shuts down.
type Subscription struct {
	C         <-chan []byte
	ch        chan []byte
	projectID string
	hub       *Hub
	once      sync.Once
}

// Close detaches the subscription from its hub.
func (s *Subscription) Close() {
	s.hub.remove(s)
}

// Hub manages stream subscriptions by project ID.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	closed bool
	log    *slog.Logger
}

// NewHub creates a hub whose subscribers buffer up to buffer payloads.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		log:    logger.With("component", "stream_hub"),
	}
}

// Subscribe registers a new subscriber for projectID.
func (h *Hub) Subscribe(projectID string) *Subscription {
	ch := make(chan []byte, h.buffer)
	sub := &Subscription{C: ch, ch: ch, projectID: projectID, hub: h}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return sub
	}
	if h.subs[projectID] == nil {
		h.subs[projectID] = make(map[*Subscription]struct{})
	}
	h.subs[projectID][sub] = struct{}{}
	return sub
}

// Broadcast delivers payload to every subscriber of projectID without
// blocking. Subscribers whose buffer is full are disconnected.
func (h *Hub) Broadcast(projectID string, payload []byte) {
	var slow []*Subscription
	h.mu.RLock()
	for sub := range h.subs[projectID] {
		select {
		case sub.ch <- payload:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()
	for _, sub := range slow {
		h.log.Warn("dropping slow stream subscriber", "project_id", projectID)
		h.remove(sub)
	}
}

// Count returns the number of live subscribers for projectID.
func (h *Hub) Count(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[projectID])
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for projectID, subs := range h.subs {
		for sub := range subs {
			sub.once.Do(func() { close(sub.ch) })
		}
		delete(h.subs, projectID)
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subs[sub.projectID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subs, sub.projectID)
		}
	}
	sub.once.Do(func() { close(sub.ch) })
}

// Serve copies a subscription to a client until ctx ends, the subscription
// is dropped or a write fails. A heartbeat is sent whenever the stream has
// been idle for the heartbeat interval.
func Serve(ctx context.Context, sub *Subscription, client Streamer, heartbeat time.Duration) error {
	defer sub.Close()
	defer client.Close()
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := client.Send(payload); err != nil {
				return err
			}
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return err
			}
		}
	}
}
