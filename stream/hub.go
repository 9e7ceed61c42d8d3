// Package stream delivers task events to the viewers of a project over
// server-sent events, across instances through Redis pub/sub.
package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/bytedance/sonic"

	"taskboard/domain"
)

const defaultSubscriberBuffer = 16

// Frame is one server-sent event.
type Frame struct {
	Event string
	Data  []byte
}

// FrameOf renders an event as a frame. The data carries the full entity so a
// viewer can replace by id.
func FrameOf(ev domain.Event) (Frame, error) {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: ev.EventName(), Data: data}, nil
}

// Subscriber is one connection's membership in a project room.
type Subscriber struct {
	ProjectID string
	UserID    string
	ch        chan Frame
}

// Frames yields the frames delivered to this subscriber.
func (s *Subscriber) Frames() <-chan Frame { return s.ch }

// Hub keeps the project rooms of this instance. Delivery is best effort: a
// subscriber whose buffer is full misses the frame.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Subscriber]struct{}
	buffer  int
	dropped atomic.Int64
}

// NewHub creates a hub whose subscribers buffer up to buffer frames.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{rooms: make(map[string]map[*Subscriber]struct{}), buffer: buffer}
}

// Join adds a subscriber to the room of projectID.
func (h *Hub) Join(projectID, userID string) *Subscriber {
	sub := &Subscriber{ProjectID: projectID, UserID: userID, ch: make(chan Frame, h.buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[projectID]
	if room == nil {
		room = make(map[*Subscriber]struct{})
		h.rooms[projectID] = room
	}
	room[sub] = struct{}{}
	return sub
}

// Leave removes a subscriber; empty rooms are dropped.
func (h *Hub) Leave(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[sub.ProjectID]; ok {
		delete(room, sub)
		if len(room) == 0 {
			delete(h.rooms, sub.ProjectID)
		}
	}
}

// Broadcast offers f to every subscriber of projectID without blocking and
// returns how many accepted it.
func (h *Hub) Broadcast(projectID string, f Frame) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for sub := range h.rooms[projectID] {
		select {
		case sub.ch <- f:
			delivered++
		default:
			h.dropped.Add(1)
		}
	}
	return delivered
}

// Publish implements domain.Publisher for single-instance deployments.
func (h *Hub) Publish(ctx context.Context, projectID string, ev domain.Event) error {
	f, err := FrameOf(ev)
	if err != nil {
		return err
	}
	h.Broadcast(projectID, f)
	return nil
}

// Subscribers reports the size of a room.
func (h *Hub) Subscribers(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[projectID])
}

// Dropped reports how many frames were discarded for slow subscribers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }
