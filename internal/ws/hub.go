package ws

import (
	"sync"

	"github.com/marmos91/cipherdrop/internal/session"
)

// Hub maintains the per-session broadcast rooms.
//
// Each room carries its own mutex, which doubles as the ordering seam
// required by the message protocol: a join takes the history snapshot and
// registers the member under the same lock an append uses to fan out, so a
// joining client can neither miss nor double-receive a message appended
// concurrently. Lock order is room before session; no network I/O happens
// under either (fan-out only enqueues to per-client buffers).
type Hub struct {
	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	mu      sync.Mutex
	members map[*Client]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]*room)}
}

func (h *Hub) room(code string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[code]
	if !ok {
		r = &room{members: make(map[*Client]struct{})}
		h.rooms[code] = r
	}
	return r
}

// Join runs admit under the room's broadcast lock. On success the snapshot
// frame built by snapshot is queued to c and c becomes a room member before
// the lock releases, so every later broadcast reaches c exactly once.
func (h *Hub) Join(code string, c *Client, admit func() (session.JoinResult, error), snapshot func(session.JoinResult) []byte) (session.JoinResult, error) {
	r := h.room(code)
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := admit()
	if err != nil {
		return session.JoinResult{}, err
	}
	c.enqueue(snapshot(res))
	r.members[c] = struct{}{}
	return res, nil
}

// Append runs append under the room's broadcast lock and fans the returned
// frame out to every member, the sender included.
func (h *Hub) Append(code string, append func() ([]byte, error)) error {
	r := h.room(code)
	r.mu.Lock()
	defer r.mu.Unlock()

	frame, err := append()
	if err != nil {
		return err
	}
	for c := range r.members {
		c.enqueue(frame)
	}
	return nil
}

// Broadcast fans a frame out to every member of code's room. Used for
// presence events, which carry no history ordering requirement.
func (h *Hub) Broadcast(code string, frame []byte) {
	r := h.room(code)
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.members {
		c.enqueue(frame)
	}
}

// Leave removes c from code's room, dropping the room once empty.
func (h *Hub) Leave(code string, c *Client) {
	h.mu.Lock()
	r, ok := h.rooms[code]
	h.mu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	delete(r.members, c)
	empty := len(r.members) == 0
	r.mu.Unlock()

	if empty {
		h.mu.Lock()
		// Re-check under h.mu; a concurrent join may have repopulated it.
		r.mu.Lock()
		if len(r.members) == 0 && h.rooms[code] == r {
			delete(h.rooms, code)
		}
		r.mu.Unlock()
		h.mu.Unlock()
	}
}

// CloseAll disconnects every member of every room. Used during shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	for _, r := range rooms {
		r.mu.Lock()
		members := make([]*Client, 0, len(r.members))
		for c := range r.members {
			members = append(members, c)
		}
		r.mu.Unlock()
		for _, c := range members {
			c.close()
		}
	}
}
