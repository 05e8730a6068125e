package session

import (
	"sync"
	"time"
)

// clientSlot tracks one participant of a session. The token key in
// Session.clients is stable for the life of the session; only the channel
// binding and connected flag change across reconnects.
type clientSlot struct {
	channelID string
	connected bool
}

// Session is the central aggregate: at most two participants exchanging a
// shared message history, plus storage accounting and expiry state.
//
// All fields are guarded by mu. Lock ordering is Manager.mu before
// Session.mu; filesystem work never happens under either lock.
type Session struct {
	mu sync.Mutex

	code         string
	createdAt    time.Time
	lastActivity time.Time

	// hasActivity flips to true on the first message or completed upload
	// and never back; it selects the expiry tier.
	hasActivity bool

	clients map[string]*clientSlot
	history []Message

	// storageUsed is the in-memory byte accumulator; the filesystem scan is
	// the source of truth for quota decisions.
	storageUsed int64

	// cleanup is non-nil iff a deletion timer is pending. Set only while no
	// client is connected; any reconnect or activity cancels it.
	cleanup *time.Timer

	// lastStamp is the previous message timestamp in ms, used to keep
	// per-session timestamps strictly increasing.
	lastStamp int64
}

func newSession(code string, now time.Time) *Session {
	return &Session{
		code:         code,
		createdAt:    now,
		lastActivity: now,
		clients:      make(map[string]*clientSlot),
	}
}

// connectedCount returns the number of connected clients. Caller holds mu.
func (s *Session) connectedCount() int {
	n := 0
	for _, c := range s.clients {
		if c.connected {
			n++
		}
	}
	return n
}

// stamp returns a millisecond timestamp strictly greater than any previous
// stamp of this session. Caller holds mu.
func (s *Session) stamp(now time.Time) int64 {
	ms := now.UnixMilli()
	if ms <= s.lastStamp {
		ms = s.lastStamp + 1
	}
	s.lastStamp = ms
	return ms
}

// cancelCleanup stops any pending deletion timer. Caller holds mu. Safe
// against the timer having already fired: the fired callback re-verifies
// connection state under the locks before deleting anything.
func (s *Session) cancelCleanup() {
	if s.cleanup != nil {
		s.cleanup.Stop()
		s.cleanup = nil
	}
}

// touch records activity and clears any pending deletion. Caller holds mu.
func (s *Session) touch(now time.Time) {
	s.lastActivity = now
	s.cancelCleanup()
}

// historySnapshot copies the history for hand-off outside the lock. Caller
// holds mu.
func (s *Session) historySnapshot() []Message {
	snap := make([]Message, len(s.history))
	copy(snap, s.history)
	return snap
}
