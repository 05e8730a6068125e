// Package session implements the relay's session registry: pairing-code
// allocation, two-party membership, message history, storage accounting,
// and tiered expiry of abandoned sessions.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/cipherdrop/internal/logger"
	"github.com/marmos91/cipherdrop/internal/metrics"
	"github.com/marmos91/cipherdrop/internal/storage"
)

// Sentinel errors surfaced to the transport layer.
var (
	ErrTooManySessions   = errors.New("maximum number of active sessions reached")
	ErrCapacityExhausted = errors.New("could not allocate a free pairing code")
	ErrInvalidCode       = errors.New("invalid pairing code")
	ErrSessionFull       = errors.New("session already has two participants")
	ErrNotMember         = errors.New("client is not a member of this session")
	ErrNotConnected      = errors.New("client is not connected")
	ErrInvalidMessage    = errors.New("invalid message")
	ErrQuotaExceeded     = errors.New("storage quota exceeded")
)

// Config holds session admission and expiry settings.
type Config struct {
	// MaxActive caps live sessions; -1 means unlimited.
	MaxActive int

	// MaxSessionBytes is the per-session storage quota; -1 means unlimited.
	MaxSessionBytes int64

	// UnusedGrace applies to sessions that never saw activity; ActiveGrace
	// to sessions that did.
	UnusedGrace time.Duration
	ActiveGrace time.Duration

	// SweepInterval is the period of the background expiry sweeper.
	SweepInterval time.Duration
}

// Manager is the session registry. One instance lives for the process; the
// HTTP and event-channel gateways share it.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	store *storage.Backend
	cfg   Config
}

// NewManager creates a Manager backed by store.
func NewManager(store *storage.Backend, cfg Config) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		store:    store,
		cfg:      cfg,
	}
}

// Create allocates a fresh session and returns its pairing code.
//
// The storage tree is pre-created best-effort: a filesystem hiccup here is
// logged rather than failing the mint, since every write path re-creates
// missing directories.
func (m *Manager) Create() (string, error) {
	m.mu.Lock()
	if m.cfg.MaxActive >= 0 && len(m.sessions) >= m.cfg.MaxActive {
		m.mu.Unlock()
		return "", ErrTooManySessions
	}

	var code string
	for attempt := 0; ; attempt++ {
		if attempt >= maxCodeAttempts {
			m.mu.Unlock()
			return "", ErrCapacityExhausted
		}
		c, err := generateCode()
		if err != nil {
			m.mu.Unlock()
			return "", err
		}
		if _, taken := m.sessions[c]; !taken {
			code = c
			break
		}
	}

	s := newSession(code, time.Now())
	m.sessions[code] = s
	active := len(m.sessions)
	m.mu.Unlock()

	metrics.ActiveSessions.Set(float64(active))

	if err := m.store.CreateSessionTree(code); err != nil {
		logger.Warn("failed to pre-create session storage tree", "code", code, "error", err)
	}

	logger.Info("session created", "code", code, "active", active)
	return code, nil
}

// JoinResult describes a successful admission.
type JoinResult struct {
	Token          string
	History        []Message
	Reconnected    bool
	ConnectedCount int
}

// Join admits a client into a session.
//
// A supplied token matching an existing member slot is a reconnect: the
// slot is rebound to channelID and the token is returned unchanged. A new
// participant is admitted only while the session holds fewer than two
// members and fewer than two connected clients; the count check and the
// insert share one critical section, so concurrent joins cannot both take
// the last slot.
func (m *Manager) Join(code, token, channelID string) (JoinResult, error) {
	s := m.lookup(code)
	if s == nil {
		return JoinResult{}, ErrInvalidCode
	}

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if token != "" {
		if slot, ok := s.clients[token]; ok {
			slot.channelID = channelID
			slot.connected = true
			s.touch(now)
			return JoinResult{
				Token:          token,
				History:        s.historySnapshot(),
				Reconnected:    true,
				ConnectedCount: s.connectedCount(),
			}, nil
		}
		// Unknown token: fall through and treat as a new participant.
	}

	if s.connectedCount() >= 2 || len(s.clients) >= 2 {
		return JoinResult{}, ErrSessionFull
	}

	newToken := uuid.NewString()
	s.clients[newToken] = &clientSlot{channelID: channelID, connected: true}
	s.touch(now)

	return JoinResult{
		Token:          newToken,
		History:        s.historySnapshot(),
		ConnectedCount: s.connectedCount(),
	}, nil
}

// DisconnectResult identifies the slot released by a transport close.
type DisconnectResult struct {
	Code      string
	Token     string
	Remaining int
}

// Disconnect marks the client bound to channelID as disconnected. When the
// last connected client leaves, a tiered deletion timer is scheduled. The
// bool result is false when no session owns the channel (e.g. the client
// never joined a room).
func (m *Manager) Disconnect(channelID string) (DisconnectResult, bool) {
	m.mu.Lock()
	candidates := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		candidates = append(candidates, s)
	}
	m.mu.Unlock()

	for _, s := range candidates {
		s.mu.Lock()
		for token, slot := range s.clients {
			if slot.channelID != channelID || !slot.connected {
				continue
			}
			slot.connected = false
			remaining := s.connectedCount()
			if remaining == 0 {
				m.scheduleCleanupLocked(s)
			}
			code := s.code
			s.mu.Unlock()
			logger.Debug("client disconnected", "code", code, "remaining", remaining)
			return DisconnectResult{Code: code, Token: token, Remaining: remaining}, true
		}
		s.mu.Unlock()
	}
	return DisconnectResult{}, false
}

// Append validates and stamps msg, appends it to the session history, and
// returns the stamped message for fan-out. The caller token must belong to
// a currently connected member.
func (m *Manager) Append(code, token string, msg Message) (Message, error) {
	if !msg.Valid() {
		return Message{}, ErrInvalidMessage
	}

	s := m.lookup(code)
	if s == nil {
		return Message{}, ErrInvalidCode
	}

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.clients[token]
	if !ok {
		return Message{}, ErrNotMember
	}
	if !slot.connected {
		return Message{}, ErrNotConnected
	}

	msg.Sender = token
	msg.Timestamp = s.stamp(now)
	s.history = append(s.history, msg)
	s.hasActivity = true
	s.touch(now)

	metrics.MessagesRelayed.Inc()
	return msg, nil
}

// QuotaResult reports the outcome of a quota pre-check.
type QuotaResult struct {
	Allowed bool
	Current int64
	Limit   int64
}

// CheckQuota decides whether additional bytes fit in the session's budget.
// Usage comes from a filesystem scan performed outside the session lock. A
// failed scan allows the write: a transient I/O error must not turn into a
// denial of service for the peers.
func (m *Manager) CheckQuota(code string, additional int64) (QuotaResult, error) {
	s := m.lookup(code)
	if s == nil {
		return QuotaResult{}, ErrInvalidCode
	}

	limit := m.cfg.MaxSessionBytes
	if limit < 0 {
		return QuotaResult{Allowed: true, Current: 0, Limit: -1}, nil
	}

	current, _, err := m.store.SessionUsage(code)
	if err != nil {
		logger.Warn("quota scan failed, allowing write", "code", code, "error", err)
		s.mu.Lock()
		current = s.storageUsed
		s.mu.Unlock()
		return QuotaResult{Allowed: true, Current: current, Limit: limit}, nil
	}

	if current+additional > limit {
		return QuotaResult{Allowed: false, Current: current, Limit: limit}, nil
	}
	return QuotaResult{Allowed: true, Current: current, Limit: limit}, nil
}

// AccountStorage records bytes written into the session tree. Counts as
// activity for expiry purposes.
func (m *Manager) AccountStorage(code string, added int64) {
	s := m.lookup(code)
	if s == nil {
		return
	}
	s.mu.Lock()
	s.storageUsed += added
	s.hasActivity = true
	s.touch(time.Now())
	s.mu.Unlock()

	metrics.BytesStored.Add(float64(added))
}

// Exists reports whether code names a live session.
func (m *Manager) Exists(code string) bool {
	return m.lookup(code) != nil
}

// StorageInfo describes a session's storage consumption.
type StorageInfo struct {
	Used      int64
	FileCount int
	Limit     int64
}

// StorageInfo scans the session tree and returns usage alongside the
// configured limit.
func (m *Manager) StorageInfo(code string) (StorageInfo, error) {
	if m.lookup(code) == nil {
		return StorageInfo{}, ErrInvalidCode
	}
	used, files, err := m.store.SessionUsage(code)
	if err != nil {
		return StorageInfo{}, err
	}
	return StorageInfo{Used: used, FileCount: files, Limit: m.cfg.MaxSessionBytes}, nil
}

// Stats summarizes registry occupancy.
type Stats struct {
	Active int
	Max    int
}

// Stats returns current session counts.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Active: len(m.sessions), Max: m.cfg.MaxActive}
}

// MaxSessionBytes returns the configured per-session quota (-1 unlimited).
func (m *Manager) MaxSessionBytes() int64 { return m.cfg.MaxSessionBytes }

func (m *Manager) lookup(code string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[code]
}

// grace returns the deletion grace for the session's activity tier. Caller
// holds s.mu.
func (m *Manager) grace(s *Session) time.Duration {
	if s.hasActivity {
		return m.cfg.ActiveGrace
	}
	return m.cfg.UnusedGrace
}

// scheduleCleanupLocked arms the tiered deletion timer. Caller holds s.mu
// and has verified zero connected clients. The timer carries only the
// pairing code; on fire the session is re-looked-up and re-checked under
// the locks, so a cancellation that lost the race is harmless.
func (m *Manager) scheduleCleanupLocked(s *Session) {
	if s.cleanup != nil {
		return
	}
	grace := m.grace(s)
	code := s.code
	s.cleanup = time.AfterFunc(grace, func() { m.expire(code) })
	logger.Debug("session cleanup scheduled", "code", code, "grace", grace)
}

// expire deletes the session named by code if it still has zero connected
// clients. Called from fired timers and the sweeper.
func (m *Manager) expire(code string) {
	m.mu.Lock()
	s, ok := m.sessions[code]
	if !ok {
		m.mu.Unlock()
		return
	}

	s.mu.Lock()
	if s.connectedCount() > 0 {
		// A client reconnected between the timer firing and this check.
		s.cancelCleanup()
		s.mu.Unlock()
		m.mu.Unlock()
		return
	}
	s.cancelCleanup()
	delete(m.sessions, code)
	active := len(m.sessions)
	s.mu.Unlock()
	m.mu.Unlock()

	metrics.ActiveSessions.Set(float64(active))
	metrics.SessionsExpired.Inc()

	if err := m.store.DeleteSessionTree(code); err != nil {
		logger.Warn("failed to delete expired session tree", "code", code, "error", err)
	}
	logger.Info("session expired", "code", code, "active", active)
}

// Run drives the periodic sweeper until ctx is cancelled. The sweeper
// re-applies the tiered-grace rule to idle sessions that somehow lack a
// timer, deletes overdue ones, and reclaims orphaned storage trees.
//
// An orphan sweep also runs immediately so trees left behind by a previous
// process are removed at startup.
func (m *Manager) Run(ctx context.Context) {
	m.sweepOrphans()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	m.mu.Lock()
	candidates := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		candidates = append(candidates, s)
	}
	m.mu.Unlock()

	now := time.Now()
	var overdue []string
	for _, s := range candidates {
		s.mu.Lock()
		if s.connectedCount() == 0 && s.cleanup == nil {
			deadline := s.lastActivity.Add(m.grace(s))
			if now.After(deadline) {
				overdue = append(overdue, s.code)
			} else {
				code := s.code
				s.cleanup = time.AfterFunc(deadline.Sub(now), func() { m.expire(code) })
			}
		}
		s.mu.Unlock()
	}

	for _, code := range overdue {
		m.expire(code)
	}

	m.sweepOrphans()
}

func (m *Manager) sweepOrphans() {
	m.mu.Lock()
	live := make(map[string]struct{}, len(m.sessions))
	for code := range m.sessions {
		live[code] = struct{}{}
	}
	m.mu.Unlock()

	m.store.SweepOrphans(live)
}
