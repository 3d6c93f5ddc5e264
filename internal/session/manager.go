// Package session tracks client connections of a simulated data logger.
package session

import (
	"net"
	"sort"
	"sync"
	"time"
)

// Session represents one client connection.
type Session struct {
	ID             string
	RemoteAddr     string
	LocalAddr      string
	ConnectedAt    time.Time
	LastActivity   time.Time
	BytesReceived  int64
	BytesSent      int64
	FramesReceived int64
	FramesSent     int64
	ErrorCount     int64
	Connection     net.Conn
	mutex          sync.RWMutex
}

// NewSession creates a new session for a connection.
func NewSession(conn net.Conn) *Session {
	now := time.Now()
	return &Session{
		ID:           generateSessionID(conn.RemoteAddr().String(), now),
		RemoteAddr:   conn.RemoteAddr().String(),
		LocalAddr:    conn.LocalAddr().String(),
		ConnectedAt:  now,
		LastActivity: now,
		Connection:   conn,
	}
}

// FrameReceived records an inbound frame.
func (s *Session) FrameReceived(bytes int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.LastActivity = time.Now()
	s.BytesReceived += int64(bytes)
	s.FramesReceived++
}

// FrameSent records an outbound frame.
func (s *Session) FrameSent(bytes int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.BytesSent += int64(bytes)
	s.FramesSent++
}

// IncrementErrorCount records a malformed or unanswerable frame.
func (s *Session) IncrementErrorCount() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.ErrorCount++
}

// GetStats returns a snapshot of the session counters.
func (s *Session) GetStats() Stats {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return Stats{
		ID:             s.ID,
		RemoteAddr:     s.RemoteAddr,
		ConnectedAt:    s.ConnectedAt,
		LastActivity:   s.LastActivity,
		BytesReceived:  s.BytesReceived,
		BytesSent:      s.BytesSent,
		FramesReceived: s.FramesReceived,
		FramesSent:     s.FramesSent,
		ErrorCount:     s.ErrorCount,
	}
}

// IsExpired reports whether the session has been idle longer than timeout.
func (s *Session) IsExpired(timeout time.Duration) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return time.Since(s.LastActivity) > timeout
}

// Close closes the underlying connection.
func (s *Session) Close() error {
	if s.Connection == nil {
		return nil
	}
	return s.Connection.Close()
}

// Stats represents session statistics for external consumption.
type Stats struct {
	ID             string        `json:"id"`
	RemoteAddr     string        `json:"remote_addr"`
	ConnectedAt    time.Time     `json:"connected_at"`
	LastActivity   time.Time     `json:"last_activity"`
	BytesReceived  int64         `json:"bytes_received"`
	BytesSent      int64         `json:"bytes_sent"`
	FramesReceived int64         `json:"frames_received"`
	FramesSent     int64         `json:"frames_sent"`
	ErrorCount     int64         `json:"error_count"`
	Duration       time.Duration `json:"duration"`
}

// Manager tracks open sessions and drops those idle past the timeout, the
// way data loggers close silent clients.
type Manager struct {
	sessions       map[string]*Session
	mutex          sync.RWMutex
	cleanupTicker  *time.Ticker
	stopCleanup    chan struct{}
	closeOnce      sync.Once
	sessionTimeout time.Duration
}

// NewManager creates a session manager. A zero timeout keeps idle sessions open.
func NewManager(sessionTimeout time.Duration) *Manager {
	sm := &Manager{
		sessions:       make(map[string]*Session),
		sessionTimeout: sessionTimeout,
		stopCleanup:    make(chan struct{}),
	}

	if sessionTimeout > 0 {
		sm.startCleanupRoutine(cleanupInterval(sessionTimeout))
	}

	return sm
}

func cleanupInterval(timeout time.Duration) time.Duration {
	interval := timeout / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}

// Create registers a session for conn.
func (sm *Manager) Create(conn net.Conn) *Session {
	session := NewSession(conn)

	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	sm.sessions[session.ID] = session

	return session
}

// Get retrieves a session by ID.
func (sm *Manager) Get(id string) (*Session, bool) {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	session, exists := sm.sessions[id]
	return session, exists
}

// All returns statistics for every open session, oldest first.
func (sm *Manager) All() []Stats {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	stats := make([]Stats, 0, len(sm.sessions))
	now := time.Now()

	for _, session := range sm.sessions {
		s := session.GetStats()
		s.Duration = now.Sub(s.ConnectedAt)
		stats = append(stats, s)
	}

	sort.Slice(stats, func(i, j int) bool {
		return stats[i].ConnectedAt.Before(stats[j].ConnectedAt)
	})
	return stats
}

// Remove closes and forgets a session.
func (sm *Manager) Remove(id string) {
	sm.mutex.Lock()
	session, exists := sm.sessions[id]
	delete(sm.sessions, id)
	sm.mutex.Unlock()

	if exists {
		_ = session.Close()
	}
}

// CleanupExpired closes sessions idle past the timeout and returns how many.
func (sm *Manager) CleanupExpired() int {
	sm.mutex.Lock()
	var expired []*Session
	for id, session := range sm.sessions {
		if session.IsExpired(sm.sessionTimeout) {
			expired = append(expired, session)
			delete(sm.sessions, id)
		}
	}
	sm.mutex.Unlock()

	for _, session := range expired {
		_ = session.Close()
	}
	return len(expired)
}

// Count returns the number of open sessions.
func (sm *Manager) Count() int {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return len(sm.sessions)
}

// Close stops the cleanup routine and closes every session.
func (sm *Manager) Close() {
	sm.closeOnce.Do(func() {
		close(sm.stopCleanup)
		if sm.cleanupTicker != nil {
			sm.cleanupTicker.Stop()
		}
	})

	sm.mutex.Lock()
	sessions := sm.sessions
	sm.sessions = make(map[string]*Session)
	sm.mutex.Unlock()

	for _, session := range sessions {
		_ = session.Close()
	}
}

func (sm *Manager) startCleanupRoutine(interval time.Duration) {
	sm.cleanupTicker = time.NewTicker(interval)

	go func() {
		for {
			select {
			case <-sm.cleanupTicker.C:
				sm.CleanupExpired()
			case <-sm.stopCleanup:
				return
			}
		}
	}()
}

func generateSessionID(addr string, timestamp time.Time) string {
	return addr + "_" + timestamp.Format("20060102_150405.000000")
}
