// Package session tracks the lifecycle and statistics of panel feed
// connections on the socket listener.
package session

import (
	"net"
	"sync"
	"time"

	"github.com/ferrostat/go-panelwatch/internal/metrics"
)

// SessionState represents the current state of a feed session.
type SessionState int

const (
	SessionStateConnected SessionState = iota
	SessionStateActive
	SessionStateDisconnected
)

// String returns the string representation of the session state.
func (s SessionState) String() string {
	switch s {
	case SessionStateConnected:
		return "connected"
	case SessionStateActive:
		return "active"
	case SessionStateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the state as its name.
func (s SessionState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Session represents one panel feed connection. A session turns Active on
// its first accepted telegram and stays so until the connection drops.
type Session struct {
	ID                string
	RemoteAddr        string
	LocalAddr         string
	State             SessionState
	ConnectedAt       time.Time
	LastActivity      time.Time
	LastTelegram      time.Time
	BytesReceived     int64
	BytesSent         int64
	TelegramsReceived int64
	TelegramsRejected int64
	ErrorCount        int64
	Connection        net.Conn
	mutex             sync.RWMutex
}

// NewSession creates a new session for a feed connection.
func NewSession(conn net.Conn) *Session {
	now := time.Now()
	return &Session{
		ID:           generateSessionID(conn.RemoteAddr().String(), now),
		RemoteAddr:   conn.RemoteAddr().String(),
		LocalAddr:    conn.LocalAddr().String(),
		State:        SessionStateConnected,
		ConnectedAt:  now,
		LastActivity: now,
		Connection:   conn,
	}
}

// UpdateActivity updates the last activity time for the session.
func (s *Session) UpdateActivity() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.LastActivity = time.Now()
}

// RecordTelegram accounts for one framed telegram read off the wire.
// Accepted telegrams mark the session active.
func (s *Session) RecordTelegram(accepted bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now()
	s.LastActivity = now
	s.LastTelegram = now
	if accepted {
		s.TelegramsReceived++
		s.State = SessionStateActive
	} else {
		s.TelegramsRejected++
	}
}

// SetState safely updates the session state.
func (s *Session) SetState(state SessionState) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.State = state
}

// GetState safely retrieves the session state.
func (s *Session) GetState() SessionState {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.State
}

// AddBytesReceived safely adds to the bytes received counter.
func (s *Session) AddBytesReceived(bytes int64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.BytesReceived += bytes
}

// AddBytesSent safely adds to the bytes sent counter.
func (s *Session) AddBytesSent(bytes int64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.BytesSent += bytes
}

// IncrementErrorCount safely increments the error counter.
func (s *Session) IncrementErrorCount() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.ErrorCount++
}

// GetStats returns a copy of the session statistics.
func (s *Session) GetStats() SessionStats {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return SessionStats{
		ID:                s.ID,
		RemoteAddr:        s.RemoteAddr,
		State:             s.State,
		ConnectedAt:       s.ConnectedAt,
		LastActivity:      s.LastActivity,
		LastTelegram:      s.LastTelegram,
		BytesReceived:     s.BytesReceived,
		BytesSent:         s.BytesSent,
		TelegramsReceived: s.TelegramsReceived,
		TelegramsRejected: s.TelegramsRejected,
		ErrorCount:        s.ErrorCount,
	}
}

// IsExpired checks if the session has expired based on inactivity.
func (s *Session) IsExpired(timeout time.Duration) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return time.Since(s.LastActivity) > timeout
}

// Close closes the session and its underlying connection.
func (s *Session) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.State = SessionStateDisconnected
	if s.Connection != nil {
		return s.Connection.Close()
	}
	return nil
}

// SessionStats represents session statistics for external consumption.
type SessionStats struct {
	ID                string        `json:"id"`
	RemoteAddr        string        `json:"remote_addr"`
	State             SessionState  `json:"state"`
	ConnectedAt       time.Time     `json:"connected_at"`
	LastActivity      time.Time     `json:"last_activity"`
	LastTelegram      time.Time     `json:"last_telegram,omitempty"`
	BytesReceived     int64         `json:"bytes_received"`
	BytesSent         int64         `json:"bytes_sent"`
	TelegramsReceived int64         `json:"telegrams_received"`
	TelegramsRejected int64         `json:"telegrams_rejected"`
	ErrorCount        int64         `json:"error_count"`
	Duration          time.Duration `json:"duration"`
}

// SessionManager manages the feed sessions of the socket listener.
type SessionManager struct {
	sessions       map[string]*Session
	sessionsByAddr map[string]*Session
	mutex          sync.RWMutex
	cleanupTicker  *time.Ticker
	stopCleanup    chan struct{}
	sessionTimeout time.Duration
}

// NewSessionManager creates a new session manager.
func NewSessionManager(sessionTimeout time.Duration) *SessionManager {
	sm := &SessionManager{
		sessions:       make(map[string]*Session),
		sessionsByAddr: make(map[string]*Session),
		sessionTimeout: sessionTimeout,
		stopCleanup:    make(chan struct{}),
	}

	sm.startCleanupRoutine()

	return sm
}

// CreateSession creates a new session for a connection. A lingering session
// from the same address is replaced, which covers panels reconnecting
// before their old connection timed out.
func (sm *SessionManager) CreateSession(conn net.Conn) *Session {
	session := NewSession(conn)

	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if existing, exists := sm.sessionsByAddr[session.RemoteAddr]; exists {
		delete(sm.sessions, existing.ID)
		existing.Close()
	}

	sm.sessions[session.ID] = session
	sm.sessionsByAddr[session.RemoteAddr] = session
	metrics.SocketSessions.Set(float64(len(sm.sessions)))

	return session
}

// GetSession retrieves a session by ID.
func (sm *SessionManager) GetSession(id string) (*Session, bool) {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	session, exists := sm.sessions[id]
	return session, exists
}

// GetSessionByAddr retrieves a session by remote address.
func (sm *SessionManager) GetSessionByAddr(addr string) (*Session, bool) {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	session, exists := sm.sessionsByAddr[addr]
	return session, exists
}

// GetAllSessions returns statistics for all active sessions.
func (sm *SessionManager) GetAllSessions() []SessionStats {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	stats := make([]SessionStats, 0, len(sm.sessions))
	now := time.Now()

	for _, session := range sm.sessions {
		sessionStats := session.GetStats()
		sessionStats.Duration = now.Sub(sessionStats.ConnectedAt)
		stats = append(stats, sessionStats)
	}

	return stats
}

// RemoveSession removes a session by ID.
func (sm *SessionManager) RemoveSession(id string) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if session, exists := sm.sessions[id]; exists {
		delete(sm.sessionsByAddr, session.RemoteAddr)
		delete(sm.sessions, id)
		session.Close()
		metrics.SocketSessions.Set(float64(len(sm.sessions)))
	}
}

// CleanupExpiredSessions removes expired sessions.
func (sm *SessionManager) CleanupExpiredSessions() int {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	var expired []string

	for id, session := range sm.sessions {
		if session.IsExpired(sm.sessionTimeout) {
			expired = append(expired, id)
		}
	}

	for _, id := range expired {
		if session, exists := sm.sessions[id]; exists {
			delete(sm.sessionsByAddr, session.RemoteAddr)
			delete(sm.sessions, id)
			session.Close()
		}
	}

	if len(expired) > 0 {
		metrics.SocketSessions.Set(float64(len(sm.sessions)))
	}

	return len(expired)
}

// GetSessionCount returns the number of active sessions.
func (sm *SessionManager) GetSessionCount() int {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return len(sm.sessions)
}

// Close shuts down the session manager and closes all sessions.
func (sm *SessionManager) Close() {
	close(sm.stopCleanup)
	if sm.cleanupTicker != nil {
		sm.cleanupTicker.Stop()
	}

	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	for _, session := range sm.sessions {
		session.Close()
	}

	sm.sessions = make(map[string]*Session)
	sm.sessionsByAddr = make(map[string]*Session)
	metrics.SocketSessions.Set(0)
}

// startCleanupRoutine starts a goroutine to periodically clean up expired sessions.
func (sm *SessionManager) startCleanupRoutine() {
	sm.cleanupTicker = time.NewTicker(time.Minute)

	go func() {
		for {
			select {
			case <-sm.cleanupTicker.C:
				sm.CleanupExpiredSessions()
			case <-sm.stopCleanup:
				return
			}
		}
	}()
}

// generateSessionID generates a unique session ID.
func generateSessionID(addr string, timestamp time.Time) string {
	return addr + "_" + timestamp.Format("20060102_150405.000000")
}
