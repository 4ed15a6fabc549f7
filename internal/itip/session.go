package itip

import "sync"

// Session carries the per-call flags of the user the engine acts for and
// collects non-fatal warnings.
type Session struct {
	ContextID int
	UserID    int

	// Comment is an optional free text for recipients of outbound messages.
	Comment string
	// NotificationsEnabled is folded into the additionals of every message.
	NotificationsEnabled bool

	mu       sync.Mutex
	inITip   bool
	warnings []error
}

// NewSession returns a session for userID with notifications enabled.
func NewSession(contextID, userID int) *Session {
	return &Session{ContextID: contextID, UserID: userID, NotificationsEnabled: true}
}

// InITipTransaction reports whether the current operation originates from an
// inbound scheduling message. Outbound builders produce nothing while set.
func (s *Session) InITipTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inITip
}

// EnterITipTransaction sets the anti-loop flag and returns a function that
// restores the previous state.
func (s *Session) EnterITipTransaction() (leave func()) {
	s.mu.Lock()
	prev := s.inITip
	s.inITip = true
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.inITip = prev
		s.mu.Unlock()
	}
}

// AddWarning records a non-fatal problem.
func (s *Session) AddWarning(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, err)
}

// Warnings returns the recorded warnings in order.
func (s *Session) Warnings() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.warnings...)
}
