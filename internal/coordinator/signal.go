package coordinator

import "sync"

// ErrorSignal is a manual-reset event. Once Set it stays set, and Done
// stays closed, until Reset.
type ErrorSignal struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

// NewErrorSignal creates a signal in the reset state
func NewErrorSignal() *ErrorSignal {
	return &ErrorSignal{ch: make(chan struct{})}
}

// Set raises the signal. Setting a raised signal is a no-op.
func (s *ErrorSignal) Set() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		s.set = true
		close(s.ch)
	}
}

// Reset lowers the signal
func (s *ErrorSignal) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		s.set = false
		s.ch = make(chan struct{})
	}
}

// IsSet reports whether the signal is raised
func (s *ErrorSignal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// Done returns a channel closed while the signal is raised. A channel
// obtained before a Reset is never closed by a later Set.
func (s *ErrorSignal) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}
