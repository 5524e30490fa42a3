// Package toast is the notification surface shared by everything running in
// one console session. The last Show wins and replaces any pending auto-hide.
package toast

import (
	"sync"
	"time"

	"github.com/jwalitptl/patient-console/pkg/state"
)

type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
	SeverityInfo    Severity = "info"
)

const (
	DefaultDuration = 4 * time.Second
	ErrorDuration   = 6 * time.Second
)

// Toast is the visible notification.
type Toast struct {
	Message  string   `json:"message,omitempty"`
	Severity Severity `json:"severity"`
	Visible  bool     `json:"visible"`
}

// Notifier is the part of the surface the transport uses to raise failures.
type Notifier interface {
	ShowError(message string)
}

// Surface holds the current toast and its auto-hide timer.
type Surface struct {
	store *state.Store[Toast]

	mu    sync.Mutex
	timer *time.Timer
	// seq identifies the show that owns the timer so a stale timer never hides a newer toast.
	seq uint64

	defaultDuration time.Duration
	errorDuration   time.Duration
}

type Option func(*Surface)

// WithDurations overrides the auto-hide delays.
func WithDurations(def, errDur time.Duration) Option {
	return func(s *Surface) {
		if def > 0 {
			s.defaultDuration = def
		}
		if errDur > 0 {
			s.errorDuration = errDur
		}
	}
}

func NewSurface(opts ...Option) *Surface {
	s := &Surface{
		store:           state.New(Toast{Severity: SeverityInfo}),
		defaultDuration: DefaultDuration,
		errorDuration:   ErrorDuration,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Show displays message and schedules it to hide after d. A non-positive d
// uses the default duration.
func (s *Surface) Show(message string, severity Severity, d time.Duration) {
	if d <= 0 {
		d = s.defaultDuration
	}

	s.mu.Lock()
	s.seq++
	seq := s.seq
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d, func() { s.expire(seq) })
	s.mu.Unlock()

	s.store.Set(Toast{Message: message, Severity: severity, Visible: true})
}

func (s *Surface) ShowSuccess(message string) { s.Show(message, SeveritySuccess, s.defaultDuration) }
func (s *Surface) ShowInfo(message string)    { s.Show(message, SeverityInfo, s.defaultDuration) }
func (s *Surface) ShowError(message string)   { s.Show(message, SeverityError, s.errorDuration) }

// Hide clears the toast immediately.
func (s *Surface) Hide() {
	s.mu.Lock()
	s.seq++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	s.hide()
}

func (s *Surface) expire(seq uint64) {
	s.mu.Lock()
	if seq != s.seq {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()

	s.hide()
}

func (s *Surface) hide() {
	s.store.Update(func(t *Toast) bool {
		if !t.Visible && t.Message == "" {
			return false
		}
		t.Visible = false
		t.Message = ""
		return true
	})
}

// Current returns the toast as it is displayed right now.
func (s *Surface) Current() Toast {
	return s.store.Get()
}

// Subscribe registers fn for toast changes.
func (s *Surface) Subscribe(fn func(Toast)) func() {
	return s.store.Subscribe(fn)
}

// Stop cancels any pending timer. Used when the owning session goes away.
func (s *Surface) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
