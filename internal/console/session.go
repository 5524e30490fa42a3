// Package console keeps one server-side session per browser tab. A session
// owns the patient directory, its dialog and the toast surface; the browser
// only renders snapshots and forwards intents.
package console

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jwalitptl/patient-console/internal/directory"
	"github.com/jwalitptl/patient-console/internal/patientform"
	"github.com/jwalitptl/patient-console/internal/toast"
)

// DirectorySnapshot adds the empty-state row to the directory view.
type DirectorySnapshot struct {
	directory.View
	Empty        bool   `json:"empty"`
	EmptyMessage string `json:"emptyMessage,omitempty"`
}

type Snapshot struct {
	SessionID string            `json:"sessionId"`
	Directory DirectorySnapshot `json:"directory"`
	Form      patientform.View  `json:"form"`
	Toast     toast.Toast       `json:"toast"`
}

type Session struct {
	ID        string
	CreatedAt time.Time

	Directory *directory.Directory
	Toast     *toast.Surface

	logger zerolog.Logger

	mu      sync.Mutex
	closed  bool
	done    chan struct{}
	cleanup []func()
}

// Form is the session's add/edit dialog.
func (s *Session) Form() *patientform.Form {
	return s.Directory.Form()
}

func (s *Session) Snapshot() Snapshot {
	dv := s.Directory.View()
	return Snapshot{
		SessionID: s.ID,
		Directory: DirectorySnapshot{
			View:         dv,
			Empty:        dv.Empty(),
			EmptyMessage: dv.EmptyMessage(),
		},
		Form:  s.Form().View(),
		Toast: s.Toast.Current(),
	}
}

// Watch streams snapshots after every change. Slow readers only see the
// latest snapshot. Call stop to unsubscribe.
func (s *Session) Watch() (updates <-chan Snapshot, stop func()) {
	ch := make(chan Snapshot, 1)
	var mu sync.Mutex
	push := func() {
		mu.Lock()
		defer mu.Unlock()
		snap := s.Snapshot()
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}

	unsubs := []func(){
		s.Directory.Subscribe(func(directory.View) { push() }),
		s.Form().Subscribe(func(patientform.View) { push() }),
		s.Toast.Subscribe(func(toast.Toast) { push() }),
	}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			for _, u := range unsubs {
				u()
			}
		})
	}
}

func (s *Session) onClose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanup = append(s.cleanup, fn)
}

// Close releases the session. In-flight calls finish but their results are
// dropped.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	cleanup := s.cleanup
	s.cleanup = nil
	s.mu.Unlock()

	for _, fn := range cleanup {
		fn()
	}
	s.Form().Close()
	s.Toast.Stop()
	s.logger.Debug().Msg("Console session closed")
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
