package console

import (
	"context"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/patient-console/internal/changefeed"
	"github.com/jwalitptl/patient-console/internal/directory"
	"github.com/jwalitptl/patient-console/internal/patientapi"
	"github.com/jwalitptl/patient-console/internal/patientform"
	"github.com/jwalitptl/patient-console/internal/toast"
	"github.com/jwalitptl/patient-console/pkg/metrics"
)

type Config struct {
	TTL                time.Duration
	CleanupInterval    time.Duration
	PageSize           int
	ToastDuration      time.Duration
	ToastErrorDuration time.Duration
}

// Manager is the session registry. Idle sessions expire after TTL.
type Manager struct {
	client  *patientapi.Client
	feed    *changefeed.Feed
	metrics *metrics.Metrics
	logger  zerolog.Logger
	cfg     Config

	sessions *gocache.Cache
}

type ManagerOption func(*Manager)

func WithChangeFeed(feed *changefeed.Feed) ManagerOption {
	return func(m *Manager) { m.feed = feed }
}

func WithMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

func WithLogger(l zerolog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

func NewManager(client *patientapi.Client, cfg Config, opts ...ManagerOption) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}

	m := &Manager{
		client: client,
		logger: log.Logger,
		cfg:    cfg,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.sessions = gocache.New(cfg.TTL, cfg.CleanupInterval)
	m.sessions.OnEvicted(func(id string, v interface{}) {
		if s, ok := v.(*Session); ok {
			s.Close()
			m.metrics.SessionClosed()
			m.logger.Info().Str("session_id", id).Msg("Console session ended")
		}
	})
	return m
}

// Create opens a session and loads the first page. A failed first load
// leaves the session usable with an empty directory.
func (m *Manager) Create(ctx context.Context) *Session {
	id := uuid.New().String()
	logger := m.logger.With().Str("session_id", id).Logger()

	surface := toast.NewSurface(toast.WithDurations(m.cfg.ToastDuration, m.cfg.ToastErrorDuration))
	client := m.client.WithNotifier(surface)

	opts := []directory.Option{
		directory.WithPageSize(m.cfg.PageSize),
		directory.WithLogger(logger),
		directory.WithFormOptions(patientform.WithLogger(logger)),
	}
	if m.feed != nil {
		opts = append(opts, directory.WithPublisher(m.feed, id))
	}

	s := &Session{
		ID:        id,
		CreatedAt: time.Now(),
		Directory: directory.New(client, opts...),
		Toast:     surface,
		logger:    logger,
		done:      make(chan struct{}),
	}

	if m.feed != nil {
		s.onClose(m.feed.Subscribe(func(evt changefeed.Event) {
			if evt.Origin != id {
				s.Directory.MarkStale()
			}
		}))
	}

	m.sessions.SetDefault(id, s)
	m.metrics.SessionOpened()
	logger.Info().Msg("Console session started")

	_ = s.Directory.Refresh(ctx)
	return s
}

// Get returns a live session and extends its lifetime.
func (m *Manager) Get(id string) (*Session, bool) {
	v, ok := m.sessions.Get(id)
	if !ok {
		return nil, false
	}
	s := v.(*Session)
	m.sessions.SetDefault(id, s)
	return s, true
}

// Delete ends a session.
func (m *Manager) Delete(id string) {
	m.sessions.Delete(id)
}

func (m *Manager) Count() int {
	return m.sessions.ItemCount()
}

// Close ends every session.
func (m *Manager) Close() {
	for id := range m.sessions.Items() {
		m.sessions.Delete(id)
	}
}
