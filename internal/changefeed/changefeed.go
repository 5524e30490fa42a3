// Package changefeed tells every console session when a patient was saved or
// deleted elsewhere, so open directories can offer a refresh.
package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/patient-console/pkg/messaging"
	"github.com/jwalitptl/patient-console/pkg/metrics"
)

type EventType string

const (
	PatientSaved   EventType = "patient.saved"
	PatientDeleted EventType = "patient.deleted"
)

const DefaultChannel = "patient-console.changes"

type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	PatientID string    `json:"patientId,omitempty"`
	// Origin is the session that made the change.
	Origin    string    `json:"origin,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher is what mutating components need.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

type Feed struct {
	broker  messaging.MessageBroker
	channel string
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Event)
}

type Option func(*Feed)

func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Feed) { f.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(f *Feed) { f.logger = l }
}

func New(broker messaging.MessageBroker, channel string, opts ...Option) *Feed {
	if channel == "" {
		channel = DefaultChannel
	}
	f := &Feed{
		broker:  broker,
		channel: channel,
		logger:  log.Logger,
		subs:    make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Start consumes the channel until ctx is done.
func (f *Feed) Start(ctx context.Context) error {
	if err := f.broker.Subscribe(ctx, f.channel, f.dispatch); err != nil {
		return fmt.Errorf("subscribe to change feed: %w", err)
	}
	return nil
}

// Publish stamps evt with an id and time when missing and broadcasts it.
func (f *Feed) Publish(ctx context.Context, evt Event) error {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	if err := f.broker.Publish(ctx, f.channel, payload); err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	f.metrics.RecordChange("out", string(evt.Type))
	return nil
}

// Subscribe registers fn for every received event. The returned func removes it.
func (f *Feed) Subscribe(fn func(Event)) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = fn
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}
}

func (f *Feed) dispatch(raw []byte) error {
	var evt Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return fmt.Errorf("decode change event: %w", err)
	}
	f.metrics.RecordChange("in", string(evt.Type))
	f.logger.Debug().Str("type", string(evt.Type)).Str("patient_id", evt.PatientID).Msg("Change event received")

	f.mu.RLock()
	listeners := make([]func(Event), 0, len(f.subs))
	for _, fn := range f.subs {
		listeners = append(listeners, fn)
	}
	f.mu.RUnlock()

	for _, fn := range listeners {
		fn(evt)
	}
	return nil
}

// Close releases the broker.
func (f *Feed) Close() error {
	return f.broker.Close()
}
