// Package memory is an in-process Broker for single-instance deployments
// and tests.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/patient-console/pkg/messaging"
)

var ErrClosed = errors.New("broker is closed")

type MemoryBroker struct {
	logger zerolog.Logger
	buffer int

	mu     sync.RWMutex
	closed bool
	nextID int
	subs   map[string]map[int]chan []byte
}

// NewMemoryBroker creates a broker whose subscribers buffer up to buffer
// messages. A subscriber that falls behind loses messages rather than
// blocking publishers.
func NewMemoryBroker(buffer int, logger *zerolog.Logger) messaging.Broker {
	if buffer <= 0 {
		buffer = 100
	}
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &MemoryBroker{
		logger: l,
		buffer: buffer,
		subs:   make(map[string]map[int]chan []byte),
	}
}

func (b *MemoryBroker) Publish(ctx context.Context, channel string, message interface{}) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for _, ch := range b.subs[channel] {
		select {
		case ch <- payload:
		default:
			b.logger.Warn().Str("channel", channel).Msg("Subscriber is full, dropping message")
		}
	}
	return ctx.Err()
}

func (b *MemoryBroker) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	id := b.nextID
	b.nextID++
	ch := make(chan []byte, b.buffer)
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]chan []byte)
	}
	b.subs[channel][id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[channel][id]; ok {
			delete(b.subs[channel], id)
			close(ch)
		}
	}()

	return ch, nil
}

// Close closes every subscription.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for channel, subs := range b.subs {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(b.subs, channel)
	}
	return nil
}
