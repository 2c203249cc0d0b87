package events

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultListenerTimeout bounds how long Publish waits on a single listener.
const DefaultListenerTimeout = 5 * time.Second

var (
	ErrUnknownKind = errors.New("unknown event kind")
	ErrNoArgument  = errors.New("argument index out of range")
)

// Listener receives events of the kind it subscribed to.
type Listener func(Event)

// Subscription identifies a registered listener.
type Subscription struct {
	ID   uuid.UUID
	Kind Kind
}

type subscriber struct {
	id       uuid.UUID
	listener Listener
}

// Bus is a synchronous publish/subscribe channel. Listeners of a kind run in
// registration order. A listener that does not return within the timeout is
// left running on its own and Publish moves on to the next one.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Kind][]subscriber
	timeout time.Duration
	logger  *zap.Logger
}

// NewBus creates an event bus. timeout <= 0 selects DefaultListenerTimeout.
func NewBus(timeout time.Duration, logger *zap.Logger) *Bus {
	if timeout <= 0 {
		timeout = DefaultListenerTimeout
	}
	return &Bus{
		subs:    make(map[Kind][]subscriber),
		timeout: timeout,
		logger:  logger.Named("events"),
	}
}

// Subscribe registers listener for kind.
func (b *Bus) Subscribe(kind Kind, listener Listener) (Subscription, error) {
	if !kind.Valid() {
		return Subscription{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	sub := subscriber{id: uuid.New(), listener: listener}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[kind] = append(b.subs[kind], sub)
	return Subscription{ID: sub.id, Kind: kind}, nil
}

// Unsubscribe removes a listener. Unknown subscriptions are ignored.
func (b *Bus) Unsubscribe(s Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[s.Kind]
	for i, sub := range subs {
		if sub.id == s.ID {
			b.subs[s.Kind] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Count returns the number of listeners for kind.
func (b *Bus) Count(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}

// Publish delivers ev to every listener of ev.Kind and returns once each has
// returned or timed out. Events with no listeners are dropped.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := b.subs[ev.Kind]
	b.mu.RUnlock()

	for _, sub := range subs {
		b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub subscriber, ev Event) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("Event listener panicked",
					zap.String("kind", string(ev.Kind)),
					zap.String("session_id", ev.SessionID),
					zap.Any("panic", r))
			}
		}()
		sub.listener(ev)
	}()

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		b.logger.Warn("Event listener timed out",
			zap.String("kind", string(ev.Kind)),
			zap.String("session_id", ev.SessionID),
			zap.Duration("timeout", b.timeout))
	}
}
