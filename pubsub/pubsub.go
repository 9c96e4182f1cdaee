// Package pubsub carries session, channel and poll status updates from the
// core to UI consumers over buffered in-process streams. Entity data never
// travels here; consumers read it from the store.
package pubsub

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Channel names one status stream on the bus.
type Channel string

// Payload is one published status update. Type distinguishes payload kinds
// for consumers and metrics labels.
type Payload interface {
	Type() string
}

// Notifier publishes payloads. Publishers hold a Notifier rather than the
// Bus so metrics wrapping stays invisible to them.
type Notifier interface {
	Notify(ch Channel, p Payload) error
	Close() error
}

// notifyTimeout bounds how long a publisher waits on a full stream. A
// stalled consumer must not wedge the live channel or a poll loop.
const notifyTimeout = 5 * time.Second

// Bus is the in-process implementation: one buffered Go channel per stream,
// created lazily on first use from either side.
type Bus struct {
	mu         sync.Mutex
	streams    map[Channel]chan Payload
	closed     bool
	bufferSize int
}

func NewBus(bufferSize int) *Bus {
	return &Bus{
		streams:    make(map[Channel]chan Payload),
		bufferSize: bufferSize,
	}
}

func (b *Bus) stream(ch Channel) (chan Payload, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("pubsub: bus is closed")
	}
	s := b.streams[ch]
	if s == nil {
		s = make(chan Payload, b.bufferSize)
		b.streams[ch] = s
	}
	return s, nil
}

func (b *Bus) Notify(ch Channel, p Payload) error {
	s, err := b.stream(ch)
	if err != nil {
		return err
	}
	select {
	case s <- p:
		return nil
	case <-time.After(notifyTimeout):
		return fmt.Errorf("pubsub: notify %s with payload %s timed out", ch, p.Type())
	}
}

// Listen invokes fn for every payload on the stream, in publish order.
// Blocks until the bus is closed.
func (b *Bus) Listen(ch Channel, fn func(p Payload)) error {
	s, err := b.stream(ch)
	if err != nil {
		return err
	}
	for p := range s {
		fn(p)
	}
	return nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, s := range b.streams {
		close(s)
	}
	return nil
}

// PromNotifier wraps a Notifier and counts published payloads by type.
type PromNotifier struct {
	Notifier
	msgCounter *prometheus.CounterVec
}

func (p *PromNotifier) Notify(ch Channel, payload Payload) error {
	p.msgCounter.WithLabelValues(payload.Type()).Inc()
	return p.Notifier.Notify(ch, payload)
}

func (p *PromNotifier) Close() error {
	prometheus.Unregister(p.msgCounter)
	return p.Notifier.Close()
}

func NewPromNotifier(n Notifier, subsystem string) Notifier {
	p := &PromNotifier{
		Notifier: n,
		msgCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsync",
			Subsystem: subsystem,
			Name:      "num_payloads",
			Help:      "Number of payloads published",
		}, []string{"payload_type"}),
	}
	prometheus.MustRegister(p.msgCounter)
	return p
}
