// Package bus implements the in-process publish/subscribe message bus that
// connects Nevil's nodes.
//
// Topics are created lazily on first use. Each subscription owns a bounded
// queue (a buffered channel); Publish fans a message out to every
// subscriber queue without blocking. A full queue costs that one subscriber
// its delivery — slow consumers are punished by drops, never by stalling
// the producer. There is no persistence and no cross-publisher ordering;
// delivery is FIFO per (publisher, subscriber) pair.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nevil-robotics/nevil/internal/observe"
)

// DefaultQueueDepth is the bounded queue capacity allocated per
// subscription unless the subscriber asks for a different depth.
const DefaultQueueDepth = 100

// ErrAlreadySubscribed is returned by Subscribe when the (node, topic) pair
// is already registered.
var ErrAlreadySubscribed = fmt.Errorf("bus: already subscribed")

// subscription ties a node's bounded queue to a topic.
type subscription struct {
	node  string
	queue chan Message
}

// Stats is a point-in-time snapshot of bus activity.
type Stats struct {
	// Published is the total number of accepted Publish calls.
	Published uint64

	// Delivered is the total number of successful per-subscriber deliveries.
	Delivered uint64

	// Dropped is the total number of deliveries lost to full queues.
	Dropped uint64

	// Subscribers maps topic name to current subscriber count.
	Subscribers map[string]int

	// Uptime is the time elapsed since the bus was created.
	Uptime time.Duration
}

// Bus is the topic registry and fan-out engine. All methods are safe for
// concurrent use.
type Bus struct {
	metrics *observe.Metrics

	mu        sync.Mutex
	topics    map[string][]subscription
	published uint64
	delivered uint64
	dropped   uint64
	started   time.Time
}

// Option is a functional option for configuring a Bus.
type Option func(*Bus)

// WithMetrics wires OTel instruments into the bus. Without this option the
// bus only keeps its internal counters.
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// New creates an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		topics:  make(map[string][]subscription),
		started: time.Now(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// CreateTopic registers a topic name. Idempotent; topics are also created
// implicitly by Subscribe and Publish.
func (b *Bus) CreateTopic(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[name]; !ok {
		b.topics[name] = nil
	}
}

// Subscribe registers queue under topic for the named node. The queue is
// owned by the bus for delivery purposes; the subscriber holds the read
// end. Returns [ErrAlreadySubscribed] if the (node, topic) pair is already
// registered.
func (b *Bus) Subscribe(node, topic string, queue chan Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.topics[topic] {
		if sub.node == node {
			return fmt.Errorf("%w: node %q topic %q", ErrAlreadySubscribed, node, topic)
		}
	}
	b.topics[topic] = append(b.topics[topic], subscription{node: node, queue: queue})
	return nil
}

// Unsubscribe removes the (node, topic) subscription. Removing an absent
// subscription is a no-op.
func (b *Bus) Unsubscribe(node, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[topic]
	for i, sub := range subs {
		if sub.node == node {
			b.topics[topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish fans msg out to every subscriber queue for msg.Topic. It never
// blocks: a full queue drops that one delivery (counted and logged), other
// deliveries proceed. Publishing to a topic with zero subscribers succeeds.
func (b *Bus) Publish(msg Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.published++
	if b.metrics != nil {
		b.metrics.BusPublished.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("topic", msg.Topic)))
	}

	for _, sub := range b.topics[msg.Topic] {
		select {
		case sub.queue <- msg:
			b.delivered++
		default:
			b.dropped++
			if b.metrics != nil {
				b.metrics.BusDropped.Add(context.Background(), 1,
					metric.WithAttributes(attribute.String("topic", msg.Topic)))
			}
			slog.Warn("bus: subscriber queue full, dropping delivery",
				"topic", msg.Topic,
				"subscriber", sub.node,
				"source", msg.Source,
			)
		}
	}
	return true
}

// Stats returns a snapshot of bus counters and per-topic subscriber counts.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := make(map[string]int, len(b.topics))
	for topic, list := range b.topics {
		subs[topic] = len(list)
	}
	return Stats{
		Published:   b.published,
		Delivered:   b.delivered,
		Dropped:     b.dropped,
		Subscribers: subs,
		Uptime:      time.Since(b.started),
	}
}
