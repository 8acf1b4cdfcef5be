// Package bus implements the in-process publish/subscribe broker that
// couples stratus agents. Topics are strings, subscribers are callbacks,
// and a single background goroutine drains an unbounded FIFO so that
// messages published to the same topic are always dispatched in publish
// order. Delivery is fire-and-forget: at most once per subscriber, no
// acknowledgement, no retry on subscriber failure.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"stratus/internal/logging"
	"stratus/internal/metrics"
	"stratus/internal/types"
)

// Handler is a subscriber callback. It is invoked synchronously from the
// dispatch loop and must treat the message as read-only.
type Handler func(msg types.Message)

// Subscription is an opaque handle returned by Subscribe and accepted by
// Unsubscribe. The zero value is inert.
type Subscription struct {
	topic string
	id    uint64
}

// subscriber entries are never removed from a topic's list, only
// tombstoned, so the dispatch loop can iterate a snapshot without
// holding the bus lock across callback invocations.
type subscriber struct {
	id   uint64
	fn   Handler
	dead atomic.Bool
}

type envelope struct {
	topic string
	msg   types.Message
}

// Options tunes bus timing. Zero values fall back to defaults.
type Options struct {
	// PollInterval bounds how long the dispatch loop sleeps on an empty
	// queue before re-checking the shutdown flag. Default 1s.
	PollInterval time.Duration

	// DrainTimeout bounds how long Stop waits for the loop to drain.
	// Default 5s.
	DrainTimeout time.Duration

	// Collector receives bus metrics; may be nil.
	Collector *metrics.Collector
}

// Bus is the broker. The zero value is not usable; construct with New.
type Bus struct {
	mu     sync.Mutex
	topics map[string][]*subscriber
	nextID uint64
	queue  []envelope

	// wake is a 1-buffered signal channel: Publish nudges the loop
	// without ever blocking the producer.
	wake chan struct{}

	pollInterval time.Duration
	drainTimeout time.Duration
	collector    *metrics.Collector

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a stopped bus.
func New(opts Options) *Bus {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 5 * time.Second
	}
	return &Bus{
		topics:       make(map[string][]*subscriber),
		wake:         make(chan struct{}, 1),
		pollInterval: opts.PollInterval,
		drainTimeout: opts.DrainTimeout,
		collector:    opts.Collector,
	}
}

// Start launches the dispatch loop. Idempotent if already running. A
// restart after a Stop whose drain timed out blocks until the previous
// loop has actually exited: there is never more than one consumer.
func (b *Bus) Start() {
	if !b.running.CompareAndSwap(false, true) {
		return
	}
	if b.doneCh != nil {
		<-b.doneCh
	}
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	b.collector.SetBusLoopAlive(true)
	logging.Bus("dispatch loop starting (poll=%v)", b.pollInterval)
	go b.loop()
}

// Stop signals the dispatch loop to exit and blocks up to DrainTimeout
// for it to drain the queue, then returns regardless of drain success.
// Delivery is best-effort, not guaranteed.
func (b *Bus) Stop() {
	if !b.running.CompareAndSwap(true, false) {
		return
	}
	close(b.stopCh)
	select {
	case <-b.doneCh:
		logging.Bus("dispatch loop drained and stopped")
	case <-time.After(b.drainTimeout):
		logging.BusWarn("dispatch loop did not drain within %v, abandoning", b.drainTimeout)
	}
	b.collector.SetBusLoopAlive(false)
}

// Subscribe registers a callback for a topic and returns a handle usable
// for removal. Subscribers on a topic are invoked in subscription order.
func (b *Bus) Subscribe(topic string, fn Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscriber{id: b.nextID, fn: fn}
	b.topics[topic] = append(b.topics[topic], sub)
	logging.BusDebug("subscribed %d to topic %s", sub.id, topic)
	return Subscription{topic: topic, id: sub.id}
}

// Unsubscribe marks the callback inert. The subscriber list is never
// compacted, so a dispatch iteration already in flight stays safe; the
// tombstoned entry is simply skipped from now on.
func (b *Bus) Unsubscribe(sub Subscription) {
	if sub.id == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.topics[sub.topic] {
		if s.id == sub.id {
			s.dead.Store(true)
			logging.BusDebug("unsubscribed %d from topic %s", sub.id, sub.topic)
			return
		}
	}
}

// Publish enqueues the message and returns immediately. Fire-and-forget:
// there is no acknowledgement and no retry on subscriber failure.
func (b *Bus) Publish(topic string, msg types.Message) {
	b.mu.Lock()
	b.queue = append(b.queue, envelope{topic: topic, msg: msg})
	depth := len(b.queue)
	b.mu.Unlock()

	b.collector.MessagePublished(topic)
	b.collector.SetBusQueueDepth(depth)

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// QueueLen reports the number of undispatched messages.
func (b *Bus) QueueLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// loop is the single consumer of the global queue. One consumer gives
// global FIFO across all topics and therefore per-topic FIFO.
func (b *Bus) loop() {
	defer close(b.doneCh)
	for {
		select {
		case <-b.stopCh:
			b.drain()
			return
		default:
		}

		env, ok := b.next()
		if !ok {
			select {
			case <-b.stopCh:
				b.drain()
				return
			case <-b.wake:
			case <-time.After(b.pollInterval):
			}
			continue
		}
		b.dispatch(env)
	}
}

// drain delivers whatever is queued at shutdown, best-effort.
func (b *Bus) drain() {
	for {
		env, ok := b.next()
		if !ok {
			return
		}
		b.dispatch(env)
	}
}

func (b *Bus) next() (envelope, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return envelope{}, false
	}
	env := b.queue[0]
	b.queue = b.queue[1:]
	b.collector.SetBusQueueDepth(len(b.queue))
	return env, true
}

// dispatch invokes every non-tombstoned subscriber on the topic, in
// subscription order. The subscriber slice is only ever appended to, so
// the snapshot taken under the lock stays valid while callbacks run.
func (b *Bus) dispatch(env envelope) {
	b.mu.Lock()
	subs := b.topics[env.topic]
	b.mu.Unlock()

	if len(subs) == 0 {
		logging.BusDebug("no subscribers for topic %s, dropping message %s", env.topic, env.msg.ID)
		return
	}
	for _, s := range subs {
		if s.dead.Load() {
			continue
		}
		b.invoke(s, env)
	}
}

// invoke runs one callback behind a recover boundary. A panicking
// subscriber is logged and must not stop delivery to the remaining
// subscribers or crash the loop.
func (b *Bus) invoke(s *subscriber, env envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.collector.HandlerPanic()
			logging.BusError("subscriber %d panicked on topic %s: %v", s.id, env.topic, r)
		}
	}()
	s.fn(env.msg)
	b.collector.MessageDispatched(env.topic)
}
