package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"stratus/internal/types"
)

func newTestBus() *Bus {
	return New(Options{
		PollInterval: 10 * time.Millisecond,
		DrainTimeout: 2 * time.Second,
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := newTestBus()
	b.Start()
	defer b.Stop()

	var mu sync.Mutex
	var got []types.Message
	b.Subscribe("weather.updates", func(msg types.Message) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})

	msg := types.NewMessage("sensor-1", "device", types.MessageStatusReport, map[string]any{"temp": 21.5})
	b.Publish("weather.updates", msg)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0].ID != msg.ID {
		t.Errorf("delivered message ID = %s, want %s", got[0].ID, msg.ID)
	}
	if got[0].Content["temp"] != 21.5 {
		t.Errorf("content temp = %v, want 21.5", got[0].Content["temp"])
	}
}

func TestPerTopicFIFOOrdering(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := newTestBus()
	b.Start()
	defer b.Stop()

	const n = 200
	var mu sync.Mutex
	var order []int
	b.Subscribe("ordered", func(msg types.Message) {
		mu.Lock()
		order = append(order, msg.Content["seq"].(int))
		mu.Unlock()
	})

	for i := 0; i < n; i++ {
		b.Publish("ordered", types.NewMessage("p", "test", types.MessageStatusReport, map[string]any{"seq": i}))
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == n
	})

	mu.Lock()
	defer mu.Unlock()
	for i, seq := range order {
		if seq != i {
			t.Fatalf("order[%d] = %d, want %d", i, seq, i)
		}
	}
}

func TestSubscribersInvokedInSubscriptionOrder(t *testing.T) {
	b := newTestBus()
	b.Start()
	defer b.Stop()

	var mu sync.Mutex
	var calls []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		b.Subscribe("t", func(types.Message) {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
		})
	}

	b.Publish("t", types.NewMessage("p", "test", types.MessageStatusReport, nil))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "second", "third"}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("calls[%d] = %s, want %s", i, calls[i], want[i])
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus()
	b.Start()
	defer b.Stop()

	var mu sync.Mutex
	count := 0
	sub := b.Subscribe("t", func(types.Message) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	b.Publish("t", types.NewMessage("p", "test", types.MessageStatusReport, nil))
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})

	b.Unsubscribe(sub)
	b.Publish("t", types.NewMessage("p", "test", types.MessageStatusReport, nil))

	// Give the loop a chance to (incorrectly) deliver.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("count after unsubscribe = %d, want 1", count)
	}
}

func TestUnsubscribeIsIdempotentAndZeroValueSafe(t *testing.T) {
	b := newTestBus()
	sub := b.Subscribe("t", func(types.Message) {})
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	b.Unsubscribe(Subscription{})
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	b := newTestBus()
	b.Start()
	defer b.Stop()

	var mu sync.Mutex
	delivered := 0
	b.Subscribe("t", func(types.Message) {
		panic("subscriber boom")
	})
	b.Subscribe("t", func(types.Message) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	b.Publish("t", types.NewMessage("p", "test", types.MessageStatusReport, nil))
	b.Publish("t", types.NewMessage("p", "test", types.MessageStatusReport, nil))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 2
	})
}

func TestPublishWithoutSubscribersIsDropped(t *testing.T) {
	b := newTestBus()
	b.Start()
	defer b.Stop()

	b.Publish("nobody.home", types.NewMessage("p", "test", types.MessageStatusReport, nil))

	waitFor(t, time.Second, func() bool { return b.QueueLen() == 0 })
}

func TestStartIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := newTestBus()
	b.Start()
	b.Start()
	b.Stop()
	b.Stop()
}

func TestStopDrainsQueue(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := newTestBus()

	var mu sync.Mutex
	count := 0
	b.Subscribe("t", func(types.Message) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	b.Start()
	const n = 50
	for i := 0; i < n; i++ {
		b.Publish("t", types.NewMessage("p", "test", types.MessageStatusReport, nil))
	}
	b.Stop()

	mu.Lock()
	defer mu.Unlock()
	if count != n {
		t.Errorf("delivered %d messages before shutdown, want %d", count, n)
	}
}

func TestRestartAfterDrainTimeoutKeepsSingleConsumer(t *testing.T) {
	defer goleak.VerifyNone(t)

	// Drain timeout far shorter than the subscriber, so Stop returns
	// while the old loop is still delivering.
	b := New(Options{
		PollInterval: 5 * time.Millisecond,
		DrainTimeout: time.Millisecond,
	})

	var inFlight, delivered atomic.Int32
	var overlapped atomic.Bool
	var mu sync.Mutex
	var order []int
	b.Subscribe("t", func(msg types.Message) {
		if inFlight.Add(1) > 1 {
			overlapped.Store(true)
		}
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		order = append(order, msg.Content["seq"].(int))
		mu.Unlock()
		inFlight.Add(-1)
		delivered.Add(1)
	})

	b.Start()
	for i := 0; i < 5; i++ {
		b.Publish("t", types.NewMessage("p", "test", types.MessageStatusReport, map[string]any{"seq": i}))
	}
	b.Stop() // times out, the old loop keeps draining

	b.Start() // must wait for the straggler before consuming
	for i := 5; i < 10; i++ {
		b.Publish("t", types.NewMessage("p", "test", types.MessageStatusReport, map[string]any{"seq": i}))
	}

	waitFor(t, 5*time.Second, func() bool { return delivered.Load() == 10 })
	b.Stop()

	if overlapped.Load() {
		t.Error("two dispatch loops delivered concurrently")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, seq := range order {
		if seq != i {
			t.Fatalf("order[%d] = %d, want %d", i, seq, i)
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := newTestBus()
	// Loop not started: the queue just grows.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			b.Publish("t", types.NewMessage("p", "test", types.MessageStatusReport, nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a stopped bus")
	}
	if got := b.QueueLen(); got != 10000 {
		t.Errorf("QueueLen = %d, want 10000", got)
	}
}
