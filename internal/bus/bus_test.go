package bus_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rookery-ai/rookery/internal/bus"
)

func TestSendDeliversToAddress(t *testing.T) {
	b := bus.New()

	var got []bus.Message
	b.Subscribe("worker-1", func(msg bus.Message) {
		got = append(got, msg)
	})

	sent := b.Send("coordinator", "worker-1", "task:assign", map[string]string{"task": "t1"})
	b.Send("coordinator", "worker-2", "task:assign", nil)

	require.Len(t, got, 1)
	assert.Equal(t, sent.ID, got[0].ID)
	assert.Equal(t, "coordinator", got[0].From)
	assert.Equal(t, "worker-1", got[0].To)
	assert.Equal(t, "task:assign", got[0].Type)
}

func TestRecipientObservesSendOrder(t *testing.T) {
	b := bus.New()

	var order []uint64
	b.Subscribe("worker-1", func(msg bus.Message) {
		order = append(order, msg.ID)
	})

	for i := 0; i < 10; i++ {
		b.Send("coordinator", "worker-1", "tick", i)
	}

	require.Len(t, order, 10)
	for i := 1; i < len(order); i++ {
		assert.Greater(t, order[i], order[i-1], "message IDs must be strictly increasing")
	}
}

func TestBroadcastReachesEveryone(t *testing.T) {
	b := bus.New()

	var mu sync.Mutex
	counts := map[string]int{}
	record := func(name string) bus.Handler {
		return func(bus.Message) {
			mu.Lock()
			counts[name]++
			mu.Unlock()
		}
	}
	b.Subscribe("worker-1", record("worker-1"))
	b.Subscribe("worker-2", record("worker-2"))
	b.SubscribeAll(record("observer"))

	msg := b.Broadcast("coordinator", "shutdown", nil)
	assert.Empty(t, msg.To)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, counts["worker-1"])
	assert.Equal(t, 1, counts["worker-2"])
	assert.Equal(t, 1, counts["observer"])
}

func TestSubscribeAllSeesDirectMessages(t *testing.T) {
	b := bus.New()

	var seen int
	b.SubscribeAll(func(bus.Message) { seen++ })

	b.Send("a", "b", "x", nil)
	b.Send("a", "c", "y", nil)
	assert.Equal(t, 2, seen)
}

func TestPanicIsolation(t *testing.T) {
	b := bus.New()

	var hookAddr string
	var hookErr error
	b.OnError(func(addr string, _ bus.Message, err error) {
		hookAddr = addr
		hookErr = err
	})

	b.Subscribe("worker-1", func(bus.Message) {
		panic(errors.New("handler exploded"))
	})
	delivered := false
	b.Subscribe("worker-1", func(bus.Message) { delivered = true })

	b.Send("coordinator", "worker-1", "task:assign", nil)

	assert.True(t, delivered, "second handler must still receive the message")
	assert.Equal(t, "worker-1", hookAddr)
	require.Error(t, hookErr)
	assert.Contains(t, hookErr.Error(), "handler exploded")
}

func TestUnsubscribeClosure(t *testing.T) {
	b := bus.New()

	var first, second int
	unsub := b.Subscribe("worker-1", func(bus.Message) { first++ })
	b.Subscribe("worker-1", func(bus.Message) { second++ })

	b.Send("x", "worker-1", "t", nil)
	unsub()
	b.Send("x", "worker-1", "t", nil)

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
	assert.Equal(t, 1, b.SubscriberCount())
}

func TestUnsubscribeAddress(t *testing.T) {
	b := bus.New()
	b.Subscribe("worker-1", func(bus.Message) {})
	b.Subscribe("worker-1", func(bus.Message) {})
	b.Unsubscribe("worker-1")
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestMessageCountAndClear(t *testing.T) {
	b := bus.New()
	b.Subscribe("a", func(bus.Message) {})

	b.Send("x", "a", "t", nil)
	b.Broadcast("x", "t", nil)
	assert.Equal(t, uint64(2), b.MessageCount())

	b.Clear()
	assert.Equal(t, uint64(0), b.MessageCount())
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestConcurrentSendAndSubscribe(t *testing.T) {
	b := bus.New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unsub := b.Subscribe("shared", func(bus.Message) {})
			unsub()
		}()
		go func() {
			defer wg.Done()
			b.Send("x", "shared", "t", nil)
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(50), b.MessageCount())
}
