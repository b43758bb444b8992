package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rookery-ai/rookery/internal/testutil"
)

func TestBrokerEmitDeliversToSubscribers(t *testing.T) {
	b := NewBroker(nil, testutil.TestLogger())
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)
	require.Equal(t, 1, b.SubscriberCount())

	b.Emit("queue:task:added", map[string]any{"task_id": "t1"})

	select {
	case msg := <-ch:
		s := string(msg)
		assert.Contains(t, s, "event: queue:task:added\n")
		assert.Contains(t, s, `"task_id":"t1"`)
		assert.True(t, len(s) >= 4 && s[len(s)-2:] == "\n\n", "SSE messages end with a blank line")
	default:
		t.Fatal("subscriber received nothing")
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker(nil, testutil.TestLogger())
	ch := b.Subscribe()
	b.Unsubscribe(ch)

	assert.Equal(t, 0, b.SubscriberCount())
	_, open := <-ch
	assert.False(t, open)
}

func TestBrokerDropsEventsForSlowSubscriber(t *testing.T) {
	b := NewBroker(nil, testutil.TestLogger())
	slow := b.Subscribe()
	defer b.Unsubscribe(slow)

	// Overflow the buffer; the broadcast must not block.
	for i := 0; i < 100; i++ {
		b.Emit("queue:task:added", map[string]any{"n": i})
	}

	received := 0
	for {
		select {
		case <-slow:
			received++
			continue
		default:
		}
		break
	}
	assert.Equal(t, 64, received, "events beyond the buffer are dropped")
}

func TestBrokerEmitUnmarshalablePayload(t *testing.T) {
	b := NewBroker(nil, testutil.TestLogger())
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Emit("bad", make(chan int))
	select {
	case <-ch:
		t.Fatal("unmarshalable payloads must be dropped")
	default:
	}
}

func TestFormatSSE(t *testing.T) {
	got := formatSSE("tasks", `{"id":1}`)
	assert.Equal(t, "event: tasks\ndata: {\"id\":1}\n\n", string(got))
}
