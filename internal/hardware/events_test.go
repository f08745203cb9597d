package hardware

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEventBusOrder 每个订阅者按发布顺序收到全部事件
func TestEventBusOrder(t *testing.T) {
	bus := NewEventBus()
	a, cancelA := bus.Subscribe()
	defer cancelA()
	b, cancelB := bus.Subscribe()
	defer cancelB()

	const n = 500
	for i := 0; i < n; i++ {
		ev := NewEvent(EventBillAccepted, "sim")
		ev.Amount = i
		bus.Publish(ev)
	}

	for _, ch := range []<-chan Event{a, b} {
		for i := 0; i < n; i++ {
			select {
			case ev := <-ch:
				require.Equal(t, i, ev.Amount)
			case <-time.After(time.Second):
				t.Fatalf("missing event %d", i)
			}
		}
	}
}

// TestEventBusSlowSubscriber 慢订阅者不阻塞发布方
func TestEventBusSlowSubscriber(t *testing.T) {
	bus := NewEventBus()
	_, cancel := bus.Subscribe() // 从不读取
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish(NewEvent(EventLog, ""))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked by slow subscriber")
	}
}

// TestEventBusUnsubscribe 取消订阅后通道关闭
func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	ch, cancel := bus.Subscribe()
	cancel()
	cancel()

	bus.Publish(NewEvent(EventLog, ""))

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

// TestEventBusClose 关闭总线时已排队事件仍被送达
func TestEventBusClose(t *testing.T) {
	bus := NewEventBus()
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(NewEvent(EventConnected, "sim"))
	bus.Publish(NewEvent(EventDisconnected, "sim"))
	bus.Close()
	bus.Close()
	bus.Publish(NewEvent(EventLog, "sim"))

	var got []EventType
	for ev := range ch {
		got = append(got, ev.Type)
	}
	assert.Equal(t, []EventType{EventConnected, EventDisconnected}, got)

	// 关闭后订阅得到已关闭的通道
	late, _ := bus.Subscribe()
	_, ok := <-late
	assert.False(t, ok)
}

// TestEventBusConcurrentPublish 并发发布不丢事件
func TestEventBusConcurrentPublish(t *testing.T) {
	bus := NewEventBus()
	ch, cancel := bus.Subscribe()
	defer cancel()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				bus.Publish(NewEvent(EventLog, ""))
			}
		}()
	}
	wg.Wait()

	got := drainEvents(ch, 50*time.Millisecond)
	assert.Len(t, got, 400)
}

func TestNewEvent(t *testing.T) {
	a := NewEvent(EventError, "/dev/ttyUSB0")
	b := NewEvent(EventError, "/dev/ttyUSB0")
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, EventError, a.Type)
	assert.Equal(t, "/dev/ttyUSB0", a.Port)
	assert.False(t, a.Time.IsZero())
}
