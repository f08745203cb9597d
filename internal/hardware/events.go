package hardware

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType 事件类型
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventStateChanged EventType = "state_changed"
	EventBillAccepted EventType = "bill_accepted"
	EventLog          EventType = "log"
	EventError        EventType = "error"
)

// Event 纸币器事件
type Event struct {
	ID      string    `json:"id"`
	Type    EventType `json:"type"`
	Port    string    `json:"port,omitempty"`
	State   string    `json:"state,omitempty"`
	Amount  int       `json:"amount,omitempty"`
	Message string    `json:"message,omitempty"`
	Label   string    `json:"label,omitempty"`
	Code    int       `json:"code,omitempty"` // 可重试错误的错误码
	Time    time.Time `json:"time"`
}

// NewEvent 创建事件并分配ID
func NewEvent(t EventType, port string) Event {
	return Event{
		ID:   uuid.NewString(),
		Type: t,
		Port: port,
		Time: time.Now(),
	}
}

// EventBus 事件总线：每个订阅者按发布顺序收到全部事件，发布方不会被慢订阅者阻塞
type EventBus struct {
	mu     sync.Mutex
	subs   map[int]*subscription
	nextID int
	closed bool
}

type subscription struct {
	mu     sync.Mutex
	queue  []Event
	closed bool
	signal chan struct{}
	done   chan struct{}
	out    chan Event
	once   sync.Once
}

// NewEventBus 创建事件总线
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]*subscription)}
}

// Subscribe 订阅事件，返回只读通道和取消函数
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	sub := &subscription{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan Event),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.out)
		return sub.out, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	go sub.pump()

	return sub.out, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.once.Do(func() { close(sub.done) })
	}
}

// Publish 发布事件
func (b *EventBus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		sub.push(ev)
	}
}

// Close 关闭总线，订阅者收完已排队事件后通道关闭
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.finish()
		delete(b.subs, id)
	}
}

func (s *subscription) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.notify()
}

func (s *subscription) finish() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.notify()
}

func (s *subscription) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
