package sse

import (
	"log"
	"sync"
)

// EventPublisher 事件发布接口。同步引擎各处只依赖这个接口，
// 桥接到前端的传输方式（SSE、IPC）在实现里决定。
type EventPublisher interface {
	Emit(event *Event)
}

const subscriberBuffer = 64

// Publisher 内存事件总线，把事件扇出给所有订阅者。
// 订阅者消费过慢时丢弃事件而不阻塞同步路径。
type Publisher struct {
	mutex       sync.RWMutex
	subscribers map[string]chan *Event
	closed      bool
}

// NewPublisher 创建事件总线
func NewPublisher() *Publisher {
	return &Publisher{
		subscribers: make(map[string]chan *Event),
	}
}

// Emit 发布事件
func (p *Publisher) Emit(event *Event) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	if p.closed {
		return
	}
	for id, ch := range p.subscribers {
		select {
		case ch <- event:
		default:
			log.Printf("SSE subscriber %s is lagging, dropping event %s", id, event.Type)
		}
	}
}

// Subscribe 注册订阅者，返回事件通道和取消函数
func (p *Publisher) Subscribe(id string) (<-chan *Event, func()) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	ch := make(chan *Event, subscriberBuffer)
	p.subscribers[id] = ch

	cancel := func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()
		if existing, ok := p.subscribers[id]; ok && existing == ch {
			delete(p.subscribers, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Close 关闭总线，所有订阅通道一并关闭
func (p *Publisher) Close() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for id, ch := range p.subscribers {
		delete(p.subscribers, id)
		close(ch)
	}
}

// NoopPublisher 丢弃所有事件
type NoopPublisher struct{}

// Emit 实现EventPublisher
func (NoopPublisher) Emit(event *Event) {}

// RecordingPublisher 记录所有事件，测试用
type RecordingPublisher struct {
	mutex  sync.Mutex
	events []*Event
}

// NewRecordingPublisher 创建记录型发布器
func NewRecordingPublisher() *RecordingPublisher {
	return &RecordingPublisher{}
}

// Emit 实现EventPublisher
func (r *RecordingPublisher) Emit(event *Event) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.events = append(r.events, event)
}

// Events 返回已记录事件的快照
func (r *RecordingPublisher) Events() []*Event {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	out := make([]*Event, len(r.events))
	copy(out, r.events)
	return out
}

// EventsOfType 按类型过滤已记录事件
func (r *RecordingPublisher) EventsOfType(eventType EventType) []*Event {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	var out []*Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Reset 清空已记录事件
func (r *RecordingPublisher) Reset() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.events = nil
}
