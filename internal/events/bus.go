package events

import (
	"log/slog"
	"sync"
	"time"
)

const (
	defaultBufferSize       = 200
	defaultSubscriberBuffer = 50
)

// Event is a single lifecycle notification. Fields that do not apply to a
// given Type are left zero.
type Event struct {
	Timestamp   time.Time         `json:"ts"`
	Type        Type              `json:"type"`
	Message     string            `json:"msg,omitempty"`
	PoolID      string            `json:"pool_id,omitempty"`
	WorkerID    string            `json:"worker_id,omitempty"`
	JobID       int64             `json:"job_id,omitempty"`
	Task        string            `json:"task,omitempty"`
	Attempts    int               `json:"attempts,omitempty"`
	MaxAttempts int               `json:"max_attempts,omitempty"`
	Count       int               `json:"count,omitempty"`
	Duration    time.Duration     `json:"duration_ns,omitempty"`
	At          time.Time         `json:"at,omitempty"`
	Identifiers []string          `json:"identifiers,omitempty"`
	Err         error             `json:"-"`
	Error       string            `json:"error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Emitter is the publishing side of the bus. Components hold an Emitter so
// that a nil or Noop value keeps them working without observers.
type Emitter interface {
	Emit(Event)
}

type Noop struct{}

func (Noop) Emit(Event) {}

// OrNoop returns e, or Noop when e is nil.
func OrNoop(e Emitter) Emitter {
	if e == nil {
		return Noop{}
	}
	if b, ok := e.(*Bus); ok && b == nil {
		return Noop{}
	}
	return e
}

// Handler observes events. Handlers run synchronously on the emitting
// goroutine and must not block.
type Handler func(Event)

// Bus is a typed observer registry with a replay buffer and channel
// subscribers for streaming consumers.
type Bus struct {
	mu        sync.RWMutex
	handlers  map[Type]map[int]Handler
	any       map[int]Handler
	subs      map[int]chan Event
	nextID    int
	buffer    []Event
	bufferCap int
	logger    *slog.Logger
}

func NewBus(bufferSize int, logger *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers:  map[Type]map[int]Handler{},
		any:       map[int]Handler{},
		subs:      map[int]chan Event{},
		bufferCap: bufferSize,
		logger:    logger,
	}
}

// On registers h for events of type t and returns a function removing it.
func (b *Bus) On(t Type, h Handler) func() {
	if b == nil || h == nil {
		return func() {}
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.handlers[t] == nil {
		b.handlers[t] = map[int]Handler{}
	}
	b.handlers[t][id] = h
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.handlers[t], id)
		b.mu.Unlock()
	}
}

// OnAny registers h for every event.
func (b *Bus) OnAny(h Handler) func() {
	if b == nil || h == nil {
		return func() {}
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.any[id] = h
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.any, id)
		b.mu.Unlock()
	}
}

func (b *Bus) Emit(event Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Err != nil && event.Error == "" {
		event.Error = event.Err.Error()
	}

	b.mu.Lock()
	if len(b.buffer) < b.bufferCap {
		b.buffer = append(b.buffer, event)
	} else {
		copy(b.buffer, b.buffer[1:])
		b.buffer[len(b.buffer)-1] = event
	}
	handlers := make([]Handler, 0, len(b.handlers[event.Type])+len(b.any))
	for _, h := range b.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range b.any {
		handlers = append(handlers, h)
	}
	subs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		b.call(h, event)
	}
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (b *Bus) call(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "type", string(event.Type), "panic", r)
		}
	}()
	h(event)
}

// Subscribe returns a buffered channel of future events, a cancel func and a
// snapshot of recently emitted events. Slow subscribers drop events.
func (b *Bus) Subscribe() (<-chan Event, func(), []Event) {
	if b == nil {
		return nil, func() {}, nil
	}
	ch := make(chan Event, defaultSubscriberBuffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	snapshot := append([]Event(nil), b.buffer...)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
	return ch, cancel, snapshot
}
