package events

import (
	"sync"
	"time"
)

// Bus is a thread-safe in-process event bus keyed by task ID. Publishing
// never blocks on subscribers: each subscription runs its own pump over the
// shared log, so a slow consumer lags but still sees every event in order.
type Bus struct {
	mu     sync.Mutex
	tasks  map[string]*taskLog
	nextID int
}

// maxHist caps retained events per task. Replay before the trim point
// resumes at the oldest retained event; sequence numbers stay dense.
const maxHist = 1000

// A task's log is retained (up to maxHist entries) for the life of the
// task so replay is gap-free. base is the sequence number of the oldest
// retained event. Drop releases the log once the task is cleaned up.
type taskLog struct {
	base   int
	events []Event
	closed bool
	subs   map[int]*Subscription
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{tasks: make(map[string]*taskLog)}
}

// Publish appends an event to the task's log and wakes subscribers. The
// assigned sequence number is returned. Events published after CloseTask
// are dropped and return -1.
func (b *Bus) Publish(taskID string, typ Type, data map[string]any) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	tl := b.tasks[taskID]
	if tl == nil {
		tl = &taskLog{subs: make(map[int]*Subscription)}
		b.tasks[taskID] = tl
	}
	if tl.closed {
		return -1
	}

	ev := Event{
		TaskID:    taskID,
		Seq:       tl.base + len(tl.events),
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	tl.events = append(tl.events, ev)
	if drop := len(tl.events) - maxHist; drop > 0 {
		tl.events = tl.events[drop:]
		tl.base += drop
	}
	for _, s := range tl.subs {
		s.notify()
	}
	return ev.Seq
}

// Subscribe attaches to a task's stream starting at fromSeq. Events
// [fromSeq, head) are replayed first, then live events follow. The channel
// closes when the task's stream is closed and fully drained, or when the
// subscription itself is closed.
func (b *Bus) Subscribe(taskID string, fromSeq int) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	tl := b.tasks[taskID]
	if tl == nil {
		tl = &taskLog{subs: make(map[int]*Subscription)}
		b.tasks[taskID] = tl
	}
	if fromSeq < 0 {
		fromSeq = 0
	}

	b.nextID++
	s := &Subscription{
		bus:    b,
		taskID: taskID,
		id:     b.nextID,
		cursor: fromSeq,
		out:    make(chan Event, 16),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	s.C = s.out
	if !tl.closed {
		tl.subs[s.id] = s
	}
	go s.pump()
	return s
}

// CloseTask ends the task's stream. Subscribers drain whatever they have
// not yet consumed and then their channels close. Further publishes are
// dropped.
func (b *Bus) CloseTask(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tl := b.tasks[taskID]
	if tl == nil || tl.closed {
		return
	}
	tl.closed = true
	for _, s := range tl.subs {
		s.notify()
	}
}

// Drop forgets a task's log and detaches any remaining subscribers. Call
// after the task itself is deleted.
func (b *Bus) Drop(taskID string) {
	b.mu.Lock()
	tl := b.tasks[taskID]
	delete(b.tasks, taskID)
	b.mu.Unlock()
	if tl == nil {
		return
	}
	for _, s := range tl.subs {
		s.Close()
	}
}

// History returns a copy of the task's retained log from fromSeq.
func (b *Bus) History(taskID string, fromSeq int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	tl := b.tasks[taskID]
	if tl == nil {
		return nil
	}
	idx := fromSeq - tl.base
	if idx < 0 {
		idx = 0
	}
	if idx >= len(tl.events) {
		return nil
	}
	out := make([]Event, len(tl.events)-idx)
	copy(out, tl.events[idx:])
	return out
}

// snapshotFrom returns pending events past cursor and whether the stream
// is closed, atomically.
func (b *Bus) snapshotFrom(taskID string, cursor int) ([]Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tl := b.tasks[taskID]
	if tl == nil {
		return nil, true
	}
	idx := cursor - tl.base
	if idx < 0 {
		idx = 0
	}
	if idx >= len(tl.events) {
		return nil, tl.closed
	}
	out := make([]Event, len(tl.events)-idx)
	copy(out, tl.events[idx:])
	return out, tl.closed
}

func (b *Bus) unsubscribe(taskID string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if tl := b.tasks[taskID]; tl != nil {
		delete(tl.subs, id)
	}
}

// Subscription is one observer's attachment to a task stream.
type Subscription struct {
	// C delivers events in sequence order with no gaps.
	C <-chan Event

	bus    *Bus
	taskID string
	id     int
	cursor int
	out    chan Event
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s.taskID, s.id)
		close(s.done)
	})
}

// notify is a non-blocking wake; the buffered channel latches the signal.
func (s *Subscription) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		pending, closed := s.bus.snapshotFrom(s.taskID, s.cursor)
		for _, ev := range pending {
			select {
			case s.out <- ev:
				s.cursor = ev.Seq + 1
			case <-s.done:
				return
			}
		}
		if closed {
			s.Close()
			return
		}
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}
