// Package eventbus fans robot program events out to in-process listeners.
//
// Publish never blocks: the control loop and the safety sweep publish from
// their hot paths, so a slow subscriber loses events instead of stalling
// them. Dropped events are counted.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

type Type string

const (
	ModeEntered    Type = "robot.mode_entered"
	LoopOverrun    Type = "loop.overrun"
	SafetyStop     Type = "safety.stop"
	ConfigReloaded Type = "config.reloaded"
)

type Event struct {
	Type    Type
	Time    time.Time
	Source  string
	Message string
}

type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  uint64

	published atomic.Uint64
	dropped   atomic.Uint64

	timeNow func() time.Time
}

func New() *Bus {
	return &Bus{subs: map[uint64]chan Event{}, timeNow: time.Now}
}

// Publish delivers e to every subscriber with room in its buffer.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = b.timeNow()
	}
	b.published.Add(1)

	// Unsubscribe closes under the write lock, so sends under the read lock
	// never hit a closed channel.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a buffered channel of events and a func that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Stats returns how many events were published and how many deliveries were
// dropped because a subscriber was full.
func (b *Bus) Stats() (published, dropped uint64) {
	return b.published.Load(), b.dropped.Load()
}
