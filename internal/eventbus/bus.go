package eventbus

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one broadcast, activity or channel notification. Data is one of
// the *Event payloads in events.go and is forwarded to AMQP as JSON.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Bus fans events out to named subscribers without ever blocking the
// publisher. A subscriber whose buffer is full misses the event and the
// miss is counted against its name.
type Bus interface {
	Publish(e Event)
	Subscribe(name string, buffer int) (ch <-chan Event, unsubscribe func())
	Stats() Stats
}

// Stats is reported on the ops /status page.
type Stats struct {
	Published   uint64            `json:"published"`
	Subscribers []SubscriberStats `json:"subscribers,omitempty"`
}

type SubscriberStats struct {
	Name      string `json:"name"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

const defaultBuffer = 8

func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	name      string
	ch        chan Event
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

type memBus struct {
	mu        sync.RWMutex
	subs      map[uint64]*subscriber
	seq       atomic.Uint64
	published atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.published.Add(1)

	// Hold the read lock while sending so unsubscribe cannot close a channel
	// mid-send. Sends never block, so writers wait at most one fan-out.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
			s.delivered.Add(1)
		default:
			s.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(name string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &subscriber{name: name, ch: make(chan Event, buffer)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Stats() Stats {
	st := Stats{Published: b.published.Load()}
	b.mu.RLock()
	for _, s := range b.subs {
		st.Subscribers = append(st.Subscribers, SubscriberStats{
			Name:      s.name,
			Delivered: s.delivered.Load(),
			Dropped:   s.dropped.Load(),
		})
	}
	b.mu.RUnlock()
	sort.Slice(st.Subscribers, func(i, j int) bool { return st.Subscribers[i].Name < st.Subscribers[j].Name })
	return st
}

// Publish stamps and sends an event on b. A nil bus drops it, so services
// built without events need no guard.
func Publish(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}
