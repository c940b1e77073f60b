package worker

import (
	"sync"

	"cryptoworker/internal/metrics"
	"cryptoworker/internal/models"
	"cryptoworker/logger"
)

const defaultSubscriberBuffer = 1024

// Bus fans outbound events out to subscribers. Emit never blocks: a
// subscriber whose buffer is full misses the event and a drop is counted.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan models.Event
	nextID int
	buffer int
	log    *logger.Log
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Bus{subs: make(map[int]chan models.Event), buffer: buffer, log: logger.GetLogger()}
}

// Subscribe registers a consumer. The returned func unsubscribes and closes
// the channel.
func (b *Bus) Subscribe() (<-chan models.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan models.Event, b.buffer)
	b.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Emit implements models.Emitter. Ticker batches are views of a reused
// slab, so they are copied once before crossing goroutines.
func (b *Bus) Emit(e models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.subs) == 0 {
		return
	}
	if tickers, ok := e.Data.([]models.Ticker); ok {
		e.Data = append([]models.Ticker(nil), tickers...)
	}
	logger.RecordChannelMessage("events_"+string(e.Type), e.Count)
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			metrics.EmitDropMetric(b.log, metrics.DropMetricEvent, e.ExchangeID, "", string(e.Type))
		}
	}
}

// Close unsubscribes everyone.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
