package engine

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/gocompute/clrun/hal"
)

// EventPool is a fixed-capacity pool of device events. Exhaustion is not
// an error at this level: getEvent returns nil and the device grows a new
// pool.
type EventPool struct {
	pool hal.EventPool

	mu   sync.Mutex
	free []hal.Event
}

func newEventPool(hw hal.Device, capacity int) (*EventPool, error) {
	pool, err := hw.NewEventPool(capacity)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating event pool of %d", capacity)
	}
	p := &EventPool{pool: pool, free: make([]hal.Event, 0, capacity)}
	for i := 0; i < capacity; i++ {
		p.free = append(p.free, pool.Event(i))
	}
	return p, nil
}

// getEvent borrows an event, nil when the pool is exhausted.
func (p *EventPool) getEvent() hal.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil
	}
	e := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return e
}

// putEvent returns a borrowed event. The caller must have reset it (the
// queues append in-list resets before recycling).
func (p *EventPool) putEvent(e hal.Event) {
	p.mu.Lock()
	p.free = append(p.free, e)
	p.mu.Unlock()
}

func (p *EventPool) destroy() error {
	p.mu.Lock()
	p.free = nil
	p.mu.Unlock()
	return p.pool.Destroy()
}

// borrowedEvent ties a borrowed device event to its owning pool so queues
// can recycle it after the submission that used it completes.
type borrowedEvent struct {
	ev   hal.Event
	pool *EventPool
}
