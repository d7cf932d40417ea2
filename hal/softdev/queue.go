package softdev

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/gocompute/clrun/hal"
)

// cmdQueue executes submissions on a dedicated worker goroutine, in
// submission order, mirroring the asynchronous execute/synchronize split
// of a hardware queue.
type cmdQueue struct {
	dev  *Device
	subs chan []*cmdList

	mu        sync.Mutex
	cond      *sync.Cond
	pending   int
	err       error // first execution error, surfaced by Synchronize
	destroyed bool

	done chan struct{}
}

var _ hal.CmdQueue = (*cmdQueue)(nil)

func newQueue(d *Device) *cmdQueue {
	q := &cmdQueue{
		dev:  d,
		subs: make(chan []*cmdList, 64),
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.worker()
	return q
}

func (q *cmdQueue) worker() {
	defer close(q.done)
	for lists := range q.subs {
		for _, l := range lists {
			for _, op := range l.ops {
				if err := op(); err != nil {
					q.mu.Lock()
					if q.err == nil {
						q.err = err
					}
					q.mu.Unlock()
					break
				}
			}
		}
		q.mu.Lock()
		q.pending--
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

func (q *cmdQueue) Execute(lists ...hal.CmdList) error {
	batch := make([]*cmdList, 0, len(lists))
	for _, l := range lists {
		cl, ok := l.(*cmdList)
		if !ok {
			return errors.Errorf("softdev: foreign command list type %T", l)
		}
		if !cl.closed {
			return errors.New("softdev: execute of open command list")
		}
		batch = append(batch, cl)
	}
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return errors.New("softdev: execute on destroyed queue")
	}
	q.pending++
	q.mu.Unlock()
	q.subs <- batch
	return nil
}

func (q *cmdQueue) Synchronize(timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		// cond has no timed wait; a timer broadcast wakes the loop so it
		// can observe the deadline.
		t := time.AfterFunc(timeout, func() {
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		})
		defer t.Stop()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.pending > 0 {
		if timeout > 0 && !time.Now().Before(deadline) {
			return errors.Wrapf(hal.ErrTimeout, "queue busy after %v", timeout)
		}
		q.cond.Wait()
	}
	if q.err != nil {
		err := q.err
		q.err = nil
		return errors.WithMessage(err, "softdev: queue execution failed")
	}
	return nil
}

func (q *cmdQueue) Destroy() error {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return nil
	}
	q.destroyed = true
	for q.pending > 0 {
		q.cond.Wait()
	}
	q.mu.Unlock()
	close(q.subs)
	<-q.done
	return nil
}
