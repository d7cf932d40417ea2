package engine

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gocompute/clrun/command"
	"github.com/gocompute/clrun/hal"
)

// GroupState is a queue group's lifecycle state.
type GroupState int

const (
	GroupUninitialized GroupState = iota
	GroupAvailable
	GroupShuttingDown
	GroupDestroyed
)

func (s GroupState) String() string {
	switch s {
	case GroupUninitialized:
		return "uninitialized"
	case GroupAvailable:
		return "available"
	case GroupShuttingDown:
		return "shutting down"
	case GroupDestroyed:
		return "destroyed"
	}
	return "unknown"
}

// QueueGroup owns the worker queues of one hardware queue class plus a
// dedicated non-threaded queue used for command-buffer recording. Work is
// a two-level FIFO: single commands are always served before batches.
type QueueGroup struct {
	dev   *Device
	class hal.QueueClass

	mu      sync.Mutex
	cond    *sync.Cond
	state   GroupState
	singles []*command.Command
	batches []*command.Batch

	queues    []*Queue
	recording *Queue
	recMu     sync.Mutex
	wg        sync.WaitGroup
}

func newQueueGroup(dev *Device, class hal.QueueClass, numQueues int) (*QueueGroup, error) {
	g := &QueueGroup{dev: dev, class: class}
	g.cond = sync.NewCond(&g.mu)
	if err := g.init(numQueues); err != nil {
		return nil, err
	}
	return g, nil
}

// init moves the group to Available: N threaded worker queues plus the
// recording queue.
func (g *QueueGroup) init(numQueues int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != GroupUninitialized {
		return errors.Errorf("queue group %s: init in state %s", g.class, g.state)
	}
	if numQueues < 1 {
		numQueues = 1
	}
	for i := 0; i < numQueues; i++ {
		q, err := newQueue(g.dev, g, i)
		if err != nil {
			g.teardownLocked()
			return errors.WithMessagef(err, "creating %s queue %d", g.class, i)
		}
		g.queues = append(g.queues, q)
	}
	rec, err := newQueue(g.dev, g, numQueues)
	if err != nil {
		g.teardownLocked()
		return errors.WithMessagef(err, "creating %s recording queue", g.class)
	}
	g.recording = rec
	g.state = GroupAvailable
	for _, q := range g.queues {
		g.wg.Add(1)
		go q.runThread()
	}
	klog.V(2).Infof("queue group %s available with %d queues", g.class, numQueues)
	return nil
}

// pushCommand enqueues a single command.
func (g *QueueGroup) pushCommand(cmd *command.Command) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != GroupAvailable {
		return errors.Errorf("queue group %s: push in state %s", g.class, g.state)
	}
	g.singles = append(g.singles, cmd)
	g.cond.Signal()
	return nil
}

// pushBatch enqueues a command batch.
func (g *QueueGroup) pushBatch(b *command.Batch) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != GroupAvailable {
		return errors.Errorf("queue group %s: push in state %s", g.class, g.state)
	}
	g.batches = append(g.batches, b)
	g.cond.Signal()
	return nil
}

// getWorkOrWait blocks until work arrives or shutdown starts. Single
// commands take priority over batches; batches are served only when no
// single command is pending. During shutdown remaining work is still
// drained before stop is reported.
func (g *QueueGroup) getWorkOrWait() (cmd *command.Command, batch *command.Batch, stop bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for {
		if len(g.singles) > 0 {
			cmd = g.singles[0]
			g.singles = g.singles[1:]
			return cmd, nil, false
		}
		if len(g.batches) > 0 {
			batch = g.batches[0]
			g.batches = g.batches[1:]
			return nil, batch, false
		}
		if g.state != GroupAvailable {
			return nil, nil, true
		}
		g.cond.Wait()
	}
}

// uninit drains pending work, joins the workers and destroys the queues.
// Idempotent; later calls return immediately.
func (g *QueueGroup) uninit() {
	g.mu.Lock()
	switch g.state {
	case GroupDestroyed, GroupUninitialized:
		g.mu.Unlock()
		return
	case GroupAvailable:
		g.state = GroupShuttingDown
		g.cond.Broadcast()
	}
	g.mu.Unlock()

	g.wg.Wait()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == GroupDestroyed {
		return
	}
	g.teardownLocked()
	g.state = GroupDestroyed
	klog.V(2).Infof("queue group %s destroyed", g.class)
}

func (g *QueueGroup) teardownLocked() {
	for _, q := range g.queues {
		q.destroy()
	}
	g.queues = nil
	if g.recording != nil {
		g.recording.destroy()
		g.recording = nil
	}
}
