package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gocompute/clrun/command"
	"github.com/gocompute/clrun/hal"
)

var cmdBufferIDs atomic.Uint64

// CommandBuffer is a pre-recorded submission: a closed hardware list plus
// the events and residency set it needs. Recording happens once, on the
// group's dedicated recording queue; replays execute the same list on any
// worker queue. Replays of one buffer are serialized by its lock; the
// device's simultaneous-use capability only advertises whether the
// hardware would tolerate more.
type CommandBuffer struct {
	id  uint64
	dev *Device

	mu        sync.Mutex
	list      hal.CmdList
	events    []*borrowedEvent
	resident  map[hal.Ptr]uint64
	destroyed bool
}

var _ command.Replayable = (*CommandBuffer)(nil)

// NewCommandBuffer records ops into a replayable buffer. Operations whose
// translation needs host-side completion work (pitched image reads,
// deferred frees) are not recordable; neither is a nested command buffer
// execution.
func (d *Device) NewCommandBuffer(ops []command.Op) (*CommandBuffer, error) {
	if len(ops) == 0 {
		return nil, errors.New("recording of empty command buffer")
	}
	g := d.universal
	g.recMu.Lock()
	defer g.recMu.Unlock()

	g.mu.Lock()
	rq := g.recording
	g.mu.Unlock()
	if rq == nil {
		return nil, errors.New("recording on destroyed queue group")
	}

	fresh, err := d.hw.NewList(g.class)
	if err != nil {
		return nil, errors.WithMessage(err, "creating recording list")
	}
	saved := rq.list
	rq.list = fresh

	abort := func() {
		for _, b := range rq.used {
			b.pool.putEvent(b.ev)
		}
		rq.used = nil
		rq.current, rq.previous = nil, nil
		rq.fixups = nil
		for p := range rq.hostSync {
			delete(rq.hostSync, p)
		}
		for p := range rq.resident {
			delete(rq.resident, p)
		}
		_ = fresh.Destroy()
		rq.list = saved
	}

	for _, op := range ops {
		if op.Kind() == command.KindCommandBufferExec {
			abort()
			return nil, errors.New("command buffers cannot nest")
		}
		if err := rq.appendCommand(command.New(op)); err != nil {
			abort()
			return nil, errors.WithMessagef(err, "recording %s", op.Kind())
		}
		if len(rq.fixups) > 0 {
			abort()
			return nil, errors.Errorf("%s needs host-side completion work and cannot be recorded", op.Kind())
		}
	}
	rq.closeList()

	cb := &CommandBuffer{
		id:       cmdBufferIDs.Add(1),
		dev:      d,
		list:     rq.list,
		events:   rq.used,
		resident: make(map[hal.Ptr]uint64, len(rq.resident)),
	}
	for p, size := range rq.resident {
		cb.resident[p] = size
		delete(rq.resident, p)
	}
	rq.used = nil
	rq.current, rq.previous = nil, nil
	rq.list = saved

	klog.V(2).Infof("device %d: command buffer %d recorded (%d ops, %d events)",
		d.id, cb.id, len(ops), len(cb.events))
	return cb, nil
}

// ReplayID implements command.Replayable.
func (cb *CommandBuffer) ReplayID() uint64 { return cb.id }

// Exec wraps the buffer in a submittable command.
func (cb *CommandBuffer) Exec() *command.Command {
	return command.New(command.CommandBufferExec{Buffer: cb})
}

// replay executes the recorded list on a worker's hardware queue. The
// recorded residency set is applied first; the in-list event resets leave
// the chain ready for the next replay.
func (cb *CommandBuffer) replay(hwq hal.CmdQueue, timeout time.Duration) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.destroyed {
		return errors.Errorf("replay of destroyed command buffer %d", cb.id)
	}
	for p, size := range cb.resident {
		if err := cb.dev.hw.MakeResident(p, size); err != nil {
			klog.Fatalf("command buffer %d: make-resident failed: %+v", cb.id, err)
		}
	}
	if err := hwq.Execute(cb.list); err != nil {
		klog.Fatalf("command buffer %d: hardware execute failed: %+v", cb.id, err)
	}
	if err := hwq.Synchronize(timeout); err != nil {
		klog.Fatalf("command buffer %d: hardware synchronize failed: %+v", cb.id, err)
	}
	return nil
}

// Destroy returns the buffer's events to their pools and releases the
// recorded list. Idempotent.
func (cb *CommandBuffer) Destroy() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.destroyed {
		return nil
	}
	cb.destroyed = true
	for _, b := range cb.events {
		b.pool.putEvent(b.ev)
	}
	cb.events = nil
	return cb.list.Destroy()
}
