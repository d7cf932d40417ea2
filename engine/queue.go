package engine

import (
	"github.com/loov/hrtime"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gocompute/clrun/command"
	"github.com/gocompute/clrun/hal"
	"github.com/gocompute/clrun/memobj"
)

// Queue is one worker: a hardware queue, its command list and the event
// chain state of the submission being built. Worker queues run their own
// goroutine; the per-group recording queue is driven synchronously.
type Queue struct {
	dev   *Device
	group *QueueGroup
	index int

	hwq  hal.CmdQueue
	list hal.CmdList

	// Event chain of the submission under construction: every appended
	// operation waits on previous and signals current; the closing barrier
	// waits on the last current; every used event is reset in-list and
	// recycled after the submission completes.
	current  *borrowedEvent
	previous *borrowedEvent
	used     []*borrowedEvent

	// hostSync coalesces the device-to-host write-back obligations of
	// use-existing-storage buffers touched by write-class commands. One
	// flush per submission, after the closing barrier.
	hostSync map[hal.Ptr][]byte

	// resident collects allocations that must be resident for this
	// submission, flushed right before execute.
	resident map[hal.Ptr]uint64

	// fixups is host-side completion work (pitched read scatter, deferred
	// frees) run after the hardware synchronize.
	fixups []fixup
}

type fixup struct {
	cmd *command.Command
	fn  func() error
}

func newQueue(dev *Device, group *QueueGroup, index int) (*Queue, error) {
	hwq, err := dev.hw.NewQueue(group.class, index)
	if err != nil {
		return nil, errors.WithMessage(err, "creating hardware queue")
	}
	list, err := dev.hw.NewList(group.class)
	if err != nil {
		_ = hwq.Destroy()
		return nil, errors.WithMessage(err, "creating command list")
	}
	return &Queue{
		dev:      dev,
		group:    group,
		index:    index,
		hwq:      hwq,
		list:     list,
		hostSync: make(map[hal.Ptr][]byte),
		resident: make(map[hal.Ptr]uint64),
	}, nil
}

func (q *Queue) destroy() {
	_ = q.list.Destroy()
	_ = q.hwq.Destroy()
}

// runThread serves the group's work queue until shutdown.
func (q *Queue) runThread() {
	defer q.group.wg.Done()
	klog.V(2).Infof("%s queue %d worker up", q.group.class, q.index)
	for {
		cmd, batch, stop := q.group.getWorkOrWait()
		if cmd != nil {
			q.executeSingle(cmd)
			continue
		}
		if batch != nil {
			q.executeBatch(batch)
			continue
		}
		if stop {
			break
		}
	}
	klog.V(2).Infof("%s queue %d worker down", q.group.class, q.index)
}

func (q *Queue) executeSingle(cmd *command.Command) {
	if exec, ok := cmd.Op.(command.CommandBufferExec); ok {
		q.executeCommandBuffer(cmd, exec)
		return
	}
	q.executeCommands([]*command.Command{cmd})
}

func (q *Queue) executeBatch(b *command.Batch) {
	q.executeCommands(b.Commands)
}

// executeCommands runs one submission cycle: translate every command into
// list appends, close the chain, execute, synchronize, run host fixups,
// recycle events and report completion. A translation failure stops the
// appends: commands before the failure still execute and complete, the
// failing command reports its error, and every later command of the batch
// fails explicitly.
func (q *Queue) executeCommands(cmds []*command.Command) {
	prepStart := hrtime.Now()
	if err := q.list.Reset(); err != nil {
		klog.Fatalf("%s queue %d: command list reset failed: %+v", q.group.class, q.index, err)
	}

	failedAt := -1
	var failErr error
	for i, cmd := range cmds {
		cmd.Event.Running()
		if err := q.appendCommand(cmd); err != nil {
			failedAt = i
			failErr = err
			klog.Errorf("%s queue %d: %s translation failed: %+v", q.group.class, q.index, cmd.Op.Kind(), err)
			break
		}
	}

	q.closeList()
	prep := hrtime.Since(prepStart)

	execStart := hrtime.Now()
	q.flushResidency()
	if err := q.hwq.Execute(q.list); err != nil {
		klog.Fatalf("%s queue %d: hardware execute failed: %+v", q.group.class, q.index, err)
	}
	if err := q.hwq.Synchronize(q.dev.opts.SyncTimeout); err != nil {
		klog.Fatalf("%s queue %d: hardware synchronize failed: %+v", q.group.class, q.index, err)
	}
	exec := hrtime.Since(execStart)

	failedFixups := q.runFixups()
	q.recycleEvents()

	for i, cmd := range cmds {
		tag := cmd.Op.Kind().String()
		switch {
		case failedAt >= 0 && i == failedAt:
			cmd.Event.Fail(tag, failErr)
		case failedAt >= 0 && i > failedAt:
			cmd.Event.Fail(tag, errors.Errorf("not executed: command %d of the batch failed", failedAt))
		case failedFixups[cmd] != nil:
			cmd.Event.Fail(tag, failedFixups[cmd])
		default:
			cmd.Event.Complete(tag)
		}
	}
	klog.V(3).Infof("%s queue %d: %d command(s), prepare %v, execute %v",
		q.group.class, q.index, len(cmds), prep, exec)
}

// executeCommandBuffer replays a recorded command buffer. Replays of the
// same buffer are serialized by its lock regardless of the device's
// simultaneous-use capability.
func (q *Queue) executeCommandBuffer(cmd *command.Command, exec command.CommandBufferExec) {
	tag := cmd.Op.Kind().String()
	cb, ok := exec.Buffer.(*CommandBuffer)
	if !ok || cb == nil {
		cmd.Event.Fail(tag, errors.Errorf("not a recorded command buffer: %T", exec.Buffer))
		return
	}
	cmd.Event.Running()
	if err := cb.replay(q.hwq, q.dev.opts.SyncTimeout); err != nil {
		cmd.Event.Fail(tag, err)
		return
	}
	cmd.Event.Complete(tag)
}

// nextEvent advances the chain: previous takes the current event, current
// borrows a fresh one. Returns (signal, wait) for the next append.
func (q *Queue) nextEvent() (hal.Event, hal.Event, error) {
	b, err := q.dev.getEvent()
	if err != nil {
		return nil, nil, err
	}
	q.previous = q.current
	q.current = b
	q.used = append(q.used, b)
	if q.previous == nil {
		return b.ev, nil, nil
	}
	return b.ev, q.previous.ev, nil
}

// waitEvent returns the event the next append should wait on without
// advancing the chain.
func (q *Queue) waitEvent() hal.Event {
	if q.previous == nil {
		return nil
	}
	return q.previous.ev
}

// closeList seals the submission: a barrier waiting on the last chained
// event, the coalesced host write-backs, the in-list resets of every used
// event, then the hardware close.
func (q *Queue) closeList() {
	if q.current != nil {
		if err := q.list.AppendBarrier(nil, []hal.Event{q.current.ev}); err != nil {
			klog.Fatalf("closing barrier append failed: %+v", err)
		}
	}
	for ptr, host := range q.hostSync {
		if err := q.list.AppendCopyToHost(host, ptr, nil, nil); err != nil {
			klog.Fatalf("host write-back append failed: %+v", err)
		}
		delete(q.hostSync, ptr)
	}
	for _, b := range q.used {
		if err := q.list.AppendEventReset(b.ev); err != nil {
			klog.Fatalf("event reset append failed: %+v", err)
		}
	}
	if err := q.list.Close(); err != nil {
		klog.Fatalf("command list close failed: %+v", err)
	}
}

func (q *Queue) flushResidency() {
	for ptr, size := range q.resident {
		if err := q.dev.hw.MakeResident(ptr, size); err != nil {
			klog.Fatalf("make-resident of %d bytes failed: %+v", size, err)
		}
		delete(q.resident, ptr)
	}
}

func (q *Queue) runFixups() map[*command.Command]error {
	var failed map[*command.Command]error
	for _, f := range q.fixups {
		if err := f.fn(); err != nil {
			if failed == nil {
				failed = make(map[*command.Command]error)
			}
			if failed[f.cmd] == nil {
				failed[f.cmd] = err
			}
		}
	}
	q.fixups = nil
	return failed
}

func (q *Queue) addFixup(cmd *command.Command, fn func() error) {
	q.fixups = append(q.fixups, fixup{cmd: cmd, fn: fn})
}

func (q *Queue) recycleEvents() {
	for _, b := range q.used {
		b.pool.putEvent(b.ev)
	}
	q.used = q.used[:0]
	q.current, q.previous = nil, nil
}

// markResident requests residency of a whole allocation range.
func (q *Queue) markResident(p hal.Ptr, size uint64) {
	if q.resident[p.Base()] < p.Offset()+size {
		q.resident[p.Base()] = p.Offset() + size
	}
}

// markHostSync schedules the buffer's host storage refresh after this
// submission. Aliased (host-unified) identifiers need none: device writes
// already land in the caller's storage.
func (q *Queue) markHostSync(b *memobj.Buffer, id *memobj.Ident) {
	host := b.Host()
	if host == nil || id.HostUnified {
		return
	}
	if uint64(len(q.hostSync[id.Ptr])) < b.Size() {
		q.hostSync[id.Ptr] = host[:b.Size()]
	}
}
