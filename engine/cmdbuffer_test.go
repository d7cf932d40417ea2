package engine

import (
	"bytes"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/gocompute/clrun/command"
	"github.com/gocompute/clrun/hal"
	"github.com/gocompute/clrun/hal/softdev"
	"github.com/gocompute/clrun/memobj"
)

func TestCommandBufferReplayIdempotent(t *testing.T) {
	d, _ := newTestDevice(t, Options{}, softdev.Options{})

	buf := must.M1(memobj.NewBuffer(512, 0, nil))
	defer func() { require.NoError(t, d.ReleaseBuffer(buf)) }()

	cb, err := d.NewCommandBuffer([]command.Op{
		command.FillBuffer{Buf: buf, Size: 512, Pattern: []byte{0x77}},
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, cb.Destroy()) }()

	verify := func() {
		got := make([]byte, 512)
		submitAndWait(t, d, command.ReadBuffer{Buf: buf, Size: 512, Dst: got})
		require.Equal(t, bytes.Repeat([]byte{0x77}, 512), got)
	}

	exec := cb.Exec()
	require.NoError(t, d.Submit(exec))
	require.NoError(t, exec.Event.Wait())
	verify()

	// Clobber and replay: the recorded work must produce the same state.
	submitAndWait(t, d, command.FillBuffer{Buf: buf, Size: 512, Pattern: []byte{0x00}})
	exec = cb.Exec()
	require.NoError(t, d.Submit(exec))
	require.NoError(t, exec.Event.Wait())
	verify()
}

func TestCommandBufferConcurrentReplays(t *testing.T) {
	// Replays of one buffer are serialized by its lock; concurrent
	// submissions must all complete.
	d, _ := newTestDevice(t, Options{}, softdev.Options{SimultaneousUse: true})

	buf := must.M1(memobj.NewBuffer(256, 0, nil))
	defer func() { require.NoError(t, d.ReleaseBuffer(buf)) }()

	cb, err := d.NewCommandBuffer([]command.Op{
		command.FillBuffer{Buf: buf, Size: 256, Pattern: []byte{0x42}},
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, cb.Destroy()) }()

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			exec := cb.Exec()
			if err := d.Submit(exec); err != nil {
				return err
			}
			return exec.Event.Wait()
		})
	}
	require.NoError(t, g.Wait())
}

func TestCommandBufferHostWriteBackRecorded(t *testing.T) {
	// The write-back of use-existing-storage buffers is part of the
	// recording: every replay refreshes the caller's storage.
	d, _ := newTestDevice(t, Options{}, softdev.Options{HostUnified: false})

	host := make([]byte, 128)
	buf := must.M1(memobj.NewBuffer(128, memobj.UseExistingStorage, host))
	defer func() { require.NoError(t, d.ReleaseBuffer(buf)) }()

	cb, err := d.NewCommandBuffer([]command.Op{
		command.FillBuffer{Buf: buf, Size: 128, Pattern: []byte{0x99}},
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, cb.Destroy()) }()

	exec := cb.Exec()
	require.NoError(t, d.Submit(exec))
	require.NoError(t, exec.Event.Wait())
	require.Equal(t, bytes.Repeat([]byte{0x99}, 128), host)

	for i := range host {
		host[i] = 0
	}
	exec = cb.Exec()
	require.NoError(t, d.Submit(exec))
	require.NoError(t, exec.Event.Wait())
	require.Equal(t, bytes.Repeat([]byte{0x99}, 128), host)
}

func TestCommandBufferRejectsUnrecordable(t *testing.T) {
	d, _ := newTestDevice(t, Options{}, softdev.Options{})

	_, err := d.NewCommandBuffer(nil)
	require.Error(t, err)

	// Deferred frees need host-side completion work.
	p := must.M1(d.AllocSVMShared(64))
	defer func() { require.NoError(t, d.FreeSVM(p)) }()
	_, err = d.NewCommandBuffer([]command.Op{command.SVMFree{Ptrs: []hal.Ptr{p}}})
	require.ErrorContains(t, err, "cannot be recorded")

	// Nesting is rejected.
	buf := must.M1(memobj.NewBuffer(64, 0, nil))
	defer func() { require.NoError(t, d.ReleaseBuffer(buf)) }()
	cb, err := d.NewCommandBuffer([]command.Op{
		command.FillBuffer{Buf: buf, Size: 64, Pattern: []byte{1}},
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, cb.Destroy()) }()
	_, err = d.NewCommandBuffer([]command.Op{command.CommandBufferExec{Buffer: cb}})
	require.ErrorContains(t, err, "nest")
}

func TestCommandBufferDestroy(t *testing.T) {
	d, _ := newTestDevice(t, Options{}, softdev.Options{})

	buf := must.M1(memobj.NewBuffer(64, 0, nil))
	defer func() { require.NoError(t, d.ReleaseBuffer(buf)) }()
	cb, err := d.NewCommandBuffer([]command.Op{
		command.FillBuffer{Buf: buf, Size: 64, Pattern: []byte{1}},
	})
	require.NoError(t, err)

	require.NoError(t, cb.Destroy())
	require.NoError(t, cb.Destroy())

	// Replaying a destroyed buffer fails the command, not the engine.
	exec := cb.Exec()
	require.NoError(t, d.Submit(exec))
	require.ErrorContains(t, exec.Event.Wait(), "destroyed")
}

func TestCommandBufferRecordingFailureLeavesQueueUsable(t *testing.T) {
	d, _ := newTestDevice(t, Options{}, softdev.Options{})

	buf := must.M1(memobj.NewBuffer(64, 0, nil))
	defer func() { require.NoError(t, d.ReleaseBuffer(buf)) }()

	_, err := d.NewCommandBuffer([]command.Op{
		command.WriteBuffer{Buf: buf, Offset: 1024, Size: 64, Src: make([]byte, 64)},
	})
	require.ErrorContains(t, err, "outside buffer")

	// Recording again and plain submissions still work.
	cb, err := d.NewCommandBuffer([]command.Op{
		command.FillBuffer{Buf: buf, Size: 64, Pattern: []byte{5}},
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, cb.Destroy()) }()
	submitAndWait(t, d, command.Marker{})
}
