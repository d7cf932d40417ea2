package engine

// Common initialization and scenario tests for the execution core. All
// tests run on the software backend.

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/gocompute/clrun/command"
	"github.com/gocompute/clrun/hal"
	"github.com/gocompute/clrun/hal/softdev"
	"github.com/gocompute/clrun/kernel"
	"github.com/gocompute/clrun/memobj"
)

func init() {
	klog.InitFlags(nil)
}

// newTestDevice builds an engine device on a fresh software backend.
func newTestDevice(t *testing.T, opts Options, sopts softdev.Options) (*Device, *softdev.Device) {
	t.Helper()
	if sopts.MaxFillPatternSize == 0 {
		sopts.MaxFillPatternSize = 16
	}
	hw := softdev.New(sopts)
	d, err := New(hw, opts)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, d.Close()) })
	return d, hw
}

func submitAndWait(t *testing.T, d *Device, op command.Op) *command.Command {
	t.Helper()
	cmd := command.New(op)
	require.NoError(t, d.Submit(cmd))
	require.NoError(t, cmd.Event.Wait())
	return cmd
}

func TestFillBufferScenario(t *testing.T) {
	d, _ := newTestDevice(t, Options{}, softdev.Options{})

	buf := must.M1(memobj.NewBuffer(4096, 0, nil))
	defer func() { require.NoError(t, d.ReleaseBuffer(buf)) }()

	// Single-byte pattern goes through the native fill.
	submitAndWait(t, d, command.FillBuffer{Buf: buf, Size: 4096, Pattern: []byte{0xAA}})

	got := make([]byte, 4096)
	submitAndWait(t, d, command.ReadBuffer{Buf: buf, Size: 4096, Dst: got})
	require.Equal(t, bytes.Repeat([]byte{0xAA}, 4096), got)
}

func TestFillBufferHelperKernel(t *testing.T) {
	// Native fill limited to 16 bytes; a 32-byte pattern must go through
	// the pattern-sized helper kernel.
	d, _ := newTestDevice(t, Options{}, softdev.Options{MaxFillPatternSize: 16})

	pattern := make([]byte, 32)
	for i := range pattern {
		pattern[i] = byte(i + 1)
	}
	buf := must.M1(memobj.NewBuffer(4096, 0, nil))
	defer func() { require.NoError(t, d.ReleaseBuffer(buf)) }()

	submitAndWait(t, d, command.FillBuffer{Buf: buf, Size: 4096, Pattern: pattern})

	got := make([]byte, 4096)
	submitAndWait(t, d, command.ReadBuffer{Buf: buf, Size: 4096, Dst: got})
	require.Equal(t, bytes.Repeat(pattern, 4096/32), got)
}

func TestFillBufferNoNativePath(t *testing.T) {
	// A device without any native fill handles every pattern through the
	// helpers.
	hw := softdev.New(softdev.Options{})
	d, err := New(hw, Options{})
	require.NoError(t, err)
	defer func() { require.NoError(t, d.Close()) }()
	require.Equal(t, 0, d.Capabilities().NativeFillMaxPattern)

	buf := must.M1(memobj.NewBuffer(1024, 0, nil))
	defer func() { require.NoError(t, d.ReleaseBuffer(buf)) }()
	submitAndWait(t, d, command.FillBuffer{Buf: buf, Size: 1024, Pattern: []byte{1, 2, 3, 4}})

	got := make([]byte, 1024)
	submitAndWait(t, d, command.ReadBuffer{Buf: buf, Size: 1024, Dst: got})
	require.Equal(t, bytes.Repeat([]byte{1, 2, 3, 4}, 256), got)
}

func TestCompletionOrderFIFO(t *testing.T) {
	// One copy queue: completion order must equal submission order.
	d, _ := newTestDevice(t, Options{}, softdev.Options{
		QueueGroups: []hal.QueueGroupProperties{
			{Class: hal.QueueCompute, NumQueues: 1},
			{Class: hal.QueueCopy, NumQueues: 1},
		},
	})

	buf := must.M1(memobj.NewBuffer(64, 0, nil))
	defer func() { require.NoError(t, d.ReleaseBuffer(buf)) }()

	const n = 64
	var mu sync.Mutex
	var order []int
	cmds := make([]*command.Command, n)
	for i := 0; i < n; i++ {
		i := i
		dst := make([]byte, 64)
		cmds[i] = command.New(command.ReadBuffer{Buf: buf, Size: 64, Dst: dst})
		cmds[i].Event.OnStatus(func(_ *command.Event, s command.Status, _ string) {
			if s.Terminal() {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			}
		})
	}
	for _, cmd := range cmds {
		require.NoError(t, d.Submit(cmd))
	}
	for _, cmd := range cmds {
		require.NoError(t, cmd.Event.Wait())
	}
	require.Len(t, order, n)
	for i, got := range order {
		require.Equal(t, i, got, "completion order diverged at %d", i)
	}
}

func TestTwoProducersSinglesAndBatch(t *testing.T) {
	d, _ := newTestDevice(t, Options{}, softdev.Options{})

	buf := must.M1(memobj.NewBuffer(256, 0, nil))
	defer func() { require.NoError(t, d.ReleaseBuffer(buf)) }()

	var completions atomic.Int64
	count := func(e *command.Event, s command.Status, _ string) {
		if s.Terminal() {
			completions.Add(1)
		}
	}

	single1 := command.New(command.FillBuffer{Buf: buf, Size: 256, Pattern: []byte{1}})
	single2 := command.New(command.ReadBuffer{Buf: buf, Size: 256, Dst: make([]byte, 256)})
	batch := command.NewBatch(
		command.FillBuffer{Buf: buf, Size: 256, Pattern: []byte{2}},
		command.ReadBuffer{Buf: buf, Size: 256, Dst: make([]byte, 256)},
		command.Marker{},
	)
	all := []*command.Command{single1, single2}
	all = append(all, batch.Commands...)
	for _, cmd := range all {
		cmd.Event.OnStatus(count)
	}

	var g errgroup.Group
	g.Go(func() error {
		if err := d.Submit(single1); err != nil {
			return err
		}
		return d.Submit(single2)
	})
	g.Go(func() error {
		return d.SubmitBatch(batch)
	})
	require.NoError(t, g.Wait())

	for _, cmd := range all {
		require.NoError(t, cmd.Event.Wait())
		require.Equal(t, command.StatusComplete, cmd.Event.Status())
	}
	// Exactly five completions: none lost, none duplicated.
	require.Equal(t, int64(5), completions.Load())
}

func TestBatchPartialFailure(t *testing.T) {
	d, _ := newTestDevice(t, Options{}, softdev.Options{})

	buf := must.M1(memobj.NewBuffer(128, 0, nil))
	defer func() { require.NoError(t, d.ReleaseBuffer(buf)) }()

	batch := command.NewBatch(
		command.FillBuffer{Buf: buf, Size: 128, Pattern: []byte{7}},
		// Out of range: translation fails.
		command.WriteBuffer{Buf: buf, Offset: 1024, Size: 64, Src: make([]byte, 64)},
		command.ReadBuffer{Buf: buf, Size: 128, Dst: make([]byte, 128)},
	)
	require.NoError(t, d.SubmitBatch(batch))
	for _, cmd := range batch.Commands {
		<-cmd.Event.Done()
	}

	require.Equal(t, command.StatusComplete, batch.Commands[0].Event.Status())
	require.Equal(t, command.StatusFailed, batch.Commands[1].Event.Status())
	require.ErrorContains(t, batch.Commands[1].Event.Err(), "outside buffer")
	require.Equal(t, command.StatusFailed, batch.Commands[2].Event.Status())
	require.ErrorContains(t, batch.Commands[2].Event.Err(), "not executed")

	// The fill before the failure really ran.
	got := make([]byte, 128)
	submitAndWait(t, d, command.ReadBuffer{Buf: buf, Size: 128, Dst: got})
	require.Equal(t, bytes.Repeat([]byte{7}, 128), got)
}

func TestUseExistingStorageWriteBack(t *testing.T) {
	// Device memory is separate from the host; every write-class command
	// must refresh the caller's storage once per submission.
	d, _ := newTestDevice(t, Options{}, softdev.Options{HostUnified: false})

	host := make([]byte, 1024)
	buf := must.M1(memobj.NewBuffer(1024, memobj.UseExistingStorage, host))
	defer func() { require.NoError(t, d.ReleaseBuffer(buf)) }()

	src := make([]byte, 1024)
	for i := range src {
		src[i] = byte(i)
	}
	submitAndWait(t, d, command.WriteBuffer{Buf: buf, Size: 1024, Src: src})
	require.Equal(t, src, host)

	submitAndWait(t, d, command.FillBuffer{Buf: buf, Size: 1024, Pattern: []byte{0x5A}})
	require.Equal(t, bytes.Repeat([]byte{0x5A}, 1024), host)
}

func TestUseExistingStorageHostUnified(t *testing.T) {
	// Host-unified devices import the caller's storage; device writes land
	// in it directly with no write-back copies.
	d, _ := newTestDevice(t, Options{}, softdev.Options{HostUnified: true})
	require.True(t, d.Capabilities().HostUnified)

	host := make([]byte, 512)
	buf := must.M1(memobj.NewBuffer(512, memobj.UseExistingStorage, host))
	defer func() { require.NoError(t, d.ReleaseBuffer(buf)) }()

	submitAndWait(t, d, command.FillBuffer{Buf: buf, Size: 512, Pattern: []byte{0xC3}})
	require.Equal(t, bytes.Repeat([]byte{0xC3}, 512), host)

	id := buf.Ident(0)
	require.NotNil(t, id)
	require.True(t, id.HostUnified)
}

func TestEventPoolGrowth(t *testing.T) {
	// A batch needing more chain events than one pool holds grows a
	// second pool transparently.
	const capacity = 4
	d, _ := newTestDevice(t, Options{EventPoolCapacity: capacity}, softdev.Options{})
	require.Equal(t, 1, d.EventPoolCount())

	buf := must.M1(memobj.NewBuffer(64, 0, nil))
	defer func() { require.NoError(t, d.ReleaseBuffer(buf)) }()

	ops := make([]command.Op, capacity+1)
	for i := range ops {
		ops[i] = command.ReadBuffer{Buf: buf, Size: 64, Dst: make([]byte, 64)}
	}
	batch := command.NewBatch(ops...)
	require.NoError(t, d.SubmitBatch(batch))
	for _, cmd := range batch.Commands {
		require.NoError(t, cmd.Event.Wait())
	}
	require.GreaterOrEqual(t, d.EventPoolCount(), 2)

	// Recycled events keep later submissions inside the existing pools.
	before := d.EventPoolCount()
	for i := 0; i < 3*capacity; i++ {
		submitAndWait(t, d, command.Marker{})
	}
	require.Equal(t, before, d.EventPoolCount())
}

func TestCloseIdempotent(t *testing.T) {
	hw := softdev.New(softdev.Options{})
	d, err := New(hw, Options{})
	require.NoError(t, err)

	buf := must.M1(memobj.NewBuffer(64, 0, nil))
	submitAndWait(t, d, command.FillBuffer{Buf: buf, Size: 64, Pattern: []byte{1}})

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	// Submissions after close are rejected, not hung.
	cmd := command.New(command.Marker{})
	require.Error(t, d.Submit(cmd))
}

func TestRoutingFallbackToUniversal(t *testing.T) {
	// No copy queues: transfer commands fall back to the compute group.
	d, _ := newTestDevice(t, Options{}, softdev.Options{
		QueueGroups: []hal.QueueGroupProperties{{Class: hal.QueueCompute, NumQueues: 1}},
	})

	buf := must.M1(memobj.NewBuffer(64, 0, nil))
	defer func() { require.NoError(t, d.ReleaseBuffer(buf)) }()

	got := make([]byte, 64)
	submitAndWait(t, d, command.FillBuffer{Buf: buf, Size: 64, Pattern: []byte{9}})
	submitAndWait(t, d, command.ReadBuffer{Buf: buf, Size: 64, Dst: got})
	require.Equal(t, bytes.Repeat([]byte{9}, 64), got)
}

func TestCopyBufferAndRect(t *testing.T) {
	d, _ := newTestDevice(t, Options{}, softdev.Options{})

	src := must.M1(memobj.NewBuffer(256, 0, nil))
	dst := must.M1(memobj.NewBuffer(256, 0, nil))
	defer func() {
		require.NoError(t, d.ReleaseBuffer(src))
		require.NoError(t, d.ReleaseBuffer(dst))
	}()

	content := make([]byte, 256)
	for i := range content {
		content[i] = byte(255 - i)
	}
	submitAndWait(t, d, command.WriteBuffer{Buf: src, Size: 256, Src: content})
	submitAndWait(t, d, command.CopyBuffer{Dst: dst, Src: src, Size: 256})

	got := make([]byte, 256)
	submitAndWait(t, d, command.ReadBuffer{Buf: dst, Size: 256, Dst: got})
	require.Equal(t, content, got)

	// 2-D rect: copy an 8x8 tile out of a 16x16 byte grid.
	tile := make([]byte, 8*8)
	submitAndWait(t, d, command.ReadBufferRect{
		Buf:         dst,
		Dst:         tile,
		BufOrigin:   hal.Origin{4, 2, 0},
		Region:      hal.Region{8, 8, 1},
		BufRowPitch: 16,
	})
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			require.Equal(t, content[(y+2)*16+x+4], tile[y*8+x], "tile mismatch at (%d,%d)", x, y)
		}
	}

	// Write the tile back shifted, through the pitched write path.
	submitAndWait(t, d, command.WriteBufferRect{
		Buf:         dst,
		Src:         tile,
		BufOrigin:   hal.Origin{0, 0, 0},
		Region:      hal.Region{8, 8, 1},
		BufRowPitch: 16,
	})
	submitAndWait(t, d, command.ReadBuffer{Buf: dst, Size: 256, Dst: got})
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			require.Equal(t, tile[y*8+x], got[y*16+x])
		}
	}

	// Device-side rect copy.
	submitAndWait(t, d, command.CopyBufferRect{
		Dst:         src,
		Src:         dst,
		DstOrigin:   hal.Origin{0, 0, 0},
		SrcOrigin:   hal.Origin{0, 0, 0},
		Region:      hal.Region{16, 4, 1},
		DstRowPitch: 16,
		SrcRowPitch: 16,
	})
	gotSrc := make([]byte, 256)
	submitAndWait(t, d, command.ReadBuffer{Buf: src, Size: 256, Dst: gotSrc})
	require.Equal(t, got[:64], gotSrc[:64])
}

func TestRejectedRectWriteLeavesBufferUntouched(t *testing.T) {
	// A rect write whose second row falls outside the buffer must be
	// rejected whole: not even the in-range first row may execute.
	d, _ := newTestDevice(t, Options{}, softdev.Options{})

	buf := must.M1(memobj.NewBuffer(16, 0, nil))
	defer func() { require.NoError(t, d.ReleaseBuffer(buf)) }()
	submitAndWait(t, d, command.FillBuffer{Buf: buf, Size: 16, Pattern: []byte{0x00}})

	cmd := command.New(command.WriteBufferRect{
		Buf:         buf,
		Src:         bytes.Repeat([]byte{0xEE}, 32),
		Region:      hal.Region{8, 2, 1},
		BufRowPitch: 16,
	})
	require.NoError(t, d.Submit(cmd))
	require.ErrorContains(t, cmd.Event.Wait(), "outside buffer")

	got := make([]byte, 16)
	submitAndWait(t, d, command.ReadBuffer{Buf: buf, Size: 16, Dst: got})
	require.Equal(t, make([]byte, 16), got)
}

func TestRejectedRectReadLeavesHostUntouched(t *testing.T) {
	d, _ := newTestDevice(t, Options{}, softdev.Options{})

	buf := must.M1(memobj.NewBuffer(16, 0, nil))
	defer func() { require.NoError(t, d.ReleaseBuffer(buf)) }()
	submitAndWait(t, d, command.FillBuffer{Buf: buf, Size: 16, Pattern: []byte{0x11}})

	dst := bytes.Repeat([]byte{0x55}, 32)
	cmd := command.New(command.ReadBufferRect{
		Buf:         buf,
		Dst:         dst,
		Region:      hal.Region{8, 2, 1},
		BufRowPitch: 16,
	})
	require.NoError(t, d.Submit(cmd))
	require.ErrorContains(t, cmd.Event.Wait(), "outside buffer")
	require.Equal(t, bytes.Repeat([]byte{0x55}, 32), dst)

	// A degenerate region is rejected too.
	cmd = command.New(command.ReadBufferRect{
		Buf: buf, Dst: dst, Region: hal.Region{8, 0, 1},
	})
	require.NoError(t, d.Submit(cmd))
	require.ErrorContains(t, cmd.Event.Wait(), "degenerate")
}

func TestRectReadHostNoAccessRejected(t *testing.T) {
	d, _ := newTestDevice(t, Options{}, softdev.Options{})

	buf := must.M1(memobj.NewBuffer(64, memobj.HostNoAccess, nil))
	defer func() { require.NoError(t, d.ReleaseBuffer(buf)) }()

	cmd := command.New(command.ReadBufferRect{
		Buf: buf, Dst: make([]byte, 64), Region: hal.Region{8, 8, 1},
	})
	require.NoError(t, d.Submit(cmd))
	require.ErrorContains(t, cmd.Event.Wait(), "host-no-access")
}

func TestAllocatorBudgetExhaustion(t *testing.T) {
	d, _ := newTestDevice(t, Options{}, softdev.Options{
		GlobalMemSize: 1 << 20,
		MaxAllocSize:  1 << 20,
	})

	big := must.M1(memobj.NewBuffer(2<<20, 0, nil))
	defer func() { require.NoError(t, d.ReleaseBuffer(big)) }()

	cmd := command.New(command.ReadBuffer{Buf: big, Size: 64, Dst: make([]byte, 64)})
	require.NoError(t, d.Submit(cmd))
	err := cmd.Event.Wait()
	require.Error(t, err)
	require.ErrorIs(t, err, hal.ErrOutOfMemory)

	// The device stays usable after the exhaustion error.
	small := must.M1(memobj.NewBuffer(1024, 0, nil))
	defer func() { require.NoError(t, d.ReleaseBuffer(small)) }()
	submitAndWait(t, d, command.FillBuffer{Buf: small, Size: 1024, Pattern: []byte{1}})
}

func TestMapUnmapBuffer(t *testing.T) {
	d, _ := newTestDevice(t, Options{}, softdev.Options{})

	buf := must.M1(memobj.NewBuffer(128, 0, nil))
	defer func() { require.NoError(t, d.ReleaseBuffer(buf)) }()
	submitAndWait(t, d, command.FillBuffer{Buf: buf, Size: 128, Pattern: []byte{0x11}})

	m := &memobj.Mapping{Offset: 32, Size: 64, Flags: memobj.MapRead | memobj.MapWrite}
	submitAndWait(t, d, command.MapBuffer{Buf: buf, Mapping: m})
	require.Len(t, buf.Mappings(), 1)
	require.Equal(t, bytes.Repeat([]byte{0x11}, 64), m.Host)

	for i := range m.Host {
		m.Host[i] = 0x22
	}
	submitAndWait(t, d, command.UnmapMemObject{Buf: buf, Mapping: m})
	require.Empty(t, buf.Mappings())

	got := make([]byte, 128)
	submitAndWait(t, d, command.ReadBuffer{Buf: buf, Size: 128, Dst: got})
	require.Equal(t, bytes.Repeat([]byte{0x11}, 32), got[:32])
	require.Equal(t, bytes.Repeat([]byte{0x22}, 64), got[32:96])
	require.Equal(t, bytes.Repeat([]byte{0x11}, 32), got[96:])
}

func TestMigrateBuffer(t *testing.T) {
	d, _ := newTestDevice(t, Options{}, softdev.Options{HostUnified: false})

	host := make([]byte, 256)
	for i := range host {
		host[i] = byte(i)
	}
	buf := must.M1(memobj.NewBuffer(256, memobj.UseExistingStorage, host))
	defer func() { require.NoError(t, d.ReleaseBuffer(buf)) }()

	// H2D then clobber host; D2H must restore it from the device copy.
	submitAndWait(t, d, command.MigrateMem{Dir: command.MigrateH2D, Buf: buf})
	want := append([]byte(nil), host...)
	for i := range host {
		host[i] = 0
	}
	submitAndWait(t, d, command.MigrateMem{Dir: command.MigrateD2H, Buf: buf})
	require.Equal(t, want, host)

	// A no-op migration still completes in order.
	submitAndWait(t, d, command.MigrateMem{Dir: command.MigrateNop, Buf: buf})
}

func TestSVMOperations(t *testing.T) {
	d, hw := newTestDevice(t, Options{}, softdev.Options{})

	a := must.M1(d.AllocSVMShared(256))
	b := must.M1(d.AllocSVMShared(256))

	submitAndWait(t, d, command.SVMMemfill{Dst: a, Size: 256, Pattern: []byte{0xAB, 0xCD}})
	submitAndWait(t, d, command.SVMMemcpy{Dst: b, Src: a, Size: 256})

	view := hw.HostBytes(b, 256)
	require.NotNil(t, view)
	require.Equal(t, bytes.Repeat([]byte{0xAB, 0xCD}, 128), view)

	submitAndWait(t, d, command.SVMMigrate{Ptrs: []hal.Ptr{a}, Sizes: []uint64{256}})
	submitAndWait(t, d, command.SVMAdvise{Ptr: a, Size: 256, Advice: hal.AdviseReadMostly})

	// Deferred free runs after queued work completes.
	submitAndWait(t, d, command.SVMFree{Ptrs: []hal.Ptr{a, b}})
	require.Nil(t, hw.HostBytes(a, 1))
	require.Nil(t, hw.HostBytes(b, 1))
}

func TestNDRangeBuiltinKernel(t *testing.T) {
	d, hw := newTestDevice(t, Options{}, softdev.Options{})

	p := must.M1(d.AllocSVMShared(1024))
	defer func() { require.NoError(t, d.FreeSVM(p)) }()

	pattern := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	k := kernel.New("memfill_8")
	submitAndWait(t, d, command.NDRange{
		Kernel: k,
		Args: []kernel.Arg{
			{Index: 0, Kind: kernel.ArgPtr, Ptr: p},
			{Index: 1, Kind: kernel.ArgValue, Value: pattern},
		},
		Groups: hal.Dim3{2, 1, 1},
		Local:  hal.Dim3{64, 1, 1},
	})
	view := hw.HostBytes(p, 1024)
	require.Equal(t, bytes.Repeat(pattern, 128), view)
}

func TestNDRangeEmptyGridIsNoOp(t *testing.T) {
	d, _ := newTestDevice(t, Options{}, softdev.Options{})

	cmd := submitAndWait(t, d, command.NDRange{
		Kernel: kernel.New("memfill_8"),
		Groups: hal.Dim3{0, 1, 1},
	})
	require.Equal(t, command.StatusComplete, cmd.Event.Status())
}

func TestNDRangeValidation(t *testing.T) {
	d, _ := newTestDevice(t, Options{}, softdev.Options{})
	caps := d.Capabilities()

	cmd := command.New(command.NDRange{
		Kernel: kernel.New("memfill_8"),
		Groups: hal.Dim3{1, 1, 1},
		Local:  hal.Dim3{caps.MaxGroupSize + 1, 1, 1},
	})
	require.NoError(t, d.Submit(cmd))
	err := cmd.Event.Wait()
	require.ErrorContains(t, err, "exceeds device limit")
}

func TestGlobalOffsetsRequireCapability(t *testing.T) {
	d, _ := newTestDevice(t, Options{}, softdev.Options{GlobalOffsets: false})

	cmd := command.New(command.NDRange{
		Kernel:       kernel.New("memfill_8"),
		Args:         []kernel.Arg{{Index: 1, Kind: kernel.ArgValue, Value: make([]byte, 8)}},
		Groups:       hal.Dim3{1, 1, 1},
		GlobalOffset: hal.Dim3{8, 0, 0},
	})
	require.NoError(t, d.Submit(cmd))
	require.ErrorIs(t, cmd.Event.Wait(), hal.ErrUnsupported)
}

func TestMarkerAndBarrierComplete(t *testing.T) {
	d, _ := newTestDevice(t, Options{}, softdev.Options{})
	require.Equal(t, command.StatusComplete, submitAndWait(t, d, command.Marker{}).Event.Status())
	require.Equal(t, command.StatusComplete, submitAndWait(t, d, command.Barrier{}).Event.Status())
}

func TestSyncTimeoutOptionAccepted(t *testing.T) {
	// A bounded synchronize that never trips behaves like the default.
	d, _ := newTestDevice(t, Options{SyncTimeout: 10 * time.Second}, softdev.Options{})
	buf := must.M1(memobj.NewBuffer(64, 0, nil))
	defer func() { require.NoError(t, d.ReleaseBuffer(buf)) }()
	submitAndWait(t, d, command.FillBuffer{Buf: buf, Size: 64, Pattern: []byte{3}})
}

func TestReadOnlyBufferRejectsWrites(t *testing.T) {
	d, _ := newTestDevice(t, Options{}, softdev.Options{})
	buf := must.M1(memobj.NewBuffer(64, memobj.ReadOnly, nil))
	defer func() { require.NoError(t, d.ReleaseBuffer(buf)) }()

	cmd := command.New(command.WriteBuffer{Buf: buf, Size: 64, Src: make([]byte, 64)})
	require.NoError(t, d.Submit(cmd))
	require.ErrorContains(t, cmd.Event.Wait(), "read-only")
}

// errorContains is a tiny sanity check that translation failures carry
// stack traces for %+v logging.
func TestTranslationErrorsCarryStacks(t *testing.T) {
	d, _ := newTestDevice(t, Options{}, softdev.Options{})
	buf := must.M1(memobj.NewBuffer(64, 0, nil))
	defer func() { require.NoError(t, d.ReleaseBuffer(buf)) }()

	cmd := command.New(command.ReadBuffer{Buf: buf, Offset: 128, Size: 64, Dst: make([]byte, 64)})
	require.NoError(t, d.Submit(cmd))
	err := cmd.Event.Wait()
	require.Error(t, err)
	type tracer interface{ StackTrace() errors.StackTrace }
	var hasStack bool
	for e := err; e != nil; e = errors.Unwrap(e) {
		if _, ok := e.(tracer); ok {
			hasStack = true
			break
		}
	}
	require.True(t, hasStack, "translation error without stack: %v", err)
}
