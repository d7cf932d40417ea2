package engine

import (
	"testing"

	"github.com/gocompute/clrun/command"
	"github.com/gocompute/clrun/hal/softdev"
	"github.com/gocompute/clrun/memobj"
)

func benchDevice(b *testing.B) (*Device, *memobj.Buffer) {
	b.Helper()
	hw := softdev.New(softdev.Options{MaxFillPatternSize: 16})
	d, err := New(hw, Options{})
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = d.Close() })
	buf, err := memobj.NewBuffer(4096, 0, nil)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = d.ReleaseBuffer(buf) })
	return d, buf
}

// BenchmarkSingleSubmissions measures one submission cycle per command.
func BenchmarkSingleSubmissions(b *testing.B) {
	d, buf := benchDevice(b)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cmd := command.New(command.FillBuffer{Buf: buf, Size: 4096, Pattern: []byte{byte(i)}})
		if err := d.Submit(cmd); err != nil {
			b.Fatal(err)
		}
		if err := cmd.Event.Wait(); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkBatchedSubmissions amortizes the cycle over 16 commands.
func BenchmarkBatchedSubmissions(b *testing.B) {
	d, buf := benchDevice(b)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ops := make([]command.Op, 16)
		for j := range ops {
			ops[j] = command.FillBuffer{Buf: buf, Size: 4096, Pattern: []byte{byte(j)}}
		}
		batch := command.NewBatch(ops...)
		if err := d.SubmitBatch(batch); err != nil {
			b.Fatal(err)
		}
		last := batch.Commands[len(batch.Commands)-1]
		if err := last.Event.Wait(); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkCommandBufferReplay measures replay of a pre-recorded batch.
func BenchmarkCommandBufferReplay(b *testing.B) {
	d, buf := benchDevice(b)
	ops := make([]command.Op, 16)
	for j := range ops {
		ops[j] = command.FillBuffer{Buf: buf, Size: 4096, Pattern: []byte{byte(j)}}
	}
	cb, err := d.NewCommandBuffer(ops)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = cb.Destroy() })
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		exec := cb.Exec()
		if err := d.Submit(exec); err != nil {
			b.Fatal(err)
		}
		if err := exec.Event.Wait(); err != nil {
			b.Fatal(err)
		}
	}
}
