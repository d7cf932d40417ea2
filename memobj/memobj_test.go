package memobj

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gocompute/clrun/hal"
)

func TestNewBufferValidation(t *testing.T) {
	_, err := NewBuffer(0, 0, nil)
	require.Error(t, err)

	_, err = NewBuffer(64, 0, make([]byte, 64))
	require.Error(t, err)

	_, err = NewBuffer(64, UseExistingStorage, make([]byte, 32))
	require.Error(t, err)

	host := make([]byte, 64)
	b, err := NewBuffer(64, UseExistingStorage, host)
	require.NoError(t, err)
	require.Equal(t, uint64(64), b.Size())
	require.Equal(t, UseExistingStorage, b.Flags())
	require.Same(t, &host[0], &b.Host()[0])
}

func TestEnsureIdentOncePerDevice(t *testing.T) {
	b, err := NewBuffer(128, 0, nil)
	require.NoError(t, err)

	var created atomic.Int32
	create := func() (*Ident, error) {
		created.Add(1)
		return &Ident{Ptr: hal.MakePtr(1, 0)}, nil
	}

	var wg sync.WaitGroup
	ids := make([]*Ident, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := b.EnsureIdent(0, create)
			require.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), created.Load())
	for _, id := range ids {
		require.Same(t, ids[0], id)
	}

	// A second device gets its own identifier.
	_, err = b.EnsureIdent(1, create)
	require.NoError(t, err)
	require.Equal(t, int32(2), created.Load())
	require.Same(t, ids[0], b.Ident(0))
	require.Nil(t, b.Ident(7))
}

func TestDestroyIdempotent(t *testing.T) {
	b, err := NewBuffer(32, 0, nil)
	require.NoError(t, err)
	_, err = b.EnsureIdent(0, func() (*Ident, error) {
		return &Ident{Ptr: hal.MakePtr(3, 0)}, nil
	})
	require.NoError(t, err)

	var released atomic.Int32
	release := func(device int, id *Ident) error {
		released.Add(1)
		return nil
	}
	require.NoError(t, b.Destroy(release))
	require.NoError(t, b.Destroy(release))
	require.Equal(t, int32(1), released.Load())

	_, err = b.EnsureIdent(0, func() (*Ident, error) { return &Ident{}, nil })
	require.ErrorContains(t, err, "destroyed")
}

func TestMappings(t *testing.T) {
	b, err := NewBuffer(256, 0, nil)
	require.NoError(t, err)

	m := &Mapping{Offset: 16, Size: 64, Flags: MapRead | MapWrite, Host: make([]byte, 64)}
	require.NoError(t, b.AddMapping(m))
	require.Len(t, b.Mappings(), 1)

	require.Error(t, b.AddMapping(&Mapping{Offset: 240, Size: 32}))

	require.True(t, b.RemoveMapping(m))
	require.False(t, b.RemoveMapping(m))
	require.Empty(t, b.Mappings())
}

func TestMappingHostNoAccess(t *testing.T) {
	b, err := NewBuffer(64, HostNoAccess, nil)
	require.NoError(t, err)
	require.ErrorContains(t, b.AddMapping(&Mapping{Size: 16}), "host-no-access")
}

func TestImageMappings(t *testing.T) {
	desc := hal.ImageDesc{
		Format: hal.ImageFormat{Order: hal.ChannelRGBA, Type: hal.ChannelUNorm8},
		Dim:    2,
		Width:  8,
		Height: 8,
	}
	im, err := NewImage(desc, 0, nil)
	require.NoError(t, err)

	m := &Mapping{
		Flags:  MapRead,
		Origin: hal.Origin{1, 1, 0},
		Region: hal.Region{2, 2, 1},
		Size:   16,
	}
	require.NoError(t, im.AddMapping(m))
	require.Len(t, im.Mappings(), 1)
	require.True(t, im.RemoveMapping(m))
	require.False(t, im.RemoveMapping(m))
	require.Empty(t, im.Mappings())

	noAccess, err := NewImage(desc, HostNoAccess, nil)
	require.NoError(t, err)
	require.ErrorContains(t, noAccess.AddMapping(m), "host-no-access")
}

func TestNewImageValidation(t *testing.T) {
	desc := hal.ImageDesc{
		Format: hal.ImageFormat{Order: hal.ChannelRGBA, Type: hal.ChannelUNorm8},
		Dim:    2,
		Width:  16,
		Height: 16,
	}
	im, err := NewImage(desc, 0, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(16*16*4), im.ByteSize())
	// Height and depth default to 1.
	require.Equal(t, uint64(1), im.Desc().Depth)

	bad := desc
	bad.Width = 0
	_, err = NewImage(bad, 0, nil)
	require.Error(t, err)

	bad = desc
	bad.Dim = 4
	_, err = NewImage(bad, 0, nil)
	require.Error(t, err)

	_, err = NewImage(desc, UseExistingStorage, make([]byte, 8))
	require.Error(t, err)
}
