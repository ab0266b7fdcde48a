package gpu_test

import (
	"bytes"
	"testing"

	"github.com/fxnlabs/metalpipe/internal/gpu"
	"github.com/fxnlabs/metalpipe/internal/gpu/gputest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocate(t *testing.T) {
	s := newStack(t, gputest.NewDriver())

	t.Run("copy in and pad", func(t *testing.T) {
		buf, err := s.buffers.Allocate([]byte{1, 2, 3}, 8)
		require.NoError(t, err)
		defer buf.Release()

		assert.Equal(t, 8, buf.Len())
		assert.Equal(t, []byte{1, 2, 3, 0, 0, 0, 0, 0}, s.buffers.ReadBack(buf))
	})

	t.Run("truncate to length", func(t *testing.T) {
		buf, err := s.buffers.Allocate([]byte{1, 2, 3, 4, 5}, 2)
		require.NoError(t, err)
		defer buf.Release()

		assert.Equal(t, []byte{1, 2}, s.buffers.ReadBack(buf))
	})

	t.Run("zeroed", func(t *testing.T) {
		buf, err := s.buffers.Allocate(nil, 1024)
		require.NoError(t, err)
		defer buf.Release()

		assert.True(t, bytes.Equal(make([]byte, 1024), s.buffers.ReadBack(buf)))
	})

	t.Run("invalid length", func(t *testing.T) {
		for _, n := range []int{0, -1} {
			buf, err := s.buffers.Allocate(nil, n)
			assert.Nil(t, buf)
			requireKind(t, err, gpu.ErrBufferCreationFailed)
		}
	})

	t.Run("device refuses", func(t *testing.T) {
		s.driver.FailBuffer = true
		defer func() { s.driver.FailBuffer = false }()

		_, err := s.buffers.Allocate([]byte{1}, 16)
		gerr := requireKind(t, err, gpu.ErrBufferCreationFailed)
		assert.Contains(t, gerr.Detail, "newBufferWithLength:16")
	})

	t.Run("release", func(t *testing.T) {
		before := s.driver.LiveBuffers()
		buf, err := s.buffers.Allocate(nil, 4)
		require.NoError(t, err)
		assert.Equal(t, before+1, s.driver.LiveBuffers())

		buf.Release()
		buf.Release()
		assert.Equal(t, before, s.driver.LiveBuffers())
		assert.Nil(t, s.buffers.ReadBack(buf))
	})
}
