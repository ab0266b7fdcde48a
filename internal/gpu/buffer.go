package gpu

import (
	"fmt"

	"go.uber.org/zap"
)

// Buffer is a device buffer allocated by a BufferManager.
type Buffer struct {
	native DeviceBuffer
	length int
}

// Len returns the buffer length in bytes.
func (b *Buffer) Len() int {
	return b.length
}

// Release frees the device memory. Releasing twice is a no-op.
func (b *Buffer) Release() {
	if b.native != nil {
		b.native.Release()
		b.native = nil
	}
}

// BufferManager allocates shared device buffers and copies results out.
type BufferManager struct {
	session *Session
	logger  *zap.Logger
}

// NewBufferManager creates a buffer manager for session.
func NewBufferManager(session *Session) *BufferManager {
	return &BufferManager{
		session: session,
		logger:  session.Logger().Named("buffers"),
	}
}

// Allocate creates a shared buffer of exactly length bytes. When data is
// non-nil, the first min(len(data), length) bytes are copied in and the rest
// are zero; when data is nil the buffer is zeroed. A failed allocation is
// reported as ErrBufferCreationFailed and never replaced by a smaller buffer.
func (m *BufferManager) Allocate(data []byte, length int) (*Buffer, error) {
	device := m.session.Device()
	if device == nil {
		return nil, newError("allocate", ErrSessionClosed, "")
	}
	if length <= 0 {
		return nil, newError("allocate", ErrBufferCreationFailed, fmt.Sprintf("invalid length %d", length))
	}

	var (
		native DeviceBuffer
		err    error
	)
	if data != nil {
		if len(data) > length {
			data = data[:length]
		}
		native, err = device.NewBufferWithBytes(data, length)
	} else {
		native, err = device.NewBuffer(length)
	}
	if err != nil || native == nil {
		m.logger.Error("buffer allocation failed", zap.Int("length", length), zap.Error(err))
		return nil, wrapError("allocate", ErrBufferCreationFailed, err)
	}
	if native.Length() < length {
		native.Release()
		return nil, newError("allocate", ErrBufferCreationFailed,
			fmt.Sprintf("device returned %d bytes, requested %d", native.Length(), length))
	}

	return &Buffer{native: native, length: length}, nil
}

// ReadBack copies the buffer's bytes into a host-owned slice. It must only be
// called once the dispatch writing the buffer has completed.
func (m *BufferManager) ReadBack(b *Buffer) []byte {
	if b.native == nil {
		return nil
	}
	out := b.native.CopyBytes()
	if len(out) > b.length {
		out = out[:b.length]
	}
	return out
}
