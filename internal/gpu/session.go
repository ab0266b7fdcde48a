package gpu

import (
	"sync"

	"go.uber.org/zap"
)

// Session owns the process's compute device and its single command queue.
//
// A Session is constructed once, with NewSession, and passed by reference to
// the Compiler, BufferManager and Engine. Device and queue are read-only after
// construction and released together by Close.
type Session struct {
	driver string
	device Device
	queue  CommandQueue
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewSession acquires the system default device from drv and creates its
// command queue. There are no retries: acquisition is deterministic per
// machine.
func NewSession(drv Driver, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("session")

	if drv == nil {
		return nil, newError("acquire", ErrNoDeviceAvailable, "no driver")
	}

	device, err := drv.OpenDevice()
	if err != nil || device == nil {
		log.Error("no compute device", zap.String("driver", drv.Name()), zap.Error(err))
		return nil, wrapError("acquire", ErrNoDeviceAvailable, err)
	}

	queue, err := device.NewCommandQueue()
	if err != nil || queue == nil {
		log.Error("failed to create command queue", zap.String("device", device.Name()), zap.Error(err))
		device.Release()
		return nil, wrapError("acquire", ErrQueueCreationFailed, err)
	}

	log.Info("compute session acquired",
		zap.String("driver", drv.Name()),
		zap.String("device", device.Name()))

	return &Session{
		driver: drv.Name(),
		device: device,
		queue:  queue,
		logger: logger,
	}, nil
}

// Device returns the session's device. It returns nil after Close.
func (s *Session) Device() Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	return s.device
}

// Queue returns the session's command queue. It returns nil after Close.
func (s *Session) Queue() CommandQueue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	return s.queue
}

// DeviceName returns the name reported by the device.
func (s *Session) DeviceName() string {
	return s.device.Name()
}

// DriverName returns the name of the driver that opened the device.
func (s *Session) DriverName() string {
	return s.driver
}

// Logger returns the logger the session was created with.
func (s *Session) Logger() *zap.Logger {
	return s.logger
}

// Close releases the queue and then the device. Closing twice is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.queue.Release()
	s.device.Release()
	s.logger.Named("session").Debug("compute session released", zap.String("device", s.device.Name()))
	return nil
}
