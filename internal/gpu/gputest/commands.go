package gputest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fxnlabs/metalpipe/internal/gpu"
)

// Queue is a fake gpu.CommandQueue.
type Queue struct {
	device *Device
}

func (q *Queue) NewCommandBuffer() (gpu.CommandBuffer, error) {
	if q.device.driver.FailCommandBuffer {
		return nil, errors.New("commandBuffer returned nil")
	}
	q.device.driver.liveCommands.Add(1)
	return &CommandBuffer{driver: q.device.driver, done: make(chan struct{})}, nil
}

func (q *Queue) Release() {}

// CommandBuffer is a fake gpu.CommandBuffer. Commit executes the encoded
// dispatch on a separate goroutine.
type CommandBuffer struct {
	driver *Driver

	mu       sync.Mutex
	encoder  *Encoder
	status   gpu.CommandStatus
	fault    error
	done     chan struct{}
	released bool
}

func (c *CommandBuffer) NewComputeEncoder() (gpu.ComputeEncoder, error) {
	if c.driver.FailEncoder {
		return nil, errors.New("computeCommandEncoder returned nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.encoder = &Encoder{buffers: make(map[int]*Buffer)}
	return c.encoder, nil
}

func (c *CommandBuffer) Commit() {
	c.mu.Lock()
	c.status = gpu.StatusCommitted
	enc := c.encoder
	c.mu.Unlock()

	go func() {
		err := execute(enc)
		c.mu.Lock()
		if err != nil {
			c.status = gpu.StatusError
			c.fault = err
		} else {
			c.status = gpu.StatusCompleted
		}
		c.mu.Unlock()
		close(c.done)
	}()
}

func (c *CommandBuffer) WaitUntilCompleted() {
	<-c.done
}

func (c *CommandBuffer) Status() gpu.CommandStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *CommandBuffer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fault
}

func (c *CommandBuffer) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.released {
		c.released = true
		c.driver.liveCommands.Add(-1)
	}
}

// Encoder is a fake gpu.ComputeEncoder that records one dispatch.
type Encoder struct {
	pipeline        *PipelineState
	buffers         map[int]*Buffer
	groups          gpu.Size
	threadsPerGroup gpu.Size
	dispatched      bool
	ended           bool
}

func (e *Encoder) SetPipeline(p gpu.PipelineState) {
	e.pipeline, _ = p.(*PipelineState)
}

func (e *Encoder) SetBuffer(b gpu.DeviceBuffer, offset, index int) {
	buf, _ := b.(*Buffer)
	e.buffers[index] = buf
}

func (e *Encoder) DispatchThreadgroups(groups, threadsPerGroup gpu.Size) {
	e.groups = groups
	e.threadsPerGroup = threadsPerGroup
	e.dispatched = true
}

func (e *Encoder) EndEncoding() {
	e.ended = true
}

func execute(e *Encoder) error {
	switch {
	case e == nil:
		return nil
	case !e.ended:
		return errors.New("command encoder was not ended")
	case !e.dispatched:
		return nil
	case e.pipeline == nil:
		return errors.New("no compute pipeline state bound")
	}
	in, out := e.buffers[0], e.buffers[1]
	if in == nil || out == nil {
		return errors.New("buffers must be bound at index 0 and 1")
	}
	return run(e.pipeline, e.groups, e.threadsPerGroup, in.data, out.data)
}

func run(p *PipelineState, groups, tpg gpu.Size, in, out []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("Execution of the command buffer was aborted due to an error during execution. (%s: %v)", p.name, r)
		}
	}()

	gridW := groups.Width * tpg.Width
	gridH := groups.Height * tpg.Height
	for gz := 0; gz < groups.Depth; gz++ {
		for gy := 0; gy < groups.Height; gy++ {
			for gx := 0; gx < groups.Width; gx++ {
				for lz := 0; lz < tpg.Depth; lz++ {
					for ly := 0; ly < tpg.Height; ly++ {
						for lx := 0; lx < tpg.Width; lx++ {
							global := gpu.Size{
								Width:  gx*tpg.Width + lx,
								Height: gy*tpg.Height + ly,
								Depth:  gz*tpg.Depth + lz,
							}
							p.impl(Thread{
								Group:  gpu.Size{Width: gx, Height: gy, Depth: gz},
								Local:  gpu.Size{Width: lx, Height: ly, Depth: lz},
								Global: global,
								Index:  global.Width + global.Height*gridW + global.Depth*gridW*gridH,
							}, in, out)
						}
					}
				}
			}
		}
	}
	return nil
}
