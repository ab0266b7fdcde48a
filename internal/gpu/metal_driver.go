//go:build darwin && cgo
// +build darwin,cgo

package gpu

/*
#cgo CFLAGS: -x objective-c -fobjc-arc
#cgo LDFLAGS: -framework Metal -framework Foundation

#import <Metal/Metal.h>
#import <Foundation/Foundation.h>
#include <stdlib.h>
#include <string.h>

static char* mp_strdup(NSString* s) {
    if (s == nil) {
        return NULL;
    }
    return strdup([s UTF8String]);
}

static void* mp_create_device(void) {
    @autoreleasepool {
        id<MTLDevice> device = MTLCreateSystemDefaultDevice();
        if (device == nil) {
            return NULL;
        }
        return (void*)CFBridgingRetain(device);
    }
}

static char* mp_device_name(void* device) {
    @autoreleasepool {
        id<MTLDevice> d = (__bridge id<MTLDevice>)device;
        return mp_strdup([d name]);
    }
}

static void* mp_new_command_queue(void* device) {
    @autoreleasepool {
        id<MTLDevice> d = (__bridge id<MTLDevice>)device;
        id<MTLCommandQueue> queue = [d newCommandQueue];
        if (queue == nil) {
            return NULL;
        }
        return (void*)CFBridgingRetain(queue);
    }
}

static void* mp_new_library(void* device, const char* source, char** error) {
    @autoreleasepool {
        id<MTLDevice> d = (__bridge id<MTLDevice>)device;
        NSString* src = [NSString stringWithUTF8String:source];
        if (src == nil) {
            *error = strdup("kernel source is not valid UTF-8");
            return NULL;
        }
        NSError* compileError = nil;
        id<MTLLibrary> library = [d newLibraryWithSource:src options:nil error:&compileError];
        if (library == nil) {
            if (compileError != nil) {
                *error = mp_strdup([compileError localizedDescription]);
            }
            return NULL;
        }
        return (void*)CFBridgingRetain(library);
    }
}

static void* mp_library_function(void* library, const char* name) {
    @autoreleasepool {
        id<MTLLibrary> lib = (__bridge id<MTLLibrary>)library;
        id<MTLFunction> fn = [lib newFunctionWithName:[NSString stringWithUTF8String:name]];
        if (fn == nil) {
            return NULL;
        }
        return (void*)CFBridgingRetain(fn);
    }
}

// Newline separated; caller frees.
static char* mp_library_function_names(void* library) {
    @autoreleasepool {
        id<MTLLibrary> lib = (__bridge id<MTLLibrary>)library;
        return mp_strdup([[lib functionNames] componentsJoinedByString:@"\n"]);
    }
}

static void* mp_new_pipeline(void* device, void* function, char** error, size_t* maxThreads, size_t* width) {
    @autoreleasepool {
        id<MTLDevice> d = (__bridge id<MTLDevice>)device;
        id<MTLFunction> fn = (__bridge id<MTLFunction>)function;
        NSError* pipelineError = nil;
        id<MTLComputePipelineState> state = [d newComputePipelineStateWithFunction:fn error:&pipelineError];
        if (state == nil) {
            if (pipelineError != nil) {
                *error = mp_strdup([pipelineError localizedDescription]);
            }
            return NULL;
        }
        *maxThreads = [state maxTotalThreadsPerThreadgroup];
        *width = [state threadExecutionWidth];
        return (void*)CFBridgingRetain(state);
    }
}

static void* mp_new_buffer(void* device, const void* bytes, size_t n, size_t length) {
    @autoreleasepool {
        id<MTLDevice> d = (__bridge id<MTLDevice>)device;
        id<MTLBuffer> buffer = [d newBufferWithLength:length options:MTLResourceStorageModeShared];
        if (buffer == nil) {
            return NULL;
        }
        void* contents = [buffer contents];
        memset(contents, 0, length);
        if (bytes != NULL && n > 0) {
            memcpy(contents, bytes, n);
        }
        return (void*)CFBridgingRetain(buffer);
    }
}

static void* mp_buffer_contents(void* buffer) {
    id<MTLBuffer> b = (__bridge id<MTLBuffer>)buffer;
    return [b contents];
}

static size_t mp_buffer_length(void* buffer) {
    id<MTLBuffer> b = (__bridge id<MTLBuffer>)buffer;
    return [b length];
}

static void* mp_new_command_buffer(void* queue) {
    @autoreleasepool {
        id<MTLCommandQueue> q = (__bridge id<MTLCommandQueue>)queue;
        id<MTLCommandBuffer> cb = [q commandBuffer];
        if (cb == nil) {
            return NULL;
        }
        return (void*)CFBridgingRetain(cb);
    }
}

static void* mp_new_compute_encoder(void* commandBuffer) {
    @autoreleasepool {
        id<MTLCommandBuffer> cb = (__bridge id<MTLCommandBuffer>)commandBuffer;
        id<MTLComputeCommandEncoder> enc = [cb computeCommandEncoder];
        if (enc == nil) {
            return NULL;
        }
        return (void*)CFBridgingRetain(enc);
    }
}

static void mp_set_pipeline(void* encoder, void* pipeline) {
    id<MTLComputeCommandEncoder> enc = (__bridge id<MTLComputeCommandEncoder>)encoder;
    [enc setComputePipelineState:(__bridge id<MTLComputePipelineState>)pipeline];
}

static void mp_set_buffer(void* encoder, void* buffer, size_t offset, size_t index) {
    id<MTLComputeCommandEncoder> enc = (__bridge id<MTLComputeCommandEncoder>)encoder;
    [enc setBuffer:(__bridge id<MTLBuffer>)buffer offset:offset atIndex:index];
}

static void mp_dispatch(void* encoder, size_t gw, size_t gh, size_t gd, size_t tw, size_t th, size_t td) {
    id<MTLComputeCommandEncoder> enc = (__bridge id<MTLComputeCommandEncoder>)encoder;
    [enc dispatchThreadgroups:MTLSizeMake(gw, gh, gd) threadsPerThreadgroup:MTLSizeMake(tw, th, td)];
}

static void mp_end_encoding(void* encoder) {
    id<MTLComputeCommandEncoder> enc = (__bridge id<MTLComputeCommandEncoder>)encoder;
    [enc endEncoding];
}

static void mp_commit(void* commandBuffer) {
    [(__bridge id<MTLCommandBuffer>)commandBuffer commit];
}

static void mp_wait(void* commandBuffer) {
    [(__bridge id<MTLCommandBuffer>)commandBuffer waitUntilCompleted];
}

static int mp_status(void* commandBuffer) {
    return (int)[(__bridge id<MTLCommandBuffer>)commandBuffer status];
}

static char* mp_error(void* commandBuffer) {
    @autoreleasepool {
        NSError* err = [(__bridge id<MTLCommandBuffer>)commandBuffer error];
        if (err == nil) {
            return NULL;
        }
        return mp_strdup([err localizedDescription]);
    }
}

static void mp_release(void* obj) {
    if (obj != NULL) {
        CFBridgingRelease(obj);
    }
}
*/
import "C"
import (
	"errors"
	"fmt"
	"strings"
	"unsafe"
)

// SystemDriver returns the Metal driver.
func SystemDriver() Driver {
	return metalDriver{}
}

type metalDriver struct{}

func (metalDriver) Name() string {
	return "metal"
}

func (metalDriver) OpenDevice() (Device, error) {
	ptr := C.mp_create_device()
	if ptr == nil {
		return nil, errors.New("MTLCreateSystemDefaultDevice returned no device")
	}
	namePtr := C.mp_device_name(ptr)
	name := C.GoString(namePtr)
	C.free(unsafe.Pointer(namePtr))
	return &metalDevice{ptr: ptr, name: name}, nil
}

// takeError converts a strdup'ed C diagnostic into a Go error and frees it.
func takeError(cerr *C.char, fallback string) error {
	if cerr == nil {
		return errors.New(fallback)
	}
	defer C.free(unsafe.Pointer(cerr))
	return errors.New(C.GoString(cerr))
}

type metalDevice struct {
	ptr  unsafe.Pointer
	name string
}

func (d *metalDevice) Name() string {
	return d.name
}

func (d *metalDevice) NewCommandQueue() (CommandQueue, error) {
	ptr := C.mp_new_command_queue(d.ptr)
	if ptr == nil {
		return nil, errors.New("newCommandQueue returned nil")
	}
	return &metalQueue{ptr: ptr}, nil
}

func (d *metalDevice) NewLibrary(source string) (Library, error) {
	if strings.IndexByte(source, 0) >= 0 {
		return nil, errors.New("source contains a NUL byte")
	}
	src := C.CString(source)
	defer C.free(unsafe.Pointer(src))

	var cerr *C.char
	ptr := C.mp_new_library(d.ptr, src, &cerr)
	if ptr == nil {
		return nil, takeError(cerr, "newLibraryWithSource failed")
	}
	return &metalLibrary{ptr: ptr}, nil
}

func (d *metalDevice) NewComputePipeline(fn Function) (PipelineState, error) {
	mfn, ok := fn.(*metalFunction)
	if !ok {
		return nil, fmt.Errorf("function %q was not created by the metal driver", fn.Name())
	}

	var (
		cerr       *C.char
		maxThreads C.size_t
		width      C.size_t
	)
	ptr := C.mp_new_pipeline(d.ptr, mfn.ptr, &cerr, &maxThreads, &width)
	if ptr == nil {
		return nil, takeError(cerr, "newComputePipelineStateWithFunction failed")
	}
	return &metalPipelineState{
		ptr:        ptr,
		maxThreads: int(maxThreads),
		width:      int(width),
	}, nil
}

func (d *metalDevice) NewBuffer(length int) (DeviceBuffer, error) {
	return d.newBuffer(nil, length)
}

func (d *metalDevice) NewBufferWithBytes(data []byte, length int) (DeviceBuffer, error) {
	if len(data) > length {
		return nil, fmt.Errorf("%d bytes do not fit in a %d byte buffer", len(data), length)
	}
	return d.newBuffer(data, length)
}

func (d *metalDevice) newBuffer(data []byte, length int) (DeviceBuffer, error) {
	var src unsafe.Pointer
	if len(data) > 0 {
		src = unsafe.Pointer(&data[0])
	}
	ptr := C.mp_new_buffer(d.ptr, src, C.size_t(len(data)), C.size_t(length))
	if ptr == nil {
		return nil, fmt.Errorf("newBufferWithLength:%d returned nil", length)
	}
	return &metalBuffer{ptr: ptr, length: int(C.mp_buffer_length(ptr))}, nil
}

func (d *metalDevice) Release() {
	C.mp_release(d.ptr)
	d.ptr = nil
}

type metalLibrary struct {
	ptr unsafe.Pointer
}

func (l *metalLibrary) Function(name string) (Function, bool) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	ptr := C.mp_library_function(l.ptr, cname)
	if ptr == nil {
		return nil, false
	}
	return &metalFunction{ptr: ptr, name: name}, true
}

func (l *metalLibrary) FunctionNames() []string {
	cnames := C.mp_library_function_names(l.ptr)
	if cnames == nil {
		return nil
	}
	defer C.free(unsafe.Pointer(cnames))

	joined := C.GoString(cnames)
	if joined == "" {
		return nil
	}
	return strings.Split(joined, "\n")
}

func (l *metalLibrary) Release() {
	C.mp_release(l.ptr)
	l.ptr = nil
}

type metalFunction struct {
	ptr  unsafe.Pointer
	name string
}

func (f *metalFunction) Name() string {
	return f.name
}

func (f *metalFunction) Release() {
	C.mp_release(f.ptr)
	f.ptr = nil
}

type metalPipelineState struct {
	ptr        unsafe.Pointer
	maxThreads int
	width      int
}

func (p *metalPipelineState) MaxTotalThreadsPerThreadgroup() int {
	return p.maxThreads
}

func (p *metalPipelineState) ThreadExecutionWidth() int {
	return p.width
}

func (p *metalPipelineState) Release() {
	C.mp_release(p.ptr)
	p.ptr = nil
}

type metalBuffer struct {
	ptr    unsafe.Pointer
	length int
}

func (b *metalBuffer) Length() int {
	return b.length
}

func (b *metalBuffer) CopyBytes() []byte {
	out := make([]byte, b.length)
	copy(out, unsafe.Slice((*byte)(C.mp_buffer_contents(b.ptr)), b.length))
	return out
}

func (b *metalBuffer) Release() {
	C.mp_release(b.ptr)
	b.ptr = nil
}

type metalQueue struct {
	ptr unsafe.Pointer
}

func (q *metalQueue) NewCommandBuffer() (CommandBuffer, error) {
	ptr := C.mp_new_command_buffer(q.ptr)
	if ptr == nil {
		return nil, errors.New("commandBuffer returned nil")
	}
	return &metalCommandBuffer{ptr: ptr}, nil
}

func (q *metalQueue) Release() {
	C.mp_release(q.ptr)
	q.ptr = nil
}

type metalCommandBuffer struct {
	ptr unsafe.Pointer
}

func (c *metalCommandBuffer) NewComputeEncoder() (ComputeEncoder, error) {
	ptr := C.mp_new_compute_encoder(c.ptr)
	if ptr == nil {
		return nil, errors.New("computeCommandEncoder returned nil")
	}
	return &metalEncoder{ptr: ptr}, nil
}

func (c *metalCommandBuffer) Commit() {
	C.mp_commit(c.ptr)
}

func (c *metalCommandBuffer) WaitUntilCompleted() {
	C.mp_wait(c.ptr)
}

func (c *metalCommandBuffer) Status() CommandStatus {
	return CommandStatus(C.mp_status(c.ptr))
}

func (c *metalCommandBuffer) Err() error {
	cerr := C.mp_error(c.ptr)
	if cerr == nil {
		return nil
	}
	return takeError(cerr, "")
}

func (c *metalCommandBuffer) Release() {
	C.mp_release(c.ptr)
	c.ptr = nil
}

type metalEncoder struct {
	ptr unsafe.Pointer
}

func (e *metalEncoder) SetPipeline(p PipelineState) {
	C.mp_set_pipeline(e.ptr, p.(*metalPipelineState).ptr)
}

func (e *metalEncoder) SetBuffer(b DeviceBuffer, offset, index int) {
	C.mp_set_buffer(e.ptr, b.(*metalBuffer).ptr, C.size_t(offset), C.size_t(index))
}

func (e *metalEncoder) DispatchThreadgroups(groups, threadsPerGroup Size) {
	C.mp_dispatch(e.ptr,
		C.size_t(groups.Width), C.size_t(groups.Height), C.size_t(groups.Depth),
		C.size_t(threadsPerGroup.Width), C.size_t(threadsPerGroup.Height), C.size_t(threadsPerGroup.Depth))
}

// EndEncoding closes the encoder and drops the reference held on it.
func (e *metalEncoder) EndEncoding() {
	C.mp_end_encoding(e.ptr)
	C.mp_release(e.ptr)
	e.ptr = nil
}
