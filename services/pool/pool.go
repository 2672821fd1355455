package pool

import (
	"sync"

	"github.com/kychandar/changecast/ds"
)

// GenericPool is a generic sync.Pool wrapper
type GenericPool[T any] struct {
	pool *sync.Pool
	new  func() T
}

// NewGenericPool creates a new generic pool with a factory function
func NewGenericPool[T any](factory func() T) *GenericPool[T] {
	return &GenericPool[T]{
		pool: &sync.Pool{
			New: func() interface{} {
				return factory()
			},
		},
		new: factory,
	}
}

// Get retrieves an object from the pool or creates a new one
func (p *GenericPool[T]) Get() T {
	return p.pool.Get().(T)
}

// Put returns an object to the pool
func (p *GenericPool[T]) Put(obj T) {
	p.pool.Put(obj)
}

// ObjectPool holds the pools for objects allocated per frame: decoded frames and
// outbound encode buffers.
type ObjectPool struct {
	Frame     *GenericPool[*ds.Frame]
	ByteSlice *GenericPool[[]byte]
}

func NewObjectPool() *ObjectPool {
	return &ObjectPool{
		Frame: NewGenericPool(ds.NewEmpty),
		ByteSlice: NewGenericPool(func() []byte {
			return make([]byte, 0, 4096)
		}),
	}
}

var globalPool = NewObjectPool()

// GetGlobalPool returns the global object pool
func GetGlobalPool() *ObjectPool {
	return globalPool
}

// ResetFrame clears f and returns it to the pool. f must not be used afterwards.
func (p *ObjectPool) ResetFrame(f *ds.Frame) {
	f.Reset()
	p.Frame.Put(f)
}

func (p *ObjectPool) ResetByteSlice(b []byte) {
	p.ByteSlice.Put(b[:0]) // Reset slice to 0 length, keep capacity
}
