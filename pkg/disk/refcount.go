package disk

import (
	"fmt"
	"sync/atomic"
)

const disposedValue = -1

// ReferenceCounter gates disposal of a resource on the number of holders.
// Once disposed, no further Increase succeeds.
type ReferenceCounter struct {
	count atomic.Int64
}

// Increase adds a holder, or returns false if the resource is disposed.
func (r *ReferenceCounter) Increase() bool {
	for {
		v := r.count.Load()
		if v == disposedValue {
			return false
		}
		if r.count.CompareAndSwap(v, v+1) {
			return true
		}
	}
}

// Decrease removes a holder. Calling it without a matching Increase is a bug.
func (r *ReferenceCounter) Decrease() {
	for {
		v := r.count.Load()
		if v <= 0 {
			panic(fmt.Sprintf("reference count decreased without holders: %d", v))
		}
		if r.count.CompareAndSwap(v, v-1) {
			return
		}
	}
}

// TryDispose marks the resource disposed if nobody holds it.
func (r *ReferenceCounter) TryDispose() bool {
	return r.count.CompareAndSwap(0, disposedValue)
}

// Get returns the number of holders; zero once disposed.
func (r *ReferenceCounter) Get() int64 {
	if v := r.count.Load(); v > 0 {
		return v
	}
	return 0
}

func (r *ReferenceCounter) Disposed() bool {
	return r.count.Load() == disposedValue
}
