// Package buffer implements the zero-copy, refcounted packet buffer engine
// (C1): data headers shared by clone, a buffer made of an ordered run of
// data nodes, and the header/tail reservation and checksum machinery the
// rest of the stack builds on.
//
// A buffer is a list of data nodes, each node carving its used/header/tail
// space out of a 2 KiB "allocation header" that is refcounted so clones
// can share the underlying bytes without copying them.
package buffer

import (
	"sync/atomic"

	"github.com/nstack/netcore/pkg/corenet/metrics"
)

// headerBlockSize is the size of one data header allocation.
const headerBlockSize = 2048

// headerNodeOverhead accounts for the per-node bookkeeping carved out of
// every allocation header; the remainder is usable payload space.
const headerNodeOverhead = 32

// usablePerHeader is the maximum payload bytes a single data header can back.
const usablePerHeader = headerBlockSize - headerNodeOverhead

// dataHeader is a refcounted 2 KiB allocation. Multiple nodes, possibly
// belonging to different buffers after a clone, may reference the same
// dataHeader; the bytes are only released once the last reference drops.
type dataHeader struct {
	data []byte
	refs atomic.Int32
}

func newDataHeader() *dataHeader {
	h := &dataHeader{data: make([]byte, headerBlockSize)}
	h.refs.Store(1)
	metrics.BuffersAllocated.Inc()
	return h
}

func (h *dataHeader) acquire() {
	h.refs.Add(1)
}

// release drops a reference, returning true if this was the last one.
func (h *dataHeader) release() bool {
	if h.refs.Add(-1) == 0 {
		h.data = nil
		metrics.BuffersFreed.Inc()
		return true
	}
	return false
}

func (h *dataHeader) refCount() int32 {
	return h.refs.Load()
}
