package buffer

import "github.com/nstack/netcore/pkg/corenet/errs"

// PrependSize reserves size bytes at the front of the buffer, consuming the
// first node's header space before allocating fresh data headers, and
// returns a contiguous pointer into it when possible (nil when the
// reservation had to span multiple nodes).
func (b *Buffer) PrependSize(size int) ([]byte, error) {
	if len(b.nodes) == 0 {
		h := newDataHeader()
		b.nodes = append(b.nodes, newNodeFromFreshHeader(h, 0))
	}
	n := b.nodes[0]

	if n.storedHdr {
		// The stored header's parked bytes already widened n.headerSpace()
		// when StoreHeader moved n.start forward (regionStart never moved),
		// so a prepend can already reach them without any further shift of
		// n.start. Only drop the restore bookkeeping here: re-shifting
		// n.start a second time leaves n.used describing bytes
		// that no longer align with n.start, resurrecting the discarded
		// header instead of the buffer's real remaining payload.
		n.storedHdr = false
		b.storedHeaderLength = 0
	}

	if n.headerSpace() < size {
		bytesLeft := size
		sizePrepended := 0
		for bytesLeft > 0 {
			if n.headerSpace() == 0 {
				h := newDataHeader()
				prepended := newNodeFromFreshHeader(h, usablePerHeader)
				b.nodes = append([]*node{prepended}, b.nodes...)
				n = prepended
			}
			willConsume := bytesLeft
			if hs := n.headerSpace(); hs < willConsume {
				willConsume = hs
			}
			n.start -= willConsume
			n.used += willConsume
			bytesLeft -= willConsume
			sizePrepended += willConsume
		}
		b.recomputeOffsets()
		b.size += size
		return nil, nil
	}

	n.start -= size
	n.used += size
	for _, other := range b.nodes[1:] {
		other.offset += size
	}
	b.size += size
	return n.bytes()[:size], nil
}

// PrependData reserves and copies size bytes of data at the front.
func (b *Buffer) PrependData(data []byte) error {
	contiguous, err := b.PrependSize(len(data))
	if err != nil {
		return err
	}
	if contiguous != nil {
		copy(contiguous, data)
		return nil
	}
	return b.WriteData(0, data)
}

// AppendSize reserves size bytes at the tail, consuming the last node's
// tail space before allocating fresh data headers.
func (b *Buffer) AppendSize(size int) ([]byte, error) {
	if len(b.nodes) == 0 {
		h := newDataHeader()
		b.nodes = append(b.nodes, newNodeFromFreshHeader(h, 0))
	}
	n := b.nodes[len(b.nodes)-1]

	if n.tailSpace() >= size {
		start := n.start + n.used
		n.used += size
		b.size += size
		return n.header.data[start : start+size], nil
	}

	previousTailSpace := n.tailSpace()
	n.used += previousTailSpace
	b.size += previousTailSpace
	sizeAdded := previousTailSpace

	for sizeAdded < size {
		sizeUsed := usablePerHeader
		if sizeAdded+sizeUsed > size {
			sizeUsed = size - sizeAdded
		}
		h := newDataHeader()
		tail := newTailNode(h, sizeUsed)
		tail.offset = b.size
		b.nodes = append(b.nodes, tail)

		b.size += sizeUsed
		sizeAdded += sizeUsed
	}
	return nil, nil
}

// AppendData reserves and copies size bytes of data at the tail.
func (b *Buffer) AppendData(data []byte) error {
	used := b.size
	contiguous, err := b.AppendSize(len(data))
	if err != nil {
		return err
	}
	if contiguous != nil {
		copy(contiguous, data)
		return nil
	}
	return b.WriteData(used, data)
}

// RemoveHeader removes bytes from the front of the buffer.
func (b *Buffer) RemoveHeader(bytes int) error {
	if bytes > b.size {
		return errs.ErrBadValue
	}
	left := bytes
	for left > 0 && len(b.nodes) > 0 {
		n := b.nodes[0]
		if n.used <= left {
			left -= n.used
			n.header.release()
			b.nodes = b.nodes[1:]
			continue
		}
		n.start += left
		n.used -= left
		left = 0
	}
	b.size -= bytes
	b.recomputeOffsets()
	return nil
}

// RemoveTrailer removes bytes from the tail of the buffer.
func (b *Buffer) RemoveTrailer(bytes int) error {
	if bytes > b.size {
		return errs.ErrBadValue
	}
	left := bytes
	for left > 0 && len(b.nodes) > 0 {
		n := b.nodes[len(b.nodes)-1]
		if n.used <= left {
			left -= n.used
			n.header.release()
			b.nodes = b.nodes[:len(b.nodes)-1]
			continue
		}
		n.used -= left
		left = 0
	}
	b.size -= bytes
	return nil
}

// Trim shrinks the buffer to newSize by removing trailing bytes.
func (b *Buffer) Trim(newSize int) error {
	if newSize > b.size {
		return errs.ErrBadValue
	}
	return b.RemoveTrailer(b.size - newSize)
}

// WriteData copies size bytes into existing, already-allocated buffer space.
func (b *Buffer) WriteData(offset int, data []byte) error {
	size := len(data)
	if offset+size > b.size {
		return errs.ErrBadValue
	}
	if size == 0 {
		return nil
	}
	return b.forEachSpan(offset, size, func(dst []byte, src int) {
		copy(dst, data[src:])
	})
}

// ReadData copies size bytes out of the buffer at offset.
func (b *Buffer) ReadData(offset int, size int) ([]byte, error) {
	if offset+size > b.size {
		return nil, errs.ErrBadValue
	}
	out := make([]byte, size)
	if size == 0 {
		return out, nil
	}
	err := b.forEachSpan(offset, size, func(src []byte, dst int) {
		copy(out[dst:], src)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// forEachSpan walks the node chain starting at offset for size bytes,
// invoking fn(nodeSlice, progressSoFar) for each contiguous span. It is
// shared by WriteData (fn copies in) and ReadData (fn copies out); for
// WriteData the nodeSlice is the destination, for ReadData it is the
// source -- callers index the caller-owned buffer with the progress value.
func (b *Buffer) forEachSpan(offset, size int, fn func(span []byte, progress int)) error {
	n := b.nodeAtOffset(offset)
	if n == nil {
		return errs.ErrBadValue
	}
	localOffset := offset - n.offset
	progress := 0
	idx := b.indexOf(n)
	for {
		avail := n.used - localOffset
		span := avail
		if span > size-progress {
			span = size - progress
		}
		fn(n.bytes()[localOffset:localOffset+span], progress)
		progress += span
		if progress == size {
			return nil
		}
		localOffset = 0
		idx++
		if idx >= len(b.nodes) {
			return errs.ErrBadValue
		}
		n = b.nodes[idx]
	}
}

func (b *Buffer) indexOf(target *node) int {
	for i, n := range b.nodes {
		if n == target {
			return i
		}
	}
	return -1
}

// DirectAccess returns a contiguous slice covering [offset, offset+size) if
// the region falls entirely within one node, or ErrBadValue/general error
// when it spans nodes or is out of range.
func (b *Buffer) DirectAccess(offset, size int) ([]byte, error) {
	if offset+size > b.size {
		return nil, errs.ErrBadValue
	}
	n := b.nodeAtOffset(offset)
	if n == nil {
		return nil, errs.ErrBadValue
	}
	local := offset - n.offset
	if size > n.used-local {
		return nil, errs.Wrapf(errs.ErrBadValue, "discontiguous region at offset %d", offset)
	}
	return n.bytes()[local : local+size], nil
}

// AppendClonedData appends len bytes from src[offset:] into the buffer by
// sharing src's data headers (refcounted) rather than copying, marking the
// newly appended nodes read-only.
func (b *Buffer) AppendClonedData(src *Buffer, offset, length int) error {
	if offset+length > src.size {
		return errs.ErrBadValue
	}
	if length == 0 {
		return nil
	}
	n := src.nodeAtOffset(offset)
	if n == nil {
		return errs.ErrBadValue
	}
	local := offset - n.offset
	idx := src.indexOf(n)
	remaining := length
	for remaining > 0 {
		n = src.nodes[idx]
		span := n.used - local
		if span > remaining {
			span = remaining
		}
		n.header.acquire()
		cloned := &node{
			header:      n.header,
			regionStart: n.start + local,
			regionEnd:   n.start + local + span,
			start:       n.start + local,
			used:        span,
			readOnly:    true,
			offset:      b.size,
		}
		b.nodes = append(b.nodes, cloned)
		b.size += span
		remaining -= span
		local = 0
		idx++
		if remaining > 0 && idx >= len(src.nodes) {
			return errs.ErrBadValue
		}
	}
	return nil
}

// appendDataFromBuffer deep-copies the first size bytes of src onto the
// tail of dst (used by Duplicate and Split, which must produce independent
// storage rather than a clone).
func appendDataFromBuffer(dst, src *Buffer, size int) error {
	if size > src.size {
		return errs.ErrBadValue
	}
	if size == 0 {
		return nil
	}
	chunk, err := src.ReadData(0, size)
	if err != nil {
		return err
	}
	return dst.AppendData(chunk)
}
