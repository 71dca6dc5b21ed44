package buffer

import "github.com/nstack/netcore/pkg/corenet/errs"

// StoreHeader pulls length bytes off the front of the buffer and parks them
// as free header space on the first node instead of discarding them, so a
// protocol layer that strips a header to inspect the payload can cheaply put
// it back with RestoreHeader without reallocating. Only one stored header
// may be pending at a time.
func (b *Buffer) StoreHeader(length int) error {
	if length <= 0 || length > b.size {
		return errs.ErrBadValue
	}
	if len(b.nodes) == 0 {
		return errs.ErrBadValue
	}
	n := b.nodes[0]
	if length > n.used {
		return errs.Wrapf(errs.ErrBadValue, "stored header length %d spans multiple nodes", length)
	}
	n.start += length
	n.used -= length
	n.storedHdr = true
	b.storedHeaderLength = length
	b.size -= length
	b.recomputeOffsets()
	return nil
}

// StoredHeaderLength returns the number of bytes currently parked by
// StoreHeader, or 0 if none are pending.
func (b *Buffer) StoredHeaderLength() int { return b.storedHeaderLength }

// RestoreHeader reinstates the entire header parked by StoreHeader.
func (b *Buffer) RestoreHeader() error {
	if b.storedHeaderLength == 0 {
		return errs.ErrBadValue
	}
	n := b.nodes[0]
	length := b.storedHeaderLength
	n.start -= length
	n.used += length
	n.storedHdr = false
	b.storedHeaderLength = 0
	b.size += length
	b.recomputeOffsets()
	return nil
}

// AppendRestoredHeader reinstates only newHeaderLength bytes of the parked
// header, leaving the rest still parked. Used when a protocol layer
// recomputes a shorter header than the one it stripped (e.g. an option list
// shrinking on rewrite).
func (b *Buffer) AppendRestoredHeader(newHeaderLength int) error {
	if b.storedHeaderLength == 0 {
		return errs.ErrBadValue
	}
	if newHeaderLength < 0 || newHeaderLength > b.storedHeaderLength {
		return errs.ErrBadValue
	}
	n := b.nodes[0]
	n.start -= newHeaderLength
	n.used += newHeaderLength
	b.size += newHeaderLength

	remaining := b.storedHeaderLength - newHeaderLength
	b.storedHeaderLength = remaining
	n.storedHdr = remaining > 0
	b.recomputeOffsets()
	return nil
}
