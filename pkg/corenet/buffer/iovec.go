package buffer

import "syscall"

// CountIovecs returns the number of node spans overlapping
// [offset, offset+size), i.e. how large an iovec slice GetIovecs will need.
func (b *Buffer) CountIovecs(offset, size int) int {
	count := 0
	remaining := size
	n := b.nodeAtOffset(offset)
	if n == nil {
		return 0
	}
	local := offset - n.offset
	idx := b.indexOf(n)
	for remaining > 0 && idx < len(b.nodes) {
		n = b.nodes[idx]
		span := n.used - local
		if span > remaining {
			span = remaining
		}
		count++
		remaining -= span
		local = 0
		idx++
	}
	return count
}

// GetIovecs builds a syscall.Iovec slice directly over the buffer's node
// storage for [offset, offset+size), letting readv/writev and similar
// vectored syscalls operate without a bounce-copy. Callers must not hold the
// slice past a RemoveHeader/RemoveTrailer/Merge that reshapes the node list.
func (b *Buffer) GetIovecs(offset, size int) ([]syscall.Iovec, error) {
	out := make([]syscall.Iovec, 0, b.CountIovecs(offset, size))

	err := b.forEachSpan(offset, size, func(span []byte, progress int) {
		if len(span) == 0 {
			return
		}
		iov := syscall.Iovec{Base: &span[0]}
		iov.SetLen(len(span))
		out = append(out, iov)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
