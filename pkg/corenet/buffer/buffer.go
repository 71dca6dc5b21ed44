package buffer

import (
	"github.com/nstack/netcore/pkg/corenet/errs"
)

// Address is a variable-length, family-tagged socket address. Buffers own
// their source/destination storage by value, the way net_buffer owns its
// sockaddr_storage fields; never compare Addresses with the raw bytes of an
// unrelated family (§9 "Sockaddr variability").
type Address struct {
	Family uint8
	Raw    []byte
}

func (a Address) Clone() Address {
	if a.Raw == nil {
		return Address{Family: a.Family}
	}
	raw := make([]byte, len(a.Raw))
	copy(raw, a.Raw)
	return Address{Family: a.Family, Raw: raw}
}

// Buffer is the packet buffer (C1). Methods are not internally
// synchronized: a Buffer is owned by exactly one goroutine/thread at a time,
// synchronization happens at the FIFO/socket layer that hands it off.
type Buffer struct {
	nodes []*node
	size  int

	Source      Address
	Destination Address

	// IfaceAddr is a non-owning, weak back-reference to the interface
	// address this buffer arrived on or will be sent from. It is typed as
	// any to avoid an import cycle with pkg/corenet/iface; the iface
	// package is responsible for lifetime and for type-asserting it back.
	IfaceAddr any

	Protocol int32
	Type     int32
	Index    int32
	Flags    uint32

	Ancillary ancillaryContainer

	storedHeaderLength int
	allocationHeader   *dataHeader
}

// ancillaryContainer is the minimal surface Buffer needs from
// pkg/corenet/ancillary, kept as an interface here to avoid a dependency
// cycle (ancillary containers are attached to buffers by value of this
// interface from the ancillary package).
type ancillaryContainer interface {
	Destroy()
}

// Create allocates a new, empty buffer with headerSpace bytes of header
// room reserved in its first (and initially only) data node.
func Create(headerSpace int) *Buffer {
	h := newDataHeader()
	n := newNodeFromFreshHeader(h, headerSpace)
	return &Buffer{
		nodes:            []*node{n},
		allocationHeader: h,
	}
}

// Free releases every data header reference the buffer holds and runs the
// ancillary-data container's destructors, if any.
func (b *Buffer) Free() {
	if b.Ancillary != nil {
		b.Ancillary.Destroy()
		b.Ancillary = nil
	}
	for _, n := range b.nodes {
		n.header.release()
	}
	b.nodes = nil
	b.size = 0
}

func (b *Buffer) copyMetadataFrom(src *Buffer) {
	b.Source = src.Source.Clone()
	b.Destination = src.Destination.Clone()
	b.IfaceAddr = src.IfaceAddr
	b.Protocol = src.Protocol
	b.Type = src.Type
	b.Index = src.Index
	b.Flags = src.Flags
}

// Size returns the total number of payload bytes across all nodes.
func (b *Buffer) Size() int { return b.size }

// nodeAtOffset returns the node containing byte offset off, and nil if off
// is out of range.
func (b *Buffer) nodeAtOffset(off int) *node {
	for _, n := range b.nodes {
		if off >= n.offset && off < n.offset+n.used {
			return n
		}
	}
	if off == b.size && len(b.nodes) > 0 {
		return b.nodes[len(b.nodes)-1]
	}
	return nil
}

func (b *Buffer) recomputeOffsets() {
	off := 0
	for _, n := range b.nodes {
		n.offset = off
		off += n.used
	}
}

// checkInvariants validates §3 invariants (i) and (ii); it is used
// by tests, not on the hot path.
func (b *Buffer) checkInvariants() error {
	off := 0
	for _, n := range b.nodes {
		if n.offset != off {
			return errs.Wrapf(errs.ErrBadValue, "node offset %d != running sum %d", n.offset, off)
		}
		off += n.used
	}
	if off != b.size {
		return errs.Wrapf(errs.ErrBadValue, "sum of used %d != size %d", off, b.size)
	}
	return nil
}

// Duplicate performs a deep copy: new data headers, independent bytes.
// Freeing the duplicate never affects the original.
func (b *Buffer) Duplicate() *Buffer {
	dup := Create(0)
	dup.nodes[0].header.release()
	dup.nodes = dup.nodes[:0]
	dup.allocationHeader = nil

	if err := appendDataFromBuffer(dup, b, b.size); err != nil {
		dup.Free()
		return nil
	}
	dup.copyMetadataFrom(b)
	return dup
}

// Clone creates a data-sharing copy: cloned nodes reference the same
// dataHeaders (refcount bumped) and are marked read-only so neither buffer
// can widen header/tail space underneath the other. If shareFreeSpace is
// false the clone's nodes record only their used bytes as their region.
// Either way, because cloned nodes are read-only, later growth of the clone
// allocates fresh headers instead of using the original buffer's free
// region.
func (b *Buffer) Clone(shareFreeSpace bool) *Buffer {
	clone := Create(0)
	clone.nodes[0].header.release()
	clone.nodes = clone.nodes[:0]
	clone.allocationHeader = nil

	off := 0
	for _, src := range b.nodes {
		src.header.acquire()
		var n *node
		if shareFreeSpace {
			n = &node{
				header:      src.header,
				regionStart: src.regionStart,
				regionEnd:   src.regionEnd,
				start:       src.start,
				used:        src.used,
				readOnly:    true,
			}
		} else {
			n = &node{
				header:      src.header,
				regionStart: src.start,
				regionEnd:   src.start + src.used,
				start:       src.start,
				used:        src.used,
				readOnly:    true,
			}
		}
		n.offset = off
		off += n.used
		clone.nodes = append(clone.nodes, n)
	}
	clone.size = b.size
	clone.copyMetadataFrom(b)
	return clone
}

// Split moves the first offset bytes into a new buffer (returned as the
// head), leaving the remainder in the receiver (the tail). Metadata
// (interface address, flags, protocol, type) is preserved on both halves.
func (b *Buffer) Split(offset int) (*Buffer, error) {
	if offset > b.size {
		return nil, errs.ErrBadValue
	}
	head := Create(0)
	head.nodes[0].header.release()
	head.nodes = head.nodes[:0]
	head.allocationHeader = nil
	head.copyMetadataFrom(b)

	if err := appendDataFromBuffer(head, b, offset); err != nil {
		head.Free()
		return nil, err
	}
	if err := b.RemoveHeader(offset); err != nil {
		head.Free()
		return nil, err
	}
	return head, nil
}

// Merge appends (after=true) or prepends (after=false) with's contents to
// b, then frees with. On success with must not be used again.
func (b *Buffer) Merge(with *Buffer, after bool) error {
	if with == nil {
		return errs.ErrBadValue
	}

	if !after {
		for _, n := range b.nodes {
			n.offset += with.size
		}
	}

	moved := make([]*node, len(with.nodes))
	copy(moved, with.nodes)

	if after {
		b.nodes = append(b.nodes, moved...)
	} else {
		b.nodes = append(append([]*node{}, moved...), b.nodes...)
	}
	b.size += with.size

	b.recomputeOffsets()

	with.nodes = nil
	with.size = 0
	with.Free()
	return nil
}

// SwapAddresses swaps the Source and Destination fields (pointers, not
// contents, per §4.1).
func (b *Buffer) SwapAddresses() {
	b.Source, b.Destination = b.Destination, b.Source
}
