package buffer

import "github.com/nstack/netcore/pkg/corenet/errs"

// ChecksumData computes the Internet ones-complement checksum (RFC 1071)
// over size bytes starting at offset, carrying the running sum across node
// boundaries and swapping bytes when a span starts at an odd offset so the
// 16-bit adds always line up the same way they would over one contiguous
// buffer. Pass finalize=false when the caller will fold in more data later
// (e.g. a pseudo-header followed by the payload) and wants the folded but
// uncomplemented 16-bit partial sum back instead of the complemented result.
func (b *Buffer) ChecksumData(offset, size int, finalize bool) (uint16, error) {
	if offset+size > b.size {
		return 0, errs.ErrBadValue
	}

	var sum uint32
	swapped := false

	err := b.forEachSpan(offset, size, func(span []byte, progress int) {
		localSwap := swapped
		data := span
		if localSwap && len(data) > 0 {
			sum += uint32(data[0])
			data = data[1:]
			localSwap = false
		}
		i := 0
		for ; i+1 < len(data); i += 2 {
			sum += uint32(data[i])<<8 | uint32(data[i+1])
		}
		if i < len(data) {
			sum += uint32(data[i]) << 8
			localSwap = true
		}
		if len(span)%2 == 1 {
			swapped = !swapped
		}
	})
	if err != nil {
		return 0, err
	}

	if !finalize {
		return uint16(foldChecksum(sum)), nil
	}
	folded := foldChecksum(sum)
	return ^uint16(folded), nil
}

func foldChecksum(sum uint32) uint32 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return sum
}
