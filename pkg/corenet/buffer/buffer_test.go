package buffer

import (
	"bytes"
	"testing"

	"github.com/go-test/deep"
	"github.com/nstack/netcore/pkg/corenet/errs"
)

func TestAppendPrependScenario(t *testing.T) {
	b := Create(64)
	defer b.Free()

	aa := bytes.Repeat([]byte{0xAA}, 16)
	if err := b.AppendData(aa); err != nil {
		t.Fatalf("AppendData: %v", err)
	}
	bb := bytes.Repeat([]byte{0xBB}, 4)
	if err := b.PrependData(bb); err != nil {
		t.Fatalf("PrependData: %v", err)
	}

	if b.Size() != 20 {
		t.Fatalf("size = %d, want 20", b.Size())
	}
	if len(b.nodes) != 1 {
		t.Fatalf("expected exactly one data node, got %d", len(b.nodes))
	}

	got, err := b.ReadData(0, 4)
	if err != nil || !bytes.Equal(got, bb) {
		t.Fatalf("read(0,4) = %x, %v; want %x", got, err, bb)
	}
	got, err = b.ReadData(4, 16)
	if err != nil || !bytes.Equal(got, aa) {
		t.Fatalf("read(4,16) = %x, %v; want %x", got, err, aa)
	}
	if n := b.CountIovecs(0, b.Size()); n != 1 {
		t.Fatalf("count_iovecs = %d, want 1", n)
	}
}

func TestAppendSpillsAcrossHeaders(t *testing.T) {
	b := Create(0)
	defer b.Free()

	data := make([]byte, 3000)
	for i := range data {
		data[i] = byte(i)
	}
	if err := b.AppendData(data); err != nil {
		t.Fatalf("AppendData: %v", err)
	}
	if b.Size() != 3000 {
		t.Fatalf("size = %d, want 3000", b.Size())
	}
	if n := b.CountIovecs(0, b.Size()); n != 2 {
		t.Fatalf("count_iovecs = %d, want 2", n)
	}

	got, err := b.ReadData(0, 3000)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("round-trip read mismatch")
	}

	sum, err := b.ChecksumData(0, 3000, true)
	if err != nil {
		t.Fatalf("ChecksumData: %v", err)
	}
	want := referenceChecksum(data)
	if sum != want {
		t.Fatalf("checksum = %04x, want %04x", sum, want)
	}
}

func referenceChecksum(data []byte) uint16 {
	var sum uint32
	i := 0
	for ; i+1 < len(data); i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if i < len(data) {
		sum += uint32(data[i]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

func TestRoundTripPrependRemoveHeader(t *testing.T) {
	b := Create(32)
	defer b.Free()

	payload := []byte("payload-bytes")
	if err := b.AppendData(payload); err != nil {
		t.Fatalf("AppendData: %v", err)
	}
	before, err := b.ReadData(0, b.Size())
	if err != nil {
		t.Fatalf("ReadData: %v", err)
	}

	header := []byte("HDR4")
	if err := b.PrependData(header); err != nil {
		t.Fatalf("PrependData: %v", err)
	}
	if err := b.RemoveHeader(len(header)); err != nil {
		t.Fatalf("RemoveHeader: %v", err)
	}

	after, err := b.ReadData(0, b.Size())
	if err != nil {
		t.Fatalf("ReadData: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Fatalf("round-trip mismatch: before=%q after=%q", before, after)
	}
}

func TestCloneIsolation(t *testing.T) {
	b := Create(0)
	defer b.Free()

	if err := b.AppendData([]byte("original-data")); err != nil {
		t.Fatalf("AppendData: %v", err)
	}

	c := b.Clone(false)
	defer c.Free()

	if err := c.AppendData([]byte("-appended")); err != nil {
		t.Fatalf("clone AppendData: %v", err)
	}

	origAfter, err := b.ReadData(0, b.Size())
	if err != nil {
		t.Fatalf("ReadData: %v", err)
	}
	if string(origAfter) != "original-data" {
		t.Fatalf("original mutated after clone append: %q", origAfter)
	}
}

func TestDuplicateIndependence(t *testing.T) {
	b := Create(0)
	if err := b.AppendData([]byte("hello-world")); err != nil {
		t.Fatalf("AppendData: %v", err)
	}

	d := b.Duplicate()
	d.Free()

	got, err := b.ReadData(0, b.Size())
	if err != nil || string(got) != "hello-world" {
		t.Fatalf("original corrupted after duplicate free: %q, %v", got, err)
	}
	b.Free()
}

func TestDuplicatePreservesMetadata(t *testing.T) {
	b := Create(0)
	b.Source = Address{Family: 2, Raw: []byte{10, 0, 0, 1}}
	b.Destination = Address{Family: 2, Raw: []byte{10, 0, 0, 2}}
	b.Protocol, b.Type, b.Index, b.Flags = 17, 2, 3, 0x1

	d := b.Duplicate()
	if diff := deep.Equal(b.Source, d.Source); diff != nil {
		t.Fatalf("Source diverged: %v", diff)
	}
	if diff := deep.Equal(b.Destination, d.Destination); diff != nil {
		t.Fatalf("Destination diverged: %v", diff)
	}
	if d.Protocol != b.Protocol || d.Type != b.Type || d.Index != b.Index || d.Flags != b.Flags {
		t.Fatalf("scalar metadata diverged: got %+v, want protocol/type/index/flags matching source", d)
	}

	// Mutating the duplicate's address bytes must not alias the original's.
	d.Source.Raw[0] = 99
	if b.Source.Raw[0] == 99 {
		t.Fatal("Source.Raw shared between original and duplicate")
	}

	b.Free()
	d.Free()
}

func TestSplitMergeLaw(t *testing.T) {
	b := Create(0)
	defer b.Free()

	full := []byte("abcdefghijklmnopqrstuvwxyz")
	if err := b.AppendData(full); err != nil {
		t.Fatalf("AppendData: %v", err)
	}
	b.Protocol = 42
	b.Index = 7

	head, err := b.Split(10)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if err := head.Merge(b, true); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	got, err := head.ReadData(0, head.Size())
	if err != nil {
		t.Fatalf("ReadData: %v", err)
	}
	if !bytes.Equal(got, full) {
		t.Fatalf("split/merge mismatch: got %q want %q", got, full)
	}
	if head.Protocol != 42 || head.Index != 7 {
		t.Fatalf("metadata not preserved across split: protocol=%d index=%d", head.Protocol, head.Index)
	}
	b = head
}

func TestInvariantsHoldAfterMutation(t *testing.T) {
	b := Create(16)
	defer b.Free()

	if err := b.AppendData(bytes.Repeat([]byte{1}, 100)); err != nil {
		t.Fatalf("AppendData: %v", err)
	}
	if err := b.PrependData(bytes.Repeat([]byte{2}, 8)); err != nil {
		t.Fatalf("PrependData: %v", err)
	}
	if err := b.RemoveTrailer(20); err != nil {
		t.Fatalf("RemoveTrailer: %v", err)
	}
	if err := b.checkInvariants(); err != nil {
		t.Fatalf("invariants violated: %v", err)
	}
}

func TestStoreRestoreHeader(t *testing.T) {
	b := Create(0)
	defer b.Free()

	if err := b.AppendData([]byte("IPHDRpayload")); err != nil {
		t.Fatalf("AppendData: %v", err)
	}
	if err := b.StoreHeader(5); err != nil {
		t.Fatalf("StoreHeader: %v", err)
	}
	if b.Size() != 7 {
		t.Fatalf("size after store = %d, want 7", b.Size())
	}
	got, err := b.ReadData(0, b.Size())
	if err != nil || string(got) != "payload" {
		t.Fatalf("payload after store = %q, %v", got, err)
	}

	if err := b.RestoreHeader(); err != nil {
		t.Fatalf("RestoreHeader: %v", err)
	}
	got, err = b.ReadData(0, b.Size())
	if err != nil || string(got) != "IPHDRpayload" {
		t.Fatalf("payload after restore = %q, %v", got, err)
	}
}

// TestPrependAfterStoreWithoutRestoreUsesCurrentPayload guards against a
// prepend, issued between StoreHeader and RestoreHeader, resurrecting the
// discarded header bytes instead of reading the buffer's actual remaining
// payload (the stored header's parked bytes are already counted as free
// header space the moment StoreHeader runs, so invalidating them on
// prepend must not shift n.start a second time).
func TestPrependAfterStoreWithoutRestoreUsesCurrentPayload(t *testing.T) {
	b := Create(64)
	defer b.Free()

	if err := b.AppendData([]byte("IPHDRpayload")); err != nil {
		t.Fatalf("AppendData: %v", err)
	}
	if err := b.StoreHeader(5); err != nil {
		t.Fatalf("StoreHeader: %v", err)
	}

	// No RestoreHeader call here: the stored header must be invalidated,
	// not revived, by this prepend.
	if err := b.PrependData([]byte("XYZ")); err != nil {
		t.Fatalf("PrependData: %v", err)
	}

	got, err := b.ReadData(0, b.Size())
	if err != nil {
		t.Fatalf("ReadData: %v", err)
	}
	if string(got) != "XYZpayload" {
		t.Fatalf("content = %q, want %q", got, "XYZpayload")
	}

	if err := b.RestoreHeader(); errs.Code_(err) != errs.CodeBadValue {
		t.Fatalf("RestoreHeader after invalidation = %v, want bad-value", err)
	}
}
