package socket

import (
	"context"
	"testing"

	"github.com/nstack/netcore/pkg/corenet/ancillary"
	"github.com/nstack/netcore/pkg/corenet/buffer"
	"github.com/nstack/netcore/pkg/corenet/errs"
)

func TestSocketPairPingThenEOF(t *testing.T) {
	a, b, err := SocketPair(0xff, 1, 0)
	if err != nil {
		t.Fatalf("SocketPair: %v", err)
	}

	ctx := context.Background()
	if _, err := a.Send(ctx, []byte("ping"), nil, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	data, _, truncated, err := b.Receive(ctx, 64, false)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if truncated {
		t.Fatal("unexpected truncation")
	}
	if string(data) != "ping" {
		t.Fatalf("got %q, want %q", data, "ping")
	}

	a.Close()

	data, _, _, err = b.Receive(ctx, 64, false)
	if err != nil {
		t.Fatalf("Receive after close: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("got %d bytes after close, want 0 (EOF)", len(data))
	}
}

func TestSocketPairCloseIsIdempotent(t *testing.T) {
	a, _, err := SocketPair(0xff, 1, 0)
	if err != nil {
		t.Fatalf("SocketPair: %v", err)
	}
	a.Close()
	a.Close() // must not panic or double-deliver EOF
}

func TestAcceptQueueBacklogTrim(t *testing.T) {
	listener := New(0xff, 1, 0, nil)
	listener.SetMaxBacklog(4)

	children := make([]*Socket, 0, 4)
	for i := 0; i < 4; i++ {
		c, err := listener.SpawnPending()
		if err != nil {
			t.Fatalf("SpawnPending %d: %v", i, err)
		}
		children = append(children, c)
	}

	if listener.childCount != 4 {
		t.Fatalf("childCount = %d, want 4", listener.childCount)
	}

	listener.SetMaxBacklog(2)
	if listener.childCount != 2 {
		t.Fatalf("childCount after trim = %d, want 2", listener.childCount)
	}
	if len(listener.pendingChildren) != 2 {
		t.Fatalf("pendingChildren after trim = %d, want 2", len(listener.pendingChildren))
	}
}

func TestAcceptQueueDequeueReturnsConnectedChild(t *testing.T) {
	listener := New(0xff, 1, 0, nil)
	listener.SetMaxBacklog(2)

	child, err := listener.SpawnPending()
	if err != nil {
		t.Fatalf("SpawnPending: %v", err)
	}
	listener.Connected(child)

	if n := listener.CountConnected(); n != 1 {
		t.Fatalf("CountConnected = %d, want 1", n)
	}

	peeked, err := listener.DequeueConnected()
	if err != nil {
		t.Fatalf("DequeueConnected: %v", err)
	}
	if peeked != child {
		t.Fatal("dequeued child does not match spawned child")
	}
	if listener.CountConnected() != 0 {
		t.Fatal("queue should be empty after dequeue")
	}
}

func TestReceiveDontWaitReturnsWouldBlock(t *testing.T) {
	s := New(0xff, 1, 0, nil)
	_, _, _, err := s.Receive(context.Background(), 64, true)
	if errs.Code_(err) != errs.CodeWouldBlock {
		t.Fatalf("err = %v, want ErrWouldBlock", err)
	}
}

// TestReceiveSurfacesAncillaryData guards against Receive silently dropping
// a delivered buffer's ancillary entries: Deliver attaches a populated
// container, and Receive must copy its entries out before Free tears the
// container (and its destructors) down.
func TestReceiveSurfacesAncillaryData(t *testing.T) {
	s := New(0xff, 1, 0, nil)

	buf := buffer.Create(0)
	if err := buf.AppendData([]byte("payload")); err != nil {
		t.Fatalf("AppendData: %v", err)
	}
	container := ancillary.NewContainer()
	destroyed := false
	if _, err := container.Add(1, 2, []byte("creds"), func() { destroyed = true }); err != nil {
		t.Fatalf("container.Add: %v", err)
	}
	buf.Ancillary = container

	if err := s.Deliver(buf); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	data, anc, _, err := s.Receive(context.Background(), 64, false)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("data = %q, want %q", data, "payload")
	}
	if len(anc) != 1 {
		t.Fatalf("ancillary entries = %d, want 1", len(anc))
	}
	if anc[0].Level != 1 || anc[0].Type != 2 || string(anc[0].Payload) != "creds" {
		t.Fatalf("entry = %+v, want {Level:1 Type:2 Payload:creds}", anc[0])
	}
	if !destroyed {
		t.Fatal("ancillary destructor did not run after Free")
	}
}

func TestSendRequiresDestinationWhenUnconnected(t *testing.T) {
	s := New(0xff, 1, 0, &loopbackTransport{})
	_, err := s.Send(context.Background(), []byte("x"), nil, nil)
	if err != errs.ErrDestinationRequired {
		t.Fatalf("err = %v, want ErrDestinationRequired", err)
	}
}

// loopbackTransport discards sent data; only used to exercise Send's
// validation path above.
type loopbackTransport struct{}

func (loopbackTransport) SendData(buf *buffer.Buffer, dest buffer.Address) (int, error) {
	n := buf.Size()
	buf.Free()
	return n, nil
}
func (loopbackTransport) AtomicMessage() bool { return false }
