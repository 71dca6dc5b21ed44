package socket

import "github.com/nstack/netcore/pkg/corenet/buffer"

// pairTransport connects two in-process sockets directly, the loopback
// "transport" a socketpair's two halves share once accepted.
type pairTransport struct {
	peer *Socket
}

func (t *pairTransport) SendData(buf *buffer.Buffer, dest buffer.Address) (int, error) {
	n := buf.Size()
	if err := t.peer.Deliver(buf); err != nil {
		return 0, err
	}
	return n, nil
}

func (t *pairTransport) AtomicMessage() bool { return false }

// NotifyPeerClosed delivers a zero-length buffer, which Receive surfaces as
// a 0-byte read — the connection's EOF.
func (t *pairTransport) NotifyPeerClosed() {
	_ = t.peer.Deliver(buffer.Create(0))
}

type peerCloser interface {
	NotifyPeerClosed()
}

// Close marks the socket closed and, for a socketpair-style transport,
// signals EOF to its peer exactly once.
func (s *Socket) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	t := s.Transport
	s.mu.Unlock()

	if pc, ok := t.(peerCloser); ok {
		pc.NotifyPeerClosed()
	}
}

// SocketPair opens two sockets, binds and listens on one, connects the
// other, accepts, then discards the listener and returns the connector and
// the accepted socket, matching §4.7's socketpair contract for
// connection-oriented, AF_UNIX-like families.
func SocketPair(family uint8, typ, protocol uint32) (a, b *Socket, err error) {
	listener := New(family, typ, protocol, nil)
	listener.mu.Lock()
	listener.address = buffer.Address{Family: family}
	listener.setStateLocked(StateBound)
	listener.options |= OptAcceptConn
	listener.mu.Unlock()
	listener.SetMaxBacklog(1)

	child, err := listener.SpawnPending()
	if err != nil {
		return nil, nil, err
	}

	connector := New(family, typ, protocol, nil)
	connector.Transport = &pairTransport{peer: child}
	child.Transport = &pairTransport{peer: connector}

	connector.mu.Lock()
	connector.setStateLocked(StateConnected)
	connector.mu.Unlock()

	listener.Connected(child)

	accepted, err := listener.DequeueConnected()
	if err != nil {
		return nil, nil, err
	}
	return connector, accepted, nil
}
