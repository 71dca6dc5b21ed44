// Package socket implements the socket object (C8): state, options,
// send/receive with partial-write semantics, accept queues, ancillary data,
// and select-style notifications (one mutex per socket, queue.Fifo for
// received buffers, an explicit state enum) generalized to the
// family/type/protocol-agnostic contract in §4.7.
package socket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nstack/netcore/pkg/corenet/ancillary"
	"github.com/nstack/netcore/pkg/corenet/buffer"
	"github.com/nstack/netcore/pkg/corenet/errs"
	"github.com/nstack/netcore/pkg/corenet/metrics"
	"github.com/nstack/netcore/pkg/corenet/queue"
)

// State is the socket's connection-state machine.
type State uint32

const (
	StateUnbound State = iota
	StateBound
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateBound:
		return "bound"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Option bits, SOL_SOCKET SO_* (§6).
type Option uint32

const (
	OptNonBlock Option = 1 << iota
	OptBroadcast
	OptDebug
	OptDontRoute
	OptKeepAlive
	OptOOBInline
	OptReuseAddr
	OptReusePort
	OptUseLoopback
	OptAcceptConn
)

// Transport is the protocol-module surface a Socket drives (§6 "Protocol
// module interface"), narrowed to what the socket object itself needs.
type Transport interface {
	SendData(buf *buffer.Buffer, dest buffer.Address) (int, error)
	AtomicMessage() bool
}

// waterMarks bundles a direction's buffer_size/low_water/timeout, protected
// by the socket's single lock — small enough for one lock to suffice
// without becoming a bottleneck.
type waterMarks struct {
	bufferSize int
	lowWater   int
	timeout    time.Duration
}

// Socket is the socket object (C8).
type Socket struct {
	Family   uint8
	Type     uint32
	Protocol uint32

	Transport Transport

	mu       sync.Mutex
	state    State
	options  Option
	linger   time.Duration
	boundDev int32
	lastErr  error

	Owner int64 // opaque caller-supplied owner id

	address buffer.Address
	peer    buffer.Address

	send    waterMarks
	receive waterMarks

	receiveFifo *queue.Fifo

	maxBacklog      int
	parent          *Socket // weak: never kept alive past Free by a child
	pendingChildren []*Socket
	connectedChildren []*Socket
	childCount      int
	closed          bool

	selectPool *queue.SelectPool
	refcount   atomic.Int32
}

func New(family uint8, typ, protocol uint32, t Transport) *Socket {
	s := &Socket{
		Family:      family,
		Type:        typ,
		Protocol:    protocol,
		Transport:   t,
		receiveFifo: queue.NewFifo(1<<20, "socket"),
		selectPool:  queue.NewSelectPool(),
		send:        waterMarks{bufferSize: 1 << 16, lowWater: 1},
		receive:     waterMarks{bufferSize: 1 << 16, lowWater: 1},
	}
	s.refcount.Store(1)
	metrics.SocketsByState.WithLabelValues(StateUnbound.String()).Inc()
	return s
}

// setStateLocked transitions state under s.mu, keeping the live-sockets
// gauge in sync with the state it left and the state it entered.
func (s *Socket) setStateLocked(next State) {
	if s.state == next {
		return
	}
	metrics.SocketsByState.WithLabelValues(s.state.String()).Dec()
	metrics.SocketsByState.WithLabelValues(next.String()).Inc()
	s.state = next
}

func (s *Socket) Acquire() { s.refcount.Add(1) }

// Release drops the reference count, reporting whether this was the last
// reference. On the last reference it also removes the socket from its
// current state's live-count.
func (s *Socket) Release() bool {
	if s.refcount.Add(-1) != 0 {
		return false
	}
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	metrics.SocketsByState.WithLabelValues(state.String()).Dec()
	return true
}

func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Socket) SetOption(opt Option, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.options |= opt
	} else {
		s.options &^= opt
	}
	if opt == OptNonBlock {
		if on {
			s.send.timeout, s.receive.timeout = 0, 0
		}
	}
}

func (s *Socket) HasOption(opt Option) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.options&opt != 0
}

func (s *Socket) Bind(addr buffer.Address, device int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateUnbound {
		return errs.ErrNameInUse
	}
	s.address = addr
	s.boundDev = device
	s.setStateLocked(StateBound)
	return nil
}

func (s *Socket) Connect(peer buffer.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConnected {
		return errs.ErrIsConnected
	}
	s.peer = peer
	s.setStateLocked(StateConnected)
	s.notifyLocked(queue.EventWrite)
	return nil
}

func (s *Socket) Address() buffer.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address
}

func (s *Socket) Peer() buffer.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

func (s *Socket) notifyLocked(event queue.Event) {
	s.selectPool.Notify(event)
	if event == queue.EventError {
		s.selectPool.Notify(queue.EventRead)
		s.selectPool.Notify(queue.EventWrite)
	}
}

// RequestNotification mirrors request_notification: fires immediately if
// the condition already holds.
func (s *Socket) RequestNotification(sync any, event queue.Event, already bool) {
	s.selectPool.Request(sync, event, func() {}, already)
}

func (s *Socket) CancelNotification(sync any) {
	s.selectPool.Cancel(sync)
}

// Send implements §4.7 Send.
func (s *Socket) Send(ctx context.Context, data []byte, dest *buffer.Address, anc []ancillary.Entry) (int, error) {
	s.mu.Lock()
	if s.state == StateUnbound {
		s.address = buffer.Address{Family: s.Family}
		s.setStateLocked(StateBound)
	}

	var target buffer.Address
	switch {
	case dest != nil:
		if s.state == StateConnected {
			s.mu.Unlock()
			return 0, errs.ErrIsConnected
		}
		target = *dest
	case s.state == StateConnected:
		target = s.peer
	default:
		s.mu.Unlock()
		return 0, errs.ErrDestinationRequired
	}

	atomicMsg := s.Transport != nil && s.Transport.AtomicMessage()
	bufSize := s.send.bufferSize
	s.mu.Unlock()

	if atomicMsg && len(data) > bufSize {
		return 0, errs.ErrMessageTooLong
	}

	buf := buffer.Create(64)
	if err := buf.AppendData(data); err != nil {
		buf.Free()
		return 0, err
	}
	if len(anc) > 0 {
		container := ancillary.NewContainer()
		for _, e := range anc {
			if _, err := container.Add(e.Level, e.Type, e.Payload, nil); err != nil {
				buf.Free()
				return 0, err
			}
		}
		buf.Ancillary = container
	}

	n, err := s.Transport.SendData(buf, target)
	if err != nil {
		if errs.Code_(err) == errs.CodeInterrupted || errs.Code_(err) == errs.CodeWouldBlock {
			return n, nil
		}
		return n, err
	}
	return n, nil
}

// Receive implements §4.7 Receive for the common aggregate-buffer path;
// read_data_no_buffer protocols bypass this and scatter directly. Any
// ancillary data attached to the delivered buffer is copied out into the
// control area before the buffer (and its container) is freed.
func (s *Socket) Receive(ctx context.Context, iovecLen int, dontWait bool) ([]byte, []ancillary.Entry, bool, error) {
	buf, err := s.receiveFifo.Dequeue(ctx, false, dontWait)
	if err != nil {
		return nil, nil, false, err
	}
	defer buf.Free()

	var anc []ancillary.Entry
	if c, ok := buf.Ancillary.(*ancillary.Container); ok {
		for _, e := range c.Entries() {
			anc = append(anc, ancillary.Entry{
				Level:   e.Level,
				Type:    e.Type,
				Payload: append([]byte(nil), e.Payload...),
			})
		}
	}

	truncated := buf.Size() > iovecLen
	readLen := buf.Size()
	if truncated {
		readLen = iovecLen
	}
	data, err := buf.ReadData(0, readLen)
	if err != nil {
		return nil, nil, false, err
	}
	return data, anc, truncated, nil
}

// Deliver pushes a received buffer onto the socket's queue (the protocol
// layer's receive_data hands buffers here) and fires a read notification.
func (s *Socket) Deliver(buf *buffer.Buffer) error {
	if err := s.receiveFifo.Enqueue(buf); err != nil {
		return err
	}
	s.mu.Lock()
	s.notifyLocked(queue.EventRead)
	s.mu.Unlock()
	return nil
}

func (s *Socket) SetError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.selectPool.Notify(queue.EventError)
}

func (s *Socket) Error() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.lastErr
	s.lastErr = nil
	return err
}
