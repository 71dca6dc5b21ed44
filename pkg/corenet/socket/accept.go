package socket

import (
	"github.com/nstack/netcore/pkg/corenet/errs"
	"github.com/nstack/netcore/pkg/corenet/queue"
)

// maxBacklogCeiling is the hard cap socket_set_max_backlog enforces.
const maxBacklogCeiling = 256

// SpawnPending creates a child inheriting the parent's send/receive
// settings and options (minus OptAcceptConn), owner, address, and peer,
// and appends it to the pending queue. Child count is capped at
// 3*max_backlog/2.
func (s *Socket) SpawnPending() (*Socket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := 3 * s.maxBacklog / 2
	if s.childCount >= limit {
		return nil, errs.ErrNoBufferSpace
	}

	child := New(s.Family, s.Type, s.Protocol, s.Transport)
	child.send = s.send
	child.receive = s.receive
	child.options = s.options &^ OptAcceptConn
	child.linger = s.linger
	child.Owner = s.Owner
	child.address = s.address
	child.peer = s.peer
	child.parent = s

	s.pendingChildren = append(s.pendingChildren, child)
	s.childCount++
	return child, nil
}

// Connected moves child from pending to connected and wakes the parent's
// readers.
func (s *Socket) Connected(child *Socket) {
	s.mu.Lock()
	for i, c := range s.pendingChildren {
		if c == child {
			s.pendingChildren = append(s.pendingChildren[:i:i], s.pendingChildren[i+1:]...)
			break
		}
	}
	s.connectedChildren = append(s.connectedChildren, child)
	s.mu.Unlock()

	child.mu.Lock()
	child.setStateLocked(StateConnected)
	child.mu.Unlock()

	s.selectPool.Notify(queue.EventRead)
}

// DequeueConnected hands the oldest connected child to the caller,
// detaching it (the caller now owns the reference the parent held).
func (s *Socket) DequeueConnected() (*Socket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.connectedChildren) == 0 {
		return nil, errs.ErrWouldBlock
	}
	child := s.connectedChildren[0]
	s.connectedChildren = s.connectedChildren[1:]
	s.childCount--
	child.parent = nil
	return child, nil
}

func (s *Socket) CountConnected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connectedChildren)
}

func (s *Socket) HasParent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parent != nil
}

// Aborted removes child from whichever queue it is on (connection refused
// or reset before being dequeued) and releases the parent's reference.
func (s *Socket) Aborted(child *Socket) {
	s.mu.Lock()
	for i, c := range s.pendingChildren {
		if c == child {
			s.pendingChildren = append(s.pendingChildren[:i:i], s.pendingChildren[i+1:]...)
			s.childCount--
			s.mu.Unlock()
			child.parent = nil
			return
		}
	}
	for i, c := range s.connectedChildren {
		if c == child {
			s.connectedChildren = append(s.connectedChildren[:i:i], s.connectedChildren[i+1:]...)
			s.childCount--
			s.mu.Unlock()
			child.parent = nil
			return
		}
	}
	s.mu.Unlock()
}

// Abort lets a child remove itself from its parent's queues.
func (s *Socket) Abort() {
	s.mu.Lock()
	parent := s.parent
	s.mu.Unlock()
	if parent != nil {
		parent.Aborted(s)
	}
}

// SetMaxBacklog caps backlog at 256 and trims pending, then connected,
// queues down to the new limit.
func (s *Socket) SetMaxBacklog(n int) {
	if n > maxBacklogCeiling {
		n = maxBacklogCeiling
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxBacklog = n

	for len(s.pendingChildren) > 0 && s.childCount > n {
		last := len(s.pendingChildren) - 1
		s.pendingChildren[last].parent = nil
		s.pendingChildren = s.pendingChildren[:last]
		s.childCount--
	}
	for len(s.connectedChildren) > 0 && s.childCount > n {
		last := len(s.connectedChildren) - 1
		s.connectedChildren[last].parent = nil
		s.connectedChildren = s.connectedChildren[:last]
		s.childCount--
	}
}
