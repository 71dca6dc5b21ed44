// Package ancillary implements the per-buffer/per-socket control-data
// container (C3): a list of typed entries, each with an optional
// destructor that runs exactly once.
package ancillary

import (
	"github.com/nstack/netcore/pkg/corenet/errs"
	"github.com/rs/xid"
)

// MaxPayload is the cap on a single entry's payload, matching the source's
// ancillary-data limit.
const MaxPayload = 128

// Entry is one piece of ancillary data: {level, type, len} plus payload
// bytes and an optional destructor invoked once when the entry is removed.
type Entry struct {
	Level   int32
	Type    int32
	Payload []byte

	destructor func()
	destroyed  bool
}

// Container is an ordered list of Entry, identified by an ID for log
// correlation across buffer/socket ownership transfers.
type Container struct {
	ID      xid.ID
	entries []*Entry
}

func NewContainer() *Container {
	return &Container{ID: xid.New()}
}

// Add appends a new entry, copying payload (callers retain ownership of the
// slice they passed in).
func (c *Container) Add(level, typ int32, payload []byte, destructor func()) (*Entry, error) {
	if len(payload) > MaxPayload {
		return nil, errs.ErrMessageTooLong
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	e := &Entry{Level: level, Type: typ, Payload: buf, destructor: destructor}
	c.entries = append(c.entries, e)
	return e, nil
}

// Entries returns the container's entries in insertion order.
func (c *Container) Entries() []*Entry {
	return c.entries
}

// Remove unlinks e from the container. If destroy is true (or e is being
// removed because the container itself is being torn down) its destructor
// runs, exactly once.
func (c *Container) Remove(e *Entry, destroy bool) {
	for i, entry := range c.entries {
		if entry == e {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			break
		}
	}
	if destroy {
		e.runDestructor()
	}
}

func (e *Entry) runDestructor() {
	if e.destroyed || e.destructor == nil {
		return
	}
	e.destroyed = true
	e.destructor()
}

// Destroy runs every remaining entry's destructor once and empties the
// container. Implements the ancillaryContainer interface the buffer
// package expects from Buffer.Ancillary.
func (c *Container) Destroy() {
	for _, e := range c.entries {
		e.runDestructor()
	}
	c.entries = nil
}
