// Package device implements the device-interface registry and its
// reader/consumer receive pipeline (C4): one reader and one consumer
// goroutine per device while it has open references, a per-device FIFO
// between them, a pluggable deframer, and registration tables for receive
// handlers and monitors.
package device

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/nstack/netcore/pkg/corenet/buffer"
	"github.com/nstack/netcore/pkg/corenet/errs"
	"github.com/nstack/netcore/pkg/corenet/queue"
	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"
)

// Driver is the module interface a concrete device implementation
// satisfies (driver→core in §6).
type Driver interface {
	Init() error
	Uninit() error
	Up() error
	Down() error
	SendData(buf *buffer.Buffer) error
	ReceiveData(ctx context.Context) (*buffer.Buffer, error)
	Control(op uint32, data []byte) ([]byte, error)
	SetMedia(media uint32) error
	AddMulticast(addr buffer.Address) error
	RemoveMulticast(addr buffer.Address) error
}

// Monitor observes both frame copies and device lifecycle events. There is
// no per-monitor unregister call: after EventBeingRemoved has been
// delivered, the device clears its whole monitor list.
type Monitor interface {
	Receive(buf *buffer.Buffer)
	Event(event string)
}

const (
	EventGoingDown     = "device-going-down"
	EventBeingRemoved  = "device-being-removed"
)

// Deframer parses a device's link-layer header into buffer metadata,
// returning an error if the frame is malformed.
type Deframer func(*DeviceInterface, *buffer.Buffer) error

// ReceiveHandler is tried, in registration order, against every buffer the
// consumer does not deliver locally. The link-layer source is not parsed and
// Type is not matched against the frame; it only keys the
// one-handler-per-type rule of RegisterHandler. The first handler returning
// consumed=true stops the search.
type ReceiveHandler struct {
	Type   uint32
	Handle func(buf *buffer.Buffer) (consumed bool, err error)
}

// DomainReceiver is the minimal surface a domain exposes for local
// delivery, satisfied by pkg/corenet/route.Domain via an adapter in
// pkg/corenet/stack to avoid an import cycle.
type DomainReceiver interface {
	ReceiveData(buf *buffer.Buffer) error
}

type deframerReg struct {
	fn       Deframer
	refcount int32
}

// DeviceInterface is one open device (C4).
type DeviceInterface struct {
	Name   string
	ID     xid.ID
	Driver Driver

	receiveFIFO *queue.Fifo

	receiveMu   sync.Mutex // receive_lock: guards deframer/handlers/table state
	deframer    *deframerReg
	handlers    []*ReceiveHandler
	monitorMu   sync.Mutex
	monitors    []Monitor

	upCount  atomic.Int32
	refcount atomic.Int32
	busy     atomic.Bool
	removed  atomic.Bool // guards against tearing the pipeline down twice

	table  *Table
	group  *errgroup.Group
	cancel context.CancelFunc
}

func newDeviceInterface(table *Table, name string, drv Driver, fifoMaxBytes int) *DeviceInterface {
	d := &DeviceInterface{
		Name:        name,
		ID:          xid.New(),
		Driver:      drv,
		receiveFIFO: queue.NewFifo(fifoMaxBytes, name),
		table:       table,
	}
	d.refcount.Store(1)
	return d
}

func (d *DeviceInterface) Acquire() { d.refcount.Add(1) }

// RegisterDeframer installs fn as the device's single deframer. A second
// registration of the *same* function bumps a refcount instead of erroring;
// any other function while one is installed is rejected.
func (d *DeviceInterface) RegisterDeframer(fn Deframer) error {
	d.receiveMu.Lock()
	defer d.receiveMu.Unlock()
	if d.deframer == nil {
		d.deframer = &deframerReg{fn: fn, refcount: 1}
		return nil
	}
	if reflect.ValueOf(d.deframer.fn).Pointer() != reflect.ValueOf(fn).Pointer() {
		return errs.ErrNameInUse
	}
	d.deframer.refcount++
	return nil
}

func (d *DeviceInterface) UnregisterDeframer() {
	d.receiveMu.Lock()
	defer d.receiveMu.Unlock()
	if d.deframer == nil {
		return
	}
	d.deframer.refcount--
	if d.deframer.refcount <= 0 {
		d.deframer = nil
	}
}

// RegisterHandler installs a handler for typ; only one handler per type
// value is allowed per device.
func (d *DeviceInterface) RegisterHandler(h *ReceiveHandler) error {
	d.receiveMu.Lock()
	defer d.receiveMu.Unlock()
	for _, existing := range d.handlers {
		if existing.Type == h.Type {
			return errs.ErrNameInUse
		}
	}
	d.handlers = append(d.handlers, h)
	return nil
}

func (d *DeviceInterface) RegisterMonitor(m Monitor) {
	d.monitorMu.Lock()
	defer d.monitorMu.Unlock()
	d.monitors = append(d.monitors, m)
}

func (d *DeviceInterface) fanoutMonitors(fn func(Monitor)) {
	d.monitorMu.Lock()
	monitors := make([]Monitor, len(d.monitors))
	copy(monitors, d.monitors)
	d.monitorMu.Unlock()
	for _, m := range monitors {
		fn(m)
	}
}

func (d *DeviceInterface) clearMonitors() {
	d.monitorMu.Lock()
	d.monitors = nil
	d.monitorMu.Unlock()
}

// Table is the process-wide device-interface registry.
type Table struct {
	mu      sync.Mutex
	byName  map[string]*DeviceInterface
	Open    func(name string) (Driver, error)
	FIFOCap int
}

func NewTable(open func(name string) (Driver, error), fifoCap int) *Table {
	return &Table{byName: make(map[string]*DeviceInterface), Open: open, FIFOCap: fifoCap}
}

// Get returns a referenced handle, opening the driver on demand when
// create is true. A device flagged busy is invisible to new gets.
func (t *Table) Get(name string, create bool) (*DeviceInterface, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if d, ok := t.byName[name]; ok {
		if d.busy.Load() {
			return nil, errs.ErrBusy
		}
		d.Acquire()
		return d, nil
	}
	if !create {
		return nil, errs.ErrDeviceNotFound
	}
	if t.Open == nil {
		return nil, errs.ErrDeviceNotFound
	}
	drv, err := t.Open(name)
	if err != nil {
		return nil, err
	}
	if err := drv.Init(); err != nil {
		return nil, err
	}
	d := newDeviceInterface(t, name, drv, t.FIFOCap)
	t.byName[name] = d
	return d, nil
}

// Put releases a reference; at zero it marks the device busy, waits for
// the pipeline to stop, and tears it down.
func (t *Table) Put(d *DeviceInterface) {
	if d.refcount.Add(-1) != 0 {
		return
	}

	t.mu.Lock()
	d.busy.Store(true)
	delete(t.byName, d.Name)
	t.mu.Unlock()

	if !d.removed.CompareAndSwap(false, true) {
		return
	}
	d.Stop()
	d.receiveFIFO.Clear()
	_ = d.Driver.Uninit()
}

// deviceRemoved mirrors device_removed (§4.3): invoked from the reader loop
// when the driver itself reports the device is gone. It marks the device
// busy, removes it from its table so no new Get can find it, and tears down
// the pipeline the same way Table.Put does. It must run outside the reader
// goroutine: Stop waits on the errgroup that goroutine belongs to, so
// calling it synchronously from within readerLoop would deadlock.
func (d *DeviceInterface) deviceRemoved() {
	if !d.removed.CompareAndSwap(false, true) {
		return
	}

	if d.table != nil {
		d.table.mu.Lock()
		d.busy.Store(true)
		delete(d.table.byName, d.Name)
		d.table.mu.Unlock()
	} else {
		d.busy.Store(true)
	}

	d.Stop()
	d.receiveFIFO.Clear()
	_ = d.Driver.Uninit()
}
