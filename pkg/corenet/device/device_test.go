package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nstack/netcore/pkg/corenet/buffer"
	"github.com/nstack/netcore/pkg/corenet/errs"
)

type fakeDriver struct {
	mu       sync.Mutex
	frames   [][]byte
	sent     [][]byte
	closed   bool
	upCalls  int
	notFound bool // ReceiveData reports the device itself as gone
}

func (f *fakeDriver) Init() error   { return nil }
func (f *fakeDriver) Uninit() error { f.closed = true; return nil }
func (f *fakeDriver) Up() error     { f.upCalls++; return nil }
func (f *fakeDriver) Down() error   { return nil }

func (f *fakeDriver) SendData(buf *buffer.Buffer) error {
	data, err := buf.ReadData(0, buf.Size())
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeDriver) ReceiveData(ctx context.Context) (*buffer.Buffer, error) {
	f.mu.Lock()
	if f.notFound {
		f.mu.Unlock()
		return nil, errs.ErrDeviceNotFound
	}
	if len(f.frames) == 0 {
		f.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, errs.ErrDeviceNotFound
		case <-time.After(time.Millisecond):
		}
		return nil, errs.Wrapf(errs.ErrBadAddress, "no frame")
	}
	frame := f.frames[0]
	f.frames = f.frames[1:]
	f.mu.Unlock()

	buf := buffer.Create(0)
	if err := buf.AppendData(frame); err != nil {
		buf.Free()
		return nil, err
	}
	return buf, nil
}

func (f *fakeDriver) Control(uint32, []byte) ([]byte, error)    { return nil, errs.ErrUnsupported }
func (f *fakeDriver) SetMedia(uint32) error                     { return errs.ErrUnsupported }
func (f *fakeDriver) AddMulticast(buffer.Address) error         { return errs.ErrUnsupported }
func (f *fakeDriver) RemoveMulticast(buffer.Address) error      { return errs.ErrUnsupported }

func TestConsumerDispatchesToFirstMatchingHandler(t *testing.T) {
	drv := &fakeDriver{frames: [][]byte{[]byte("frame-one")}}
	table := NewTable(func(string) (Driver, error) { return drv, nil }, 1<<20)

	dev, err := table.Get("eth0", true)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	consumed := make(chan []byte, 1)
	if err := dev.RegisterHandler(&ReceiveHandler{Type: 1, Handle: func(buf *buffer.Buffer) (bool, error) {
		data, _ := buf.ReadData(0, buf.Size())
		consumed <- data
		buf.Free()
		return true, nil
	}}); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := dev.Start(ctx, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case data := <-consumed:
		if string(data) != "frame-one" {
			t.Fatalf("got %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
}

func TestDeframerRefcountOnSameFunction(t *testing.T) {
	drv := &fakeDriver{}
	table := NewTable(func(string) (Driver, error) { return drv, nil }, 1<<20)
	dev, err := table.Get("eth0", true)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	fn := func(*DeviceInterface, *buffer.Buffer) error { return nil }
	if err := dev.RegisterDeframer(fn); err != nil {
		t.Fatalf("RegisterDeframer: %v", err)
	}
	if err := dev.RegisterDeframer(fn); err != nil {
		t.Fatalf("RegisterDeframer (again): %v", err)
	}
	if dev.deframer.refcount != 2 {
		t.Fatalf("refcount = %d, want 2", dev.deframer.refcount)
	}
	dev.UnregisterDeframer()
	if dev.deframer == nil {
		t.Fatal("deframer cleared too early")
	}
	dev.UnregisterDeframer()
	if dev.deframer != nil {
		t.Fatal("deframer should be nil after refcount reaches zero")
	}
}

// TestRegisterDeframerRejectsDifferentFunction guards the RegisterDeframer
// doc comment's "any other function while one is installed is rejected":
// a second, distinct function must not silently share the first's refcount.
func TestRegisterDeframerRejectsDifferentFunction(t *testing.T) {
	drv := &fakeDriver{}
	table := NewTable(func(string) (Driver, error) { return drv, nil }, 1<<20)
	dev, err := table.Get("eth0", true)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	first := func(*DeviceInterface, *buffer.Buffer) error { return nil }
	second := func(*DeviceInterface, *buffer.Buffer) error { return nil }

	if err := dev.RegisterDeframer(first); err != nil {
		t.Fatalf("RegisterDeframer(first): %v", err)
	}
	if err := dev.RegisterDeframer(second); errs.Code_(err) != errs.CodeNameInUse {
		t.Fatalf("RegisterDeframer(second) = %v, want ErrNameInUse", err)
	}
	if dev.deframer.refcount != 1 {
		t.Fatalf("refcount = %d, want 1 (second registration must not bump it)", dev.deframer.refcount)
	}
}

// TestReaderLoopTearsDownOnDeviceNotFound guards §4.3's device_removed path:
// once the driver itself reports the device gone, the device must be
// removed from the table and fully torn down rather than leaving the
// consumer goroutine spinning on a dead FIFO.
func TestReaderLoopTearsDownOnDeviceNotFound(t *testing.T) {
	drv := &fakeDriver{notFound: true}
	table := NewTable(func(string) (Driver, error) { return drv, nil }, 1<<20)
	dev, err := table.Get("eth0", true)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := dev.Start(ctx, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		table.mu.Lock()
		_, stillPresent := table.byName["eth0"]
		table.mu.Unlock()
		if !stillPresent {
			break
		}
		select {
		case <-deadline:
			t.Fatal("device never removed from table after device-not-found")
		case <-time.After(time.Millisecond):
		}
	}

	if !dev.busy.Load() {
		t.Fatal("device not marked busy after device-removed teardown")
	}
	if !drv.closed {
		t.Fatal("driver not uninitialized after device-removed teardown")
	}
}

func TestPutTearsDownOnLastRelease(t *testing.T) {
	drv := &fakeDriver{}
	table := NewTable(func(string) (Driver, error) { return drv, nil }, 1<<20)
	dev, err := table.Get("eth0", true)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	dev.Acquire()
	table.Put(dev)
	if drv.closed {
		t.Fatal("closed too early, second reference still held")
	}
	table.Put(dev)
	if !drv.closed {
		t.Fatal("expected driver to be uninitialized at zero refcount")
	}
}
