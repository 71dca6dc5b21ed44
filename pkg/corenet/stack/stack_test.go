package stack

import (
	"context"
	"testing"
	"time"

	"github.com/nstack/netcore/pkg/corenet/buffer"
	"github.com/nstack/netcore/pkg/corenet/config"
	"github.com/nstack/netcore/pkg/corenet/device"
	"github.com/nstack/netcore/pkg/corenet/iface"
	"github.com/nstack/netcore/pkg/corenet/queue"
)

type fakeLoopbackDriver struct{}

func (fakeLoopbackDriver) Init() error   { return nil }
func (fakeLoopbackDriver) Uninit() error { return nil }
func (fakeLoopbackDriver) Up() error     { return nil }
func (fakeLoopbackDriver) Down() error   { return nil }
func (fakeLoopbackDriver) SendData(buf *buffer.Buffer) error { return nil }
func (fakeLoopbackDriver) ReceiveData(ctx context.Context) (*buffer.Buffer, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (fakeLoopbackDriver) Control(uint32, []byte) ([]byte, error) { return nil, nil }
func (fakeLoopbackDriver) SetMedia(uint32) error                  { return nil }
func (fakeLoopbackDriver) AddMulticast(buffer.Address) error      { return nil }
func (fakeLoopbackDriver) RemoveMulticast(buffer.Address) error   { return nil }

func TestInitStartsLoopbackAndTimers(t *testing.T) {
	cfg := config.Default()
	s := New(cfg, nil, func(string) (device.Driver, error) { return fakeLoopbackDriver{}, nil })

	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer s.Shutdown()

	ifc, err := s.Ifaces.ByName(cfg.Loopback.Name)
	if err != nil {
		t.Fatalf("ByName: %v", err)
	}
	if ifc.MTU != cfg.Loopback.MTU {
		t.Fatalf("MTU = %d, want %d", ifc.MTU, cfg.Loopback.MTU)
	}

	fired := make(chan struct{})
	s.Timers.SetTimer(&queue.Timer{
		Hook: func(ctx context.Context, data any) { close(fired) },
	}, time.Now().Add(time.Millisecond))
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestAddressRemovalInvalidatesRoutes(t *testing.T) {
	s := New(config.Default(), nil, func(string) (device.Driver, error) { return fakeLoopbackDriver{}, nil })
	dom := s.Domain(2)

	ifc, err := s.Ifaces.GetOrCreate("eth0", "eth0", true)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	addr := &iface.InterfaceAddress{
		Domain: 2,
		Local:  buffer.Address{Family: 2, Raw: []byte{10, 0, 0, 2}},
	}
	if err := s.Ifaces.AddAddress(ifc, addr); err != nil {
		t.Fatalf("AddAddress: %v", err)
	}

	dest := buffer.Address{Family: 2, Raw: []byte{10, 0, 0, 1}}
	mask := buffer.Address{Family: 2, Raw: []byte{255, 0, 0, 0}}
	if _, err := dom.Add(dest, mask, buffer.Address{Family: 2}, 0, 1500, addr); err != nil {
		t.Fatalf("Add route: %v", err)
	}
	if dom.Size() != 1 {
		t.Fatalf("Size = %d, want 1", dom.Size())
	}

	s.Ifaces.GoingDown(ifc)
	if dom.Size() != 0 {
		t.Fatalf("Size after going-down = %d, want 0", dom.Size())
	}
}
