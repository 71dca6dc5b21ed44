package main

import (
	"context"

	"github.com/nstack/netcore/pkg/corenet/buffer"
	"github.com/nstack/netcore/pkg/corenet/config"
	"github.com/nstack/netcore/pkg/corenet/device"
	"github.com/nstack/netcore/pkg/corenet/iface"
	"github.com/nstack/netcore/pkg/corenet/socket"
	"github.com/nstack/netcore/pkg/corenet/stack"
)

const familyINET uint8 = 2

type devNullDriver struct{}

func (devNullDriver) Init() error   { return nil }
func (devNullDriver) Uninit() error { return nil }
func (devNullDriver) Up() error     { return nil }
func (devNullDriver) Down() error   { return nil }
func (devNullDriver) SendData(buf *buffer.Buffer) error { buf.Free(); return nil }
func (devNullDriver) ReceiveData(ctx context.Context) (*buffer.Buffer, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (devNullDriver) Control(uint32, []byte) ([]byte, error) { return nil, nil }
func (devNullDriver) SetMedia(uint32) error                  { return nil }
func (devNullDriver) AddMulticast(buffer.Address) error      { return nil }
func (devNullDriver) RemoveMulticast(buffer.Address) error   { return nil }

// demoStack assembles a Stack with the loopback interface up, one sample
// route installed, and one sample socket, purely so the
// subcommands below have something to print.
func demoStack(ctx context.Context) (*stack.Stack, []*socket.Socket, error) {
	s := stack.New(config.Default(), nil, func(string) (device.Driver, error) {
		return devNullDriver{}, nil
	})
	if err := s.Init(ctx); err != nil {
		return nil, nil, err
	}

	dom := s.Domain(familyINET)
	ifc, err := s.Ifaces.ByName(s.Config.Loopback.Name)
	if err != nil {
		return nil, nil, err
	}

	localAddr := &iface.InterfaceAddress{
		Domain: familyINET,
		Local:  buffer.Address{Family: familyINET, Raw: []byte{127, 0, 0, 1}},
	}
	if err := s.Ifaces.AddAddress(ifc, localAddr); err != nil {
		return nil, nil, err
	}

	dest := buffer.Address{Family: familyINET, Raw: []byte{127, 0, 0, 0}}
	mask := buffer.Address{Family: familyINET, Raw: []byte{255, 0, 0, 0}}
	if _, err := dom.Add(dest, mask, buffer.Address{Family: familyINET}, 0, ifc.MTU, localAddr); err != nil {
		return nil, nil, err
	}

	listener := socket.New(familyINET, 2 /* SOCK_DGRAM */, 0, nil)
	_ = listener.Bind(buffer.Address{Family: familyINET, Raw: []byte{127, 0, 0, 1}}, ifc.Index)

	return s, []*socket.Socket{listener}, nil
}
