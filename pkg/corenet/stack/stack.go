// Package stack wires every corenet component into the module-wide
// singletons: the interface table, the per-family routing domains, the
// device-interface table, the timer worker, and the three protocol-chain
// registries, brought up and torn down in a fixed order.
package stack

import (
	"context"
	"fmt"
	"sync"

	"github.com/nstack/netcore/pkg/corenet/buffer"
	"github.com/nstack/netcore/pkg/corenet/chain"
	"github.com/nstack/netcore/pkg/corenet/config"
	"github.com/nstack/netcore/pkg/corenet/device"
	"github.com/nstack/netcore/pkg/corenet/errs"
	"github.com/nstack/netcore/pkg/corenet/iface"
	"github.com/nstack/netcore/pkg/corenet/queue"
	"github.com/nstack/netcore/pkg/corenet/route"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("subsystem", "stack")

// Stack is the module-wide singleton set. init_stack/shutdown_stack operate
// on exactly one of these per process, constructed in a fixed order so that
// later components (domains, devices, chains) can always assume the
// interface table already exists.
type Stack struct {
	Config *config.StackConfig

	Ifaces  *iface.Table
	Domains map[uint8]*route.Domain
	Devices *device.Table
	Timers  *queue.TimerService

	ProtocolChains  *chain.Registry
	DatalinkChains  *chain.Registry
	ReceivingChains *chain.Registry

	mu       sync.Mutex
	timerCtx context.Context
	cancel   context.CancelFunc
}

// domainReceiverAdapter bridges device.DomainReceiver to a route.Domain,
// resolving the import-cycle avoidance documented on device.DomainReceiver:
// the device package cannot import route (route already imports iface,
// which would cycle back through a hypothetical device dependency), so the
// adapter lives here instead, one level up, where both are visible.
type domainReceiverAdapter struct {
	domain *route.Domain
}

func (a *domainReceiverAdapter) ReceiveData(buf *buffer.Buffer) error {
	rt := a.domain.RouteForBuffer(buf)
	if rt == nil {
		return errs.ErrNetworkUnreachable
	}
	// Dispatch into the receiving-chain registry is the protocol layer's
	// job; at this layer the buffer has been routed and its lifetime now
	// belongs to whatever registered receiving module claims it next.
	buf.Free()
	return nil
}

// New assembles the singleton set per cfg, in the fixed order: interface
// table and local-address hash, per-family routing domains, device table,
// timer service, then the three chain registries.
func New(cfg *config.StackConfig, loader chain.Loader, openDevice func(name string) (device.Driver, error)) *Stack {
	if cfg == nil {
		cfg = config.Default()
	}

	s := &Stack{
		Config:  cfg,
		Ifaces:  iface.NewTable(),
		Domains: make(map[uint8]*route.Domain),
	}

	s.Devices = device.NewTable(openDevice, cfg.Fifo.DeviceMaxBytes)
	s.Timers = queue.NewTimerService()

	s.ProtocolChains = chain.NewRegistry(chain.KindProtocol, loader)
	s.DatalinkChains = chain.NewRegistry(chain.KindDatalink, loader)
	s.ReceivingChains = chain.NewRegistry(chain.KindReceiving, loader)

	s.Ifaces.OnAddressesRemoved = func(ifc *iface.Interface, removed []*iface.InterfaceAddress) {
		for _, addr := range removed {
			if dom, ok := s.Domains[addr.Domain]; ok {
				dom.InvalidateRoutes(ifc, addr)
			}
			log.WithField("interface", ifc.Name).Debugf("address removed, routes invalidated")
		}
	}

	// OnAddressChanging/OnAddressChanged implement §4.4's "changing local
	// or mask first removes the default host/subnet routes associated with
	// the old address... on success default routes are re-added": a host
	// route {dest=local, flags=LOCAL|HOST} for SIOCSIFADDR, plus a subnet
	// route {dest=local, mask, flags=0} when a mask is present.
	s.Ifaces.OnAddressChanging = func(ifc *iface.Interface, addr *iface.InterfaceAddress) {
		if len(addr.Local.Raw) == 0 {
			return
		}
		dom, ok := s.Domains[addr.Domain]
		if !ok {
			return
		}
		empty := buffer.Address{Family: addr.Local.Family}
		if err := dom.Remove(addr.Local, empty, empty, route.RTF_LOCAL|route.RTF_HOST, addr); err != nil {
			log.WithField("interface", ifc.Name).Debugf("no default host route to remove for old address: %v", err)
		}
		if len(addr.Mask.Raw) > 0 {
			if err := dom.Remove(addr.Local, addr.Mask, empty, 0, addr); err != nil {
				log.WithField("interface", ifc.Name).Debugf("no default subnet route to remove for old address: %v", err)
			}
		}
	}
	s.Ifaces.OnAddressChanged = func(ifc *iface.Interface, addr *iface.InterfaceAddress) {
		if len(addr.Local.Raw) == 0 {
			return
		}
		dom := s.Domain(addr.Domain)
		empty := buffer.Address{Family: addr.Local.Family}
		if _, err := dom.Add(addr.Local, empty, empty, route.RTF_LOCAL|route.RTF_HOST, 0, addr); err != nil {
			log.WithField("interface", ifc.Name).Debugf("default host route not installed: %v", err)
		}
		if len(addr.Mask.Raw) > 0 {
			if _, err := dom.Add(addr.Local, addr.Mask, empty, 0, 0, addr); err != nil {
				log.WithField("interface", ifc.Name).Debugf("default subnet route not installed: %v", err)
			}
		}
	}

	log.Info("stack singletons assembled")
	return s
}

// Domain returns (creating on first use) the routing domain for family.
func (s *Stack) Domain(family uint8) *route.Domain {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.Domains[family]; ok {
		return d
	}
	d := route.NewDomain(family, fmt.Sprintf("family-%d", family), s.Ifaces)
	s.Domains[family] = d
	return d
}

// ReceiverFor returns a device.DomainReceiver over family's routing domain,
// for wiring into device.DeviceInterface.Start.
func (s *Stack) ReceiverFor(family uint8) device.DomainReceiver {
	return &domainReceiverAdapter{domain: s.Domain(family)}
}

// Init brings the stack up: starts the timer worker and, if configured,
// opens and starts the loopback device.
func (s *Stack) Init(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.timerCtx, s.cancel = ctx, cancel
	s.Timers.Run(ctx)
	log.Info("timer service started")

	if s.Config.Loopback.Enabled {
		if err := s.startLoopback(ctx); err != nil {
			cancel()
			return errs.Wrapf(errs.ErrBadValue, "loopback: %v", err)
		}
	}

	log.Info("stack initialized")
	return nil
}

func (s *Stack) startLoopback(ctx context.Context) error {
	dev, err := s.Devices.Get(s.Config.Loopback.Name, true)
	if err != nil {
		return err
	}
	ifc, err := s.Ifaces.GetOrCreate(s.Config.Loopback.Name, s.Config.Loopback.Name, true)
	if err != nil {
		return err
	}
	ifc.MTU = s.Config.Loopback.MTU
	ifc.Flags |= iface.FlagUp | iface.FlagLoopback

	log.WithFields(logrus.Fields{
		"name": ifc.Name,
		"mtu":  ifc.MTU,
	}).Info("loopback interface created")

	return dev.Start(ctx, s.ReceiverFor(0))
}

// Shutdown tears the stack down in reverse order: device pipelines, then
// the timer worker. Chain registries and the interface/route tables have no
// background work and need no explicit teardown.
func (s *Stack) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	s.Timers.Stop()
	log.Info("stack shut down")
}
