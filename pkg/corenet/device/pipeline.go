package device

import (
	"context"
	"time"

	"github.com/nstack/netcore/pkg/corenet/errs"
	"github.com/nstack/netcore/pkg/corenet/metrics"
	"golang.org/x/sync/errgroup"
)

// Start brings the device up and starts its reader/consumer goroutine pair,
// supervised by an errgroup the way a per-device thread pair would be
// supervised by the kernel scheduler. receiver delivers locally-addressed
// buffers to the owning domain.
func (d *DeviceInterface) Start(ctx context.Context, receiver DomainReceiver) error {
	if d.upCount.Add(1) != 1 {
		return nil
	}
	if err := d.Driver.Up(); err != nil {
		d.upCount.Add(-1)
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	d.group = g

	g.Go(func() error { return d.readerLoop(gctx) })
	g.Go(func() error { return d.consumerLoop(gctx, receiver) })
	return nil
}

// Stop brings the device down and waits for both goroutines to exit.
func (d *DeviceInterface) Stop() {
	if d.upCount.Add(-1) != 0 {
		return
	}
	d.fanoutMonitors(func(m Monitor) { m.Event(EventGoingDown) })
	_ = d.Driver.Down()
	if d.cancel != nil {
		d.cancel()
	}
	if d.group != nil {
		_ = d.group.Wait()
	}
	d.fanoutMonitors(func(m Monitor) { m.Event(EventBeingRemoved) })
	d.clearMonitors()
}

// readerLoop mirrors device_reader_thread: while up, pull a frame from the
// driver, feed monitors, deframe, and enqueue onto the receive FIFO.
func (d *DeviceInterface) readerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		buf, err := d.Driver.ReceiveData(ctx)
		if err != nil {
			if errs.Code_(err) == errs.CodeDeviceNotFound {
				go d.deviceRemoved()
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}

		metrics.DeviceFramesReceived.WithLabelValues(d.Name).Inc()
		d.fanoutMonitors(func(m Monitor) { m.Receive(buf) })

		d.receiveMu.Lock()
		deframer := d.deframer
		d.receiveMu.Unlock()

		if deframer != nil {
			if err := deframer.fn(d, buf); err != nil {
				buf.Free()
				continue
			}
		}

		if err := d.receiveFIFO.Enqueue(buf); err != nil {
			buf.Free()
		}
	}
}

// consumerLoop mirrors device_consumer_thread: dequeue, deliver directly to
// a domain when the buffer already carries an interface_address, otherwise
// try registered handlers in order until one consumes it.
func (d *DeviceInterface) consumerLoop(ctx context.Context, receiver DomainReceiver) error {
	for {
		buf, err := d.receiveFIFO.Dequeue(ctx, false, false)
		if err != nil {
			if errs.Code_(err) == errs.CodeInterrupted || errs.Code_(err) == errs.CodeTimedOut {
				select {
				case <-ctx.Done():
					return nil
				default:
					continue
				}
			}
			return nil
		}

		if buf.IfaceAddr != nil && receiver != nil {
			if err := receiver.ReceiveData(buf); err != nil {
				buf.Free()
			}
			continue
		}

		d.receiveMu.Lock()
		handlers := make([]*ReceiveHandler, len(d.handlers))
		copy(handlers, d.handlers)
		d.receiveMu.Unlock()

		consumed := false
		for _, h := range handlers {
			ok, err := h.Handle(buf)
			if err == nil && ok {
				consumed = true
				break
			}
		}
		if !consumed {
			buf.Free()
		}
	}
}
