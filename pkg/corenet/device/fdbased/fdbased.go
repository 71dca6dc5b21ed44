// Package fdbased is a reference Driver (C4) that reads and writes raw
// frames on a file descriptor — a socketpair or tun device.
package fdbased

import (
	"context"
	"time"

	"github.com/nstack/netcore/pkg/corenet/buffer"
	"github.com/nstack/netcore/pkg/corenet/errs"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

const maxFrameSize = 65536

// Driver is an fd-based device. Limiter throttles the read-retry loop on
// transient errors, in place of a bare sleep.
type Driver struct {
	FD      int
	MTU     uint32
	Limiter *rate.Limiter
}

func New(fd int, mtu uint32) *Driver {
	return &Driver{
		FD:      fd,
		MTU:     mtu,
		Limiter: rate.NewLimiter(rate.Every(10*time.Millisecond), 1),
	}
}

func (d *Driver) Init() error   { return nil }
func (d *Driver) Uninit() error { return unix.Close(d.FD) }
func (d *Driver) Up() error     { return nil }
func (d *Driver) Down() error   { return nil }

func (d *Driver) SendData(buf *buffer.Buffer) error {
	data, err := buf.ReadData(0, buf.Size())
	if err != nil {
		return err
	}
	for written := 0; written < len(data); {
		n, err := unix.Write(d.FD, data[written:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return errs.Wrapf(errs.ErrBadAddress, "write: %v", err)
		}
		written += n
	}
	return nil
}

func (d *Driver) ReceiveData(ctx context.Context) (*buffer.Buffer, error) {
	scratch := make([]byte, maxFrameSize)
	n, err := unix.Read(d.FD, scratch)
	if err != nil {
		if err == unix.ENXIO || err == unix.EBADF {
			return nil, errs.ErrDeviceNotFound
		}
		if werr := d.Limiter.Wait(ctx); werr != nil {
			return nil, werr
		}
		return nil, errs.Wrapf(errs.ErrBadAddress, "read: %v", err)
	}
	buf := buffer.Create(0)
	if err := buf.AppendData(scratch[:n]); err != nil {
		buf.Free()
		return nil, err
	}
	return buf, nil
}

func (d *Driver) Control(op uint32, data []byte) ([]byte, error) {
	return nil, errs.ErrOptionNotSupported
}

func (d *Driver) SetMedia(media uint32) error { return errs.ErrOptionNotSupported }

func (d *Driver) AddMulticast(addr buffer.Address) error    { return errs.ErrOptionNotSupported }
func (d *Driver) RemoveMulticast(addr buffer.Address) error { return errs.ErrOptionNotSupported }
