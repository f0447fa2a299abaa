package socket

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/openziti/kinetic"
	"github.com/openziti/kinetic/selector"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ServerSocket is a non-blocking listening descriptor. Accept suspends on the selector's ACCEPT interest while no
// connection is pending.
//
type ServerSocket struct {
	fd     int
	sel    *selector.Selector
	cfg    *Config
	ii     kinetic.InstrumentInstance
	addr   net.Addr
	ctx    context.Context
	cancel context.CancelFunc
	closed int32
}

func Listen(sel *selector.Selector, host string, port int, cfg *Config, i kinetic.Instrument) (*ServerSocket, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if i == nil {
		i = kinetic.NewNilInstrument()
	}
	sa, family, err := resolve(context.Background(), host, port)
	if err != nil {
		return nil, err
	}
	fd, err := newSocketFd(family)
	if err != nil {
		return nil, kinetic.NewSocketError("socket", -1, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, kinetic.NewSocketError("setsockopt", fd, err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, kinetic.NewSocketError("bind", fd, err)
	}
	if err := unix.Listen(fd, cfg.Backlog); err != nil {
		_ = unix.Close(fd)
		return nil, kinetic.NewSocketError("listen", fd, err)
	}
	self := &ServerSocket{fd: fd, sel: sel, cfg: cfg, ii: i.NewInstance("accepted"), addr: localAddr(fd)}
	self.ctx, self.cancel = context.WithCancel(context.Background())
	logrus.Infof("listening at [%s]", self.addr)
	return self, nil
}

func (self *ServerSocket) Addr() net.Addr {
	return self.addr
}

// Port reports the bound port, which differs from the requested one when listening on port 0.
//
func (self *ServerSocket) Port() int {
	if addr, ok := self.addr.(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

func (self *ServerSocket) Accept(ctx context.Context) (*Socket, error) {
	for {
		if atomic.LoadInt32(&self.closed) == 1 {
			return nil, kinetic.ErrCancelled
		}
		nfd, sa, err := unix.Accept(self.fd)
		if err == nil {
			unix.CloseOnExec(nfd)
			if err := unix.SetNonblock(nfd, true); err != nil {
				_ = unix.Close(nfd)
				return nil, kinetic.NewSocketError("accept", nfd, err)
			}
			if err := applyOptions(nfd, self.cfg); err != nil {
				_ = unix.Close(nfd)
				return nil, err
			}
			return newSocket(nfd, self.sel, self.cfg, self.ii, toAddr(sa)), nil
		}
		if err == unix.EINTR || err == unix.ECONNABORTED {
			continue
		}
		if !kinetic.IsWouldBlock(err) {
			return nil, kinetic.NewSocketError("accept", self.fd, err)
		}
		if err := self.await(ctx); err != nil {
			return nil, err
		}
	}
}

func (self *ServerSocket) await(ctx context.Context) error {
	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-self.ctx.Done():
			cancel()
		case <-actx.Done():
		}
	}()
	err := self.sel.Select(actx, self.fd, selector.Accept)
	if err != nil && self.ctx.Err() != nil {
		return kinetic.ErrCancelled
	}
	return errors.Wrap(err, "accept")
}

func (self *ServerSocket) Close() error {
	if !atomic.CompareAndSwapInt32(&self.closed, 0, 1) {
		return nil
	}
	self.cancel()
	self.sel.Deregister(self.fd)
	self.ii.Shutdown()
	if err := unix.Close(self.fd); err != nil {
		return kinetic.NewSocketError("close", self.fd, err)
	}
	logrus.Infof("closed listener at [%s]", self.addr)
	return nil
}
