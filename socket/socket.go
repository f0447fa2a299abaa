package socket

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/michaelquigley/pfxlog"
	"github.com/openziti/kinetic"
	"github.com/openziti/kinetic/channel"
	"github.com/openziti/kinetic/selector"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var errWouldBlock = errors.New("would block")

// Socket is a connected, non-blocking TCP descriptor. Its pumps move bytes between the descriptor and byte
// channels, suspending on the selector whenever the descriptor would block.
//
type Socket struct {
	fd     int
	sel    *selector.Selector
	cfg    *Config
	ii     kinetic.InstrumentInstance
	local  net.Addr
	remote net.Addr
	log    *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	closed int32
	pumps  sync.WaitGroup
	lock   sync.Mutex
	reader bool
	writer chan struct{}
}

// Connect opens a connection to host:port. The descriptor is connected without blocking; the caller suspends on
// the selector until the connection completes and SO_ERROR is checked. Cancelling ctx abandons the attempt.
//
func Connect(ctx context.Context, sel *selector.Selector, host string, port int, cfg *Config, ii kinetic.InstrumentInstance) (*Socket, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	sa, family, err := resolve(ctx, host, port)
	if err != nil {
		return nil, err
	}
	fd, err := newSocketFd(family)
	if err != nil {
		return nil, kinetic.NewSocketError("socket", -1, err)
	}
	if err := applyOptions(fd, cfg); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	err = unix.Connect(fd, sa)
	if err == unix.EINPROGRESS || err == unix.EINTR || err == unix.EALREADY {
		if err = sel.Select(ctx, fd, selector.Connect); err == nil {
			var errno int
			if errno, err = unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR); err == nil && errno != 0 {
				err = unix.Errno(errno)
			}
		}
		sel.Deregister(fd)
	}
	if err != nil {
		_ = unix.Close(fd)
		if _, ok := err.(unix.Errno); ok {
			return nil, kinetic.NewSocketError("connect", fd, err)
		}
		return nil, err
	}
	return newSocket(fd, sel, cfg, ii, toAddr(sa)), nil
}

func newSocket(fd int, sel *selector.Selector, cfg *Config, ii kinetic.InstrumentInstance, remote net.Addr) *Socket {
	if ii == nil {
		ii = &kinetic.NilInstrumentInstance{}
	}
	self := &Socket{
		fd:     fd,
		sel:    sel,
		cfg:    cfg,
		ii:     ii,
		local:  localAddr(fd),
		remote: remote,
	}
	label := "socket"
	if remote != nil {
		label = remote.String()
	}
	self.log = pfxlog.ContextLogger(label).WithField("fd", fd)
	self.ctx, self.cancel = context.WithCancel(context.Background())
	return self
}

func (self *Socket) Fd() int {
	return self.fd
}

func (self *Socket) LocalAddr() net.Addr {
	return self.local
}

func (self *Socket) RemoteAddr() net.Addr {
	return self.remote
}

func (self *Socket) IsClosed() bool {
	return atomic.LoadInt32(&self.closed) == 1
}

// AttachForReading starts the inbound pump, which receives into ch until end-of-stream or error. End-of-stream
// closes ch; a socket error or socket timeout closes ch with that error. The read half is shut down when the pump
// exits. At most one inbound pump may be attached.
//
func (self *Socket) AttachForReading(ch *channel.ByteChannel) error {
	self.lock.Lock()
	defer self.lock.Unlock()
	if self.IsClosed() {
		return kinetic.ErrCancelled
	}
	if self.reader {
		return errors.Wrap(kinetic.ErrInvalidState, "inbound pump already attached")
	}
	self.reader = true
	self.pumps.Add(1)
	go self.rxer(ch)
	return nil
}

// AttachForWriting starts the outbound pump, which sends everything written to ch. When ch is closed and drained
// the write half is shut down (half close); on error ch is cancelled with the cause. At most one outbound pump may
// be attached.
//
func (self *Socket) AttachForWriting(ch *channel.ByteChannel) error {
	self.lock.Lock()
	defer self.lock.Unlock()
	if self.IsClosed() {
		return kinetic.ErrCancelled
	}
	if self.writer != nil {
		return errors.Wrap(kinetic.ErrInvalidState, "outbound pump already attached")
	}
	self.writer = make(chan struct{})
	self.pumps.Add(1)
	go self.txer(ch, self.writer)
	return nil
}

// Flushed is closed when the outbound pump exits; nil when no outbound pump is attached.
//
func (self *Socket) Flushed() <-chan struct{} {
	self.lock.Lock()
	defer self.lock.Unlock()
	return self.writer
}

// Close shuts down both halves, deregisters the descriptor and closes it exactly once, after both pumps have
// exited.
//
func (self *Socket) Close() error {
	// closing under the attach lock means every pump counted in pumps is visible to the Wait below
	self.lock.Lock()
	if !atomic.CompareAndSwapInt32(&self.closed, 0, 1) {
		self.lock.Unlock()
		return nil
	}
	self.lock.Unlock()

	self.cancel()
	self.sel.Deregister(self.fd)
	self.pumps.Wait()
	_ = unix.Shutdown(self.fd, unix.SHUT_RDWR)
	if err := unix.Close(self.fd); err != nil {
		return kinetic.NewSocketError("close", self.fd, err)
	}
	self.log.Debugf("closed")
	return nil
}

func (self *Socket) rxer(ch *channel.ByteChannel) {
	self.log.Debugf("started")
	defer self.log.Debugf("exited")
	defer self.pumps.Done()
	defer self.shutdown(unix.SHUT_RD)

	for {
		n, err := ch.WriteDirect(self.ctx, self.recv)
		switch {
		case err == nil:
			self.ii.RxBytes(n)

		case err == errWouldBlock:
			if err := self.await(selector.Read); err != nil {
				self.abandon(ch, err)
				return
			}

		case err == io.EOF:
			_ = ch.Close()
			return

		default:
			self.abandon(ch, err)
			return
		}
	}
}

func (self *Socket) recv(p []byte) (int, error) {
	for {
		n, err := unix.Read(self.fd, p)
		if err == unix.EINTR {
			continue
		}
		if kinetic.IsWouldBlock(err) {
			return 0, errWouldBlock
		}
		if err != nil {
			return 0, kinetic.NewSocketError("recv", self.fd, err)
		}
		if n == 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

func (self *Socket) txer(ch *channel.ByteChannel, flushed chan struct{}) {
	self.log.Debugf("started")
	defer self.log.Debugf("exited")
	defer self.pumps.Done()
	defer close(flushed)
	defer self.shutdown(unix.SHUT_WR)

	for {
		n, err := ch.ReadDirect(self.ctx, self.send)
		switch {
		case err == nil:
			self.ii.TxBytes(n)

		case err == errWouldBlock:
			if err := self.await(selector.Write); err != nil {
				if err != kinetic.ErrCancelled {
					self.ii.SocketError(err)
				}
				ch.Cancel(err)
				return
			}

		case err == io.EOF:
			return

		default:
			if isSocketError(err) {
				self.ii.SocketError(err)
				ch.Cancel(err)
			}
			return
		}
	}
}

func (self *Socket) send(p []byte) (int, error) {
	for {
		n, err := unix.Write(self.fd, p)
		if err == unix.EINTR {
			continue
		}
		if kinetic.IsWouldBlock(err) {
			return 0, errWouldBlock
		}
		if err != nil {
			return 0, kinetic.NewSocketError("send", self.fd, err)
		}
		return n, nil
	}
}

// await suspends until the descriptor is ready for interest, bounded by the socket timeout when one is
// configured. A closed socket reports kinetic.ErrCancelled.
//
func (self *Socket) await(interest selector.Interest) error {
	if self.ctx.Err() != nil {
		return kinetic.ErrCancelled
	}
	ctx := self.ctx
	if timeout, ok := kinetic.TimeoutDuration(self.cfg.SocketTimeoutMs); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(self.ctx, timeout)
		defer cancel()
	}
	err := self.sel.Select(ctx, self.fd, interest)
	if err == nil {
		return nil
	}
	if self.ctx.Err() != nil {
		return kinetic.ErrCancelled
	}
	if err == context.DeadlineExceeded {
		return errors.Wrapf(kinetic.ErrSocketTimeout, "no [%s] readiness within [%d ms]", interest, self.cfg.SocketTimeoutMs)
	}
	return err
}

// abandon ends an inbound pump. A local close reads as end-of-stream; anything else closes the channel with the
// error.
//
func (self *Socket) abandon(ch *channel.ByteChannel, err error) {
	if err == kinetic.ErrCancelled || self.ctx.Err() != nil || errors.Is(err, kinetic.ErrClosedForWrite) {
		_ = ch.Close()
		return
	}
	if isSocketError(err) {
		self.ii.SocketError(err)
	}
	self.log.Debugf("inbound pump failed (%v)", err)
	_ = ch.CloseWithError(err)
}

func (self *Socket) shutdown(how int) {
	if self.IsClosed() {
		return
	}
	if err := unix.Shutdown(self.fd, how); err != nil && err != unix.ENOTCONN {
		self.log.Debugf("shutdown [%d] failed (%v)", how, err)
	}
}

func isSocketError(err error) bool {
	var serr *kinetic.SocketError
	return errors.As(err, &serr)
}
