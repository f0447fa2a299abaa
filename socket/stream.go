package socket

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/openziti/kinetic"
	"github.com/openziti/kinetic/channel"
)

// Stream is a net.Conn over a Socket and the two byte channels its pumps serve.
//
type Stream struct {
	socket *Socket
	rx     *channel.ByteChannel
	tx     *channel.ByteChannel

	lock      sync.Mutex
	rd        *deadline
	wd        *deadline
	closeOnce sync.Once
	onClose   func()
}

// NewStream attaches both pumps of s to fresh channels drawn from pool.
//
func NewStream(s *Socket, pool *kinetic.Pool) (*Stream, error) {
	self := &Stream{
		socket: s,
		rx:     channel.New(pool, s.cfg.Channel),
		tx:     channel.New(pool, s.cfg.Channel),
		rd:     newDeadline(),
		wd:     newDeadline(),
	}
	if err := s.AttachForReading(self.rx); err != nil {
		return nil, err
	}
	if err := s.AttachForWriting(self.tx); err != nil {
		return nil, err
	}
	return self, nil
}

// OnClose registers fn to run once, after the stream closes.
//
func (self *Stream) OnClose(fn func()) {
	self.lock.Lock()
	defer self.lock.Unlock()
	self.onClose = fn
}

func (self *Stream) Socket() *Socket {
	return self.socket
}

func (self *Stream) Read(p []byte) (int, error) {
	return self.rd.run(func(ctx context.Context) (int, error) {
		return self.rx.ReadContext(ctx, p)
	})
}

func (self *Stream) Write(p []byte) (int, error) {
	return self.wd.run(func(ctx context.Context) (int, error) {
		return self.tx.WriteContext(ctx, p)
	})
}

// CloseWrite half-closes the stream: buffered bytes are still sent, then the write half of the socket is shut
// down.
//
func (self *Stream) CloseWrite() error {
	return self.tx.Close()
}

// Close closes the write side and gives the outbound pump up to the socket's linger time to flush, then cancels
// the read side and closes the socket.
//
func (self *Stream) Close() (err error) {
	self.closeOnce.Do(func() {
		_ = self.tx.Close()
		if linger, ok := kinetic.TimeoutDuration(self.socket.cfg.LingerMs); ok {
			select {
			case <-self.socket.Flushed():
			case <-time.After(linger):
			}
		}
		self.rx.Cancel(kinetic.ErrCancelled)
		err = self.socket.Close()

		self.lock.Lock()
		onClose := self.onClose
		self.lock.Unlock()
		if onClose != nil {
			onClose()
		}
	})
	return err
}

func (self *Stream) LocalAddr() net.Addr {
	return self.socket.LocalAddr()
}

func (self *Stream) RemoteAddr() net.Addr {
	return self.socket.RemoteAddr()
}

// SetDeadline and its read and write forms apply to calls already in progress as well as future ones.
//
func (self *Stream) SetDeadline(t time.Time) error {
	self.rd.set(t)
	self.wd.set(t)
	return nil
}

func (self *Stream) SetReadDeadline(t time.Time) error {
	self.rd.set(t)
	return nil
}

func (self *Stream) SetWriteDeadline(t time.Time) error {
	self.wd.set(t)
	return nil
}
