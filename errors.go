package kinetic

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var (
	// pool misuse; never retried
	ErrPoolInvariant = errors.New("pool invariant violation")
	ErrInvalidState  = errors.New("invalid buffer state")
	ErrRange         = errors.New("range out of bounds")

	// suspended parties resumed by a close or shutdown
	ErrCancelled      = errors.New("cancelled")
	ErrClosedForWrite = errors.New("closed for write")

	ErrConnectTimeout = errors.New("connect timeout")
	ErrConnectFailure = errors.New("connect failure")
	ErrRequestTimeout = errors.New("request timeout")
	ErrSocketTimeout  = errors.New("socket timeout")
	ErrTLSUpgrade     = errors.New("tls upgrade failure")
	ErrEndpointClosed = errors.New("endpoint closed")
)

// SocketError is any non-blocking OS error other than would-block, reported by the socket pumps or by the selector
// when a descriptor enters an error state.
//
type SocketError struct {
	Op    string
	Fd    int
	Errno unix.Errno
}

func NewSocketError(op string, fd int, err error) error {
	if errno, ok := err.(unix.Errno); ok {
		return &SocketError{Op: op, Fd: fd, Errno: errno}
	}
	return errors.Wrapf(err, "%s [fd %d]", op, fd)
}

func (self *SocketError) Error() string {
	if self.Errno == 0 {
		return fmt.Sprintf("socket error: %s [fd %d]", self.Op, self.Fd)
	}
	return fmt.Sprintf("socket error: %s [fd %d] (%v)", self.Op, self.Fd, self.Errno)
}

func (self *SocketError) Unwrap() error {
	if self.Errno == 0 {
		return nil
	}
	return self.Errno
}

// InvariantViolation is the panic payload raised when a zero-copy callback reports more bytes than it was offered.
// It signals a programming error; recovering from it is not supported.
//
type InvariantViolation struct {
	Offered  int
	Reported int
}

func (self *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation: callback reported [%d] bytes of [%d] offered", self.Reported, self.Offered)
}

func (self *InvariantViolation) Unwrap() error {
	return ErrPoolInvariant
}

// IsWouldBlock reports whether err is an EAGAIN/EWOULDBLOCK-class result, which the socket layer treats as a
// suspend-and-retry signal rather than a failure.
//
func IsWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}
