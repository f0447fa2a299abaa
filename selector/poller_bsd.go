//go:build darwin || freebsd || netbsd || openbsd
// +build darwin freebsd netbsd openbsd

package selector

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// pollPoller rebuilds a poll(2) set from its registrations on every wait. A non-blocking pipe serves as the wake
// descriptor.
//
type pollPoller struct {
	masks  map[int]uint32
	pipe   [2]int
	pollfd []unix.PollFd
}

func newPoller(_ int) (poller, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, errors.Wrap(err, "pipe create")
	}
	for _, fd := range p {
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(p[0])
			_ = unix.Close(p[1])
			return nil, errors.Wrap(err, "pipe nonblock")
		}
		unix.CloseOnExec(fd)
	}
	return &pollPoller{masks: make(map[int]uint32), pipe: p}, nil
}

func (self *pollPoller) control(fd int, _, new uint32) error {
	if new == 0 {
		delete(self.masks, fd)
	} else {
		self.masks[fd] = new
	}
	return nil
}

func (self *pollPoller) wait(timeoutMs int, ready []readiness) ([]readiness, error) {
	self.pollfd = append(self.pollfd[:0], unix.PollFd{Fd: int32(self.pipe[0]), Events: unix.POLLIN})
	for fd, mask := range self.masks {
		pfd := unix.PollFd{Fd: int32(fd)}
		if mask&maskRead != 0 {
			pfd.Events |= unix.POLLIN
		}
		if mask&maskWrite != 0 {
			pfd.Events |= unix.POLLOUT
		}
		self.pollfd = append(self.pollfd, pfd)
	}

	n, err := unix.Poll(self.pollfd, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return ready, nil
		}
		return ready, errors.Wrap(err, "poll")
	}
	if n == 0 {
		return ready, nil
	}
	if self.pollfd[0].Revents != 0 {
		self.drain()
	}
	for _, pfd := range self.pollfd[1:] {
		if pfd.Revents == 0 {
			continue
		}
		hup := pfd.Revents&unix.POLLHUP != 0
		ready = append(ready, readiness{
			fd:       int(pfd.Fd),
			readable: pfd.Revents&unix.POLLIN != 0 || hup,
			writable: pfd.Revents&unix.POLLOUT != 0 || hup,
			failed:   pfd.Revents&(unix.POLLERR|unix.POLLNVAL) != 0,
		})
	}
	return ready, nil
}

func (self *pollPoller) wake() error {
	if _, err := unix.Write(self.pipe[1], []byte{1}); err != nil && err != unix.EAGAIN {
		return errors.Wrap(err, "pipe write")
	}
	return nil
}

func (self *pollPoller) drain() {
	buf := make([]byte, 64)
	for {
		if n, err := unix.Read(self.pipe[0], buf); n <= 0 || err != nil {
			return
		}
	}
}

func (self *pollPoller) close() error {
	_ = unix.Close(self.pipe[1])
	return unix.Close(self.pipe[0])
}
