//go:build linux
// +build linux

package selector

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type epollPoller struct {
	epfd   int
	wakefd int
	events []unix.EpollEvent
}

func newPoller(maxEvents int) (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll create")
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, errors.Wrap(err, "eventfd create")
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, errors.Wrap(err, "epoll ctl add eventfd")
	}
	return &epollPoller{epfd: epfd, wakefd: wakefd, events: make([]unix.EpollEvent, maxEvents)}, nil
}

func (self *epollPoller) control(fd int, old, new uint32) error {
	ev := unix.EpollEvent{Fd: int32(fd)}
	if new&maskRead != 0 {
		ev.Events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if new&maskWrite != 0 {
		ev.Events |= unix.EPOLLOUT
	}
	switch {
	case old == 0 && new != 0:
		return unix.EpollCtl(self.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	case old != 0 && new == 0:
		return unix.EpollCtl(self.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	case old != new:
		return unix.EpollCtl(self.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	}
	return nil
}

func (self *epollPoller) wait(timeoutMs int, ready []readiness) ([]readiness, error) {
	n, err := unix.EpollWait(self.epfd, self.events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return ready, nil
		}
		return ready, errors.Wrap(err, "epoll wait")
	}
	for i := 0; i < n; i++ {
		ev := self.events[i]
		if int(ev.Fd) == self.wakefd {
			self.drain()
			continue
		}
		hup := ev.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0
		ready = append(ready, readiness{
			fd:       int(ev.Fd),
			readable: ev.Events&unix.EPOLLIN != 0 || hup,
			writable: ev.Events&unix.EPOLLOUT != 0 || ev.Events&unix.EPOLLHUP != 0,
			failed:   ev.Events&unix.EPOLLERR != 0,
		})
	}
	return ready, nil
}

func (self *epollPoller) wake() error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, 1)
	if _, err := unix.Write(self.wakefd, buf); err != nil && err != unix.EAGAIN {
		return errors.Wrap(err, "eventfd write")
	}
	return nil
}

func (self *epollPoller) drain() {
	buf := make([]byte, 8)
	_, _ = unix.Read(self.wakefd, buf)
}

func (self *epollPoller) close() error {
	_ = unix.Close(self.wakefd)
	return unix.Close(self.epfd)
}
