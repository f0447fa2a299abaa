package socket

import (
	"context"
	"net"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// resolve returns the socket address for host:port, preferring IPv4.
//
func resolve(ctx context.Context, host string, port int) (unix.Sockaddr, int, error) {
	if port < 0 || port > 65535 {
		return nil, 0, errors.Errorf("invalid port [%d]", port)
	}
	if host == "" {
		host = "0.0.0.0"
	}
	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "unable to resolve [%s]", host)
		}
		for _, addr := range addrs {
			ips = append(ips, addr.IP)
		}
	}
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			sa := &unix.SockaddrInet4{Port: port}
			copy(sa.Addr[:], ip4)
			return sa, unix.AF_INET, nil
		}
	}
	for _, ip := range ips {
		if ip16 := ip.To16(); ip16 != nil {
			sa := &unix.SockaddrInet6{Port: port}
			copy(sa.Addr[:], ip16)
			return sa, unix.AF_INET6, nil
		}
	}
	return nil, 0, errors.Errorf("no address for [%s]", host)
}

func toAddr(sa unix.Sockaddr) net.Addr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), v.Addr[:]...)), Port: v.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), v.Addr[:]...)), Port: v.Port}
	default:
		return nil
	}
}

func localAddr(fd int) net.Addr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil
	}
	return toAddr(sa)
}

func Address(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// newSocketFd creates a non-blocking, close-on-exec TCP descriptor.
//
func newSocketFd(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func applyOptions(fd int, cfg *Config) error {
	if cfg.NoDelay {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			return errors.Wrap(err, "TCP_NODELAY")
		}
	}
	if cfg.KeepAlive {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
			return errors.Wrap(err, "SO_KEEPALIVE")
		}
	}
	if cfg.SendBufferSz > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, cfg.SendBufferSz); err != nil {
			return errors.Wrap(err, "SO_SNDBUF")
		}
	}
	if cfg.ReceiveBufferSz > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, cfg.ReceiveBufferSz); err != nil {
			return errors.Wrap(err, "SO_RCVBUF")
		}
	}
	return nil
}
