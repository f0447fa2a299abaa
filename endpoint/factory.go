package endpoint

import (
	"context"
	"net"

	"github.com/openziti/kinetic"
	"github.com/openziti/kinetic/selector"
	"github.com/openziti/kinetic/socket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Conn is a connection handed out by a ConnectionFactory.
//
type Conn interface {
	net.Conn
	CloseWrite() error
}

// ConnectionFactory opens connections under a global permit limit. Every successful Connect holds one permit
// until Release is called; a failed Connect holds none.
//
type ConnectionFactory interface {
	Connect(ctx context.Context, host string, port int, socketTimeoutMs int) (Conn, error)
	Release()
}

// SocketFactory is the ConnectionFactory over the native socket stack: descriptors are spread across a selector
// group and their streams draw buffers from a shared pool.
//
type SocketFactory struct {
	cfg     *socket.Config
	group   *selector.Group
	pool    *kinetic.Pool
	ii      kinetic.InstrumentInstance
	permits chan struct{}
	owned   bool
}

func NewSocketFactory(maxConnections int, cfg *socket.Config, group *selector.Group, pool *kinetic.Pool, i kinetic.Instrument) *SocketFactory {
	if cfg == nil {
		cfg = socket.NewDefaultConfig()
	}
	if i == nil {
		i = kinetic.NewNilInstrument()
	}
	return &SocketFactory{
		cfg:     cfg,
		group:   group,
		pool:    pool,
		ii:      i.NewInstance("sockets"),
		permits: make(chan struct{}, maxConnections),
	}
}

// NewSocketFactoryFromConfig builds the selector group and buffer pool described by cfg. Close releases them.
//
func NewSocketFactoryFromConfig(cfg *Config, i kinetic.Instrument) (*SocketFactory, error) {
	if i == nil {
		i = kinetic.NewNilInstrument()
	}
	group, err := selector.NewGroup(cfg.Selector, i)
	if err != nil {
		return nil, errors.Wrap(err, "error creating selector group")
	}
	pool := kinetic.NewPoolFromConfig("endpoint", cfg.Pool, i.NewInstance("pool"))
	f := NewSocketFactory(cfg.MaxConnectionsCount, cfg.Socket, group, pool, i)
	f.owned = true
	return f, nil
}

func (self *SocketFactory) Connect(ctx context.Context, host string, port int, socketTimeoutMs int) (Conn, error) {
	select {
	case self.permits <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	cfg := *self.cfg
	if socketTimeoutMs != 0 {
		cfg.SocketTimeoutMs = socketTimeoutMs
	}
	s, err := socket.Connect(ctx, self.group.Next(), host, port, &cfg, self.ii)
	if err != nil {
		<-self.permits
		return nil, err
	}
	stream, err := socket.NewStream(s, self.pool)
	if err != nil {
		_ = s.Close()
		<-self.permits
		return nil, err
	}
	return stream, nil
}

func (self *SocketFactory) Release() {
	select {
	case <-self.permits:
	default:
		logrus.Errorf("release without an outstanding permit")
	}
}

// InUse reports the number of permits currently held.
//
func (self *SocketFactory) InUse() int {
	return len(self.permits)
}

func (self *SocketFactory) Pool() *kinetic.Pool {
	return self.pool
}

func (self *SocketFactory) Close() error {
	self.ii.Shutdown()
	if self.owned {
		return self.group.Close()
	}
	return nil
}
