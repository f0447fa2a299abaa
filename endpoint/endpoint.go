package endpoint

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/michaelquigley/pfxlog"
	"github.com/openziti/kinetic"
	"github.com/openziti/kinetic/util"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Endpoint manages the connections to one route. Requests take a dedicated connection, or share a pipelined one
// when pipelining is enabled. The open-connection count never exceeds Config.MaxConnectionsPerRoute; every
// connection opened is counted once and uncounted once, whatever its outcome.
//
type Endpoint struct {
	route    Route
	cfg      *Config
	factory  ConnectionFactory
	upgrader Upgrader
	ii       kinetic.InstrumentInstance
	log      *logrus.Entry
	onDone   func()

	connections  int32
	calls        int32
	lastActivity int64
	ids          *util.Sequence

	lock  sync.Mutex
	freed chan struct{}

	deliveryPoint chan *task
	closing       chan struct{}
	closeOnce     sync.Once
	doneOnce      sync.Once
}

func NewEndpoint(route Route, cfg *Config, factory ConnectionFactory, upgrader Upgrader, ii kinetic.InstrumentInstance, onDone func()) *Endpoint {
	if upgrader == nil {
		upgrader = &TLSUpgrader{}
	}
	if ii == nil {
		ii = &kinetic.NilInstrumentInstance{}
	}
	self := &Endpoint{
		route:         route,
		cfg:           cfg,
		factory:       factory,
		upgrader:      upgrader,
		ii:            ii,
		log:           pfxlog.ContextLogger(route.String()),
		onDone:        onDone,
		ids:           util.NewSequence(1),
		freed:         make(chan struct{}),
		deliveryPoint: make(chan *task),
		closing:       make(chan struct{}),
	}
	self.touch()
	if idle, ok := kinetic.TimeoutDuration(cfg.MaxEndpointIdleMs()); ok {
		go self.idleMonitor(idle)
	}
	return self
}

func (self *Endpoint) Route() Route {
	return self.route
}

// Connections reports the number of open (or opening) connections.
//
func (self *Endpoint) Connections() int {
	return int(atomic.LoadInt32(&self.connections))
}

func (self *Endpoint) IsClosed() bool {
	select {
	case <-self.closing:
		return true
	default:
		return false
	}
}

// Execute runs req's exchange. The dedicated path is taken when req.Dedicated is set or pipelining is disabled;
// otherwise the request is handed to a pipeline.
//
func (self *Endpoint) Execute(ctx context.Context, req *Request) (*Response, error) {
	if err := self.enter(); err != nil {
		return nil, err
	}
	defer self.exit()

	if !self.cfg.Pipelining || req.Dedicated {
		return self.executeDedicated(ctx, req)
	}
	return self.executePipelined(ctx, req)
}

// Open connects a dedicated connection and hands it to the caller, for upgrades and streaming. Closing the
// returned connection releases it.
//
func (self *Endpoint) Open(ctx context.Context, req *Request) (*Connection, error) {
	if err := self.enter(); err != nil {
		return nil, err
	}
	defer self.exit()
	return self.connect(ctx, req)
}

// Close stops intake. Calls in progress complete; once no calls and no connections remain the endpoint's onDone
// callback fires.
//
func (self *Endpoint) Close() error {
	self.closeOnce.Do(func() {
		close(self.closing)
		self.log.Debugf("closing")
	})
	self.checkDone()
	return nil
}

func (self *Endpoint) executeDedicated(ctx context.Context, req *Request) (*Response, error) {
	conn, err := self.connect(ctx, req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	timeoutMs := self.requestTimeoutMs(req)
	rctx, cancel := withTimeoutMs(ctx, timeoutMs)
	defer cancel()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-rctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	rsp := &Response{ConnectionId: conn.Id(), ConnectedAt: conn.ConnectedAt(), RequestTime: time.Now()}
	err = req.Exchange.WriteRequest(rctx, conn)
	if err == nil && self.cfg.AllowHalfClose {
		err = conn.CloseWrite()
	}
	if err == nil {
		err = req.Exchange.ReadResponse(rctx, conn)
	}
	if err != nil {
		return nil, requestError(ctx, rctx, timeoutMs, err)
	}
	rsp.ResponseTime = time.Now()
	return rsp, nil
}

// executePipelined hands req to a pipeline with capacity, starting a new pipeline when none is free and the
// per-route ceiling allows. Otherwise it waits for capacity, retrying whenever a connection is released.
//
func (self *Endpoint) executePipelined(ctx context.Context, req *Request) (*Response, error) {
	t := newTask(ctx, req, self.requestTimeoutMs(req))
	for delivered := self.offer(t); !delivered; {
		self.lock.Lock()
		freed := self.freed
		self.lock.Unlock()

		if self.tryReserve() {
			if err := self.createPipeline(ctx, req); err != nil {
				return nil, err
			}
		}
		select {
		case self.deliveryPoint <- t:
			delivered = true
		case <-freed:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-self.closing:
			return nil, errors.Wrapf(kinetic.ErrEndpointClosed, "[%s]", self.route)
		}
	}
	select {
	case <-t.done:
		return t.rsp, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (self *Endpoint) offer(t *task) bool {
	select {
	case self.deliveryPoint <- t:
		return true
	default:
		return false
	}
}

func (self *Endpoint) createPipeline(ctx context.Context, req *Request) error {
	conn, err := self.connectReserved(ctx, req)
	if err != nil {
		return err
	}
	p := newPipeline(self, conn)
	go p.run()
	return nil
}

// connect opens a connection, first waiting for the open-connection count to drop below the per-route ceiling.
//
func (self *Endpoint) connect(ctx context.Context, req *Request) (*Connection, error) {
	if err := self.reserve(ctx); err != nil {
		return nil, err
	}
	return self.connectReserved(ctx, req)
}

// connectReserved runs the connect attempts for an already counted connection. Attempts that time out are
// retried up to Config.ConnectRetryAttempts; any other failure ends the connect at once. When every attempt
// timed out the error is kinetic.ErrConnectTimeout. Unless a Connection is returned, the count is given back and
// any raw connection already opened is closed and its factory permit returned, including when the factory or
// upgrader panics.
//
func (self *Endpoint) connectReserved(ctx context.Context, req *Request) (conn *Connection, err error) {
	var raw Conn
	defer func() {
		if conn != nil {
			return
		}
		if raw != nil {
			_ = raw.Close()
			self.factory.Release()
		}
		self.uncount()
	}()

	connectTimeoutMs, socketTimeoutMs := self.connectTimeouts(req)
	attempts := self.cfg.ConnectRetryAttempts
	address := self.route.Address()
	timeoutFails := 0

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		self.ii.ConnectAttempt(address, attempt)

		actx, cancel := withTimeoutMs(ctx, connectTimeoutMs)
		opened, err := self.factory.Connect(actx, self.route.Host, self.route.Port, socketTimeoutMs)
		timedOut := actx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		cancel()

		if err != nil {
			if timedOut {
				timeoutFails++
				self.log.Debugf("connect attempt [%d/%d] timed out after [%d ms]", attempt, attempts, connectTimeoutMs)
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			cerr := &ConnectError{Address: address, Attempts: attempt, TimeoutFails: timeoutFails, Kind: kinetic.ErrConnectFailure, Cause: err}
			self.ii.ConnectFailed(address, cerr)
			return nil, cerr
		}
		raw = opened

		if self.route.Secure {
			secured, err := self.upgrader.Upgrade(ctx, raw, self.route.Host)
			if err != nil {
				cerr := &ConnectError{Address: address, Attempts: attempt, TimeoutFails: timeoutFails, Kind: kinetic.ErrTLSUpgrade, Cause: err}
				self.ii.ConnectFailed(address, cerr)
				return nil, cerr
			}
			raw = secured
		}
		return self.opened(raw), nil
	}

	kind := kinetic.ErrConnectFailure
	if timeoutFails == attempts {
		kind = kinetic.ErrConnectTimeout
	}
	cerr := &ConnectError{Address: address, Attempts: attempts, TimeoutFails: timeoutFails, Kind: kind}
	self.ii.ConnectFailed(address, cerr)
	return nil, cerr
}

func (self *Endpoint) opened(raw Conn) *Connection {
	c := &Connection{Conn: raw, id: self.ids.Next(), connectedAt: time.Now(), endpoint: self}
	self.ii.ConnectionOpened(self.route.Address(), c.id)
	self.log.Debugf("opened connection [#%d]", c.id)
	return c
}

// releaseConnection returns a closed connection's factory permit and uncounts it.
//
func (self *Endpoint) releaseConnection(c *Connection) {
	self.factory.Release()
	self.uncount()
	self.ii.ConnectionClosed(self.route.Address(), c.id)
	self.log.Debugf("released connection [#%d]", c.id)
}

// reserve counts a new connection, waiting while the count is at the per-route ceiling.
//
func (self *Endpoint) reserve(ctx context.Context) error {
	for {
		if self.tryReserve() {
			return nil
		}
		self.lock.Lock()
		freed := self.freed
		self.lock.Unlock()
		if atomic.LoadInt32(&self.connections) < int32(self.cfg.MaxConnectionsPerRoute) {
			continue
		}
		select {
		case <-freed:
		case <-ctx.Done():
			return ctx.Err()
		case <-self.closing:
			return errors.Wrapf(kinetic.ErrEndpointClosed, "[%s]", self.route)
		}
	}
}

func (self *Endpoint) tryReserve() bool {
	max := int32(self.cfg.MaxConnectionsPerRoute)
	for {
		c := atomic.LoadInt32(&self.connections)
		if c >= max {
			return false
		}
		if atomic.CompareAndSwapInt32(&self.connections, c, c+1) {
			return true
		}
	}
}

func (self *Endpoint) uncount() {
	if atomic.AddInt32(&self.connections, -1) < 0 {
		panic(errors.Errorf("connection count for [%s] below zero", self.route))
	}
	self.touch()
	self.lock.Lock()
	close(self.freed)
	self.freed = make(chan struct{})
	self.lock.Unlock()
	self.checkDone()
}

func (self *Endpoint) enter() error {
	atomic.AddInt32(&self.calls, 1)
	if self.IsClosed() {
		self.exit()
		return errors.Wrapf(kinetic.ErrEndpointClosed, "[%s]", self.route)
	}
	self.touch()
	return nil
}

func (self *Endpoint) exit() {
	atomic.AddInt32(&self.calls, -1)
	self.touch()
	self.checkDone()
}

func (self *Endpoint) checkDone() {
	if !self.IsClosed() || atomic.LoadInt32(&self.calls) > 0 || atomic.LoadInt32(&self.connections) > 0 {
		return
	}
	self.doneOnce.Do(func() {
		self.log.Debugf("done")
		if self.onDone != nil {
			self.onDone()
		}
	})
}

func (self *Endpoint) touch() {
	atomic.StoreInt64(&self.lastActivity, time.Now().UnixNano())
}

func (self *Endpoint) idleMonitor(idle time.Duration) {
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			quiet := atomic.LoadInt32(&self.calls) == 0 && atomic.LoadInt32(&self.connections) == 0
			since := time.Since(time.Unix(0, atomic.LoadInt64(&self.lastActivity)))
			if quiet && since >= idle {
				self.log.Debugf("idle for [%s], closing", since)
				_ = self.Close()
				return
			}
		case <-self.closing:
			return
		}
	}
}

// connectTimeouts resolves the connect and socket timeouts for req, preferring its overrides.
//
func (self *Endpoint) connectTimeouts(req *Request) (connectTimeoutMs, socketTimeoutMs int) {
	connectTimeoutMs = self.cfg.ConnectTimeoutMs
	socketTimeoutMs = self.cfg.SocketTimeoutMs
	if req != nil && req.Timeouts != nil {
		if req.Timeouts.ConnectTimeoutMs != 0 {
			connectTimeoutMs = req.Timeouts.ConnectTimeoutMs
		}
		if req.Timeouts.SocketTimeoutMs != 0 {
			socketTimeoutMs = req.Timeouts.SocketTimeoutMs
		}
	}
	return
}

func (self *Endpoint) requestTimeoutMs(req *Request) int {
	if req != nil && req.Timeouts != nil && req.Timeouts.RequestTimeoutMs != 0 {
		return req.Timeouts.RequestTimeoutMs
	}
	return self.cfg.RequestTimeoutMs
}

func withTimeoutMs(ctx context.Context, ms int) (context.Context, context.CancelFunc) {
	if timeout, ok := kinetic.TimeoutDuration(ms); ok {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

// requestError classifies an exchange failure: expiry of the request timeout (and not of the caller's context)
// is kinetic.ErrRequestTimeout.
//
func requestError(ctx, rctx context.Context, timeoutMs int, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if rctx.Err() == context.DeadlineExceeded {
		return errors.Wrapf(kinetic.ErrRequestTimeout, "no response within [%d ms] (%v)", timeoutMs, err)
	}
	return err
}
