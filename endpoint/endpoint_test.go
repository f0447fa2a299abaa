package endpoint

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openziti/kinetic"
	"github.com/openziti/kinetic/selector"
	"github.com/openziti/kinetic/socket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipeConn struct {
	net.Conn
}

func (self *pipeConn) CloseWrite() error {
	return nil
}

const (
	modeEcho = iota
	modeSilent
	modeHang
	modeRefuse
)

// pipeFactory connects over net.Pipe to an in-process server, tracking how many connections are held at once.
//
type pipeFactory struct {
	mode     int
	delay    time.Duration
	active   int32
	max      int32
	attempts int32
}

func (self *pipeFactory) Connect(ctx context.Context, _ string, _ int, _ int) (Conn, error) {
	atomic.AddInt32(&self.attempts, 1)
	switch self.mode {
	case modeHang:
		<-ctx.Done()
		return nil, ctx.Err()
	case modeRefuse:
		return nil, errors.New("connection refused")
	}

	active := atomic.AddInt32(&self.active, 1)
	for {
		max := atomic.LoadInt32(&self.max)
		if active <= max || atomic.CompareAndSwapInt32(&self.max, max, active) {
			break
		}
	}
	client, server := net.Pipe()
	go self.serve(server)
	return &pipeConn{client}, nil
}

func (self *pipeFactory) Release() {
	atomic.AddInt32(&self.active, -1)
}

func (self *pipeFactory) serve(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	if self.mode == modeSilent {
		_, _ = io.Copy(ioutil.Discard, conn)
		return
	}
	rd := bufio.NewReader(conn)
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			return
		}
		time.Sleep(self.delay)
		if _, err := io.WriteString(conn, line); err != nil {
			return
		}
	}
}

type lineExchange struct {
	msg string
	got string
}

func (self *lineExchange) WriteRequest(_ context.Context, w io.Writer) error {
	_, err := io.WriteString(w, self.msg+"\n")
	return err
}

func (self *lineExchange) ReadResponse(_ context.Context, r io.Reader) error {
	var line bytes.Buffer
	b := make([]byte, 1)
	for {
		n, err := r.Read(b)
		if n == 1 {
			if b[0] == '\n' {
				self.got = line.String()
				return nil
			}
			line.WriteByte(b[0])
		}
		if err != nil {
			return err
		}
	}
}

type failingUpgrader struct{}

func (self *failingUpgrader) Upgrade(context.Context, Conn, string) (Conn, error) {
	return nil, errors.New("bad certificate")
}

type panickingUpgrader struct{}

func (self *panickingUpgrader) Upgrade(context.Context, Conn, string) (Conn, error) {
	panic("handshake blew up")
}

type panickingFactory struct {
	pipeFactory
}

func (self *panickingFactory) Connect(context.Context, string, int, int) (Conn, error) {
	panic("dialer blew up")
}

func testConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.ConnectTimeoutMs = 1000
	cfg.RequestTimeoutMs = 2000
	return cfg
}

func newRequest(msg string) *Request {
	return &Request{Host: "localhost", Port: 9000, Exchange: &lineExchange{msg: msg}}
}

func TestExecuteDedicated(t *testing.T) {
	f := &pipeFactory{}
	ep := NewEndpoint(Route{Host: "localhost", Port: 9000}, testConfig(), f, nil, nil, nil)
	defer func() { _ = ep.Close() }()

	req := newRequest("hello")
	rsp, err := ep.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "hello", req.Exchange.(*lineExchange).got)
	assert.False(t, rsp.Pipelined)
	assert.Equal(t, int32(1), rsp.ConnectionId)
	assert.False(t, rsp.ResponseTime.Before(rsp.RequestTime))
	assert.Equal(t, 0, ep.Connections())
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.active))
}

func TestPerRouteCeiling(t *testing.T) {
	f := &pipeFactory{delay: 5 * time.Millisecond}
	cfg := testConfig()
	cfg.MaxConnectionsPerRoute = 3
	ep := NewEndpoint(Route{Host: "localhost", Port: 9000}, cfg, f, nil, nil, nil)
	defer func() { _ = ep.Close() }()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := newRequest(fmt.Sprintf("req-%d", i))
			_, err := ep.Execute(context.Background(), req)
			assert.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("req-%d", i), req.Exchange.(*lineExchange).got)
			assert.LessOrEqual(t, ep.Connections(), 3)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&f.max), int32(3))
	assert.Equal(t, int32(20), atomic.LoadInt32(&f.attempts))
	assert.Equal(t, 0, ep.Connections())
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.active))
}

func TestConnectTimeoutAfterAllAttempts(t *testing.T) {
	f := &pipeFactory{mode: modeHang}
	cfg := testConfig()
	cfg.ConnectTimeoutMs = 20
	cfg.ConnectRetryAttempts = 3
	ep := NewEndpoint(Route{Host: "localhost", Port: 9000}, cfg, f, nil, nil, nil)
	defer func() { _ = ep.Close() }()

	_, err := ep.Execute(context.Background(), newRequest("x"))
	assert.True(t, errors.Is(err, kinetic.ErrConnectTimeout))
	var cerr *ConnectError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, 3, cerr.Attempts)
	assert.Equal(t, 3, cerr.TimeoutFails)
	assert.Equal(t, int32(3), atomic.LoadInt32(&f.attempts))
	assert.Equal(t, 0, ep.Connections())
}

func TestConnectFailureIsNotRetried(t *testing.T) {
	f := &pipeFactory{mode: modeRefuse}
	cfg := testConfig()
	cfg.ConnectRetryAttempts = 3
	ep := NewEndpoint(Route{Host: "localhost", Port: 9000}, cfg, f, nil, nil, nil)
	defer func() { _ = ep.Close() }()

	_, err := ep.Execute(context.Background(), newRequest("x"))
	assert.True(t, errors.Is(err, kinetic.ErrConnectFailure))
	assert.False(t, errors.Is(err, kinetic.ErrConnectTimeout))
	var cerr *ConnectError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, 1, cerr.Attempts)
	assert.Equal(t, "connection refused", errors.Cause(cerr.Cause).Error())
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.attempts))
	assert.Equal(t, 0, ep.Connections())
}

func TestTLSUpgradeFailureReleases(t *testing.T) {
	f := &pipeFactory{}
	route := Route{Host: "localhost", Port: 9443, Secure: true}
	ep := NewEndpoint(route, testConfig(), f, &failingUpgrader{}, nil, nil)
	defer func() { _ = ep.Close() }()

	req := newRequest("x")
	req.Secure = true
	_, err := ep.Execute(context.Background(), req)
	assert.True(t, errors.Is(err, kinetic.ErrTLSUpgrade))
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.active))
	assert.Equal(t, 0, ep.Connections())
}

func TestConnectPanicReleases(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnectionsPerRoute = 1

	pf := &panickingFactory{}
	ep := NewEndpoint(Route{Host: "localhost", Port: 9000}, cfg, pf, nil, nil, nil)
	assert.PanicsWithValue(t, "dialer blew up", func() { _, _ = ep.Execute(context.Background(), newRequest("x")) })
	assert.Equal(t, 0, ep.Connections())
	_ = ep.Close()

	f := &pipeFactory{}
	route := Route{Host: "localhost", Port: 9443, Secure: true}
	ep = NewEndpoint(route, cfg, f, &panickingUpgrader{}, nil, nil)
	defer func() { _ = ep.Close() }()
	req := newRequest("x")
	req.Secure = true
	assert.PanicsWithValue(t, "handshake blew up", func() { _, _ = ep.Execute(context.Background(), req) })
	assert.Equal(t, 0, ep.Connections())
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.active))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.True(t, ep.tryReserve())
	ep.uncount()
	assert.NoError(t, ep.reserve(ctx))
	ep.uncount()
}

func TestRequestTimeout(t *testing.T) {
	f := &pipeFactory{mode: modeSilent}
	cfg := testConfig()
	cfg.RequestTimeoutMs = 30
	ep := NewEndpoint(Route{Host: "localhost", Port: 9000}, cfg, f, nil, nil, nil)
	defer func() { _ = ep.Close() }()

	start := time.Now()
	_, err := ep.Execute(context.Background(), newRequest("x"))
	assert.True(t, errors.Is(err, kinetic.ErrRequestTimeout))
	assert.Less(t, int64(time.Since(start)), int64(time.Second))
	assert.Equal(t, 0, ep.Connections())
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.active))
}

func TestTimeoutsOverride(t *testing.T) {
	f := &pipeFactory{mode: modeSilent}
	ep := NewEndpoint(Route{Host: "localhost", Port: 9000}, testConfig(), f, nil, nil, nil)
	defer func() { _ = ep.Close() }()

	req := newRequest("x")
	req.Timeouts = &Timeouts{RequestTimeoutMs: 20}
	_, err := ep.Execute(context.Background(), req)
	assert.True(t, errors.Is(err, kinetic.ErrRequestTimeout))

	connectMs, socketMs := ep.connectTimeouts(&Request{Timeouts: &Timeouts{SocketTimeoutMs: 50}})
	assert.Equal(t, 1000, connectMs)
	assert.Equal(t, 50, socketMs)
}

func TestCallerContextCancelled(t *testing.T) {
	f := &pipeFactory{mode: modeSilent}
	ep := NewEndpoint(Route{Host: "localhost", Port: 9000}, testConfig(), f, nil, nil, nil)
	defer func() { _ = ep.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := ep.Execute(ctx, newRequest("x"))
	assert.Equal(t, context.DeadlineExceeded, err)
	assert.Equal(t, 0, ep.Connections())
}

func TestPipelining(t *testing.T) {
	f := &pipeFactory{delay: time.Millisecond}
	cfg := testConfig()
	cfg.Pipelining = true
	cfg.MaxConnectionsPerRoute = 1
	cfg.PipelineMaxSize = 2
	done := make(chan struct{})
	ep := NewEndpoint(Route{Host: "localhost", Port: 9000}, cfg, f, nil, nil, func() { close(done) })

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := newRequest(fmt.Sprintf("req-%d", i))
			rsp, err := ep.Execute(context.Background(), req)
			if assert.NoError(t, err) {
				assert.True(t, rsp.Pipelined)
				assert.Equal(t, fmt.Sprintf("req-%d", i), req.Exchange.(*lineExchange).got)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.attempts))
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.max))

	assert.NoError(t, ep.Close())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("endpoint not done")
	}
	assert.Equal(t, 0, ep.Connections())
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.active))
}

func TestPipelineDedicatedRequest(t *testing.T) {
	f := &pipeFactory{}
	cfg := testConfig()
	cfg.Pipelining = true
	ep := NewEndpoint(Route{Host: "localhost", Port: 9000}, cfg, f, nil, nil, nil)
	defer func() { _ = ep.Close() }()

	req := newRequest("upgrade")
	req.Dedicated = true
	rsp, err := ep.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, rsp.Pipelined)
	assert.Equal(t, 0, ep.Connections())
}

func TestPipelineRequestTimeoutFailsPipeline(t *testing.T) {
	f := &pipeFactory{mode: modeSilent}
	cfg := testConfig()
	cfg.Pipelining = true
	cfg.RequestTimeoutMs = 30
	ep := NewEndpoint(Route{Host: "localhost", Port: 9000}, cfg, f, nil, nil, nil)
	defer func() { _ = ep.Close() }()

	_, err := ep.Execute(context.Background(), newRequest("x"))
	assert.True(t, errors.Is(err, kinetic.ErrRequestTimeout))
	require.Eventually(t, func() bool { return ep.Connections() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.active))
}

func TestOpen(t *testing.T) {
	f := &pipeFactory{}
	ep := NewEndpoint(Route{Host: "localhost", Port: 9000}, testConfig(), f, nil, nil, nil)
	defer func() { _ = ep.Close() }()

	conn, err := ep.Open(context.Background(), newRequest("x"))
	require.NoError(t, err)
	assert.Equal(t, 1, ep.Connections())

	ex := &lineExchange{msg: "stream"}
	assert.NoError(t, ex.WriteRequest(context.Background(), conn))
	assert.NoError(t, ex.ReadResponse(context.Background(), conn))
	assert.Equal(t, "stream", ex.got)

	assert.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())
	assert.Equal(t, 0, ep.Connections())
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.active))
}

func TestCloseRejectsAndSignalsDone(t *testing.T) {
	f := &pipeFactory{}
	var dones int32
	ep := NewEndpoint(Route{Host: "localhost", Port: 9000}, testConfig(), f, nil, nil, func() { atomic.AddInt32(&dones, 1) })

	assert.NoError(t, ep.Close())
	assert.NoError(t, ep.Close())
	assert.True(t, ep.IsClosed())
	assert.Equal(t, int32(1), atomic.LoadInt32(&dones))

	_, err := ep.Execute(context.Background(), newRequest("x"))
	assert.True(t, errors.Is(err, kinetic.ErrEndpointClosed))
	assert.Equal(t, int32(1), atomic.LoadInt32(&dones))
}

func TestIdleTeardown(t *testing.T) {
	f := &pipeFactory{}
	cfg := testConfig()
	cfg.ConnectTimeoutMs = 10
	done := make(chan struct{})
	ep := NewEndpoint(Route{Host: "localhost", Port: 9000}, cfg, f, nil, nil, func() { close(done) })

	_, err := ep.Execute(context.Background(), newRequest("x"))
	assert.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("idle endpoint not torn down")
	}
	assert.True(t, ep.IsClosed())
}

func TestRegistry(t *testing.T) {
	f := &pipeFactory{}
	r := NewRegistry(testConfig(), f, nil, nil)

	for _, port := range []int{9001, 9000} {
		req := newRequest("x")
		req.Port = port
		_, err := r.Execute(context.Background(), req)
		assert.NoError(t, err)
	}
	assert.Equal(t, []string{"tcp://localhost:9000", "tcp://localhost:9001"}, r.Routes())

	ep, err := r.Endpoint(Route{Host: "localhost", Port: 9000})
	require.NoError(t, err)
	assert.NoError(t, ep.Close())
	assert.Equal(t, []string{"tcp://localhost:9001"}, r.Routes())

	_, err = r.Execute(context.Background(), newRequest("again"))
	assert.NoError(t, err)
	assert.Len(t, r.Routes(), 2)

	assert.NoError(t, r.Close())
	assert.Empty(t, r.Routes())
	_, err = r.Execute(context.Background(), newRequest("x"))
	assert.True(t, errors.Is(err, kinetic.ErrEndpointClosed))
}

func TestSocketFactoryEndToEnd(t *testing.T) {
	sel, err := selector.New(nil, nil)
	require.NoError(t, err)
	defer func() { _ = sel.Close() }()
	server, err := socket.Listen(sel, "127.0.0.1", 0, nil, nil)
	require.NoError(t, err)
	defer func() { _ = server.Close() }()

	pool := kinetic.NewPool("test", 1024, 64, nil)
	go func() {
		for {
			s, err := server.Accept(context.Background())
			if err != nil {
				return
			}
			stream, err := socket.NewStream(s, pool)
			if err != nil {
				return
			}
			go func() {
				_, _ = io.Copy(stream, stream)
				_ = stream.Close()
			}()
		}
	}()

	cfg := testConfig()
	cfg.AllowHalfClose = true
	factory, err := NewSocketFactoryFromConfig(cfg, nil)
	require.NoError(t, err)
	defer func() { _ = factory.Close() }()

	r := NewRegistry(cfg, factory, nil, nil)
	defer func() { _ = r.Close() }()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ex := &lineExchange{msg: fmt.Sprintf("hello-%d", i)}
			_, err := r.Execute(context.Background(), &Request{Host: "127.0.0.1", Port: server.Port(), Exchange: ex})
			if assert.NoError(t, err) {
				assert.Equal(t, fmt.Sprintf("hello-%d", i), ex.got)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, factory.InUse())
}

func TestConfigLoad(t *testing.T) {
	cfg := NewDefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 10000, cfg.MaxEndpointIdleMs())

	assert.NoError(t, cfg.Load(map[string]interface{}{
		"max_connections_per_route": 4,
		"pipelining":                true,
		"socket_timeout_ms":         250,
		"socket":                    map[string]interface{}{"no_delay": false},
	}))
	assert.Equal(t, 4, cfg.MaxConnectionsPerRoute)
	assert.True(t, cfg.Pipelining)
	assert.Equal(t, 250, cfg.SocketTimeoutMs)
	assert.False(t, cfg.Socket.NoDelay)

	assert.Error(t, cfg.Load(map[string]interface{}{"connect_timeout_ms": 0}))
	assert.Error(t, cfg.Load(map[string]interface{}{"connect_retry_attempts": 0}))

	cfg = NewDefaultConfig()
	cfg.ConnectTimeoutMs = kinetic.InfiniteTimeoutMs
	assert.Equal(t, kinetic.InfiniteTimeoutMs, cfg.MaxEndpointIdleMs())
}
