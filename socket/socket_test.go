package socket

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/openziti/kinetic"
	"github.com/openziti/kinetic/channel"
	"github.com/openziti/kinetic/selector"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	sel    *selector.Selector
	pool   *kinetic.Pool
	server *ServerSocket
}

func newFixture(t *testing.T) *fixture {
	cfg := selector.NewDefaultConfig()
	cfg.SelectTimeoutMs = 10
	sel, err := selector.New(cfg, nil)
	require.NoError(t, err)
	server, err := Listen(sel, "127.0.0.1", 0, nil, nil)
	require.NoError(t, err)
	return &fixture{sel: sel, pool: kinetic.NewPool("test", 1024, 64, nil), server: server}
}

func (self *fixture) close() {
	_ = self.server.Close()
	_ = self.sel.Close()
}

// echo serves one connection, copying everything it reads back to the peer.
//
func (self *fixture) echo(t *testing.T) {
	go func() {
		s, err := self.server.Accept(context.Background())
		if err != nil {
			return
		}
		stream, err := NewStream(s, self.pool)
		if !assert.NoError(t, err) {
			return
		}
		_, _ = io.Copy(stream, stream)
		_ = stream.Close()
	}()
}

func TestEcho(t *testing.T) {
	f := newFixture(t)
	defer f.close()
	f.echo(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := Connect(ctx, f.sel, "127.0.0.1", f.server.Port(), nil, nil)
	require.NoError(t, err)
	stream, err := NewStream(s, f.pool)
	require.NoError(t, err)

	n, err := stream.Write([]byte("ping"))
	assert.NoError(t, err)
	assert.Equal(t, 4, n)

	buf := make([]byte, 4)
	_, err = io.ReadFull(stream, buf)
	assert.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	assert.NotNil(t, stream.LocalAddr())
	assert.Equal(t, f.server.Port(), stream.RemoteAddr().(*net.TCPAddr).Port)
	assert.NoError(t, stream.Close())
	assert.NoError(t, stream.Close())
	assert.True(t, s.IsClosed())
}

func TestHalfClose(t *testing.T) {
	f := newFixture(t)
	defer f.close()
	f.echo(t)

	s, err := Connect(context.Background(), f.sel, "127.0.0.1", f.server.Port(), nil, nil)
	require.NoError(t, err)
	stream, err := NewStream(s, f.pool)
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	payload := make([]byte, 256*1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	go func() {
		_, _ = stream.Write(payload)
		_ = stream.CloseWrite()
	}()

	out, err := io.ReadAll(stream)
	assert.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestCloseMidReadEOF(t *testing.T) {
	f := newFixture(t)
	defer f.close()

	accepted := make(chan *Socket, 1)
	go func() {
		s, err := f.server.Accept(context.Background())
		if err == nil {
			accepted <- s
		}
	}()

	s, err := Connect(context.Background(), f.sel, "127.0.0.1", f.server.Port(), nil, nil)
	require.NoError(t, err)
	stream, err := NewStream(s, f.pool)
	require.NoError(t, err)

	peer := <-accepted
	defer func() { _ = peer.Close() }()

	done := make(chan error, 1)
	go func() {
		_, err := stream.rx.Read(make([]byte, 16))
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	assert.NoError(t, s.Close())

	select {
	case err := <-done:
		assert.Equal(t, io.EOF, err)
	case <-time.After(time.Second):
		t.Fatal("reader not resumed")
	}
	_ = stream.Close()
}

func TestPeerCloseEOF(t *testing.T) {
	f := newFixture(t)
	defer f.close()

	accepted := make(chan *Socket, 1)
	go func() {
		s, err := f.server.Accept(context.Background())
		if err == nil {
			accepted <- s
		}
	}()

	s, err := Connect(context.Background(), f.sel, "127.0.0.1", f.server.Port(), nil, nil)
	require.NoError(t, err)
	stream, err := NewStream(s, f.pool)
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	peer := <-accepted
	assert.NoError(t, peer.Close())

	_, err = stream.Read(make([]byte, 16))
	assert.Equal(t, io.EOF, err)
}

func TestConnectRefused(t *testing.T) {
	f := newFixture(t)
	port := f.server.Port()
	_ = f.server.Close()
	defer func() { _ = f.sel.Close() }()

	_, err := Connect(context.Background(), f.sel, "127.0.0.1", port, nil, nil)
	assert.Error(t, err)
	var serr *kinetic.SocketError
	assert.True(t, errors.As(err, &serr))
}

func TestReadDeadline(t *testing.T) {
	f := newFixture(t)
	defer f.close()
	f.echo(t)

	s, err := Connect(context.Background(), f.sel, "127.0.0.1", f.server.Port(), nil, nil)
	require.NoError(t, err)
	stream, err := NewStream(s, f.pool)
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	assert.NoError(t, stream.SetReadDeadline(time.Now().Add(20*time.Millisecond)))
	_, err = stream.Read(make([]byte, 4))
	assert.True(t, errors.Is(err, os.ErrDeadlineExceeded))
	nerr, ok := err.(net.Error)
	assert.True(t, ok)
	assert.True(t, nerr.Timeout())
}

func TestDeadlineMovedDuringRead(t *testing.T) {
	f := newFixture(t)
	defer f.close()

	accepted := make(chan *Socket, 1)
	go func() {
		s, err := f.server.Accept(context.Background())
		if err == nil {
			accepted <- s
		}
	}()

	s, err := Connect(context.Background(), f.sel, "127.0.0.1", f.server.Port(), nil, nil)
	require.NoError(t, err)
	stream, err := NewStream(s, f.pool)
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	peer := <-accepted
	defer func() { _ = peer.Close() }()

	done := make(chan error, 1)
	go func() {
		_, err := stream.Read(make([]byte, 4))
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	assert.NoError(t, stream.SetReadDeadline(time.Now()))

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, os.ErrDeadlineExceeded))
	case <-time.After(time.Second):
		t.Fatal("pending read ignored the new deadline")
	}

	assert.NoError(t, stream.SetReadDeadline(time.Time{}))
	peerStream, err := NewStream(peer, f.pool)
	require.NoError(t, err)
	_, err = peerStream.Write([]byte("late"))
	assert.NoError(t, err)
	out := make([]byte, 4)
	_, err = io.ReadFull(stream, out)
	assert.NoError(t, err)
	assert.Equal(t, "late", string(out))
}

func TestDeadlineInPast(t *testing.T) {
	d := newDeadline()
	d.set(time.Now().Add(-time.Second))
	called := false
	_, err := d.run(func(ctx context.Context) (int, error) {
		called = true
		return 0, nil
	})
	assert.False(t, called)
	assert.True(t, errors.Is(err, os.ErrDeadlineExceeded))

	d.set(time.Time{})
	n, err := d.run(func(ctx context.Context) (int, error) { return 3, nil })
	assert.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestDeadlineExtendedDuringWait(t *testing.T) {
	d := newDeadline()
	d.set(time.Now().Add(30 * time.Millisecond))
	go func() {
		time.Sleep(10 * time.Millisecond)
		d.set(time.Now().Add(time.Hour))
	}()
	_, err := d.run(func(ctx context.Context) (int, error) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(100 * time.Millisecond):
			return 1, nil
		}
	})
	assert.NoError(t, err)
}

func TestSocketTimeout(t *testing.T) {
	f := newFixture(t)
	defer f.close()

	accepted := make(chan *Socket, 1)
	go func() {
		s, err := f.server.Accept(context.Background())
		if err == nil {
			accepted <- s
		}
	}()

	cfg := NewDefaultConfig()
	cfg.SocketTimeoutMs = 30
	s, err := Connect(context.Background(), f.sel, "127.0.0.1", f.server.Port(), cfg, nil)
	require.NoError(t, err)
	stream, err := NewStream(s, f.pool)
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	peer := <-accepted
	defer func() { _ = peer.Close() }()

	_, err = stream.Read(make([]byte, 4))
	assert.True(t, errors.Is(err, kinetic.ErrSocketTimeout))
}

func TestAcceptCancelledByClose(t *testing.T) {
	f := newFixture(t)
	defer func() { _ = f.sel.Close() }()

	done := make(chan error, 1)
	go func() {
		_, err := f.server.Accept(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return f.sel.Waiters() == 1 }, time.Second, time.Millisecond)
	assert.NoError(t, f.server.Close())

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, kinetic.ErrCancelled))
	case <-time.After(time.Second):
		t.Fatal("accept not resumed")
	}
}

func TestAttachTwice(t *testing.T) {
	f := newFixture(t)
	defer f.close()
	f.echo(t)

	s, err := Connect(context.Background(), f.sel, "127.0.0.1", f.server.Port(), nil, nil)
	require.NoError(t, err)
	stream, err := NewStream(s, f.pool)
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	assert.True(t, errors.Is(s.AttachForReading(stream.rx), kinetic.ErrInvalidState))
	assert.True(t, errors.Is(s.AttachForWriting(stream.tx), kinetic.ErrInvalidState))
}

func TestAttachAfterClose(t *testing.T) {
	f := newFixture(t)
	defer f.close()
	f.echo(t)

	s, err := Connect(context.Background(), f.sel, "127.0.0.1", f.server.Port(), nil, nil)
	require.NoError(t, err)
	assert.NoError(t, s.Close())
	assert.True(t, s.IsClosed())

	_, err = NewStream(s, f.pool)
	assert.True(t, errors.Is(err, kinetic.ErrCancelled))
	assert.NoError(t, s.Close())
}

func TestAttachRacingClose(t *testing.T) {
	f := newFixture(t)
	defer f.close()

	for i := 0; i < 20; i++ {
		f.echo(t)
		s, err := Connect(context.Background(), f.sel, "127.0.0.1", f.server.Port(), nil, nil)
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.AttachForReading(channel.New(f.pool, nil))
		}()
		go func() {
			defer wg.Done()
			_ = s.AttachForWriting(channel.New(f.pool, nil))
		}()
		assert.NoError(t, s.Close())
		wg.Wait()

		assert.True(t, errors.Is(s.AttachForReading(channel.New(f.pool, nil)), kinetic.ErrCancelled))
		assert.True(t, errors.Is(s.AttachForWriting(channel.New(f.pool, nil)), kinetic.ErrCancelled))
	}
}

func TestConfigLoad(t *testing.T) {
	cfg := NewDefaultConfig()
	assert.NoError(t, cfg.Load(map[string]interface{}{
		"socket_timeout_ms": 500,
		"channel":           map[string]interface{}{"high_water": 32, "low_water": 8},
	}))
	assert.Equal(t, 500, cfg.SocketTimeoutMs)
	assert.Equal(t, 32, cfg.Channel.HighWater)
	assert.Error(t, cfg.Load(map[string]interface{}{"socket_timeout_ms": 0}))
}
