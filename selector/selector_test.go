package selector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openziti/kinetic"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketPair(t *testing.T) (int, int) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	for _, fd := range fds {
		require.NoError(t, unix.SetNonblock(fd, true))
	}
	return fds[0], fds[1]
}

func newTestSelector(t *testing.T) *Selector {
	cfg := NewDefaultConfig()
	cfg.SelectTimeoutMs = 10
	s, err := New(cfg, nil)
	require.NoError(t, err)
	return s
}

func TestSelectReadReady(t *testing.T) {
	s := newTestSelector(t)
	defer func() { _ = s.Close() }()
	a, b := socketPair(t)
	defer func() { _ = unix.Close(a); _ = unix.Close(b) }()

	done := make(chan error, 1)
	go func() { done <- s.Select(context.Background(), a, Read) }()

	select {
	case <-done:
		t.Fatal("resumed before readable")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := unix.Write(b, []byte("x"))
	assert.NoError(t, err)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("not resumed")
	}
	assert.Equal(t, 0, s.Waiters())
}

func TestSelectAlreadyReady(t *testing.T) {
	s := newTestSelector(t)
	defer func() { _ = s.Close() }()
	a, b := socketPair(t)
	defer func() { _ = unix.Close(a); _ = unix.Close(b) }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Select(ctx, a, Write))
	assert.NoError(t, s.Select(ctx, a, Write))
}

func TestDuplicateInterest(t *testing.T) {
	s := newTestSelector(t)
	defer func() { _ = s.Close() }()
	a, b := socketPair(t)
	defer func() { _ = unix.Close(a); _ = unix.Close(b) }()

	go func() { _ = s.Select(context.Background(), a, Read) }()
	require.Eventually(t, func() bool { return s.Waiters() == 1 }, time.Second, time.Millisecond)

	err := s.Select(context.Background(), a, Read)
	assert.True(t, errors.Is(err, ErrInterestRegistered))
}

func TestSelectContextCancelled(t *testing.T) {
	s := newTestSelector(t)
	defer func() { _ = s.Close() }()
	a, b := socketPair(t)
	defer func() { _ = unix.Close(a); _ = unix.Close(b) }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Equal(t, context.DeadlineExceeded, s.Select(ctx, a, Read))
	assert.Equal(t, 0, s.Waiters())

	_, _ = unix.Write(b, []byte("x"))
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	assert.NoError(t, s.Select(ctx2, a, Read))
}

func TestDeregisterResumesWaiters(t *testing.T) {
	s := newTestSelector(t)
	defer func() { _ = s.Close() }()
	a, b := socketPair(t)
	defer func() { _ = unix.Close(a); _ = unix.Close(b) }()

	done := make(chan error, 1)
	go func() { done <- s.Select(context.Background(), a, Read) }()
	require.Eventually(t, func() bool { return s.Waiters() == 1 }, time.Second, time.Millisecond)

	s.Deregister(a)
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, kinetic.ErrCancelled))
	case <-time.After(time.Second):
		t.Fatal("not resumed")
	}
}

func TestCloseResumesAll(t *testing.T) {
	s := newTestSelector(t)
	var fds []int
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 8; i++ {
		a, b := socketPair(t)
		fds = append(fds, a, b)
		wg.Add(1)
		go func(fd int) {
			defer wg.Done()
			errs <- s.Select(context.Background(), fd, Read)
		}(a)
	}
	defer func() {
		for _, fd := range fds {
			_ = unix.Close(fd)
		}
	}()
	require.Eventually(t, func() bool { return s.Waiters() == 8 }, time.Second, time.Millisecond)

	assert.NoError(t, s.Close())
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.True(t, errors.Is(err, kinetic.ErrCancelled))
	}
	assert.Equal(t, 0, s.Waiters())
	assert.True(t, errors.Is(s.Select(context.Background(), fds[0], Read), kinetic.ErrCancelled))
	assert.NoError(t, s.Close())
}

func TestPeerCloseResumesReader(t *testing.T) {
	s := newTestSelector(t)
	defer func() { _ = s.Close() }()
	a, b := socketPair(t)
	defer func() { _ = unix.Close(a) }()

	done := make(chan error, 1)
	go func() { done <- s.Select(context.Background(), a, Read) }()
	require.Eventually(t, func() bool { return s.Waiters() == 1 }, time.Second, time.Millisecond)
	assert.NoError(t, unix.Close(b))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("not resumed")
	}
}

func TestGroupRoundRobin(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.GroupSz = 3
	g, err := NewGroup(cfg, nil)
	require.NoError(t, err)
	defer func() { _ = g.Close() }()

	assert.Equal(t, 3, g.Size())
	first := g.Next()
	assert.NotSame(t, first, g.Next())
	g.Next()
	assert.Same(t, first, g.Next())
}

func TestInterestString(t *testing.T) {
	assert.Equal(t, "ACCEPT", Accept.String())
	assert.Equal(t, "UNKNOWN(9)", Interest(9).String())

	s := newTestSelector(t)
	defer func() { _ = s.Close() }()
	assert.Error(t, s.Select(context.Background(), 0, Interest(9)))
}

func TestConfigLoad(t *testing.T) {
	cfg := NewDefaultConfig()
	assert.NoError(t, cfg.Load(map[string]interface{}{"select_timeout_ms": 5}))
	assert.Equal(t, 5, cfg.SelectTimeoutMs)
	assert.Error(t, cfg.Load(map[string]interface{}{"group_sz": 0}))
	assert.Error(t, cfg.Load(map[string]interface{}{"max_wait_errors": 0}))
}

func TestAbandonedSelectsDoNotLinger(t *testing.T) {
	s := newTestSelector(t)
	defer func() { _ = s.Close() }()
	a, b := socketPair(t)
	defer func() { _ = unix.Close(a); _ = unix.Close(b) }()

	for i := 0; i < 200; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
		err := s.Select(ctx, a, Read)
		cancel()
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	}
	assert.Eventually(t, func() bool { return s.Waiters() == 0 }, time.Second, 10*time.Millisecond)

	_, err := unix.Write(b, []byte("x"))
	assert.NoError(t, err)
	assert.NoError(t, s.Select(context.Background(), a, Read))
}

type failingPoller struct {
	lock  sync.Mutex
	waits int
}

func (self *failingPoller) control(int, uint32, uint32) error { return nil }

func (self *failingPoller) wait(int, []readiness) ([]readiness, error) {
	self.lock.Lock()
	defer self.lock.Unlock()
	self.waits++
	return nil, unix.EBADF
}

func (self *failingPoller) wake() error  { return nil }
func (self *failingPoller) close() error { return nil }

func (self *failingPoller) count() int {
	self.lock.Lock()
	defer self.lock.Unlock()
	return self.waits
}

func TestPersistentWaitFailureShutsDown(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.MaxWaitErrors = 3
	p := &failingPoller{}
	s := newWithPoller(cfg, &kinetic.NilInstrumentInstance{}, p)

	done := make(chan error, 1)
	go func() { done <- s.Select(context.Background(), 7, Read) }()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, kinetic.ErrCancelled))
	case <-time.After(2 * time.Second):
		t.Fatal("not resumed")
	}
	assert.Equal(t, 3, p.count())
	assert.True(t, errors.Is(s.Select(context.Background(), 7, Write), kinetic.ErrCancelled))
	assert.Equal(t, 0, s.Waiters())
	assert.NoError(t, s.Close())
}

func TestWaitBackoff(t *testing.T) {
	assert.Equal(t, 10*time.Millisecond, waitBackoff(1))
	assert.Equal(t, 50*time.Millisecond, waitBackoff(5))
	assert.Equal(t, time.Second, waitBackoff(1000))
}
