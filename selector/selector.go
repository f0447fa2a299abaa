package selector

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/emirpasic/gods/trees/btree"
	"github.com/emirpasic/gods/utils"
	"github.com/openziti/kinetic"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var ErrInterestRegistered = errors.New("interest already registered")

// Selector multiplexes readiness of many non-blocking descriptors on a single loop goroutine. Callers suspend in
// Select until the descriptor is ready for the requested interest; every satisfied interest resumes exactly one
// waiter.
//
type Selector struct {
	cfg    *Config
	ii     kinetic.InstrumentInstance
	poller poller

	lock    sync.Mutex
	intake  *queue.Queue
	pending map[key]*registration
	closed  bool

	watch  *btree.Tree
	ready  []readiness
	exited chan struct{}
}

type key struct {
	fd       int
	interest Interest
}

// registration is one suspended Select. cancelled is written by the abandoning caller and read by the loop
// outside the lock, so it is only touched atomically.
//
type registration struct {
	key
	done      chan error
	cancelled int32
}

func (self *registration) cancel() {
	atomic.StoreInt32(&self.cancelled, 1)
}

func (self *registration) isCancelled() bool {
	return atomic.LoadInt32(&self.cancelled) == 1
}

type deregistration struct {
	fd   int
	done chan struct{}
}

// selectable is the loop's view of one descriptor: one waiter slot per interest and the mask currently
// registered with the poller.
//
type selectable struct {
	fd      int
	waiters [interestCount]*registration
	mask    uint32
}

func New(cfg *Config, ii kinetic.InstrumentInstance) (*Selector, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if ii == nil {
		ii = &kinetic.NilInstrumentInstance{}
	}
	p, err := newPoller(cfg.MaxEvents)
	if err != nil {
		return nil, err
	}
	return newWithPoller(cfg, ii, p), nil
}

func newWithPoller(cfg *Config, ii kinetic.InstrumentInstance, p poller) *Selector {
	self := &Selector{
		cfg:     cfg,
		ii:      ii,
		poller:  p,
		intake:  queue.New(),
		pending: make(map[key]*registration),
		watch:   btree.NewWith(cfg.WatchTreeOrder, utils.IntComparator),
		exited:  make(chan struct{}),
	}
	go self.run()
	return self
}

// Select suspends until fd is ready for interest. It returns nil on readiness, a *kinetic.SocketError when the
// descriptor enters an error state, kinetic.ErrCancelled when the descriptor is deregistered or the selector is
// closed, and the context's error when ctx ends first.
//
func (self *Selector) Select(ctx context.Context, fd int, interest Interest) error {
	if !interest.valid() {
		return errors.Errorf("invalid interest [%d]", int(interest))
	}
	reg := &registration{key: key{fd, interest}, done: make(chan error, 1)}

	self.lock.Lock()
	if self.closed {
		self.lock.Unlock()
		return kinetic.ErrCancelled
	}
	if _, found := self.pending[reg.key]; found {
		self.lock.Unlock()
		return errors.Wrapf(ErrInterestRegistered, "[fd %d] for [%s]", fd, interest)
	}
	self.pending[reg.key] = reg
	self.intake.Add(reg)
	self.lock.Unlock()

	self.ii.Selected(fd, interest.String())
	if err := self.poller.wake(); err != nil {
		logrus.Errorf("error waking selector (%v)", err)
	}

	select {
	case err := <-reg.done:
		return err
	case <-ctx.Done():
		self.lock.Lock()
		if self.pending[reg.key] == reg {
			delete(self.pending, reg.key)
			reg.cancel()
		}
		self.lock.Unlock()
		select {
		case err := <-reg.done:
			return err
		default:
		}
		return ctx.Err()
	}
}

// Deregister removes fd from the selector before it is closed. Waiters on fd resume with kinetic.ErrCancelled.
// Deregister returns once the loop has dropped the descriptor.
//
func (self *Selector) Deregister(fd int) {
	d := &deregistration{fd: fd, done: make(chan struct{})}

	self.lock.Lock()
	if self.closed {
		self.lock.Unlock()
		return
	}
	self.intake.Add(d)
	self.lock.Unlock()

	if err := self.poller.wake(); err != nil {
		logrus.Errorf("error waking selector (%v)", err)
	}
	select {
	case <-d.done:
	case <-self.exited:
	}
}

// Close stops the loop. Every queued and watched waiter resumes with kinetic.ErrCancelled.
//
func (self *Selector) Close() error {
	self.lock.Lock()
	if self.closed {
		self.lock.Unlock()
		<-self.exited
		return nil
	}
	self.closed = true
	self.lock.Unlock()

	if err := self.poller.wake(); err != nil {
		logrus.Errorf("error waking selector (%v)", err)
	}
	<-self.exited
	return nil
}

// Waiters reports the number of suspended Select calls.
//
func (self *Selector) Waiters() int {
	self.lock.Lock()
	defer self.lock.Unlock()
	return len(self.pending)
}

func (self *Selector) run() {
	logrus.Infof("started")
	defer logrus.Warnf("exited")
	defer close(self.exited)
	defer func() {
		if err := self.poller.close(); err != nil {
			logrus.Errorf("error closing poller (%v)", err)
		}
	}()

	failures := 0
	for {
		if !self.drainIntake() {
			self.shutdown()
			return
		}
		self.updateInterest()

		var err error
		self.ready, err = self.poller.wait(self.cfg.SelectTimeoutMs, self.ready[:0])
		if err != nil {
			failures++
			if failures >= self.cfg.MaxWaitErrors {
				logrus.Errorf("giving up after [%d] consecutive wait failures (%v)", failures, err)
				self.lock.Lock()
				self.closed = true
				self.lock.Unlock()
				self.shutdown()
				return
			}
			logrus.Errorf("error waiting for readiness, failure [%d] (%v)", failures, err)
			time.Sleep(waitBackoff(failures))
			continue
		}
		failures = 0
		for _, r := range self.ready {
			self.dispatch(r)
		}
	}
}

// drainIntake moves queued registrations into the watch set and applies deregistrations. It returns false once
// the selector has been closed.
//
func (self *Selector) drainIntake() bool {
	self.lock.Lock()
	defer self.lock.Unlock()

	for self.intake.Length() > 0 {
		switch v := self.intake.Remove().(type) {
		case *registration:
			if v.isCancelled() {
				continue
			}
			// a slot still holding a waiter here holds one abandoned by its context
			self.selectable(v.fd).waiters[v.interest] = v

		case *deregistration:
			if found, ok := self.watch.Get(v.fd); ok {
				s := found.(*selectable)
				self.resolveAllLocked(s, kinetic.ErrCancelled)
				self.unwatch(s)
			}
			close(v.done)
		}
	}
	return !self.closed
}

func (self *Selector) selectable(fd int) *selectable {
	if found, ok := self.watch.Get(fd); ok {
		return found.(*selectable)
	}
	s := &selectable{fd: fd}
	self.watch.Put(fd, s)
	return s
}

// updateInterest recomputes each descriptor's readiness mask from its live waiters, so interests resolved in the
// previous turn are dropped before the next wait.
//
func (self *Selector) updateInterest() {
	var idle []*selectable
	it := self.watch.Iterator()
	for it.Next() {
		s := it.Value().(*selectable)
		mask := uint32(0)
		for i, w := range s.waiters {
			if w != nil && w.isCancelled() {
				s.waiters[i] = nil
				continue
			}
			if w != nil {
				mask |= Interest(i).mask()
			}
		}
		if mask == 0 {
			idle = append(idle, s)
			continue
		}
		if mask != s.mask {
			if err := self.poller.control(s.fd, s.mask, mask); err != nil {
				self.lock.Lock()
				self.resolveAllLocked(s, kinetic.NewSocketError("register", s.fd, unwrapErrno(err)))
				self.lock.Unlock()
				idle = append(idle, s)
				continue
			}
			s.mask = mask
		}
	}
	for _, s := range idle {
		self.unwatch(s)
	}
}

func (self *Selector) dispatch(r readiness) {
	found, ok := self.watch.Get(r.fd)
	if !ok {
		return
	}
	s := found.(*selectable)

	self.lock.Lock()
	defer self.lock.Unlock()

	if r.failed {
		errno, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			errno = 0
		}
		serr := &kinetic.SocketError{Op: "select", Fd: s.fd, Errno: unix.Errno(errno)}
		self.ii.SocketError(serr)
		self.resolveAllLocked(s, serr)
		return
	}
	for i, w := range s.waiters {
		if w == nil {
			continue
		}
		m := Interest(i).mask()
		if (m == maskRead && r.readable) || (m == maskWrite && r.writable) {
			self.resolveLocked(s, Interest(i), nil)
		}
	}
}

func (self *Selector) shutdown() {
	self.lock.Lock()
	defer self.lock.Unlock()

	for self.intake.Length() > 0 {
		switch v := self.intake.Remove().(type) {
		case *registration:
			self.resume(v, kinetic.ErrCancelled)
		case *deregistration:
			close(v.done)
		}
	}
	it := self.watch.Iterator()
	for it.Next() {
		self.resolveAllLocked(it.Value().(*selectable), kinetic.ErrCancelled)
	}
	self.watch.Clear()
	for k, reg := range self.pending {
		self.resume(reg, kinetic.ErrCancelled)
		delete(self.pending, k)
	}
}

func (self *Selector) unwatch(s *selectable) {
	if s.mask != 0 {
		_ = self.poller.control(s.fd, s.mask, 0)
		s.mask = 0
	}
	self.watch.Remove(s.fd)
}

func (self *Selector) resolveAllLocked(s *selectable, err error) {
	for i := range s.waiters {
		self.resolveLocked(s, Interest(i), err)
	}
}

func (self *Selector) resolveLocked(s *selectable, interest Interest, err error) {
	w := s.waiters[interest]
	if w == nil {
		return
	}
	s.waiters[interest] = nil
	if w.isCancelled() {
		return
	}
	self.resume(w, err)
}

func (self *Selector) resume(reg *registration, err error) {
	if self.pending[reg.key] == reg {
		delete(self.pending, reg.key)
	}
	select {
	case reg.done <- err:
	default:
	}
	self.ii.Resumed(reg.fd, reg.interest.String(), err)
}

// waitBackoff grows linearly with consecutive wait failures, capped at one second.
//
func waitBackoff(failures int) time.Duration {
	backoff := time.Duration(failures) * 10 * time.Millisecond
	if backoff > time.Second {
		backoff = time.Second
	}
	return backoff
}

func unwrapErrno(err error) error {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return err
}
