package channel

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/eapache/queue"
	"github.com/openziti/kinetic"
	"github.com/pkg/errors"
)

// ByteChannel is a suspendable byte stream backed by a FIFO of pooled segments. Writers suspend once the unread
// byte count reaches Config.HighWater and are resumed only after readers drain it to Config.LowWater.
//
// Writers take turns: at most one writer owns the channel at a time, and writers that find it owned or pressured
// park in arrival order. Each drain crossing resumes exactly one parked writer; a resumed writer that leaves the
// channel below the high watermark hands the channel to the next parked writer when it finishes.
//
type ByteChannel struct {
	pool *kinetic.Pool
	cfg  *Config

	lock      sync.Mutex
	segments  *queue.Queue
	tail      *kinetic.Buffer
	available int
	readable  chan struct{}

	writers *queue.Queue
	parked  int
	owner   bool

	rdLock sync.Mutex

	closed    bool
	cancelled bool
	cause     error

	totalRead    int64
	totalWritten int64
	suspensions  int64
	resumes      int64
}

type parkedWriter struct {
	wake      chan struct{}
	handed    bool
	dropped   bool
	abandoned bool
}

func New(pool *kinetic.Pool, cfg *Config) *ByteChannel {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	return &ByteChannel{
		pool:     pool,
		cfg:      cfg,
		segments: queue.New(),
		readable: make(chan struct{}),
		writers:  queue.New(),
	}
}

func (self *ByteChannel) Write(p []byte) (int, error) {
	return self.WriteContext(context.Background(), p)
}

// WriteContext copies all of p into the channel, suspending while the channel is pressured. On error it reports
// how many bytes were accepted before the failure.
//
func (self *ByteChannel) WriteContext(ctx context.Context, p []byte) (n int, err error) {
	if len(p) == 0 {
		self.lock.Lock()
		defer self.lock.Unlock()
		return 0, self.writeErr()
	}
	if err := self.claim(ctx); err != nil {
		return 0, err
	}
	for len(p) > 0 {
		chunk := p
		m, err := self.transfer(ctx, func(region []byte) (int, error) {
			return copy(region, chunk), nil
		})
		n += m
		p = p[m:]
		if err != nil {
			return n, err
		}
	}
	self.release()
	return n, nil
}

// WriteDirect hands the free region of the tail segment to fn, bounded by the room left below the high watermark,
// and commits the byte count fn reports. The segment is retained while fn runs.
//
func (self *ByteChannel) WriteDirect(ctx context.Context, fn func(p []byte) (int, error)) (int, error) {
	if err := self.claim(ctx); err != nil {
		return 0, err
	}
	n, err := self.transfer(ctx, fn)
	if err == nil {
		self.release()
	}
	return n, err
}

func (self *ByteChannel) Read(p []byte) (int, error) {
	return self.ReadContext(context.Background(), p)
}

func (self *ByteChannel) ReadContext(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	self.rdLock.Lock()
	defer self.rdLock.Unlock()
	self.lock.Lock()
	defer self.lock.Unlock()

	if err := self.awaitReadable(ctx, 1); err != nil {
		return 0, err
	}
	if self.available == 0 {
		return 0, self.readCause()
	}
	n := self.readInto(p)
	self.consumed(n)
	return n, nil
}

// ReadAtLeast suspends until min bytes are buffered and returns everything buffered. Fewer than min bytes are
// returned only when the channel has been closed; an empty closed channel returns its close cause (io.EOF by
// default). A min above Config.HighWater fails with kinetic.ErrRange, as writers can never buffer that much.
//
func (self *ByteChannel) ReadAtLeast(ctx context.Context, min int) ([]byte, error) {
	if min < 1 {
		min = 1
	}
	if min > self.cfg.HighWater {
		return nil, errors.Wrapf(kinetic.ErrRange, "min [%d] exceeds high water [%d]", min, self.cfg.HighWater)
	}

	self.rdLock.Lock()
	defer self.rdLock.Unlock()
	self.lock.Lock()
	defer self.lock.Unlock()

	if err := self.awaitReadable(ctx, min); err != nil {
		return nil, err
	}
	if self.available == 0 {
		return nil, self.readCause()
	}
	out := make([]byte, self.available)
	n := self.readInto(out)
	self.consumed(n)
	return out[:n], nil
}

// ReadDirect hands the readable region of the head segment to fn and consumes the byte count fn reports. The
// segment is retained while fn runs, so a concurrent Cancel cannot recycle it.
//
func (self *ByteChannel) ReadDirect(ctx context.Context, fn func(p []byte) (int, error)) (int, error) {
	self.rdLock.Lock()
	defer self.rdLock.Unlock()

	self.lock.Lock()
	if err := self.awaitReadable(ctx, 1); err != nil {
		self.lock.Unlock()
		return 0, err
	}
	if self.available == 0 {
		err := self.readCause()
		self.lock.Unlock()
		return 0, err
	}
	self.dropConsumedHead()
	head := self.segments.Peek().(*kinetic.Buffer)
	region := head.Readable()
	head.Retain()
	self.lock.Unlock()

	n, err := fn(region)
	if n < 0 || n > len(region) {
		panic(&kinetic.InvariantViolation{Offered: len(region), Reported: n})
	}

	self.lock.Lock()
	defer self.lock.Unlock()
	defer func() { _ = head.Release() }()

	if self.cancelled {
		return n, self.cause
	}
	if n > 0 {
		_ = head.Discard(n)
		self.available -= n
		self.dropConsumedHead()
		self.consumed(n)
	}
	return n, err
}

func (self *ByteChannel) Close() error {
	return self.CloseWithError(nil)
}

// CloseWithError closes the channel for writing. Buffered bytes stay readable; once drained, readers see cause,
// or io.EOF when cause is nil. Parked writers fail with kinetic.ErrClosedForWrite.
//
func (self *ByteChannel) CloseWithError(cause error) error {
	self.lock.Lock()
	defer self.lock.Unlock()

	if self.closed {
		return nil
	}
	self.closed = true
	self.cause = cause
	self.dropWriters()
	self.signalReaders()
	return nil
}

// Cancel discards buffered bytes and fails pending and future reads and writes with cause (kinetic.ErrCancelled
// when nil).
//
func (self *ByteChannel) Cancel(cause error) {
	self.lock.Lock()
	defer self.lock.Unlock()

	if self.cancelled {
		return
	}
	if cause == nil {
		cause = kinetic.ErrCancelled
	}
	self.cancelled = true
	self.closed = true
	self.cause = cause
	for self.segments.Length() > 0 {
		_ = self.segments.Remove().(*kinetic.Buffer).Release()
	}
	self.tail = nil
	self.available = 0
	self.dropWriters()
	self.signalReaders()
}

func (self *ByteChannel) Available() int {
	self.lock.Lock()
	defer self.lock.Unlock()
	return self.available
}

func (self *ByteChannel) IsClosedForWrite() bool {
	self.lock.Lock()
	defer self.lock.Unlock()
	return self.closed
}

func (self *ByteChannel) IsClosedForRead() bool {
	self.lock.Lock()
	defer self.lock.Unlock()
	return self.closed && self.available == 0
}

func (self *ByteChannel) Cause() error {
	self.lock.Lock()
	defer self.lock.Unlock()
	return self.cause
}

func (self *ByteChannel) TotalBytesRead() int64 {
	self.lock.Lock()
	defer self.lock.Unlock()
	return self.totalRead
}

func (self *ByteChannel) TotalBytesWritten() int64 {
	self.lock.Lock()
	defer self.lock.Unlock()
	return self.totalWritten
}

func (self *ByteChannel) ParkedWriters() int {
	self.lock.Lock()
	defer self.lock.Unlock()
	return self.parked
}

func (self *ByteChannel) Suspensions() int64 {
	self.lock.Lock()
	defer self.lock.Unlock()
	return self.suspensions
}

func (self *ByteChannel) Resumes() int64 {
	self.lock.Lock()
	defer self.lock.Unlock()
	return self.resumes
}

func (self *ByteChannel) String() string {
	self.lock.Lock()
	defer self.lock.Unlock()
	return fmt.Sprintf("{available:%d segments:%d parked:%d closed:%t cancelled:%t}",
		self.available, self.segments.Length(), self.parked, self.closed, self.cancelled)
}

// claim makes the caller the owning writer, parking it when the channel is owned, pressured or has earlier
// writers parked.
//
func (self *ByteChannel) claim(ctx context.Context) error {
	self.lock.Lock()
	if err := self.writeErr(); err != nil {
		self.lock.Unlock()
		return err
	}
	if !self.owner && self.parked == 0 && self.available < self.cfg.HighWater {
		self.owner = true
		self.lock.Unlock()
		return nil
	}
	return self.park(ctx)
}

// park is entered with the lock held and returns with it released. A nil return means ownership was handed to
// the caller.
//
func (self *ByteChannel) park(ctx context.Context) error {
	pw := &parkedWriter{wake: make(chan struct{})}
	self.writers.Add(pw)
	self.parked++
	self.suspensions++
	self.resumeWriter(self.cfg.LowWater)
	self.lock.Unlock()

	select {
	case <-pw.wake:
	case <-ctx.Done():
	}

	self.lock.Lock()
	defer self.lock.Unlock()

	if pw.handed {
		if err := self.writeErr(); err != nil {
			self.releaseOwner()
			return err
		}
		if err := ctx.Err(); err != nil {
			self.releaseOwner()
			return err
		}
		return nil
	}
	if pw.dropped {
		return self.writeErr()
	}
	pw.abandoned = true
	self.parked--
	return ctx.Err()
}

// transfer runs one write step as the owning writer. On error, ownership has been released.
//
func (self *ByteChannel) transfer(ctx context.Context, fn func(p []byte) (int, error)) (int, error) {
	self.lock.Lock()
	for self.available >= self.cfg.HighWater && !self.closed {
		self.owner = false
		if err := self.park(ctx); err != nil {
			return 0, err
		}
		self.lock.Lock()
	}
	if err := self.writeErr(); err != nil {
		self.releaseOwner()
		self.lock.Unlock()
		return 0, err
	}
	tail := self.writableTail()
	region := tail.Writable()
	if room := self.cfg.HighWater - self.available; len(region) > room {
		region = region[:room]
	}
	tail.Retain()
	self.lock.Unlock()

	n, err := fn(region)
	if n < 0 || n > len(region) {
		panic(&kinetic.InvariantViolation{Offered: len(region), Reported: n})
	}

	self.lock.Lock()
	defer self.lock.Unlock()
	defer func() { _ = tail.Release() }()

	if self.cancelled {
		self.releaseOwner()
		return 0, self.cause
	}
	if n > 0 {
		_, _ = tail.WriteDirect(func([]byte) (int, error) { return n, nil })
		self.available += n
		self.totalWritten += int64(n)
		self.signalReaders()
	}
	if err != nil {
		self.releaseOwner()
		return n, err
	}
	return n, nil
}

func (self *ByteChannel) release() {
	self.lock.Lock()
	defer self.lock.Unlock()
	self.releaseOwner()
}

func (self *ByteChannel) releaseOwner() {
	self.owner = false
	self.resumeWriter(self.cfg.HighWater - 1)
}

// resumeWriter hands the channel to the first live parked writer when nobody owns it and at most limit bytes are
// buffered.
//
func (self *ByteChannel) resumeWriter(limit int) {
	if self.owner || self.parked == 0 || self.available > limit {
		return
	}
	for self.writers.Length() > 0 {
		pw := self.writers.Remove().(*parkedWriter)
		if pw.abandoned {
			continue
		}
		self.parked--
		self.owner = true
		self.resumes++
		pw.handed = true
		close(pw.wake)
		return
	}
}

func (self *ByteChannel) dropWriters() {
	for self.writers.Length() > 0 {
		pw := self.writers.Remove().(*parkedWriter)
		if !pw.abandoned {
			pw.dropped = true
			close(pw.wake)
		}
	}
	self.parked = 0
}

func (self *ByteChannel) writableTail() *kinetic.Buffer {
	if self.tail == nil || self.tail.WriteRemaining() == 0 {
		self.tail = self.pool.Acquire()
		self.segments.Add(self.tail)
	}
	return self.tail
}

// awaitReadable is entered and left with the lock held.
//
func (self *ByteChannel) awaitReadable(ctx context.Context, min int) error {
	for {
		if self.cancelled {
			return self.cause
		}
		if self.available >= min || self.closed {
			return nil
		}
		ready := self.readable
		self.lock.Unlock()
		select {
		case <-ready:
			self.lock.Lock()
		case <-ctx.Done():
			self.lock.Lock()
			return ctx.Err()
		}
	}
}

func (self *ByteChannel) readInto(p []byte) int {
	n := 0
	for n < len(p) && self.available > 0 {
		self.dropConsumedHead()
		head := self.segments.Peek().(*kinetic.Buffer)
		m := head.Read(p[n:])
		n += m
		self.available -= m
	}
	self.dropConsumedHead()
	return n
}

// dropConsumedHead releases fully consumed segments from the head. The tail is never dropped, since a writer may
// be filling it.
//
func (self *ByteChannel) dropConsumedHead() {
	for self.segments.Length() > 0 {
		head := self.segments.Peek().(*kinetic.Buffer)
		if head == self.tail || head.ReadRemaining() > 0 {
			return
		}
		self.segments.Remove()
		_ = head.Release()
	}
}

func (self *ByteChannel) consumed(n int) {
	self.totalRead += int64(n)
	if n > 0 {
		self.resumeWriter(self.cfg.LowWater)
	}
}

func (self *ByteChannel) signalReaders() {
	close(self.readable)
	self.readable = make(chan struct{})
}

func (self *ByteChannel) writeErr() error {
	if self.cancelled {
		return self.cause
	}
	if self.closed {
		return kinetic.ErrClosedForWrite
	}
	return nil
}

func (self *ByteChannel) readCause() error {
	if self.cause != nil {
		return self.cause
	}
	return io.EOF
}
