package kinetic

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/emirpasic/gods/stacks/arraystack"
	"github.com/pkg/errors"
)

// Handle indexes a root segment in the arena of its Pool. Child views (slices and duplicates) carry noHandle.
//
type Handle int32

const noHandle = Handle(-1)

// Buffer is a view over pooled memory with independent read and write cursors and a limit. The invariant
// 0 <= readCursor <= writeCursor <= limit <= capacity always holds.
//
// A root Buffer is owned by its Pool and returns to it when the last reference is released. Every Acquire hands
// out a fresh root view stamped with the segment's generation, so a view kept past its release can never reach the
// segment's next owner. Child views created through Slice and Duplicate share the parent's memory and hold a
// reference on the parent, so a parent with outstanding children can never be recycled.
//
type Buffer struct {
	pool     *Pool
	handle   Handle
	seg      *segment
	gen      uint32
	parent   *Buffer
	data     []byte
	r        int
	w        int
	limit    int
	refs     int32
	children int32
}

// segment is the arena's unit of memory. gen advances on every checkout.
//
type segment struct {
	data   []byte
	gen    uint32
	pooled bool
}

func (self *Buffer) Handle() Handle {
	return self.handle
}

// Generation identifies which checkout of its segment a root buffer belongs to. Child views report zero.
//
func (self *Buffer) Generation() uint32 {
	return self.gen
}

func (self *Buffer) Refs() int32 {
	return atomic.LoadInt32(&self.refs)
}

func (self *Buffer) Children() int32 {
	return atomic.LoadInt32(&self.children)
}

func (self *Buffer) Capacity() int {
	return len(self.data)
}

func (self *Buffer) Limit() int {
	return self.limit
}

func (self *Buffer) ReadRemaining() int {
	return self.w - self.r
}

func (self *Buffer) WriteRemaining() int {
	return self.limit - self.w
}

// Readable exposes the unread region without copying.
//
func (self *Buffer) Readable() []byte {
	return self.data[self.r:self.w]
}

// Writable exposes the free region between the write cursor and the limit.
//
func (self *Buffer) Writable() []byte {
	return self.data[self.w:self.limit]
}

func (self *Buffer) Write(p []byte) int {
	n := copy(self.data[self.w:self.limit], p)
	self.w += n
	return n
}

func (self *Buffer) Read(p []byte) int {
	n := copy(p, self.data[self.r:self.w])
	self.r += n
	return n
}

// WriteDirect hands the writable region to fn and advances the write cursor by the count fn reports.
//
func (self *Buffer) WriteDirect(fn func(p []byte) (int, error)) (int, error) {
	region := self.Writable()
	n, err := fn(region)
	if n < 0 || n > len(region) {
		panic(&InvariantViolation{Offered: len(region), Reported: n})
	}
	self.w += n
	return n, err
}

// ReadDirect hands the readable region to fn and advances the read cursor by the count fn reports.
//
func (self *Buffer) ReadDirect(fn func(p []byte) (int, error)) (int, error) {
	region := self.Readable()
	n, err := fn(region)
	if n < 0 || n > len(region) {
		panic(&InvariantViolation{Offered: len(region), Reported: n})
	}
	self.r += n
	return n, err
}

func (self *Buffer) Discard(n int) error {
	if n < 0 || n > self.ReadRemaining() {
		return errors.Wrapf(ErrRange, "discard [%d] of [%d] readable", n, self.ReadRemaining())
	}
	self.r += n
	return nil
}

func (self *Buffer) SetLimit(limit int) error {
	if limit < self.w || limit > len(self.data) {
		return errors.Wrapf(ErrRange, "limit [%d] outside [%d, %d]", limit, self.w, len(self.data))
	}
	self.limit = limit
	return nil
}

func (self *Buffer) Reset() {
	self.r = 0
	self.w = 0
	self.limit = len(self.data)
}

// Retain adds a reference. Retaining a buffer that has already gone back to its pool is a programming error.
//
func (self *Buffer) Retain() {
	if atomic.AddInt32(&self.refs, 1) < 2 {
		panic(errors.Wrapf(ErrPoolInvariant, "retain of released buffer [%d]", self.handle))
	}
}

// Duplicate returns a view sharing this buffer's memory and cursor positions whose cursors then move
// independently. The duplicate holds a reference on this buffer until it is released.
//
func (self *Buffer) Duplicate() *Buffer {
	dup := self.child(self.data)
	dup.r = self.r
	dup.w = self.w
	dup.limit = self.limit
	return dup
}

// Slice returns a child view over length bytes starting offset bytes into the readable region.
//
func (self *Buffer) Slice(offset, length int) (*Buffer, error) {
	if offset < 0 || length < 0 || offset+length > self.ReadRemaining() {
		return nil, errors.Wrapf(ErrRange, "slice [%d+%d] of [%d] readable", offset, length, self.ReadRemaining())
	}
	start := self.r + offset
	child := self.child(self.data[start : start+length : start+length])
	child.w = length
	return child, nil
}

func (self *Buffer) child(data []byte) *Buffer {
	self.Retain()
	atomic.AddInt32(&self.children, 1)
	return &Buffer{
		pool:   self.pool,
		handle: noHandle,
		parent: self,
		data:   data,
		limit:  len(data),
		refs:   1,
	}
}

// Release drops a reference. Child views give their parent reference back when they reach zero; root buffers are
// recycled into their pool.
//
func (self *Buffer) Release() error {
	refs := atomic.AddInt32(&self.refs, -1)
	if refs < 0 {
		atomic.AddInt32(&self.refs, 1)
		return errors.Wrapf(ErrPoolInvariant, "double release of buffer [%d]", self.handle)
	}
	if refs > 0 {
		return nil
	}
	if self.parent != nil {
		atomic.AddInt32(&self.parent.children, -1)
		return self.parent.Release()
	}
	return self.pool.Recycle(self)
}

func (self *Buffer) String() string {
	return fmt.Sprintf("{#%d r:%d w:%d l:%d c:%d refs:%d}", self.handle, self.r, self.w, self.limit, len(self.data), self.Refs())
}

type PoolConfig struct {
	BufferSz  int `cf:"buffer_sz"`
	MaxPooled int `cf:"max_pooled"`
}

func NewDefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		BufferSz:  16 * 1024,
		MaxPooled: 4096,
	}
}

type PoolStats struct {
	Allocations int64
	Discards    int64
	InUse       int64
	Pooled      int64
}

// Pool is an arena of fixed-size segments indexed by Handle. Free segments are tracked on an explicit free-list;
// segments released while the free-list is at MaxPooled are discarded and their handles reused for the next fresh
// allocation. Acquire never blocks. Safe for concurrent use.
//
type Pool struct {
	id          string
	bufSz       int
	maxPooled   int
	lock        sync.Mutex
	arena       []*segment
	free        *arraystack.Stack
	holes       *arraystack.Stack
	allocations int64
	discards    int64
	inUse       int64
	ii          InstrumentInstance
}

func NewPool(id string, bufSz, maxPooled int, ii InstrumentInstance) *Pool {
	return &Pool{
		id:        id,
		bufSz:     bufSz,
		maxPooled: maxPooled,
		free:      arraystack.New(),
		holes:     arraystack.New(),
		ii:        ii,
	}
}

func NewPoolFromConfig(id string, cfg *PoolConfig, ii InstrumentInstance) *Pool {
	return NewPool(id, cfg.BufferSz, cfg.MaxPooled, ii)
}

func (self *Pool) Id() string {
	return self.id
}

func (self *Pool) BufferSz() int {
	return self.bufSz
}

// Acquire returns a buffer holding one reference, reusing a pooled segment when one is available.
//
func (self *Pool) Acquire() *Buffer {
	self.lock.Lock()
	defer self.lock.Unlock()

	var h Handle
	if v, found := self.free.Pop(); found {
		h = v.(Handle)
	} else {
		h = self.allocate()
	}
	seg := self.arena[h]
	seg.pooled = false
	seg.gen++
	self.inUse++
	return &Buffer{
		pool:   self,
		handle: h,
		seg:    seg,
		gen:    seg.gen,
		data:   seg.data,
		limit:  len(seg.data),
		refs:   1,
	}
}

// Recycle returns a root buffer to the pool. It fails with ErrInvalidState while the buffer is still referenced or
// has outstanding child views, and with ErrPoolInvariant when the buffer's checkout has already ended.
//
func (self *Pool) Recycle(buf *Buffer) error {
	if buf.pool != self || buf.handle == noHandle {
		return errors.Wrap(ErrInvalidState, "not a root buffer of this pool")
	}
	if refs := buf.Refs(); refs != 0 {
		return errors.Wrapf(ErrInvalidState, "buffer [%d] still has [%d] references", buf.handle, refs)
	}
	if children := buf.Children(); children != 0 {
		return errors.Wrapf(ErrInvalidState, "buffer [%d] still has [%d] child views", buf.handle, children)
	}

	self.lock.Lock()
	defer self.lock.Unlock()

	seg := self.arena[buf.handle]
	if seg == nil || seg != buf.seg || seg.pooled || seg.gen != buf.gen {
		return errors.Wrapf(ErrPoolInvariant, "buffer [%d] generation [%d] already recycled", buf.handle, buf.gen)
	}
	buf.Reset()
	self.inUse--
	if self.free.Size() < self.maxPooled {
		seg.pooled = true
		self.free.Push(buf.handle)
	} else {
		self.arena[buf.handle] = nil
		self.holes.Push(buf.handle)
		self.discards++
		if self.ii != nil {
			self.ii.Discard(self.id)
		}
	}
	return nil
}

// Slice is the pool-level form of (*Buffer).Slice.
//
func (self *Pool) Slice(buf *Buffer, offset, length int) (*Buffer, error) {
	return buf.Slice(offset, length)
}

func (self *Pool) Stats() PoolStats {
	self.lock.Lock()
	defer self.lock.Unlock()
	return PoolStats{
		Allocations: self.allocations,
		Discards:    self.discards,
		InUse:       self.inUse,
		Pooled:      int64(self.free.Size()),
	}
}

func (self *Pool) allocate() Handle {
	var h Handle
	if v, found := self.holes.Pop(); found {
		h = v.(Handle)
	} else {
		h = Handle(len(self.arena))
		self.arena = append(self.arena, nil)
	}
	self.arena[h] = &segment{data: make([]byte, self.bufSz)}
	self.allocations++
	if self.ii != nil {
		self.ii.Allocate(self.id)
	}
	return h
}
