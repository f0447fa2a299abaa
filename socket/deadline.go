package socket

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// deadline is one direction's net.Conn deadline. Moving it reaches operations that are already waiting, so a
// deadline set into the past unblocks a pending Read or Write.
//
type deadline struct {
	lock    sync.Mutex
	t       time.Time
	changed chan struct{}
}

func newDeadline() *deadline {
	return &deadline{changed: make(chan struct{})}
}

func (self *deadline) set(t time.Time) {
	self.lock.Lock()
	defer self.lock.Unlock()
	self.t = t
	close(self.changed)
	self.changed = make(chan struct{})
}

func (self *deadline) get() (time.Time, <-chan struct{}) {
	self.lock.Lock()
	defer self.lock.Unlock()
	return self.t, self.changed
}

// run calls fn with a context that ends when the deadline in force passes. The deadline is re-read whenever it
// moves while fn is waiting. Expiry is reported as os.ErrDeadlineExceeded.
//
func (self *deadline) run(fn func(ctx context.Context) (int, error)) (int, error) {
	t, changed := self.get()
	if passed(t) {
		return 0, os.ErrDeadlineExceeded
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var expired int32
	go func() {
		for {
			var timer *time.Timer
			var timeout <-chan time.Time
			if !t.IsZero() {
				timer = time.NewTimer(time.Until(t))
				timeout = timer.C
			}
			select {
			case <-timeout:
				atomic.StoreInt32(&expired, 1)
				cancel()
				return

			case <-changed:
				if timer != nil {
					timer.Stop()
				}
				t, changed = self.get()
				if passed(t) {
					atomic.StoreInt32(&expired, 1)
					cancel()
					return
				}

			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			}
		}
	}()

	n, err := fn(ctx)
	if err != nil && errors.Is(err, context.Canceled) && atomic.LoadInt32(&expired) == 1 {
		err = os.ErrDeadlineExceeded
	}
	return n, err
}

func passed(t time.Time) bool {
	return !t.IsZero() && !time.Now().Before(t)
}
