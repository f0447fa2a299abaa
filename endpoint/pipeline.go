package endpoint

import (
	"context"
	"sync"
	"time"

	"github.com/openziti/kinetic"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type task struct {
	ctx       context.Context
	req       *Request
	timeoutMs int

	rctx        context.Context
	cancel      context.CancelFunc
	requestTime time.Time

	done chan struct{}
	once sync.Once
	rsp  *Response
	err  error
}

func newTask(ctx context.Context, req *Request, timeoutMs int) *task {
	return &task{ctx: ctx, req: req, timeoutMs: timeoutMs, done: make(chan struct{})}
}

func (self *task) complete(rsp *Response, err error) {
	self.once.Do(func() {
		self.rsp = rsp
		self.err = err
		close(self.done)
	})
}

// pipeline shares one connection between up to Config.PipelineMaxSize in-flight requests. The writer takes tasks
// from the endpoint's delivery point and writes them in order; the reader reads their responses in the same
// order. Any failure poisons the connection's framing, so the pipeline fails as a whole.
//
type pipeline struct {
	endpoint *Endpoint
	conn     *Connection
	slots    chan struct{}
	inflight chan *task
	failed   chan struct{}
	failOnce sync.Once
	cause    error
	log      *logrus.Entry
}

func newPipeline(endpoint *Endpoint, conn *Connection) *pipeline {
	return &pipeline{
		endpoint: endpoint,
		conn:     conn,
		slots:    make(chan struct{}, endpoint.cfg.PipelineMaxSize),
		inflight: make(chan *task, endpoint.cfg.PipelineMaxSize),
		failed:   make(chan struct{}),
		log:      endpoint.log.WithField("connection", conn.Id()),
	}
}

func (self *pipeline) run() {
	go self.reader()
	self.writer()
}

func (self *pipeline) writer() {
	self.log.Debugf("started")
	defer self.log.Debugf("exited")
	defer close(self.inflight)

	keepAlive, keepAliveOk := kinetic.TimeoutDuration(self.endpoint.cfg.KeepAliveTimeMs)
	for {
		select {
		case self.slots <- struct{}{}:
		case <-self.failed:
			return
		}

		var idle <-chan time.Time
		var timer *time.Timer
		if keepAliveOk {
			timer = time.NewTimer(keepAlive)
			idle = timer.C
		}

		var t *task
		for t == nil {
			select {
			case t = <-self.endpoint.deliveryPoint:
			case <-idle:
				if len(self.slots) == 1 {
					self.log.Debugf("idle for [%s], closing", keepAlive)
					return
				}
				timer.Reset(keepAlive)
			case <-self.failed:
				return
			case <-self.endpoint.closing:
				return
			}
		}
		if timer != nil {
			timer.Stop()
		}

		if err := t.ctx.Err(); err != nil {
			t.complete(nil, err)
			<-self.slots
			continue
		}
		t.rctx, t.cancel = withTimeoutMs(t.ctx, t.timeoutMs)
		t.requestTime = time.Now()
		go self.watch(t)

		self.inflight <- t
		if err := t.req.Exchange.WriteRequest(t.rctx, self.conn); err != nil {
			err = requestError(t.ctx, t.rctx, t.timeoutMs, err)
			t.complete(nil, err)
			self.fail(err)
			return
		}
	}
}

func (self *pipeline) reader() {
	defer func() { _ = self.conn.Close() }()

	for t := range self.inflight {
		if self.isFailed() {
			t.complete(nil, self.failure())
		} else if err := t.req.Exchange.ReadResponse(t.rctx, self.conn); err != nil {
			err = requestError(t.ctx, t.rctx, t.timeoutMs, err)
			t.complete(nil, err)
			self.fail(err)
		} else {
			t.complete(&Response{
				ConnectionId: self.conn.Id(),
				ConnectedAt:  self.conn.ConnectedAt(),
				RequestTime:  t.requestTime,
				ResponseTime: time.Now(),
				Pipelined:    true,
			}, nil)
		}
		t.cancel()
		<-self.slots
	}
}

// watch fails the pipeline when a task's request timeout (or its caller's context) ends before its response.
//
func (self *pipeline) watch(t *task) {
	select {
	case <-t.rctx.Done():
		err := requestError(t.ctx, t.rctx, t.timeoutMs, t.rctx.Err())
		t.complete(nil, err)
		self.fail(err)
	case <-t.done:
	}
}

func (self *pipeline) fail(cause error) {
	self.failOnce.Do(func() {
		self.cause = cause
		close(self.failed)
		self.log.Debugf("failed (%v)", cause)
		_ = self.conn.Close()
	})
}

func (self *pipeline) isFailed() bool {
	select {
	case <-self.failed:
		return true
	default:
		return false
	}
}

func (self *pipeline) failure() error {
	return errors.Wrapf(kinetic.ErrCancelled, "pipeline failed (%v)", self.cause)
}
