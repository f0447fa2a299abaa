package endpoint

import (
	"context"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/openziti/kinetic"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Registry owns one Endpoint per route, creating them on demand and forgetting them once they tear down.
//
type Registry struct {
	cfg      *Config
	factory  ConnectionFactory
	upgrader Upgrader
	ii       kinetic.InstrumentInstance

	lock      sync.Mutex
	endpoints *treemap.Map
	closed    bool
}

func NewRegistry(cfg *Config, factory ConnectionFactory, upgrader Upgrader, i kinetic.Instrument) *Registry {
	if i == nil {
		i = kinetic.NewNilInstrument()
	}
	return &Registry{
		cfg:       cfg,
		factory:   factory,
		upgrader:  upgrader,
		ii:        i.NewInstance("endpoints"),
		endpoints: treemap.NewWithStringComparator(),
	}
}

// Endpoint returns the live endpoint for route, creating it if needed.
//
func (self *Registry) Endpoint(route Route) (*Endpoint, error) {
	self.lock.Lock()
	defer self.lock.Unlock()

	if self.closed {
		return nil, errors.Wrap(kinetic.ErrEndpointClosed, "registry closed")
	}
	key := route.String()
	if found, ok := self.endpoints.Get(key); ok {
		return found.(*Endpoint), nil
	}
	var ep *Endpoint
	ep = NewEndpoint(route, self.cfg, self.factory, self.upgrader, self.ii, func() { self.forget(key, ep) })
	self.endpoints.Put(key, ep)
	logrus.Debugf("created endpoint [%s]", key)
	return ep, nil
}

// Execute runs req on its route's endpoint. A request that races an endpoint's teardown is retried once on a
// fresh endpoint.
//
func (self *Registry) Execute(ctx context.Context, req *Request) (*Response, error) {
	for attempt := 0; ; attempt++ {
		ep, err := self.Endpoint(req.Route())
		if err != nil {
			return nil, err
		}
		rsp, err := ep.Execute(ctx, req)
		if err != nil && attempt == 0 && errors.Is(err, kinetic.ErrEndpointClosed) && !self.isClosed() {
			self.forget(req.Route().String(), ep)
			continue
		}
		return rsp, err
	}
}

// Routes lists the keys of the live endpoints, in order.
//
func (self *Registry) Routes() []string {
	self.lock.Lock()
	defer self.lock.Unlock()

	var routes []string
	for _, k := range self.endpoints.Keys() {
		routes = append(routes, k.(string))
	}
	return routes
}

func (self *Registry) Close() error {
	self.lock.Lock()
	self.closed = true
	var endpoints []*Endpoint
	for _, v := range self.endpoints.Values() {
		endpoints = append(endpoints, v.(*Endpoint))
	}
	self.lock.Unlock()

	for _, ep := range endpoints {
		_ = ep.Close()
	}
	self.ii.Shutdown()
	return nil
}

func (self *Registry) forget(key string, ep *Endpoint) {
	self.lock.Lock()
	defer self.lock.Unlock()
	if found, ok := self.endpoints.Get(key); ok && found.(*Endpoint) == ep {
		self.endpoints.Remove(key)
		logrus.Debugf("removed endpoint [%s]", key)
	}
}

func (self *Registry) isClosed() bool {
	self.lock.Lock()
	defer self.lock.Unlock()
	return self.closed
}
