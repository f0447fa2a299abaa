package selector

import (
	"fmt"
	"sync/atomic"

	"github.com/openziti/kinetic"
	"github.com/pkg/errors"
)

// Group is a fixed set of selectors handed out round-robin, spreading descriptors across loop goroutines.
//
type Group struct {
	selectors []*Selector
	next      uint32
}

func NewGroup(cfg *Config, i kinetic.Instrument) (*Group, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if i == nil {
		i = kinetic.NewNilInstrument()
	}
	g := &Group{}
	for j := 0; j < cfg.GroupSz; j++ {
		s, err := New(cfg, i.NewInstance(fmt.Sprintf("selector_%d", j)))
		if err != nil {
			_ = g.Close()
			return nil, errors.Wrapf(err, "error creating selector [%d]", j)
		}
		g.selectors = append(g.selectors, s)
	}
	return g, nil
}

func (self *Group) Next() *Selector {
	n := atomic.AddUint32(&self.next, 1)
	return self.selectors[(n-1)%uint32(len(self.selectors))]
}

func (self *Group) Size() int {
	return len(self.selectors)
}

func (self *Group) Close() error {
	for _, s := range self.selectors {
		_ = s.Close()
		s.ii.Shutdown()
	}
	return nil
}
