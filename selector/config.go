package selector

import (
	"github.com/openziti/kinetic/cf"
	"github.com/pkg/errors"
)

type Config struct {
	SelectTimeoutMs int `cf:"select_timeout_ms"`
	MaxEvents       int `cf:"max_events"`
	WatchTreeOrder  int `cf:"watch_tree_order"`
	GroupSz         int `cf:"group_sz"`
	MaxWaitErrors   int `cf:"max_wait_errors"`
}

func NewDefaultConfig() *Config {
	return &Config{
		SelectTimeoutMs: 50,
		MaxEvents:       128,
		WatchTreeOrder:  64,
		GroupSz:         1,
		MaxWaitErrors:   10,
	}
}

func (self *Config) Load(data map[string]interface{}) error {
	if err := cf.Load(data, self); err != nil {
		return errors.Wrap(err, "unable to load selector config")
	}
	if self.SelectTimeoutMs < 1 {
		return errors.Errorf("select_timeout_ms [%d] must be positive", self.SelectTimeoutMs)
	}
	if self.MaxEvents < 1 {
		return errors.Errorf("max_events [%d] must be positive", self.MaxEvents)
	}
	if self.WatchTreeOrder < 3 {
		return errors.Errorf("watch_tree_order [%d] must be at least 3", self.WatchTreeOrder)
	}
	if self.GroupSz < 1 {
		return errors.Errorf("group_sz [%d] must be positive", self.GroupSz)
	}
	if self.MaxWaitErrors < 1 {
		return errors.Errorf("max_wait_errors [%d] must be positive", self.MaxWaitErrors)
	}
	return nil
}
