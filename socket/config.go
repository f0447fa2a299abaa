package socket

import (
	"github.com/openziti/kinetic"
	"github.com/openziti/kinetic/cf"
	"github.com/openziti/kinetic/channel"
	"github.com/pkg/errors"
)

type Config struct {
	SocketTimeoutMs int             `cf:"socket_timeout_ms"`
	LingerMs        int             `cf:"linger_ms"`
	NoDelay         bool            `cf:"no_delay"`
	KeepAlive       bool            `cf:"keep_alive"`
	SendBufferSz    int             `cf:"send_buffer_sz"`
	ReceiveBufferSz int             `cf:"receive_buffer_sz"`
	Backlog         int             `cf:"backlog"`
	Channel         *channel.Config `cf:"channel"`
}

func NewDefaultConfig() *Config {
	return &Config{
		SocketTimeoutMs: kinetic.InfiniteTimeoutMs,
		LingerMs:        1000,
		NoDelay:         true,
		Backlog:         128,
		Channel:         channel.NewDefaultConfig(),
	}
}

func (self *Config) Load(data map[string]interface{}) error {
	if err := cf.Load(data, self); err != nil {
		return errors.Wrap(err, "unable to load socket config")
	}
	if self.SocketTimeoutMs == 0 || self.SocketTimeoutMs < kinetic.InfiniteTimeoutMs {
		return errors.Errorf("socket_timeout_ms [%d] must be positive or infinite (%d)", self.SocketTimeoutMs, kinetic.InfiniteTimeoutMs)
	}
	if self.Backlog < 1 {
		return errors.Errorf("backlog [%d] must be positive", self.Backlog)
	}
	if self.Channel == nil {
		self.Channel = channel.NewDefaultConfig()
	}
	return self.Channel.Validate()
}
