package endpoint

import (
	"github.com/openziti/kinetic"
	"github.com/openziti/kinetic/cf"
	"github.com/openziti/kinetic/selector"
	"github.com/openziti/kinetic/socket"
	"github.com/pkg/errors"
)

type Config struct {
	MaxConnectionsCount    int                 `cf:"max_connections_count"`
	MaxConnectionsPerRoute int                 `cf:"max_connections_per_route"`
	KeepAliveTimeMs        int                 `cf:"keep_alive_time_ms"`
	PipelineMaxSize        int                 `cf:"pipeline_max_size"`
	ConnectTimeoutMs       int                 `cf:"connect_timeout_ms"`
	SocketTimeoutMs        int                 `cf:"socket_timeout_ms"`
	ConnectRetryAttempts   int                 `cf:"connect_retry_attempts"`
	AllowHalfClose         bool                `cf:"allow_half_close"`
	RequestTimeoutMs       int                 `cf:"request_timeout_ms"`
	Pipelining             bool                `cf:"pipelining"`
	Socket                 *socket.Config      `cf:"socket"`
	Selector               *selector.Config    `cf:"selector"`
	Pool                   *kinetic.PoolConfig `cf:"pool"`
}

func NewDefaultConfig() *Config {
	return &Config{
		MaxConnectionsCount:    1000,
		MaxConnectionsPerRoute: 100,
		KeepAliveTimeMs:        5000,
		PipelineMaxSize:        20,
		ConnectTimeoutMs:       5000,
		SocketTimeoutMs:        kinetic.InfiniteTimeoutMs,
		ConnectRetryAttempts:   1,
		AllowHalfClose:         false,
		RequestTimeoutMs:       15000,
		Pipelining:             false,
		Socket:                 socket.NewDefaultConfig(),
		Selector:               selector.NewDefaultConfig(),
		Pool:                   kinetic.NewDefaultPoolConfig(),
	}
}

func (self *Config) Load(data map[string]interface{}) error {
	if err := cf.Load(data, self); err != nil {
		return errors.Wrap(err, "unable to load endpoint config")
	}
	return self.Validate()
}

func (self *Config) Validate() error {
	if self.MaxConnectionsCount < 1 {
		return errors.Errorf("max_connections_count [%d] must be positive", self.MaxConnectionsCount)
	}
	if self.MaxConnectionsPerRoute < 1 {
		return errors.Errorf("max_connections_per_route [%d] must be positive", self.MaxConnectionsPerRoute)
	}
	if self.PipelineMaxSize < 1 {
		return errors.Errorf("pipeline_max_size [%d] must be positive", self.PipelineMaxSize)
	}
	if self.ConnectRetryAttempts < 1 {
		return errors.Errorf("connect_retry_attempts [%d] must be positive", self.ConnectRetryAttempts)
	}
	for name, ms := range map[string]int{
		"keep_alive_time_ms": self.KeepAliveTimeMs,
		"connect_timeout_ms": self.ConnectTimeoutMs,
		"socket_timeout_ms":  self.SocketTimeoutMs,
		"request_timeout_ms": self.RequestTimeoutMs,
	} {
		if ms == 0 || ms < kinetic.InfiniteTimeoutMs {
			return errors.Errorf("%s [%d] must be positive or infinite (%d)", name, ms, kinetic.InfiniteTimeoutMs)
		}
	}
	if self.Socket == nil {
		self.Socket = socket.NewDefaultConfig()
	}
	if self.Selector == nil {
		self.Selector = selector.NewDefaultConfig()
	}
	if self.Pool == nil {
		self.Pool = kinetic.NewDefaultPoolConfig()
	}
	return nil
}

// MaxEndpointIdleMs is how long an endpoint with no calls and no connections survives before tearing itself down.
//
func (self *Config) MaxEndpointIdleMs() int {
	if self.ConnectTimeoutMs == kinetic.InfiniteTimeoutMs {
		return kinetic.InfiniteTimeoutMs
	}
	return 2 * self.ConnectTimeoutMs
}
