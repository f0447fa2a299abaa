package channel

import (
	"github.com/openziti/kinetic/cf"
	"github.com/pkg/errors"
)

type Config struct {
	HighWater int `cf:"high_water"`
	LowWater  int `cf:"low_water"`
}

func NewDefaultConfig() *Config {
	return &Config{
		HighWater: 64 * 1024,
		LowWater:  16 * 1024,
	}
}

func (self *Config) Load(data map[string]interface{}) error {
	if err := cf.Load(data, self); err != nil {
		return errors.Wrap(err, "unable to load channel config")
	}
	return self.Validate()
}

func (self *Config) Validate() error {
	if self.HighWater < 1 {
		return errors.Errorf("high_water [%d] must be positive", self.HighWater)
	}
	if self.LowWater < 0 || self.LowWater >= self.HighWater {
		return errors.Errorf("low_water [%d] must be in [0, %d)", self.LowWater, self.HighWater)
	}
	return nil
}
