package kinetic

import (
	"github.com/openziti/kinetic/cf"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type traceInstrument struct {
	config *traceInstrumentConfig
}

type traceInstrumentConfig struct {
	Pool     bool `cf:"pool"`
	Selector bool `cf:"selector"`
	Socket   bool `cf:"socket"`
	Endpoint bool `cf:"endpoint"`
	Error    bool `cf:"error"`
}

type traceInstrumentInstance struct {
	id  string
	i   *traceInstrument
	log *logrus.Entry
}

func NewTraceInstrument(config map[string]interface{}) (Instrument, error) {
	i := &traceInstrument{
		config: &traceInstrumentConfig{Endpoint: true, Error: true},
	}
	if config != nil {
		if err := cf.Load(config, i.config); err != nil {
			return nil, errors.Wrap(err, "unable to load config")
		}
	}
	logrus.Infof(cf.Dump("traceInstrument", i.config))
	return i, nil
}

func (self *traceInstrument) NewInstance(id string) InstrumentInstance {
	return &traceInstrumentInstance{
		id:  id,
		i:   self,
		log: logrus.WithField("instrument", id),
	}
}

/*
 * pool
 */

func (self *traceInstrumentInstance) Allocate(poolId string) {
	if self.i.config.Pool {
		self.log.Debugf("allocate [%s]", poolId)
	}
}

func (self *traceInstrumentInstance) Discard(poolId string) {
	if self.i.config.Pool {
		self.log.Debugf("discard [%s]", poolId)
	}
}

/*
 * selector
 */

func (self *traceInstrumentInstance) Selected(fd int, interest string) {
	if self.i.config.Selector {
		self.log.Debugf("select [fd %d] for [%s]", fd, interest)
	}
}

func (self *traceInstrumentInstance) Resumed(fd int, interest string, err error) {
	if self.i.config.Selector {
		if err != nil {
			self.log.Debugf("resumed [fd %d] for [%s] (%v)", fd, interest, err)
		} else {
			self.log.Debugf("resumed [fd %d] for [%s]", fd, interest)
		}
	}
}

/*
 * socket
 */

func (self *traceInstrumentInstance) RxBytes(n int) {
	if self.i.config.Socket {
		self.log.Debugf("<- [%d]", n)
	}
}

func (self *traceInstrumentInstance) TxBytes(n int) {
	if self.i.config.Socket {
		self.log.Debugf("-> [%d]", n)
	}
}

func (self *traceInstrumentInstance) SocketError(err error) {
	if self.i.config.Error {
		self.log.Errorf("socket error (%v)", err)
	}
}

/*
 * endpoint
 */

func (self *traceInstrumentInstance) ConnectAttempt(address string, attempt int) {
	if self.i.config.Endpoint {
		self.log.Infof("connect attempt [%d] to [%s]", attempt, address)
	}
}

func (self *traceInstrumentInstance) ConnectFailed(address string, err error) {
	if self.i.config.Error {
		self.log.Errorf("connect to [%s] failed (%v)", address, err)
	}
}

func (self *traceInstrumentInstance) ConnectionOpened(address string, id int32) {
	if self.i.config.Endpoint {
		self.log.Infof("opened connection [#%d] to [%s]", id, address)
	}
}

func (self *traceInstrumentInstance) ConnectionClosed(address string, id int32) {
	if self.i.config.Endpoint {
		self.log.Infof("closed connection [#%d] to [%s]", id, address)
	}
}

func (self *traceInstrumentInstance) Shutdown() {}
