package kinetic

import (
	"fmt"
	"io/ioutil"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/openziti/kinetic/cf"
	"github.com/openziti/kinetic/util"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type MetricsInstrument struct {
	lock      sync.Mutex
	Config    *MetricsInstrumentConfig
	instances []*metricsInstrumentInstance
}

type MetricsInstrumentConfig struct {
	Path        string `cf:"path"`
	SnapshotMs  int    `cf:"snapshot_ms"`
	Enabled     bool   `cf:"enabled"`
	InfluxUrl   string `cf:"influx_url"`
	InfluxToken string `cf:"influx_token"`
	InfluxOrg   string `cf:"influx_org"`
	InfluxDb    string `cf:"influx_db"`
}

func NewMetricsInstrument(config map[string]interface{}) (Instrument, error) {
	i := &MetricsInstrument{
		Config: &MetricsInstrumentConfig{
			SnapshotMs: 1000,
			Enabled:    true,
			InfluxDb:   "kinetic",
		},
	}
	if config != nil {
		if err := cf.Load(config, i.Config); err != nil {
			return nil, errors.Wrap(err, "unable to load config")
		}
	}
	if i.Config.SnapshotMs < 1 {
		return nil, errors.Errorf("invalid snapshot_ms [%d]", i.Config.SnapshotMs)
	}
	logrus.Infof(cf.Dump("metricsInstrument", i.Config))
	return i, nil
}

func (self *MetricsInstrument) NewInstance(id string) InstrumentInstance {
	self.lock.Lock()
	defer self.lock.Unlock()

	ii := &metricsInstrumentInstance{
		id:       id,
		config:   self.Config,
		close:    make(chan struct{}),
		counters: make(map[string]*counter),
	}
	for _, name := range counterNames {
		ii.counters[name] = &counter{}
	}
	go ii.snapshotter(self.Config.SnapshotMs)
	self.instances = append(self.instances, ii)
	return ii
}

// Totals returns the accumulated value of every counter of every instance, keyed by "instanceId/counter".
//
func (self *MetricsInstrument) Totals() map[string]int64 {
	self.lock.Lock()
	defer self.lock.Unlock()

	out := make(map[string]int64)
	for _, ii := range self.instances {
		for name, c := range ii.counters {
			out[ii.id+"/"+name] = atomic.LoadInt64(&c.total)
		}
	}
	return out
}

func (self *MetricsInstrument) WriteAllSamples() error {
	self.lock.Lock()
	defer self.lock.Unlock()

	for _, ii := range self.instances {
		if err := ii.writeSamples(); err != nil {
			return err
		}
	}
	return nil
}

const (
	allocations      = "allocations"
	discards         = "discards"
	selects          = "selects"
	resumes          = "resumes"
	rxBytes          = "rx_bytes"
	txBytes          = "tx_bytes"
	socketErrors     = "socket_errors"
	connectAttempts  = "connect_attempts"
	connectFailures  = "connect_failures"
	connectionsOpen  = "connections_opened"
	connectionsClose = "connections_closed"
)

var counterNames = []string{
	allocations, discards, selects, resumes, rxBytes, txBytes, socketErrors,
	connectAttempts, connectFailures, connectionsOpen, connectionsClose,
}

type counter struct {
	accum   int64
	total   int64
	samples []*util.Sample
}

func (self *counter) add(v int64) {
	atomic.AddInt64(&self.accum, v)
	atomic.AddInt64(&self.total, v)
}

type metricsInstrumentInstance struct {
	id       string
	config   *MetricsInstrumentConfig
	lock     sync.Mutex
	close    chan struct{}
	closed   int32
	counters map[string]*counter
}

func (self *metricsInstrumentInstance) Allocate(string) { self.counters[allocations].add(1) }

func (self *metricsInstrumentInstance) Discard(string) { self.counters[discards].add(1) }

func (self *metricsInstrumentInstance) Selected(int, string) { self.counters[selects].add(1) }

func (self *metricsInstrumentInstance) Resumed(int, string, error) { self.counters[resumes].add(1) }

func (self *metricsInstrumentInstance) RxBytes(n int) { self.counters[rxBytes].add(int64(n)) }

func (self *metricsInstrumentInstance) TxBytes(n int) { self.counters[txBytes].add(int64(n)) }

func (self *metricsInstrumentInstance) SocketError(error) { self.counters[socketErrors].add(1) }

func (self *metricsInstrumentInstance) ConnectAttempt(string, int) {
	self.counters[connectAttempts].add(1)
}

func (self *metricsInstrumentInstance) ConnectFailed(string, error) {
	self.counters[connectFailures].add(1)
}

func (self *metricsInstrumentInstance) ConnectionOpened(string, int32) {
	self.counters[connectionsOpen].add(1)
}

func (self *metricsInstrumentInstance) ConnectionClosed(string, int32) {
	self.counters[connectionsClose].add(1)
}

func (self *metricsInstrumentInstance) Shutdown() {
	if atomic.CompareAndSwapInt32(&self.closed, 0, 1) {
		close(self.close)
	}
}

func (self *metricsInstrumentInstance) snapshotter(ms int) {
	logrus.Infof("started [%s]", self.id)
	defer logrus.Infof("exited [%s]", self.id)

	ticker := time.NewTicker(time.Duration(ms) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if self.config.Enabled {
				self.snapshot()
			}

		case <-self.close:
			self.snapshot()
			if self.config.Path != "" {
				if err := self.writeSamples(); err != nil {
					logrus.Errorf("error writing samples (%v)", err)
				}
			}
			if self.config.InfluxUrl != "" {
				self.exportInflux()
			}
			return
		}
	}
}

func (self *metricsInstrumentInstance) snapshot() {
	self.lock.Lock()
	defer self.lock.Unlock()

	now := time.Now()
	for _, c := range self.counters {
		c.samples = append(c.samples, &util.Sample{Ts: now, V: atomic.SwapInt64(&c.accum, 0)})
	}
}

func (self *metricsInstrumentInstance) writeSamples() error {
	self.lock.Lock()
	defer self.lock.Unlock()

	if err := os.MkdirAll(self.config.Path, os.ModePerm); err != nil {
		return err
	}
	outPath, err := ioutil.TempDir(self.config.Path, strings.ReplaceAll(fmt.Sprintf("%s_", self.id), ":", "-"))
	if err != nil {
		return err
	}
	logrus.Infof("writing metrics to: %s", outPath)

	for _, name := range self.sortedNames() {
		if err := util.WriteSamples(name, outPath, self.counters[name].samples); err != nil {
			return err
		}
	}
	return nil
}

func (self *metricsInstrumentInstance) exportInflux() {
	self.lock.Lock()
	defer self.lock.Unlock()

	client := influxdb2.NewClient(self.config.InfluxUrl, self.config.InfluxToken)
	defer client.Close()
	writeApi := client.WriteAPI(self.config.InfluxOrg, self.config.InfluxDb)

	count := 0
	for _, name := range self.sortedNames() {
		for _, sample := range self.counters[name].samples {
			p := influxdb2.NewPoint(name, map[string]string{"instance": self.id}, map[string]interface{}{"v": sample.V}, sample.Ts)
			writeApi.WritePoint(p)
			count++
		}
	}
	writeApi.Flush()
	logrus.Infof("wrote [%d] points for [%s] to [%s]", count, self.id, self.config.InfluxUrl)
}

func (self *metricsInstrumentInstance) sortedNames() []string {
	names := make([]string, 0, len(self.counters))
	for name := range self.counters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
