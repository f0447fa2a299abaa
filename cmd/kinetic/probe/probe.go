package probe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openziti/kinetic"
	kcmd "github.com/openziti/kinetic/cmd/kinetic/kinetic"
	"github.com/openziti/kinetic/endpoint"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func init() {
	probeCmd.Flags().IntVarP(&count, "count", "n", 100, "Number of exchanges")
	probeCmd.Flags().IntVarP(&concurrency, "concurrency", "c", 4, "Concurrent callers")
	probeCmd.Flags().BoolVar(&pipelining, "pipelining", false, "Share pipelined connections")
	probeCmd.Flags().StringVarP(&message, "message", "m", "kinetic", "Message to echo")
	kcmd.RootCmd.AddCommand(probeCmd)
}

var probeCmd = &cobra.Command{
	Use:   "probe <serverAddress>",
	Short: "Run line exchanges against an echo server through an endpoint",
	Args:  cobra.ExactArgs(1),
	Run:   probe,
}
var count int
var concurrency int
var pipelining bool
var message string

func probe(_ *cobra.Command, args []string) {
	cfg, err := kcmd.LoadConfig()
	if err != nil {
		logrus.Fatalf("error loading config (%v)", err)
	}
	host, port, err := kcmd.SplitAddress(args[0])
	if err != nil {
		logrus.Fatalf("error parsing server address (%v)", err)
	}
	if pipelining {
		cfg.Endpoint.Pipelining = true
	}

	factory, err := endpoint.NewSocketFactoryFromConfig(cfg.Endpoint, cfg.Instrument)
	if err != nil {
		logrus.Fatalf("error creating connection factory (%v)", err)
	}
	registry := endpoint.NewRegistry(cfg.Endpoint, factory, nil, cfg.Instrument)

	var next, failures, pipelined int64
	var lock sync.Mutex
	var min, max, total time.Duration
	connections := make(map[int32]struct{})

	start := time.Now()
	var wg sync.WaitGroup
	for c := 0; c < concurrency; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := atomic.AddInt64(&next, 1)
				if i > int64(count) {
					return
				}
				ex := &lineExchange{msg: fmt.Sprintf("%s-%d", message, i)}
				rsp, err := registry.Execute(context.Background(), &endpoint.Request{Host: host, Port: port, Exchange: ex})
				if err != nil {
					atomic.AddInt64(&failures, 1)
					logrus.Errorf("exchange [%d] failed (%v)", i, err)
					continue
				}
				if ex.got != ex.msg {
					atomic.AddInt64(&failures, 1)
					logrus.Errorf("exchange [%d] mismatch [%s] != [%s]", i, ex.got, ex.msg)
					continue
				}
				if rsp.Pipelined {
					atomic.AddInt64(&pipelined, 1)
				}
				latency := rsp.ResponseTime.Sub(rsp.RequestTime)
				lock.Lock()
				if min == 0 || latency < min {
					min = latency
				}
				if latency > max {
					max = latency
				}
				total += latency
				connections[rsp.ConnectionId] = struct{}{}
				lock.Unlock()
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	_ = registry.Close()
	_ = factory.Close()

	completed := int64(count) - failures
	logrus.Infof("[%d] exchanges in [%s], [%d] failed, [%d] pipelined, over [%d] connections", count, elapsed, failures, pipelined, len(connections))
	if completed > 0 {
		logrus.Infof("latency min [%s] avg [%s] max [%s]", min, total/time.Duration(completed), max)
	}
	if mi, ok := cfg.Instrument.(*kinetic.MetricsInstrument); ok {
		for k, v := range mi.Totals() {
			logrus.Infof("%s = %d", k, v)
		}
	}
}

type lineExchange struct {
	msg string
	got string
}

func (self *lineExchange) WriteRequest(_ context.Context, w io.Writer) error {
	_, err := io.WriteString(w, self.msg+"\n")
	return err
}

// ReadResponse reads one byte at a time so it never consumes a following pipelined response.
//
func (self *lineExchange) ReadResponse(_ context.Context, r io.Reader) error {
	var line bytes.Buffer
	b := make([]byte, 1)
	for {
		n, err := r.Read(b)
		if n == 1 {
			if b[0] == '\n' {
				self.got = line.String()
				return nil
			}
			line.WriteByte(b[0])
		}
		if err != nil {
			return err
		}
	}
}
