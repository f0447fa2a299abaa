package echo

import (
	"bufio"
	"context"

	"github.com/openziti/kinetic"
	kcmd "github.com/openziti/kinetic/cmd/kinetic/kinetic"
	"github.com/openziti/kinetic/selector"
	"github.com/openziti/kinetic/socket"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func init() {
	echoCmd.AddCommand(echoServerCmd)
}

var echoServerCmd = &cobra.Command{
	Use:   "server <listenAddress>",
	Short: "Start echo server",
	Args:  cobra.ExactArgs(1),
	Run:   echoServer,
}

func echoServer(_ *cobra.Command, args []string) {
	cfg, err := kcmd.LoadConfig()
	if err != nil {
		logrus.Fatalf("error loading config (%v)", err)
	}
	host, port, err := kcmd.SplitAddress(args[0])
	if err != nil {
		logrus.Fatalf("error parsing listen address (%v)", err)
	}

	sel, err := selector.New(cfg.Endpoint.Selector, cfg.Instrument.NewInstance("selector"))
	if err != nil {
		logrus.Fatalf("error creating selector (%v)", err)
	}
	defer func() { _ = sel.Close() }()

	listener, err := socket.Listen(sel, host, port, cfg.Endpoint.Socket, cfg.Instrument)
	if err != nil {
		logrus.Fatalf("error listening (%v)", err)
	}
	defer func() { _ = listener.Close() }()
	logrus.Infof("listening at [%s]", listener.Addr())

	pool := kinetic.NewPoolFromConfig("echo", cfg.Endpoint.Pool, cfg.Instrument.NewInstance("pool"))
	for {
		s, err := listener.Accept(context.Background())
		if err != nil {
			logrus.Errorf("error accepting (%v)", err)
			return
		}
		stream, err := socket.NewStream(s, pool)
		if err != nil {
			logrus.Errorf("error attaching stream (%v)", err)
			_ = s.Close()
			continue
		}
		go echoServerHandler(stream)
	}
}

func echoServerHandler(stream *socket.Stream) {
	defer func() { _ = stream.Close() }()
	logrus.Infof("accepted [%s]", stream.RemoteAddr())

	reader := bufio.NewReader(stream)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			logrus.Infof("[%s] finished (%v)", stream.RemoteAddr(), err)
			return
		}
		n, err := stream.Write(line)
		if err != nil {
			logrus.Errorf("error writing (%v)", err)
			return
		}
		if n != len(line) {
			logrus.Errorf("short write")
			return
		}
	}
}
