package echo

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	kcmd "github.com/openziti/kinetic/cmd/kinetic/kinetic"
	"github.com/openziti/kinetic/endpoint"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func init() {
	echoCmd.AddCommand(echoClientCmd)
}

var echoClientCmd = &cobra.Command{
	Use:   "client <serverAddress>",
	Short: "Start echo client",
	Args:  cobra.ExactArgs(1),
	Run:   echoClient,
}

func echoClient(_ *cobra.Command, args []string) {
	cfg, err := kcmd.LoadConfig()
	if err != nil {
		logrus.Fatalf("error loading config (%v)", err)
	}
	host, port, err := kcmd.SplitAddress(args[0])
	if err != nil {
		logrus.Fatalf("error parsing server address (%v)", err)
	}

	factory, err := endpoint.NewSocketFactoryFromConfig(cfg.Endpoint, cfg.Instrument)
	if err != nil {
		logrus.Fatalf("error creating connection factory (%v)", err)
	}
	defer func() { _ = factory.Close() }()
	registry := endpoint.NewRegistry(cfg.Endpoint, factory, nil, cfg.Instrument)
	defer func() { _ = registry.Close() }()

	ep, err := registry.Endpoint(endpoint.Route{Host: host, Port: port})
	if err != nil {
		logrus.Fatalf("error creating endpoint (%v)", err)
	}
	conn, err := ep.Open(context.Background(), &endpoint.Request{Host: host, Port: port, Dedicated: true})
	if err != nil {
		logrus.Fatalf("error connecting to [%s] (%v)", args[0], err)
	}
	defer func() { _ = conn.Close() }()
	go echoClientReader(conn)
	logrus.Infof("connected to [%s] as connection [#%d]", conn.RemoteAddr(), conn.Id())

	input := bufio.NewReader(os.Stdin)
	for {
		line, err := input.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				logrus.Errorf("error reading console (%v)", err)
			}
			break
		}
		n, err := conn.Write([]byte(line))
		if err != nil {
			logrus.Errorf("error writing network (%v)", err)
			break
		}
		if n != len([]byte(line)) {
			logrus.Errorf("short network write")
			break
		}
	}
}

func echoClientReader(conn io.Reader) {
	input := bufio.NewReader(conn)
	for {
		line, err := input.ReadString('\n')
		if err != nil {
			logrus.Debugf("error reading network (%v)", err)
			break
		}
		fmt.Print(line)
	}
}
