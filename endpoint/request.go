package endpoint

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"
)

// Exchange produces a request and consumes its response over a connection. Framing belongs to the exchange;
// ReadResponse must not read past the end of its own response when the connection is pipelined.
//
type Exchange interface {
	WriteRequest(ctx context.Context, w io.Writer) error
	ReadResponse(ctx context.Context, r io.Reader) error
}

// Timeouts overrides the endpoint's configured timeouts for one request. Zero fields fall back to the endpoint
// configuration; kinetic.InfiniteTimeoutMs disables the timeout.
//
type Timeouts struct {
	ConnectTimeoutMs int
	SocketTimeoutMs  int
	RequestTimeoutMs int
}

type Request struct {
	Host      string
	Port      int
	Secure    bool
	OverProxy bool
	Dedicated bool
	Timeouts  *Timeouts
	Exchange  Exchange
}

func (self *Request) Route() Route {
	return Route{Host: self.Host, Port: self.Port, Secure: self.Secure, OverProxy: self.OverProxy}
}

type Response struct {
	ConnectionId int32
	ConnectedAt  time.Time
	RequestTime  time.Time
	ResponseTime time.Time
	Pipelined    bool
}

// Route identifies an endpoint: one per (host, port, secure, proxy).
//
type Route struct {
	Host      string
	Port      int
	Secure    bool
	OverProxy bool
}

func (self Route) Address() string {
	return net.JoinHostPort(self.Host, fmt.Sprintf("%d", self.Port))
}

func (self Route) String() string {
	scheme := "tcp"
	if self.Secure {
		scheme = "tls"
	}
	if self.OverProxy {
		scheme += "+proxy"
	}
	return fmt.Sprintf("%s://%s", scheme, self.Address())
}
