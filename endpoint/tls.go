package endpoint

import (
	"context"
	"crypto/tls"
)

// Upgrader turns a raw connection into a secure one. On error the caller still owns conn.
//
type Upgrader interface {
	Upgrade(ctx context.Context, conn Conn, serverName string) (Conn, error)
}

// TLSUpgrader performs a client handshake with crypto/tls.
//
type TLSUpgrader struct {
	Config *tls.Config
}

func (self *TLSUpgrader) Upgrade(ctx context.Context, conn Conn, serverName string) (Conn, error) {
	cfg := &tls.Config{}
	if self.Config != nil {
		cfg = self.Config.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}
	tc := tls.Client(conn, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tc, nil
}
