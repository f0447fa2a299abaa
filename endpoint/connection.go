package endpoint

import (
	"sync"
	"time"
)

// Connection is a connection counted against its endpoint. Closing it returns its factory permit and frees its
// slot under the per-route ceiling, exactly once.
//
type Connection struct {
	Conn
	id          int32
	connectedAt time.Time
	endpoint    *Endpoint
	closeOnce   sync.Once
	closeErr    error
}

func (self *Connection) Id() int32 {
	return self.id
}

func (self *Connection) ConnectedAt() time.Time {
	return self.connectedAt
}

func (self *Connection) Close() error {
	self.closeOnce.Do(func() {
		self.closeErr = self.Conn.Close()
		self.endpoint.releaseConnection(self)
	})
	return self.closeErr
}
