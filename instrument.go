package kinetic

import "github.com/pkg/errors"

type Instrument interface {
	NewInstance(id string) InstrumentInstance
}

type InstrumentInstance interface {
	// pool
	Allocate(poolId string)
	Discard(poolId string)

	// selector
	Selected(fd int, interest string)
	Resumed(fd int, interest string, err error)

	// socket
	RxBytes(n int)
	TxBytes(n int)
	SocketError(err error)

	// endpoint
	ConnectAttempt(address string, attempt int)
	ConnectFailed(address string, err error)
	ConnectionOpened(address string, id int32)
	ConnectionClosed(address string, id int32)

	// instrument lifecycle
	Shutdown()
}

func NewInstrument(name string, config map[string]interface{}) (i Instrument, err error) {
	switch name {
	case "metrics":
		return NewMetricsInstrument(config)
	case "nil":
		return NewNilInstrument(), nil
	case "trace":
		return NewTraceInstrument(config)
	default:
		return nil, errors.Errorf("unknown instrument '%s'", name)
	}
}
