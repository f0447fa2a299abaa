package kinetic

type nilInstrument struct{}

func NewNilInstrument() Instrument {
	return &nilInstrument{}
}

func (self *nilInstrument) NewInstance(_ string) InstrumentInstance {
	return &NilInstrumentInstance{}
}

type NilInstrumentInstance struct{}

func (n NilInstrumentInstance) Allocate(string) {}

func (n NilInstrumentInstance) Discard(string) {}

func (n NilInstrumentInstance) Selected(int, string) {}

func (n NilInstrumentInstance) Resumed(int, string, error) {}

func (n NilInstrumentInstance) RxBytes(int) {}

func (n NilInstrumentInstance) TxBytes(int) {}

func (n NilInstrumentInstance) SocketError(error) {}

func (n NilInstrumentInstance) ConnectAttempt(string, int) {}

func (n NilInstrumentInstance) ConnectFailed(string, error) {}

func (n NilInstrumentInstance) ConnectionOpened(string, int32) {}

func (n NilInstrumentInstance) ConnectionClosed(string, int32) {}

func (n NilInstrumentInstance) Shutdown() {}
