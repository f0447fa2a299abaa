package selector

import "fmt"

type Interest int

const (
	Read Interest = iota
	Write
	Accept
	Connect
	interestCount
)

func (self Interest) String() string {
	switch self {
	case Read:
		return "READ"
	case Write:
		return "WRITE"
	case Accept:
		return "ACCEPT"
	case Connect:
		return "CONNECT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(self))
	}
}

// readiness masks handed to the poller; accept readiness is read readiness and connect completion is write
// readiness
const (
	maskRead  = uint32(1)
	maskWrite = uint32(2)
)

func (self Interest) mask() uint32 {
	switch self {
	case Read, Accept:
		return maskRead
	default:
		return maskWrite
	}
}

func (self Interest) valid() bool {
	return self >= Read && self < interestCount
}
