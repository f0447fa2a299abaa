package endpoint

import "fmt"

// ConnectError reports a failed connect. It matches its Kind (kinetic.ErrConnectTimeout, kinetic.ErrConnectFailure
// or kinetic.ErrTLSUpgrade) with errors.Is and unwraps to the underlying cause, if any.
//
type ConnectError struct {
	Address      string
	Attempts     int
	TimeoutFails int
	Kind         error
	Cause        error
}

func (self *ConnectError) Error() string {
	if self.Cause != nil {
		return fmt.Sprintf("%v: [%s] after [%d] attempts (%v)", self.Kind, self.Address, self.Attempts, self.Cause)
	}
	return fmt.Sprintf("%v: [%s] after [%d] attempts, [%d] timed out", self.Kind, self.Address, self.Attempts, self.TimeoutFails)
}

func (self *ConnectError) Unwrap() error {
	return self.Cause
}

func (self *ConnectError) Is(target error) bool {
	return target == self.Kind
}
