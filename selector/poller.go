package selector

// readiness is what the poller reports for one descriptor in one wait.
//
type readiness struct {
	fd       int
	readable bool
	writable bool
	failed   bool
}

// poller is the OS readiness primitive owned by a Selector's loop goroutine. Only wake may be called from other
// goroutines.
//
type poller interface {
	// control moves fd from the old readiness mask to the new one; 0 means not registered.
	control(fd int, old, new uint32) error
	wait(timeoutMs int, ready []readiness) ([]readiness, error)
	wake() error
	close() error
}
