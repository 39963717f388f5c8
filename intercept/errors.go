package intercept

import "fmt"

// ErrPortsExhausted is returned when neither the preferred listen port
// nor any backup port can be bound. Fatal at process start.
type ErrPortsExhausted struct {
	Host  string
	Ports []int
	Last  error
}

func (e *ErrPortsExhausted) Error() string {
	return fmt.Sprintf("intercept: all listen ports exhausted on %s (tried %v): %v", e.Host, e.Ports, e.Last)
}

func (e *ErrPortsExhausted) Unwrap() error { return e.Last }
