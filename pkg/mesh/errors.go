package mesh

import (
	"errors"
	"fmt"
)

// Routing failures are expected, frequent outcomes of normal operation and
// are returned as values, never panics. Callers match with errors.Is/As.
var (
	ErrNoRouteFound       = errors.New("no route found")
	ErrNoHealthyEndpoints = errors.New("no healthy endpoints")
	ErrCircuitOpen        = errors.New("circuit open")
)

// FaultAbortError reports a traffic-policy abort fault that fired for this
// request, carrying the simulated status code.
type FaultAbortError struct {
	Service string
	Status  int
}

func (e *FaultAbortError) Error() string {
	return fmt.Sprintf("fault injection abort for service %s: simulated status %d", e.Service, e.Status)
}
