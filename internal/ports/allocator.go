// Package ports hands out local TCP ports to flavor processes.
package ports

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrExhausted is returned when every port in the range is taken.
var ErrExhausted = errors.New("no free port in range")

// Allocator assigns ports from a fixed range. A port stays assigned until
// Release, so two in-flight processes never share one.
type Allocator struct {
	mu        sync.Mutex
	min       int
	max       int
	allocated map[int]struct{}
	next      int
	// probe reports whether the OS will let us bind port. Replaced in tests.
	probe func(port int) bool
}

// NewAllocator creates an allocator over [min, max].
func NewAllocator(min, max int) (*Allocator, error) {
	if min <= 0 || max > 65535 || min > max {
		return nil, fmt.Errorf("invalid port range: min %d, max %d", min, max)
	}
	return &Allocator{
		min:       min,
		max:       max,
		allocated: make(map[int]struct{}),
		next:      min,
		probe:     listenable,
	}, nil
}

// Allocate reserves the next free port, scanning round-robin from the last
// one handed out.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.max - a.min + 1
	for i := 0; i < size; i++ {
		port := a.next
		a.next++
		if a.next > a.max {
			a.next = a.min
		}

		if _, taken := a.allocated[port]; taken {
			continue
		}
		if !a.probe(port) {
			continue
		}
		a.allocated[port] = struct{}{}
		return port, nil
	}
	return 0, fmt.Errorf("%w [%d-%d]", ErrExhausted, a.min, a.max)
}

// Release returns port to the pool. Releasing an unknown port is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.allocated, port)
}

// InUse reports how many ports are currently assigned.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.allocated)
}

func listenable(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
