package zsock

import (
	"sync"
)

// FDOperator is the registration handle of one file descriptor. Interest is
// one-shot: a readiness callback fires at most once per arm and the armed bit
// is cleared before the callback runs, so it must be re-armed to fire again.
type FDOperator struct {
	FD int

	// OnRead and OnWrite run on the poller goroutine and must not block.
	OnRead  func(p Poller)
	OnWrite func(p Poller)
	// OnHup is called once when the fd fails, hangs up, or its poller closes.
	OnHup func(p Poller)

	poller Poller

	mu       sync.Mutex
	interest ioEvent
	added    bool // present in the epoll set
	detached bool
}

// bind attaches the operator to a poller on first registration.
func (o *FDOperator) bind(pick func() Poller) Poller {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.poller == nil && !o.detached {
		o.poller = pick()
	}
	return o.poller
}

func (o *FDOperator) isDetached() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.detached
}

// fire clears the bits in ready from the armed interest and returns which of
// them were actually armed.
func (o *FDOperator) fire(ready ioEvent) (fired, remain ioEvent, ok bool) {
	if o.detached {
		return 0, 0, false
	}
	fired = o.interest & ready
	o.interest &^= fired
	return fired, o.interest, true
}
