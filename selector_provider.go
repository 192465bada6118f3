package zsock

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/zhihanii/zlog"
	"golang.org/x/sync/errgroup"
)

// IoSelector multiplexes readiness notification for many channels.
// Registrations are one-shot and safe for concurrent use.
type IoSelector interface {
	RegisterRead(operator *FDOperator) error
	RegisterWrite(operator *FDOperator) error
	Unregister(operator *FDOperator) error
	Close() error
}

const maxDefaultLoops = 8

func defaultNumLoops() int {
	n := runtime.GOMAXPROCS(0)
	if n > maxDefaultLoops {
		n = maxDefaultLoops
	}
	return n
}

// SelectorProvider owns a fixed set of pollers, each running its readiness
// loop on a dedicated goroutine.
type SelectorProvider struct {
	pollers  []Poller
	balancer loadBalancer
	group    errgroup.Group
	closed   atomic.Bool
}

var _ IoSelector = (*SelectorProvider)(nil)

func NewSelectorProvider(opts ...SelectorOption) (*SelectorProvider, error) {
	o := &selectorOptions{numLoops: defaultNumLoops(), loadBalance: RoundRobin}
	for _, opt := range opts {
		opt(o)
	}
	if o.numLoops < 1 {
		return nil, fmt.Errorf("set invalid numLoops[%d]", o.numLoops)
	}

	s := &SelectorProvider{}
	for i := 0; i < o.numLoops; i++ {
		p, err := openPoller()
		if err != nil {
			s.Close()
			return nil, err
		}
		s.pollers = append(s.pollers, p)
		s.group.Go(p.Poll)
	}
	var err error
	s.balancer, err = newLoadBalancer(o.loadBalance, s.pollers)
	if err != nil {
		s.Close()
		return nil, err
	}
	zlog.Infof("selector started with %d pollers (%s)", o.numLoops, o.loadBalance)
	return s, nil
}

func (s *SelectorProvider) RegisterRead(operator *FDOperator) error {
	return s.control(operator, PollReadable)
}

func (s *SelectorProvider) RegisterWrite(operator *FDOperator) error {
	return s.control(operator, PollWritable)
}

// Unregister removes all interest of the operator. Calling it again is a no-op.
func (s *SelectorProvider) Unregister(operator *FDOperator) error {
	operator.mu.Lock()
	var p = operator.poller
	if p == nil {
		operator.detached = true
	}
	operator.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Control(operator, PollDetach)
}

func (s *SelectorProvider) control(operator *FDOperator, event PollEvent) error {
	if s.closed.Load() {
		return ErrSelectorClosed
	}
	p := operator.bind(s.balancer.Pick)
	if p == nil {
		return ErrChannelClosed
	}
	return p.Control(operator, event)
}

// NumRegistered returns the number of operators registered across pollers.
func (s *SelectorProvider) NumRegistered() (n int) {
	for _, p := range s.pollers {
		n += p.Size()
	}
	return n
}

// Close stops every poller and waits for their loops to exit.
func (s *SelectorProvider) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, p := range s.pollers {
		if err := p.Close(); err != nil {
			zlog.Errorf("poller close failed: %v", err)
		}
	}
	err := s.group.Wait()
	zlog.Infof("selector closed")
	return err
}
