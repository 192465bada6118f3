package zsock

import (
	"fmt"
	"sync/atomic"

	"github.com/bytedance/gopkg/lang/fastrand"
)

type LoadBalance int8

const (
	RoundRobin LoadBalance = iota
	Random
)

func (lb LoadBalance) String() string {
	switch lb {
	case RoundRobin:
		return "round-robin"
	case Random:
		return "random"
	}
	return fmt.Sprintf("LoadBalance(%d)", int8(lb))
}

// loadBalancer picks the poller a new operator is bound to.
type loadBalancer interface {
	LoadBalance() LoadBalance
	Pick() Poller
}

func newLoadBalancer(lb LoadBalance, pollers []Poller) (loadBalancer, error) {
	if len(pollers) == 0 {
		return nil, fmt.Errorf("load balancer needs at least one poller")
	}
	switch lb {
	case RoundRobin:
		return &roundRobinLoadBalancer{pollers: pollers}, nil
	case Random:
		return &randomLoadBalancer{pollers: pollers}, nil
	default:
		return nil, fmt.Errorf("not supported loadbalance: %d", lb)
	}
}

type roundRobinLoadBalancer struct {
	pollers []Poller
	cur     atomic.Uint32
}

func (b *roundRobinLoadBalancer) LoadBalance() LoadBalance {
	return RoundRobin
}

func (b *roundRobinLoadBalancer) Pick() Poller {
	idx := int(b.cur.Add(1)-1) % len(b.pollers)
	return b.pollers[idx]
}

type randomLoadBalancer struct {
	pollers []Poller
}

func (b *randomLoadBalancer) LoadBalance() LoadBalance {
	return Random
}

func (b *randomLoadBalancer) Pick() Poller {
	return b.pollers[fastrand.Intn(len(b.pollers))]
}
