package zsock

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bytedance/gopkg/util/gopool"
	"github.com/zhihanii/zlog"
	"golang.org/x/sys/unix"
)

type Poller interface {
	// Poll runs the readiness loop until Close is called.
	Poll() error

	Close() error

	Control(operator *FDOperator, event PollEvent) error

	// Size returns the number of registered operators.
	Size() int
}

type PollEvent int8

const (
	PollReadable PollEvent = 0x1
	PollWritable PollEvent = 0x2
	PollDetach   PollEvent = 0x3
)

const (
	minEvents = 128
	maxEvents = 128 * 1024
)

type defaultPoller struct {
	fd  int // epoll
	wfd int // eventfd used to wake Poll on Close

	events []unix.EpollEvent
	hups   []func(Poller)

	mu        sync.Mutex
	operators map[int]*FDOperator
	shut      bool

	closed atomic.Bool
}

func openPoller() (*defaultPoller, error) {
	var p = &defaultPoller{operators: make(map[int]*FDOperator)}
	var err error
	p.fd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	p.wfd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(p.fd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	// the wakeup fd stays level-triggered, it is never one-shot
	err = unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, p.wfd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(p.wfd)})
	if err != nil {
		unix.Close(p.wfd)
		unix.Close(p.fd)
		return nil, fmt.Errorf("epoll_ctl(eventfd): %w", err)
	}
	return p, nil
}

func (p *defaultPoller) Poll() error {
	p.events = make([]unix.EpollEvent, minEvents)
	for {
		n, err := epollWait(p.fd, p.events, -1)
		if err != nil {
			zlog.Errorf("epoll_wait(fd=%d) failed: %s", p.fd, err.Error())
			p.shutdown()
			return err
		}
		if p.handle(p.events[:n]) {
			return nil
		}
		if n == len(p.events) && n < maxEvents {
			p.events = make([]unix.EpollEvent, n<<1)
		}
	}
}

func (p *defaultPoller) handle(events []unix.EpollEvent) (closed bool) {
	for i := range events {
		var fd = int(events[i].Fd)
		if fd == p.wfd {
			eventfdRead(p.wfd)
			if p.closed.Load() {
				p.detaches()
				p.shutdown()
				return true
			}
			continue
		}

		p.mu.Lock()
		var operator = p.operators[fd]
		p.mu.Unlock()
		if operator == nil {
			continue
		}

		var evt = events[i].Events
		operator.mu.Lock()
		if evt&unix.EPOLLERR != 0 {
			var first = p.detachLocked(operator)
			operator.mu.Unlock()
			if first {
				p.hups = append(p.hups, operator.OnHup)
			}
			continue
		}

		var ready ioEvent
		if evt&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP) != 0 {
			ready |= ioReadable
		}
		if evt&(unix.EPOLLOUT|unix.EPOLLHUP) != 0 {
			ready |= ioWritable
		}
		var fired, remain, ok = operator.fire(ready)
		if ok && remain != 0 {
			// the one-shot event disarmed the fd, keep what is still wanted
			if err := epollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, remain); err != nil {
				zlog.Errorf("epoll rearm(fd=%d) failed: %s", fd, err.Error())
				if p.detachLocked(operator) {
					p.hups = append(p.hups, operator.OnHup)
				}
				fired = 0
			}
		}
		operator.mu.Unlock()

		if fired&ioReadable != 0 && operator.OnRead != nil {
			operator.OnRead(p)
		}
		if fired&ioWritable != 0 && operator.OnWrite != nil {
			operator.OnWrite(p)
		}
	}
	p.detaches()
	return false
}

// Close wakes the loop; remaining operators receive OnHup.
func (p *defaultPoller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return eventfdWrite(p.wfd, 1)
}

func (p *defaultPoller) Control(operator *FDOperator, event PollEvent) error {
	var bit ioEvent
	switch event {
	case PollReadable:
		bit = ioReadable
	case PollWritable:
		bit = ioWritable
	case PollDetach:
		operator.mu.Lock()
		p.detachLocked(operator)
		operator.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("unsupported poll event: %d", event)
	}

	operator.mu.Lock()
	defer operator.mu.Unlock()
	if operator.detached || p.closed.Load() {
		return ErrChannelClosed
	}
	if operator.interest&bit != 0 {
		return nil
	}
	var want = operator.interest | bit
	if !operator.added {
		// shutdown closes p.fd only after taking p.mu and detaching
		// everything in the table, so the add must finish under it
		p.mu.Lock()
		if p.shut {
			p.mu.Unlock()
			return ErrSelectorClosed
		}
		if err := epollCtl(p.fd, unix.EPOLL_CTL_ADD, operator.FD, want); err != nil {
			p.mu.Unlock()
			return fmt.Errorf("epoll_ctl add(fd=%d): %w", operator.FD, err)
		}
		p.operators[operator.FD] = operator
		p.mu.Unlock()
		operator.added = true
	} else if err := epollCtl(p.fd, unix.EPOLL_CTL_MOD, operator.FD, want); err != nil {
		return fmt.Errorf("epoll_ctl mod(fd=%d): %w", operator.FD, err)
	}
	operator.interest = want
	return nil
}

func (p *defaultPoller) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.operators)
}

// detachLocked removes the operator from epoll and the registration table.
// It reports whether this call was the one that detached it.
func (p *defaultPoller) detachLocked(operator *FDOperator) bool {
	if operator.detached {
		return false
	}
	operator.detached = true
	operator.interest = 0
	if operator.added {
		operator.added = false
		// the fd may already be closed, nothing left to undo then
		epollCtl(p.fd, unix.EPOLL_CTL_DEL, operator.FD, 0)
		p.remove(operator)
	}
	return true
}

func (p *defaultPoller) remove(operator *FDOperator) {
	p.mu.Lock()
	if p.operators[operator.FD] == operator {
		delete(p.operators, operator.FD)
	}
	p.mu.Unlock()
}

// shutdown detaches every remaining operator, reports them closed and
// releases the epoll and eventfd descriptors.
func (p *defaultPoller) shutdown() {
	p.mu.Lock()
	p.shut = true
	var ops = make([]*FDOperator, 0, len(p.operators))
	for _, op := range p.operators {
		ops = append(ops, op)
	}
	p.mu.Unlock()

	for _, op := range ops {
		op.mu.Lock()
		if p.detachLocked(op) {
			p.hups = append(p.hups, op.OnHup)
		}
		op.mu.Unlock()
	}
	p.detaches()
	unix.Close(p.wfd)
	unix.Close(p.fd)
	zlog.Infof("poller(fd=%d) closed, %d operators released", p.fd, len(ops))
}

func (p *defaultPoller) detaches() {
	if len(p.hups) == 0 {
		return
	}
	hups := p.hups
	p.hups = nil
	gopool.Go(func() {
		for i := range hups {
			if hups[i] != nil {
				hups[i](p)
			}
		}
	})
}
