package zsock

import (
	"context"
	"net"
	"sync"
)

// EventLoop accepts connections on a listener through the selector of an
// IoContext and runs each of them as a Connector.
type EventLoop interface {
	// Serve blocks until Shutdown is called or accepting fails.
	Serve(listener net.Listener) error
	// Shutdown stops accepting and waits for connectors to go idle.
	Shutdown(ctx context.Context) error
	// Range calls f for every live connector until f returns false.
	Range(f func(c *Connector) bool)
}

func NewEventLoop(ioctx *IoContext, eh EventHandler, opts ...Option) EventLoop {
	if eh == nil {
		eh = HandlerFuncs{}
	}
	return &eventLoop{
		ioctx: ioctx,
		opts:  opts,
		stop:  make(chan error, 1),
		eh:    eh,
	}
}

type eventLoop struct {
	sync.Mutex
	ioctx *IoContext
	opts  []Option
	s     *server
	stop  chan error
	eh    EventHandler
}

func (evl *eventLoop) Serve(netListener net.Listener) error {
	l, err := ConvertListener(netListener)
	if err != nil {
		return err
	}
	evl.Lock()
	evl.s = newServer(evl.ioctx, l, evl.eh, evl.opts, evl.quit)
	var s = evl.s
	evl.Unlock()
	if err = s.Run(); err != nil {
		l.Close()
		return err
	}

	err = evl.waitQuit()
	return err
}

// Shutdown signals a shutdown a begins server closing.
func (evl *eventLoop) Shutdown(ctx context.Context) error {
	evl.Lock()
	var s = evl.s
	evl.Unlock()

	evl.quit(nil)
	if s == nil {
		return nil
	}
	return s.Close(ctx)
}

func (evl *eventLoop) Range(f func(c *Connector) bool) {
	evl.Lock()
	var s = evl.s
	evl.Unlock()
	if s != nil {
		s.Range(f)
	}
}

// waitQuit waits for a quit signal
func (evl *eventLoop) waitQuit() error {
	return <-evl.stop
}

func (evl *eventLoop) quit(err error) {
	select {
	case evl.stop <- err:
	default:
	}
}
