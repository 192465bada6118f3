package zsock

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/zhihanii/zlog"
	"golang.org/x/sys/unix"
)

func newServer(ioctx *IoContext, listener Listener, eh EventHandler, opts []Option, onQuit func(error)) *server {
	return &server{
		ioctx:    ioctx,
		opts:     opts,
		o:        newOptions(opts...),
		eh:       eh,
		listener: listener,
		onQuit:   onQuit,
	}
}

type server struct {
	ioctx       *IoContext
	opts        []Option
	o           *options
	eh          EventHandler
	selector    IoSelector
	operator    *FDOperator
	listener    Listener
	connections sync.Map // connector ID -> *Connector
	onQuit      func(err error)

	mu     sync.Mutex
	closed bool
}

// Run registers the listener for accept readiness.
func (s *server) Run() (err error) {
	s.selector, err = s.ioctx.Selector()
	if err != nil {
		return err
	}
	s.operator = &FDOperator{
		FD:     s.listener.Fd(),
		OnRead: s.OnAccept,
		OnHup:  s.OnHup,
	}
	if err = s.selector.RegisterRead(s.operator); err != nil {
		zlog.Errorf("register listener %s failed: %v", s.listener.Addr(), err)
		return err
	}
	zlog.Infof("server listening on %s", s.listener.Addr())
	return nil
}

func (s *server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops accepting, then closes connectors as they become idle until
// none are left or ctx is done, at which point the rest are closed anyway.
func (s *server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.operator != nil {
		s.selector.Unregister(s.operator)
	}
	s.listener.Close()

	var ticker = time.NewTicker(time.Second)
	defer ticker.Stop()
	var hasConn bool
	for {
		hasConn = false
		s.connections.Range(func(key, value interface{}) bool {
			select {
			case <-value.(*Connector).Done():
				s.connections.Delete(key)
				return true
			default:
			}
			if conn, ok := value.(gracefulExit); ok && conn.isIdle() {
				conn.Close()
			}
			hasConn = true
			return true
		})
		if !hasConn { // all connections have been closed
			return nil
		}

		select {
		case <-ctx.Done():
			s.connections.Range(func(key, value interface{}) bool {
				value.(*Connector).Close()
				return true
			})
			return ctx.Err()
		case <-ticker.C:
			continue
		}
	}
}

// OnAccept drains the accept queue and re-arms the listener.
func (s *server) OnAccept(p Poller) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() {
				return
			}
			zlog.Errorf("accept connection failed: %v", err)
			if errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE) {
				break
			}
			if errors.Is(err, unix.ECONNABORTED) {
				continue
			}
			s.onQuit(err)
			return
		}
		if conn == nil {
			break
		}

		s.serve(conn)
	}
	if s.isClosed() {
		return
	}
	if err := s.selector.RegisterRead(s.operator); err != nil && !s.isClosed() {
		zlog.Errorf("rearm listener %s failed: %v", s.listener.Addr(), err)
		s.onQuit(err)
	}
}

// serve runs an accepted connection as a Connector. conn is closed if that fails.
func (s *server) serve(conn net.Conn) {
	c, err := NewConnector(s.o.ctx, s.ioctx, conn, s.eh, s.opts...)
	if err != nil {
		zlog.Errorf("init connector for %s failed: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	var id = c.ID()
	c.AddCloseCallback(func(c *Connector) error {
		s.connections.Delete(id)
		return nil
	})
	if c.IsActive() {
		s.connections.Store(id, c)
	}
}

// OnHup is called when the selector shuts down under the listener.
func (s *server) OnHup(p Poller) {
	if s.isClosed() {
		return
	}
	s.onQuit(ErrSelectorClosed)
}

// Range calls f for every live connector until f returns false.
func (s *server) Range(f func(c *Connector) bool) {
	s.connections.Range(func(key, value interface{}) bool {
		return f(value.(*Connector))
	})
}
