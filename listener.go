package zsock

import (
	"fmt"
	"net"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

type Listener interface {
	net.Listener
	Fd() int
}

// ConvertListener duplicates the socket of a net.Listener into a non-blocking
// fd that can be registered with a selector.
func ConvertListener(netListener net.Listener) (Listener, error) {
	if tmp, ok := netListener.(Listener); ok {
		return tmp, nil
	}
	sc, ok := netListener.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("listener type %T can't support", netListener)
	}
	fd, err := dupConn(sc)
	if err != nil {
		return nil, err
	}
	l := &listener{
		fd:          fd,
		addr:        netListener.Addr(),
		netListener: netListener,
	}
	if err = unix.SetNonblock(fd, true); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

type listener struct {
	fd          int
	addr        net.Addr
	netListener net.Listener
	closed      atomic.Bool
}

// Accept returns (nil, nil) when no connection is pending.
func (l *listener) Accept() (net.Conn, error) {
	var fd, sa, err = unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if isTransient(err) {
			return nil, nil
		}
		return nil, err
	}
	var nfd = &netFD{
		fd:         fd,
		network:    l.addr.Network(),
		localAddr:  l.addr,
		remoteAddr: sockaddrToAddr(l.addr.Network(), sa),
	}
	return nfd, nil
}

func (l *listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := unix.Close(l.fd)
	if l.netListener != nil {
		l.netListener.Close()
	}
	return err
}

func (l *listener) Addr() net.Addr {
	return l.addr
}

func (l *listener) Fd() int {
	return l.fd
}
