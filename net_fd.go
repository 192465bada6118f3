package zsock

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/zhihanii/zlog"
	"golang.org/x/sys/unix"
)

type FDConn interface {
	net.Conn
	Fd() int
}

var errUnsupported = errors.New("unsupported on non-blocking fd")

// netFD is a non-blocking socket owned outside the Go runtime poller.
type netFD struct {
	fd int
	// closed marks whether fd has been released
	closed     atomic.Uint32
	network    string
	localAddr  net.Addr
	remoteAddr net.Addr
}

// newNetFD takes ownership of conn. Connections created by the net package
// are duplicated out of the runtime poller and the original is closed.
func newNetFD(conn net.Conn) (*netFD, error) {
	if nfd, ok := conn.(*netFD); ok {
		return nfd, nil
	}
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("connection type %T does not expose its fd", conn)
	}
	fd, err := dupConn(sc)
	if err != nil {
		return nil, err
	}
	nfd := &netFD{
		fd:         fd,
		network:    conn.LocalAddr().Network(),
		localAddr:  conn.LocalAddr(),
		remoteAddr: conn.RemoteAddr(),
	}
	conn.Close()
	if err = unix.SetNonblock(fd, true); err != nil {
		nfd.Close()
		return nil, err
	}
	return nfd, nil
}

func dupConn(sc syscall.Conn) (fd int, err error) {
	rc, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	var dupErr error
	err = rc.Control(func(s uintptr) {
		fd, dupErr = unix.FcntlInt(s, unix.F_DUPFD_CLOEXEC, 0)
	})
	if err != nil {
		return -1, err
	}
	return fd, dupErr
}

func (c *netFD) Fd() (fd int) {
	return c.fd
}

// Read performs one read. A zero-length read of a non-empty buffer is io.EOF;
// EAGAIN is returned as is.
func (c *netFD) Read(b []byte) (n int, err error) {
	n, err = unix.Read(c.fd, b)
	if err != nil {
		return 0, err
	}
	if n == 0 && len(b) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (c *netFD) Write(b []byte) (n int, err error) {
	n, err = unix.Write(c.fd, b)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Close will be executed only once.
func (c *netFD) Close() (err error) {
	if c.closed.Add(1) != 1 {
		return nil
	}
	if c.fd >= 0 {
		err = unix.Close(c.fd)
		if err != nil {
			zlog.Errorf("netFD[%d] close error: %s", c.fd, err.Error())
		}
	}
	return err
}

func (c *netFD) LocalAddr() (addr net.Addr) {
	return c.localAddr
}

func (c *netFD) RemoteAddr() (addr net.Addr) {
	return c.remoteAddr
}

func (c *netFD) SetDeadline(t time.Time) error {
	return errUnsupported
}

func (c *netFD) SetReadDeadline(t time.Time) error {
	return errUnsupported
}

func (c *netFD) SetWriteDeadline(t time.Time) error {
	return errUnsupported
}

func sockaddrToAddr(network string, sa unix.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append(net.IP{}, sa.Addr[:]...), Port: sa.Port}
	case *unix.SockaddrInet6:
		var zone string
		if sa.ZoneId != 0 {
			if ifi, err := net.InterfaceByIndex(int(sa.ZoneId)); err == nil {
				zone = ifi.Name
			}
		}
		return &net.TCPAddr{IP: append(net.IP{}, sa.Addr[:]...), Port: sa.Port, Zone: zone}
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Name: sa.Name, Net: network}
	}
	return nil
}
