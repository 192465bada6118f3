package zsock

import (
	"strings"

	"golang.org/x/sys/unix"
)

func setTCPNoDelay(fd int, noDelay bool) error {
	var v int
	if noDelay {
		v = 1
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v)
}

func SetKeepAlive(fd, secs int) error {
	// open keep-alive
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return err
	}
	// tcp_keepalive_intvl
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, secs); err != nil {
		return err
	}
	// tcp_keepalive_time
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, secs)
}

// applySockopts sets the TCP options from o; other networks are left alone.
func applySockopts(c *netFD, o *options) error {
	if !strings.HasPrefix(c.network, "tcp") {
		return nil
	}
	if err := setTCPNoDelay(c.fd, o.noDelay); err != nil {
		return err
	}
	if secs := int(o.keepAlive.Seconds()); secs > 0 {
		return SetKeepAlive(c.fd, secs)
	}
	return nil
}
