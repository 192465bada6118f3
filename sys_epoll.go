package zsock

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

type ioEvent uint32

const (
	ioReadable ioEvent = 1 << iota
	ioWritable
)

// epollEvents converts an interest set into a one-shot epoll mask.
func epollEvents(interest ioEvent) uint32 {
	var evt uint32 = unix.EPOLLONESHOT
	if interest&ioReadable != 0 {
		evt |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interest&ioWritable != 0 {
		evt |= unix.EPOLLOUT
	}
	return evt
}

// epollCtl implements epoll_ctl.
func epollCtl(epfd int, op int, fd int, interest ioEvent) error {
	var evt = unix.EpollEvent{Events: epollEvents(interest), Fd: int32(fd)}
	if op == unix.EPOLL_CTL_DEL {
		return unix.EpollCtl(epfd, op, fd, nil)
	}
	return unix.EpollCtl(epfd, op, fd, &evt)
}

// epollWait implements epoll_wait, retrying on EINTR.
func epollWait(epfd int, events []unix.EpollEvent, msec int) (n int, err error) {
	for {
		n, err = unix.EpollWait(epfd, events, msec)
		if err != unix.EINTR {
			return n, err
		}
	}
}

// eventfd write/read helpers used to wake a poller.
func eventfdWrite(fd int, v uint64) error {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], v)
	_, err := unix.Write(fd, b[:])
	return err
}

func eventfdRead(fd int) (uint64, error) {
	var b [8]byte
	if _, err := unix.Read(fd, b[:]); err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint64(b[:]), nil
}
