package zsock

import (
	"errors"

	"golang.org/x/sys/unix"
)

var (
	ErrChannelClosed   = errors.New("channel closed")
	ErrPeerClosed      = errors.New("channel closed by peer")
	ErrConnectorClosed = errors.New("connector closed")
	ErrSelectorClosed  = errors.New("selector closed")

	// ErrFrameTooLarge is returned when a frame declares a body longer than the
	// configured maximum. The connection is closed without buffering the body.
	ErrFrameTooLarge     = errors.New("frame exceeds maximum size")
	ErrUnknownPacketType = errors.New("unknown packet type")

	ErrIoContextNotInitialized = errors.New("io context not initialized")
	ErrIoContextInitialized    = errors.New("io context already initialized")
)

// isTransient reports whether a read/write failed only for this attempt.
func isTransient(err error) bool {
	return err == unix.EAGAIN || err == unix.EINTR
}
