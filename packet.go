package zsock

import (
	"fmt"
	"io"
	"sync/atomic"
)

// PacketType is the one-byte tag carried in every frame header.
type PacketType byte

const (
	PacketTypeString PacketType = 0
	PacketTypeFile   PacketType = 1
	PacketTypeBytes  PacketType = 2
)

func (t PacketType) String() string {
	switch t {
	case PacketTypeString:
		return "string"
	case PacketTypeFile:
		return "file"
	case PacketTypeBytes:
		return "bytes"
	}
	return fmt.Sprintf("PacketType(%d)", byte(t))
}

// Packet is a logical message. Its length is fixed at creation.
type Packet interface {
	Type() PacketType
	Length() int64
}

// SendPacket is a byte source drained by the send dispatcher. Read is only
// called by the dispatcher; Close releases the source and is called exactly
// once when the packet reaches a terminal state.
type SendPacket interface {
	Packet
	io.ReadCloser

	// Cancel marks the packet canceled. A packet whose header has not been
	// written yet is skipped; one already on the wire is finished so the
	// stream stays decodable.
	Cancel()
	IsCanceled() bool
}

// ReceivePacket is a byte sink filled with exactly Length bytes and then closed.
type ReceivePacket interface {
	Packet
	io.WriteCloser
}

// ReceivePacketFactory builds the receive variant for a frame's type tag.
type ReceivePacketFactory func(t PacketType, length int64) (ReceivePacket, error)

// DefaultReceivePacketFactory handles the string, bytes, and file tags. Files
// are written under dir.
func DefaultReceivePacketFactory(dir string) ReceivePacketFactory {
	return func(t PacketType, length int64) (ReceivePacket, error) {
		switch t {
		case PacketTypeString:
			return NewStringReceivePacket(length), nil
		case PacketTypeBytes:
			return NewBytesReceivePacket(length), nil
		case PacketTypeFile:
			return NewFileReceivePacket(dir, length)
		}
		return nil, fmt.Errorf("%w: %d", ErrUnknownPacketType, byte(t))
	}
}

// PacketStatus is the terminal state of a sent packet.
type PacketStatus int8

const (
	PacketSent PacketStatus = iota
	PacketCanceled
	PacketFailed
)

func (s PacketStatus) String() string {
	switch s {
	case PacketSent:
		return "sent"
	case PacketCanceled:
		return "canceled"
	case PacketFailed:
		return "failed"
	}
	return fmt.Sprintf("PacketStatus(%d)", int8(s))
}

// SendListener observes the terminal state of every packet passed to
// Connector.SendPacket. It runs on a poller goroutine or on the goroutine
// closing the connector and must not block.
type SendListener func(c *Connector, packet SendPacket, status PacketStatus)

type cancelFlag struct {
	canceled atomic.Bool
}

func (f *cancelFlag) Cancel() {
	f.canceled.Store(true)
}

func (f *cancelFlag) IsCanceled() bool {
	return f.canceled.Load()
}
