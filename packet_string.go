package zsock

import (
	"bytes"
	"strings"
)

type StringSendPacket struct {
	cancelFlag
	r      *strings.Reader
	length int64
}

func NewStringSendPacket(s string) *StringSendPacket {
	return &StringSendPacket{r: strings.NewReader(s), length: int64(len(s))}
}

func (p *StringSendPacket) Type() PacketType           { return PacketTypeString }
func (p *StringSendPacket) Length() int64              { return p.length }
func (p *StringSendPacket) Read(b []byte) (int, error) { return p.r.Read(b) }
func (p *StringSendPacket) Close() error               { return nil }

type BytesSendPacket struct {
	cancelFlag
	r      *bytes.Reader
	length int64
}

// NewBytesSendPacket sends b as is. b must not be modified until the packet completes.
func NewBytesSendPacket(b []byte) *BytesSendPacket {
	return &BytesSendPacket{r: bytes.NewReader(b), length: int64(len(b))}
}

func (p *BytesSendPacket) Type() PacketType           { return PacketTypeBytes }
func (p *BytesSendPacket) Length() int64              { return p.length }
func (p *BytesSendPacket) Read(b []byte) (int, error) { return p.r.Read(b) }
func (p *BytesSendPacket) Close() error               { return nil }

// StringReceivePacket accumulates a string body in memory.
type StringReceivePacket struct {
	b      strings.Builder
	length int64
}

func NewStringReceivePacket(length int64) *StringReceivePacket {
	p := &StringReceivePacket{length: length}
	p.b.Grow(int(length))
	return p
}

func (p *StringReceivePacket) Type() PacketType { return PacketTypeString }
func (p *StringReceivePacket) Length() int64    { return p.length }
func (p *StringReceivePacket) Close() error     { return nil }

func (p *StringReceivePacket) Write(b []byte) (int, error) {
	return p.b.Write(b)
}

// String returns the assembled message.
func (p *StringReceivePacket) String() string {
	return p.b.String()
}

type BytesReceivePacket struct {
	buf    []byte
	length int64
}

func NewBytesReceivePacket(length int64) *BytesReceivePacket {
	return &BytesReceivePacket{buf: make([]byte, 0, length), length: length}
}

func (p *BytesReceivePacket) Type() PacketType { return PacketTypeBytes }
func (p *BytesReceivePacket) Length() int64    { return p.length }
func (p *BytesReceivePacket) Close() error     { return nil }
func (p *BytesReceivePacket) Bytes() []byte    { return p.buf }

func (p *BytesReceivePacket) Write(b []byte) (int, error) {
	p.buf = append(p.buf, b...)
	return len(b), nil
}
