package zsock

import (
	"fmt"
	"sync"
)

// receiveDispatcher reassembles the inbound byte stream into packets and
// keeps the receive loop armed.
type receiveDispatcher struct {
	receiver Receiver
	factory  ReceivePacketFactory
	onPacket func(packet ReceivePacket)

	mu      sync.Mutex
	decoder *frameDecoder
	closed  bool
}

func newReceiveDispatcher(receiver Receiver, maxFrameSize int64, factory ReceivePacketFactory, onPacket func(ReceivePacket)) *receiveDispatcher {
	d := &receiveDispatcher{
		receiver: receiver,
		factory:  factory,
		onPacket: onPacket,
		decoder:  newFrameDecoder(maxFrameSize),
	}
	receiver.SetReceiveConsumer(d)
	return d
}

// Start arms the first read.
func (d *receiveDispatcher) Start() error {
	return d.receiver.PostReceiveAsync()
}

// OnReceiveCompleted implements ReceiveConsumer. It decodes every complete
// frame in buf and re-arms the next read.
func (d *receiveDispatcher) OnReceiveCompleted(buf *IoBuffer) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	err := d.decoder.Feed(buf.Bytes(), d.materialize)
	d.mu.Unlock()
	buf.Reset()
	if err != nil {
		return err
	}
	return d.receiver.PostReceiveAsync()
}

func (d *receiveDispatcher) materialize(t PacketType, body []byte) error {
	packet, err := d.factory(t, int64(len(body)))
	if err != nil {
		return err
	}
	if _, err = packet.Write(body); err != nil {
		packet.Close()
		return fmt.Errorf("write %s packet: %w", t, err)
	}
	if err = packet.Close(); err != nil {
		return fmt.Errorf("close %s packet: %w", t, err)
	}
	d.onPacket(packet)
	return nil
}

// Buffered returns the bytes of a partial frame waiting for more input.
func (d *receiveDispatcher) Buffered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.decoder.Buffered()
}

// Close stops the receive loop and drops any partial frame.
func (d *receiveDispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.decoder.Release()
	d.mu.Unlock()
	return d.receiver.CancelReceive()
}
