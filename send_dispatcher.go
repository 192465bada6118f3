package zsock

import (
	"fmt"
	"io"
	"sync"

	"github.com/eapache/queue"
	"github.com/zhihanii/zlog"
)

// sendDispatcher turns concurrent Send calls into one ordered byte stream.
// At most one packet is in flight; an IoBuffer never mixes two packets.
type sendDispatcher struct {
	sender       Sender
	maxFrameSize int64
	onComplete   func(packet SendPacket, status PacketStatus)

	mu        sync.Mutex
	queue     *queue.Queue
	current   SendPacket
	header    [HeaderSize]byte
	headerPos int
	remaining int64
	last      bool // the provided buffer carries the tail of current
	sending   bool // a write is armed or in progress
	closed    bool
	// skipped holds packets finished inside ProvideSend, reported later by
	// ReleaseSkipped so no listener runs under the sender's lock
	skipped []finishedPacket
}

type finishedPacket struct {
	packet SendPacket
	status PacketStatus
}

func newSendDispatcher(sender Sender, maxFrameSize int64, onComplete func(SendPacket, PacketStatus)) *sendDispatcher {
	d := &sendDispatcher{
		sender:       sender,
		maxFrameSize: maxFrameSize,
		onComplete:   onComplete,
		queue:        queue.New(),
	}
	sender.SetSendProvider(d)
	return d
}

// Send enqueues the packet and returns without waiting for I/O.
func (d *sendDispatcher) Send(packet SendPacket) error {
	if packet.Length() < 0 || packet.Length() > d.maxFrameSize {
		packet.Close()
		return fmt.Errorf("%w: packet length %d, max %d", ErrFrameTooLarge, packet.Length(), d.maxFrameSize)
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		packet.Cancel()
		packet.Close()
		return ErrConnectorClosed
	}
	d.queue.Add(packet)
	if d.sending {
		d.mu.Unlock()
		return nil
	}
	d.sending = true
	d.mu.Unlock()
	return d.sender.PostSendAsync()
}

// ProvideSend implements SendProvider.
func (d *sendDispatcher) ProvideSend(buf *IoBuffer) (ok bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.sending = false
		return false, nil
	}
	for d.current == nil {
		if d.queue.Length() == 0 {
			d.sending = false
			return false, nil
		}
		p := d.queue.Remove().(SendPacket)
		if p.IsCanceled() {
			d.skipped = append(d.skipped, finishedPacket{p, PacketCanceled})
			continue
		}
		d.current = p
		encodeHeader(d.header[:], p.Type(), uint32(p.Length()))
		d.headerPos, d.remaining = 0, p.Length()
	}

	if d.headerPos < HeaderSize {
		n := copy(buf.Available(), d.header[d.headerPos:])
		d.headerPos += n
		buf.Produce(n)
	}
	for d.headerPos == HeaderSize && d.remaining > 0 {
		dst := buf.Available()
		if len(dst) == 0 {
			break
		}
		if int64(len(dst)) > d.remaining {
			dst = dst[:d.remaining]
		}
		n, rerr := d.current.Read(dst)
		buf.Produce(n)
		d.remaining -= int64(n)
		if rerr != nil {
			if rerr == io.EOF && d.remaining > 0 {
				rerr = io.ErrUnexpectedEOF
			}
			if rerr != io.EOF {
				return false, fmt.Errorf("read %s packet body: %w", d.current.Type(), rerr)
			}
		}
		if n == 0 && rerr == nil {
			break
		}
	}
	d.last = d.headerPos == HeaderSize && d.remaining == 0
	return buf.Len() > 0, nil
}

// OnSendCompleted implements SendProvider.
func (d *sendDispatcher) OnSendCompleted() {
	d.mu.Lock()
	if !d.last || d.current == nil {
		d.mu.Unlock()
		return
	}
	p := d.current
	d.current, d.last = nil, false
	d.mu.Unlock()
	d.notify([]finishedPacket{{p, PacketSent}})
}

// ReleaseSkipped implements SendProvider. It reports the canceled packets
// ProvideSend passed over.
func (d *sendDispatcher) ReleaseSkipped() {
	d.mu.Lock()
	var skipped = d.skipped
	d.skipped = nil
	d.mu.Unlock()
	d.notify(skipped)
}

// Pending returns the number of packets not yet fully written.
func (d *sendDispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.queue.Length()
	if d.current != nil {
		n++
	}
	return n
}

// Close cancels the current and queued packets.
func (d *sendDispatcher) Close() error {
	return d.shutdown(PacketCanceled)
}

// Abort fails the current and queued packets; the stream can no longer be
// trusted once part of a frame is lost.
func (d *sendDispatcher) Abort() error {
	return d.shutdown(PacketFailed)
}

func (d *sendDispatcher) shutdown(status PacketStatus) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	var finished = d.skipped
	d.skipped = nil
	if d.current != nil {
		finished = append(finished, finishedPacket{d.current, status})
		d.current = nil
	}
	for d.queue.Length() > 0 {
		finished = append(finished, finishedPacket{d.queue.Remove().(SendPacket), status})
	}
	d.sending = false
	d.mu.Unlock()

	err := d.sender.CancelSend()
	for _, f := range finished {
		f.packet.Cancel()
	}
	d.notify(finished)
	return err
}

func (d *sendDispatcher) notify(finished []finishedPacket) {
	for _, f := range finished {
		if err := f.packet.Close(); err != nil {
			zlog.Errorf("release %s packet failed: %v", f.packet.Type(), err)
		}
		if d.onComplete != nil {
			d.onComplete(f.packet, f.status)
		}
	}
}
