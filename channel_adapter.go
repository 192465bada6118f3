package zsock

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/bytedance/gopkg/util/gopool"
	"github.com/zhihanii/zlog"
)

// Sender writes the bytes supplied by a SendProvider, one write per readiness.
type Sender interface {
	SetSendProvider(provider SendProvider)
	// PostSendAsync arms write interest; the provider is asked for bytes once writable.
	PostSendAsync() error
	// CancelSend discards unwritten bytes and stops further writes.
	CancelSend() error
}

type SendProvider interface {
	// ProvideSend fills buf with the next bytes to write and reports false
	// when nothing is pending.
	ProvideSend(buf *IoBuffer) (bool, error)
	// OnSendCompleted is called once every byte of the last provided buffer is written.
	OnSendCompleted()
	// ReleaseSkipped is called after every ProvideSend once the sender's lock
	// is released, so completions found while providing can reach listeners
	// that call back into the connector.
	ReleaseSkipped()
}

// Receiver reads into an IoBuffer and hands it to a ReceiveConsumer, one read
// per readiness.
type Receiver interface {
	SetReceiveConsumer(consumer ReceiveConsumer)
	PostReceiveAsync() error
	CancelReceive() error
}

type ReceiveConsumer interface {
	// OnReceiveCompleted consumes buf and is responsible for re-arming the receiver.
	OnReceiveCompleted(buf *IoBuffer) error
}

// channelAdapter binds one socket to the selector and implements both
// Sender and Receiver.
type channelAdapter struct {
	conn     FDConn
	selector IoSelector
	operator *FDOperator
	onClosed func(err error)

	sendMu     sync.Mutex
	sendBuf    *IoBuffer
	provider   SendProvider
	sendClosed bool

	recvMu     sync.Mutex
	recvBuf    *IoBuffer
	consumer   ReceiveConsumer
	recvClosed bool

	failed   atomic.Bool
	released atomic.Bool

	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
}

var (
	_ Sender   = (*channelAdapter)(nil)
	_ Receiver = (*channelAdapter)(nil)
)

// newChannelAdapter creates the adapter. onClosed is called at most once, on
// a pool goroutine, when the peer disconnects or I/O fails.
func newChannelAdapter(conn FDConn, selector IoSelector, bufSize int, onClosed func(err error)) *channelAdapter {
	a := &channelAdapter{
		conn:     conn,
		selector: selector,
		onClosed: onClosed,
		sendBuf:  NewIoBuffer(bufSize),
		recvBuf:  NewIoBuffer(bufSize),
	}
	a.operator = &FDOperator{
		FD:      conn.Fd(),
		OnRead:  a.onReadable,
		OnWrite: a.onWritable,
		OnHup:   a.onHup,
	}
	return a
}

func (a *channelAdapter) SetSendProvider(provider SendProvider) {
	a.sendMu.Lock()
	a.provider = provider
	a.sendMu.Unlock()
}

func (a *channelAdapter) SetReceiveConsumer(consumer ReceiveConsumer) {
	a.recvMu.Lock()
	a.consumer = consumer
	a.recvMu.Unlock()
}

func (a *channelAdapter) PostSendAsync() error {
	return a.arm(a.selector.RegisterWrite)
}

func (a *channelAdapter) PostReceiveAsync() error {
	return a.arm(a.selector.RegisterRead)
}

func (a *channelAdapter) arm(register func(*FDOperator) error) error {
	if a.failed.Load() || a.released.Load() {
		return ErrChannelClosed
	}
	if err := register(a.operator); err != nil {
		a.fail(fmt.Errorf("register fd %d: %w", a.operator.FD, err))
		return err
	}
	return nil
}

// onWritable writes the pending send buffer, asking the provider to refill it
// when empty.
func (a *channelAdapter) onWritable(p Poller) {
	a.sendMu.Lock()
	if a.sendClosed || a.provider == nil {
		a.sendMu.Unlock()
		return
	}
	var provider = a.provider
	var buf = a.sendBuf
	var provided bool
	if buf.Len() == 0 {
		buf.Reset()
		provided = true
		ok, err := provider.ProvideSend(buf)
		if err != nil {
			a.sendMu.Unlock()
			provider.ReleaseSkipped()
			a.fail(err)
			return
		}
		if !ok {
			// idle until the next PostSendAsync
			a.sendMu.Unlock()
			provider.ReleaseSkipped()
			return
		}
	}
	n, err := a.conn.Write(buf.Bytes())
	if err != nil && !isTransient(err) {
		a.sendMu.Unlock()
		if provided {
			provider.ReleaseSkipped()
		}
		a.fail(fmt.Errorf("write fd %d: %w", a.operator.FD, err))
		return
	}
	buf.Consume(n)
	a.bytesSent.Add(int64(n))
	var drained = n > 0 && buf.Len() == 0
	a.sendMu.Unlock()

	if provided {
		provider.ReleaseSkipped()
	}
	if drained {
		provider.OnSendCompleted()
	}
	a.PostSendAsync()
}

func (a *channelAdapter) onReadable(p Poller) {
	a.recvMu.Lock()
	if a.recvClosed || a.consumer == nil {
		a.recvMu.Unlock()
		return
	}
	var buf = a.recvBuf
	buf.Reset()
	n, err := a.conn.Read(buf.Available())
	if err != nil {
		a.recvMu.Unlock()
		switch {
		case isTransient(err):
			a.PostReceiveAsync()
		case errors.Is(err, io.EOF):
			a.fail(ErrPeerClosed)
		default:
			a.fail(fmt.Errorf("read fd %d: %w", a.operator.FD, err))
		}
		return
	}
	buf.Produce(n)
	a.bytesReceived.Add(int64(n))
	err = a.consumer.OnReceiveCompleted(buf)
	a.recvMu.Unlock()
	if err != nil {
		a.fail(err)
	}
}

func (a *channelAdapter) onHup(p Poller) {
	a.fail(ErrChannelClosed)
}

// fail stops I/O and raises the channel-closed notification once.
func (a *channelAdapter) fail(err error) {
	if !a.failed.CompareAndSwap(false, true) {
		return
	}
	a.selector.Unregister(a.operator)
	if errors.Is(err, ErrPeerClosed) {
		zlog.Infof("channel fd %d closed by peer", a.operator.FD)
	} else {
		zlog.Errorf("channel fd %d failed: %v", a.operator.FD, err)
	}
	if a.onClosed != nil {
		gopool.Go(func() {
			a.onClosed(err)
		})
	}
}

func (a *channelAdapter) CancelSend() error {
	a.sendMu.Lock()
	a.sendClosed = true
	a.sendBuf.Reset()
	a.sendMu.Unlock()
	return nil
}

func (a *channelAdapter) CancelReceive() error {
	a.recvMu.Lock()
	a.recvClosed = true
	a.recvMu.Unlock()
	return nil
}

// Close unregisters from the selector and releases the buffers. The socket
// itself is left to its owner. It is safe to call more than once.
func (a *channelAdapter) Close() error {
	if !a.released.CompareAndSwap(false, true) {
		return nil
	}
	err := a.selector.Unregister(a.operator)

	a.sendMu.Lock()
	a.sendClosed = true
	a.sendBuf.Release()
	a.sendMu.Unlock()

	a.recvMu.Lock()
	a.recvClosed = true
	a.recvBuf.Release()
	a.recvMu.Unlock()
	return err
}
