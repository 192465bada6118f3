package zsock

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/bytedance/gopkg/util/gopool"
	"github.com/eapache/queue"
	"github.com/google/uuid"
	"github.com/zhihanii/zlog"
	"go.uber.org/multierr"
)

// Stats is a snapshot of a Connector's traffic counters.
type Stats struct {
	PacketsSent     int64
	PacketsReceived int64
	BytesSent       int64
	BytesReceived   int64
	// Pending counts packets accepted by Send but not yet fully written.
	Pending int
}

// Connector is one framed, bidirectional connection. Send may be called from
// any goroutine; inbound packets reach EventHandler.OnReceive in stream order.
type Connector struct {
	locker

	id      uuid.UUID
	ctx     context.Context
	o       *options
	handler EventHandler

	conn     *netFD
	adapter  *channelAdapter
	sender   *sendDispatcher
	receiver *receiveDispatcher

	inboxMu sync.Mutex
	inbox   *queue.Queue

	closeOnce      sync.Once
	closeCallbacks atomic.Value
	done           chan struct{}
	errMu          sync.Mutex
	err            error

	packetsSent     atomic.Int64
	packetsReceived atomic.Int64
}

// NewConnector takes ownership of conn, registers it with the selector of
// ioctx and starts receiving. handler.OnConnect is scheduled before the first
// OnReceive. ctx is passed to every handler callback.
func NewConnector(ctx context.Context, ioctx *IoContext, conn net.Conn, handler EventHandler, opts ...Option) (*Connector, error) {
	selector, err := ioctx.Selector()
	if err != nil {
		return nil, err
	}
	nfd, err := newNetFD(conn)
	if err != nil {
		return nil, fmt.Errorf("take over connection: %w", err)
	}
	var o = newOptions(opts...)
	if err = applySockopts(nfd, o); err != nil {
		nfd.Close()
		return nil, fmt.Errorf("set socket options: %w", err)
	}
	if ctx == nil {
		ctx = o.ctx
	}
	if handler == nil {
		handler = HandlerFuncs{}
	}

	c := &Connector{
		id:      uuid.New(),
		ctx:     ctx,
		o:       o,
		handler: handler,
		conn:    nfd,
		inbox:   queue.New(),
		done:    make(chan struct{}),
	}
	c.adapter = newChannelAdapter(nfd, selector, o.ioBufferSize, c.onChannelClosed)
	c.sender = newSendDispatcher(c.adapter, o.maxFrameSize, c.onSendComplete)
	c.receiver = newReceiveDispatcher(c.adapter, o.maxFrameSize, o.receiveFactory, c.onPacket)

	// held until the OnConnect task is submitted, so no packet overtakes it
	c.lock(processing)
	if err = c.receiver.Start(); err != nil {
		zlog.Errorf("connector %s register failed: %v", c.id, err)
		c.closeBy(user)
		c.setErr(err)
		c.teardown(false)
		c.closeOnce.Do(func() { close(c.done) })
		return nil, fmt.Errorf("register connector: %w", err)
	}
	c.onConnect()
	zlog.Infof("connector %s up, local=%s remote=%s", c.id, nfd.LocalAddr(), nfd.RemoteAddr())
	return c, nil
}

func (c *Connector) ID() uuid.UUID {
	return c.id
}

func (c *Connector) Context() context.Context {
	return c.ctx
}

func (c *Connector) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Connector) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// IsActive reports whether the connector has not been closed.
func (c *Connector) IsActive() bool {
	return c.isCloseBy(none)
}

// Send queues s as a string packet.
func (c *Connector) Send(s string) error {
	return c.SendPacket(NewStringSendPacket(s))
}

// SendBytes queues b as a bytes packet. b must not be modified until the
// packet completes.
func (c *Connector) SendBytes(b []byte) error {
	return c.SendPacket(NewBytesSendPacket(b))
}

// SendFile queues the regular file at path. The file is opened when its
// first bytes are written.
func (c *Connector) SendFile(path string) error {
	p, err := NewFileSendPacket(path)
	if err != nil {
		return err
	}
	return c.SendPacket(p)
}

// SendPacket queues packet behind every packet sent before it and returns
// without waiting for I/O. The connector owns packet from here on and closes
// it once it is sent, canceled or failed.
func (c *Connector) SendPacket(packet SendPacket) error {
	if !c.IsActive() {
		packet.Cancel()
		packet.Close()
		return ErrConnectorClosed
	}
	return c.sender.Send(packet)
}

// Close cancels pending packets and releases the connection. Every teardown
// step runs even if an earlier one fails. Calling Close again returns nil.
func (c *Connector) Close() error {
	if !c.closeBy(user) {
		return nil
	}
	c.setErr(ErrConnectorClosed)
	err := c.teardown(false)
	c.closeCallback(true)
	return err
}

// Done is closed after OnClosed and every close callback have returned. Both
// run on a worker goroutine, so Close may return before Done is closed.
func (c *Connector) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connector closed, or nil while it is active.
func (c *Connector) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Connector) setErr(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

func (c *Connector) Stats() Stats {
	return Stats{
		PacketsSent:     c.packetsSent.Load(),
		PacketsReceived: c.packetsReceived.Load(),
		BytesSent:       c.adapter.bytesSent.Load(),
		BytesReceived:   c.adapter.bytesReceived.Load(),
		Pending:         c.sender.Pending(),
	}
}

type CloseCallback func(c *Connector) error

type closeCallbackNode struct {
	cb  CloseCallback
	pre *closeCallbackNode
}

// AddCloseCallback registers cb to run after OnClosed. Callbacks run in
// reverse order of registration.
func (c *Connector) AddCloseCallback(cb CloseCallback) error {
	if cb == nil {
		return nil
	}
	var node = &closeCallbackNode{
		cb: cb,
	}
	if pre := c.closeCallbacks.Load(); pre != nil {
		node.pre = pre.(*closeCallbackNode)
	}
	c.closeCallbacks.Store(node)
	return nil
}

// teardown closes the send dispatcher, the receive dispatcher, the adapter
// and the socket, in that order.
func (c *Connector) teardown(abort bool) (err error) {
	if abort {
		err = multierr.Append(err, c.sender.Abort())
	} else {
		err = multierr.Append(err, c.sender.Close())
	}
	err = multierr.Append(err, c.receiver.Close())
	err = multierr.Append(err, c.adapter.Close())
	err = multierr.Append(err, c.conn.Close())
	if err != nil {
		zlog.Errorf("connector %s teardown: %v", c.id, err)
	}
	return err
}

// onChannelClosed means close by poller: the peer hung up or I/O failed.
func (c *Connector) onChannelClosed(err error) {
	if !c.closeBy(poller) {
		return
	}
	c.setErr(err)
	c.teardown(true)
	c.closeCallback(true)
}

// closeCallback runs the close notification once, always on a worker
// goroutine. It cannot run while an inbound task holds "processing"; that
// task runs it on exit instead.
func (c *Connector) closeCallback(needLock bool) {
	if needLock {
		if !c.lock(processing) {
			return
		}
		gopool.CtxGo(c.ctx, c.finalize)
		return
	}
	c.finalize()
}

func (c *Connector) finalize() {
	c.closeOnce.Do(func() {
		// deliver what was fully received before the peer went away
		for c.isProcessable() {
			c.process()
		}
		c.handler.OnClosed(c.ctx, c, c.Err())
		if latest := c.closeCallbacks.Load(); latest != nil {
			for node := latest.(*closeCallbackNode); node != nil; node = node.pre {
				if err := node.cb(c); err != nil {
					zlog.Errorf("connector %s close callback: %v", c.id, err)
				}
			}
		}
		zlog.Infof("connector %s down: %v", c.id, c.Err())
		close(c.done)
	})
}

func (c *Connector) onSendComplete(packet SendPacket, status PacketStatus) {
	if status == PacketSent {
		c.packetsSent.Add(1)
	}
	if c.o.sendListener != nil {
		c.o.sendListener(c, packet, status)
	}
}

func (c *Connector) String() string {
	return fmt.Sprintf("connector[%s %s->%s]", c.id, c.LocalAddr(), c.RemoteAddr())
}
