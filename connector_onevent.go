package zsock

import (
	"os"

	"github.com/bytedance/gopkg/util/gopool"
	"github.com/zhihanii/zlog"
)

type gracefulExit interface {
	isIdle() bool
	Close() error
}

// onConnect submits the first delivery task, which runs OnConnect before any
// packet. The caller holds "processing".
func (c *Connector) onConnect() {
	c.submit(func() {
		if err := c.handler.OnConnect(c.ctx, c); err != nil {
			zlog.Errorf("connector %s OnConnect: %v", c.id, err)
			c.Close()
		}
	})
}

// onPacket is called on the poller goroutine for every complete frame.
func (c *Connector) onPacket(packet ReceivePacket) {
	c.packetsReceived.Add(1)
	c.inboxMu.Lock()
	c.inbox.Add(packet)
	c.inboxMu.Unlock()
	c.onProcess()
}

func (c *Connector) onProcess() (processed bool) {
	if !c.lock(processing) {
		return false
	}
	c.submit(nil)
	return true
}

func (c *Connector) submit(prepare func()) {
	var task = func() {
		if prepare != nil {
			prepare()
		}
	START:
		for c.isProcessable() {
			c.process()
		}
		// Handling callback if connector has been closed.
		if !c.IsActive() {
			c.closeCallback(false)
			return
		}
		c.unlock(processing)
		// Double check when exiting, a close racing with the unlock has
		// already failed to take "processing".
		if (c.isProcessable() || !c.IsActive()) && c.lock(processing) {
			goto START
		}
		// task exits
	}

	gopool.CtxGo(c.ctx, task)
}

func (c *Connector) isProcessable() bool {
	c.inboxMu.Lock()
	defer c.inboxMu.Unlock()
	return c.inbox.Length() > 0
}

// process delivers the oldest inbound packet. Packets still queued after a
// local Close are dropped.
func (c *Connector) process() {
	c.inboxMu.Lock()
	if c.inbox.Length() == 0 {
		c.inboxMu.Unlock()
		return
	}
	var packet = c.inbox.Remove().(ReceivePacket)
	c.inboxMu.Unlock()

	if c.isCloseBy(user) {
		discard(packet)
		return
	}
	if err := c.handler.OnReceive(c.ctx, c, packet); err != nil {
		zlog.Errorf("connector %s OnReceive(%s): %v", c.id, packet.Type(), err)
		c.Close()
	}
}

// discard releases what a packet nobody will see left behind.
func discard(packet ReceivePacket) {
	if fp, ok := packet.(*FileReceivePacket); ok {
		if err := os.Remove(fp.Path()); err != nil && !os.IsNotExist(err) {
			zlog.Errorf("remove dropped file %s: %v", fp.Path(), err)
		}
	}
}

func (c *Connector) isIdle() bool {
	return c.isUnlock(processing) &&
		!c.isProcessable() &&
		c.sender.Pending() == 0
}
