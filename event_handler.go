package zsock

import "context"

type OnConnect func(ctx context.Context, c *Connector) error
type OnReceive func(ctx context.Context, c *Connector, packet ReceivePacket) error
type OnClosed func(ctx context.Context, c *Connector, err error)

// EventHandler receives the lifecycle of a Connector. All callbacks of one
// connector run sequentially on a worker goroutine, never on a poller.
type EventHandler interface {
	// OnConnect runs before any packet is delivered. Returning an error closes
	// the connector.
	OnConnect(ctx context.Context, c *Connector) error
	// OnReceive is called once per fully received packet, in stream order.
	// Returning an error closes the connector.
	OnReceive(ctx context.Context, c *Connector, packet ReceivePacket) error
	// OnClosed is called exactly once, after the last OnReceive. err is
	// ErrConnectorClosed when Close was called locally.
	OnClosed(ctx context.Context, c *Connector, err error)
}

// HandlerFuncs adapts plain functions to an EventHandler. Nil fields are no-ops.
type HandlerFuncs struct {
	Connect OnConnect
	Receive OnReceive
	Closed  OnClosed
}

var _ EventHandler = HandlerFuncs{}

func (h HandlerFuncs) OnConnect(ctx context.Context, c *Connector) error {
	if h.Connect == nil {
		return nil
	}
	return h.Connect(ctx, c)
}

func (h HandlerFuncs) OnReceive(ctx context.Context, c *Connector, packet ReceivePacket) error {
	if h.Receive == nil {
		return nil
	}
	return h.Receive(ctx, c, packet)
}

func (h HandlerFuncs) OnClosed(ctx context.Context, c *Connector, err error) {
	if h.Closed != nil {
		h.Closed(ctx, c, err)
	}
}
