package zsock

import (
	"context"
	"net"
)

// Dial connects to address and runs the connection as a Connector on the
// selector of ioctx. ctx bounds the connect only; handler callbacks get a
// context that is not canceled with it.
func Dial(ctx context.Context, ioctx *IoContext, network, address string, handler EventHandler, opts ...Option) (*Connector, error) {
	if _, err := ioctx.Selector(); err != nil {
		return nil, err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	c, err := NewConnector(context.WithoutCancel(ctx), ioctx, conn, handler, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}
