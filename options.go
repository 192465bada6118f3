package zsock

import (
	"context"
	"os"
	"time"
)

const (
	defaultIoBufferSize = pageSize
	// DefaultMaxFrameSize bounds the body length a peer may declare.
	DefaultMaxFrameSize = 16 << 20
)

// Option configures a Connector, an EventLoop, or Dial.
type Option func(o *options)

type options struct {
	ctx            context.Context
	ioBufferSize   int
	maxFrameSize   int64
	receiveFactory ReceivePacketFactory
	receiveDir     string
	sendListener   SendListener
	keepAlive      time.Duration
	noDelay        bool
}

func newOptions(opts ...Option) *options {
	o := &options{
		ctx:          context.Background(),
		ioBufferSize: defaultIoBufferSize,
		maxFrameSize: DefaultMaxFrameSize,
		receiveDir:   os.TempDir(),
		noDelay:      true,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.receiveFactory == nil {
		o.receiveFactory = DefaultReceivePacketFactory(o.receiveDir)
	}
	return o
}

// WithContext sets the context passed to EventHandler callbacks of connectors
// accepted by an EventLoop, or created with a nil context.
func WithContext(ctx context.Context) Option {
	return func(o *options) {
		if ctx != nil {
			o.ctx = ctx
		}
	}
}

// WithIoBufferSize sets the capacity of the per-direction IoBuffers, which
// bounds the bytes moved by a single read or write.
func WithIoBufferSize(size int) Option {
	return func(o *options) {
		if size >= HeaderSize {
			o.ioBufferSize = size
		}
	}
}

// WithMaxFrameSize sets the largest body length accepted from and sent to a peer.
func WithMaxFrameSize(size int64) Option {
	return func(o *options) {
		if size > 0 && size <= maxFrameLength {
			o.maxFrameSize = size
		}
	}
}

func WithReceivePacketFactory(factory ReceivePacketFactory) Option {
	return func(o *options) {
		o.receiveFactory = factory
	}
}

// WithReceiveDir sets where the default factory stores received files.
func WithReceiveDir(dir string) Option {
	return func(o *options) {
		o.receiveDir = dir
	}
}

// WithSendListener registers a callback for the terminal state of every sent packet.
func WithSendListener(listener SendListener) Option {
	return func(o *options) {
		o.sendListener = listener
	}
}

func WithKeepAlive(period time.Duration) Option {
	return func(o *options) {
		o.keepAlive = period
	}
}

func WithNoDelay(noDelay bool) Option {
	return func(o *options) {
		o.noDelay = noDelay
	}
}

// SelectorOption configures a SelectorProvider.
type SelectorOption func(o *selectorOptions)

type selectorOptions struct {
	numLoops    int
	loadBalance LoadBalance
}

// WithNumLoops sets the number of poller goroutines.
func WithNumLoops(n int) SelectorOption {
	return func(o *selectorOptions) {
		o.numLoops = n
	}
}

func WithLoadBalance(lb LoadBalance) SelectorOption {
	return func(o *selectorOptions) {
		o.loadBalance = lb
	}
}
