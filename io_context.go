package zsock

import (
	"sync"
)

// IoContext holds the selector shared by every Connector of a process. Its
// lifetime is explicit: Init once at start, Close once at stop.
type IoContext struct {
	mu       sync.RWMutex
	selector IoSelector
	closed   bool
}

func NewIoContext() *IoContext {
	return &IoContext{}
}

// Init installs the shared selector.
func (c *IoContext) Init(selector IoSelector) error {
	if selector == nil {
		return ErrIoContextNotInitialized
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selector != nil || c.closed {
		return ErrIoContextInitialized
	}
	c.selector = selector
	return nil
}

// Selector returns the shared selector, or ErrIoContextNotInitialized before
// Init and after Close.
func (c *IoContext) Selector() (IoSelector, error) {
	if c == nil {
		return nil, ErrIoContextNotInitialized
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.selector == nil {
		return nil, ErrIoContextNotInitialized
	}
	return c.selector, nil
}

// Close closes the selector. Connectors registered on it observe their
// channel closing.
func (c *IoContext) Close() error {
	c.mu.Lock()
	var selector = c.selector
	c.selector = nil
	c.closed = true
	c.mu.Unlock()
	if selector == nil {
		return nil
	}
	return selector.Close()
}

// Setup creates a SelectorProvider and an IoContext bound to it.
func Setup(opts ...SelectorOption) (*IoContext, error) {
	selector, err := NewSelectorProvider(opts...)
	if err != nil {
		return nil, err
	}
	ctx := NewIoContext()
	if err = ctx.Init(selector); err != nil {
		selector.Close()
		return nil, err
	}
	return ctx, nil
}
