package zsock

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSelectorProviderRegister(t *testing.T) {
	s, err := NewSelectorProvider(WithNumLoops(2), WithLoadBalance(Random))
	require.NoError(t, err)
	defer s.Close()
	require.Len(t, s.pollers, 2)

	a, b := socketpair(t)
	readable := make(chan struct{}, 1)
	op := &FDOperator{FD: a, OnRead: func(Poller) { readable <- struct{}{} }}
	require.NoError(t, s.RegisterRead(op))
	require.Equal(t, 1, s.NumRegistered())

	_, err = unix.Write(b, []byte("x"))
	require.NoError(t, err)
	expectSignal(t, readable)

	require.NoError(t, s.Unregister(op))
	require.NoError(t, s.Unregister(op))
	require.Equal(t, 0, s.NumRegistered())
	require.ErrorIs(t, s.RegisterRead(op), ErrChannelClosed)
}

func TestSelectorProviderUnregisterUnbound(t *testing.T) {
	s, err := NewSelectorProvider(WithNumLoops(1))
	require.NoError(t, err)
	defer s.Close()

	a, _ := socketpair(t)
	op := &FDOperator{FD: a}
	require.NoError(t, s.Unregister(op))
	require.ErrorIs(t, s.RegisterWrite(op), ErrChannelClosed)
	require.Equal(t, 0, s.NumRegistered())
}

func TestSelectorProviderClose(t *testing.T) {
	s, err := NewSelectorProvider(WithNumLoops(1))
	require.NoError(t, err)

	a, _ := socketpair(t)
	hup := make(chan struct{}, 1)
	op := &FDOperator{FD: a, OnHup: func(Poller) { hup <- struct{}{} }}
	require.NoError(t, s.RegisterRead(op))

	require.NoError(t, s.Close())
	expectSignal(t, hup)
	require.NoError(t, s.Close())

	a2, _ := socketpair(t)
	require.ErrorIs(t, s.RegisterRead(&FDOperator{FD: a2}), ErrSelectorClosed)
}

func TestSelectorProviderInvalidLoops(t *testing.T) {
	_, err := NewSelectorProvider(WithNumLoops(0))
	require.Error(t, err)
}

func TestIoContextLifecycle(t *testing.T) {
	ctx := NewIoContext()
	_, err := ctx.Selector()
	require.ErrorIs(t, err, ErrIoContextNotInitialized)

	s, err := NewSelectorProvider(WithNumLoops(1))
	require.NoError(t, err)
	require.NoError(t, ctx.Init(s))
	require.ErrorIs(t, ctx.Init(s), ErrIoContextInitialized)

	got, err := ctx.Selector()
	require.NoError(t, err)
	require.Same(t, s, got)

	require.NoError(t, ctx.Close())
	require.NoError(t, ctx.Close())
	_, err = ctx.Selector()
	require.ErrorIs(t, err, ErrIoContextNotInitialized)
	require.ErrorIs(t, ctx.Init(s), ErrIoContextInitialized)
	require.True(t, s.closed.Load())
}

func TestSetup(t *testing.T) {
	ioctx, err := Setup(WithNumLoops(1))
	require.NoError(t, err)
	_, err = ioctx.Selector()
	require.NoError(t, err)
	require.NoError(t, ioctx.Close())

	var nilCtx *IoContext
	_, err = nilCtx.Selector()
	require.ErrorIs(t, err, ErrIoContextNotInitialized)
}
