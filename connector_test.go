package zsock

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/eapache/queue"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

func setupIoContext(t *testing.T) *IoContext {
	t.Helper()
	ioctx, err := Setup(WithNumLoops(2))
	require.NoError(t, err)
	t.Cleanup(func() { ioctx.Close() })
	return ioctx
}

// recorder is an EventHandler that forwards every callback to channels.
type recorder struct {
	connected chan *Connector
	received  chan ReceivePacket
	closed    chan error

	mu     sync.Mutex
	events []string
}

func newRecorder() *recorder {
	return &recorder{
		connected: make(chan *Connector, 16),
		received:  make(chan ReceivePacket, 1024),
		closed:    make(chan error, 16),
	}
}

func (r *recorder) record(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) history() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) OnConnect(ctx context.Context, c *Connector) error {
	r.record("connect")
	r.connected <- c
	return nil
}

func (r *recorder) OnReceive(ctx context.Context, c *Connector, packet ReceivePacket) error {
	r.record("receive")
	r.received <- packet
	return nil
}

func (r *recorder) OnClosed(ctx context.Context, c *Connector, err error) {
	r.record("closed")
	r.closed <- err
}

func (r *recorder) nextPacket(t *testing.T) ReceivePacket {
	t.Helper()
	select {
	case p := <-r.received:
		return p
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for packet")
	}
	return nil
}

func (r *recorder) nextConnector(t *testing.T) *Connector {
	t.Helper()
	select {
	case c := <-r.connected:
		return c
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for connect")
	}
	return nil
}

func (r *recorder) closeErr(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.closed:
		return err
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for close")
	}
	return nil
}

// startServer serves on a loopback port and returns its address.
func startServer(t *testing.T, ioctx *IoContext, handler EventHandler, opts ...Option) (EventLoop, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	evl := NewEventLoop(ioctx, handler, opts...)
	served := make(chan error, 1)
	go func() { served <- evl.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		evl.Shutdown(ctx)
		<-served
	})
	return evl, ln.Addr().String()
}

func dialTest(t *testing.T, ioctx *IoContext, addr string, handler EventHandler, opts ...Option) *Connector {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	c, err := Dial(ctx, ioctx, "tcp", addr, handler, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestConnectorStringRoundTrip(t *testing.T) {
	ioctx := setupIoContext(t)
	echo := HandlerFuncs{
		Receive: func(ctx context.Context, c *Connector, packet ReceivePacket) error {
			return c.Send("echo:" + packet.(*StringReceivePacket).String())
		},
	}
	_, addr := startServer(t, ioctx, echo)

	client := newRecorder()
	c := dialTest(t, ioctx, addr, client)
	require.True(t, c.IsActive())
	require.NotEqual(t, c.LocalAddr().String(), c.RemoteAddr().String())

	require.NoError(t, c.Send("hello"))
	require.NoError(t, c.Send(""))
	require.Equal(t, "echo:hello", client.nextPacket(t).(*StringReceivePacket).String())
	require.Equal(t, "echo:", client.nextPacket(t).(*StringReceivePacket).String())

	require.Eventually(t, func() bool {
		st := c.Stats()
		return st.PacketsSent == 2 && st.PacketsReceived == 2 && st.Pending == 0
	}, testTimeout, 10*time.Millisecond)
	st := c.Stats()
	require.Equal(t, int64(2*HeaderSize+len("hello")), st.BytesSent)
	require.Equal(t, int64(2*HeaderSize+len("echo:hello")+len("echo:")), st.BytesReceived)
}

func TestConnectorFileTransfer(t *testing.T) {
	ioctx := setupIoContext(t)
	server := newRecorder()
	recvDir := t.TempDir()
	_, addr := startServer(t, ioctx, server, WithReceiveDir(recvDir), WithIoBufferSize(512))

	content := make([]byte, 256*1024+17)
	rand.New(rand.NewSource(1)).Read(content)
	path := filepath.Join(t.TempDir(), "upload.bin")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	statuses := make(chan PacketStatus, 1)
	c := dialTest(t, ioctx, addr, nil, WithIoBufferSize(1024), WithSendListener(func(_ *Connector, p SendPacket, s PacketStatus) {
		statuses <- s
	}))
	require.NoError(t, c.SendFile(path))

	fp := server.nextPacket(t).(*FileReceivePacket)
	require.Equal(t, recvDir, filepath.Dir(fp.Path()))
	require.Equal(t, int64(len(content)), fp.Length())
	got, err := os.ReadFile(fp.Path())
	require.NoError(t, err)
	require.True(t, bytes.Equal(content, got))

	select {
	case s := <-statuses:
		require.Equal(t, PacketSent, s)
	case <-time.After(testTimeout):
		t.Fatal("no send completion")
	}
}

func TestConnectorPreservesOrder(t *testing.T) {
	ioctx := setupIoContext(t)
	server := newRecorder()
	_, addr := startServer(t, ioctx, server)
	c := dialTest(t, ioctx, addr, nil, WithIoBufferSize(64))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 300; i++ {
			if i%3 == 0 {
				c.SendBytes([]byte{byte(i)})
			} else {
				c.Send(string(rune('a' + i%26)))
			}
		}
	}()
	for i := 0; i < 300; i++ {
		p := server.nextPacket(t)
		if i%3 == 0 {
			require.Equal(t, []byte{byte(i)}, p.(*BytesReceivePacket).Bytes())
		} else {
			require.Equal(t, string(rune('a'+i%26)), p.(*StringReceivePacket).String())
		}
	}
	wg.Wait()
}

func TestConnectorConnectPrecedesReceive(t *testing.T) {
	ioctx := setupIoContext(t)
	server := newRecorder()
	_, addr := startServer(t, ioctx, server)
	c := dialTest(t, ioctx, addr, nil)
	require.NoError(t, c.Send("one"))
	server.nextPacket(t)

	require.NoError(t, c.Close())
	require.ErrorIs(t, server.closeErr(t), ErrPeerClosed)
	require.Equal(t, []string{"connect", "receive", "closed"}, server.history())
}

func TestConnectorCloseIdempotent(t *testing.T) {
	ioctx := setupIoContext(t)
	server := newRecorder()
	_, addr := startServer(t, ioctx, server)

	client := newRecorder()
	c := dialTest(t, ioctx, addr, client)
	client.nextConnector(t)
	peer := server.nextConnector(t)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.False(t, c.IsActive())
	require.ErrorIs(t, client.closeErr(t), ErrConnectorClosed)
	select {
	case <-c.Done():
	case <-time.After(testTimeout):
		t.Fatal("Done not closed")
	}
	require.ErrorIs(t, c.Err(), ErrConnectorClosed)

	p := NewStringSendPacket("late")
	require.ErrorIs(t, c.SendPacket(p), ErrConnectorClosed)
	require.True(t, p.IsCanceled())

	// the peer observes the hang-up
	require.ErrorIs(t, server.closeErr(t), ErrPeerClosed)
	<-peer.Done()
	require.False(t, peer.IsActive())
	require.NoError(t, peer.Close())

	// OnClosed ran exactly once on each side
	select {
	case err := <-client.closed:
		t.Fatalf("second close notification: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnectorCloseCancelsPending(t *testing.T) {
	ioctx := setupIoContext(t)
	_, addr := startServer(t, ioctx, nil)

	var mu sync.Mutex
	statuses := make(map[SendPacket]PacketStatus)
	var dup bool
	c := dialTest(t, ioctx, addr, nil, WithSendListener(func(_ *Connector, p SendPacket, s PacketStatus) {
		mu.Lock()
		if _, ok := statuses[p]; ok {
			dup = true
		}
		statuses[p] = s
		mu.Unlock()
	}))

	var packets []SendPacket
	for i := 0; i < 20; i++ {
		p := NewBytesSendPacket(make([]byte, 256*1024))
		packets = append(packets, p)
		require.NoError(t, c.SendPacket(p))
	}
	require.NoError(t, c.Close())

	// a completion racing with Close may be reported just after it returns
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) == len(packets)
	}, testTimeout, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.False(t, dup)
	canceled := 0
	for _, p := range packets {
		s := statuses[p]
		require.Contains(t, []PacketStatus{PacketSent, PacketCanceled}, s)
		if s == PacketCanceled {
			canceled++
			require.True(t, p.IsCanceled())
		}
	}
	// 5MB cannot all be written before Close returns
	require.Positive(t, canceled)
	require.Equal(t, 0, c.Stats().Pending)
}

func TestConnectorRejectsOversizedFrame(t *testing.T) {
	ioctx := setupIoContext(t)
	server := newRecorder()
	_, addr := startServer(t, ioctx, server, WithMaxFrameSize(1024))

	raw, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer raw.Close()
	server.nextConnector(t)

	var header [HeaderSize]byte
	encodeHeader(header[:], PacketTypeBytes, 1025)
	_, err = raw.Write(header[:])
	require.NoError(t, err)

	require.ErrorIs(t, server.closeErr(t), ErrFrameTooLarge)
	raw.SetReadDeadline(time.Now().Add(testTimeout))
	_, err = raw.Read(make([]byte, 1))
	require.Error(t, err)
}

func TestConnectorUnknownPacketType(t *testing.T) {
	ioctx := setupIoContext(t)
	server := newRecorder()
	_, addr := startServer(t, ioctx, server)

	raw, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer raw.Close()

	_, err = raw.Write(appendFrame(nil, PacketType(200), []byte("??")))
	require.NoError(t, err)
	require.ErrorIs(t, server.closeErr(t), ErrUnknownPacketType)
}

func TestConnectorHandlerErrorCloses(t *testing.T) {
	ioctx := setupIoContext(t)
	boom := errors.New("boom")
	closed := make(chan error, 1)
	_, addr := startServer(t, ioctx, HandlerFuncs{
		Receive: func(context.Context, *Connector, ReceivePacket) error { return boom },
		Closed:  func(_ context.Context, _ *Connector, err error) { closed <- err },
	})
	c := dialTest(t, ioctx, addr, nil)
	require.NoError(t, c.Send("trigger"))

	select {
	case err := <-closed:
		require.ErrorIs(t, err, ErrConnectorClosed)
	case <-time.After(testTimeout):
		t.Fatal("server connector not closed")
	}
	select {
	case <-c.Done():
		require.ErrorIs(t, c.Err(), ErrPeerClosed)
	case <-time.After(testTimeout):
		t.Fatal("client not notified")
	}
}

func TestConnectorDropsFileAfterClose(t *testing.T) {
	delivered := false
	c := &Connector{
		inbox: queue.New(),
		handler: HandlerFuncs{Receive: func(context.Context, *Connector, ReceivePacket) error {
			delivered = true
			return nil
		}},
	}
	require.True(t, c.closeBy(user))

	fp, err := NewFileReceivePacket(t.TempDir(), 3)
	require.NoError(t, err)
	_, err = fp.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, fp.Close())
	c.inbox.Add(fp)

	c.process()
	require.False(t, delivered)
	_, err = os.Stat(fp.Path())
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestConnectorCloseCallbacks(t *testing.T) {
	ioctx := setupIoContext(t)
	_, addr := startServer(t, ioctx, nil)
	c := dialTest(t, ioctx, addr, nil)

	var order []int
	require.NoError(t, c.AddCloseCallback(func(*Connector) error { order = append(order, 1); return nil }))
	require.NoError(t, c.AddCloseCallback(func(*Connector) error { order = append(order, 2); return nil }))
	require.NoError(t, c.AddCloseCallback(nil))
	require.NoError(t, c.Close())
	<-c.Done()
	require.Equal(t, []int{2, 1}, order)
}

func TestNewConnectorRequiresIoContext(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	_, err := NewConnector(context.Background(), NewIoContext(), a, nil)
	require.ErrorIs(t, err, ErrIoContextNotInitialized)

	_, err = Dial(context.Background(), NewIoContext(), "tcp", "127.0.0.1:1", nil)
	require.ErrorIs(t, err, ErrIoContextNotInitialized)
}

func TestNewConnectorRejectsPipe(t *testing.T) {
	ioctx := setupIoContext(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	_, err := NewConnector(context.Background(), ioctx, a, nil)
	require.Error(t, err)
}

func TestConnectorSelectorClosed(t *testing.T) {
	ioctx, err := Setup(WithNumLoops(1))
	require.NoError(t, err)
	_, addr := startServer(t, setupIoContext(t), nil)

	client := newRecorder()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	c, err := Dial(ctx, ioctx, "tcp", addr, client)
	require.NoError(t, err)

	require.NoError(t, ioctx.Close())
	require.ErrorIs(t, client.closeErr(t), ErrChannelClosed)
	require.False(t, c.IsActive())
}

func TestEventLoopShutdown(t *testing.T) {
	ioctx := setupIoContext(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server := newRecorder()
	evl := NewEventLoop(ioctx, server)
	served := make(chan error, 1)
	go func() { served <- evl.Serve(ln) }()

	client := newRecorder()
	dialTest(t, ioctx, ln.Addr().String(), client)
	server.nextConnector(t)

	count := 0
	evl.Range(func(*Connector) bool {
		count++
		return true
	})
	require.Equal(t, 1, count)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, evl.Shutdown(ctx))
	require.NoError(t, <-served)
	require.ErrorIs(t, client.closeErr(t), ErrPeerClosed)
	require.ErrorIs(t, server.closeErr(t), ErrConnectorClosed)

	// the listener no longer accepts
	_, err = net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	require.Error(t, err)
}

func TestEventLoopShutdownBeforeServe(t *testing.T) {
	evl := NewEventLoop(setupIoContext(t), nil)
	require.NoError(t, evl.Shutdown(context.Background()))
}
