// Package main implements an interactive chat and file-transfer shell on top
// of zsock connectors.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/desertbit/grumble"
	"github.com/jedib0t/go-pretty/table"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zhihanii/zsock"
)

const banner = `
   zsock-chat
   framed string and file transfer over epoll connectors
   -----------------------------------------------------
`

var (
	ioctx    *zsock.IoContext
	opts     []zsock.Option
	server   zsock.EventLoop
	serverMu sync.Mutex
	// dialed holds outbound connectors; accepted ones live in the server.
	dialed sync.Map
)

// handler prints what peers send and forgets closed outbound connectors.
var handler = zsock.HandlerFuncs{
	Connect: func(ctx context.Context, c *zsock.Connector) error {
		log.Info().Str("id", shortID(c)).Str("remote", c.RemoteAddr().String()).Msg("Peer connected")
		return nil
	},
	Receive: func(ctx context.Context, c *zsock.Connector, packet zsock.ReceivePacket) error {
		switch p := packet.(type) {
		case *zsock.StringReceivePacket:
			log.Info().Str("from", shortID(c)).Msg(p.String())
		case *zsock.FileReceivePacket:
			log.Info().Str("from", shortID(c)).Str("path", p.Path()).Int64("size", p.Length()).Msg("File received")
		default:
			log.Info().Str("from", shortID(c)).Str("type", packet.Type().String()).Int64("size", packet.Length()).Msg("Packet received")
		}
		return nil
	},
	Closed: func(ctx context.Context, c *zsock.Connector, err error) {
		dialed.Delete(c.ID().String())
		log.Info().Str("id", shortID(c)).AnErr("reason", err).Msg("Peer disconnected")
	},
}

func shortID(c *zsock.Connector) string {
	return c.ID().String()[:8]
}

// lookup finds a live connector by ID prefix, inbound or outbound.
func lookup(prefix string) (*zsock.Connector, error) {
	var matches []*zsock.Connector
	var match = func(c *zsock.Connector) bool {
		if strings.HasPrefix(c.ID().String(), prefix) {
			matches = append(matches, c)
		}
		return true
	}
	dialed.Range(func(key, value interface{}) bool {
		return match(value.(*zsock.Connector))
	})
	if s := currentServer(); s != nil {
		s.Range(match)
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no connection matches %q", prefix)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%q matches %d connections", prefix, len(matches))
	}
}

func currentServer() zsock.EventLoop {
	serverMu.Lock()
	defer serverMu.Unlock()
	return server
}

// RenderConnectorTable formats the live connectors with their traffic counters.
func RenderConnectorTable() string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{
		"ID",
		"Side",
		"Local",
		"Remote",
		"Sent",
		"Received",
		"Pending",
	})
	var appendRow = func(side string) func(c *zsock.Connector) bool {
		return func(c *zsock.Connector) bool {
			st := c.Stats()
			t.AppendRow(table.Row{
				shortID(c),
				side,
				c.LocalAddr().String(),
				c.RemoteAddr().String(),
				fmt.Sprintf("%d pkts / %d B", st.PacketsSent, st.BytesSent),
				fmt.Sprintf("%d pkts / %d B", st.PacketsReceived, st.BytesReceived),
				st.Pending,
			})
			return true
		}
	}
	var out = appendRow("out")
	dialed.Range(func(key, value interface{}) bool {
		return out(value.(*zsock.Connector))
	})
	if s := currentServer(); s != nil {
		s.Range(appendRow("in"))
	}
	return t.Render()
}

func AddCommands(app *grumble.App) {
	app.AddCommand(&grumble.Command{
		Name: "serve",
		Help: "accept connections on a TCP address",
		Flags: func(f *grumble.Flags) {
			f.String("l", "listen", "127.0.0.1:9527", "listen address")
		},
		Run: func(c *grumble.Context) error {
			serverMu.Lock()
			defer serverMu.Unlock()
			if server != nil {
				log.Warn().Msg("Server already running, use 'stop' first")
				return nil
			}
			ln, err := net.Listen("tcp", c.Flags.String("listen"))
			if err != nil {
				log.Error().Err(err).Msg("Cannot listen")
				return nil
			}
			var evl = zsock.NewEventLoop(ioctx, handler, opts...)
			server = evl
			go func() {
				if err := evl.Serve(ln); err != nil {
					log.Error().Err(err).Msg("Server stopped")
				}
			}()
			log.Info().Str("listen", ln.Addr().String()).Msg("Server started")
			return nil
		},
	})

	app.AddCommand(&grumble.Command{
		Name: "stop",
		Help: "stop accepting and close inbound connections",
		Flags: func(f *grumble.Flags) {
			f.Duration("t", "timeout", 5*time.Second, "how long to wait for idle connections")
		},
		Run: func(c *grumble.Context) error {
			serverMu.Lock()
			var evl = server
			server = nil
			serverMu.Unlock()
			if evl == nil {
				log.Warn().Msg("No server running")
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), c.Flags.Duration("timeout"))
			defer cancel()
			if err := evl.Shutdown(ctx); err != nil {
				log.Warn().Err(err).Msg("Forced close of busy connections")
			}
			log.Info().Msg("Server stopped")
			return nil
		},
	})

	app.AddCommand(&grumble.Command{
		Name:    "connect",
		Aliases: []string{"dial"},
		Help:    "open a connection to a peer",
		Flags: func(f *grumble.Flags) {
			f.Duration("t", "timeout", 5*time.Second, "connect timeout")
		},
		Args: func(a *grumble.Args) {
			a.String("address", "peer address, host:port")
		},
		Run: func(c *grumble.Context) error {
			ctx, cancel := context.WithTimeout(context.Background(), c.Flags.Duration("timeout"))
			defer cancel()
			conn, err := zsock.Dial(ctx, ioctx, "tcp", c.Args.String("address"), handler, opts...)
			if err != nil {
				log.Error().Err(err).Msg("Cannot connect")
				return nil
			}
			dialed.Store(conn.ID().String(), conn)
			log.Info().Str("id", shortID(conn)).Str("remote", conn.RemoteAddr().String()).Msg("Connected")
			return nil
		},
	})

	app.AddCommand(&grumble.Command{
		Name: "send",
		Help: "send a text message",
		Args: func(a *grumble.Args) {
			a.String("id", "connection ID or prefix")
			a.StringList("text", "message words")
		},
		Run: func(c *grumble.Context) error {
			conn, err := lookup(c.Args.String("id"))
			if err != nil {
				log.Warn().Msg(err.Error())
				return nil
			}
			if err = conn.Send(strings.Join(c.Args.StringList("text"), " ")); err != nil {
				log.Error().Err(err).Msg("Send failed")
			}
			return nil
		},
	})

	app.AddCommand(&grumble.Command{
		Name: "sendfile",
		Help: "send a file",
		Args: func(a *grumble.Args) {
			a.String("id", "connection ID or prefix")
			a.String("path", "file to send")
		},
		Run: func(c *grumble.Context) error {
			conn, err := lookup(c.Args.String("id"))
			if err != nil {
				log.Warn().Msg(err.Error())
				return nil
			}
			var path = c.Args.String("path")
			if err = conn.SendFile(path); err != nil {
				log.Error().Err(err).Str("path", path).Msg("Send file failed")
				return nil
			}
			log.Info().Str("path", path).Msg("File queued")
			return nil
		},
	})

	app.AddCommand(&grumble.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Help:    "list live connections",
		Run: func(c *grumble.Context) error {
			c.App.Println(RenderConnectorTable())
			return nil
		},
	})

	app.AddCommand(&grumble.Command{
		Name: "close",
		Help: "close a connection",
		Args: func(a *grumble.Args) {
			a.String("id", "connection ID or prefix")
		},
		Run: func(c *grumble.Context) error {
			conn, err := lookup(c.Args.String("id"))
			if err != nil {
				log.Warn().Msg(err.Error())
				return nil
			}
			if err = conn.Close(); err != nil {
				log.Warn().Err(err).Msg("Close reported errors")
			}
			return nil
		},
	})
}

func main() {
	configureLogging()

	app := setupCLI()
	AddCommands(app)

	err := app.Run()
	if s := currentServer(); s != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		s.Shutdown(ctx)
		cancel()
	}
	if ioctx != nil {
		ioctx.Close()
	}
	if err != nil {
		log.Fatal().Msg(err.Error())
	}
}

func configureLogging() {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05",
	})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func setupCLI() *grumble.App {
	var histFile string
	home, err := os.UserHomeDir()
	if err != nil {
		histFile = ".zsock-chat"
	} else {
		histFile = filepath.Join(home, ".zsock-chat")
	}

	app := grumble.New(&grumble.Config{
		Name:        "zsock-chat",
		HistoryFile: histFile,
		Flags: func(f *grumble.Flags) {
			f.Int("n", "loops", 0, "number of poller goroutines, 0 picks a default")
			f.String("r", "recv-dir", os.TempDir(), "directory for received files")
			f.Int("b", "buffer", 8*1024, "per-connection I/O buffer size")
			f.Int("m", "max-frame", zsock.DefaultMaxFrameSize, "largest accepted packet body in bytes")
			f.Duration("k", "keepalive", 0, "TCP keep-alive period, 0 disables")
		},
	})

	app.SetPrintASCIILogo(func(a *grumble.App) {
		fmt.Print(banner)
	})

	app.OnInit(func(a *grumble.App, flags grumble.FlagMap) error {
		var selectorOpts []zsock.SelectorOption
		if n := flags.Int("loops"); n > 0 {
			selectorOpts = append(selectorOpts, zsock.WithNumLoops(n))
		}
		var err error
		ioctx, err = zsock.Setup(selectorOpts...)
		if err != nil {
			return fmt.Errorf("failed to start selector: %v", err)
		}
		opts = []zsock.Option{
			zsock.WithReceiveDir(flags.String("recv-dir")),
			zsock.WithIoBufferSize(flags.Int("buffer")),
			zsock.WithMaxFrameSize(int64(flags.Int("max-frame"))),
			zsock.WithKeepAlive(flags.Duration("keepalive")),
			zsock.WithSendListener(func(c *zsock.Connector, packet zsock.SendPacket, status zsock.PacketStatus) {
				if status != zsock.PacketSent {
					log.Warn().Str("id", shortID(c)).Str("type", packet.Type().String()).Str("status", status.String()).Msg("Packet not delivered")
				}
			}),
		}
		return nil
	})

	return app
}
