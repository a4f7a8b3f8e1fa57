// Package bus provides an embedded message bus for fanning background
// pipeline work out to independent consumers — the snapshotter, the DLQ
// reaper, and the tiering scan (SPEC_FULL.md §2: "Background pipeline
// fan-out"). Running the broker in-process means cmd/akidb stays a
// single binary with no external NATS deployment to operate.
package bus

import (
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Bus owns an embedded NATS server and a client connection to it.
// Grounded on the teacher's startTestNATSServer in
// pkg/mcp/operations_test.go (in-process natsserver.Server bound to an
// ephemeral port, NoLog/NoSigs since the host process owns logging and
// signal handling), generalized from a test fixture into a long-lived
// component cmd/akidb starts once.
type Bus struct {
	server *natsserver.Server
	conn   *nats.Conn
	logger *zap.Logger
}

// Options configures the embedded server. Host/Port default to
// 127.0.0.1 on an ephemeral port — this bus is never exposed outside the
// process.
type Options struct {
	Host           string
	Port           int // 0 or negative picks a random ephemeral port
	ConnectTimeout time.Duration
	ReadyTimeout   time.Duration
}

// DefaultOptions returns a loopback-only, ephemeral-port configuration.
func DefaultOptions() Options {
	return Options{
		Host:           "127.0.0.1",
		Port:           -1,
		ConnectTimeout: 5 * time.Second,
		ReadyTimeout:   5 * time.Second,
	}
}

// New starts the embedded server and connects a client to it.
func New(opts Options, logger *zap.Logger) (*Bus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Port <= 0 {
		opts.Port = -1 // nats-server's random-port value; 0 would mean its fixed default port
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 5 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}

	srv, err := natsserver.NewServer(&natsserver.Options{
		Host:           opts.Host,
		Port:           opts.Port,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 2048,
	})
	if err != nil {
		return nil, fmt.Errorf("bus: starting embedded NATS server: %w", err)
	}

	go srv.Start()
	if !srv.ReadyForConnections(opts.ReadyTimeout) {
		srv.Shutdown()
		return nil, fmt.Errorf("bus: embedded NATS server did not become ready within %s", opts.ReadyTimeout)
	}

	conn, err := nats.Connect(srv.ClientURL(),
		nats.Timeout(opts.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("bus: connecting to embedded NATS server: %w", err)
	}

	logger.Info("embedded bus started", zap.String("url", srv.ClientURL()))
	return &Bus{server: srv, conn: conn, logger: logger}, nil
}

// Conn exposes the underlying client connection for components that need
// finer control than the typed helpers in events.go provide.
func (b *Bus) Conn() *nats.Conn {
	return b.conn
}

// Close drains the client connection and shuts the embedded server down,
// waiting for it to finish.
func (b *Bus) Close() {
	if b.conn != nil {
		if err := b.conn.Drain(); err != nil {
			b.logger.Warn("bus: error draining connection", zap.Error(err))
		}
	}
	if b.server != nil {
		b.server.Shutdown()
		b.server.WaitForShutdown()
	}
}
