package speeddaemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// SpeedLimitEnforcementServer coordinates enforcement of average speed limits on the Freedom Island road network.
//
// Two types of clients are supported: cameras and ticket dispatchers.
// Clients connect over TCP and speak a protocol using a binary format.
//
// When the client does something that the protocol declares "an error", the server must send the
// client an appropriate Error message and immediately disconnect that client.
type SpeedLimitEnforcementServer struct {
	ConnectionID atomic.Uint64

	Core *Core
}

// NewSpeedLimitEnforcementServer returns a server whose core queues up to queueSize inbound
// events and reports issued tickets to observer, which may be nil.
func NewSpeedLimitEnforcementServer(queueSize int, observer TicketObserver) *SpeedLimitEnforcementServer {
	return &SpeedLimitEnforcementServer{Core: NewCore(queueSize, observer)}
}

// Serve runs the core and accepts connections from l until ctx is cancelled. It returns
// ErrCoreUnavailable if the core stops while the server is still running.
func (s *SpeedLimitEnforcementServer) Serve(ctx context.Context, l net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := s.Core.Run(ctx)
		if ctx.Err() == nil {
			return fmt.Errorf("%w: %v", ErrCoreUnavailable, err)
		}
		return nil
	})

	g.Go(func() error {
		stop := context.AfterFunc(ctx, func() { _ = l.Close() })
		defer stop()

		slog.Info("speed daemon listening", "addr", l.Addr())
		for {
			conn, err := l.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if errors.Is(err, net.ErrClosed) {
					return fmt.Errorf("accept: %w", err)
				}
				slog.Error("accept error", "err", err)
				continue
			}
			g.Go(func() error {
				return s.Handle(ctx, conn)
			})
		}
	})

	return g.Wait()
}

// Handle handles a client connection. It only returns an error the whole server should stop on;
// everything that ends just this connection is logged here.
func (s *SpeedLimitEnforcementServer) Handle(ctx context.Context, conn net.Conn) error {
	client := newConn(conn, ConnID(s.ConnectionID.Add(1)), s.Core)
	ConnectionsAccepted.Add(1)
	ConnectionsActive.Add(1)
	defer ConnectionsActive.Add(-1)
	defer closeOrLog(client)

	slog.Info("client connected", "connection", client.ID, "remote_addr", conn.RemoteAddr())

	err := client.serve(ctx)

	var violation *ErrorMessage
	var malformed *FrameError
	switch {
	case err == nil:
		slog.Info("client disconnected", "connection", client.ID)
	case errors.As(err, &violation):
		slog.Info("protocol error, disconnecting client", "connection", client.ID, "err", violation.Msg)
	case errors.As(err, &malformed):
		FrameErrors.Add(1)
		slog.Debug("malformed frame, disconnecting client", "connection", client.ID, "err", malformed)
	case errors.Is(err, ErrCoreUnavailable) && ctx.Err() == nil:
		slog.Error("dispatch core unavailable", "connection", client.ID)
		return err
	case isExpectedCloseError(err) || ctx.Err() != nil:
		slog.Info("client disconnected", "connection", client.ID)
	default:
		slog.Error("connection error", "connection", client.ID, "err", err)
	}
	return nil
}

func closeOrLog(conn net.Conn) {
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		slog.Error("error closing connection", "err", err, "remote_addr", conn.RemoteAddr())
	}
}

// isExpectedCloseError reports whether err is a normal connection termination: EOF, closed
// connection, broken pipe, or connection reset.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
