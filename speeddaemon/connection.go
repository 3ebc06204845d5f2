package speeddaemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	AlreadyIdentifiedError             = &ErrorMessage{Msg: "client has already identified itself"}
	NotACameraError                    = &ErrorMessage{Msg: "client is not a camera"}
	MultipleWantHeartbeatMessagesError = &ErrorMessage{Msg: "multiple WantHeartbeat messages"}
)

func illegalMessage(t MessageType) *ErrorMessage {
	return &ErrorMessage{Msg: fmt.Sprintf("illegal message: %02X", uint8(t))}
}

// Conn is one client connection.
//
// Its read loop owns role and heartbeatRequested. Everything it writes goes through out, which
// a single writer goroutine drains, so frames never interleave on the socket.
type Conn struct {
	net.Conn
	ID ConnID

	core               *Core
	out                *outbox
	role               role
	heartbeatRequested bool

	// tasks runs the writer and, once armed, the heartbeat.
	tasks errgroup.Group
}

func newConn(conn net.Conn, id ConnID, core *Core) *Conn {
	return &Conn{
		Conn: conn,
		ID:   id,
		core: core,
		out:  newOutbox(),
		role: unidentified{},
	}
}

// serve runs the connection until the client goes away, breaks the protocol, or ctx is
// cancelled. The core always hears about the disconnect, whichever way serve returns.
func (c *Conn) serve(ctx context.Context) error {
	if err := c.core.Submit(ctx, connected{ID: c.ID, Outbox: c.out}); err != nil {
		return err
	}
	defer func() {
		if err := c.core.Submit(context.WithoutCancel(ctx), disconnected{ID: c.ID}); err != nil {
			slog.Debug("could not deregister connection", "connection", c.ID, "err", err)
		}
	}()

	stop := context.AfterFunc(ctx, func() { _ = c.Conn.Close() })
	defer stop()

	c.tasks.Go(c.writeLoop)

	err := c.readLoop(ctx)
	// Anything queued so far, including an Error frame, is flushed before the socket closes.
	c.out.Close()
	if werr := c.tasks.Wait(); err == nil {
		err = werr
	}
	return err
}

func (c *Conn) readLoop(ctx context.Context) error {
	r := bufio.NewReader(c.Conn)
	for {
		m, err := ReadMessage(r)
		if err != nil {
			var unknown *UnknownOpcodeError
			switch {
			case errors.Is(err, io.EOF):
				return nil
			case errors.As(err, &unknown):
				return c.fail(illegalMessage(unknown.Type))
			default:
				return err
			}
		}

		if err := c.handle(ctx, m); err != nil {
			return err
		}
	}
}

func (c *Conn) handle(ctx context.Context, m Message) error {
	switch m := m.(type) {
	case *IAmCameraMessage:
		if _, ok := c.role.(unidentified); !ok {
			return c.fail(AlreadyIdentifiedError)
		}
		camera := Camera{Road: m.Road, Mile: m.Mile, Limit: m.Limit}
		c.role = camera
		slog.Info("camera connected", "connection", c.ID, "road", camera.Road, "mile", camera.Mile, "limit", camera.Limit)
		return c.core.Submit(ctx, cameraIdentified{ID: c.ID, Camera: camera})

	case *IAmDispatcherMessage:
		if _, ok := c.role.(unidentified); !ok {
			return c.fail(AlreadyIdentifiedError)
		}
		c.role = TicketDispatcher{Roads: m.Roads}
		slog.Info("dispatcher connected", "connection", c.ID, "roads", m.Roads)
		return c.core.Submit(ctx, dispatcherIdentified{ID: c.ID, Roads: m.Roads})

	case *PlateMessage:
		if _, ok := c.role.(Camera); !ok {
			return c.fail(NotACameraError)
		}
		slog.Debug("received plate message", "connection", c.ID, "plate", m.Plate, "timestamp", m.Timestamp)
		return c.core.Submit(ctx, plateObserved{ID: c.ID, Plate: *m})

	case *WantHeartbeatMessage:
		// It is an error for a client to send multiple WantHeartbeat messages on a single connection.
		if c.heartbeatRequested {
			return c.fail(MultipleWantHeartbeatMessagesError)
		}
		c.heartbeatRequested = true
		if m.Interval == 0 {
			return nil
		}
		interval := time.Duration(m.Interval) * Decisecond
		slog.Debug("heartbeat armed", "connection", c.ID, "interval", interval)
		c.tasks.Go(func() error {
			heartbeat(c.ID, c.out, interval)
			return nil
		})
		return nil

	default:
		// Error, Ticket and Heartbeat only ever travel from server to client.
		return c.fail(illegalMessage(m.Type()))
	}
}

// fail queues m for the client and returns it as the reason the connection ends.
func (c *Conn) fail(m *ErrorMessage) error {
	ProtocolErrors.Add(1)
	slog.Debug("protocol violation", "connection", c.ID, "role", c.role.roleName(), "err", m.Msg)
	c.out.Push(m)
	return m
}

func (c *Conn) writeLoop() error {
	w := bufio.NewWriter(c.Conn)
	for {
		batch := c.out.next()
		if batch == nil {
			return nil
		}
		for _, m := range batch {
			if err := WriteMessage(w, m); err != nil {
				return c.abortWrites(err)
			}
		}
		if err := w.Flush(); err != nil {
			return c.abortWrites(err)
		}
	}
}

// abortWrites stops the connection after a failed write. Closing the socket unblocks the read
// loop.
func (c *Conn) abortWrites(err error) error {
	c.out.Close()
	_ = c.Conn.Close()
	return fmt.Errorf("write error: %w", err)
}
