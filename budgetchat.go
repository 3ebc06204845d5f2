package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"slices"
	"strings"
	"unicode"

	"golang.org/x/sync/errgroup"
)

// memberBuffer is how many lines may wait for a member's socket before the room evicts them.
const memberBuffer = 256

var (
	errRoomClosed = errors.New("budgetchat: room closed")
	errNameTaken  = errors.New("username already taken")
	errBadName    = errors.New("username must be one or more ASCII letters or digits")
)

// BudgetChat is a simple TCP-based chat room protocol.
//
// Room membership is owned by the goroutine running Run. Connections talk to it through events
// and receive lines on their member's channel.
type BudgetChat struct {
	namePromptMessage string

	events chan chatEvent
	done   chan struct{}
}

type member struct {
	name  string
	lines chan string
}

type chatEvent interface{ chatEvent() }

type joinRequest struct {
	member *member
	reply  chan error
}

type chatMessage struct {
	from *member
	text string
}

type leaveRequest struct {
	member *member
}

func (joinRequest) chatEvent()  {}
func (chatMessage) chatEvent()  {}
func (leaveRequest) chatEvent() {}

func NewBudgetChat(namePromptMessage string) *BudgetChat {
	return &BudgetChat{
		namePromptMessage: namePromptMessage,
		events:            make(chan chatEvent),
		done:              make(chan struct{}),
	}
}

// Serve runs the room and accepts clients from l until ctx is cancelled.
func (b *BudgetChat) Serve(ctx context.Context, l net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return b.Run(ctx)
	})

	g.Go(func() error {
		stop := context.AfterFunc(ctx, func() { _ = l.Close() })
		defer stop()

		slog.Info("budgetchat listening", "addr", l.Addr())
		for {
			conn, err := l.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			g.Go(func() error {
				if err := b.Handle(ctx, conn); err != nil {
					slog.Warn("chat connection error", "remote_addr", conn.RemoteAddr(), "err", err)
				}
				return nil
			})
		}
	})

	return g.Wait()
}

// Run owns the room until ctx is cancelled.
func (b *BudgetChat) Run(ctx context.Context) error {
	defer close(b.done)

	members := make(map[string]*member)
	defer func() {
		for _, m := range members {
			close(m.lines)
		}
	}()

	// broadcast sends line to everyone but skip, evicting members that cannot keep up.
	var broadcast func(skip *member, line string)
	leave := func(m *member) {
		if members[m.name] != m {
			return
		}
		delete(members, m.name)
		close(m.lines)
		slog.Info("user left", "name", m.name)
		broadcast(m, "* "+m.name+" has left the room")
	}
	broadcast = func(skip *member, line string) {
		for _, other := range members {
			if other == skip {
				continue
			}
			select {
			case other.lines <- line:
			default:
				slog.Warn("evicting slow chat client", "name", other.name)
				leave(other)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-b.events:
			switch e := e.(type) {
			case joinRequest:
				if _, taken := members[e.member.name]; taken {
					e.reply <- errNameTaken
					continue
				}
				e.member.lines <- roster(slices.Sorted(maps.Keys(members)))
				broadcast(nil, "* "+e.member.name+" has entered the room")
				members[e.member.name] = e.member
				slog.Info("user joined", "name", e.member.name)
				e.reply <- nil
			case chatMessage:
				if members[e.from.name] != e.from {
					continue
				}
				broadcast(e.from, "["+e.from.name+"] "+e.text)
			case leaveRequest:
				leave(e.member)
			}
		}
	}
}

func roster(names []string) string {
	if len(names) == 0 {
		return "* The room is currently empty"
	}
	return "* The room contains: " + strings.Join(names, ", ")
}

func (b *BudgetChat) submit(ctx context.Context, e chatEvent) error {
	select {
	case b.events <- e:
		return nil
	case <-b.done:
		return errRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *BudgetChat) join(ctx context.Context, m *member) error {
	reply := make(chan error, 1)
	if err := b.submit(ctx, joinRequest{member: m, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-b.done:
		return errRoomClosed
	}
}

// Handle runs one client: name prompt, join, then relaying lines until either side hangs up.
func (b *BudgetChat) Handle(ctx context.Context, conn net.Conn) error {
	defer CloseOrLog(conn)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if _, err := fmt.Fprintln(conn, b.namePromptMessage); err != nil {
		return err
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		// Gone before choosing a name.
		return ignoreClosed(scanner.Err())
	}

	name := strings.TrimSpace(scanner.Text())
	if !validName(name) {
		_, err := fmt.Fprintln(conn, "* Error:", errBadName)
		LogWriteError(err)
		return nil
	}

	m := &member{name: name, lines: make(chan string, memberBuffer)}
	if err := b.join(ctx, m); err != nil {
		if errors.Is(err, errNameTaken) {
			_, err = fmt.Fprintln(conn, "* Error:", err)
			LogWriteError(err)
			return nil
		}
		return err
	}
	slog.Debug("chat client joined", "name", name, "remote_addr", conn.RemoteAddr())

	var tasks errgroup.Group
	tasks.Go(func() error {
		// The room closes lines when the member leaves or is evicted.
		defer CloseOrLog(conn)
		w := bufio.NewWriter(conn)
		for line := range m.lines {
			if _, err := fmt.Fprintln(w, line); err != nil {
				return err
			}
			if len(m.lines) > 0 {
				continue
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}
		return nil
	})

	for scanner.Scan() {
		text := strings.TrimRightFunc(scanner.Text(), unicode.IsSpace)
		if err := b.submit(ctx, chatMessage{from: m, text: text}); err != nil {
			break
		}
	}
	LogReadError(ignoreClosed(scanner.Err()))

	if err := b.submit(context.WithoutCancel(ctx), leaveRequest{member: m}); err != nil && !errors.Is(err, errRoomClosed) {
		return err
	}
	return ignoreClosed(tasks.Wait())
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if r > unicode.MaxASCII || (!unicode.IsLetter(r) && !unicode.IsDigit(r)) {
			return false
		}
	}
	return true
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
