package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWelcome = "Welcome to budgetchat! What shall I call you?"

func startChat(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewBudgetChat(testWelcome).Serve(ctx, l) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("chat server did not stop")
		}
	})
	return l.Addr().String()
}

type chatClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialChat(t *testing.T, addr string) *chatClient {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	c := &chatClient{t: t, conn: conn, r: bufio.NewReader(conn)}
	c.expect(testWelcome)
	return c
}

// join dials and picks name, consuming the room listing.
func join(t *testing.T, addr, name string) *chatClient {
	t.Helper()

	c := dialChat(t, addr)
	c.send(name)
	line := c.readLine()
	require.True(t, strings.HasPrefix(line, "* The room"), "unexpected first line %q", line)
	return c
}

func (c *chatClient) send(line string) {
	c.t.Helper()
	_, err := fmt.Fprintln(c.conn, line)
	require.NoError(c.t, err)
}

func (c *chatClient) readLine() string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimSuffix(line, "\n")
}

func (c *chatClient) expect(line string) {
	c.t.Helper()
	assert.Equal(c.t, line, c.readLine())
}

func (c *chatClient) expectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := c.r.ReadString('\n')
	assert.Error(c.t, err)
}

func TestBudgetChat_Session(t *testing.T) {
	addr := startChat(t)

	alice := dialChat(t, addr)
	alice.send("alice")
	alice.expect("* The room is currently empty")

	bob := dialChat(t, addr)
	bob.send("bob")
	bob.expect("* The room contains: alice")
	alice.expect("* bob has entered the room")

	carol := dialChat(t, addr)
	carol.send("carol")
	carol.expect("* The room contains: alice, bob")
	alice.expect("* carol has entered the room")
	bob.expect("* carol has entered the room")

	alice.send("hi all  ")
	bob.expect("[alice] hi all")
	carol.expect("[alice] hi all")

	require.NoError(t, bob.conn.Close())
	alice.expect("* bob has left the room")
	carol.expect("* bob has left the room")

	carol.send("bye")
	alice.expect("[carol] bye")
}

func TestBudgetChat_SenderDoesNotHearItself(t *testing.T) {
	addr := startChat(t)

	alice := join(t, addr, "alice")
	bob := join(t, addr, "bob")
	alice.expect("* bob has entered the room")

	alice.send("one")
	bob.send("two")
	bob.expect("[alice] one")
	alice.expect("[bob] two")
}

func TestBudgetChat_InvalidName(t *testing.T) {
	addr := startChat(t)

	for _, name := range []string{"", "bob!", "al ice", "ünicode"} {
		c := dialChat(t, addr)
		c.send(name)
		assert.True(t, strings.HasPrefix(c.readLine(), "* Error:"), "name %q", name)
		c.expectClosed()
	}
}

func TestBudgetChat_DuplicateName(t *testing.T) {
	addr := startChat(t)

	alice := join(t, addr, "alice")

	impostor := dialChat(t, addr)
	impostor.send("alice")
	assert.Equal(t, "* Error: "+errNameTaken.Error(), impostor.readLine())
	impostor.expectClosed()

	// The rejected client never joined, so nobody heard about it.
	join(t, addr, "bob")
	alice.expect("* bob has entered the room")
}

func TestBudgetChat_UnjoinedClientsHearNothing(t *testing.T) {
	addr := startChat(t)

	alice := join(t, addr, "alice")
	lurker := dialChat(t, addr)

	alice.send("anyone?")
	require.NoError(t, lurker.conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, err := lurker.r.ReadString('\n')
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestValidName(t *testing.T) {
	tests := map[string]bool{
		"alice":   true,
		"Bob42":   true,
		"7":       true,
		"":        false,
		"a b":     false,
		"a_b":     false,
		"ünicode": false,
	}
	for given, expected := range tests {
		assert.Equal(t, expected, validName(given), given)
	}
}

func TestRoster(t *testing.T) {
	assert.Equal(t, "* The room is currently empty", roster(nil))
	assert.Equal(t, "* The room contains: alice", roster([]string{"alice"}))
	assert.Equal(t, "* The room contains: alice, bob", roster([]string{"alice", "bob"}))
}
