package services

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/etp/internal/daemon"
	"github.com/codefionn/etp/internal/logger"
)

const waitFor = 3 * time.Second

type service interface {
	Listen(ctx context.Context, host string, port int) error
	Run(ctx context.Context) error
	Stop()
	Done() <-chan struct{}
	Addr() net.Addr
	State() daemon.Lifecycle
}

func testOptions() []daemon.Option {
	return []daemon.Option{
		daemon.WithLogger(logger.NewWriter(logger.LevelNone, io.Discard, "test")),
		daemon.WithGracePeriod(200 * time.Millisecond),
	}
}

// start listens on a free port and runs svc until the test ends. The
// returned channel yields Run's result.
func start(t *testing.T, svc service) <-chan error {
	t.Helper()
	require.NoError(t, svc.Listen(context.Background(), "127.0.0.1", 0))

	runErr := make(chan error, 1)
	go func() { runErr <- svc.Run(context.Background()) }()
	require.Eventually(t, func() bool { return svc.State() == daemon.Running }, waitFor, 5*time.Millisecond)

	t.Cleanup(func() {
		svc.Stop()
		select {
		case <-svc.Done():
		case <-time.After(waitFor):
			t.Error("service did not stop")
		}
	})
	return runErr
}

type client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, svc service) *client {
	t.Helper()
	conn, err := net.Dial("tcp", svc.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &client{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *client) send(line string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func (c *client) readLine() string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(waitFor)))
	line, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimRight(line, "\r\n")
}

// expect reads exactly len(s) bytes, for prompts without a newline.
func (c *client) expect(s string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(waitFor)))
	buf := make([]byte, len(s))
	_, err := io.ReadFull(c.r, buf)
	require.NoError(c.t, err)
	assert.Equal(c.t, s, string(buf))
}

func (c *client) expectEOF() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, err := c.r.ReadString('\n')
	assert.ErrorIs(c.t, err, io.EOF)
}

// memorySink records written lines and how it was closed.
type memorySink struct {
	mu      sync.Mutex
	lines   []string
	started bool
	closed  bool
	drained bool
}

func (s *memorySink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *memorySink) WriteLine(_ context.Context, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
	return nil
}

func (s *memorySink) Close(_ context.Context, drain bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.drained = drain
	return nil
}

func (s *memorySink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func TestEcho(t *testing.T) {
	e := NewEcho(testOptions()...)
	start(t, e)

	c := dial(t, e)
	c.send("hello")
	c.send("  spaced out  ")
	assert.Equal(t, "hello", c.readLine())
	assert.Equal(t, "spaced out", c.readLine())
}
