package daemon

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/etp/internal/logger"
)

const waitFor = 3 * time.Second

// hooks records lifecycle callbacks and delegates handling to handle.
type hooks struct {
	handle func(ctx context.Context, c *Connection) error

	d *Daemon

	mu           sync.Mutex
	connected    []string
	disconnected []string
	orderOK      bool
	started      atomic.Bool
}

func newHooks(handle func(ctx context.Context, c *Connection) error) *hooks {
	return &hooks{handle: handle, orderOK: true}
}

func (h *hooks) HandleIncoming(ctx context.Context, c *Connection) error {
	return h.handle(ctx, c)
}

func (h *hooks) OnStart(context.Context) error {
	h.started.Store(true)
	return nil
}

func (h *hooks) OnConnect(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = append(h.connected, c.ID())
}

func (h *hooks) OnDisconnect(c *Connection) {
	_, stillRegistered := h.d.Registry().Get(c.ID())
	writeErr := c.WriteLine("late")

	h.mu.Lock()
	defer h.mu.Unlock()
	if stillRegistered || writeErr == nil {
		h.orderOK = false
	}
	h.disconnected = append(h.disconnected, c.ID())
}

func (h *hooks) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connected), len(h.disconnected)
}

func testLogger() *logger.Logger {
	return logger.NewWriter(logger.LevelNone, io.Discard, "test")
}

func startDaemon(t *testing.T, h *hooks, opts ...Option) *Daemon {
	t.Helper()

	opts = append([]Option{WithLogger(testLogger()), WithGracePeriod(200 * time.Millisecond)}, opts...)
	d := New("test", h, opts...)
	h.d = d

	require.NoError(t, d.Listen(context.Background(), "127.0.0.1", 0))
	go func() { _ = d.Run(context.Background()) }()
	require.Eventually(t, func() bool { return d.State() == Running }, waitFor, 5*time.Millisecond)

	t.Cleanup(func() {
		d.Stop()
		select {
		case <-d.Done():
		case <-time.After(waitFor):
			t.Error("daemon did not stop")
		}
	})
	return d
}

func dialDaemon(t *testing.T, d *Daemon) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", d.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readLine(t *testing.T, r *bufio.Reader, conn net.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return line[:len(line)-1]
}

func echoHandler(_ context.Context, c *Connection) error {
	lines := c.Lines()
	for lines.Scan() {
		if err := c.WriteLine(lines.Text()); err != nil {
			return err
		}
	}
	return lines.Err()
}

func TestEcho(t *testing.T) {
	h := newHooks(echoHandler)
	d := startDaemon(t, h)
	assert.True(t, h.started.Load())

	conn := dialDaemon(t, d)
	r := bufio.NewReader(conn)

	_, err := conn.Write([]byte("hello\r\n\nworld\x00"))
	require.NoError(t, err)
	assert.Equal(t, "hello", readLine(t, r, conn))
	assert.Equal(t, "world", readLine(t, r, conn))
}

func TestLifecycleOrdering(t *testing.T) {
	d := New("order", newHooks(echoHandler), WithLogger(testLogger()), WithGracePeriod(50*time.Millisecond))
	assert.Equal(t, Created, d.State())
	assert.ErrorIs(t, d.Run(context.Background()), ErrNotListening)

	require.NoError(t, d.Listen(context.Background(), "127.0.0.1", 0))
	assert.Equal(t, Listening, d.State())
	assert.ErrorIs(t, d.Listen(context.Background(), "127.0.0.1", 0), ErrAlreadyStarted)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()
	require.Eventually(t, func() bool { return d.State() == Running }, waitFor, 5*time.Millisecond)
	assert.ErrorIs(t, d.Run(context.Background()), ErrAlreadyStarted)

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after context cancellation")
	}
	assert.Equal(t, Stopped, d.State())
	assert.True(t, d.Stopping())

	assert.ErrorIs(t, d.Run(context.Background()), ErrStopped)
	assert.ErrorIs(t, d.Listen(context.Background(), "127.0.0.1", 0), ErrStopped)
	d.Stop()
}

func TestStopBeforeRun(t *testing.T) {
	d := New("early", newHooks(echoHandler), WithLogger(testLogger()))
	require.NoError(t, d.Listen(context.Background(), "127.0.0.1", 0))

	d.Stop()
	select {
	case <-d.Done():
	case <-time.After(waitFor):
		t.Fatal("daemon did not stop")
	}
	assert.ErrorIs(t, d.Run(context.Background()), ErrStopped)
}

func TestBindError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	d := New("bind", newHooks(echoHandler), WithLogger(testLogger()))
	err = d.Listen(context.Background(), "127.0.0.1", port)

	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Equal(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), bindErr.Addr)
	assert.Equal(t, Created, d.State())
}

func TestConnectDisconnectLeavesEmptyRegistry(t *testing.T) {
	const n = 25
	h := newHooks(echoHandler)
	d := startDaemon(t, h)

	var conns []net.Conn
	for range n {
		conns = append(conns, dialDaemon(t, d))
	}
	require.Eventually(t, func() bool { return d.Registry().Len() == n }, waitFor, 5*time.Millisecond)

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = conn.Close()
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		_, disconnected := h.counts()
		return disconnected == n
	}, waitFor, 5*time.Millisecond)

	connected, disconnected := h.counts()
	assert.Equal(t, n, connected)
	assert.Equal(t, n, disconnected)
	assert.Zero(t, d.Registry().Len())

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.True(t, h.orderOK, "OnDisconnect must run after unregister and close")
	assert.ElementsMatch(t, h.connected, h.disconnected)
}

func TestBroadcastWithDisconnectingHandlers(t *testing.T) {
	// Handlers that receive "quit" leave; everyone else keeps reading.
	h := newHooks(func(_ context.Context, c *Connection) error {
		lines := c.Lines()
		for lines.Scan() {
			if lines.Text() == "quit" {
				return nil
			}
		}
		return lines.Err()
	})
	d := startDaemon(t, h)

	const stay, leave = 4, 4
	var readers []*bufio.Reader
	var stayConns []net.Conn
	for range stay {
		conn := dialDaemon(t, d)
		stayConns = append(stayConns, conn)
		readers = append(readers, bufio.NewReader(conn))
	}
	var leaveConns []net.Conn
	for range leave {
		leaveConns = append(leaveConns, dialDaemon(t, d))
	}
	require.Eventually(t, func() bool { return d.Registry().Len() == stay+leave }, waitFor, 5*time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, conn := range leaveConns {
			_, _ = conn.Write([]byte("quit\n"))
		}
	}()

	const rounds = 50
	for i := range rounds {
		d.BroadcastLine("msg " + strconv.Itoa(i))
	}
	wg.Wait()

	for i, r := range readers {
		for round := range rounds {
			assert.Equal(t, "msg "+strconv.Itoa(round), readLine(t, r, stayConns[i]))
		}
	}

	require.Eventually(t, func() bool { return d.Registry().Len() == stay }, waitFor, 5*time.Millisecond)
	assert.Equal(t, stay-1, d.BroadcastLine("last", d.Registry().Snapshot()[0]))
}

func TestStopWithActiveHandlers(t *testing.T) {
	const m = 6
	h := newHooks(func(_ context.Context, c *Connection) error {
		lines := c.Lines()
		for lines.Scan() {
		}
		// Reads ended because the daemon is stopping; writes still work.
		return c.WriteLine("bye")
	})
	d := New("stop", h, WithLogger(testLogger()), WithGracePeriod(time.Second))
	h.d = d
	require.NoError(t, d.Listen(context.Background(), "127.0.0.1", 0))
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(context.Background()) }()

	var readers []*bufio.Reader
	var conns []net.Conn
	for range m {
		conn := dialDaemon(t, d)
		conns = append(conns, conn)
		readers = append(readers, bufio.NewReader(conn))
	}
	require.Eventually(t, func() bool { return d.Registry().Len() == m }, waitFor, 5*time.Millisecond)

	d.Stop()
	d.Stop()

	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after Stop")
	}
	<-d.Done()

	assert.Equal(t, Stopped, d.State())
	assert.Zero(t, d.Registry().Len())
	_, disconnected := h.counts()
	assert.Equal(t, m, disconnected)

	for i, r := range readers {
		assert.Equal(t, "bye", readLine(t, r, conns[i]))
	}

	_, err := net.DialTimeout("tcp", d.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err, "listener must be closed")
}

func TestStopForcesStuckHandler(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	h := newHooks(func(context.Context, *Connection) error {
		<-release
		return nil
	})
	d := New("stuck", h, WithLogger(testLogger()), WithGracePeriod(50*time.Millisecond))
	h.d = d
	require.NoError(t, d.Listen(context.Background(), "127.0.0.1", 0))
	go func() { _ = d.Run(context.Background()) }()

	dialDaemon(t, d)
	require.Eventually(t, func() bool { return d.Registry().Len() == 1 }, waitFor, 5*time.Millisecond)

	start := time.Now()
	d.Stop()
	select {
	case <-d.Done():
	case <-time.After(waitFor):
		t.Fatal("daemon did not stop")
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, d.Registry().Len())

	_, disconnected := h.counts()
	assert.Equal(t, 1, disconnected)
}

func TestSendToClosedConnection(t *testing.T) {
	var target atomic.Pointer[Connection]
	h := newHooks(echoHandler)
	d := startDaemon(t, h)

	conn := dialDaemon(t, d)
	require.Eventually(t, func() bool {
		snap := d.Registry().Snapshot()
		if len(snap) != 1 {
			return false
		}
		target.Store(snap[0])
		return true
	}, waitFor, 5*time.Millisecond)

	c := target.Load()
	r := bufio.NewReader(conn)
	require.NoError(t, d.SendLine(c, "direct"))
	assert.Equal(t, "direct", readLine(t, r, conn))
	require.NoError(t, d.SendTo(c.ID(), []byte("by id\n")))
	assert.Equal(t, "by id", readLine(t, r, conn))

	require.NoError(t, conn.Close())
	<-c.Done()

	err := d.SendLine(c, "too late")
	var writeErr *ConnectionWriteError
	require.ErrorAs(t, err, &writeErr)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.Equal(t, c.ID(), writeErr.ID)

	err = d.SendTo(c.ID(), []byte("x"))
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestHandlerPanicIsContained(t *testing.T) {
	var calls atomic.Int32
	h := newHooks(func(ctx context.Context, c *Connection) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return echoHandler(ctx, c)
	})
	d := startDaemon(t, h)

	dialDaemon(t, d)
	require.Eventually(t, func() bool {
		_, disconnected := h.counts()
		return disconnected == 1
	}, waitFor, 5*time.Millisecond)

	conn := dialDaemon(t, d)
	_, err := conn.Write([]byte("still here\n"))
	require.NoError(t, err)
	assert.Equal(t, "still here", readLine(t, bufio.NewReader(conn), conn))
}

func TestHandlerErrorIsDisconnect(t *testing.T) {
	h := newHooks(func(context.Context, *Connection) error {
		return errors.New("protocol violation")
	})
	d := startDaemon(t, h)

	dialDaemon(t, d)
	require.Eventually(t, func() bool {
		_, disconnected := h.counts()
		return disconnected == 1
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, Running, d.State())
}

func TestConnectionState(t *testing.T) {
	h := newHooks(func(_ context.Context, c *Connection) error {
		c.State().Set("name", "alice")
		c.State().Set("count", 3)
		return echoHandler(context.Background(), c)
	})
	d := startDaemon(t, h)
	dialDaemon(t, d)

	require.Eventually(t, func() bool {
		snap := d.Registry().Snapshot()
		return len(snap) == 1 && snap[0].State().GetString("count") == "3"
	}, waitFor, 5*time.Millisecond)

	c := d.Registry().Snapshot()[0]
	assert.Equal(t, "alice", c.State().GetString("name"))
	assert.Equal(t, []string{"count", "name"}, c.State().Keys())
	assert.True(t, c.Incoming())
	assert.NotEmpty(t, c.RemoteAddr())

	c.State().Delete("count")
	_, ok := c.State().Get("count")
	assert.False(t, ok)
	assert.Equal(t, map[string]any{"name": "alice"}, c.State().Snapshot())
}

func TestStartTask(t *testing.T) {
	d := New("tasks", newHooks(echoHandler), WithLogger(testLogger()), WithGracePeriod(200*time.Millisecond))
	require.NoError(t, d.Listen(context.Background(), "127.0.0.1", 0))

	var ticks atomic.Int32
	queued := d.StartTask("ticker", func(ctx context.Context) error {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				ticks.Add(1)
			}
		}
	})
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, ticks.Load(), "queued task must not run before Run")

	go func() { _ = d.Run(context.Background()) }()
	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, waitFor, 5*time.Millisecond)

	once := d.StartTask("once", func(context.Context) error { return errors.New("failed") })
	assert.EqualError(t, once.Wait(context.Background()), "failed")

	cancelled := d.StartTask("cancel me", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cancelled.Cancel()
	assert.ErrorIs(t, cancelled.Wait(context.Background()), context.Canceled)

	require.Eventually(t, func() bool { return d.Info().Tasks == 1 }, waitFor, 5*time.Millisecond)

	d.Stop()
	<-d.Done()
	<-queued.Done()
	assert.ErrorIs(t, queued.Err(), context.Canceled)

	late := d.StartTask("late", func(context.Context) error { return nil })
	<-late.Done()
	assert.ErrorIs(t, late.Err(), ErrStopped)
}

func TestTaskPanicIsContained(t *testing.T) {
	d := startDaemon(t, newHooks(echoHandler))
	task := d.StartTask("panics", func(context.Context) error { panic("bad task") })
	err := task.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad task")
	assert.Equal(t, Running, d.State())
}

func TestMaxClients(t *testing.T) {
	h := newHooks(echoHandler)
	d := startDaemon(t, h, WithMaxClients(2))

	first := dialDaemon(t, d)
	dialDaemon(t, d)
	require.Eventually(t, func() bool { return d.Registry().Len() == 2 }, waitFor, 5*time.Millisecond)

	dialDaemon(t, d)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, d.Registry().Len(), "third client waits for a free slot")

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool {
		connected, _ := h.counts()
		return connected == 3
	}, waitFor, 5*time.Millisecond)
}

func TestInfo(t *testing.T) {
	d := startDaemon(t, newHooks(echoHandler))
	dialDaemon(t, d)
	require.Eventually(t, func() bool { return d.Registry().Len() == 1 }, waitFor, 5*time.Millisecond)

	info := d.Info()
	assert.Equal(t, "test", info.Name)
	assert.Equal(t, "running", info.State)
	assert.Equal(t, d.Addr().String(), info.Address)
	assert.Equal(t, 1, info.Connections)
	assert.False(t, info.StartedAt.IsZero())
}

func TestRegistry(t *testing.T) {
	r := newRegistry()
	a := &Connection{id: "a"}
	b := &Connection{id: "b"}

	require.NoError(t, r.register(a))
	require.NoError(t, r.register(b))
	assert.ErrorIs(t, r.register(&Connection{id: "a"}), ErrDuplicateConnection)

	snap := r.Snapshot()
	assert.Equal(t, []*Connection{a, b}, snap)

	assert.True(t, r.unregister("a"))
	assert.False(t, r.unregister("a"))
	assert.False(t, r.unregister("missing"))

	assert.Len(t, snap, 2, "snapshot is unaffected by later changes")
	assert.Equal(t, 1, r.Len())
	got, ok := r.Get("b")
	assert.True(t, ok)
	assert.Same(t, b, got)
}

func TestStateMerge(t *testing.T) {
	s := NewState()
	s.Set("rate", 1.0)
	s.Merge(map[string]any{"rate": 2.5, "count": 4})

	assert.Equal(t, map[string]any{"rate": 2.5, "count": 4}, s.Snapshot())
	assert.Equal(t, "2.5", s.GetString("rate"))
	assert.Empty(t, NewState().GetString("missing"))
}
