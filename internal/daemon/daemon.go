// Package daemon is a base for line-oriented TCP services.
//
// A Daemon accepts connections, runs one handler goroutine per
// connection, keeps a registry of live connections for broadcast and
// unicast, and supervises background tasks. Its lifecycle is
//
//	Created -> Listening -> Running -> Stopping -> Stopped
//
// A connection is registered and its OnConnect hook has returned before
// its handler starts. When the handler returns, for any reason, the
// connection is unregistered, its socket closed and OnDisconnect called,
// in that order and exactly once.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	"github.com/codefionn/etp/internal/logger"
)

// Lifecycle is the daemon state.
type Lifecycle int

const (
	Created Lifecycle = iota
	Listening
	Running
	Stopping
	Stopped
)

func (s Lifecycle) String() string {
	switch s {
	case Created:
		return "created"
	case Listening:
		return "listening"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Handler runs the protocol for one accepted connection. It should return
// when reads report io.EOF or ctx is cancelled.
type Handler interface {
	HandleIncoming(ctx context.Context, c *Connection) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, c *Connection) error

// HandleIncoming calls f.
func (f HandlerFunc) HandleIncoming(ctx context.Context, c *Connection) error {
	return f(ctx, c)
}

// OutgoingHandler handles connections opened by Connect. Handlers that do
// not implement it serve outgoing connections with HandleIncoming.
type OutgoingHandler interface {
	HandleOutgoing(ctx context.Context, c *Connection) error
}

// StartHook is called by Run before background tasks start. An error
// aborts Run.
type StartHook interface {
	OnStart(ctx context.Context) error
}

// ConnectHook is called synchronously for each new connection before its
// handler starts. It must not block.
type ConnectHook interface {
	OnConnect(c *Connection)
}

// DisconnectHook is called once per connection after it has been
// unregistered and closed.
type DisconnectHook interface {
	OnDisconnect(c *Connection)
}

// Daemon owns the listener, the connection registry and background tasks.
type Daemon struct {
	name     string
	handler  Handler
	opts     options
	log      *logger.Logger
	registry *Registry

	mu         sync.Mutex
	state      Lifecycle
	listener   net.Listener
	acceptDone chan struct{}
	startedAt  time.Time
	outgoing   int
	runActive  bool
	acceptErr  error
	pending    []*Task
	tasks      map[*Task]struct{}

	handlerCtx     context.Context
	cancelHandlers context.CancelFunc
	taskCtx        context.Context
	cancelTasks    context.CancelFunc

	handlers  sync.WaitGroup
	taskGroup sync.WaitGroup

	stopping     atomic.Bool
	stopCh       chan struct{}
	stopOnce     sync.Once
	shutdownOnce sync.Once
	done         chan struct{}
}

// New creates a daemon in the Created state.
func New(name string, handler Handler, opts ...Option) *Daemon {
	o := options{
		gracePeriod: DefaultGracePeriod,
		framing:     DefaultFraming(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Global().WithPrefix(name)
	}

	d := &Daemon{
		name:     name,
		handler:  handler,
		opts:     o,
		log:      o.log,
		registry: newRegistry(),
		tasks:    make(map[*Task]struct{}),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	d.handlerCtx, d.cancelHandlers = context.WithCancel(context.Background())
	d.taskCtx, d.cancelTasks = context.WithCancel(context.Background())
	return d
}

// Name returns the daemon name.
func (d *Daemon) Name() string {
	return d.name
}

// Logger returns the daemon logger.
func (d *Daemon) Logger() *logger.Logger {
	return d.log
}

// State returns the current lifecycle state.
func (d *Daemon) State() Lifecycle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Registry returns the live connection registry.
func (d *Daemon) Registry() *Registry {
	return d.registry
}

// Addr returns the listener address, or nil before Listen.
func (d *Daemon) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// Stopping reports whether Stop has been requested.
func (d *Daemon) Stopping() bool {
	return d.stopping.Load()
}

// Done is closed once the daemon reaches Stopped.
func (d *Daemon) Done() <-chan struct{} {
	return d.done
}

// Listen binds host:port and starts accepting connections. Port 0 picks a
// free port; see Addr.
func (d *Daemon) Listen(ctx context.Context, host string, port int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case Created:
	case Stopping, Stopped:
		return ErrStopped
	default:
		return ErrAlreadyStarted
	}
	if d.stopping.Load() {
		return ErrStopped
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return &BindError{Addr: addr, Err: err}
	}
	if d.opts.maxClients > 0 {
		ln = netutil.LimitListener(ln, d.opts.maxClients)
	}

	d.listener = ln
	d.acceptDone = make(chan struct{})
	d.state = Listening
	go d.acceptLoop(ln, d.acceptDone)

	d.log.Info("Listening on %s (max clients: %d)", ln.Addr(), d.opts.maxClients)
	return nil
}

// Run starts background tasks and blocks until the daemon has stopped.
// Stop, cancellation of ctx and a fatal accept error all end Run. The
// returned error is the accept error, if any.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	switch {
	case d.stopping.Load() || d.state >= Stopping:
		d.mu.Unlock()
		return ErrStopped
	case d.state == Running:
		d.mu.Unlock()
		return ErrAlreadyStarted
	case d.state == Created && d.outgoing == 0:
		d.mu.Unlock()
		return ErrNotListening
	}
	d.state = Running
	d.runActive = true
	d.startedAt = time.Now()
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()

	d.log.Info("Daemon %s running", d.name)

	if h, ok := d.handler.(StartHook); ok {
		if err := h.OnStart(ctx); err != nil {
			d.log.Error("Start hook failed: %v", err)
			for _, t := range pending {
				t.finish(ErrStopped)
			}
			d.shutdown()
			return fmt.Errorf("start hook: %w", err)
		}
	}

	d.mu.Lock()
	for _, t := range pending {
		if d.state == Running {
			d.launchLocked(t)
		} else {
			t.finish(ErrStopped)
		}
	}
	d.mu.Unlock()

	select {
	case <-ctx.Done():
		d.log.Info("Context cancelled, stopping")
	case <-d.stopCh:
	}
	d.shutdown()

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acceptErr
}

// Stop requests shutdown and returns immediately. It is idempotent; wait
// on Done for completion.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		d.stopping.Store(true)
		close(d.stopCh)

		d.mu.Lock()
		active := d.runActive
		d.mu.Unlock()
		if !active {
			go d.shutdown()
		}
	})
}

// StartTask runs fn as a supervised background task. Tasks started before
// Run are queued and launched by Run. On a stopping daemon the task
// completes immediately with ErrStopped.
func (d *Daemon) StartTask(name string, fn TaskFunc) *Task {
	t := newTask(d.taskCtx, name, fn)

	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case Created, Listening:
		d.pending = append(d.pending, t)
	case Running:
		d.launchLocked(t)
	default:
		t.finish(ErrStopped)
	}
	return t
}

func (d *Daemon) launchLocked(t *Task) {
	d.tasks[t] = struct{}{}
	d.taskGroup.Add(1)
	go func() {
		defer d.taskGroup.Done()
		err := t.run()
		if err != nil && !isCancellation(err) {
			d.log.Error("Task %s failed: %v", t.name, err)
		}
		d.mu.Lock()
		delete(d.tasks, t)
		d.mu.Unlock()
	}()
}

// Broadcast writes payload to every registered connection except those in
// exclude. Failed writes are logged and skipped. It returns the number of
// connections written to.
func (d *Daemon) Broadcast(payload []byte, exclude ...*Connection) int {
	delivered := 0
	for _, c := range d.registry.Snapshot() {
		if slices.Contains(exclude, c) {
			continue
		}
		if _, err := c.Write(payload); err != nil {
			d.log.Warn("Broadcast to %s failed: %v", c, err)
			continue
		}
		delivered++
	}
	return delivered
}

// BroadcastLine broadcasts text followed by a newline.
func (d *Daemon) BroadcastLine(text string, exclude ...*Connection) int {
	return d.Broadcast([]byte(text+"\n"), exclude...)
}

// Send writes payload to c. A failure is logged and returned as a
// *ConnectionWriteError.
func (d *Daemon) Send(c *Connection, payload []byte) error {
	if c == nil {
		return &ConnectionWriteError{Err: ErrConnectionClosed}
	}
	if _, err := c.Write(payload); err != nil {
		d.log.Warn("Send to %s failed: %v", c, err)
		return err
	}
	return nil
}

// SendLine sends text followed by a newline to c.
func (d *Daemon) SendLine(c *Connection, text string) error {
	return d.Send(c, []byte(text+"\n"))
}

// SendTo writes payload to the registered connection with the given ID.
func (d *Daemon) SendTo(id string, payload []byte) error {
	c, ok := d.registry.Get(id)
	if !ok {
		err := &ConnectionWriteError{ID: id, Err: ErrConnectionClosed}
		d.log.Warn("Send to %s failed: %v", id, err)
		return err
	}
	return d.Send(c, payload)
}

// Info is a point-in-time summary of the daemon.
type Info struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Address     string    `json:"address,omitempty"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	Uptime      string    `json:"uptime"`
	Connections int       `json:"connections"`
	Tasks       int       `json:"tasks"`
}

// Info returns a summary for status reporting.
func (d *Daemon) Info() Info {
	d.mu.Lock()
	defer d.mu.Unlock()

	info := Info{
		Name:        d.name,
		State:       d.state.String(),
		StartedAt:   d.startedAt,
		Uptime:      "0s",
		Connections: d.registry.Len(),
		Tasks:       len(d.tasks),
	}
	if d.listener != nil {
		info.Address = d.listener.Addr().String()
	}
	if !d.startedAt.IsZero() {
		info.Uptime = time.Since(d.startedAt).Truncate(time.Second).String()
	}
	return info
}

func (d *Daemon) acceptLoop(ln net.Listener, done chan struct{}) {
	defer close(done)

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if d.stopping.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			if isTemporary(err) {
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else if delay *= 2; delay > time.Second {
					delay = time.Second
				}
				d.log.Warn("Accept error: %v; retrying in %s", err, delay)
				time.Sleep(delay)
				continue
			}

			d.log.Error("Accept loop failed: %v", err)
			d.mu.Lock()
			d.acceptErr = fmt.Errorf("accept: %w", err)
			d.mu.Unlock()
			d.Stop()
			return
		}
		delay = 0

		if _, err := d.serve(conn, true, d.handler.HandleIncoming); err != nil {
			d.log.Warn("Rejected connection from %s: %v", conn.RemoteAddr(), err)
		}
	}
}

// serve registers conn and starts its handler.
func (d *Daemon) serve(conn net.Conn, incoming bool, fn func(context.Context, *Connection) error) (*Connection, error) {
	c := newConnection(conn, incoming, &d.opts)

	d.mu.Lock()
	if d.state >= Stopping || d.stopping.Load() {
		d.mu.Unlock()
		_ = conn.Close()
		return nil, ErrStopped
	}
	if err := d.registry.register(c); err != nil {
		d.mu.Unlock()
		_ = conn.Close()
		return nil, err
	}
	d.handlers.Add(1)
	d.mu.Unlock()

	d.log.Info("Connection %s established (total: %d)", c, d.registry.Len())

	if h, ok := d.handler.(ConnectHook); ok {
		d.callHook("connect", c, func() { h.OnConnect(c) })
	}

	go d.runHandler(c, fn)
	return c, nil
}

func (d *Daemon) runHandler(c *Connection, fn func(context.Context, *Connection) error) {
	defer d.handlers.Done()
	defer d.finish(c)
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Handler for %s panicked: %v\n%s", c, r, debug.Stack())
		}
	}()

	if err := fn(d.handlerCtx, c); err != nil && !isDisconnect(err) {
		d.log.Warn("Handler for %s failed: %v", c, err)
	}
}

// finish unregisters, closes and reports c exactly once.
func (d *Daemon) finish(c *Connection) {
	c.finishOnce.Do(func() {
		d.registry.unregister(c.id)
		c.close()
		if h, ok := d.handler.(DisconnectHook); ok {
			d.callHook("disconnect", c, func() { h.OnDisconnect(c) })
		}
		close(c.done)
		d.log.Info("Connection %s closed (total: %d)", c, d.registry.Len())
	})
}

func (d *Daemon) callHook(name string, c *Connection, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("%s hook for %s panicked: %v", name, c, r)
		}
	}()
	fn()
}

func (d *Daemon) shutdown() {
	d.shutdownOnce.Do(func() {
		d.stopping.Store(true)
		d.stopOnce.Do(func() { close(d.stopCh) })

		d.mu.Lock()
		d.state = Stopping
		ln, acceptDone := d.listener, d.acceptDone
		pending := d.pending
		d.pending = nil
		d.mu.Unlock()

		grace := d.opts.gracePeriod
		d.log.Info("Stopping daemon %s (%d connections)", d.name, d.registry.Len())

		if ln != nil {
			if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				d.log.Warn("Error closing listener: %v", err)
			}
			<-acceptDone
		}
		for _, t := range pending {
			t.finish(ErrStopped)
		}

		for _, c := range d.registry.Snapshot() {
			c.cancel()
		}
		d.cancelHandlers()

		if !waitTimeout(&d.handlers, grace) {
			remaining := d.registry.Snapshot()
			d.log.Warn("%d handlers still running after %s, closing their sockets", len(remaining), grace)
			for _, c := range remaining {
				c.close()
			}
			if !waitTimeout(&d.handlers, grace) {
				for _, c := range d.registry.Snapshot() {
					d.log.Error("Handler for %s did not exit, abandoning it", c)
					d.finish(c)
				}
			}
		}

		d.cancelTasks()
		if !waitTimeout(&d.taskGroup, grace) {
			d.log.Warn("Background tasks did not exit within %s", grace)
		}

		d.mu.Lock()
		d.state = Stopped
		d.mu.Unlock()
		close(d.done)

		d.log.Info("Daemon %s stopped", d.name)
	})
}

// waitTimeout waits for wg for at most timeout and reports whether it
// finished.
func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// isDisconnect reports errors that only mean the peer or the daemon ended
// the connection.
func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, ErrConnectionClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		isCancellation(err)
}

func isTemporary(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ECONNABORTED)
}
