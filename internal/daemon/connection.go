package daemon

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/etp/internal/logger"
)

// Connection is one live socket, accepted by the listener or dialled by
// Connect.
type Connection struct {
	id          string
	seq         uint64
	conn        net.Conn
	incoming    bool
	connectedAt time.Time
	state       *State
	log         *logger.Logger
	reader      *bufio.Reader
	framing     Framing

	readTimeout  time.Duration
	writeTimeout time.Duration

	// readMu guards cancelled against read deadline updates.
	readMu    sync.Mutex
	cancelled bool

	writeMu sync.Mutex
	closed  atomic.Bool

	finishOnce sync.Once
	done       chan struct{}
}

func newConnection(conn net.Conn, incoming bool, o *options) *Connection {
	c := &Connection{
		id:           uuid.NewString(),
		conn:         conn,
		incoming:     incoming,
		connectedAt:  time.Now(),
		state:        NewState(),
		framing:      o.framing,
		readTimeout:  o.readTimeout,
		writeTimeout: o.writeTimeout,
		done:         make(chan struct{}),
	}
	c.log = o.log.WithPrefix(c.id[:8])
	c.reader = bufio.NewReader(connReader{c})
	return c
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() string {
	return c.id
}

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Incoming reports whether the connection was accepted by the listener
// rather than dialled.
func (c *Connection) Incoming() bool {
	return c.incoming
}

// ConnectedAt returns when the connection was established.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// State returns the connection's key/value bag.
func (c *Connection) State() *State {
	return c.state
}

// Logger returns a logger prefixed with the short connection ID.
func (c *Connection) Logger() *logger.Logger {
	return c.log
}

// Reader returns the buffered read side. Once the daemon starts stopping,
// reads report io.EOF.
func (c *Connection) Reader() *bufio.Reader {
	return c.reader
}

// Lines returns a scanner over the read side using the daemon's framing.
// A connection should have at most one active scanner.
func (c *Connection) Lines() *LineScanner {
	return NewLineScanner(c.reader, c.framing)
}

// Done is closed once the connection has been unregistered and closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) String() string {
	return fmt.Sprintf("%s (%s)", c.id, c.RemoteAddr())
}

// Write sends p to the peer. Writes are serialised per connection.
func (c *Connection) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return 0, c.writeErr(ErrConnectionClosed)
	}
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	n, err := c.conn.Write(p)
	if err != nil {
		if c.closed.Load() {
			err = ErrConnectionClosed
		}
		return n, c.writeErr(err)
	}
	return n, nil
}

// WriteLine sends text followed by a newline.
func (c *Connection) WriteLine(text string) error {
	_, err := c.Write([]byte(text + "\n"))
	return err
}

func (c *Connection) writeErr(err error) error {
	return &ConnectionWriteError{ID: c.id, Addr: c.RemoteAddr(), Err: err}
}

// cancel turns every current and future read into end-of-stream while
// leaving the write side usable.
func (c *Connection) cancel() {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	c.cancelled = true
	_ = c.conn.SetReadDeadline(time.Now())
}

func (c *Connection) isCancelled() bool {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	return c.cancelled
}

// close shuts the socket, unblocking pending reads and writes. Safe to
// call more than once.
func (c *Connection) close() {
	if c.closed.CompareAndSwap(false, true) {
		_ = c.conn.Close()
	}
}

// connReader maps reads interrupted by cancellation to io.EOF.
type connReader struct {
	c *Connection
}

func (r connReader) Read(p []byte) (int, error) {
	c := r.c

	c.readMu.Lock()
	if c.cancelled {
		c.readMu.Unlock()
		return 0, io.EOF
	}
	if c.readTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	c.readMu.Unlock()

	n, err := c.conn.Read(p)
	if err != nil && c.isCancelled() {
		return n, io.EOF
	}
	return n, err
}
