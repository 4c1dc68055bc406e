package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultRetryDelay    = time.Second
	defaultMaxRetryDelay = 30 * time.Second
	dialTimeout          = 10 * time.Second
)

// ConnectOptions configures an outgoing connection.
type ConnectOptions struct {
	// Reconnect keeps re-dialling with exponential backoff whenever the
	// connection is lost, until the daemon stops.
	Reconnect bool
	// RetryDelay is the first backoff interval. Defaults to one second.
	RetryDelay time.Duration
	// MaxRetryDelay caps the backoff interval. Defaults to 30 seconds.
	MaxRetryDelay time.Duration
}

// Connect dials addr and serves the connection with the handler's
// HandleOutgoing, falling back to HandleIncoming. Without Reconnect the
// dial happens now and its error is returned. With Reconnect a background
// task owns the connection; it starts with Run.
func (d *Daemon) Connect(ctx context.Context, addr string, opts ConnectOptions) error {
	if d.stopping.Load() || d.State() >= Stopping {
		return ErrStopped
	}

	if !opts.Reconnect {
		conn, err := dial(ctx, addr)
		if err != nil {
			return err
		}
		if _, err := d.serve(conn, false, d.outgoingFunc()); err != nil {
			return err
		}
		d.armOutgoing()
		return nil
	}

	d.armOutgoing()
	d.StartTask("connect "+addr, func(ctx context.Context) error {
		return d.reconnectLoop(ctx, addr, opts)
	})
	return nil
}

func (d *Daemon) armOutgoing() {
	d.mu.Lock()
	d.outgoing++
	d.mu.Unlock()
}

func (d *Daemon) outgoingFunc() func(context.Context, *Connection) error {
	if h, ok := d.handler.(OutgoingHandler); ok {
		return h.HandleOutgoing
	}
	return d.handler.HandleIncoming
}

func (d *Daemon) reconnectLoop(ctx context.Context, addr string, opts ConnectOptions) error {
	fn := d.outgoingFunc()

	for {
		var conn net.Conn
		err := backoff.RetryNotify(func() error {
			var err error
			conn, err = dial(ctx, addr)
			return err
		}, backoff.WithContext(retryPolicy(opts), ctx), func(err error, next time.Duration) {
			d.log.Warn("Connect to %s failed: %v (retry in %s)", addr, err, next)
		})
		if err != nil {
			return err
		}

		c, err := d.serve(conn, false, fn)
		if errors.Is(err, ErrStopped) {
			return nil
		}
		if err != nil {
			return err
		}

		select {
		case <-c.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
		if d.stopping.Load() {
			return nil
		}

		delay := opts.RetryDelay
		if delay <= 0 {
			delay = defaultRetryDelay
		}
		d.log.Info("Connection to %s lost, reconnecting in %s", addr, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func retryPolicy(opts ConnectOptions) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.RetryDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = defaultRetryDelay
	}
	b.MaxInterval = opts.MaxRetryDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = defaultMaxRetryDelay
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}
