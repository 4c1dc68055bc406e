package services

import (
	"context"
	"io"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/codefionn/etp/internal/daemon"
)

// DefaultTickInterval is the broadcast interval used when none is given.
const DefaultTickInterval = time.Second

// Ticker broadcasts "* tick N" to every client at a fixed interval.
// Anything clients send is discarded.
type Ticker struct {
	*daemon.Daemon

	interval time.Duration
	ticks    atomic.Int64
}

// NewTicker creates a ticker service.
func NewTicker(interval time.Duration, opts ...daemon.Option) *Ticker {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	t := &Ticker{interval: interval}
	t.Daemon = daemon.New("broadcast", t, opts...)
	return t
}

// Ticks returns the number of ticks sent so far.
func (t *Ticker) Ticks() int64 {
	return t.ticks.Load()
}

func (t *Ticker) OnStart(context.Context) error {
	t.StartTask("ticker", t.loop)
	return nil
}

func (t *Ticker) HandleIncoming(_ context.Context, c *daemon.Connection) error {
	_, err := io.Copy(io.Discard, c.Reader())
	return err
}

func (t *Ticker) loop(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		n := t.ticks.Add(1)
		t.BroadcastLine("* tick " + strconv.FormatInt(n, 10))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
