package services

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/codefionn/etp/internal/daemon"
	"github.com/codefionn/etp/internal/influx"
)

// Ingest forwards every line protocol line received from clients to a
// sink.
type Ingest struct {
	*daemon.Daemon

	sink     LineWriter
	accepted atomic.Int64
}

// NewIngest creates an ingest service writing to sink.
func NewIngest(sink LineWriter, opts ...daemon.Option) *Ingest {
	in := &Ingest{sink: sink}
	in.Daemon = daemon.New("influx-ingest", in, opts...)
	return in
}

// Accepted returns the number of lines handed to the sink.
func (in *Ingest) Accepted() int64 {
	return in.accepted.Load()
}

func (in *Ingest) OnStart(context.Context) error {
	return startSink(in.sink)
}

// Run runs the daemon, then flushes and closes the sink.
func (in *Ingest) Run(ctx context.Context) error {
	return runWithSink(ctx, in.Daemon.Run, in.sink, func() bool { return true })
}

func (in *Ingest) HandleIncoming(ctx context.Context, c *daemon.Connection) error {
	lines := c.Lines()
	for lines.Scan() {
		err := in.sink.WriteLine(ctx, lines.Text())
		switch {
		case err == nil:
			in.accepted.Add(1)
		case errors.Is(err, influx.ErrClosed), ctx.Err() != nil:
			return err
		default:
			c.Logger().Warn("Dropping line: %v", err)
		}
	}
	return lines.Err()
}
