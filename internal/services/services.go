// Package services holds ready-made line protocol services built on the
// daemon package: echo, relay chat, broadcast ticker, line protocol
// ingest, a synthetic sensor device and an interactive console client.
//
// Each service embeds its *daemon.Daemon, so Listen, Run, Stop and the
// messaging helpers are called on the service value directly.
package services

import (
	"context"
	"errors"
	"time"
)

// closeTimeout bounds how long a sink may take to flush on shutdown.
const closeTimeout = 10 * time.Second

// LineWriter accepts InfluxDB line protocol. Both *influx.Writer and
// *store.Store satisfy it.
type LineWriter interface {
	WriteLine(ctx context.Context, line string) error
}

type sinkStarter interface {
	Start() error
}

type drainCloser interface {
	Close(ctx context.Context, drain bool) error
}

type plainCloser interface {
	Close() error
}

func startSink(w LineWriter) error {
	if s, ok := w.(sinkStarter); ok {
		return s.Start()
	}
	return nil
}

func closeSink(w LineWriter, drain bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	switch c := w.(type) {
	case drainCloser:
		return c.Close(ctx, drain)
	case plainCloser:
		return c.Close()
	default:
		return nil
	}
}

// runWithSink runs the daemon and closes the sink once it has stopped.
func runWithSink(ctx context.Context, run func(context.Context) error, w LineWriter, drain func() bool) error {
	err := run(ctx)
	if cerr := closeSink(w, drain()); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}
