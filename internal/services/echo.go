package services

import (
	"context"

	"github.com/codefionn/etp/internal/daemon"
)

// Echo writes every received line back to its sender.
type Echo struct {
	*daemon.Daemon
}

// NewEcho creates an echo service.
func NewEcho(opts ...daemon.Option) *Echo {
	e := &Echo{}
	e.Daemon = daemon.New("echo", e, opts...)
	return e
}

func (e *Echo) HandleIncoming(_ context.Context, c *daemon.Connection) error {
	lines := c.Lines()
	for lines.Scan() {
		if err := e.SendLine(c, lines.Text()); err != nil {
			return err
		}
	}
	return lines.Err()
}
