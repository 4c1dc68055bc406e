package daemon

import (
	"time"

	"github.com/codefionn/etp/internal/logger"
)

// DefaultGracePeriod is how long Stop waits for handlers before forcing
// their sockets closed.
const DefaultGracePeriod = 5 * time.Second

type options struct {
	log          *logger.Logger
	gracePeriod  time.Duration
	maxClients   int
	readTimeout  time.Duration
	writeTimeout time.Duration
	framing      Framing
}

// Option configures a Daemon.
type Option func(*options)

// WithLogger sets the daemon logger. Defaults to the global logger
// prefixed with the daemon name.
func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithGracePeriod bounds each shutdown wait.
func WithGracePeriod(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.gracePeriod = d
		}
	}
}

// WithMaxClients caps concurrently accepted connections. Further clients
// wait in the kernel backlog until a slot frees up. Zero means no limit.
func WithMaxClients(n int) Option {
	return func(o *options) { o.maxClients = n }
}

// WithReadTimeout sets an idle timeout for each read.
func WithReadTimeout(d time.Duration) Option {
	return func(o *options) { o.readTimeout = d }
}

// WithWriteTimeout bounds each write.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.writeTimeout = d }
}

// WithFraming sets the line framing used by Connection.Lines.
func WithFraming(f Framing) Option {
	return func(o *options) { o.framing = f.withDefaults() }
}
