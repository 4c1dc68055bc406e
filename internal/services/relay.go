package services

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/codefionn/etp/internal/daemon"
)

const nameKey = "name"

// Relay is a named chat room. Each client picks a unique name, then every
// line it sends is relayed to the others. "@name text" sends a private
// message instead.
type Relay struct {
	*daemon.Daemon

	mu     sync.Mutex
	byName map[string]*daemon.Connection
}

// NewRelay creates a relay service.
func NewRelay(opts ...daemon.Option) *Relay {
	r := &Relay{byName: make(map[string]*daemon.Connection)}
	r.Daemon = daemon.New("relay", r, opts...)
	return r
}

// Names returns the names currently in use.
func (r *Relay) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}

func (r *Relay) OnConnect(c *daemon.Connection) {
	c.State().Set(nameKey, "")
}

func (r *Relay) OnDisconnect(c *daemon.Connection) {
	name := c.State().GetString(nameKey)
	if name == "" {
		return
	}

	r.mu.Lock()
	owned := r.byName[name] == c
	if owned {
		delete(r.byName, name)
	}
	r.mu.Unlock()

	if owned {
		r.BroadcastLine("* " + name + " left")
	}
}

func (r *Relay) HandleIncoming(_ context.Context, c *daemon.Connection) error {
	if _, err := c.Write([]byte("Enter name: ")); err != nil {
		return err
	}

	raw, err := c.Reader().ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	name := strings.TrimSpace(raw)
	if name == "" {
		return nil
	}
	if !r.claim(name, c) {
		return r.SendLine(c, "Name already in use.")
	}
	c.State().Set(nameKey, name)

	if err := r.SendLine(c, "* Welcome "+name); err != nil {
		return err
	}
	r.BroadcastLine("* "+name+" joined", c)

	lines := c.Lines()
	for lines.Scan() {
		text := lines.Text()
		if rest, ok := strings.CutPrefix(text, "@"); ok {
			target, message, _ := strings.Cut(rest, " ")
			if target == "" {
				continue
			}
			r.private(c, name, target, message)
			continue
		}
		r.BroadcastLine(name+": "+text, c)
	}
	return lines.Err()
}

func (r *Relay) claim(name string, c *daemon.Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.byName[name]; taken {
		return false
	}
	r.byName[name] = c
	return true
}

func (r *Relay) private(from *daemon.Connection, name, target, message string) {
	r.mu.Lock()
	to, ok := r.byName[target]
	r.mu.Unlock()

	if !ok {
		_ = r.SendLine(from, "* unknown user "+target)
		return
	}
	_ = r.SendLine(to, "[pm from "+name+"] "+message)
}
