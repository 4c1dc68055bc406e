package services

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/codefionn/etp/internal/command"
	"github.com/codefionn/etp/internal/daemon"
)

// DefaultReplyWait is how long the console waits for replies after its
// last message.
const DefaultReplyWait = 2 * time.Second

// ConsoleOptions configures a Console.
type ConsoleOptions struct {
	// In supplies messages when Message is empty, one per line.
	In io.Reader
	// Out receives every line the server sends.
	Out io.Writer
	// Message is sent once instead of reading In.
	Message string
	// Format re-encodes messages that parse as TEXT commands. Messages
	// that do not parse are sent as typed.
	Format command.Format
	// Delimiter terminates outgoing messages. Defaults to "\n".
	Delimiter string
	// Prompt prints "> " before reading each message from In.
	Prompt bool
	// Wait bounds the time spent waiting for replies after the last
	// message. Defaults to DefaultReplyWait.
	Wait time.Duration
}

// Console is a client for line protocol services. It serves one outgoing
// connection and stops its daemon when the conversation is over.
type Console struct {
	*daemon.Daemon

	opts  ConsoleOptions
	outMu sync.Mutex
}

// NewConsole creates a console. Call Connect and then Run.
func NewConsole(opts ConsoleOptions, dopts ...daemon.Option) *Console {
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.Delimiter == "" {
		opts.Delimiter = "\n"
	}
	if opts.Wait <= 0 {
		opts.Wait = DefaultReplyWait
	}
	cs := &Console{opts: opts}
	cs.Daemon = daemon.New("client", cs, dopts...)
	return cs
}

func (cs *Console) HandleIncoming(ctx context.Context, c *daemon.Connection) error {
	return cs.HandleOutgoing(ctx, c)
}

func (cs *Console) HandleOutgoing(ctx context.Context, c *daemon.Connection) error {
	received := make(chan struct{}, 1)
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		lines := c.Lines()
		for lines.Scan() {
			cs.print(lines.Text() + "\n")
			select {
			case received <- struct{}{}:
			default:
			}
		}
	}()

	var err error
	if cs.opts.Message != "" {
		err = cs.oneShot(ctx, c, received, closed)
	} else {
		err = cs.interactive(ctx, c, closed)
	}

	cs.Stop()
	<-closed
	return err
}

func (cs *Console) oneShot(ctx context.Context, c *daemon.Connection, received, closed <-chan struct{}) error {
	if err := cs.send(c, cs.opts.Message); err != nil {
		return err
	}
	select {
	case <-received:
	case <-closed:
	case <-ctx.Done():
	case <-time.After(cs.opts.Wait):
	}
	return nil
}

func (cs *Console) interactive(ctx context.Context, c *daemon.Connection, closed <-chan struct{}) error {
	if cs.opts.In == nil {
		return nil
	}

	input := make(chan string)
	go func() {
		defer close(input)
		scanner := bufio.NewScanner(cs.opts.In)
		for scanner.Scan() {
			select {
			case input <- scanner.Text():
			case <-closed:
				return
			}
		}
	}()

	for {
		if cs.opts.Prompt {
			cs.print("> ")
		}
		select {
		case text, ok := <-input:
			if !ok {
				return cs.settle(ctx, closed)
			}
			if text == "" {
				continue
			}
			if err := cs.send(c, text); err != nil {
				return err
			}
		case <-closed:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// settle waits for late replies once input is exhausted.
func (cs *Console) settle(ctx context.Context, closed <-chan struct{}) error {
	select {
	case <-closed:
	case <-ctx.Done():
	case <-time.After(cs.opts.Wait):
	}
	return nil
}

func (cs *Console) send(c *daemon.Connection, text string) error {
	if cs.opts.Format != command.Text {
		if cmd, err := command.Parse(text, command.Text); err == nil {
			if encoded, err := cmd.Encode(cs.opts.Format); err == nil {
				text = encoded
			} else {
				c.Logger().Warn("Sending %q as typed: %v", text, err)
			}
		}
	}
	_, err := c.Write([]byte(text + cs.opts.Delimiter))
	return err
}

func (cs *Console) print(s string) {
	cs.outMu.Lock()
	defer cs.outMu.Unlock()
	_, _ = fmt.Fprint(cs.opts.Out, s)
}
