package influx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/codefionn/etp/internal/logger"
)

// ErrClosed is returned by WriteLine after Close.
var ErrClosed = errors.New("influx writer closed")

// HTTPError is a non-2xx response from the write endpoint.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("influx write: HTTP %d: %s", e.Status, e.Body)
}

// Retryable reports whether the request may succeed when repeated.
func (e *HTTPError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Options tunes batching and retries. Zero values select defaults; a
// negative MaxRetries disables retries.
type Options struct {
	BatchMaxPoints int
	FlushInterval  time.Duration
	QueueSize      int
	RequestTimeout time.Duration
	MaxRetries     int
	HTTPClient     *http.Client
	Logger         *logger.Logger
}

func (o Options) withDefaults() Options {
	if o.BatchMaxPoints <= 0 {
		o.BatchMaxPoints = 10_000
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 200_000
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	switch {
	case o.MaxRetries == 0:
		o.MaxRetries = 8
	case o.MaxRetries < 0:
		o.MaxRetries = 0
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.RequestTimeout}
	}
	if o.Logger == nil {
		o.Logger = logger.Global().WithPrefix("influx")
	}
	return o
}

// Stats counts lines by outcome.
type Stats struct {
	Written int64
	Failed  int64
	Dropped int64
}

// Writer batches line protocol records and posts them in the background.
type Writer struct {
	target Target
	opts   Options
	log    *logger.Logger

	queue chan string

	mu      sync.Mutex
	started bool
	closed  bool
	drain   bool
	stopCh  chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc

	written atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// NewWriter returns a writer for target. Call Start before writing.
func NewWriter(target Target, opts Options) (*Writer, error) {
	if target == nil {
		return nil, errors.New("influx target is required")
	}
	opts = opts.withDefaults()
	return &Writer{
		target: target,
		opts:   opts,
		log:    opts.Logger,
		queue:  make(chan string, opts.QueueSize),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Start launches the flush loop.
func (w *Writer) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return errors.New("influx writer already started")
	}
	if w.closed {
		return ErrClosed
	}
	w.started = true

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.run(ctx)
	return nil
}

// WriteLine enqueues one record. It blocks while the queue is full.
func (w *Writer) WriteLine(ctx context.Context, line string) error {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil
	}
	select {
	case <-w.stopCh:
		return ErrClosed
	default:
	}
	select {
	case w.queue <- line:
		return nil
	case <-w.stopCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WritePoint enqueues p.
func (w *Writer) WritePoint(ctx context.Context, p Point) error {
	line, err := p.Line()
	if err != nil {
		return err
	}
	return w.WriteLine(ctx, line)
}

// Close stops the writer. With drain, queued records are flushed first;
// otherwise they are discarded. If ctx expires first, in-flight requests
// are aborted.
func (w *Writer) Close(ctx context.Context, drain bool) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.drain = drain
	started := w.started
	close(w.stopCh)
	w.mu.Unlock()

	if !started {
		return nil
	}

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.cancel()
		<-w.done
		return ctx.Err()
	}
}

// Stats returns counters since Start.
func (w *Writer) Stats() Stats {
	return Stats{
		Written: w.written.Load(),
		Failed:  w.failed.Load(),
		Dropped: w.dropped.Load(),
	}
}

func (w *Writer) run(ctx context.Context) {
	defer close(w.done)
	defer w.cancel()

	buf := make([]string, 0, min(w.opts.BatchMaxPoints, 1024))
	flush := func() {
		if len(buf) == 0 {
			return
		}
		w.flush(ctx, buf)
		buf = buf[:0]
	}

	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case line := <-w.queue:
			buf = append(buf, line)
			if len(buf) >= w.opts.BatchMaxPoints {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.stopCh:
			w.mu.Lock()
			drain := w.drain
			w.mu.Unlock()

			if !drain {
				n := int64(len(buf)) + w.discardQueue()
				w.dropped.Add(n)
				if n > 0 {
					w.log.Info("Discarded %d queued lines on close", n)
				}
				return
			}
			for drained := false; !drained; {
				select {
				case line := <-w.queue:
					buf = append(buf, line)
					if len(buf) >= w.opts.BatchMaxPoints {
						flush()
					}
				default:
					drained = true
				}
			}
			flush()
			return
		}
	}
}

func (w *Writer) discardQueue() int64 {
	var n int64
	for {
		select {
		case <-w.queue:
			n++
		default:
			return n
		}
	}
}

func (w *Writer) flush(ctx context.Context, lines []string) {
	body := []byte(strings.Join(lines, "\n") + "\n")
	if err := w.post(ctx, body); err != nil {
		w.failed.Add(int64(len(lines)))
		w.log.Error("Dropping batch of %d lines: %v", len(lines), err)
		return
	}
	w.written.Add(int64(len(lines)))
	w.log.Debug("Wrote batch of %d lines", len(lines))
}

// post sends body, retrying transport errors, 429 and 5xx with
// exponential backoff from 250ms up to 8s.
func (w *Writer) post(ctx context.Context, body []byte) error {
	url, header := w.target.endpoint()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 8 * time.Second
	policy.MaxElapsedTime = 0
	policy.Reset()

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header = header.Clone()

		resp, err := w.opts.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		httpErr := &HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(text))}
		if !httpErr.Retryable() {
			return backoff.Permanent(httpErr)
		}
		return httpErr
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(w.opts.MaxRetries)), ctx)
	return backoff.RetryNotify(op, b, func(err error, next time.Duration) {
		w.log.Warn("Write failed, retrying in %s: %v", next, err)
	})
}
