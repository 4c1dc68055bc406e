// Package admin serves a small read-only HTTP status API for a daemon.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	netpprof "net/http/pprof"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/codefionn/etp/internal/daemon"
	"github.com/codefionn/etp/internal/logger"
	"github.com/codefionn/etp/internal/store"
)

// Source is the daemon being reported on.
type Source interface {
	Info() daemon.Info
	Registry() *daemon.Registry
}

// LineSource exposes stored line protocol records.
type LineSource interface {
	Recent(ctx context.Context, n int) ([]store.Record, error)
	Count(ctx context.Context) (int64, error)
}

// ConnectionView is the JSON form of a connection.
type ConnectionView struct {
	ID          string            `json:"id"`
	Address     string            `json:"address"`
	Incoming    bool              `json:"incoming"`
	ConnectedAt time.Time         `json:"connected_at"`
	State       map[string]string `json:"state"`
}

// Server is the admin HTTP server
type Server struct {
	src    Source
	lines  LineSource
	addr   string
	log    *logger.Logger
	router *httprouter.Router
	server *http.Server
	ln     net.Listener
}

// NewServer creates an admin server for src on addr
func NewServer(src Source, addr string) *Server {
	log := logger.Global().WithPrefix("admin")
	s := &Server{
		src:    src,
		addr:   addr,
		log:    log,
		router: httprouter.New(),
	}
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          logger.NewStdLogger(log, slog.LevelError),
	}
	s.setupRoutes()
	return s
}

// WithLines attaches a store whose recent records are served on /lines.
func (s *Server) WithLines(lines LineSource) *Server {
	s.lines = lines
	return s
}

// WithProfiling mounts the runtime profiler under /debug/pprof/.
func (s *Server) WithProfiling() *Server {
	s.router.HandlerFunc(http.MethodGet, "/debug/pprof/", netpprof.Index)
	s.router.HandlerFunc(http.MethodGet, "/debug/pprof/cmdline", netpprof.Cmdline)
	s.router.HandlerFunc(http.MethodGet, "/debug/pprof/profile", netpprof.Profile)
	s.router.HandlerFunc(http.MethodGet, "/debug/pprof/symbol", netpprof.Symbol)
	s.router.HandlerFunc(http.MethodGet, "/debug/pprof/trace", netpprof.Trace)
	for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
		s.router.Handler(http.MethodGet, "/debug/pprof/"+name, netpprof.Handler(name))
	}
	return s
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/status", s.handleStatus)
	s.router.GET("/connections", s.handleConnections)
	s.router.GET("/connections/:id", s.handleConnection)
	s.router.GET("/lines", s.handleLines)
}

// Listen binds the configured address
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", s.addr, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address, or nil before Listen
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve handles requests until ctx is done, then shuts down gracefully
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return errors.New("admin server is not listening")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(s.ln)
	}()
	s.log.Info("Admin server listening on %s", s.ln.Addr())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Run listens and serves until ctx is done
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.src.Info())
}

func (s *Server) handleConnections(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	conns := s.src.Registry().Snapshot()
	views := make([]ConnectionView, 0, len(conns))
	for _, c := range conns {
		views = append(views, viewOf(c))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleConnection(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	c, ok := s.src.Registry().Get(ps.ByName("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "connection not found"})
		return
	}
	writeJSON(w, http.StatusOK, viewOf(c))
}

func (s *Server) handleLines(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.lines == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no line store configured"})
		return
	}

	n := 20
	if q := r.URL.Query().Get("n"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v <= 0 || v > 1000 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "n must be between 1 and 1000"})
			return
		}
		n = v
	}

	records, err := s.lines.Recent(r.Context(), n)
	if err != nil {
		s.log.Error("Failed to read lines: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read lines"})
		return
	}
	total, err := s.lines.Count(r.Context())
	if err != nil {
		s.log.Error("Failed to count lines: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to count lines"})
		return
	}

	type lineView struct {
		ID          int64     `json:"id"`
		ReceivedAt  time.Time `json:"received_at"`
		Measurement string    `json:"measurement"`
		Line        string    `json:"line"`
	}
	views := make([]lineView, 0, len(records))
	for _, rec := range records {
		views = append(views, lineView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "lines": views})
}

func viewOf(c *daemon.Connection) ConnectionView {
	state := make(map[string]string)
	for k, v := range c.State().Snapshot() {
		state[k] = fmt.Sprintf("%v", v)
	}
	return ConnectionView{
		ID:          c.ID(),
		Address:     c.RemoteAddr(),
		Incoming:    c.Incoming(),
		ConnectedAt: c.ConnectedAt(),
		State:       state,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
