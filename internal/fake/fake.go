// Package fake provides a disposable HTTP server faking a web service, so
// an interactive client can be driven against it.
package fake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	ErrStarted    = errors.New("fake server already started")
	ErrNotStarted = errors.New("fake server not started")
)

// Server is a named HTTP server listening on a loopback address. Routes are
// defined before Start.
type Server struct {
	name   string
	host   string
	port   int
	logger *slog.Logger

	mux *http.ServeMux
	srv *http.Server
	g   *errgroup.Group

	mx       sync.Mutex
	requests strings.Builder
}

type Option func(*Server)

// WithPort sets the port, the default 0 picks a free one.
func WithPort(port int) Option {
	return func(s *Server) { s.port = port }
}

func WithHost(host string) Option {
	return func(s *Server) { s.host = host }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func New(name string, opts ...Option) *Server {
	s := &Server{
		name:   name,
		host:   "127.0.0.1",
		logger: slog.Default(),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle defines a route, pattern follows http.ServeMux.
func (s *Server) Handle(pattern string, handler http.HandlerFunc) error {
	if s.srv != nil {
		return ErrStarted
	}
	s.mux.HandleFunc(pattern, handler)
	return nil
}

// HandleString defines a route answering with a fixed body.
func (s *Server) HandleString(pattern, body string) error {
	return s.Handle(pattern, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, body)
	})
}

// Start listens and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	if s.srv != nil {
		return ErrStarted
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	if err != nil {
		return fmt.Errorf("fake %s: listening: %w", s.name, err)
	}
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.logger = s.logger.With("fake", s.name, "addr", ln.Addr().String())

	s.srv = &http.Server{
		Handler:           s.record(s.mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.g = &errgroup.Group{}
	s.g.Go(func() error {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	s.logger.Debug("fake server started")
	return nil
}

// Stop shuts the server down and waits for it.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return ErrNotStarted
	}
	err := s.srv.Shutdown(ctx)
	s.logger.Debug("fake server stopped")
	return errors.Join(err, s.g.Wait())
}

func (s *Server) Name() string { return s.name }
func (s *Server) Host() string { return s.host }

// Port returns the port, known for sure once started.
func (s *Server) Port() int { return s.port }

func (s *Server) URL() string {
	return "http://" + net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Output returns the log of the served requests, one line each.
func (s *Server) Output() string {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.requests.String()
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		s.mx.Lock()
		fmt.Fprintf(&s.requests, "%s %s %d\n", r.Method, r.URL.RequestURI(), sw.status)
		s.mx.Unlock()
		s.logger.Debug("request", "method", r.Method, "uri", r.URL.RequestURI(), "status", sw.status)
	})
}
