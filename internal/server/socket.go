// Package server exposes the daemon's control plane: the unix-socket
// listener spoken to by the CLI, and an optional HTTP admin router.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loykin/juinit/internal/ipc"
	"github.com/loykin/juinit/internal/metrics"
)

// Handler answers one control-plane request. It must be safe for
// concurrent use; every connection calls it from its own goroutine.
type Handler interface {
	Handle(ctx context.Context, req ipc.Request) ipc.Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req ipc.Request) ipc.Response

func (f HandlerFunc) Handle(ctx context.Context, req ipc.Request) ipc.Response { return f(ctx, req) }

// Options tune a socket server.
type Options struct {
	Timeout time.Duration // per-request read/write deadline, 0 = none
	Mode    os.FileMode   // socket file permissions, 0 = 0660
	Log     *slog.Logger
}

// Server accepts control connections on a unix socket.
type Server struct {
	path    string
	handler Handler
	timeout time.Duration
	log     *slog.Logger
	ln      net.Listener

	wg     sync.WaitGroup
	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

// Listen binds path, replacing a stale socket left by a previous run. It
// refuses to replace a socket that still accepts connections.
func Listen(path string, h Handler, opts Options) (*Server, error) {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Mode == 0 {
		opts.Mode = 0o660
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if err := removeStale(path); err != nil {
		return nil, err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, opts.Mode); err != nil {
		opts.Log.Warn("socket chmod failed", "path", path, "error", err)
	}
	return &Server{
		path:    path,
		handler: h,
		timeout: opts.Timeout,
		log:     opts.Log,
		ln:      ln,
		conns:   make(map[net.Conn]struct{}),
	}, nil
}

func removeStale(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	if c, err := net.DialTimeout("unix", path, 200*time.Millisecond); err == nil {
		_ = c.Close()
		return fmt.Errorf("%s: another daemon is listening", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

// Path returns the bound socket path.
func (s *Server) Path() string { return s.path }

// Serve accepts connections until ctx is done or Close is called. Each
// connection is served in its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()
	var backoff time.Duration
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				s.log.Warn("accept failed, retrying", "error", err, "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0
		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// serveConn answers requests on conn until the peer closes it. A malformed
// frame gets one Error response and ends the connection.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	id := uuid.NewString()
	log := s.log.With("conn", id)
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
		s.wg.Done()
	}()
	log.Debug("control connection accepted")
	for {
		if s.timeout > 0 {
			_ = conn.SetDeadline(time.Now().Add(s.timeout))
		}
		var req ipc.Request
		if err := ipc.ReadMessage(conn, &req); err != nil {
			if errors.Is(err, io.EOF) || s.isClosed() {
				return
			}
			log.Warn("bad control request", "error", err)
			metrics.IncRequest("invalid", string(ipc.Error))
			_ = ipc.WriteMessage(conn, ipc.Errorf("invalid request: %v", err))
			return
		}
		resp := s.dispatch(ctx, log, req)
		metrics.IncRequest(string(req.Kind), string(resp.Kind))
		if err := ipc.WriteMessage(conn, resp); err != nil {
			log.Warn("write control response failed", "kind", req.Kind, "error", err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, log *slog.Logger, req ipc.Request) (resp ipc.Response) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("control handler panic", "kind", req.Kind, "name", req.Name, "panic", r, "stack", string(debug.Stack()))
			resp = ipc.Errorf("internal error handling %s", req.Kind)
		}
	}()
	log.Debug("control request", "kind", req.Kind, "name", req.Name)
	return s.handler.Handle(ctx, req)
}

// Close stops accepting, drops open connections, waits for their
// goroutines, and removes the socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	err := s.ln.Close()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	_ = os.Remove(s.path)
	return err
}
