package relay

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/jpillora/requestlog"
)

// BuildVersion is stamped at build time; see main.go.
var BuildVersion = "dev"

// StatusServer is an optional admin HTTP endpoint exposing /health and
// /version. It has no effect on the control/data wire protocol in spec §6;
// it exists purely for operational visibility into a running broker.
// Grounded on share/http_server.go's HTTPServer (a ShutdownHelper-based
// net/http.Server wrapper) and share/server.go's debug-level request
// logging via requestlog.Wrap.
type StatusServer struct {
	ShutdownHelper
	server   *http.Server
	listener net.Listener
	alive    func() bool
	stats    func() string
}

// NewStatusServer creates a StatusServer. alive reports whether the
// broker's event loop is still running; it backs the /health handler.
// stats, if non-nil, backs the /stats handler with a short human-readable
// summary (e.g. open/total connection counts).
func NewStatusServer(logger Logger, alive func() bool, stats func() string) *StatusServer {
	s := &StatusServer{alive: alive, stats: stats}
	s.InitShutdownHelper(logger, s)
	return s
}

// Addr returns the bound listener address, or nil before ListenAndServe
// has bound one. Useful when addr passed to ListenAndServe used an
// ephemeral port (":0").
func (s *StatusServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// HandleOnceShutdown closes the listener, unblocking ListenAndServe.
func (s *StatusServer) HandleOnceShutdown(completionErr error) error {
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && completionErr == nil {
			completionErr = err
		}
	}
	return completionErr
}

// ListenAndServe binds addr and serves /health and /version until ctx is
// cancelled or Close is called. It returns once the server has stopped.
func (s *StatusServer) ListenAndServe(ctx context.Context, addr string) error {
	s.ShutdownOnContext(ctx)

	l, err := net.Listen("tcp", addr)
	if err != nil {
		s.ELogf("status server listen on %s failed: %s", addr, err)
		return fmt.Errorf("relay: status server listen on %s: %w", addr, err)
	}
	s.listener = l

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if s.alive != nil && !s.alive() {
			http.Error(w, "not running", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, BuildVersion)
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		if s.stats == nil {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintln(w, s.stats())
	})

	var handler http.Handler = mux
	if s.GetLogLevel() >= LogLevelDebug {
		handler = requestlog.Wrap(handler)
	}
	s.server = &http.Server{Handler: handler}

	s.ILogf("status endpoint listening on %s", addr)
	err = s.server.Serve(l)
	if err == http.ErrServerClosed {
		err = nil
	}
	return s.Shutdown(err)
}
