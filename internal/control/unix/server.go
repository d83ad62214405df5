// Package unix carries the control interface as HTTP+JSON over a unix
// socket. This is the default transport of herd.
package unix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/mbrock/herd/internal/control"
	"github.com/mbrock/herd/internal/eventlog"
)

// Server serves a Controller on a unix socket.
type Server struct {
	socketPath string
	ln         net.Listener
	srv        *http.Server
	done       chan struct{}

	// cancel ends streaming requests, which Shutdown would wait for.
	cancel context.CancelFunc
}

type nameRequest struct {
	Name string `json:"name"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

type logsResponse struct {
	Records []eventlog.EventRecord `json:"records"`
	Cursor  string                 `json:"cursor"`
}

// Serve listens on socketPath (replacing a stale socket) and serves ctrl
// until Close. The socket is created with mode 0600.
func Serve(socketPath string, ctrl control.Controller, logger *slog.Logger) (*Server, error) {
	if socketPath == "" {
		return nil, fmt.Errorf("unix socket path is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return nil, fmt.Errorf("creating socket dir: %w", err)
	}
	_ = os.Remove(socketPath)

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("securing socket: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Handler:           NewHandler(ctrl, logger),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s := &Server{socketPath: socketPath, ln: ln, srv: srv, done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(s.done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("control server failed", "error", err)
		}
	}()
	logger.Debug("control server listening", "socket", socketPath)
	return s, nil
}

// NewHandler returns the HTTP routes for ctrl.
func NewHandler(ctrl control.Controller, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	named := func(op func(context.Context, string) error) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			defer r.Body.Close()
			var in nameRequest
			if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
				writeError(w, logger, fmt.Errorf("%w: %v", control.ErrInvalid, err))
				return
			}
			if err := op(r.Context(), in.Name); err != nil {
				writeError(w, logger, err)
				return
			}
			w.WriteHeader(http.StatusOK)
		}
	}

	mux.HandleFunc("POST /start", named(ctrl.Start))
	mux.HandleFunc("POST /stop", named(ctrl.Stop))
	mux.HandleFunc("POST /restart", named(ctrl.Restart))

	mux.HandleFunc("POST /start-all", func(w http.ResponseWriter, r *http.Request) {
		if err := ctrl.StartAll(r.Context()); err != nil {
			writeError(w, logger, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		st, err := ctrl.Status(r.Context())
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, st)
	})

	mux.HandleFunc("GET /logs", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var filters []eventlog.EventFilter
		for _, raw := range q["filter"] {
			f, err := eventlog.ParseFilter(raw)
			if err != nil {
				writeError(w, logger, fmt.Errorf("%w: %v", control.ErrInvalid, err))
				return
			}
			filters = append(filters, f)
		}

		if q.Get("follow") != "" {
			follow(w, r, ctrl, logger, q.Get("name"), filters)
			return
		}

		records, cursor, err := ctrl.Logs(r.Context(), q.Get("name"), q.Get("cursor"), filters...)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		if records == nil {
			records = []eventlog.EventRecord{}
		}
		writeJSON(w, logsResponse{Records: records, Cursor: cursor})
	})

	return mux
}

// follow streams records as newline-delimited JSON until the client goes
// away or the server closes.
func follow(w http.ResponseWriter, r *http.Request, ctrl control.Controller, logger *slog.Logger, name string, filters []eventlog.EventFilter) {
	seq, err := ctrl.Follow(r.Context(), name, filters...)
	if err != nil {
		writeError(w, logger, err)
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for rec, err := range seq {
		if err != nil {
			logger.Debug("follow stream ended", "process", name, "error", err)
			return
		}
		if err := enc.Encode(rec); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.srv.Shutdown(ctx)
	<-s.done
	_ = os.Remove(s.socketPath)
	return err
}

// statusCode maps an error kind to an HTTP status.
func statusCode(kind string) int {
	switch kind {
	case control.KindNotFound:
		return http.StatusNotFound
	case control.KindLaunch, control.KindCrashLoop:
		return http.StatusConflict
	case control.KindInvalid:
		return http.StatusBadRequest
	case control.KindShutdown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	kind := control.Kind(err)
	logger.Debug("control request failed", "kind", kind, "error", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode(kind))
	_ = json.NewEncoder(w).Encode(errorResponse{Error: err.Error(), Kind: kind})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
