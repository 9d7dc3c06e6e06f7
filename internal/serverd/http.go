package serverd

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/matheus3301/inline/internal/config"
	"github.com/matheus3301/inline/internal/metrics"
	"github.com/matheus3301/inline/internal/realtime"
	"github.com/matheus3301/inline/internal/serverdb"
)

// HTTPServer serves the realtime socket, metrics and health on one port.
type HTTPServer struct {
	srv      *http.Server
	listener net.Listener
	logger   *zap.Logger
}

// NewHTTPServer binds the listen address right away so a bad address
// fails startup.
func NewHTTPServer(cfg *config.Server, h *realtime.Handler, reg *realtime.Registry, db *serverdb.DB, logger *zap.Logger) (*HTTPServer, error) {
	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", healthHandler(db, reg))
	r.Handle("/metrics", metrics.Handler())
	r.Handle("/realtime", h)

	return &HTTPServer{
		srv:      &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second},
		listener: lis,
		logger:   logger,
	}, nil
}

// Addr is the bound address, useful when listening on port 0.
func (s *HTTPServer) Addr() net.Addr { return s.listener.Addr() }

func (s *HTTPServer) Start() {
	s.logger.Info("http server starting", zap.String("addr", s.Addr().String()))
	go func() {
		if err := s.srv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", zap.Error(err))
		}
	}()
}

// Stop stops accepting requests. Upgraded sockets are not tracked by
// net/http and must be closed through the registry.
func (s *HTTPServer) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type health struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Error       string `json:"error,omitempty"`
}

func healthHandler(db *serverdb.DB, reg *realtime.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		body := health{Status: "ok", Connections: reg.Count()}
		code := http.StatusOK
		if err := db.PingContext(ctx); err != nil {
			body.Status, body.Error = "unavailable", err.Error()
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(body)
	}
}
