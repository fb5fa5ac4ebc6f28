package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SessionStatus reports the peer sessions for the readiness check and the
// status endpoint.
type SessionStatus interface {
	// EstablishedCount returns established sessions / configured peers.
	EstablishedCount() (established, configured int)
	// PeerStates returns per-peer FSM state names.
	PeerStates() map[string]string
}

// DBChecker abstracts the mirror database health check for testability.
type DBChecker interface {
	Ping(ctx context.Context) error
}

type Server struct {
	srv       *http.Server
	pool      *pgxpool.Pool
	dbChecker DBChecker
	sessions  SessionStatus
	logger    *zap.Logger
}

// NewServer builds the HTTP surface: health, readiness, peer status, and
// Prometheus metrics. pool may be nil when the Loc-RIB mirror is disabled.
func NewServer(addr string, pool *pgxpool.Pool, sessions SessionStatus, logger *zap.Logger) *Server {
	s := &Server{
		pool:     pool,
		sessions: sessions,
		logger:   logger,
	}
	if pool != nil {
		s.dbChecker = pool
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/peers", s.handlePeers)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	// Check the Loc-RIB mirror, when configured.
	if s.dbChecker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.dbChecker.Ping(ctx); err != nil {
			checks["mirror"] = "error"
			allOK = false
		} else {
			checks["mirror"] = "ok"
		}
	} else {
		checks["mirror"] = "disabled"
	}

	// Ready once at least one configured peer session is Established, or
	// when no peers are configured.
	if s.sessions != nil {
		established, configured := s.sessions.EstablishedCount()
		if configured == 0 || established > 0 {
			checks["sessions"] = "ok"
		} else {
			checks["sessions"] = "none_established"
			allOK = false
		}
	} else {
		checks["sessions"] = "error"
		allOK = false
	}

	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	states := map[string]string{}
	if s.sessions != nil {
		states = s.sessions.PeerStates()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{"peers": states})
}
