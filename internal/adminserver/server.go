// Package adminserver is the operator-visible HTTP surface: three
// read-only endpoints: health, Prometheus metrics, and one engine's
// current context for operator inspection. It exposes no trading
// actions.
package adminserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"arbitrage/internal/models"
)

// EngineView is the minimal read surface adminserver needs from a
// running engine; internal/engine.Engine satisfies it.
type EngineView interface {
	Symbol() models.Symbol
	State() models.EngineState
	Context() *models.EngineContext
}

// Server exposes /healthz, /metrics, and /snapshots/{symbol} over
// gorilla/mux.
type Server struct {
	addr    string
	engines []EngineView
	logger  *zap.Logger
	http    *http.Server
}

// New builds a Server that reports on the given engines.
func New(addr string, engines []EngineView, logger *zap.Logger) *Server {
	s := &Server{addr: addr, engines: engines, logger: logger}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/snapshots/{symbol}", s.handleSnapshot).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Run starts serving and blocks until the listener stops. Intended to
// be called from its own goroutine.
func (s *Server) Run() {
	s.logger.Info("adminserver: listening", zap.String("addr", s.addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error("adminserver: serve error", zap.Error(err))
	}
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// snapshotView is what /snapshots/{symbol} reports for one engine: its
// current state and the serializable context.
type snapshotView struct {
	Symbol  string                `json:"symbol"`
	State   models.EngineState    `json:"state"`
	Context *models.EngineContext `json:"context"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	requested := mux.Vars(r)["symbol"]
	for _, e := range s.engines {
		if e.Symbol().Base+"_"+e.Symbol().Quote == requested {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(snapshotView{
				Symbol: requested, State: e.State(), Context: e.Context(),
			})
			return
		}
	}
	http.Error(w, "unknown symbol", http.StatusNotFound)
}
