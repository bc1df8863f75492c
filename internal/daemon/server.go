package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/parley-im/parley/internal/bus"
	"github.com/parley-im/parley/internal/config"
	"github.com/parley-im/parley/internal/metrics"
	"github.com/parley-im/parley/internal/registry"
	"github.com/parley-im/parley/internal/ws"
)

// Server is the daemon's HTTP surface: the websocket endpoint plus health,
// metrics, and the debug event stream.
type Server struct {
	httpServer *http.Server
	registry   *registry.Registry
	bus        *bus.Bus
	logger     *zap.Logger
	startedAt  time.Time
}

// NewServer builds the router and the HTTP server.
func NewServer(cfg *config.Config, gateway *ws.Gateway, reg *registry.Registry, collector *metrics.Collector, b *bus.Bus, logger *zap.Logger) *Server {
	s := &Server{
		registry:  reg,
		bus:       b,
		logger:    logger,
		startedAt: time.Now(),
	}

	r := mux.NewRouter()
	r.Handle("/ws", gateway)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/debug/events", s.handleDebugEvents).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving HTTP requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("http server starting", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("http server stopping")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", zap.Error(err))
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"uptime":   time.Since(s.startedAt).Round(time.Second).String(),
		"sessions": s.registry.Len(),
	})
}

// handleDebugEvents streams bus events as server-sent events. The optional
// ns query parameter filters by kind prefix, e.g. ?ns=delivery.
func (s *Server) handleDebugEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsub := s.bus.Subscribe(r.URL.Query().Get("ns"), 128)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
