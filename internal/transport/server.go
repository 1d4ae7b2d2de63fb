// Package transport exposes a replica's sync.Controller over HTTP:
// inbound messages from peers, a state snapshot endpoint, health and
// metrics probes. spec.md §1/§2 fixes the transport discipline as plain
// HTTP request/response between replicas; this package is the only
// place that discipline is implemented.
package transport

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Polqt/crdtsync/internal/sync"
)

// Server wires a Controller's inbound/outbound surface onto HTTP
// handlers. It owns no transport state of its own beyond the router.
type Server struct {
	controller *sync.Controller
	metrics    *Metrics
	logger     *zap.Logger
	router     *mux.Router
}

// NewServer builds the router. Callers pass the result to http.Server
// as its Handler.
func NewServer(controller *sync.Controller, metrics *Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{controller: controller, metrics: metrics, logger: logger, router: mux.NewRouter()}
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/state", s.handleGetState).Methods(http.MethodGet)
	s.router.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"replica": s.controller.ReplicaID().String(),
	})
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	data, err := s.controller.Snapshot()
	if err != nil {
		s.logger.Error("snapshot failed", zap.Error(err))
		http.Error(w, "failed to snapshot state", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// handleSync receives one NetworkMessage envelope from a peer and folds
// it into local state via Controller.Receive.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	msg, err := DecodeMessage(body)
	if err != nil {
		s.logger.Warn("malformed sync envelope", zap.Error(err))
		if s.metrics != nil {
			s.metrics.RecordDropped("malformed")
		}
		http.Error(w, "malformed sync envelope: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.controller.Receive(msg); err != nil {
		s.logger.Warn("rejected sync message", zap.Error(err))
		if s.metrics != nil {
			s.metrics.RecordDropped("rejected")
		}
		http.Error(w, "rejected: "+err.Error(), http.StatusUnprocessableEntity)
		return
	}

	if s.metrics != nil {
		switch msg.Kind {
		case sync.MsgOperation:
			s.metrics.RecordApply()
		default:
			s.metrics.RecordMerge()
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
