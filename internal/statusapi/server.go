// Package statusapi exposes a minimal read-only HTTP surface over the
// peer manager and sync diagnostics store, routed with chi in the same
// style as flowpbx's internal/api/server.go.
package statusapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meshsync/meshsync/internal/diagnostics"
	"github.com/meshsync/meshsync/internal/peer"
	"github.com/meshsync/meshsync/internal/sink"
)

// PeerView is the JSON shape returned for a peer in /status/peers.
type PeerView struct {
	UUID           string   `json:"uuid"`
	InstanceUUID   string   `json:"instance_uuid"`
	Name           string   `json:"name"`
	State          string   `json:"state"`
	CommittedDelta float64  `json:"committed_delta_ms"`
	Synchronized   bool     `json:"synchronized"`
	Capacities     []string `json:"capacities"`
}

// SinkView is the JSON shape returned for a sink in /status/sinks.
type SinkView struct {
	SinkID          string  `json:"sink_id"`
	SourceID        string  `json:"source_id,omitempty"`
	Piped           bool    `json:"piped"`
	DelayFromLocal  float64 `json:"delay_from_local_now_ms"`
}

// Server holds the dependencies of the status HTTP surface.
type Server struct {
	router  *chi.Mux
	peers   *peer.Manager
	sinks   func() []*sink.Sink
	diag    *diagnostics.Store
	logger  *slog.Logger
	limiter *ipRateLimiter
}

// New constructs a Server. sinks may be nil if no sinks are registered at
// startup; it is called fresh on every request to reflect additions.
// rateLimit/rateBurst configure the per-IP token bucket guarding the
// status surface; both must be positive.
func New(peers *peer.Manager, sinks func() []*sink.Sink, diag *diagnostics.Store, rateLimit, rateBurst int, logger *slog.Logger) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		peers:   peers,
		sinks:   sinks,
		diag:    diag,
		logger:  logger.With("subsystem", "statusapi"),
		limiter: newIPRateLimiter(rateLimitConfigFrom(rateLimit, rateBurst)),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiter's background cleanup goroutine.
func (s *Server) Close() {
	s.limiter.stop()
}

func (s *Server) routes() {
	r := s.router
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(structuredLogger(s.logger))
	r.Use(recoverer(s.logger))
	r.Use(rateLimit(s.limiter))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/status", func(r chi.Router) {
		r.Get("/peers", s.handlePeers)
		r.Get("/sinks", s.handleSinks)
		r.Get("/sync/{peerUUID}", s.handleSync)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	out := make([]PeerView, 0)
	for _, p := range s.peers.All() {
		d := p.Descriptor()
		caps := make([]string, 0, len(d.Capacities))
		for _, c := range d.Capacities {
			caps = append(caps, string(c))
		}
		out = append(out, PeerView{
			UUID:           d.UUID,
			InstanceUUID:   d.InstanceUUID,
			Name:           d.Name,
			State:          p.State().String(),
			CommittedDelta: p.CommittedDelta(),
			Synchronized:   p.IsTimeSynchronized(),
			Capacities:     caps,
		})
	}
	writeJSON(w, out)
}

func (s *Server) handleSinks(w http.ResponseWriter, r *http.Request) {
	out := make([]SinkView, 0)
	if s.sinks != nil {
		for _, sk := range s.sinks() {
			b := sk.Binding()
			v := SinkView{SinkID: sk.ID(), DelayFromLocal: sk.DelayFromLocalNow()}
			if b != nil {
				v.Piped = true
				v.SourceID = b.SourceID
			}
			out = append(out, v)
		}
	}
	writeJSON(w, out)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	peerUUID := chi.URLParam(r, "peerUUID")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	if s.diag == nil {
		http.Error(w, "diagnostics store not configured", http.StatusServiceUnavailable)
		return
	}
	events, err := s.diag.Recent(peerUUID, limit)
	if err != nil {
		s.logger.Error("querying sync events", "error", err, "peer_uuid", peerUUID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, events)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("encoding json response", "error", err)
	}
}
