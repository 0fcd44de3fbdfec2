// Package api exposes the runtime core's HTTP surface: run/event log
// endpoints, topic poll and streaming upgrade, credit settlement, provider
// catalog, and router decisions. Grounded on internal/api/server.go's
// gorilla/mux + inline CORS-middleware shape. CORS is the only router-wide
// middleware; the poll and stream handlers call auth.Gate.Authorize
// themselves, and the append handler applies ratelimit.Gate's payload and
// publish-rate checks itself.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ocx/khala/internal/apierr"
	"github.com/ocx/khala/internal/auth"
	"github.com/ocx/khala/internal/catalog"
	"github.com/ocx/khala/internal/config"
	"github.com/ocx/khala/internal/credit"
	"github.com/ocx/khala/internal/eventlog"
	"github.com/ocx/khala/internal/fanout"
	"github.com/ocx/khala/internal/ledgerbridge"
	"github.com/ocx/khala/internal/projection"
	"github.com/ocx/khala/internal/ratelimit"
	"github.com/ocx/khala/internal/router"
)

// Server wires every component into the HTTP surface named in spec.md §6.
type Server struct {
	cfg       *config.Config
	log       *eventlog.Log
	hub       *fanout.Hub
	proj      *projection.Pipeline
	gate      *auth.Gate
	limiter   *ratelimit.Gate
	credit    *credit.Store
	catalog   *catalog.Catalog
	router    *router.Router
	bridge    *ledgerbridge.Bridge
	adminKeys *auth.AdminKeyStore
}

// New builds a Server from its fully-constructed collaborators. adminKeys
// may be nil, in which case the bootstrap-token endpoint always rejects.
func New(
	cfg *config.Config,
	l *eventlog.Log,
	hub *fanout.Hub,
	proj *projection.Pipeline,
	gate *auth.Gate,
	limiter *ratelimit.Gate,
	creditStore *credit.Store,
	cat *catalog.Catalog,
	rt *router.Router,
	bridge *ledgerbridge.Bridge,
	adminKeys *auth.AdminKeyStore,
) *Server {
	return &Server{
		cfg: cfg, log: l, hub: hub, proj: proj, gate: gate, limiter: limiter,
		credit: creditStore, catalog: cat, router: rt, bridge: bridge,
		adminKeys: adminKeys,
	}
}

// Router builds the mux.Router carrying every route. Exported as a plain
// *mux.Router rather than wrapped in Start/ListenAndServe so callers (tests,
// cmd/khalad) can compose it with their own *http.Server for graceful
// shutdown.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware)

	r.HandleFunc("/v1/runs", s.handleCreateRun).Methods("POST")
	r.HandleFunc("/v1/runs/{run_id}/events", s.handleAppendRunEvent).Methods("POST")
	r.HandleFunc("/v1/runs/{run_id}/receipt", s.handleRunReceipt).Methods("GET")
	r.HandleFunc("/v1/runs/{run_id}/replay", s.handleRunReplay).Methods("GET")

	r.HandleFunc("/v1/topics/{topic}/poll", s.handlePoll).Methods("GET")
	r.HandleFunc("/v1/topics/{topic}/stream", s.handleStream).Methods("GET")

	r.HandleFunc("/v1/credit/intents", s.handleRegisterIntent).Methods("POST")
	r.HandleFunc("/v1/credit/offers", s.handleRegisterOffer).Methods("POST")
	r.HandleFunc("/v1/credit/envelopes", s.handleClaimEnvelope).Methods("POST")
	r.HandleFunc("/v1/credit/settle", s.handleSettle).Methods("POST")

	r.HandleFunc("/v1/providers", s.handleRegisterProvider).Methods("POST")
	r.HandleFunc("/v1/providers/{provider_id}/quarantine", s.handleQuarantineProvider).Methods("POST")
	r.HandleFunc("/v1/providers/{provider_id}/recover", s.handleRecoverProvider).Methods("POST")

	r.HandleFunc("/v1/router/decide", s.handleRouterDecide).Methods("POST")

	r.HandleFunc("/v1/admin/bootstrap-token", s.handleMintBootstrapToken).Methods("POST")

	return r
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		w.Header().Set("Access-Control-Allow-Origin", corsOriginFor(s.cfg, origin))
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsOriginFor(cfg *config.Config, origin string) string {
	if !cfg.Server.EnforceOrigin || len(cfg.Server.AllowedOrigins) == 0 {
		return "*"
	}
	for _, allowed := range cfg.Server.AllowedOrigins {
		if allowed == origin {
			return origin
		}
	}
	return ""
}

// bearerToken extracts the bearer token from the Authorization header,
// falling back to "" (auth.Gate.Authorize treats "" as missing_authorization).
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("api: failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, aerr *apierr.Error) {
	writeJSON(w, aerr.HTTPStatus, aerr)
}

func decodeJSON(r *http.Request, v any) *apierr.Error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apierr.BadRequest("invalid_request", map[string]any{"detail": err.Error()})
	}
	return nil
}

// Addr formats the configured listen address.
func Addr(cfg *config.Config) string {
	return fmt.Sprintf(":%s", cfg.GetPort())
}
