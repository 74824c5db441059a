package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ssuji15/loracloud/internal/config"
	"github.com/ssuji15/loracloud/internal/errdefs"
	"github.com/ssuji15/loracloud/internal/lifecycle"
	"github.com/ssuji15/loracloud/internal/metrics"
	"github.com/ssuji15/loracloud/internal/service/logger"
	"github.com/ssuji15/loracloud/internal/web/middleware"
)

const (
	requestTimeout = 60 * time.Second
	maxUploadBytes = 256 << 20
)

type Server struct {
	router  chi.Router
	ctrl    *lifecycle.Controller
	limiter *middleware.Limiter
}

func NewServer(ctrl *lifecycle.Controller, cfg *config.ServerConfig) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		ctrl:    ctrl,
		limiter: middleware.NewLimiter(cfg.QUEUE_SIZE, cfg.MAX_INFLIGHT),
	}

	s.routes()
	return s
}

// Router is the instrumented handler main serves.
func (s *Server) Router() http.Handler {
	return otelhttp.NewHandler(s.router, "loracloud")
}

// ShutDown releases the request limiter.
func (s *Server) ShutDown(ctx context.Context) {
	s.limiter.Close()
}

func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimw.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.limiter.Limit)
		r.Use(chimw.Timeout(requestTimeout))

		r.Get("/offers", s.handleSearchOffers)

		r.Route("/instances", func(r chi.Router) {
			r.Get("/", s.handleListInstances)
			r.Post("/launch", s.handleLaunchInstance)
			r.Get("/{id}", s.handleGetInstance)
			r.Delete("/{id}", s.handleStopInstance)
			r.Post("/{id}/tunnel", s.handleOpenTunnel)
			r.Get("/{id}/tunnel", s.handleTunnelStatus)
			r.Delete("/{id}/tunnel", s.handleCloseTunnel)
		})
		r.Get("/tunnels", s.handleListTunnels)

		r.Route("/training", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Post("/", s.handleStartTraining)
			r.Post("/config", s.handleTrainingConfig)
			r.Get("/{id}", s.handleGetJob)
			r.Post("/{id}/cancel", s.handleCancelJob)
			r.Delete("/{id}", s.handleDeleteJob)
		})

		r.Route("/datasets", func(r chi.Router) {
			r.Get("/", s.handleListDatasets)
			r.Post("/{name}/upload", s.handleUploadDataset)
			r.Delete("/{name}", s.handleDeleteDataset)
		})

		r.Route("/loras", func(r chi.Router) {
			r.Get("/", s.handleListLoras)
			r.Get("/{name}", s.handleGetLora)
			r.Get("/{name}/url", s.handleLoraURL)
			r.Get("/{name}/download", s.handleDownloadLora)
			r.Delete("/{name}", s.handleDeleteLora)
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// statusFor maps an error kind onto the HTTP status the API reports.
func statusFor(kind errdefs.Kind) int {
	switch kind {
	case errdefs.KindNotFound:
		return http.StatusNotFound
	case errdefs.KindInvalidState, errdefs.KindConflict:
		return http.StatusConflict
	case errdefs.KindInvalidArgument:
		return http.StatusBadRequest
	case errdefs.KindProviderTimeout:
		return http.StatusGatewayTimeout
	case errdefs.KindProviderUnavailable, errdefs.KindTransportError, errdefs.KindWorkerUnreachable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errdefs.KindOf(err)
	status := statusFor(kind)
	log := logger.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("kind", string(kind)).Msg("request failed")
	} else {
		log.Debug().Err(err).Str("kind", string(kind)).Msg("request rejected")
	}
	writeJSON(w, status, errorBody{Kind: string(kind), Message: errdefs.Message(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return errdefs.New(errdefs.KindInvalidArgument, "web.decode", "invalid JSON: %v", err)
	}
	return nil
}
