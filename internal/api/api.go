// Package api exposes the resolution service and status surface over HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/refsync/internal/model"
	"github.com/sells-group/refsync/internal/monitoring"
	"github.com/sells-group/refsync/internal/resolve"
)

// Server bundles the handlers' dependencies.
type Server struct {
	resolver *resolve.Service
	monitor  *monitoring.Collector
	checkCfg monitoring.CheckConfig
}

// NewServer builds the HTTP surface over the resolution service.
func NewServer(resolver *resolve.Service, monitor *monitoring.Collector, checkCfg monitoring.CheckConfig) *Server {
	return &Server{resolver: resolver, monitor: monitor, checkCfg: checkCfg}
}

// Router assembles the route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Route("/{dataset}", func(r chi.Router) {
			r.Use(s.datasetCtx)
			r.Get("/records", s.handleList)
			r.Get("/records/{id}", s.handleGet)
			r.Get("/search", s.handleSearch)
			r.Get("/xref/{system}/{code}", s.handleXref)
		})
	})
	return r
}

type ctxKey int

const datasetKey ctxKey = 0

// datasetCtx validates the {dataset} path segment once for the whole subtree.
func (s *Server) datasetCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dataset, err := model.ParseDataset(chi.URLParam(r, "dataset"))
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		ctx := contextWithDataset(r.Context(), dataset)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap, err := s.monitor.Collect(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}

	problems := monitoring.Check(snap, s.checkCfg)
	status := "ok"
	code := http.StatusOK
	if len(problems) > 0 {
		status = "degraded"
	}
	writeJSON(w, code, map[string]any{
		"status":   status,
		"problems": problems,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.monitor.Collect(r.Context())
	if err != nil {
		zap.L().Error("status collection failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	res, err := s.resolver.ResolveList(r.Context(), datasetFrom(r))
	if err != nil {
		writeResolveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	live := r.URL.Query().Get("live") == "true"

	res, err := s.resolver.ResolveByID(r.Context(), datasetFrom(r), chi.URLParam(r, "id"), resolve.Opts{Live: live})
	if err != nil {
		writeResolveError(w, err)
		return
	}
	if res == nil {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	res, err := s.resolver.ResolveBySearch(r.Context(), datasetFrom(r), q, limit, resolve.Opts{})
	if err != nil {
		writeResolveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleXref(w http.ResponseWriter, r *http.Request) {
	res, err := s.resolver.ResolveByCrossReference(
		r.Context(), datasetFrom(r), chi.URLParam(r, "system"), chi.URLParam(r, "code"), resolve.Opts{})
	if err != nil {
		writeResolveError(w, err)
		return
	}
	if res == nil {
		writeError(w, http.StatusNotFound, "no record carries that code")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeResolveError(w http.ResponseWriter, err error) {
	if resolve.IsValidation(err) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	zap.L().Error("resolution failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
