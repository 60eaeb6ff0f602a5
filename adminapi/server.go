// Package adminapi exposes the operational HTTP surface of the storage
// core: health, Prometheus metrics and the maintenance operations (index
// rebuild, change-log pruning, blob sweeping) an operator or cron job
// drives out of band.
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ternmail/tern/blob"
	"github.com/ternmail/tern/cache"
	"github.com/ternmail/tern/consts"
	"github.com/ternmail/tern/logger"
	"github.com/ternmail/tern/store"
)

// Options configures the admin server.
type Options struct {
	Addr  string
	Store *store.Store
	Blobs *blob.Store
	Cache *cache.Cache // optional
}

// Server is the admin HTTP server.
type Server struct {
	opts   Options
	server *http.Server
}

// New builds an admin server; call Start to serve.
func New(opts Options) *Server {
	return &Server{opts: opts}
}

// Start serves until the context is canceled, then shuts down gracefully.
// Errors other than a clean shutdown are sent to errChan.
func (s *Server) Start(ctx context.Context, errChan chan<- error) {
	s.server = &http.Server{
		Addr:    s.opts.Addr,
		Handler: s.routes(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("admin server shutdown failed", "error", err)
		}
	}()

	logger.Info("admin server listening", "addr", s.opts.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- err
	}
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(loggingMiddleware)

	router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/accounts/{account}/collections/{collection}/rebuild", s.handleRebuild).Methods("POST")
	v1.HandleFunc("/accounts/{account}/changes", s.handleChanges).Methods("GET")
	v1.HandleFunc("/accounts/{account}/changes/prune", s.handlePrune).Methods("POST")
	v1.HandleFunc("/blobs/sweep", s.handleSweep).Methods("POST")
	v1.HandleFunc("/cache/stats", s.handleCacheStats).Methods("GET")
	return router
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.New().String()
		r = r.WithContext(context.WithValue(r.Context(), consts.RequestIDKey, requestID))
		next.ServeHTTP(w, r)
		logger.Debug("admin request", "request_id", requestID, "method", r.Method,
			"path", r.URL.Path, "remote", r.RemoteAddr, "elapsed", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"backend": s.opts.Store.Backend().Name(),
	})
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	account, r, ok := accountVar(w, r)
	if !ok {
		return
	}
	collection := mux.Vars(r)["collection"]

	if err := s.opts.Store.RebuildIndexes(r.Context(), account, collection); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account":    account,
		"collection": collection,
		"status":     "rebuilt",
	})
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	account, r, ok := accountVar(w, r)
	if !ok {
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	records, next, err := s.opts.Store.ChangesSince(r.Context(), account,
		r.URL.Query().Get("collection"), r.URL.Query().Get("since"), limit)
	if err != nil {
		writeError(w, err)
		return
	}

	type changeJSON struct {
		Seq        uint64 `json:"seq"`
		Collection string `json:"collection"`
		DocumentID uint64 `json:"document_id"`
		Kind       string `json:"kind"`
	}
	out := make([]changeJSON, 0, len(records))
	for _, rec := range records {
		out = append(out, changeJSON{
			Seq:        rec.Seq,
			Collection: rec.Collection,
			DocumentID: rec.DocumentID,
			Kind:       rec.Kind.String(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": out, "state": next})
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	account, r, ok := accountVar(w, r)
	if !ok {
		return
	}
	before := r.URL.Query().Get("before")
	if before == "" {
		http.Error(w, "before state token is required", http.StatusBadRequest)
		return
	}

	pruned, err := s.opts.Store.PruneChanges(r.Context(), account, before)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": account, "pruned": pruned})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	swept, err := s.opts.Blobs.Sweep(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"swept": swept})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.opts.Cache == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	objects, size, err := s.opts.Cache.Stats()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled": true,
		"objects": objects,
		"bytes":   size,
	})
}

// accountVar parses the account path variable and tags the request context
// with the account scope for log correlation downstream.
func accountVar(w http.ResponseWriter, r *http.Request) (uint64, *http.Request, bool) {
	account, err := strconv.ParseUint(mux.Vars(r)["account"], 10, 64)
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return 0, r, false
	}
	r = r.WithContext(context.WithValue(r.Context(), consts.AccountIDKey, account))
	return account, r, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warn("admin response encoding failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, consts.ErrNotFound), errors.Is(err, consts.ErrBlobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, consts.ErrInvalidStateToken), errors.Is(err, consts.ErrSchemaMismatch):
		status = http.StatusBadRequest
	case errors.Is(err, consts.ErrBackendUnavailable):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}
