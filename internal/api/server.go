// Package api exposes the HTTP interface for the scan orchestration
// service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/imageguard/scanhub/internal/bulk"
	"github.com/imageguard/scanhub/internal/progress"
	"github.com/imageguard/scanhub/internal/queue"
	"github.com/imageguard/scanhub/internal/registry"
	"github.com/imageguard/scanhub/internal/scan"
)

// ScanService is the slice of the job registry the API depends on.
type ScanService interface {
	StartScan(ctx context.Context, req scan.Request, priority int) (registry.StartResult, error)
	CancelScan(ctx context.Context, requestID string) bool
	Job(requestID string) (scan.Job, bool)
	Jobs() []scan.Job
	QueuePosition(requestID string) int
	EstimatedWait(requestID string) (time.Duration, bool)
	QueueStats() queue.Stats
	Subscribe(l progress.Listener) uint64
	Unsubscribe(id uint64)
}

// BulkService is the slice of the batch orchestrator the API depends on.
type BulkService interface {
	ExecuteBulkScan(ctx context.Context, req bulk.Request) (bulk.Result, error)
	CancelBulkScan(ctx context.Context, batchID string) error
	Status(batchID string) (bulk.BatchStatus, bool)
	History() []bulk.BatchStatus
	Active() []bulk.BatchStatus
}

// Server wires HTTP handlers to the registry and the bulk orchestrator.
type Server struct {
	router  chi.Router
	scans   ScanService
	bulk    BulkService
	metrics http.Handler
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(scans ScanService, bulkSvc BulkService, metricsHandler http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		scans:   scans,
		bulk:    bulkSvc,
		metrics: metricsHandler,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/scans", func(r chi.Router) {
			r.Post("/", s.submitScan)
			r.Get("/", s.listScans)
			r.Route("/{request_id}", func(r chi.Router) {
				r.Get("/", s.getScan)
				r.Get("/queue", s.getQueuePosition)
				r.Post("/cancel", s.cancelScan)
			})
		})
		r.Get("/queue/stats", s.queueStats)
		r.Route("/bulk", func(r chi.Router) {
			r.Post("/", s.submitBulk)
			r.Get("/", s.listBulk)
			r.Get("/active", s.listActiveBulk)
			r.Route("/{batch_id}", func(r chi.Router) {
				r.Get("/", s.getBulk)
				r.Post("/cancel", s.cancelBulk)
			})
		})
		r.Get("/events", s.streamEvents)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) submitScan(w http.ResponseWriter, r *http.Request) {
	var req scan.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := validateScanRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.scans.StartScan(r.Context(), req, scan.PriorityInteractive)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) listScans(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"scans": s.scans.Jobs()})
}

func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	job, ok := s.scans.Job(requestID)
	if !ok {
		writeError(w, http.StatusNotFound, "scan not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scan": job})
}

func (s *Server) getQueuePosition(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	if _, ok := s.scans.Job(requestID); !ok {
		writeError(w, http.StatusNotFound, "scan not found")
		return
	}
	payload := map[string]any{
		"position": s.scans.QueuePosition(requestID),
	}
	if wait, ok := s.scans.EstimatedWait(requestID); ok {
		payload["estimated_wait_ms"] = wait.Milliseconds()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) cancelScan(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	if !s.scans.CancelScan(r.Context(), requestID) {
		writeError(w, http.StatusConflict, "scan not found or already finished")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": requestID,
		"status":     string(scan.StatusCancelled),
	})
}

func (s *Server) queueStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.scans.QueueStats())
}

func (s *Server) submitBulk(w http.ResponseWriter, r *http.Request) {
	var req bulk.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res, err := s.bulk.ExecuteBulkScan(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) listBulk(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"batches": s.bulk.History()})
}

func (s *Server) listActiveBulk(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"batches": s.bulk.Active()})
}

func (s *Server) getBulk(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batch_id")
	status, ok := s.bulk.Status(batchID)
	if !ok {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) cancelBulk(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batch_id")
	if err := s.bulk.CancelBulkScan(r.Context(), batchID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"batch_id": batchID, "status": string(bulk.StatusFailed)})
}

// streamEvents delivers progress events as server-sent events until the
// client disconnects. A slow client drops events rather than blocking the
// broadcaster.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	events := make(chan progress.Event, 64)
	id := s.scans.Subscribe(func(evt progress.Event) {
		select {
		case events <- evt:
		default:
		}
	})
	defer s.scans.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-events:
			data, err := json.Marshal(evt)
			if err != nil {
				s.logger.Warn("marshal progress event failed", zap.Error(err))
				continue
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(data); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func validateScanRequest(req scan.Request) error {
	switch req.Source {
	case scan.SourceRegistry, scan.SourceLocal:
		if req.Image == "" {
			return errors.New("image is required")
		}
	case scan.SourceTar:
		if req.TarPath == "" {
			return errors.New("tar_path is required")
		}
	default:
		return errors.New("source must be registry, tar, or local")
	}
	return nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
