package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/WessleyAI/wessley-qa/engine/domain"
	"github.com/WessleyAI/wessley-qa/engine/health"
	"github.com/WessleyAI/wessley-qa/engine/qa"
	"github.com/WessleyAI/wessley-qa/pkg/metrics"
	"github.com/WessleyAI/wessley-qa/pkg/mid"
)

// maxBodyBytes bounds request bodies; import payloads are the largest.
const maxBodyBytes = 8 << 20

// qaService is the part of qa.Service the HTTP surface uses.
type qaService interface {
	Process(ctx context.Context, question, userID string) (*domain.ProcessingResult, error)
	FindSimilar(ctx context.Context, question string, limit int) ([]domain.SimilarQuestion, error)
	AugmentVariants(ctx context.Context, qaID string) (int, error)
	Import(ctx context.Context, pairs []domain.CuratedPair) (qa.ImportReport, error)
	Health(ctx context.Context) health.Report
}

// AskRequest is the JSON body for POST /api/qa/ask.
type AskRequest struct {
	Question string `json:"question"`
	UserID   string `json:"user_id,omitempty"`
}

// AskResponse wraps ProcessingResult with the elapsed time in milliseconds.
type AskResponse struct {
	*domain.ProcessingResult
	ProcessingTimeMS int64 `json:"processing_time_ms"`
}

// routes registers the API on a new mux.
func routes(svc qaService, m *metrics.Metrics, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/qa/ask", handleAsk(svc, logger))
	mux.HandleFunc("GET /api/qa/similar", handleSimilar(svc, logger))
	mux.HandleFunc("POST /api/qa/{id}/variants", handleVariants(svc, logger))
	mux.HandleFunc("POST /api/qa/import", handleImport(svc, logger))
	mux.HandleFunc("GET /api/health", handleHealth(svc))
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}
	return mux
}

func handleAsk(svc qaService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AskRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Question == "" {
			writeJSONError(w, http.StatusBadRequest, "question is required")
			return
		}

		ctx := qa.WithRequestID(r.Context(), mid.RequestIDFrom(r.Context()))
		res, err := svc.Process(ctx, req.Question, req.UserID)
		if err != nil {
			writeServiceError(w, logger, "ask", err)
			return
		}
		writeJSON(w, http.StatusOK, AskResponse{
			ProcessingResult: res,
			ProcessingTimeMS: res.ProcessingTime.Milliseconds(),
		})
	}
}

func handleSimilar(svc qaService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "" {
			writeJSONError(w, http.StatusBadRequest, "q is required")
			return
		}
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			limit = n
		}

		similar, err := svc.FindSimilar(r.Context(), q, limit)
		if err != nil {
			writeServiceError(w, logger, "similar", err)
			return
		}
		if similar == nil {
			similar = []domain.SimilarQuestion{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"similar_questions": similar})
	}
}

func handleVariants(svc qaService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		n, err := svc.AugmentVariants(r.Context(), id)
		if err != nil {
			writeServiceError(w, logger, "variants", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"qa_id": id, "indexed": n})
	}
}

func handleImport(svc qaService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pairs, err := decodePairs(http.MaxBytesReader(w, r.Body, maxBodyBytes), formatFromContentType(r.Header.Get("Content-Type")))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		report, err := svc.Import(r.Context(), pairs)
		if err != nil {
			writeServiceError(w, logger, "import", err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func handleHealth(svc qaService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := svc.Health(r.Context())
		status := http.StatusOK
		if !report.Healthy() {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	}
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrUnauthorized), errors.Is(err, domain.ErrGenerationFailed):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrEmbeddingUnavailable), errors.Is(err, domain.ErrSearchUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeServiceError(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "op", op, "status", status, "err", err)
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	body := map[string]any{"error": msg}
	var pe *domain.ProcessingError
	if errors.As(err, &pe) {
		body["stage"] = pe.Stage
		body["processing_steps"] = pe.Steps
	}
	writeJSON(w, status, body)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
