// Package httpapi exposes the pipeline over HTTP. Two routes only:
// POST /v1/search runs one query, GET /healthz reports liveness. Handlers
// translate between the wire and pipeline types; every retrieval decision
// stays in the pipeline.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"lexhound/internal/pipeline"
)

const maxBodyBytes = 1 << 20

// Runner is the pipeline surface the handlers need.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (pipeline.Response, error)
}

// searchRequest is the wire envelope for POST /v1/search.
type searchRequest struct {
	Query        string `json:"query" validate:"required,min=3,max=600"`
	MaxResults   int    `json:"maxResults" validate:"omitempty,min=1,max=50"`
	RequestID    string `json:"requestId" validate:"omitempty,max=80"`
	DebugEnabled bool   `json:"debugEnabled"`
}

// errorBody is the failure envelope.
type errorBody struct {
	RequestID string   `json:"requestId,omitempty"`
	Error     string   `json:"error"`
	Fields    []string `json:"fields,omitempty"`
}

// Handler serves the search API.
type Handler struct {
	log      *zap.Logger
	runner   Runner
	validate *validator.Validate
}

// New builds the handler set.
func New(log *zap.Logger, runner Runner) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		log:      log.Named("httpapi"),
		runner:   runner,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Router mounts the routes on a fresh chi router.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", h.health)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/search", h.search)
	})
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(h.log, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(h.log, w, http.StatusBadRequest, errorBody{Error: "malformed request body"})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeJSON(h.log, w, http.StatusBadRequest, errorBody{
			RequestID: req.RequestID,
			Error:     "invalid request",
			Fields:    fieldErrors(err),
		})
		return
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = middleware.GetReqID(r.Context())
	}

	resp, err := h.runner.Run(r.Context(), pipeline.Request{
		Query:        req.Query,
		MaxResults:   req.MaxResults,
		RequestID:    requestID,
		DebugEnabled: req.DebugEnabled,
	})
	if err != nil {
		h.log.Error("pipeline run failed",
			zap.String("request_id", requestID), zap.Error(err))
		writeJSON(h.log, w, http.StatusInternalServerError, errorBody{
			RequestID: requestID,
			Error:     "internal error",
		})
		return
	}

	status := http.StatusOK
	if resp.Status == pipeline.StatusBlocked {
		status = http.StatusTooManyRequests
		if resp.RetryAfterMs > 0 {
			secs := (resp.RetryAfterMs + 999) / 1000
			w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		}
	}
	writeJSON(h.log, w, status, resp)
}

// fieldErrors flattens validator output to json field names.
func fieldErrors(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Field() {
		case "Query":
			out = append(out, "query: "+fe.Tag())
		case "MaxResults":
			out = append(out, "maxResults: "+fe.Tag())
		case "RequestID":
			out = append(out, "requestId: "+fe.Tag())
		default:
			out = append(out, fe.Field()+": "+fe.Tag())
		}
	}
	return out
}

func writeJSON(log *zap.Logger, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("response encode failed", zap.Error(err))
	}
}
