package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/iago/session-insights/internal/domain"
	"github.com/iago/session-insights/internal/http/middleware"
	"github.com/iago/session-insights/internal/staleness"
	"github.com/iago/session-insights/internal/store"
)

// MarkerHeader carries the progress marker of the served payload, including
// on 304 responses.
const MarkerHeader = "X-Progress-Marker"

var errInvalidPayload = errors.New("invalid payload")

// Resolver is the staleness cache as seen by the HTTP layer.
type Resolver interface {
	Resolve(ctx context.Context, subjectID string, kind domain.Kind, clientMarker int64) (staleness.Result, error)
	Regenerate(ctx context.Context, subjectID string, kind domain.Kind) (*domain.Ticket, error)
	Quota(ctx context.Context, ownerID string) (staleness.QuotaInfo, error)
}

type Dependencies struct {
	Subjects store.SubjectStore
	Resolver Resolver
	// RetryAfter is the polling hint sent with generating responses.
	RetryAfter time.Duration
	// MaxLinesPerAppend bounds one ingestion request.
	MaxLinesPerAppend int
	Logger            *log.Logger
}

type API struct {
	subjects          store.SubjectStore
	resolver          Resolver
	retryAfter        time.Duration
	maxLinesPerAppend int
	logger            *log.Logger
}

func NewAPI(deps Dependencies) *API {
	if deps.RetryAfter <= 0 {
		deps.RetryAfter = 5 * time.Second
	}
	if deps.MaxLinesPerAppend <= 0 {
		deps.MaxLinesPerAppend = 5000
	}
	return &API{
		subjects:          deps.Subjects,
		resolver:          deps.Resolver,
		retryAfter:        deps.RetryAfter,
		maxLinesPerAppend: deps.MaxLinesPerAppend,
		logger:            deps.Logger,
	}
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

// writeStoreError maps domain errors to responses and logs the rest.
func (api *API) writeStoreError(w http.ResponseWriter, r *http.Request, err error, action string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "subject not found")
	case errors.Is(err, staleness.ErrUnknownKind):
		writeError(w, r, http.StatusBadRequest, "unknown_kind", "unknown payload kind")
	default:
		api.logf("%s failed request_id=%s err=%v", action, middleware.GetRequestID(r.Context()), err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to "+action)
	}
}

func decodeJSON(r *http.Request, value any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		return errInvalidPayload
	}
	return nil
}

func validID(value string) bool {
	trimmed := strings.TrimSpace(value)
	return trimmed != "" && trimmed == value && len(value) <= 128
}

func (api *API) logf(format string, args ...any) {
	if api.logger == nil {
		return
	}
	api.logger.Printf(format, args...)
}
