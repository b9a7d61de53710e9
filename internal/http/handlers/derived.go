package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/iago/session-insights/internal/domain"
	"github.com/iago/session-insights/internal/staleness"
	"github.com/iago/session-insights/internal/store"
)

type derivedResponse struct {
	SubjectID  string          `json:"subject_id"`
	Kind       domain.Kind     `json:"kind"`
	Status     domain.Status   `json:"status"`
	Marker     *int64          `json:"marker,omitempty"`
	Stale      bool            `json:"stale"`
	ComputedAt *time.Time      `json:"computed_at,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Derived serves GET /v1/subjects/{id}/derived/{kind}?as_of=N.
//
//	304 the caller already holds the payload tagged with X-Progress-Marker
//	200 ready, quota_exceeded or failed
//	202 generating, with Retry-After
//
// Non-ready responses still carry the previous payload when one exists.
func (api *API) Derived(w http.ResponseWriter, r *http.Request) {
	subjectID := r.PathValue("id")
	if !validID(subjectID) {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid subject id")
		return
	}
	kind, ok := domain.ParseKind(r.PathValue("kind"))
	if !ok {
		writeError(w, r, http.StatusBadRequest, "unknown_kind", "unknown payload kind")
		return
	}
	clientMarker, err := parseMarker(r.URL.Query().Get("as_of"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_marker", "as_of must be a non-negative integer")
		return
	}

	result, err := api.resolver.Resolve(r.Context(), subjectID, kind, clientMarker)
	if err != nil {
		api.writeStoreError(w, r, err, "resolve payload")
		return
	}

	if result.Marker != domain.NoMarker {
		w.Header().Set(MarkerHeader, strconv.FormatInt(result.Marker, 10))
	}
	if result.Unchanged {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	response := derivedResponse{
		SubjectID: subjectID,
		Kind:      kind,
		Status:    result.Status,
		Stale:     result.Stale,
	}
	if result.Payload != nil {
		marker := result.Payload.Marker
		computedAt := result.Payload.ComputedAt
		response.Marker = &marker
		response.ComputedAt = &computedAt
		response.Payload = result.Payload.Body
	}

	statusCode := http.StatusOK
	if result.Status == domain.StatusGenerating {
		statusCode = http.StatusAccepted
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(api.retryAfter)))
	}
	writeJSON(w, statusCode, response)
}

// Regenerate serves POST /v1/subjects/{id}/derived/{kind}/regenerate.
func (api *API) Regenerate(w http.ResponseWriter, r *http.Request) {
	subjectID := r.PathValue("id")
	if !validID(subjectID) {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid subject id")
		return
	}
	kind, ok := domain.ParseKind(r.PathValue("kind"))
	if !ok {
		writeError(w, r, http.StatusBadRequest, "unknown_kind", "unknown payload kind")
		return
	}

	ticket, err := api.resolver.Regenerate(r.Context(), subjectID, kind)
	switch {
	case errors.Is(err, store.ErrTicketActive):
		writeError(w, r, http.StatusConflict, "generation_in_progress", "a generation is already running")
		return
	case errors.Is(err, staleness.ErrQuotaExceeded):
		writeError(w, r, http.StatusForbidden, "quota_exceeded", "generation quota exhausted for this month")
		return
	case errors.Is(err, staleness.ErrNotAsync):
		writeError(w, r, http.StatusBadRequest, "not_regenerable", "payload kind is computed on request")
		return
	case err != nil:
		api.writeStoreError(w, r, err, "start generation")
		return
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(api.retryAfter)))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"subject_id": ticket.SubjectID,
		"kind":       ticket.Kind,
		"status":     domain.StatusGenerating,
		"ticket_id":  ticket.ID,
		"marker":     ticket.Marker,
	})
}

func (api *API) Quota(w http.ResponseWriter, r *http.Request) {
	ownerID := r.PathValue("owner")
	if !validID(ownerID) {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid owner id")
		return
	}

	info, err := api.resolver.Quota(r.Context(), ownerID)
	if err != nil {
		api.writeStoreError(w, r, err, "load quota")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func parseMarker(value string) (int64, error) {
	if value == "" {
		return domain.NoMarker, nil
	}
	marker, err := strconv.ParseInt(value, 10, 64)
	if err != nil || marker < 0 {
		return 0, errInvalidPayload
	}
	return marker, nil
}

func retryAfterSeconds(d time.Duration) int {
	seconds := int((d + time.Second - 1) / time.Second)
	if seconds < 1 {
		return 1
	}
	return seconds
}
