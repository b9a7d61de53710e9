package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/iago/session-insights/internal/domain"
	"github.com/iago/session-insights/internal/store"
)

type subjectResponse struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Marker    int64     `json:"marker"`
	RawBytes  int64     `json:"raw_bytes"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type appendLinesRequest struct {
	OwnerID string   `json:"owner_id"`
	Lines   []string `json:"lines"`
}

func newSubjectResponse(subject *domain.Subject) subjectResponse {
	return subjectResponse{
		ID:        subject.ID,
		OwnerID:   subject.OwnerID,
		Marker:    subject.Marker,
		RawBytes:  subject.RawBytes,
		CreatedAt: subject.CreatedAt,
		UpdatedAt: subject.UpdatedAt,
	}
}

func (api *API) GetSubject(w http.ResponseWriter, r *http.Request) {
	subjectID := r.PathValue("id")
	if !validID(subjectID) {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid subject id")
		return
	}

	subject, err := api.subjects.GetSubject(r.Context(), subjectID)
	if err != nil {
		api.writeStoreError(w, r, err, "load subject")
		return
	}
	writeJSON(w, http.StatusOK, newSubjectResponse(subject))
}

// AppendLines is the ingestion adapter: every accepted line advances the
// subject's progress marker by one.
func (api *API) AppendLines(w http.ResponseWriter, r *http.Request) {
	subjectID := r.PathValue("id")
	if !validID(subjectID) {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid subject id")
		return
	}

	var request appendLinesRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_payload", "invalid request body")
		return
	}
	if request.OwnerID != "" && !validID(request.OwnerID) {
		writeError(w, r, http.StatusBadRequest, "invalid_payload", "invalid owner_id")
		return
	}
	if len(request.Lines) > api.maxLinesPerAppend {
		writeError(w, r, http.StatusRequestEntityTooLarge, "too_many_lines", "too many lines in one request")
		return
	}

	subject, err := api.subjects.AppendLines(r.Context(), subjectID, request.OwnerID, request.Lines)
	if errors.Is(err, store.ErrOwnerMismatch) {
		writeError(w, r, http.StatusForbidden, "owner_mismatch", "subject belongs to another owner")
		return
	}
	if err != nil {
		api.writeStoreError(w, r, err, "append lines")
		return
	}
	writeJSON(w, http.StatusOK, newSubjectResponse(subject))
}
