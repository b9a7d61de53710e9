package fetch

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/iago/session-insights/internal/domain"
)

// Outcome is what Apply did with a response.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeDiscarded Outcome = "discarded"
)

// Snapshot is a copy of the poll state for one target.
type Snapshot struct {
	SubjectID  string
	Kind       domain.Kind
	Marker     int64
	Status     domain.Status
	Stale      bool
	ComputedAt time.Time
	Payload    json.RawMessage
	Fetched    bool
}

// View is the client-side poll state for one payload kind: the current
// target, the last observed marker and status, and the last payload.
// Responses are only applied when their request tag still matches the
// target.
type View struct {
	mu    sync.Mutex
	kind  domain.Kind
	seq   uint64
	state Snapshot
}

func NewView(kind domain.Kind) *View {
	return &View{
		kind:  kind,
		state: Snapshot{Kind: kind, Marker: domain.NoMarker},
	}
}

// SetTarget switches the view to subjectID. A change drops the cached
// payload and resets the marker to NoMarker; it reports whether the target
// changed.
func (v *View) SetTarget(subjectID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state.SubjectID == subjectID {
		return false
	}
	v.state = Snapshot{SubjectID: subjectID, Kind: v.kind, Marker: domain.NoMarker}
	return true
}

// Clear tears the view down. Responses still in flight are discarded.
func (v *View) Clear() {
	v.SetTarget("")
}

func (v *View) Target() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state.SubjectID
}

// Prepare builds the next request for the current target. force, or a last
// status of generating, sends NoMarker so the server answers in full. It
// returns false when there is no target.
func (v *View) Prepare(force bool) (Request, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state.SubjectID == "" {
		return Request{}, false
	}

	v.seq++
	marker := v.state.Marker
	if force || v.state.Status == domain.StatusGenerating {
		marker = domain.NoMarker
	}
	return Request{
		SubjectID: v.state.SubjectID,
		Kind:      v.kind,
		Marker:    marker,
		Seq:       v.seq,
	}, true
}

// Apply folds response into the view when request still targets the
// current subject.
func (v *View) Apply(request Request, response Response) Outcome {
	v.mu.Lock()
	defer v.mu.Unlock()

	if request.SubjectID == "" || request.SubjectID != v.state.SubjectID || request.Kind != v.kind {
		return OutcomeDiscarded
	}
	if response.Unchanged {
		return OutcomeUnchanged
	}

	v.state.Status = response.Status
	v.state.Marker = response.Marker
	v.state.Stale = response.Stale
	v.state.ComputedAt = response.ComputedAt
	v.state.Payload = append(json.RawMessage(nil), response.Payload...)
	v.state.Fetched = true
	return OutcomeApplied
}

func (v *View) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	snapshot := v.state
	snapshot.Payload = append(json.RawMessage(nil), v.state.Payload...)
	return snapshot
}
