package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// NoMarker is the client-side marker meaning "nothing observed yet".
const NoMarker int64 = -1

type Kind string

const (
	KindUsage Kind = "usage"
	KindRecap Kind = "recap"
)

// Schema versions per kind. A stored payload carrying another version is
// treated as absent and recomputed.
var kindVersions = map[Kind]int{
	KindUsage: 2,
	KindRecap: 1,
}

func ParseKind(value string) (Kind, bool) {
	kind := Kind(strings.ToLower(strings.TrimSpace(value)))
	_, ok := kindVersions[kind]
	return kind, ok
}

func (k Kind) Version() int {
	return kindVersions[k]
}

// Async reports whether payloads of this kind are produced by background
// generation instead of inline recomputation.
func (k Kind) Async() bool {
	return k == KindRecap
}

// Subject is one recorded session. Marker is the number of transcript lines
// ingested so far and only ever grows.
type Subject struct {
	ID        string
	OwnerID   string
	Marker    int64
	RawBytes  int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Payload is the derived value for one (subject, kind) pair, tagged with the
// marker it was computed against.
type Payload struct {
	SubjectID  string
	Kind       Kind
	Version    int
	Marker     int64
	RawBytes   int64
	Body       json.RawMessage
	ComputedAt time.Time
}

// Current reports whether the payload was computed with the current schema
// version for its kind.
func (p *Payload) Current() bool {
	return p != nil && p.Version == p.Kind.Version()
}

func (p *Payload) FreshFor(marker int64) bool {
	return p.Current() && p.Marker == marker
}

func ClonePayload(p *Payload) *Payload {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Body = append(json.RawMessage(nil), p.Body...)
	return &clone
}

type Status string

const (
	StatusReady         Status = "ready"
	StatusGenerating    Status = "generating"
	StatusQuotaExceeded Status = "quota_exceeded"
	StatusFailed        Status = "failed"
)
