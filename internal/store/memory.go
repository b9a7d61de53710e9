package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iago/session-insights/internal/domain"
)

type payloadKey struct {
	subjectID string
	kind      domain.Kind
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// MemoryStore keeps everything in process for local development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	subjects map[string]*domain.Subject
	lines    map[string][]string
	payloads map[payloadKey]*domain.Payload
	tickets  map[payloadKey]*domain.Ticket
	quota    map[string]int

	locksMu sync.Mutex
	locks   map[string]*keyLock

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subjects: make(map[string]*domain.Subject),
		lines:    make(map[string][]string),
		payloads: make(map[payloadKey]*domain.Payload),
		tickets:  make(map[payloadKey]*domain.Ticket),
		quota:    make(map[string]int),
		locks:    make(map[string]*keyLock),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source used for ticket leases and timestamps.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) GetSubject(_ context.Context, subjectID string) (*domain.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subject, ok := s.subjects[subjectID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *subject
	return &clone, nil
}

func (s *MemoryStore) AppendLines(
	_ context.Context,
	subjectID string,
	ownerID string,
	lines []string,
) (*domain.Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	subject, ok := s.subjects[subjectID]
	if !ok {
		subject = &domain.Subject{ID: subjectID, OwnerID: ownerID, CreatedAt: now, UpdatedAt: now}
		s.subjects[subjectID] = subject
	} else if ownerID != "" && subject.OwnerID != ownerID {
		return nil, ErrOwnerMismatch
	}

	if len(lines) > 0 {
		s.lines[subjectID] = append(s.lines[subjectID], lines...)
		subject.Marker += int64(len(lines))
		subject.RawBytes += rawSize(lines)
		subject.UpdatedAt = now
	}

	clone := *subject
	return &clone, nil
}

func (s *MemoryStore) ReadLines(_ context.Context, subjectID string, upTo int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.lines[subjectID]
	if !ok {
		if _, exists := s.subjects[subjectID]; !exists {
			return nil, ErrNotFound
		}
		return []string{}, nil
	}
	if upTo < 0 || upTo > int64(len(stored)) {
		upTo = int64(len(stored))
	}
	return append([]string(nil), stored[:upTo]...), nil
}

func (s *MemoryStore) ListBehind(_ context.Context, kind domain.Kind, limit int) ([]domain.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	behind := make([]domain.Subject, 0)
	for id, subject := range s.subjects {
		payload := s.payloads[payloadKey{subjectID: id, kind: kind}]
		if payload.FreshFor(subject.Marker) {
			continue
		}
		behind = append(behind, *subject)
	}

	sort.Slice(behind, func(i, j int) bool {
		if behind[i].UpdatedAt.Equal(behind[j].UpdatedAt) {
			return behind[i].ID < behind[j].ID
		}
		return behind[i].UpdatedAt.After(behind[j].UpdatedAt)
	})
	if limit > 0 && len(behind) > limit {
		behind = behind[:limit]
	}
	return behind, nil
}

func (s *MemoryStore) GetPayload(_ context.Context, subjectID string, kind domain.Kind) (*domain.Payload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payload, ok := s.payloads[payloadKey{subjectID: subjectID, kind: kind}]
	if !ok {
		return nil, ErrNotFound
	}
	return domain.ClonePayload(payload), nil
}

func (s *MemoryStore) PutPayload(_ context.Context, payload *domain.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.putPayloadLocked(payload)
	return nil
}

func (s *MemoryStore) putPayloadLocked(payload *domain.Payload) {
	key := payloadKey{subjectID: payload.SubjectID, kind: payload.Kind}
	if existing, ok := s.payloads[key]; ok {
		if existing.Version == payload.Version && existing.Marker > payload.Marker {
			return
		}
	}
	s.payloads[key] = domain.ClonePayload(payload)
}

func (s *MemoryStore) CreateTicket(_ context.Context, ticket *domain.Ticket, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := payloadKey{subjectID: ticket.SubjectID, kind: ticket.Kind}
	if existing, ok := s.tickets[key]; ok && existing.Active(s.now(), lease) {
		return ErrTicketActive
	}
	clone := *ticket
	s.tickets[key] = &clone
	return nil
}

func (s *MemoryStore) GetTicket(_ context.Context, subjectID string, kind domain.Kind) (*domain.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ticket, ok := s.tickets[payloadKey{subjectID: subjectID, kind: kind}]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *ticket
	return &clone, nil
}

func (s *MemoryStore) DeleteTicket(_ context.Context, ticketID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.findTicketLocked(ticketID)
	if !ok {
		return ErrNotFound
	}
	delete(s.tickets, key)
	return nil
}

func (s *MemoryStore) CommitTicket(
	_ context.Context,
	ticketID string,
	payload *domain.Payload,
	month string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.findTicketLocked(ticketID)
	if !ok {
		return ErrTicketSuperseded
	}
	ticket := s.tickets[key]

	s.putPayloadLocked(payload)
	if ticket.OwnerID != "" {
		s.quota[quotaKey(ticket.OwnerID, month)]++
	}
	delete(s.tickets, key)
	return nil
}

func (s *MemoryStore) QuotaUsed(_ context.Context, ownerID, month string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quota[quotaKey(ownerID, month)], nil
}

func (s *MemoryStore) Lock(ctx context.Context, subjectID string, kind domain.Kind) (func(), error) {
	key := lockKey(subjectID, kind)

	s.locksMu.Lock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &keyLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.locksMu.Unlock()

	acquired := make(chan struct{})
	go func() {
		lock.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-ctx.Done():
		go func() {
			<-acquired
			s.release(key, lock)
		}()
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { s.release(key, lock) })
	}, nil
}

func (s *MemoryStore) release(key string, lock *keyLock) {
	lock.mu.Unlock()

	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(s.locks, key)
	}
}

func (s *MemoryStore) findTicketLocked(ticketID string) (payloadKey, bool) {
	for key, ticket := range s.tickets {
		if ticket.ID == ticketID {
			return key, true
		}
	}
	return payloadKey{}, false
}

func quotaKey(ownerID, month string) string {
	return ownerID + "@" + month
}
