package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/iago/session-insights/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) GetSubject(ctx context.Context, subjectID string) (*domain.Subject, error) {
	var subject domain.Subject
	err := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, marker, raw_bytes, created_at, updated_at
		FROM subjects
		WHERE id = $1
	`, subjectID).Scan(
		&subject.ID,
		&subject.OwnerID,
		&subject.Marker,
		&subject.RawBytes,
		&subject.CreatedAt,
		&subject.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query subject: %w", err)
	}
	return &subject, nil
}

func (s *PostgresStore) AppendLines(
	ctx context.Context,
	subjectID string,
	ownerID string,
	lines []string,
) (*domain.Subject, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		INSERT INTO subjects (id, owner_id, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (id) DO NOTHING
	`, subjectID, ownerID, now); err != nil {
		return nil, fmt.Errorf("insert subject: %w", err)
	}

	var subject domain.Subject
	err = tx.QueryRow(ctx, `
		SELECT id, owner_id, marker, raw_bytes, created_at, updated_at
		FROM subjects
		WHERE id = $1
		FOR UPDATE
	`, subjectID).Scan(
		&subject.ID,
		&subject.OwnerID,
		&subject.Marker,
		&subject.RawBytes,
		&subject.CreatedAt,
		&subject.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("lock subject: %w", err)
	}
	if ownerID != "" && subject.OwnerID != ownerID {
		return nil, ErrOwnerMismatch
	}

	if len(lines) > 0 {
		rows := make([][]any, 0, len(lines))
		for index, line := range lines {
			rows = append(rows, []any{subjectID, subject.Marker + int64(index) + 1, line})
		}
		if _, err := tx.CopyFrom(
			ctx,
			pgx.Identifier{"transcript_lines"},
			[]string{"subject_id", "line_no", "body"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return nil, fmt.Errorf("copy transcript lines: %w", err)
		}

		subject.Marker += int64(len(lines))
		subject.RawBytes += rawSize(lines)
		subject.UpdatedAt = now
		if _, err := tx.Exec(ctx, `
			UPDATE subjects
			SET marker = $2,
				raw_bytes = $3,
				updated_at = $4
			WHERE id = $1
		`, subjectID, subject.Marker, subject.RawBytes, subject.UpdatedAt); err != nil {
			return nil, fmt.Errorf("advance subject marker: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return &subject, nil
}

func (s *PostgresStore) ReadLines(ctx context.Context, subjectID string, upTo int64) ([]string, error) {
	if _, err := s.GetSubject(ctx, subjectID); err != nil {
		return nil, err
	}

	query := `SELECT body FROM transcript_lines WHERE subject_id = $1 ORDER BY line_no`
	args := []any{subjectID}
	if upTo >= 0 {
		query = `SELECT body FROM transcript_lines WHERE subject_id = $1 AND line_no <= $2 ORDER BY line_no`
		args = append(args, upTo)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transcript lines: %w", err)
	}
	lines, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan transcript lines: %w", err)
	}
	return lines, nil
}

func (s *PostgresStore) ListBehind(ctx context.Context, kind domain.Kind, limit int) ([]domain.Subject, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT s.id, s.owner_id, s.marker, s.raw_bytes, s.created_at, s.updated_at
		FROM subjects s
		LEFT JOIN derived_payloads p ON p.subject_id = s.id AND p.kind = $1
		WHERE p.subject_id IS NULL
			OR p.version <> $2
			OR p.marker < s.marker
		ORDER BY s.updated_at DESC, s.id
		LIMIT $3
	`, string(kind), kind.Version(), limit)
	if err != nil {
		return nil, fmt.Errorf("list behind subjects: %w", err)
	}
	defer rows.Close()

	subjects := make([]domain.Subject, 0)
	for rows.Next() {
		var subject domain.Subject
		if err := rows.Scan(
			&subject.ID,
			&subject.OwnerID,
			&subject.Marker,
			&subject.RawBytes,
			&subject.CreatedAt,
			&subject.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan behind subject: %w", err)
		}
		subjects = append(subjects, subject)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate behind subjects: %w", rows.Err())
	}
	return subjects, nil
}

func (s *PostgresStore) GetPayload(ctx context.Context, subjectID string, kind domain.Kind) (*domain.Payload, error) {
	var (
		payload domain.Payload
		body    []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT version, marker, raw_bytes, body, computed_at
		FROM derived_payloads
		WHERE subject_id = $1 AND kind = $2
	`, subjectID, string(kind)).Scan(
		&payload.Version,
		&payload.Marker,
		&payload.RawBytes,
		&body,
		&payload.ComputedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query payload: %w", err)
	}
	payload.SubjectID = subjectID
	payload.Kind = kind
	payload.Body = body
	return &payload, nil
}

func (s *PostgresStore) PutPayload(ctx context.Context, payload *domain.Payload) error {
	return upsertPayload(ctx, s.pool, payload)
}

func upsertPayload(ctx context.Context, q querier, payload *domain.Payload) error {
	_, err := q.Exec(ctx, `
		INSERT INTO derived_payloads (subject_id, kind, version, marker, raw_bytes, body, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (subject_id, kind) DO UPDATE
		SET version = EXCLUDED.version,
			marker = EXCLUDED.marker,
			raw_bytes = EXCLUDED.raw_bytes,
			body = EXCLUDED.body,
			computed_at = EXCLUDED.computed_at
		WHERE derived_payloads.version <> EXCLUDED.version
			OR derived_payloads.marker <= EXCLUDED.marker
	`,
		payload.SubjectID,
		string(payload.Kind),
		payload.Version,
		payload.Marker,
		payload.RawBytes,
		[]byte(payload.Body),
		payload.ComputedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert payload: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateTicket(ctx context.Context, ticket *domain.Ticket, lease time.Duration) error {
	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO generation_tickets (id, subject_id, kind, owner_id, marker, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (subject_id, kind) DO UPDATE
		SET id = EXCLUDED.id,
			owner_id = EXCLUDED.owner_id,
			marker = EXCLUDED.marker,
			state = EXCLUDED.state,
			created_at = EXCLUDED.created_at
		WHERE $8::double precision > 0
			AND generation_tickets.created_at < EXCLUDED.created_at - $8::double precision * INTERVAL '1 second'
		RETURNING id
	`,
		ticket.ID,
		ticket.SubjectID,
		string(ticket.Kind),
		ticket.OwnerID,
		ticket.Marker,
		string(ticket.State),
		ticket.CreatedAt,
		lease.Seconds(),
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTicketActive
		}
		return fmt.Errorf("insert ticket: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTicket(ctx context.Context, subjectID string, kind domain.Kind) (*domain.Ticket, error) {
	var (
		ticket domain.Ticket
		state  string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, marker, state, created_at
		FROM generation_tickets
		WHERE subject_id = $1 AND kind = $2
	`, subjectID, string(kind)).Scan(
		&ticket.ID,
		&ticket.OwnerID,
		&ticket.Marker,
		&state,
		&ticket.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query ticket: %w", err)
	}
	ticket.SubjectID = subjectID
	ticket.Kind = kind
	ticket.State = domain.TicketState(state)
	return &ticket, nil
}

func (s *PostgresStore) DeleteTicket(ctx context.Context, ticketID string) error {
	command, err := s.pool.Exec(ctx, `DELETE FROM generation_tickets WHERE id = $1`, ticketID)
	if err != nil {
		return fmt.Errorf("delete ticket: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CommitTicket(
	ctx context.Context,
	ticketID string,
	payload *domain.Payload,
	month string,
) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var ownerID string
	err = tx.QueryRow(ctx, `
		DELETE FROM generation_tickets
		WHERE id = $1
		RETURNING owner_id
	`, ticketID).Scan(&ownerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTicketSuperseded
		}
		return fmt.Errorf("release ticket: %w", err)
	}

	if err := upsertPayload(ctx, tx, payload); err != nil {
		return err
	}

	if ownerID != "" {
		if _, err := tx.Exec(ctx, `
			INSERT INTO generation_quota (owner_id, month, used, updated_at)
			VALUES ($1, $2, 1, NOW())
			ON CONFLICT (owner_id, month) DO UPDATE
			SET used = generation_quota.used + 1,
				updated_at = NOW()
		`, ownerID, month); err != nil {
			return fmt.Errorf("increment quota: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit generation: %w", err)
	}
	return nil
}

func (s *PostgresStore) QuotaUsed(ctx context.Context, ownerID, month string) (int, error) {
	var used int
	err := s.pool.QueryRow(ctx, `
		SELECT used FROM generation_quota WHERE owner_id = $1 AND month = $2
	`, ownerID, month).Scan(&used)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("query quota: %w", err)
	}
	return used, nil
}

// Lock takes a session-level advisory lock on a dedicated connection so the
// key is serialized across every process sharing the database.
func (s *PostgresStore) Lock(ctx context.Context, subjectID string, kind domain.Kind) (func(), error) {
	key := lockKey(subjectID, kind)

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection: %w", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, key); err != nil {
		conn.Release()
		return nil, fmt.Errorf("advisory lock %s: %w", key, err)
	}

	return func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key); err != nil {
			// Closing the session drops every advisory lock it holds.
			_ = conn.Conn().Close(unlockCtx)
		}
		conn.Release()
	}, nil
}
