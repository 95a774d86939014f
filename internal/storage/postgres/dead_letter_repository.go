package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/GALA-Lin/service-sub006/internal/domain"
)

const deadLetterColumns = `business_type, business_key, queue, exchange, routing_key, payload, headers,
	redelivery_count, occurrence_count, last_error, first_seen_at, last_seen_at, replayed_at`

type deadLetterRepository struct {
	db *sql.DB
}

// NewDeadLetterRepository создаёт PostgreSQL-реализацию DeadLetterRepository.
func NewDeadLetterRepository(store *Store) domain.DeadLetterRepository {
	return &deadLetterRepository{db: store.DB()}
}

// Upsert агрегирует повторные падения одной бизнес-сущности в одну строку.
func (r *deadLetterRepository) Upsert(ctx context.Context, entry domain.DeadLetterEntry) (domain.DeadLetterEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	headers, err := json.Marshal(nonNilHeaders(entry.Headers))
	if err != nil {
		return domain.DeadLetterEntry{}, fmt.Errorf("encode dead letter headers: %w", err)
	}
	firstSeen := entry.FirstSeenAt
	if firstSeen.IsZero() {
		firstSeen = entry.LastSeenAt
	}

	return scanDeadLetter(r.db.QueryRowContext(ctx, `
		INSERT INTO dead_letter_log (`+deadLetterColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,1,$9,$10,$11,NULL)
		ON CONFLICT (business_type, business_key) DO UPDATE
		SET queue = EXCLUDED.queue,
		    exchange = EXCLUDED.exchange,
		    routing_key = EXCLUDED.routing_key,
		    payload = EXCLUDED.payload,
		    headers = EXCLUDED.headers,
		    redelivery_count = dead_letter_log.redelivery_count + EXCLUDED.redelivery_count,
		    occurrence_count = dead_letter_log.occurrence_count + 1,
		    last_error = EXCLUDED.last_error,
		    last_seen_at = EXCLUDED.last_seen_at,
		    replayed_at = NULL
		RETURNING `+deadLetterColumns,
		entry.BusinessType, entry.BusinessKey, entry.Queue, entry.Exchange, entry.RoutingKey,
		entry.Payload, headers, entry.RedeliveryCount, entry.LastError, firstSeen, entry.LastSeenAt,
	))
}

func (r *deadLetterRepository) Get(ctx context.Context, businessType, businessKey string) (domain.DeadLetterEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return scanDeadLetter(r.db.QueryRowContext(ctx, `
		SELECT `+deadLetterColumns+`
		FROM dead_letter_log
		WHERE business_type = $1 AND business_key = $2
	`, businessType, businessKey))
}

func (r *deadLetterRepository) List(ctx context.Context, filter domain.DeadLetterFilter) ([]domain.DeadLetterEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		conds []string
		args  []any
	)
	if filter.BusinessType != "" {
		args = append(args, filter.BusinessType)
		conds = append(conds, fmt.Sprintf("business_type = $%d", len(args)))
	}
	if filter.PendingOnly {
		conds = append(conds, "replayed_at IS NULL")
	}

	query := `SELECT ` + deadLetterColumns + ` FROM dead_letter_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY last_seen_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.DeadLetterEntry, 0)
	for rows.Next() {
		entry, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return entries, nil
}

func (r *deadLetterRepository) MarkReplayed(ctx context.Context, businessType, businessKey string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE dead_letter_log SET replayed_at = $1
		WHERE business_type = $2 AND business_key = $3
	`, at, businessType, businessKey)
	if err != nil {
		return fmt.Errorf("mark dead letter replayed: %w", err)
	}
	affected, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrDeadLetterNotFound
	}
	return nil
}

func scanDeadLetter(row rowScanner) (domain.DeadLetterEntry, error) {
	var (
		entry      domain.DeadLetterEntry
		headers    []byte
		replayedAt sql.NullTime
	)
	err := row.Scan(
		&entry.BusinessType, &entry.BusinessKey, &entry.Queue, &entry.Exchange, &entry.RoutingKey,
		&entry.Payload, &headers, &entry.RedeliveryCount, &entry.OccurrenceCount, &entry.LastError,
		&entry.FirstSeenAt, &entry.LastSeenAt, &replayedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.DeadLetterEntry{}, domain.ErrDeadLetterNotFound
		}
		return domain.DeadLetterEntry{}, fmt.Errorf("scan dead letter: %w", err)
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &entry.Headers); err != nil {
			return domain.DeadLetterEntry{}, fmt.Errorf("decode dead letter headers: %w", err)
		}
	}
	if replayedAt.Valid {
		at := replayedAt.Time
		entry.ReplayedAt = &at
	}
	return entry, nil
}

func nonNilHeaders(h map[string]string) map[string]string {
	if h == nil {
		return map[string]string{}
	}
	return h
}

var _ domain.DeadLetterRepository = (*deadLetterRepository)(nil)
