package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/GALA-Lin/service-sub006/internal/domain"
)

type inboxRepository struct {
	db *sql.DB
}

// NewInboxRepository создаёт PostgreSQL-реализацию InboxRepository.
func NewInboxRepository(store *Store) domain.InboxRepository {
	return &inboxRepository{db: store.DB()}
}

func (r *inboxRepository) Seen(ctx context.Context, consumer, messageID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var one int
	err := r.db.QueryRowContext(ctx, `
		SELECT 1 FROM processed_messages WHERE consumer = $1 AND message_id = $2
	`, consumer, messageID).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check processed message: %w", err)
	}
	return true, nil
}

func (r *inboxRepository) MarkProcessed(ctx context.Context, msg domain.ProcessedMessage) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if msg.ProcessedAt.IsZero() {
		msg.ProcessedAt = time.Now().UTC()
	}
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO processed_messages (consumer, message_id, processed_at, expires_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (consumer, message_id) DO UPDATE
		SET processed_at = EXCLUDED.processed_at, expires_at = EXCLUDED.expires_at
	`, msg.Consumer, msg.MessageID, msg.ProcessedAt, msg.ExpiresAt); err != nil {
		return fmt.Errorf("mark message processed: %w", err)
	}
	return nil
}

func (r *inboxRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if before.IsZero() {
		before = time.Now().UTC()
	}

	var (
		res sql.Result
		err error
	)
	if limit > 0 {
		res, err = r.db.ExecContext(ctx, `
			DELETE FROM processed_messages
			WHERE (consumer, message_id) IN (
				SELECT consumer, message_id
				FROM processed_messages
				WHERE expires_at <= $1
				ORDER BY expires_at ASC
				LIMIT $2
			)
		`, before, limit)
	} else {
		res, err = r.db.ExecContext(ctx, `DELETE FROM processed_messages WHERE expires_at <= $1`, before)
	}
	if err != nil {
		return 0, fmt.Errorf("delete expired processed messages: %w", err)
	}
	return rowsAffected(res)
}

var _ domain.InboxRepository = (*inboxRepository)(nil)
