package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/GALA-Lin/service-sub006/internal/domain"
)

const (
	insertTimelineEventSQL = `INSERT INTO timeline_events (order_no, type, reason, occurred) VALUES ($1, $2, $3, $4)`
	selectTimelineSQL      = `SELECT type, reason, occurred FROM timeline_events WHERE order_no = $1 ORDER BY occurred, id`
)

type timelineRepository struct {
	db *sql.DB
}

// NewTimelineRepository создаёт PostgreSQL-реализацию TimelineRepository.
func NewTimelineRepository(store *Store) domain.TimelineRepository {
	return &timelineRepository{db: store.DB()}
}

// Append пишет событие; пустое время заменяется текущим.
func (r *timelineRepository) Append(ctx context.Context, event domain.TimelineEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	occurred := event.Occurred
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := r.db.ExecContext(ctx, insertTimelineEventSQL, event.OrderNo, event.Type, event.Reason, occurred); err != nil {
		return fmt.Errorf("append timeline event %s/%s: %w", event.OrderNo, event.Type, err)
	}
	return nil
}

// List возвращает события заказа; при равном времени сохраняется порядок записи.
func (r *timelineRepository) List(ctx context.Context, orderNo string) ([]domain.TimelineEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, selectTimelineSQL, orderNo)
	if err != nil {
		return nil, fmt.Errorf("list timeline of %s: %w", orderNo, err)
	}
	defer rows.Close()

	var events []domain.TimelineEvent
	for rows.Next() {
		event := domain.TimelineEvent{OrderNo: orderNo}
		if err := rows.Scan(&event.Type, &event.Reason, &event.Occurred); err != nil {
			return nil, fmt.Errorf("scan timeline event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timeline events: %w", err)
	}
	return events, nil
}

var _ domain.TimelineRepository = (*timelineRepository)(nil)
