package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/GALA-Lin/service-sub006/internal/domain"
)

type slotRepository struct {
	db *sql.DB
}

// NewSlotRepository создаёт PostgreSQL-реализацию SlotRepository.
func NewSlotRepository(store *Store) domain.SlotRepository {
	return &slotRepository{db: store.DB()}
}

func (r *slotRepository) Get(ctx context.Context, key string) (domain.Slot, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		slot                domain.Slot
		resourceType, state string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT resource_type, resource_id, owner_id, start_at, end_at, state, order_no, updated_at
		FROM slots
		WHERE slot_key = $1
	`, key).Scan(&resourceType, &slot.ResourceID, &slot.OwnerID, &slot.StartAt, &slot.EndAt,
		&state, &slot.OrderNo, &slot.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Slot{}, domain.ErrSlotNotFound
		}
		return domain.Slot{}, fmt.Errorf("select slot: %w", err)
	}
	slot.ResourceType = domain.ResourceType(resourceType)
	slot.State = domain.SlotState(state)
	return slot, nil
}

// Occupy вставляет или захватывает каждый слот одним upsert. Upsert не
// срабатывает на слоте чужого заказа, и тогда транзакция откатывается целиком.
func (r *slotRepository) Occupy(ctx context.Context, slots []domain.Slot, orderNo string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return inTx(ctx, r.db, nil, func(tx *sql.Tx) error {
		for _, slot := range slots {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO slots (slot_key, resource_type, resource_id, owner_id, start_at, end_at, state, order_no, updated_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
				ON CONFLICT (slot_key) DO UPDATE
				SET state = CASE WHEN slots.state = $10 THEN EXCLUDED.state ELSE slots.state END,
				    order_no = EXCLUDED.order_no,
				    owner_id = EXCLUDED.owner_id,
				    updated_at = CASE WHEN slots.state = $10 THEN EXCLUDED.updated_at ELSE slots.updated_at END
				WHERE slots.state = $10 OR slots.order_no = EXCLUDED.order_no
			`,
				slot.Key(), string(slot.ResourceType), slot.ResourceID, slot.OwnerID,
				slot.StartAt, slot.EndAt, string(domain.SlotStateLocked), orderNo, at,
				string(domain.SlotStateFree),
			)
			if err != nil {
				return fmt.Errorf("occupy slot %s: %w", slot.Key(), err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			if affected == 0 {
				return domain.ErrSlotTaken
			}
		}
		return nil
	})
}

func (r *slotRepository) Book(ctx context.Context, keys []string, orderNo string, at time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE slots
		SET state = $1, updated_at = $2
		WHERE slot_key = ANY($3) AND order_no = $4 AND state = $5
	`, string(domain.SlotStateBooked), at, keys, orderNo, string(domain.SlotStateLocked))
	if err != nil {
		return 0, fmt.Errorf("book slots: %w", err)
	}
	return rowsAffected(res)
}

// Release освобождает только слоты, которые держит orderNo: условие по
// order_no защищает слот, уже перешедший к другому заказу.
func (r *slotRepository) Release(ctx context.Context, keys []string, orderNo string, at time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE slots
		SET state = $1, order_no = '', updated_at = $2
		WHERE slot_key = ANY($3) AND order_no = $4 AND state <> $1
	`, string(domain.SlotStateFree), at, keys, orderNo)
	if err != nil {
		return 0, fmt.Errorf("release slots: %w", err)
	}
	return rowsAffected(res)
}

func rowsAffected(res sql.Result) (int, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(affected), nil
}

var _ domain.SlotRepository = (*slotRepository)(nil)
