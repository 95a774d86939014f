package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/GALA-Lin/service-sub006/internal/domain"
)

const refundApplyColumns = `id, order_no, item_ids, reason_code, requested_amount_minor, percentage,
	refund_amount_minor, status, decided_by, decision_note, applied_at, updated_at`

type refundRepository struct {
	db *sql.DB
}

// NewRefundRepository создаёт PostgreSQL-реализацию RefundRepository.
// Единственность открытой заявки на заказ держит частичный уникальный индекс.
func NewRefundRepository(store *Store) domain.RefundRepository {
	return &refundRepository{db: store.DB()}
}

func (r *refundRepository) Create(ctx context.Context, apply domain.RefundApply) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	itemIDs, err := json.Marshal(nonNilStrings(apply.ItemIDs))
	if err != nil {
		return fmt.Errorf("encode item ids: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO refund_applies (`+refundApplyColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		apply.ID, apply.OrderNo, itemIDs, apply.ReasonCode, apply.RequestedAmountMinor,
		apply.Percentage, apply.RefundAmountMinor, string(apply.Status), apply.DecidedBy,
		apply.DecisionNote, apply.AppliedAt, apply.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrRefundApplyPending
		}
		return fmt.Errorf("insert refund apply: %w", err)
	}
	return nil
}

func (r *refundRepository) Get(ctx context.Context, id string) (domain.RefundApply, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return scanRefundApply(r.db.QueryRowContext(ctx,
		`SELECT `+refundApplyColumns+` FROM refund_applies WHERE id = $1`, id))
}

func (r *refundRepository) ListByOrder(ctx context.Context, orderNo string) ([]domain.RefundApply, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+refundApplyColumns+`
		FROM refund_applies
		WHERE order_no = $1
		ORDER BY applied_at ASC, id ASC
	`, orderNo)
	if err != nil {
		return nil, fmt.Errorf("list refund applies: %w", err)
	}
	defer rows.Close()

	applies := make([]domain.RefundApply, 0)
	for rows.Next() {
		apply, err := scanRefundApply(rows)
		if err != nil {
			return nil, err
		}
		applies = append(applies, apply)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate refund applies: %w", err)
	}
	return applies, nil
}

func (r *refundRepository) Transition(ctx context.Context, id string, from []domain.RefundStatus, to domain.RefundStatus, decidedBy, note string, at time.Time) (domain.RefundApply, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	statuses := make([]string, 0, len(from))
	for _, s := range from {
		statuses = append(statuses, string(s))
	}

	apply, err := scanRefundApply(r.db.QueryRowContext(ctx, `
		UPDATE refund_applies
		SET status = $1,
		    decided_by = CASE WHEN $2 = '' THEN decided_by ELSE $2 END,
		    decision_note = CASE WHEN $3 = '' THEN decision_note ELSE $3 END,
		    updated_at = $4
		WHERE id = $5 AND status = ANY($6)
		RETURNING `+refundApplyColumns,
		string(to), decidedBy, note, at, id, statuses,
	))
	if err == nil {
		return apply, true, nil
	}
	if !errors.Is(err, domain.ErrRefundApplyNotFound) {
		return domain.RefundApply{}, false, err
	}

	// Условие не выполнено: отличаем отсутствующую заявку от неподходящего статуса.
	current, err := r.Get(ctx, id)
	if err != nil {
		return domain.RefundApply{}, false, err
	}
	return current, false, nil
}

func scanRefundApply(row rowScanner) (domain.RefundApply, error) {
	var (
		apply   domain.RefundApply
		itemIDs []byte
		status  string
	)
	err := row.Scan(
		&apply.ID, &apply.OrderNo, &itemIDs, &apply.ReasonCode, &apply.RequestedAmountMinor,
		&apply.Percentage, &apply.RefundAmountMinor, &status, &apply.DecidedBy,
		&apply.DecisionNote, &apply.AppliedAt, &apply.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.RefundApply{}, domain.ErrRefundApplyNotFound
		}
		return domain.RefundApply{}, fmt.Errorf("scan refund apply: %w", err)
	}
	if err := json.Unmarshal(itemIDs, &apply.ItemIDs); err != nil {
		return domain.RefundApply{}, fmt.Errorf("decode item ids: %w", err)
	}
	apply.Status = domain.RefundStatus(status)
	return apply, nil
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

var _ domain.RefundRepository = (*refundRepository)(nil)
