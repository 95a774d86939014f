package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/GALA-Lin/service-sub006/internal/domain"
)

type refundRuleRepository struct {
	db *sql.DB
}

// NewRefundRuleRepository создаёт PostgreSQL-хранилище тарифов возврата.
func NewRefundRuleRepository(store *Store) domain.RefundRuleRepository {
	return &refundRuleRepository{db: store.DB()}
}

// Save заменяет набор целиком: ступени переписываются в той же транзакции.
func (r *refundRuleRepository) Save(ctx context.Context, rules domain.RefundRuleSet) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return inTx(ctx, r.db, nil, func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx, `
			INSERT INTO refund_rule_sets (id, owner_id, resource_id, updated_at)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (owner_id, resource_id) DO UPDATE SET updated_at = EXCLUDED.updated_at
			RETURNING id
		`, rules.ID, rules.OwnerID, rules.ResourceID, rules.UpdatedAt).Scan(&id)
		if err != nil {
			return fmt.Errorf("upsert refund rule set: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM refund_tiers WHERE rule_set_id = $1`, id); err != nil {
			return fmt.Errorf("clear refund tiers: %w", err)
		}
		for i, tier := range rules.Tiers {
			sortOrder := tier.SortOrder
			if sortOrder == 0 {
				sortOrder = i + 1
			}
			var maxHours sql.NullFloat64
			if tier.MaxHoursBefore != nil {
				maxHours = sql.NullFloat64{Float64: *tier.MaxHoursBefore, Valid: true}
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO refund_tiers (rule_set_id, sort_order, min_hours_before, max_hours_before, percentage, reason)
				VALUES ($1,$2,$3,$4,$5,$6)
			`, id, sortOrder, tier.MinHoursBefore, maxHours, tier.Percentage, tier.Reason); err != nil {
				return fmt.Errorf("insert refund tier: %w", err)
			}
		}
		return nil
	})
}

func (r *refundRuleRepository) ForResource(ctx context.Context, resourceID string) (domain.RefundRuleSet, error) {
	return r.load(ctx, `WHERE resource_id = $1`, resourceID)
}

func (r *refundRuleRepository) OwnerDefault(ctx context.Context, ownerID string) (domain.RefundRuleSet, error) {
	return r.load(ctx, `WHERE owner_id = $1 AND resource_id = ''`, ownerID)
}

func (r *refundRuleRepository) load(ctx context.Context, where string, arg string) (domain.RefundRuleSet, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if arg == "" {
		return domain.RefundRuleSet{}, domain.ErrRuleSetNotFound
	}

	var rules domain.RefundRuleSet
	err := r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, resource_id, updated_at
		FROM refund_rule_sets
		`+where+`
		ORDER BY updated_at DESC
		LIMIT 1
	`, arg).Scan(&rules.ID, &rules.OwnerID, &rules.ResourceID, &rules.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.RefundRuleSet{}, domain.ErrRuleSetNotFound
		}
		return domain.RefundRuleSet{}, fmt.Errorf("select refund rule set: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT sort_order, min_hours_before, max_hours_before, percentage, reason
		FROM refund_tiers
		WHERE rule_set_id = $1
		ORDER BY sort_order ASC
	`, rules.ID)
	if err != nil {
		return domain.RefundRuleSet{}, fmt.Errorf("load refund tiers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			tier     domain.RefundTier
			maxHours sql.NullFloat64
		)
		if err := rows.Scan(&tier.SortOrder, &tier.MinHoursBefore, &maxHours, &tier.Percentage, &tier.Reason); err != nil {
			return domain.RefundRuleSet{}, fmt.Errorf("scan refund tier: %w", err)
		}
		if maxHours.Valid {
			tier.MaxHoursBefore = domain.HoursBound(maxHours.Float64)
		}
		rules.Tiers = append(rules.Tiers, tier)
	}
	if err := rows.Err(); err != nil {
		return domain.RefundRuleSet{}, fmt.Errorf("iterate refund tiers: %w", err)
	}
	return rules, nil
}

var _ domain.RefundRuleRepository = (*refundRuleRepository)(nil)
