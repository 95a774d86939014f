package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/GALA-Lin/service-sub006/internal/domain"
)

const orderColumns = `order_no, buyer_id, seller_id, status, currency, amount_minor, payment_ref,
	pay_deadline, confirmed_by, auto_confirmed, version, created_at, updated_at`

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

func (r *orderRepository) Create(ctx context.Context, order domain.Order) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return inTx(ctx, r.db, nil, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (`+orderColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		`,
			order.OrderNo, order.BuyerID, order.SellerID, string(order.Status), order.Currency,
			order.AmountMinor, order.PaymentRef, nullTime(order.PayDeadline), order.ConfirmedBy,
			order.AutoConfirmed, order.Version, order.CreatedAt, order.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.ErrOrderExists
			}
			return fmt.Errorf("insert order: %w", err)
		}

		for i, item := range order.Items {
			status := item.Status
			if status == "" {
				status = domain.ItemStatusActive
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO order_items (
					id, order_no, position, slot_key, resource_id, start_at, end_at, price_minor, status
				) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			`,
				item.ID, order.OrderNo, i, item.SlotKey, item.ResourceID,
				item.StartAt, item.EndAt, item.PriceMinor, string(status),
			); err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
		}
		return nil
	})
}

func (r *orderRepository) Get(ctx context.Context, orderNo string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	order, err := scanOrder(r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_no = $1`, orderNo))
	if err != nil {
		return domain.Order{}, err
	}
	if order.Items, err = loadItems(ctx, r.db, order.OrderNo); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (r *orderRepository) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]domain.Order, error) {
	return r.list(ctx, `WHERE buyer_id = $1 ORDER BY created_at DESC, order_no DESC`, buyerID, limit)
}

func (r *orderRepository) ListByStatus(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	return r.list(ctx, `WHERE status = $1 ORDER BY updated_at ASC, order_no ASC`, string(status), limit)
}

func (r *orderRepository) list(ctx context.Context, where string, arg any, limit int) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `SELECT ` + orderColumns + ` FROM orders ` + where

	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, query+" LIMIT $2", arg, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, query, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}
	rows.Close()

	for i := range orders {
		if orders[i].Items, err = loadItems(ctx, r.db, orders[i].OrderNo); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

// Transition блокирует строку заказа, проверяет текущий статус и
// применяет изменение в одной транзакции.
func (r *orderRepository) Transition(ctx context.Context, change domain.StatusChange) (domain.Order, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		result  domain.Order
		applied bool
	)
	err := inTx(ctx, r.db, nil, func(tx *sql.Tx) error {
		current, err := scanOrder(tx.QueryRowContext(ctx,
			`SELECT `+orderColumns+` FROM orders WHERE order_no = $1 FOR UPDATE`, change.OrderNo))
		if err != nil {
			return err
		}
		if !change.Allows(current.Status) {
			result = current
			return nil
		}

		confirmedBy, autoConfirmed := current.ConfirmedBy, current.AutoConfirmed
		if change.To == domain.OrderStatusConfirmed {
			confirmedBy, autoConfirmed = change.ConfirmedBy, change.AutoConfirmed
		}
		paymentRef := current.PaymentRef
		if change.PaymentRef != "" {
			paymentRef = change.PaymentRef
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE orders
			SET status = $1,
			    payment_ref = $2,
			    confirmed_by = $3,
			    auto_confirmed = $4,
			    version = version + 1,
			    updated_at = $5
			WHERE order_no = $6
		`, string(change.To), paymentRef, confirmedBy, autoConfirmed, change.At, change.OrderNo); err != nil {
			return fmt.Errorf("update order status: %w", err)
		}

		for _, itemID := range change.RefundedItemIDs {
			if _, err := tx.ExecContext(ctx, `
				UPDATE order_items SET status = $1 WHERE order_no = $2 AND id = $3
			`, string(domain.ItemStatusRefunded), change.OrderNo, itemID); err != nil {
				return fmt.Errorf("mark item refunded: %w", err)
			}
		}

		current.Status = change.To
		current.PaymentRef = paymentRef
		current.ConfirmedBy = confirmedBy
		current.AutoConfirmed = autoConfirmed
		current.Version++
		current.UpdatedAt = change.At
		result = current
		applied = true
		return nil
	})
	if err != nil {
		return domain.Order{}, false, err
	}

	if result.Items, err = loadItems(ctx, r.db, result.OrderNo); err != nil {
		return domain.Order{}, false, err
	}
	return result, applied, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order    domain.Order
		status   string
		deadline sql.NullTime
	)
	err := row.Scan(
		&order.OrderNo, &order.BuyerID, &order.SellerID, &status, &order.Currency,
		&order.AmountMinor, &order.PaymentRef, &deadline, &order.ConfirmedBy,
		&order.AutoConfirmed, &order.Version, &order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("scan order: %w", err)
	}
	order.Status = domain.OrderStatus(status)
	if deadline.Valid {
		order.PayDeadline = deadline.Time
	}
	return order, nil
}

func loadItems(ctx context.Context, db *sql.DB, orderNo string) ([]domain.OrderItem, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, slot_key, resource_id, start_at, end_at, price_minor, status
		FROM order_items
		WHERE order_no = $1
		ORDER BY position ASC
	`, orderNo)
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0)
	for rows.Next() {
		var (
			item   domain.OrderItem
			status string
		)
		if err := rows.Scan(&item.ID, &item.SlotKey, &item.ResourceID, &item.StartAt,
			&item.EndAt, &item.PriceMinor, &status); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		item.Status = domain.ItemStatus(status)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}

	return items, nil
}

var _ domain.OrderRepository = (*orderRepository)(nil)
