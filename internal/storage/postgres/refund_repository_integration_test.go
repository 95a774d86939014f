package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/GALA-Lin/service-sub006/internal/domain"
)

func TestRefundRepository_PostgresLifecycle(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	orders := NewOrderRepository(store)
	repo := NewRefundRepository(store)
	ctx := context.Background()

	now := time.Now().UTC().Round(time.Microsecond)
	if err := orders.Create(ctx, sampleOrder("order-rf", "buyer-1", now)); err != nil {
		t.Fatalf("create order: %v", err)
	}

	apply := domain.RefundApply{
		ID:                "RF-1",
		OrderNo:           "order-rf",
		ItemIDs:           []string{"order-rf-1"},
		ReasonCode:        "changed_plans",
		Percentage:        80,
		RefundAmountMinor: 6400,
		Status:            domain.RefundStatusPending,
		AppliedAt:         now,
		UpdatedAt:         now,
	}
	if err := repo.Create(ctx, apply); err != nil {
		t.Fatalf("create apply: %v", err)
	}

	second := apply
	second.ID = "RF-2"
	if err := repo.Create(ctx, second); !errors.Is(err, domain.ErrRefundApplyPending) {
		t.Fatalf("expected ErrRefundApplyPending, got %v", err)
	}

	got, err := repo.Get(ctx, "RF-1")
	if err != nil {
		t.Fatalf("get apply: %v", err)
	}
	if len(got.ItemIDs) != 1 || got.ItemIDs[0] != "order-rf-1" || got.RefundAmountMinor != 6400 {
		t.Fatalf("unexpected apply: %+v", got)
	}

	rejected, applied, err := repo.Transition(ctx, "RF-1",
		[]domain.RefundStatus{domain.RefundStatusPending}, domain.RefundStatusRejected,
		"venue-1", "no", now.Add(time.Minute))
	if err != nil || !applied {
		t.Fatalf("reject: applied=%v err=%v", applied, err)
	}
	if rejected.DecidedBy != "venue-1" || rejected.DecisionNote != "no" {
		t.Fatalf("unexpected rejected apply: %+v", rejected)
	}

	stale, applied, err := repo.Transition(ctx, "RF-1",
		[]domain.RefundStatus{domain.RefundStatusPending}, domain.RefundStatusApproved, "", "", now.Add(2*time.Minute))
	if err != nil || applied || stale.Status != domain.RefundStatusRejected {
		t.Fatalf("stale transition: applied=%v err=%v apply=%+v", applied, err, stale)
	}

	// После закрытия первой заявки можно подать новую.
	if err := repo.Create(ctx, second); err != nil {
		t.Fatalf("create second apply: %v", err)
	}
	list, err := repo.ListByOrder(ctx, "order-rf")
	if err != nil || len(list) != 2 {
		t.Fatalf("list applies: n=%d err=%v", len(list), err)
	}

	if _, _, err := repo.Transition(ctx, "missing", nil, domain.RefundStatusApproved, "", "", now); !errors.Is(err, domain.ErrRefundApplyNotFound) {
		t.Fatalf("expected ErrRefundApplyNotFound, got %v", err)
	}
}

func TestRefundRuleRepository_PostgresSaveAndResolve(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewRefundRuleRepository(store)
	ctx := context.Background()

	now := time.Now().UTC().Round(time.Microsecond)
	owner := domain.RefundRuleSet{
		ID:        "rules-venue",
		OwnerID:   "venue-1",
		UpdatedAt: now,
		Tiers: []domain.RefundTier{
			{MinHoursBefore: 48, Percentage: 100, SortOrder: 1},
			{MinHoursBefore: 0, MaxHoursBefore: domain.HoursBound(48), Percentage: 50, Reason: "late", SortOrder: 2},
		},
	}
	if err := repo.Save(ctx, owner); err != nil {
		t.Fatalf("save owner rules: %v", err)
	}

	got, err := repo.OwnerDefault(ctx, "venue-1")
	if err != nil {
		t.Fatalf("owner default: %v", err)
	}
	if len(got.Tiers) != 2 || got.Tiers[0].MaxHoursBefore != nil || *got.Tiers[1].MaxHoursBefore != 48 {
		t.Fatalf("unexpected tiers: %+v", got.Tiers)
	}

	// Повторное сохранение заменяет ступени.
	owner.Tiers = owner.Tiers[:1]
	if err := repo.Save(ctx, owner); err != nil {
		t.Fatalf("resave owner rules: %v", err)
	}
	got, err = repo.OwnerDefault(ctx, "venue-1")
	if err != nil || len(got.Tiers) != 1 {
		t.Fatalf("expected one tier after resave: %+v err=%v", got, err)
	}

	if _, err := repo.ForResource(ctx, "court-1"); !errors.Is(err, domain.ErrRuleSetNotFound) {
		t.Fatalf("expected ErrRuleSetNotFound, got %v", err)
	}
	if err := repo.Save(ctx, domain.RefundRuleSet{
		ID: "rules-court", OwnerID: "venue-1", ResourceID: "court-1", UpdatedAt: now,
		Tiers: []domain.RefundTier{{MinHoursBefore: 0, Percentage: 30}},
	}); err != nil {
		t.Fatalf("save resource rules: %v", err)
	}
	court, err := repo.ForResource(ctx, "court-1")
	if err != nil || court.ID != "rules-court" || court.Tiers[0].SortOrder != 1 {
		t.Fatalf("unexpected resource rules: %+v err=%v", court, err)
	}
}
