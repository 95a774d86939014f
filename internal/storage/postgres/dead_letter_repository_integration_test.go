package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/GALA-Lin/service-sub006/internal/domain"
)

func TestDeadLetterRepository_PostgresUpsertAggregates(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewDeadLetterRepository(store)
	ctx := context.Background()

	now := time.Now().UTC().Round(time.Microsecond)
	entry := domain.DeadLetterEntry{
		BusinessType:    "payment.confirmed",
		BusinessKey:     "order-1",
		Queue:           "booking.payment.confirmed",
		Exchange:        "booking.payment",
		RoutingKey:      "payment.confirmed",
		Payload:         []byte(`{"order_no":"order-1"}`),
		Headers:         map[string]string{domain.HeaderMessageID: "m-1"},
		RedeliveryCount: 3,
		LastError:       "boom",
		LastSeenAt:      now,
	}

	first, err := repo.Upsert(ctx, entry)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if first.OccurrenceCount != 1 || !first.FirstSeenAt.Equal(now) || first.Headers[domain.HeaderMessageID] != "m-1" {
		t.Fatalf("unexpected first entry: %+v", first)
	}

	if err := repo.MarkReplayed(ctx, entry.BusinessType, entry.BusinessKey, now.Add(time.Minute)); err != nil {
		t.Fatalf("mark replayed: %v", err)
	}
	pending, err := repo.List(ctx, domain.DeadLetterFilter{PendingOnly: true})
	if err != nil || len(pending) != 0 {
		t.Fatalf("expected no pending entries: n=%d err=%v", len(pending), err)
	}

	entry.LastError = "boom again"
	entry.LastSeenAt = now.Add(2 * time.Minute)
	second, err := repo.Upsert(ctx, entry)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.OccurrenceCount != 2 || second.RedeliveryCount != 6 || second.ReplayedAt != nil {
		t.Fatalf("unexpected aggregated entry: %+v", second)
	}
	if !second.FirstSeenAt.Equal(now) || second.LastError != "boom again" {
		t.Fatalf("unexpected timestamps or error: %+v", second)
	}

	other := entry
	other.BusinessType = "refund.completed"
	other.BusinessKey = "order-2"
	other.LastSeenAt = now.Add(3 * time.Minute)
	if _, err := repo.Upsert(ctx, other); err != nil {
		t.Fatalf("upsert other: %v", err)
	}

	all, err := repo.List(ctx, domain.DeadLetterFilter{})
	if err != nil || len(all) != 2 || all[0].BusinessType != "refund.completed" {
		t.Fatalf("expected newest first: %+v err=%v", all, err)
	}
	filtered, err := repo.List(ctx, domain.DeadLetterFilter{BusinessType: "payment.confirmed", PendingOnly: true, Limit: 10})
	if err != nil || len(filtered) != 1 {
		t.Fatalf("unexpected filtered list: %+v err=%v", filtered, err)
	}

	if err := repo.MarkReplayed(ctx, "missing", "missing", now); !errors.Is(err, domain.ErrDeadLetterNotFound) {
		t.Fatalf("expected ErrDeadLetterNotFound, got %v", err)
	}
	if _, err := repo.Get(ctx, "missing", "missing"); !errors.Is(err, domain.ErrDeadLetterNotFound) {
		t.Fatalf("expected ErrDeadLetterNotFound, got %v", err)
	}
}

func TestInboxRepository_PostgresSeenAndCleanup(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewInboxRepository(store)
	ctx := context.Background()

	now := time.Now().UTC().Round(time.Microsecond)
	for i, id := range []string{"m-1", "m-2", "m-3"} {
		if err := repo.MarkProcessed(ctx, domain.ProcessedMessage{
			Consumer:    "payment.confirmed",
			MessageID:   id,
			ProcessedAt: now,
			ExpiresAt:   now.Add(time.Duration(i-1) * time.Hour),
		}); err != nil {
			t.Fatalf("mark processed %s: %v", id, err)
		}
	}

	seen, err := repo.Seen(ctx, "payment.confirmed", "m-1")
	if err != nil || !seen {
		t.Fatalf("expected m-1 seen: %v err=%v", seen, err)
	}
	if seen, _ := repo.Seen(ctx, "refund.completed", "m-1"); seen {
		t.Fatal("inbox must be scoped by consumer")
	}

	removed, err := repo.DeleteExpired(ctx, now, 1)
	if err != nil || removed != 1 {
		t.Fatalf("delete expired with limit: n=%d err=%v", removed, err)
	}
	removed, err = repo.DeleteExpired(ctx, now, 0)
	if err != nil || removed != 1 {
		t.Fatalf("delete remaining expired: n=%d err=%v", removed, err)
	}
	if seen, _ := repo.Seen(ctx, "payment.confirmed", "m-3"); !seen {
		t.Fatal("unexpired message must survive cleanup")
	}
}
