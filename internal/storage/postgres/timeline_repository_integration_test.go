package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/GALA-Lin/service-sub006/internal/domain"
)

func TestTimelineRepository_PostgresAppendAndList(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	timelineRepo := NewTimelineRepository(store)
	ctx := context.Background()

	createdAt := time.Now().UTC().Add(-time.Minute).Round(time.Microsecond)

	if err := timelineRepo.Append(ctx, domain.TimelineEvent{
		OrderNo:  "timeline-order",
		Type:     domain.TimelinePaid,
		Reason:   "pay-1",
		Occurred: createdAt.Add(10 * time.Second),
	}); err != nil {
		t.Fatalf("append paid event: %v", err)
	}
	if err := timelineRepo.Append(ctx, domain.TimelineEvent{
		OrderNo:  "timeline-order",
		Type:     domain.TimelineCreated,
		Occurred: createdAt,
	}); err != nil {
		t.Fatalf("append created event: %v", err)
	}
	// Нулевое время заполняется текущим.
	if err := timelineRepo.Append(ctx, domain.TimelineEvent{
		OrderNo: "timeline-order",
		Type:    domain.TimelineConfirmed,
	}); err != nil {
		t.Fatalf("append event with zero occurred: %v", err)
	}

	events, err := timelineRepo.List(ctx, "timeline-order")
	if err != nil {
		t.Fatalf("list timeline events: %v", err)
	}
	want := []string{domain.TimelineCreated, domain.TimelinePaid, domain.TimelineConfirmed}
	if len(events) != len(want) {
		t.Fatalf("expected %d timeline events, got %d", len(want), len(events))
	}
	for i, event := range events {
		if event.Type != want[i] {
			t.Fatalf("event #%d: expected %s, got %s", i, want[i], event.Type)
		}
	}

	if err := timelineRepo.Append(ctx, domain.TimelineEvent{OrderNo: "timeline-order"}); !errors.Is(err, domain.ErrTimelineTypeRequired) {
		t.Fatalf("expected ErrTimelineTypeRequired, got %v", err)
	}

	empty, err := timelineRepo.List(ctx, "missing-order")
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected no events for missing order: n=%d err=%v", len(empty), err)
	}
}
