package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GALA-Lin/service-sub006/internal/domain"
	"github.com/GALA-Lin/service-sub006/internal/storage/memory"
)

func TestDeadLetterRepository_UpsertAggregates(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewDeadLetterRepository()
	first := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	entry := domain.DeadLetterEntry{
		BusinessType:    "order.auto-cancel",
		BusinessKey:     "BK-1",
		Queue:           "booking.order.auto-cancel.dlq",
		Payload:         []byte(`{"order_no":"BK-1"}`),
		RedeliveryCount: 3,
		LastError:       "boom",
		LastSeenAt:      first,
	}

	stored, err := repo.Upsert(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.OccurrenceCount)
	assert.Equal(t, first, stored.FirstSeenAt)

	entry.LastSeenAt = first.Add(time.Minute)
	entry.LastError = "boom again"
	stored, err = repo.Upsert(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.OccurrenceCount)
	assert.Equal(t, 6, stored.RedeliveryCount)
	assert.Equal(t, first, stored.FirstSeenAt)
	assert.Equal(t, first.Add(time.Minute), stored.LastSeenAt)
	assert.Equal(t, "boom again", stored.LastError)

	// Повторные доставки суммируются по падениям, а не заменяются последним значением.
	entry.RedeliveryCount = 1
	entry.LastSeenAt = first.Add(2 * time.Minute)
	stored, err = repo.Upsert(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.OccurrenceCount)
	assert.Equal(t, 7, stored.RedeliveryCount)

	all, err := repo.List(ctx, domain.DeadLetterFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDeadLetterRepository_MarkReplayedAndFilter(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewDeadLetterRepository()
	now := time.Now().UTC()

	for _, key := range []string{"BK-1", "BK-2"} {
		_, err := repo.Upsert(ctx, domain.DeadLetterEntry{BusinessType: "payment.confirmed", BusinessKey: key, LastSeenAt: now})
		require.NoError(t, err)
	}

	require.NoError(t, repo.MarkReplayed(ctx, "payment.confirmed", "BK-1", now))
	assert.ErrorIs(t, repo.MarkReplayed(ctx, "payment.confirmed", "missing", now), domain.ErrDeadLetterNotFound)

	pending, err := repo.List(ctx, domain.DeadLetterFilter{PendingOnly: true})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "BK-2", pending[0].BusinessKey)

	// Новое падение снимает отметку о повторной отправке.
	_, err = repo.Upsert(ctx, domain.DeadLetterEntry{BusinessType: "payment.confirmed", BusinessKey: "BK-1", LastSeenAt: now})
	require.NoError(t, err)
	got, err := repo.Get(ctx, "payment.confirmed", "BK-1")
	require.NoError(t, err)
	assert.Nil(t, got.ReplayedAt)
}
