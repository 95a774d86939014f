package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GALA-Lin/service-sub006/internal/domain"
	"github.com/GALA-Lin/service-sub006/internal/storage/memory"
)

func testSlots() []domain.Slot {
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	return []domain.Slot{
		{ResourceType: domain.ResourceTypeCourt, ResourceID: "court-1", OwnerID: "venue-1", StartAt: start, EndAt: start.Add(time.Hour)},
		{ResourceType: domain.ResourceTypeCourt, ResourceID: "court-1", OwnerID: "venue-1", StartAt: start.Add(time.Hour), EndAt: start.Add(2 * time.Hour)},
	}
}

func TestSlotRepository_OccupyIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewSlotRepository()
	slots := testSlots()
	now := time.Now().UTC()

	require.NoError(t, repo.Occupy(ctx, slots[1:], "BK-1", now))

	err := repo.Occupy(ctx, slots, "BK-2", now)
	require.True(t, errors.Is(err, domain.ErrSlotTaken))

	_, err = repo.Get(ctx, slots[0].Key())
	assert.ErrorIs(t, err, domain.ErrSlotNotFound, "first slot must stay untouched")

	// Повтор для того же заказа идемпотентен.
	require.NoError(t, repo.Occupy(ctx, slots[1:], "BK-1", now))
}

func TestSlotRepository_BookAndRelease(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewSlotRepository()
	slots := testSlots()
	keys := []string{slots[0].Key(), slots[1].Key()}
	now := time.Now().UTC()

	require.NoError(t, repo.Occupy(ctx, slots, "BK-1", now))

	booked, err := repo.Book(ctx, keys, "BK-1", now)
	require.NoError(t, err)
	assert.Equal(t, 2, booked)

	slot, err := repo.Get(ctx, keys[0])
	require.NoError(t, err)
	assert.Equal(t, domain.SlotStateBooked, slot.State)

	released, err := repo.Release(ctx, keys, "BK-1", now)
	require.NoError(t, err)
	assert.Equal(t, 2, released)

	slot, err = repo.Get(ctx, keys[0])
	require.NoError(t, err)
	assert.Equal(t, domain.SlotStateFree, slot.State)
	assert.Empty(t, slot.OrderNo)
}

func TestSlotRepository_StaleReleaseKeepsRebookedSlot(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewSlotRepository()
	slots := testSlots()[:1]
	key := slots[0].Key()
	now := time.Now().UTC()

	require.NoError(t, repo.Occupy(ctx, slots, "BK-1", now))
	released, err := repo.Release(ctx, []string{key}, "BK-1", now)
	require.NoError(t, err)
	require.Equal(t, 1, released)

	require.NoError(t, repo.Occupy(ctx, slots, "BK-2", now.Add(time.Second)))

	// Запоздавшее освобождение от первого заказа не должно снять бронь второго.
	released, err = repo.Release(ctx, []string{key}, "BK-1", now.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, released)

	slot, err := repo.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, slot.HeldBy("BK-2"))
}
