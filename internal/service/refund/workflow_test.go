package refund

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GALA-Lin/service-sub006/internal/domain"
	"github.com/GALA-Lin/service-sub006/internal/events"
	"github.com/GALA-Lin/service-sub006/internal/lock"
	"github.com/GALA-Lin/service-sub006/internal/messaging"
	"github.com/GALA-Lin/service-sub006/internal/storage/memory"
)

var testNow = time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

type outcomes map[string]int

func (o outcomes) ObserveRefund(outcome string) { o[outcome]++ }

type fixture struct {
	workflow  *Workflow
	orders    domain.OrderRepository
	slots     domain.SlotRepository
	refunds   domain.RefundRepository
	rules     domain.RefundRuleRepository
	timeline  domain.TimelineRepository
	transport *messaging.RecordingTransport
	outcomes  outcomes
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		orders:    memory.NewOrderRepository(),
		slots:     memory.NewSlotRepository(),
		refunds:   memory.NewRefundRepository(),
		rules:     memory.NewRefundRuleRepository(),
		timeline:  memory.NewTimelineRepository(),
		transport: messaging.NewRecordingTransport(),
		outcomes:  outcomes{},
	}
	require.NoError(t, f.rules.Save(context.Background(), tieredRules()))

	f.workflow = NewWorkflow(Dependencies{
		Orders:    f.orders,
		Refunds:   f.refunds,
		Rules:     f.rules,
		Slots:     f.slots,
		Timeline:  f.timeline,
		Locks:     lock.NewMemoryCoordinator(),
		Publisher: messaging.NewPublisher(f.transport, memory.NewCorrelationStore()),
	}, cfg, WithObserver(f.outcomes), WithClock(func() time.Time { return testNow }))
	return f
}

func slotAt(resourceID string, hoursFromNow int) domain.Slot {
	start := testNow.Add(time.Duration(hoursFromNow) * time.Hour)
	return domain.Slot{
		ResourceType: domain.ResourceTypeCourt,
		ResourceID:   resourceID,
		OwnerID:      "venue-1",
		StartAt:      start,
		EndAt:        start.Add(time.Hour),
	}
}

// seedPaidOrder заводит оплаченный заказ с забронированными слотами.
func (f *fixture) seedPaidOrder(t *testing.T, orderNo string, slots ...domain.Slot) domain.Order {
	t.Helper()
	ctx := context.Background()
	order := domain.Order{
		OrderNo:    orderNo,
		BuyerID:    "buyer-1",
		SellerID:   "venue-1",
		Status:     domain.OrderStatusPaid,
		Currency:   "CNY",
		PaymentRef: "pay-" + orderNo,
		Version:    1,
		CreatedAt:  testNow,
		UpdatedAt:  testNow,
	}
	keys := make([]string, 0, len(slots))
	for i, slot := range slots {
		order.Items = append(order.Items, domain.OrderItem{
			ID:         orderNo + "-" + string(rune('1'+i)),
			SlotKey:    slot.Key(),
			ResourceID: slot.ResourceID,
			StartAt:    slot.StartAt,
			EndAt:      slot.EndAt,
			PriceMinor: 8000,
			Status:     domain.ItemStatusActive,
		})
		order.AmountMinor += 8000
		keys = append(keys, slot.Key())
	}
	require.NoError(t, f.slots.Occupy(ctx, slots, orderNo, testNow))
	_, err := f.slots.Book(ctx, keys, orderNo, testNow)
	require.NoError(t, err)
	require.NoError(t, f.orders.Create(ctx, order))
	return order
}

func (f *fixture) orderStatus(t *testing.T, orderNo string) domain.OrderStatus {
	t.Helper()
	order, err := f.orders.Get(context.Background(), orderNo)
	require.NoError(t, err)
	return order.Status
}

func (f *fixture) slotState(t *testing.T, slot domain.Slot) domain.SlotState {
	t.Helper()
	got, err := f.slots.Get(context.Background(), slot.Key())
	require.NoError(t, err)
	return got.State
}

func TestApply_FullRefundByTier(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.seedPaidOrder(t, "BK-1", slotAt("court-1", 50))

	result, err := f.workflow.Apply(context.Background(), ApplyRequest{OrderNo: "BK-1", BuyerID: "buyer-1", ReasonCode: "plans_changed"})
	require.NoError(t, err)

	if !result.Applied {
		t.Fatalf("expected apply to be created, got %+v", result)
	}
	assert.Equal(t, 100, result.Apply.Percentage)
	assert.Equal(t, int64(8000), result.Apply.RefundAmountMinor)
	assert.Equal(t, domain.RefundStatusPending, result.Apply.Status)
	assert.Equal(t, []string{"BK-1-1"}, result.Apply.ItemIDs)
	assert.Equal(t, domain.OrderStatusRefundRequested, f.orderStatus(t, "BK-1"))
	assert.Equal(t, 1, f.outcomes[OutcomeApplied])
	assert.Empty(t, f.transport.Sent(), "pending apply must not request money yet")
}

func TestApply_PartialPercentageAndRequestedCap(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.seedPaidOrder(t, "BK-2", slotAt("court-1", 30))

	result, err := f.workflow.Apply(context.Background(), ApplyRequest{OrderNo: "BK-2", RequestedAmountMinor: 5000})
	require.NoError(t, err)
	require.True(t, result.Applied)
	assert.Equal(t, 80, result.Apply.Percentage)
	assert.Equal(t, int64(5000), result.Apply.RefundAmountMinor)
}

func TestApply_TooLateIsNotAnError(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.seedPaidOrder(t, "BK-3", slotAt("court-1", 5))

	result, err := f.workflow.Apply(context.Background(), ApplyRequest{OrderNo: "BK-3"})
	require.NoError(t, err)
	assert.False(t, result.Applied)
	assert.False(t, result.Eligibility.Eligible)
	assert.Equal(t, "too late", result.Reason)
	assert.Equal(t, domain.OrderStatusPaid, f.orderStatus(t, "BK-3"))

	applies, err := f.workflow.ListByOrder(context.Background(), "BK-3")
	require.NoError(t, err)
	assert.Empty(t, applies)
	assert.Equal(t, 1, f.outcomes[OutcomeIneligible])
}

func TestApply_Rejections(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.seedPaidOrder(t, "BK-4", slotAt("court-1", 50))
	ctx := context.Background()

	_, err := f.workflow.Apply(ctx, ApplyRequest{OrderNo: "BK-4", BuyerID: "stranger"})
	assert.ErrorIs(t, err, ErrNotBuyer)

	_, err = f.workflow.Apply(ctx, ApplyRequest{OrderNo: "BK-4", ItemIDs: []string{"nope"}})
	assert.ErrorIs(t, err, ErrItemNotRefundable)

	_, err = f.workflow.Apply(ctx, ApplyRequest{OrderNo: "BK-missing"})
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)

	_, err = f.workflow.Apply(ctx, ApplyRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestApply_SecondPendingApplySkipped(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.seedPaidOrder(t, "BK-5", slotAt("court-1", 50))
	ctx := context.Background()

	_, err := f.workflow.Apply(ctx, ApplyRequest{OrderNo: "BK-5"})
	require.NoError(t, err)
	second, err := f.workflow.Apply(ctx, ApplyRequest{OrderNo: "BK-5"})
	require.NoError(t, err)
	assert.False(t, second.Applied)

	applies, err := f.workflow.ListByOrder(ctx, "BK-5")
	require.NoError(t, err)
	assert.Len(t, applies, 1)
}

func TestApply_OrderNotRefundableClosesApply(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	order := f.seedPaidOrder(t, "BK-6", slotAt("court-1", 50))
	_, _, err := f.orders.Transition(context.Background(), domain.StatusChange{
		OrderNo: order.OrderNo,
		From:    []domain.OrderStatus{domain.OrderStatusPaid},
		To:      domain.OrderStatusCompleted,
		At:      testNow,
	})
	require.NoError(t, err)

	result, err := f.workflow.Apply(context.Background(), ApplyRequest{OrderNo: "BK-6"})
	require.NoError(t, err)
	assert.False(t, result.Applied)
	assert.Equal(t, domain.OrderStatusCompleted, result.OrderStatus)

	applies, err := f.workflow.ListByOrder(context.Background(), "BK-6")
	require.NoError(t, err)
	require.Len(t, applies, 1)
	assert.Equal(t, domain.RefundStatusCancelled, applies[0].Status)
}

func TestApprove_PublishesRefundRequestOnce(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.seedPaidOrder(t, "BK-7", slotAt("court-1", 50))
	ctx := context.Background()

	applied, err := f.workflow.Apply(ctx, ApplyRequest{OrderNo: "BK-7"})
	require.NoError(t, err)

	approved, err := f.workflow.Approve(ctx, applied.Apply.ID, "seller-op", "ok")
	require.NoError(t, err)
	assert.True(t, approved.Applied)
	assert.Equal(t, domain.RefundStatusApproved, approved.Apply.Status)

	again, err := f.workflow.Approve(ctx, applied.Apply.ID, "seller-op", "ok")
	require.NoError(t, err)
	assert.False(t, again.Applied)

	sent := f.transport.SentTo(events.Route(events.EventRefundRequest))
	require.Len(t, sent, 1)
	var event events.RefundRequestEvent
	require.NoError(t, json.Unmarshal(sent[0].Payload, &event))
	assert.Equal(t, applied.Apply.ID, event.ApplyID)
	assert.Equal(t, "pay-BK-7", event.PaymentRef)
	assert.Equal(t, int64(8000), event.RefundAmountMinor)
	assert.Equal(t, "BK-7", sent[0].Header(domain.HeaderBusinessKey))
}

func TestAutoApproveConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoApprove = true
	f := newFixture(t, cfg)
	f.seedPaidOrder(t, "BK-8", slotAt("court-1", 50))

	result, err := f.workflow.Apply(context.Background(), ApplyRequest{OrderNo: "BK-8"})
	require.NoError(t, err)
	assert.Equal(t, domain.RefundStatusApproved, result.Apply.Status)
	assert.Equal(t, "system", result.Apply.DecidedBy)
	assert.Len(t, f.transport.SentTo(events.Route(events.EventRefundRequest)), 1)
}

func TestReject_AllowsNewApply(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.seedPaidOrder(t, "BK-9", slotAt("court-1", 50))
	ctx := context.Background()

	first, err := f.workflow.Apply(ctx, ApplyRequest{OrderNo: "BK-9"})
	require.NoError(t, err)
	rejected, err := f.workflow.Reject(ctx, first.Apply.ID, "seller-op", "no-show policy")
	require.NoError(t, err)
	assert.True(t, rejected.Applied)
	assert.Equal(t, domain.OrderStatusRefundRejected, rejected.OrderStatus)
	assert.Equal(t, "no-show policy", rejected.Apply.DecisionNote)

	second, err := f.workflow.Apply(ctx, ApplyRequest{OrderNo: "BK-9"})
	require.NoError(t, err)
	assert.True(t, second.Applied)
}

func TestCancelApply(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.seedPaidOrder(t, "BK-10", slotAt("court-1", 50))
	ctx := context.Background()

	applied, err := f.workflow.Apply(ctx, ApplyRequest{OrderNo: "BK-10"})
	require.NoError(t, err)

	_, err = f.workflow.CancelApply(ctx, applied.Apply.ID, "stranger")
	assert.ErrorIs(t, err, ErrNotBuyer)

	cancelled, err := f.workflow.CancelApply(ctx, applied.Apply.ID, "buyer-1")
	require.NoError(t, err)
	assert.True(t, cancelled.Applied)
	assert.Equal(t, domain.RefundStatusCancelled, cancelled.Apply.Status)
	assert.Equal(t, domain.OrderStatusRefundCancelled, f.orderStatus(t, "BK-10"))

	// Отозванную заявку уже нельзя одобрить.
	approved, err := f.workflow.Approve(ctx, applied.Apply.ID, "seller-op", "")
	require.NoError(t, err)
	assert.False(t, approved.Applied)
}

func TestComplete_PartialThenFull(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	a, b := slotAt("court-1", 50), slotAt("court-1", 51)
	f.seedPaidOrder(t, "BK-11", a, b)
	ctx := context.Background()

	first, err := f.workflow.Apply(ctx, ApplyRequest{OrderNo: "BK-11", ItemIDs: []string{"BK-11-1"}})
	require.NoError(t, err)
	_, err = f.workflow.Approve(ctx, first.Apply.ID, "seller-op", "")
	require.NoError(t, err)

	done, err := f.workflow.Complete(ctx, first.Apply.ID, "refund-1")
	require.NoError(t, err)
	assert.True(t, done.Applied)
	assert.Equal(t, domain.OrderStatusPartiallyRefunded, done.OrderStatus)
	assert.Equal(t, domain.SlotStateFree, f.slotState(t, a))
	assert.Equal(t, domain.SlotStateBooked, f.slotState(t, b))

	// Повторный callback ничего не меняет.
	dup, err := f.workflow.Complete(ctx, first.Apply.ID, "refund-1")
	require.NoError(t, err)
	assert.False(t, dup.Applied)
	assert.Equal(t, domain.OrderStatusPartiallyRefunded, f.orderStatus(t, "BK-11"))

	second, err := f.workflow.Apply(ctx, ApplyRequest{OrderNo: "BK-11"})
	require.NoError(t, err)
	assert.Equal(t, []string{"BK-11-2"}, second.Apply.ItemIDs)
	_, err = f.workflow.Approve(ctx, second.Apply.ID, "seller-op", "")
	require.NoError(t, err)

	final, err := f.workflow.Complete(ctx, second.Apply.ID, "refund-2")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRefunded, final.OrderStatus)
	assert.Equal(t, domain.SlotStateFree, f.slotState(t, b))

	order, err := f.orders.Get(ctx, "BK-11")
	require.NoError(t, err)
	assert.Empty(t, order.ActiveItems())
	assert.Equal(t, 2, f.outcomes[OutcomeCompleted])
}

func TestComplete_PendingApplyIgnored(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	slot := slotAt("court-1", 50)
	f.seedPaidOrder(t, "BK-12", slot)

	applied, err := f.workflow.Apply(context.Background(), ApplyRequest{OrderNo: "BK-12"})
	require.NoError(t, err)

	result, err := f.workflow.Complete(context.Background(), applied.Apply.ID, "refund-x")
	require.NoError(t, err)
	assert.False(t, result.Applied)
	assert.Equal(t, domain.SlotStateBooked, f.slotState(t, slot))
}

func TestHandleRefundCompleted(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	slot := slotAt("court-1", 50)
	f.seedPaidOrder(t, "BK-13", slot)
	ctx := context.Background()

	garbage := messaging.Message{Route: events.Route(events.EventRefundCompleted), Payload: []byte("{")}
	assert.ErrorIs(t, f.workflow.HandleRefundCompleted(ctx, garbage), messaging.ErrPermanent)

	missing, err := json.Marshal(events.RefundCompletedEvent{ApplyID: "RF-missing", OrderNo: "BK-13"})
	require.NoError(t, err)
	assert.ErrorIs(t, f.workflow.HandleRefundCompleted(ctx, messaging.Message{Payload: missing}), messaging.ErrPermanent)

	applied, err := f.workflow.Apply(ctx, ApplyRequest{OrderNo: "BK-13"})
	require.NoError(t, err)
	_, err = f.workflow.Approve(ctx, applied.Apply.ID, "seller-op", "")
	require.NoError(t, err)

	payload, err := json.Marshal(events.RefundCompletedEvent{ApplyID: applied.Apply.ID, OrderNo: "BK-13", RefundRef: "refund-13"})
	require.NoError(t, err)
	msg := messaging.Message{Route: events.Route(events.EventRefundCompleted), Payload: payload}
	require.NoError(t, f.workflow.HandleRefundCompleted(ctx, msg))
	require.NoError(t, f.workflow.HandleRefundCompleted(ctx, msg))

	assert.Equal(t, domain.OrderStatusRefunded, f.orderStatus(t, "BK-13"))
	assert.Equal(t, domain.SlotStateFree, f.slotState(t, slot))

	timeline, err := f.timeline.List(ctx, "BK-13")
	require.NoError(t, err)
	types := make([]string, 0, len(timeline))
	for _, e := range timeline {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{
		domain.TimelineRefundRequested,
		domain.TimelineRefundApproved,
		domain.TimelineRefunded,
		domain.TimelineSlotsReleased,
	}, types)
}
