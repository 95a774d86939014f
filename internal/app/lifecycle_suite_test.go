package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/GALA-Lin/service-sub006/internal/domain"
	"github.com/GALA-Lin/service-sub006/internal/events"
	"github.com/GALA-Lin/service-sub006/internal/service/booking"
	"github.com/GALA-Lin/service-sub006/internal/service/refund"
)

// BookingLifecycleTestSuite прогоняет заказ через события доставки в памяти процесса.
type BookingLifecycleTestSuite struct {
	suite.Suite
	ctx context.Context
	rt  *testRuntime
}

func (s *BookingLifecycleTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.rt = newTestRuntime(s.T(), DefaultConfig())
	s.Require().NoError(s.rt.repos.rules.Save(s.ctx, domain.RefundRuleSet{
		ID:      "rules-venue-1",
		OwnerID: "venue-1",
		Tiers: []domain.RefundTier{
			{MinHoursBefore: 12, Percentage: 100, SortOrder: 1},
			{MinHoursBefore: 0, MaxHoursBefore: domain.HoursBound(12), Percentage: 0, Reason: "too late", SortOrder: 2},
		},
	}))
}

func (s *BookingLifecycleTestSuite) createOrder() domain.Order {
	created, err := s.rt.engine.Create(s.ctx, booking.CreateRequest{
		BuyerID:  "buyer-1",
		SellerID: "venue-1",
		Slots:    newTestSlots(time.Now().UTC()),
	})
	s.Require().NoError(err)
	s.Require().Equal(domain.OrderStatusPendingPayment, created.Order.Status)
	return created.Order
}

func (s *BookingLifecycleTestSuite) waitStatus(orderNo string, status domain.OrderStatus) {
	s.Require().Eventually(func() bool {
		order, err := s.rt.repos.orders.Get(s.ctx, orderNo)
		return err == nil && order.Status == status
	}, 2*time.Second, 10*time.Millisecond, "order %s never reached %s", orderNo, status)
}

func (s *BookingLifecycleTestSuite) slotState(order domain.Order) domain.SlotState {
	slot, err := s.rt.repos.slots.Get(s.ctx, order.Items[0].SlotKey)
	s.Require().NoError(err)
	return slot.State
}

func (s *BookingLifecycleTestSuite) TestPaidConfirmedRefunded() {
	order := s.createOrder()
	s.Equal(domain.SlotStateLocked, s.slotState(order))

	publishEvent(s.T(), s.rt, events.EventPaymentConfirmed, events.PaymentConfirmedEvent{
		OrderNo:     order.OrderNo,
		PaymentRef:  "pay-1",
		AmountMinor: order.AmountMinor,
		PaidAt:      time.Now().UTC(),
	})
	s.waitStatus(order.OrderNo, domain.OrderStatusPaid)
	s.Equal(domain.SlotStateBooked, s.slotState(order))

	// Подтверждение продавца остаётся за PAID; заказ идёт дальше через Complete.
	confirmed, err := s.rt.engine.SellerConfirm(s.ctx, order.OrderNo, "operator-1", false)
	s.Require().NoError(err)
	s.False(confirmed.Applied)
	s.Equal(domain.OrderStatusRefundRejected, confirmed.Status)

	applied, err := s.rt.refunds.Apply(s.ctx, refund.ApplyRequest{OrderNo: order.OrderNo, BuyerID: "buyer-1", ReasonCode: "changed_plans"})
	s.Require().NoError(err)
	s.Require().True(applied.Applied)
	s.Equal(100, applied.Eligibility.Percentage)

	approved, err := s.rt.refunds.Approve(s.ctx, applied.Apply.ID, "operator-1", "ok")
	s.Require().NoError(err)
	s.Require().True(approved.Applied)
	s.waitStatus(order.OrderNo, domain.OrderStatusRefundRequested)

	publishEvent(s.T(), s.rt, events.EventRefundCompleted, events.RefundCompletedEvent{
		ApplyID:     applied.Apply.ID,
		OrderNo:     order.OrderNo,
		RefundRef:   "refund-1",
		CompletedAt: time.Now().UTC(),
	})
	s.waitStatus(order.OrderNo, domain.OrderStatusRefunded)
	s.Equal(domain.SlotStateFree, s.slotState(order))

	stored, err := s.rt.refunds.Get(s.ctx, applied.Apply.ID)
	s.Require().NoError(err)
	s.Equal(domain.RefundStatusCompleted, stored.Status)

	timeline, err := s.rt.engine.Timeline(s.ctx, order.OrderNo)
	s.Require().NoError(err)
	s.NotEmpty(timeline)
}

func (s *BookingLifecycleTestSuite) TestRejectedRefundOrderIsCompleted() {
	order := s.createOrder()
	publishEvent(s.T(), s.rt, events.EventPaymentConfirmed, events.PaymentConfirmedEvent{
		OrderNo:     order.OrderNo,
		PaymentRef:  "pay-1",
		AmountMinor: order.AmountMinor,
		PaidAt:      time.Now().UTC(),
	})
	s.waitStatus(order.OrderNo, domain.OrderStatusPaid)

	applied, err := s.rt.refunds.Apply(s.ctx, refund.ApplyRequest{OrderNo: order.OrderNo, BuyerID: "buyer-1", ReasonCode: "changed_plans"})
	s.Require().NoError(err)
	s.Require().True(applied.Applied)

	rejected, err := s.rt.refunds.Reject(s.ctx, applied.Apply.ID, "operator-1", "slot is non-refundable")
	s.Require().NoError(err)
	s.Require().True(rejected.Applied)
	s.Equal(domain.OrderStatusRefundRejected, rejected.OrderStatus)
	s.Equal(domain.SlotStateBooked, s.slotState(order))

	// Подтверждение продавца остаётся за PAID; заказ идёт дальше через Complete.
	confirmed, err := s.rt.engine.SellerConfirm(s.ctx, order.OrderNo, "operator-1", false)
	s.Require().NoError(err)
	s.False(confirmed.Applied)
	s.Equal(domain.OrderStatusRefundRejected, confirmed.Status)

	early, err := s.rt.engine.Complete(s.ctx, order.OrderNo)
	s.Require().NoError(err)
	s.False(early.Applied)

	s.rt.clock.Advance(48 * time.Hour)
	completed, err := s.rt.engine.Complete(s.ctx, order.OrderNo)
	s.Require().NoError(err)
	s.True(completed.Applied)
	s.Equal(domain.OrderStatusCompleted, completed.Status)
}

func (s *BookingLifecycleTestSuite) TestUnpaidOrderIsAutoCancelled() {
	order := s.createOrder()

	publishEvent(s.T(), s.rt, events.EventOrderAutoCancel, events.AutoCancelEvent{OrderNo: order.OrderNo})
	s.waitStatus(order.OrderNo, domain.OrderStatusAutoCancelled)
	s.Equal(domain.SlotStateFree, s.slotState(order))

	// Поздняя оплата отменённого заказа ничего не меняет.
	late, err := s.rt.engine.ConfirmPayment(s.ctx, order.OrderNo, "pay-late")
	s.Require().NoError(err)
	s.False(late.Applied)
	s.Equal(domain.OrderStatusAutoCancelled, late.Status)
}

func (s *BookingLifecycleTestSuite) TestFreedSlotCanBeBookedAgain() {
	first := s.createOrder()
	_, err := s.rt.engine.AutoCancel(s.ctx, first.OrderNo, "payment timeout")
	s.Require().NoError(err)

	second := s.createOrder()
	s.NotEqual(first.OrderNo, second.OrderNo)
	s.Equal(domain.SlotStateLocked, s.slotState(second))
}

func TestBookingLifecycleSuite(t *testing.T) {
	suite.Run(t, new(BookingLifecycleTestSuite))
}
