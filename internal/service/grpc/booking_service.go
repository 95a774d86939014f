// Package grpcsvc содержит тонкий gRPC-вход в бронирование и возвраты.
package grpcsvc

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/GALA-Lin/service-sub006/internal/domain"
	"github.com/GALA-Lin/service-sub006/internal/lock"
	"github.com/GALA-Lin/service-sub006/internal/service/booking"
	"github.com/GALA-Lin/service-sub006/internal/service/refund"
)

// Bookings — операции движка заказов, нужные сервису.
type Bookings interface {
	Create(ctx context.Context, req booking.CreateRequest) (booking.BookingResult, error)
	ConfirmPayment(ctx context.Context, orderNo, paymentRef string) (booking.TransitionResult, error)
	SellerConfirm(ctx context.Context, orderNo, operatorID string, auto bool) (booking.TransitionResult, error)
	Get(ctx context.Context, orderNo string) (domain.Order, error)
	Timeline(ctx context.Context, orderNo string) ([]domain.TimelineEvent, error)
}

// Refunds — операции процесса возврата, нужные сервису.
type Refunds interface {
	Apply(ctx context.Context, req refund.ApplyRequest) (refund.Result, error)
	Approve(ctx context.Context, applyID, operatorID, note string) (refund.Result, error)
	Reject(ctx context.Context, applyID, operatorID, note string) (refund.Result, error)
	CancelApply(ctx context.Context, applyID, buyerID string) (refund.Result, error)
	ListByOrder(ctx context.Context, orderNo string) ([]domain.RefundApply, error)
}

var (
	_ Bookings = (*booking.Engine)(nil)
	_ Refunds  = (*refund.Workflow)(nil)
)

// Решения продавца/покупателя по заявке в DecideRefund.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
	DecisionCancel  = "cancel"
)

// BookingService реализует booking.v1.BookingService.
type BookingService struct {
	bookings Bookings
	refunds  Refunds
	logger   *log.Entry
}

var _ BookingServer = (*BookingService)(nil)

// NewBookingService конструирует сервис с зависимостями.
func NewBookingService(bookings Bookings, refunds Refunds, logger *log.Entry) *BookingService {
	if logger == nil {
		logger = log.WithField("component", "booking-grpc")
	}
	return &BookingService{bookings: bookings, refunds: refunds, logger: logger}
}

// CreateBooking захватывает слоты и создаёт заказ в ожидании оплаты.
// Отказ платёжного шлюза не отменяет заказ: он возвращается с payment_error.
func (s *BookingService) CreateBooking(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := request{in}
	slots, err := req.slots("slots")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	result, err := s.bookings.Create(ctx, booking.CreateRequest{
		BuyerID:  req.str("buyer_id"),
		SellerID: req.str("seller_id"),
		Slots:    slots,
	})
	if err != nil && !errors.Is(err, domain.ErrPaymentUnavailable) {
		return nil, s.toStatus(err, MethodCreateBooking)
	}

	out := map[string]any{
		"order":            orderMap(result.Order),
		"payment_required": result.PaymentRequired,
		"payment_token":    result.Payment.Token,
		"payment_url":      result.Payment.RedirectURL,
	}
	if err != nil {
		out["payment_error"] = err.Error()
	}
	return newStruct(out)
}

// ConfirmPayment применяет подтверждение оплаты. Повтор даёт applied=false.
func (s *BookingService) ConfirmPayment(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := request{in}
	orderNo := req.str("order_no")
	if orderNo == "" {
		return nil, status.Error(codes.InvalidArgument, domain.ErrOrderNoRequired.Error())
	}

	result, err := s.bookings.ConfirmPayment(ctx, orderNo, req.str("payment_ref"))
	if err != nil {
		return nil, s.toStatus(err, MethodConfirmPayment)
	}
	return transitionStruct(result)
}

// SellerConfirm фиксирует, что продавец принял оплаченный заказ.
func (s *BookingService) SellerConfirm(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := request{in}
	orderNo := req.str("order_no")
	if orderNo == "" {
		return nil, status.Error(codes.InvalidArgument, domain.ErrOrderNoRequired.Error())
	}
	operatorID := req.str("operator_id")
	if operatorID == "" {
		return nil, status.Error(codes.InvalidArgument, "operator_id is required")
	}

	result, err := s.bookings.SellerConfirm(ctx, orderNo, operatorID, false)
	if err != nil {
		return nil, s.toStatus(err, MethodSellerConfirm)
	}
	return transitionStruct(result)
}

// ApplyRefund подаёт заявку на возврат. Отказ по тарифу ошибкой не считается.
func (s *BookingService) ApplyRefund(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := request{in}
	itemIDs, err := req.strList("item_ids")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	result, err := s.refunds.Apply(ctx, refund.ApplyRequest{
		OrderNo:              req.str("order_no"),
		BuyerID:              req.str("buyer_id"),
		ItemIDs:              itemIDs,
		ReasonCode:           req.str("reason_code"),
		RequestedAmountMinor: req.num("requested_amount_minor"),
	})
	if err != nil {
		return nil, s.toStatus(err, MethodApplyRefund)
	}
	return refundStruct(result)
}

// DecideRefund одобряет, отклоняет или отзывает заявку.
func (s *BookingService) DecideRefund(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := request{in}
	applyID := req.str("apply_id")
	if applyID == "" {
		return nil, status.Error(codes.InvalidArgument, "apply_id is required")
	}

	var (
		result refund.Result
		err    error
	)
	switch decision := req.str("decision"); decision {
	case DecisionApprove:
		result, err = s.refunds.Approve(ctx, applyID, req.str("operator_id"), req.str("note"))
	case DecisionReject:
		result, err = s.refunds.Reject(ctx, applyID, req.str("operator_id"), req.str("note"))
	case DecisionCancel:
		result, err = s.refunds.CancelApply(ctx, applyID, req.str("buyer_id"))
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown decision %q", decision)
	}
	if err != nil {
		return nil, s.toStatus(err, MethodDecideRefund)
	}
	return refundStruct(result)
}

// GetOrder возвращает заказ с таймлайном и заявками на возврат.
func (s *BookingService) GetOrder(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	orderNo := request{in}.str("order_no")
	if orderNo == "" {
		return nil, status.Error(codes.InvalidArgument, domain.ErrOrderNoRequired.Error())
	}

	order, err := s.bookings.Get(ctx, orderNo)
	if err != nil {
		return nil, s.toStatus(err, MethodGetOrder)
	}

	timeline := make([]any, 0)
	if events, err := s.bookings.Timeline(ctx, orderNo); err != nil {
		s.logger.WithError(err).WithField("order_no", orderNo).Warn("failed to load timeline")
	} else {
		for _, e := range events {
			timeline = append(timeline, map[string]any{
				"type":     e.Type,
				"reason":   e.Reason,
				"occurred": formatTime(e.Occurred),
			})
		}
	}

	applies := make([]any, 0)
	if list, err := s.refunds.ListByOrder(ctx, orderNo); err != nil {
		s.logger.WithError(err).WithField("order_no", orderNo).Warn("failed to load refund applies")
	} else {
		for _, a := range list {
			applies = append(applies, applyMap(a))
		}
	}

	return newStruct(map[string]any{
		"order":    orderMap(order),
		"timeline": timeline,
		"refunds":  applies,
	})
}

// toStatus переводит ошибку домена в gRPC-статус.
func (s *BookingService) toStatus(err error, method string) error {
	code := codeFor(err)
	entry := s.logger.WithError(err).WithField("method", method)
	if code == codes.Internal {
		entry.Error("request failed")
		return status.Error(code, "internal error")
	}
	entry.WithField("code", code.String()).Info("request rejected")
	return status.Error(code, err.Error())
}

func codeFor(err error) codes.Code {
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, lock.ErrContention):
		return codes.Aborted
	case errors.Is(err, domain.ErrSlotTaken):
		return codes.AlreadyExists
	case errors.Is(err, booking.ErrInvalidRequest), errors.Is(err, refund.ErrInvalidRequest):
		return codes.InvalidArgument
	case errors.Is(err, refund.ErrNotBuyer):
		return codes.PermissionDenied
	case errors.Is(err, refund.ErrItemNotRefundable):
		return codes.FailedPrecondition
	case domain.IsNotFound(err):
		return codes.NotFound
	case errors.Is(err, domain.ErrPricingUnavailable), errors.Is(err, domain.ErrPaymentUnavailable):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// request — чтение полей из google.protobuf.Struct.
type request struct {
	*structpb.Struct
}

func (r request) field(name string) *structpb.Value {
	if r.Struct == nil {
		return nil
	}
	return r.GetFields()[name]
}

func (r request) str(name string) string {
	return r.field(name).GetStringValue()
}

func (r request) num(name string) int64 {
	return int64(r.field(name).GetNumberValue())
}

func (r request) strList(name string) ([]string, error) {
	v := r.field(name)
	if v == nil {
		return nil, nil
	}
	list := v.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("%s must be a list of strings", name)
	}
	out := make([]string, 0, len(list.GetValues()))
	for i, item := range list.GetValues() {
		s, ok := item.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("%s[%d] must be a string", name, i)
		}
		out = append(out, s.StringValue)
	}
	return out, nil
}

func (r request) timestamp(name string) (time.Time, error) {
	raw := r.str(name)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%s is required", name)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", name, err)
	}
	return t.UTC(), nil
}

func (r request) slots(name string) ([]domain.Slot, error) {
	list := r.field(name).GetListValue()
	if list == nil {
		return nil, fmt.Errorf("%s must be a non-empty list", name)
	}

	slots := make([]domain.Slot, 0, len(list.GetValues()))
	for i, item := range list.GetValues() {
		raw := item.GetStructValue()
		if raw == nil {
			return nil, fmt.Errorf("%s[%d] must be an object", name, i)
		}
		sr := request{raw}
		start, err := sr.timestamp("start_at")
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", name, i, err)
		}
		end, err := sr.timestamp("end_at")
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", name, i, err)
		}
		resourceType := domain.ResourceType(sr.str("resource_type"))
		if resourceType == "" {
			resourceType = domain.ResourceTypeCourt
		}
		slots = append(slots, domain.Slot{
			ResourceType: resourceType,
			ResourceID:   sr.str("resource_id"),
			OwnerID:      sr.str("owner_id"),
			StartAt:      start,
			EndAt:        end,
		})
	}
	return slots, nil
}

func newStruct(m map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func transitionStruct(result booking.TransitionResult) (*structpb.Struct, error) {
	return newStruct(map[string]any{
		"applied": result.Applied,
		"status":  string(result.Status),
		"reason":  result.Reason,
		"order":   orderMap(result.Order),
	})
}

func refundStruct(result refund.Result) (*structpb.Struct, error) {
	return newStruct(map[string]any{
		"applied":      result.Applied,
		"reason":       result.Reason,
		"eligible":     result.Eligibility.Eligible,
		"percentage":   result.Eligibility.Percentage,
		"hours_before": result.Eligibility.HoursBefore,
		"order_status": string(result.OrderStatus),
		"apply":        applyMap(result.Apply),
	})
}

func orderMap(o domain.Order) map[string]any {
	items := make([]any, 0, len(o.Items))
	for _, item := range o.Items {
		items = append(items, map[string]any{
			"id":          item.ID,
			"slot_key":    item.SlotKey,
			"resource_id": item.ResourceID,
			"start_at":    formatTime(item.StartAt),
			"end_at":      formatTime(item.EndAt),
			"price_minor": item.PriceMinor,
			"status":      string(item.Status),
		})
	}
	return map[string]any{
		"order_no":       o.OrderNo,
		"buyer_id":       o.BuyerID,
		"seller_id":      o.SellerID,
		"status":         string(o.Status),
		"currency":       o.Currency,
		"amount_minor":   o.AmountMinor,
		"payment_ref":    o.PaymentRef,
		"pay_deadline":   formatTime(o.PayDeadline),
		"confirmed_by":   o.ConfirmedBy,
		"auto_confirmed": o.AutoConfirmed,
		"version":        o.Version,
		"items":          items,
	}
}

func applyMap(a domain.RefundApply) map[string]any {
	ids := make([]any, 0, len(a.ItemIDs))
	for _, id := range a.ItemIDs {
		ids = append(ids, id)
	}
	return map[string]any{
		"id":                  a.ID,
		"order_no":            a.OrderNo,
		"item_ids":            ids,
		"reason_code":         a.ReasonCode,
		"percentage":          a.Percentage,
		"refund_amount_minor": a.RefundAmountMinor,
		"status":              string(a.Status),
		"decided_by":          a.DecidedBy,
		"decision_note":       a.DecisionNote,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
