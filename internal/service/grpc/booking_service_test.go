package grpcsvc_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/GALA-Lin/service-sub006/internal/domain"
	"github.com/GALA-Lin/service-sub006/internal/events"
	"github.com/GALA-Lin/service-sub006/internal/lock"
	"github.com/GALA-Lin/service-sub006/internal/messaging"
	"github.com/GALA-Lin/service-sub006/internal/service/booking"
	grpcsvc "github.com/GALA-Lin/service-sub006/internal/service/grpc"
	"github.com/GALA-Lin/service-sub006/internal/service/payment"
	"github.com/GALA-Lin/service-sub006/internal/service/pricing"
	"github.com/GALA-Lin/service-sub006/internal/service/refund"
	"github.com/GALA-Lin/service-sub006/internal/storage/memory"
)

const bufSize = 1024 * 1024

type testServer struct {
	client    *grpcsvc.Client
	transport *messaging.RecordingTransport
}

func loggerForTests() *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	logger.SetLevel(logrus.DebugLevel)
	return logger.WithField("component", "test")
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	orders := memory.NewOrderRepository()
	slots := memory.NewSlotRepository()
	timeline := memory.NewTimelineRepository()
	rules := memory.NewRefundRuleRepository()
	locks := lock.NewMemoryCoordinator()
	transport := messaging.NewRecordingTransport()
	publisher := messaging.NewPublisher(transport, memory.NewCorrelationStore())
	logger := loggerForTests()

	require.NoError(t, rules.Save(context.Background(), domain.RefundRuleSet{
		ID:      "rules-venue",
		OwnerID: "venue-1",
		Tiers: []domain.RefundTier{
			{MinHoursBefore: 48, Percentage: 100, SortOrder: 1},
			{MinHoursBefore: 0, MaxHoursBefore: domain.HoursBound(48), Percentage: 0, Reason: "too late", SortOrder: 2},
		},
	}))

	engine := booking.NewEngine(booking.Dependencies{
		Orders:    orders,
		Slots:     slots,
		Timeline:  timeline,
		Locks:     locks,
		Pricing:   pricing.NewMockService(),
		Payments:  payment.NewMockService(),
		Publisher: publisher,
	}, booking.DefaultConfig(), booking.WithLogger(logger))
	workflow := refund.NewWorkflow(refund.Dependencies{
		Orders:    orders,
		Refunds:   memory.NewRefundRepository(),
		Rules:     rules,
		Slots:     slots,
		Timeline:  timeline,
		Locks:     locks,
		Publisher: publisher,
	}, refund.DefaultConfig(), refund.WithLogger(logger))

	return &testServer{
		client:    serve(t, grpcsvc.NewBookingService(engine, workflow, logger)),
		transport: transport,
	}
}

func serve(t *testing.T, srv grpcsvc.BookingServer) *grpcsvc.Client {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	server := grpc.NewServer()
	grpcsvc.RegisterBookingServer(server, srv)
	go func() {
		_ = server.Serve(listener)
	}()

	dialer := func(context.Context, string) (net.Conn, error) {
		return listener.Dial()
	}
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		server.Stop()
	})
	return grpcsvc.NewClient(conn)
}

func call(t *testing.T, client *grpcsvc.Client, method string, in map[string]any) (*structpb.Struct, error) {
	t.Helper()
	req, err := structpb.NewStruct(in)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return client.Call(ctx, method, req)
}

func mustCall(t *testing.T, client *grpcsvc.Client, method string, in map[string]any) map[string]any {
	t.Helper()
	out, err := call(t, client, method, in)
	if err != nil {
		t.Fatalf("%s failed: %v", method, err)
	}
	return out.AsMap()
}

func slotsPayload(start time.Time) []any {
	return []any{
		map[string]any{
			"resource_type": "court",
			"resource_id":   "court-7",
			"owner_id":      "venue-1",
			"start_at":      start.Format(time.RFC3339),
			"end_at":        start.Add(time.Hour).Format(time.RFC3339),
		},
	}
}

func requireCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil error", want)
	}
	if got := status.Code(err); got != want {
		t.Fatalf("expected %s, got %s (%v)", want, got, err)
	}
}

func TestBookingService_FullLifecycle(t *testing.T) {
	srv := newTestServer(t)
	start := time.Now().UTC().Add(96 * time.Hour).Truncate(time.Hour)

	created := mustCall(t, srv.client, grpcsvc.MethodCreateBooking, map[string]any{
		"buyer_id":  "buyer-1",
		"seller_id": "venue-1",
		"slots":     slotsPayload(start),
	})
	order := created["order"].(map[string]any)
	orderNo := order["order_no"].(string)
	assert.Equal(t, string(domain.OrderStatusPendingPayment), order["status"])
	assert.Equal(t, true, created["payment_required"])
	assert.NotEmpty(t, created["payment_token"])

	// Тот же слот вторым заказом занять нельзя.
	_, err := call(t, srv.client, grpcsvc.MethodCreateBooking, map[string]any{
		"buyer_id":  "buyer-2",
		"seller_id": "venue-1",
		"slots":     slotsPayload(start),
	})
	requireCode(t, err, codes.AlreadyExists)

	paid := mustCall(t, srv.client, grpcsvc.MethodConfirmPayment, map[string]any{"order_no": orderNo, "payment_ref": "pay-1"})
	assert.Equal(t, true, paid["applied"])
	assert.Equal(t, string(domain.OrderStatusPaid), paid["status"])

	again := mustCall(t, srv.client, grpcsvc.MethodConfirmPayment, map[string]any{"order_no": orderNo, "payment_ref": "pay-1"})
	assert.Equal(t, false, again["applied"])

	_, err = call(t, srv.client, grpcsvc.MethodSellerConfirm, map[string]any{"order_no": orderNo})
	requireCode(t, err, codes.InvalidArgument)

	confirmed := mustCall(t, srv.client, grpcsvc.MethodSellerConfirm, map[string]any{"order_no": orderNo, "operator_id": "venue-admin"})
	assert.Equal(t, string(domain.OrderStatusConfirmed), confirmed["status"])

	applied := mustCall(t, srv.client, grpcsvc.MethodApplyRefund, map[string]any{
		"order_no":    orderNo,
		"buyer_id":    "buyer-1",
		"reason_code": "changed_plans",
	})
	assert.Equal(t, true, applied["eligible"])
	assert.Equal(t, float64(100), applied["percentage"])
	apply := applied["apply"].(map[string]any)
	assert.Equal(t, string(domain.RefundStatusPending), apply["status"])
	assert.Equal(t, float64(8000), apply["refund_amount_minor"])

	approved := mustCall(t, srv.client, grpcsvc.MethodDecideRefund, map[string]any{
		"apply_id":    apply["id"],
		"decision":    grpcsvc.DecisionApprove,
		"operator_id": "venue-admin",
	})
	assert.Equal(t, true, approved["applied"])
	require.Len(t, srv.transport.SentTo(events.Route(events.EventRefundRequest)), 1)

	got := mustCall(t, srv.client, grpcsvc.MethodGetOrder, map[string]any{"order_no": orderNo})
	assert.Equal(t, string(domain.OrderStatusRefundRequested), got["order"].(map[string]any)["status"])
	assert.Len(t, got["refunds"], 1)
	assert.NotEmpty(t, got["timeline"])
}

func TestBookingService_Rejections(t *testing.T) {
	srv := newTestServer(t)

	_, err := call(t, srv.client, grpcsvc.MethodCreateBooking, map[string]any{"buyer_id": "buyer-1"})
	requireCode(t, err, codes.InvalidArgument)

	_, err = call(t, srv.client, grpcsvc.MethodCreateBooking, map[string]any{
		"buyer_id": "buyer-1",
		"slots":    []any{map[string]any{"resource_id": "court-1", "start_at": "tomorrow"}},
	})
	requireCode(t, err, codes.InvalidArgument)

	_, err = call(t, srv.client, grpcsvc.MethodGetOrder, map[string]any{"order_no": "missing"})
	requireCode(t, err, codes.NotFound)

	_, err = call(t, srv.client, grpcsvc.MethodDecideRefund, map[string]any{"apply_id": "RF-1", "decision": "maybe"})
	requireCode(t, err, codes.InvalidArgument)

	_, err = call(t, srv.client, grpcsvc.MethodApplyRefund, map[string]any{"order_no": "missing", "buyer_id": "buyer-1"})
	requireCode(t, err, codes.NotFound)
}

func TestBookingService_RefundByStrangerIsDenied(t *testing.T) {
	srv := newTestServer(t)
	start := time.Now().UTC().Add(96 * time.Hour).Truncate(time.Hour)

	created := mustCall(t, srv.client, grpcsvc.MethodCreateBooking, map[string]any{
		"buyer_id":  "buyer-1",
		"seller_id": "venue-1",
		"slots":     slotsPayload(start),
	})
	orderNo := created["order"].(map[string]any)["order_no"].(string)
	mustCall(t, srv.client, grpcsvc.MethodConfirmPayment, map[string]any{"order_no": orderNo, "payment_ref": "pay-1"})

	_, err := call(t, srv.client, grpcsvc.MethodApplyRefund, map[string]any{"order_no": orderNo, "buyer_id": "buyer-2"})
	requireCode(t, err, codes.PermissionDenied)
}
