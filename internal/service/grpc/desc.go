package grpcsvc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName — полное имя gRPC-сервиса бронирования.
const ServiceName = "booking.v1.BookingService"

// Имена методов сервиса.
const (
	MethodCreateBooking  = "CreateBooking"
	MethodConfirmPayment = "ConfirmPayment"
	MethodSellerConfirm  = "SellerConfirm"
	MethodApplyRefund    = "ApplyRefund"
	MethodDecideRefund   = "DecideRefund"
	MethodGetOrder       = "GetOrder"
)

// BookingServer — серверная сторона booking.v1.BookingService.
// Сообщения передаются как google.protobuf.Struct.
type BookingServer interface {
	CreateBooking(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ConfirmPayment(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	SellerConfirm(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ApplyRefund(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	DecideRefund(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetOrder(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(srv BookingServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryCall) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			server := srv.(BookingServer)
			if interceptor == nil {
				return call(server, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(server, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc описывает сервис для grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BookingServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(MethodCreateBooking, BookingServer.CreateBooking),
		unaryMethod(MethodConfirmPayment, BookingServer.ConfirmPayment),
		unaryMethod(MethodSellerConfirm, BookingServer.SellerConfirm),
		unaryMethod(MethodApplyRefund, BookingServer.ApplyRefund),
		unaryMethod(MethodDecideRefund, BookingServer.DecideRefund),
		unaryMethod(MethodGetOrder, BookingServer.GetOrder),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "booking/v1/booking_service.proto",
}

// RegisterBookingServer регистрирует реализацию на сервере.
func RegisterBookingServer(s grpc.ServiceRegistrar, srv BookingServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client — клиент booking.v1.BookingService.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient создаёт клиента поверх соединения.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call вызывает метод сервиса по короткому имени.
func (c *Client) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
