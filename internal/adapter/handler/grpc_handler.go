package handler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/rl1809/stock-checkout/internal/core/domain"
	"github.com/rl1809/stock-checkout/internal/core/service"
)

const OrderServiceName = "checkout.v1.OrderService"

const (
	reserveAndOrderMethod    = "/" + OrderServiceName + "/ReserveAndOrder"
	releaseReservationMethod = "/" + OrderServiceName + "/ReleaseReservation"
)

// Reply codes for checkouts that were refused without a transport failure.
const (
	CodeOK               = "OK"
	CodeOutOfStock       = "OUT_OF_STOCK"
	CodePricingFailed    = "PRICING_FAILED"
	CodeNotFound         = "NOT_FOUND"
	CodeDuplicateRequest = "DUPLICATE_REQUEST"
)

type ReserveRequest struct {
	RequestID     string `json:"request_id,omitempty"`
	BuyerID       string `json:"buyer_id"`
	ProductID     string `json:"product_id"`
	Size          int    `json:"size"`
	PromotionCode string `json:"promotion_code,omitempty"`
}

type ReleaseRequest struct {
	OrderID string `json:"order_id"`
}

type OrderReply struct {
	Success bool               `json:"success"`
	Code    string             `json:"code"`
	Message string             `json:"message"`
	Order   *OrderHTTPResponse `json:"order,omitempty"`
}

// OrderServiceServer is the server API for checkout.v1.OrderService.
type OrderServiceServer interface {
	ReserveAndOrder(ctx context.Context, req *ReserveRequest) (*OrderReply, error)
	ReleaseReservation(ctx context.Context, req *ReleaseRequest) (*OrderReply, error)
}

type GRPCHandler struct {
	orderService *service.OrderService
}

func NewGRPCHandler(orderService *service.OrderService) *GRPCHandler {
	return &GRPCHandler{orderService: orderService}
}

func (h *GRPCHandler) ReserveAndOrder(ctx context.Context, req *ReserveRequest) (*OrderReply, error) {
	order, err := h.orderService.Purchase(ctx, req.RequestID, req.BuyerID, req.ProductID, req.Size, req.PromotionCode)
	if err != nil {
		return grpcReply(err)
	}

	resp := toOrderResponse(order)
	return &OrderReply{Success: true, Code: CodeOK, Message: "order placed successfully", Order: &resp}, nil
}

func (h *GRPCHandler) ReleaseReservation(ctx context.Context, req *ReleaseRequest) (*OrderReply, error) {
	order, err := h.orderService.ReleaseReservation(ctx, req.OrderID)
	if err != nil {
		return grpcReply(err)
	}

	resp := toOrderResponse(order)
	return &OrderReply{Success: true, Code: CodeOK, Message: "order cancelled", Order: &resp}, nil
}

// grpcReply turns business refusals into unsuccessful replies and storage
// trouble into a status error the client can retry on.
func grpcReply(err error) (*OrderReply, error) {
	switch {
	case errors.Is(err, service.ErrDuplicateRequest):
		return &OrderReply{Code: CodeDuplicateRequest, Message: "duplicate request"}, nil
	case errors.Is(err, domain.ErrOutOfStock):
		return &OrderReply{Code: CodeOutOfStock, Message: "sold out"}, nil
	case errors.Is(err, domain.ErrPricing):
		return &OrderReply{Code: CodePricingFailed, Message: "pricing failed"}, nil
	case errors.Is(err, domain.ErrPersistence):
		return nil, status.Error(codes.Unavailable, "temporarily unavailable")
	case errors.Is(err, domain.ErrNotFound):
		return &OrderReply{Code: CodeNotFound, Message: "not found"}, nil
	case errors.Is(err, domain.ErrInvalidArgument):
		return nil, status.Error(codes.InvalidArgument, err.Error())
	default:
		return nil, status.Error(codes.Internal, "internal error")
	}
}

func reserveAndOrderHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ReserveRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OrderServiceServer).ReserveAndOrder(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: reserveAndOrderMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(OrderServiceServer).ReserveAndOrder(ctx, req.(*ReserveRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func releaseReservationHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ReleaseRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OrderServiceServer).ReleaseReservation(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: releaseReservationMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(OrderServiceServer).ReleaseReservation(ctx, req.(*ReleaseRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var orderServiceDesc = grpc.ServiceDesc{
	ServiceName: OrderServiceName,
	HandlerType: (*OrderServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ReserveAndOrder", Handler: reserveAndOrderHandler},
		{MethodName: "ReleaseReservation", Handler: releaseReservationHandler},
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterGRPC registers the order service and the standard health service
// on s. The returned health server reports SERVING until shutdown flips it.
func RegisterGRPC(s *grpc.Server, srv OrderServiceServer) *health.Server {
	s.RegisterService(&orderServiceDesc, srv)

	hs := health.NewServer()
	hs.SetServingStatus(OrderServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return hs
}

// OrderServiceClient calls checkout.v1.OrderService with the JSON codec.
type OrderServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewOrderServiceClient(cc grpc.ClientConnInterface) *OrderServiceClient {
	return &OrderServiceClient{cc: cc}
}

func (c *OrderServiceClient) ReserveAndOrder(ctx context.Context, req *ReserveRequest, opts ...grpc.CallOption) (*OrderReply, error) {
	out := new(OrderReply)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(jsonCodecName)}, opts...)
	if err := c.cc.Invoke(ctx, reserveAndOrderMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OrderServiceClient) ReleaseReservation(ctx context.Context, req *ReleaseRequest, opts ...grpc.CallOption) (*OrderReply, error) {
	out := new(OrderReply)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(jsonCodecName)}, opts...)
	if err := c.cc.Invoke(ctx, releaseReservationMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// UnaryLoggingInterceptor logs every call with its status code and latency.
func UnaryLoggingInterceptor(log zerolog.Logger) grpc.UnaryServerInterceptor {
	log = log.With().Str("component", "grpc").Logger()
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		ev := log.Debug()
		if code == codes.Unavailable || code == codes.Internal {
			ev = log.Error().Err(err)
		}
		ev.Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("latency", time.Since(start)).
			Msg("grpc call")
		return resp, err
	}
}
