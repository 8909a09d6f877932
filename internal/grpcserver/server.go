// Package grpcserver exposes the usage meter to the orchestration layer over grpc.
package grpcserver

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/metering"
	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// ServiceName is the fully qualified grpc service name.
	ServiceName = "tokenledger.v1.Meter"

	methodDebit   = "/" + ServiceName + "/Debit"
	methodBalance = "/" + ServiceName + "/Balance"

	errorInsufficientTokens = "insufficient_tokens"
	errorInvalidUserID      = "invalid_user_id"
	errorUnavailable        = "ledger_unavailable"
	errorTimeout            = "ledger_timeout"
	errorInternal           = "internal_error"
)

// DebitRequest debits Amount tokens from UserID for one unit of usage.
type DebitRequest struct {
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

// DebitResponse carries the balance after the debit.
type DebitResponse struct {
	TransactionID string `json:"transaction_id,omitempty"`
	Balance       int64  `json:"balance"`
	Unbilled      bool   `json:"unbilled,omitempty"`
}

// BalanceRequest asks for the balance of UserID.
type BalanceRequest struct {
	UserID string `json:"user_id"`
}

// BalanceResponse is the current balance.
type BalanceResponse struct {
	UserID       string `json:"user_id"`
	TokenBalance int64  `json:"token_balance"`
}

// MeterService is implemented by MeterServer and used as the service handler type.
type MeterService interface {
	Debit(ctx context.Context, request *DebitRequest) (*DebitResponse, error)
	Balance(ctx context.Context, request *BalanceRequest) (*BalanceResponse, error)
}

// UsageCharger debits metered usage.
type UsageCharger interface {
	Charge(ctx context.Context, request metering.Request) (metering.Result, error)
}

// BalanceReader reads balances.
type BalanceReader interface {
	Balance(ctx context.Context, userID ledger.UserID) (int64, error)
}

// MeterServer adapts the meter and ledger to grpc.
type MeterServer struct {
	meter  UsageCharger
	ledger BalanceReader
}

// NewMeterServer constructs the grpc handler.
func NewMeterServer(meter UsageCharger, balances BalanceReader) *MeterServer {
	return &MeterServer{meter: meter, ledger: balances}
}

func (server *MeterServer) Debit(ctx context.Context, request *DebitRequest) (*DebitResponse, error) {
	result, err := server.meter.Charge(ctx, metering.Request{
		UserID:      request.UserID,
		Amount:      request.Amount,
		Description: request.Description,
	})
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return &DebitResponse{TransactionID: result.TransactionID, Balance: result.Balance, Unbilled: result.Unbilled}, nil
}

func (server *MeterServer) Balance(ctx context.Context, request *BalanceRequest) (*BalanceResponse, error) {
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, errorInvalidUserID)
	}
	balance, err := server.ledger.Balance(ctx, userID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return &BalanceResponse{UserID: userID.String(), TokenBalance: balance}, nil
}

// ServiceDesc describes tokenledger.v1.Meter for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MeterService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Debit", Handler: debitHandler},
		{MethodName: "Balance", Handler: balanceHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tokenledger/v1/meter",
}

// NewServer builds a grpc.Server serving tokenledger.v1.Meter. Every call is logged, then
// authenticated, then limited per user.
func NewServer(cfg AuthConfig, meter UsageCharger, balances BalanceReader, limiter RateLimiter, logger *zap.Logger, options ...grpc.ServerOption) (*grpc.Server, error) {
	if meter == nil || balances == nil {
		return nil, errors.New("grpcserver: meter and balance reader are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	auth, err := AuthInterceptor(cfg, limiter, logger)
	if err != nil {
		return nil, err
	}
	limit, err := RateLimitInterceptor(limiter, logger)
	if err != nil {
		return nil, err
	}
	server := grpc.NewServer(append(options, grpc.ChainUnaryInterceptor(LoggingInterceptor(logger), auth, limit))...)
	RegisterMeterServer(server, NewMeterServer(meter, balances))
	return server, nil
}

// RegisterMeterServer registers service on registrar.
func RegisterMeterServer(registrar grpc.ServiceRegistrar, service MeterService) {
	registrar.RegisterService(&ServiceDesc, service)
}

func debitHandler(service any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	request := new(DebitRequest)
	if err := decode(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return service.(MeterService).Debit(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: service, FullMethod: methodDebit}
	return interceptor(ctx, request, info, func(ctx context.Context, request any) (any, error) {
		return service.(MeterService).Debit(ctx, request.(*DebitRequest))
	})
}

func balanceHandler(service any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	request := new(BalanceRequest)
	if err := decode(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return service.(MeterService).Balance(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: service, FullMethod: methodBalance}
	return interceptor(ctx, request, info, func(ctx context.Context, request any) (any, error) {
		return service.(MeterService).Balance(ctx, request.(*BalanceRequest))
	})
}

// LoggingInterceptor logs every call with its grpc code and latency.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		started := time.Now()
		response, err := handler(ctx, request)
		code := status.Code(err)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("elapsed", time.Since(started)),
		}
		switch code {
		case codes.OK, codes.InvalidArgument, codes.FailedPrecondition, codes.Unauthenticated, codes.PermissionDenied, codes.ResourceExhausted:
			logger.Debug("grpc call", fields...)
		default:
			logger.Error("grpc call failed", append(fields, zap.Error(err))...)
		}
		return response, err
	}
}

// MeterClient calls tokenledger.v1.Meter with the JSON codec.
type MeterClient struct {
	conn grpc.ClientConnInterface
}

// NewMeterClient wraps conn.
func NewMeterClient(conn grpc.ClientConnInterface) *MeterClient {
	return &MeterClient{conn: conn}
}

func (client *MeterClient) Debit(ctx context.Context, request *DebitRequest, options ...grpc.CallOption) (*DebitResponse, error) {
	response := new(DebitResponse)
	if err := client.conn.Invoke(ctx, methodDebit, request, response, append(options, grpc.CallContentSubtype(CodecName))...); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *MeterClient) Balance(ctx context.Context, request *BalanceRequest, options ...grpc.CallOption) (*BalanceResponse, error) {
	response := new(BalanceResponse)
	if err := client.conn.Invoke(ctx, methodBalance, request, response, append(options, grpc.CallContentSubtype(CodecName))...); err != nil {
		return nil, err
	}
	return response, nil
}

func mapToGRPCError(source error) error {
	if errors.Is(source, metering.ErrInvalidRequest) {
		return status.Error(codes.InvalidArgument, source.Error())
	}
	if errors.Is(source, ledger.ErrInsufficientBalance) {
		return status.Error(codes.FailedPrecondition, errorInsufficientTokens)
	}
	if ledger.IsValidationError(source) {
		return status.Error(codes.InvalidArgument, source.Error())
	}
	if ledger.IsTimeout(source) {
		return status.Error(codes.DeadlineExceeded, errorTimeout)
	}
	if ledger.IsPersistenceError(source) {
		return status.Error(codes.Unavailable, errorUnavailable)
	}
	return status.Error(codes.Internal, errorInternal)
}
