package grpcserver

import (
	"context"
	"errors"
	"net"
	"strconv"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	serviceName = "creditmeter.v1.CreditService"

	methodConsume     = "/" + serviceName + "/Consume"
	methodGetBalance  = "/" + serviceName + "/GetBalance"
	methodGrant       = "/" + serviceName + "/Grant"
	methodListEntries = "/" + serviceName + "/ListEntries"

	errorInsufficientCredits     = "insufficient_credits"
	errorFeatureNotConfigured    = "feature_not_configured"
	errorFeatureInactive         = "feature_inactive"
	errorUnknownAccount          = "unknown_account"
	errorDuplicateIdempotencyKey = "duplicate_idempotency_key"
	errorInvalidUserID           = "invalid_user_id"
	errorInvalidFeatureID        = "invalid_feature_id"
	errorInvalidIdempotencyKey   = "invalid_idempotency_key"
	errorInvalidAmount           = "invalid_amount"

	// TrailerCreditsNeeded and TrailerCreditsAvailable accompany insufficient_credits.
	TrailerCreditsNeeded    = "credits-needed"
	TrailerCreditsAvailable = "credits-available"
)

// LedgerService is the ledger surface exposed to internal feature services.
type LedgerService interface {
	Balance(ctx context.Context, accountID ledger.AccountID) (ledger.Credits, error)
	Consume(ctx context.Context, accountID ledger.AccountID, featureID ledger.FeatureID, description string) (ledger.ConsumeResult, error)
	Grant(ctx context.Context, accountID ledger.AccountID, amount ledger.PositiveCredits, reason string, idempotencyKey ledger.IdempotencyKey) (ledger.Credits, error)
	History(ctx context.Context, accountID ledger.AccountID, page int, limit int) (ledger.HistoryPage, error)
}

// CreditServiceServer is the server API for the credit service.
type CreditServiceServer interface {
	Consume(ctx context.Context, request *ConsumeRequest) (*ConsumeResponse, error)
	GetBalance(ctx context.Context, request *BalanceRequest) (*BalanceResponse, error)
	Grant(ctx context.Context, request *GrantRequest) (*GrantResponse, error)
	ListEntries(ctx context.Context, request *ListEntriesRequest) (*ListEntriesResponse, error)
}

// Server exposes the credit ledger over gRPC.
type Server struct {
	ledgerService LedgerService
}

// NewServer constructs a gRPC server for the ledger service.
func NewServer(ledgerService LedgerService) *Server {
	return &Server{ledgerService: ledgerService}
}

func (server *Server) Consume(ctx context.Context, request *ConsumeRequest) (*ConsumeResponse, error) {
	accountID, err := ledger.NewAccountID(request.UserID)
	if err != nil {
		return nil, mapToGRPCError(ctx, err)
	}
	featureID, err := ledger.NewFeatureID(request.FeatureID)
	if err != nil {
		return nil, mapToGRPCError(ctx, err)
	}
	result, err := server.ledgerService.Consume(ctx, accountID, featureID, request.Description)
	if err != nil {
		return nil, mapToGRPCError(ctx, err)
	}
	return &ConsumeResponse{
		RemainingCredits: result.Remaining.Int64(),
		Consumed:         result.Consumed.Int64(),
		FeatureName:      result.FeatureName,
	}, nil
}

func (server *Server) GetBalance(ctx context.Context, request *BalanceRequest) (*BalanceResponse, error) {
	accountID, err := ledger.NewAccountID(request.UserID)
	if err != nil {
		return nil, mapToGRPCError(ctx, err)
	}
	balance, err := server.ledgerService.Balance(ctx, accountID)
	if err != nil {
		return nil, mapToGRPCError(ctx, err)
	}
	return &BalanceResponse{Credits: balance.Int64()}, nil
}

func (server *Server) Grant(ctx context.Context, request *GrantRequest) (*GrantResponse, error) {
	accountID, err := ledger.NewAccountID(request.UserID)
	if err != nil {
		return nil, mapToGRPCError(ctx, err)
	}
	amount, err := ledger.NewPositiveCredits(request.Amount)
	if err != nil {
		return nil, mapToGRPCError(ctx, err)
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		return nil, mapToGRPCError(ctx, err)
	}
	balance, err := server.ledgerService.Grant(ctx, accountID, amount, request.Reason, idempotencyKey)
	if err != nil {
		return nil, mapToGRPCError(ctx, err)
	}
	return &GrantResponse{Credits: balance.Int64()}, nil
}

func (server *Server) ListEntries(ctx context.Context, request *ListEntriesRequest) (*ListEntriesResponse, error) {
	accountID, err := ledger.NewAccountID(request.UserID)
	if err != nil {
		return nil, mapToGRPCError(ctx, err)
	}
	history, err := server.ledgerService.History(ctx, accountID, int(request.Page), int(request.Limit))
	if err != nil {
		return nil, mapToGRPCError(ctx, err)
	}
	entries := make([]Entry, 0, len(history.Entries))
	for _, entry := range history.Entries {
		entries = append(entries, Entry{
			EntryID:        entry.EntryID,
			Kind:           entry.Kind.String(),
			Amount:         entry.Amount.Int64(),
			FeatureID:      entry.FeatureID.String(),
			Description:    entry.Description,
			IdempotencyKey: entry.IdempotencyKey.String(),
			CreatedUnixUTC: entry.CreatedAt.UTC().Unix(),
		})
	}
	return &ListEntriesResponse{
		Entries: entries,
		Page:    int32(history.Page),
		Limit:   int32(history.Limit),
		Total:   history.Total,
	}, nil
}

// ServiceDesc describes the credit service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*CreditServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Consume", Handler: consumeHandler},
		{MethodName: "GetBalance", Handler: getBalanceHandler},
		{MethodName: "Grant", Handler: grantHandler},
		{MethodName: "ListEntries", Handler: listEntriesHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "creditmeter/v1/credit.json",
}

// RegisterCreditServiceServer registers implementation with registrar.
func RegisterCreditServiceServer(registrar grpc.ServiceRegistrar, implementation CreditServiceServer) {
	registrar.RegisterService(&ServiceDesc, implementation)
}

func consumeHandler(implementation any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	request := new(ConsumeRequest)
	if err := decode(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return implementation.(CreditServiceServer).Consume(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: implementation, FullMethod: methodConsume}
	handler := func(ctx context.Context, request any) (any, error) {
		return implementation.(CreditServiceServer).Consume(ctx, request.(*ConsumeRequest))
	}
	return interceptor(ctx, request, info, handler)
}

func getBalanceHandler(implementation any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	request := new(BalanceRequest)
	if err := decode(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return implementation.(CreditServiceServer).GetBalance(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: implementation, FullMethod: methodGetBalance}
	handler := func(ctx context.Context, request any) (any, error) {
		return implementation.(CreditServiceServer).GetBalance(ctx, request.(*BalanceRequest))
	}
	return interceptor(ctx, request, info, handler)
}

func grantHandler(implementation any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	request := new(GrantRequest)
	if err := decode(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return implementation.(CreditServiceServer).Grant(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: implementation, FullMethod: methodGrant}
	handler := func(ctx context.Context, request any) (any, error) {
		return implementation.(CreditServiceServer).Grant(ctx, request.(*GrantRequest))
	}
	return interceptor(ctx, request, info, handler)
}

func listEntriesHandler(implementation any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	request := new(ListEntriesRequest)
	if err := decode(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return implementation.(CreditServiceServer).ListEntries(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: implementation, FullMethod: methodListEntries}
	handler := func(ctx context.Context, request any) (any, error) {
		return implementation.(CreditServiceServer).ListEntries(ctx, request.(*ListEntriesRequest))
	}
	return interceptor(ctx, request, info, handler)
}

// LoggingInterceptor logs failed calls that are not client errors.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		response, err := handler(ctx, request)
		if err != nil && status.Code(err) == codes.Internal {
			logger.Error("grpc call failed", zap.String("method", info.FullMethod), zap.Error(err))
		}
		return response, err
	}
}

// Serve runs grpcServer on listener until ctx is cancelled.
func Serve(ctx context.Context, grpcServer *grpc.Server, listener net.Listener, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server starting", zap.String("listen_addr", listener.Addr().String()))
		errCh <- grpcServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		grpcServer.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}

func mapToGRPCError(ctx context.Context, source error) error {
	var insufficient ledger.InsufficientCreditsError
	if errors.As(source, &insufficient) {
		_ = grpc.SetTrailer(ctx, metadata.Pairs(
			TrailerCreditsNeeded, strconv.FormatInt(insufficient.Required.Int64(), 10),
			TrailerCreditsAvailable, strconv.FormatInt(insufficient.Available.Int64(), 10),
		))
		return status.Error(codes.FailedPrecondition, errorInsufficientCredits)
	}
	if errors.Is(source, ledger.ErrInvalidAccountID) {
		return status.Error(codes.InvalidArgument, errorInvalidUserID)
	}
	if errors.Is(source, ledger.ErrInvalidFeatureID) {
		return status.Error(codes.InvalidArgument, errorInvalidFeatureID)
	}
	if errors.Is(source, ledger.ErrInvalidIdempotencyKey) {
		return status.Error(codes.InvalidArgument, errorInvalidIdempotencyKey)
	}
	if errors.Is(source, ledger.ErrInvalidAmount) {
		return status.Error(codes.InvalidArgument, errorInvalidAmount)
	}
	if errors.Is(source, ledger.ErrFeatureNotConfigured) {
		return status.Error(codes.NotFound, errorFeatureNotConfigured)
	}
	if errors.Is(source, ledger.ErrUnknownAccount) {
		return status.Error(codes.NotFound, errorUnknownAccount)
	}
	if errors.Is(source, ledger.ErrFeatureInactive) {
		return status.Error(codes.FailedPrecondition, errorFeatureInactive)
	}
	if errors.Is(source, ledger.ErrDuplicateIdempotencyKey) {
		return status.Error(codes.AlreadyExists, errorDuplicateIdempotencyKey)
	}
	if errors.Is(source, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, source.Error())
	}
	return status.Error(codes.Internal, source.Error())
}
