package grpcserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/creditmeter/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const bufconnSize = 1 << 20

func startClient(test *testing.T) (*Client, *ledger.Registry) {
	test.Helper()
	database := memstore.New()
	registry, err := ledger.NewRegistry(database.Registry())
	if err != nil {
		test.Fatalf("registry: %v", err)
	}
	ledgerService, err := ledger.NewService(database.Ledger(), registry, func() time.Time { return time.Now().UTC() })
	if err != nil {
		test.Fatalf("ledger service: %v", err)
	}

	listener := bufconn.Listen(bufconnSize)
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(LoggingInterceptor(zap.NewNop())))
	RegisterCreditServiceServer(grpcServer, NewServer(ledgerService))
	go func() {
		_ = grpcServer.Serve(listener)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		test.Fatalf("dial: %v", err)
	}
	test.Cleanup(func() {
		_ = conn.Close()
		grpcServer.Stop()
	})
	return NewClient(conn), registry
}

func TestConsumeOverGRPC(test *testing.T) {
	test.Parallel()
	client, registry := startClient(test)
	ctx := context.Background()
	featureID, err := ledger.NewFeatureID("summary")
	if err != nil {
		test.Fatalf("feature id: %v", err)
	}
	if _, err := registry.Upsert(ctx, featureID, "Summary", 15, true); err != nil {
		test.Fatalf("upsert: %v", err)
	}

	granted, err := client.Grant(ctx, &GrantRequest{UserID: "svc-user", Amount: 40, Reason: "seed", IdempotencyKey: "seed:svc-user"})
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	if granted.Credits != 40 {
		test.Fatalf("expected 40 credits, got %d", granted.Credits)
	}
	if _, err := client.Grant(ctx, &GrantRequest{UserID: "svc-user", Amount: 40, IdempotencyKey: "seed:svc-user"}); status.Code(err) != codes.AlreadyExists {
		test.Fatalf("expected AlreadyExists, got %v", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		if _, err := client.Consume(ctx, &ConsumeRequest{UserID: "svc-user", FeatureID: "summary"}); err != nil {
			test.Fatalf("consume %d: %v", attempt, err)
		}
	}
	var trailer metadata.MD
	_, err = client.Consume(ctx, &ConsumeRequest{UserID: "svc-user", FeatureID: "summary"}, grpc.Trailer(&trailer))
	statusInfo, _ := status.FromError(err)
	if statusInfo.Code() != codes.FailedPrecondition || statusInfo.Message() != errorInsufficientCredits {
		test.Fatalf("expected insufficient credits, got %v", err)
	}
	if needed := trailer.Get(TrailerCreditsNeeded); len(needed) != 1 || needed[0] != "15" {
		test.Fatalf("unexpected credits-needed trailer: %v", trailer)
	}
	if available := trailer.Get(TrailerCreditsAvailable); len(available) != 1 || available[0] != "10" {
		test.Fatalf("unexpected credits-available trailer: %v", trailer)
	}

	balance, err := client.GetBalance(ctx, &BalanceRequest{UserID: "svc-user"})
	if err != nil || balance.Credits != 10 {
		test.Fatalf("expected balance 10, got %+v (%v)", balance, err)
	}
	entries, err := client.ListEntries(ctx, &ListEntriesRequest{UserID: "svc-user", Page: 1, Limit: 2})
	if err != nil {
		test.Fatalf("list entries: %v", err)
	}
	if entries.Total != 3 || len(entries.Entries) != 2 || entries.Entries[0].Kind != ledger.EntryUse.String() {
		test.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestErrorMapping(test *testing.T) {
	test.Parallel()
	client, registry := startClient(test)
	ctx := context.Background()
	featureID, err := ledger.NewFeatureID("paused")
	if err != nil {
		test.Fatalf("feature id: %v", err)
	}
	if _, err := registry.Upsert(ctx, featureID, "Paused", 5, false); err != nil {
		test.Fatalf("upsert: %v", err)
	}

	testCases := []struct {
		name string
		call func() error
		code codes.Code
	}{
		{name: "empty user", call: func() error {
			_, err := client.GetBalance(ctx, &BalanceRequest{})
			return err
		}, code: codes.InvalidArgument},
		{name: "unknown feature", call: func() error {
			_, err := client.Consume(ctx, &ConsumeRequest{UserID: "u", FeatureID: "missing"})
			return err
		}, code: codes.NotFound},
		{name: "inactive feature", call: func() error {
			_, err := client.Consume(ctx, &ConsumeRequest{UserID: "u", FeatureID: "paused"})
			return err
		}, code: codes.FailedPrecondition},
		{name: "zero grant", call: func() error {
			_, err := client.Grant(ctx, &GrantRequest{UserID: "u", Amount: 0, IdempotencyKey: "k"})
			return err
		}, code: codes.InvalidArgument},
		{name: "grant without key", call: func() error {
			_, err := client.Grant(ctx, &GrantRequest{UserID: "u", Amount: 5})
			return err
		}, code: codes.InvalidArgument},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			if code := status.Code(testCase.call()); code != testCase.code {
				test.Fatalf("expected %s, got %s", testCase.code, code)
			}
		})
	}
}
