package grpcserver

import (
	"context"

	"google.golang.org/grpc"
)

// Client calls the credit service with the JSON codec.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (client *Client) Consume(ctx context.Context, request *ConsumeRequest, options ...grpc.CallOption) (*ConsumeResponse, error) {
	response := new(ConsumeResponse)
	if err := client.conn.Invoke(ctx, methodConsume, request, response, withCodec(options)...); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *Client) GetBalance(ctx context.Context, request *BalanceRequest, options ...grpc.CallOption) (*BalanceResponse, error) {
	response := new(BalanceResponse)
	if err := client.conn.Invoke(ctx, methodGetBalance, request, response, withCodec(options)...); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *Client) Grant(ctx context.Context, request *GrantRequest, options ...grpc.CallOption) (*GrantResponse, error) {
	response := new(GrantResponse)
	if err := client.conn.Invoke(ctx, methodGrant, request, response, withCodec(options)...); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *Client) ListEntries(ctx context.Context, request *ListEntriesRequest, options ...grpc.CallOption) (*ListEntriesResponse, error) {
	response := new(ListEntriesResponse)
	if err := client.conn.Invoke(ctx, methodListEntries, request, response, withCodec(options)...); err != nil {
		return nil, err
	}
	return response, nil
}

func withCodec(options []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, options...)
}
