package transport

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"Distributed-Consensus/internal/raft"
)

// SubmitResult is the outcome of Client.Submit.
type SubmitResult struct {
	Accepted bool
	Index    uint64
	Term     uint64
	// Leader is the leader the contacted node knows of, if any.
	Leader raft.NodeID
}

// Client talks to one node's consensus.Raft service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for addr. Extra options are applied after the
// defaults.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		callOptions(),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Submit(ctx context.Context, command []byte) (SubmitResult, error) {
	resp := new(submitResponse)
	if err := c.conn.Invoke(ctx, fullMethod("Submit"), &submitRequest{Command: command}, resp); err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{
		Accepted: resp.Accepted,
		Index:    resp.Index,
		Term:     resp.Term,
		Leader:   raft.NodeID(resp.Leader),
	}, nil
}

func (c *Client) Status(ctx context.Context) (raft.Status, error) {
	resp := new(statusResponse)
	if err := c.conn.Invoke(ctx, fullMethod("Status"), &statusRequest{}, resp); err != nil {
		return raft.Status{}, err
	}
	return resp.status(), nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
