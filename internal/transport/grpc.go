package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"Distributed-Consensus/internal/raft"
)

// DefaultRPCTimeout bounds a single peer RPC.
const DefaultRPCTimeout = 100 * time.Millisecond

var errTransportClosed = errors.New("transport closed")

// Receiver gets the replies to RPCs sent through a GRPCTransport.
// *raft.Node implements it.
type Receiver interface {
	ReceiveVoteResponse(from raft.NodeID, reply raft.RequestVoteReply)
	ReceiveAppendResponse(from raft.NodeID, reply raft.AppendEntriesReply)
}

// GRPCTransport implements raft.Transport over gRPC. Each send runs on its
// own goroutine and its reply is handed to the attached Receiver; failures
// are logged and dropped, and the next heartbeat or election retries.
type GRPCTransport struct {
	mu       sync.Mutex
	peers    map[raft.NodeID]string
	conns    map[raft.NodeID]*grpc.ClientConn
	receiver Receiver
	closed   bool

	timeout  time.Duration
	dialOpts []grpc.DialOption
	logger   logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ raft.Transport = (*GRPCTransport)(nil)

// TransportOption customises a GRPCTransport.
type TransportOption func(*GRPCTransport)

func WithRPCTimeout(d time.Duration) TransportOption {
	return func(t *GRPCTransport) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithDialOptions adds options used when connecting to peers, after the
// defaults (insecure credentials and the raftwire codec).
func WithDialOptions(opts ...grpc.DialOption) TransportOption {
	return func(t *GRPCTransport) {
		t.dialOpts = append(t.dialOpts, opts...)
	}
}

func WithTransportLogger(l logrus.FieldLogger) TransportOption {
	return func(t *GRPCTransport) {
		t.logger = l
	}
}

// NewGRPCTransport returns a transport for the given peer addresses.
// Connections are made on first use.
func NewGRPCTransport(peers map[raft.NodeID]string, opts ...TransportOption) *GRPCTransport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &GRPCTransport{
		peers:   make(map[raft.NodeID]string, len(peers)),
		conns:   make(map[raft.NodeID]*grpc.ClientConn),
		timeout: DefaultRPCTimeout,
		logger:  logrus.StandardLogger(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for id, addr := range peers {
		t.peers[id] = addr
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.WithField("component", "transport")
	return t
}

// Attach sets where replies go. Replies that arrive before Attach are
// dropped.
func (t *GRPCTransport) Attach(r Receiver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receiver = r
}

func (t *GRPCTransport) SendRequestVote(to raft.NodeID, args raft.RequestVoteArgs) {
	resp := new(voteResponse)
	t.send(to, "RequestVote", toVoteRequest(args), resp, func(r Receiver) {
		r.ReceiveVoteResponse(to, resp.reply())
	})
}

func (t *GRPCTransport) SendAppendEntries(to raft.NodeID, args raft.AppendEntriesArgs) {
	resp := new(appendResponse)
	t.send(to, "AppendEntries", toAppendRequest(args), resp, func(r Receiver) {
		r.ReceiveAppendResponse(to, resp.reply())
	})
}

func (t *GRPCTransport) send(to raft.NodeID, method string, req, resp wireMessage, deliver func(Receiver)) {
	conn, err := t.acquire(to)
	if err != nil {
		t.logger.WithError(err).WithField("peer", to).Debug("Dropping RPC")
		return
	}

	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(t.ctx, t.timeout)
		defer cancel()

		if err := conn.Invoke(ctx, fullMethod(method), req, resp); err != nil {
			t.logger.WithError(err).WithFields(logrus.Fields{
				"peer":   to,
				"method": method,
			}).Debug("RPC failed")
			return
		}

		t.mu.Lock()
		r := t.receiver
		t.mu.Unlock()
		if r != nil {
			deliver(r)
		}
	}()
}

// acquire returns the connection to peer and registers an in-flight RPC
// that the caller must finish with wg.Done.
func (t *GRPCTransport) acquire(peer raft.NodeID) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errTransportClosed
	}

	conn, ok := t.conns[peer]
	if !ok {
		addr, known := t.peers[peer]
		if !known {
			return nil, fmt.Errorf("unknown peer %s", peer)
		}
		opts := append([]grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			callOptions(),
		}, t.dialOpts...)
		var err error
		if conn, err = grpc.NewClient(addr, opts...); err != nil {
			return nil, fmt.Errorf("failed to create client for %s: %w", addr, err)
		}
		t.conns[peer] = conn
	}
	t.wg.Add(1)
	return conn, nil
}

// Close cancels in-flight RPCs, waits for them to return and closes every
// connection.
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	for id, conn := range t.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection to %s: %w", id, err))
		}
	}
	t.conns = nil
	return errors.Join(errs...)
}
