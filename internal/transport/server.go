package transport

import (
	"context"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"Distributed-Consensus/internal/raft"
)

// MaxCommandSize is the largest command Submit accepts.
const MaxCommandSize = 1024 * 1024

// MaxMessageSize is the largest gRPC message either side of the service
// sends or accepts. It leaves room for a full AppendEntries batch
// (raft.DefaultMaxAppendBytes) plus one oversized command.
const MaxMessageSize = 8 * 1024 * 1024

// ServerOptions returns the options a grpc.Server hosting the service needs.
func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.MaxRecvMsgSize(MaxMessageSize),
		grpc.MaxSendMsgSize(MaxMessageSize),
	}
}

// callOptions are the defaults every client connection to the service uses.
func callOptions() grpc.DialOption {
	return grpc.WithDefaultCallOptions(
		grpc.CallContentSubtype(codecName),
		grpc.MaxCallSendMsgSize(MaxMessageSize),
		grpc.MaxCallRecvMsgSize(MaxMessageSize),
	)
}

// Handler is the node behind the service. *raft.Node implements it.
type Handler interface {
	RequestVote(args raft.RequestVoteArgs) raft.RequestVoteReply
	AppendEntries(args raft.AppendEntriesArgs) raft.AppendEntriesReply
	AppendCommand(command []byte) (index, term uint64, ok bool)
	Status() raft.Status
}

// Server exposes a Handler as the consensus.Raft gRPC service.
type Server struct {
	handler Handler
	logger  logrus.FieldLogger
}

func NewServer(h Handler, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{handler: h, logger: logger.WithField("component", "transport")}
}

// Register adds the service to g.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, &service{s})
}

type service struct {
	*Server
}

func (s *service) RequestVote(ctx context.Context, req *voteRequest) (*voteResponse, error) {
	reply := s.handler.RequestVote(req.args())
	return &voteResponse{Term: reply.Term, VoteGranted: reply.VoteGranted}, nil
}

func (s *service) AppendEntries(ctx context.Context, req *appendRequest) (*appendResponse, error) {
	reply := s.handler.AppendEntries(req.args())
	return &appendResponse{
		Term:          reply.Term,
		Success:       reply.Success,
		MatchIndex:    reply.MatchIndex,
		ConflictIndex: reply.ConflictIndex,
		ConflictTerm:  reply.ConflictTerm,
	}, nil
}

// Submit appends a client command on the leader. A follower answers with
// Accepted=false and the leader it knows of, so the client can retry there.
func (s *service) Submit(ctx context.Context, req *submitRequest) (*submitResponse, error) {
	if len(req.Command) == 0 {
		return nil, status.Error(codes.InvalidArgument, "command must not be empty")
	}
	if len(req.Command) > MaxCommandSize {
		return nil, status.Errorf(codes.InvalidArgument, "command is %d bytes, limit is %d", len(req.Command), MaxCommandSize)
	}

	index, term, ok := s.handler.AppendCommand(req.Command)
	if !ok {
		st := s.handler.Status()
		s.logger.WithField("leader", st.Leader).Debug("Rejected submit on non-leader")
		return &submitResponse{Leader: string(st.Leader), Term: st.Term}, nil
	}
	return &submitResponse{Accepted: true, Index: index, Term: term, Leader: string(s.handler.Status().Leader)}, nil
}

func (s *service) Status(ctx context.Context, req *statusRequest) (*statusResponse, error) {
	return toStatusResponse(s.handler.Status()), nil
}
