package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"Distributed-Consensus/internal/config"
	"Distributed-Consensus/internal/httpapi"
	"Distributed-Consensus/internal/raft"
	"Distributed-Consensus/internal/storage"
	"Distributed-Consensus/internal/store"
	"Distributed-Consensus/internal/transport"
)

const applyBuffer = 256

// server is one cluster member: the raft node with its storage and
// transport, the KV state machine it feeds, and the gRPC and HTTP listeners.
type server struct {
	cfg    config.Config
	logger logrus.FieldLogger

	storage   *storage.FileStorage
	transport *transport.GRPCTransport
	node      *raft.Node
	kv        *store.KVStore
	runner    *raft.Runner

	grpcServer *grpc.Server
	httpServer *http.Server
	raftLis    net.Listener
	httpLis    net.Listener

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	errs   []error
}

// NewServer recovers the node's state from cfg.DataDir and wires it to the
// given listeners. Nothing runs until start. httpLis may be nil.
func NewServer(cfg config.Config, logger logrus.FieldLogger, raftLis, httpLis net.Listener) (*server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger = logger.WithField("node", cfg.ID)

	fs, err := storage.Open(cfg.DataDir, logger)
	if err != nil {
		return nil, err
	}
	tr := transport.NewGRPCTransport(cfg.PeerAddrs(),
		transport.WithRPCTimeout(cfg.RPCTimeout),
		transport.WithTransportLogger(logger),
	)
	node, err := raft.NewNode(cfg.Raft(), tr, fs, raft.WithLogger(logger))
	if err != nil {
		tr.Close()
		fs.Close()
		return nil, fmt.Errorf("failed to create node: %w", err)
	}
	tr.Attach(node)

	s := &server{
		cfg:       cfg,
		logger:    logger,
		storage:   fs,
		transport: tr,
		node:      node,
		kv:        store.NewKVStore(),
		runner:    raft.NewRunner(node, applyBuffer, raft.WithTickInterval(cfg.TickInterval)),
		raftLis:   raftLis,
		httpLis:   httpLis,
	}

	s.grpcServer = grpc.NewServer(transport.ServerOptions()...)
	transport.NewServer(node, logger).Register(s.grpcServer)
	if httpLis != nil {
		api := httpapi.New(node, s.kv, httpapi.WithWAL(fs), httpapi.WithLogger(logger))
		s.httpServer = &http.Server{
			Handler:           api.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return s, nil
}

func (s *server) start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.goServe("grpc", func() error {
		return s.grpcServer.Serve(s.raftLis)
	})
	if s.httpServer != nil {
		s.goServe("http", func() error {
			if err := s.httpServer.Serve(s.httpLis); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	s.goServe("runner", func() error {
		if err := s.runner.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.applyLoop()
	}()

	s.logger.WithFields(logrus.Fields{
		"raft_addr": s.raftLis.Addr().String(),
		"peers":     len(s.cfg.Peers),
	}).Info("Node started")
}

func (s *server) goServe(name string, fn func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(); err != nil {
			s.logger.WithError(err).WithField("component", name).Error("Serve failed")
			s.mu.Lock()
			s.errs = append(s.errs, fmt.Errorf("%s: %w", name, err))
			s.mu.Unlock()
		}
	}()
}

// applyLoop feeds committed entries to the KV store until the runner closes
// the apply channel.
func (s *server) applyLoop() {
	for msg := range s.runner.Apply() {
		res, err := s.kv.Apply(msg.Index, msg.Command)
		if err != nil {
			s.logger.WithError(err).WithField("index", msg.Index).Warn("Skipping unappliable entry")
			continue
		}
		if res.Duplicate {
			s.logger.WithFields(logrus.Fields{
				"index": msg.Index,
				"id":    res.Command.ID,
			}).Debug("Ignored duplicate command")
		}
	}
}

// shutdown stops serving and waits for background work, then closes storage.
func (s *server) shutdown(ctx context.Context) error {
	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if err := s.transport.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.storage.Close(); err != nil {
		errs = append(errs, err)
	}
	s.mu.Lock()
	errs = append(errs, s.errs...)
	s.mu.Unlock()
	return errors.Join(errs...)
}
