package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"Distributed-Consensus/internal/config"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	nodeID := flag.String("id", "", "Node ID (a random one is generated for a peerless node if empty)")
	raftAddr := flag.String("raft-addr", "", "Address for peer and client gRPC traffic")
	httpAddr := flag.String("http-addr", "", "Address for the HTTP API (empty string disables it)")
	dataDir := flag.String("data-dir", "", "Directory for the hard state and WAL")
	peerList := flag.String("peers", "", "Comma-separated peers in format 'id=address'")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	logJSON := flag.Bool("log-json", false, "Log as JSON")
	flag.Parse()

	logger := logrus.New()
	if *logJSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load config")
	}

	// Flags given on the command line win over the file.
	var flagErr error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "id":
			cfg.ID = *nodeID
		case "raft-addr":
			cfg.RaftAddr = *raftAddr
		case "http-addr":
			cfg.HTTPAddr = *httpAddr
		case "data-dir":
			cfg.DataDir = *dataDir
		case "log-level":
			cfg.LogLevel = *logLevel
		case "peers":
			peers, err := config.ParsePeers(*peerList)
			if err != nil {
				flagErr = err
				return
			}
			cfg.Peers = peers
		}
	})
	if flagErr != nil {
		logger.WithError(flagErr).Fatal("Invalid -peers")
	}
	if cfg.ID == "" && len(cfg.Peers) == 0 {
		cfg.ID = config.GenerateID()
		logger.WithField("id", cfg.ID).Warn("No node id configured, generated one")
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}
	level, _ := logrus.ParseLevel(cfg.LogLevel)
	logger.SetLevel(level)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("Server exited with error")
	}
	logger.Info("Server stopped")
}

func run(cfg config.Config, logger *logrus.Logger) error {
	raftLis, err := net.Listen("tcp", cfg.RaftAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.RaftAddr, err)
	}
	var httpLis net.Listener
	if cfg.HTTPAddr != "" {
		httpLis, err = net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			raftLis.Close()
			return fmt.Errorf("failed to listen on %s: %w", cfg.HTTPAddr, err)
		}
	}

	srv, err := NewServer(cfg, logger, raftLis, httpLis)
	if err != nil {
		raftLis.Close()
		if httpLis != nil {
			httpLis.Close()
		}
		return err
	}
	srv.start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.WithField("signal", sig.String()).Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.shutdown(ctx)
}
