package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"Distributed-Consensus/internal/config"
	"Distributed-Consensus/pkg/client-cli/kvclient"
)

func main() {
	servers := flag.String("servers", "n1=localhost:7001,n2=localhost:7002,n3=localhost:7003",
		"Comma-separated cluster members in format 'id=address'")
	timeout := flag.Duration("timeout", 5*time.Second, "Per-request timeout")
	retries := flag.Int("retries", 5, "Attempts per command, following leader redirects")
	noColor := flag.Bool("no-color", false, "Disable colored output")
	flag.Parse()

	if *noColor {
		color.NoColor = true
	}

	members, err := config.ParsePeers(*servers)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid -servers")
	}
	client, err := kvclient.NewClient(kvclient.ClientConfig{
		Servers:       members,
		Timeout:       *timeout,
		RetryAttempts: *retries,
	})
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize client")
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	kvclient.NewCLI(client, os.Stdin, color.Output).Run(ctx)
}
