package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"secure-comm/go-backend/internal/adapters/rpc"
	"secure-comm/go-backend/internal/config"
	"secure-comm/go-backend/internal/keyserver"
	"secure-comm/go-backend/internal/platform/metrics"
	"secure-comm/go-backend/internal/platform/privacylog"
	"secure-comm/go-backend/internal/transport"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to securecomm.yaml (optional)")
	rpcAddr := flag.String("rpc-addr", "", "JSON-RPC listen address (overrides config)")
	rpcToken := flag.String("rpc-token", "", "RPC token for Authorization/X-SecureComm-Token (optional)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("securecomm-keyserver version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	cfg, err := config.LoadFromPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "securecomm-keyserver: %v\n", err)
		os.Exit(1)
	}
	if *rpcAddr != "" {
		cfg.RPC.Addr = *rpcAddr
	}
	if *rpcToken != "" {
		cfg.RPC.Token = *rpcToken
	}

	logger := privacylog.NewLogger(os.Stderr, privacylog.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	m := metrics.New()
	mem := keyserver.New(keyserver.Options{
		PairingTTL:        cfg.Pairing.TTL,
		PairingInitLimit:  cfg.Pairing.InitLimit,
		PairingInitWindow: cfg.Pairing.InitWindow,
		Logger:            logger,
		Metrics:           m,
	})
	srv, err := rpc.NewServer(rpc.ServerOptions{
		Addr:         cfg.RPC.Addr,
		Token:        cfg.RPC.Token,
		RequireToken: cfg.RPC.RequireToken,
		RPS:          cfg.RPC.RPS,
		Burst:        cfg.RPC.Burst,
		Logger:       logger,
		Metrics:      m,
	}, func(user string) transport.Server { return mem.User(user) })
	if err != nil {
		logger.Error("keyserver failed to initialize", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("keyserver starting", "version", version)
	if err := srv.Run(ctx); err != nil {
		logger.Error("keyserver failed", "error", err)
		os.Exit(1)
	}
	logger.Info("keyserver stopped")
}
