package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	grpcserver "github.com/therealutkarshpriyadarshi/kmedoids/pkg/api/grpc"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/auth"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/config"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/observability"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

func main() {
	var (
		showVersion = flag.Bool("version", false, "show version and exit")
		configFile  = flag.String("config", "", "path to YAML configuration file (optional)")
		host        = flag.String("host", "", "listen host (overrides config/env)")
		port        = flag.Int("port", 0, "listen port (overrides config/env)")
		worldSize   = flag.Int("world-size", 0, "number of ranks in the job (overrides config/env)")
		jobID       = flag.String("job-id", "", "job id every rank must present (default: random)")
		issueTokens = flag.Duration("issue-tokens", 0, "print rank and operator tokens valid for this long, then exit")
	)
	flag.Usage = showUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("kmedoids coordinator v%s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *host != "" {
		cfg.Collective.Host = *host
	}
	if *port > 0 {
		cfg.Collective.Port = *port
	}
	if *worldSize > 0 {
		cfg.Collective.WorldSize = *worldSize
	}
	if *jobID != "" {
		cfg.Collective.JobID = *jobID
	}
	if cfg.Collective.JobID == "" {
		cfg.Collective.JobID = uuid.NewString()
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if *issueTokens > 0 {
		if err := printTokens(cfg, *issueTokens); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to issue tokens: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid logging configuration: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	server, err := grpcserver.NewServer(cfg, logger, metrics)
	if err != nil {
		logger.Fatal("Failed to create coordinator", map[string]interface{}{"error": err})
	}
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start coordinator", map[string]interface{}{"error": err})
	}

	logger.Info("Coordinator ready", map[string]interface{}{
		"address":    cfg.Collective.Address(),
		"job_id":     cfg.Collective.JobID,
		"world_size": cfg.Collective.WorldSize,
		"tls":        cfg.Collective.EnableTLS,
		"auth":       cfg.Collective.AuthSecret != "",
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received signal, shutting down", map[string]interface{}{"signal": sig.String()})

	stats := server.Stats()
	if err := server.Stop(); err != nil {
		logger.Error("Error during shutdown", map[string]interface{}{"error": err})
	}
	if err := server.Err(); err != nil {
		logger.Error("Job failed", map[string]interface{}{"error": err, "stats": stats})
		os.Exit(1)
	}
	logger.Info("Coordinator stopped", stats)
}

func newLogger(cfg config.LoggingConfig) (*observability.Logger, error) {
	level, err := observability.ParseLogLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	return observability.New(level, cfg.Format, os.Stderr), nil
}

func printTokens(cfg *config.Config, ttl time.Duration) error {
	secret := cfg.Collective.AuthSecret
	if secret == "" {
		return fmt.Errorf("no auth secret configured (set collective.auth_secret or MEDOID_AUTH_SECRET)")
	}

	fmt.Printf("# job %s\n", cfg.Collective.JobID)
	for rank := 0; rank < cfg.Collective.WorldSize; rank++ {
		token, err := auth.IssueRankToken(secret, cfg.Collective.JobID, rank, cfg.Collective.WorldSize, ttl)
		if err != nil {
			return err
		}
		fmt.Printf("MEDOID_RANK_TOKEN_%d=%s\n", rank, token)
	}

	if cfg.Status.JWTSecret != "" {
		token, err := auth.IssueOperatorToken(cfg.Status.JWTSecret, "operator", ttl)
		if err != nil {
			return err
		}
		fmt.Printf("MEDOID_OPERATOR_TOKEN=%s\n", token)
	}
	return nil
}

func showUsage() {
	fmt.Println("kmedoids coordinator - rendezvous point for the collectives of a distributed run")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  coordinator [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  MEDOID_HOST                Listen host")
	fmt.Println("  MEDOID_PORT                Listen port")
	fmt.Println("  MEDOID_WORLD_SIZE          Number of ranks")
	fmt.Println("  MEDOID_JOB_ID              Job id")
	fmt.Println("  MEDOID_AUTH_SECRET         HS256 secret for rank tokens")
	fmt.Println("  MEDOID_ENABLE_TLS          Enable TLS (true/false)")
	fmt.Println("  MEDOID_TLS_CERT            TLS certificate file")
	fmt.Println("  MEDOID_TLS_KEY             TLS key file")
	fmt.Println("  MEDOID_LOG_LEVEL           debug, info, warn or error")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Coordinate a four-rank job")
	fmt.Println("  coordinator -world-size 4 -job-id traj-2024")
	fmt.Println()
	fmt.Println("  # Print rank tokens for an authenticated job")
	fmt.Println("  MEDOID_AUTH_SECRET=s3cret coordinator -world-size 4 -job-id traj-2024 -issue-tokens 24h")
	fmt.Println()
}
