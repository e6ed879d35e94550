package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	grpcserver "github.com/therealutkarshpriyadarshi/kmedoids/pkg/api/grpc"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/api/rest"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/auth"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/collective"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/config"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/dataset"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/distance"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/kmedoids"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/observability"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/partition"
	"google.golang.org/grpc/credentials"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

func main() {
	var (
		showVersion = flag.Bool("version", false, "show version and exit")
		configFile  = flag.String("config", "", "path to YAML configuration file (optional)")
		k           = flag.Int("k", 0, "number of medoids (overrides config/env)")
		iterations  = flag.Int("iterations", -1, "number of PAM sweeps (overrides config/env)")
		metric      = flag.String("metric", "", "distance metric: "+fmt.Sprint(distance.Names()))
		cost        = flag.String("cost", "", "cost function: "+fmt.Sprint(kmedoids.CostNames()))
		seed        = flag.Int64("seed", 0, "random seed, identical on every rank (overrides config/env)")
		workers     = flag.Int("workers", 0, "goroutines for loading and distance evaluation")
		output      = flag.String("output", "", "output directory")
		tag         = flag.String("tag", "", "prefix for output file names")
		rank        = flag.Int("rank", -1, "rank of this process (enables collective mode)")
		worldSize   = flag.Int("world-size", 0, "number of ranks (enables collective mode)")
		coordinator = flag.String("coordinator", "", "coordinator address host:port")
		hostCoord   = flag.Bool("host-coordinator", false, "run the coordinator inside rank 0")
		jobID       = flag.String("job-id", "", "job id shared by every rank")
		status      = flag.Bool("status", false, "serve /v1/health, /v1/status and /metrics")
	)
	flag.Usage = showUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("kmedoids v%s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["k"] {
		cfg.Clustering.K = *k
	}
	if set["iterations"] {
		cfg.Clustering.Iterations = *iterations
	}
	if set["metric"] {
		cfg.Clustering.Metric = *metric
	}
	if set["cost"] {
		cfg.Clustering.Cost = *cost
	}
	if set["seed"] {
		cfg.Clustering.Seed = *seed
	}
	if set["workers"] {
		cfg.Clustering.Workers = *workers
		cfg.Input.Workers = *workers
	}
	if set["output"] {
		cfg.Input.Output = *output
	}
	if set["tag"] {
		cfg.Input.Tag = *tag
	}
	if set["rank"] || set["world-size"] {
		cfg.Collective.Enabled = true
	}
	if set["rank"] {
		cfg.Collective.Rank = *rank
	}
	if set["world-size"] {
		cfg.Collective.WorldSize = *worldSize
	}
	if set["coordinator"] {
		cfg.Collective.Coordinator = *coordinator
	}
	if set["host-coordinator"] {
		cfg.Collective.HostCoordinator = *hostCoord
	}
	if set["job-id"] {
		cfg.Collective.JobID = *jobID
	}
	if set["status"] {
		cfg.Status.Enabled = *status
	}
	if flag.NArg() > 0 {
		cfg.Input.Paths = flag.Args()
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid logging configuration: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	path, err := run(ctx, cfg, logger)
	if err != nil {
		logger.Error("Clustering failed", map[string]interface{}{"error": err})
		stop()
		os.Exit(1)
	}
	logger.Info("Wrote result", map[string]interface{}{"path": path})
}

func newLogger(cfg config.LoggingConfig) (*observability.Logger, error) {
	level, err := observability.ParseLogLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	return observability.New(level, cfg.Format, os.Stderr), nil
}

// run loads this rank's block, clusters it and writes the result
func run(ctx context.Context, cfg *config.Config, logger *observability.Logger) (string, error) {
	if len(cfg.Input.Paths) == 0 {
		return "", errors.New("no input paths given")
	}

	cc := cfg.Clustering
	metric, err := distance.Resolve(cc.Metric, cc.Workers)
	if err != nil {
		return "", err
	}
	costFn, err := kmedoids.ResolveCost(cc.Cost)
	if err != nil {
		return "", err
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	rank, size := 0, 1
	if cfg.Collective.Enabled {
		rank, size = cfg.Collective.Rank, cfg.Collective.WorldSize
		logger = logger.WithFields(map[string]interface{}{"rank": rank, "job_id": cfg.Collective.JobID})
	}

	var lengths []int
	var rows [][]float64
	err = logger.LogOperationWithFields("load", map[string]interface{}{"sources": len(cfg.Input.Paths)}, func() error {
		var err error
		lengths, rows, err = dataset.LoadConcatenated(ctx, cfg.Input.Paths, cfg.Input.Workers)
		return err
	})
	if err != nil {
		return "", err
	}

	start, end := dataset.Shard(len(rows), size, rank)
	block := rows[start:end]
	logger.Info("Loaded observations", map[string]interface{}{
		"total":  len(rows),
		"block":  len(block),
		"offset": start,
	})

	comm, shutdown, err := connect(ctx, cfg, logger, metrics)
	if err != nil {
		return "", err
	}
	defer shutdown()

	progress := rest.NewProgress(rank, size, cc.K, cc.Iterations)
	if cfg.Status.Enabled {
		statusServer := rest.NewServer(rest.ConfigFrom(cfg.Status), progress, registry, logger, metrics)
		go func() {
			if err := statusServer.Start(); err != nil {
				logger.Error("Status server failed", map[string]interface{}{"error": err})
			}
		}()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = statusServer.Stop(stopCtx)
		}()
	}

	engineCfg := kmedoids.Config{
		K:               cc.K,
		Iterations:      cc.Iterations,
		Cost:            costFn,
		Seed:            cc.Seed,
		MaxSeedAttempts: cc.MaxSeedAttempts,
	}
	result, err := kmedoids.Fit(ctx, block, metric, engineCfg,
		kmedoids.WithCommunicator(comm),
		kmedoids.WithLogger(logger),
		kmedoids.WithMetrics(metrics),
		kmedoids.WithObserver(progress),
	)
	progress.Finish(err)
	if err != nil {
		return "", err
	}

	return writeResult(cfg, rank, size, lengths, start, result)
}

// connect returns the communicator for this process and a function that
// releases it (and the in-process coordinator, if any)
func connect(ctx context.Context, cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics) (collective.Communicator, func(), error) {
	cc := cfg.Collective
	if !cc.Enabled {
		return collective.NewLocal(), func() {}, nil
	}

	var hosted *grpcserver.Server
	address := cc.Coordinator
	if cc.HostCoordinator && cc.Rank == 0 {
		var err error
		if hosted, err = grpcserver.NewServer(cfg, logger, metrics); err != nil {
			return nil, nil, err
		}
		if err := hosted.Start(); err != nil {
			return nil, nil, err
		}
		address = hosted.Addr().String()
	}
	stopHosted := func() {
		if hosted != nil {
			_ = hosted.Stop()
		}
	}

	token := cc.Token
	if token == "" && cc.AuthSecret != "" {
		var err error
		if token, err = auth.IssueRankToken(cc.AuthSecret, cc.JobID, cc.Rank, cc.WorldSize, 0); err != nil {
			stopHosted()
			return nil, nil, err
		}
	}

	var creds credentials.TransportCredentials
	if cc.EnableTLS {
		var err error
		if creds, err = clientTLS(cc.CAFile); err != nil {
			stopHosted()
			return nil, nil, err
		}
	}

	remote, err := collective.NewRemote(ctx, collective.RemoteConfig{
		Address:         address,
		JobID:           cc.JobID,
		Rank:            cc.Rank,
		WorldSize:       cc.WorldSize,
		Token:           token,
		TLS:             creds,
		DialTimeout:     cc.DialTimeout,
		CallTimeout:     cc.CallTimeout,
		JoinRate:        cc.JoinRate,
		MaxMessageBytes: cc.MaxMessageBytes,
	}, logger, metrics)
	if err != nil {
		stopHosted()
		return nil, nil, err
	}

	return remote, func() {
		_ = remote.Close()
		stopHosted()
	}, nil
}

func clientTLS(caFile string) (credentials.TransportCredentials, error) {
	if caFile == "" {
		return credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12}), nil
	}
	creds, err := credentials.NewClientTLSFromFile(caFile, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load CA file %s: %w", caFile, err)
	}
	return creds, nil
}

// output is the JSON document written per rank
type output struct {
	K               int                   `json:"k"`
	Metric          string                `json:"metric"`
	Cost            string                `json:"cost_function"`
	Rank            int                   `json:"rank"`
	WorldSize       int                   `json:"world_size"`
	Lengths         []int                 `json:"lengths"`
	Offset          int                   `json:"offset"`
	BlockLengths    []int                 `json:"block_lengths"`
	BlockStarts     []int                 `json:"block_starts"`
	CenterIndices   []kmedoids.CenterRef  `json:"center_indices"`
	CenterLocations []partition.Location  `json:"center_locations"`
	Centers         [][]float64           `json:"centers"`
	Assignments     [][]int               `json:"assignments"`
	Distances       [][]float64           `json:"distances"`
	InitialCost     float64               `json:"initial_cost"`
	FinalCost       float64               `json:"final_cost"`
	Sweeps          []kmedoids.SweepStats `json:"sweeps"`
}

// writeResult writes this rank's block. lengths are the full source
// lengths and offset is the global index of the block's first row; row i
// of assignments and distances starts at block_starts[i] in source i.
func writeResult(cfg *config.Config, rank, size int, lengths []int, offset int, result *kmedoids.ClusterResult) (string, error) {
	end := offset + len(result.Assignments)
	blockLengths := dataset.BlockLengths(lengths, offset, end)
	assignments, distances, err := result.Partition(blockLengths)
	if err != nil {
		return "", err
	}
	locations, err := result.CenterLocations(lengths)
	if err != nil {
		return "", err
	}

	doc := output{
		K:               cfg.Clustering.K,
		Metric:          cfg.Clustering.Metric,
		Cost:            cfg.Clustering.Cost,
		Rank:            rank,
		WorldSize:       size,
		Lengths:         lengths,
		Offset:          offset,
		BlockLengths:    blockLengths,
		BlockStarts:     dataset.BlockStarts(lengths, offset, end),
		CenterIndices:   result.CenterIndices,
		CenterLocations: locations,
		Centers:         result.Centers,
		Assignments:     assignments.Rows(),
		Distances:       distances.Rows(),
		InitialCost:     result.InitialCost,
		FinalCost:       result.Cost,
		Sweeps:          result.Sweeps,
	}

	name := fmt.Sprintf("kmedoids-%d", cfg.Clustering.K)
	if cfg.Input.Tag != "" {
		name = cfg.Input.Tag + "-" + name
	}
	if size > 1 {
		name = fmt.Sprintf("%s.rank-%d", name, rank)
	}
	path := filepath.Join(cfg.Input.Output, name+".json")

	if err := os.MkdirAll(cfg.Input.Output, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode result: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write result: %w", err)
	}
	return path, nil
}

func showUsage() {
	fmt.Println("kmedoids - K-Medoids clustering by Partitioning Around Medoids")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  kmedoids [options] FILE...")
	fmt.Println()
	fmt.Println("Each FILE holds one observation per line (comma or whitespace separated,")
	fmt.Println("optionally gzip compressed). Files are concatenated in order.")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Cluster two trajectories into 50 medoids")
	fmt.Println("  kmedoids -k 50 -metric rmsd -output results traj1.csv traj2.csv.gz")
	fmt.Println()
	fmt.Println("  # Rank 1 of a 4-rank job against a running coordinator")
	fmt.Println("  kmedoids -k 50 -rank 1 -world-size 4 -job-id traj -coordinator node0:50061 traj*.csv")
	fmt.Println()
	fmt.Println("  # Rank 0 hosting the coordinator and exposing status")
	fmt.Println("  kmedoids -k 50 -rank 0 -world-size 4 -job-id traj -host-coordinator -status traj*.csv")
	fmt.Println()
}
