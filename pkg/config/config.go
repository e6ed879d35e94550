package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a clustering run
type Config struct {
	Clustering ClusteringConfig `yaml:"clustering"`
	Collective CollectiveConfig `yaml:"collective"`
	Status     StatusConfig     `yaml:"status"`
	Logging    LoggingConfig    `yaml:"logging"`
	Input      InputConfig      `yaml:"input"`
}

// ClusteringConfig holds k-medoids parameters
type ClusteringConfig struct {
	K               int    `yaml:"k" validate:"min=1"`                 // Number of medoids
	Iterations      int    `yaml:"iterations" validate:"min=0"`        // PAM sweeps (default: 5)
	Metric          string `yaml:"metric" validate:"required"`         // Named distance metric
	Cost            string `yaml:"cost" validate:"required"`           // Named cost function
	Seed            int64  `yaml:"seed"`                               // Random seed, identical on every rank
	Workers         int    `yaml:"workers" validate:"min=1"`           // Goroutines per batched distance call
	MaxSeedAttempts int    `yaml:"max_seed_attempts" validate:"min=1"` // Bound on the distinct-seed redraw loop
}

// CollectiveConfig holds distributed-mode configuration
type CollectiveConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Coordinator     string        `yaml:"coordinator"`                     // Coordinator address dialled by ranks
	Host            string        `yaml:"host"`                            // Listen host when hosting the coordinator
	Port            int           `yaml:"port" validate:"min=1,max=65535"` // Listen port when hosting the coordinator
	HostCoordinator bool          `yaml:"host_coordinator"`                // Rank 0 hosts the coordinator in-process
	Rank            int           `yaml:"rank" validate:"min=0"`
	WorldSize       int           `yaml:"world_size" validate:"min=1"`
	JobID           string        `yaml:"job_id"`
	AuthSecret      string        `yaml:"auth_secret"` // HS256 secret for rank tokens (empty disables auth)
	Token           string        `yaml:"token"`       // Pre-issued rank token; minted from AuthSecret when empty
	EnableTLS       bool          `yaml:"enable_tls"`
	CertFile        string        `yaml:"cert_file"`
	KeyFile         string        `yaml:"key_file"`
	CAFile          string        `yaml:"ca_file"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`              // How long a rank keeps trying to join
	CallTimeout     time.Duration `yaml:"call_timeout"`              // Per-collective deadline, 0 = none
	JoinRate        float64       `yaml:"join_rate" validate:"gt=0"` // Join attempts per second
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxMessageBytes int           `yaml:"max_message_bytes" validate:"min=1024"`
}

// StatusConfig holds the HTTP status/metrics endpoint configuration
type StatusConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Host        string  `yaml:"host"`
	Port        int     `yaml:"port" validate:"min=1,max=65535"`
	AuthEnabled bool    `yaml:"auth_enabled"`
	JWTSecret   string  `yaml:"jwt_secret"`
	RateLimit   float64 `yaml:"rate_limit" validate:"gte=0"` // Requests per second, 0 disables limiting
	Burst       int     `yaml:"burst" validate:"min=0"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// InputConfig holds loader and output configuration
type InputConfig struct {
	Paths   []string `yaml:"paths"`
	Workers int      `yaml:"workers" validate:"min=1"`
	Output  string   `yaml:"output"`
	Tag     string   `yaml:"tag"`
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Clustering: ClusteringConfig{
			K:               10,
			Iterations:      5,
			Metric:          "euclidean",
			Cost:            "meansquare",
			Seed:            42,
			Workers:         1,
			MaxSeedAttempts: 1000,
		},
		Collective: CollectiveConfig{
			Enabled:         false,
			Coordinator:     "localhost:50061",
			Host:            "0.0.0.0",
			Port:            50061,
			Rank:            0,
			WorldSize:       1,
			DialTimeout:     30 * time.Second,
			CallTimeout:     0,
			JoinRate:        2,
			ShutdownTimeout: 10 * time.Second,
			MaxMessageBytes: 64 << 20,
		},
		Status: StatusConfig{
			Enabled:   false,
			Host:      "0.0.0.0",
			Port:      9090,
			RateLimit: 10,
			Burst:     20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Input: InputConfig{
			Workers: 4,
			Output:  ".",
		},
	}
}

// LoadFromFile reads a YAML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// Load reads the optional config file, then applies environment overrides
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	ApplyEnv(cfg)
	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	cfg := Default()
	ApplyEnv(cfg)
	return cfg
}

// ApplyEnv overrides cfg with any MEDOID_* environment variables that are set
func ApplyEnv(cfg *Config) {
	// Clustering configuration
	setInt("MEDOID_K", &cfg.Clustering.K)
	setInt("MEDOID_ITERATIONS", &cfg.Clustering.Iterations)
	setString("MEDOID_METRIC", &cfg.Clustering.Metric)
	setString("MEDOID_COST", &cfg.Clustering.Cost)
	if seed := os.Getenv("MEDOID_SEED"); seed != "" {
		if s, err := strconv.ParseInt(seed, 10, 64); err == nil {
			cfg.Clustering.Seed = s
		}
	}
	setInt("MEDOID_WORKERS", &cfg.Clustering.Workers)

	// Collective configuration
	setBool("MEDOID_COLLECTIVE_ENABLED", &cfg.Collective.Enabled)
	setString("MEDOID_COORDINATOR", &cfg.Collective.Coordinator)
	setString("MEDOID_HOST", &cfg.Collective.Host)
	setInt("MEDOID_PORT", &cfg.Collective.Port)
	setBool("MEDOID_HOST_COORDINATOR", &cfg.Collective.HostCoordinator)
	setInt("MEDOID_RANK", &cfg.Collective.Rank)
	setInt("MEDOID_WORLD_SIZE", &cfg.Collective.WorldSize)
	setString("MEDOID_JOB_ID", &cfg.Collective.JobID)
	setString("MEDOID_AUTH_SECRET", &cfg.Collective.AuthSecret)
	setString("MEDOID_RANK_TOKEN", &cfg.Collective.Token)
	if enableTLS := os.Getenv("MEDOID_ENABLE_TLS"); enableTLS == "true" {
		cfg.Collective.EnableTLS = true
		cfg.Collective.CertFile = os.Getenv("MEDOID_TLS_CERT")
		cfg.Collective.KeyFile = os.Getenv("MEDOID_TLS_KEY")
		cfg.Collective.CAFile = os.Getenv("MEDOID_TLS_CA")
	}
	setDuration("MEDOID_DIAL_TIMEOUT", &cfg.Collective.DialTimeout)
	setDuration("MEDOID_CALL_TIMEOUT", &cfg.Collective.CallTimeout)

	// Status configuration
	setBool("MEDOID_STATUS_ENABLED", &cfg.Status.Enabled)
	setInt("MEDOID_STATUS_PORT", &cfg.Status.Port)
	setString("MEDOID_STATUS_JWT_SECRET", &cfg.Status.JWTSecret)
	if cfg.Status.JWTSecret != "" {
		cfg.Status.AuthEnabled = true
	}

	// Logging configuration
	setString("MEDOID_LOG_LEVEL", &cfg.Logging.Level)
	setString("MEDOID_LOG_FORMAT", &cfg.Logging.Format)

	// Input configuration
	if paths := os.Getenv("MEDOID_INPUTS"); paths != "" {
		cfg.Input.Paths = strings.Split(paths, ",")
	}
	setString("MEDOID_OUTPUT", &cfg.Input.Output)
	setString("MEDOID_TAG", &cfg.Input.Tag)
}

func setString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func setBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Collective validation
	if c.Collective.Enabled {
		if c.Collective.Rank >= c.Collective.WorldSize {
			return fmt.Errorf("invalid rank: %d (world size is %d)", c.Collective.Rank, c.Collective.WorldSize)
		}
		if c.Collective.JobID == "" {
			return fmt.Errorf("collective mode requires a job id shared by every rank")
		}
		if c.Collective.Coordinator == "" && !c.Collective.HostCoordinator {
			return fmt.Errorf("collective mode requires a coordinator address")
		}
	}
	// ranks that only dial the coordinator need no key pair
	serving := !c.Collective.Enabled || c.Collective.HostCoordinator
	if c.Collective.EnableTLS && serving {
		if c.Collective.CertFile == "" || c.Collective.KeyFile == "" {
			return fmt.Errorf("TLS enabled but cert or key file not specified")
		}
	}

	// Status validation
	if c.Status.AuthEnabled && c.Status.JWTSecret == "" {
		return fmt.Errorf("status auth enabled but no JWT secret specified")
	}

	return nil
}

// Address returns the coordinator listen address (host:port)
func (c *CollectiveConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Address returns the status server address (host:port)
func (c *StatusConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
