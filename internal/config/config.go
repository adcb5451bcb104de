package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the daemon configuration, sourced from the environment with a
// .env overlay for local development.
type Config struct {
	ListenAddr string
	DBPath     string
	SpoolDir   string

	// RunPodAPIKey authenticates against the compute provider. Jobs cannot
	// be provisioned without it; explicit worker registration still works.
	RunPodAPIKey string
	// RunPodAPIURL overrides the control-plane endpoint (tests, proxies).
	RunPodAPIURL string

	// WorkerServiceURL is the licensing/usage edge service origin. Empty
	// disables the usage gate.
	WorkerServiceURL string

	DefaultGPUType   string
	DefaultCloudType string

	PollInterval     time.Duration
	MaxPollFailures  int
	UploadTimeout    time.Duration
	LogFlushInterval time.Duration

	ProvisionPollInterval time.Duration
	ProvisionTimeout      time.Duration
	ReadyProbeTimeout     time.Duration

	ReconcileInterval time.Duration
	MaxConcurrentJobs int64
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:       envOr("STUDIO_LISTEN_ADDR", ":8090"),
		DBPath:           envOr("STUDIO_DB_PATH", "data/studio"),
		SpoolDir:         envOr("STUDIO_SPOOL_DIR", "data/spool"),
		RunPodAPIKey:     os.Getenv("STUDIO_RUNPOD_API_KEY"),
		RunPodAPIURL:     envOr("STUDIO_RUNPOD_API_URL", "https://api.runpod.io/graphql"),
		WorkerServiceURL: os.Getenv("STUDIO_WORKER_SERVICE_URL"),
		DefaultGPUType:   envOr("STUDIO_GPU_TYPE", "NVIDIA GeForce RTX 4090"),
		DefaultCloudType: envOr("STUDIO_CLOUD_TYPE", "COMMUNITY"),

		PollInterval:     5 * time.Second,
		MaxPollFailures:  3,
		UploadTimeout:    5 * time.Minute,
		LogFlushInterval: 2 * time.Second,

		ProvisionPollInterval: 10 * time.Second,
		ProvisionTimeout:      5 * time.Minute,
		ReadyProbeTimeout:     3 * time.Minute,

		ReconcileInterval: 30 * time.Second,
		MaxConcurrentJobs: 10,
	}

	var err error
	if cfg.PollInterval, err = envDuration("STUDIO_POLL_INTERVAL", cfg.PollInterval); err != nil {
		return nil, err
	}
	if cfg.ProvisionTimeout, err = envDuration("STUDIO_PROVISION_TIMEOUT", cfg.ProvisionTimeout); err != nil {
		return nil, err
	}
	if cfg.ReconcileInterval, err = envDuration("STUDIO_RECONCILE_INTERVAL", cfg.ReconcileInterval); err != nil {
		return nil, err
	}
	if v := os.Getenv("STUDIO_MAX_CONCURRENT_JOBS"); v != "" {
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil || n <= 0 {
			return nil, fmt.Errorf("invalid STUDIO_MAX_CONCURRENT_JOBS: %q", v)
		}
		cfg.MaxConcurrentJobs = n
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
