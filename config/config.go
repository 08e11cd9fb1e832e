// Package config loads and validates the engine configuration from
// environment variables. Operational switches (run mode, listen address)
// are CLI flags owned by the runner; everything tunable lives here.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/omnivault/sync-engine/models"
)

const (
	defaultMaxRetries         = 5
	defaultInitialRetryDelay  = 1000 * time.Millisecond
	defaultMaxRetryDelay      = 60000 * time.Millisecond
	defaultBackoffMultiplier  = 2.0
	defaultRatePerSecond      = 25
	defaultMaxConcurrentCalls = 10
	defaultCallTimeout        = 30 * time.Second
	defaultQuotaGiveUp        = 5 * time.Minute

	defaultWorkerConcurrency = 2
	defaultJobMaxAttempts    = 3
	defaultJobRetryDelay     = 2000 * time.Millisecond
	defaultPollInterval      = time.Second

	defaultMonthsBack          = 6
	defaultIncrementalLookback = 7 * 24 * time.Hour
	defaultWatermarkOverlap    = time.Hour

	defaultDatabaseURL = "sync.db"

	minRatePerSecond = 1
	maxRatePerSecond = 1000
	minWorkers       = 1
	maxWorkers       = 50
	minJobAttempts   = 1
	maxJobAttempts   = 10
	maxRetriesBound  = 10
	minMonthsBack    = 1
	maxMonthsBack    = 24
	minPageSize      = 1
	maxPageSize      = 500

	encryptionKeyLen = 32
)

// DefaultQueuePriorities defines the weighted priorities of the distributed
// queues: manual triggers, incremental runs, initial backfills.
var DefaultQueuePriorities = map[string]int{
	"critical": 6,
	"default":  3,
	"low":      1,
}

var defaultPageSizes = map[string]int{
	models.ProviderMail:     25,
	models.ProviderCalendar: 50,
	models.ProviderDrive:    100,
}

// Config is the full engine configuration.
type Config struct {
	DatabaseURL string
	Redis       Redis
	Retry       Retry
	Queue       Queue
	Sync        Sync
	Providers   map[string]Provider

	OAuthRedirectURL string
	EncryptionKey    string

	Archive   Archive
	LogLevel  string
	Telemetry Telemetry
}

// Redis carries the connection settings for the distributed queue. An empty
// Addr means the engine runs with the in-process scheduler instead.
type Redis struct {
	Addr     string
	Password string
	DB       int
}

func (r Redis) Enabled() bool {
	return r.Addr != ""
}

// Retry configures the per-call rate limiting and backoff (shared defaults;
// rate may be overridden per provider).
type Retry struct {
	MaxRetries         int
	InitialDelay       time.Duration
	MaxDelay           time.Duration
	Multiplier         float64
	RatePerSecond      int
	MaxConcurrentCalls int
	CallTimeout        time.Duration
	QuotaGiveUp        time.Duration
}

// Queue configures the job-level worker pool and retry policy, independent
// of the per-call backoff.
type Queue struct {
	WorkerConcurrency int
	JobMaxAttempts    int
	JobRetryDelay     time.Duration
	PollInterval      time.Duration
	Priorities        map[string]int
}

// Sync configures the date-window computation.
type Sync struct {
	MonthsBack          int
	IncrementalLookback time.Duration
	WatermarkOverlap    time.Duration
}

// Provider is the per-provider block: connector endpoint, OAuth client and
// local overrides. A provider with no BaseURL is not enabled.
type Provider struct {
	Name          string
	BaseURL       string
	AuthURL       string
	TokenURL      string
	ClientID      string
	ClientSecret  string
	Scopes        []string
	RatePerSecond int
	PageSize      int
}

func (p Provider) Enabled() bool {
	return p.BaseURL != ""
}

// Archive configures the optional raw-page S3 sink.
type Archive struct {
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

func (a Archive) Enabled() bool {
	return a.Bucket != "" && a.Region != ""
}

// Telemetry configures anonymous usage reporting.
type Telemetry struct {
	PostHogKey string
	Disabled   bool
}

// New builds the configuration from the environment. All validation errors
// are accumulated and returned together.
func New() (*Config, error) {
	var errs error

	cfg := &Config{
		DatabaseURL: getEnvOrDefault("DATABASE_URL", defaultDatabaseURL),
		Redis: Redis{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       intFromEnv("REDIS_DB", 0, &errs),
		},
		Retry: Retry{
			MaxRetries:         intFromEnv("MAX_RETRIES", defaultMaxRetries, &errs),
			InitialDelay:       msFromEnv("INITIAL_RETRY_DELAY_MS", defaultInitialRetryDelay, &errs),
			MaxDelay:           msFromEnv("MAX_RETRY_DELAY_MS", defaultMaxRetryDelay, &errs),
			Multiplier:         floatFromEnv("BACKOFF_MULTIPLIER", defaultBackoffMultiplier, &errs),
			RatePerSecond:      intFromEnv("RATE_PER_SECOND", defaultRatePerSecond, &errs),
			MaxConcurrentCalls: intFromEnv("MAX_CONCURRENT_CALLS", defaultMaxConcurrentCalls, &errs),
			CallTimeout:        msFromEnv("CALL_TIMEOUT_MS", defaultCallTimeout, &errs),
			QuotaGiveUp:        msFromEnv("QUOTA_GIVEUP_MS", defaultQuotaGiveUp, &errs),
		},
		Queue: Queue{
			WorkerConcurrency: intFromEnv("WORKER_CONCURRENCY", defaultWorkerConcurrency, &errs),
			JobMaxAttempts:    intFromEnv("JOB_MAX_ATTEMPTS", defaultJobMaxAttempts, &errs),
			JobRetryDelay:     msFromEnv("JOB_RETRY_DELAY_MS", defaultJobRetryDelay, &errs),
			PollInterval:      msFromEnv("POLL_INTERVAL_MS", defaultPollInterval, &errs),
			Priorities:        DefaultQueuePriorities,
		},
		Sync: Sync{
			MonthsBack:          intFromEnv("SYNC_MONTHS_BACK", defaultMonthsBack, &errs),
			IncrementalLookback: daysFromEnv("INCREMENTAL_LOOKBACK_DAYS", defaultIncrementalLookback, &errs),
			WatermarkOverlap:    defaultWatermarkOverlap,
		},
		Providers:        make(map[string]Provider),
		OAuthRedirectURL: os.Getenv("OAUTH_REDIRECT_URL"),
		EncryptionKey:    os.Getenv("ENCRYPTION_KEY"),
		Archive: Archive{
			Bucket:    os.Getenv("ARCHIVE_S3_BUCKET"),
			Region:    os.Getenv("AWS_REGION"),
			AccessKey: os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		},
		LogLevel: getEnvOrDefault("LOG_LEVEL", "info"),
		Telemetry: Telemetry{
			PostHogKey: os.Getenv("POSTHOG_API_KEY"),
			Disabled:   getEnvBool("DISABLE_TELEMETRY"),
		},
	}

	for _, name := range models.SyncProviders {
		cfg.Providers[name] = providerFromEnv(name, cfg.Retry.RatePerSecond, &errs)
	}

	errs = multierr.Append(errs, cfg.validate())

	if errs != nil {
		return nil, errs
	}

	return cfg, nil
}

// Provider returns the block for a known provider name.
func (c *Config) Provider(name string) (Provider, bool) {
	p, ok := c.Providers[name]

	return p, ok
}

// EnabledProviders returns the names of providers with a configured
// connector endpoint, in the canonical order.
func (c *Config) EnabledProviders() []string {
	var names []string

	for _, name := range models.SyncProviders {
		if c.Providers[name].Enabled() {
			names = append(names, name)
		}
	}

	return names
}

func (c *Config) validate() error {
	var errs error

	if c.Retry.MaxRetries < 0 || c.Retry.MaxRetries > maxRetriesBound {
		errs = multierr.Append(errs, fmt.Errorf("MAX_RETRIES must be between 0 and %d", maxRetriesBound))
	}

	if c.Retry.InitialDelay <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("INITIAL_RETRY_DELAY_MS must be positive"))
	}

	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		errs = multierr.Append(errs, fmt.Errorf("MAX_RETRY_DELAY_MS must be >= INITIAL_RETRY_DELAY_MS"))
	}

	if c.Retry.Multiplier < 1 {
		errs = multierr.Append(errs, fmt.Errorf("BACKOFF_MULTIPLIER must be >= 1"))
	}

	if c.Retry.RatePerSecond < minRatePerSecond || c.Retry.RatePerSecond > maxRatePerSecond {
		errs = multierr.Append(errs, fmt.Errorf("RATE_PER_SECOND must be between %d and %d", minRatePerSecond, maxRatePerSecond))
	}

	if c.Retry.MaxConcurrentCalls < 1 {
		errs = multierr.Append(errs, fmt.Errorf("MAX_CONCURRENT_CALLS must be positive"))
	}

	if c.Retry.CallTimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("CALL_TIMEOUT_MS must be positive"))
	}

	if c.Queue.WorkerConcurrency < minWorkers || c.Queue.WorkerConcurrency > maxWorkers {
		errs = multierr.Append(errs, fmt.Errorf("WORKER_CONCURRENCY must be between %d and %d", minWorkers, maxWorkers))
	}

	if c.Queue.JobMaxAttempts < minJobAttempts || c.Queue.JobMaxAttempts > maxJobAttempts {
		errs = multierr.Append(errs, fmt.Errorf("JOB_MAX_ATTEMPTS must be between %d and %d", minJobAttempts, maxJobAttempts))
	}

	if c.Queue.JobRetryDelay <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("JOB_RETRY_DELAY_MS must be positive"))
	}

	if c.Sync.MonthsBack < minMonthsBack || c.Sync.MonthsBack > maxMonthsBack {
		errs = multierr.Append(errs, fmt.Errorf("SYNC_MONTHS_BACK must be between %d and %d", minMonthsBack, maxMonthsBack))
	}

	if c.Sync.IncrementalLookback <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("INCREMENTAL_LOOKBACK_DAYS must be positive"))
	}

	if c.DatabaseURL == "" {
		errs = multierr.Append(errs, fmt.Errorf("DATABASE_URL must not be empty"))
	}

	if key := c.EncryptionKey; key != "" && len(key) != encryptionKeyLen {
		errs = multierr.Append(errs, fmt.Errorf("ENCRYPTION_KEY must be exactly %d bytes", encryptionKeyLen))
	}

	for name, p := range c.Providers {
		if p.RatePerSecond < minRatePerSecond || p.RatePerSecond > maxRatePerSecond {
			errs = multierr.Append(errs, fmt.Errorf("%s rate per second must be between %d and %d", name, minRatePerSecond, maxRatePerSecond))
		}

		if p.PageSize < minPageSize || p.PageSize > maxPageSize {
			errs = multierr.Append(errs, fmt.Errorf("%s page size must be between %d and %d", name, minPageSize, maxPageSize))
		}

		if p.ClientID != "" && p.TokenURL == "" {
			errs = multierr.Append(errs, fmt.Errorf("%s has an OAuth client id but no token url", name))
		}
	}

	return errs
}

func providerFromEnv(name string, defaultRate int, errs *error) Provider {
	prefix := strings.ToUpper(name) + "_"

	return Provider{
		Name:          name,
		BaseURL:       strings.TrimRight(os.Getenv(prefix+"API_URL"), "/"),
		AuthURL:       os.Getenv(prefix + "AUTH_URL"),
		TokenURL:      os.Getenv(prefix + "TOKEN_URL"),
		ClientID:      os.Getenv(prefix + "CLIENT_ID"),
		ClientSecret:  os.Getenv(prefix + "CLIENT_SECRET"),
		Scopes:        splitList(os.Getenv(prefix + "SCOPES")),
		RatePerSecond: intFromEnv(prefix+"RATE_PER_SECOND", defaultRate, errs),
		PageSize:      intFromEnv(prefix+"PAGE_SIZE", defaultPageSizes[name], errs),
	}
}

// splitList parses a comma-separated env value, dropping empty entries.
func splitList(v string) []string {
	if v == "" {
		return nil
	}

	var out []string

	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}

	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

func getEnvBool(key string) bool {
	value := strings.ToLower(os.Getenv(key))

	return value == "true" || value == "1" || value == "yes"
}

func intFromEnv(key string, defaultValue int, errs *error) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		*errs = multierr.Append(*errs, fmt.Errorf("%s must be a number: %w", key, err))

		return defaultValue
	}

	return n
}

func floatFromEnv(key string, defaultValue float64, errs *error) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		*errs = multierr.Append(*errs, fmt.Errorf("%s must be a number: %w", key, err))

		return defaultValue
	}

	return f
}

func msFromEnv(key string, defaultValue time.Duration, errs *error) time.Duration {
	ms := intFromEnv(key, int(defaultValue/time.Millisecond), errs)

	return time.Duration(ms) * time.Millisecond
}

func daysFromEnv(key string, defaultValue time.Duration, errs *error) time.Duration {
	days := intFromEnv(key, int(defaultValue/(24*time.Hour)), errs)

	return time.Duration(days) * 24 * time.Hour
}
