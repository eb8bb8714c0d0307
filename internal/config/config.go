package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// ServerConfig captures all tunable parameters for the API and matchmaking
// process. Values come from the environment (optionally seeded from a .env
// file) and can be overridden with flags.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr       string
	RedisPassword   string
	ProfileCacheTTL time.Duration
	IdentityURL     string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN         string
	RunMigrations bool

	WebhookURL   string
	WebhookToken string

	StripeKey       string
	DepositAmount   int64
	DepositCurrency string

	Matching Matching

	LogLevel  string
	LogFormat string
}

// Matching holds the engine tunables.
type Matching struct {
	Threshold          float64
	WeightRoute        float64
	WeightTime         float64
	WeightTrust        float64
	WeightMisc         float64
	CatchmentRadiusM   float64
	MaxGroupSize       int
	MaxCandidates      int
	SlotWidth          time.Duration
	ConfirmationWindow time.Duration
	PassInterval       time.Duration
	SweepInterval      time.Duration
	BurstSize          int
	AbandonAfter       time.Duration
	Retention          time.Duration
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		ProfileCacheTTL: 5 * time.Minute,
		KafkaTopic:      "group-lifecycle",
		DepositAmount:   5000,
		DepositCurrency: "inr",
		Matching: Matching{
			Threshold:          0.6,
			WeightRoute:        0.4,
			WeightTime:         0.3,
			WeightTrust:        0.2,
			WeightMisc:         0.1,
			CatchmentRadiusM:   2000,
			MaxGroupSize:       4,
			MaxCandidates:      32,
			SlotWidth:          15 * time.Minute,
			ConfirmationWindow: 5 * time.Minute,
			PassInterval:       2 * time.Second,
			SweepInterval:      time.Second,
			BurstSize:          16,
			Retention:          24 * time.Hour,
		},
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// LoadDotEnv seeds the environment from path. A missing file is not an error,
// and variables already set win over the file.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setDurationFromEnv(&cfg.ProfileCacheTTL, "PROFILE_CACHE_TTL", &errs)
	setStringFromEnv(&cfg.IdentityURL, "IDENTITY_URL")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	setStringFromEnv(&cfg.WebhookURL, "NOTIFY_WEBHOOK_URL")
	cfg.WebhookToken = os.Getenv("NOTIFY_WEBHOOK_TOKEN")

	cfg.StripeKey = os.Getenv("STRIPE_API_KEY")
	setInt64FromEnv(&cfg.DepositAmount, "DEPOSIT_AMOUNT", &errs)
	setStringFromEnv(&cfg.DepositCurrency, "DEPOSIT_CURRENCY")

	m := &cfg.Matching
	setFloatFromEnv(&m.Threshold, "MATCH_THRESHOLD", &errs)
	setFloatFromEnv(&m.WeightRoute, "MATCH_WEIGHT_ROUTE", &errs)
	setFloatFromEnv(&m.WeightTime, "MATCH_WEIGHT_TIME", &errs)
	setFloatFromEnv(&m.WeightTrust, "MATCH_WEIGHT_TRUST", &errs)
	setFloatFromEnv(&m.WeightMisc, "MATCH_WEIGHT_MISC", &errs)
	setFloatFromEnv(&m.CatchmentRadiusM, "MATCH_RADIUS_METERS", &errs)
	setIntFromEnv(&m.MaxGroupSize, "MATCH_MAX_GROUP_SIZE", &errs)
	setIntFromEnv(&m.MaxCandidates, "MATCH_MAX_CANDIDATES", &errs)
	setDurationFromEnv(&m.SlotWidth, "MATCH_SLOT_WIDTH", &errs)
	setDurationFromEnv(&m.ConfirmationWindow, "CONFIRMATION_WINDOW", &errs)
	setDurationFromEnv(&m.PassInterval, "MATCH_PASS_INTERVAL", &errs)
	setDurationFromEnv(&m.SweepInterval, "MATCH_SWEEP_INTERVAL", &errs)
	setIntFromEnv(&m.BurstSize, "MATCH_BURST_SIZE", &errs)
	setDurationFromEnv(&m.AbandonAfter, "REQUEST_ABANDON_AFTER", &errs)
	setDurationFromEnv(&m.Retention, "STATE_RETENTION", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.LogFormat, "LOG_FORMAT")

	return cfg, errors.Join(append(errs, cfg.Validate())...)
}

// RegisterFlags exposes the most commonly overridden settings as flags whose
// defaults are the values already loaded.
func (c *ServerConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.HTTPAddr, "http-addr", c.HTTPAddr, "address the HTTP API listens on")
	fs.BoolVar(&c.RunMigrations, "migrate", c.RunMigrations, "apply database migrations on startup")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format (json, text)")
	fs.Float64Var(&c.Matching.Threshold, "threshold", c.Matching.Threshold, "minimum formation score of a proposed group")
	fs.IntVar(&c.Matching.MaxGroupSize, "max-group-size", c.Matching.MaxGroupSize, "largest group the builder forms")
	fs.DurationVar(&c.Matching.ConfirmationWindow, "confirmation-window", c.Matching.ConfirmationWindow, "time members have to confirm a group")
	fs.DurationVar(&c.Matching.PassInterval, "pass-interval", c.Matching.PassInterval, "interval between matching passes")
}

func (c ServerConfig) Validate() error {
	var errs []error
	m := c.Matching
	if m.Threshold <= 0 || m.Threshold > 1 {
		errs = append(errs, fmt.Errorf("MATCH_THRESHOLD must be in (0,1]"))
	}
	for name, w := range map[string]float64{"route": m.WeightRoute, "time": m.WeightTime, "trust": m.WeightTrust, "misc": m.WeightMisc} {
		if w < 0 {
			errs = append(errs, fmt.Errorf("%s weight must be >= 0", name))
		}
	}
	if m.WeightRoute+m.WeightTime+m.WeightTrust+m.WeightMisc <= 0 {
		errs = append(errs, fmt.Errorf("score weights must not all be zero"))
	}
	if m.MaxGroupSize < 2 {
		errs = append(errs, fmt.Errorf("MATCH_MAX_GROUP_SIZE must be >= 2"))
	}
	if m.CatchmentRadiusM <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_RADIUS_METERS must be > 0"))
	}
	if m.ConfirmationWindow <= 0 {
		errs = append(errs, fmt.Errorf("CONFIRMATION_WINDOW must be > 0"))
	}
	if c.StripeKey != "" && c.DepositAmount <= 0 {
		errs = append(errs, fmt.Errorf("DEPOSIT_AMOUNT must be > 0 when STRIPE_API_KEY is set"))
	}
	return errors.Join(errs...)
}

// ConsumerConfig configures the lifecycle projector.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	StatusTTL     time.Duration
	LogLevel      string
	LogFormat     string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "group-lifecycle",
		KafkaGroup:   "ride-grouping-projector",
		RedisAddr:    "localhost:6379",
		StatusTTL:    24 * time.Hour,
		LogLevel:     "info",
		LogFormat:    "json",
	}
	var errs []error
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setDurationFromEnv(&cfg.StatusTTL, "STATUS_TTL", &errs)
	setStringFromEnv(&cfg.LogLevel, "LOG_LEVEL")
	setStringFromEnv(&cfg.LogFormat, "LOG_FORMAT")
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	return cfg, errors.Join(errs...)
}

func (c *ConsumerConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "address to serve prometheus metrics on")
	fs.StringVar(&c.KafkaTopic, "topic", c.KafkaTopic, "lifecycle topic to consume")
	fs.StringVar(&c.KafkaGroup, "group", c.KafkaGroup, "kafka consumer group")
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
