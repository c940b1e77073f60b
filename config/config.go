package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Venue identifiers shared by config, the worker and the adapters.
const (
	VenueBinance     = "binance"
	VenueBybit       = "bybit"
	VenueOkx         = "okx"
	VenueHyperliquid = "hyperliquid"
)

type Config struct {
	Worker     WorkerConfig     `yaml:"worker"`
	Venues     VenuesConfig     `yaml:"venues"`
	Stream     StreamConfig     `yaml:"stream"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Account    AccountConfig    `yaml:"account"`
	Twap       TwapConfig       `yaml:"twap"`
	Control    ControlConfig    `yaml:"control"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
	ShardsFile string           `yaml:"shards_file"`
}

type WorkerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type VenuesConfig struct {
	Binance     VenueConfig `yaml:"binance"`
	Bybit       VenueConfig `yaml:"bybit"`
	Okx         VenueConfig `yaml:"okx"`
	Hyperliquid VenueConfig `yaml:"hyperliquid"`
}

// ByID returns the venue blocks keyed by venue id.
func (v VenuesConfig) ByID() map[string]VenueConfig {
	return map[string]VenueConfig{
		VenueBinance:     v.Binance,
		VenueBybit:       v.Bybit,
		VenueOkx:         v.Okx,
		VenueHyperliquid: v.Hyperliquid,
	}
}

// Enabled lists the ids of enabled venues in a stable order.
func (v VenuesConfig) Enabled() []string {
	var ids []string
	for _, id := range []string{VenueBinance, VenueBybit, VenueOkx, VenueHyperliquid} {
		if v.ByID()[id].Enabled {
			ids = append(ids, id)
		}
	}
	return ids
}

type VenueConfig struct {
	Enabled bool     `yaml:"enabled"`
	Testnet bool     `yaml:"testnet"`
	Symbols []string `yaml:"symbols"`

	PublicURL  string `yaml:"public_url"`
	PrivateURL string `yaml:"private_url"`
	RestURL    string `yaml:"rest_url"`

	Private        bool   `yaml:"private"`
	HedgeMode      bool   `yaml:"hedge_mode"`
	APIKey         string `yaml:"api_key"`
	APISecret      string `yaml:"api_secret"`
	Passphrase     string `yaml:"passphrase"`
	PrivateKey     string `yaml:"private_key"`
	AccountAddress string `yaml:"account_address"`

	MaxSubscriptionsPerConn int           `yaml:"max_subscriptions_per_conn"`
	MaxTopicsPerRequest     int           `yaml:"max_topics_per_request"`
	RestRateLimit           float64       `yaml:"rest_rate_limit"`
	RestBurst               int           `yaml:"rest_burst"`
	RestTimeout             time.Duration `yaml:"rest_timeout"`
}

// HasCredentials reports whether the venue carries what its private
// handshake needs.
func (v VenueConfig) HasCredentials(id string) bool {
	switch id {
	case VenueHyperliquid:
		return v.AccountAddress != "" || v.PrivateKey != ""
	case VenueOkx:
		return v.APIKey != "" && v.APISecret != "" && v.Passphrase != ""
	default:
		return v.APIKey != "" && v.APISecret != ""
	}
}

type StreamConfig struct {
	ReconnectBase   time.Duration `yaml:"reconnect_base"`
	ReconnectCap    time.Duration `yaml:"reconnect_cap"`
	ReconnectJitter float64       `yaml:"reconnect_jitter"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	PongTimeout     time.Duration `yaml:"pong_timeout"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
}

type ChannelsConfig struct {
	FragmentBuffer int `yaml:"fragment_buffer"`
	AccountBuffer  int `yaml:"account_buffer"`
	EventBuffer    int `yaml:"event_buffer"`
}

type AggregatorConfig struct {
	BatchInterval time.Duration `yaml:"batch_interval"`
	InitialSlab   int           `yaml:"initial_slab"`
}

type AccountConfig struct {
	ReconcileInterval      time.Duration `yaml:"reconcile_interval"`
	BalanceRefetchInterval time.Duration `yaml:"balance_refetch_interval"`
	ListenKeyKeepalive     time.Duration `yaml:"listen_key_keepalive"`
}

type TwapConfig struct {
	MaxActiveJobs int           `yaml:"max_active_jobs"`
	MinInterval   time.Duration `yaml:"min_interval"`
}

type ControlConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	// LogHistory and MetricsHistory bound the in-memory stores served on
	// /api/logs and /api/metrics.
	LogHistory     int           `yaml:"log_history"`
	MetricsHistory int           `yaml:"metrics_history"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

type MetricsConfig struct {
	Prometheus     bool             `yaml:"prometheus"`
	ReportInterval time.Duration    `yaml:"report_interval"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`

	// Optional static keys; AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY
	// override them.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() Config {
	return Config{
		Worker: WorkerConfig{Name: "cryptoworker", Version: "dev"},
		Venues: VenuesConfig{
			Binance:     VenueConfig{MaxSubscriptionsPerConn: 200, MaxTopicsPerRequest: 200, RestRateLimit: 10, RestBurst: 20},
			Bybit:       VenueConfig{MaxSubscriptionsPerConn: 200, MaxTopicsPerRequest: 10, RestRateLimit: 10, RestBurst: 10},
			Okx:         VenueConfig{MaxSubscriptionsPerConn: 240, MaxTopicsPerRequest: 60, RestRateLimit: 10, RestBurst: 10},
			Hyperliquid: VenueConfig{MaxSubscriptionsPerConn: 1000, MaxTopicsPerRequest: 1, RestRateLimit: 5, RestBurst: 10},
		},
		Stream: StreamConfig{
			ReconnectBase:   time.Second,
			ReconnectCap:    30 * time.Second,
			ReconnectJitter: 0.2,
			PingInterval:    20 * time.Second,
			PongTimeout:     60 * time.Second,
			DialTimeout:     10 * time.Second,
			WriteTimeout:    5 * time.Second,
		},
		Channels:   ChannelsConfig{FragmentBuffer: 4096, AccountBuffer: 1024, EventBuffer: 1024},
		Aggregator: AggregatorConfig{BatchInterval: 200 * time.Millisecond, InitialSlab: 64},
		Account: AccountConfig{
			ReconcileInterval:      time.Minute,
			BalanceRefetchInterval: 2 * time.Second,
			ListenKeyKeepalive:     30 * time.Minute,
		},
		Twap:    TwapConfig{MaxActiveJobs: 32, MinInterval: time.Second},
		Control: ControlConfig{Enabled: true, Address: ":8080", LogHistory: 200, MetricsHistory: 200, SampleInterval: 5 * time.Second},
		Metrics: MetricsConfig{Prometheus: true, ReportInterval: time.Minute},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config, getAppEnvironment()); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// applyEnvOverrides pulls venue credentials from the environment so they
// never need to live in the YAML file.
func applyEnvOverrides(cfg *Config) {
	set := func(dst *string, env string) {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Venues.Binance.APIKey, "BINANCE_API_KEY")
	set(&cfg.Venues.Binance.APISecret, "BINANCE_API_SECRET")
	set(&cfg.Venues.Bybit.APIKey, "BYBIT_API_KEY")
	set(&cfg.Venues.Bybit.APISecret, "BYBIT_API_SECRET")
	set(&cfg.Venues.Okx.APIKey, "OKX_API_KEY")
	set(&cfg.Venues.Okx.APISecret, "OKX_API_SECRET")
	set(&cfg.Venues.Okx.Passphrase, "OKX_PASSPHRASE")
	set(&cfg.Venues.Hyperliquid.PrivateKey, "HYPERLIQUID_PRIVATE_KEY")
	set(&cfg.Venues.Hyperliquid.AccountAddress, "HYPERLIQUID_ACCOUNT_ADDRESS")
	set(&cfg.Logging.Level, "LOG_LEVEL")
	set(&cfg.Metrics.CloudWatch.Region, "AWS_REGION")
	set(&cfg.Metrics.CloudWatch.AccessKeyID, "AWS_ACCESS_KEY_ID")
	set(&cfg.Metrics.CloudWatch.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
}

func validateConfig(cfg *Config, env string) error {
	if cfg.Worker.Name == "" {
		return fmt.Errorf("worker.name is required")
	}

	if len(cfg.Venues.Enabled()) == 0 {
		return fmt.Errorf("at least one venue must be enabled")
	}

	for id, v := range cfg.Venues.ByID() {
		if !v.Enabled {
			continue
		}
		if v.MaxSubscriptionsPerConn <= 0 {
			return fmt.Errorf("venues.%s.max_subscriptions_per_conn must be greater than 0", id)
		}
		if v.MaxTopicsPerRequest <= 0 {
			return fmt.Errorf("venues.%s.max_topics_per_request must be greater than 0", id)
		}
		if v.Private && !v.HasCredentials(id) {
			if IsProductionLike(env) {
				return fmt.Errorf("venues.%s.private requires credentials", id)
			}
		}
	}

	if cfg.Stream.ReconnectBase <= 0 {
		return fmt.Errorf("stream.reconnect_base must be greater than 0")
	}
	if cfg.Stream.ReconnectCap < cfg.Stream.ReconnectBase {
		return fmt.Errorf("stream.reconnect_cap must not be below stream.reconnect_base")
	}
	if cfg.Stream.ReconnectJitter < 0 || cfg.Stream.ReconnectJitter >= 1 {
		return fmt.Errorf("stream.reconnect_jitter must be in [0, 1)")
	}
	if cfg.Stream.PingInterval <= 0 {
		return fmt.Errorf("stream.ping_interval must be greater than 0")
	}
	if cfg.Stream.PongTimeout <= cfg.Stream.PingInterval {
		return fmt.Errorf("stream.pong_timeout must be greater than stream.ping_interval")
	}

	if cfg.Channels.FragmentBuffer <= 0 {
		return fmt.Errorf("channels.fragment_buffer must be greater than 0")
	}
	if cfg.Channels.AccountBuffer <= 0 {
		return fmt.Errorf("channels.account_buffer must be greater than 0")
	}

	if cfg.Aggregator.BatchInterval <= 0 {
		return fmt.Errorf("aggregator.batch_interval must be greater than 0")
	}
	if cfg.Account.BalanceRefetchInterval <= 0 {
		return fmt.Errorf("account.balance_refetch_interval must be greater than 0")
	}
	if cfg.Twap.MaxActiveJobs <= 0 {
		return fmt.Errorf("twap.max_active_jobs must be greater than 0")
	}

	if cfg.Control.Enabled && cfg.Control.Address == "" {
		return fmt.Errorf("control.address is required when the control API is enabled")
	}

	return nil
}
