package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// FeedConfig holds configuration for the feed service
type FeedConfig struct {
	Feed    SourceConfig  `yaml:"feed"`
	Retry   RetryConfig   `yaml:"retry"`
	Book    BookConfig    `yaml:"book"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
}

// SourceConfig describes the upstream market-data service
type SourceConfig struct {
	URL    string   `yaml:"url"`
	Symbol string   `yaml:"symbol"`
	Topics []string `yaml:"topics"`
}

// RetryConfig holds reconnect parameters
type RetryConfig struct {
	InitialDelay   time.Duration `yaml:"initial_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	MaxRetries     int           `yaml:"max_retries"`
	Multiplier     float64       `yaml:"multiplier"`
	Jitter         bool          `yaml:"jitter"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// BookConfig holds order book parameters
type BookConfig struct {
	Depth int `yaml:"depth"`
}

// LedgerConfig holds trade ledger parameters
type LedgerConfig struct {
	Capacity      int           `yaml:"capacity"`
	StatsInterval time.Duration `yaml:"stats_interval"`
	RefreshDelay  time.Duration `yaml:"refresh_delay"`
}

// ServerConfig holds the local serving ports
type ServerConfig struct {
	GRPCPort int `yaml:"grpc_port"`
	HTTPPort int `yaml:"http_port"`
}

// LoggingConfig holds logger parameters
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// ClientConfig holds configuration for the client
type ClientConfig struct {
	ServerAddress string
	Interval      time.Duration
	Format        string
	Duration      time.Duration
}

// DefaultFeedConfig returns the built-in defaults
func DefaultFeedConfig() *FeedConfig {
	return &FeedConfig{
		Feed: SourceConfig{
			URL:    "ws://localhost:8080/ws/orders",
			Symbol: "AKBNK",
		},
		Retry: RetryConfig{
			InitialDelay:   1 * time.Second,
			MaxDelay:       30 * time.Second,
			MaxRetries:     15,
			Multiplier:     2.0,
			ConnectTimeout: 10 * time.Second,
		},
		Book: BookConfig{Depth: 20},
		Ledger: LedgerConfig{
			Capacity:      500,
			StatsInterval: time.Second,
			RefreshDelay:  100 * time.Millisecond,
		},
		Server: ServerConfig{
			GRPCPort: 50051,
			HTTPPort: 9090,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadFeedConfig reads defaults, then the optional YAML file, then the environment
func LoadFeedConfig(path string) (*FeedConfig, error) {
	cfg := DefaultFeedConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse YAML: %w", err)
		}
	}

	// .env is optional
	_ = godotenv.Load()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *FeedConfig) applyEnv() error {
	if v := os.Getenv("MARKETFEED_URL"); v != "" {
		c.Feed.URL = v
	}
	if v := os.Getenv("MARKETFEED_SYMBOL"); v != "" {
		c.Feed.Symbol = v
	}
	if v := os.Getenv("MARKETFEED_TOPICS"); v != "" {
		c.Feed.Topics = splitList(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("MARKETFEED_LOG_FILE"); v != "" {
		c.Logging.File = v
	}
	for env, dst := range map[string]*int{
		"MARKETFEED_GRPC_PORT":   &c.Server.GRPCPort,
		"MARKETFEED_HTTP_PORT":   &c.Server.HTTPPort,
		"MARKETFEED_MAX_RETRIES": &c.Retry.MaxRetries,
	} {
		v := os.Getenv(env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", env, v, err)
		}
		*dst = n
	}
	return nil
}

// Validate checks value ranges
func (c *FeedConfig) Validate() error {
	var errs []error
	if !strings.HasPrefix(c.Feed.URL, "ws://") && !strings.HasPrefix(c.Feed.URL, "wss://") {
		errs = append(errs, fmt.Errorf("feed.url must be a ws:// or wss:// URL, got %q", c.Feed.URL))
	}
	if strings.TrimSpace(c.Feed.Symbol) == "" {
		errs = append(errs, errors.New("feed.symbol is required"))
	}
	if c.Retry.InitialDelay <= 0 || c.Retry.MaxDelay < c.Retry.InitialDelay {
		errs = append(errs, errors.New("retry delays must satisfy 0 < initial_delay <= max_delay"))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("retry.max_retries must not be negative"))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("retry.multiplier must be at least 1"))
	}
	if c.Retry.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("retry.connect_timeout must be positive"))
	}
	if c.Book.Depth <= 0 {
		errs = append(errs, errors.New("book.depth must be positive"))
	}
	if c.Ledger.Capacity <= 0 {
		errs = append(errs, errors.New("ledger.capacity must be positive"))
	}
	if c.Ledger.StatsInterval <= 0 {
		errs = append(errs, errors.New("ledger.stats_interval must be positive"))
	}
	return errors.Join(errs...)
}

// FeedFlags binds command line overrides for the feed service
type FeedFlags struct {
	ConfigPath string
	url        string
	symbol     string
	topics     string
	depth      int
	grpcPort   int
	httpPort   int
	logLevel   string
}

// Register adds the feed flags to fs
func (f *FeedFlags) Register(fs *pflag.FlagSet) {
	def := DefaultFeedConfig()
	fs.StringVarP(&f.ConfigPath, "config", "c", "", "Path to YAML config file")
	fs.StringVar(&f.url, "url", def.Feed.URL, "Upstream WebSocket URL")
	fs.StringVar(&f.symbol, "symbol", def.Feed.Symbol, "Symbol to track")
	fs.StringVar(&f.topics, "topics", "", "Comma-separated extra market-data topics")
	fs.IntVar(&f.depth, "depth", def.Book.Depth, "Order book depth per side")
	fs.IntVar(&f.grpcPort, "grpc-port", def.Server.GRPCPort, "gRPC server port")
	fs.IntVar(&f.httpPort, "http-port", def.Server.HTTPPort, "Metrics/status HTTP port")
	fs.StringVar(&f.logLevel, "log-level", def.Logging.Level, "Log level")
}

// Apply copies every flag the user set explicitly onto cfg
func (f *FeedFlags) Apply(fs *pflag.FlagSet, cfg *FeedConfig) {
	if fs.Changed("url") {
		cfg.Feed.URL = f.url
	}
	if fs.Changed("symbol") {
		cfg.Feed.Symbol = f.symbol
	}
	if fs.Changed("topics") {
		cfg.Feed.Topics = splitList(f.topics)
	}
	if fs.Changed("depth") {
		cfg.Book.Depth = f.depth
	}
	if fs.Changed("grpc-port") {
		cfg.Server.GRPCPort = f.grpcPort
	}
	if fs.Changed("http-port") {
		cfg.Server.HTTPPort = f.httpPort
	}
	if fs.Changed("log-level") {
		cfg.Logging.Level = f.logLevel
	}
}

// RegisterClientFlags adds the client flags to fs
func RegisterClientFlags(fs *pflag.FlagSet, cfg *ClientConfig) {
	fs.StringVar(&cfg.ServerAddress, "server", "localhost:50051", "Feed service address")
	fs.DurationVar(&cfg.Interval, "interval", time.Second, "Order book refresh interval")
	fs.StringVar(&cfg.Format, "format", "table", "Output format (json/table)")
	fs.DurationVar(&cfg.Duration, "duration", 30*time.Second, "How long to watch (0 = forever)")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
