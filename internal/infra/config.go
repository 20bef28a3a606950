package infra

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"l3feed/internal/domain"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config는 애플리케이션의 모든 설정을 담습니다.
// LoadConfig로 로드된 후에 환경 변수를 통해 민감 내용을 덮어씁니다.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Kraken struct {
		RestURL             string `yaml:"rest_url"`
		WSURL               string `yaml:"ws_url"`
		APIKey              string `yaml:"api_key"`
		APISecret           string `yaml:"api_secret"`
		HandshakeTimeoutSec int    `yaml:"handshake_timeout_sec"`
	} `yaml:"kraken"`

	Feed struct {
		Symbols         []string `yaml:"symbols"`
		Depth           int      `yaml:"depth"`
		Snapshot        bool     `yaml:"snapshot"`
		ReqID           uint64   `yaml:"req_id"`
		StaleTimeoutSec int      `yaml:"stale_timeout_sec"`
		PingIntervalSec int      `yaml:"ping_interval_sec"`
		ResyncOnError   bool     `yaml:"resync_on_error"`
		RunDurationSec  int      `yaml:"run_duration_sec"` // 0 = until signal

		Reconnect struct {
			InitialBackoffMS int `yaml:"initial_backoff_ms"`
			MaxBackoffMS     int `yaml:"max_backoff_ms"`
			MaxElapsedSec    int `yaml:"max_elapsed_sec"`
		} `yaml:"reconnect"`
	} `yaml:"feed"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Reports struct {
		Dir                string `yaml:"dir"`
		MetricsIntervalSec int    `yaml:"metrics_interval_sec"`
	} `yaml:"reports"`

	Profiling struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"profiling"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`
}

// Kraken depth values accepted by the level3 channel.
var validDepths = map[int]bool{10: true, 100: true, 1000: true}

// LoadDotEnv는 .env 파일을 프로세스 환경으로 읽어 들입니다. 파일이 없으면 무시합니다.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// LoadConfig는 설정 파일을 읽고 파싱합니다.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	// 4원칙: 보안 우선 - 환경 변수 오버라이드 지원
	overrideWithEnv(&cfg)

	// 5원칙: 설정 유효성 검사
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Kraken.RestURL == "" {
		c.Kraken.RestURL = "https://api.kraken.com"
	}
	if c.Kraken.WSURL == "" {
		c.Kraken.WSURL = "wss://ws-l3.kraken.com/v2"
	}
	if c.Kraken.HandshakeTimeoutSec == 0 {
		c.Kraken.HandshakeTimeoutSec = 10
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/l3feed.db"
	}
	if c.Reports.Dir == "" {
		c.Reports.Dir = "reports"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
	if c.Profiling.Addr == "" {
		c.Profiling.Addr = "localhost:6060"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Kraken.RestURL, "https://") && !strings.HasPrefix(c.Kraken.RestURL, "http://") {
		return &domain.ConfigError{Field: "kraken.rest_url", Err: fmt.Errorf("invalid REST URL: %s", c.Kraken.RestURL)}
	}
	if !strings.HasPrefix(c.Kraken.WSURL, "ws://") && !strings.HasPrefix(c.Kraken.WSURL, "wss://") {
		return &domain.ConfigError{Field: "kraken.ws_url", Err: fmt.Errorf("invalid WS URL: %s", c.Kraken.WSURL)}
	}
	if c.Kraken.HandshakeTimeoutSec < 0 {
		return &domain.ConfigError{Field: "kraken.handshake_timeout_sec", Err: errors.New("must not be negative")}
	}

	if len(c.Feed.Symbols) == 0 {
		return &domain.ConfigError{Field: "feed.symbols", Err: errors.New("at least one symbol is required")}
	}
	for _, s := range c.Feed.Symbols {
		if base, quote, ok := strings.Cut(s, "/"); !ok || base == "" || quote == "" {
			return &domain.ConfigError{Field: "feed.symbols", Err: fmt.Errorf("%w: %q", domain.ErrInvalidSymbol, s)}
		}
	}
	if c.Feed.Depth != 0 && !validDepths[c.Feed.Depth] {
		return &domain.ConfigError{Field: "feed.depth", Err: fmt.Errorf("unsupported depth %d (10, 100 or 1000)", c.Feed.Depth)}
	}

	durations := []struct {
		field string
		value int
	}{
		{"feed.stale_timeout_sec", c.Feed.StaleTimeoutSec},
		{"feed.ping_interval_sec", c.Feed.PingIntervalSec},
		{"feed.run_duration_sec", c.Feed.RunDurationSec},
		{"feed.reconnect.initial_backoff_ms", c.Feed.Reconnect.InitialBackoffMS},
		{"feed.reconnect.max_backoff_ms", c.Feed.Reconnect.MaxBackoffMS},
		{"feed.reconnect.max_elapsed_sec", c.Feed.Reconnect.MaxElapsedSec},
		{"reports.metrics_interval_sec", c.Reports.MetricsIntervalSec},
	}
	for _, d := range durations {
		if d.value < 0 {
			return &domain.ConfigError{Field: d.field, Err: errors.New("must not be negative")}
		}
	}
	if c.Feed.PingIntervalSec > 0 && c.Feed.StaleTimeoutSec > 0 && c.Feed.PingIntervalSec >= c.Feed.StaleTimeoutSec {
		return &domain.ConfigError{Field: "feed.ping_interval_sec", Err: errors.New("must be shorter than stale_timeout_sec")}
	}

	return nil
}

// StaleTimeout returns the allowed silence between frames, 0 to disable.
func (c *Config) StaleTimeout() time.Duration {
	return time.Duration(c.Feed.StaleTimeoutSec) * time.Second
}

// RunDuration returns how long the feed runs, 0 for until signalled.
func (c *Config) RunDuration() time.Duration {
	return time.Duration(c.Feed.RunDurationSec) * time.Second
}

// overrideWithEnv는 환경 변수가 존재할 경우 설정 값을 덮어씁니다.
func overrideWithEnv(cfg *Config) {
	if key := os.Getenv("KRAKEN_API_KEY"); key != "" {
		cfg.Kraken.APIKey = key
	}
	if secret := os.Getenv("KRAKEN_PRIVATE_KEY"); secret != "" {
		cfg.Kraken.APISecret = secret
	}
	if level := os.Getenv("L3FEED_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}
