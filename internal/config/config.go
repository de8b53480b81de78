// ============================================================================
// Config - 系統配置
// ============================================================================
//
// YAML 格式，所有欄位都有預設值；設定檔只需覆蓋要變更的部分。
// 時間欄位使用 Go duration 字串（"500ms", "30s", "1m"）。
//
//   logging:  日誌等級與格式
//   store:    紀錄存放（sqlite / memory）
//   queue:    執行佇列（worker 數、重試、限速、WAL/快照）
//   backend:  執行後端（simulator / grpc / http）
//   notify:   通知推送（Redis Pub/Sub）
//   api:      REST API
//   metrics:  Prometheus 指標
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// 後端類型
const (
	BackendSimulator = "simulator"
	BackendGRPC      = "grpc"
	BackendHTTP      = "http"
)

// 紀錄存放類型
const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Config 完整系統配置
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Store   StoreConfig   `yaml:"store"`
	Queue   QueueConfig   `yaml:"queue"`
	Backend BackendConfig `yaml:"backend"`
	Notify  NotifyConfig  `yaml:"notify"`
	API     APIConfig     `yaml:"api"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | text
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// QueueConfig 執行佇列
type QueueConfig struct {
	Concurrency      int           `yaml:"concurrency"`
	MaxAttempts      int           `yaml:"max_attempts"`
	BaseBackoff      time.Duration `yaml:"base_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	RateLimit        float64       `yaml:"rate_limit"` // 每秒分派數，0 表示不限速
	RateBurst        int           `yaml:"rate_burst"`
	TaskTimeout      time.Duration `yaml:"task_timeout"`
	WALPath          string        `yaml:"wal_path"`
	SnapshotPath     string        `yaml:"snapshot_path"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	SyncOnAppend     bool          `yaml:"sync_on_append"`
}

// BackendConfig 執行後端
type BackendConfig struct {
	Kind      string          `yaml:"kind"`
	Address   string          `yaml:"address"` // grpc: host:port；http: base URL
	Timeout   time.Duration   `yaml:"timeout"`
	Simulator SimulatorConfig `yaml:"simulator"`
}

type SimulatorConfig struct {
	MinDelay    time.Duration `yaml:"min_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	FailureRate float64       `yaml:"failure_rate"`
	Seed        int64         `yaml:"seed"`

	// backend 子命令的監聽位址
	Listen string `yaml:"listen"`
}

// NotifyConfig 通知推送
type NotifyConfig struct {
	BufferSize  int           `yaml:"buffer_size"`
	SendTimeout time.Duration `yaml:"send_timeout"`
	Redis       RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Address       string        `yaml:"address"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	ChannelPrefix string        `yaml:"channel_prefix"`
	MaxRetries    uint64        `yaml:"max_retries"`
	RetryBase     time.Duration `yaml:"retry_base"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default 回傳預設配置
func Default() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Store:   StoreConfig{Driver: StoreSQLite, Path: "data/market.db"},
		Queue: QueueConfig{
			Concurrency:      5,
			MaxAttempts:      5,
			BaseBackoff:      time.Second,
			MaxBackoff:       time.Minute,
			RateLimit:        10,
			RateBurst:        5,
			TaskTimeout:      2 * time.Minute,
			WALPath:          "data/queue.wal",
			SnapshotPath:     "data/queue_snapshot.json",
			SnapshotInterval: 30 * time.Second,
			SyncOnAppend:     true,
		},
		Backend: BackendConfig{
			Kind:    BackendSimulator,
			Timeout: 2 * time.Minute,
			Simulator: SimulatorConfig{
				MinDelay:    100 * time.Millisecond,
				MaxDelay:    500 * time.Millisecond,
				FailureRate: 0.1,
				Listen:      ":50051",
			},
		},
		Notify: NotifyConfig{
			BufferSize:  256,
			SendTimeout: 5 * time.Second,
			Redis: RedisConfig{
				Address:       "localhost:6379",
				ChannelPrefix: "swarm-market:",
				MaxRetries:    3,
				RetryBase:     100 * time.Millisecond,
			},
		},
		API:     APIConfig{Enabled: true, Address: ":8080"},
		Metrics: MetricsConfig{Enabled: true, Address: ":9090"},
	}
}

// Load 讀取設定檔並覆蓋預設值
//
// 檔案不存在時回傳預設配置；解析或驗證失敗回傳錯誤。
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 檢查配置
func (c Config) Validate() error {
	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.Path == "" {
			return errors.New("config: store.path is required for sqlite")
		}
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}

	q := c.Queue
	switch {
	case q.Concurrency <= 0:
		return fmt.Errorf("config: queue.concurrency must be positive, got %d", q.Concurrency)
	case q.MaxAttempts <= 0:
		return fmt.Errorf("config: queue.max_attempts must be positive, got %d", q.MaxAttempts)
	case q.BaseBackoff <= 0 || q.MaxBackoff < q.BaseBackoff:
		return fmt.Errorf("config: queue backoff must satisfy 0 < base_backoff <= max_backoff")
	case q.RateLimit < 0:
		return fmt.Errorf("config: queue.rate_limit must not be negative")
	case q.WALPath == "" || q.SnapshotPath == "":
		return errors.New("config: queue.wal_path and queue.snapshot_path are required")
	}

	switch c.Backend.Kind {
	case BackendSimulator:
		s := c.Backend.Simulator
		if s.MinDelay < 0 || s.MaxDelay < s.MinDelay {
			return errors.New("config: backend.simulator delays must satisfy 0 <= min_delay <= max_delay")
		}
		if s.FailureRate < 0 || s.FailureRate > 1 {
			return fmt.Errorf("config: backend.simulator.failure_rate must be within [0,1], got %v", s.FailureRate)
		}
	case BackendGRPC, BackendHTTP:
		if c.Backend.Address == "" {
			return fmt.Errorf("config: backend.address is required for %s backend", c.Backend.Kind)
		}
	default:
		return fmt.Errorf("config: unknown backend.kind %q", c.Backend.Kind)
	}
	if c.Backend.Timeout <= 0 {
		return errors.New("config: backend.timeout must be positive")
	}

	if c.Notify.Redis.Enabled && c.Notify.Redis.Address == "" {
		return errors.New("config: notify.redis.address is required when redis is enabled")
	}
	if c.API.Enabled && c.API.Address == "" {
		return errors.New("config: api.address is required when api is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return errors.New("config: metrics.address is required when metrics is enabled")
	}
	return nil
}
