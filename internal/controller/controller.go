// ============================================================================
// Swarm-Market 控制器 - 系統核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 組裝所有模組並提供單一的操作入口（REST API 與 CLI 都經過這裡）
//
// 架構設計:
//   - Store:       紀錄儲存（SQLite 或記憶體），唯一真實來源
//   - JobManager:  工作狀態機、出價帳本、接受出價與結算
//   - Queue:       持久化執行佇列（WAL + 快照），重試與死信
//   - Runner:      佇列 worker 的處理函式，呼叫執行後端並完成工作
//   - Backend:     執行後端（模擬器 / gRPC / HTTP）
//   - Notifier:    非同步通知分派（Redis Pub/Sub / 日誌）
//   - Metrics:     Prometheus 指標
//
// 請求流程:
//   API → Controller → JobManager ──(交易提交)──▶ Queue.Enqueue
//                                                   ↓ dispatch
//                                    Runner.Handle ← Worker Pool
//                                        ↓
//                                     Backend → JobManager.CompleteExecution
//
// 通知與指標都在狀態變更提交之後送出，失敗不影響操作結果。
//
// 啟動流程:
//   1. 開啟 Store
//   2. 開啟 Queue（快照 + WAL 恢復）
//   3. 啟動通知分派器與 Worker Pool
//   4. 列出「已指派但佇列中沒有任務」的工作，交由操作員處理
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/swarm-market/internal/backend"
	"github.com/ChuLiYu/swarm-market/internal/config"
	"github.com/ChuLiYu/swarm-market/internal/earnings"
	"github.com/ChuLiYu/swarm-market/internal/jobmanager"
	"github.com/ChuLiYu/swarm-market/internal/metrics"
	"github.com/ChuLiYu/swarm-market/internal/notify"
	"github.com/ChuLiYu/swarm-market/internal/queue"
	"github.com/ChuLiYu/swarm-market/internal/runner"
	"github.com/ChuLiYu/swarm-market/internal/store"
	"github.com/ChuLiYu/swarm-market/pkg/types"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Option 設定可選參數
type Option func(*Controller)

// WithLogger 指定 logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithBackend 使用指定的執行後端，忽略 backend 配置
func WithBackend(b backend.Backend) Option {
	return func(c *Controller) { c.backend = b }
}

// WithStore 使用指定的紀錄儲存，忽略 store 配置
func WithStore(st store.Store) Option {
	return func(c *Controller) { c.store = st }
}

// WithMetrics 使用指定的指標收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithSinks 追加通知 sink
func WithSinks(sinks ...notify.Sink) Option {
	return func(c *Controller) { c.extraSinks = append(c.extraSinks, sinks...) }
}

// WithClock 指定時間來源（測試用）
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Status 系統狀態摘要
type Status struct {
	Queue                queue.Stats   `json:"queue"`
	RecoveryTime         time.Duration `json:"recovery_time_ns"`
	NotificationsDropped int64         `json:"notifications_dropped"`
	Uptime               time.Duration `json:"uptime_ns"`
}

// Controller 核心控制器
type Controller struct {
	cfg config.Config
	log *slog.Logger
	now func() time.Time

	store    store.Store
	queue    *queue.Queue
	jobs     *jobmanager.Manager
	runner   *runner.Runner
	backend  backend.Backend
	notifier *notify.Dispatcher
	metrics  *metrics.Collector

	extraSinks []notify.Sink
	closers    []io.Closer // 停止時依反序關閉

	mu        sync.Mutex
	started   bool
	stopped   bool
	startTime time.Time
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 依配置建立 Controller
//
// 開啟 Store 與 Queue（含 WAL 恢復），但不啟動任何背景工作；需呼叫 Start。
// 任何一步失敗都會關閉已開啟的資源。
func New(cfg config.Config, opts ...Option) (*Controller, error) {
	c := &Controller{
		cfg: cfg,
		log: slog.Default(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.NewCollector()
	}

	ok := false
	defer func() {
		if !ok {
			if c.queue != nil {
				c.queue.Stop()
			}
			c.closeAll()
		}
	}()

	// 1. 通知分派器
	c.notifier = notify.NewDispatcher(cfg.Notify.BufferSize, c.buildSinks(),
		notify.WithLogger(c.log),
		notify.WithSendTimeout(cfg.Notify.SendTimeout),
		notify.WithDropHook(c.metrics.RecordNotificationDropped),
		notify.WithFailureHook(func(sink string, _ error) { c.metrics.RecordNotificationFailure(sink) }),
	)

	// 2. 紀錄儲存
	if c.store == nil {
		st, err := openStore(cfg.Store)
		if err != nil {
			return nil, err
		}
		c.store = st
	}
	c.closers = append(c.closers, c.store)

	// 3. 執行佇列（恢復）
	q, err := queue.New(queueConfig(cfg.Queue),
		queue.WithLogger(c.log),
		queue.WithClock(c.now),
		queue.WithObserver(c.metrics),
		queue.WithDeadLetterHook(c.onDeadLetter),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open execution queue: %w", err)
	}
	c.queue = q
	c.metrics.SetRecoveryTime(q.RecoveryTime())

	// 4. 工作管理器
	c.jobs = jobmanager.New(c.store, q, earnings.NewDistributor(c.log),
		jobmanager.WithLogger(c.log),
		jobmanager.WithClock(c.now),
		jobmanager.WithHandoffFailureHook(c.onHandoffFailure),
	)

	// 5. 執行後端與 Runner
	if c.backend == nil {
		b, closer, err := openBackend(cfg.Backend, c.log)
		if err != nil {
			return nil, err
		}
		c.backend = b
		if closer != nil {
			c.closers = append(c.closers, closer)
		}
	}
	c.runner = runner.New(c.jobs, c.backend,
		runner.WithLogger(c.log),
		runner.WithStartHook(c.onExecutionStarted),
		runner.WithCompletionHook(c.onExecutionCompleted),
	)

	ok = true
	return c, nil
}

// Start 啟動通知分派與執行佇列
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return errors.New("controller stopped")
	}
	if c.started {
		return nil
	}

	c.startTime = c.now()
	c.notifier.Start()
	if err := c.queue.Start(c.runner.Handle); err != nil {
		return fmt.Errorf("failed to start execution queue: %w", err)
	}
	c.started = true

	// 不自動重新入隊，只列出讓操作員決定
	orphans, err := c.jobs.UnqueuedAssignments(ctx)
	if err != nil {
		c.log.Warn("Failed to list unqueued assignments", "error", err)
	} else if len(orphans) > 0 {
		ids := make([]types.JobID, 0, len(orphans))
		for _, job := range orphans {
			ids = append(ids, job.ID)
		}
		c.log.Warn("Assigned jobs without a queued task", "count", len(orphans), "jobIDs", ids)
	}

	c.log.Info("Controller started",
		"recovery", c.queue.RecoveryTime(),
		"workers", c.cfg.Queue.Concurrency,
		"backend", c.cfg.Backend.Kind)
	return nil
}

// Stop 優雅關閉：停止佇列（寫入最終快照）→ 送完通知 → 關閉後端與儲存
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	c.queue.Stop()

	var errs []error
	if err := c.notifier.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("notifier: %w", err))
	}
	if err := c.closeAll(); err != nil {
		errs = append(errs, err)
	}

	c.log.Info("Controller stopped")
	return errors.Join(errs...)
}

// Metrics 回傳指標收集器
func (c *Controller) Metrics() *metrics.Collector {
	return c.metrics
}

// Status 回傳系統狀態摘要
func (c *Controller) Status() Status {
	c.mu.Lock()
	startTime := c.startTime
	c.mu.Unlock()

	s := Status{
		Queue:                c.queue.Stats(),
		RecoveryTime:         c.queue.RecoveryTime(),
		NotificationsDropped: c.notifier.Dropped(),
	}
	if !startTime.IsZero() {
		s.Uptime = c.now().Sub(startTime)
	}
	return s
}

// ============================================================================
// 組裝輔助
// ============================================================================

func (c *Controller) buildSinks() []notify.Sink {
	sinks := make([]notify.Sink, 0, 2+len(c.extraSinks))
	if rc := c.cfg.Notify.Redis; rc.Enabled {
		client := notify.NewRedisClient(notify.RedisOptions{
			Address:  rc.Address,
			Password: rc.Password,
			DB:       rc.DB,
		})
		c.closers = append(c.closers, client)
		sinks = append(sinks, notify.NewRedisSink(client, rc.ChannelPrefix, rc.MaxRetries, rc.RetryBase))
	} else {
		sinks = append(sinks, notify.NewLogSink(c.log))
	}
	return append(sinks, c.extraSinks...)
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.StoreMemory:
		return store.NewMemory(), nil
	case config.StoreSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		st, err := store.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func openBackend(cfg config.BackendConfig, logger *slog.Logger) (backend.Backend, io.Closer, error) {
	switch cfg.Kind {
	case config.BackendSimulator:
		return backend.NewSimulator(backend.SimulatorConfig{
			MinDelay:    cfg.Simulator.MinDelay,
			MaxDelay:    cfg.Simulator.MaxDelay,
			FailureRate: cfg.Simulator.FailureRate,
			Seed:        cfg.Simulator.Seed,
		}), nil, nil
	case config.BackendGRPC:
		client, err := backend.NewGRPCClient(cfg.Address, cfg.Timeout)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect execution backend: %w", err)
		}
		logger.Info("Using gRPC execution backend", "address", cfg.Address)
		return client, client, nil
	case config.BackendHTTP:
		logger.Info("Using HTTP execution backend", "url", cfg.Address)
		return backend.NewHTTPClient(cfg.Address, cfg.Timeout), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}

func queueConfig(qc config.QueueConfig) queue.Config {
	cfg := queue.DefaultConfig()
	cfg.Concurrency = qc.Concurrency
	cfg.MaxAttempts = qc.MaxAttempts
	cfg.BaseBackoff = qc.BaseBackoff
	cfg.MaxBackoff = qc.MaxBackoff
	cfg.RateLimit = qc.RateLimit
	cfg.RateBurst = qc.RateBurst
	cfg.TaskTimeout = qc.TaskTimeout
	cfg.WALPath = qc.WALPath
	cfg.SnapshotPath = qc.SnapshotPath
	cfg.SnapshotInterval = qc.SnapshotInterval
	cfg.SyncOnAppend = qc.SyncOnAppend
	return cfg
}

func (c *Controller) closeAll() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
