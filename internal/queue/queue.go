// ============================================================================
// Swarm-Market 執行佇列 - 持久化重試佇列
// ============================================================================
//
// Package: internal/queue
// 文件: queue.go
// 功能: 接受出價後的執行任務佇列，崩潰後可從快照 + WAL 恢復
//
// 架構設計:
//   - WAL: 每個狀態變更先寫日誌，再修改內存狀態（Write-Ahead）
//   - Snapshot: 定期保存任務與死信，之後旋轉 WAL
//   - WorkerPool: 固定數量的 Worker 執行 Handler，數量即並發上限
//   - rate.Limiter: 分派前的令牌桶，限制對執行後端的請求速率
//
// 核心循環 (3 個並發 Goroutine):
//   1. Dispatch Loop - 取出到期的任務分派給 worker
//   2. Result Loop - 接收執行結果：成功 ACK、失敗退避重試或進入死信
//   3. Snapshot Loop - 定期建立快照並旋轉 WAL
//
// 任務狀態:
//
//	Enqueue ──→ pending ──dispatch──→ in-flight ──success──→ (移除)
//	               ↑                      │
//	               └──── retry(backoff) ──┤
//	                                      └── attempts 用盡 ──→ dead letter
//
// 投遞語意:
//   - 至少一次：崩潰時執行中的任務恢復為 pending 並重新分派
//   - 每個工作同時最多一個任務（以 JobID 去重）
//
// ============================================================================

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ChuLiYu/swarm-market/internal/apperr"
	"github.com/ChuLiYu/swarm-market/internal/snapshot"
	"github.com/ChuLiYu/swarm-market/internal/storage/wal"
	"github.com/ChuLiYu/swarm-market/internal/worker"
	"github.com/ChuLiYu/swarm-market/pkg/types"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config 佇列配置
type Config struct {
	Concurrency      int           // Worker 數量（同時執行的任務上限）
	MaxAttempts      int           // 失敗次數達到此值即進入死信
	BaseBackoff      time.Duration // 第一次重試的等待時間
	MaxBackoff       time.Duration // 退避上限
	RateLimit        float64       // 每秒分派任務數，0 表示不限速
	RateBurst        int           // 令牌桶容量
	TaskTimeout      time.Duration // 單次執行超時
	WALPath          string        // WAL 檔案路徑
	SnapshotPath     string        // 快照檔案路徑
	SnapshotInterval time.Duration // 快照間隔，0 表示只在關閉時快照
	SyncOnAppend     bool          // 每次寫 WAL 是否 fsync
	PollInterval     time.Duration // 分派循環的輪詢間隔
}

// DefaultConfig 回傳預設配置
func DefaultConfig() Config {
	return Config{
		Concurrency:      5,
		MaxAttempts:      5,
		BaseBackoff:      time.Second,
		MaxBackoff:       time.Minute,
		RateLimit:        10,
		RateBurst:        5,
		TaskTimeout:      30 * time.Second,
		WALPath:          "data/queue.wal",
		SnapshotPath:     "data/queue_snapshot.json",
		SnapshotInterval: 30 * time.Second,
		SyncOnAppend:     true,
		PollInterval:     100 * time.Millisecond,
	}
}

// Validate 檢查配置
func (c Config) Validate() error {
	switch {
	case c.Concurrency <= 0:
		return fmt.Errorf("queue: concurrency must be positive, got %d", c.Concurrency)
	case c.MaxAttempts <= 0:
		return fmt.Errorf("queue: max attempts must be positive, got %d", c.MaxAttempts)
	case c.BaseBackoff <= 0:
		return fmt.Errorf("queue: base backoff must be positive")
	case c.MaxBackoff < c.BaseBackoff:
		return fmt.Errorf("queue: max backoff %s is below base backoff %s", c.MaxBackoff, c.BaseBackoff)
	case c.RateLimit < 0:
		return fmt.Errorf("queue: rate limit must not be negative")
	case c.WALPath == "" || c.SnapshotPath == "":
		return fmt.Errorf("queue: wal and snapshot paths are required")
	}
	return nil
}

// Observer 接收佇列事件，用於指標收集
type Observer interface {
	TaskEnqueued()
	TaskDispatched()
	TaskSucceeded(d time.Duration)
	TaskRetried()
	TaskDead()
	QueueDepth(pending, inFlight, dead int)
}

type nopObserver struct{}

func (nopObserver) TaskEnqueued()               {}
func (nopObserver) TaskDispatched()             {}
func (nopObserver) TaskSucceeded(time.Duration) {}
func (nopObserver) TaskRetried()                {}
func (nopObserver) TaskDead()                   {}
func (nopObserver) QueueDepth(int, int, int)    {}

// Stats 佇列統計
type Stats struct {
	Pending  int    `json:"pending"`
	InFlight int    `json:"in_flight"`
	Dead     int    `json:"dead"`
	LastSeq  uint64 `json:"last_seq"`
}

// Option 設定可選參數
type Option func(*Queue)

// WithLogger 指定 logger
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithClock 指定時間來源（測試用）
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithObserver 指定事件觀察者
func WithObserver(o Observer) Option {
	return func(q *Queue) { q.obs = o }
}

// WithDeadLetterHook 任務進入死信時呼叫（在鎖外執行）
func WithDeadLetterHook(fn func(types.DeadLetter)) Option {
	return func(q *Queue) { q.onDead = fn }
}

// Queue 持久化執行佇列
type Queue struct {
	mu       sync.Mutex
	cfg      Config
	wal      *wal.WAL
	snapshot *snapshot.Manager
	pool     *worker.Pool
	limiter  *rate.Limiter
	log      *slog.Logger
	now      func() time.Time
	obs      Observer
	onDead   func(types.DeadLetter)

	// 內存狀態（全部由 mu 保護）
	tasks    map[types.TaskID]*types.ExecutionTask // pending + in-flight
	order    []types.TaskID                        // 入隊順序
	byJob    map[types.JobID]types.TaskID
	inFlight map[types.TaskID]struct{}
	dead     map[types.TaskID]*types.DeadLetter

	recoveredIn time.Duration

	started bool
	closed  bool
	stopCh  chan struct{}
	wakeCh  chan struct{}
	cancel  context.CancelFunc
	loopWg  sync.WaitGroup
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 開啟佇列並從快照與 WAL 恢復狀態
//
// 恢復後崩潰前執行中的任務回到 pending；尚未開始分派，需呼叫 Start。
func New(cfg Config, opts ...Option) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}

	q := &Queue{
		cfg:      cfg,
		snapshot: snapshot.NewManager(cfg.SnapshotPath),
		log:      slog.Default(),
		now:      time.Now,
		obs:      nopObserver{},
		tasks:    make(map[types.TaskID]*types.ExecutionTask),
		byJob:    make(map[types.JobID]types.TaskID),
		inFlight: make(map[types.TaskID]struct{}),
		dead:     make(map[types.TaskID]*types.DeadLetter),
		stopCh:   make(chan struct{}),
		wakeCh:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	q.limiter = rate.NewLimiter(limit, burst)

	for _, dir := range []string{filepath.Dir(cfg.WALPath), filepath.Dir(cfg.SnapshotPath)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	w, err := wal.NewWAL(cfg.WALPath, cfg.SyncOnAppend)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}
	q.wal = w

	if err := q.recover(); err != nil {
		w.Close()
		return nil, err
	}
	return q, nil
}

// Start 啟動 Worker Pool 與背景循環
func (q *Queue) Start(handler worker.Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return apperr.ErrQueueUnavailable
	}
	if q.started {
		return fmt.Errorf("queue already started")
	}

	q.pool = worker.NewPool(q.cfg.Concurrency, handler)
	if err := q.pool.Start(q.cfg.Concurrency); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.started = true

	q.loopWg.Add(3)
	go q.dispatchLoop(ctx)
	go q.resultLoop()
	go q.snapshotLoop()

	q.log.Info("Execution queue started",
		"workers", q.cfg.Concurrency,
		"pending", len(q.tasks),
		"dead", len(q.dead))
	return nil
}

// Enqueue 將任務寫入 WAL 並加入佇列
//
// 同一工作已有任務時直接回傳既有任務的憑證。
// WAL 無法寫入或佇列已關閉時回傳 ErrQueueUnavailable；ctx 的取消不影響入隊。
func (q *Queue) Enqueue(_ context.Context, task types.ExecutionTask) (types.TaskHandle, error) {
	if task.ID == "" || task.JobID == "" {
		return types.TaskHandle{}, fmt.Errorf("%w: task id and job id are required", apperr.ErrInvalidArgument)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return types.TaskHandle{}, apperr.ErrQueueUnavailable
	}
	if existingID, ok := q.byJob[task.JobID]; ok {
		existing := q.tasks[existingID]
		q.mu.Unlock()
		return handleOf(existing), nil
	}

	nowMs := q.now().UnixMilli()
	t := task.Clone()
	if t.EnqueuedAt == 0 {
		t.EnqueuedAt = nowMs
	}
	t.Attempt = 0
	t.LastError = ""
	t.NextAttemptAt = t.EnqueuedAt

	// 先寫 WAL（Write-Ahead）
	if _, err := q.wal.Append(wal.Event{Type: wal.EventEnqueue, TaskID: t.ID, JobID: t.JobID, Task: t}); err != nil {
		q.mu.Unlock()
		q.log.Error("Failed to append ENQUEUE event", "taskID", t.ID, "jobID", t.JobID, "error", err)
		return types.TaskHandle{}, fmt.Errorf("%w: %v", apperr.ErrQueueUnavailable, err)
	}
	q.addTask(t)
	q.publishDepthLocked()
	q.mu.Unlock()

	q.obs.TaskEnqueued()
	q.wake()
	return handleOf(t), nil
}

// Contains 檢查工作是否有待處理或執行中的任務
func (q *Queue) Contains(jobID types.JobID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byJob[jobID]
	return ok
}

// Task 取得工作目前的任務
func (q *Queue) Task(jobID types.JobID) (*types.ExecutionTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.byJob[jobID]
	if !ok {
		return nil, false
	}
	return q.tasks[id].Clone(), true
}

// DeadLetterFor 取得工作最近一筆死信的任務 ID
func (q *Queue) DeadLetterFor(jobID types.JobID) (types.TaskID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var latest *types.DeadLetter
	for _, dl := range q.dead {
		if dl.Task.JobID != jobID {
			continue
		}
		if latest == nil || dl.FailedAt > latest.FailedAt ||
			(dl.FailedAt == latest.FailedAt && dl.Task.ID > latest.Task.ID) {
			latest = dl
		}
	}
	if latest == nil {
		return "", false
	}
	return latest.Task.ID, true
}

// DeadLetters 依失敗時間列出死信
func (q *Queue) DeadLetters() []types.DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return sortedDeadLetters(q.dead)
}

// RetryDeadLetter 人工重送死信任務，重試次數歸零
func (q *Queue) RetryDeadLetter(ctx context.Context, taskID types.TaskID) (types.TaskHandle, error) {
	if err := ctx.Err(); err != nil {
		return types.TaskHandle{}, err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return types.TaskHandle{}, apperr.ErrQueueUnavailable
	}
	dl, ok := q.dead[taskID]
	if !ok {
		q.mu.Unlock()
		return types.TaskHandle{}, fmt.Errorf("%w: %s", apperr.ErrTaskNotFound, taskID)
	}
	if _, busy := q.byJob[dl.Task.JobID]; busy {
		q.mu.Unlock()
		return types.TaskHandle{}, fmt.Errorf("%w: job %s", apperr.ErrTaskAlreadyQueued, dl.Task.JobID)
	}

	t := dl.Task.Clone()
	t.Attempt = 0
	t.LastError = ""
	t.NextAttemptAt = q.now().UnixMilli()

	if _, err := q.wal.Append(wal.Event{Type: wal.EventRevive, TaskID: t.ID, JobID: t.JobID, Task: t}); err != nil {
		q.mu.Unlock()
		return types.TaskHandle{}, fmt.Errorf("%w: %v", apperr.ErrQueueUnavailable, err)
	}
	delete(q.dead, taskID)
	q.addTask(t)
	q.publishDepthLocked()
	q.mu.Unlock()

	q.log.Info("Dead letter revived", "taskID", taskID, "jobID", t.JobID)
	q.wake()
	return handleOf(t), nil
}

// Stats 取得佇列統計
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:  len(q.tasks) - len(q.inFlight),
		InFlight: len(q.inFlight),
		Dead:     len(q.dead),
		LastSeq:  q.wal.GetLastSeq(),
	}
}

// Stop 優雅關閉佇列
//
// 關閉順序：
//  1. 標記 closed，之後的 Enqueue 回傳 ErrQueueUnavailable
//  2. close(stopCh) 並取消分派中的限速等待
//  3. pool.Stop() 等待執行中的任務完成，resultLoop 處理完最後的結果後退出
//  4. 最後一次快照，關閉 WAL
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	started := q.started
	q.mu.Unlock()

	q.log.Info("Stopping execution queue...")

	if started {
		close(q.stopCh)
		q.cancel()
		q.pool.Stop()
		q.loopWg.Wait()
	}

	q.mu.Lock()
	if err := q.takeSnapshotLocked(); err != nil {
		q.log.Error("Failed to take final snapshot", "error", err)
	}
	q.mu.Unlock()

	if err := q.wal.Close(); err != nil {
		q.log.Error("Failed to close WAL", "error", err)
	}
	q.log.Info("Execution queue stopped")
}

// ============================================================================
// 內部輔助方法（呼叫者需持有 mu）
// ============================================================================

func (q *Queue) addTask(t *types.ExecutionTask) {
	q.tasks[t.ID] = t
	q.byJob[t.JobID] = t.ID
	q.order = append(q.order, t.ID)
}

func (q *Queue) removeTask(id types.TaskID) {
	t, ok := q.tasks[id]
	if !ok {
		return
	}
	delete(q.tasks, id)
	delete(q.inFlight, id)
	if q.byJob[t.JobID] == id {
		delete(q.byJob, t.JobID)
	}
	for i, oid := range q.order {
		if oid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

func (q *Queue) publishDepthLocked() {
	q.obs.QueueDepth(len(q.tasks)-len(q.inFlight), len(q.inFlight), len(q.dead))
}

func (q *Queue) wake() {
	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

func handleOf(t *types.ExecutionTask) types.TaskHandle {
	return types.TaskHandle{TaskID: t.ID, JobID: t.JobID, EnqueuedAt: t.EnqueuedAt}
}

func sortedDeadLetters(m map[types.TaskID]*types.DeadLetter) []types.DeadLetter {
	out := make([]types.DeadLetter, 0, len(m))
	for _, dl := range m {
		c := *dl
		c.Task = *dl.Task.Clone()
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FailedAt != out[j].FailedAt {
			return out[i].FailedAt < out[j].FailedAt
		}
		return out[i].Task.ID < out[j].Task.ID
	})
	return out
}
