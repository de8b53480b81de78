// ============================================================================
// Swarm-Market 工作管理器 - 工作狀態機與出價帳本
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 管理工作從發布、出價、接受到完成結算的完整生命週期
//
// 設計理念:
//   紀錄儲存 (store.Store) 是唯一真實來源，Manager 本身不快取任何狀態。
//   每次狀態變更都在一個 store.Update 交易中完成，交易提交後才視為生效。
//
// 工作狀態轉換 (State Machine):
//   OPEN (開放出價)
//      ↓ AcceptBid()
//   ASSIGNED (已指派)  ──▶ 同步送入執行佇列
//      ↓ BeginExecution()（重複呼叫為 no-op）
//   IN_PROGRESS (執行中)
//      ↓ CompleteExecution()（同一交易內結算）
//   COMPLETED (已完成)
//
//   ASSIGNED / IN_PROGRESS / COMPLETED 皆可經 Dispute() 進入 DISPUTED。
//
// 並發安全:
//   - 每個工作一把鎖 (jobLocks)，同一工作的出價、接受、執行、結算完全串行
//   - 不同工作之間互不阻塞
//   - 交易內再次檢查狀態，防止競爭條件下重複接受
//
// 入隊失敗處理:
//   接受出價的交易提交後才入隊。入隊失敗不回滾工作狀態，
//   只記錄錯誤並透過 UnqueuedAssignments() 讓操作員重新入隊。
//   任務已進入死信的工作不算遺失，由 ReenqueueExecution 改為重送該死信。
//
// ============================================================================

package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/swarm-market/internal/apperr"
	"github.com/ChuLiYu/swarm-market/internal/store"
	"github.com/ChuLiYu/swarm-market/pkg/types"
)

// ============================================================================
// 外部協作者
// ============================================================================

// Enqueuer 執行佇列的入隊介面
type Enqueuer interface {
	Enqueue(ctx context.Context, task types.ExecutionTask) (types.TaskHandle, error)
	// Contains 回報工作是否有待處理或執行中的任務
	Contains(jobID types.JobID) bool
	// DeadLetterFor 回報工作的任務是否已進入死信
	DeadLetterFor(jobID types.JobID) (types.TaskID, bool)
	RetryDeadLetter(ctx context.Context, taskID types.TaskID) (types.TaskHandle, error)
}

// Settler 在完成交易中進行分潤
type Settler interface {
	Settle(ctx context.Context, tx store.Tx, job *types.Job, contributions []types.Contribution) (*types.Settlement, error)
}

// Option 設定 Manager 的可選參數
type Option func(*Manager)

// WithLogger 指定日誌器
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.log = logger }
}

// WithClock 指定時間來源（測試用）
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithHandoffFailureHook 入隊失敗時的回呼，用於通知與指標
func WithHandoffFailureHook(fn func(job *types.Job, err error)) Option {
	return func(m *Manager) { m.onHandoffFailure = fn }
}

// ============================================================================
// Manager
// ============================================================================

// Manager 工作管理器，所有工作與出價的變更都經過這裡
type Manager struct {
	store   store.Store
	queue   Enqueuer
	settler Settler
	locks   *jobLocks

	log              *slog.Logger
	now              func() time.Time
	newID            func() string
	onHandoffFailure func(job *types.Job, err error)
}

// New 建立工作管理器
//
// 參數說明：
//   - st: 紀錄儲存
//   - queue: 執行佇列，接受出價後同步入隊
//   - settler: 完成時的分潤器
//
// 使用範例：
//
//	m := jobmanager.New(st, q, earnings.NewDistributor(nil))
//	job, err := m.CreateJob(ctx, jobmanager.CreateJobRequest{...})
//
// 併發安全：返回的實例是執行緒安全的
func New(st store.Store, queue Enqueuer, settler Settler, opts ...Option) *Manager {
	m := &Manager{
		store:   st,
		queue:   queue,
		settler: settler,
		locks:   newJobLocks(),
		log:     slog.Default(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) nowMs() int64 {
	return m.now().UnixMilli()
}

// ============================================================================
// 工作與群組建立
// ============================================================================

// CreateJobRequest 建立工作的參數
type CreateJobRequest struct {
	Title        string       `json:"title"`
	Description  string       `json:"description"`
	Requirements string       `json:"requirements"`
	Payment      types.Amount `json:"payment"`
	ClientID     string       `json:"client_id"`
}

// CreateJob 建立一個 OPEN 狀態的工作
//
// 錯誤處理：
//   - ErrInvalidArgument: ClientID 為空或付款為 0
func (m *Manager) CreateJob(ctx context.Context, req CreateJobRequest) (*types.Job, error) {
	if req.ClientID == "" {
		return nil, fmt.Errorf("%w: client id is required", apperr.ErrInvalidArgument)
	}
	if req.Payment == 0 {
		return nil, fmt.Errorf("%w: payment must be positive", apperr.ErrInvalidArgument)
	}

	nowMs := m.nowMs()
	job := &types.Job{
		ID:           types.JobID(m.newID()),
		Title:        req.Title,
		Description:  req.Description,
		Requirements: req.Requirements,
		Payment:      req.Payment,
		ClientID:     req.ClientID,
		Status:       types.StatusOpen,
		CreatedAt:    nowMs,
		UpdatedAt:    nowMs,
	}
	if err := m.store.Update(ctx, func(tx store.Tx) error {
		return tx.SaveJob(ctx, job)
	}); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	m.log.Info("Job created", "jobID", job.ID, "clientID", job.ClientID, "payment", uint64(job.Payment))
	return job, nil
}

// RegisterSwarmRequest 註冊群組的參數
type RegisterSwarmRequest struct {
	Name    string         `json:"name"`
	OwnerID string         `json:"owner_id"`
	Members []types.Member `json:"members"`
}

// RegisterSwarm 註冊群組並為每個成員建立代理紀錄
//
// 錯誤處理：
//   - ErrInvalidArgument: 擁有者為空、成員地址為空或重複、成員已屬於其他群組
//   - ErrSwarmHasNoMembers: 沒有成員
func (m *Manager) RegisterSwarm(ctx context.Context, req RegisterSwarmRequest) (*types.Swarm, error) {
	if req.OwnerID == "" {
		return nil, fmt.Errorf("%w: owner id is required", apperr.ErrInvalidArgument)
	}
	if len(req.Members) == 0 {
		return nil, apperr.ErrSwarmHasNoMembers
	}
	seen := make(map[string]bool, len(req.Members))
	for _, member := range req.Members {
		if member.Address == "" {
			return nil, fmt.Errorf("%w: member address is required", apperr.ErrInvalidArgument)
		}
		if seen[member.Address] {
			return nil, fmt.Errorf("%w: duplicate member %s", apperr.ErrInvalidArgument, member.Address)
		}
		seen[member.Address] = true
	}

	nowMs := m.nowMs()
	swarm := &types.Swarm{
		ID:        types.SwarmID(m.newID()),
		Name:      req.Name,
		OwnerID:   req.OwnerID,
		Active:    true,
		Members:   append([]types.Member(nil), req.Members...),
		CreatedAt: nowMs,
		UpdatedAt: nowMs,
	}

	err := m.store.Update(ctx, func(tx store.Tx) error {
		for _, member := range swarm.Members {
			agent, err := tx.FindAgent(ctx, member.Address)
			switch {
			case errors.Is(err, store.ErrNotFound):
				agent = &types.Agent{Address: member.Address}
			case err != nil:
				return err
			case agent.SwarmID != "":
				return fmt.Errorf("%w: agent %s already belongs to swarm %s",
					apperr.ErrInvalidArgument, member.Address, agent.SwarmID)
			}
			agent.SwarmID = swarm.ID
			agent.Role = member.Role
			agent.UpdatedAt = nowMs
			if err := tx.SaveAgent(ctx, agent); err != nil {
				return err
			}
		}
		return tx.SaveSwarm(ctx, swarm)
	})
	if err != nil {
		return nil, fmt.Errorf("register swarm: %w", err)
	}

	m.log.Info("Swarm registered", "swarmID", swarm.ID, "ownerID", swarm.OwnerID, "members", len(swarm.Members))
	return swarm, nil
}

// SetSwarmActive 啟用或停用群組，僅擁有者可操作
func (m *Manager) SetSwarmActive(ctx context.Context, swarmID types.SwarmID, requestingOwner string, active bool) (*types.Swarm, error) {
	var swarm *types.Swarm
	err := m.store.Update(ctx, func(tx store.Tx) error {
		var err error
		swarm, err = findSwarm(ctx, tx, swarmID)
		if err != nil {
			return err
		}
		if swarm.OwnerID != requestingOwner {
			return apperr.ErrForbidden
		}
		if swarm.Active == active {
			return nil
		}
		swarm.Active = active
		swarm.UpdatedAt = m.nowMs()
		return tx.SaveSwarm(ctx, swarm)
	})
	if err != nil {
		return nil, err
	}

	m.log.Info("Swarm activity updated", "swarmID", swarmID, "active", active)
	return swarm, nil
}

// ============================================================================
// 查詢
// ============================================================================

// GetJob 查詢工作
func (m *Manager) GetJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	return findJob(ctx, m.store, id)
}

// ListJobs 依狀態列出工作，按建立時間排序
func (m *Manager) ListJobs(ctx context.Context, status types.JobStatus) ([]*types.Job, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", apperr.ErrInvalidArgument, status)
	}
	return m.store.ListJobsByStatus(ctx, status)
}

// GetBid 查詢出價
func (m *Manager) GetBid(ctx context.Context, id types.BidID) (*types.Bid, error) {
	return findBid(ctx, m.store, id)
}

// GetSwarm 查詢群組
func (m *Manager) GetSwarm(ctx context.Context, id types.SwarmID) (*types.Swarm, error) {
	return findSwarm(ctx, m.store, id)
}

// GetAgent 查詢代理的累計收益
func (m *Manager) GetAgent(ctx context.Context, address string) (*types.Agent, error) {
	agent, err := m.store.FindAgent(ctx, address)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.ErrAgentNotFound
	}
	return agent, err
}

// GetSettlement 查詢工作的結算紀錄
func (m *Manager) GetSettlement(ctx context.Context, jobID types.JobID) (*types.Settlement, error) {
	s, err := m.store.FindSettlement(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.ErrSettlementNotFound
	}
	return s, err
}

func findJob(ctx context.Context, r store.Reader, id types.JobID) (*types.Job, error) {
	job, err := r.FindJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.ErrJobNotFound
	}
	return job, err
}

func findBid(ctx context.Context, r store.Reader, id types.BidID) (*types.Bid, error) {
	bid, err := r.FindBid(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.ErrBidNotFound
	}
	return bid, err
}

func findSwarm(ctx context.Context, r store.Reader, id types.SwarmID) (*types.Swarm, error) {
	swarm, err := r.FindSwarm(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.ErrSwarmNotFound
	}
	return swarm, err
}
