package controller

import (
	"context"

	"github.com/ChuLiYu/swarm-market/internal/jobmanager"
	"github.com/ChuLiYu/swarm-market/internal/notify"
	"github.com/ChuLiYu/swarm-market/pkg/types"
)

// ============================================================================
// 工作與群組
// ============================================================================

// CreateJob 建立工作
func (c *Controller) CreateJob(ctx context.Context, req jobmanager.CreateJobRequest) (*types.Job, error) {
	job, err := c.jobs.CreateJob(ctx, req)
	if err != nil {
		return nil, err
	}
	c.metrics.RecordJobCreated()
	c.notifier.Notify(notify.ChannelJobs, notify.EventJobCreated, job)
	return job, nil
}

// GetJob 取得工作
func (c *Controller) GetJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	return c.jobs.GetJob(ctx, id)
}

// ListJobs 依狀態列出工作
func (c *Controller) ListJobs(ctx context.Context, status types.JobStatus) ([]*types.Job, error) {
	return c.jobs.ListJobs(ctx, status)
}

// RegisterSwarm 註冊群組
func (c *Controller) RegisterSwarm(ctx context.Context, req jobmanager.RegisterSwarmRequest) (*types.Swarm, error) {
	swarm, err := c.jobs.RegisterSwarm(ctx, req)
	if err != nil {
		return nil, err
	}
	c.notifier.Notify(notify.ChannelAgents, notify.EventSwarmRegistered, swarm)
	return swarm, nil
}

// SetSwarmActive 啟用或停用群組
func (c *Controller) SetSwarmActive(ctx context.Context, id types.SwarmID, owner string, active bool) (*types.Swarm, error) {
	swarm, err := c.jobs.SetSwarmActive(ctx, id, owner, active)
	if err != nil {
		return nil, err
	}
	c.notifier.Notify(notify.ChannelAgents, notify.EventSwarmUpdated, swarm)
	return swarm, nil
}

// GetSwarm 取得群組
func (c *Controller) GetSwarm(ctx context.Context, id types.SwarmID) (*types.Swarm, error) {
	return c.jobs.GetSwarm(ctx, id)
}

// GetAgent 取得代理
func (c *Controller) GetAgent(ctx context.Context, address string) (*types.Agent, error) {
	return c.jobs.GetAgent(ctx, address)
}

// GetSettlement 取得工作的結算紀錄
func (c *Controller) GetSettlement(ctx context.Context, jobID types.JobID) (*types.Settlement, error) {
	return c.jobs.GetSettlement(ctx, jobID)
}

// ============================================================================
// 出價
// ============================================================================

// SubmitBid 提交出價並通知工作的訂閱者
func (c *Controller) SubmitBid(ctx context.Context, req jobmanager.BidRequest) (*types.Bid, error) {
	bid, err := c.jobs.SubmitBid(ctx, req)
	if err != nil {
		return nil, err
	}
	c.metrics.RecordBidSubmitted()
	c.notifier.Notify(notify.ChannelBids, notify.EventBidSubmitted, bid)
	return bid, nil
}

// ListBids 列出工作的出價
func (c *Controller) ListBids(ctx context.Context, jobID types.JobID, orderBy jobmanager.BidOrder, order jobmanager.SortDirection) ([]*types.Bid, error) {
	return c.jobs.ListBids(ctx, jobID, orderBy, order)
}

// GetBid 取得出價
func (c *Controller) GetBid(ctx context.Context, id types.BidID) (*types.Bid, error) {
	return c.jobs.GetBid(ctx, id)
}

// WithdrawBid 撤回出價
func (c *Controller) WithdrawBid(ctx context.Context, bidID types.BidID, owner string) error {
	if err := c.jobs.WithdrawBid(ctx, bidID, owner); err != nil {
		return err
	}
	c.notifier.Notify(notify.ChannelBids, notify.EventBidWithdrawn, map[string]interface{}{"bid_id": bidID})
	return nil
}

// AcceptBid 接受出價
//
// 入隊失敗時仍回傳 ASSIGNED 的工作；失敗已由 handoff 回呼記錄與通知。
func (c *Controller) AcceptBid(ctx context.Context, jobID types.JobID, bidID types.BidID, client string) (*types.Job, error) {
	job, err := c.jobs.AcceptBid(ctx, jobID, bidID, client)
	if err != nil {
		return nil, err
	}
	c.metrics.RecordBidAccepted()
	c.notifier.Notify(notify.ChannelJobs, notify.EventJobAssigned, job)
	return job, nil
}

// Dispute 將工作標記為爭議中
func (c *Controller) Dispute(ctx context.Context, jobID types.JobID, reason string) (*types.Job, error) {
	job, err := c.jobs.Dispute(ctx, jobID, reason)
	if err != nil {
		return nil, err
	}
	c.metrics.RecordJobDisputed()
	c.notifier.Notify(notify.ChannelJobs, notify.EventJobDisputed, job)
	return job, nil
}

// ============================================================================
// 操作員恢復
// ============================================================================

// UnqueuedAssignments 列出已指派但佇列與死信中都沒有任務的工作
func (c *Controller) UnqueuedAssignments(ctx context.Context) ([]*types.Job, error) {
	return c.jobs.UnqueuedAssignments(ctx)
}

// ReenqueueExecution 為遺失任務的工作重新入隊
func (c *Controller) ReenqueueExecution(ctx context.Context, jobID types.JobID) (types.TaskHandle, error) {
	return c.jobs.ReenqueueExecution(ctx, jobID)
}

// DeadLetters 列出死信
func (c *Controller) DeadLetters() []types.DeadLetter {
	return c.queue.DeadLetters()
}

// RetryDeadLetter 重新投遞一筆死信
func (c *Controller) RetryDeadLetter(ctx context.Context, taskID types.TaskID) (types.TaskHandle, error) {
	return c.queue.RetryDeadLetter(ctx, taskID)
}

// ============================================================================
// 事件回呼（狀態變更提交之後呼叫）
// ============================================================================

func (c *Controller) onHandoffFailure(job *types.Job, err error) {
	c.metrics.RecordHandoffFailure()
	c.notifier.Notify(notify.ChannelJobs, notify.EventHandoffFailed, map[string]interface{}{
		"job_id":   job.ID,
		"swarm_id": job.SwarmID,
		"error":    err.Error(),
	})
}

func (c *Controller) onDeadLetter(dl types.DeadLetter) {
	c.log.Error("Execution permanently failed",
		"jobID", dl.Task.JobID,
		"taskID", dl.Task.ID,
		"attempts", dl.Task.Attempt,
		"reason", dl.Reason)
	c.notifier.Notify(notify.ChannelJobs, notify.EventPermanentFailure, map[string]interface{}{
		"job_id":   dl.Task.JobID,
		"task_id":  dl.Task.ID,
		"swarm_id": dl.Task.SwarmID,
		"attempts": dl.Task.Attempt,
		"reason":   dl.Reason,
	})
}

func (c *Controller) onExecutionStarted(job *types.Job) {
	c.notifier.Notify(notify.ChannelJobs, notify.EventJobStarted, job)
}

func (c *Controller) onExecutionCompleted(job *types.Job, settlement *types.Settlement) {
	c.metrics.RecordJobCompleted(settlement)
	c.notifier.Notify(notify.ChannelJobs, notify.EventJobCompleted, job)
	if settlement != nil {
		c.notifier.Notify(notify.ChannelAgents, notify.EventEarningsSettled, settlement)
	}
}
