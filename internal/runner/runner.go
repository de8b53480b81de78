// ============================================================================
// Swarm-Market 執行器 - 佇列任務的處理函數
// ============================================================================
//
// Package: internal/runner
// 文件: runner.go
// 功能: 將佇列中的執行任務交給執行後端，並把結果寫回工作狀態機
//
// 處理流程（每次投遞）:
//   1. 讀取工作；COMPLETED / DISPUTED 直接確認（重複投遞或已凍結）
//   2. 確認任務的群組與工作指派一致
//   3. BeginExecution: ASSIGNED → IN_PROGRESS（已是 IN_PROGRESS 時為 no-op）
//   4. 呼叫執行後端（時間由 worker 的任務超時限制）
//   5. CompleteExecution: IN_PROGRESS → COMPLETED 並結算
//
// 回傳 error 代表本次嘗試失敗，由佇列決定重試或進入死信。
//
// ============================================================================

package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/swarm-market/internal/apperr"
	"github.com/ChuLiYu/swarm-market/internal/backend"
	"github.com/ChuLiYu/swarm-market/pkg/types"
)

// JobService 執行器需要的工作操作
type JobService interface {
	GetJob(ctx context.Context, id types.JobID) (*types.Job, error)
	GetSwarm(ctx context.Context, id types.SwarmID) (*types.Swarm, error)
	BeginExecution(ctx context.Context, jobID types.JobID) (*types.Job, error)
	CompleteExecution(ctx context.Context, jobID types.JobID, fingerprint string, contributions []types.Contribution) (*types.Job, *types.Settlement, error)
}

// Option 設定可選參數
type Option func(*Runner)

// WithLogger 指定 logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// WithStartHook 工作進入 IN_PROGRESS 後呼叫
func WithStartHook(fn func(job *types.Job)) Option {
	return func(r *Runner) { r.onStart = fn }
}

// WithCompletionHook 工作完成並結算後呼叫；執行時間總和為 0 時 settlement 為 nil
func WithCompletionHook(fn func(job *types.Job, settlement *types.Settlement)) Option {
	return func(r *Runner) { r.onComplete = fn }
}

// Runner 執行佇列的 Handler
type Runner struct {
	jobs       JobService
	backend    backend.Backend
	log        *slog.Logger
	onStart    func(*types.Job)
	onComplete func(*types.Job, *types.Settlement)
}

// New 建立執行器
func New(jobs JobService, b backend.Backend, opts ...Option) *Runner {
	r := &Runner{
		jobs:    jobs,
		backend: b,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle 處理一次任務投遞，簽名符合 worker.Handler
func (r *Runner) Handle(ctx context.Context, task types.ExecutionTask) error {
	job, err := r.jobs.GetJob(ctx, task.JobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", task.JobID, err)
	}

	if done(job) {
		r.log.Info("Task acknowledged without execution", "taskID", task.ID, "jobID", job.ID, "status", job.Status)
		return nil
	}
	if job.SwarmID != task.SwarmID {
		return fmt.Errorf("%w: task %s targets swarm %q, job %s is assigned to %q",
			apperr.ErrTaskJobInconsistent, task.ID, task.SwarmID, job.ID, job.SwarmID)
	}

	wasAssigned := job.Status == types.StatusAssigned
	job, err = r.jobs.BeginExecution(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("begin execution: %w", err)
	}
	if wasAssigned && r.onStart != nil {
		r.onStart(job)
	}

	swarm, err := r.jobs.GetSwarm(ctx, job.SwarmID)
	if err != nil {
		return fmt.Errorf("load swarm %s: %w", job.SwarmID, err)
	}

	result, err := r.backend.Execute(ctx, backend.Request{
		JobID:        job.ID,
		SwarmID:      job.SwarmID,
		Title:        job.Title,
		Description:  job.Description,
		Requirements: job.Requirements,
		Members:      swarm.Members,
	})
	if err != nil {
		return fmt.Errorf("execution backend: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("execution failed: %s", result.ErrorDetail)
	}
	if result.ResultFingerprint == "" {
		return fmt.Errorf("execution backend returned no result fingerprint for job %s", job.ID)
	}

	completed, settlement, err := r.jobs.CompleteExecution(ctx, job.ID, result.ResultFingerprint, result.Contributions)
	if err != nil {
		if errors.Is(err, apperr.ErrInvalidTransition) {
			// 另一次投遞已完成，或工作在執行期間進入爭議
			if current, getErr := r.jobs.GetJob(ctx, job.ID); getErr == nil && done(current) {
				r.log.Info("Job already finalized by another delivery", "jobID", job.ID, "status", current.Status)
				return nil
			}
		}
		return fmt.Errorf("complete execution: %w", err)
	}

	r.log.Info("Job executed",
		"jobID", completed.ID,
		"swarmID", completed.SwarmID,
		"fingerprint", completed.ResultFingerprint,
		"attempt", task.Attempt+1)
	if r.onComplete != nil {
		r.onComplete(completed, settlement)
	}
	return nil
}

// done 已完成或爭議中的工作不再自動轉換
func done(job *types.Job) bool {
	return job.Status == types.StatusCompleted || job.Status == types.StatusDisputed
}
