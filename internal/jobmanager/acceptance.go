package jobmanager

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/swarm-market/internal/apperr"
	"github.com/ChuLiYu/swarm-market/internal/store"
	"github.com/ChuLiYu/swarm-market/pkg/types"
)

// ============================================================================
// 接受出價與執行狀態轉換
// ============================================================================

// AcceptBid 接受出價並將工作交給執行佇列
//
// 檢查順序：工作存在 → OPEN → 請求者為工作客戶 → 出價存在、屬於該工作、未撤回。
// 單一交易內：Job.Status → ASSIGNED、Job.SwarmID → bid.SwarmID、Bid.Accepted → true。
//
// 交易提交後同步入隊一個 ExecutionTask。入隊不受呼叫者取消影響（例如客戶端斷線），
// 只有佇列無法寫入時才會失敗。入隊失敗不會回滾，
// 回傳的工作仍為 ASSIGNED，錯誤只記錄於日誌並觸發 handoff failure 回呼。
func (m *Manager) AcceptBid(ctx context.Context, jobID types.JobID, bidID types.BidID, requestingClient string) (*types.Job, error) {
	unlock := m.locks.lock(jobID)
	defer unlock()

	var job *types.Job
	err := m.store.Update(ctx, func(tx store.Tx) error {
		var err error
		job, err = findJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		// 交易內再次確認狀態
		if job.Status != types.StatusOpen {
			return apperr.ErrJobNotOpen
		}
		if job.ClientID != requestingClient {
			return apperr.ErrForbidden
		}

		bid, err := findBid(ctx, tx, bidID)
		if err != nil {
			return err
		}
		if bid.JobID != jobID {
			return apperr.ErrBidWrongJob
		}
		if bid.Withdrawn {
			return apperr.ErrBidNotFound
		}
		if bid.Accepted {
			return apperr.ErrAlreadyAccepted
		}

		nowMs := m.nowMs()
		if err := transition(job, types.StatusAssigned, nowMs); err != nil {
			return err
		}
		job.SwarmID = bid.SwarmID
		if err := tx.SaveJob(ctx, job); err != nil {
			return err
		}

		bid.Accepted = true
		bid.UpdatedAt = nowMs
		return tx.SaveBid(ctx, bid)
	})
	if err != nil {
		return nil, err
	}

	m.log.Info("Bid accepted", "jobID", jobID, "bidID", bidID, "swarmID", job.SwarmID)

	if _, err := m.enqueue(context.WithoutCancel(ctx), job); err != nil {
		m.log.Error("Execution handoff failed, job left ASSIGNED without queued task",
			"jobID", jobID, "swarmID", job.SwarmID, "error", err)
		if m.onHandoffFailure != nil {
			m.onHandoffFailure(job.Clone(), err)
		}
	}
	return job, nil
}

// enqueue 為指派後的工作建立執行任務
func (m *Manager) enqueue(ctx context.Context, job *types.Job) (types.TaskHandle, error) {
	task := types.ExecutionTask{
		ID:      types.TaskID(m.newID()),
		JobID:   job.ID,
		SwarmID: job.SwarmID,
		Payload: map[string]interface{}{
			"title":        job.Title,
			"description":  job.Description,
			"requirements": job.Requirements,
		},
		EnqueuedAt: m.nowMs(),
	}
	handle, err := m.queue.Enqueue(ctx, task)
	if err != nil {
		return types.TaskHandle{}, err
	}
	m.log.Info("Execution task enqueued", "jobID", job.ID, "taskID", handle.TaskID)
	return handle, nil
}

// BeginExecution ASSIGNED → IN_PROGRESS
//
// 已經是 IN_PROGRESS 時不做任何變更直接回傳，支援至少一次投遞。
// 其他狀態回傳 ErrInvalidTransition。
func (m *Manager) BeginExecution(ctx context.Context, jobID types.JobID) (*types.Job, error) {
	unlock := m.locks.lock(jobID)
	defer unlock()

	var job *types.Job
	err := m.store.Update(ctx, func(tx store.Tx) error {
		var err error
		job, err = findJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Status == types.StatusInProgress {
			return nil
		}
		if job.Status != types.StatusAssigned {
			return fmt.Errorf("%w: %s -> %s", apperr.ErrInvalidTransition, job.Status, types.StatusInProgress)
		}
		if err := transition(job, types.StatusInProgress, m.nowMs()); err != nil {
			return err
		}
		return tx.SaveJob(ctx, job)
	})
	if err != nil {
		return nil, err
	}

	m.log.Debug("Execution started", "jobID", jobID)
	return job, nil
}

// CompleteExecution IN_PROGRESS → COMPLETED，並在同一交易內結算
//
// 參數說明：
//   - fingerprint: 執行結果指紋，不可為空
//   - contributions: 後端回報的貢獻者執行時間
//
// 返回值：
//   - *types.Job: 完成後的工作
//   - *types.Settlement: 結算紀錄；執行時間總和為 0 時為 nil
//
// 錯誤處理：
//   - ErrInvalidTransition: 工作不是 IN_PROGRESS（重複完成）
//   - 結算失敗時整個交易回滾，工作維持 IN_PROGRESS
func (m *Manager) CompleteExecution(ctx context.Context, jobID types.JobID, fingerprint string, contributions []types.Contribution) (*types.Job, *types.Settlement, error) {
	if fingerprint == "" {
		return nil, nil, fmt.Errorf("%w: result fingerprint is required", apperr.ErrInvalidArgument)
	}

	unlock := m.locks.lock(jobID)
	defer unlock()

	var (
		job        *types.Job
		settlement *types.Settlement
	)
	err := m.store.Update(ctx, func(tx store.Tx) error {
		var err error
		job, err = findJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Status != types.StatusInProgress {
			return fmt.Errorf("%w: %s -> %s", apperr.ErrInvalidTransition, job.Status, types.StatusCompleted)
		}

		nowMs := m.nowMs()
		if err := transition(job, types.StatusCompleted, nowMs); err != nil {
			return err
		}
		job.ResultFingerprint = fingerprint
		job.CompletedAt = &nowMs
		if err := tx.SaveJob(ctx, job); err != nil {
			return err
		}

		settlement, err = m.settler.Settle(ctx, tx, job, contributions)
		if err != nil {
			return fmt.Errorf("settle: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	m.log.Info("Job completed", "jobID", jobID, "fingerprint", fingerprint)
	return job, settlement, nil
}

// Dispute 將工作標記為爭議中，凍結所有自動轉換
//
// 允許從 ASSIGNED / IN_PROGRESS / COMPLETED 進入；
// 原狀態記錄在 DisputedFrom，群組與結果指紋保留不變。
func (m *Manager) Dispute(ctx context.Context, jobID types.JobID, reason string) (*types.Job, error) {
	unlock := m.locks.lock(jobID)
	defer unlock()

	var job *types.Job
	err := m.store.Update(ctx, func(tx store.Tx) error {
		var err error
		job, err = findJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if err := transition(job, types.StatusDisputed, m.nowMs()); err != nil {
			return err
		}
		job.DisputeReason = reason
		return tx.SaveJob(ctx, job)
	})
	if err != nil {
		return nil, err
	}

	m.log.Warn("Job disputed", "jobID", jobID, "from", job.DisputedFrom, "reason", reason)
	return job, nil
}

// ============================================================================
// 操作員恢復
// ============================================================================

// UnqueuedAssignments 列出 ASSIGNED / IN_PROGRESS 但佇列與死信中都沒有任務的工作
func (m *Manager) UnqueuedAssignments(ctx context.Context) ([]*types.Job, error) {
	orphans := make([]*types.Job, 0)
	for _, status := range []types.JobStatus{types.StatusAssigned, types.StatusInProgress} {
		jobs, err := m.store.ListJobsByStatus(ctx, status)
		if err != nil {
			return nil, err
		}
		for _, job := range jobs {
			if m.queue.Contains(job.ID) {
				continue
			}
			if _, dead := m.queue.DeadLetterFor(job.ID); dead {
				continue
			}
			orphans = append(orphans, job)
		}
	}
	return orphans, nil
}

// ReenqueueExecution 為遺失任務的工作重新入隊
//
// 佇列以工作去重，若已有任務則回傳既有的任務憑證。
// 工作的任務已進入死信時重送該死信，不另建新任務。
func (m *Manager) ReenqueueExecution(ctx context.Context, jobID types.JobID) (types.TaskHandle, error) {
	unlock := m.locks.lock(jobID)
	defer unlock()

	job, err := findJob(ctx, m.store, jobID)
	if err != nil {
		return types.TaskHandle{}, err
	}
	if job.Status != types.StatusAssigned && job.Status != types.StatusInProgress {
		return types.TaskHandle{}, fmt.Errorf("%w: status %s", apperr.ErrNotAwaitingRun, job.Status)
	}

	if !m.queue.Contains(jobID) {
		if taskID, dead := m.queue.DeadLetterFor(jobID); dead {
			handle, err := m.queue.RetryDeadLetter(ctx, taskID)
			if err != nil {
				return types.TaskHandle{}, fmt.Errorf("revive dead letter for job %s: %w", jobID, err)
			}
			m.log.Info("Dead letter revived for job", "jobID", jobID, "taskID", taskID)
			return handle, nil
		}
	}

	handle, err := m.enqueue(ctx, job)
	if err != nil {
		return types.TaskHandle{}, fmt.Errorf("re-enqueue job %s: %w", jobID, err)
	}
	return handle, nil
}
