package queue

import (
	"context"
	"errors"
	"time"

	retry "github.com/sethvargo/go-retry"

	"github.com/ChuLiYu/swarm-market/internal/storage/wal"
	"github.com/ChuLiYu/swarm-market/internal/worker"
	"github.com/ChuLiYu/swarm-market/pkg/types"
)

// ============================================================================
// 三個核心循環
// ============================================================================

// dispatchLoop 分派到期的任務給 Worker Pool
//
// 關鍵：WAL 必須在狀態變更前寫入（Write-Ahead）
func (q *Queue) dispatchLoop(ctx context.Context) {
	defer q.loopWg.Done()
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			q.log.Debug("Dispatch loop stopped")
			return
		case <-ticker.C:
		case <-q.wakeCh:
		}
		q.dispatchReady(ctx)
	}
}

// dispatchReady 分派所有已到期的任務，直到沒有可用的 worker
func (q *Queue) dispatchReady(ctx context.Context) {
	for {
		q.mu.Lock()
		ready := !q.closed && q.nextReadyLocked() != nil
		q.mu.Unlock()
		if !ready {
			return
		}

		// 令牌桶限速，關閉時 ctx 取消
		if err := q.limiter.Wait(ctx); err != nil {
			return
		}

		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		t := q.nextReadyLocked()
		if t == nil {
			q.mu.Unlock()
			return
		}
		if _, err := q.wal.Append(wal.Event{Type: wal.EventDispatch, TaskID: t.ID, JobID: t.JobID}); err != nil {
			q.mu.Unlock()
			q.log.Error("Failed to append DISPATCH event", "taskID", t.ID, "error", err)
			return
		}
		q.inFlight[t.ID] = struct{}{}
		task := worker.Task{Exec: *t.Clone(), Timeout: q.cfg.TaskTimeout}
		q.publishDepthLocked()
		q.mu.Unlock()

		q.obs.TaskDispatched()
		q.log.Debug("Task dispatched", "taskID", t.ID, "jobID", t.JobID, "attempt", task.Exec.Attempt)

		if err := q.pool.Submit(task); err != nil {
			// Pool 關閉中，任務保留為 pending
			q.mu.Lock()
			delete(q.inFlight, task.Exec.ID)
			q.mu.Unlock()
			if !errors.Is(err, worker.ErrPoolClosed) {
				q.log.Error("Failed to submit task", "taskID", task.Exec.ID, "error", err)
			}
			return
		}
	}
}

// nextReadyLocked 依入隊順序找出第一個到期且未執行的任務
func (q *Queue) nextReadyLocked() *types.ExecutionTask {
	if len(q.inFlight) >= q.cfg.Concurrency {
		return nil
	}
	nowMs := q.now().UnixMilli()
	for _, id := range q.order {
		if _, busy := q.inFlight[id]; busy {
			continue
		}
		t := q.tasks[id]
		if t.NextAttemptAt <= nowMs {
			return t
		}
	}
	return nil
}

// resultLoop 處理 Worker 執行結果
// 注意：此循環會一直運行到 Pool 關閉為止
func (q *Queue) resultLoop() {
	defer q.loopWg.Done()
	for {
		result, err := q.pool.ReceiveResult()
		if err != nil {
			q.log.Debug("Result loop stopped")
			return
		}
		q.handleResult(result)
	}
}

// handleResult 處理單個任務結果
func (q *Queue) handleResult(result worker.Result) {
	q.mu.Lock()
	t, ok := q.tasks[result.TaskID]
	if !ok {
		q.mu.Unlock()
		q.log.Warn("Result for unknown task", "taskID", result.TaskID)
		return
	}
	delete(q.inFlight, result.TaskID)

	if result.Success {
		if _, err := q.wal.Append(wal.Event{Type: wal.EventAck, TaskID: t.ID, JobID: t.JobID}); err != nil {
			// 保留任務，之後會再次投遞
			q.mu.Unlock()
			q.log.Error("Failed to append ACK event", "taskID", t.ID, "error", err)
			return
		}
		q.removeTask(t.ID)
		q.publishDepthLocked()
		q.mu.Unlock()

		q.obs.TaskSucceeded(result.Duration)
		q.log.Debug("Task acknowledged", "taskID", t.ID, "jobID", t.JobID, "duration", result.Duration)
		return
	}

	reason := "unknown error"
	if result.Error != nil {
		reason = result.Error.Error()
	}
	nowMs := q.now().UnixMilli()
	next := t.Clone()
	next.Attempt++
	next.LastError = reason

	if next.Attempt >= q.cfg.MaxAttempts {
		dl := types.DeadLetter{Task: *next, Reason: reason, FailedAt: nowMs}
		if _, err := q.wal.Append(wal.Event{
			Type: wal.EventDead, TaskID: t.ID, JobID: t.JobID, Task: next, Reason: reason, Timestamp: nowMs,
		}); err != nil {
			q.mu.Unlock()
			q.log.Error("Failed to append DEAD event", "taskID", t.ID, "error", err)
			return
		}
		q.removeTask(t.ID)
		q.dead[t.ID] = &dl
		q.publishDepthLocked()
		q.mu.Unlock()

		q.obs.TaskDead()
		q.log.Warn("Task moved to dead letters",
			"taskID", t.ID, "jobID", t.JobID, "attempts", next.Attempt, "reason", reason)
		if q.onDead != nil {
			q.onDead(dl)
		}
		return
	}

	delay := q.backoff(next.Attempt)
	next.NextAttemptAt = nowMs + delay.Milliseconds()
	if _, err := q.wal.Append(wal.Event{
		Type: wal.EventRetry, TaskID: t.ID, JobID: t.JobID, Task: next, Reason: reason,
	}); err != nil {
		q.mu.Unlock()
		q.log.Error("Failed to append RETRY event", "taskID", t.ID, "error", err)
		return
	}
	q.tasks[t.ID] = next
	q.publishDepthLocked()
	q.mu.Unlock()

	q.obs.TaskRetried()
	q.log.Info("Task scheduled for retry",
		"taskID", t.ID, "jobID", t.JobID, "attempt", next.Attempt, "backoff", delay, "reason", reason)
	time.AfterFunc(delay, q.wake)
}

// backoff 回傳第 attempt 次失敗後的等待時間：base, 2·base, 4·base ... 上限 MaxBackoff
func (q *Queue) backoff(attempt int) time.Duration {
	b := retry.WithCappedDuration(q.cfg.MaxBackoff, retry.NewExponential(q.cfg.BaseBackoff))
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d, _ = b.Next()
	}
	return d
}

// snapshotLoop 定期生成快照
func (q *Queue) snapshotLoop() {
	defer q.loopWg.Done()
	if q.cfg.SnapshotInterval <= 0 {
		<-q.stopCh
		return
	}

	ticker := time.NewTicker(q.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			q.log.Debug("Snapshot loop stopped")
			return
		case <-ticker.C:
			q.mu.Lock()
			err := q.takeSnapshotLocked()
			q.mu.Unlock()
			if err != nil {
				q.log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// takeSnapshotLocked 寫入快照並旋轉 WAL
//
// 全程持有 mu，快照與旋轉之間不會有新事件寫入舊 WAL。
func (q *Queue) takeSnapshotLocked() error {
	start := time.Now()

	data := types.QueueSnapshot{
		Tasks:       make(map[types.TaskID]*types.ExecutionTask, len(q.tasks)),
		DeadLetters: make(map[types.TaskID]*types.DeadLetter, len(q.dead)),
		LastSeq:     q.wal.GetLastSeq(),
	}
	for id, t := range q.tasks {
		data.Tasks[id] = t.Clone()
	}
	for id, dl := range q.dead {
		c := *dl
		data.DeadLetters[id] = &c
	}

	if err := q.snapshot.Write(data); err != nil {
		return err
	}
	if err := q.wal.Rotate(); err != nil {
		return err
	}

	q.log.Info("Snapshot taken",
		"duration", time.Since(start),
		"tasks", len(data.Tasks),
		"dead", len(data.DeadLetters),
		"lastSeq", data.LastSeq)
	return nil
}
