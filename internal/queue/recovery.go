package queue

import (
	"fmt"
	"sort"
	"time"

	"github.com/ChuLiYu/swarm-market/internal/storage/wal"
	"github.com/ChuLiYu/swarm-market/pkg/types"
)

// ============================================================================
// 崩潰恢復
// ============================================================================
//
// 恢復流程：
//  1. loadSnapshot - 從最新快照恢復任務與死信
//  2. replayWAL - 重放快照 LastSeq 之後的事件
//  3. 崩潰前執行中的任務一律回到 pending（DISPATCH 不改變狀態）
//
// 重放是冪等的：重複的 ENQUEUE 以 TaskID / JobID 去重。

// recover 在 New 中呼叫，尚無其他 goroutine
func (q *Queue) recover() error {
	start := time.Now()

	data, err := q.snapshot.Load()
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	restored := make([]*types.ExecutionTask, 0, len(data.Tasks))
	for _, t := range data.Tasks {
		restored = append(restored, t.Clone())
	}
	sort.Slice(restored, func(i, j int) bool {
		if restored[i].EnqueuedAt != restored[j].EnqueuedAt {
			return restored[i].EnqueuedAt < restored[j].EnqueuedAt
		}
		return restored[i].ID < restored[j].ID
	})
	for _, t := range restored {
		q.addTask(t)
	}
	for id, dl := range data.DeadLetters {
		c := *dl
		q.dead[id] = &c
	}

	q.wal.SetBaseSeq(data.LastSeq)
	replayed := 0
	if err := q.wal.Replay(data.LastSeq, func(e wal.Event) error {
		replayed++
		return q.apply(e)
	}); err != nil {
		return fmt.Errorf("failed to replay WAL: %w", err)
	}

	q.recoveredIn = time.Since(start)
	q.log.Info("Queue recovery completed",
		"duration", q.recoveredIn,
		"snapshotSeq", data.LastSeq,
		"replayed", replayed,
		"pending", len(q.tasks),
		"dead", len(q.dead))
	return nil
}

// apply 將單一 WAL 事件套用到內存狀態
func (q *Queue) apply(e wal.Event) error {
	switch e.Type {
	case wal.EventEnqueue:
		if e.Task == nil {
			return fmt.Errorf("ENQUEUE seq=%d has no task", e.Seq)
		}
		if _, ok := q.tasks[e.TaskID]; ok {
			return nil
		}
		if _, ok := q.byJob[e.JobID]; ok {
			return nil
		}
		q.addTask(e.Task.Clone())

	case wal.EventDispatch:
		// 崩潰前執行中的任務視為未完成

	case wal.EventAck:
		q.removeTask(e.TaskID)

	case wal.EventRetry:
		if _, ok := q.tasks[e.TaskID]; ok && e.Task != nil {
			q.tasks[e.TaskID] = e.Task.Clone()
		}

	case wal.EventDead:
		task := q.tasks[e.TaskID]
		if e.Task != nil {
			task = e.Task
		}
		if task == nil {
			return fmt.Errorf("DEAD seq=%d references unknown task %s", e.Seq, e.TaskID)
		}
		q.removeTask(e.TaskID)
		q.dead[e.TaskID] = &types.DeadLetter{Task: *task.Clone(), Reason: e.Reason, FailedAt: e.Timestamp}

	case wal.EventRevive:
		delete(q.dead, e.TaskID)
		if e.Task != nil {
			if _, ok := q.byJob[e.JobID]; !ok {
				q.addTask(e.Task.Clone())
			}
		}

	default:
		return fmt.Errorf("unknown WAL event type %q at seq=%d", e.Type, e.Seq)
	}
	return nil
}

// RecoveryTime 回傳啟動時恢復所花的時間
func (q *Queue) RecoveryTime() time.Duration {
	return q.recoveredIn
}
