package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/swarm-market/pkg/types"
)

// Handler 執行單一任務；回傳錯誤代表本次嘗試失敗
type Handler func(ctx context.Context, task types.ExecutionTask) error

// Task 代表要執行的任務
type Task struct {
	Exec    types.ExecutionTask // 佇列中的執行任務
	Timeout time.Duration       // 執行超時時間，0 表示不設限
}

// Result 代表任務執行結果
type Result struct {
	TaskID   types.TaskID  // 任務 ID
	JobID    types.JobID   // 所屬工作
	Success  bool          // 執行是否成功
	Error    error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}
