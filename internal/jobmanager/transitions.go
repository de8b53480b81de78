package jobmanager

import (
	"fmt"

	"github.com/ChuLiYu/swarm-market/internal/apperr"
	"github.com/ChuLiYu/swarm-market/pkg/types"
)

// ============================================================================
// 工作狀態轉換表
// ============================================================================
//
//   OPEN ──acceptBid──▶ ASSIGNED ──beginExecution──▶ IN_PROGRESS ──completeExecution──▶ COMPLETED
//                          │                             │                                │
//                          └──────────── dispute ────────┴────────────────────────────────┘
//                                                        ▼
//                                                    DISPUTED（凍結）
//
// 所有狀態變更都必須經過 transition()，不允許直接寫 Job.Status。

var transitions = map[types.JobStatus][]types.JobStatus{
	types.StatusOpen:       {types.StatusAssigned},
	types.StatusAssigned:   {types.StatusInProgress, types.StatusDisputed},
	types.StatusInProgress: {types.StatusCompleted, types.StatusDisputed},
	types.StatusCompleted:  {types.StatusDisputed},
	types.StatusDisputed:   {},
}

// CanTransition 檢查 from → to 是否為合法轉換
func CanTransition(from, to types.JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition 套用狀態轉換並更新時間戳；不合法時回傳 ErrInvalidTransition
func transition(job *types.Job, to types.JobStatus, nowMs int64) error {
	if !CanTransition(job.Status, to) {
		return fmt.Errorf("%w: %s -> %s", apperr.ErrInvalidTransition, job.Status, to)
	}
	if to == types.StatusDisputed {
		job.DisputedFrom = job.Status
	}
	job.Status = to
	job.UpdatedAt = nowMs
	return nil
}

// CheckInvariants 驗證工作記錄的結構不變量
//
//   - SwarmID 非空 ⇔ 狀態 ∈ {ASSIGNED, IN_PROGRESS, COMPLETED}
//   - ResultFingerprint 非空 ⇔ 狀態 = COMPLETED
//
// 爭議中的工作以進入爭議前的狀態判斷。
func CheckInvariants(job *types.Job) error {
	status := job.EffectiveStatus()
	if !status.Valid() {
		return fmt.Errorf("job %s: unknown status %q", job.ID, job.Status)
	}

	wantSwarm := status == types.StatusAssigned ||
		status == types.StatusInProgress ||
		status == types.StatusCompleted
	if wantSwarm != (job.SwarmID != "") {
		return fmt.Errorf("job %s: swarm assignment inconsistent with status %s", job.ID, job.Status)
	}

	wantFingerprint := status == types.StatusCompleted
	if wantFingerprint != (job.ResultFingerprint != "") {
		return fmt.Errorf("job %s: result fingerprint inconsistent with status %s", job.ID, job.Status)
	}
	return nil
}
