// Package types 定義了 swarm-market 系統中使用的核心領域模型
package types

// ============================================================================
// 識別碼與金額
// ============================================================================

// JobID 工作唯一識別碼
type JobID string

// BidID 出價唯一識別碼
type BidID string

// SwarmID 群組唯一識別碼
type SwarmID string

// TaskID 執行任務唯一識別碼
type TaskID string

// Amount 金額，以最小貨幣單位表示的無號定點整數（禁止使用浮點數）
type Amount uint64

// ============================================================================
// 工作 (Job)
// ============================================================================

// JobStatus 工作狀態
type JobStatus string

// 定義工作狀態常數
const (
	StatusOpen       JobStatus = "OPEN"        // 開放出價
	StatusAssigned   JobStatus = "ASSIGNED"    // 已接受出價，等待執行
	StatusInProgress JobStatus = "IN_PROGRESS" // 執行後端處理中
	StatusCompleted  JobStatus = "COMPLETED"   // 已完成並記錄結果指紋
	StatusDisputed   JobStatus = "DISPUTED"    // 爭議中，凍結自動轉換
)

// Valid 檢查狀態值是否為已知狀態
func (s JobStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusAssigned, StatusInProgress, StatusCompleted, StatusDisputed:
		return true
	}
	return false
}

// Job 工作結構，代表客戶發布並託管付款的一個工作單元
type Job struct {
	// 識別與描述（不透明文字，核心不做進一步驗證）
	ID           JobID  `json:"id"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Requirements string `json:"requirements"`

	// 付款與所屬
	Payment  Amount  `json:"payment"`
	ClientID string  `json:"client_id"`
	SwarmID  SwarmID `json:"swarm_id,omitempty"` // 僅在接受出價後設定

	// 狀態追蹤
	Status            JobStatus `json:"status"`
	DisputedFrom      JobStatus `json:"disputed_from,omitempty"` // 進入爭議前的狀態
	DisputeReason     string    `json:"dispute_reason,omitempty"`
	ResultFingerprint string    `json:"result_fingerprint,omitempty"` // 僅在 COMPLETED 設定

	// 時間管理（Unix 毫秒時間戳，沿用佇列的時間格式）
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
	CompletedAt *int64 `json:"completed_at,omitempty"`
}

// EffectiveStatus 回傳用於不變量檢查的狀態；爭議中的工作沿用進入爭議前的狀態
func (j *Job) EffectiveStatus() JobStatus {
	if j.Status == StatusDisputed && j.DisputedFrom != "" {
		return j.DisputedFrom
	}
	return j.Status
}

// Clone 深拷貝工作
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.CompletedAt != nil {
		at := *j.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// ============================================================================
// 出價 (Bid)
// ============================================================================

// Bid 群組對工作提出的出價
type Bid struct {
	ID             BidID   `json:"id"`
	JobID          JobID   `json:"job_id"`
	SwarmID        SwarmID `json:"swarm_id"`
	Price          Amount  `json:"price"`
	EstimatedHours uint32  `json:"estimated_hours"`
	Message        string  `json:"message,omitempty"`
	Accepted       bool    `json:"accepted"`
	Withdrawn      bool    `json:"withdrawn,omitempty"`
	CreatedAt      int64   `json:"created_at"`
	UpdatedAt      int64   `json:"updated_at"`
}

// Clone 拷貝出價
func (b *Bid) Clone() *Bid {
	if b == nil {
		return nil
	}
	c := *b
	return &c
}

// ============================================================================
// 群組與代理 (Swarm / Agent)
// ============================================================================

// Member 群組成員（錢包地址 + 角色）
type Member struct {
	Address string `json:"address"`
	Role    string `json:"role"`
}

// Swarm 代理群組，共同出價並執行工作
type Swarm struct {
	ID        SwarmID  `json:"id"`
	Name      string   `json:"name"`
	OwnerID   string   `json:"owner_id"`
	Active    bool     `json:"active"`
	Members   []Member `json:"members"`
	CreatedAt int64    `json:"created_at"`
	UpdatedAt int64    `json:"updated_at"`
}

// HasMember 檢查地址是否為群組成員
func (s *Swarm) HasMember(address string) bool {
	for _, m := range s.Members {
		if m.Address == address {
			return true
		}
	}
	return false
}

// Clone 深拷貝群組
func (s *Swarm) Clone() *Swarm {
	if s == nil {
		return nil
	}
	c := *s
	c.Members = append([]Member(nil), s.Members...)
	return &c
}

// Agent 貢獻者紀錄；累計收益與完成任務數只增不減
type Agent struct {
	Address        string  `json:"address"`
	SwarmID        SwarmID `json:"swarm_id"`
	Role           string  `json:"role"`
	TotalEarnings  Amount  `json:"total_earnings"`
	TasksCompleted uint64  `json:"tasks_completed"`
	UpdatedAt      int64   `json:"updated_at"`
}

// Clone 拷貝代理
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// ============================================================================
// 執行任務 (ExecutionTask)
// ============================================================================

// ExecutionTask 接受出價後排入佇列的執行單位
type ExecutionTask struct {
	ID      TaskID                 `json:"id"`
	JobID   JobID                  `json:"job_id"`
	SwarmID SwarmID                `json:"swarm_id"`
	Payload map[string]interface{} `json:"payload,omitempty"` // 不透明的任務載荷

	// 重試追蹤
	Attempt   int    `json:"attempt"`              // 已失敗次數
	LastError string `json:"last_error,omitempty"` // 最近一次失敗原因

	// 時間管理（Unix 毫秒）
	EnqueuedAt    int64 `json:"enqueued_at"`
	NextAttemptAt int64 `json:"next_attempt_at"` // 退避後可再次分派的時間
}

// Clone 深拷貝任務（Payload 為淺拷貝）
func (t *ExecutionTask) Clone() *ExecutionTask {
	if t == nil {
		return nil
	}
	c := *t
	if t.Payload != nil {
		c.Payload = make(map[string]interface{}, len(t.Payload))
		for k, v := range t.Payload {
			c.Payload[k] = v
		}
	}
	return &c
}

// TaskHandle 入隊成功後回傳的任務憑證
type TaskHandle struct {
	TaskID     TaskID `json:"task_id"`
	JobID      JobID  `json:"job_id"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

// DeadLetter 超過重試上限的任務紀錄，需要人工處理
type DeadLetter struct {
	Task     ExecutionTask `json:"task"`
	Reason   string        `json:"reason"`
	FailedAt int64         `json:"failed_at"`
}

// ============================================================================
// 執行結果與結算
// ============================================================================

// Contribution 單一貢獻者回報的執行時間
type Contribution struct {
	Address             string `json:"address"`
	ExecutionTimeMillis uint64 `json:"execution_time_ms"`
}

// ExecutionResult 執行後端回傳的結果
type ExecutionResult struct {
	Success           bool           `json:"success"`
	ResultFingerprint string         `json:"result_fingerprint,omitempty"`
	Contributions     []Contribution `json:"contributions,omitempty"`
	ErrorDetail       string         `json:"error_detail,omitempty"`
	Output            string         `json:"output,omitempty"`
}

// Payout 單一代理的分潤
type Payout struct {
	Address string `json:"address"`
	Amount  Amount `json:"amount"`
}

// Settlement 工作完成後的分潤稽核紀錄
type Settlement struct {
	JobID           JobID    `json:"job_id"`
	SwarmID         SwarmID  `json:"swarm_id"`
	Payment         Amount   `json:"payment"`
	TotalTimeMillis uint64   `json:"total_time_ms"`
	Payouts         []Payout `json:"payouts"`
	Skipped         []string `json:"skipped,omitempty"` // 非群組成員的地址
	Remainder       Amount   `json:"remainder"`         // 捨去後保留於系統的餘額
	SettledAt       int64    `json:"settled_at"`
}

// Distributed 回傳實際分配總額
func (s *Settlement) Distributed() Amount {
	var sum Amount
	for _, p := range s.Payouts {
		sum += p.Amount
	}
	return sum
}

// Clone 深拷貝結算紀錄
func (s *Settlement) Clone() *Settlement {
	if s == nil {
		return nil
	}
	c := *s
	c.Payouts = append([]Payout(nil), s.Payouts...)
	c.Skipped = append([]string(nil), s.Skipped...)
	return &c
}

// ============================================================================
// 快照
// ============================================================================

// QueueSnapshot 執行佇列的快照資料，用於持久化和恢復
type QueueSnapshot struct {
	Tasks       map[TaskID]*ExecutionTask `json:"tasks"`        // 待處理（含執行中）任務
	DeadLetters map[TaskID]*DeadLetter    `json:"dead_letters"` // 死信紀錄
	SchemaVer   int                       `json:"schema_ver"`   // 資料結構版本號
	LastSeq     uint64                    `json:"last_seq"`     // 快照涵蓋的最後 WAL 序號
}
