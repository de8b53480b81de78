// Package backend 定義執行後端介面與其實作
//
// 接受出價後，執行佇列把工作交給後端；後端回報成功與否、
// 結果指紋，以及每個貢獻者的執行時間（結算的依據）。
//
// 實作：
//   - GRPCClient / Server: 透過 gRPC 呼叫遠端後端
//   - HTTPClient: 相容代理服務的 POST /execute
//   - Simulator: 隨機延遲與失敗率的模擬後端
package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/ChuLiYu/swarm-market/pkg/types"
)

// Request 交給執行後端的工作內容
type Request struct {
	JobID        types.JobID    `json:"job_id"`
	SwarmID      types.SwarmID  `json:"swarm_id"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Requirements string         `json:"requirements"`
	Members      []types.Member `json:"members,omitempty"` // 群組成員，後端可用來分派子任務
}

// Backend 執行後端
//
// 呼叫者負責以 ctx 限制執行時間；回傳 error 代表呼叫本身失敗（網路、超時），
// 後端回報的執行失敗以 ExecutionResult.Success=false 表示。
type Backend interface {
	Execute(ctx context.Context, req Request) (*types.ExecutionResult, error)
}

// Fingerprint 以輸出內容產生結果指紋：ipfs:// + SHA-256 十六進位的前 46 個字元
func Fingerprint(output string) string {
	sum := sha256.Sum256([]byte(output))
	return "ipfs://" + hex.EncodeToString(sum[:])[:46]
}

// Func 將函數轉為 Backend
type Func func(ctx context.Context, req Request) (*types.ExecutionResult, error)

// Execute implements Backend.
func (f Func) Execute(ctx context.Context, req Request) (*types.ExecutionResult, error) {
	return f(ctx, req)
}
