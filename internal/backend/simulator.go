package backend

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/swarm-market/pkg/types"
)

// SimulatorConfig 模擬後端配置
type SimulatorConfig struct {
	MinDelay    time.Duration // 最短執行時間
	MaxDelay    time.Duration // 最長執行時間
	FailureRate float64       // 回報失敗的機率（0~1）
	Seed        int64         // 亂數種子，0 表示使用目前時間
}

// Simulator 模擬執行後端
//
// 每次執行隨機等待 MinDelay~MaxDelay，依 FailureRate 回報失敗；
// 成功時每個群組成員各得到一段隨機的執行時間。
type Simulator struct {
	cfg SimulatorConfig
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulator 建立模擬後端
func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulator{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// Execute 模擬一次執行
func (s *Simulator) Execute(ctx context.Context, req Request) (*types.ExecutionResult, error) {
	delay, fail, times := s.roll(len(req.Members))

	// 模擬執行時間
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if fail {
		return &types.ExecutionResult{
			Success:     false,
			ErrorDetail: fmt.Sprintf("simulated failure for job %s", req.JobID),
		}, nil
	}

	var out strings.Builder
	out.WriteString(req.Title)
	out.WriteString("\n\n")
	out.WriteString(req.Description)
	if req.Requirements != "" {
		out.WriteString("\n\nRequirements: ")
		out.WriteString(req.Requirements)
	}
	output := out.String()

	contributions := make([]types.Contribution, 0, len(req.Members))
	for i, m := range req.Members {
		contributions = append(contributions, types.Contribution{
			Address:             m.Address,
			ExecutionTimeMillis: times[i],
		})
	}

	return &types.ExecutionResult{
		Success:           true,
		ResultFingerprint: Fingerprint(output),
		Contributions:     contributions,
		Output:            output,
	}, nil
}

// roll 在鎖內取得本次執行所需的所有亂數
func (s *Simulator) roll(members int) (time.Duration, bool, []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delay := s.cfg.MinDelay
	if span := s.cfg.MaxDelay - s.cfg.MinDelay; span > 0 {
		delay += time.Duration(s.rng.Int63n(int64(span)))
	}
	fail := s.rng.Float64() < s.cfg.FailureRate

	times := make([]uint64, members)
	for i := range times {
		times[i] = uint64(50 + s.rng.Intn(451))
	}
	return delay, fail, times
}
