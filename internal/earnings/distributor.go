package earnings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/swarm-market/internal/apperr"
	"github.com/ChuLiYu/swarm-market/internal/store"
	"github.com/ChuLiYu/swarm-market/pkg/types"
)

// Distributor 在呼叫者的交易中套用分潤
type Distributor struct {
	log *slog.Logger
	now func() time.Time
}

// NewDistributor 創建分潤器
func NewDistributor(logger *slog.Logger) *Distributor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Distributor{
		log: logger,
		now: time.Now,
	}
}

// Settle 對剛轉為 COMPLETED 的工作進行結算
//
// 必須在 completeExecution 的同一個交易內呼叫；交易回滾時所有餘額變更一併回滾。
// 同一工作已有結算紀錄時回傳 ErrAlreadySettled。
// T = 0 時不寫入任何資料並回傳 (nil, nil)。
func (d *Distributor) Settle(ctx context.Context, tx store.Tx, job *types.Job, contributions []types.Contribution) (*types.Settlement, error) {
	if _, err := tx.FindSettlement(ctx, job.ID); err == nil {
		return nil, apperr.ErrAlreadySettled
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("find settlement: %w", err)
	}

	swarm, err := tx.FindSwarm(ctx, job.SwarmID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.ErrSwarmNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find swarm: %w", err)
	}

	s, ok, err := Split(job.Payment, contributions, swarm.HasMember)
	if err != nil {
		return nil, err
	}
	if !ok {
		d.log.Info("Settlement skipped, zero execution time", "jobID", job.ID)
		return nil, nil
	}

	nowMs := d.now().UnixMilli()
	for _, p := range s.Payouts {
		agent, err := tx.FindAgent(ctx, p.Address)
		if errors.Is(err, store.ErrNotFound) {
			agent = &types.Agent{Address: p.Address, SwarmID: swarm.ID}
			for _, m := range swarm.Members {
				if m.Address == p.Address {
					agent.Role = m.Role
					break
				}
			}
		} else if err != nil {
			return nil, fmt.Errorf("find agent %s: %w", p.Address, err)
		}

		earnings := agent.TotalEarnings + p.Amount
		if earnings < agent.TotalEarnings {
			return nil, fmt.Errorf("%w: earnings overflow for %s", apperr.ErrInvalidArgument, p.Address)
		}
		agent.TotalEarnings = earnings
		agent.TasksCompleted++
		agent.UpdatedAt = nowMs
		if err := tx.SaveAgent(ctx, agent); err != nil {
			return nil, fmt.Errorf("save agent %s: %w", p.Address, err)
		}
	}

	s.JobID = job.ID
	s.SwarmID = job.SwarmID
	s.SettledAt = nowMs
	if err := tx.SaveSettlement(ctx, s); err != nil {
		return nil, fmt.Errorf("save settlement: %w", err)
	}

	if len(s.Skipped) > 0 {
		d.log.Warn("Skipped non-member contributors", "jobID", job.ID, "addresses", s.Skipped)
	}
	d.log.Info("Job settled",
		"jobID", job.ID,
		"payment", uint64(s.Payment),
		"payouts", len(s.Payouts),
		"remainder", uint64(s.Remainder))
	return s, nil
}
