package jobmanager

import (
	"context"
	"fmt"
	"sort"

	"github.com/ChuLiYu/swarm-market/internal/apperr"
	"github.com/ChuLiYu/swarm-market/internal/store"
	"github.com/ChuLiYu/swarm-market/pkg/types"
)

// ============================================================================
// 出價帳本 (BidLedger)
// ============================================================================

// BidRequest 提交出價的參數
type BidRequest struct {
	JobID          types.JobID   `json:"job_id"`
	SwarmID        types.SwarmID `json:"swarm_id"`
	Price          types.Amount  `json:"price"`
	EstimatedHours uint32        `json:"estimated_hours"`
	Message        string        `json:"message,omitempty"`
}

// BidOrder 出價排序鍵
type BidOrder string

const (
	OrderByCreated  BidOrder = "created"
	OrderByPrice    BidOrder = "price"
	OrderByDuration BidOrder = "duration"
)

// SortDirection 排序方向
type SortDirection string

const (
	Asc  SortDirection = "asc"
	Desc SortDirection = "desc"
)

// SubmitBid 為 OPEN 工作提交出價
//
// 錯誤依檢查順序：
//   - ErrInvalidArgument: 預估時數為 0
//   - ErrJobNotFound / ErrJobNotOpen
//   - ErrSwarmNotFound / ErrSwarmInactive / ErrSwarmHasNoMembers
//   - ErrDuplicateBid: 同一群組對同一工作已有未撤回的出價
//
// 成功時只新增一筆 Accepted=false 的出價，不發送通知（由呼叫者負責）。
func (m *Manager) SubmitBid(ctx context.Context, req BidRequest) (*types.Bid, error) {
	if req.EstimatedHours == 0 {
		return nil, fmt.Errorf("%w: estimated hours must be positive", apperr.ErrInvalidArgument)
	}

	unlock := m.locks.lock(req.JobID)
	defer unlock()

	var bid *types.Bid
	err := m.store.Update(ctx, func(tx store.Tx) error {
		job, err := findJob(ctx, tx, req.JobID)
		if err != nil {
			return err
		}
		if job.Status != types.StatusOpen {
			return apperr.ErrJobNotOpen
		}

		swarm, err := findSwarm(ctx, tx, req.SwarmID)
		if err != nil {
			return err
		}
		if !swarm.Active {
			return apperr.ErrSwarmInactive
		}
		if len(swarm.Members) == 0 {
			return apperr.ErrSwarmHasNoMembers
		}

		existing, err := tx.ListBidsByJob(ctx, req.JobID)
		if err != nil {
			return err
		}
		for _, b := range existing {
			if b.SwarmID == req.SwarmID && !b.Withdrawn {
				return apperr.ErrDuplicateBid
			}
		}

		nowMs := m.nowMs()
		bid = &types.Bid{
			ID:             types.BidID(m.newID()),
			JobID:          req.JobID,
			SwarmID:        req.SwarmID,
			Price:          req.Price,
			EstimatedHours: req.EstimatedHours,
			Message:        req.Message,
			CreatedAt:      nowMs,
			UpdatedAt:      nowMs,
		}
		return tx.SaveBid(ctx, bid)
	})
	if err != nil {
		return nil, err
	}

	m.log.Info("Bid submitted", "jobID", bid.JobID, "bidID", bid.ID, "swarmID", bid.SwarmID, "price", uint64(bid.Price))
	return bid, nil
}

// ListBids 列出工作的有效出價（不含已撤回）
//
// 同值時依建立時間升冪、再依出價 ID 升冪，與排序方向無關，保證結果確定。
func (m *Manager) ListBids(ctx context.Context, jobID types.JobID, orderBy BidOrder, order SortDirection) ([]*types.Bid, error) {
	if orderBy == "" {
		orderBy = OrderByCreated
	}
	if order == "" {
		order = Asc
	}
	switch orderBy {
	case OrderByCreated, OrderByPrice, OrderByDuration:
	default:
		return nil, fmt.Errorf("%w: unknown order key %q", apperr.ErrInvalidArgument, orderBy)
	}
	if order != Asc && order != Desc {
		return nil, fmt.Errorf("%w: unknown sort direction %q", apperr.ErrInvalidArgument, order)
	}

	if _, err := findJob(ctx, m.store, jobID); err != nil {
		return nil, err
	}
	all, err := m.store.ListBidsByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	bids := make([]*types.Bid, 0, len(all))
	for _, b := range all {
		if !b.Withdrawn {
			bids = append(bids, b)
		}
	}
	sortBids(bids, orderBy, order)
	return bids, nil
}

func sortBids(bids []*types.Bid, orderBy BidOrder, order SortDirection) {
	key := func(b *types.Bid) uint64 {
		switch orderBy {
		case OrderByPrice:
			return uint64(b.Price)
		case OrderByDuration:
			return uint64(b.EstimatedHours)
		default:
			return uint64(b.CreatedAt)
		}
	}

	sort.Slice(bids, func(i, j int) bool {
		ki, kj := key(bids[i]), key(bids[j])
		if ki != kj {
			if order == Desc {
				return ki > kj
			}
			return ki < kj
		}
		if bids[i].CreatedAt != bids[j].CreatedAt {
			return bids[i].CreatedAt < bids[j].CreatedAt
		}
		return bids[i].ID < bids[j].ID
	})
}

// WithdrawBid 撤回尚未被接受的出價
//
// 錯誤依檢查順序：
//   - ErrBidNotFound: 出價不存在或已撤回
//   - ErrForbidden: 請求者不是群組擁有者
//   - ErrJobNotOpen: 工作已不在 OPEN
//   - ErrAlreadyAccepted: 出價已被接受
//
// 撤回後該群組可以對同一工作重新出價。
func (m *Manager) WithdrawBid(ctx context.Context, bidID types.BidID, requestingOwner string) error {
	bid, err := findBid(ctx, m.store, bidID)
	if err != nil {
		return err
	}

	unlock := m.locks.lock(bid.JobID)
	defer unlock()

	err = m.store.Update(ctx, func(tx store.Tx) error {
		bid, err := findBid(ctx, tx, bidID)
		if err != nil {
			return err
		}
		if bid.Withdrawn {
			return apperr.ErrBidNotFound
		}

		swarm, err := findSwarm(ctx, tx, bid.SwarmID)
		if err != nil {
			return err
		}
		if swarm.OwnerID != requestingOwner {
			return apperr.ErrForbidden
		}

		job, err := findJob(ctx, tx, bid.JobID)
		if err != nil {
			return err
		}
		if job.Status != types.StatusOpen {
			return apperr.ErrJobNotOpen
		}
		if bid.Accepted {
			return apperr.ErrAlreadyAccepted
		}

		bid.Withdrawn = true
		bid.UpdatedAt = m.nowMs()
		return tx.SaveBid(ctx, bid)
	})
	if err != nil {
		return err
	}

	m.log.Info("Bid withdrawn", "jobID", bid.JobID, "bidID", bidID)
	return nil
}
