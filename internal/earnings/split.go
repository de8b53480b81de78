// Package earnings 實作工作完成後的比例分潤
//
// 分潤完全使用整數運算：payout_i = floor(Payment × t_i / T)，
// 中間值以 128 位元計算（math/bits），不會溢位也不會有浮點誤差。
// 無法整除的餘額保留在系統中並記錄於結算紀錄，不做二次分配。
package earnings

import (
	"fmt"
	"math/bits"

	"github.com/ChuLiYu/swarm-market/internal/apperr"
	"github.com/ChuLiYu/swarm-market/pkg/types"
)

// Split 純函數：依執行時間比例計算分潤
//
// 參數說明：
//   - payment: 工作付款總額
//   - contributions: 後端回報的貢獻者執行時間，同一地址多筆會依首次出現順序合併
//   - isMember: 判斷地址是否為指派群組成員；非成員略過並列入 Skipped
//
// 返回值：
//   - *types.Settlement: 只填入 Payment / TotalTimeMillis / Payouts / Skipped / Remainder
//   - bool: T = 0 時回傳 false，代表不進行結算
//   - error: 執行時間總和溢位時回傳 ErrInvalidArgument
//
// T 包含非成員的執行時間，非成員的份額併入餘額。
func Split(payment types.Amount, contributions []types.Contribution, isMember func(string) bool) (*types.Settlement, bool, error) {
	// 合併重複地址並計算 T
	order := make([]string, 0, len(contributions))
	times := make(map[string]uint64, len(contributions))
	var total uint64
	for _, c := range contributions {
		sum, carry := bits.Add64(total, c.ExecutionTimeMillis, 0)
		if carry != 0 {
			return nil, false, fmt.Errorf("%w: total execution time overflows", apperr.ErrInvalidArgument)
		}
		total = sum

		prev, seen := times[c.Address]
		if !seen {
			order = append(order, c.Address)
		}
		times[c.Address] = prev + c.ExecutionTimeMillis
	}

	if total == 0 {
		return nil, false, nil
	}

	s := &types.Settlement{
		Payment:         payment,
		TotalTimeMillis: total,
		Payouts:         make([]types.Payout, 0, len(order)),
	}

	var distributed types.Amount
	for _, addr := range order {
		if !isMember(addr) {
			s.Skipped = append(s.Skipped, addr)
			continue
		}
		amount := share(payment, times[addr], total)
		s.Payouts = append(s.Payouts, types.Payout{Address: addr, Amount: amount})
		distributed += amount
	}
	s.Remainder = payment - distributed
	return s, true, nil
}

// share 計算 floor(payment × t / total)，t <= total
func share(payment types.Amount, t, total uint64) types.Amount {
	hi, lo := bits.Mul64(uint64(payment), t)
	// t <= total 保證商不超過 payment，因此 hi < total，Div64 不會 panic
	q, _ := bits.Div64(hi, lo, total)
	return types.Amount(q)
}
