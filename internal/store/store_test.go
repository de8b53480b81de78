package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/swarm-market/pkg/types"
)

// backends 回傳需要跑同一組測試的所有 Store 實作
func backends(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "market.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func sampleJob(id types.JobID, createdAt int64) *types.Job {
	return &types.Job{
		ID:        id,
		Title:     "summarize",
		Payment:   1000,
		ClientID:  "client-1",
		Status:    types.StatusOpen,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestStore_JobRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.FindJob(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			job := sampleJob("job-1", 10)
			require.NoError(t, s.Update(ctx, func(tx Tx) error {
				return tx.SaveJob(ctx, job)
			}))

			got, err := s.FindJob(ctx, "job-1")
			require.NoError(t, err)
			assert.Equal(t, job, got)

			completed := int64(42)
			job.Status = types.StatusCompleted
			job.SwarmID = "swarm-1"
			job.ResultFingerprint = "ipfs://abc"
			job.CompletedAt = &completed
			require.NoError(t, s.Update(ctx, func(tx Tx) error {
				return tx.SaveJob(ctx, job)
			}))

			got, err = s.FindJob(ctx, "job-1")
			require.NoError(t, err)
			assert.Equal(t, types.StatusCompleted, got.Status)
			require.NotNil(t, got.CompletedAt)
			assert.Equal(t, completed, *got.CompletedAt)
		})
	}
}

func TestStore_UpdateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := s.Update(ctx, func(tx Tx) error {
				if err := tx.SaveJob(ctx, sampleJob("job-rb", 1)); err != nil {
					return err
				}
				// 交易內可讀到尚未提交的寫入
				got, err := tx.FindJob(ctx, "job-rb")
				if err != nil {
					return err
				}
				assert.Equal(t, types.JobID("job-rb"), got.ID)
				return boom
			})
			assert.ErrorIs(t, err, boom)

			_, err = s.FindJob(ctx, "job-rb")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_ListJobsByStatus(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Update(ctx, func(tx Tx) error {
				for _, j := range []*types.Job{sampleJob("b", 2), sampleJob("a", 2), sampleJob("c", 1)} {
					if err := tx.SaveJob(ctx, j); err != nil {
						return err
					}
				}
				assigned := sampleJob("d", 0)
				assigned.Status = types.StatusAssigned
				assigned.SwarmID = "swarm-1"
				return tx.SaveJob(ctx, assigned)
			}))

			open, err := s.ListJobsByStatus(ctx, types.StatusOpen)
			require.NoError(t, err)
			ids := make([]types.JobID, 0, len(open))
			for _, j := range open {
				ids = append(ids, j.ID)
			}
			assert.Equal(t, []types.JobID{"c", "a", "b"}, ids)

			assigned, err := s.ListJobsByStatus(ctx, types.StatusAssigned)
			require.NoError(t, err)
			require.Len(t, assigned, 1)
			assert.Equal(t, types.SwarmID("swarm-1"), assigned[0].SwarmID)
		})
	}
}

func TestStore_BidsAndSwarms(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			swarm := &types.Swarm{
				ID:      "swarm-1",
				Name:    "alpha",
				OwnerID: "owner-1",
				Active:  true,
				Members: []types.Member{
					{Address: "0xa", Role: "router"},
					{Address: "0xb", Role: "worker"},
				},
				CreatedAt: 1,
				UpdatedAt: 1,
			}
			bids := []*types.Bid{
				{ID: "bid-2", JobID: "job-1", SwarmID: "swarm-2", Price: 90, EstimatedHours: 3, CreatedAt: 5, UpdatedAt: 5},
				{ID: "bid-1", JobID: "job-1", SwarmID: "swarm-1", Price: 80, EstimatedHours: 2, Message: "hi", CreatedAt: 5, UpdatedAt: 5},
				{ID: "bid-3", JobID: "job-2", SwarmID: "swarm-1", Price: 10, EstimatedHours: 1, CreatedAt: 1, UpdatedAt: 1},
			}
			require.NoError(t, s.Update(ctx, func(tx Tx) error {
				if err := tx.SaveSwarm(ctx, swarm); err != nil {
					return err
				}
				for _, b := range bids {
					if err := tx.SaveBid(ctx, b); err != nil {
						return err
					}
				}
				return nil
			}))

			gotSwarm, err := s.FindSwarm(ctx, "swarm-1")
			require.NoError(t, err)
			assert.Equal(t, swarm, gotSwarm)
			assert.True(t, gotSwarm.HasMember("0xb"))

			list, err := s.ListBidsByJob(ctx, "job-1")
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, types.BidID("bid-1"), list[0].ID)
			assert.Equal(t, types.BidID("bid-2"), list[1].ID)
			assert.Equal(t, "hi", list[0].Message)

			accepted := list[0]
			accepted.Accepted = true
			require.NoError(t, s.Update(ctx, func(tx Tx) error {
				return tx.SaveBid(ctx, accepted)
			}))
			got, err := s.FindBid(ctx, "bid-1")
			require.NoError(t, err)
			assert.True(t, got.Accepted)
		})
	}
}

func TestStore_AgentsAndSettlements(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.FindSettlement(ctx, "job-1")
			assert.ErrorIs(t, err, ErrNotFound)

			agent := &types.Agent{Address: "0xa", SwarmID: "swarm-1", Role: "worker", TotalEarnings: 750, TasksCompleted: 1, UpdatedAt: 9}
			settlement := &types.Settlement{
				JobID:           "job-1",
				SwarmID:         "swarm-1",
				Payment:         1000,
				TotalTimeMillis: 4000,
				Payouts:         []types.Payout{{Address: "0xa", Amount: 750}, {Address: "0xb", Amount: 250}},
				Skipped:         []string{"0xz"},
				Remainder:       0,
				SettledAt:       9,
			}
			require.NoError(t, s.Update(ctx, func(tx Tx) error {
				if err := tx.SaveAgent(ctx, agent); err != nil {
					return err
				}
				return tx.SaveSettlement(ctx, settlement)
			}))

			gotAgent, err := s.FindAgent(ctx, "0xa")
			require.NoError(t, err)
			assert.Equal(t, agent, gotAgent)

			got, err := s.FindSettlement(ctx, "job-1")
			require.NoError(t, err)
			assert.Equal(t, settlement, got)
			assert.Equal(t, types.Amount(1000), got.Distributed())
		})
	}
}

func TestStore_CopiesRecords(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	job := sampleJob("job-1", 1)
	require.NoError(t, s.Update(ctx, func(tx Tx) error { return tx.SaveJob(ctx, job) }))

	job.Status = types.StatusCompleted
	got, err := s.FindJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusOpen, got.Status)

	got.Status = types.StatusDisputed
	again, err := s.FindJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusOpen, again.Status)
}

func TestSQLite_RejectsOutOfRangeAmount(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "market.db"))
	require.NoError(t, err)
	defer s.Close()

	job := sampleJob("huge", 1)
	job.Payment = types.Amount(1 << 63)
	err = s.Update(ctx, func(tx Tx) error { return tx.SaveJob(ctx, job) })
	assert.Error(t, err)
}

func TestSQLite_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "market.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, func(tx Tx) error { return tx.SaveJob(ctx, sampleJob("job-1", 1)) }))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.FindJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.Amount(1000), got.Payment)
}
