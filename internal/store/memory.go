package store

import (
	"context"
	"sort"
	"sync"

	"github.com/ChuLiYu/swarm-market/pkg/types"
)

// Memory is an in-process Store. Records are copied on the way in and out so
// callers never alias stored state.
type Memory struct {
	mu          sync.RWMutex
	jobs        map[types.JobID]*types.Job
	bids        map[types.BidID]*types.Bid
	swarms      map[types.SwarmID]*types.Swarm
	agents      map[string]*types.Agent
	settlements map[types.JobID]*types.Settlement
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:        make(map[types.JobID]*types.Job),
		bids:        make(map[types.BidID]*types.Bid),
		swarms:      make(map[types.SwarmID]*types.Swarm),
		agents:      make(map[string]*types.Agent),
		settlements: make(map[types.JobID]*types.Settlement),
	}
}

func (m *Memory) FindJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findJob(id)
}

func (m *Memory) ListJobsByStatus(ctx context.Context, status types.JobStatus) ([]*types.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listJobsByStatus(status, nil), nil
}

func (m *Memory) FindBid(ctx context.Context, id types.BidID) (*types.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findBid(id)
}

func (m *Memory) ListBidsByJob(ctx context.Context, jobID types.JobID) ([]*types.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listBidsByJob(jobID, nil), nil
}

func (m *Memory) FindSwarm(ctx context.Context, id types.SwarmID) (*types.Swarm, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findSwarm(id)
}

func (m *Memory) FindAgent(ctx context.Context, address string) (*types.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findAgent(address)
}

func (m *Memory) FindSettlement(ctx context.Context, jobID types.JobID) (*types.Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findSettlement(jobID)
}

// Update holds the write lock for the duration of fn. Writes are staged in
// the transaction and applied only when fn succeeds.
func (m *Memory) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{
		m:           m,
		jobs:        make(map[types.JobID]*types.Job),
		bids:        make(map[types.BidID]*types.Bid),
		swarms:      make(map[types.SwarmID]*types.Swarm),
		agents:      make(map[string]*types.Agent),
		settlements: make(map[types.JobID]*types.Settlement),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *Memory) Close() error {
	return nil
}

func (m *Memory) findJob(id types.JobID) (*types.Job, error) {
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (m *Memory) findBid(id types.BidID) (*types.Bid, error) {
	bid, ok := m.bids[id]
	if !ok {
		return nil, ErrNotFound
	}
	return bid.Clone(), nil
}

func (m *Memory) findSwarm(id types.SwarmID) (*types.Swarm, error) {
	swarm, ok := m.swarms[id]
	if !ok {
		return nil, ErrNotFound
	}
	return swarm.Clone(), nil
}

func (m *Memory) findAgent(address string) (*types.Agent, error) {
	agent, ok := m.agents[address]
	if !ok {
		return nil, ErrNotFound
	}
	return agent.Clone(), nil
}

func (m *Memory) findSettlement(jobID types.JobID) (*types.Settlement, error) {
	s, ok := m.settlements[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// listJobsByStatus merges staged jobs over committed ones.
func (m *Memory) listJobsByStatus(status types.JobStatus, staged map[types.JobID]*types.Job) []*types.Job {
	merged := make(map[types.JobID]*types.Job, len(m.jobs))
	for id, job := range m.jobs {
		merged[id] = job
	}
	for id, job := range staged {
		merged[id] = job
	}

	jobs := make([]*types.Job, 0)
	for _, job := range merged {
		if job.Status == status {
			jobs = append(jobs, job.Clone())
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt != jobs[j].CreatedAt {
			return jobs[i].CreatedAt < jobs[j].CreatedAt
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs
}

// listBidsByJob merges staged bids over committed ones, creation order.
func (m *Memory) listBidsByJob(jobID types.JobID, staged map[types.BidID]*types.Bid) []*types.Bid {
	merged := make(map[types.BidID]*types.Bid)
	for id, bid := range m.bids {
		if bid.JobID == jobID {
			merged[id] = bid
		}
	}
	for id, bid := range staged {
		if bid.JobID == jobID {
			merged[id] = bid
		}
	}

	bids := make([]*types.Bid, 0, len(merged))
	for _, bid := range merged {
		bids = append(bids, bid.Clone())
	}
	sort.Slice(bids, func(i, j int) bool {
		if bids[i].CreatedAt != bids[j].CreatedAt {
			return bids[i].CreatedAt < bids[j].CreatedAt
		}
		return bids[i].ID < bids[j].ID
	})
	return bids
}

// ============================================================================
// memoryTx
// ============================================================================

type memoryTx struct {
	m           *Memory
	jobs        map[types.JobID]*types.Job
	bids        map[types.BidID]*types.Bid
	swarms      map[types.SwarmID]*types.Swarm
	agents      map[string]*types.Agent
	settlements map[types.JobID]*types.Settlement
}

func (tx *memoryTx) FindJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	if job, ok := tx.jobs[id]; ok {
		return job.Clone(), nil
	}
	return tx.m.findJob(id)
}

func (tx *memoryTx) ListJobsByStatus(ctx context.Context, status types.JobStatus) ([]*types.Job, error) {
	return tx.m.listJobsByStatus(status, tx.jobs), nil
}

func (tx *memoryTx) FindBid(ctx context.Context, id types.BidID) (*types.Bid, error) {
	if bid, ok := tx.bids[id]; ok {
		return bid.Clone(), nil
	}
	return tx.m.findBid(id)
}

func (tx *memoryTx) ListBidsByJob(ctx context.Context, jobID types.JobID) ([]*types.Bid, error) {
	return tx.m.listBidsByJob(jobID, tx.bids), nil
}

func (tx *memoryTx) FindSwarm(ctx context.Context, id types.SwarmID) (*types.Swarm, error) {
	if swarm, ok := tx.swarms[id]; ok {
		return swarm.Clone(), nil
	}
	return tx.m.findSwarm(id)
}

func (tx *memoryTx) FindAgent(ctx context.Context, address string) (*types.Agent, error) {
	if agent, ok := tx.agents[address]; ok {
		return agent.Clone(), nil
	}
	return tx.m.findAgent(address)
}

func (tx *memoryTx) FindSettlement(ctx context.Context, jobID types.JobID) (*types.Settlement, error) {
	if s, ok := tx.settlements[jobID]; ok {
		return s.Clone(), nil
	}
	return tx.m.findSettlement(jobID)
}

func (tx *memoryTx) SaveJob(ctx context.Context, job *types.Job) error {
	tx.jobs[job.ID] = job.Clone()
	return nil
}

func (tx *memoryTx) SaveBid(ctx context.Context, bid *types.Bid) error {
	tx.bids[bid.ID] = bid.Clone()
	return nil
}

func (tx *memoryTx) SaveSwarm(ctx context.Context, swarm *types.Swarm) error {
	tx.swarms[swarm.ID] = swarm.Clone()
	return nil
}

func (tx *memoryTx) SaveAgent(ctx context.Context, agent *types.Agent) error {
	tx.agents[agent.Address] = agent.Clone()
	return nil
}

func (tx *memoryTx) SaveSettlement(ctx context.Context, s *types.Settlement) error {
	tx.settlements[s.JobID] = s.Clone()
	return nil
}

// commit applies staged writes; caller holds m.mu.
func (tx *memoryTx) commit() {
	for id, job := range tx.jobs {
		tx.m.jobs[id] = job
	}
	for id, bid := range tx.bids {
		tx.m.bids[id] = bid
	}
	for id, swarm := range tx.swarms {
		tx.m.swarms[id] = swarm
	}
	for addr, agent := range tx.agents {
		tx.m.agents[addr] = agent
	}
	for id, s := range tx.settlements {
		tx.m.settlements[id] = s
	}
}
