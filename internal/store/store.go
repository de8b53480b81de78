// Package store defines the persistent record store the market core writes
// through, plus in-memory and SQLite implementations.
//
// The core treats the store as a mirror of its state: every transition is
// written inside Update before it is considered committed. Update runs its
// callback as one all-or-nothing transaction.
package store

import (
	"context"
	"errors"

	"github.com/ChuLiYu/swarm-market/pkg/types"
)

// ErrNotFound is returned by finders when the record does not exist.
var ErrNotFound = errors.New("store: record not found")

// Reader is the read side shared by the store and its transactions.
type Reader interface {
	FindJob(ctx context.Context, id types.JobID) (*types.Job, error)
	ListJobsByStatus(ctx context.Context, status types.JobStatus) ([]*types.Job, error)
	FindBid(ctx context.Context, id types.BidID) (*types.Bid, error)
	ListBidsByJob(ctx context.Context, jobID types.JobID) ([]*types.Bid, error)
	FindSwarm(ctx context.Context, id types.SwarmID) (*types.Swarm, error)
	FindAgent(ctx context.Context, address string) (*types.Agent, error)
	FindSettlement(ctx context.Context, jobID types.JobID) (*types.Settlement, error)
}

// Tx is a transaction handle passed to Update callbacks.
type Tx interface {
	Reader
	SaveJob(ctx context.Context, job *types.Job) error
	SaveBid(ctx context.Context, bid *types.Bid) error
	SaveSwarm(ctx context.Context, swarm *types.Swarm) error
	SaveAgent(ctx context.Context, agent *types.Agent) error
	SaveSettlement(ctx context.Context, s *types.Settlement) error
}

// Store is the record store.
type Store interface {
	Reader
	// Update runs fn in a transaction. If fn returns an error nothing fn
	// wrote is visible afterwards.
	Update(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
