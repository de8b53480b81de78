package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ChuLiYu/swarm-market/pkg/types"
)

// SQLite is a Store backed by a single SQLite database file.
type SQLite struct {
	db *sql.DB
	rw
}

// queryer is the subset shared by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// one writer; transactions serialize on the connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLite{db: db, rw: rw{q: db}}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		requirements TEXT NOT NULL DEFAULT '',
		payment INTEGER NOT NULL,
		client_id TEXT NOT NULL,
		swarm_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL CHECK (status IN ('OPEN','ASSIGNED','IN_PROGRESS','COMPLETED','DISPUTED')),
		disputed_from TEXT NOT NULL DEFAULT '',
		dispute_reason TEXT NOT NULL DEFAULT '',
		result_fingerprint TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status_created_at ON jobs(status, created_at);
	CREATE TABLE IF NOT EXISTS bids (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		swarm_id TEXT NOT NULL,
		price INTEGER NOT NULL,
		estimated_hours INTEGER NOT NULL CHECK (estimated_hours > 0),
		message TEXT NOT NULL DEFAULT '',
		accepted INTEGER NOT NULL DEFAULT 0,
		withdrawn INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_bids_job_created_at ON bids(job_id, created_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_bids_job_swarm_live ON bids(job_id, swarm_id) WHERE withdrawn = 0;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_bids_job_accepted ON bids(job_id) WHERE accepted = 1;
	CREATE TABLE IF NOT EXISTS swarms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		owner_id TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		members TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS agents (
		address TEXT PRIMARY KEY,
		swarm_id TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		total_earnings INTEGER NOT NULL DEFAULT 0,
		tasks_completed INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS settlements (
		job_id TEXT PRIMARY KEY,
		swarm_id TEXT NOT NULL,
		payment INTEGER NOT NULL,
		total_time_ms INTEGER NOT NULL,
		payouts TEXT NOT NULL DEFAULT '[]',
		skipped TEXT NOT NULL DEFAULT '[]',
		remainder INTEGER NOT NULL,
		settled_at INTEGER NOT NULL
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Update runs fn inside a database transaction.
func (s *SQLite) Update(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&rw{q: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ============================================================================
// rw implements Reader and Tx over a queryer
// ============================================================================

type rw struct {
	q queryer
}

const jobColumns = `id, title, description, requirements, payment, client_id, swarm_id, status,
	disputed_from, dispute_reason, result_fingerprint, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*types.Job, error) {
	var (
		job         types.Job
		payment     int64
		completedAt sql.NullInt64
	)
	err := row.Scan(&job.ID, &job.Title, &job.Description, &job.Requirements, &payment,
		&job.ClientID, &job.SwarmID, &job.Status, &job.DisputedFrom, &job.DisputeReason,
		&job.ResultFingerprint, &job.CreatedAt, &job.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	job.Payment = types.Amount(payment)
	if completedAt.Valid {
		at := completedAt.Int64
		job.CompletedAt = &at
	}
	return &job, nil
}

func (r *rw) FindJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

func (r *rw) ListJobsByStatus(ctx context.Context, status types.JobStatus) ([]*types.Job, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC, id ASC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]*types.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *rw) SaveJob(ctx context.Context, job *types.Job) error {
	payment, err := toInt64(job.Payment)
	if err != nil {
		return err
	}
	var completedAt sql.NullInt64
	if job.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: *job.CompletedAt, Valid: true}
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			requirements = excluded.requirements,
			payment = excluded.payment,
			client_id = excluded.client_id,
			swarm_id = excluded.swarm_id,
			status = excluded.status,
			disputed_from = excluded.disputed_from,
			dispute_reason = excluded.dispute_reason,
			result_fingerprint = excluded.result_fingerprint,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at`,
		job.ID, job.Title, job.Description, job.Requirements, payment, job.ClientID,
		job.SwarmID, job.Status, job.DisputedFrom, job.DisputeReason, job.ResultFingerprint,
		job.CreatedAt, job.UpdatedAt, completedAt)
	return err
}

const bidColumns = `id, job_id, swarm_id, price, estimated_hours, message, accepted, withdrawn, created_at, updated_at`

func scanBid(row rowScanner) (*types.Bid, error) {
	var (
		bid   types.Bid
		price int64
	)
	err := row.Scan(&bid.ID, &bid.JobID, &bid.SwarmID, &price, &bid.EstimatedHours,
		&bid.Message, &bid.Accepted, &bid.Withdrawn, &bid.CreatedAt, &bid.UpdatedAt)
	if err != nil {
		return nil, err
	}
	bid.Price = types.Amount(price)
	return &bid, nil
}

func (r *rw) FindBid(ctx context.Context, id types.BidID) (*types.Bid, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = ?`, id)
	bid, err := scanBid(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return bid, err
}

func (r *rw) ListBidsByJob(ctx context.Context, jobID types.JobID) ([]*types.Bid, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE job_id = ? ORDER BY created_at ASC, id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bids := make([]*types.Bid, 0)
	for rows.Next() {
		bid, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, bid)
	}
	return bids, rows.Err()
}

func (r *rw) SaveBid(ctx context.Context, bid *types.Bid) error {
	price, err := toInt64(bid.Price)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO bids (`+bidColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			price = excluded.price,
			estimated_hours = excluded.estimated_hours,
			message = excluded.message,
			accepted = excluded.accepted,
			withdrawn = excluded.withdrawn,
			updated_at = excluded.updated_at`,
		bid.ID, bid.JobID, bid.SwarmID, price, bid.EstimatedHours, bid.Message,
		bid.Accepted, bid.Withdrawn, bid.CreatedAt, bid.UpdatedAt)
	return err
}

func (r *rw) FindSwarm(ctx context.Context, id types.SwarmID) (*types.Swarm, error) {
	var (
		swarm   types.Swarm
		members string
	)
	err := r.q.QueryRowContext(ctx,
		`SELECT id, name, owner_id, active, members, created_at, updated_at FROM swarms WHERE id = ?`, id).
		Scan(&swarm.ID, &swarm.Name, &swarm.OwnerID, &swarm.Active, &members, &swarm.CreatedAt, &swarm.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(members), &swarm.Members); err != nil {
		return nil, fmt.Errorf("decode swarm members: %w", err)
	}
	return &swarm, nil
}

func (r *rw) SaveSwarm(ctx context.Context, swarm *types.Swarm) error {
	members, err := json.Marshal(swarm.Members)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO swarms (id, name, owner_id, active, members, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			owner_id = excluded.owner_id,
			active = excluded.active,
			members = excluded.members,
			updated_at = excluded.updated_at`,
		swarm.ID, swarm.Name, swarm.OwnerID, swarm.Active, string(members), swarm.CreatedAt, swarm.UpdatedAt)
	return err
}

func (r *rw) FindAgent(ctx context.Context, address string) (*types.Agent, error) {
	var (
		agent    types.Agent
		earnings int64
		tasks    int64
	)
	err := r.q.QueryRowContext(ctx,
		`SELECT address, swarm_id, role, total_earnings, tasks_completed, updated_at FROM agents WHERE address = ?`, address).
		Scan(&agent.Address, &agent.SwarmID, &agent.Role, &earnings, &tasks, &agent.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	agent.TotalEarnings = types.Amount(earnings)
	agent.TasksCompleted = uint64(tasks)
	return &agent, nil
}

func (r *rw) SaveAgent(ctx context.Context, agent *types.Agent) error {
	earnings, err := toInt64(agent.TotalEarnings)
	if err != nil {
		return err
	}
	if agent.TasksCompleted > math.MaxInt64 {
		return fmt.Errorf("store: tasks_completed %d out of range", agent.TasksCompleted)
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO agents (address, swarm_id, role, total_earnings, tasks_completed, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			swarm_id = excluded.swarm_id,
			role = excluded.role,
			total_earnings = excluded.total_earnings,
			tasks_completed = excluded.tasks_completed,
			updated_at = excluded.updated_at`,
		agent.Address, agent.SwarmID, agent.Role, earnings, int64(agent.TasksCompleted), agent.UpdatedAt)
	return err
}

func (r *rw) FindSettlement(ctx context.Context, jobID types.JobID) (*types.Settlement, error) {
	var (
		s                         types.Settlement
		payment, remainder, total int64
		payouts, skipped          string
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT job_id, swarm_id, payment, total_time_ms, payouts, skipped, remainder, settled_at
		FROM settlements WHERE job_id = ?`, jobID).
		Scan(&s.JobID, &s.SwarmID, &payment, &total, &payouts, &skipped, &remainder, &s.SettledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Payment = types.Amount(payment)
	s.Remainder = types.Amount(remainder)
	s.TotalTimeMillis = uint64(total)
	if err := json.Unmarshal([]byte(payouts), &s.Payouts); err != nil {
		return nil, fmt.Errorf("decode payouts: %w", err)
	}
	if err := json.Unmarshal([]byte(skipped), &s.Skipped); err != nil {
		return nil, fmt.Errorf("decode skipped: %w", err)
	}
	return &s, nil
}

func (r *rw) SaveSettlement(ctx context.Context, s *types.Settlement) error {
	payment, err := toInt64(s.Payment)
	if err != nil {
		return err
	}
	remainder, err := toInt64(s.Remainder)
	if err != nil {
		return err
	}
	if s.TotalTimeMillis > math.MaxInt64 {
		return fmt.Errorf("store: total_time_ms %d out of range", s.TotalTimeMillis)
	}
	payouts, err := json.Marshal(s.Payouts)
	if err != nil {
		return err
	}
	skipped, err := json.Marshal(s.Skipped)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO settlements (job_id, swarm_id, payment, total_time_ms, payouts, skipped, remainder, settled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.JobID, s.SwarmID, payment, int64(s.TotalTimeMillis), string(payouts), string(skipped), remainder, s.SettledAt)
	return err
}

// toInt64 converts an amount to SQLite's signed integer range.
func toInt64(a types.Amount) (int64, error) {
	if uint64(a) > math.MaxInt64 {
		return 0, fmt.Errorf("store: amount %d exceeds storable range", a)
	}
	return int64(a), nil
}
