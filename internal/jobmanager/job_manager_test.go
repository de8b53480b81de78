package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/swarm-market/internal/apperr"
	"github.com/ChuLiYu/swarm-market/internal/earnings"
	"github.com/ChuLiYu/swarm-market/internal/queue"
	"github.com/ChuLiYu/swarm-market/internal/store"
	"github.com/ChuLiYu/swarm-market/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// fakeQueue records enqueued tasks and can be told to fail
type fakeQueue struct {
	mu    sync.Mutex
	tasks map[types.JobID]types.ExecutionTask
	calls int
	fail  error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{tasks: make(map[types.JobID]types.ExecutionTask)}
}

func (q *fakeQueue) Enqueue(ctx context.Context, task types.ExecutionTask) (types.TaskHandle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if q.fail != nil {
		return types.TaskHandle{}, q.fail
	}
	if existing, ok := q.tasks[task.JobID]; ok {
		return types.TaskHandle{TaskID: existing.ID, JobID: existing.JobID, EnqueuedAt: existing.EnqueuedAt}, nil
	}
	q.tasks[task.JobID] = task
	return types.TaskHandle{TaskID: task.ID, JobID: task.JobID, EnqueuedAt: task.EnqueuedAt}, nil
}

func (q *fakeQueue) Contains(jobID types.JobID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.tasks[jobID]
	return ok
}

func (q *fakeQueue) DeadLetterFor(types.JobID) (types.TaskID, bool) {
	return "", false
}

func (q *fakeQueue) RetryDeadLetter(_ context.Context, taskID types.TaskID) (types.TaskHandle, error) {
	return types.TaskHandle{}, fmt.Errorf("%w: %s", apperr.ErrTaskNotFound, taskID)
}

func (q *fakeQueue) setFail(err error) {
	q.mu.Lock()
	q.fail = err
	q.mu.Unlock()
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

type failingSettler struct{}

func (failingSettler) Settle(ctx context.Context, tx store.Tx, job *types.Job, contributions []types.Contribution) (*types.Settlement, error) {
	return nil, errors.New("ledger offline")
}

// newTestManager creates a Manager over an in-memory store with a ticking clock
func newTestManager(opts ...Option) (*Manager, *fakeQueue, store.Store) {
	st := store.NewMemory()
	q := newFakeQueue()

	var tick int64
	clock := func() time.Time {
		return time.UnixMilli(1_000 + atomic.AddInt64(&tick, 1))
	}
	var seq int64
	m := New(st, q, earnings.NewDistributor(nil), append([]Option{WithClock(clock)}, opts...)...)
	m.newID = func() string {
		return fmt.Sprintf("id-%04d", atomic.AddInt64(&seq, 1))
	}
	return m, q, st
}

// seedMarket creates a client job and two registered swarms
func seedMarket(t *testing.T, m *Manager) (*types.Job, *types.Swarm, *types.Swarm) {
	t.Helper()
	ctx := context.Background()

	job, err := m.CreateJob(ctx, CreateJobRequest{Title: "translate", Payment: 1000, ClientID: "client-1"})
	assertNoError(t, err)

	alpha, err := m.RegisterSwarm(ctx, RegisterSwarmRequest{
		Name:    "alpha",
		OwnerID: "owner-a",
		Members: []types.Member{{Address: "0xa1", Role: "router"}, {Address: "0xa2", Role: "worker"}},
	})
	assertNoError(t, err)

	beta, err := m.RegisterSwarm(ctx, RegisterSwarmRequest{
		Name:    "beta",
		OwnerID: "owner-b",
		Members: []types.Member{{Address: "0xb1", Role: "worker"}},
	})
	assertNoError(t, err)
	return job, alpha, beta
}

// assertNoError asserts no error occurred
func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// assertError asserts a specific error occurred
func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error %v, got nil", want)
		return
	}
	if !errors.Is(err, want) {
		t.Errorf("expected error %v, got %v", want, err)
	}
}

// assertJobStatus asserts job status in the store
func assertJobStatus(t *testing.T, m *Manager, jobID types.JobID, want types.JobStatus) {
	t.Helper()
	job, err := m.GetJob(context.Background(), jobID)
	if err != nil {
		t.Errorf("job %s: %v", jobID, err)
		return
	}
	if job.Status != want {
		t.Errorf("job %s status: got %s, want %s", jobID, job.Status, want)
	}
	if err := CheckInvariants(job); err != nil {
		t.Errorf("invariant violated: %v", err)
	}
}

// ============================================================================
// State Machine Tests
// ============================================================================

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to types.JobStatus
		want     bool
	}{
		{types.StatusOpen, types.StatusAssigned, true},
		{types.StatusOpen, types.StatusInProgress, false},
		{types.StatusOpen, types.StatusDisputed, false},
		{types.StatusAssigned, types.StatusInProgress, true},
		{types.StatusAssigned, types.StatusCompleted, false},
		{types.StatusAssigned, types.StatusDisputed, true},
		{types.StatusInProgress, types.StatusCompleted, true},
		{types.StatusInProgress, types.StatusAssigned, false},
		{types.StatusInProgress, types.StatusDisputed, true},
		{types.StatusCompleted, types.StatusDisputed, true},
		{types.StatusCompleted, types.StatusOpen, false},
		{types.StatusDisputed, types.StatusCompleted, false},
		{types.StatusDisputed, types.StatusAssigned, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestCheckInvariants(t *testing.T) {
	tests := []struct {
		name    string
		job     types.Job
		wantErr bool
	}{
		{"open", types.Job{Status: types.StatusOpen}, false},
		{"open with swarm", types.Job{Status: types.StatusOpen, SwarmID: "s"}, true},
		{"assigned", types.Job{Status: types.StatusAssigned, SwarmID: "s"}, false},
		{"assigned without swarm", types.Job{Status: types.StatusAssigned}, true},
		{"in progress with fingerprint", types.Job{Status: types.StatusInProgress, SwarmID: "s", ResultFingerprint: "f"}, true},
		{"completed", types.Job{Status: types.StatusCompleted, SwarmID: "s", ResultFingerprint: "f"}, false},
		{"completed without fingerprint", types.Job{Status: types.StatusCompleted, SwarmID: "s"}, true},
		{"disputed from completed", types.Job{Status: types.StatusDisputed, DisputedFrom: types.StatusCompleted, SwarmID: "s", ResultFingerprint: "f"}, false},
		{"disputed from assigned", types.Job{Status: types.StatusDisputed, DisputedFrom: types.StatusAssigned, SwarmID: "s"}, false},
		{"unknown status", types.Job{Status: "LOST"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckInvariants(&tt.job)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckInvariants() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// ============================================================================
// Creation Tests
// ============================================================================

func TestCreateJob_Validation(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	_, err := m.CreateJob(ctx, CreateJobRequest{Payment: 10})
	assertError(t, err, apperr.InvalidArgument)

	_, err = m.CreateJob(ctx, CreateJobRequest{ClientID: "c"})
	assertError(t, err, apperr.InvalidArgument)

	job, err := m.CreateJob(ctx, CreateJobRequest{ClientID: "c", Payment: 10})
	assertNoError(t, err)
	assertJobStatus(t, m, job.ID, types.StatusOpen)
}

func TestRegisterSwarm(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	_, err := m.RegisterSwarm(ctx, RegisterSwarmRequest{OwnerID: "o"})
	assertError(t, err, apperr.ErrSwarmHasNoMembers)

	_, err = m.RegisterSwarm(ctx, RegisterSwarmRequest{OwnerID: "o", Members: []types.Member{{Address: "0x1"}, {Address: "0x1"}}})
	assertError(t, err, apperr.InvalidArgument)

	swarm, err := m.RegisterSwarm(ctx, RegisterSwarmRequest{OwnerID: "o", Members: []types.Member{{Address: "0x1", Role: "qa"}}})
	assertNoError(t, err)
	if !swarm.Active {
		t.Error("new swarm should be active")
	}

	agent, err := m.GetAgent(ctx, "0x1")
	assertNoError(t, err)
	if agent.SwarmID != swarm.ID || agent.Role != "qa" {
		t.Errorf("agent not bound to swarm: %+v", agent)
	}

	// 同一代理不可同時屬於兩個群組
	_, err = m.RegisterSwarm(ctx, RegisterSwarmRequest{OwnerID: "o2", Members: []types.Member{{Address: "0x1"}}})
	assertError(t, err, apperr.InvalidArgument)
}

func TestSetSwarmActive(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()
	job, alpha, _ := seedMarket(t, m)

	_, err := m.SetSwarmActive(ctx, alpha.ID, "intruder", false)
	assertError(t, err, apperr.ErrForbidden)

	_, err = m.SetSwarmActive(ctx, alpha.ID, "owner-a", false)
	assertNoError(t, err)

	_, err = m.SubmitBid(ctx, BidRequest{JobID: job.ID, SwarmID: alpha.ID, Price: 10, EstimatedHours: 1})
	assertError(t, err, apperr.ErrSwarmInactive)
}

// ============================================================================
// Bid Ledger Tests
// ============================================================================

func TestSubmitBid_Errors(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()
	job, alpha, beta := seedMarket(t, m)

	_, err := m.SubmitBid(ctx, BidRequest{JobID: job.ID, SwarmID: alpha.ID, Price: 900, EstimatedHours: 4})
	assertNoError(t, err)

	closed, err := m.CreateJob(ctx, CreateJobRequest{ClientID: "client-1", Payment: 5})
	assertNoError(t, err)
	closedBid, err := m.SubmitBid(ctx, BidRequest{JobID: closed.ID, SwarmID: beta.ID, Price: 5, EstimatedHours: 1})
	assertNoError(t, err)
	_, err = m.AcceptBid(ctx, closed.ID, closedBid.ID, "client-1")
	assertNoError(t, err)

	_, err = m.SetSwarmActive(ctx, beta.ID, "owner-b", false)
	assertNoError(t, err)

	tests := []struct {
		name string
		req  BidRequest
		want error
	}{
		{"zero hours", BidRequest{JobID: job.ID, SwarmID: alpha.ID, Price: 1}, apperr.ErrInvalidArgument},
		{"missing job", BidRequest{JobID: "nope", SwarmID: alpha.ID, EstimatedHours: 1}, apperr.ErrJobNotFound},
		{"job not open", BidRequest{JobID: closed.ID, SwarmID: alpha.ID, EstimatedHours: 1}, apperr.ErrJobNotOpen},
		{"missing swarm", BidRequest{JobID: job.ID, SwarmID: "ghost", EstimatedHours: 1}, apperr.ErrSwarmNotFound},
		{"inactive swarm", BidRequest{JobID: job.ID, SwarmID: beta.ID, EstimatedHours: 1}, apperr.ErrSwarmInactive},
		{"duplicate", BidRequest{JobID: job.ID, SwarmID: alpha.ID, Price: 800, EstimatedHours: 2}, apperr.ErrDuplicateBid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.SubmitBid(ctx, tt.req)
			assertError(t, err, tt.want)
		})
	}

	bids, err := m.ListBids(ctx, job.ID, OrderByCreated, Asc)
	assertNoError(t, err)
	if len(bids) != 1 || bids[0].Accepted {
		t.Errorf("expected exactly one unaccepted bid, got %+v", bids)
	}
}

func TestSubmitBid_AfterWithdraw(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()
	job, alpha, _ := seedMarket(t, m)

	bid, err := m.SubmitBid(ctx, BidRequest{JobID: job.ID, SwarmID: alpha.ID, Price: 900, EstimatedHours: 4})
	assertNoError(t, err)
	assertNoError(t, m.WithdrawBid(ctx, bid.ID, "owner-a"))

	again, err := m.SubmitBid(ctx, BidRequest{JobID: job.ID, SwarmID: alpha.ID, Price: 850, EstimatedHours: 4})
	assertNoError(t, err)
	if again.ID == bid.ID {
		t.Error("resubmitted bid should be a new record")
	}

	assertError(t, m.WithdrawBid(ctx, bid.ID, "owner-a"), apperr.ErrBidNotFound)
}

func TestListBids_Ordering(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()
	job, _, _ := seedMarket(t, m)

	// 四個群組，價格與時數刻意重複以測試同值排序
	specs := []struct {
		price types.Amount
		hours uint32
	}{{500, 3}, {300, 3}, {500, 1}, {300, 5}}
	ids := make([]types.BidID, 0, len(specs))
	for i, s := range specs {
		swarm, err := m.RegisterSwarm(ctx, RegisterSwarmRequest{
			OwnerID: fmt.Sprintf("owner-%d", i),
			Members: []types.Member{{Address: fmt.Sprintf("0xs%d", i)}},
		})
		assertNoError(t, err)
		bid, err := m.SubmitBid(ctx, BidRequest{JobID: job.ID, SwarmID: swarm.ID, Price: s.price, EstimatedHours: s.hours})
		assertNoError(t, err)
		ids = append(ids, bid.ID)
	}

	tests := []struct {
		orderBy BidOrder
		order   SortDirection
		want    []types.BidID
	}{
		{OrderByCreated, Asc, []types.BidID{ids[0], ids[1], ids[2], ids[3]}},
		{OrderByCreated, Desc, []types.BidID{ids[3], ids[2], ids[1], ids[0]}},
		{OrderByPrice, Asc, []types.BidID{ids[1], ids[3], ids[0], ids[2]}},
		{OrderByPrice, Desc, []types.BidID{ids[0], ids[2], ids[1], ids[3]}},
		{OrderByDuration, Asc, []types.BidID{ids[2], ids[0], ids[1], ids[3]}},
		{OrderByDuration, Desc, []types.BidID{ids[3], ids[0], ids[1], ids[2]}},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%s", tt.orderBy, tt.order), func(t *testing.T) {
			bids, err := m.ListBids(ctx, job.ID, tt.orderBy, tt.order)
			assertNoError(t, err)
			got := make([]types.BidID, 0, len(bids))
			for _, b := range bids {
				got = append(got, b.ID)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}

	_, err := m.ListBids(ctx, job.ID, "rating", Asc)
	assertError(t, err, apperr.InvalidArgument)
	_, err = m.ListBids(ctx, "missing", OrderByCreated, Asc)
	assertError(t, err, apperr.ErrJobNotFound)
}

func TestWithdrawBid_CheckOrder(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()
	job, alpha, beta := seedMarket(t, m)

	bidA, err := m.SubmitBid(ctx, BidRequest{JobID: job.ID, SwarmID: alpha.ID, Price: 900, EstimatedHours: 4})
	assertNoError(t, err)
	bidB, err := m.SubmitBid(ctx, BidRequest{JobID: job.ID, SwarmID: beta.ID, Price: 700, EstimatedHours: 6})
	assertNoError(t, err)

	assertError(t, m.WithdrawBid(ctx, bidA.ID, "owner-b"), apperr.ErrForbidden)

	_, err = m.AcceptBid(ctx, job.ID, bidA.ID, "client-1")
	assertNoError(t, err)

	// 非擁有者永遠先得到 Forbidden
	assertError(t, m.WithdrawBid(ctx, bidB.ID, "owner-a"), apperr.ErrForbidden)
	assertError(t, m.WithdrawBid(ctx, bidB.ID, "owner-b"), apperr.ErrJobNotOpen)
	assertError(t, m.WithdrawBid(ctx, bidA.ID, "owner-a"), apperr.ErrJobNotOpen)
	assertError(t, m.WithdrawBid(ctx, "missing", "owner-a"), apperr.ErrBidNotFound)
}

// ============================================================================
// Acceptance Tests
// ============================================================================

func TestAcceptBid(t *testing.T) {
	m, q, _ := newTestManager()
	ctx := context.Background()
	job, alpha, beta := seedMarket(t, m)

	bidA, err := m.SubmitBid(ctx, BidRequest{JobID: job.ID, SwarmID: alpha.ID, Price: 900, EstimatedHours: 4})
	assertNoError(t, err)
	bidB, err := m.SubmitBid(ctx, BidRequest{JobID: job.ID, SwarmID: beta.ID, Price: 700, EstimatedHours: 6})
	assertNoError(t, err)

	other, err := m.CreateJob(ctx, CreateJobRequest{ClientID: "client-1", Payment: 50})
	assertNoError(t, err)

	assertError(t, func() error { _, err := m.AcceptBid(ctx, "missing", bidA.ID, "client-1"); return err }(), apperr.ErrJobNotFound)
	assertError(t, func() error { _, err := m.AcceptBid(ctx, job.ID, bidA.ID, "client-2"); return err }(), apperr.ErrForbidden)
	assertError(t, func() error { _, err := m.AcceptBid(ctx, job.ID, "missing", "client-1"); return err }(), apperr.ErrBidNotFound)
	assertError(t, func() error { _, err := m.AcceptBid(ctx, other.ID, bidA.ID, "client-1"); return err }(), apperr.ErrBidWrongJob)

	accepted, err := m.AcceptBid(ctx, job.ID, bidB.ID, "client-1")
	assertNoError(t, err)
	if accepted.Status != types.StatusAssigned || accepted.SwarmID != beta.ID {
		t.Errorf("unexpected job after accept: %+v", accepted)
	}
	assertJobStatus(t, m, job.ID, types.StatusAssigned)

	got, err := m.GetBid(ctx, bidB.ID)
	assertNoError(t, err)
	if !got.Accepted {
		t.Error("bid should be accepted")
	}

	if !q.Contains(job.ID) || q.count() != 1 {
		t.Errorf("expected exactly one queued task, got %d", q.count())
	}
	task := q.tasks[job.ID]
	if task.SwarmID != beta.ID || task.Payload["title"] != "translate" {
		t.Errorf("unexpected task: %+v", task)
	}

	_, err = m.AcceptBid(ctx, job.ID, bidA.ID, "client-1")
	assertError(t, err, apperr.ErrJobNotOpen)
}

func TestAcceptBid_ConcurrentSingleWinner(t *testing.T) {
	m, q, st := newTestManager()
	ctx := context.Background()
	job, _, _ := seedMarket(t, m)

	const bidders = 16
	bidIDs := make([]types.BidID, 0, bidders)
	for i := 0; i < bidders; i++ {
		swarm, err := m.RegisterSwarm(ctx, RegisterSwarmRequest{
			OwnerID: fmt.Sprintf("owner-%d", i),
			Members: []types.Member{{Address: fmt.Sprintf("0xc%d", i)}},
		})
		assertNoError(t, err)
		bid, err := m.SubmitBid(ctx, BidRequest{JobID: job.ID, SwarmID: swarm.ID, Price: types.Amount(100 + i), EstimatedHours: 1})
		assertNoError(t, err)
		bidIDs = append(bidIDs, bid.ID)
	}

	var (
		wg        sync.WaitGroup
		successes int32
		notOpen   int32
	)
	for _, id := range bidIDs {
		wg.Add(1)
		go func(id types.BidID) {
			defer wg.Done()
			_, err := m.AcceptBid(ctx, job.ID, id, "client-1")
			switch {
			case err == nil:
				atomic.AddInt32(&successes, 1)
			case errors.Is(err, apperr.ErrJobNotOpen):
				atomic.AddInt32(&notOpen, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	wg.Wait()

	if successes != 1 || notOpen != bidders-1 {
		t.Fatalf("successes=%d notOpen=%d", successes, notOpen)
	}

	bids, err := st.ListBidsByJob(ctx, job.ID)
	assertNoError(t, err)
	accepted := 0
	for _, b := range bids {
		if b.Accepted {
			accepted++
		}
	}
	if accepted != 1 {
		t.Errorf("accepted bids = %d, want 1", accepted)
	}
	if q.count() != 1 {
		t.Errorf("queued tasks = %d, want 1", q.count())
	}
	if m.locks.size() != 0 {
		t.Errorf("job locks leaked: %d", m.locks.size())
	}
}

func TestAcceptBid_EnqueueFailureKeepsAssignment(t *testing.T) {
	var hooked []types.JobID
	m, q, _ := newTestManager(WithHandoffFailureHook(func(job *types.Job, err error) {
		hooked = append(hooked, job.ID)
	}))
	ctx := context.Background()
	job, alpha, _ := seedMarket(t, m)

	bid, err := m.SubmitBid(ctx, BidRequest{JobID: job.ID, SwarmID: alpha.ID, Price: 900, EstimatedHours: 4})
	assertNoError(t, err)

	q.setFail(apperr.ErrQueueUnavailable)
	accepted, err := m.AcceptBid(ctx, job.ID, bid.ID, "client-1")
	assertNoError(t, err)
	if accepted.Status != types.StatusAssigned {
		t.Errorf("status = %s, want ASSIGNED", accepted.Status)
	}
	if len(hooked) != 1 || hooked[0] != job.ID {
		t.Errorf("handoff hook calls = %v", hooked)
	}

	orphans, err := m.UnqueuedAssignments(ctx)
	assertNoError(t, err)
	if len(orphans) != 1 || orphans[0].ID != job.ID {
		t.Fatalf("orphans = %+v", orphans)
	}

	_, err = m.ReenqueueExecution(ctx, job.ID)
	assertError(t, err, apperr.ErrQueueUnavailable)

	q.setFail(nil)
	handle, err := m.ReenqueueExecution(ctx, job.ID)
	assertNoError(t, err)
	if handle.JobID != job.ID {
		t.Errorf("handle = %+v", handle)
	}

	// 再次入隊回傳同一個任務
	again, err := m.ReenqueueExecution(ctx, job.ID)
	assertNoError(t, err)
	if again.TaskID != handle.TaskID {
		t.Errorf("re-enqueue created a second task: %s != %s", again.TaskID, handle.TaskID)
	}

	orphans, err = m.UnqueuedAssignments(ctx)
	assertNoError(t, err)
	if len(orphans) != 0 {
		t.Errorf("orphans after re-enqueue = %d", len(orphans))
	}

	open, err := m.CreateJob(ctx, CreateJobRequest{ClientID: "client-1", Payment: 1})
	assertNoError(t, err)
	_, err = m.ReenqueueExecution(ctx, open.ID)
	assertError(t, err, apperr.InvalidState)
}

// openQueue 開啟一個真實的執行佇列（尚未啟動分派）
func openQueue(t *testing.T) *queue.Queue {
	t.Helper()
	dir := t.TempDir()
	cfg := queue.DefaultConfig()
	cfg.MaxAttempts = 1
	cfg.BaseBackoff = time.Millisecond
	cfg.MaxBackoff = time.Millisecond
	cfg.RateLimit = 0
	cfg.SnapshotInterval = 0
	cfg.SyncOnAppend = false
	cfg.PollInterval = 5 * time.Millisecond
	cfg.WALPath = filepath.Join(dir, "queue.wal")
	cfg.SnapshotPath = filepath.Join(dir, "queue_snapshot.json")
	q, err := queue.New(cfg)
	assertNoError(t, err)
	t.Cleanup(q.Stop)
	return q
}

// cancelOnCommitStore 在交易成功提交後取消呼叫者的 context，
// 等同客戶端在收到回應前斷線
type cancelOnCommitStore struct {
	store.Store
	cancel context.CancelFunc
}

func (s *cancelOnCommitStore) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	err := s.Store.Update(ctx, fn)
	if err == nil && s.cancel != nil {
		s.cancel()
	}
	return err
}

func TestAcceptBid_CallerCancelledAfterCommit(t *testing.T) {
	q := openQueue(t)
	st := &cancelOnCommitStore{Store: store.NewMemory()}
	var handoffErrs []error
	m := New(st, q, earnings.NewDistributor(nil), WithHandoffFailureHook(func(_ *types.Job, err error) {
		handoffErrs = append(handoffErrs, err)
	}))

	job, alpha, _ := seedMarket(t, m)
	bid, err := m.SubmitBid(context.Background(), BidRequest{JobID: job.ID, SwarmID: alpha.ID, Price: 900, EstimatedHours: 4})
	assertNoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st.cancel = cancel

	accepted, err := m.AcceptBid(ctx, job.ID, bid.ID, "client-1")
	assertNoError(t, err)
	if ctx.Err() == nil {
		t.Fatal("caller context should be cancelled once the acceptance commits")
	}
	if accepted.Status != types.StatusAssigned {
		t.Errorf("status = %s, want ASSIGNED", accepted.Status)
	}
	if !q.Contains(job.ID) {
		t.Fatalf("accepted job %s has no queued task (handoff errors: %v)", job.ID, handoffErrs)
	}
	if len(handoffErrs) != 0 {
		t.Errorf("handoff errors = %v", handoffErrs)
	}
	if stats := q.Stats(); stats.Pending != 1 {
		t.Errorf("pending = %d, want 1", stats.Pending)
	}

	orphans, err := m.UnqueuedAssignments(context.Background())
	assertNoError(t, err)
	if len(orphans) != 0 {
		t.Errorf("orphans = %d, want 0", len(orphans))
	}
}

func TestReenqueueExecution_RevivesDeadLetter(t *testing.T) {
	q := openQueue(t)
	m := New(store.NewMemory(), q, earnings.NewDistributor(nil))
	ctx := context.Background()

	job, alpha, _ := seedMarket(t, m)
	bid, err := m.SubmitBid(ctx, BidRequest{JobID: job.ID, SwarmID: alpha.ID, Price: 900, EstimatedHours: 4})
	assertNoError(t, err)
	_, err = m.AcceptBid(ctx, job.ID, bid.ID, "client-1")
	assertNoError(t, err)

	// 第一次執行失敗即進入死信，之後的執行阻塞到測試結束
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	var runs atomic.Int32
	err = q.Start(func(ctx context.Context, _ types.ExecutionTask) error {
		if runs.Add(1) == 1 {
			return errors.New("backend unavailable")
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	assertNoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for len(q.DeadLetters()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("task never reached the dead-letter record")
		}
		time.Sleep(5 * time.Millisecond)
	}
	deadTask, ok := q.DeadLetterFor(job.ID)
	if !ok {
		t.Fatalf("no dead letter recorded for job %s", job.ID)
	}

	// 死信中的工作不算遺失任務
	orphans, err := m.UnqueuedAssignments(ctx)
	assertNoError(t, err)
	if len(orphans) != 0 {
		t.Errorf("dead-lettered job listed as orphan: %+v", orphans)
	}

	handle, err := m.ReenqueueExecution(ctx, job.ID)
	assertNoError(t, err)
	if handle.TaskID != deadTask {
		t.Errorf("re-enqueue created task %s, want revived %s", handle.TaskID, deadTask)
	}
	if n := len(q.DeadLetters()); n != 0 {
		t.Errorf("dead letters after re-enqueue = %d, want 0", n)
	}
	if !q.Contains(job.ID) {
		t.Error("revived task should be queued")
	}
}

// ============================================================================
// Execution Tests
// ============================================================================

// assignedJob returns a job accepted by alpha
func assignedJob(t *testing.T, m *Manager) (*types.Job, *types.Swarm) {
	t.Helper()
	ctx := context.Background()
	job, alpha, _ := seedMarket(t, m)
	bid, err := m.SubmitBid(ctx, BidRequest{JobID: job.ID, SwarmID: alpha.ID, Price: 900, EstimatedHours: 4})
	assertNoError(t, err)
	job, err = m.AcceptBid(ctx, job.ID, bid.ID, "client-1")
	assertNoError(t, err)
	return job, alpha
}

func TestBeginExecution_Idempotent(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()
	job, _ := assignedJob(t, m)

	first, err := m.BeginExecution(ctx, job.ID)
	assertNoError(t, err)
	second, err := m.BeginExecution(ctx, job.ID)
	assertNoError(t, err)

	if *first != *second {
		t.Errorf("second BeginExecution changed state:\n first=%+v\nsecond=%+v", first, second)
	}
	assertJobStatus(t, m, job.ID, types.StatusInProgress)

	open, err := m.CreateJob(ctx, CreateJobRequest{ClientID: "c", Payment: 1})
	assertNoError(t, err)
	_, err = m.BeginExecution(ctx, open.ID)
	assertError(t, err, apperr.ErrInvalidTransition)
}

func TestCompleteExecution(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()
	job, _ := assignedJob(t, m)
	contributions := []types.Contribution{
		{Address: "0xa1", ExecutionTimeMillis: 3000},
		{Address: "0xa2", ExecutionTimeMillis: 1000},
	}

	_, _, err := m.CompleteExecution(ctx, job.ID, "ipfs://x", contributions)
	assertError(t, err, apperr.ErrInvalidTransition)

	_, err = m.BeginExecution(ctx, job.ID)
	assertNoError(t, err)

	_, _, err = m.CompleteExecution(ctx, job.ID, "", contributions)
	assertError(t, err, apperr.InvalidArgument)

	done, settlement, err := m.CompleteExecution(ctx, job.ID, "ipfs://x", contributions)
	assertNoError(t, err)
	if done.ResultFingerprint != "ipfs://x" || done.CompletedAt == nil {
		t.Errorf("completion fields not set: %+v", done)
	}
	if settlement == nil || settlement.Distributed() != 1000 {
		t.Fatalf("settlement = %+v", settlement)
	}
	assertJobStatus(t, m, job.ID, types.StatusCompleted)

	// 重複完成被拒絕，收益不重複計算
	_, _, err = m.CompleteExecution(ctx, job.ID, "ipfs://y", contributions)
	assertError(t, err, apperr.ErrInvalidTransition)

	agent, err := m.GetAgent(ctx, "0xa1")
	assertNoError(t, err)
	if agent.TotalEarnings != 750 || agent.TasksCompleted != 1 {
		t.Errorf("agent = %+v", agent)
	}

	stored, err := m.GetSettlement(ctx, job.ID)
	assertNoError(t, err)
	if stored.Remainder != 0 || len(stored.Payouts) != 2 {
		t.Errorf("stored settlement = %+v", stored)
	}
}

func TestCompleteExecution_SettlementFailureRollsBack(t *testing.T) {
	st := store.NewMemory()
	q := newFakeQueue()
	m := New(st, q, failingSettler{})
	ctx := context.Background()
	job, _ := assignedJob(t, m)

	_, err := m.BeginExecution(ctx, job.ID)
	assertNoError(t, err)

	_, _, err = m.CompleteExecution(ctx, job.ID, "ipfs://x", []types.Contribution{{Address: "0xa1", ExecutionTimeMillis: 1}})
	if err == nil {
		t.Fatal("expected settlement error")
	}
	assertJobStatus(t, m, job.ID, types.StatusInProgress)

	_, err = m.GetSettlement(ctx, job.ID)
	assertError(t, err, apperr.ErrSettlementNotFound)
}

func TestDispute(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()
	job, alpha := assignedJob(t, m)

	disputed, err := m.Dispute(ctx, job.ID, "client unreachable")
	assertNoError(t, err)
	if disputed.DisputedFrom != types.StatusAssigned || disputed.SwarmID != alpha.ID {
		t.Errorf("dispute lost prior state: %+v", disputed)
	}
	assertJobStatus(t, m, job.ID, types.StatusDisputed)

	// 爭議凍結自動轉換
	_, err = m.BeginExecution(ctx, job.ID)
	assertError(t, err, apperr.ErrInvalidTransition)
	_, err = m.Dispute(ctx, job.ID, "again")
	assertError(t, err, apperr.ErrInvalidTransition)

	open, err := m.CreateJob(ctx, CreateJobRequest{ClientID: "c", Payment: 1})
	assertNoError(t, err)
	_, err = m.Dispute(ctx, open.ID, "too early")
	assertError(t, err, apperr.ErrInvalidTransition)
}

// ============================================================================
// Property Tests
// ============================================================================

// TestInvariantsUnderRandomOperations drives random operation sequences and
// checks after each step that fingerprint is set iff COMPLETED and at most one
// bid per job is accepted.
func TestInvariantsUnderRandomOperations(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 20; round++ {
		m, _, st := newTestManager()
		ctx := context.Background()

		swarms := make([]*types.Swarm, 0, 3)
		for i := 0; i < 3; i++ {
			s, err := m.RegisterSwarm(ctx, RegisterSwarmRequest{
				OwnerID: fmt.Sprintf("owner-%d", i),
				Members: []types.Member{{Address: fmt.Sprintf("0x%d-%d", round, i)}},
			})
			assertNoError(t, err)
			swarms = append(swarms, s)
		}
		jobs := make([]types.JobID, 0, 4)
		for i := 0; i < 4; i++ {
			j, err := m.CreateJob(ctx, CreateJobRequest{ClientID: "client", Payment: types.Amount(1 + rng.Intn(1000))})
			assertNoError(t, err)
			jobs = append(jobs, j.ID)
		}

		for step := 0; step < 60; step++ {
			jobID := jobs[rng.Intn(len(jobs))]
			swarm := swarms[rng.Intn(len(swarms))]

			// 操作錯誤是預期的（狀態不符），只檢查不變量
			switch rng.Intn(6) {
			case 0:
				_, _ = m.SubmitBid(ctx, BidRequest{JobID: jobID, SwarmID: swarm.ID, Price: 1, EstimatedHours: 1})
			case 1:
				bids, _ := st.ListBidsByJob(ctx, jobID)
				if len(bids) > 0 {
					_, _ = m.AcceptBid(ctx, jobID, bids[rng.Intn(len(bids))].ID, "client")
				}
			case 2:
				_, _ = m.BeginExecution(ctx, jobID)
			case 3:
				_, _, _ = m.CompleteExecution(ctx, jobID, "ipfs://r", []types.Contribution{
					{Address: swarm.Members[0].Address, ExecutionTimeMillis: uint64(rng.Intn(3))},
				})
			case 4:
				_, _ = m.Dispute(ctx, jobID, "random")
			case 5:
				bids, _ := st.ListBidsByJob(ctx, jobID)
				if len(bids) > 0 {
					b := bids[rng.Intn(len(bids))]
					_ = m.WithdrawBid(ctx, b.ID, swarm.OwnerID)
				}
			}

			for _, id := range jobs {
				job, err := m.GetJob(ctx, id)
				assertNoError(t, err)
				if err := CheckInvariants(job); err != nil {
					t.Fatalf("round %d step %d: %v", round, step, err)
				}
				bids, err := st.ListBidsByJob(ctx, id)
				assertNoError(t, err)
				accepted := 0
				for _, b := range bids {
					if b.Accepted {
						accepted++
					}
				}
				if accepted > 1 {
					t.Fatalf("round %d step %d: job %s has %d accepted bids", round, step, id, accepted)
				}
				if accepted == 1 && job.EffectiveStatus() == types.StatusOpen {
					t.Fatalf("round %d step %d: open job %s has an accepted bid", round, step, id)
				}
			}
		}
	}
}
