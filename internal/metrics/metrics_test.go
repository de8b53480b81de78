package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/swarm-market/pkg/types"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestNewCollector(t *testing.T) {
	// 各自的 Registry，重複建立不會 panic
	assert.NotPanics(t, func() {
		NewCollector()
		NewCollector()
	})
}

func TestQueueObserver(t *testing.T) {
	c := NewCollector()
	c.TaskEnqueued()
	c.TaskEnqueued()
	c.TaskDispatched()
	c.TaskSucceeded(1500 * time.Millisecond)
	c.TaskRetried()
	c.TaskDead()
	c.QueueDepth(3, 1, 2)
	c.SetRecoveryTime(250 * time.Millisecond)

	out := scrape(t, c)
	for _, want := range []string{
		"swarm_tasks_enqueued_total 2",
		"swarm_tasks_dispatched_total 1",
		"swarm_tasks_succeeded_total 1",
		"swarm_tasks_retried_total 1",
		"swarm_tasks_dead_total 1",
		"swarm_task_latency_seconds_count 1",
		"swarm_tasks_pending 3",
		"swarm_tasks_in_flight 1",
		"swarm_dead_letters 2",
		"swarm_queue_recovery_time_seconds 0.25",
	} {
		assert.Contains(t, out, want)
	}
}

func TestMarketCounters(t *testing.T) {
	c := NewCollector()
	c.RecordJobCreated()
	c.RecordBidSubmitted()
	c.RecordBidSubmitted()
	c.RecordBidAccepted()
	c.RecordHandoffFailure()
	c.RecordJobDisputed()
	c.RecordJobCompleted(&types.Settlement{
		Payouts:   []types.Payout{{Address: "0xa1", Amount: 333}, {Address: "0xa2", Amount: 666}},
		Remainder: 1,
	})
	c.RecordJobCompleted(nil)

	out := scrape(t, c)
	for _, want := range []string{
		"swarm_jobs_created_total 1",
		"swarm_bids_submitted_total 2",
		"swarm_bids_accepted_total 1",
		"swarm_handoff_failures_total 1",
		"swarm_jobs_disputed_total 1",
		"swarm_jobs_completed_total 2",
		"swarm_payout_units_total 999",
		"swarm_remainder_units_total 1",
	} {
		assert.Contains(t, out, want)
	}
}

func TestNotificationCounters(t *testing.T) {
	c := NewCollector()
	c.RecordNotificationDropped()
	c.RecordNotificationFailure("redis")
	c.RecordNotificationFailure("redis")

	out := scrape(t, c)
	assert.Contains(t, out, "swarm_notifications_dropped_total 1")
	assert.Contains(t, out, `swarm_notification_failures_total{sink="redis"} 2`)
}
