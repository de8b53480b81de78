// ============================================================================
// Swarm-Market Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that runs the execution handler, each Worker runs in an independent goroutine
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the following loop:
//   1. Receive task from taskCh (blocking wait) or exit on stopCh
//   2. Run the handler with a per-task timeout
//   3. Send result to resultCh (blocking, results are never dropped)
//   4. Repeat above process until the pool stops
//
// Timeout Control:
//   - Each task has an independent Context derived from context.WithTimeout
//   - The handler runs in its own goroutine; the worker returns as soon as
//     the deadline passes and reports context.DeadlineExceeded
//   - A handler that ignores its Context keeps running in the background but
//     its outcome is discarded
//
// Panic Handling:
//   A panicking handler is reported as a failed attempt instead of killing the process.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/swarm-market/pkg/types"
)

// Worker represents a work execution unit
type Worker struct {
	id       int             // Worker unique identifier, used for logging and debugging
	handler  Handler         // Task handler
	taskCh   <-chan Task     // Task channel (read-only)
	resultCh chan<- Result   // Result channel (write-only)
	stopCh   <-chan struct{} // Closed when the pool stops
}

// newWorker creates a new Worker instance
func newWorker(id int, handler Handler, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		handler:  handler,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for {
		select {
		case <-w.stopCh:
			return
		case task := <-w.taskCh:
			start := time.Now()
			err := w.execute(task)
			w.resultCh <- Result{
				TaskID:   task.Exec.ID,
				JobID:    task.Exec.JobID,
				Success:  err == nil,
				Error:    err,
				Duration: time.Since(start),
			}
		}
	}
}

// execute runs the handler bounded by the task timeout
func (w *Worker) execute(task Task) error {
	ctx := context.Background()
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		done <- safeCall(ctx, w.handler, task.Exec)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// 同時完成時以 handler 的結果為準
		select {
		case err := <-done:
			return err
		default:
			return ctx.Err()
		}
	}
}

func safeCall(ctx context.Context, handler Handler, task types.ExecutionTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, task)
}
