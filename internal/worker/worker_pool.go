// ============================================================================
// Worker Pool
// ============================================================================
//
// 執行佇列的 worker 池：固定數量的 goroutine 以 Handler 執行 ExecutionTask。
// Worker 數量就是同時呼叫執行後端的上限。
//
//   Queue.dispatchLoop ──Submit()──▶ taskCh ──▶ Worker × n ──▶ resultCh
//   Queue.resultLoop   ◀──ReceiveResult()───────────────────────┘
//
// 關閉順序：Stop 關閉 stopCh → 等待所有 Worker 交出進行中的結果 → 關閉 resultCh。
// taskCh 從不關閉，所以 Submit 與 Stop 並行時不會 send on closed channel；
// ReceiveResult 在 resultCh 取盡後才回傳 ErrPoolClosed，進行中的結果不會遺失。
//
// ============================================================================

package worker

import (
	"errors"
	"sync"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	handler  Handler
	workers  []*Worker      // Worker 列表
	taskCh   chan Task      // 任務通道
	resultCh chan Result    // 結果通道
	stopCh   chan struct{}  // 停止訊號
	wg       sync.WaitGroup // 等待所有 Worker 完成
	started  bool
	stopped  bool
	mu       sync.Mutex // 保護 started 和 stopped 狀態
}

// NewPool 建立新的 Worker Pool
//
// 參數：
//   - bufferSize: 任務和結果通道的緩衝大小
//   - handler: 每個任務要執行的處理函數
func NewPool(bufferSize int, handler Handler) *Pool {
	return &Pool{
		handler:  handler,
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if workerCount <= 0 {
		return errors.New("worker count must be positive")
	}

	for i := 0; i < workerCount; i++ {
		worker := newWorker(i, p.handler, p.taskCh, p.resultCh, p.stopCh)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(worker)
	}

	p.started = true
	return nil
}

// Submit 提交任務到 Worker Pool
//
// 緩衝區滿時阻塞，直到有 Worker 取走任務或 Pool 停止。
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult 從結果通道接收執行結果
//
// Pool 停止後仍會回傳尚未取出的結果，全部取完才回傳 ErrPoolClosed。
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Stop 優雅地關閉 Worker Pool
//
// 關閉流程：
//  1. 設定 stopped 標誌並關閉 stopCh，Worker 不再領取新任務
//  2. 等待所有 Worker 完成當前任務並送出結果
//  3. 關閉 resultCh
//
// 仍留在 taskCh 緩衝區中的任務不會被執行；呼叫者需自行處理（佇列會在重啟後重新分派）。
// 呼叫 Stop 時必須有人持續呼叫 ReceiveResult，否則 Worker 會阻塞在送出結果。
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
	close(p.resultCh)
}

// Pending 回傳已提交但尚未被 Worker 領取的任務數
func (p *Pool) Pending() int {
	return len(p.taskCh)
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
