package jobmanager

import (
	"sync"

	"github.com/ChuLiYu/swarm-market/pkg/types"
)

// jobLocks 每個工作一把互斥鎖；無人持有時即回收
type jobLocks struct {
	mu    sync.Mutex
	locks map[types.JobID]*jobLock
}

type jobLock struct {
	mu   sync.Mutex
	refs int
}

func newJobLocks() *jobLocks {
	return &jobLocks{locks: make(map[types.JobID]*jobLock)}
}

// lock 取得 id 的鎖，回傳解鎖函數
func (l *jobLocks) lock(id types.JobID) func() {
	l.mu.Lock()
	jl, ok := l.locks[id]
	if !ok {
		jl = &jobLock{}
		l.locks[id] = jl
	}
	jl.refs++
	l.mu.Unlock()

	jl.mu.Lock()
	return func() {
		jl.mu.Unlock()

		l.mu.Lock()
		jl.refs--
		if jl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// size 目前仍存在的鎖數量（測試用）
func (l *jobLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
