package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/swarm-market/pkg/types"
)

func sampleSnapshot(lastSeq uint64) types.QueueSnapshot {
	return types.QueueSnapshot{
		Tasks: map[types.TaskID]*types.ExecutionTask{
			"task-001": {
				ID:            "task-001",
				JobID:         "job-001",
				SwarmID:       "swarm-1",
				Payload:       map[string]interface{}{"title": "value1"},
				EnqueuedAt:    10,
				NextAttemptAt: 10,
			},
			"task-002": {
				ID:            "task-002",
				JobID:         "job-002",
				SwarmID:       "swarm-2",
				Attempt:       2,
				LastError:     "backend timeout",
				EnqueuedAt:    20,
				NextAttemptAt: 900,
			},
		},
		DeadLetters: map[types.TaskID]*types.DeadLetter{
			"task-003": {
				Task:     types.ExecutionTask{ID: "task-003", JobID: "job-003", SwarmID: "swarm-1", Attempt: 5},
				Reason:   "backend rejected",
				FailedAt: 500,
			},
		},
		LastSeq: lastSeq,
	}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

// TestNewManager 測試建立管理器
func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

// TestWriteAndLoad 測試寫入與載入快照
func TestWriteAndLoad(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "queue_snapshot.json")
	manager := NewManager(snapshotPath)

	original := sampleSnapshot(42)
	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, uint64(42), loaded.LastSeq)
	require.Len(t, loaded.Tasks, 2)
	assert.Equal(t, "backend timeout", loaded.Tasks["task-002"].LastError)
	assert.Equal(t, 2, loaded.Tasks["task-002"].Attempt)
	assert.Equal(t, "value1", loaded.Tasks["task-001"].Payload["title"])
	require.Len(t, loaded.DeadLetters, 1)
	assert.Equal(t, types.JobID("job-003"), loaded.DeadLetters["task-003"].Task.JobID)
}

// TestAtomicWrite 測試寫入與讀取並行時只會讀到完整快照
func TestAtomicWrite(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "queue_snapshot.json")
	manager := NewManager(snapshotPath)
	require.NoError(t, manager.Write(sampleSnapshot(50)))

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		assert.NoError(t, manager.Write(sampleSnapshot(100)))
	}()

	var loaded types.QueueSnapshot
	go func() {
		defer wg.Done()
		data, err := manager.Load()
		assert.NoError(t, err)
		loaded = data
	}()

	wg.Wait()

	assert.True(t, loaded.LastSeq == 50 || loaded.LastSeq == 100,
		"Should load either old (50) or new (100) snapshot, got %d", loaded.LastSeq)

	_, err := os.Stat(snapshotPath + ".tmp")
	assert.True(t, os.IsNotExist(err), "Temp file should not exist after write")
}

// TestExists 測試檔案存在性檢查
func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "queue_snapshot.json"))
	assert.False(t, manager.Exists())

	require.NoError(t, manager.Write(types.QueueSnapshot{}))
	assert.True(t, manager.Exists())
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

// TestFirstBoot 測試首次啟動（無快照）
func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "non_existent_snapshot.json"))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, uint64(0), loaded.LastSeq)
	assert.NotNil(t, loaded.Tasks)
	assert.NotNil(t, loaded.DeadLetters)
	assert.Empty(t, loaded.Tasks)
}

// TestEmptyMapsAreInitialized 測試寫入 nil map 後載入不為 nil
func TestEmptyMapsAreInitialized(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "queue_snapshot.json"))
	require.NoError(t, manager.Write(types.QueueSnapshot{LastSeq: 3}))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.NotNil(t, loaded.Tasks)
	assert.NotNil(t, loaded.DeadLetters)
	assert.Equal(t, uint64(3), loaded.LastSeq)
}

// TestVersionMismatch 測試版本不相容
func TestVersionMismatch(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "queue_snapshot.json")
	manager := NewManager(snapshotPath)

	invalid := types.QueueSnapshot{SchemaVer: 2}
	jsonBytes, err := json.MarshalIndent(invalid, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(snapshotPath, jsonBytes, 0644))

	_, err = manager.Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// TestCorrupted 測試損壞的快照
func TestCorrupted(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "queue_snapshot.json")
	manager := NewManager(snapshotPath)

	corruptedJSON := `{"tasks": {"task-001": {"id": "task-001", "job_id": "job-001"`
	require.NoError(t, os.WriteFile(snapshotPath, []byte(corruptedJSON), 0644))

	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestWriteFailure 測試寫入失敗（目錄不存在）
func TestWriteFailure(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing", "queue_snapshot.json"))
	assert.Error(t, manager.Write(types.QueueSnapshot{}))
}

// ============================================================================
// 壓力測試
// ============================================================================

// TestLargeSnapshot 測試大量任務的快照
func TestLargeSnapshot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "queue_snapshot.json"))

	data := types.QueueSnapshot{
		Tasks:   make(map[types.TaskID]*types.ExecutionTask, 10000),
		LastSeq: 10000,
	}
	for i := 0; i < 10000; i++ {
		id := types.TaskID(fmt.Sprintf("task-%05d", i))
		data.Tasks[id] = &types.ExecutionTask{
			ID:      id,
			JobID:   types.JobID(fmt.Sprintf("job-%05d", i)),
			SwarmID: "swarm-1",
			Attempt: i % 5,
		}
	}
	require.NoError(t, manager.Write(data))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Len(t, loaded.Tasks, 10000)
	assert.Equal(t, 4, loaded.Tasks["task-09999"].Attempt)
}

// TestConcurrentWrites 測試並發寫入最終得到其中一個完整版本
func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "queue_snapshot.json"))

	var wg sync.WaitGroup
	for i := 1; i <= 10; i++ {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			assert.NoError(t, manager.Write(sampleSnapshot(seq)))
		}(uint64(i))
	}
	wg.Wait()

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, loaded.LastSeq, uint64(1))
	assert.LessOrEqual(t, loaded.LastSeq, uint64(10))
	assert.Len(t, loaded.Tasks, 2)
}

func BenchmarkWrite(b *testing.B) {
	manager := NewManager(filepath.Join(b.TempDir(), "queue_snapshot.json"))
	data := sampleSnapshot(1)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := manager.Write(data); err != nil {
			b.Fatal(err)
		}
	}
}
