package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加事件到日誌檔案（append-only, JSON lines）
// 2. 提供重放功能以恢復佇列狀態
// 3. 支援日誌旋轉（快照後清空）
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// maxLineSize 單一事件的最大長度
const maxLineSize = 4 << 20

// logFile 是 WAL 對底層檔案的最小需求，*os.File 即滿足
type logFile interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Close() error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex
	file         logFile
	path         string
	size         int64  // 最後一個完整事件的結束位置
	seq          uint64 // 最後寫入的事件序號，Rotate 後不歸零
	syncOnAppend bool   // 是否每次追加都 fsync
	closed       bool
	failed       error // 非 nil 時拒絕所有 Append
	now          func() time.Time
}

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
  - 如果檔案不存在，建立新檔案，seq 從 0 開始
  - 如果檔案已存在，掃描取得最後一個事件的 seq 並繼續
  - 檔尾若有寫到一半的事件（崩潰造成），截斷到最後一個完整事件
  - 以追加模式（O_APPEND）開啟，確保寫入不覆蓋

參數：

	path         - WAL 檔案路徑
	syncOnAppend - 每次 Append 後是否 fsync
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	lastSeq, good, err := scanFile(path, nil)
	if err != nil {
		return nil, err
	}

	if info, statErr := os.Stat(path); statErr == nil && info.Size() > good {
		// 截斷殘缺的尾端記錄
		if err := os.Truncate(path, good); err != nil {
			return nil, fmt.Errorf("wal: truncate torn tail: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	return &WAL{
		file:         file,
		path:         path,
		size:         good,
		seq:          lastSeq,
		syncOnAppend: syncOnAppend,
		now:          time.Now,
	}, nil
}

// SetBaseSeq 確保序號不小於 seq
//
// 從快照恢復後呼叫，WAL 已被旋轉清空時序號仍能延續快照的 LastSeq。
func (w *WAL) SetBaseSeq(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq > w.seq {
		w.seq = seq
	}
}

// Append 追加一個事件到 WAL
//
// 行為：
//   - 自動遞增 seq，填入時間戳與 checksum
//   - 寫入一行 JSON；syncOnAppend 時同步到磁碟
//   - 寫入或 fsync 失敗時截回追加前的長度，seq 不前進
//   - fsync 失敗或截斷失敗後 WAL 進入失敗狀態，之後的 Append 回傳 ErrWALClosed
//
// 回傳：
//
//	寫入事件的 seq，錯誤（如果寫入失敗）
func (w *WAL) Append(event Event) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWALClosed
	}
	if w.failed != nil {
		return 0, fmt.Errorf("%w: %v", ErrWALClosed, w.failed)
	}

	event.Seq = w.seq + 1
	if event.Timestamp == 0 {
		event.Timestamp = w.now().UnixMilli()
	}
	event.Checksum = CalculateChecksum(event)

	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("wal: encode event: %w", err)
	}
	data = append(data, '\n')

	if _, err := w.file.Write(data); err != nil {
		w.rollback()
		return 0, fmt.Errorf("wal: append seq=%d: %w", event.Seq, err)
	}
	if w.syncOnAppend {
		if err := w.file.Sync(); err != nil {
			w.rollback()
			// 先前已寫入的事件是否落盤無法確認
			w.failed = fmt.Errorf("sync seq=%d: %w", event.Seq, err)
			return 0, fmt.Errorf("%w: %v", ErrSyncFailed, err)
		}
	}

	w.size += int64(len(data))
	w.seq = event.Seq
	return event.Seq, nil
}

// rollback 把檔案截回最後一個完整事件，避免殘缺行留在檔案中間
func (w *WAL) rollback() {
	if err := w.file.Truncate(w.size); err != nil {
		w.failed = fmt.Errorf("truncate to %d: %w", w.size, err)
	}
}

// Replay 重放 seq 大於 afterSeq 的所有事件
//
// 行為：
//   - 從頭讀取 WAL 檔案
//   - 驗證每個事件的 checksum
//   - 呼叫 handler 應用事件，handler 回傳錯誤時立即停止
func (w *WAL) Replay(afterSeq uint64, handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, _, err := scanFile(w.path, func(event Event) error {
		if event.Seq <= afterSeq {
			return nil
		}
		return handler(event)
	})
	return err
}

// Rotate 旋轉日誌檔案
//
// 目前檔案改名為 path.prev（覆蓋上一個備份），並開啟新的空檔案。
// 呼叫者必須先完成涵蓋目前 seq 的快照。
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if w.failed != nil {
		return fmt.Errorf("%w: %v", ErrWALClosed, w.failed)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	if err := os.Rename(w.path, w.path+".prev"); err != nil {
		return err
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		w.closed = true
		return err
	}
	w.file = file
	w.size = 0
	return nil
}

// Close 關閉 WAL，關閉後的實例不可重用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	return w.file.Close()
}

// GetLastSeq 取得當前的事件序號
//
// 用途：快照時需要記錄 last_seq，確保恢復時知道從哪裡開始重放
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path 回傳 WAL 檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// scanFile 逐行讀取 WAL
//
// 回傳最後一個完整事件的 seq 與其結束位置（byte offset）。
// 檔尾沒有換行的殘缺行視為崩潰中斷的寫入，直接忽略；
// 中間出現無法解析或校驗失敗的行回傳 *CorruptionError。
// 檔案不存在時回傳 (0, 0, nil)。
func scanFile(path string, fn EventHandler) (uint64, int64, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	defer file.Close()

	reader := bufio.NewReaderSize(file, 64*1024)
	var (
		offset  int64
		lastSeq uint64
	)
	for {
		line, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// len(line) > 0 代表尾端殘缺行
			return lastSeq, offset, nil
		}
		if err != nil {
			return lastSeq, offset, err
		}
		if len(line) > maxLineSize {
			return lastSeq, offset, &CorruptionError{Offset: offset, Cause: fmt.Errorf("line exceeds %d bytes", maxLineSize)}
		}

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			offset += int64(len(line))
			continue
		}

		var event Event
		if err := json.Unmarshal(trimmed, &event); err != nil {
			return lastSeq, offset, &CorruptionError{Offset: offset, Cause: err}
		}
		if err := VerifyChecksum(event); err != nil {
			return lastSeq, offset, &CorruptionError{Offset: offset, Cause: err}
		}

		if fn != nil {
			if err := fn(event); err != nil {
				return lastSeq, offset, err
			}
		}
		lastSeq = event.Seq
		offset += int64(len(line))
	}
}
