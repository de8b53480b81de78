package wal

// ============================================================================
// WAL 工具函式
// 職責：提供離線檢查 WAL 的輔助功能（status 指令使用）
// ============================================================================

import (
	"fmt"
	"io"
	"time"
)

// ReadEvents 讀取 WAL 檔案中所有完整事件
func ReadEvents(path string) ([]Event, error) {
	events := make([]Event, 0)
	_, _, err := scanFile(path, func(event Event) error {
		events = append(events, event)
		return nil
	})
	return events, err
}

// Stats WAL 統計資訊
type Stats struct {
	TotalEvents int               `json:"total_events"`
	EventTypes  map[EventType]int `json:"event_types"`
	FirstSeq    uint64            `json:"first_seq"`
	LastSeq     uint64            `json:"last_seq"`
	TimeRange   [2]int64          `json:"time_range"` // [最早, 最晚]
}

// GetStats 取得 WAL 的統計資訊
func GetStats(path string) (*Stats, error) {
	stats := &Stats{EventTypes: make(map[EventType]int)}
	_, _, err := scanFile(path, func(event Event) error {
		if stats.TotalEvents == 0 {
			stats.FirstSeq = event.Seq
			stats.TimeRange[0] = event.Timestamp
		}
		stats.TotalEvents++
		stats.EventTypes[event.Type]++
		stats.LastSeq = event.Seq
		stats.TimeRange[1] = event.Timestamp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// DumpWAL 輸出 WAL 內容（人類可讀格式）
//
//	[Seq:1] ENQUEUE task=t-1 job=job-001 at 2024-01-01T00:00:00Z
func DumpWAL(path string, w io.Writer) error {
	_, _, err := scanFile(path, func(event Event) error {
		at := time.UnixMilli(event.Timestamp).UTC().Format(time.RFC3339)
		line := fmt.Sprintf("[Seq:%d] %s task=%s job=%s at %s", event.Seq, event.Type, event.TaskID, event.JobID, at)
		if event.Reason != "" {
			line += " reason=" + event.Reason
		}
		_, err := fmt.Fprintln(w, line)
		return err
	})
	return err
}
