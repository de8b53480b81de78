package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 校驗範圍：Seq、Type、TaskID、JobID、Timestamp、Reason 以及 Task 的 JSON。
// 不包含 Checksum 欄位本身。
func CalculateChecksum(event Event) uint32 {
	h := crc32.NewIEEE()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], event.Seq)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(event.Timestamp))
	h.Write(buf[:])

	h.Write([]byte(event.Type))
	h.Write([]byte{0})
	h.Write([]byte(event.TaskID))
	h.Write([]byte{0})
	h.Write([]byte(event.JobID))
	h.Write([]byte{0})
	h.Write([]byte(event.Reason))
	h.Write([]byte{0})

	if event.Task != nil {
		// map 鍵在 encoding/json 中會排序，輸出是確定的
		if data, err := json.Marshal(event.Task); err == nil {
			h.Write(data)
		}
	}
	return h.Sum32()
}

// VerifyChecksum 驗證事件的校驗和，不符時回傳 *ChecksumError
func VerifyChecksum(event Event) error {
	expected := CalculateChecksum(event)
	if event.Checksum != expected {
		return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
	}
	return nil
}
