package logsource

import (
	"sync"
	"time"

	"github.com/y001j/logwatch/internal/model"
)

// RingBuffer 环形缓冲区，保存最近的日志条目
type RingBuffer struct {
	mu    sync.RWMutex
	data  []model.LogEntry
	size  int
	head  int
	count int
}

// NewRingBuffer 创建环形缓冲区
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1
	}
	return &RingBuffer{
		data: make([]model.LogEntry, size),
		size: size,
	}
}

// Add 添加日志条目，满了覆盖最旧的
func (rb *RingBuffer) Add(entry model.LogEntry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.data[rb.head] = entry
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}
}

// Len 当前条目数
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Collect 从最新到最旧遍历，返回时间范围内满足match的条目（按时间升序），最多max条
func (rb *RingBuffer) Collect(start, end time.Time, max int, match func(model.LogEntry) bool) []model.LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var result []model.LogEntry
	for i := 0; i < rb.count; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		entry := rb.data[idx]
		if !inRange(entry.Timestamp, start, end) {
			continue
		}
		if match != nil && !match(entry) {
			continue
		}
		result = append(result, entry)
		if max > 0 && len(result) >= max {
			break
		}
	}

	// 翻转为升序
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result
}
