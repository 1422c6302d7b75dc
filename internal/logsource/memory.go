package logsource

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/y001j/logwatch/internal/model"
)

// MemorySource 内存日志源，主要用于测试和本地调试
type MemorySource struct {
	mu      sync.RWMutex
	entries []model.LogEntry
	err     error
	calls   int
}

// NewMemorySource 创建内存日志源
func NewMemorySource(entries ...model.LogEntry) *MemorySource {
	m := &MemorySource{}
	m.Add(entries...)
	return m
}

func (m *MemorySource) Name() string { return "memory" }

// Add 追加日志条目
func (m *MemorySource) Add(entries ...model.LogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entries...)
	sort.SliceStable(m.entries, func(i, j int) bool {
		return m.entries[i].Timestamp.Before(m.entries[j].Timestamp)
	})
}

// SetError 设置后续查询返回的错误，nil表示恢复
func (m *MemorySource) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls 已执行的查询次数
func (m *MemorySource) Calls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}

// Search 查询时间范围内匹配的条目
func (m *MemorySource) Search(ctx context.Context, query string, start, end time.Time, maxEntries int) ([]model.LogEntry, error) {
	m.mu.Lock()
	m.calls++
	err := m.err
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []model.LogEntry
	for _, e := range m.entries {
		if !inRange(e.Timestamp, start, end) || !Match(query, e) {
			continue
		}
		result = append(result, e)
		if maxEntries > 0 && len(result) >= maxEntries {
			break
		}
	}
	return result, nil
}
