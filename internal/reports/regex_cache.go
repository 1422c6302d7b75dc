package reports

import (
	"fmt"
	"regexp"
	"sync"
	"time"
)

type regexEntry struct {
	re          *regexp.Regexp
	lastUsed    time.Time
	accessCount int64
}

// RegexCache 报表正则过滤的编译缓存，满时淘汰最久未用且访问最少的模式
type RegexCache struct {
	mu       sync.Mutex
	entries  map[string]*regexEntry
	maxSize  int
	hits     int64
	requests int64
}

// NewRegexCache 创建缓存
func NewRegexCache(maxSize int) *RegexCache {
	if maxSize <= 0 {
		maxSize = 256
	}
	return &RegexCache{entries: make(map[string]*regexEntry), maxSize: maxSize}
}

var filterRegexps = NewRegexCache(256)

// Compile 返回编译后的正则，命中缓存时不重新编译
func (rc *RegexCache) Compile(pattern string) (*regexp.Regexp, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.requests++
	if e, ok := rc.entries[pattern]; ok {
		e.lastUsed = time.Now()
		e.accessCount++
		rc.hits++
		return e.re, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("正则表达式编译失败: %w", err)
	}
	if len(rc.entries) >= rc.maxSize {
		rc.evict()
	}
	rc.entries[pattern] = &regexEntry{re: re, lastUsed: time.Now(), accessCount: 1}
	return re, nil
}

// evict 得分 = 闲置秒数 + 1000/访问次数，得分最高的被淘汰
func (rc *RegexCache) evict() {
	now := time.Now()
	victim := ""
	var worst int64 = -1
	for pattern, e := range rc.entries {
		score := int64(now.Sub(e.lastUsed).Seconds()) + 1000/e.accessCount
		if score > worst {
			worst = score
			victim = pattern
		}
	}
	if victim != "" {
		delete(rc.entries, victim)
	}
}

// Stats 缓存大小和命中率
func (rc *RegexCache) Stats() (size int, hitRate float64) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.requests > 0 {
		hitRate = float64(rc.hits) / float64(rc.requests)
	}
	return len(rc.entries), hitRate
}
