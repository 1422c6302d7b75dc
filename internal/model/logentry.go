package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LogEntry 日志条目，由日志源返回，创建后不再修改
type LogEntry struct {
	Level     string                 `json:"level" yaml:"level"`
	Message   string                 `json:"message" yaml:"message"`
	Timestamp time.Time              `json:"timestamp" yaml:"timestamp"`
	Source    string                 `json:"source" yaml:"source"`
	Metadata  map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// MetadataValueKey 聚合使用的元数据字段
const MetadataValueKey = "value"

// Field 按名称取字段值，支持 metadata.<key> 形式
func (e LogEntry) Field(name string) (interface{}, bool) {
	switch name {
	case "level":
		return e.Level, true
	case "message":
		return e.Message, true
	case "timestamp", "@timestamp":
		return e.Timestamp, true
	case "source":
		return e.Source, true
	}

	key := strings.TrimPrefix(name, "metadata.")
	if e.Metadata == nil {
		return nil, false
	}
	v, ok := e.Metadata[key]
	return v, ok
}

// NumericValue 返回 metadata.value 的数值形式
func (e LogEntry) NumericValue() (float64, bool) {
	v, ok := e.Metadata[MetadataValueKey]
	if !ok {
		return 0, false
	}
	return ToFloat64(v)
}

// ToFloat64 尝试将标量值转换为float64
func ToFloat64(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f, true
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// FormatValue 把字段值格式化为字符串（报表和模板使用）
func FormatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case time.Time:
		return val.Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}
