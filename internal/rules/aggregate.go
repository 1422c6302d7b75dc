package rules

import (
	"fmt"
	"math"

	"github.com/y001j/logwatch/internal/model"
)

// Aggregate 把匹配的日志条目归约为一个数值。
//
// rate 为每分钟条目数，分母是规则自身的 timeWindowMinutes；窗口≤0时为0。
// avg/sum/min/max 使用 metadata.value，缺失或非数值的条目被排除，没有可用条目时返回0。
func Aggregate(entries []model.LogEntry, kind Aggregation, windowMinutes int) (float64, error) {
	switch kind {
	case AggCount:
		return float64(len(entries)), nil
	case AggRate:
		if windowMinutes <= 0 {
			return 0, nil
		}
		return float64(len(entries)) / float64(windowMinutes), nil
	case AggAvg, AggSum, AggMin, AggMax:
		return aggregateValues(entries, kind), nil
	default:
		return 0, NewConditionError(ErrCodeConditionAggregation,
			fmt.Sprintf("不支持的聚合方式: %s", kind), nil).
			WithContext("aggregation", string(kind))
	}
}

func aggregateValues(entries []model.LogEntry, kind Aggregation) float64 {
	var (
		n   int
		sum float64
		min = math.Inf(1)
		max = math.Inf(-1)
	)

	for _, e := range entries {
		v, ok := e.NumericValue()
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		n++
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}

	if n == 0 {
		return 0
	}

	switch kind {
	case AggSum:
		return sum
	case AggAvg:
		return sum / float64(n)
	case AggMin:
		return min
	case AggMax:
		return max
	}
	return 0
}
