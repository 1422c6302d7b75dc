package rules

import (
	"math"
	"strings"
)

const floatEpsilon = 1e-9

// operatorAliases 规则文件里也允许写 gt/gte/lt/lte/eq/ne
var operatorAliases = map[string]Operator{
	">":   OpGreater,
	"gt":  OpGreater,
	">=":  OpGreaterEqual,
	"gte": OpGreaterEqual,
	"<":   OpLess,
	"lt":  OpLess,
	"<=":  OpLessEqual,
	"lte": OpLessEqual,
	"==":  OpEqual,
	"=":   OpEqual,
	"eq":  OpEqual,
	"!=":  OpNotEqual,
	"ne":  OpNotEqual,
}

// NormalizeOperator 返回标准形式的操作符
func NormalizeOperator(op Operator) (Operator, bool) {
	norm, ok := operatorAliases[strings.ToLower(strings.TrimSpace(string(op)))]
	return norm, ok
}

// Valid 是否为支持的操作符（含别名）
func (o Operator) Valid() bool {
	_, ok := NormalizeOperator(o)
	return ok
}

// Compare 比较聚合值和阈值。未知操作符返回false。
func Compare(value, threshold float64, op Operator) bool {
	norm, ok := NormalizeOperator(op)
	if !ok || math.IsNaN(value) || math.IsNaN(threshold) {
		return false
	}

	equal := math.Abs(value-threshold) <= floatEpsilon
	switch norm {
	case OpGreater:
		return value > threshold && !equal
	case OpGreaterEqual:
		return value > threshold || equal
	case OpLess:
		return value < threshold && !equal
	case OpLessEqual:
		return value < threshold || equal
	case OpEqual:
		return equal
	case OpNotEqual:
		return !equal
	}
	return false
}
