package reports

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/y001j/logwatch/internal/model"
)

// 报表的固定列
const (
	ColumnTimestamp = "timestamp"
	ColumnLevel     = "level"
	ColumnSource    = "source"
	ColumnMessage   = "message"
)

// DefaultLookbackMinutes 未设置回溯窗口时查询最近24小时
const DefaultLookbackMinutes = 24 * 60

// ValidateDefinition 检查报表定义
func ValidateDefinition(def *model.ReportDefinition) error {
	if strings.TrimSpace(def.Name) == "" {
		return fmt.Errorf("报表名称不能为空")
	}
	if def.LookbackMinutes < 0 {
		return fmt.Errorf("回溯窗口不能为负数: %d", def.LookbackMinutes)
	}
	for i, f := range def.Filters {
		if strings.TrimSpace(f.Field) == "" {
			return fmt.Errorf("第%d个过滤条件缺少字段", i+1)
		}
		switch normalizeFilterOp(f.Operator) {
		case "eq", "ne", "contains":
		case "regex":
			if _, err := filterRegexps.Compile(f.Value); err != nil {
				return fmt.Errorf("第%d个过滤条件: %w", i+1, err)
			}
		default:
			return fmt.Errorf("不支持的过滤操作符: %s", f.Operator)
		}
	}
	return nil
}

// BuildQuery 把基础查询和等值过滤条件合成日志源查询。
// 各项以空白分隔，日志源按AND处理（ES 使用 default_operator=AND）。
// 只下推值由普通字符组成的 eq 条件，其余条件由 ApplyFilters 处理。
func BuildQuery(def *model.ReportDefinition) string {
	var terms []string
	if q := strings.TrimSpace(def.Query); q != "" && q != "*" {
		if len(def.Filters) > 0 && hasBooleanSyntax(q) {
			q = "(" + q + ")"
		}
		terms = append(terms, q)
	}
	for _, f := range def.Filters {
		if normalizeFilterOp(f.Operator) == "eq" && plainTerm(f.Field) && plainTerm(f.Value) {
			terms = append(terms, f.Field+":"+f.Value)
		}
	}
	if len(terms) == 0 {
		return "*"
	}
	return strings.Join(terms, " ")
}

// hasBooleanSyntax 查询是否使用了显式的布尔语法，需要加括号才能和过滤条件组合
func hasBooleanSyntax(q string) bool {
	for _, term := range strings.Fields(q) {
		switch term {
		case "OR", "AND", "NOT", "||", "&&":
			return true
		}
	}
	return strings.ContainsAny(q, "()")
}

// plainTerm 不含 query_string 保留字符和空白
func plainTerm(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_', r == '-', r == '.', r == '@':
		case r > 0x7f && !unicode.IsSpace(r) && !unicode.IsPunct(r):
		default:
			return false
		}
	}
	return true
}

// Window 报表查询的时间范围
func Window(def *model.ReportDefinition, now time.Time) (time.Time, time.Time) {
	lookback := def.LookbackMinutes
	if lookback <= 0 {
		lookback = DefaultLookbackMinutes
	}
	return now.Add(-time.Duration(lookback) * time.Minute), now
}

// ApplyFilters 在日志源结果上应用全部过滤条件，ne、contains 和 regex 只能在这里处理
func ApplyFilters(def *model.ReportDefinition, entries []model.LogEntry) []model.LogEntry {
	if len(def.Filters) == 0 {
		return entries
	}
	out := make([]model.LogEntry, 0, len(entries))
	for _, e := range entries {
		if matchFilters(def.Filters, e) {
			out = append(out, e)
		}
	}
	return out
}

func matchFilters(filters []model.ReportFilter, e model.LogEntry) bool {
	for _, f := range filters {
		v, ok := e.Field(f.Field)
		actual := ""
		if ok {
			actual = model.FormatValue(v)
		}
		switch normalizeFilterOp(f.Operator) {
		case "eq":
			if !ok || !strings.EqualFold(actual, f.Value) {
				return false
			}
		case "ne":
			if ok && strings.EqualFold(actual, f.Value) {
				return false
			}
		case "contains":
			if !ok || !strings.Contains(strings.ToLower(actual), strings.ToLower(f.Value)) {
				return false
			}
		case "regex":
			re, err := filterRegexps.Compile(f.Value)
			if err != nil || !ok || !re.MatchString(actual) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func normalizeFilterOp(op string) string {
	switch strings.ToLower(strings.TrimSpace(op)) {
	case "", "eq", "=", "==":
		return "eq"
	case "ne", "!=":
		return "ne"
	case "contains", "like":
		return "contains"
	case "regex", "matches", "=~":
		return "regex"
	}
	return op
}

// Columns 报表列，未指定字段时输出固定列
func Columns(def *model.ReportDefinition) []string {
	if len(def.Fields) == 0 {
		return []string{ColumnTimestamp, ColumnLevel, ColumnSource, ColumnMessage}
	}
	return def.Fields
}

// Row 把日志转换为按列取值的记录
func Row(columns []string, e model.LogEntry) map[string]interface{} {
	row := make(map[string]interface{}, len(columns))
	for _, c := range columns {
		if v, ok := e.Field(c); ok {
			row[c] = v
		} else {
			row[c] = nil
		}
	}
	return row
}
