package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window 规则生效时间窗口
type Window struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	StartTime  string `json:"start_time" yaml:"start_time"` // HH:MM
	EndTime    string `json:"end_time" yaml:"end_time"`     // HH:MM
	DaysOfWeek []int  `json:"days_of_week,omitempty" yaml:"days_of_week,omitempty"`
}

// ParseClock 将 HH:MM 解析为当天零点起的分钟数
func ParseClock(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("时间格式应为HH:MM: %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("小时无效: %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("分钟无效: %q", s)
	}
	return h*60 + m, nil
}

// Validate 校验窗口配置
func (w Window) Validate() error {
	if !w.Enabled {
		return nil
	}
	if _, err := ParseClock(w.StartTime); err != nil {
		return fmt.Errorf("start_time: %w", err)
	}
	if _, err := ParseClock(w.EndTime); err != nil {
		return fmt.Errorf("end_time: %w", err)
	}
	for _, d := range w.DaysOfWeek {
		if d < 0 || d > 6 {
			return fmt.Errorf("days_of_week 取值范围0-6: %d", d)
		}
	}
	return nil
}

// Overnight 起始时间晚于结束时间，窗口跨越午夜
func (w Window) Overnight() bool {
	start, err1 := ParseClock(w.StartTime)
	end, err2 := ParseClock(w.EndTime)
	return err1 == nil && err2 == nil && start > end
}

// Contains 判断now是否落在窗口内。未启用的窗口总是返回true。
//
// start ≤ end 时按 start ≤ now ≤ end 比较分钟数；start > end 时窗口跨越午夜，
// 午夜之后的部分按前一天（窗口开始那天）的星期判断。
func (w Window) Contains(now time.Time) (bool, error) {
	if !w.Enabled {
		return true, nil
	}
	start, err := ParseClock(w.StartTime)
	if err != nil {
		return false, err
	}
	end, err := ParseClock(w.EndTime)
	if err != nil {
		return false, err
	}

	cur := now.Hour()*60 + now.Minute()
	today := int(now.Weekday())

	if start <= end {
		return start <= cur && cur <= end && w.dayAllowed(today), nil
	}

	if cur >= start {
		return w.dayAllowed(today), nil
	}
	if cur <= end {
		return w.dayAllowed((today + 6) % 7), nil
	}
	return false, nil
}

// dayAllowed 空列表表示每天
func (w Window) dayAllowed(day int) bool {
	if len(w.DaysOfWeek) == 0 {
		return true
	}
	for _, d := range w.DaysOfWeek {
		if d == day {
			return true
		}
	}
	return false
}
