// Package schedule 计算cron表达式的下一次执行时间，以及规则的生效时间窗口。
//
// 规则评估的时间窗口判断和定时报表共用这里的计算逻辑。
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// DefaultHour 无法识别的表达式回退为每天该小时执行
const DefaultHour = 9

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate 检查表达式是否为合法的5段cron
func Validate(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("无效的cron表达式 %q: %w", expr, err)
	}
	return nil
}

// Next 返回严格晚于now、满足表达式的下一个时间点。
// 表达式无法解析时回退为每天 DefaultHour:00。
func Next(expr string, now time.Time) time.Time {
	sched, err := parser.Parse(expr)
	if err != nil {
		log.Warn().Err(err).Str("cron", expr).Int("fallback_hour", DefaultHour).Msg("cron表达式无法识别，回退为每日执行")
		return nextDaily(now, DefaultHour, 0)
	}

	next := sched.Next(now)
	if next.IsZero() || !next.After(now) {
		// 永远不会命中的表达式（例如 2月30日）
		log.Warn().Str("cron", expr).Msg("cron表达式没有可用的执行时间，回退为每日执行")
		return nextDaily(now, DefaultHour, 0)
	}
	return next
}

// nextDaily 返回now之后第一个 hour:minute
func nextDaily(now time.Time, hour, minute int) time.Time {
	candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}
