package rules

import (
	"time"
)

// GateState 规则在某一时刻的可评估状态
type GateState string

const (
	GateDisabled      GateState = "disabled"
	GateOutsideWindow GateState = "outside_window"
	GateInCooldown    GateState = "in_cooldown"
	GateEligible      GateState = "eligible"
)

// Gate 按顺序检查：禁用、时间窗口、冷却。窗口配置无效时返回错误，规则本轮跳过。
func Gate(rule *AlertRule, now time.Time) (GateState, error) {
	if !rule.Enabled {
		return GateDisabled, nil
	}

	if rule.ActiveWindow != nil && rule.ActiveWindow.Enabled {
		inside, err := rule.ActiveWindow.Contains(now)
		if err != nil {
			return GateOutsideWindow, NewValidationError(ErrCodeRuleValidate, "生效时间窗口无效").WithCause(err)
		}
		if !inside {
			return GateOutsideWindow, nil
		}
	}

	if InCooldown(rule, now) {
		return GateInCooldown, nil
	}
	return GateEligible, nil
}

// InCooldown now - lastTriggeredAt < cooldownMinutes
func InCooldown(rule *AlertRule, now time.Time) bool {
	if rule.LastTriggeredAt == nil || rule.Notifications.CooldownMinutes <= 0 {
		return false
	}
	cooldown := time.Duration(rule.Notifications.CooldownMinutes) * time.Minute
	return now.Sub(*rule.LastTriggeredAt) < cooldown
}
