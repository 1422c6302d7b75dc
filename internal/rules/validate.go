package rules

import (
	"fmt"

	"github.com/y001j/logwatch/internal/model"
)

// ValidateRule 规则创建和更新时的完整校验
func ValidateRule(rule *AlertRule) error {
	if rule == nil {
		return NewValidationError(ErrCodeRuleValidate, "规则不能为空")
	}
	if rule.ID == "" {
		return NewValidationError(ErrCodeRuleValidate, "规则ID不能为空")
	}
	if rule.Name == "" {
		return NewValidationError(ErrCodeRuleValidate, "规则名称不能为空")
	}
	if rule.Query == "" {
		return NewValidationError(ErrCodeRuleValidate, "查询语句不能为空")
	}
	if err := validateConditions(rule.Conditions); err != nil {
		return err
	}
	if !rule.Severity.Valid() {
		return NewValidationError(ErrCodeRuleValidate, fmt.Sprintf("不支持的告警级别: %s", rule.Severity))
	}
	if err := validateNotifications(rule.Notifications); err != nil {
		return err
	}
	if rule.ActiveWindow != nil {
		if err := rule.ActiveWindow.Validate(); err != nil {
			return NewValidationError(ErrCodeRuleValidate, "生效时间窗口无效").WithCause(err)
		}
	}
	return nil
}

// validateConditions 评估时也会调用，只检查条件本身
func validateConditions(c Conditions) error {
	if c.TimeWindowMinutes <= 0 {
		return NewValidationError(ErrCodeRuleValidate, "time_window_minutes 必须大于0")
	}
	if !c.Operator.Valid() {
		return NewConditionError(ErrCodeConditionOperator,
			fmt.Sprintf("不支持的比较操作符: %s", c.Operator), nil).
			WithContext("supported_operators", []string{">", ">=", "<", "<=", "==", "!="})
	}
	if !c.Aggregation.Valid() {
		return NewConditionError(ErrCodeConditionAggregation,
			fmt.Sprintf("不支持的聚合方式: %s", c.Aggregation), nil)
	}
	return nil
}

func validateNotifications(n model.NotificationConfig) error {
	if n.CooldownMinutes < 0 {
		return NewValidationError(ErrCodeRuleValidate, "cooldown_minutes 不能为负数")
	}
	seen := make(map[model.Channel]bool, len(n.Channels))
	for _, ch := range n.Channels {
		if seen[ch] {
			return NewValidationError(ErrCodeRuleValidate, "通知渠道重复").WithDetails(string(ch))
		}
		seen[ch] = true
		switch ch {
		case model.ChannelEmail, model.ChannelSMS:
			if len(n.Recipients) == 0 {
				return NewValidationError(ErrCodeRuleValidate, fmt.Sprintf("%s 渠道需要至少一个接收人", ch))
			}
		case model.ChannelWebhook:
			if n.WebhookURL == "" {
				return NewValidationError(ErrCodeRuleValidate, "webhook 渠道需要 webhook_url")
			}
		case model.ChannelChat:
			if n.ChatTarget == "" && n.WebhookURL == "" {
				return NewValidationError(ErrCodeRuleValidate, "chat 渠道需要 chat_target")
			}
		default:
			return NewValidationError(ErrCodeRuleValidate, fmt.Sprintf("不支持的通知渠道: %s", ch))
		}
	}
	return nil
}
