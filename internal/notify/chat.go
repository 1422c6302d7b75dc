package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/y001j/logwatch/internal/model"
)

// ChatConfig 聊天机器人配置
type ChatConfig struct {
	DefaultWebhook string        `mapstructure:"default_webhook"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// chatPayload Slack兼容的incoming webhook格式
type chatPayload struct {
	Text    string `json:"text"`
	Channel string `json:"channel,omitempty"`
}

// ChatNotifier 聊天机器人渠道。
// ChatTarget 是URL时直接作为webhook；否则作为频道名发到默认webhook，
// 两者都没有时使用规则的 WebhookURL。
type ChatNotifier struct {
	cfg    ChatConfig
	client *http.Client
}

// NewChatNotifier 创建聊天渠道
func NewChatNotifier(cfg ChatConfig) *ChatNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &ChatNotifier{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (n *ChatNotifier) Channel() model.Channel { return model.ChannelChat }

func (n *ChatNotifier) resolve(target Target) (url, channel string) {
	t := strings.TrimSpace(target.ChatTarget)
	switch {
	case strings.HasPrefix(t, "http://") || strings.HasPrefix(t, "https://"):
		return t, ""
	case t != "" && n.cfg.DefaultWebhook != "":
		return n.cfg.DefaultWebhook, t
	case target.URL != "":
		return target.URL, t
	}
	return "", t
}

func (n *ChatNotifier) Deliver(ctx context.Context, target Target, msg Message) error {
	url, channel := n.resolve(target)
	if url == "" {
		return fmt.Errorf("聊天webhook未配置: %w", ErrMissingTarget)
	}

	text := fmt.Sprintf("*%s*\n%s", msg.Subject, msg.Body)
	if err := postJSON(ctx, n.client, url, chatPayload{Text: text, Channel: channel}, nil); err != nil {
		return fmt.Errorf("聊天消息发送失败: %w", err)
	}
	return nil
}
