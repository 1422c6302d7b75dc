package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/y001j/logwatch/internal/model"
)

// WebhookConfig Webhook渠道配置
type WebhookConfig struct {
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// WebhookPayload Webhook请求体
type WebhookPayload struct {
	Event     string       `json:"event"`
	Subject   string       `json:"subject"`
	Message   string       `json:"message"`
	Alert     *model.Alert `json:"alert,omitempty"`
	Timestamp int64        `json:"timestamp"`
}

// WebhookNotifier 以JSON POST告警
type WebhookNotifier struct {
	cfg    WebhookConfig
	client *http.Client
}

// NewWebhookNotifier 创建Webhook渠道
func NewWebhookNotifier(cfg WebhookConfig) *WebhookNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &WebhookNotifier{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (n *WebhookNotifier) Channel() model.Channel { return model.ChannelWebhook }

func (n *WebhookNotifier) Deliver(ctx context.Context, target Target, msg Message) error {
	if target.URL == "" {
		return fmt.Errorf("webhook URL未配置: %w", ErrMissingTarget)
	}

	headers := map[string]string{}
	if n.cfg.Token != "" {
		headers["Authorization"] = "Bearer " + n.cfg.Token
	}
	payload := WebhookPayload{
		Event:     "alert",
		Subject:   msg.Subject,
		Message:   msg.Body,
		Alert:     msg.Alert,
		Timestamp: time.Now().Unix(),
	}
	if err := postJSON(ctx, n.client, target.URL, payload, headers); err != nil {
		return fmt.Errorf("Webhook发送失败: %w", err)
	}
	return nil
}
