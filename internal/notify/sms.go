package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/y001j/logwatch/internal/model"
)

// SMSConfig 短信网关配置
type SMSConfig struct {
	GatewayURL string        `mapstructure:"gateway_url"`
	APIKey     string        `mapstructure:"api_key"`
	From       string        `mapstructure:"from"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// smsRequest 网关请求体
type smsRequest struct {
	To      string `json:"to"`
	From    string `json:"from,omitempty"`
	Message string `json:"message"`
}

// SMSNotifier 通过HTTP短信网关发送
type SMSNotifier struct {
	cfg    SMSConfig
	client *http.Client
}

// NewSMSNotifier 创建短信渠道
func NewSMSNotifier(cfg SMSConfig) *SMSNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &SMSNotifier{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (n *SMSNotifier) Channel() model.Channel { return model.ChannelSMS }

// Deliver 每个号码单独发送，一个号码失败时继续发送其余号码，最后返回第一个错误
func (n *SMSNotifier) Deliver(ctx context.Context, target Target, msg Message) error {
	if len(target.Recipients) == 0 {
		return fmt.Errorf("短信接收号码为空: %w", ErrMissingTarget)
	}
	if n.cfg.GatewayURL == "" {
		return fmt.Errorf("短信网关未配置: %w", ErrMissingTarget)
	}

	headers := map[string]string{}
	if n.cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + n.cfg.APIKey
	}

	// 短信限长
	text := shorten(msg.Subject+" "+firstLine(msg.Body), 160)

	var firstErr error
	for _, to := range target.Recipients {
		err := postJSON(ctx, n.client, n.cfg.GatewayURL, smsRequest{To: to, From: n.cfg.From, Message: text}, headers)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("短信发送到 %s 失败: %w", to, err)
		}
	}
	return firstErr
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
