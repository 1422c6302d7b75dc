package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/y001j/logwatch/internal/model"
)

// EmailConfig SMTP配置
type EmailConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	From        string `mapstructure:"from"`
	FromName    string `mapstructure:"from_name"`
	UseTLS      bool   `mapstructure:"use_tls"`
	UseStartTLS bool   `mapstructure:"use_starttls"`
}

// sendFunc 发送一封已编码的邮件，测试时替换
type sendFunc func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier 通过SMTP发送邮件
type EmailNotifier struct {
	cfg  EmailConfig
	send sendFunc
}

// NewEmailNotifier 创建邮件渠道
func NewEmailNotifier(cfg EmailConfig) *EmailNotifier {
	if cfg.Port == 0 {
		cfg.Port = 25
	}
	if cfg.FromName == "" {
		cfg.FromName = "LogWatch"
	}
	n := &EmailNotifier{cfg: cfg}
	n.send = n.sendMail
	return n
}

func (n *EmailNotifier) Channel() model.Channel { return model.ChannelEmail }

func (n *EmailNotifier) Deliver(ctx context.Context, target Target, msg Message) error {
	if len(target.Recipients) == 0 {
		return fmt.Errorf("邮件收件人为空: %w", ErrMissingTarget)
	}
	if n.cfg.Host == "" {
		return fmt.Errorf("SMTP服务器未配置: %w", ErrMissingTarget)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	addr := net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port))
	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}
	if err := n.send(ctx, addr, auth, n.cfg.From, target.Recipients, n.buildMessage(target.Recipients, msg)); err != nil {
		return fmt.Errorf("发送邮件失败: %w", err)
	}
	return nil
}

// buildMessage 组装邮件。头部去掉换行防止注入，非ASCII内容按 RFC 2047 编码。
func (n *EmailNotifier) buildMessage(to []string, msg Message) []byte {
	from := mail.Address{Name: headerValue(n.cfg.FromName), Address: headerValue(n.cfg.From)}
	rcpts := make([]string, 0, len(to))
	for _, r := range to {
		rcpts = append(rcpts, headerValue(r))
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from.String())
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(rcpts, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", headerValue(msg.Subject)))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	buf.WriteString("\r\n")
	body := strings.ReplaceAll(msg.Body, "\r\n", "\n")
	buf.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return buf.Bytes()
}

// headerValue 把CR/LF替换为空格，保证头部只占一行
func headerValue(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return ' '
		}
		return r
	}, s)
}

// sendMail 建立连接受 ctx 约束，ctx 取消时关闭连接中断进行中的会话
func (n *EmailNotifier) sendMail(ctx context.Context, addr string, auth smtp.Auth, from string, to []string, body []byte) error {
	tlsConfig := &tls.Config{ServerName: n.cfg.Host}
	dialer := &net.Dialer{Timeout: 30 * time.Second}

	var (
		conn net.Conn
		err  error
	)
	if n.cfg.UseTLS {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("TLS连接失败: %w", err)
		}
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("连接SMTP服务器失败: %w", err)
		}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	client, err := smtp.NewClient(conn, n.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("创建SMTP客户端失败: %w", err)
	}
	defer client.Close()

	if !n.cfg.UseTLS {
		// 未显式要求时，服务器支持就升级，与 smtp.SendMail 行为一致
		if ok, _ := client.Extension("STARTTLS"); ok || n.cfg.UseStartTLS {
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("STARTTLS失败: %w", err)
			}
		}
	}
	if auth != nil {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(auth); err != nil {
				return fmt.Errorf("SMTP认证失败: %w", err)
			}
		}
	}
	if err := client.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("收件人 %s 被拒绝: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	// 服务器已接收邮件，QUIT 失败不影响结果
	_ = client.Quit()
	return nil
}
