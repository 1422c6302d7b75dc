package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/y001j/logwatch/internal/model"
)

type stubNotifier struct {
	channel model.Channel
	err     error
	calls   int32
}

func (s *stubNotifier) Channel() model.Channel { return s.channel }

func (s *stubNotifier) Deliver(_ context.Context, _ Target, _ Message) error {
	atomic.AddInt32(&s.calls, 1)
	return s.err
}

func testAlert() *model.Alert {
	return &model.Alert{
		ID:          "a1",
		RuleID:      "r1",
		RuleName:    "errors",
		Severity:    model.SeverityHigh,
		Message:     "errors: count 12 > 10",
		Value:       12,
		Threshold:   10,
		TriggeredAt: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
	}
}

func collect(d *Dispatcher, cfg model.NotificationConfig) []model.NotificationAttempt {
	var mu sync.Mutex
	var out []model.NotificationAttempt
	d.Dispatch(context.Background(), testAlert(), cfg, func(a model.NotificationAttempt) {
		mu.Lock()
		out = append(out, a)
		mu.Unlock()
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

func TestDispatchEmailSucceedsWebhookFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	email := &stubNotifier{channel: model.ChannelEmail}
	d := NewDispatcher(DispatchConfig{}, email, NewWebhookNotifier(WebhookConfig{}))

	attempts := collect(d, model.NotificationConfig{
		Channels:   []model.Channel{model.ChannelEmail, model.ChannelWebhook},
		Recipients: []string{"ops@example.com"},
		WebhookURL: srv.URL,
	})

	require.Len(t, attempts, 2)
	assert.Equal(t, model.ChannelEmail, attempts[0].Channel)
	assert.True(t, attempts[0].Success)
	assert.Equal(t, model.ChannelWebhook, attempts[1].Channel)
	assert.False(t, attempts[1].Success)
	assert.Contains(t, attempts[1].Error, "500")
}

func TestDispatchMissingTargetIsFailedAttempt(t *testing.T) {
	d := NewDispatcher(DispatchConfig{}, NewWebhookNotifier(WebhookConfig{}), NewEmailNotifier(EmailConfig{Host: "smtp.local"}))

	attempts := collect(d, model.NotificationConfig{Channels: []model.Channel{model.ChannelWebhook, model.ChannelEmail, model.ChannelSMS}})

	require.Len(t, attempts, 3)
	for _, a := range attempts {
		assert.False(t, a.Success)
		assert.NotEmpty(t, a.Error)
		assert.False(t, a.SentAt.IsZero())
	}
	// sms 未注册
	assert.Contains(t, attempts[1].Error, "sms")
}

func TestWebhookPayload(t *testing.T) {
	var got WebhookPayload
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(WebhookConfig{Token: "secret"})
	require.NoError(t, n.Deliver(context.Background(), Target{URL: srv.URL}, AlertMessage(testAlert())))

	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "[HIGH] errors", got.Subject)
	require.NotNil(t, got.Alert)
	assert.Equal(t, 12.0, got.Alert.Value)
}

func TestSMSSendsEachRecipient(t *testing.T) {
	var mu sync.Mutex
	var to []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req smsRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		to = append(to, req.To)
		mu.Unlock()
		assert.LessOrEqual(t, len([]rune(req.Message)), 160)
		if req.To == "bad" {
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	n := NewSMSNotifier(SMSConfig{GatewayURL: srv.URL})
	err := n.Deliver(context.Background(), Target{Recipients: []string{"bad", "+100"}}, AlertMessage(testAlert()))
	require.Error(t, err)
	assert.Equal(t, []string{"bad", "+100"}, to)
}

func TestChatTargetResolution(t *testing.T) {
	n := NewChatNotifier(ChatConfig{DefaultWebhook: "https://chat/default"})

	url, ch := n.resolve(Target{ChatTarget: "https://hooks/x"})
	assert.Equal(t, "https://hooks/x", url)
	assert.Empty(t, ch)

	url, ch = n.resolve(Target{ChatTarget: "#ops"})
	assert.Equal(t, "https://chat/default", url)
	assert.Equal(t, "#ops", ch)

	bare := NewChatNotifier(ChatConfig{})
	url, _ = bare.resolve(Target{URL: "https://rule/hook"})
	assert.Equal(t, "https://rule/hook", url)

	err := bare.Deliver(context.Background(), Target{ChatTarget: "#ops"}, Message{})
	assert.True(t, errors.Is(err, ErrMissingTarget))
}

func TestChatPostsSlackPayload(t *testing.T) {
	var got chatPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	n := NewChatNotifier(ChatConfig{DefaultWebhook: srv.URL})
	require.NoError(t, n.Deliver(context.Background(), Target{ChatTarget: "#ops"}, AlertMessage(testAlert())))
	assert.Equal(t, "#ops", got.Channel)
	assert.Contains(t, got.Text, "errors: count 12 > 10")
}

func TestEmailBuildsMessage(t *testing.T) {
	n := NewEmailNotifier(EmailConfig{Host: "smtp.local", Port: 2525, From: "lw@example.com", Username: "u", Password: "p"})
	var addr, from string
	var to []string
	var body []byte
	var auth smtp.Auth
	n.send = func(_ context.Context, a string, au smtp.Auth, f string, t []string, msg []byte) error {
		addr, auth, from, to, body = a, au, f, t, msg
		return nil
	}

	require.NoError(t, n.Deliver(context.Background(), Target{Recipients: []string{"ops@example.com"}}, AlertMessage(testAlert())))
	assert.Equal(t, "smtp.local:2525", addr)
	assert.NotNil(t, auth)
	assert.Equal(t, "lw@example.com", from)
	assert.Equal(t, []string{"ops@example.com"}, to)
	assert.Contains(t, string(body), "Subject: [HIGH] errors\r\n")

	err := n.Deliver(context.Background(), Target{}, Message{})
	assert.True(t, errors.Is(err, ErrMissingTarget))
}

func TestEmailHeadersAreSingleLine(t *testing.T) {
	n := NewEmailNotifier(EmailConfig{Host: "smtp.local", From: "lw@example.com", FromName: "日志告警"})
	var body []byte
	n.send = func(_ context.Context, _ string, _ smtp.Auth, _ string, _ []string, msg []byte) error {
		body = msg
		return nil
	}

	alert := testAlert()
	alert.RuleName = "disk\r\nBcc: attacker@evil.example"
	require.NoError(t, n.Deliver(context.Background(), Target{Recipients: []string{"ops@example.com"}}, AlertMessage(alert)))

	header, _, found := strings.Cut(string(body), "\r\n\r\n")
	require.True(t, found)
	lines := strings.Split(header, "\r\n")
	require.Len(t, lines, 5)
	for _, line := range lines {
		assert.NotContains(t, line, "\n")
		assert.False(t, strings.HasPrefix(line, "Bcc:"))
	}
	assert.Equal(t, "Subject: [HIGH] disk  Bcc: attacker@evil.example", lines[2])
	assert.Contains(t, lines[0], "=?utf-8?")

	alert.RuleName = "磁盘告警"
	require.NoError(t, n.Deliver(context.Background(), Target{Recipients: []string{"ops@example.com"}}, AlertMessage(alert)))
	assert.Contains(t, string(body), "Subject: =?utf-8?q?")
}

func TestEmailSendHonoursContext(t *testing.T) {
	// 只接受连接不发问候语的服务器
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		<-done
		conn.Close()
	}()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	n := NewEmailNotifier(EmailConfig{Host: host, Port: p, From: "lw@example.com"})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = n.Deliver(ctx, Target{Recipients: []string{"ops@example.com"}}, AlertMessage(testAlert()))
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	failing := &stubNotifier{channel: model.ChannelWebhook, err: errors.New("down")}
	d := NewDispatcher(DispatchConfig{BreakerFailures: 2, BreakerTimeout: time.Hour}, failing)

	for i := 0; i < 2; i++ {
		assert.Error(t, d.Send(context.Background(), model.ChannelWebhook, Target{}, Message{}))
	}
	err := d.Send(context.Background(), model.ChannelWebhook, Target{}, Message{})
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, int32(2), atomic.LoadInt32(&failing.calls))
}

func TestMissingTargetDoesNotTripBreaker(t *testing.T) {
	n := &stubNotifier{channel: model.ChannelEmail, err: ErrMissingTarget}
	d := NewDispatcher(DispatchConfig{BreakerFailures: 1}, n)

	for i := 0; i < 3; i++ {
		err := d.Send(context.Background(), model.ChannelEmail, Target{}, Message{})
		assert.True(t, errors.Is(err, ErrMissingTarget))
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&n.calls))
}

func TestRateLimitWaitsForToken(t *testing.T) {
	n := &stubNotifier{channel: model.ChannelEmail}
	d := NewDispatcher(DispatchConfig{RatePerMinute: 1, Burst: 1}, n)

	require.NoError(t, d.Send(context.Background(), model.ChannelEmail, Target{}, Message{}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, d.Send(ctx, model.ChannelEmail, Target{}, Message{}))
	assert.Equal(t, int32(1), atomic.LoadInt32(&n.calls))
}
