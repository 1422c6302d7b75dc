package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/y001j/logwatch/internal/model"
)

// DispatchConfig 分发器配置
type DispatchConfig struct {
	// RatePerMinute 每个渠道每分钟最多投递次数，0 表示不限
	RatePerMinute int           `mapstructure:"rate_per_minute"`
	Burst         int           `mapstructure:"burst"`
	Timeout       time.Duration `mapstructure:"timeout"`
	// BreakerFailures 连续失败多少次后熔断，0 表示不启用
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

type channelState struct {
	notifier Notifier
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
}

// Dispatcher 按渠道投递通知。各渠道并发且互不影响，每次尝试都会被记录。
type Dispatcher struct {
	cfg      DispatchConfig
	mu       sync.RWMutex
	channels map[model.Channel]*channelState
}

// NewDispatcher 创建分发器
func NewDispatcher(cfg DispatchConfig, notifiers ...Notifier) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = time.Minute
	}
	d := &Dispatcher{cfg: cfg, channels: make(map[model.Channel]*channelState)}
	for _, n := range notifiers {
		d.Register(n)
	}
	return d
}

// Register 注册或替换渠道实现
func (d *Dispatcher) Register(n Notifier) {
	st := &channelState{notifier: n}
	if d.cfg.RatePerMinute > 0 {
		burst := d.cfg.Burst
		if burst <= 0 {
			burst = d.cfg.RatePerMinute
		}
		st.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(d.cfg.RatePerMinute)), burst)
	}
	if d.cfg.BreakerFailures > 0 {
		failures := d.cfg.BreakerFailures
		st.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "notify-" + string(n.Channel()),
			Timeout: d.cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || isTargetError(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("通知渠道熔断器状态变化")
			},
		})
	}

	d.mu.Lock()
	d.channels[n.Channel()] = st
	d.mu.Unlock()
}

// Channels 已注册的渠道
func (d *Dispatcher) Channels() []model.Channel {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]model.Channel, 0, len(d.channels))
	for c := range d.channels {
		out = append(out, c)
	}
	return out
}

// Dispatch 对配置的每个渠道各投递一次，全部完成后返回。
// 单个渠道失败不影响其它渠道，结果通过 record 逐个回报。
func (d *Dispatcher) Dispatch(ctx context.Context, alert *model.Alert, cfg model.NotificationConfig, record func(model.NotificationAttempt)) {
	msg := AlertMessage(alert)

	var (
		wg       sync.WaitGroup
		recordMu sync.Mutex
	)
	for _, ch := range cfg.Channels {
		wg.Add(1)
		go func(ch model.Channel) {
			defer wg.Done()

			err := d.Send(ctx, ch, TargetFor(ch, cfg), msg)
			attempt := model.NotificationAttempt{Channel: ch, SentAt: time.Now(), Success: err == nil}
			if err != nil {
				attempt.Error = err.Error()
				log.Warn().
					Err(err).
					Str("alert_id", alert.ID).
					Str("channel", string(ch)).
					Msg("通知发送失败")
			} else {
				log.Debug().Str("alert_id", alert.ID).Str("channel", string(ch)).Msg("通知发送成功")
			}

			if record != nil {
				recordMu.Lock()
				record(attempt)
				recordMu.Unlock()
			}
		}(ch)
	}
	wg.Wait()
}

// Send 通过指定渠道发送一条消息，经过限流和熔断
func (d *Dispatcher) Send(ctx context.Context, ch model.Channel, target Target, msg Message) (err error) {
	d.mu.RLock()
	st, ok := d.channels[ch]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelDisabled, ch)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("通知渠道 %s panic: %v", ch, r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	if st.limiter != nil {
		if err := st.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("等待限流失败: %w", err)
		}
	}

	if st.breaker == nil {
		return st.notifier.Deliver(ctx, target, msg)
	}
	_, err = st.breaker.Execute(func() (interface{}, error) {
		return nil, st.notifier.Deliver(ctx, target, msg)
	})
	return err
}
