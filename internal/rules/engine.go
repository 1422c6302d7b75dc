package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/y001j/logwatch/internal/logsource"
	"github.com/y001j/logwatch/internal/model"
)

// AlertRecorder 告警的创建和通知记录
type AlertRecorder interface {
	Create(ctx context.Context, alert *model.Alert) (*model.Alert, error)
	RecordNotification(ctx context.Context, alertID string, attempt model.NotificationAttempt) error
}

// Dispatcher 把告警发送到规则配置的各个渠道，每次投递尝试调用一次record
type Dispatcher interface {
	Dispatch(ctx context.Context, alert *model.Alert, cfg model.NotificationConfig, record func(model.NotificationAttempt))
}

// Outcome 单条规则一次评估的结果
type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeInFlight  Outcome = "in_flight"
	OutcomeNoMatch   Outcome = "no_match"
	OutcomeTriggered Outcome = "triggered"
	OutcomeError     Outcome = "error"
)

// Observer 评估指标回调
type Observer interface {
	ObserveEvaluation(ruleID string, outcome Outcome, duration time.Duration)
}

// DefaultMaxEntries 单次评估最多取回的日志条数
const DefaultMaxEntries = 10000

// EngineConfig 评估引擎配置
type EngineConfig struct {
	TickInterval   time.Duration `mapstructure:"tick_interval"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	QueryTimeout   time.Duration `mapstructure:"query_timeout"`
	MaxEntries     int           `mapstructure:"max_entries"`
	SampleSize     int           `mapstructure:"sample_size"`
}

func (c *EngineConfig) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 60 * time.Second
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 8
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 30 * time.Second
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = DefaultMaxEntries
	}
	if c.SampleSize <= 0 {
		c.SampleSize = 10
	}
}

// Result 单条规则一次评估的详细结果
type Result struct {
	RuleID  string       `json:"rule_id"`
	Gate    GateState    `json:"gate"`
	Outcome Outcome      `json:"outcome"`
	Value   float64      `json:"value"`
	Matched int          `json:"matched_entries"`
	Alert   *model.Alert `json:"alert,omitempty"`
	Err     error        `json:"-"`

	// Truncated 取回的日志达到 MaxEntries 上限，count/rate 只是下界
	Truncated bool `json:"truncated,omitempty"`
}

// Engine 规则评估引擎：固定周期tick，每条规则独立评估，互不影响
type Engine struct {
	cfg        EngineConfig
	store      RuleStore
	source     logsource.Source
	alerts     AlertRecorder
	dispatcher Dispatcher
	guard      Guard
	observer   Observer
	now        func() time.Time

	running    atomic.Bool
	stopCh     chan struct{}
	loopWG     sync.WaitGroup
	dispatchWG sync.WaitGroup

	ticks     atomic.Int64
	triggered atomic.Int64
	failures  atomic.Int64
}

// Option 引擎选项
type Option func(*Engine)

// WithGuard 替换默认的进程内守卫
func WithGuard(g Guard) Option {
	return func(e *Engine) { e.guard = g }
}

// WithObserver 设置指标回调
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithClock 设置时钟，测试使用
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine 创建评估引擎
func NewEngine(cfg EngineConfig, store RuleStore, source logsource.Source, alerts AlertRecorder, dispatcher Dispatcher, opts ...Option) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:        cfg,
		store:      store,
		source:     source,
		alerts:     alerts,
		dispatcher: dispatcher,
		guard:      NewLocalGuard(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Name() string { return "rule-engine" }

func (e *Engine) Init(_ any) error {
	if e.store == nil || e.source == nil || e.alerts == nil {
		return fmt.Errorf("规则引擎缺少必要依赖")
	}
	return nil
}

// Start 启动评估循环，立即执行一次tick
func (e *Engine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return nil
	}
	e.stopCh = make(chan struct{})

	e.loopWG.Add(1)
	go e.loop(ctx)

	log.Info().
		Dur("tick_interval", e.cfg.TickInterval).
		Int("max_concurrency", e.cfg.MaxConcurrency).
		Str("log_source", e.source.Name()).
		Msg("规则评估引擎已启动")
	return nil
}

func (e *Engine) loop(ctx context.Context) {
	defer e.loopWG.Done()

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	e.Tick(ctx, e.now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.Tick(ctx, e.now())
		}
	}
}

// Stop 停止循环并等待已发出的通知完成
func (e *Engine) Stop(ctx context.Context) error {
	if !e.running.CompareAndSwap(true, false) {
		return nil
	}
	close(e.stopCh)
	e.loopWG.Wait()

	done := make(chan struct{})
	go func() {
		e.dispatchWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("等待通知发送超时，部分通知可能未完成")
	}

	log.Info().Msg("规则评估引擎已停止")
	return nil
}

// Tick 执行一轮评估。每条规则读取开始时的快照，规则之间没有顺序保证。
// 返回时所有规则的评估已经结束，通知发送可能仍在进行。
func (e *Engine) Tick(ctx context.Context, now time.Time) []Result {
	e.ticks.Add(1)
	snapshot := e.store.List()

	results := make([]Result, len(snapshot))
	sem := make(chan struct{}, e.cfg.MaxConcurrency)
	var wg sync.WaitGroup

	for i, rule := range snapshot {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, rule *AlertRule) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = e.evaluate(ctx, rule, now)
		}(i, rule)
	}
	wg.Wait()

	return results
}

// evaluate 单条规则的状态机：disabled / outside_window / in_cooldown / eligible
func (e *Engine) evaluate(ctx context.Context, rule *AlertRule, now time.Time) (res Result) {
	start := time.Now()
	res = Result{RuleID: rule.ID}

	defer func() {
		if r := recover(); r != nil {
			res.Outcome = OutcomeError
			res.Err = NewSystemError(ErrCodeRulePanic, "规则评估发生panic", fmt.Errorf("%v", r))
		}
		if res.Outcome == OutcomeError {
			e.failures.Add(1)
			log.Error().Err(res.Err).Str("rule_id", rule.ID).Str("rule_name", rule.Name).Msg("规则评估失败")
		}
		if e.observer != nil {
			e.observer.ObserveEvaluation(rule.ID, res.Outcome, time.Since(start))
		}
	}()

	gate, err := Gate(rule, now)
	res.Gate = gate
	if err != nil {
		res.Outcome = OutcomeError
		res.Err = err
		return res
	}
	if gate != GateEligible {
		res.Outcome = OutcomeSkipped
		log.Debug().Str("rule_id", rule.ID).Str("gate", string(gate)).Msg("规则跳过")
		return res
	}

	release, ok, err := e.guard.TryAcquire(ctx, rule.ID)
	if err != nil {
		res.Outcome = OutcomeError
		res.Err = err
		return res
	}
	if !ok {
		res.Outcome = OutcomeInFlight
		log.Debug().Str("rule_id", rule.ID).Msg("规则上一次评估尚未结束")
		return res
	}
	defer release()

	value, entries, err := e.measure(ctx, rule, now)
	res.Value = value
	res.Matched = len(entries)
	res.Truncated = len(entries) >= e.cfg.MaxEntries
	if err != nil {
		res.Outcome = OutcomeError
		res.Err = err
		return res
	}

	if !Compare(value, rule.Conditions.Threshold, rule.Conditions.Operator) {
		res.Outcome = OutcomeNoMatch
		return res
	}

	alert, err := e.raise(ctx, rule, value, entries, now)
	if err != nil {
		res.Outcome = OutcomeError
		res.Err = err
		return res
	}
	res.Outcome = OutcomeTriggered
	res.Alert = alert
	return res
}

// measure 查询并聚合
func (e *Engine) measure(ctx context.Context, rule *AlertRule, now time.Time) (float64, []model.LogEntry, error) {
	if err := validateConditions(rule.Conditions); err != nil {
		return 0, nil, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancel()

	from := now.Add(-rule.Conditions.Window())
	entries, err := e.source.Search(queryCtx, rule.Query, from, now, e.cfg.MaxEntries)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, nil, NewTimeoutError(ErrCodeQueryTimeout, "日志查询超时", err).
				WithDetails(e.cfg.QueryTimeout.String()).
				WithContext("rule_id", rule.ID)
		}
		return 0, nil, NewQueryError(ErrCodeQueryFailed, "日志查询失败", err).WithContext("rule_id", rule.ID)
	}

	if len(entries) >= e.cfg.MaxEntries {
		log.Warn().
			Str("rule_id", rule.ID).
			Str("aggregation", string(rule.Conditions.Aggregation)).
			Int("max_entries", e.cfg.MaxEntries).
			Msg("日志条数达到上限，聚合结果基于截断的数据")
	}

	value, err := Aggregate(entries, rule.Conditions.Aggregation, rule.Conditions.TimeWindowMinutes)
	if err != nil {
		return 0, entries, err
	}
	return value, entries, nil
}

// raise 创建告警、更新规则簿记，然后异步发送通知
func (e *Engine) raise(ctx context.Context, rule *AlertRule, value float64, entries []model.LogEntry, now time.Time) (*model.Alert, error) {
	sample := entries
	if len(sample) > e.cfg.SampleSize {
		sample = sample[len(sample)-e.cfg.SampleSize:]
	}

	alert := &model.Alert{
		ID:           uuid.New().String(),
		RuleID:       rule.ID,
		RuleName:     rule.Name,
		Severity:     rule.Severity,
		Message:      RenderMessage(rule, value),
		Query:        rule.Query,
		MatchingLogs: append([]model.LogEntry(nil), sample...),
		Value:        value,
		Threshold:    rule.Conditions.Threshold,
		TriggeredAt:  now,
	}

	created, err := e.alerts.Create(ctx, alert)
	if err != nil {
		return nil, NewSystemError(ErrCodeAlertCreate, "创建告警失败", err).WithContext("rule_id", rule.ID)
	}

	if err := e.store.RecordTrigger(rule.ID, now); err != nil {
		log.Warn().Err(err).Str("rule_id", rule.ID).Msg("更新规则触发记录失败")
	}
	e.triggered.Add(1)

	log.Info().
		Str("rule_id", rule.ID).
		Str("alert_id", created.ID).
		Str("severity", string(rule.Severity)).
		Float64("value", value).
		Float64("threshold", rule.Conditions.Threshold).
		Msg("规则触发告警")

	if e.dispatcher != nil && len(rule.Notifications.Channels) > 0 {
		e.dispatch(created, rule.Notifications)
	}
	return created, nil
}

// dispatch 通知发送不阻塞评估，Stop时等待完成
func (e *Engine) dispatch(alert *model.Alert, cfg model.NotificationConfig) {
	e.dispatchWG.Add(1)
	go func() {
		defer e.dispatchWG.Done()

		ctx := context.Background()
		e.dispatcher.Dispatch(ctx, alert.Clone(), cfg, func(attempt model.NotificationAttempt) {
			if err := e.alerts.RecordNotification(ctx, alert.ID, attempt); err != nil {
				log.Error().Err(err).Str("alert_id", alert.ID).Str("channel", string(attempt.Channel)).Msg("记录通知结果失败")
			}
		})
	}()
}

// WaitDispatches 等待所有已发出的通知完成
func (e *Engine) WaitDispatches() {
	e.dispatchWG.Wait()
}

// TestResult 规则试运行结果
type TestResult struct {
	Gate       GateState        `json:"gate"`
	Value      float64          `json:"value"`
	Threshold  float64          `json:"threshold"`
	Matched    bool             `json:"matched"`
	EntryCount int              `json:"entry_count"`
	Message    string           `json:"message"`
	Sample     []model.LogEntry `json:"sample,omitempty"`
}

// Test 试运行规则：查询、聚合、比较，但不创建告警也不修改规则
func (e *Engine) Test(ctx context.Context, rule *AlertRule, now time.Time) (*TestResult, error) {
	gate, err := Gate(rule, now)
	if err != nil {
		return nil, err
	}

	value, entries, err := e.measure(ctx, rule, now)
	if err != nil {
		return nil, err
	}

	sample := entries
	if len(sample) > e.cfg.SampleSize {
		sample = sample[len(sample)-e.cfg.SampleSize:]
	}

	return &TestResult{
		Gate:       gate,
		Value:      value,
		Threshold:  rule.Conditions.Threshold,
		Matched:    Compare(value, rule.Conditions.Threshold, rule.Conditions.Operator),
		EntryCount: len(entries),
		Message:    RenderMessage(rule, value),
		Sample:     sample,
	}, nil
}

// Stats 引擎计数
func (e *Engine) Stats() map[string]interface{} {
	return map[string]interface{}{
		"running":   e.running.Load(),
		"ticks":     e.ticks.Load(),
		"triggered": e.triggered.Load(),
		"failures":  e.failures.Load(),
	}
}

// RenderMessage 告警描述，例如 "CPU告警: count 12 > 10 (最近5分钟)"
func RenderMessage(rule *AlertRule, value float64) string {
	op, ok := NormalizeOperator(rule.Conditions.Operator)
	if !ok {
		op = rule.Conditions.Operator
	}
	return fmt.Sprintf("%s: %s %s %s %s (最近%d分钟)",
		rule.Name,
		rule.Conditions.Aggregation,
		model.FormatValue(value),
		op,
		model.FormatValue(rule.Conditions.Threshold),
		rule.Conditions.TimeWindowMinutes,
	)
}
