// Package reports 定时报表：按cron为每个计划单独设置定时器，执行查询、生成文件并投递。
package reports

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/y001j/logwatch/internal/logsource"
	"github.com/y001j/logwatch/internal/model"
	"github.com/y001j/logwatch/internal/notify"
	"github.com/y001j/logwatch/internal/schedule"
	"github.com/y001j/logwatch/internal/storage"
)

var (
	// ErrInvalidTransition 执行状态只能按 pending→running→completed|failed 推进
	ErrInvalidTransition = errors.New("非法的执行状态转换")
	// ErrAlreadyRunning 同一计划已有执行在进行
	ErrAlreadyRunning = errors.New("报表计划正在执行")
	// ErrInvalid 报表定义或计划校验失败
	ErrInvalid = errors.New("报表配置无效")
	// ErrInUse 报表定义仍被计划引用
	ErrInUse = errors.New("报表定义仍被引用")
	// ErrDisabled 定时器触发时计划已停用
	ErrDisabled = errors.New("报表计划已停用")
)

// Config 报表调度配置
type Config struct {
	Enabled    bool          `mapstructure:"enabled"`
	OutputDir  string        `mapstructure:"output_dir"`
	MaxEntries int           `mapstructure:"max_entries"`
	RunTimeout time.Duration `mapstructure:"run_timeout"`
}

func (c *Config) applyDefaults() {
	if c.OutputDir == "" {
		c.OutputDir = "./data/reports"
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 50000
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 5 * time.Minute
	}
}

// Sender 报表投递，通常是 notify.Dispatcher
type Sender interface {
	Send(ctx context.Context, ch model.Channel, target notify.Target, msg notify.Message) error
}

// Scheduler 报表调度器，持有每个计划的定时器
type Scheduler struct {
	cfg    Config
	store  storage.ReportStore
	source logsource.Source
	sender Sender
	now    func() time.Time

	mu      sync.Mutex
	timers  map[string]*armedTimer
	running map[string]bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// armedTimer 一次定时。回调只处理仍登记在 timers 中的那一个。
type armedTimer struct {
	timer *time.Timer
	at    time.Time
}

// Option 调度器选项
type Option func(*Scheduler)

// WithClock 设置时钟，测试使用
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler 创建报表调度器
func NewScheduler(cfg Config, store storage.ReportStore, source logsource.Source, sender Sender, opts ...Option) *Scheduler {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:     cfg,
		store:   store,
		source:  source,
		sender:  sender,
		now:     time.Now,
		timers:  make(map[string]*armedTimer),
		running: make(map[string]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) Name() string { return "report-scheduler" }

func (s *Scheduler) Init(_ any) error {
	if s.store == nil || s.source == nil {
		return fmt.Errorf("报表调度器缺少必要依赖")
	}
	return os.MkdirAll(s.cfg.OutputDir, 0755)
}

// Start 加载全部计划，为启用的计划重新计算下次执行时间并设置定时器
func (s *Scheduler) Start(ctx context.Context) error {
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("加载报表计划失败: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	armed := 0
	for _, sched := range schedules {
		if !sched.Enabled {
			continue
		}
		next := schedule.Next(sched.Cron, now)
		sched.NextRun = &next
		if err := s.store.SaveSchedule(ctx, sched); err != nil {
			log.Error().Err(err).Str("schedule_id", sched.ID).Msg("保存报表计划失败")
			continue
		}
		s.armLocked(sched.ID, next)
		armed++
	}

	log.Info().Int("schedules", len(schedules)).Int("armed", armed).Str("output_dir", s.cfg.OutputDir).Msg("报表调度器已启动")
	return nil
}

// Stop 取消所有定时器，等待进行中的执行结束
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	for id, a := range s.timers {
		a.timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.cancel()
		log.Warn().Msg("等待报表执行超时，已取消")
	}
	s.cancel()

	log.Info().Msg("报表调度器已停止")
	return nil
}

// SaveDefinition 新建或更新报表定义
func (s *Scheduler) SaveDefinition(ctx context.Context, def *model.ReportDefinition) (*model.ReportDefinition, error) {
	d := def.Clone()
	if err := ValidateDefinition(d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	now := s.now()
	if d.ID == "" {
		d.ID = uuid.New().String()
		d.CreatedAt = now
	} else if old, err := s.store.GetDefinition(ctx, d.ID); err == nil {
		d.CreatedAt = old.CreatedAt
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	} else {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	if err := s.store.SaveDefinition(ctx, d); err != nil {
		return nil, fmt.Errorf("保存报表定义失败: %w", err)
	}
	return d, nil
}

// DeleteDefinition 删除报表定义，仍被计划引用时拒绝
func (s *Scheduler) DeleteDefinition(ctx context.Context, id string) error {
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		return err
	}
	for _, sched := range schedules {
		if sched.ReportID == id {
			return fmt.Errorf("%w: 计划 %s", ErrInUse, sched.ID)
		}
	}
	return s.store.DeleteDefinition(ctx, id)
}

// Definition 查询报表定义
func (s *Scheduler) Definition(ctx context.Context, id string) (*model.ReportDefinition, error) {
	return s.store.GetDefinition(ctx, id)
}

// Definitions 列出全部报表定义
func (s *Scheduler) Definitions(ctx context.Context) ([]*model.ReportDefinition, error) {
	return s.store.ListDefinitions(ctx)
}

// Schedule 查询报表计划
func (s *Scheduler) Schedule(ctx context.Context, id string) (*model.ReportSchedule, error) {
	return s.store.GetSchedule(ctx, id)
}

// Schedules 列出全部报表计划
func (s *Scheduler) Schedules(ctx context.Context) ([]*model.ReportSchedule, error) {
	return s.store.ListSchedules(ctx)
}

// Upsert 新建或更新计划。立即按cron计算下次执行时间，启用时重新设置定时器，停用时取消定时器。
func (s *Scheduler) Upsert(ctx context.Context, in *model.ReportSchedule) (*model.ReportSchedule, error) {
	sched := in.Clone()
	if err := s.validateSchedule(ctx, sched); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if sched.ID == "" {
		sched.ID = uuid.New().String()
		sched.CreatedAt = now
	} else if old, err := s.store.GetSchedule(ctx, sched.ID); err == nil {
		sched.CreatedAt = old.CreatedAt
		if sched.LastRun == nil {
			sched.LastRun = old.LastRun
		}
	} else if errors.Is(err, storage.ErrNotFound) {
		sched.CreatedAt = now
	} else {
		return nil, err
	}
	sched.UpdatedAt = now

	if sched.Enabled {
		next := schedule.Next(sched.Cron, now)
		sched.NextRun = &next
	} else {
		sched.NextRun = nil
	}

	if err := s.store.SaveSchedule(ctx, sched); err != nil {
		return nil, fmt.Errorf("保存报表计划失败: %w", err)
	}

	if sched.Enabled {
		s.armLocked(sched.ID, *sched.NextRun)
	} else {
		s.disarmLocked(sched.ID)
	}

	log.Info().
		Str("schedule_id", sched.ID).
		Str("cron", sched.Cron).
		Bool("enabled", sched.Enabled).
		Interface("next_run", sched.NextRun).
		Msg("报表计划已保存")
	return sched.Clone(), nil
}

func (s *Scheduler) validateSchedule(ctx context.Context, sched *model.ReportSchedule) error {
	if strings.TrimSpace(sched.Name) == "" {
		return fmt.Errorf("计划名称不能为空")
	}
	if sched.ReportID == "" {
		return fmt.Errorf("计划必须关联报表定义")
	}
	if _, err := s.store.GetDefinition(ctx, sched.ReportID); err != nil {
		return fmt.Errorf("报表定义 %s 不可用: %w", sched.ReportID, err)
	}
	if err := schedule.Validate(sched.Cron); err != nil {
		return err
	}
	if sched.Format == "" {
		sched.Format = model.FormatCSV
	}
	if !sched.Format.Valid() {
		return fmt.Errorf("不支持的报表格式: %s", sched.Format)
	}
	return nil
}

// Disable 停用计划，之后不会再被触发；进行中的执行可以完成但不会重新设置定时器
func (s *Scheduler) Disable(ctx context.Context, id string) (*model.ReportSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	s.disarmLocked(id)
	sched.Enabled = false
	sched.NextRun = nil
	sched.UpdatedAt = s.now()
	if err := s.store.SaveSchedule(ctx, sched); err != nil {
		return nil, err
	}
	log.Info().Str("schedule_id", id).Msg("报表计划已停用")
	return sched, nil
}

// Delete 删除计划，执行记录保留
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disarmLocked(id)
	if err := s.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	log.Info().Str("schedule_id", id).Msg("报表计划已删除")
	return nil
}

// RunNow 立即执行一次，完成后返回执行记录
func (s *Scheduler) RunNow(ctx context.Context, id string) (*model.ReportExecution, error) {
	if _, err := s.store.GetSchedule(ctx, id); err != nil {
		return nil, err
	}
	return s.run(ctx, id, s.now(), false)
}

// Executions 计划的执行历史
func (s *Scheduler) Executions(ctx context.Context, scheduleID string, limit int) ([]*model.ReportExecution, error) {
	return s.store.ListExecutions(ctx, scheduleID, limit)
}

// Armed 计划当前是否设置了定时器
func (s *Scheduler) Armed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[id]
	return ok
}

func (s *Scheduler) armLocked(id string, at time.Time) {
	if s.stopped {
		return
	}
	if old, ok := s.timers[id]; ok {
		old.timer.Stop()
	}
	delay := at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	a := &armedTimer{at: at}
	a.timer = time.AfterFunc(delay, func() { s.fire(id, a) })
	s.timers[id] = a
}

func (s *Scheduler) disarmLocked(id string) {
	if a, ok := s.timers[id]; ok {
		a.timer.Stop()
		delete(s.timers, id)
	}
}

// fire 定时器回调。回调可能在等锁期间被停用、删除或重新设置，
// 此时 timers 中已不是 a，直接返回。
func (s *Scheduler) fire(id string, a *armedTimer) {
	s.mu.Lock()
	if s.stopped || s.timers[id] != a {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	_, err := s.run(s.ctx, id, a.at, true)
	switch {
	case err == nil, errors.Is(err, ErrAlreadyRunning):
	case errors.Is(err, ErrDisabled):
		log.Debug().Str("schedule_id", id).Msg("报表计划已停用，忽略定时触发")
	default:
		log.Error().Err(err).Str("schedule_id", id).Msg("报表计划执行失败")
	}
}

// run 执行一次计划并推进下次执行时间。同一计划不会重入。
// fromTimer 为 true 时在锁内确认计划仍启用，手动执行不受此限制。
func (s *Scheduler) run(ctx context.Context, id string, scheduledAt time.Time, fromTimer bool) (*model.ReportExecution, error) {
	s.mu.Lock()
	if s.running[id] {
		s.mu.Unlock()
		log.Warn().Str("schedule_id", id).Msg("报表计划上一次执行尚未结束，跳过")
		return nil, ErrAlreadyRunning
	}
	// Disable/Upsert 在持锁时落库，这里同样持锁读取
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if fromTimer && !sched.Enabled {
		s.mu.Unlock()
		return nil, ErrDisabled
	}
	s.running[id] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
	}()

	exec := &model.ReportExecution{
		ID:          uuid.New().String(),
		ReportID:    sched.ReportID,
		ScheduleID:  sched.ID,
		ScheduledAt: scheduledAt,
		Status:      model.StatusPending,
		Recipients:  append([]string(nil), sched.Recipients...),
		Format:      sched.Format,
	}
	if err := s.store.SaveExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("保存执行记录失败: %w", err)
	}

	s.execute(ctx, sched, exec)
	s.advance(ctx, id)
	return exec.Clone(), nil
}

// execute 推进执行状态，任何一步失败都记录在执行记录里而不向上抛出
func (s *Scheduler) execute(ctx context.Context, sched *model.ReportSchedule, exec *model.ReportExecution) {
	if err := transition(exec, model.StatusRunning); err != nil {
		log.Error().Err(err).Str("execution_id", exec.ID).Msg("执行状态错误")
		return
	}
	started := s.now()
	exec.ExecutedAt = &started
	s.saveExecution(ctx, exec)

	result, err := s.produce(ctx, sched, exec, started)
	exec.Result = result
	if err != nil {
		exec.Result.Error = err.Error()
		_ = transition(exec, model.StatusFailed)
		log.Error().
			Err(err).
			Str("schedule_id", sched.ID).
			Str("execution_id", exec.ID).
			Msg("报表执行失败")
	} else {
		_ = transition(exec, model.StatusCompleted)
		log.Info().
			Str("schedule_id", sched.ID).
			Str("execution_id", exec.ID).
			Int("records", result.RecordCount).
			Str("file", result.FileRef).
			Dur("elapsed", s.now().Sub(started)).
			Msg("报表执行完成")
	}
	s.saveExecution(ctx, exec)
}

func (s *Scheduler) produce(ctx context.Context, sched *model.ReportSchedule, exec *model.ReportExecution, now time.Time) (result model.ReportResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("报表执行panic: %v", r)
		}
	}()

	def, err := s.store.GetDefinition(ctx, sched.ReportID)
	if err != nil {
		return result, fmt.Errorf("读取报表定义失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	query := BuildQuery(def)
	start, end := Window(def, now)
	entries, err := s.source.Search(ctx, query, start, end, s.cfg.MaxEntries)
	if err != nil {
		return result, fmt.Errorf("查询日志失败: %w", err)
	}
	entries = ApplyFilters(def, entries)
	result.RecordCount = len(entries)

	data, err := Render(sched.Format, def, query, start, end, entries)
	if err != nil {
		return result, err
	}

	path, err := s.writeFile(def, exec, data)
	if err != nil {
		return result, err
	}
	result.FileRef = path

	if err := s.deliver(ctx, def, sched, exec, path, result.RecordCount); err != nil {
		return result, err
	}
	return result, nil
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func (s *Scheduler) writeFile(def *model.ReportDefinition, exec *model.ReportExecution, data []byte) (string, error) {
	if err := os.MkdirAll(s.cfg.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("创建报表目录失败: %w", err)
	}
	name := strings.Trim(unsafeName.ReplaceAllString(def.Name, "_"), "_")
	if name == "" {
		name = "report"
	}
	file := fmt.Sprintf("%s_%s_%s.%s", name, exec.ScheduledAt.Format("20060102T150405"), exec.ID[:8], Extension(exec.Format))
	path := filepath.Join(s.cfg.OutputDir, file)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("写入报表文件失败: %w", err)
	}
	return path, nil
}

func (s *Scheduler) deliver(ctx context.Context, def *model.ReportDefinition, sched *model.ReportSchedule, exec *model.ReportExecution, path string, count int) error {
	if len(exec.Recipients) == 0 {
		return nil
	}
	if s.sender == nil {
		return fmt.Errorf("未配置报表投递渠道")
	}
	msg := notify.Message{
		Subject: fmt.Sprintf("[报表] %s", def.Name),
		Body: fmt.Sprintf("报表: %s\n计划: %s\n记录数: %d\n格式: %s\n文件: %s\n",
			def.Name, sched.Name, count, exec.Format, path),
	}
	if err := s.sender.Send(ctx, model.ChannelEmail, notify.Target{Recipients: exec.Recipients}, msg); err != nil {
		return fmt.Errorf("投递报表失败: %w", err)
	}
	return nil
}

// advance 无论成功失败都按当前时间计算下次执行。计划已停用或删除时不再设置定时器。
func (s *Scheduler) advance(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Error().Err(err).Str("schedule_id", id).Msg("读取报表计划失败")
		}
		return
	}

	now := s.now()
	sched.LastRun = &now
	if sched.Enabled {
		next := schedule.Next(sched.Cron, now)
		sched.NextRun = &next
	} else {
		sched.NextRun = nil
	}
	if err := s.store.SaveSchedule(ctx, sched); err != nil {
		log.Error().Err(err).Str("schedule_id", id).Msg("更新报表计划失败")
	}
	if sched.Enabled {
		s.armLocked(id, *sched.NextRun)
	}
}

func (s *Scheduler) saveExecution(ctx context.Context, exec *model.ReportExecution) {
	if err := s.store.SaveExecution(ctx, exec); err != nil {
		log.Error().Err(err).Str("execution_id", exec.ID).Msg("保存执行记录失败")
	}
}

func transition(exec *model.ReportExecution, to model.ExecutionStatus) error {
	if !exec.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, exec.Status, to)
	}
	exec.Status = to
	return nil
}
