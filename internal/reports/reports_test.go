package reports

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/y001j/logwatch/internal/logsource"
	"github.com/y001j/logwatch/internal/model"
	"github.com/y001j/logwatch/internal/notify"
	"github.com/y001j/logwatch/internal/storage"
)

var now = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

type captureSender struct {
	mu   sync.Mutex
	sent []notify.Target
	err  error
}

func (c *captureSender) Send(_ context.Context, ch model.Channel, target notify.Target, _ notify.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, target)
	return c.err
}

// blockingSource 在 release 关闭前阻塞查询
type blockingSource struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingSource) Name() string { return "blocking" }

func (b *blockingSource) Search(ctx context.Context, _ string, _, _ time.Time, _ int) ([]model.LogEntry, error) {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func sampleEntries() []model.LogEntry {
	return []model.LogEntry{
		{Timestamp: now.Add(-2 * time.Hour), Level: "error", Source: "api", Message: "db timeout", Metadata: map[string]interface{}{"service": "billing"}},
		{Timestamp: now.Add(-time.Hour), Level: "error", Source: "api", Message: "db refused", Metadata: map[string]interface{}{"service": "auth"}},
		{Timestamp: now.Add(-30 * time.Minute), Level: "info", Source: "web", Message: "ok"},
	}
}

func newTestScheduler(t *testing.T, src logsource.Source, sender Sender) (*Scheduler, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	s := NewScheduler(Config{OutputDir: t.TempDir()}, store, src, sender, WithClock(func() time.Time { return now }))
	require.NoError(t, s.Init(nil))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s, store
}

func createSchedule(t *testing.T, s *Scheduler, sched model.ReportSchedule) *model.ReportSchedule {
	t.Helper()
	def, err := s.SaveDefinition(context.Background(), &model.ReportDefinition{
		Name:    "daily errors",
		Query:   "db",
		Fields:  []string{"timestamp", "level", "message", "service"},
		Filters: []model.ReportFilter{{Field: "level", Operator: "eq", Value: "error"}},
	})
	require.NoError(t, err)
	sched.ReportID = def.ID
	if sched.Name == "" {
		sched.Name = "morning"
	}
	out, err := s.Upsert(context.Background(), &sched)
	require.NoError(t, err)
	return out
}

func TestUpsertComputesNextRunAndArms(t *testing.T) {
	s, _ := newTestScheduler(t, logsource.NewMemorySource(), nil)

	sched := createSchedule(t, s, model.ReportSchedule{Enabled: true, Cron: "0 9 * * *"})
	require.NotNil(t, sched.NextRun)
	assert.Equal(t, time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC), *sched.NextRun)
	assert.Equal(t, model.FormatCSV, sched.Format)
	assert.True(t, s.Armed(sched.ID))

	sched.Enabled = false
	updated, err := s.Upsert(context.Background(), sched)
	require.NoError(t, err)
	assert.Nil(t, updated.NextRun)
	assert.False(t, s.Armed(sched.ID))
	assert.Equal(t, sched.CreatedAt, updated.CreatedAt)
}

func TestUpsertValidation(t *testing.T) {
	s, _ := newTestScheduler(t, logsource.NewMemorySource(), nil)
	ctx := context.Background()

	_, err := s.Upsert(ctx, &model.ReportSchedule{Name: "x", ReportID: "missing", Cron: "0 9 * * *"})
	assert.Error(t, err)

	def, err := s.SaveDefinition(ctx, &model.ReportDefinition{Name: "r"})
	require.NoError(t, err)
	_, err = s.Upsert(ctx, &model.ReportSchedule{Name: "x", ReportID: def.ID, Cron: "whenever"})
	assert.Error(t, err)
	_, err = s.Upsert(ctx, &model.ReportSchedule{Name: "x", ReportID: def.ID, Cron: "0 9 * * *", Format: "pdf"})
	assert.Error(t, err)

	_, err = s.SaveDefinition(ctx, &model.ReportDefinition{Name: "r", Filters: []model.ReportFilter{{Field: "a", Operator: "between"}}})
	assert.Error(t, err)
	_, err = s.SaveDefinition(ctx, &model.ReportDefinition{Name: "r", Filters: []model.ReportFilter{{Field: "a", Operator: "regex", Value: "("}}})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestRunNowCompletes(t *testing.T) {
	sender := &captureSender{}
	s, store := newTestScheduler(t, logsource.NewMemorySource(sampleEntries()...), sender)
	sched := createSchedule(t, s, model.ReportSchedule{Enabled: true, Cron: "0 9 * * 1", Recipients: []string{"ops@example.com"}})

	exec, err := s.RunNow(context.Background(), sched.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, exec.Status)
	assert.Equal(t, 2, exec.Result.RecordCount)
	assert.Empty(t, exec.Result.Error)
	require.NotNil(t, exec.ExecutedAt)

	data, err := os.ReadFile(exec.Result.FileRef)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "timestamp,level,source,message,fields", lines[0])
	assert.Contains(t, string(data), "service=billing")

	require.Len(t, sender.sent, 1)
	assert.Equal(t, []string{"ops@example.com"}, sender.sent[0].Recipients)

	stored, err := store.GetSchedule(context.Background(), sched.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastRun)
	assert.Equal(t, now, *stored.LastRun)
	assert.Equal(t, time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC), *stored.NextRun)

	history, err := s.Executions(context.Background(), sched.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.StatusCompleted, history[0].Status)
}

func TestFailedRunStillAdvances(t *testing.T) {
	src := logsource.NewMemorySource()
	src.SetError(errors.New("es down"))
	s, store := newTestScheduler(t, src, nil)
	sched := createSchedule(t, s, model.ReportSchedule{Enabled: true, Cron: "0 9 * * *"})

	exec, err := s.RunNow(context.Background(), sched.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, exec.Status)
	assert.Contains(t, exec.Result.Error, "es down")

	stored, err := store.GetSchedule(context.Background(), sched.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC), *stored.NextRun)
	assert.True(t, s.Armed(sched.ID))
}

func TestDeliveryFailureMarksExecutionFailed(t *testing.T) {
	sender := &captureSender{err: errors.New("smtp refused")}
	s, _ := newTestScheduler(t, logsource.NewMemorySource(sampleEntries()...), sender)
	sched := createSchedule(t, s, model.ReportSchedule{Enabled: true, Cron: "0 9 * * *", Recipients: []string{"a@b.c"}})

	exec, err := s.RunNow(context.Background(), sched.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, exec.Status)
	assert.Contains(t, exec.Result.Error, "smtp refused")
	assert.NotEmpty(t, exec.Result.FileRef)
}

func TestDisableDuringRunDoesNotRearm(t *testing.T) {
	src := &blockingSource{started: make(chan struct{}), release: make(chan struct{})}
	s, store := newTestScheduler(t, src, nil)
	sched := createSchedule(t, s, model.ReportSchedule{Enabled: true, Cron: "0 9 * * *"})

	done := make(chan *model.ReportExecution)
	go func() {
		exec, _ := s.RunNow(context.Background(), sched.ID)
		done <- exec
	}()
	<-src.started

	// 同一计划不重入
	_, err := s.RunNow(context.Background(), sched.ID)
	assert.True(t, errors.Is(err, ErrAlreadyRunning))

	_, err = s.Disable(context.Background(), sched.ID)
	require.NoError(t, err)
	close(src.release)

	exec := <-done
	require.NotNil(t, exec)
	assert.Equal(t, model.StatusCompleted, exec.Status)
	assert.False(t, s.Armed(sched.ID))

	stored, err := store.GetSchedule(context.Background(), sched.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.NextRun)
	assert.NotNil(t, stored.LastRun)
}

func TestTimerFiresExecution(t *testing.T) {
	s, _ := newTestScheduler(t, logsource.NewMemorySource(sampleEntries()...), nil)
	sched := createSchedule(t, s, model.ReportSchedule{Enabled: true, Cron: "0 9 * * *"})

	s.mu.Lock()
	s.armLocked(sched.ID, now)
	s.mu.Unlock()

	require.Eventually(t, func() bool {
		history, err := s.Executions(context.Background(), sched.ID, 10)
		return err == nil && len(history) == 1 && history[0].Status.Terminal() && s.Armed(sched.ID)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisabledScheduleIgnoresPendingTimer(t *testing.T) {
	s, _ := newTestScheduler(t, logsource.NewMemorySource(sampleEntries()...), nil)
	sched := createSchedule(t, s, model.ReportSchedule{Enabled: true, Cron: "0 9 * * *"})
	ctx := context.Background()

	// 回调已开始等锁时计划被停用
	s.mu.Lock()
	pending := s.timers[sched.ID]
	require.NotNil(t, pending)
	pending.timer.Stop()
	s.mu.Unlock()
	_, err := s.Disable(ctx, sched.ID)
	require.NoError(t, err)

	s.fire(sched.ID, pending)
	history, err := s.Executions(ctx, sched.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.False(t, s.Armed(sched.ID))

	// 定时器仍登记但计划已停用
	_, err = s.run(ctx, sched.ID, now, true)
	assert.ErrorIs(t, err, ErrDisabled)
	history, err = s.Executions(ctx, sched.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, history)

	// 手动执行不受影响
	exec, err := s.RunNow(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, exec.Status)
}

func TestStaleTimerKeepsNewerTimer(t *testing.T) {
	s, _ := newTestScheduler(t, logsource.NewMemorySource(), nil)
	sched := createSchedule(t, s, model.ReportSchedule{Enabled: true, Cron: "0 9 * * *"})
	ctx := context.Background()

	s.mu.Lock()
	stale := s.timers[sched.ID]
	stale.timer.Stop()
	s.mu.Unlock()

	// 重新保存会替换定时器
	_, err := s.Upsert(ctx, sched)
	require.NoError(t, err)

	s.fire(sched.ID, stale)
	assert.True(t, s.Armed(sched.ID))
	history, err := s.Executions(ctx, sched.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestStopPreventsArming(t *testing.T) {
	s, _ := newTestScheduler(t, logsource.NewMemorySource(), nil)
	sched := createSchedule(t, s, model.ReportSchedule{Enabled: true, Cron: "0 9 * * *"})
	require.True(t, s.Armed(sched.ID))

	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.Armed(sched.ID))
}

func TestDeleteDefinitionInUse(t *testing.T) {
	s, _ := newTestScheduler(t, logsource.NewMemorySource(), nil)
	sched := createSchedule(t, s, model.ReportSchedule{Cron: "0 9 1 * *"})

	assert.Error(t, s.DeleteDefinition(context.Background(), sched.ReportID))
	require.NoError(t, s.Delete(context.Background(), sched.ID))
	assert.NoError(t, s.DeleteDefinition(context.Background(), sched.ReportID))
}

func TestBuildQueryAndFilters(t *testing.T) {
	def := &model.ReportDefinition{
		Query: "db",
		Filters: []model.ReportFilter{
			{Field: "level", Operator: "eq", Value: "error"},
			{Field: "service", Operator: "ne", Value: "auth"},
			{Field: "message", Operator: "contains", Value: "TIME"},
		},
	}
	assert.Equal(t, "db level:error", BuildQuery(def))
	assert.Equal(t, "*", BuildQuery(&model.ReportDefinition{}))

	// 显式 OR 加括号后再与过滤条件组合
	orDef := &model.ReportDefinition{
		Query:   "db OR cache",
		Filters: []model.ReportFilter{{Field: "level", Operator: "eq", Value: "error"}},
	}
	assert.Equal(t, "(db OR cache) level:error", BuildQuery(orDef))
	// 含保留字符或空白的值只在本地过滤
	special := &model.ReportDefinition{Filters: []model.ReportFilter{
		{Field: "url", Operator: "eq", Value: "/api/v1:pay"},
		{Field: "host", Operator: "eq", Value: "web 01"},
	}}
	assert.Equal(t, "*", BuildQuery(special))

	got := ApplyFilters(def, sampleEntries())
	require.Len(t, got, 1)
	assert.Equal(t, "db timeout", got[0].Message)

	start, end := Window(&model.ReportDefinition{}, now)
	assert.Equal(t, now.Add(-24*time.Hour), start)
	assert.Equal(t, now, end)
}

func TestRegexFilter(t *testing.T) {
	def := &model.ReportDefinition{Filters: []model.ReportFilter{{Field: "message", Operator: "=~", Value: "^db (timeout|refused)$"}}}
	require.NoError(t, ValidateDefinition(def))
	assert.Equal(t, "*", BuildQuery(def))
	assert.Len(t, ApplyFilters(def, sampleEntries()), 2)

	cache := NewRegexCache(2)
	for _, p := range []string{"a", "b", "a", "c"} {
		_, err := cache.Compile(p)
		require.NoError(t, err)
	}
	size, hitRate := cache.Stats()
	assert.Equal(t, 2, size)
	assert.InDelta(t, 0.25, hitRate, 1e-9)
}

func TestRenderJSONAndYAML(t *testing.T) {
	def := &model.ReportDefinition{Name: "r", Fields: []string{"level", "service"}}
	entries := sampleEntries()[:1]

	data, err := Render(model.FormatJSON, def, "q", now.Add(-time.Hour), now, entries)
	require.NoError(t, err)
	var doc document
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, 1, doc.RecordCount)
	assert.Equal(t, "billing", doc.Records[0]["service"])

	data, err = Render(model.FormatYAML, def, "q", now.Add(-time.Hour), now, entries)
	require.NoError(t, err)
	var ydoc map[string]interface{}
	require.NoError(t, yaml.Unmarshal(data, &ydoc))
	assert.Equal(t, "r", ydoc["report"])

	_, err = Render("pdf", def, "q", now, now, entries)
	assert.Error(t, err)
}
