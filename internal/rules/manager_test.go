package rules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/y001j/logwatch/internal/model"
)

func TestManagerCRUDPersists(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	require.NoError(t, m.LoadRules())

	created, err := m.Create(sampleRule(""))
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, 1, created.Version)
	assert.FileExists(t, filepath.Join(dir, created.ID+".json"))

	name := "renamed"
	updated, err := m.Update(created.ID, RulePatch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, 2, updated.Version)

	reloaded := NewManager(dir)
	require.NoError(t, reloaded.LoadRules())
	got, err := reloaded.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)

	require.NoError(t, m.Delete(created.ID))
	assert.NoFileExists(t, filepath.Join(dir, created.ID+".json"))
	_, err = m.Get(created.ID)
	assert.ErrorIs(t, err, ErrRuleNotFound)
	assert.ErrorIs(t, m.Delete(created.ID), ErrRuleNotFound)
}

func TestManagerRejectsInvalidAndDuplicate(t *testing.T) {
	m := NewManager("")

	bad := sampleRule("bad")
	bad.Conditions.TimeWindowMinutes = 0
	_, err := m.Create(bad)
	assert.Error(t, err)

	_, err = m.Create(sampleRule("dup"))
	require.NoError(t, err)
	_, err = m.Create(sampleRule("dup"))
	assert.Error(t, err)

	invalid := "~"
	op := Operator(invalid)
	_, err = m.Update("dup", RulePatch{Conditions: &Conditions{Threshold: 1, TimeWindowMinutes: 5, Operator: op, Aggregation: AggCount}})
	assert.Error(t, err)
	got, _ := m.Get("dup")
	assert.Equal(t, OpGreater, got.Conditions.Operator)
}

func TestManagerUpdateKeepsBookkeeping(t *testing.T) {
	m := NewManager("")
	_, err := m.Create(sampleRule("r"))
	require.NoError(t, err)

	at := monday10
	require.NoError(t, m.RecordTrigger("r", at))

	enabled := false
	updated, err := m.Update("r", RulePatch{Enabled: &enabled})
	require.NoError(t, err)
	require.NotNil(t, updated.LastTriggeredAt)
	assert.Equal(t, at, *updated.LastTriggeredAt)
	assert.EqualValues(t, 1, updated.TriggerCount)
	assert.False(t, updated.Enabled)

	require.NoError(t, m.RecordTrigger("r", at.Add(time.Hour)))
	got, _ := m.Get("r")
	assert.False(t, got.Enabled)
	assert.EqualValues(t, 2, got.TriggerCount)

	assert.ErrorIs(t, m.RecordTrigger("missing", at), ErrRuleNotFound)
}

func TestManagerReturnsSnapshots(t *testing.T) {
	m := NewManager("")
	_, err := m.Create(sampleRule("snap"))
	require.NoError(t, err)

	r, _ := m.Get("snap")
	r.Name = "mutated"
	r.Notifications.Recipients[0] = "evil@example.com"

	fresh, _ := m.Get("snap")
	assert.Equal(t, "errors snap", fresh.Name)
	assert.Equal(t, "ops@example.com", fresh.Notifications.Recipients[0])
}

func TestLoadRuleFileFormats(t *testing.T) {
	dir := t.TempDir()

	single := `{"id":"single","name":"single","enabled":true,"query":"level:error",
		"conditions":{"threshold":1,"time_window_minutes":5,"operator":"gte","aggregation":"count"},
		"severity":"low","notifications":{"channels":[],"cooldown_minutes":0}}`
	array := `[{"id":"a1","name":"a1","query":"x","conditions":{"threshold":1,"time_window_minutes":1,"operator":">","aggregation":"sum"},"severity":"medium"},
		{"id":"a2","name":"a2","query":"x","conditions":{"threshold":1,"time_window_minutes":0,"operator":">","aggregation":"sum"},"severity":"medium"}]`
	wrapped := `{"rules":[{"id":"w1","name":"w1","query":"x","conditions":{"threshold":1,"time_window_minutes":1,"operator":"<","aggregation":"avg"},"severity":"critical"}]}`
	yamlRules := `rules:
  - id: y1
    name: yaml rule
    enabled: true
    query: "level:warn"
    conditions:
      threshold: 3
      time_window_minutes: 10
      operator: ">="
      aggregation: rate
    severity: high
    notifications:
      channels: [chat]
      chat_target: "#ops"
      cooldown_minutes: 5
    active_window:
      enabled: true
      start_time: "22:00"
      end_time: "06:00"
      days_of_week: [1, 2, 3, 4, 5]
`
	files := map[string]string{
		"single.json":  single,
		"array.json":   array,
		"wrapped.json": wrapped,
		"rules.yaml":   yamlRules,
		"notes.txt":    "ignored",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}

	m := NewManager(dir)
	require.NoError(t, m.LoadRules())

	ids := []string{}
	for _, r := range m.List() {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{"single", "a1", "w1", "y1"}, ids)

	s, _ := m.Get("single")
	assert.Equal(t, OpGreaterEqual, s.Conditions.Operator)

	y, _ := m.Get("y1")
	require.NotNil(t, y.ActiveWindow)
	assert.True(t, y.ActiveWindow.Overnight())
	assert.Equal(t, []model.Channel{model.ChannelChat}, y.Notifications.Channels)
	assert.Equal(t, 5, y.Notifications.CooldownMinutes)

	stats := m.GetStats()
	assert.Equal(t, 4, stats["total_rules"])
	assert.Equal(t, 2, stats["enabled_rules"])
}

func TestManagerWatchPicksUpExternalFiles(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	require.NoError(t, m.LoadRules())
	changes, err := m.WatchChanges()
	require.NoError(t, err)
	defer m.Close()

	content := `{"id":"ext","name":"external","enabled":true,"query":"q",
		"conditions":{"threshold":1,"time_window_minutes":5,"operator":">","aggregation":"count"},"severity":"low"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ext.json"), []byte(content), 0644))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-changes:
			if ev.Rule != nil && ev.Rule.ID == "ext" {
				_, err := m.Get("ext")
				require.NoError(t, err)
				return
			}
		case <-ctx.Done():
			t.Fatal("未收到规则变更事件")
		}
	}
}

func TestExampleRulesLoad(t *testing.T) {
	m := NewManager(filepath.Join("..", "..", "rules"))
	require.NoError(t, m.LoadRules())

	burst, err := m.Get("api-error-burst")
	require.NoError(t, err)
	assert.Equal(t, AggCount, burst.Conditions.Aggregation)
	assert.Equal(t, "#ops-alerts", burst.Notifications.ChatTarget)

	latency, err := m.Get("payment-latency")
	require.NoError(t, err)
	require.NotNil(t, latency.ActiveWindow)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, latency.ActiveWindow.DaysOfWeek)
}

func TestSharedRuleFileKeepsSingleDefinition(t *testing.T) {
	dir := t.TempDir()
	data, err := os.ReadFile(filepath.Join("..", "..", "rules", "examples.yaml"))
	require.NoError(t, err)
	shared := filepath.Join(dir, "examples.yaml")
	require.NoError(t, os.WriteFile(shared, data, 0644))

	m := NewManager(dir)
	require.NoError(t, m.LoadRules())

	cond := Conditions{Threshold: 999, TimeWindowMinutes: 5, Operator: OpGreater, Aggregation: AggCount}
	_, err = m.Update("api-error-burst", RulePatch{Conditions: &cond})
	require.NoError(t, err)
	require.NoError(t, m.RecordTrigger("api-error-burst", monday10))
	require.NoError(t, m.Delete("payment-latency"))

	// 不产生按ID命名的副本
	assert.NoFileExists(t, filepath.Join(dir, "api-error-burst.json"))
	assert.NoFileExists(t, filepath.Join(dir, "payment-latency.json"))

	reloaded := NewManager(dir)
	require.NoError(t, reloaded.LoadRules())
	burst, err := reloaded.Get("api-error-burst")
	require.NoError(t, err)
	assert.Equal(t, 999.0, burst.Conditions.Threshold)
	require.NotNil(t, burst.LastTriggeredAt)
	assert.True(t, monday10.Equal(*burst.LastTriggeredAt))
	assert.EqualValues(t, 1, burst.TriggerCount)
	assert.Equal(t, "#ops-alerts", burst.Notifications.ChatTarget)
	_, err = reloaded.Get("payment-latency")
	assert.ErrorIs(t, err, ErrRuleNotFound)

	// 删除文件中最后一条规则时文件一并删除
	require.NoError(t, reloaded.Delete("api-error-burst"))
	assert.NoFileExists(t, shared)
}

func TestChangeEventsOnlyWhileWatched(t *testing.T) {
	m := NewManager("")
	for i := 0; i < 150; i++ {
		_, err := m.Create(sampleRule(fmt.Sprintf("r%d", i)))
		require.NoError(t, err)
	}

	changes, err := m.WatchChanges()
	require.NoError(t, err)
	_, err = m.Create(sampleRule("watched"))
	require.NoError(t, err)

	ev := <-changes
	assert.Equal(t, "create", ev.Type)
	assert.Equal(t, "watched", ev.Rule.ID)

	require.NoError(t, m.Close())
	_, open := <-changes
	assert.False(t, open)
	require.NoError(t, m.Close())

	// 关闭后的修改不再投递
	_, err = m.Create(sampleRule("after-close"))
	require.NoError(t, err)
}

func TestLoadRuleFileReadError(t *testing.T) {
	_, err := loadRuleFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	var ruleErr *RuleError
	require.ErrorAs(t, err, &ruleErr)
	assert.Equal(t, ErrCodeRuleLoad, ruleErr.Code)
	assert.Equal(t, ErrorTypeRule, GetErrorType(err))
}
