package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/y001j/logwatch/internal/alerts"
	"github.com/y001j/logwatch/internal/logsource"
	"github.com/y001j/logwatch/internal/model"
	"github.com/y001j/logwatch/internal/notify"
	"github.com/y001j/logwatch/internal/reports"
	"github.com/y001j/logwatch/internal/rules"
	"github.com/y001j/logwatch/internal/storage"
)

type recordingNotifier struct {
	mu       sync.Mutex
	messages []notify.Message
}

func (n *recordingNotifier) Channel() model.Channel { return model.ChannelWebhook }

func (n *recordingNotifier) Deliver(_ context.Context, target notify.Target, msg notify.Message) error {
	if target.URL == "" {
		return notify.ErrMissingTarget
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
	return nil
}

type testEnv struct {
	router   *gin.Engine
	rules    *rules.Manager
	alerts   *alerts.Manager
	reports  *reports.Scheduler
	source   *logsource.MemorySource
	notifier *recordingNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := storage.NewMemoryStore()
	source := logsource.NewMemorySource()
	notifier := &recordingNotifier{}
	dispatcher := notify.NewDispatcher(notify.DispatchConfig{}, notifier)

	ruleMgr := rules.NewManager("")
	alertMgr := alerts.NewManager(store, nil)
	engine := rules.NewEngine(rules.EngineConfig{SampleSize: 2}, ruleMgr, source, alertMgr, dispatcher)
	require.NoError(t, engine.Init(nil))

	sched := reports.NewScheduler(reports.Config{OutputDir: t.TempDir()}, store, source, dispatcher)
	require.NoError(t, sched.Init(nil))
	t.Cleanup(func() { _ = sched.Stop(context.Background()) })

	router := NewRouter(&Services{
		Rules:         ruleMgr,
		Tester:        engine,
		Alerts:        alertMgr,
		Reports:       sched,
		Notifications: dispatcher,
		Health:        func() map[string]interface{} { return map[string]interface{}{"log_source": "memory"} },
	})

	return &testEnv{
		router:   router,
		rules:    ruleMgr,
		alerts:   alertMgr,
		reports:  sched,
		source:   source,
		notifier: notifier,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	var resp struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NoError(t, json.Unmarshal(resp.Data, out))
}

func errorRule() map[string]interface{} {
	return map[string]interface{}{
		"name":     "errors",
		"query":    "level:error",
		"enabled":  true,
		"severity": "high",
		"conditions": map[string]interface{}{
			"threshold":           2,
			"time_window_minutes": 10,
			"operator":            ">=",
			"aggregation":         "count",
		},
	}
}

func TestRuleCRUD(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/rules", errorRule())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created rules.AlertRule
	decodeData(t, w, &created)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, 1, created.Version)

	w = env.do(t, http.MethodPut, "/api/v1/rules/"+created.ID, map[string]interface{}{"name": "renamed"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var updated rules.AlertRule
	decodeData(t, w, &updated)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, "level:error", updated.Query)
	assert.Equal(t, 2, updated.Version)

	w = env.do(t, http.MethodPost, "/api/v1/rules/"+created.ID+"/disable", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got, err := env.rules.Get(created.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	w = env.do(t, http.MethodGet, "/api/v1/rules?enabled=false", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Total int `json:"total"`
	}
	decodeData(t, w, &page)
	assert.Equal(t, 1, page.Total)

	w = env.do(t, http.MethodDelete, "/api/v1/rules/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/rules/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateRuleValidation(t *testing.T) {
	env := newTestEnv(t)

	rule := errorRule()
	rule["conditions"].(map[string]interface{})["operator"] = "~="
	w := env.do(t, http.MethodPost, "/api/v1/rules", rule)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/rules", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDryRunDoesNotCreateAlerts(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now()
	for i := 0; i < 3; i++ {
		env.source.Add(model.LogEntry{Level: "error", Message: "boom", Timestamp: now.Add(-time.Duration(i+1) * time.Minute)})
	}

	w := env.do(t, http.MethodPost, "/api/v1/rules/test", errorRule())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var result rules.TestResult
	decodeData(t, w, &result)
	assert.True(t, result.Matched)
	assert.Equal(t, 3.0, result.Value)
	assert.Len(t, result.Sample, 2)

	_, total, err := env.alerts.List(context.Background(), model.AlertFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestAlertLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, err := env.alerts.Create(ctx, &model.Alert{RuleID: "r1", RuleName: "errors", Severity: model.SeverityHigh})
	require.NoError(t, err)

	w := env.do(t, http.MethodGet, "/api/v1/alerts/unacknowledged", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var pending []*model.Alert
	decodeData(t, w, &pending)
	assert.Len(t, pending, 1)

	w = env.do(t, http.MethodPost, "/api/v1/alerts/"+a.ID+"/acknowledge", AcknowledgeRequest{Actor: "alice"})
	require.Equal(t, http.StatusOK, w.Code)
	var acked model.Alert
	decodeData(t, w, &acked)
	assert.True(t, acked.Acknowledged)
	assert.Equal(t, "alice", acked.AcknowledgedBy)

	// 再次确认保留首次确认人
	w = env.do(t, http.MethodPost, "/api/v1/alerts/"+a.ID+"/acknowledge", AcknowledgeRequest{Actor: "bob"})
	require.Equal(t, http.StatusOK, w.Code)
	decodeData(t, w, &acked)
	assert.Equal(t, "alice", acked.AcknowledgedBy)

	w = env.do(t, http.MethodPost, "/api/v1/alerts/"+a.ID+"/resolve", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/alerts/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats model.AlertStats
	decodeData(t, w, &stats)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 1, stats.Resolved)

	w = env.do(t, http.MethodGet, "/api/v1/alerts?resolved=true&rule_id=r1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listed struct {
		Alerts []*model.Alert `json:"alerts"`
		Total  int            `json:"total"`
	}
	decodeData(t, w, &listed)
	assert.Equal(t, 1, listed.Total)

	w = env.do(t, http.MethodPost, "/api/v1/alerts/missing/resolve", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReportScheduleEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/reports", model.ReportDefinition{Name: "daily errors", Query: "level:error"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var def model.ReportDefinition
	decodeData(t, w, &def)

	w = env.do(t, http.MethodPost, "/api/v1/report-schedules", model.ReportSchedule{
		ReportID: def.ID,
		Name:     "morning",
		Enabled:  true,
		Cron:     "0 9 * * *",
		Format:   model.FormatCSV,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var sched model.ReportSchedule
	decodeData(t, w, &sched)
	require.NotNil(t, sched.NextRun)
	assert.True(t, env.reports.Armed(sched.ID))

	w = env.do(t, http.MethodDelete, "/api/v1/reports/"+def.ID, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/report-schedules/"+sched.ID+"/run", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var exec model.ReportExecution
	decodeData(t, w, &exec)
	assert.Equal(t, model.StatusCompleted, exec.Status)

	w = env.do(t, http.MethodGet, "/api/v1/report-schedules/"+sched.ID+"/executions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var execs []*model.ReportExecution
	decodeData(t, w, &execs)
	assert.Len(t, execs, 1)

	w = env.do(t, http.MethodPost, "/api/v1/report-schedules/"+sched.ID+"/disable", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, env.reports.Armed(sched.ID))
}

func TestReportScheduleRejectsUnknownDefinition(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/report-schedules", model.ReportSchedule{
		ReportID: "nope",
		Name:     "x",
		Cron:     "0 9 * * *",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNotificationTest(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/notifications/test", TestNotificationRequest{
		Channel: model.ChannelWebhook,
		Target:  notify.Target{URL: "http://hooks.local/x"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, env.notifier.messages, 1)
	assert.NotEmpty(t, env.notifier.messages[0].Subject)

	w = env.do(t, http.MethodPost, "/api/v1/notifications/test", TestNotificationRequest{Channel: model.ChannelWebhook})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/notifications/test", TestNotificationRequest{
		Channel: model.ChannelSMS,
		Target:  notify.Target{Recipients: []string{"+100"}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthAndCORS(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "memory", body["log_source"])

	w = env.do(t, http.MethodOptions, "/api/v1/rules", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
