package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/y001j/logwatch/internal/model"
	"github.com/y001j/logwatch/internal/rules"
)

func TestCollectorExportsCounts(t *testing.T) {
	c := NewCollector(Sources{
		Rules: func() (int, int) { return 5, 3 },
		AlertStats: func(context.Context, time.Time) (model.AlertStats, error) {
			return model.AlertStats{Total: 10, Active: 4, Unacknowledged: 2, LastHour: 7}, nil
		},
	})

	c.ObserveEvaluation("r1", rules.OutcomeTriggered, 10*time.Millisecond)
	c.ObserveEvaluation("r2", rules.OutcomeNoMatch, time.Millisecond)
	c.ObserveEvaluation("r3", rules.OutcomeNoMatch, time.Millisecond)
	c.Refresh(context.Background())

	snap := c.Snapshot()
	assert.Equal(t, 3, snap.Rules.EnabledRules)
	assert.Equal(t, 2, snap.Alerts.Unacknowledged)
	assert.Equal(t, int64(2), snap.Rules.Evaluations["no_match"])
	assert.Greater(t, snap.System.GoroutineCount, 0)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, "logwatch_rules_enabled 3")
	assert.Contains(t, text, "logwatch_alerts_unacknowledged 2")
	assert.Contains(t, text, "logwatch_alerts_last_hour 7")
	assert.Contains(t, text, `logwatch_rule_evaluations_total{outcome="triggered"} 1`)
}

func TestAutoUpdateStops(t *testing.T) {
	calls := 0
	c := NewCollector(Sources{Rules: func() (int, int) { calls++; return 1, 1 }})
	c.StartAutoUpdate(time.Hour)
	c.StopAutoUpdate()
	assert.Equal(t, 1, calls)
}

func TestHostIssues(t *testing.T) {
	healthy, issues := HostMetrics{CPUUsage: 10, MemoryUsage: 20, DiskUsage: 30}.Issues()
	assert.True(t, healthy)
	assert.Empty(t, issues)

	healthy, issues = HostMetrics{CPUUsage: 85, MemoryUsage: 20, DiskUsage: 96}.Issues()
	assert.False(t, healthy)
	require.Len(t, issues, 2)
	assert.Contains(t, issues[0], "CPU usage warning")
	assert.Contains(t, issues[1], "Disk usage critical")
}
