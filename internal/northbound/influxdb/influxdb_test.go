package influxdb

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/y001j/logwatch/internal/model"
	"github.com/y001j/logwatch/internal/northbound"
)

func TestPointFromEvent(t *testing.T) {
	s := &Sink{measurement: "alert_events"}
	ts := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	p := s.Point(northbound.Event{
		Type:      northbound.EventTriggered,
		Alert:     &model.Alert{ID: "a1", RuleID: "r1", Severity: model.SeverityHigh, Value: 12, Threshold: 10},
		Timestamp: ts,
	})

	assert.Equal(t, "alert_events", p.Name())
	assert.Equal(t, ts, p.Time())

	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, map[string]string{"event": "triggered", "rule_id": "r1", "severity": "high"}, tags)

	fields := map[string]interface{}{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Equal(t, 12.0, fields["value"])
	assert.Equal(t, "a1", fields["alert_id"])
}

func TestWriteAndFlush(t *testing.T) {
	var mu sync.Mutex
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/api/v2/write") {
			b, _ := io.ReadAll(r.Body)
			mu.Lock()
			body += string(b)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink, err := New(Config{URL: srv.URL, Token: "t", Org: "o", Bucket: "b"})
	require.NoError(t, err)

	err = sink.Publish(context.Background(), northbound.Event{
		Type:    northbound.EventNotification,
		Alert:   &model.Alert{ID: "a1", RuleID: "r1", Severity: model.SeverityLow},
		Attempt: &model.NotificationAttempt{Channel: model.ChannelEmail, Success: true},
	})
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, body, "alert_events")
	assert.Contains(t, body, "channel=email")
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
