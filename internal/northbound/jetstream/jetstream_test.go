package jetstream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/y001j/logwatch/internal/model"
	"github.com/y001j/logwatch/internal/northbound"
)

func runServer(t *testing.T, jetstream bool) *nats.Conn {
	t.Helper()
	opts := &server.Options{Host: "127.0.0.1", Port: -1, JetStream: jetstream, StoreDir: t.TempDir(), NoLog: true, NoSigs: true}
	srv, err := server.NewServer(opts)
	require.NoError(t, err)
	go srv.Start()
	require.True(t, srv.ReadyForConnections(5*time.Second))
	t.Cleanup(srv.Shutdown)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestSubjects(t *testing.T) {
	s := &Sink{prefix: "logwatch.alerts"}

	assert.Equal(t, "logwatch.alerts.triggered.critical",
		s.Subject(northbound.Event{Type: northbound.EventTriggered, Alert: &model.Alert{Severity: model.SeverityCritical}}))
	assert.Equal(t, "logwatch.alerts.acknowledged",
		s.Subject(northbound.Event{Type: northbound.EventAcknowledged, Alert: &model.Alert{Severity: model.SeverityLow}}))
	assert.Equal(t, "logwatch.alerts.resolved", s.Subject(northbound.Event{Type: northbound.EventResolved}))
}

func TestPublishCoreNATS(t *testing.T) {
	nc := runServer(t, false)
	sink, err := New(nc, Config{})
	require.NoError(t, err)

	sub, err := nc.SubscribeSync("logwatch.alerts.>")
	require.NoError(t, err)

	ev := northbound.Event{Type: northbound.EventTriggered, Alert: &model.Alert{ID: "a1", Severity: model.SeverityHigh}, Timestamp: time.Now()}
	require.NoError(t, sink.Publish(context.Background(), ev))
	require.NoError(t, sink.Close())

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "logwatch.alerts.triggered.high", msg.Subject)

	var got northbound.Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "a1", got.Alert.ID)
	assert.Equal(t, int64(1), sink.GetStats().MessagesTotal)
}

func TestPublishJetStream(t *testing.T) {
	nc := runServer(t, true)
	sink, err := New(nc, Config{JetStream: true, StreamName: "TEST_ALERTS"})
	require.NoError(t, err)

	ev := northbound.Event{Type: northbound.EventResolved, Alert: &model.Alert{ID: "a2"}, Timestamp: time.Now()}
	require.NoError(t, sink.Publish(context.Background(), ev))

	js, err := nc.JetStream()
	require.NoError(t, err)
	info, err := js.StreamInfo("TEST_ALERTS")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs)

	// 再次创建复用已有的流
	_, err = New(nc, Config{JetStream: true, StreamName: "TEST_ALERTS"})
	require.NoError(t, err)
}
