package influxdb

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog/log"

	"github.com/y001j/logwatch/internal/northbound"
)

// Config InfluxDB连接器配置
type Config struct {
	URL           string `mapstructure:"url"`
	Token         string `mapstructure:"token"`
	Org           string `mapstructure:"org"`
	Bucket        string `mapstructure:"bucket"`
	Measurement   string `mapstructure:"measurement"`
	FlushInterval int    `mapstructure:"flush_interval_ms"`
	BatchSize     int    `mapstructure:"batch_size"`
}

// Sink 把告警事件写成时序点，便于按规则、级别统计告警频率
type Sink struct {
	*northbound.BaseSink
	client      influxdb2.Client
	writeAPI    api.WriteAPI
	measurement string
	done        chan struct{}
}

// New 创建InfluxDB连接器，写入为非阻塞批量模式
func New(cfg Config) (*Sink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("influxdb url不能为空")
	}
	if cfg.Measurement == "" {
		cfg.Measurement = "alert_events"
	}

	options := influxdb2.DefaultOptions()
	if cfg.BatchSize > 0 {
		options.SetBatchSize(uint(cfg.BatchSize))
	}
	if cfg.FlushInterval > 0 {
		options.SetFlushInterval(uint(cfg.FlushInterval))
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, options)
	s := &Sink{
		BaseSink:    northbound.NewBaseSink("influxdb", "influxdb"),
		client:      client,
		writeAPI:    client.WriteAPI(cfg.Org, cfg.Bucket),
		measurement: cfg.Measurement,
		done:        make(chan struct{}),
	}

	// 异步写入的错误从通道读取
	errorsCh := s.writeAPI.Errors()
	go func() {
		for {
			select {
			case err, ok := <-errorsCh:
				if !ok {
					return
				}
				s.HandleError(err, "InfluxDB写入")
			case <-s.done:
				return
			}
		}
	}()

	log.Info().
		Str("url", cfg.URL).
		Str("org", cfg.Org).
		Str("bucket", cfg.Bucket).
		Str("measurement", cfg.Measurement).
		Msg("InfluxDB告警事件连接器初始化完成")
	return s, nil
}

// Point 把事件转换为数据点
func (s *Sink) Point(ev northbound.Event) *write.Point {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	p := write.NewPoint(s.measurement, map[string]string{"event": string(ev.Type)}, map[string]interface{}{"count": 1}, ts)

	if a := ev.Alert; a != nil {
		p.AddTag("rule_id", a.RuleID)
		p.AddTag("severity", string(a.Severity))
		p.AddField("alert_id", a.ID)
		p.AddField("value", a.Value)
		p.AddField("threshold", a.Threshold)
	}
	if at := ev.Attempt; at != nil {
		p.AddTag("channel", string(at.Channel))
		p.AddField("success", at.Success)
		if at.Error != "" {
			p.AddField("error", at.Error)
		}
	}
	return p
}

func (s *Sink) Publish(_ context.Context, ev northbound.Event) error {
	return s.Track(ev, func() error {
		s.writeAPI.WritePoint(s.Point(ev))
		return nil
	})
}

// Close 刷新待写入的数据并关闭客户端
func (s *Sink) Close() error {
	s.writeAPI.Flush()
	close(s.done)
	s.client.Close()
	return nil
}
