package console

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/y001j/logwatch/internal/northbound"
)

// Sink 把告警事件写入日志，未配置其他连接器时作为默认输出
type Sink struct {
	*northbound.BaseSink
}

// New 创建控制台连接器
func New() *Sink {
	return &Sink{BaseSink: northbound.NewBaseSink("console", "console")}
}

func (s *Sink) Publish(_ context.Context, ev northbound.Event) error {
	return s.Track(ev, func() error {
		e := log.Info().Str("event", string(ev.Type)).Time("at", ev.Timestamp)
		if a := ev.Alert; a != nil {
			e = e.Str("alert_id", a.ID).
				Str("rule_id", a.RuleID).
				Str("severity", string(a.Severity)).
				Float64("value", a.Value).
				Float64("threshold", a.Threshold)
		}
		if at := ev.Attempt; at != nil {
			e = e.Str("channel", string(at.Channel)).Bool("success", at.Success)
			if at.Error != "" {
				e = e.Str("error", at.Error)
			}
		}
		if ev.Alert != nil {
			e.Msg(ev.Alert.Message)
		} else {
			e.Msg("告警事件")
		}
		return nil
	})
}

func (s *Sink) Close() error { return nil }
