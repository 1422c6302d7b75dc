package core

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/y001j/logwatch/internal/alerts"
	"github.com/y001j/logwatch/internal/config"
	"github.com/y001j/logwatch/internal/logsource"
	"github.com/y001j/logwatch/internal/metrics"
	"github.com/y001j/logwatch/internal/northbound"
	"github.com/y001j/logwatch/internal/northbound/console"
	"github.com/y001j/logwatch/internal/northbound/influxdb"
	"github.com/y001j/logwatch/internal/northbound/jetstream"
	mqttsink "github.com/y001j/logwatch/internal/northbound/mqtt"
	redissink "github.com/y001j/logwatch/internal/northbound/redis"
	wssink "github.com/y001j/logwatch/internal/northbound/websocket"
	"github.com/y001j/logwatch/internal/notify"
	"github.com/y001j/logwatch/internal/reports"
	"github.com/y001j/logwatch/internal/rules"
	"github.com/y001j/logwatch/internal/storage"
	"github.com/y001j/logwatch/internal/web/api"
)

type Service interface {
	Name() string
	Init(cfg any) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Runtime 组装并管理所有组件的生命周期
type Runtime struct {
	Cfg        *config.Manager
	Bus        *nats.Conn
	NatsServer *server.Server
	Svcs       []Service
	Mu         sync.Mutex

	store      storage.Store
	redis      *redis.Client
	source     logsource.Source
	events     *northbound.Fanout
	stream     *wssink.Sink
	ruleMgr    *rules.Manager
	alerts     *alerts.Manager
	dispatcher *notify.Dispatcher
	engine     *rules.Engine
	reports    *reports.Scheduler
	metrics    *metrics.Collector
}

func NewRuntime(cfgPath string) (*Runtime, error) {
	cm := config.NewManager(cfgPath)
	cfg, err := cm.Load()
	if err != nil {
		return nil, err
	}
	setupLogger(cfg.LogWatch)

	rt := &Runtime{Cfg: cm}
	if err := rt.build(cfg); err != nil {
		rt.closeResources()
		return nil, err
	}

	cm.OnChange(rt.applyConfig)
	cm.EnableHotReload()

	log.Info().
		Str("id", cfg.LogWatch.ID).
		Str("config", cfgPath).
		Int("services", len(rt.Svcs)).
		Msg("运行时初始化完成")
	return rt, nil
}

func (r *Runtime) build(cfg *config.Config) error {
	var err error

	// 消息总线：nats日志源和事件发布都依赖它
	if cfg.LogSource.Type == "nats" || cfg.LogSource.Type == "" || cfg.Events.Enabled {
		r.Bus, r.NatsServer, err = connectNATS(cfg.NATS)
		if err != nil {
			return fmt.Errorf("连接 NATS 失败: %w", err)
		}
	}

	if err := os.MkdirAll(cfg.LogWatch.DataDir, 0755); err != nil {
		return fmt.Errorf("创建数据目录失败: %w", err)
	}
	r.store, err = storage.New(cfg.Storage)
	if err != nil {
		return fmt.Errorf("初始化存储失败: %w", err)
	}

	if cfg.Redis.Enabled {
		r.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("连接 Redis 失败: %w", err)
		}
	}

	r.events, err = r.buildEvents(cfg)
	if err != nil {
		return err
	}
	r.alerts = alerts.NewManager(r.store, r.events)
	r.dispatcher = buildDispatcher(cfg.Notify)

	r.source, err = logsource.New(cfg.LogSource, r.Bus)
	if err != nil {
		return fmt.Errorf("初始化日志源失败: %w", err)
	}

	r.metrics = metrics.NewCollector(metrics.Sources{
		Rules:       r.ruleCounts,
		AlertStats:  r.alerts.Stats,
		EngineStats: r.engineStats,
		SinkStats:   r.events.Stats,
		DiskPath:    cfg.LogWatch.DataDir,
	})

	if cfg.RuleEngine.Enabled {
		r.ruleMgr = rules.NewManager(cfg.RuleEngine.RulesDir)
		if err := r.ruleMgr.LoadRules(); err != nil {
			return fmt.Errorf("加载规则失败: %w", err)
		}
		if cfg.RuleEngine.HotReload {
			changes, err := r.ruleMgr.WatchChanges()
			if err != nil {
				return err
			}
			go logRuleChanges(changes)
		}

		opts := []rules.Option{rules.WithObserver(r.metrics)}
		if r.redis != nil {
			guard := rules.ChainGuards(
				rules.NewLocalGuard(),
				rules.NewRedisGuard(r.redis, "logwatch:eval:", cfg.Redis.LockTTL),
			)
			opts = append(opts, rules.WithGuard(guard))
		}
		r.engine = rules.NewEngine(cfg.RuleEngine.EngineConfig, r.ruleMgr, r.source, r.alerts, r.dispatcher, opts...)
		r.RegisterService(r.engine)
	}

	if cfg.Reports.Enabled {
		r.reports = reports.NewScheduler(cfg.Reports, r.store, r.source, r.dispatcher)
		r.RegisterService(r.reports)
	}

	services := &api.Services{
		Alerts:        r.alerts,
		Notifications: r.dispatcher,
		Stats:         r.metrics.JSONHandler(),
		Metrics:       r.metrics.Handler(),
		Health:        r.health,
	}
	// 接口字段只在组件存在时赋值，避免非nil接口包着nil指针
	if r.ruleMgr != nil {
		services.Rules = r.ruleMgr
		services.Tester = r.engine
	}
	if r.reports != nil {
		services.Reports = r.reports
	}
	if r.stream != nil {
		services.AlertStream = r.stream
	}
	r.RegisterService(NewWebService(cfg.LogWatch.HTTPPort, services))
	return nil
}

func (r *Runtime) buildEvents(cfg *config.Config) (*northbound.Fanout, error) {
	fanout := northbound.NewFanout()
	if cfg.Events.Console {
		fanout.Add(console.New())
	}
	if cfg.Events.Enabled && r.Bus != nil {
		sink, err := jetstream.New(r.Bus, cfg.Events.Config)
		if err != nil {
			return nil, fmt.Errorf("初始化NATS事件连接器失败: %w", err)
		}
		fanout.Add(sink)
	}
	if cfg.InfluxDB.Enabled {
		sink, err := influxdb.New(cfg.InfluxDB.Config)
		if err != nil {
			return nil, fmt.Errorf("初始化InfluxDB连接器失败: %w", err)
		}
		fanout.Add(sink)
	}
	if r.redis != nil {
		fanout.Add(redissink.New(r.redis, cfg.Redis.Config))
	}
	if cfg.MQTT.Enabled {
		sink, err := mqttsink.New(cfg.MQTT.Config)
		if err != nil {
			fanout.Close()
			return nil, fmt.Errorf("初始化MQTT连接器失败: %w", err)
		}
		fanout.Add(sink)
	}
	if cfg.Stream.Enabled {
		r.stream = wssink.New(cfg.Stream.Config)
		fanout.Add(r.stream)
	}
	return fanout, nil
}

func buildDispatcher(cfg config.NotifyConfig) *notify.Dispatcher {
	d := notify.NewDispatcher(cfg.DispatchConfig,
		notify.NewWebhookNotifier(cfg.Webhook),
		notify.NewChatNotifier(cfg.Chat),
	)
	if cfg.Email.Host != "" {
		d.Register(notify.NewEmailNotifier(cfg.Email))
	}
	if cfg.SMS.GatewayURL != "" {
		d.Register(notify.NewSMSNotifier(cfg.SMS))
	}
	log.Info().Interface("channels", d.Channels()).Msg("通知渠道已注册")
	return d
}

func logRuleChanges(changes <-chan rules.RuleChangeEvent) {
	for ev := range changes {
		log.Info().Str("type", ev.Type).Str("rule_id", ev.Rule.ID).Msg("规则已变更")
	}
}

func setupLogger(cfg config.LogWatchConfig) {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// applyConfig 热加载只调整日志级别，其余配置需要重启生效
func (r *Runtime) applyConfig(cfg *config.Config) {
	setupLogger(cfg.LogWatch)
	log.Info().Str("log_level", cfg.LogWatch.LogLevel).Msg("配置已重新加载，组件配置变更需重启后生效")
}

func (r *Runtime) health() map[string]interface{} {
	components := map[string]interface{}{
		"log_source": r.source.Name(),
		"storage":    r.Cfg.Config().Storage.Type,
	}
	if r.Bus != nil {
		components["nats"] = r.Bus.Status().String()
	}
	if r.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := r.redis.Ping(ctx).Err(); err != nil {
			components["redis"] = "error: " + err.Error()
		} else {
			components["redis"] = "ok"
		}
	}
	if r.dispatcher != nil {
		components["channels"] = r.dispatcher.Channels()
	}
	resp := map[string]interface{}{"components": components}
	if healthy, issues := r.metrics.Snapshot().Host.Issues(); len(issues) > 0 {
		resp["host_issues"] = issues
		if !healthy {
			resp["status"] = "degraded"
		}
	}
	return resp
}

func (r *Runtime) RegisterService(svc Service) {
	r.Mu.Lock()
	defer r.Mu.Unlock()
	r.Svcs = append(r.Svcs, svc)
}

func (r *Runtime) GetBus() *nats.Conn { return r.Bus }

func (r *Runtime) ruleCounts() (total, enabled int) {
	if r.ruleMgr == nil {
		return 0, 0
	}
	st := r.ruleMgr.GetStats()
	total, _ = st["total_rules"].(int)
	enabled, _ = st["enabled_rules"].(int)
	return total, enabled
}

func (r *Runtime) engineStats() map[string]interface{} {
	if r.engine == nil {
		return nil
	}
	return r.engine.Stats()
}

func (r *Runtime) Start(ctx context.Context) error {
	interval := r.Cfg.Config().LogWatch.MetricsInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	r.metrics.StartAutoUpdate(interval)

	// 初始化并启动所有服务
	for _, s := range r.Svcs {
		if err := s.Init(nil); err != nil {
			log.Error().Err(err).Str("service", s.Name()).Msg("服务初始化失败")
			return fmt.Errorf("服务 %s 初始化失败: %w", s.Name(), err)
		}
		if err := s.Start(ctx); err != nil {
			log.Error().Err(err).Str("service", s.Name()).Msg("服务启动失败")
			return fmt.Errorf("服务 %s 启动失败: %w", s.Name(), err)
		}
		log.Info().Str("service", s.Name()).Msg("服务已启动")
	}
	return nil
}

// Stop 按注册的相反顺序停止服务，然后释放连接
func (r *Runtime) Stop(ctx context.Context) {
	for i := len(r.Svcs) - 1; i >= 0; i-- {
		if err := r.Svcs[i].Stop(ctx); err != nil {
			log.Error().Err(err).Str("service", r.Svcs[i].Name()).Msg("停止服务失败")
		}
	}
	if r.metrics != nil {
		r.metrics.StopAutoUpdate()
	}
	r.closeResources()
	log.Info().Msg("运行时已停止")
}

func (r *Runtime) closeResources() {
	if r.ruleMgr != nil {
		_ = r.ruleMgr.Close()
	}
	if c, ok := r.source.(io.Closer); ok {
		_ = c.Close()
	}
	if r.events != nil {
		_ = r.events.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			log.Error().Err(err).Msg("关闭存储失败")
		}
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}

	// 关闭 NATS 连接
	if r.Bus != nil {
		r.Bus.Close()
	}
	// 关闭嵌入式 NATS 服务器
	if r.NatsServer != nil {
		r.NatsServer.Shutdown()
	}
}
