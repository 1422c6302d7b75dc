// Package metrics 运行指标：Prometheus导出和JSON快照。
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/y001j/logwatch/internal/model"
	"github.com/y001j/logwatch/internal/northbound"
	"github.com/y001j/logwatch/internal/rules"
)

// Sources 指标数据来源，未设置的项跳过
type Sources struct {
	Rules       func() (total, enabled int)
	AlertStats  func(ctx context.Context, now time.Time) (model.AlertStats, error)
	EngineStats func() map[string]interface{}
	SinkStats   func() []northbound.SinkStats
	// DiskPath 监控磁盘占用的目录，为空时使用根目录
	DiskPath string
}

// SystemMetrics 进程指标
type SystemMetrics struct {
	UptimeSeconds    float64 `json:"uptime_seconds"`
	MemoryUsageBytes int64   `json:"memory_usage_bytes"`
	HeapInUseBytes   int64   `json:"heap_in_use_bytes"`
	GoroutineCount   int     `json:"goroutine_count"`
	GoVersion        string  `json:"go_version"`
}

// RuleMetrics 规则指标
type RuleMetrics struct {
	TotalRules   int                    `json:"total_rules"`
	EnabledRules int                    `json:"enabled_rules"`
	Evaluations  map[string]int64       `json:"evaluations"`
	Engine       map[string]interface{} `json:"engine,omitempty"`
}

// Snapshot JSON形式的指标快照
type Snapshot struct {
	System      SystemMetrics          `json:"system"`
	Host        HostMetrics            `json:"host"`
	Rules       RuleMetrics            `json:"rules"`
	Alerts      model.AlertStats       `json:"alerts"`
	Sinks       []northbound.SinkStats `json:"sinks,omitempty"`
	LastUpdated time.Time              `json:"last_updated"`
}

// Collector 汇总规则评估和告警指标，实现 rules.Observer
type Collector struct {
	registry  *prometheus.Registry
	sources   Sources
	startTime time.Time

	evaluations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	activeRules prometheus.Gauge
	unacked     prometheus.Gauge
	active      prometheus.Gauge
	lastHour    prometheus.Gauge
	hostCPU     prometheus.Gauge
	hostMemory  prometheus.Gauge
	hostDisk    prometheus.Gauge

	mu       sync.RWMutex
	snapshot Snapshot
	counts   map[string]int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ rules.Observer = (*Collector)(nil)

// NewCollector 创建指标收集器，使用独立的注册表
func NewCollector(sources Sources) *Collector {
	c := &Collector{
		registry:  prometheus.NewRegistry(),
		sources:   sources,
		startTime: time.Now(),
		counts:    make(map[string]int64),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "logwatch",
			Name:      "rule_evaluations_total",
			Help:      "规则评估次数，按结果分类",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "logwatch",
			Name:      "rule_evaluation_seconds",
			Help:      "单条规则评估耗时",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		activeRules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "logwatch",
			Name:      "rules_enabled",
			Help:      "启用的规则数",
		}),
		unacked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "logwatch",
			Name:      "alerts_unacknowledged",
			Help:      "未确认且未解决的告警数",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "logwatch",
			Name:      "alerts_active",
			Help:      "未解决的告警数",
		}),
		lastHour: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "logwatch",
			Name:      "alerts_last_hour",
			Help:      "最近一小时触发的告警数",
		}),
		hostCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "logwatch",
			Name:      "host_cpu_usage_percent",
			Help:      "主机CPU使用率",
		}),
		hostMemory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "logwatch",
			Name:      "host_memory_usage_percent",
			Help:      "主机内存使用率",
		}),
		hostDisk: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "logwatch",
			Name:      "data_disk_usage_percent",
			Help:      "数据目录所在分区的使用率",
		}),
	}
	c.registry.MustRegister(
		c.evaluations, c.duration, c.activeRules, c.unacked, c.active, c.lastHour,
		c.hostCPU, c.hostMemory, c.hostDisk,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// ObserveEvaluation 记录一次规则评估
func (c *Collector) ObserveEvaluation(_ string, outcome rules.Outcome, elapsed time.Duration) {
	c.evaluations.WithLabelValues(string(outcome)).Inc()
	c.duration.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())

	c.mu.Lock()
	c.counts[string(outcome)]++
	c.mu.Unlock()
}

// Refresh 从各数据源拉取一次最新值
func (c *Collector) Refresh(ctx context.Context) {
	now := time.Now()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	snap := Snapshot{
		System: SystemMetrics{
			UptimeSeconds:    time.Since(c.startTime).Seconds(),
			MemoryUsageBytes: int64(memStats.Alloc),
			HeapInUseBytes:   int64(memStats.HeapInuse),
			GoroutineCount:   runtime.NumGoroutine(),
			GoVersion:        runtime.Version(),
		},
		LastUpdated: now,
	}

	host, err := collectHost(c.sources.DiskPath)
	if err != nil {
		log.Debug().Err(err).Msg("部分主机指标采集失败")
	}
	snap.Host = host
	c.hostCPU.Set(host.CPUUsage)
	c.hostMemory.Set(host.MemoryUsage)
	c.hostDisk.Set(host.DiskUsage)

	if c.sources.Rules != nil {
		snap.Rules.TotalRules, snap.Rules.EnabledRules = c.sources.Rules()
		c.activeRules.Set(float64(snap.Rules.EnabledRules))
	}
	if c.sources.EngineStats != nil {
		snap.Rules.Engine = c.sources.EngineStats()
	}
	if c.sources.AlertStats != nil {
		stats, err := c.sources.AlertStats(ctx, now)
		if err != nil {
			log.Warn().Err(err).Msg("获取告警统计失败")
		} else {
			snap.Alerts = stats
			c.unacked.Set(float64(stats.Unacknowledged))
			c.active.Set(float64(stats.Active))
			c.lastHour.Set(float64(stats.LastHour))
		}
	}
	if c.sources.SinkStats != nil {
		snap.Sinks = c.sources.SinkStats()
	}

	c.mu.Lock()
	snap.Rules.Evaluations = make(map[string]int64, len(c.counts))
	for k, v := range c.counts {
		snap.Rules.Evaluations[k] = v
	}
	c.snapshot = snap
	c.mu.Unlock()
}

// Snapshot 最近一次刷新的快照
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// StartAutoUpdate 定期刷新
func (c *Collector) StartAutoUpdate(interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.Refresh(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Refresh(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	log.Info().Dur("interval", interval).Msg("指标自动更新已启动")
}

// StopAutoUpdate 停止定期刷新
func (c *Collector) StopAutoUpdate() {
	if c.cancel != nil {
		c.cancel()
		c.wg.Wait()
	}
}

// Handler Prometheus格式导出
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// JSONHandler 刷新后返回JSON快照
func (c *Collector) JSONHandler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		c.Refresh(ctx.Request.Context())
		ctx.JSON(http.StatusOK, gin.H{"code": 0, "data": c.Snapshot()})
	}
}
