package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/y001j/logwatch/internal/model"
)

// SQLiteConfig SQLite存储配置
type SQLiteConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SQLiteStore SQLite存储实现。每条记录以JSON保存在data列，常用过滤字段单独成列。
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore 创建SQLite存储
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithConfig(SQLiteConfig{Path: dbPath})
}

// NewSQLiteStoreWithConfig 使用配置创建SQLite存储
func NewSQLiteStoreWithConfig(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		cfg.Path = "./data/logwatch.db"
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("创建数据库目录失败: %w", err)
		}
	}

	dsn := cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	// 配置连接池参数
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	store := &SQLiteStore{db: db}
	if err := store.initDatabase(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	log.Info().Str("path", cfg.Path).Msg("SQLite存储已打开")
	return store, nil
}

// initDatabase 初始化数据库表
func (s *SQLiteStore) initDatabase() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			rule_id TEXT NOT NULL,
			severity TEXT NOT NULL,
			acknowledged INTEGER NOT NULL DEFAULT 0,
			resolved INTEGER NOT NULL DEFAULT 0,
			triggered_at INTEGER NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_triggered_at ON alerts(triggered_at)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_rule_id ON alerts(rule_id)`,
		`CREATE TABLE IF NOT EXISTS report_definitions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS report_schedules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS report_executions (
			id TEXT PRIMARY KEY,
			schedule_id TEXT NOT NULL,
			scheduled_at INTEGER NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_report_executions_schedule ON report_executions(schedule_id, scheduled_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close 关闭数据库
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) SaveAlert(ctx context.Context, alert *model.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("序列化告警失败: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, rule_id, severity, acknowledged, resolved, triggered_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			acknowledged = excluded.acknowledged,
			resolved = excluded.resolved,
			data = excluded.data`,
		alert.ID, alert.RuleID, string(alert.Severity),
		boolToInt(alert.Acknowledged), boolToInt(alert.Resolved),
		alert.TriggeredAt.UnixNano(), string(data),
	)
	if err != nil {
		return fmt.Errorf("保存告警失败: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM alerts WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("告警 %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("查询告警失败: %w", err)
	}
	var alert model.Alert
	if err := json.Unmarshal([]byte(data), &alert); err != nil {
		return nil, fmt.Errorf("解析告警失败: %w", err)
	}
	return &alert, nil
}

func (s *SQLiteStore) ListAlerts(ctx context.Context, filter model.AlertFilter) ([]*model.Alert, int, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.RuleID != "" {
		where = append(where, "rule_id = ?")
		args = append(args, filter.RuleID)
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	if filter.Acknowledged != nil {
		where = append(where, "acknowledged = ?")
		args = append(args, boolToInt(*filter.Acknowledged))
	}
	if filter.Resolved != nil {
		where = append(where, "resolved = ?")
		args = append(args, boolToInt(*filter.Resolved))
	}
	if !filter.StartTime.IsZero() {
		where = append(where, "triggered_at >= ?")
		args = append(args, filter.StartTime.UnixNano())
	}
	if !filter.EndTime.IsZero() {
		where = append(where, "triggered_at <= ?")
		args = append(args, filter.EndTime.UnixNano())
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM alerts"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("统计告警失败: %w", err)
	}

	query := "SELECT data FROM alerts" + clause + " ORDER BY triggered_at DESC"
	if filter.PageSize > 0 {
		page := filter.Page
		if page <= 0 {
			page = 1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.PageSize, (page-1)*filter.PageSize)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("查询告警失败: %w", err)
	}
	defer rows.Close()

	alerts := []*model.Alert{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, 0, err
		}
		var a model.Alert
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			return nil, 0, fmt.Errorf("解析告警失败: %w", err)
		}
		alerts = append(alerts, &a)
	}
	return alerts, total, rows.Err()
}

// upsertDoc 保存 id/name/data 形式的文档
func (s *SQLiteStore) upsertDoc(ctx context.Context, table, id, name string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("序列化失败: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, name, data) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, data = excluded.data`, table),
		id, name, string(data))
	if err != nil {
		return fmt.Errorf("保存%s失败: %w", table, err)
	}
	return nil
}

func (s *SQLiteStore) getDoc(ctx context.Context, table, id string, v interface{}) error {
	var data string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT data FROM %s WHERE id = ?`, table), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("查询%s失败: %w", table, err)
	}
	return json.Unmarshal([]byte(data), v)
}

func (s *SQLiteStore) deleteDoc(ctx context.Context, table, id string) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id)
	if err != nil {
		return fmt.Errorf("删除%s失败: %w", table, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	return nil
}

// scanDocs 逐行解析data列，newItem 返回用于Unmarshal的新对象
func scanDocs(rows *sql.Rows, newItem func() interface{}) error {
	defer rows.Close()
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(data), newItem()); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) SaveDefinition(ctx context.Context, def *model.ReportDefinition) error {
	return s.upsertDoc(ctx, "report_definitions", def.ID, def.Name, def)
}

func (s *SQLiteStore) GetDefinition(ctx context.Context, id string) (*model.ReportDefinition, error) {
	var def model.ReportDefinition
	if err := s.getDoc(ctx, "report_definitions", id, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

func (s *SQLiteStore) ListDefinitions(ctx context.Context) ([]*model.ReportDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM report_definitions ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("查询报表失败: %w", err)
	}
	out := []*model.ReportDefinition{}
	err = scanDocs(rows, func() interface{} {
		d := &model.ReportDefinition{}
		out = append(out, d)
		return d
	})
	return out, err
}

func (s *SQLiteStore) DeleteDefinition(ctx context.Context, id string) error {
	return s.deleteDoc(ctx, "report_definitions", id)
}

func (s *SQLiteStore) SaveSchedule(ctx context.Context, sched *model.ReportSchedule) error {
	return s.upsertDoc(ctx, "report_schedules", sched.ID, sched.Name, sched)
}

func (s *SQLiteStore) GetSchedule(ctx context.Context, id string) (*model.ReportSchedule, error) {
	var sched model.ReportSchedule
	if err := s.getDoc(ctx, "report_schedules", id, &sched); err != nil {
		return nil, err
	}
	return &sched, nil
}

func (s *SQLiteStore) ListSchedules(ctx context.Context) ([]*model.ReportSchedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM report_schedules ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("查询报表计划失败: %w", err)
	}
	out := []*model.ReportSchedule{}
	err = scanDocs(rows, func() interface{} {
		sc := &model.ReportSchedule{}
		out = append(out, sc)
		return sc
	})
	return out, err
}

func (s *SQLiteStore) DeleteSchedule(ctx context.Context, id string) error {
	return s.deleteDoc(ctx, "report_schedules", id)
}

func (s *SQLiteStore) SaveExecution(ctx context.Context, e *model.ReportExecution) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("序列化执行记录失败: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO report_executions (id, schedule_id, scheduled_at, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data`,
		e.ID, e.ScheduleID, e.ScheduledAt.UnixNano(), string(data))
	if err != nil {
		return fmt.Errorf("保存执行记录失败: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*model.ReportExecution, error) {
	var e model.ReportExecution
	if err := s.getDoc(ctx, "report_executions", id, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, scheduleID string, limit int) ([]*model.ReportExecution, error) {
	query := `SELECT data FROM report_executions`
	var args []interface{}
	if scheduleID != "" {
		query += ` WHERE schedule_id = ?`
		args = append(args, scheduleID)
	}
	query += ` ORDER BY scheduled_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询执行记录失败: %w", err)
	}
	out := []*model.ReportExecution{}
	err = scanDocs(rows, func() interface{} {
		e := &model.ReportExecution{}
		out = append(out, e)
		return e
	})
	return out, err
}
