// Package api 告警规则、告警、报表和通知的HTTP接口。
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/y001j/logwatch/internal/model"
	"github.com/y001j/logwatch/internal/notify"
	"github.com/y001j/logwatch/internal/reports"
	"github.com/y001j/logwatch/internal/rules"
	"github.com/y001j/logwatch/internal/storage"
)

// RuleService 规则管理
type RuleService interface {
	Get(id string) (*rules.AlertRule, error)
	List() []*rules.AlertRule
	Create(rule *rules.AlertRule) (*rules.AlertRule, error)
	Update(id string, patch rules.RulePatch) (*rules.AlertRule, error)
	Delete(id string) error
}

// RuleTester 规则试运行
type RuleTester interface {
	Test(ctx context.Context, rule *rules.AlertRule, now time.Time) (*rules.TestResult, error)
}

// AlertService 告警查询和状态变更
type AlertService interface {
	Get(ctx context.Context, id string) (*model.Alert, error)
	Acknowledge(ctx context.Context, id, actor string) (*model.Alert, error)
	Resolve(ctx context.Context, id string) (*model.Alert, error)
	ListActive(ctx context.Context) ([]*model.Alert, error)
	ListUnacknowledged(ctx context.Context) ([]*model.Alert, error)
	List(ctx context.Context, filter model.AlertFilter) ([]*model.Alert, int, error)
	Stats(ctx context.Context, now time.Time) (model.AlertStats, error)
}

// ReportService 报表定义和定时计划
type ReportService interface {
	Definition(ctx context.Context, id string) (*model.ReportDefinition, error)
	Definitions(ctx context.Context) ([]*model.ReportDefinition, error)
	SaveDefinition(ctx context.Context, def *model.ReportDefinition) (*model.ReportDefinition, error)
	DeleteDefinition(ctx context.Context, id string) error

	Schedule(ctx context.Context, id string) (*model.ReportSchedule, error)
	Schedules(ctx context.Context) ([]*model.ReportSchedule, error)
	Upsert(ctx context.Context, sched *model.ReportSchedule) (*model.ReportSchedule, error)
	Disable(ctx context.Context, id string) (*model.ReportSchedule, error)
	Delete(ctx context.Context, id string) error
	RunNow(ctx context.Context, id string) (*model.ReportExecution, error)
	Executions(ctx context.Context, scheduleID string, limit int) ([]*model.ReportExecution, error)
}

// NotificationSender 通知测试发送
type NotificationSender interface {
	Send(ctx context.Context, ch model.Channel, target notify.Target, msg notify.Message) error
	Channels() []model.Channel
}

// Services 处理器依赖的服务，为nil的服务对应的路由不注册
type Services struct {
	Rules         RuleService
	Tester        RuleTester
	Alerts        AlertService
	Reports       ReportService
	Notifications NotificationSender

	// Stats 汇总指标（JSON）
	Stats gin.HandlerFunc
	// Metrics Prometheus抓取端点
	Metrics http.Handler
	// AlertStream 告警事件WebSocket推送
	AlertStream http.Handler
	// Health 返回各组件状态，为空时只报告存活
	Health func() map[string]interface{}
}

// APIResponse 统一 API 响应格式
type APIResponse struct {
	Success   bool        `json:"success"`
	Code      int         `json:"code"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// PagedData 分页数据
type PagedData struct {
	Items    interface{} `json:"items"`
	Total    int         `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

// BaseHandler 基础处理器
type BaseHandler struct{}

// SuccessResponse 成功响应
func (h *BaseHandler) SuccessResponse(c *gin.Context, data interface{}) {
	h.SuccessResponseWithCode(c, http.StatusOK, data)
}

func (h *BaseHandler) SuccessResponseWithCode(c *gin.Context, code int, data interface{}) {
	c.JSON(code, APIResponse{
		Success:   true,
		Message:   "Success",
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

// ErrorResponse 错误响应
func (h *BaseHandler) ErrorResponse(c *gin.Context, code int, message string) {
	c.JSON(code, APIResponse{
		Success:   false,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().Unix(),
	})
}

// HandleError 按错误类型选择状态码
func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	_ = c.Error(err)
	h.ErrorResponse(c, statusFor(err), err.Error())
}

// BindJSON 绑定 JSON 数据，失败时已写入400响应
func (h *BaseHandler) BindJSON(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		h.ErrorResponse(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// GetPaginationParams 获取分页参数
func (h *BaseHandler) GetPaginationParams(c *gin.Context) (page, pageSize int) {
	page = 1
	pageSize = 20

	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		page = p
	}
	if ps, err := strconv.Atoi(c.Query("page_size")); err == nil && ps > 0 && ps <= 100 {
		pageSize = ps
	}
	return page, pageSize
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, rules.ErrRuleNotFound),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, reports.ErrInvalid),
		errors.Is(err, notify.ErrMissingTarget),
		errors.Is(err, notify.ErrChannelDisabled):
		return http.StatusBadRequest
	case errors.Is(err, reports.ErrInUse),
		errors.Is(err, reports.ErrAlreadyRunning):
		return http.StatusConflict
	}
	switch rules.GetErrorType(err) {
	case rules.ErrorTypeValidation, rules.ErrorTypeCondition:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
