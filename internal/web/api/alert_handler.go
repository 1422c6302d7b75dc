package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/y001j/logwatch/internal/model"
)

// AlertHandler 告警处理器
type AlertHandler struct {
	alertService AlertService
}

// NewAlertHandler 创建告警处理器
func NewAlertHandler(alertService AlertService) *AlertHandler {
	return &AlertHandler{
		alertService: alertService,
	}
}

// GetAlerts 获取告警列表
func (h *AlertHandler) GetAlerts(c *gin.Context) {
	filter := model.AlertFilter{
		Page:     1,
		PageSize: 20,
		RuleID:   c.Query("rule_id"),
		Severity: model.Severity(c.Query("severity")),
	}

	// 解析查询参数
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil && page > 0 {
		filter.Page = page
	}
	if pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20")); err == nil && pageSize > 0 {
		filter.PageSize = pageSize
	}
	if v, err := strconv.ParseBool(c.Query("acknowledged")); err == nil {
		filter.Acknowledged = &v
	}
	if v, err := strconv.ParseBool(c.Query("resolved")); err == nil {
		filter.Resolved = &v
	}

	// 解析时间参数
	if startTime := c.Query("start_time"); startTime != "" {
		if t, err := time.Parse(time.RFC3339, startTime); err == nil {
			filter.StartTime = t
		}
	}
	if endTime := c.Query("end_time"); endTime != "" {
		if t, err := time.Parse(time.RFC3339, endTime); err == nil {
			filter.EndTime = t
		}
	}

	alerts, total, err := h.alertService.List(c.Request.Context(), filter)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code": 0,
		"data": gin.H{
			"alerts":    alerts,
			"total":     total,
			"page":      filter.Page,
			"page_size": filter.PageSize,
		},
	})
}

// GetActiveAlerts 未解决的告警
func (h *AlertHandler) GetActiveAlerts(c *gin.Context) {
	alerts, err := h.alertService.ListActive(c.Request.Context())
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": alerts})
}

// GetUnacknowledgedAlerts 未确认的告警
func (h *AlertHandler) GetUnacknowledgedAlerts(c *gin.Context) {
	alerts, err := h.alertService.ListUnacknowledged(c.Request.Context())
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": alerts})
}

// GetAlert 获取单个告警
func (h *AlertHandler) GetAlert(c *gin.Context) {
	alert, err := h.alertService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": alert})
}

// AcknowledgeRequest 确认告警请求
type AcknowledgeRequest struct {
	Actor string `json:"actor"`
}

// AcknowledgeAlert 确认告警，重复确认不会改变首次确认的信息
func (h *AlertHandler) AcknowledgeAlert(c *gin.Context) {
	var req AcknowledgeRequest
	// 请求体可选
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Actor == "" {
		req.Actor = "api"
	}

	alert, err := h.alertService.Acknowledge(c.Request.Context(), c.Param("id"), req.Actor)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": alert})
}

// ResolveAlert 解决告警
func (h *AlertHandler) ResolveAlert(c *gin.Context) {
	alert, err := h.alertService.Resolve(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": alert})
}

// GetAlertStats 告警统计
func (h *AlertHandler) GetAlertStats(c *gin.Context) {
	stats, err := h.alertService.Stats(c.Request.Context(), time.Now())
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": stats})
}
