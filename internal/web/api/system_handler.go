package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/y001j/logwatch/internal/model"
	"github.com/y001j/logwatch/internal/notify"
)

// SystemHandler 健康检查和通知测试
type SystemHandler struct {
	*BaseHandler
	health   func() map[string]interface{}
	notifier NotificationSender
	started  time.Time
}

// NewSystemHandler 创建系统处理器
func NewSystemHandler(health func() map[string]interface{}, notifier NotificationSender) *SystemHandler {
	return &SystemHandler{
		BaseHandler: &BaseHandler{},
		health:      health,
		notifier:    notifier,
		started:     time.Now(),
	}
}

// GetHealth 健康检查
// @Router /health [get]
func (h *SystemHandler) GetHealth(c *gin.Context) {
	resp := gin.H{
		"status": "ok",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	}
	if h.health != nil {
		for k, v := range h.health() {
			resp[k] = v
		}
	}
	c.JSON(http.StatusOK, resp)
}

// GetChannels 已启用的通知渠道
// @Router /notifications/channels [get]
func (h *SystemHandler) GetChannels(c *gin.Context) {
	h.SuccessResponse(c, h.notifier.Channels())
}

// TestNotificationRequest 通知测试请求
type TestNotificationRequest struct {
	Channel model.Channel `json:"channel" binding:"required"`
	Target  notify.Target `json:"target"`
	Subject string        `json:"subject"`
	Body    string        `json:"body"`
}

// TestNotification 通过指定渠道发送一条测试消息，经过限流和熔断
// @Router /notifications/test [post]
func (h *SystemHandler) TestNotification(c *gin.Context) {
	var req TestNotificationRequest
	if !h.BindJSON(c, &req) {
		return
	}
	if !req.Channel.Valid() {
		h.ErrorResponse(c, http.StatusBadRequest, "不支持的通知渠道: "+string(req.Channel))
		return
	}
	if req.Subject == "" {
		req.Subject = "LogWatch 通知测试"
	}
	if req.Body == "" {
		req.Body = "这是一条测试消息，收到说明通知渠道配置正确。"
	}

	err := h.notifier.Send(c.Request.Context(), req.Channel, req.Target, notify.Message{
		Subject: req.Subject,
		Body:    req.Body,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessResponse(c, gin.H{"channel": req.Channel, "sent_at": time.Now()})
}
