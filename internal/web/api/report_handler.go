package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/y001j/logwatch/internal/model"
)

// ReportHandler 报表定义和定时计划处理器
type ReportHandler struct {
	*BaseHandler
	reports ReportService
}

// NewReportHandler 创建报表处理器
func NewReportHandler(reports ReportService) *ReportHandler {
	return &ReportHandler{
		BaseHandler: &BaseHandler{},
		reports:     reports,
	}
}

// GetDefinitions 报表定义列表
// @Router /reports [get]
func (h *ReportHandler) GetDefinitions(c *gin.Context) {
	defs, err := h.reports.Definitions(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessResponse(c, defs)
}

// GetDefinition 单个报表定义
// @Router /reports/{id} [get]
func (h *ReportHandler) GetDefinition(c *gin.Context) {
	def, err := h.reports.Definition(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessResponse(c, def)
}

// CreateDefinition 创建报表定义
// @Router /reports [post]
func (h *ReportHandler) CreateDefinition(c *gin.Context) {
	var def model.ReportDefinition
	if !h.BindJSON(c, &def) {
		return
	}
	def.ID = ""
	saved, err := h.reports.SaveDefinition(c.Request.Context(), &def)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessResponseWithCode(c, http.StatusCreated, saved)
}

// UpdateDefinition 更新报表定义
// @Router /reports/{id} [put]
func (h *ReportHandler) UpdateDefinition(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.reports.Definition(c.Request.Context(), id); err != nil {
		h.HandleError(c, err)
		return
	}
	var def model.ReportDefinition
	if !h.BindJSON(c, &def) {
		return
	}
	def.ID = id
	saved, err := h.reports.SaveDefinition(c.Request.Context(), &def)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessResponse(c, saved)
}

// DeleteDefinition 删除报表定义，被计划引用时返回409
// @Router /reports/{id} [delete]
func (h *ReportHandler) DeleteDefinition(c *gin.Context) {
	if err := h.reports.DeleteDefinition(c.Request.Context(), c.Param("id")); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetSchedules 报表计划列表
// @Router /report-schedules [get]
func (h *ReportHandler) GetSchedules(c *gin.Context) {
	schedules, err := h.reports.Schedules(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessResponse(c, schedules)
}

// GetSchedule 单个报表计划
// @Router /report-schedules/{id} [get]
func (h *ReportHandler) GetSchedule(c *gin.Context) {
	sched, err := h.reports.Schedule(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessResponse(c, sched)
}

// CreateSchedule 创建报表计划
// @Router /report-schedules [post]
func (h *ReportHandler) CreateSchedule(c *gin.Context) {
	var sched model.ReportSchedule
	if !h.BindJSON(c, &sched) {
		return
	}
	sched.ID = ""
	saved, err := h.reports.Upsert(c.Request.Context(), &sched)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessResponseWithCode(c, http.StatusCreated, saved)
}

// UpdateSchedule 更新报表计划，下次执行时间按新的cron重新计算
// @Router /report-schedules/{id} [put]
func (h *ReportHandler) UpdateSchedule(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.reports.Schedule(c.Request.Context(), id); err != nil {
		h.HandleError(c, err)
		return
	}
	var sched model.ReportSchedule
	if !h.BindJSON(c, &sched) {
		return
	}
	sched.ID = id
	saved, err := h.reports.Upsert(c.Request.Context(), &sched)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessResponse(c, saved)
}

// DisableSchedule 停用报表计划
// @Router /report-schedules/{id}/disable [post]
func (h *ReportHandler) DisableSchedule(c *gin.Context) {
	sched, err := h.reports.Disable(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessResponse(c, sched)
}

// DeleteSchedule 删除报表计划
// @Router /report-schedules/{id} [delete]
func (h *ReportHandler) DeleteSchedule(c *gin.Context) {
	if err := h.reports.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RunSchedule 立即执行一次计划，返回执行记录
// @Router /report-schedules/{id}/run [post]
func (h *ReportHandler) RunSchedule(c *gin.Context) {
	exec, err := h.reports.RunNow(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessResponse(c, exec)
}

// GetExecutions 计划的执行历史
// @Param limit query int false "返回条数" default(20)
// @Router /report-schedules/{id}/executions [get]
func (h *ReportHandler) GetExecutions(c *gin.Context) {
	limit := 20
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 {
		limit = v
	}
	execs, err := h.reports.Executions(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessResponse(c, execs)
}
