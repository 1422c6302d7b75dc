package api

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/y001j/logwatch/internal/model"
	"github.com/y001j/logwatch/internal/rules"
)

// RuleHandler 规则处理器
type RuleHandler struct {
	*BaseHandler
	rules  RuleService
	tester RuleTester
}

// NewRuleHandler 创建规则处理器
func NewRuleHandler(ruleService RuleService, tester RuleTester) *RuleHandler {
	return &RuleHandler{
		BaseHandler: &BaseHandler{},
		rules:       ruleService,
		tester:      tester,
	}
}

// GetRules 获取规则列表
// @Summary 获取规则列表
// @Tags 规则管理
// @Param enabled query bool false "只返回启用/停用的规则"
// @Param severity query string false "严重级别"
// @Param search query string false "按名称或描述搜索"
// @Router /rules [get]
func (h *RuleHandler) GetRules(c *gin.Context) {
	page, pageSize := h.GetPaginationParams(c)
	enabled := c.Query("enabled")
	severity := model.Severity(c.Query("severity"))
	search := strings.ToLower(c.Query("search"))

	var matched []*rules.AlertRule
	for _, r := range h.rules.List() {
		if enabled != "" && (enabled == "true") != r.Enabled {
			continue
		}
		if severity != "" && r.Severity != severity {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(r.Name), search) &&
			!strings.Contains(strings.ToLower(r.Description), search) {
			continue
		}
		matched = append(matched, r)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Name < matched[j].Name })

	total := len(matched)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	h.SuccessResponse(c, &PagedData{
		Items:    matched[start:end],
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

// GetRule 获取单个规则
// @Router /rules/{id} [get]
func (h *RuleHandler) GetRule(c *gin.Context) {
	rule, err := h.rules.Get(c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessResponse(c, rule)
}

// CreateRule 创建规则
// @Router /rules [post]
func (h *RuleHandler) CreateRule(c *gin.Context) {
	var rule rules.AlertRule
	if !h.BindJSON(c, &rule) {
		return
	}
	created, err := h.rules.Create(&rule)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessResponseWithCode(c, http.StatusCreated, created)
}

// UpdateRule 部分更新规则，只修改请求中出现的字段
// @Router /rules/{id} [put]
func (h *RuleHandler) UpdateRule(c *gin.Context) {
	var patch rules.RulePatch
	if !h.BindJSON(c, &patch) {
		return
	}
	rule, err := h.rules.Update(c.Param("id"), patch)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessResponse(c, rule)
}

// EnableRule 启用规则
// @Router /rules/{id}/enable [post]
func (h *RuleHandler) EnableRule(c *gin.Context) {
	h.setEnabled(c, true)
}

// DisableRule 停用规则
// @Router /rules/{id}/disable [post]
func (h *RuleHandler) DisableRule(c *gin.Context) {
	h.setEnabled(c, false)
}

func (h *RuleHandler) setEnabled(c *gin.Context, enabled bool) {
	rule, err := h.rules.Update(c.Param("id"), rules.RulePatch{Enabled: &enabled})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessResponse(c, rule)
}

// DeleteRule 删除规则
// @Router /rules/{id} [delete]
func (h *RuleHandler) DeleteRule(c *gin.Context) {
	if err := h.rules.Delete(c.Param("id")); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// TestRule 用请求中的规则试运行，不创建告警
// @Router /rules/test [post]
func (h *RuleHandler) TestRule(c *gin.Context) {
	var rule rules.AlertRule
	if !h.BindJSON(c, &rule) {
		return
	}
	if rule.ID == "" {
		rule.ID = "dry-run"
	}
	if err := rules.ValidateRule(&rule); err != nil {
		h.HandleError(c, err)
		return
	}
	h.runTest(c, &rule)
}

// TestExistingRule 试运行已保存的规则
// @Router /rules/{id}/test [post]
func (h *RuleHandler) TestExistingRule(c *gin.Context) {
	rule, err := h.rules.Get(c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.runTest(c, rule)
}

func (h *RuleHandler) runTest(c *gin.Context, rule *rules.AlertRule) {
	result, err := h.tester.Test(c.Request.Context(), rule, time.Now())
	if err != nil {
		log.Warn().Err(err).Str("rule_id", rule.ID).Msg("规则试运行失败")
		h.HandleError(c, err)
		return
	}
	h.SuccessResponse(c, result)
}
