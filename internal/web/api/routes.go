package api

import (
	"github.com/gin-gonic/gin"

	"github.com/y001j/logwatch/internal/web/middleware"
)

// NewRouter 创建带默认中间件的路由
func NewRouter(svc *Services) *gin.Engine {
	router := gin.New()
	router.Use(middleware.Recovery(), middleware.Logger(), middleware.CORS())
	SetupRoutes(router, svc)
	return router
}

// SetupRoutes 设置路由
func SetupRoutes(router *gin.Engine, svc *Services) {
	systemHandler := NewSystemHandler(svc.Health, svc.Notifications)

	router.GET("/health", systemHandler.GetHealth)
	if svc.Metrics != nil {
		router.GET("/metrics", gin.WrapH(svc.Metrics))
	}

	// API v1 路由组
	v1 := router.Group("/api/v1")
	{
		if svc.Stats != nil {
			v1.GET("/stats", svc.Stats)
		}

		if svc.Rules != nil {
			ruleHandler := NewRuleHandler(svc.Rules, svc.Tester)
			rules := v1.Group("/rules")
			{
				rules.GET("", ruleHandler.GetRules)
				rules.POST("", ruleHandler.CreateRule)
				rules.GET("/:id", ruleHandler.GetRule)
				rules.PUT("/:id", ruleHandler.UpdateRule)
				rules.DELETE("/:id", ruleHandler.DeleteRule)
				rules.POST("/:id/enable", ruleHandler.EnableRule)
				rules.POST("/:id/disable", ruleHandler.DisableRule)
				if svc.Tester != nil {
					rules.POST("/test", ruleHandler.TestRule)
					rules.POST("/:id/test", ruleHandler.TestExistingRule)
				}
			}
		}

		if svc.Alerts != nil {
			alertHandler := NewAlertHandler(svc.Alerts)
			alerts := v1.Group("/alerts")
			{
				alerts.GET("", alertHandler.GetAlerts)
				alerts.GET("/active", alertHandler.GetActiveAlerts)
				alerts.GET("/unacknowledged", alertHandler.GetUnacknowledgedAlerts)
				alerts.GET("/stats", alertHandler.GetAlertStats)
				alerts.GET("/:id", alertHandler.GetAlert)
				alerts.POST("/:id/acknowledge", alertHandler.AcknowledgeAlert)
				alerts.POST("/:id/resolve", alertHandler.ResolveAlert)
			}
		}

		if svc.AlertStream != nil {
			v1.GET("/ws/alerts", gin.WrapH(svc.AlertStream))
		}

		if svc.Reports != nil {
			reportHandler := NewReportHandler(svc.Reports)
			reports := v1.Group("/reports")
			{
				reports.GET("", reportHandler.GetDefinitions)
				reports.POST("", reportHandler.CreateDefinition)
				reports.GET("/:id", reportHandler.GetDefinition)
				reports.PUT("/:id", reportHandler.UpdateDefinition)
				reports.DELETE("/:id", reportHandler.DeleteDefinition)
			}

			schedules := v1.Group("/report-schedules")
			{
				schedules.GET("", reportHandler.GetSchedules)
				schedules.POST("", reportHandler.CreateSchedule)
				schedules.GET("/:id", reportHandler.GetSchedule)
				schedules.PUT("/:id", reportHandler.UpdateSchedule)
				schedules.DELETE("/:id", reportHandler.DeleteSchedule)
				schedules.POST("/:id/disable", reportHandler.DisableSchedule)
				schedules.POST("/:id/run", reportHandler.RunSchedule)
				schedules.GET("/:id/executions", reportHandler.GetExecutions)
			}
		}

		if svc.Notifications != nil {
			notifications := v1.Group("/notifications")
			{
				notifications.GET("/channels", systemHandler.GetChannels)
				notifications.POST("/test", systemHandler.TestNotification)
			}
		}
	}
}
