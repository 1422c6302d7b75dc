package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/y001j/logwatch/internal/web/api"
)

// WebService 提供HTTP API、健康检查和指标抓取
type WebService struct {
	server   *http.Server
	services *api.Services
}

// NewWebService 创建Web服务
func NewWebService(port int, services *api.Services) *WebService {
	if port == 0 {
		port = 8090
	}
	return &WebService{
		services: services,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute, // 立即执行报表可能较慢
		},
	}
}

func (ws *WebService) Name() string {
	return "web"
}

func (ws *WebService) Init(_ any) error {
	gin.SetMode(gin.ReleaseMode)
	ws.server.Handler = api.NewRouter(ws.services)
	return nil
}

func (ws *WebService) Start(_ context.Context) error {
	go func() {
		log.Info().Str("addr", ws.server.Addr).Msg("HTTP服务器正在启动...")
		if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", ws.server.Addr).Msg("HTTP服务器异常退出")
		}
	}()
	return nil
}

func (ws *WebService) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP服务器关闭失败")
		return err
	}
	log.Info().Msg("HTTP服务器已停止")
	return nil
}
