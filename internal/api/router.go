// internal/api/router.go
package api

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/StageVoiceMCP/internal/config"
	"github.com/Corphon/StageVoiceMCP/internal/di"
	"github.com/Corphon/StageVoiceMCP/internal/parser"
	"github.com/Corphon/StageVoiceMCP/internal/services"
	"github.com/Corphon/StageVoiceMCP/internal/storage"
)

// SetupRouter 配置HTTP路由
func SetupRouter() (*gin.Engine, error) {
	cfg := config.GetCurrentConfig()

	if !cfg.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	// 只从容器获取服务，不再创建新实例
	container := di.GetContainer()

	llmService, ok := container.Get("llm").(*services.LLMService)
	if !ok {
		return nil, fmt.Errorf("LLM服务未正确初始化")
	}

	responseParser, ok := container.Get("parser").(*parser.ResponseParser)
	if !ok {
		return nil, fmt.Errorf("解析器未正确初始化")
	}

	store, ok := container.Get("transcripts").(*storage.TranscriptStore)
	if !ok {
		return nil, fmt.Errorf("会话存储未正确初始化")
	}

	logger, ok := container.Get("logger").(services.Logger)
	if !ok {
		return nil, fmt.Errorf("日志器未正确初始化")
	}

	socket := NewStageSocket(logger)
	socket.Start()

	handler := NewHandler(llmService, responseParser, store, socket, logger)

	r := gin.Default()
	r.Use(corsMiddleware())

	r.GET("/health", handler.Health)
	r.GET("/ws/stage", handler.StageWebSocket)

	api := r.Group("/api")
	{
		sessionsGroup := api.Group("/sessions")
		{
			sessionsGroup.GET("", handler.ListSessions)
			sessionsGroup.POST("", handler.StartSession)
			sessionsGroup.GET("/current", handler.GetSessionStatus)
			sessionsGroup.DELETE("/current", handler.StopSession)
			sessionsGroup.GET("/:id", handler.GetSession)
		}

		llmGroup := api.Group("/llm")
		{
			llmGroup.GET("/status", handler.GetLLMStatus)
			llmGroup.GET("/models", handler.GetLLMModels)
			llmGroup.PUT("/config", handler.UpdateLLMConfig)
		}
	}

	return r, nil
}

// corsMiddleware 跨域支持
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
