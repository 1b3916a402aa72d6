// internal/app/app.go
package app

import (
	"fmt"
	"path/filepath"

	"github.com/Corphon/StageVoiceMCP/internal/config"
	"github.com/Corphon/StageVoiceMCP/internal/di"
	"github.com/Corphon/StageVoiceMCP/internal/parser"
	"github.com/Corphon/StageVoiceMCP/internal/services"
	"github.com/Corphon/StageVoiceMCP/internal/storage"
	"github.com/Corphon/StageVoiceMCP/internal/utils"
)

// InitServices 按依赖顺序初始化所有服务并注册到容器。
// 顺序：日志 → 解析器 → 存储 → LLM。
// LLM未就绪（缺密钥）不算致命错误，服务器照常启动，
// 接口层在真正需要LLM时返回明确的未就绪提示。
func InitServices() error {
	cfg := config.GetCurrentConfig()
	container := di.GetContainer()

	// 1. 日志
	logFile := filepath.Join(cfg.LogDir, "stagevoice.log")
	if err := utils.InitLogger(logFile); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	logger := utils.GetLogger()
	if cfg.DebugMode {
		logger.SetLogLevel(utils.DEBUG)
	}
	container.Register("logger", logger)

	// 2. 响应解析器
	responseParser := parser.NewResponseParser(logger.Named("parser"))
	container.Register("parser", responseParser)

	// 3. 会话记录存储
	store, err := storage.NewTranscriptStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("初始化会话存储失败: %w", err)
	}
	container.Register("transcripts", store)

	// 4. LLM服务
	llmService, err := services.NewLLMService(logger.Named("llm"))
	if err != nil {
		logger.Warnf("LLM服务初始化警告: %v", err)
	}
	container.Register("llm", llmService)

	logger.Infof("服务初始化完成: %v", container.GetNames())
	return nil
}
