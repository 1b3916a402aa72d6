// internal/api/handlers.go
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/StageVoiceMCP/internal/config"
	"github.com/Corphon/StageVoiceMCP/internal/llm"
	"github.com/Corphon/StageVoiceMCP/internal/models"
	"github.com/Corphon/StageVoiceMCP/internal/parser"
	"github.com/Corphon/StageVoiceMCP/internal/services"
	"github.com/Corphon/StageVoiceMCP/internal/storage"
)

// Handler API处理器
type Handler struct {
	llmService *services.LLMService
	parser     *parser.ResponseParser
	store      *storage.TranscriptStore
	socket     *StageSocket
	logger     services.Logger

	sessionMutex sync.Mutex
	current      *services.ConversationService
	cancel       context.CancelFunc
}

// NewHandler 创建API处理器
func NewHandler(
	llmService *services.LLMService,
	responseParser *parser.ResponseParser,
	store *storage.TranscriptStore,
	socket *StageSocket,
	logger services.Logger,
) *Handler {
	return &Handler{
		llmService: llmService,
		parser:     responseParser,
		store:      store,
		socket:     socket,
		logger:     logger,
	}
}

// Health 健康检查
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// StageWebSocket 观众/玩家的WebSocket入口
func (h *Handler) StageWebSocket(c *gin.Context) {
	if err := h.socket.HandleConnection(c.Writer, c.Request); err != nil {
		h.logger.Errorf("WebSocket升级失败: %v", err)
	}
}

// StartSession 启动一场新会话。
// 请求体可携带完整的会话定义；为空时使用配置中的默认会话。
// 同一时刻只允许一场会话在跑。
func (h *Handler) StartSession(c *gin.Context) {
	var session config.SessionConfig
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&session); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   "无法解析会话定义: " + err.Error(),
			})
			return
		}
	} else {
		session = config.GetCurrentConfig().Session
	}

	if session.MaxTurns <= 0 {
		session.MaxTurns = 50
	}
	if session.TokenBudget <= 0 {
		session.TokenBudget = 12000
	}

	h.sessionMutex.Lock()
	defer h.sessionMutex.Unlock()

	if h.current != nil && h.current.State() == services.StateRunning {
		c.JSON(http.StatusConflict, gin.H{
			"success": false,
			"error":   "已有会话正在进行中",
		})
		return
	}

	if !h.llmService.IsReady() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"error":   "LLM服务未就绪: " + h.llmService.GetReadyState(),
		})
		return
	}

	conv, cancel := h.buildConversation(&session)
	h.current = conv
	h.cancel = cancel

	c.JSON(http.StatusCreated, gin.H{
		"success":    true,
		"session_id": conv.SessionID,
	})
}

// buildConversation 装配一场会话并在后台启动
func (h *Handler) buildConversation(session *config.SessionConfig) (*services.ConversationService, context.CancelFunc) {
	narrator := services.NewNarratorService(h.llmService, h.parser, h.logger)

	agents := make([]*services.CharacterAgent, 0, len(session.Characters))
	for _, cc := range session.Characters {
		agents = append(agents, services.NewCharacterAgent(models.CharacterProfile{
			Name:             cc.Name,
			Backstory:        cc.Backstory,
			VoiceDescription: cc.VoiceDescription,
			VoiceID:          cc.VoiceID,
		}, h.llmService, h.parser, h.logger))
	}

	var tts *services.TTSService
	cfg := config.GetCurrentConfig()
	if session.TTS.Enabled && cfg.TTSAPIKey != "" {
		cache := storage.NewAudioCache(session.TTS.CacheSize)
		tts = services.NewTTSService(cfg.TTSAPIKey, session.TTS.NarratorVoiceID,
			session.TTS.AutoCreateVoices, cache, h.logger)
	}

	h.socket.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	conv := services.NewConversationService(session, narrator, agents, tts,
		h.socket, h.socket, h.store, h.logger)

	go func() {
		if err := conv.Run(ctx); err != nil {
			h.logger.Errorf("会话 %s 启动失败: %v", conv.SessionID, err)
			h.socket.UpdateStatus("会话启动失败: " + err.Error())
		}
	}()

	return conv, cancel
}

// StopSession 取消当前会话
func (h *Handler) StopSession(c *gin.Context) {
	h.sessionMutex.Lock()
	defer h.sessionMutex.Unlock()

	if h.current == nil || h.current.State() != services.StateRunning {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "没有正在进行的会话",
		})
		return
	}

	// 取消context之外还要置退出标志：卡在等待人类输入的会话
	// 只盯着退出标志，单靠cancel要等玩家敲完字才能停下来
	h.socket.RequestQuit()
	if h.cancel != nil {
		h.cancel()
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// GetSessionStatus 当前会话状态
func (h *Handler) GetSessionStatus(c *gin.Context) {
	h.sessionMutex.Lock()
	defer h.sessionMutex.Unlock()

	if h.current == nil {
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"state":   string(services.StateNotStarted),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"session_id": h.current.SessionID,
		"state":      string(h.current.State()),
		"turns":      h.current.History().Len(),
	})
}

// ListSessions 已保存的会话记录列表
func (h *Handler) ListSessions(c *gin.Context) {
	ids, err := h.store.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"sessions": ids,
	})
}

// GetSession 读取一份会话记录
func (h *Handler) GetSession(c *gin.Context) {
	transcript, err := h.store.Load(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "会话记录不存在",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"transcript": transcript,
	})
}

// GetLLMStatus 当前LLM提供者状态
func (h *Handler) GetLLMStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"ready":     h.llmService.IsReady(),
		"state":     h.llmService.GetReadyState(),
		"provider":  h.llmService.GetProviderName(),
		"providers": llm.ListProviders(),
	})
}

// UpdateLLMConfig 切换LLM提供者
func (h *Handler) UpdateLLMConfig(c *gin.Context) {
	var req struct {
		Provider string            `json:"provider" binding:"required"`
		Config   map[string]string `json:"config" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "无效的请求参数: " + err.Error(),
		})
		return
	}

	if err := h.llmService.SetProvider(req.Provider, req.Config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	if err := config.UpdateLLMConfig(req.Provider, req.Config); err != nil {
		h.logger.Warnf("LLM配置落盘失败: %v", err)
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"provider": req.Provider,
	})
}

// GetLLMModels 指定提供者支持的模型列表
func (h *Handler) GetLLMModels(c *gin.Context) {
	provider := c.Query("provider")
	if provider == "" {
		provider = h.llmService.GetProviderName()
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"provider": provider,
		"models":   llm.GetSupportedModelsForProvider(provider),
	})
}
