// internal/services/llm_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/Corphon/StageVoiceMCP/internal/config"
	"github.com/Corphon/StageVoiceMCP/internal/llm"
	"github.com/Corphon/StageVoiceMCP/internal/parser"
)

// 错误定义
var (
	ErrLLMNotReady     = errors.New("LLM服务未就绪")
	ErrSchemaViolation = errors.New("LLM响应不符合期望的结构")
)

// ChatRequest 上层服务对LLM的统一请求形态
type ChatRequest struct {
	SystemPrompt string
	Messages     []llm.ChatMessage
	MaxTokens    int
	Model        string
	// Prefill 预填充助手回复开头，返回文本中会把它重新拼回去
	Prefill string
	// ResponseSchema 非空时用该JSON Schema校验清洗后的响应
	ResponseSchema string
	// Sink 非空时走流式生成，增量文本逐块推给它
	Sink StreamSink
}

// LLMService 是所有LLM调用的唯一入口。
// 持有当前提供者，支持运行中热切换；未配置密钥时进入未就绪状态，
// 所有调用返回ErrLLMNotReady而不是崩溃。
type LLMService struct {
	provider     llm.Provider
	providerName string
	isReady      bool
	readyState   string
	mutex        sync.RWMutex
	logger       Logger
}

// NewLLMService 从当前配置创建LLM服务
func NewLLMService(logger Logger) (*LLMService, error) {
	cfg := config.GetCurrentConfig()

	service := &LLMService{logger: logger}
	if cfg.LLMConfig["api_key"] == "" {
		service.readyState = "缺少API密钥"
		if logger != nil {
			logger.Warnf("未配置LLM API密钥，服务进入未就绪状态")
		}
		return service, nil
	}

	if err := service.SetProvider(cfg.LLMProvider, cfg.LLMConfig); err != nil {
		service.readyState = err.Error()
		return service, err
	}

	return service, nil
}

// NewEmptyLLMService 创建一个未配置提供者的LLM服务
func NewEmptyLLMService(logger Logger) *LLMService {
	return &LLMService{
		logger:     logger,
		readyState: "未配置提供者",
	}
}

// NewLLMServiceWithProvider 用现成的提供者实例创建服务（测试和显式装配用）
func NewLLMServiceWithProvider(provider llm.Provider, logger Logger) *LLMService {
	return &LLMService{
		provider:     provider,
		providerName: provider.GetName(),
		isReady:      true,
		logger:       logger,
	}
}

// SetProvider 切换到指定提供者
func (s *LLMService) SetProvider(name string, providerConfig map[string]string) error {
	provider, err := llm.GetProvider(name, providerConfig)
	if err != nil {
		return fmt.Errorf("初始化提供者 %s 失败: %w", name, err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.provider = provider
	s.providerName = name
	s.isReady = true
	s.readyState = ""

	if s.logger != nil {
		s.logger.Infof("LLM提供者已切换: %s", name)
	}
	return nil
}

// IsReady 服务是否可以处理请求
func (s *LLMService) IsReady() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.isReady
}

// GetProviderName 当前提供者名称
func (s *LLMService) GetProviderName() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.providerName
}

// GetReadyState 未就绪时的原因说明
func (s *LLMService) GetReadyState() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.isReady {
		return "ready"
	}
	return s.readyState
}

// SendMessage 发送一次对话请求并返回完整文本。
// 返回文本已把Prefill拼回开头；Sink存在时走流式路径，
// Prefill本身不会推给Sink（它是格式脚手架，不是生成内容）。
func (s *LLMService) SendMessage(ctx context.Context, req ChatRequest) (string, error) {
	s.mutex.RLock()
	provider := s.provider
	ready := s.isReady
	s.mutex.RUnlock()

	if !ready || provider == nil {
		return "", ErrLLMNotReady
	}

	creq := llm.CompletionRequest{
		SystemPrompt: req.SystemPrompt,
		Messages:     req.Messages,
		MaxTokens:    req.MaxTokens,
		Model:        req.Model,
		Prefill:      req.Prefill,
	}

	var text string
	if req.Sink != nil {
		creq.Stream = true
		stream, err := provider.StreamChat(ctx, creq)
		if err != nil {
			return "", fmt.Errorf("流式请求失败: %w", err)
		}

		var builder strings.Builder
		for chunk := range stream {
			if chunk.Text != "" {
				builder.WriteString(chunk.Text)
				req.Sink(chunk.Text)
			}
			if chunk.Done {
				break
			}
		}
		text = req.Prefill + builder.String()
	} else {
		resp, err := provider.CompleteChat(ctx, creq)
		if err != nil {
			return "", fmt.Errorf("对话请求失败: %w", err)
		}
		text = req.Prefill + resp.Text
	}

	if req.ResponseSchema != "" {
		if err := s.validateSchema(req.ResponseSchema, text); err != nil {
			return text, err
		}
	}

	return text, nil
}

// chatUserMessage 构造一条user消息
func chatUserMessage(content string) llm.ChatMessage {
	return llm.ChatMessage{Role: llm.RoleUser, Content: content}
}

// validateSchema 用JSON Schema校验清洗后的响应文本
func (s *LLMService) validateSchema(schema, text string) error {
	cleaned := parser.CleanJSONString(text)

	schemaLoader := gojsonschema.NewStringLoader(schema)
	docLoader := gojsonschema.NewStringLoader(cleaned)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		if s.logger != nil {
			s.logger.Errorf("响应无法按JSON加载: %v (前128字符: %.128s)", err, text)
		}
		return fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		if s.logger != nil {
			s.logger.Errorf("响应不符合schema: %s", strings.Join(details, "; "))
		}
		return fmt.Errorf("%w: %s", ErrSchemaViolation, strings.Join(details, "; "))
	}

	return nil
}
