// internal/services/character_service.go
package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/Corphon/StageVoiceMCP/internal/models"
	"github.com/Corphon/StageVoiceMCP/internal/parser"
)

// 角色决策和回复的输出契约
const (
	wantsToRespondSchema = `{
		"type": "object",
		"properties": {
			"wants_to_respond": {"type": "boolean"}
		},
		"required": ["wants_to_respond"]
	}`

	// Respond走预填充而不是schema校验：格式由assistant预填强制，
	// 解析侧再做分层恢复
	dialoguePrefill = `{"dialogue": "`
)

// CharacterAgent 扮演一个角色的LLM代理。
// 每个角色只看到自己的背景设定，决策（想不想说话）和表演（说什么）
// 是两次独立的LLM调用，互不共享中间状态。
type CharacterAgent struct {
	Profile models.CharacterProfile

	llm    *LLMService
	parser *parser.ResponseParser
	logger Logger
}

// NewCharacterAgent 创建角色代理
func NewCharacterAgent(profile models.CharacterProfile, llmService *LLMService, responseParser *parser.ResponseParser, logger Logger) *CharacterAgent {
	return &CharacterAgent{
		Profile: profile,
		llm:     llmService,
		parser:  responseParser,
		logger:  logger,
	}
}

// Name 角色名
func (a *CharacterAgent) Name() string {
	return a.Profile.Name
}

// systemPrompt 角色的基础人设提示
func (a *CharacterAgent) systemPrompt() string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "You are %s in an ongoing dramatic scene.\n\n", a.Profile.Name)
	fmt.Fprintf(&builder, "Your background:\n%s\n\n", strings.TrimSpace(a.Profile.Backstory))
	builder.WriteString("Stay in character at all times. ")
	builder.WriteString("The conversation so far is provided as messages; lines prefixed with a name were spoken by that person. ")
	builder.WriteString("Never speak for other characters and never break the fourth wall.")
	return builder.String()
}

// WantsToRespond 询问角色当前是否想发言。
// 任何失败（请求错误、schema不符、字段缺失）都按false处理：
// 一个出错的角色应当沉默，而不是让整场对话崩溃。
func (a *CharacterAgent) WantsToRespond(ctx context.Context, history *History) bool {
	messages := history.ToMessages()
	messages = append(messages, chatUserMessage(
		"Given the conversation so far, do you want to say something right now? "+
			`Respond with ONLY a JSON object: {"wants_to_respond": true} or {"wants_to_respond": false}.`))

	raw, err := a.llm.SendMessage(ctx, ChatRequest{
		SystemPrompt:   a.systemPrompt(),
		Messages:       messages,
		MaxTokens:      64,
		ResponseSchema: wantsToRespondSchema,
	})
	if err != nil {
		if a.logger != nil {
			a.logger.Warnf("角色 %s 发言意愿查询失败，视为不发言: %v", a.Profile.Name, err)
		}
		return false
	}

	record := a.parser.Parse(raw, "text")
	wants, ok := parser.GetBool(record, "wants_to_respond")
	if !ok {
		if a.logger != nil {
			a.logger.Warnf("角色 %s 发言意愿响应缺少wants_to_respond字段，视为不发言", a.Profile.Name)
		}
		return false
	}

	return wants
}

// Respond 让角色生成一句台词。返回台词文本和可选的行为描述。
// 解析按三层恢复：完整JSON → 正则抢救dialogue字段 → 原文兜底。
// 只要模型返回了任何文本，这个方法就不会失败。
func (a *CharacterAgent) Respond(ctx context.Context, history *History, sink StreamSink) (string, string, error) {
	messages := history.ToMessages()
	messages = append(messages, chatUserMessage(fmt.Sprintf(
		"It is your turn to speak as %s. "+
			`Respond with ONLY a JSON object of the form {"dialogue": "what you say", "behavior": "a short stage direction"}. `+
			"The behavior field is optional.", a.Profile.Name)))

	raw, err := a.llm.SendMessage(ctx, ChatRequest{
		SystemPrompt: a.systemPrompt(),
		Messages:     messages,
		MaxTokens:    1024,
		Prefill:      dialoguePrefill,
	})
	if err != nil {
		return "", "", fmt.Errorf("角色 %s 生成台词失败: %w", a.Profile.Name, err)
	}

	dialogue, behavior := a.recoverDialogue(raw)
	if sink != nil {
		sink(dialogue)
	}
	return dialogue, behavior, nil
}

// recoverDialogue 从原始响应中恢复台词和行为。
// 兜底键特意不用dialogue，否则解析失败的原文会冒充成功解析的台词，
// 把正则恢复这一层整个短路掉。
func (a *CharacterAgent) recoverDialogue(raw string) (string, string) {
	record := a.parser.Parse(raw, "raw_text")
	dialogue := parser.GetString(record, "dialogue")
	behavior := parser.GetString(record, "behavior")
	if dialogue != "" {
		return dialogue, behavior
	}

	if d, b, ok := a.parser.ExtractDialogue(raw); ok {
		return d, b
	}

	// 模型完全没按格式来，把整段文本当台词用
	if a.logger != nil {
		a.logger.Warnf("角色 %s 的响应无法结构化解析，按纯文本台词处理", a.Profile.Name)
	}
	return strings.TrimSpace(raw), ""
}
