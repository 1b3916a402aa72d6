// internal/services/narrator_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Corphon/StageVoiceMCP/internal/llm"
	"github.com/Corphon/StageVoiceMCP/internal/models"
	"github.com/Corphon/StageVoiceMCP/internal/parser"
)

// 旁白各类结构化输出的契约
const (
	nextSpeakerSchema = `{
		"type": "object",
		"properties": {
			"next_speaker": {"type": "string"}
		},
		"required": ["next_speaker"]
	}`

	needsNarrationSchema = `{
		"type": "object",
		"properties": {
			"needs_narration": {"type": "boolean"}
		},
		"required": ["needs_narration"]
	}`

	narrationSchema = `{
		"type": "object",
		"properties": {
			"narration": {"type": "string"}
		},
		"required": ["narration"]
	}`

	suggestionsSchema = `{
		"type": "object",
		"properties": {
			"suggestions": {
				"type": "array",
				"items": {"type": "string"},
				"minItems": 3,
				"maxItems": 5
			}
		},
		"required": ["suggestions"]
	}`

	storySetupSchema = `{
		"type": "object",
		"properties": {
			"title": {"type": "string"},
			"opening_scene": {"type": "string"},
			"characters": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"name": {"type": "string"},
						"backstory": {"type": "string"},
						"voice_description": {"type": "string"}
					},
					"required": ["name", "backstory"]
				}
			}
		},
		"required": ["title", "opening_scene", "characters"]
	}`
)

// 仲裁重试次数：第一次失败后带着错误提示再问一次
const speakerArbitrationAttempts = 2

// NarratorService 舞台导演：不扮演任何角色，负责发言仲裁、
// 场景旁白、开场设定生成、玩家提示和情境注入。
// 所有操作共享同一个导演视角的系统提示。
type NarratorService struct {
	llm    *LLMService
	parser *parser.ResponseParser
	logger Logger

	// guideText 静态叙事指南（可选）。存在时附加到系统提示，
	// 让旁白的每个决定都遵循固定的叙事方向。
	guideText string
}

// NewNarratorService 创建旁白服务
func NewNarratorService(llmService *LLMService, responseParser *parser.ResponseParser, logger Logger) *NarratorService {
	return &NarratorService{
		llm:    llmService,
		parser: responseParser,
		logger: logger,
	}
}

// SetGuideText 设置静态叙事指南
func (n *NarratorService) SetGuideText(text string) {
	n.guideText = strings.TrimSpace(text)
}

// systemPrompt 导演视角的系统提示
func (n *NarratorService) systemPrompt() string {
	var builder strings.Builder
	builder.WriteString("You are the narrator and stage director of a dramatic scene. ")
	builder.WriteString("You never speak as a character. You observe the conversation, ")
	builder.WriteString("decide who should speak, and describe what happens on stage.")
	if n.guideText != "" {
		builder.WriteString("\n\nNarrative guide for this story:\n")
		builder.WriteString(n.guideText)
	}
	return builder.String()
}

// ChooseNextSpeaker 从候选人中仲裁下一个发言者。
// 空候选返回空串；单候选直接返回，不消耗LLM调用。
// 多候选时最多问两次，响应按 精确匹配→子串匹配→首个候选 逐级降级，
// 因此只要候选非空，返回值一定是候选之一。
func (n *NarratorService) ChooseNextSpeaker(ctx context.Context, history *History, candidates []string) string {
	switch len(candidates) {
	case 0:
		return ""
	case 1:
		return candidates[0]
	}

	prompt := fmt.Sprintf(
		"These characters all want to speak next: %s. "+
			"Considering dramatic flow, who should speak? "+
			`Respond with ONLY a JSON object: {"next_speaker": "exact character name"}.`,
		strings.Join(candidates, ", "))

	for attempt := 0; attempt < speakerArbitrationAttempts; attempt++ {
		messages := history.ToMessages()
		if attempt > 0 {
			prompt = "Your previous answer was not a valid choice. " + prompt
		}
		messages = append(messages, chatUserMessage(prompt))

		raw, err := n.llm.SendMessage(ctx, ChatRequest{
			SystemPrompt:   n.systemPrompt(),
			Messages:       messages,
			MaxTokens:      64,
			ResponseSchema: nextSpeakerSchema,
		})
		if err != nil && !errors.Is(err, ErrSchemaViolation) {
			if n.logger != nil {
				n.logger.Warnf("发言仲裁第%d次失败: %v", attempt+1, err)
			}
			continue
		}
		if err != nil && n.logger != nil {
			// schema校验失败时响应文本仍然在手里，最常见的失败形态
			// 是模型用散文直接报出了名字，子串匹配照样能救回来
			n.logger.Warnf("仲裁响应不符合结构，改在原文上匹配: %v", err)
		}

		record := n.parser.Parse(raw, "next_speaker")
		name := strings.TrimSpace(parser.GetString(record, "next_speaker"))
		if name == "" {
			continue
		}

		if chosen, ok := matchCandidate(name, candidates); ok {
			return chosen
		}
		if n.logger != nil {
			n.logger.Warnf("仲裁结果 %q 不在候选列表中", name)
		}
	}

	if n.logger != nil {
		n.logger.Warnf("发言仲裁降级为首个候选: %s", candidates[0])
	}
	return candidates[0]
}

// matchCandidate 把模型返回的名字对齐到候选：
// 先不分大小写的精确匹配，再双向子串匹配
func matchCandidate(name string, candidates []string) (string, bool) {
	for _, c := range candidates {
		if strings.EqualFold(c, name) {
			return c, true
		}
	}

	lower := strings.ToLower(name)
	for _, c := range candidates {
		cl := strings.ToLower(c)
		if strings.Contains(lower, cl) || strings.Contains(cl, lower) {
			return c, true
		}
	}

	return "", false
}

// NarrateScene 在下一位发言前审视上一位发言者的动作后果。
// 两段式：先用很小的token预算问"这一刻需要旁白吗"，只有肯定回答
// 才进入真正的生成——每句台词后都无条件旁白会把节奏拖垮，
// 而决策调用比生成调用便宜得多。任一阶段失败都返回空串。
func (n *NarratorService) NarrateScene(ctx context.Context, history *History, previousSpeaker string) string {
	messages := history.ToMessages()
	messages = append(messages, chatUserMessage(fmt.Sprintf(
		"%s just spoke. Does this moment need narration — a physical action, "+
			"an environment change, a dramatic beat — or does the dialogue flow fine without it? "+
			`Respond with ONLY a JSON object: {"needs_narration": true} or {"needs_narration": false}.`,
		previousSpeaker)))

	raw, err := n.llm.SendMessage(ctx, ChatRequest{
		SystemPrompt:   n.systemPrompt(),
		Messages:       messages,
		MaxTokens:      32,
		ResponseSchema: needsNarrationSchema,
	})
	if err != nil {
		if n.logger != nil {
			n.logger.Warnf("旁白决策失败，跳过本轮旁白: %v", err)
		}
		return ""
	}

	record := n.parser.Parse(raw, "text")
	if needs, ok := parser.GetBool(record, "needs_narration"); !ok || !needs {
		return ""
	}

	messages = history.ToMessages()
	messages = append(messages, chatUserMessage(fmt.Sprintf(
		"Describe the aftermath of what %s just did, in one or two sentences of pure "+
			"scene description. No dialogue, no \"X said\", no character names followed by colons. "+
			`Respond with ONLY a JSON object: {"narration": "..."}.`, previousSpeaker)))

	raw, err = n.llm.SendMessage(ctx, ChatRequest{
		SystemPrompt:   n.systemPrompt(),
		Messages:       messages,
		MaxTokens:      256,
		ResponseSchema: narrationSchema,
	})
	if err != nil {
		if n.logger != nil {
			n.logger.Warnf("场景旁白生成失败，跳过本轮旁白: %v", err)
		}
		return ""
	}

	record = n.parser.Parse(raw, "narration")
	return strings.TrimSpace(parser.GetString(record, "narration"))
}

// GenerateStorySetup 从一段自由文本生成完整的故事设定：
// 标题、开场场景和二到四个角色（含背景和声音描述）。
// 设定不完整时返回硬错误——没有可用的设定，会话无法开始。
func (n *NarratorService) GenerateStorySetup(ctx context.Context, storyPrompt string) (*models.StorySetup, error) {
	prompt := fmt.Sprintf(
		"Create a dramatic story setup from this premise:\n\n%s\n\n"+
			"Invent a title, an opening scene description, and between two and four characters. "+
			"Each character needs a name, a one-paragraph backstory covering personality and motivation, "+
			"and a short voice_description that includes the character's gender "+
			"(for example \"deep male voice, weary\" or \"bright female voice, quick\"). "+
			"Respond with ONLY a JSON object: "+
			`{"title": "...", "opening_scene": "...", "characters": [{"name": "...", "backstory": "...", "voice_description": "..."}]}.`,
		strings.TrimSpace(storyPrompt))

	raw, err := n.llm.SendMessage(ctx, ChatRequest{
		SystemPrompt:   n.systemPrompt(),
		Messages:       []llm.ChatMessage{chatUserMessage(prompt)},
		MaxTokens:      2048,
		ResponseSchema: storySetupSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("故事设定生成失败: %w", err)
	}

	record := n.parser.Parse(raw, "text")

	setup := &models.StorySetup{
		Title:        strings.TrimSpace(parser.GetString(record, "title")),
		OpeningScene: strings.TrimSpace(parser.GetString(record, "opening_scene")),
	}

	rawChars, _ := record["characters"].([]interface{})
	for _, rc := range rawChars {
		m, ok := rc.(map[string]interface{})
		if !ok {
			continue
		}
		profile := models.CharacterProfile{
			Name:             strings.TrimSpace(parser.GetString(m, "name")),
			Backstory:        strings.TrimSpace(parser.GetString(m, "backstory")),
			VoiceDescription: strings.TrimSpace(parser.GetString(m, "voice_description")),
		}
		if profile.Name == "" || profile.Backstory == "" {
			continue
		}
		setup.Characters = append(setup.Characters, profile)
	}

	if setup.Title == "" || setup.OpeningScene == "" || len(setup.Characters) == 0 {
		return nil, fmt.Errorf("故事设定不完整: title=%q characters=%d", setup.Title, len(setup.Characters))
	}

	return setup, nil
}

// GeneratePlayerSuggestions 为人类接管的角色生成三到五条候选台词。
// 提示是锦上添花：任何失败都返回空列表，玩家照样可以自由输入。
func (n *NarratorService) GeneratePlayerSuggestions(ctx context.Context, history *History, characterName string) []string {
	messages := history.ToMessages()
	messages = append(messages, chatUserMessage(fmt.Sprintf(
		"The player is about to speak as %s. Suggest three to five short lines they might say, "+
			"each fitting the character and the current moment. "+
			`Respond with ONLY a JSON object: {"suggestions": ["...", "..."]}.`, characterName)))

	raw, err := n.llm.SendMessage(ctx, ChatRequest{
		SystemPrompt:   n.systemPrompt(),
		Messages:       messages,
		MaxTokens:      512,
		ResponseSchema: suggestionsSchema,
	})
	if err != nil {
		if n.logger != nil {
			n.logger.Warnf("玩家提示生成失败: %v", err)
		}
		return nil
	}

	record := n.parser.Parse(raw, "text")
	return parser.GetStringSlice(record, "suggestions")
}

// InjectSituation 在没有角色想发言时注入一个新情境，推动剧情重新流动
func (n *NarratorService) InjectSituation(ctx context.Context, history *History) (string, error) {
	messages := history.ToMessages()
	messages = append(messages, chatUserMessage(
		"The scene has stalled and nobody wants to speak. "+
			"Introduce a new event or complication in one or two sentences that forces the characters to react. "+
			`Respond with ONLY a JSON object: {"situation": "..."}.`))

	raw, err := n.llm.SendMessage(ctx, ChatRequest{
		SystemPrompt: n.systemPrompt(),
		Messages:     messages,
		MaxTokens:    256,
	})
	if err != nil {
		return "", fmt.Errorf("情境注入失败: %w", err)
	}

	record := n.parser.Parse(raw, "situation")
	situation := strings.TrimSpace(parser.GetString(record, "situation"))
	if situation == "" {
		return "", fmt.Errorf("情境注入响应缺少situation字段")
	}

	return situation, nil
}
