// internal/services/history.go
package services

import (
	"fmt"

	"github.com/Corphon/StageVoiceMCP/internal/llm"
	"github.com/Corphon/StageVoiceMCP/internal/models"
)

// History 维护会话的结构化轮次记录。
// 记录本身保留说话者、类型等完整结构，只在投影为LLM消息时
// 压扁成 role+content；修剪按轮次整条进行，绝不截断单条文本。
type History struct {
	turns       []models.Turn
	tokenBudget int
	logger      Logger
}

// NewHistory 创建历史记录，tokenBudget<=0时使用默认预算
func NewHistory(tokenBudget int, logger Logger) *History {
	if tokenBudget <= 0 {
		tokenBudget = 12000
	}
	return &History{
		turns:       make([]models.Turn, 0, 32),
		tokenBudget: tokenBudget,
		logger:      logger,
	}
}

// Append 追加一条轮次记录
func (h *History) Append(turn models.Turn) {
	h.turns = append(h.turns, turn)
}

// Turns 返回当前记录的副本
func (h *History) Turns() []models.Turn {
	out := make([]models.Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Len 当前轮次数
func (h *History) Len() int {
	return len(h.turns)
}

// estimateTokens 粗略的token估算：长度除以4。
// 这里只需要一个稳定的上界感，不追求与具体模型的分词一致。
func estimateTokens(text string) int {
	return len(text) / 4
}

// TotalTokens 当前历史的估算token总量
func (h *History) TotalTokens() int {
	total := 0
	for _, turn := range h.turns {
		total += estimateTokens(turn.Text)
	}
	return total
}

// TrimToBudget 从最旧的轮次开始丢弃，直到估算量回到预算内。
// 无论预算多小都至少保留一条，避免把对话剪成空上下文。
func (h *History) TrimToBudget() int {
	dropped := 0
	for len(h.turns) > 1 && h.TotalTokens() > h.tokenBudget {
		h.turns = h.turns[1:]
		dropped++
	}

	if dropped > 0 && h.logger != nil {
		h.logger.Infof("历史超出token预算，丢弃最旧的%d条轮次 (剩余%d条, 约%d tokens)",
			dropped, len(h.turns), h.TotalTokens())
	}
	return dropped
}

// ToMessages 把轮次记录投影为LLM消息序列。
// 角色台词变成assistant消息（"名字: 台词"，带行为标注），
// 其余类型（开场、旁白、提示、注入情境、推进指令）都作为user消息，
// 这样每个角色视角下，别人的台词和舞台指示都是"发生在自己之外的事"。
func (h *History) ToMessages() []llm.ChatMessage {
	messages := make([]llm.ChatMessage, 0, len(h.turns))
	for _, turn := range h.turns {
		switch turn.Kind {
		case models.TurnDialogue:
			content := fmt.Sprintf("%s: %s", turn.Speaker, turn.Text)
			if turn.Behavior != "" {
				content = fmt.Sprintf("%s [behavior: %s]", content, turn.Behavior)
			}
			messages = append(messages, llm.ChatMessage{
				Role:    llm.RoleAssistant,
				Content: content,
			})
		default:
			messages = append(messages, llm.ChatMessage{
				Role:    llm.RoleUser,
				Content: turn.Text,
			})
		}
	}
	return messages
}
