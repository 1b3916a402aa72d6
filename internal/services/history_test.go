// internal/services/history_test.go
package services

import (
	"strings"
	"testing"

	"github.com/Corphon/StageVoiceMCP/internal/llm"
	"github.com/Corphon/StageVoiceMCP/internal/models"
)

func dialogueTurn(speaker, text, behavior string) models.Turn {
	return models.Turn{Speaker: speaker, Kind: models.TurnDialogue, Text: text, Behavior: behavior}
}

func TestHistory_TrimRemovesOldestFirst(t *testing.T) {
	// 预算100 tokens ≈ 400字符；每条100字符 ≈ 25 tokens
	h := NewHistory(100, nil)
	entry := strings.Repeat("x", 100)
	for i := 0; i < 8; i++ {
		h.Append(dialogueTurn("A", entry, ""))
	}

	dropped := h.TrimToBudget()
	if dropped != 4 {
		t.Errorf("应丢弃4条，实际丢弃%d条", dropped)
	}
	if h.Len() != 4 {
		t.Errorf("修剪后应剩4条，实际%d条", h.Len())
	}
	if h.TotalTokens() > 100 {
		t.Errorf("修剪后总量%d仍超预算", h.TotalTokens())
	}
}

func TestHistory_TrimKeepsAtLeastOne(t *testing.T) {
	h := NewHistory(1, nil)
	h.Append(dialogueTurn("A", strings.Repeat("x", 1000), ""))
	h.Append(dialogueTurn("B", strings.Repeat("y", 1000), ""))

	h.TrimToBudget()
	if h.Len() != 1 {
		t.Errorf("无论预算多小都应至少保留1条，实际%d条", h.Len())
	}
	if h.Turns()[0].Speaker != "B" {
		t.Errorf("保留的应是最新一条（B），实际是%s", h.Turns()[0].Speaker)
	}
}

func TestHistory_TrimNoopUnderBudget(t *testing.T) {
	h := NewHistory(12000, nil)
	h.Append(dialogueTurn("A", "short", ""))
	h.Append(dialogueTurn("B", "lines", ""))

	if dropped := h.TrimToBudget(); dropped != 0 {
		t.Errorf("预算内不应修剪，实际丢弃%d条", dropped)
	}
	if h.Len() != 2 {
		t.Errorf("条目数不应变化，实际%d", h.Len())
	}
}

func TestHistory_ToMessagesProjection(t *testing.T) {
	h := NewHistory(12000, nil)
	h.Append(models.Turn{Speaker: "Narrator", Kind: models.TurnOpening, Text: "雨夜的酒馆。"})
	h.Append(dialogueTurn("Alice", "你来晚了。", "抱臂"))
	h.Append(models.Turn{Speaker: "Narrator", Kind: models.TurnNudge, Text: nudgeText})

	messages := h.ToMessages()
	if len(messages) != 3 {
		t.Fatalf("应投影出3条消息，实际%d条", len(messages))
	}

	if messages[0].Role != llm.RoleUser || messages[0].Content != "雨夜的酒馆。" {
		t.Errorf("开场应投影为user消息: %+v", messages[0])
	}
	if messages[1].Role != llm.RoleAssistant {
		t.Errorf("台词应投影为assistant消息: %+v", messages[1])
	}
	if messages[1].Content != "Alice: 你来晚了。 [behavior: 抱臂]" {
		t.Errorf("台词投影格式错误: %q", messages[1].Content)
	}
	if messages[2].Role != llm.RoleUser || messages[2].Content != nudgeText {
		t.Errorf("推进消息应投影为user消息: %+v", messages[2])
	}
}
