// internal/services/character_service_test.go
package services

import (
	"context"
	"errors"
	"testing"

	"github.com/Corphon/StageVoiceMCP/internal/llm"
	"github.com/Corphon/StageVoiceMCP/internal/models"
)

func testAgent(provider *mockProvider) *CharacterAgent {
	return NewCharacterAgent(models.CharacterProfile{
		Name:      "Alice",
		Backstory: "一个守着秘密的酒馆老板娘。",
	}, newTestLLM(provider), newTestParser(), nil)
}

func TestWantsToRespond_Yes(t *testing.T) {
	provider := &mockProvider{
		respond: func(call int, req llm.CompletionRequest) (string, error) {
			return `{"wants_to_respond": true}`, nil
		},
	}
	agent := testAgent(provider)

	if !agent.WantsToRespond(context.Background(), NewHistory(0, nil)) {
		t.Error("模型明确说想发言时应返回true")
	}
}

func TestWantsToRespond_TransportErrorMeansNo(t *testing.T) {
	provider := &mockProvider{
		respond: func(call int, req llm.CompletionRequest) (string, error) {
			return "", errors.New("connection refused")
		},
	}
	agent := testAgent(provider)

	if agent.WantsToRespond(context.Background(), NewHistory(0, nil)) {
		t.Error("传输失败时应按不发言处理，而不是panic或返回true")
	}
}

func TestWantsToRespond_NonBooleanMeansNo(t *testing.T) {
	provider := &mockProvider{
		respond: func(call int, req llm.CompletionRequest) (string, error) {
			return `{"wants_to_respond": "yes"}`, nil
		},
	}
	agent := testAgent(provider)

	if agent.WantsToRespond(context.Background(), NewHistory(0, nil)) {
		t.Error("非布尔字段应按不发言处理")
	}
}

func TestRespond_ParsesDialogueAndBehavior(t *testing.T) {
	provider := &mockProvider{
		respond: func(call int, req llm.CompletionRequest) (string, error) {
			// 模型从Prefill处续写
			return `今晚不卖酒。", "behavior": "擦着杯子"}`, nil
		},
	}
	agent := testAgent(provider)

	dialogue, behavior, err := agent.Respond(context.Background(), NewHistory(0, nil), nil)
	if err != nil {
		t.Fatalf("Respond失败: %v", err)
	}
	if dialogue != "今晚不卖酒。" {
		t.Errorf("台词解析错误: %q", dialogue)
	}
	if behavior != "擦着杯子" {
		t.Errorf("行为解析错误: %q", behavior)
	}
}

func TestRespond_RegexRecoveryOnTruncatedJSON(t *testing.T) {
	provider := &mockProvider{
		respond: func(call int, req llm.CompletionRequest) (string, error) {
			// 右括号丢失，整体解析必然失败
			return `欠债的人都记在这本账上。", "behavior": "拍了拍账本`, nil
		},
	}
	agent := testAgent(provider)

	dialogue, _, err := agent.Respond(context.Background(), NewHistory(0, nil), nil)
	if err != nil {
		t.Fatalf("Respond失败: %v", err)
	}
	if dialogue != "欠债的人都记在这本账上。" {
		t.Errorf("截断JSON应通过正则恢复台词，实际: %q", dialogue)
	}
}

func TestRespond_RawTextFallback(t *testing.T) {
	provider := &mockProvider{
		respond: func(call int, req llm.CompletionRequest) (string, error) {
			return "", errors.New("boom")
		},
	}
	agent := testAgent(provider)

	_, _, err := agent.Respond(context.Background(), NewHistory(0, nil), nil)
	if err == nil {
		t.Error("传输失败时Respond应报错，由上层决定会话去留")
	}
}

func TestRespond_SinkReceivesDialogue(t *testing.T) {
	provider := &mockProvider{
		respond: func(call int, req llm.CompletionRequest) (string, error) {
			return `打烊了。"}`, nil
		},
	}
	agent := testAgent(provider)

	var got string
	_, _, err := agent.Respond(context.Background(), NewHistory(0, nil), func(chunk string) {
		got += chunk
	})
	if err != nil {
		t.Fatalf("Respond失败: %v", err)
	}
	if got != "打烊了。" {
		t.Errorf("Sink应收到解析后的台词而不是原始JSON: %q", got)
	}
}
