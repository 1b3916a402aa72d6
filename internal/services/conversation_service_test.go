// internal/services/conversation_service_test.go
package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/StageVoiceMCP/internal/config"
	"github.com/Corphon/StageVoiceMCP/internal/llm"
	"github.com/Corphon/StageVoiceMCP/internal/models"
)

// scriptedStage 按调用类型分发mock响应的脚本台
type scriptedStage struct {
	mu          sync.Mutex
	wantsCalls  int
	respondFor  map[string]string
	wantsScript func(call int, character string) bool
	chooseJSON  string
	injectJSON  string
	injectErr   error
}

func (s *scriptedStage) provider() *mockProvider {
	return &mockProvider{respond: func(call int, req llm.CompletionRequest) (string, error) {
		prompt := lastUserContent(req)

		switch {
		case strings.Contains(prompt, "do you want to say something"):
			s.mu.Lock()
			s.wantsCalls++
			n := s.wantsCalls
			s.mu.Unlock()
			if s.wantsScript(n, characterOf(req)) {
				return `{"wants_to_respond": true}`, nil
			}
			return `{"wants_to_respond": false}`, nil

		case strings.Contains(prompt, "It is your turn to speak"):
			line, ok := s.respondFor[characterOf(req)]
			if !ok {
				return "", errors.New("脚本里没有这个角色的台词")
			}
			return line, nil

		case strings.Contains(prompt, "who should speak"):
			return s.chooseJSON, nil

		case strings.Contains(prompt, "has stalled"):
			return s.injectJSON, s.injectErr

		case strings.Contains(prompt, "Does this moment need narration"):
			return `{"needs_narration": false}`, nil

		case strings.Contains(prompt, "Suggest three to five"):
			return `{"suggestions": ["低声威胁", "装作没听见", "直接摊牌"]}`, nil
		}

		return "", errors.New("未知的调用类型: " + prompt)
	}}
}

// characterOf 从系统提示中识别扮演的角色
func characterOf(req llm.CompletionRequest) string {
	for _, name := range []string{"Alice", "Bob"} {
		if strings.Contains(req.SystemPrompt, "You are "+name) {
			return name
		}
	}
	return ""
}

func testSession(maxTurns int) *config.SessionConfig {
	return &config.SessionConfig{
		Title:        "测试场",
		OpeningScene: "幕布拉开。",
		MaxTurns:     maxTurns,
		TokenBudget:  12000,
	}
}

func buildConversation(t *testing.T, stage *scriptedStage, session *config.SessionConfig, control ControlSurface) (*ConversationService, *mockProvider) {
	t.Helper()

	provider := stage.provider()
	llmService := newTestLLM(provider)
	p := newTestParser()
	narrator := NewNarratorService(llmService, p, nil)
	agents := []*CharacterAgent{
		NewCharacterAgent(models.CharacterProfile{Name: "Alice", Backstory: "甲"}, llmService, p, nil),
		NewCharacterAgent(models.CharacterProfile{Name: "Bob", Backstory: "乙"}, llmService, p, nil),
	}

	return NewConversationService(session, narrator, agents, nil, nil, control, nil, nil), provider
}

func dialogueTurns(turns []models.Turn) []models.Turn {
	var out []models.Turn
	for _, turn := range turns {
		if turn.Kind == models.TurnDialogue {
			out = append(out, turn)
		}
	}
	return out
}

func TestConversation_SingleRoundSpeakerChosen(t *testing.T) {
	stage := &scriptedStage{
		wantsScript: func(call int, character string) bool { return true },
		chooseJSON:  `{"next_speaker": "Bob"}`,
		respondFor:  map[string]string{"Bob": `你先坐。"}`},
	}
	conv, _ := buildConversation(t, stage, testSession(1), nil)

	require.NoError(t, conv.Run(context.Background()))
	assert.Equal(t, StateEndedMaxTurns, conv.State())

	turns := conv.History().Turns()
	require.Len(t, turns, 3, "应为 开场+台词+推进 三条")
	assert.Equal(t, models.TurnOpening, turns[0].Kind)

	dialogues := dialogueTurns(turns)
	require.Len(t, dialogues, 1)
	assert.Equal(t, "Bob", dialogues[0].Speaker)
	assert.Equal(t, "你先坐。", dialogues[0].Text)

	assert.Equal(t, models.TurnNudge, turns[2].Kind)
	assert.Equal(t, nudgeText, turns[2].Text)
}

func TestConversation_SituationInjectionRevivesScene(t *testing.T) {
	stage := &scriptedStage{
		// 第一轮询问（2次）都不想说；注入后第二轮只有Alice想说
		wantsScript: func(call int, character string) bool {
			return call > 2 && character == "Alice"
		},
		injectJSON: `{"situation": "灯突然灭了。"}`,
		respondFor: map[string]string{"Alice": `谁关的灯？"}`},
	}
	conv, _ := buildConversation(t, stage, testSession(1), nil)

	require.NoError(t, conv.Run(context.Background()))
	assert.Equal(t, StateEndedMaxTurns, conv.State(), "注入成功后会话应继续而不是终止")

	var situation *models.Turn
	for i := range conv.History().Turns() {
		if conv.History().Turns()[i].Kind == models.TurnSituation {
			turn := conv.History().Turns()[i]
			situation = &turn
		}
	}
	require.NotNil(t, situation, "注入的情境应进入历史")
	assert.Equal(t, "灯突然灭了。", situation.Text)

	dialogues := dialogueTurns(conv.History().Turns())
	require.Len(t, dialogues, 1)
	assert.Equal(t, "Alice", dialogues[0].Speaker)
}

func TestConversation_EndsWhenNobodyInterestedTwice(t *testing.T) {
	stage := &scriptedStage{
		wantsScript: func(call int, character string) bool { return false },
		injectJSON:  `{"situation": "远处响起雷声。"}`,
	}
	conv, provider := buildConversation(t, stage, testSession(10), nil)

	require.NoError(t, conv.Run(context.Background()))
	assert.Equal(t, StateEndedNoInterest, conv.State())

	// 2次首轮询问 + 1次注入 + 2次复询，之后不再有任何LLM调用
	assert.Equal(t, 5, provider.callCount())
	assert.Empty(t, dialogueTurns(conv.History().Turns()))
}

// quitControl 立即请求退出的控制面
type quitControl struct{ NullControlSurface }

func (quitControl) IsQuitRequested() bool { return true }

func TestConversation_QuitBeforeFirstRound(t *testing.T) {
	stage := &scriptedStage{
		wantsScript: func(call int, character string) bool { return true },
	}
	conv, provider := buildConversation(t, stage, testSession(10), quitControl{})

	require.NoError(t, conv.Run(context.Background()))
	assert.Equal(t, StateEndedQuit, conv.State())
	assert.Equal(t, 0, provider.callCount(), "退出检查应先于一切LLM调用")
}

// humanControl 接管Alice并固定回一句台词
type humanControl struct{ NullControlSurface }

func (humanControl) HumanControlledCharacter() string { return "Alice" }
func (humanControl) AwaitHumanInput() (string, bool)  { return "这话我接了。", true }

func TestConversation_HumanTakesOverCharacter(t *testing.T) {
	stage := &scriptedStage{
		wantsScript: func(call int, character string) bool { return true },
		chooseJSON:  `{"next_speaker": "Alice"}`,
	}
	conv, _ := buildConversation(t, stage, testSession(1), humanControl{})

	require.NoError(t, conv.Run(context.Background()))

	dialogues := dialogueTurns(conv.History().Turns())
	require.Len(t, dialogues, 1)
	assert.Equal(t, "Alice", dialogues[0].Speaker)
	assert.Equal(t, "这话我接了。", dialogues[0].Text, "人类输入应原样成为台词")

	var hint *models.Turn
	for _, turn := range conv.History().Turns() {
		if turn.Kind == models.TurnHint {
			h := turn
			hint = &h
		}
	}
	require.NotNil(t, hint, "导演提示应进入历史")
	assert.Contains(t, hint.Text, "低声威胁")
}

func TestConversation_CannotRunTwice(t *testing.T) {
	stage := &scriptedStage{
		wantsScript: func(call int, character string) bool { return false },
		injectErr:   errors.New("boom"),
	}
	conv, _ := buildConversation(t, stage, testSession(1), nil)

	require.NoError(t, conv.Run(context.Background()))
	assert.Error(t, conv.Run(context.Background()), "同一会话实例不可复用")
}
