// internal/services/conversation_service.go
package services

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/Corphon/StageVoiceMCP/internal/config"
	"github.com/Corphon/StageVoiceMCP/internal/models"
	"github.com/Corphon/StageVoiceMCP/internal/storage"
)

// ConversationState 会话状态机的状态
type ConversationState string

const (
	StateNotStarted      ConversationState = "NOT_STARTED"
	StateRunning         ConversationState = "RUNNING"
	StateEndedNoInterest ConversationState = "ENDED_NO_INTEREST"
	StateEndedQuit       ConversationState = "ENDED_QUIT"
	StateEndedMaxTurns   ConversationState = "ENDED_MAX_TURNS"
	StateEndedError      ConversationState = "ENDED_ERROR"
)

// nudgeText 每条台词后追加的合成用户消息，维持模型视角下的轮替节奏
const nudgeText = "Continue the conversation."

// actorKind 本回合行动者的类型
type actorKind int

const (
	actorAI actorKind = iota
	actorHuman
)

// turnActor 回合行动者：在分发前一次性解析出"谁以何种方式行动"，
// 后续流程只看这个标签，不再四处查询人类接管状态。
type turnActor struct {
	kind  actorKind
	agent *CharacterAgent
}

// ConversationService 把角色、旁白、历史、语音和展示层绑定成
// 一场完整会话的状态机。一个实例对应一次会话，不可复用。
type ConversationService struct {
	SessionID string

	session  *config.SessionConfig
	narrator *NarratorService
	agents   []*CharacterAgent

	history *History
	state   ConversationState

	tts    *TTSService
	voices map[string]string

	display DisplaySink
	control ControlSurface
	store   *storage.TranscriptStore
	logger  Logger

	title        string
	openingScene string
	lastSpeaker  string
	turnCount    int
}

// NewConversationService 创建会话。display/control可为nil（自动用空实现），
// tts为nil表示本场会话静音，store为nil表示不落盘。
func NewConversationService(
	session *config.SessionConfig,
	narrator *NarratorService,
	agents []*CharacterAgent,
	tts *TTSService,
	display DisplaySink,
	control ControlSurface,
	store *storage.TranscriptStore,
	logger Logger,
) *ConversationService {
	if display == nil {
		display = NullDisplaySink{}
	}
	if control == nil {
		control = NullControlSurface{}
	}

	return &ConversationService{
		SessionID: uuid.NewString(),
		session:   session,
		narrator:  narrator,
		agents:    agents,
		history:   NewHistory(session.TokenBudget, logger),
		state:     StateNotStarted,
		tts:       tts,
		voices:    make(map[string]string),
		display:   display,
		control:   control,
		store:     store,
		logger:    logger,
	}
}

// State 当前状态
func (c *ConversationService) State() ConversationState {
	return c.state
}

// History 会话历史（测试和展示用）
func (c *ConversationService) History() *History {
	return c.history
}

// Agents 参与会话的角色代理
func (c *ConversationService) Agents() []*CharacterAgent {
	return c.agents
}

// Run 执行整场会话直到终止状态。返回错误仅表示设定阶段的硬失败；
// 会话过程中的LLM故障按降级策略处理，不会从这里冒出来。
func (c *ConversationService) Run(ctx context.Context) error {
	if c.state != StateNotStarted {
		return fmt.Errorf("会话已经运行过 (state=%s)", c.state)
	}

	if err := c.setup(ctx); err != nil {
		c.state = StateEndedError
		return err
	}

	c.state = StateRunning
	c.display.UpdateStatus(fmt.Sprintf("《%s》开演", c.title))

	// 开场场景进入历史并播报
	opening := models.Turn{
		Speaker:   "Narrator",
		Kind:      models.TurnOpening,
		Text:      c.openingScene,
		Timestamp: time.Now(),
	}
	c.history.Append(opening)
	c.deliver(opening)

	for c.state == StateRunning {
		c.runRound(ctx)
	}

	c.finish()
	return nil
}

// setup 解析故事设定并装配角色。动态模式下由旁白从story_prompt
// 生成全部设定；任何不完整都让会话直接失败——没有设定就没有戏。
func (c *ConversationService) setup(ctx context.Context) error {
	c.title = c.session.Title
	c.openingScene = c.session.OpeningScene

	if len(c.agents) == 0 {
		if c.session.StoryPrompt == "" {
			return fmt.Errorf("会话既没有角色也没有story_prompt")
		}

		setup, err := c.narrator.GenerateStorySetup(ctx, c.session.StoryPrompt)
		if err != nil {
			return err
		}

		c.title = setup.Title
		c.openingScene = setup.OpeningScene
		for _, profile := range setup.Characters {
			c.agents = append(c.agents, NewCharacterAgent(profile, c.narrator.llm, c.narrator.parser, c.logger))
		}
		if c.logger != nil {
			c.logger.Infof("动态生成故事《%s》，角色%d个", c.title, len(c.agents))
		}
	}

	if c.openingScene == "" {
		return fmt.Errorf("会话缺少开场场景")
	}
	if c.title == "" {
		c.title = "Untitled Scene"
	}

	c.resolveVoices(ctx)

	if c.session.NarratorGuideFile != "" {
		raw, err := os.ReadFile(c.session.NarratorGuideFile)
		if err != nil {
			return fmt.Errorf("读取叙事指南失败 %s: %w", c.session.NarratorGuideFile, err)
		}
		c.narrator.SetGuideText(string(raw))
	}

	return nil
}

// resolveVoices 为每个角色解析voice_id；TTS关闭时跳过
func (c *ConversationService) resolveVoices(ctx context.Context) {
	if c.tts == nil {
		return
	}

	c.tts.Start(ctx)
	for _, agent := range c.agents {
		p := agent.Profile
		if id := c.tts.ResolveVoice(ctx, p.Name, p.VoiceID, p.VoiceDescription); id != "" {
			c.voices[p.Name] = id
		}
	}
	if c.tts.NarratorVoiceID() != "" {
		c.voices["Narrator"] = c.tts.NarratorVoiceID()
	}
}

// runRound 执行一个回合（对应状态机的一次RUNNING迭代）
func (c *ConversationService) runRound(ctx context.Context) {
	// 1. 协作式退出检查
	if c.control.IsQuitRequested() || ctx.Err() != nil {
		c.state = StateEndedQuit
		return
	}

	if c.turnCount >= c.session.MaxTurns {
		c.state = StateEndedMaxTurns
		return
	}

	// 2. 预算内修剪
	c.history.TrimToBudget()

	// 3. 并行询问发言意愿
	interested := c.pollInterest(ctx)

	// 4. 无人想说话：注入情境后恰好重试一次
	if len(interested) == 0 {
		situation, err := c.narrator.InjectSituation(ctx, c.history)
		if err != nil || situation == "" {
			c.state = StateEndedNoInterest
			return
		}

		turn := models.Turn{
			Speaker:   "Narrator",
			Kind:      models.TurnSituation,
			Text:      situation,
			Timestamp: time.Now(),
		}
		c.history.Append(turn)
		c.deliver(turn)

		interested = c.pollInterest(ctx)
		if len(interested) == 0 {
			c.state = StateEndedNoInterest
			return
		}
	}

	// 5. 仲裁发言者并解析行动方式
	speaker := c.narrator.ChooseNextSpeaker(ctx, c.history, interested)
	actor := c.resolveActor(speaker)
	if actor.agent == nil {
		if c.logger != nil {
			c.logger.Errorf("仲裁结果 %q 无法对应任何角色，结束会话", speaker)
		}
		c.state = StateEndedError
		return
	}

	// 6. 先旁白上一位发言者的后果，再让下一位开口（首回合没有上一位）
	if c.turnCount > 0 && c.lastSpeaker != "" {
		if narration := c.narrator.NarrateScene(ctx, c.history, c.lastSpeaker); narration != "" {
			turn := models.Turn{
				Speaker:   "Narrator",
				Kind:      models.TurnScene,
				Text:      narration,
				Timestamp: time.Now(),
			}
			c.history.Append(turn)
			c.deliver(turn)
		}
	}

	// 7/8. 行动分发
	var dialogue, behavior string
	switch actor.kind {
	case actorHuman:
		dialogue = c.humanTurn(ctx, actor.agent.Name())
		if dialogue == "" {
			c.state = StateEndedQuit
			return
		}
	default:
		var err error
		dialogue, behavior, err = actor.agent.Respond(ctx, c.history, nil)
		if err != nil {
			if c.logger != nil {
				c.logger.Errorf("角色 %s 回复失败: %v", actor.agent.Name(), err)
			}
			c.state = StateEndedError
			return
		}
	}

	// 9. 台词入史并播报
	turn := models.Turn{
		Speaker:   actor.agent.Name(),
		Kind:      models.TurnDialogue,
		Text:      dialogue,
		Behavior:  behavior,
		Timestamp: time.Now(),
	}
	c.history.Append(turn)
	c.deliver(turn)

	// 10. 合成推进消息，维持模型视角的轮替节奏
	c.history.Append(models.Turn{
		Speaker:   "Narrator",
		Kind:      models.TurnNudge,
		Text:      nudgeText,
		Timestamp: time.Now(),
	})

	c.lastSpeaker = actor.agent.Name()
	c.turnCount++
}

// pollInterest 并行询问所有角色的发言意愿，返回想发言的角色名。
// 返回顺序与角色注册顺序一致，保证仲裁降级路径的确定性。
func (c *ConversationService) pollInterest(ctx context.Context) []string {
	results := make([]bool, len(c.agents))

	var wg conc.WaitGroup
	for i, agent := range c.agents {
		i, agent := i, agent
		wg.Go(func() {
			results[i] = agent.WantsToRespond(ctx, c.history)
		})
	}
	wg.Wait()

	interested := make([]string, 0, len(c.agents))
	for i, wants := range results {
		if wants {
			interested = append(interested, c.agents[i].Name())
		}
	}
	return interested
}

// resolveActor 把发言者名字解析成带行动方式标签的行动者
func (c *ConversationService) resolveActor(speaker string) turnActor {
	for _, agent := range c.agents {
		if agent.Name() == speaker {
			kind := actorAI
			if c.control.HumanControlledCharacter() == agent.Name() {
				kind = actorHuman
			}
			return turnActor{kind: kind, agent: agent}
		}
	}
	return turnActor{}
}

// humanTurn 人类接管回合：生成导演提示（入史但不进语音），
// 然后阻塞等待输入。返回空串表示玩家取消。
func (c *ConversationService) humanTurn(ctx context.Context, name string) string {
	if hints := c.narrator.GeneratePlayerSuggestions(ctx, c.history, name); len(hints) > 0 {
		turn := models.Turn{
			Speaker:   "Narrator",
			Kind:      models.TurnHint,
			Text:      fmt.Sprintf("Director hints for %s:\n- %s", name, strings.Join(hints, "\n- ")),
			Timestamp: time.Now(),
		}
		c.history.Append(turn)
		// 提示只上屏，永远不进语音队列
		c.display.StartBubble("Narrator", true)
		c.display.AppendText(turn.Text)
		c.display.EndBubble()
	}

	c.display.UpdateStatus(fmt.Sprintf("轮到你了，以 %s 的身份发言", name))
	input, ok := c.control.AwaitHumanInput()
	if !ok {
		return ""
	}
	return strings.TrimSpace(input)
}

// deliver 把一条轮次送往展示层和语音层。
// 语音开启且该说话者有声音时，字幕被推迟到音频开始播放的瞬间；
// 否则立即上屏。语音永远不阻塞本方法。
func (c *ConversationService) deliver(turn models.Turn) {
	isNarrator := turn.Speaker == "Narrator"
	text := turn.Text
	if turn.Behavior != "" {
		text = fmt.Sprintf("%s\n(%s)", text, turn.Behavior)
	}

	show := func() {
		c.display.StartBubble(turn.Speaker, isNarrator)
		c.display.AppendText(text)
		c.display.EndBubble()
	}

	if c.tts != nil {
		if voiceID, ok := c.voices[turn.Speaker]; ok {
			c.tts.Speak(voiceID, turn.Text, show)
			return
		}
	}

	show()
}

// finish 收尾：等语音播完、落盘会话记录、更新状态栏
func (c *ConversationService) finish() {
	if c.tts != nil {
		c.tts.WaitIdle()
	}

	c.display.UpdateStatus(fmt.Sprintf("会话结束: %s", c.state))

	if c.store != nil {
		transcript := &models.Transcript{
			SessionID:    c.SessionID,
			Title:        c.title,
			OpeningScene: c.openingScene,
			FinalState:   string(c.state),
			Turns:        c.history.Turns(),
		}
		if err := c.store.Save(transcript); err != nil && c.logger != nil {
			c.logger.Errorf("保存会话记录失败: %v", err)
		}
	}

	if c.logger != nil {
		c.logger.Infof("会话 %s 结束 (state=%s, turns=%d)", c.SessionID, c.state, c.turnCount)
	}
}
