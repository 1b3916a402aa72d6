// cmd/cli/main.go
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/fatih/color"

	"github.com/Corphon/StageVoiceMCP/internal/app"
	"github.com/Corphon/StageVoiceMCP/internal/config"
	"github.com/Corphon/StageVoiceMCP/internal/di"
	"github.com/Corphon/StageVoiceMCP/internal/models"
	"github.com/Corphon/StageVoiceMCP/internal/parser"
	"github.com/Corphon/StageVoiceMCP/internal/services"
	"github.com/Corphon/StageVoiceMCP/internal/storage"

	// 注册LLM提供者
	_ "github.com/Corphon/StageVoiceMCP/internal/llm/providers/anthropic"
	_ "github.com/Corphon/StageVoiceMCP/internal/llm/providers/google"
	_ "github.com/Corphon/StageVoiceMCP/internal/llm/providers/openrouter"
)

var speakerPalette = []*color.Color{
	color.New(color.FgGreen, color.Bold),
	color.New(color.FgYellow, color.Bold),
	color.New(color.FgMagenta, color.Bold),
	color.New(color.FgBlue, color.Bold),
}

// consoleSurface 终端版的展示层和控制面。
// 一个stdin读取goroutine分发两类输入：等待台词时整行是玩家的台词，
// 其余时刻输入q表示退出。
type consoleSurface struct {
	humanChar string

	quit     int32
	awaiting int32
	inputCh  chan string

	narratorColor *color.Color
	statusColor   *color.Color
	speakerColors map[string]*color.Color
}

func newConsoleSurface(humanChar string) *consoleSurface {
	s := &consoleSurface{
		humanChar:     humanChar,
		inputCh:       make(chan string, 1),
		narratorColor: color.New(color.FgCyan, color.Italic),
		statusColor:   color.New(color.FgHiBlack),
		speakerColors: make(map[string]*color.Color),
	}
	go s.readStdin()
	return s
}

func (s *consoleSurface) readStdin() {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if atomic.LoadInt32(&s.awaiting) == 1 {
			select {
			case s.inputCh <- line:
			default:
			}
			continue
		}
		if line == "q" || line == "quit" {
			atomic.StoreInt32(&s.quit, 1)
			s.statusColor.Println("(已请求退出，将在本回合结束后停止)")
		}
	}
}

func (s *consoleSurface) colorFor(speaker string) *color.Color {
	if c, ok := s.speakerColors[speaker]; ok {
		return c
	}
	c := speakerPalette[len(s.speakerColors)%len(speakerPalette)]
	s.speakerColors[speaker] = c
	return c
}

// ----- DisplaySink -----

func (s *consoleSurface) StartBubble(speaker string, isNarrator bool) {
	fmt.Println()
	if isNarrator {
		s.narratorColor.Printf("※ %s\n", speaker)
	} else {
		s.colorFor(speaker).Printf("%s:\n", speaker)
	}
}

func (s *consoleSurface) AppendText(text string) {
	fmt.Println(indent(text, "  "))
}

func (s *consoleSurface) EndBubble() {}

func (s *consoleSurface) UpdateStatus(text string) {
	s.statusColor.Printf("\n-- %s --\n", text)
}

// ----- ControlSurface -----

func (s *consoleSurface) IsQuitRequested() bool {
	return atomic.LoadInt32(&s.quit) == 1
}

func (s *consoleSurface) HumanControlledCharacter() string {
	return s.humanChar
}

func (s *consoleSurface) AwaitHumanInput() (string, bool) {
	atomic.StoreInt32(&s.awaiting, 1)
	defer atomic.StoreInt32(&s.awaiting, 0)

	fmt.Print("> ")
	input := <-s.inputCh
	if s.IsQuitRequested() {
		return "", false
	}
	return input, true
}

func indent(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}

func main() {
	sessionFile := flag.String("session", "", "会话定义JSON文件")
	storyPrompt := flag.String("story", "", "用一句话描述想看的故事（动态生成设定）")
	playAs := flag.String("play", "", "接管指定角色，轮到该角色时由你输入台词")
	ttsFlag := flag.Bool("tts", false, "开启语音播报（需要ELEVENLABS_API_KEY）")
	flag.Parse()

	baseConfig, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if err := config.InitConfig(baseConfig.DataDir); err != nil {
		log.Fatalf("初始化配置失败: %v", err)
	}
	if err := app.InitServices(); err != nil {
		log.Fatalf("初始化服务失败: %v", err)
	}

	container := di.GetContainer()
	llmService := container.Get("llm").(*services.LLMService)
	responseParser := container.Get("parser").(*parser.ResponseParser)
	store := container.Get("transcripts").(*storage.TranscriptStore)
	logger := container.Get("logger").(services.Logger)

	if !llmService.IsReady() {
		log.Fatalf("LLM服务未就绪: %s", llmService.GetReadyState())
	}

	session := resolveSession(*sessionFile, *storyPrompt, *ttsFlag)

	narrator := services.NewNarratorService(llmService, responseParser, logger)
	agents := make([]*services.CharacterAgent, 0, len(session.Characters))
	for _, cc := range session.Characters {
		agents = append(agents, services.NewCharacterAgent(models.CharacterProfile{
			Name:             cc.Name,
			Backstory:        cc.Backstory,
			VoiceDescription: cc.VoiceDescription,
			VoiceID:          cc.VoiceID,
		}, llmService, responseParser, logger))
	}

	var tts *services.TTSService
	cfg := config.GetCurrentConfig()
	if session.TTS.Enabled && cfg.TTSAPIKey != "" {
		cache := storage.NewAudioCache(session.TTS.CacheSize)
		tts = services.NewTTSService(cfg.TTSAPIKey, session.TTS.NarratorVoiceID,
			session.TTS.AutoCreateVoices, cache, logger)
	} else if session.TTS.Enabled {
		color.Yellow("未设置ELEVENLABS_API_KEY，本场会话静音进行")
	}

	surface := newConsoleSurface(*playAs)
	color.HiWhite("随时输入 q 回车退出；轮到你的角色时直接输入台词")

	conv := services.NewConversationService(session, narrator, agents, tts,
		surface, surface, store, logger)

	if err := conv.Run(context.Background()); err != nil {
		log.Fatalf("会话失败: %v", err)
	}

	fmt.Printf("\n最终状态: %s  (记录已保存: %s)\n", conv.State(), conv.SessionID)
}

// resolveSession 按优先级确定会话定义：-session文件 > -story提示 > 配置默认
func resolveSession(sessionFile, storyPrompt string, ttsOverride bool) *config.SessionConfig {
	var session config.SessionConfig

	if sessionFile != "" {
		loaded, err := config.LoadSessionFile(sessionFile)
		if err != nil {
			log.Fatalf("加载会话文件失败: %v", err)
		}
		session = *loaded
	} else {
		session = config.GetCurrentConfig().Session
		if storyPrompt != "" {
			session.StoryPrompt = storyPrompt
			session.Characters = nil
		}
	}

	if session.StoryPrompt == "" && len(session.Characters) == 0 {
		log.Fatalf("没有可用的会话定义：请提供 -session 文件或 -story 提示")
	}

	if ttsOverride {
		session.TTS.Enabled = true
	}

	return &session
}
