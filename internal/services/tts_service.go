// internal/services/tts_service.go
package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Corphon/StageVoiceMCP/internal/storage"
)

const (
	elevenLabsAPIBase  = "https://api.elevenlabs.io"
	elevenLabsWSBase   = "wss://api.elevenlabs.io"
	elevenLabsModelID  = "eleven_multilingual_v2"
	voiceDesignModelID = "eleven_multilingual_ttv_v2"

	// 语音设计接口对描述长度的硬性要求
	voiceDescriptionMinLen = 20
	voiceDescriptionMaxLen = 1000

	ttsQueueCapacity = 16
)

// Synthesizer 文本转音频的底层实现接口，测试时可替换
type Synthesizer interface {
	Synthesize(ctx context.Context, voiceID, text string) ([]byte, error)
}

// AudioPlayer 音频播放接口，测试时可替换
type AudioPlayer interface {
	Play(data []byte) error
}

// ttsJob 一条待播报的台词
type ttsJob struct {
	voiceID string
	text    string
	// onPlay 在音频开始播放的时刻触发（用于让字幕和声音同步出现）
	onPlay func()
}

// voiceInfo 语音库中的一个声音
type voiceInfo struct {
	ID          string
	Name        string
	Gender      string
	Description string
}

// TTSService 基于ElevenLabs的语音合成服务。
// 入队非阻塞语义由有界队列保证；单个消费者goroutine顺序执行
// 合成和播放，所以台词永远按入队顺序发声，不会重叠。
type TTSService struct {
	apiKey          string
	narratorVoiceID string
	autoCreate      bool

	synth  Synthesizer
	player AudioPlayer
	cache  *storage.AudioCache
	logger Logger

	httpClient *http.Client

	jobs    chan ttsJob
	pending sync.WaitGroup
	started sync.Once

	// stopMutex串住Speak的入队和consume的停机：stopped在收尾排空
	// 之前置位，之后的Speak不再入队，排空后pending必然归零
	stopMutex sync.Mutex
	stopped   bool

	// 兜底选声状态：同一会话里尽量不给两个角色分同一个声音
	voicesMutex   sync.Mutex
	libraryVoices []voiceInfo
	assignedIDs   map[string]bool
	rrCursor      int
}

// NewTTSService 创建语音服务
func NewTTSService(apiKey, narratorVoiceID string, autoCreate bool, cache *storage.AudioCache, logger Logger) *TTSService {
	s := &TTSService{
		apiKey:          apiKey,
		narratorVoiceID: narratorVoiceID,
		autoCreate:      autoCreate,
		cache:           cache,
		logger:          logger,
		httpClient:      &http.Client{Timeout: 60 * time.Second},
		jobs:            make(chan ttsJob, ttsQueueCapacity),
		assignedIDs:     make(map[string]bool),
	}
	s.synth = &elevenLabsSynthesizer{apiKey: apiKey, logger: logger}
	s.player = &systemAudioPlayer{logger: logger}
	return s
}

// SetSynthesizer 替换底层合成实现
func (s *TTSService) SetSynthesizer(synth Synthesizer) {
	s.synth = synth
}

// SetPlayer 替换底层播放实现
func (s *TTSService) SetPlayer(player AudioPlayer) {
	s.player = player
}

// NarratorVoiceID 旁白使用的声音
func (s *TTSService) NarratorVoiceID() string {
	return s.narratorVoiceID
}

// Start 启动后台播报goroutine
func (s *TTSService) Start(ctx context.Context) {
	s.started.Do(func() {
		go s.consume(ctx)
	})
}

// Speak 把一条台词加入播报队列。队列满时丢弃并记录，绝不阻塞对话引擎。
// onPlay可为nil；非nil时在该条音频即将发声的时刻被调用一次——
// 合成失败时也会调用，保证字幕不因语音故障而丢失。
func (s *TTSService) Speak(voiceID, text string, onPlay func()) {
	text = strings.TrimSpace(text)
	if text == "" || voiceID == "" {
		if onPlay != nil {
			onPlay()
		}
		return
	}

	s.stopMutex.Lock()
	if s.stopped {
		s.stopMutex.Unlock()
		if onPlay != nil {
			onPlay()
		}
		return
	}

	s.pending.Add(1)
	select {
	case s.jobs <- ttsJob{voiceID: voiceID, text: text, onPlay: onPlay}:
		s.stopMutex.Unlock()
	default:
		s.stopMutex.Unlock()
		s.pending.Done()
		if s.logger != nil {
			s.logger.Warnf("TTS队列已满，丢弃一条播报 (voice=%s, %d字符)", voiceID, len(text))
		}
		if onPlay != nil {
			onPlay()
		}
	}
}

// WaitIdle 阻塞直到队列中的播报全部完成
func (s *TTSService) WaitIdle() {
	s.pending.Wait()
}

// consume 顺序处理播报队列
func (s *TTSService) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// 先封死入口再清空残余任务，让WaitIdle不至于永久挂起
			s.stopMutex.Lock()
			s.stopped = true
			s.stopMutex.Unlock()
			for {
				select {
				case job := <-s.jobs:
					if job.onPlay != nil {
						job.onPlay()
					}
					s.pending.Done()
				default:
					return
				}
			}
		case job := <-s.jobs:
			s.process(ctx, job)
			s.pending.Done()
		}
	}
}

func (s *TTSService) process(ctx context.Context, job ttsJob) {
	key := storage.CacheKey(job.voiceID, job.text)
	audio, hit := s.cache.Get(key)
	if !hit {
		var err error
		audio, err = s.synth.Synthesize(ctx, job.voiceID, job.text)
		if err != nil {
			if s.logger != nil {
				s.logger.Errorf("语音合成失败 (voice=%s): %v", job.voiceID, err)
			}
			if job.onPlay != nil {
				job.onPlay()
			}
			return
		}
		s.cache.Put(key, audio)
	}

	if job.onPlay != nil {
		job.onPlay()
	}

	if err := s.player.Play(audio); err != nil && s.logger != nil {
		s.logger.Errorf("音频播放失败: %v", err)
	}
}

// ResolveVoice 为角色确定一个voice_id，按优先级：
// 显式配置 → 按描述自动创建（开关打开时）→ 从语音库兜底挑选。
// 全部失败时返回空串，该角色静音，会话继续。
func (s *TTSService) ResolveVoice(ctx context.Context, name, voiceID, voiceDescription string) string {
	if voiceID != "" {
		s.markAssigned(voiceID)
		return voiceID
	}

	if s.autoCreate && voiceDescription != "" {
		if id, err := s.createVoice(ctx, name, voiceDescription); err == nil {
			s.markAssigned(id)
			return id
		} else if s.logger != nil {
			s.logger.Warnf("为角色 %s 创建声音失败，转入兜底挑选: %v", name, err)
		}
	}

	id := s.pickFallbackVoice(ctx, voiceDescription)
	if id == "" && s.logger != nil {
		s.logger.Warnf("无法为角色 %s 找到可用声音，该角色将静音", name)
	}
	return id
}

func (s *TTSService) markAssigned(voiceID string) {
	s.voicesMutex.Lock()
	defer s.voicesMutex.Unlock()
	s.assignedIDs[voiceID] = true
}

// pickFallbackVoice 从账号语音库挑一个最接近描述的声音。
// 性别冲突的声音直接排除；其余按描述词重叠计分，
// 同分时轮转选取，避免所有角色挤在同一个声音上。
func (s *TTSService) pickFallbackVoice(ctx context.Context, voiceDescription string) string {
	voices, err := s.listVoices(ctx)
	if err != nil {
		if s.logger != nil {
			s.logger.Errorf("拉取语音库失败: %v", err)
		}
		return ""
	}
	if len(voices) == 0 {
		return ""
	}

	s.voicesMutex.Lock()
	defer s.voicesMutex.Unlock()

	wantGender := detectGender(voiceDescription)
	descTokens := tokenize(voiceDescription)

	bestScore := -1
	var candidates []voiceInfo
	for _, v := range voices {
		if v.ID == s.narratorVoiceID {
			continue
		}
		if wantGender != "" && v.Gender != "" && v.Gender != wantGender {
			continue
		}

		score := overlapScore(descTokens, tokenize(v.Description+" "+v.Name))
		if s.assignedIDs[v.ID] {
			// 已分配过的声音退到最后才复用
			score -= 100
		}

		if score > bestScore {
			bestScore = score
			candidates = candidates[:0]
			candidates = append(candidates, v)
		} else if score == bestScore {
			candidates = append(candidates, v)
		}
	}

	if len(candidates) == 0 {
		return ""
	}

	chosen := candidates[s.rrCursor%len(candidates)]
	s.rrCursor++
	s.assignedIDs[chosen.ID] = true
	return chosen.ID
}

// detectGender 从自由文本声音描述中识别性别词
func detectGender(description string) string {
	tokens := tokenize(description)
	for _, t := range tokens {
		switch t {
		case "male", "man", "boy", "masculine":
			return "male"
		case "female", "woman", "girl", "feminine":
			return "female"
		}
	}
	return ""
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	return fields
}

func overlapScore(a, b []string) int {
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	score := 0
	for _, t := range b {
		if set[t] {
			score++
		}
	}
	return score
}

// listVoices 拉取账号语音库（带一次性缓存）
func (s *TTSService) listVoices(ctx context.Context) ([]voiceInfo, error) {
	s.voicesMutex.Lock()
	cached := s.libraryVoices
	s.voicesMutex.Unlock()
	if cached != nil {
		return cached, nil
	}

	endpoint := elevenLabsAPIBase + "/v2/voices?" + url.Values{"page_size": {"100"}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("语音库接口返回 %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		Voices []struct {
			VoiceID     string            `json:"voice_id"`
			Name        string            `json:"name"`
			Description string            `json:"description"`
			Labels      map[string]string `json:"labels"`
		} `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}

	voices := make([]voiceInfo, 0, len(payload.Voices))
	for _, v := range payload.Voices {
		voices = append(voices, voiceInfo{
			ID:          v.VoiceID,
			Name:        v.Name,
			Gender:      strings.ToLower(v.Labels["gender"]),
			Description: v.Description,
		})
	}

	s.voicesMutex.Lock()
	s.libraryVoices = voices
	s.voicesMutex.Unlock()
	return voices, nil
}

// createVoice 按描述设计并创建一个新声音。
// 描述短于接口下限时填充通用后缀，超长时截断。
func (s *TTSService) createVoice(ctx context.Context, name, description string) (string, error) {
	description = strings.TrimSpace(description)
	for len(description) < voiceDescriptionMinLen {
		description += ", natural speaking voice"
	}
	if len(description) > voiceDescriptionMaxLen {
		description = description[:voiceDescriptionMaxLen]
	}

	designBody, _ := json.Marshal(map[string]interface{}{
		"voice_description": description,
		"model_id":          voiceDesignModelID,
	})
	var designResp struct {
		Previews []struct {
			GeneratedVoiceID string `json:"generated_voice_id"`
		} `json:"previews"`
	}
	if err := s.postJSON(ctx, "/v1/text-to-voice/design", designBody, &designResp); err != nil {
		return "", fmt.Errorf("声音设计失败: %w", err)
	}
	if len(designResp.Previews) == 0 {
		return "", fmt.Errorf("声音设计未返回预览")
	}

	createBody, _ := json.Marshal(map[string]interface{}{
		"voice_name":         name,
		"voice_description":  description,
		"generated_voice_id": designResp.Previews[0].GeneratedVoiceID,
	})
	var createResp struct {
		VoiceID string `json:"voice_id"`
	}
	if err := s.postJSON(ctx, "/v1/text-to-voice", createBody, &createResp); err != nil {
		return "", fmt.Errorf("声音创建失败: %w", err)
	}
	if createResp.VoiceID == "" {
		return "", fmt.Errorf("声音创建未返回voice_id")
	}

	if s.logger != nil {
		s.logger.Infof("已为 %s 创建新声音: %s", name, createResp.VoiceID)
	}
	return createResp.VoiceID, nil
}

func (s *TTSService) postJSON(ctx context.Context, path string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, elevenLabsAPIBase+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("xi-api-key", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("接口 %s 返回 %d: %s", path, resp.StatusCode, string(data))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// elevenLabsSynthesizer 通过ElevenLabs的stream-input WebSocket接口合成音频
type elevenLabsSynthesizer struct {
	apiKey string
	logger Logger
}

func (e *elevenLabsSynthesizer) Synthesize(ctx context.Context, voiceID, text string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?model_id=%s",
		elevenLabsWSBase, voiceID, elevenLabsModelID)

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("连接合成服务失败: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
		conn.SetWriteDeadline(deadline)
	} else {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetWriteDeadline(time.Now().Add(60 * time.Second))
	}

	// 初始化消息携带声音参数和密钥
	init := map[string]interface{}{
		"text": " ",
		"voice_settings": map[string]interface{}{
			"stability":        0.5,
			"similarity_boost": 0.8,
		},
		"xi_api_key": e.apiKey,
	}
	if err := conn.WriteJSON(init); err != nil {
		return nil, fmt.Errorf("发送初始化消息失败: %w", err)
	}

	if err := conn.WriteJSON(map[string]interface{}{
		"text":                   text + " ",
		"try_trigger_generation": true,
	}); err != nil {
		return nil, fmt.Errorf("发送合成文本失败: %w", err)
	}

	// 空text表示输入结束
	if err := conn.WriteJSON(map[string]interface{}{"text": ""}); err != nil {
		return nil, fmt.Errorf("发送结束标记失败: %w", err)
	}

	var audio bytes.Buffer
	for {
		var frame struct {
			Audio   string  `json:"audio"`
			IsFinal *bool   `json:"isFinal"`
			Message *string `json:"message"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				break
			}
			return nil, fmt.Errorf("读取音频帧失败: %w", err)
		}

		if frame.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(frame.Audio)
			if err != nil {
				return nil, fmt.Errorf("音频帧解码失败: %w", err)
			}
			audio.Write(chunk)
		}

		if frame.IsFinal != nil && *frame.IsFinal {
			break
		}
	}

	if audio.Len() == 0 {
		return nil, fmt.Errorf("合成服务未返回音频数据")
	}
	return audio.Bytes(), nil
}

// systemAudioPlayer 调用系统播放器播放音频文件
type systemAudioPlayer struct {
	logger Logger
}

func (p *systemAudioPlayer) Play(data []byte) error {
	tmp, err := os.CreateTemp("", "stagevoice-*.mp3")
	if err != nil {
		return fmt.Errorf("创建临时音频文件失败: %w", err)
	}
	path := tmp.Name()
	defer os.Remove(path)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("写入临时音频文件失败: %w", err)
	}
	tmp.Close()

	var cmd *exec.Cmd
	if runtime.GOOS == "darwin" {
		cmd = exec.Command("afplay", path)
	} else {
		cmd = exec.Command("ffplay", "-nodisp", "-autoexit", "-loglevel", "quiet", path)
	}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("播放器执行失败: %w", err)
	}
	return nil
}
