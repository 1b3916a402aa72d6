// internal/services/tts_service_test.go
package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Corphon/StageVoiceMCP/internal/storage"
)

// countingSynth 记录合成调用次数的假合成器
type countingSynth struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (c *countingSynth) Synthesize(ctx context.Context, voiceID, text string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, voiceID+"|"+text)
	if c.err != nil {
		return nil, c.err
	}
	return []byte("audio:" + text), nil
}

func (c *countingSynth) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// silentPlayer 不出声的假播放器
type silentPlayer struct {
	played int32
}

func (p *silentPlayer) Play(data []byte) error {
	atomic.AddInt32(&p.played, 1)
	return nil
}

func newTestTTS(synth Synthesizer, player AudioPlayer) *TTSService {
	s := NewTTSService("test-key", "", false, storage.NewAudioCache(10), nil)
	s.SetSynthesizer(synth)
	s.SetPlayer(player)
	return s
}

func TestSpeak_IdenticalRequestServedFromCache(t *testing.T) {
	synth := &countingSynth{}
	player := &silentPlayer{}
	s := newTestTTS(synth, player)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	s.Speak("voice-1", "同一句台词", nil)
	s.Speak("voice-1", "同一句台词", nil)
	s.WaitIdle()

	if synth.count() != 1 {
		t.Errorf("相同(voice,text)应只合成一次，实际%d次", synth.count())
	}
	if atomic.LoadInt32(&player.played) != 2 {
		t.Errorf("两次请求都应播放，实际%d次", player.played)
	}
}

func TestSpeak_DifferentVoiceBypassesCache(t *testing.T) {
	synth := &countingSynth{}
	s := newTestTTS(synth, &silentPlayer{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	s.Speak("voice-1", "台词", nil)
	s.Speak("voice-2", "台词", nil)
	s.WaitIdle()

	if synth.count() != 2 {
		t.Errorf("不同voice应各自合成，实际%d次", synth.count())
	}
}

func TestSpeak_OnPlayFiresEvenOnSynthesisFailure(t *testing.T) {
	synth := &countingSynth{err: errors.New("upstream down")}
	s := newTestTTS(synth, &silentPlayer{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	var fired int32
	s.Speak("voice-1", "台词", func() { atomic.AddInt32(&fired, 1) })
	s.WaitIdle()

	if atomic.LoadInt32(&fired) != 1 {
		t.Error("合成失败时onPlay也必须触发，否则字幕会丢")
	}
}

func TestSpeak_EmptyTextSkipsQueue(t *testing.T) {
	synth := &countingSynth{}
	s := newTestTTS(synth, &silentPlayer{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	var fired int32
	s.Speak("voice-1", "   ", func() { atomic.AddInt32(&fired, 1) })
	s.WaitIdle()

	if synth.count() != 0 {
		t.Error("空文本不应进入合成")
	}
	if atomic.LoadInt32(&fired) != 1 {
		t.Error("空文本也要触发onPlay保证显示")
	}
}

func TestSpeak_AfterShutdownSkipsQueue(t *testing.T) {
	synth := &countingSynth{}
	s := newTestTTS(synth, &silentPlayer{})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	// 等消费者完成停机收尾
	deadline := time.Now().Add(3 * time.Second)
	for {
		s.stopMutex.Lock()
		stopped := s.stopped
		s.stopMutex.Unlock()
		if stopped {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("消费者没有在期限内停机")
		}
		time.Sleep(5 * time.Millisecond)
	}

	var fired int32
	s.Speak("voice-1", "迟到的台词", func() { atomic.AddInt32(&fired, 1) })

	if atomic.LoadInt32(&fired) != 1 {
		t.Error("停机后的播报也要触发onPlay保证字幕显示")
	}
	if synth.count() != 0 {
		t.Error("停机后不应再进入合成")
	}

	waited := make(chan struct{})
	go func() {
		s.WaitIdle()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("停机后提交的播报不应让WaitIdle永久阻塞")
	}
}

func TestDetectGender(t *testing.T) {
	cases := map[string]string{
		"deep male voice, weary":    "male",
		"bright female voice":       "female",
		"a gravelly voice":          "",
		"Female narrator, soothing": "female",
	}
	for in, want := range cases {
		if got := detectGender(in); got != want {
			t.Errorf("detectGender(%q) = %q, 期望 %q", in, got, want)
		}
	}
}

func TestOverlapScore(t *testing.T) {
	a := tokenize("deep male voice weary")
	b := tokenize("a weary deep tone")
	if got := overlapScore(a, b); got != 2 {
		t.Errorf("重叠计分应为2（deep、weary），实际%d", got)
	}
}
