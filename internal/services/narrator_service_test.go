// internal/services/narrator_service_test.go
package services

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/StageVoiceMCP/internal/llm"
)

func testNarrator(provider *mockProvider) *NarratorService {
	return NewNarratorService(newTestLLM(provider), newTestParser(), nil)
}

func TestChooseNextSpeaker_EmptyCandidates(t *testing.T) {
	provider := &mockProvider{
		respond: func(call int, req llm.CompletionRequest) (string, error) {
			t.Fatal("空候选不应触发LLM调用")
			return "", nil
		},
	}
	narrator := testNarrator(provider)

	assert.Equal(t, "", narrator.ChooseNextSpeaker(context.Background(), NewHistory(0, nil), nil))
}

func TestChooseNextSpeaker_SingleCandidateSkipsLLM(t *testing.T) {
	provider := &mockProvider{
		respond: func(call int, req llm.CompletionRequest) (string, error) {
			t.Fatal("单候选不应触发LLM调用")
			return "", nil
		},
	}
	narrator := testNarrator(provider)

	chosen := narrator.ChooseNextSpeaker(context.Background(), NewHistory(0, nil), []string{"Alice"})
	assert.Equal(t, "Alice", chosen)
	assert.Equal(t, 0, provider.callCount())
}

func TestChooseNextSpeaker_ExactMatch(t *testing.T) {
	provider := &mockProvider{
		respond: func(call int, req llm.CompletionRequest) (string, error) {
			return `{"next_speaker": "Bob"}`, nil
		},
	}
	narrator := testNarrator(provider)

	chosen := narrator.ChooseNextSpeaker(context.Background(), NewHistory(0, nil), []string{"Alice", "Bob"})
	assert.Equal(t, "Bob", chosen)
	assert.Equal(t, 1, provider.callCount())
}

func TestChooseNextSpeaker_SubstringMatch(t *testing.T) {
	provider := &mockProvider{
		respond: func(call int, req llm.CompletionRequest) (string, error) {
			return `{"next_speaker": "I believe alice should speak next"}`, nil
		},
	}
	narrator := testNarrator(provider)

	chosen := narrator.ChooseNextSpeaker(context.Background(), NewHistory(0, nil), []string{"Alice", "Bob"})
	assert.Equal(t, "Alice", chosen)
}

func TestChooseNextSpeaker_FallsBackToFirstAfterRetries(t *testing.T) {
	provider := &mockProvider{
		respond: func(call int, req llm.CompletionRequest) (string, error) {
			return `{"next_speaker": "Charlie"}`, nil
		},
	}
	narrator := testNarrator(provider)

	chosen := narrator.ChooseNextSpeaker(context.Background(), NewHistory(0, nil), []string{"Alice", "Bob"})
	assert.Equal(t, "Alice", chosen, "两次仲裁都无效时降级为首个候选")
	assert.Equal(t, 2, provider.callCount(), "仲裁重试应恰好两次")
}

func TestChooseNextSpeaker_RecoversOnSecondAttempt(t *testing.T) {
	provider := &mockProvider{
		respond: func(call int, req llm.CompletionRequest) (string, error) {
			if call == 1 {
				return "", errors.New("rate limited")
			}
			return `{"next_speaker": "Bob"}`, nil
		},
	}
	narrator := testNarrator(provider)

	chosen := narrator.ChooseNextSpeaker(context.Background(), NewHistory(0, nil), []string{"Alice", "Bob"})
	assert.Equal(t, "Bob", chosen)
	assert.Equal(t, 2, provider.callCount())
}

func TestChooseNextSpeaker_ProseAnswerMatchedOnRawText(t *testing.T) {
	provider := &mockProvider{
		respond: func(call int, req llm.CompletionRequest) (string, error) {
			return "Alice should speak next.", nil
		},
	}
	narrator := testNarrator(provider)

	chosen := narrator.ChooseNextSpeaker(context.Background(), NewHistory(0, nil), []string{"Bob", "Alice"})
	assert.Equal(t, "Alice", chosen, "散文回答里报出的名字应被子串匹配救回，而不是降级为首个候选")
	assert.Equal(t, 1, provider.callCount())
}

func TestChooseNextSpeaker_TotalOverMalformedOutputs(t *testing.T) {
	candidates := []string{"Alice", "Bob", "Charlie"}
	malformed := []struct {
		text string
		err  error
	}{
		{`完全不是JSON`, nil},
		{`{"next_speaker": ""}`, nil},
		{`{"next_speaker": "Daisy"}`, nil},
		{`{"next_speaker": 42}`, nil},
		{`{"next_speaker": "Bob`, nil},
		{``, errors.New("transport error")},
	}

	for _, m := range malformed {
		m := m
		provider := &mockProvider{
			respond: func(call int, req llm.CompletionRequest) (string, error) {
				return m.text, m.err
			},
		}
		narrator := testNarrator(provider)

		chosen := narrator.ChooseNextSpeaker(context.Background(), NewHistory(0, nil), candidates)
		assert.Contains(t, candidates, chosen, "无论模型输出多离谱，返回值都必须是候选之一 (输出: %q)", m.text)
	}
}

func TestChooseNextSpeaker_TotalOverRandomizedInputs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	outputs := []func(candidates []string) (string, error){
		func([]string) (string, error) { return "完全不是JSON", nil },
		func([]string) (string, error) { return `{"next_speaker": ""}`, nil },
		func([]string) (string, error) { return `{"next_speaker": 42}`, nil },
		func([]string) (string, error) { return `{"next_speaker": "一个不存在的人"}`, nil },
		func(c []string) (string, error) { return `{"next_speaker": "` + c[0], nil },
		func([]string) (string, error) { return "", errors.New("transport error") },
		func(c []string) (string, error) { return c[len(c)-1] + " should speak next.", nil },
	}

	for i := 0; i < 64; i++ {
		candidates := randomCandidates(rng, 2+rng.Intn(3))
		produce := outputs[rng.Intn(len(outputs))]

		provider := &mockProvider{
			respond: func(call int, req llm.CompletionRequest) (string, error) {
				return produce(candidates)
			},
		}
		narrator := testNarrator(provider)

		chosen := narrator.ChooseNextSpeaker(context.Background(), NewHistory(0, nil), candidates)
		assert.Contains(t, candidates, chosen, "第%d轮 候选=%v", i, candidates)
	}
}

// randomCandidates 拼音节生成互不重复的随机角色名
func randomCandidates(rng *rand.Rand, n int) []string {
	syllables := []string{"ka", "ri", "mo", "zel", "an", "dra", "vi", "tho", "lu", "ser", "fen", "bo"}
	seen := map[string]bool{}
	names := make([]string, 0, n)
	for len(names) < n {
		var b strings.Builder
		for j := 0; j < 2+rng.Intn(2); j++ {
			b.WriteString(syllables[rng.Intn(len(syllables))])
		}
		name := b.String()
		name = strings.ToUpper(name[:1]) + name[1:]
		if seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

func TestNarrateScene_NoNarrationNeeded(t *testing.T) {
	provider := &mockProvider{
		respond: func(call int, req llm.CompletionRequest) (string, error) {
			return `{"needs_narration": false}`, nil
		},
	}
	narrator := testNarrator(provider)

	assert.Equal(t, "", narrator.NarrateScene(context.Background(), NewHistory(0, nil), "Alice"))
	assert.Equal(t, 1, provider.callCount(), "决策为否时不应进入生成阶段")
}

func TestNarrateScene_TwoPhaseGeneration(t *testing.T) {
	provider := &mockProvider{
		respond: func(call int, req llm.CompletionRequest) (string, error) {
			if call == 1 {
				return `{"needs_narration": true}`, nil
			}
			return `{"narration": "酒杯在地上碎成了三瓣。"}`, nil
		},
	}
	narrator := testNarrator(provider)

	narration := narrator.NarrateScene(context.Background(), NewHistory(0, nil), "Alice")
	assert.Equal(t, "酒杯在地上碎成了三瓣。", narration)
	assert.Equal(t, 2, provider.callCount())
}

func TestNarrateScene_FailureSkipsQuietly(t *testing.T) {
	provider := &mockProvider{
		respond: func(call int, req llm.CompletionRequest) (string, error) {
			return "", errors.New("timeout")
		},
	}
	narrator := testNarrator(provider)

	assert.Equal(t, "", narrator.NarrateScene(context.Background(), NewHistory(0, nil), "Alice"))
}

func TestGenerateStorySetup_Complete(t *testing.T) {
	provider := &mockProvider{
		respond: func(call int, req llm.CompletionRequest) (string, error) {
			return `{
				"title": "深夜酒馆",
				"opening_scene": "雨敲打着酒馆的窗。",
				"characters": [
					{"name": "Alice", "backstory": "老板娘。", "voice_description": "female voice, calm"},
					{"name": "Bob", "backstory": "讨债人。", "voice_description": "male voice, rough"}
				]
			}`, nil
		},
	}
	narrator := testNarrator(provider)

	setup, err := narrator.GenerateStorySetup(context.Background(), "一个雨夜的对峙")
	require.NoError(t, err)
	assert.Equal(t, "深夜酒馆", setup.Title)
	assert.Len(t, setup.Characters, 2)
	assert.Equal(t, "female voice, calm", setup.Characters[0].VoiceDescription)
}

func TestGenerateStorySetup_IncompleteIsHardError(t *testing.T) {
	provider := &mockProvider{
		respond: func(call int, req llm.CompletionRequest) (string, error) {
			return `{"title": "", "opening_scene": "场景", "characters": []}`, nil
		},
	}
	narrator := testNarrator(provider)

	_, err := narrator.GenerateStorySetup(context.Background(), "prompt")
	assert.Error(t, err, "设定不完整必须报错，不能静默降级")
}

func TestGeneratePlayerSuggestions_FailureReturnsEmpty(t *testing.T) {
	provider := &mockProvider{
		respond: func(call int, req llm.CompletionRequest) (string, error) {
			return "", errors.New("boom")
		},
	}
	narrator := testNarrator(provider)

	assert.Empty(t, narrator.GeneratePlayerSuggestions(context.Background(), NewHistory(0, nil), "Alice"))
}

func TestGeneratePlayerSuggestions_ReturnsHints(t *testing.T) {
	provider := &mockProvider{
		respond: func(call int, req llm.CompletionRequest) (string, error) {
			return `{"suggestions": ["试探他", "转移话题", "直接摊牌"]}`, nil
		},
	}
	narrator := testNarrator(provider)

	hints := narrator.GeneratePlayerSuggestions(context.Background(), NewHistory(0, nil), "Alice")
	assert.Equal(t, []string{"试探他", "转移话题", "直接摊牌"}, hints)
}

func TestInjectSituation(t *testing.T) {
	provider := &mockProvider{
		respond: func(call int, req llm.CompletionRequest) (string, error) {
			return `{"situation": "门外传来三声敲门。"}`, nil
		},
	}
	narrator := testNarrator(provider)

	situation, err := narrator.InjectSituation(context.Background(), NewHistory(0, nil))
	require.NoError(t, err)
	assert.Equal(t, "门外传来三声敲门。", situation)
}
