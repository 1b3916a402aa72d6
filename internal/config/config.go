// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/joho/godotenv"
)

// 当前配置的单例实例
var (
	currentConfig *AppConfig
	configMutex   sync.RWMutex
	configFile    string
)

// CharacterConfig 会话中一个角色的声明。Backstory与BackstoryFile二选一，
// 后者从外部文件加载（加载后语义与内联文本完全一致）。
type CharacterConfig struct {
	Name             string `json:"name"`
	Backstory        string `json:"backstory,omitempty"`
	BackstoryFile    string `json:"backstory_file,omitempty"`
	VoiceDescription string `json:"voice_description,omitempty"`
	VoiceID          string `json:"voice_id,omitempty"`
}

// TTSConfig 语音合成配置
type TTSConfig struct {
	Enabled          bool   `json:"enabled"`
	AutoCreateVoices bool   `json:"auto_create_voices"`
	NarratorVoiceID  string `json:"narrator_voice_id,omitempty"`
	CacheSize        int    `json:"cache_size,omitempty"`
}

// SessionConfig 完整描述一次会话。给定相同的LLM响应，
// 同一份SessionConfig必须产生可复现的会话过程。
type SessionConfig struct {
	Title        string `json:"title,omitempty"`
	OpeningScene string `json:"opening_scene,omitempty"`
	// StoryPrompt 动态模式：由旁白从这段自由文本生成全部设定
	StoryPrompt string `json:"story_prompt,omitempty"`
	// NarratorGuideFile 静态模式：固定的叙事指南文件
	NarratorGuideFile string            `json:"narrator_guide_file,omitempty"`
	Characters        []CharacterConfig `json:"characters,omitempty"`
	MaxTurns          int               `json:"max_turns"`
	TokenBudget       int               `json:"token_budget"`
	TTS               TTSConfig         `json:"tts"`
}

// AppConfig 包含应用程序的所有配置
type AppConfig struct {
	// 基础配置
	Port      string `json:"port"`
	DataDir   string `json:"data_dir"`
	LogDir    string `json:"log_dir"`
	DebugMode bool   `json:"debug_mode"`

	// LLM相关配置
	LLMProvider string            `json:"llm_provider"`
	LLMConfig   map[string]string `json:"llm_config"`

	// TTS提供商密钥（ElevenLabs）
	TTSAPIKey string `json:"tts_api_key,omitempty"`

	// 默认会话配置
	Session SessionConfig `json:"session"`
}

// Load 从环境变量加载基础配置
func Load() (*AppConfig, error) {
	// 尝试加载.env文件（可选）
	godotenv.Load()

	provider := getEnv("LLM_PROVIDER", "anthropic")

	config := &AppConfig{
		Port:        getEnv("PORT", "8080"),
		DataDir:     getEnvPath("DATA_DIR", "data"),
		LogDir:      getEnvPath("LOG_DIR", "logs"),
		DebugMode:   getEnvBool("DEBUG_MODE", false),
		LLMProvider: provider,
		LLMConfig: map[string]string{
			"api_key":       getEnv(apiKeyEnvFor(provider), ""),
			"default_model": getEnv("MODEL", ""),
		},
		TTSAPIKey: getEnv("ELEVENLABS_API_KEY", ""),
		Session: SessionConfig{
			MaxTurns:    getEnvInt("MAX_TURNS", 50),
			TokenBudget: getEnvInt("TOKEN_BUDGET", 12000),
			TTS: TTSConfig{
				Enabled:          getEnvBool("TTS_ENABLED", false),
				AutoCreateVoices: getEnvBool("TTS_AUTO_CREATE_VOICES", false),
				NarratorVoiceID:  getEnv("TTS_NARRATOR_VOICE_ID", ""),
				CacheSize:        getEnvInt("TTS_CACHE_SIZE", 50),
			},
		},
	}

	return config, nil
}

func apiKeyEnvFor(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openrouter":
		return "OPENROUTER_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	default:
		return "LLM_API_KEY"
	}
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvPath 获取环境变量表示的路径，如果不存在则返回默认值
func getEnvPath(key, defaultValue string) string {
	path := getEnv(key, defaultValue)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0755); err != nil {
			fmt.Printf("警告: 创建目录失败 %s: %v\n", path, err)
		}
	}

	return path
}

// getEnvBool 获取布尔类型环境变量
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt 获取整数类型环境变量
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

// InitConfig 初始化配置管理器
func InitConfig(dataDir string) error {
	configFile = filepath.Join(dataDir, "config.json")

	baseConfig, err := Load()
	if err != nil {
		return err
	}

	configMutex.Lock()
	defer configMutex.Unlock()

	currentConfig = baseConfig

	// 尝试从文件加载已保存的配置（会话定义、LLM设置等）
	if _, err := os.Stat(configFile); !os.IsNotExist(err) {
		data, err := os.ReadFile(configFile)
		if err == nil {
			var savedConfig AppConfig
			if json.Unmarshal(data, &savedConfig) == nil {
				// 基础配置以环境变量为准，其余以文件为准
				savedConfig.Port = baseConfig.Port
				savedConfig.DataDir = baseConfig.DataDir
				savedConfig.LogDir = baseConfig.LogDir
				savedConfig.DebugMode = baseConfig.DebugMode

				// 文件中缺失密钥时用环境变量补齐
				if savedConfig.LLMConfig == nil {
					savedConfig.LLMConfig = baseConfig.LLMConfig
				} else if savedConfig.LLMConfig["api_key"] == "" {
					savedConfig.LLMConfig["api_key"] = baseConfig.LLMConfig["api_key"]
				}
				if savedConfig.TTSAPIKey == "" {
					savedConfig.TTSAPIKey = baseConfig.TTSAPIKey
				}

				currentConfig = &savedConfig
			}
		}
	}

	return SaveConfig()
}

// LoadSessionFile 从独立的JSON文件加载会话定义（覆盖默认会话配置）
func LoadSessionFile(path string) (*SessionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取会话配置失败: %w", err)
	}

	var session SessionConfig
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("解析会话配置失败: %w", err)
	}

	// 解析外部背景文件
	for i := range session.Characters {
		c := &session.Characters[i]
		if c.Backstory == "" && c.BackstoryFile != "" {
			raw, err := os.ReadFile(c.BackstoryFile)
			if err != nil {
				return nil, fmt.Errorf("读取角色背景文件失败 %s: %w", c.BackstoryFile, err)
			}
			c.Backstory = string(raw)
		}
	}

	if session.MaxTurns <= 0 {
		session.MaxTurns = 50
	}
	if session.TokenBudget <= 0 {
		session.TokenBudget = 12000
	}

	return &session, nil
}

// GetCurrentConfig 返回当前配置的副本
func GetCurrentConfig() *AppConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if currentConfig == nil {
		baseConfig, _ := Load()
		return baseConfig
	}

	configCopy := *currentConfig
	return &configCopy
}

// UpdateLLMConfig 更新LLM配置
func UpdateLLMConfig(provider string, config map[string]string) error {
	configMutex.Lock()
	defer configMutex.Unlock()

	if currentConfig == nil {
		return fmt.Errorf("配置系统未初始化")
	}

	currentConfig.LLMProvider = provider
	currentConfig.LLMConfig = config

	return writeConfigFile()
}

// SaveConfig 保存当前配置到文件
func SaveConfig() error {
	return writeConfigFile()
}

func writeConfigFile() error {
	if currentConfig == nil {
		return fmt.Errorf("没有配置可保存")
	}

	dir := filepath.Dir(configFile)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("创建配置目录失败: %w", err)
		}
	}

	data, err := json.MarshalIndent(currentConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	return os.WriteFile(configFile, data, 0644)
}
