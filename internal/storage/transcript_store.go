// internal/storage/transcript_store.go
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Corphon/StageVoiceMCP/internal/models"
)

// TranscriptStore 把结束的会话记录落盘为JSON文件
type TranscriptStore struct {
	baseDir string
}

// NewTranscriptStore 创建会话记录存储
func NewTranscriptStore(dataDir string) (*TranscriptStore, error) {
	baseDir := filepath.Join(dataDir, "sessions")
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("创建会话目录失败: %w", err)
	}

	return &TranscriptStore{baseDir: baseDir}, nil
}

// Save 保存一份会话记录，文件名为会话ID
func (s *TranscriptStore) Save(transcript *models.Transcript) error {
	if transcript == nil || transcript.SessionID == "" {
		return fmt.Errorf("会话记录缺少session_id")
	}

	data, err := json.MarshalIndent(transcript, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化会话记录失败: %w", err)
	}

	path := filepath.Join(s.baseDir, transcript.SessionID+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("写入会话记录失败: %w", err)
	}

	return nil
}

// Load 按会话ID读取记录
func (s *TranscriptStore) Load(sessionID string) (*models.Transcript, error) {
	path := filepath.Join(s.baseDir, sessionID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取会话记录失败: %w", err)
	}

	var transcript models.Transcript
	if err := json.Unmarshal(data, &transcript); err != nil {
		return nil, fmt.Errorf("解析会话记录失败: %w", err)
	}

	return &transcript, nil
}

// List 返回已保存的会话ID列表
func (s *TranscriptStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("读取会话目录失败: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if filepath.Ext(name) == ".json" {
			ids = append(ids, name[:len(name)-len(".json")])
		}
	}

	return ids, nil
}
