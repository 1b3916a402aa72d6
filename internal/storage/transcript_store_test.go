// internal/storage/transcript_store_test.go
package storage

import (
	"testing"
	"time"

	"github.com/Corphon/StageVoiceMCP/internal/models"
)

func TestTranscriptStore_SaveLoadList(t *testing.T) {
	store, err := NewTranscriptStore(t.TempDir())
	if err != nil {
		t.Fatalf("创建存储失败: %v", err)
	}

	transcript := &models.Transcript{
		SessionID:    "session-1",
		Title:        "测试场",
		OpeningScene: "幕布拉开。",
		FinalState:   "ENDED_MAX_TURNS",
		Turns: []models.Turn{
			{Speaker: "Alice", Kind: models.TurnDialogue, Text: "你来了。", Timestamp: time.Now()},
		},
	}

	if err := store.Save(transcript); err != nil {
		t.Fatalf("保存失败: %v", err)
	}

	loaded, err := store.Load("session-1")
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if loaded.Title != "测试场" || len(loaded.Turns) != 1 {
		t.Errorf("读取内容不一致: %+v", loaded)
	}
	if loaded.Turns[0].Kind != models.TurnDialogue {
		t.Errorf("轮次类型丢失: %q", loaded.Turns[0].Kind)
	}

	ids, err := store.List()
	if err != nil {
		t.Fatalf("列举失败: %v", err)
	}
	if len(ids) != 1 || ids[0] != "session-1" {
		t.Errorf("列举结果错误: %v", ids)
	}
}

func TestTranscriptStore_SaveRejectsMissingID(t *testing.T) {
	store, err := NewTranscriptStore(t.TempDir())
	if err != nil {
		t.Fatalf("创建存储失败: %v", err)
	}

	if err := store.Save(&models.Transcript{}); err == nil {
		t.Error("缺少session_id的记录不应被保存")
	}

	if err := store.Save(nil); err == nil {
		t.Error("nil记录不应被保存")
	}
}

func TestTranscriptStore_LoadMissing(t *testing.T) {
	store, err := NewTranscriptStore(t.TempDir())
	if err != nil {
		t.Fatalf("创建存储失败: %v", err)
	}

	if _, err := store.Load("no-such-session"); err == nil {
		t.Error("不存在的会话应返回错误")
	}
}
