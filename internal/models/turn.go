// internal/models/turn.go
package models

import "time"

// TurnKind 回合条目类型
type TurnKind string

const (
	// TurnDialogue 角色台词（assistant视角）
	TurnDialogue TurnKind = "dialogue"
	// TurnOpening 开场场景
	TurnOpening TurnKind = "opening"
	// TurnScene 旁白的场景描写
	TurnScene TurnKind = "scene"
	// TurnHint 给人类玩家的导演提示
	TurnHint TurnKind = "hint"
	// TurnSituation 无人发言时旁白注入的新剧情事件
	TurnSituation TurnKind = "situation"
	// TurnNudge 合成的"继续对话"推进条目
	TurnNudge TurnKind = "nudge"
)

// Turn 结构化的回合记录。历史中不再用"Name: text"字符串内嵌说话人，
// 只在LLM调用边界投影为扁平的role+content格式。
type Turn struct {
	// Speaker 说话角色名；旁白/系统条目为空
	Speaker   string    `json:"speaker,omitempty"`
	Kind      TurnKind  `json:"kind"`
	Text      string    `json:"text"`
	Behavior  string    `json:"behavior,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
