// internal/models/story.go
package models

// CharacterProfile 角色档案。Backstory是该角色的私有视角背景：
// 只包含这个角色自己知道的事，绝不包含其他角色的秘密。
type CharacterProfile struct {
	Name             string `json:"name"`
	Backstory        string `json:"backstory"`
	VoiceDescription string `json:"voice_description,omitempty"`
	VoiceID          string `json:"voice_id,omitempty"`
}

// StorySetup 动态模式下旁白从自由文本一次性生成的故事设定。
// 生成后立即拆解为各个角色对象，不作为长期实体保留。
type StorySetup struct {
	Title        string             `json:"title"`
	OpeningScene string             `json:"opening_scene"`
	Characters   []CharacterProfile `json:"characters"`
}

// Transcript 会话结束后落盘的完整记录
type Transcript struct {
	SessionID    string `json:"session_id"`
	Title        string `json:"title,omitempty"`
	OpeningScene string `json:"opening_scene"`
	FinalState   string `json:"final_state"`
	Turns        []Turn `json:"turns"`
}
