// internal/services/surface.go
package services

// Logger 服务层依赖的窄日志接口（由utils.Logger实现，构造时注入）
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// StreamSink 增量接收生成文本的回调
type StreamSink func(chunk string)

// DisplaySink 对话引擎向展示层推送渲染事件的接口。
// 引擎线程只调用这些钩子，绝不等待展示层就绪；
// 实现方必须自行保证非阻塞（有界队列、丢弃旧事件等）。
type DisplaySink interface {
	// StartBubble 开始一条新消息气泡
	StartBubble(speaker string, isNarrator bool)
	// AppendText 向当前气泡追加文本
	AppendText(text string)
	// EndBubble 结束当前气泡
	EndBubble()
	// UpdateStatus 更新状态栏文字
	UpdateStatus(text string)
}

// ControlSurface 对话引擎从展示层读取控制信号的接口
type ControlSurface interface {
	// IsQuitRequested 用户是否请求退出（每回合开头检查一次，协作式取消）
	IsQuitRequested() bool
	// HumanControlledCharacter 本回合由人类接管的角色名，空串表示全AI
	HumanControlledCharacter() string
	// AwaitHumanInput 阻塞等待人类输入；第二个返回值为false表示取消
	AwaitHumanInput() (string, bool)
}

// NullDisplaySink 无展示层时的空实现
type NullDisplaySink struct{}

func (NullDisplaySink) StartBubble(speaker string, isNarrator bool) {}
func (NullDisplaySink) AppendText(text string)                     {}
func (NullDisplaySink) EndBubble()                                 {}
func (NullDisplaySink) UpdateStatus(text string)                   {}

// NullControlSurface 无控制面时的空实现：永不退出、无人类角色
type NullControlSurface struct{}

func (NullControlSurface) IsQuitRequested() bool            { return false }
func (NullControlSurface) HumanControlledCharacter() string { return "" }
func (NullControlSurface) AwaitHumanInput() (string, bool)  { return "", false }
