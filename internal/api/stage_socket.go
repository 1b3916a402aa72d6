// internal/api/stage_socket.go
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Corphon/StageVoiceMCP/internal/services"
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 在生产环境中应该进行更严格的检查
		return true
	},
}

const (
	stageEventCapacity  = 256
	clientSendCapacity  = 64
	socketWriteDeadline = 10 * time.Second
)

// stageEvent 推送给前端的渲染事件
type stageEvent struct {
	Type       string `json:"type"`
	Speaker    string `json:"speaker,omitempty"`
	IsNarrator bool   `json:"is_narrator,omitempty"`
	Text       string `json:"text,omitempty"`
}

// stageCommand 前端发来的控制命令
type stageCommand struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Character string `json:"character,omitempty"`
}

// stageClient 一个已连接的观众/玩家
type stageClient struct {
	conn   *websocket.Conn
	send   chan []byte
	closed int32
}

func (c *stageClient) close() {
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		c.conn.Close()
	}
}

// StageSocket 把WebSocket连接集合适配成会话引擎的展示层和控制面。
// 引擎侧的事件写入有界队列，满了丢最旧的一条——引擎线程永远不等前端。
// 同时实现 services.DisplaySink 和 services.ControlSurface。
type StageSocket struct {
	events chan []byte

	clientsMutex sync.RWMutex
	clients      map[*stageClient]bool

	quitFlag  int32
	humanChar atomic.Value // string
	inputCh   chan string

	logger services.Logger
	once   sync.Once
}

// NewStageSocket 创建舞台socket
func NewStageSocket(logger services.Logger) *StageSocket {
	s := &StageSocket{
		events:  make(chan []byte, stageEventCapacity),
		clients: make(map[*stageClient]bool),
		inputCh: make(chan string, 1),
		logger:  logger,
	}
	s.humanChar.Store("")
	return s
}

// Start 启动广播goroutine
func (s *StageSocket) Start() {
	s.once.Do(func() {
		go s.broadcastLoop()
	})
}

// ----------------------------------------
// DisplaySink 实现
// ----------------------------------------

func (s *StageSocket) StartBubble(speaker string, isNarrator bool) {
	s.enqueue(stageEvent{Type: "bubble_start", Speaker: speaker, IsNarrator: isNarrator})
}

func (s *StageSocket) AppendText(text string) {
	s.enqueue(stageEvent{Type: "text", Text: text})
}

func (s *StageSocket) EndBubble() {
	s.enqueue(stageEvent{Type: "bubble_end"})
}

func (s *StageSocket) UpdateStatus(text string) {
	s.enqueue(stageEvent{Type: "status", Text: text})
}

// enqueue 非阻塞入队：队列满时丢弃最旧的事件给新事件腾位置
func (s *StageSocket) enqueue(event stageEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	for {
		select {
		case s.events <- data:
			return
		default:
			select {
			case <-s.events:
				if s.logger != nil {
					s.logger.Warnf("展示事件队列已满，丢弃最旧事件")
				}
			default:
			}
		}
	}
}

// ----------------------------------------
// ControlSurface 实现
// ----------------------------------------

func (s *StageSocket) IsQuitRequested() bool {
	return atomic.LoadInt32(&s.quitFlag) == 1
}

// RequestQuit 以程序方式请求退出，与前端发来quit命令等效。
// 停止接口依赖它唤醒正卡在AwaitHumanInput上的会话。
func (s *StageSocket) RequestQuit() {
	atomic.StoreInt32(&s.quitFlag, 1)
}

func (s *StageSocket) HumanControlledCharacter() string {
	return s.humanChar.Load().(string)
}

// AwaitHumanInput 阻塞等待玩家输入；等待期间收到退出请求则返回false
func (s *StageSocket) AwaitHumanInput() (string, bool) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case input := <-s.inputCh:
			return input, true
		case <-ticker.C:
			if s.IsQuitRequested() {
				return "", false
			}
		}
	}
}

// ----------------------------------------
// 连接管理
// ----------------------------------------

// HandleConnection 升级HTTP连接并接入舞台
func (s *StageSocket) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := &stageClient{
		conn: conn,
		send: make(chan []byte, clientSendCapacity),
	}

	s.clientsMutex.Lock()
	s.clients[client] = true
	s.clientsMutex.Unlock()

	go s.writeLoop(client)
	go s.readLoop(client)
	return nil
}

func (s *StageSocket) removeClient(client *stageClient) {
	s.clientsMutex.Lock()
	delete(s.clients, client)
	s.clientsMutex.Unlock()
	client.close()
}

// broadcastLoop 把事件队列扇出到所有连接
func (s *StageSocket) broadcastLoop() {
	for data := range s.events {
		s.clientsMutex.RLock()
		for client := range s.clients {
			select {
			case client.send <- data:
			default:
				// 慢客户端跳过这条，不拖累其他人
			}
		}
		s.clientsMutex.RUnlock()
	}
}

func (s *StageSocket) writeLoop(client *stageClient) {
	defer s.removeClient(client)

	for data := range client.send {
		client.conn.SetWriteDeadline(time.Now().Add(socketWriteDeadline))
		if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// readLoop 处理前端命令：人类台词、接管角色、退出
func (s *StageSocket) readLoop(client *stageClient) {
	defer s.removeClient(client)

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd stageCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			if s.logger != nil {
				s.logger.Warnf("无法解析的前端命令: %.128s", string(data))
			}
			continue
		}

		switch cmd.Type {
		case "human_input":
			select {
			case s.inputCh <- cmd.Text:
			default:
				// 没人在等输入时直接丢弃
			}
		case "take_control":
			s.humanChar.Store(cmd.Character)
		case "release_control":
			s.humanChar.Store("")
		case "quit":
			atomic.StoreInt32(&s.quitFlag, 1)
		}
	}
}

// Reset 清除上一场会话留下的控制状态
func (s *StageSocket) Reset() {
	atomic.StoreInt32(&s.quitFlag, 0)
	s.humanChar.Store("")

	select {
	case <-s.inputCh:
	default:
	}
}
