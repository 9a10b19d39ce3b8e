package api

import (
	"encoding/json"
	"sync"
	"time"

	"BrowserAgent/backend/go/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// wsSubscriber 把 websocket 连接适配为 service.Subscriber。
// gorilla 的连接不支持并发写，写操作由 mu 串行化。
type wsSubscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSubscriber) Send(event models.TaskEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(event)
}

func (s *wsSubscriber) Close() error {
	return s.conn.Close()
}

// clientMessage 是客户端发来的订阅控制消息
type clientMessage struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
}

// WebSocketHandler 升级连接，默认订阅所有任务，并处理 subscribe/unsubscribe 消息。
func (a *API) WebSocketHandler(c *gin.Context) {
	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.logger.WithError(models.ErrorInfo{Message: err.Error()}).Error("Failed to upgrade WebSocket connection")
		return
	}

	sub := &wsSubscriber{conn: conn}
	a.events.Register(sub)

	go func() {
		defer a.events.Remove(sub)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			a.handleClientMessage(sub, data)
		}
	}()
}

func (a *API) handleClientMessage(sub *wsSubscriber, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		a.logger.WithPayload(map[string]interface{}{"data": models.Truncate(string(data), 100)}).Warn("Received invalid JSON through WebSocket")
		a.reply(sub, "Invalid message format. Expected JSON.")
		return
	}

	switch {
	case msg.Type == "subscribe" && msg.TaskID != "":
		a.events.Subscribe(sub, msg.TaskID)
		a.logger.WithTask(msg.TaskID).WithPayload(map[string]interface{}{"subscribers": a.events.Count(msg.TaskID)}).Info("Client subscribed to task")
		a.reply(sub, "Subscribed to task "+msg.TaskID)
	case msg.Type == "unsubscribe" && msg.TaskID != "":
		a.events.Unsubscribe(sub, msg.TaskID)
		a.reply(sub, "Unsubscribed from task "+msg.TaskID)
	default:
		a.reply(sub, "Unsupported message type: "+msg.Type)
	}
}

// reply 直接回复当前连接，失败时按断开处理
func (a *API) reply(sub *wsSubscriber, content string) {
	if err := sub.Send(models.NewSystemMessage(content)); err != nil {
		a.events.Remove(sub)
	}
}
