package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const heartbeatInterval = 30 * time.Second

// Bridge 把事件总线桥接成SSE流，供本地前端壳订阅
type Bridge struct {
	publisher *Publisher
}

// NewBridge 创建SSE桥
func NewBridge(publisher *Publisher) *Bridge {
	return &Bridge{publisher: publisher}
}

// Handler gin处理函数，持有连接直到客户端断开
func (b *Bridge) Handler(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	clientID := uuid.NewString()
	events, cancel := b.publisher.Subscribe(clientID)
	defer cancel()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			writeEvent(w, event)
			return true
		case <-heartbeat.C:
			writeEvent(w, NewEvent(EventHeartbeat, "", nil))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// writeEvent 按SSE wire格式写出事件
func writeEvent(w io.Writer, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, payload)
}
