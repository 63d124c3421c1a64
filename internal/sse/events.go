package sse

import (
	"time"

	"github.com/google/uuid"
)

// EventType 事件类型
type EventType string

const (
	// 同步状态事件
	EventSyncStatus          EventType = "sync:status"
	EventSyncFoldersUpdated  EventType = "sync:folders-updated"
	EventSyncFolderCounts    EventType = "sync:folder-counts-updated"
	EventCredentialsRequired EventType = "credentials:required"

	// 文件夹事件
	EventFolderUpdated EventType = "folder:updated"

	// 邮件事件
	EventEmailCreated EventType = "email:created"
	EventEmailUpdated EventType = "email:updated"
	EventEmailDeleted EventType = "email:deleted"

	// 会话与分析事件
	EventConversationUpdated EventType = "conversation:updated"
	EventAnalysisCompleted   EventType = "analysis:completed"

	// 系统事件
	EventHeartbeat EventType = "heartbeat"
)

// Event 发往前端的事件
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	AccountID string      `json:"account_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewEvent 创建事件
func NewEvent(eventType EventType, accountID string, data interface{}) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		AccountID: accountID,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// SyncStatusData sync:status事件数据
type SyncStatusData struct {
	AccountID string `json:"account_id"`
	FolderID  string `json:"folder_id,omitempty"`
	Status    string `json:"status"` // syncing / idle / error
	Error     string `json:"error,omitempty"`
}

// FoldersUpdatedData sync:folders-updated事件数据，前端据此
// 决定是否整体重拉文件夹树
type FoldersUpdatedData struct {
	AccountID string   `json:"account_id"`
	Count     int      `json:"count"`
	FolderIDs []string `json:"folder_ids,omitempty"`
}

// FolderUpdatedData folder:updated事件数据
type FolderUpdatedData struct {
	FolderID    string `json:"folder_id"`
	TotalCount  int    `json:"total_count"`
	UnreadCount int    `json:"unread_count"`
}

// EmailEventData email:*事件数据
type EmailEventData struct {
	EmailID  string `json:"email_id"`
	FolderID string `json:"folder_id,omitempty"`
	Subject  string `json:"subject,omitempty"`
	From     string `json:"from,omitempty"`
	IsRead   bool   `json:"is_read,omitempty"`
}
