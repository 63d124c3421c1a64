package models

import "time"

// SyncStatus 文件夹同步状态常量
const (
	SyncStatusIdle    = "idle"
	SyncStatusSyncing = "syncing"
	SyncStatusError   = "error"
	SyncStatusPaused  = "paused"
)

// SyncState 文件夹同步状态模型，每个(account, folder)一行
type SyncState struct {
	BaseModel
	AccountID string `gorm:"not null;size:36;index;uniqueIndex:idx_sync_state_account_folder" json:"account_id"`
	FolderID  string `gorm:"not null;size:36;uniqueIndex:idx_sync_state_account_folder" json:"folder_id"`

	SyncStatus string     `gorm:"not null;size:20;default:'idle'" json:"sync_status"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`

	// 提供商游标：IMAP用LastUID，Gmail/Graph用SyncToken
	LastUID   uint32 `gorm:"default:0" json:"last_uid"`
	SyncToken string `gorm:"size:2000" json:"sync_token,omitempty"` // 不透明，核心不解析

	ErrorCount   int    `gorm:"not null;default:0" json:"error_count"`
	ErrorMessage string `gorm:"size:1000" json:"error_message,omitempty"`
}

// TableName 指定表名
func (SyncState) TableName() string {
	return "sync_state"
}
