package models

import (
	"encoding/json"
	"time"
)

// FolderType 文件夹类型常量
const (
	FolderTypeInbox   = "inbox"
	FolderTypeSent    = "sent"
	FolderTypeDraft   = "draft"
	FolderTypeTrash   = "trash"
	FolderTypeSpam    = "spam"
	FolderTypeArchive = "archive"
	FolderTypeStarred = "starred"
	FolderTypeCustom  = "custom"
)

// Folder 邮件文件夹模型
type Folder struct {
	BaseModel
	AccountID   string `gorm:"not null;size:36;index;uniqueIndex:idx_folders_account_remote" json:"account_id"`
	RemoteID    string `gorm:"not null;size:500;uniqueIndex:idx_folders_account_remote" json:"remote_id"`
	Name        string `gorm:"not null;size:255" json:"name"` // 已从modified UTF-7解码的显示名
	Type        string `gorm:"not null;size:20;default:'custom'" json:"type"`
	ParentID    *string `gorm:"size:36;index" json:"parent_id,omitempty"`
	SortOrder   int    `gorm:"default:0" json:"sort_order"`
	IsHidden    bool   `gorm:"not null;default:false" json:"is_hidden"`

	// 每文件夹设置，JSON对象格式（同步间隔、用户覆盖等）
	Settings string `gorm:"type:text" json:"settings,omitempty"`

	// 统计信息
	TotalEmails  int `gorm:"default:0" json:"total_emails"`
	UnreadEmails int `gorm:"default:0" json:"unread_emails"`

	// 同步信息
	SyncedAt *time.Time `json:"synced_at,omitempty"`

	// 关联关系
	Account  Account  `gorm:"foreignKey:AccountID" json:"account,omitempty"`
	Parent   *Folder  `gorm:"foreignKey:ParentID" json:"parent,omitempty"`
	Children []Folder `gorm:"foreignKey:ParentID" json:"children,omitempty"`
}

// TableName 指定表名
func (Folder) TableName() string {
	return "folders"
}

// IsSystemFolder 检查是否为系统文件夹
func (f *Folder) IsSystemFolder() bool {
	return f.Type != FolderTypeCustom
}

// GetSettings 获取文件夹设置
func (f *Folder) GetSettings() (map[string]interface{}, error) {
	settings := make(map[string]interface{})
	if f.Settings == "" {
		return settings, nil
	}
	err := json.Unmarshal([]byte(f.Settings), &settings)
	return settings, err
}

// SyncInterval 获取文件夹同步间隔，默认5分钟
func (f *Folder) SyncInterval() time.Duration {
	settings, err := f.GetSettings()
	if err == nil {
		if v, ok := settings["sync_interval_seconds"].(float64); ok && v > 0 {
			return time.Duration(v) * time.Second
		}
	}
	if f.Type == FolderTypeInbox {
		return 2 * time.Minute
	}
	return 5 * time.Minute
}

// NextSyncAt 计算下次同步时间
func (f *Folder) NextSyncAt() time.Time {
	if f.SyncedAt == nil {
		return time.Time{}
	}
	return f.SyncedAt.Add(f.SyncInterval())
}
