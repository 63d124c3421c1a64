package models

import (
	"path/filepath"
	"strings"
)

// Attachment 附件模型
type Attachment struct {
	BaseModel
	EmailID     string `gorm:"not null;size:36;index" json:"email_id"`
	Filename    string `gorm:"not null;size:255" json:"filename"`
	ContentType string `gorm:"size:100" json:"content_type"`
	Size        int64  `gorm:"not null;default:0" json:"size"`
	ContentID   string `gorm:"size:255" json:"content_id,omitempty"` // 用于内联CID解析

	// 缓存信息
	Hash      string `gorm:"size:32" json:"hash,omitempty"`        // 已缓存字节的MD5
	CachePath string `gorm:"size:500" json:"cache_path,omitempty"` // 相对路径
	IsCached  bool   `gorm:"not null;default:false" json:"is_cached"`
	IsInline  bool   `gorm:"not null;default:false" json:"is_inline"`

	// 按需下载信息
	RemoteURL  string `gorm:"size:1000" json:"remote_url,omitempty"`
	RemotePath string `gorm:"size:500" json:"remote_path,omitempty"` // 提供商附件标识（IMAP part、API id）

	// 关联关系
	Email Email `gorm:"foreignKey:EmailID" json:"email,omitempty"`
}

// TableName 指定表名
func (Attachment) TableName() string {
	return "attachments"
}

// GetFileExtension 获取文件扩展名
func (a *Attachment) GetFileExtension() string {
	if a.Filename == "" {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(a.Filename), "."))
}

// IsImage 检查是否为图片附件
func (a *Attachment) IsImage() bool {
	return strings.HasPrefix(a.ContentType, "image/")
}
