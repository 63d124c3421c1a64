package models

import "time"

// Contact 联系人模型，从邮件往来中收集
type Contact struct {
	BaseModel
	AccountID  string     `gorm:"not null;size:36;index;uniqueIndex:idx_contacts_account_email" json:"account_id"`
	Email      string     `gorm:"not null;size:255;uniqueIndex:idx_contacts_account_email" json:"email"`
	Name       string     `gorm:"size:255" json:"name"`
	AvatarPath string     `gorm:"size:500" json:"avatar_path,omitempty"` // 相对路径，MD5寻址
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	SeenCount  int        `gorm:"not null;default:0" json:"seen_count"`
}

// TableName 指定表名
func (Contact) TableName() string {
	return "contacts"
}
