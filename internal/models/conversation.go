package models

// Conversation 会话模型，按提供商线程标识聚合邮件
type Conversation struct {
	BaseModel
	AccountID    string `gorm:"not null;size:36;index;uniqueIndex:idx_conversations_account_remote" json:"account_id"`
	RemoteID     string `gorm:"not null;size:512;uniqueIndex:idx_conversations_account_remote" json:"remote_id"`
	MessageCount int    `gorm:"not null;default:0" json:"message_count"`
	AIAnalysis   string `gorm:"type:text" json:"ai_analysis,omitempty"` // 不透明JSON

	// 关联关系
	Emails []Email `gorm:"foreignKey:ConversationID" json:"emails,omitempty"`
}

// TableName 指定表名
func (Conversation) TableName() string {
	return "conversations"
}
