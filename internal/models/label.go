package models

// Label 标签模型（Gmail标签、用户自定义标签）
type Label struct {
	BaseModel
	AccountID string `gorm:"not null;size:36;index;uniqueIndex:idx_labels_account_name" json:"account_id"`
	Name      string `gorm:"not null;size:255;uniqueIndex:idx_labels_account_name" json:"name"`
	RemoteID  string `gorm:"size:255" json:"remote_id,omitempty"`
	Color     string `gorm:"size:20" json:"color,omitempty"`
}

// TableName 指定表名
func (Label) TableName() string {
	return "labels"
}

// EmailLabel 邮件与标签的关联表
type EmailLabel struct {
	EmailID string `gorm:"not null;size:36;primaryKey" json:"email_id"`
	LabelID string `gorm:"not null;size:36;primaryKey" json:"label_id"`
}

// TableName 指定表名
func (EmailLabel) TableName() string {
	return "email_labels"
}
