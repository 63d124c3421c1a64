package models

import (
	"encoding/json"
	"time"
)

// EmailSyncStatus 邮件同步状态常量
const (
	EmailSyncHeadersOnly  = "headers_only"
	EmailSyncFetchingBody = "fetching_body"
	EmailSyncSynced       = "synced"
	EmailSyncError        = "error"
)

// EmailCategory 邮件分类常量
const (
	CategoryPersonal     = "personal"
	CategoryTransactions = "transactions"
	CategoryUpdates      = "updates"
	CategoryPromotions   = "promotions"
)

// Email 邮件模型
type Email struct {
	BaseModel
	AccountID      string  `gorm:"not null;size:36;index;uniqueIndex:idx_emails_account_remote" json:"account_id"`
	FolderID       string  `gorm:"not null;size:36;index" json:"folder_id"`
	ConversationID *string `gorm:"size:36;index" json:"conversation_id,omitempty"`

	// 标识信息
	MessageID string `gorm:"not null;size:512;index" json:"message_id"` // RFC 5322 Message-ID
	RemoteID  string `gorm:"not null;size:512;uniqueIndex:idx_emails_account_remote" json:"remote_id"`

	// 邮件头信息
	Subject string `gorm:"size:1000" json:"subject"`
	From    string `gorm:"column:from_address;type:text" json:"from"` // JSON对象格式
	To      string `gorm:"column:to_addresses;type:text" json:"to"`   // JSON数组格式
	CC      string `gorm:"column:cc_addresses;type:text" json:"cc"`   // JSON数组格式
	BCC     string `gorm:"column:bcc_addresses;type:text" json:"bcc"` // JSON数组格式
	ReplyTo string `gorm:"column:reply_to;type:text" json:"reply_to"` // JSON数组格式
	Headers string `gorm:"type:text" json:"headers,omitempty"`        // 原始头，JSON对象格式

	// 邮件内容
	Snippet    string `gorm:"size:500" json:"snippet"`
	BodyPlain  string `gorm:"type:text" json:"body_plain"`
	BodyHTML   string `gorm:"type:text" json:"body_html"`
	OtherMails string `gorm:"type:text" json:"other_mails"` // 引用/转发的尾部内容

	// 分类与AI分析缓存
	Category   string `gorm:"size:20" json:"category,omitempty"`
	AIAnalysis string `gorm:"type:text" json:"ai_analysis,omitempty"` // 不透明JSON

	// 时间戳
	ReceivedAt  time.Time  `gorm:"index" json:"received_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`

	// 邮件状态
	IsRead          bool `gorm:"not null;default:false;index" json:"is_read"`
	IsFlagged       bool `gorm:"not null;default:false" json:"is_flagged"`
	IsDraft         bool `gorm:"not null;default:false" json:"is_draft"`
	HasAttachments  bool `gorm:"not null;default:false" json:"has_attachments"`
	IsDeleted       bool `gorm:"not null;default:false;index" json:"is_deleted"`
	TrackingBlocked bool `gorm:"not null;default:false" json:"tracking_blocked"`
	ImagesBlocked   bool `gorm:"not null;default:false" json:"images_blocked"`

	// 同步信息
	SyncStatus           string     `gorm:"not null;size:20;default:'synced';index" json:"sync_status"`
	BodyFetchAttempts    int        `gorm:"not null;default:0" json:"body_fetch_attempts"`
	LastBodyFetchAttempt *time.Time `json:"last_body_fetch_attempt,omitempty"`

	// 条件更新信息
	ChangeKey      string     `gorm:"size:255" json:"change_key,omitempty"`
	RemoteModified *time.Time `json:"remote_modified,omitempty"`

	Size int64 `gorm:"default:0" json:"size"`

	// LabelNames 标签名快照，入索引和序列化用，不落库
	LabelNames []string `gorm:"-" json:"labels,omitempty"`

	// 关联关系
	Account      Account       `gorm:"foreignKey:AccountID" json:"account,omitempty"`
	Folder       Folder        `gorm:"foreignKey:FolderID" json:"folder,omitempty"`
	Conversation *Conversation `gorm:"foreignKey:ConversationID" json:"conversation,omitempty"`
	Attachments  []Attachment  `gorm:"foreignKey:EmailID" json:"attachments,omitempty"`
}

// TableName 指定表名
func (Email) TableName() string {
	return "emails"
}

// EmailAddress 邮件地址结构
type EmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// String 返回显示用的地址格式
func (a EmailAddress) String() string {
	if a.Name != "" {
		return a.Name + " <" + a.Address + ">"
	}
	return a.Address
}

// GetFrom 获取发件人地址
func (e *Email) GetFrom() (EmailAddress, error) {
	var addr EmailAddress
	if e.From == "" {
		return addr, nil
	}
	err := json.Unmarshal([]byte(e.From), &addr)
	return addr, err
}

// SetFrom 设置发件人地址
func (e *Email) SetFrom(addr EmailAddress) error {
	data, err := json.Marshal(addr)
	if err != nil {
		return err
	}
	e.From = string(data)
	return nil
}

func decodeAddresses(raw string) ([]EmailAddress, error) {
	if raw == "" {
		return []EmailAddress{}, nil
	}
	var addresses []EmailAddress
	err := json.Unmarshal([]byte(raw), &addresses)
	return addresses, err
}

func encodeAddresses(addresses []EmailAddress) (string, error) {
	data, err := json.Marshal(addresses)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// GetToAddresses 获取收件人地址列表
func (e *Email) GetToAddresses() ([]EmailAddress, error) {
	return decodeAddresses(e.To)
}

// SetToAddresses 设置收件人地址列表
func (e *Email) SetToAddresses(addresses []EmailAddress) error {
	data, err := encodeAddresses(addresses)
	if err != nil {
		return err
	}
	e.To = data
	return nil
}

// GetCCAddresses 获取抄送地址列表
func (e *Email) GetCCAddresses() ([]EmailAddress, error) {
	return decodeAddresses(e.CC)
}

// SetCCAddresses 设置抄送地址列表
func (e *Email) SetCCAddresses(addresses []EmailAddress) error {
	data, err := encodeAddresses(addresses)
	if err != nil {
		return err
	}
	e.CC = data
	return nil
}

// GetBCCAddresses 获取密送地址列表
func (e *Email) GetBCCAddresses() ([]EmailAddress, error) {
	return decodeAddresses(e.BCC)
}

// SetBCCAddresses 设置密送地址列表
func (e *Email) SetBCCAddresses(addresses []EmailAddress) error {
	data, err := encodeAddresses(addresses)
	if err != nil {
		return err
	}
	e.BCC = data
	return nil
}

// GetReplyToAddresses 获取回复地址列表
func (e *Email) GetReplyToAddresses() ([]EmailAddress, error) {
	return decodeAddresses(e.ReplyTo)
}

// SetReplyToAddresses 设置回复地址列表
func (e *Email) SetReplyToAddresses(addresses []EmailAddress) error {
	data, err := encodeAddresses(addresses)
	if err != nil {
		return err
	}
	e.ReplyTo = data
	return nil
}

// GetHeaders 获取原始邮件头
func (e *Email) GetHeaders() (map[string]string, error) {
	headers := make(map[string]string)
	if e.Headers == "" {
		return headers, nil
	}
	err := json.Unmarshal([]byte(e.Headers), &headers)
	return headers, err
}

// SetHeaders 设置原始邮件头
func (e *Email) SetHeaders(headers map[string]string) error {
	data, err := json.Marshal(headers)
	if err != nil {
		return err
	}
	e.Headers = string(data)
	return nil
}
