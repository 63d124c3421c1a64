package providers

import (
	"context"
	"time"

	"ravn/internal/models"
)

// SyncDiff 一次同步调用的归一化结果。三个提供商的变更模型
// （UID搜索、history id、delta link）都收敛到这一个契约上。
//
// 归一化规则：
//   - Deleted 只含remote id，不含本地id
//   - Modified 携带完整的新邮件镜像，消费方必须按upsert处理
//   - NextSyncToken 不透明，格式由各提供商自定，核心只存储和回传
type SyncDiff struct {
	Added         []*ProviderEmail
	Modified      []*ProviderEmail
	Deleted       []string
	NextSyncToken string
}

// IsEmpty 检查diff是否为空
func (d *SyncDiff) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Deleted) == 0
}

// ProviderEmail 提供商返回的邮件镜像
type ProviderEmail struct {
	RemoteID       string
	MessageID      string
	ConversationID string

	Subject string
	From    models.EmailAddress
	To      []models.EmailAddress
	CC      []models.EmailAddress
	BCC     []models.EmailAddress
	ReplyTo []models.EmailAddress
	Headers map[string]string

	Snippet   string
	BodyPlain string
	BodyHTML  string

	ReceivedAt time.Time
	SentAt     *time.Time

	IsRead         bool
	IsFlagged      bool
	IsDraft        bool
	HasAttachments bool

	Size           int64
	ChangeKey      string
	RemoteModified *time.Time
	Labels         []string

	// SyncStatus 表示本次取回的完整度：headers_only 或 synced
	SyncStatus string

	Attachments []*ProviderAttachment
}

// ProviderAttachment 提供商返回的附件描述
type ProviderAttachment struct {
	Filename    string
	ContentType string
	Size        int64
	ContentID   string
	IsInline    bool

	// RemotePath 提供商侧的附件标识（IMAP part编号、API附件id）
	RemotePath string
	RemoteURL  string

	// Data 同一同步周期内已下载的字节；为nil表示按需下载
	Data []byte
}

// ProviderFolder 提供商返回的文件夹描述
type ProviderFolder struct {
	RemoteID       string
	Name           string // 已解码的显示名
	Type           string
	ParentRemoteID string
	TotalCount     int
	UnreadCount    int
	Attributes     []string
}

// IsHidden 该文件夹是否应从用户可见列表中隐藏
func (f *ProviderFolder) IsHidden() bool {
	return hasAttribute(f.Attributes, attrHidden)
}

// SyncOptions 一次sync_messages调用的参数
type SyncOptions struct {
	FolderRemoteID string

	// SyncToken 上次同步保存的游标，空串表示全量
	SyncToken string

	// Full 为true时忽略已存游标，走全量遍历
	Full bool

	// HeadersOnly 只取头部，交给Body Fetcher补全（IMAP路径）
	HeadersOnly bool

	// PageCallback 分页协议在每页完成后调用，调用方借此逐页落库并刷新
	// delta link，使同步可从中断处恢复。非分页提供商忽略该字段。
	PageCallback func(ctx context.Context, page *SyncDiff) error
}

// OutgoingMessage 待发送邮件
type OutgoingMessage struct {
	From        models.EmailAddress
	To          []models.EmailAddress
	CC          []models.EmailAddress
	BCC         []models.EmailAddress
	Subject     string
	BodyPlain   string
	BodyHTML    string
	InReplyTo   string
	References  []string
	Attachments []*OutgoingAttachment
}

// OutgoingAttachment 待发送附件
type OutgoingAttachment struct {
	Filename    string
	ContentType string
	Data        []byte
	ContentID   string
	IsInline    bool
}

// SendResult 发送结果
type SendResult struct {
	MessageID string
	// RemoteID 提供商返回的已发邮件id；SMTP路径为空，
	// 由下一次Sent文件夹同步按message_id对账
	RemoteID string
}

// EmailProvider 邮件提供商契约，三个实现隐藏于其后
type EmailProvider interface {
	// Name 提供商标签：imap / gmail / office365
	Name() string

	// Authenticate 建立有状态登录；OAuth2提供商在此确保token可用
	Authenticate(ctx context.Context) error

	// TestConnection 测试连通性
	TestConnection(ctx context.Context) (bool, error)

	// FetchFolders 获取文件夹列表
	FetchFolders(ctx context.Context) ([]*ProviderFolder, error)

	// SyncMessages 执行一次同步，返回归一化diff
	SyncMessages(ctx context.Context, opts SyncOptions) (*SyncDiff, error)

	// FetchEmail 取回完整邮件（含正文与附件描述）
	FetchEmail(ctx context.Context, folderRemoteID, remoteID string) (*ProviderEmail, error)

	// FetchAttachment 按附件描述取回字节
	FetchAttachment(ctx context.Context, folderRemoteID, emailRemoteID string, attachment *models.Attachment) ([]byte, error)

	// 远端变更操作，全部幂等
	MoveEmail(ctx context.Context, remoteID, fromFolderRemoteID, toFolderRemoteID string) error
	DeleteEmail(ctx context.Context, remoteID, folderRemoteID string) error
	MarkAsRead(ctx context.Context, remoteID, folderRemoteID string, read bool) error
	SetFlag(ctx context.Context, remoteID, folderRemoteID string, flagged bool) error
	RenameFolder(ctx context.Context, folderRemoteID, newName string) error
	MoveFolder(ctx context.Context, folderRemoteID, newParentRemoteID string) error

	// SendEmail 远端发送；不支持原生发送的提供商返回ErrNativeSendUnsupported，
	// 由调用方改走SMTP组装路径
	SendEmail(ctx context.Context, message *OutgoingMessage) (*SendResult, error)

	// Close 释放连接
	Close() error

	// AsAny 暴露具体实现，仅用于提供商特定扩展（Graph分页助手）的受控降型
	AsAny() interface{}
}

// GraphPager Graph实现特有的分页delta能力，通过AsAny获取
type GraphPager interface {
	// SyncMessagesPaged 分页delta同步；每页完成后调用PageCallback，
	// delta link随页刷新
	SyncMessagesPaged(ctx context.Context, opts SyncOptions) (*SyncDiff, error)
}
