package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"mime"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/utf7"
	"github.com/emersion/go-message/charset"

	"ravn/internal/credentials"
	"ravn/internal/models"
	"ravn/internal/parser"
	"ravn/internal/proxy"
)

const imapFetchChunkSize = 50

// IMAPProvider IMAP实现。保持一条持久认证会话，掉线自动重连。
// 邮件remote id是UID的十进制串，文件夹remote id是原始（UTF-7编码）邮箱名。
type IMAPProvider struct {
	account *models.Account
	creds   *credentials.Store

	defaultHost string
	defaultPort int
	smtpHost    string
	smtpPort    int

	mutex     sync.Mutex
	client    *client.Client
	selected  string
	delimiter string

	wordDecoder *mime.WordDecoder
}

// NewIMAPProvider 创建IMAP提供商
func NewIMAPProvider(account *models.Account, creds *credentials.Store) *IMAPProvider {
	return NewIMAPProviderWithDefaults(account, creds, "", 993, "", 587)
}

// NewIMAPProviderWithDefaults 创建带默认主机配置的IMAP提供商（iCloud等预设）
func NewIMAPProviderWithDefaults(account *models.Account, creds *credentials.Store, host string, port int, smtpHost string, smtpPort int) *IMAPProvider {
	decoder := &mime.WordDecoder{CharsetReader: charset.Reader}
	return &IMAPProvider{
		account:     account,
		creds:       creds,
		defaultHost: host,
		defaultPort: port,
		smtpHost:    smtpHost,
		smtpPort:    smtpPort,
		delimiter:   "/",
		wordDecoder: decoder,
	}
}

// Name 提供商标签
func (p *IMAPProvider) Name() string {
	return models.ProviderIMAP
}

// AsAny 暴露具体实现
func (p *IMAPProvider) AsAny() interface{} {
	return p
}

func (p *IMAPProvider) host() (string, int) {
	host := p.account.GetStringSetting("imap_host")
	if host == "" {
		host = p.defaultHost
	}
	port := p.defaultPort
	if v := p.account.GetStringSetting("imap_port"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			port = n
		}
	}
	return host, port
}

// SMTPEndpoint 返回该账户的SMTP提交端点，供外部发送器使用
func (p *IMAPProvider) SMTPEndpoint() (string, int) {
	host := p.account.GetStringSetting("smtp_host")
	if host == "" {
		host = p.smtpHost
	}
	port := p.smtpPort
	if v := p.account.GetStringSetting("smtp_port"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			port = n
		}
	}
	return host, port
}

// Authenticate 建立认证会话
func (p *IMAPProvider) Authenticate(ctx context.Context) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.connectLocked(ctx)
}

func (p *IMAPProvider) connectLocked(ctx context.Context) error {
	if p.client != nil {
		if err := p.client.Noop(); err == nil {
			return nil
		}
		p.client.Logout()
		p.client = nil
		p.selected = ""
	}

	cred, err := p.creds.GetIMAP(ctx, p.account.ID)
	if err != nil {
		return newAuthError(p.Name(), "authenticate", err)
	}

	host, port := p.host()
	if host == "" {
		return newError(p.Name(), "authenticate", fmt.Errorf("imap_host not configured for account %s", p.account.Email))
	}

	dialer, err := proxy.Dialer(proxy.FromAccount(p.account))
	if err != nil {
		return newError(p.Name(), "dial", err)
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	c, err := client.DialWithDialerTLS(dialer, addr, nil)
	if err != nil {
		return newError(p.Name(), "dial", err)
	}
	c.Timeout = 60 * time.Second

	username := cred.Username
	if username == "" {
		username = p.account.Email
	}
	if err := c.Login(username, cred.Password); err != nil {
		c.Logout()
		return newAuthError(p.Name(), "login", err)
	}

	p.client = c
	p.selected = ""
	return nil
}

// withClient 在持久会话上执行操作；连接类错误重连一次后重试
func (p *IMAPProvider) withClient(ctx context.Context, op string, fn func(c *client.Client) error) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if err := p.connectLocked(ctx); err != nil {
		return err
	}
	err := fn(p.client)
	if err == nil {
		return nil
	}

	if t, _ := classify(err); t == ErrorTypeTransient {
		log.Printf("IMAP connection dropped during %s, reconnecting: %v", op, err)
		p.client = nil
		p.selected = ""
		if reconnectErr := p.connectLocked(ctx); reconnectErr != nil {
			return reconnectErr
		}
		if err = fn(p.client); err == nil {
			return nil
		}
	}
	return newError(p.Name(), op, err)
}

func (p *IMAPProvider) selectFolder(c *client.Client, folder string) error {
	if p.selected == folder {
		return nil
	}
	if _, err := c.Select(folder, false); err != nil {
		return err
	}
	p.selected = folder
	return nil
}

// TestConnection 测试连通性
func (p *IMAPProvider) TestConnection(ctx context.Context) (bool, error) {
	err := p.withClient(ctx, "test_connection", func(c *client.Client) error {
		return c.Noop()
	})
	return err == nil, err
}

// Close 注销并断开会话
func (p *IMAPProvider) Close() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.client != nil {
		err := p.client.Logout()
		p.client = nil
		p.selected = ""
		return err
	}
	return nil
}

// FetchFolders 通过LIST获取文件夹；名称从modified UTF-7解码，
// 语义类型先看属性再看多语言名称启发
func (p *IMAPProvider) FetchFolders(ctx context.Context) ([]*ProviderFolder, error) {
	var folders []*ProviderFolder
	err := p.withClient(ctx, "fetch_folders", func(c *client.Client) error {
		mailboxes := make(chan *imap.MailboxInfo, 20)
		done := make(chan error, 1)
		go func() {
			done <- c.List("", "*", mailboxes)
		}()

		folders = folders[:0]
		for mbox := range mailboxes {
			if hasAttribute(mbox.Attributes, imap.NoSelectAttr) {
				continue
			}
			if mbox.Delimiter != "" {
				p.delimiter = mbox.Delimiter
			}

			decoded, err := utf7.Encoding.NewDecoder().String(mbox.Name)
			if err != nil {
				decoded = mbox.Name
			}

			displayName := decoded
			parentRemoteID := ""
			if mbox.Delimiter != "" {
				if idx := strings.LastIndex(decoded, mbox.Delimiter); idx >= 0 {
					displayName = decoded[idx+1:]
				}
				if idx := strings.LastIndex(mbox.Name, mbox.Delimiter); idx >= 0 {
					parentRemoteID = mbox.Name[:idx]
				}
			}

			folders = append(folders, &ProviderFolder{
				RemoteID:       mbox.Name,
				Name:           displayName,
				Type:           DetectFolderType(mbox.Attributes, decoded),
				ParentRemoteID: parentRemoteID,
				Attributes:     mbox.Attributes,
			})
		}
		if err := <-done; err != nil {
			return err
		}

		// 补充每个文件夹的邮件计数；单个STATUS失败不致命
		for _, f := range folders {
			status, err := c.Status(f.RemoteID, []imap.StatusItem{imap.StatusMessages, imap.StatusUnseen})
			if err != nil {
				continue
			}
			f.TotalCount = int(status.Messages)
			f.UnreadCount = int(status.Unseen)
		}
		p.selected = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	return folders, nil
}

// SyncMessages 同步文件夹。有token时执行 UID SEARCH UID N+1:*，
// 无token时全量 UID SEARCH 1:*。返回的token是本次观察到的最大UID。
// 默认headers_only取回，交给Body Fetcher补全正文。
func (p *IMAPProvider) SyncMessages(ctx context.Context, opts SyncOptions) (*SyncDiff, error) {
	lastUID := uint32(0)
	if !opts.Full && opts.SyncToken != "" {
		parsed, err := strconv.ParseUint(opts.SyncToken, 10, 32)
		if err != nil {
			return nil, newProtocolError(p.Name(), "sync_messages", opts.FolderRemoteID,
				fmt.Errorf("invalid sync token %q: %w", opts.SyncToken, err))
		}
		lastUID = uint32(parsed)
	}

	diff := &SyncDiff{}
	err := p.withClient(ctx, "sync_messages", func(c *client.Client) error {
		if err := p.selectFolder(c, opts.FolderRemoteID); err != nil {
			return err
		}

		criteria := imap.NewSearchCriteria()
		seqset := new(imap.SeqSet)
		if lastUID > 0 {
			seqset.AddRange(lastUID+1, 0)
		} else {
			seqset.AddRange(1, 0)
		}
		criteria.Uid = seqset

		uids, err := c.UidSearch(criteria)
		if err != nil {
			return err
		}

		maxUID := lastUID
		for _, uid := range uids {
			if uid > maxUID {
				maxUID = uid
			}
		}
		diff.Added = diff.Added[:0]
		diff.NextSyncToken = strconv.FormatUint(uint64(maxUID), 10)
		if len(uids) == 0 {
			return nil
		}

		for start := 0; start < len(uids); start += imapFetchChunkSize {
			end := start + imapFetchChunkSize
			if end > len(uids) {
				end = len(uids)
			}
			emails, err := p.fetchByUIDs(c, uids[start:end], opts.HeadersOnly)
			if err != nil {
				return err
			}
			diff.Added = append(diff.Added, emails...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return diff, nil
}

// fetchByUIDs 按UID批量取回邮件
func (p *IMAPProvider) fetchByUIDs(c *client.Client, uids []uint32, headersOnly bool) ([]*ProviderEmail, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	items := []imap.FetchItem{imap.FetchFlags, imap.FetchEnvelope, imap.FetchRFC822Size, imap.FetchBodyStructure, imap.FetchUid}
	var section *imap.BodySectionName
	if !headersOnly {
		section = &imap.BodySectionName{}
		items = append(items, section.FetchItem())
	}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, items, messages)
	}()

	var emails []*ProviderEmail
	for msg := range messages {
		email, err := p.convertMessage(msg, section)
		if err != nil {
			// 单封解析失败不终止整页，记录后继续
			log.Printf("Failed to convert IMAP message uid=%d: %v", msg.Uid, err)
			continue
		}
		emails = append(emails, email)
	}
	if err := <-done; err != nil {
		return nil, err
	}
	return emails, nil
}

// convertMessage 将IMAP报文转换为ProviderEmail
func (p *IMAPProvider) convertMessage(msg *imap.Message, section *imap.BodySectionName) (*ProviderEmail, error) {
	if msg.Uid == 0 {
		return nil, fmt.Errorf("message missing uid")
	}
	env := msg.Envelope
	if env == nil {
		return nil, fmt.Errorf("message %d missing envelope", msg.Uid)
	}

	email := &ProviderEmail{
		RemoteID:   strconv.FormatUint(uint64(msg.Uid), 10),
		MessageID:  strings.Trim(env.MessageId, "<>"),
		Subject:    p.decodeWord(env.Subject),
		ReceivedAt: env.Date,
		Size:       int64(msg.Size),
		IsRead:     hasFlag(msg.Flags, imap.SeenFlag),
		IsFlagged:  hasFlag(msg.Flags, imap.FlaggedFlag),
		IsDraft:    hasFlag(msg.Flags, imap.DraftFlag),
		SyncStatus: models.EmailSyncHeadersOnly,
	}
	if len(env.From) > 0 {
		email.From = p.convertAddress(env.From[0])
	}
	email.To = p.convertAddresses(env.To)
	email.CC = p.convertAddresses(env.Cc)
	email.BCC = p.convertAddresses(env.Bcc)
	email.ReplyTo = p.convertAddresses(env.ReplyTo)
	if !env.Date.IsZero() {
		d := env.Date
		email.SentAt = &d
	}

	if section == nil {
		// headers_only：附件描述来自BODYSTRUCTURE，字节留待按需取回
		if msg.BodyStructure != nil {
			walkBodyStructure(msg.BodyStructure, "", func(partID string, part *imap.BodyStructure) {
				att := bodyStructureAttachment(partID, part)
				if att != nil {
					email.Attachments = append(email.Attachments, att)
				}
			})
		}
		email.HasAttachments = len(email.Attachments) > 0
		return email, nil
	}

	body := msg.GetBody(section)
	if body == nil {
		return nil, fmt.Errorf("message %d missing body section", msg.Uid)
	}
	return p.fillFromRFC822(email, body)
}

// fillFromRFC822 用完整报文内容填充邮件
func (p *IMAPProvider) fillFromRFC822(email *ProviderEmail, body io.Reader) (*ProviderEmail, error) {
	parsed, err := parser.ParseMessage(body)
	if err != nil {
		return nil, err
	}

	if parsed.MessageID != "" {
		email.MessageID = parsed.MessageID
	}
	if parsed.Subject != "" {
		email.Subject = parsed.Subject
	}
	if parsed.From.Address != "" {
		email.From = parsed.From
	}
	if len(parsed.To) > 0 {
		email.To = parsed.To
	}
	email.Headers = parsed.Headers
	email.BodyPlain = parsed.BodyPlain
	email.BodyHTML = parsed.BodyHTML
	email.SyncStatus = models.EmailSyncSynced
	if parsed.SentAt != nil {
		email.SentAt = parsed.SentAt
	}

	for _, att := range parsed.Attachments {
		email.Attachments = append(email.Attachments, &ProviderAttachment{
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Size:        int64(len(att.Data)),
			ContentID:   att.ContentID,
			IsInline:    att.IsInline,
			Data:        att.Data,
		})
	}
	email.HasAttachments = len(email.Attachments) > 0
	return email, nil
}

// FetchEmail 取回单封完整邮件
func (p *IMAPProvider) FetchEmail(ctx context.Context, folderRemoteID, remoteID string) (*ProviderEmail, error) {
	uid, err := strconv.ParseUint(remoteID, 10, 32)
	if err != nil {
		return nil, newProtocolError(p.Name(), "fetch_email", remoteID, fmt.Errorf("invalid uid: %w", err))
	}

	var email *ProviderEmail
	err = p.withClient(ctx, "fetch_email", func(c *client.Client) error {
		if err := p.selectFolder(c, folderRemoteID); err != nil {
			return err
		}
		emails, err := p.fetchByUIDs(c, []uint32{uint32(uid)}, false)
		if err != nil {
			return err
		}
		if len(emails) == 0 {
			return fmt.Errorf("message %s not found", remoteID)
		}
		email = emails[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return email, nil
}

// FetchAttachment 取回附件字节。IMAP路径取回整封报文后按
// content-id或文件名匹配对应part。
func (p *IMAPProvider) FetchAttachment(ctx context.Context, folderRemoteID, emailRemoteID string, attachment *models.Attachment) ([]byte, error) {
	email, err := p.FetchEmail(ctx, folderRemoteID, emailRemoteID)
	if err != nil {
		return nil, err
	}
	for _, att := range email.Attachments {
		if attachment.ContentID != "" && att.ContentID == attachment.ContentID {
			return att.Data, nil
		}
		if att.Filename == attachment.Filename {
			return att.Data, nil
		}
	}
	return nil, newProtocolError(p.Name(), "fetch_attachment", emailRemoteID,
		fmt.Errorf("attachment %q not found in message", attachment.Filename))
}

func (p *IMAPProvider) storeFlags(ctx context.Context, remoteID, folderRemoteID string, add bool, flag string) error {
	uid, err := strconv.ParseUint(remoteID, 10, 32)
	if err != nil {
		return newProtocolError(p.Name(), "store_flags", remoteID, fmt.Errorf("invalid uid: %w", err))
	}
	return p.withClient(ctx, "store_flags", func(c *client.Client) error {
		if err := p.selectFolder(c, folderRemoteID); err != nil {
			return err
		}
		seqset := new(imap.SeqSet)
		seqset.AddNum(uint32(uid))
		op := imap.FlagsOp(imap.AddFlags)
		if !add {
			op = imap.RemoveFlags
		}
		item := imap.FormatFlagsOp(op, true)
		return c.UidStore(seqset, item, []interface{}{flag}, nil)
	})
}

// MarkAsRead 设置/清除\Seen
func (p *IMAPProvider) MarkAsRead(ctx context.Context, remoteID, folderRemoteID string, read bool) error {
	return p.storeFlags(ctx, remoteID, folderRemoteID, read, imap.SeenFlag)
}

// SetFlag 设置/清除\Flagged
func (p *IMAPProvider) SetFlag(ctx context.Context, remoteID, folderRemoteID string, flagged bool) error {
	return p.storeFlags(ctx, remoteID, folderRemoteID, flagged, imap.FlaggedFlag)
}

// DeleteEmail 标记\Deleted并EXPUNGE
func (p *IMAPProvider) DeleteEmail(ctx context.Context, remoteID, folderRemoteID string) error {
	if err := p.storeFlags(ctx, remoteID, folderRemoteID, true, imap.DeletedFlag); err != nil {
		return err
	}
	return p.withClient(ctx, "expunge", func(c *client.Client) error {
		return c.Expunge(nil)
	})
}

// MoveEmail UID COPY到目标后在源文件夹删除
func (p *IMAPProvider) MoveEmail(ctx context.Context, remoteID, fromFolderRemoteID, toFolderRemoteID string) error {
	uid, err := strconv.ParseUint(remoteID, 10, 32)
	if err != nil {
		return newProtocolError(p.Name(), "move_email", remoteID, fmt.Errorf("invalid uid: %w", err))
	}
	err = p.withClient(ctx, "move_email", func(c *client.Client) error {
		if err := p.selectFolder(c, fromFolderRemoteID); err != nil {
			return err
		}
		seqset := new(imap.SeqSet)
		seqset.AddNum(uint32(uid))
		return c.UidCopy(seqset, toFolderRemoteID)
	})
	if err != nil {
		return err
	}
	return p.DeleteEmail(ctx, remoteID, fromFolderRemoteID)
}

// RenameFolder 重命名文件夹
func (p *IMAPProvider) RenameFolder(ctx context.Context, folderRemoteID, newName string) error {
	return p.withClient(ctx, "rename_folder", func(c *client.Client) error {
		encoded, err := utf7.Encoding.NewEncoder().String(newName)
		if err != nil {
			encoded = newName
		}
		target := encoded
		if idx := strings.LastIndex(folderRemoteID, p.delimiter); idx >= 0 {
			target = folderRemoteID[:idx+1] + encoded
		}
		p.selected = ""
		return c.Rename(folderRemoteID, target)
	})
}

// MoveFolder 移动文件夹到新父级
func (p *IMAPProvider) MoveFolder(ctx context.Context, folderRemoteID, newParentRemoteID string) error {
	return p.withClient(ctx, "move_folder", func(c *client.Client) error {
		leaf := folderRemoteID
		if idx := strings.LastIndex(folderRemoteID, p.delimiter); idx >= 0 {
			leaf = folderRemoteID[idx+1:]
		}
		target := leaf
		if newParentRemoteID != "" {
			target = newParentRemoteID + p.delimiter + leaf
		}
		p.selected = ""
		return c.Rename(folderRemoteID, target)
	})
}

// SendEmail IMAP无原生发送，交给SMTP组装路径
func (p *IMAPProvider) SendEmail(ctx context.Context, message *OutgoingMessage) (*SendResult, error) {
	return nil, ErrNativeSendUnsupported
}

// AppendToFolder 将原始报文追加到指定文件夹（发送后镜像到Sent）
func (p *IMAPProvider) AppendToFolder(ctx context.Context, folderRemoteID string, raw []byte, flags []string) error {
	return p.withClient(ctx, "append", func(c *client.Client) error {
		return c.Append(folderRemoteID, flags, time.Now(), bytes.NewReader(raw))
	})
}

func (p *IMAPProvider) convertAddress(addr *imap.Address) models.EmailAddress {
	if addr == nil {
		return models.EmailAddress{}
	}
	return models.EmailAddress{
		Name:    p.decodeWord(addr.PersonalName),
		Address: addr.Address(),
	}
}

func (p *IMAPProvider) convertAddresses(addrs []*imap.Address) []models.EmailAddress {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]models.EmailAddress, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, p.convertAddress(a))
	}
	return out
}

// decodeWord 解码RFC 2047编码字
func (p *IMAPProvider) decodeWord(s string) string {
	if !strings.Contains(s, "=?") {
		return s
	}
	decoded, err := p.wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}

func hasAttribute(attrs []string, attr string) bool {
	for _, a := range attrs {
		if strings.EqualFold(a, attr) {
			return true
		}
	}
	return false
}

// walkBodyStructure 深度优先遍历MIME树，叶子part回调携带IMAP part编号
func walkBodyStructure(bs *imap.BodyStructure, id string, fn func(partID string, part *imap.BodyStructure)) {
	if bs == nil {
		return
	}
	if len(bs.Parts) == 0 {
		if id == "" {
			id = "1"
		}
		fn(id, bs)
		return
	}
	for i, part := range bs.Parts {
		childID := strconv.Itoa(i + 1)
		if id != "" {
			childID = id + "." + childID
		}
		walkBodyStructure(part, childID, fn)
	}
}

// bodyStructureAttachment 将附件类part转为描述；正文part返回nil
func bodyStructureAttachment(partID string, part *imap.BodyStructure) *ProviderAttachment {
	disposition := strings.ToLower(part.Disposition)
	filename := ""
	if part.DispositionParams != nil {
		filename = part.DispositionParams["filename"]
	}
	if filename == "" && part.Params != nil {
		filename = part.Params["name"]
	}

	isAttachment := disposition == "attachment" || filename != ""
	isInlinePart := disposition == "inline" && part.Id != ""
	if !isAttachment && !isInlinePart {
		return nil
	}

	contentType := strings.ToLower(part.MIMEType + "/" + part.MIMESubType)
	if contentType == "text/plain" || contentType == "text/html" {
		return nil
	}

	return &ProviderAttachment{
		Filename:    filename,
		ContentType: contentType,
		Size:        int64(part.Size),
		ContentID:   strings.Trim(part.Id, "<>"),
		IsInline:    isInlinePart,
		RemotePath:  partID,
	}
}
