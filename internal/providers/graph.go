package providers

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ravn/internal/config"
	"ravn/internal/credentials"
	"ravn/internal/models"
)

const (
	graphAPIBase  = "https://graph.microsoft.com/v1.0"
	graphTokenURL = "https://login.microsoftonline.com/common/oauth2/v2.0/token"

	graphPageSize       = 100
	graphFolderMaxDepth = 50
)

var graphScopes = []string{"offline_access", "Mail.ReadWrite", "Mail.Send", "User.Read"}

// delta查询要取的字段；不指定$select时Graph不返回正文和报文头
var graphMessageSelect = strings.Join([]string{
	"subject", "bodyPreview", "body", "from", "toRecipients", "ccRecipients",
	"bccRecipients", "replyTo", "receivedDateTime", "sentDateTime",
	"lastModifiedDateTime", "isRead", "isDraft", "hasAttachments",
	"internetMessageId", "conversationId", "changeKey", "flag",
	"internetMessageHeaders",
}, ",")

// GraphProvider Microsoft Graph实现。同步走/messages/delta分页协议，
// 游标是deltaLink（页中间是nextLink），附件在同步周期内随邮件下载。
type GraphProvider struct {
	account   *models.Account
	tokens    *TokenManager
	client    *http.Client
	downloads *http.Client

	// wellKnown 懒加载的well-known文件夹id到语义类型映射
	wellKnown map[string]string
}

// NewGraphProvider 创建Graph提供商
func NewGraphProvider(account *models.Account, creds *credentials.Store, oauth config.OAuthProviderConfig) *GraphProvider {
	return &GraphProvider{
		account:   account,
		tokens:    NewTokenManager(account.ID, oauth.ClientID, oauth.ClientSecret, graphTokenURL, graphScopes, creds),
		client:    newAPIClient(),
		downloads: newDownloadClient(),
	}
}

// Name 提供商标签
func (p *GraphProvider) Name() string {
	return models.ProviderOffice365
}

// AsAny 暴露具体实现，调用方由此取得GraphPager
func (p *GraphProvider) AsAny() interface{} {
	return p
}

// Authenticate 确保token可用
func (p *GraphProvider) Authenticate(ctx context.Context) error {
	if _, err := p.tokens.AccessToken(ctx); err != nil {
		return newAuthError(p.Name(), "authenticate", err)
	}
	return nil
}

// TestConnection 测试连通性
func (p *GraphProvider) TestConnection(ctx context.Context) (bool, error) {
	var me struct {
		ID string `json:"id"`
	}
	if err := p.doJSON(ctx, http.MethodGet, graphAPIBase+"/me", nil, &me); err != nil {
		return false, err
	}
	return true, nil
}

// Close REST实现无持久连接
func (p *GraphProvider) Close() error {
	return nil
}

func (p *GraphProvider) doJSON(ctx context.Context, method, rawURL string, body interface{}, out interface{}) error {
	return doOAuthJSON(ctx, p.Name(), p.tokens, p.client, method, rawURL, body, out)
}

type graphEmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type graphRecipient struct {
	EmailAddress graphEmailAddress `json:"emailAddress"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphInternetHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type graphMessage struct {
	ID      string `json:"id"`
	Removed *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`

	Subject     string           `json:"subject"`
	BodyPreview string           `json:"bodyPreview"`
	Body        *graphBody       `json:"body"`
	From        *graphRecipient  `json:"from"`
	To          []graphRecipient `json:"toRecipients"`
	CC          []graphRecipient `json:"ccRecipients"`
	BCC         []graphRecipient `json:"bccRecipients"`
	ReplyTo     []graphRecipient `json:"replyTo"`

	ReceivedDateTime     *time.Time `json:"receivedDateTime"`
	SentDateTime         *time.Time `json:"sentDateTime"`
	LastModifiedDateTime *time.Time `json:"lastModifiedDateTime"`

	IsRead         bool `json:"isRead"`
	IsDraft        bool `json:"isDraft"`
	HasAttachments bool `json:"hasAttachments"`

	InternetMessageID string `json:"internetMessageId"`
	ConversationID    string `json:"conversationId"`
	ChangeKey         string `json:"changeKey"`

	Flag *struct {
		FlagStatus string `json:"flagStatus"`
	} `json:"flag"`

	InternetMessageHeaders []graphInternetHeader `json:"internetMessageHeaders"`
}

type graphMessagePage struct {
	Value     []graphMessage `json:"value"`
	NextLink  string         `json:"@odata.nextLink"`
	DeltaLink string         `json:"@odata.deltaLink"`
}

type graphFolder struct {
	ID               string `json:"id"`
	DisplayName      string `json:"displayName"`
	ParentFolderID   string `json:"parentFolderId"`
	TotalItemCount   int    `json:"totalItemCount"`
	UnreadItemCount  int    `json:"unreadItemCount"`
	ChildFolderCount int    `json:"childFolderCount"`
}

type graphFolderPage struct {
	Value    []graphFolder `json:"value"`
	NextLink string        `json:"@odata.nextLink"`
}

type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	ID           string `json:"id"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	Size         int64  `json:"size"`
	IsInline     bool   `json:"isInline"`
	ContentID    string `json:"contentId"`
	ContentBytes string `json:"contentBytes"`
}

type graphAttachmentPage struct {
	Value []graphAttachment `json:"value"`
}

// well-known文件夹名到语义类型
var graphWellKnownFolders = map[string]string{
	"inbox":        models.FolderTypeInbox,
	"sentitems":    models.FolderTypeSent,
	"drafts":       models.FolderTypeDraft,
	"deleteditems": models.FolderTypeTrash,
	"junkemail":    models.FolderTypeSpam,
	"archive":      models.FolderTypeArchive,
}

// wellKnownTypes 解析well-known文件夹的实际id，结果缓存在实例上
func (p *GraphProvider) wellKnownTypes(ctx context.Context) (map[string]string, error) {
	if p.wellKnown != nil {
		return p.wellKnown, nil
	}
	mapping := make(map[string]string, len(graphWellKnownFolders))
	for wellKnown, ftype := range graphWellKnownFolders {
		var folder graphFolder
		err := p.doJSON(ctx, http.MethodGet, graphAPIBase+"/me/mailFolders/"+wellKnown, nil, &folder)
		if err != nil {
			// archive等文件夹可能不存在
			continue
		}
		mapping[folder.ID] = ftype
	}
	p.wellKnown = mapping
	return mapping, nil
}

// FetchFolders 递归获取文件夹树，深度上限防循环
func (p *GraphProvider) FetchFolders(ctx context.Context) ([]*ProviderFolder, error) {
	types, err := p.wellKnownTypes(ctx)
	if err != nil {
		return nil, err
	}

	var folders []*ProviderFolder
	var walk func(baseURL, parentRemoteID string, depth int) error
	walk = func(baseURL, parentRemoteID string, depth int) error {
		if depth > graphFolderMaxDepth {
			return nil
		}
		pageURL := baseURL
		for pageURL != "" {
			var page graphFolderPage
			if err := p.doJSON(ctx, http.MethodGet, pageURL, nil, &page); err != nil {
				return err
			}
			for _, f := range page.Value {
				ftype, ok := types[f.ID]
				if !ok {
					ftype = detectFolderTypeByName(f.DisplayName)
				}
				folders = append(folders, &ProviderFolder{
					RemoteID:       f.ID,
					Name:           f.DisplayName,
					Type:           ftype,
					ParentRemoteID: parentRemoteID,
					TotalCount:     f.TotalItemCount,
					UnreadCount:    f.UnreadItemCount,
				})
				if f.ChildFolderCount > 0 {
					childURL := fmt.Sprintf("%s/me/mailFolders/%s/childFolders?$top=%d",
						graphAPIBase, url.PathEscape(f.ID), graphPageSize)
					if err := walk(childURL, f.ID, depth+1); err != nil {
						return err
					}
				}
			}
			pageURL = page.NextLink
		}
		return nil
	}

	rootURL := fmt.Sprintf("%s/me/mailFolders?$top=%d", graphAPIBase, graphPageSize)
	if err := walk(rootURL, "", 1); err != nil {
		return nil, err
	}
	return folders, nil
}

// SyncMessages 累积所有delta页为单个diff；大文件夹建议改用
// SyncMessagesPaged获得逐页落库
func (p *GraphProvider) SyncMessages(ctx context.Context, opts SyncOptions) (*SyncDiff, error) {
	total := &SyncDiff{}
	inner := opts
	inner.PageCallback = func(ctx context.Context, page *SyncDiff) error {
		total.Added = append(total.Added, page.Added...)
		total.Modified = append(total.Modified, page.Modified...)
		total.Deleted = append(total.Deleted, page.Deleted...)
		if opts.PageCallback != nil {
			return opts.PageCallback(ctx, page)
		}
		return nil
	}
	final, err := p.SyncMessagesPaged(ctx, inner)
	if err != nil {
		return nil, err
	}
	total.NextSyncToken = final.NextSyncToken
	return total, nil
}

// SyncMessagesPaged 分页delta同步。每页转换完成后立即回调，
// 页的NextSyncToken是nextLink（末页为deltaLink），调用方逐页持久化
// 即可在中断后从当页续传。游标失效（410）时自动重新全量。
func (p *GraphProvider) SyncMessagesPaged(ctx context.Context, opts SyncOptions) (*SyncDiff, error) {
	pageURL := opts.SyncToken
	if opts.Full || pageURL == "" {
		pageURL = fmt.Sprintf("%s/me/mailFolders/%s/messages/delta?$top=%d&$select=%s",
			graphAPIBase, url.PathEscape(opts.FolderRemoteID), graphPageSize, url.QueryEscape(graphMessageSelect))
	}

	restarted := false
	final := &SyncDiff{}
	for pageURL != "" {
		var page graphMessagePage
		err := p.doJSON(ctx, http.MethodGet, pageURL, nil, &page)
		if err != nil {
			if !restarted && isDeltaExpired(err) {
				log.Printf("Graph delta link expired for account %s, restarting full sync", p.account.Email)
				restarted = true
				pageURL = fmt.Sprintf("%s/me/mailFolders/%s/messages/delta?$top=%d&$select=%s",
					graphAPIBase, url.PathEscape(opts.FolderRemoteID), graphPageSize, url.QueryEscape(graphMessageSelect))
				continue
			}
			return nil, err
		}

		diff := &SyncDiff{}
		for i := range page.Value {
			msg := &page.Value[i]
			if msg.Removed != nil {
				// deleted和moved都表现为本文件夹内消失
				diff.Deleted = append(diff.Deleted, msg.ID)
				continue
			}
			email := p.convertMessage(msg)
			if email.HasAttachments && !opts.HeadersOnly {
				if err := p.attachFiles(ctx, email); err != nil {
					log.Printf("Failed to fetch attachments for graph message %s: %v", msg.ID, err)
				}
			}
			diff.Modified = append(diff.Modified, email)
		}

		switch {
		case page.DeltaLink != "":
			diff.NextSyncToken = page.DeltaLink
			pageURL = ""
		case page.NextLink != "":
			diff.NextSyncToken = page.NextLink
			pageURL = page.NextLink
		default:
			pageURL = ""
		}
		final.NextSyncToken = diff.NextSyncToken

		if opts.PageCallback != nil {
			if err := opts.PageCallback(ctx, diff); err != nil {
				return nil, err
			}
		}
	}
	return final, nil
}

// isDeltaExpired Graph用410 Gone表示delta游标失效
func isDeltaExpired(err error) bool {
	pe, ok := err.(*ProviderError)
	if !ok {
		return false
	}
	se, ok := pe.Cause.(*httpStatusError)
	return ok && se.StatusCode == http.StatusGone
}

// convertMessage 将Graph报文转换为ProviderEmail
func (p *GraphProvider) convertMessage(msg *graphMessage) *ProviderEmail {
	email := &ProviderEmail{
		RemoteID:       msg.ID,
		MessageID:      strings.Trim(msg.InternetMessageID, "<>"),
		ConversationID: msg.ConversationID,
		Subject:        msg.Subject,
		Snippet:        msg.BodyPreview,
		IsRead:         msg.IsRead,
		IsDraft:        msg.IsDraft,
		HasAttachments: msg.HasAttachments,
		ChangeKey:      msg.ChangeKey,
		RemoteModified: msg.LastModifiedDateTime,
		SentAt:         msg.SentDateTime,
		SyncStatus:     models.EmailSyncSynced,
	}
	if msg.ReceivedDateTime != nil {
		email.ReceivedAt = *msg.ReceivedDateTime
	}
	if msg.Flag != nil {
		email.IsFlagged = msg.Flag.FlagStatus == "flagged"
	}
	if msg.From != nil {
		email.From = models.EmailAddress{Name: msg.From.EmailAddress.Name, Address: msg.From.EmailAddress.Address}
	}
	email.To = convertGraphRecipients(msg.To)
	email.CC = convertGraphRecipients(msg.CC)
	email.BCC = convertGraphRecipients(msg.BCC)
	email.ReplyTo = convertGraphRecipients(msg.ReplyTo)

	if msg.Body != nil {
		if strings.EqualFold(msg.Body.ContentType, "html") {
			email.BodyHTML = msg.Body.Content
		} else {
			email.BodyPlain = msg.Body.Content
		}
	}

	if len(msg.InternetMessageHeaders) > 0 {
		headers := make(map[string]string, len(msg.InternetMessageHeaders))
		for _, h := range msg.InternetMessageHeaders {
			headers[h.Name] = h.Value
		}
		email.Headers = filterHeaders(headers)
	}
	return email
}

func convertGraphRecipients(recipients []graphRecipient) []models.EmailAddress {
	if len(recipients) == 0 {
		return nil
	}
	out := make([]models.EmailAddress, 0, len(recipients))
	for _, r := range recipients {
		out = append(out, models.EmailAddress{Name: r.EmailAddress.Name, Address: r.EmailAddress.Address})
	}
	return out
}

// attachFiles 在同步周期内随邮件下载文件附件字节
func (p *GraphProvider) attachFiles(ctx context.Context, email *ProviderEmail) error {
	attachments, err := p.listAttachments(ctx, email.RemoteID)
	if err != nil {
		return err
	}
	email.Attachments = attachments
	email.HasAttachments = len(attachments) > 0
	return nil
}

func (p *GraphProvider) listAttachments(ctx context.Context, remoteID string) ([]*ProviderAttachment, error) {
	attURL := fmt.Sprintf("%s/me/messages/%s/attachments", graphAPIBase, url.PathEscape(remoteID))
	var page graphAttachmentPage
	if err := doOAuthJSON(ctx, p.Name(), p.tokens, p.downloads, http.MethodGet, attURL, nil, &page); err != nil {
		return nil, err
	}

	var out []*ProviderAttachment
	for _, att := range page.Value {
		// 引用和条目附件（OneDrive链接、附加邮件）不下载字节
		if att.ODataType != "#microsoft.graph.fileAttachment" {
			out = append(out, &ProviderAttachment{
				Filename:    att.Name,
				ContentType: att.ContentType,
				Size:        att.Size,
				RemotePath:  att.ID,
			})
			continue
		}
		data, err := base64.StdEncoding.DecodeString(att.ContentBytes)
		if err != nil {
			return nil, newProtocolError(p.Name(), "list_attachments", remoteID,
				fmt.Errorf("malformed attachment content: %w", err))
		}
		out = append(out, &ProviderAttachment{
			Filename:    att.Name,
			ContentType: att.ContentType,
			Size:        att.Size,
			ContentID:   strings.Trim(att.ContentID, "<>"),
			IsInline:    att.IsInline,
			RemotePath:  att.ID,
			Data:        data,
		})
	}
	return out, nil
}

// FetchEmail 取回单封完整邮件
func (p *GraphProvider) FetchEmail(ctx context.Context, folderRemoteID, remoteID string) (*ProviderEmail, error) {
	msgURL := fmt.Sprintf("%s/me/messages/%s?$select=%s",
		graphAPIBase, url.PathEscape(remoteID), url.QueryEscape(graphMessageSelect))
	var msg graphMessage
	if err := p.doJSON(ctx, http.MethodGet, msgURL, nil, &msg); err != nil {
		return nil, err
	}
	email := p.convertMessage(&msg)
	if email.HasAttachments {
		if err := p.attachFiles(ctx, email); err != nil {
			return nil, err
		}
	}
	return email, nil
}

// FetchAttachment 按附件id取回字节
func (p *GraphProvider) FetchAttachment(ctx context.Context, folderRemoteID, emailRemoteID string, attachment *models.Attachment) ([]byte, error) {
	attachments, err := p.listAttachments(ctx, emailRemoteID)
	if err != nil {
		return nil, err
	}
	for _, att := range attachments {
		if attachment.RemotePath != "" && att.RemotePath == attachment.RemotePath {
			return att.Data, nil
		}
		if att.Filename == attachment.Filename && att.Data != nil {
			return att.Data, nil
		}
	}
	return nil, newProtocolError(p.Name(), "fetch_attachment", emailRemoteID,
		fmt.Errorf("attachment %q not found in message", attachment.Filename))
}

type graphMoveRequest struct {
	DestinationID string `json:"destinationId"`
}

// MoveEmail 移动邮件到目标文件夹
func (p *GraphProvider) MoveEmail(ctx context.Context, remoteID, fromFolderRemoteID, toFolderRemoteID string) error {
	moveURL := fmt.Sprintf("%s/me/messages/%s/move", graphAPIBase, url.PathEscape(remoteID))
	return p.doJSON(ctx, http.MethodPost, moveURL, &graphMoveRequest{DestinationID: toFolderRemoteID}, nil)
}

// DeleteEmail 移入已删除邮件
func (p *GraphProvider) DeleteEmail(ctx context.Context, remoteID, folderRemoteID string) error {
	return p.MoveEmail(ctx, remoteID, folderRemoteID, "deleteditems")
}

// MarkAsRead 更新已读状态
func (p *GraphProvider) MarkAsRead(ctx context.Context, remoteID, folderRemoteID string, read bool) error {
	patchURL := fmt.Sprintf("%s/me/messages/%s", graphAPIBase, url.PathEscape(remoteID))
	return p.doJSON(ctx, http.MethodPatch, patchURL, map[string]bool{"isRead": read}, nil)
}

// SetFlag 更新旗标
func (p *GraphProvider) SetFlag(ctx context.Context, remoteID, folderRemoteID string, flagged bool) error {
	status := "notFlagged"
	if flagged {
		status = "flagged"
	}
	patchURL := fmt.Sprintf("%s/me/messages/%s", graphAPIBase, url.PathEscape(remoteID))
	body := map[string]interface{}{"flag": map[string]string{"flagStatus": status}}
	return p.doJSON(ctx, http.MethodPatch, patchURL, body, nil)
}

// RenameFolder 重命名文件夹
func (p *GraphProvider) RenameFolder(ctx context.Context, folderRemoteID, newName string) error {
	patchURL := fmt.Sprintf("%s/me/mailFolders/%s", graphAPIBase, url.PathEscape(folderRemoteID))
	return p.doJSON(ctx, http.MethodPatch, patchURL, map[string]string{"displayName": newName}, nil)
}

// MoveFolder 移动文件夹到新父级
func (p *GraphProvider) MoveFolder(ctx context.Context, folderRemoteID, newParentRemoteID string) error {
	if newParentRemoteID == "" {
		newParentRemoteID = "msgfolderroot"
	}
	moveURL := fmt.Sprintf("%s/me/mailFolders/%s/move", graphAPIBase, url.PathEscape(folderRemoteID))
	return p.doJSON(ctx, http.MethodPost, moveURL, &graphMoveRequest{DestinationID: newParentRemoteID}, nil)
}

// SendEmail 原生发送并镜像到Sent；internetMessageId由本端生成，
// 便于下一次同步对账
func (p *GraphProvider) SendEmail(ctx context.Context, message *OutgoingMessage) (*SendResult, error) {
	messageID, err := SyntheticMessageID(message.From.Address, "outlook.com")
	if err != nil {
		return nil, newError(p.Name(), "send_email", err)
	}

	body := map[string]interface{}{
		"contentType": "Text",
		"content":     message.BodyPlain,
	}
	if message.BodyHTML != "" {
		body["contentType"] = "HTML"
		body["content"] = message.BodyHTML
	}

	payload := map[string]interface{}{
		"subject":           message.Subject,
		"body":              body,
		"toRecipients":      toGraphRecipients(message.To),
		"internetMessageId": "<" + messageID + ">",
	}
	if len(message.CC) > 0 {
		payload["ccRecipients"] = toGraphRecipients(message.CC)
	}
	if len(message.BCC) > 0 {
		payload["bccRecipients"] = toGraphRecipients(message.BCC)
	}
	if len(message.Attachments) > 0 {
		attachments := make([]map[string]interface{}, 0, len(message.Attachments))
		for _, att := range message.Attachments {
			entry := map[string]interface{}{
				"@odata.type":  "#microsoft.graph.fileAttachment",
				"name":         att.Filename,
				"contentType":  att.ContentType,
				"contentBytes": base64.StdEncoding.EncodeToString(att.Data),
				"isInline":     att.IsInline,
			}
			if att.ContentID != "" {
				entry["contentId"] = att.ContentID
			}
			attachments = append(attachments, entry)
		}
		payload["attachments"] = attachments
	}

	request := map[string]interface{}{
		"message":         payload,
		"saveToSentItems": true,
	}
	if err := p.doJSON(ctx, http.MethodPost, graphAPIBase+"/me/sendMail", request, nil); err != nil {
		return nil, err
	}
	// sendMail不返回已发邮件id，留给Sent文件夹同步按message_id对账
	return &SendResult{MessageID: messageID}, nil
}

func toGraphRecipients(addrs []models.EmailAddress) []graphRecipient {
	out := make([]graphRecipient, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, graphRecipient{EmailAddress: graphEmailAddress{Name: a.Name, Address: a.Address}})
	}
	return out
}
