package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/mail"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ravn/internal/config"
	"ravn/internal/credentials"
	"ravn/internal/models"
)

const (
	gmailAPIBase  = "https://gmail.googleapis.com/gmail/v1/users/me"
	gmailTokenURL = "https://oauth2.googleapis.com/token"
)

var gmailScopes = []string{"https://mail.google.com/"}

// GmailProvider Gmail REST API实现。文件夹对应label，
// 邮件remote id是message id，同步游标是historyId。
type GmailProvider struct {
	account   *models.Account
	tokens    *TokenManager
	client    *http.Client
	downloads *http.Client
}

// NewGmailProvider 创建Gmail提供商
func NewGmailProvider(account *models.Account, creds *credentials.Store, oauth config.OAuthProviderConfig) *GmailProvider {
	return &GmailProvider{
		account:   account,
		tokens:    NewTokenManager(account.ID, oauth.ClientID, oauth.ClientSecret, gmailTokenURL, gmailScopes, creds),
		client:    newAPIClient(),
		downloads: newDownloadClient(),
	}
}

// Name 提供商标签
func (p *GmailProvider) Name() string {
	return models.ProviderGmail
}

// AsAny 暴露具体实现
func (p *GmailProvider) AsAny() interface{} {
	return p
}

// Authenticate 确保token可用
func (p *GmailProvider) Authenticate(ctx context.Context) error {
	if _, err := p.tokens.AccessToken(ctx); err != nil {
		return newAuthError(p.Name(), "authenticate", err)
	}
	return nil
}

// TestConnection 测试连通性
func (p *GmailProvider) TestConnection(ctx context.Context) (bool, error) {
	var profile gmailProfile
	if err := p.doJSON(ctx, http.MethodGet, gmailAPIBase+"/profile", nil, &profile); err != nil {
		return false, err
	}
	return true, nil
}

// Close REST实现无持久连接
func (p *GmailProvider) Close() error {
	return nil
}

type gmailHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type gmailBody struct {
	AttachmentID string `json:"attachmentId"`
	Size         int64  `json:"size"`
	Data         string `json:"data"`
}

type gmailPart struct {
	PartID   string        `json:"partId"`
	MimeType string        `json:"mimeType"`
	Filename string        `json:"filename"`
	Headers  []gmailHeader `json:"headers"`
	Body     gmailBody     `json:"body"`
	Parts    []*gmailPart  `json:"parts"`
}

type gmailMessage struct {
	ID           string     `json:"id"`
	ThreadID     string     `json:"threadId"`
	LabelIDs     []string   `json:"labelIds"`
	Snippet      string     `json:"snippet"`
	HistoryID    string     `json:"historyId"`
	InternalDate string     `json:"internalDate"`
	SizeEstimate int64      `json:"sizeEstimate"`
	Payload      *gmailPart `json:"payload"`
}

type gmailMessageRef struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

type gmailMessageList struct {
	Messages      []gmailMessageRef `json:"messages"`
	NextPageToken string            `json:"nextPageToken"`
}

type gmailLabel struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Type           string `json:"type"`
	MessagesTotal  int    `json:"messagesTotal"`
	MessagesUnread int    `json:"messagesUnread"`
}

type gmailLabelList struct {
	Labels []gmailLabel `json:"labels"`
}

type gmailProfile struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    string `json:"historyId"`
}

type gmailHistoryEntry struct {
	Message  gmailMessageRef `json:"message"`
	LabelIDs []string        `json:"labelIds"`
}

type gmailHistory struct {
	MessagesAdded   []gmailHistoryEntry `json:"messagesAdded"`
	MessagesDeleted []gmailHistoryEntry `json:"messagesDeleted"`
	LabelsAdded     []gmailHistoryEntry `json:"labelsAdded"`
	LabelsRemoved   []gmailHistoryEntry `json:"labelsRemoved"`
}

type gmailHistoryList struct {
	History       []gmailHistory `json:"history"`
	NextPageToken string         `json:"nextPageToken"`
	HistoryID     string         `json:"historyId"`
}

// httpStatusError 携带HTTP状态码的API错误
type httpStatusError struct {
	StatusCode int
	Body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// doJSON 发起带Bearer token的API请求；401时强制刷新token重试一次
func (p *GmailProvider) doJSON(ctx context.Context, method, rawURL string, body interface{}, out interface{}) error {
	return doOAuthJSON(ctx, p.Name(), p.tokens, p.client, method, rawURL, body, out)
}

// doOAuthJSON Gmail与Graph共用的OAuth2 JSON请求路径
func doOAuthJSON(ctx context.Context, provider string, tokens *TokenManager, client *http.Client, method, rawURL string, body interface{}, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return newError(provider, "marshal_request", err)
		}
	}

	token, err := tokens.AccessToken(ctx)
	if err != nil {
		return newAuthError(provider, "access_token", err)
	}

	resp, err := sendOAuthRequest(ctx, client, method, rawURL, payload, token)
	if err != nil {
		return newError(provider, "request", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		token, err = tokens.ForceRefresh(ctx)
		if err != nil {
			return newAuthError(provider, "refresh_token", err)
		}
		resp, err = sendOAuthRequest(ctx, client, method, rawURL, payload, token)
		if err != nil {
			return newError(provider, "request", err)
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		statusErr := &httpStatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return newAuthError(provider, "request", statusErr)
		}
		return newError(provider, "request", statusErr)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return newError(provider, "decode_response", fmt.Errorf("unexpected response: %w", err))
	}
	return nil
}

func sendOAuthRequest(ctx context.Context, client *http.Client, method, rawURL string, payload []byte, token string) (*http.Response, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return client.Do(req)
}

// gmail系统label的显示名、语义类型和是否对用户隐藏
var gmailSystemLabels = map[string]struct {
	name   string
	ftype  string
	hidden bool
}{
	"INBOX":     {"Inbox", models.FolderTypeInbox, false},
	"SENT":      {"Sent", models.FolderTypeSent, false},
	"DRAFT":     {"Drafts", models.FolderTypeDraft, false},
	"TRASH":     {"Trash", models.FolderTypeTrash, false},
	"SPAM":      {"Spam", models.FolderTypeSpam, false},
	"STARRED":   {"Starred", models.FolderTypeStarred, false},
	"IMPORTANT": {"Important", models.FolderTypeCustom, true},
	"UNREAD":    {"Unread", models.FolderTypeCustom, true},
	"CHAT":      {"Chat", models.FolderTypeCustom, true},
}

// FetchFolders 获取label列表并映射成文件夹。CATEGORY_*等内部label
// 标记\Hidden属性，由文件夹同步落为隐藏文件夹而非删除。
func (p *GmailProvider) FetchFolders(ctx context.Context) ([]*ProviderFolder, error) {
	var list gmailLabelList
	if err := p.doJSON(ctx, http.MethodGet, gmailAPIBase+"/labels", nil, &list); err != nil {
		return nil, err
	}

	folders := make([]*ProviderFolder, 0, len(list.Labels))
	for _, label := range list.Labels {
		folder := &ProviderFolder{
			RemoteID: label.ID,
			Name:     label.Name,
			Type:     models.FolderTypeCustom,
		}

		if sys, ok := gmailSystemLabels[label.ID]; ok {
			folder.Name = sys.name
			folder.Type = sys.ftype
			if sys.hidden {
				folder.Attributes = []string{attrHidden}
			}
		} else if strings.HasPrefix(label.ID, "CATEGORY_") {
			folder.Attributes = []string{attrHidden}
		} else if label.Type == "user" {
			// 嵌套label按名称路径表达父子关系
			if idx := strings.LastIndex(label.Name, "/"); idx >= 0 {
				folder.Name = label.Name[idx+1:]
				folder.ParentRemoteID = gmailParentLabelID(list.Labels, label.Name[:idx])
			}
		}

		if !hasAttribute(folder.Attributes, attrHidden) {
			var detail gmailLabel
			if err := p.doJSON(ctx, http.MethodGet, gmailAPIBase+"/labels/"+url.PathEscape(label.ID), nil, &detail); err == nil {
				folder.TotalCount = detail.MessagesTotal
				folder.UnreadCount = detail.MessagesUnread
			}
		}
		folders = append(folders, folder)
	}
	return folders, nil
}

func gmailParentLabelID(labels []gmailLabel, parentName string) string {
	for _, l := range labels {
		if l.Name == parentName {
			return l.ID
		}
	}
	return ""
}

// SyncMessages 同步label下的邮件。有historyId游标时走history增量，
// 游标过期（404）退回全量遍历。
func (p *GmailProvider) SyncMessages(ctx context.Context, opts SyncOptions) (*SyncDiff, error) {
	if !opts.Full && opts.SyncToken != "" {
		diff, err := p.syncHistory(ctx, opts)
		if err == nil {
			return diff, nil
		}
		if isHistoryExpired(err) {
			log.Printf("Gmail history %s expired for account %s, falling back to full sync", opts.SyncToken, p.account.Email)
		} else {
			return nil, err
		}
	}
	return p.syncFull(ctx, opts)
}

func isHistoryExpired(err error) bool {
	var statusErr *httpStatusError
	if pe, ok := err.(*ProviderError); ok {
		if se, ok := pe.Cause.(*httpStatusError); ok {
			statusErr = se
		}
	}
	return statusErr != nil && statusErr.StatusCode == http.StatusNotFound
}

// syncFull 全量列举label下所有邮件，游标取当前profile的historyId
func (p *GmailProvider) syncFull(ctx context.Context, opts SyncOptions) (*SyncDiff, error) {
	var profile gmailProfile
	if err := p.doJSON(ctx, http.MethodGet, gmailAPIBase+"/profile", nil, &profile); err != nil {
		return nil, err
	}

	diff := &SyncDiff{NextSyncToken: profile.HistoryID}
	pageToken := ""
	for {
		listURL := fmt.Sprintf("%s/messages?labelIds=%s&maxResults=100", gmailAPIBase, url.QueryEscape(opts.FolderRemoteID))
		if pageToken != "" {
			listURL += "&pageToken=" + url.QueryEscape(pageToken)
		}
		var list gmailMessageList
		if err := p.doJSON(ctx, http.MethodGet, listURL, nil, &list); err != nil {
			return nil, err
		}
		for _, ref := range list.Messages {
			email, err := p.fetchFullMessage(ctx, ref.ID)
			if err != nil {
				log.Printf("Failed to fetch gmail message %s: %v", ref.ID, err)
				continue
			}
			diff.Added = append(diff.Added, email)
		}
		if list.NextPageToken == "" {
			return diff, nil
		}
		pageToken = list.NextPageToken
	}
}

// syncHistory historyId增量同步。messagesAdded和label加入算新增，
// messagesDeleted和label移除算该文件夹内的删除。
func (p *GmailProvider) syncHistory(ctx context.Context, opts SyncOptions) (*SyncDiff, error) {
	added := make(map[string]struct{})
	deleted := make(map[string]struct{})
	nextToken := opts.SyncToken

	pageToken := ""
	for {
		historyURL := fmt.Sprintf("%s/history?startHistoryId=%s&labelId=%s&maxResults=100",
			gmailAPIBase, url.QueryEscape(opts.SyncToken), url.QueryEscape(opts.FolderRemoteID))
		if pageToken != "" {
			historyURL += "&pageToken=" + url.QueryEscape(pageToken)
		}
		var list gmailHistoryList
		if err := p.doJSON(ctx, http.MethodGet, historyURL, nil, &list); err != nil {
			return nil, err
		}
		if list.HistoryID != "" {
			nextToken = list.HistoryID
		}

		for _, h := range list.History {
			for _, entry := range h.MessagesAdded {
				added[entry.Message.ID] = struct{}{}
				delete(deleted, entry.Message.ID)
			}
			for _, entry := range h.MessagesDeleted {
				deleted[entry.Message.ID] = struct{}{}
				delete(added, entry.Message.ID)
			}
			for _, entry := range h.LabelsAdded {
				if containsString(entry.LabelIDs, opts.FolderRemoteID) {
					added[entry.Message.ID] = struct{}{}
					delete(deleted, entry.Message.ID)
				}
			}
			for _, entry := range h.LabelsRemoved {
				if containsString(entry.LabelIDs, opts.FolderRemoteID) {
					deleted[entry.Message.ID] = struct{}{}
					delete(added, entry.Message.ID)
				}
			}
		}
		if list.NextPageToken == "" {
			break
		}
		pageToken = list.NextPageToken
	}

	diff := &SyncDiff{NextSyncToken: nextToken}
	for id := range added {
		email, err := p.fetchFullMessage(ctx, id)
		if err != nil {
			// 新增后又被删除的邮件在取回时已不存在，按删除处理
			log.Printf("Failed to fetch gmail message %s during history sync: %v", id, err)
			diff.Deleted = append(diff.Deleted, id)
			continue
		}
		diff.Modified = append(diff.Modified, email)
	}
	for id := range deleted {
		diff.Deleted = append(diff.Deleted, id)
	}
	return diff, nil
}

func (p *GmailProvider) fetchFullMessage(ctx context.Context, id string) (*ProviderEmail, error) {
	var msg gmailMessage
	msgURL := fmt.Sprintf("%s/messages/%s?format=full", gmailAPIBase, url.PathEscape(id))
	if err := p.doJSON(ctx, http.MethodGet, msgURL, nil, &msg); err != nil {
		return nil, err
	}
	return p.convertMessage(&msg)
}

// FetchEmail 取回单封完整邮件
func (p *GmailProvider) FetchEmail(ctx context.Context, folderRemoteID, remoteID string) (*ProviderEmail, error) {
	return p.fetchFullMessage(ctx, remoteID)
}

// convertMessage 将Gmail报文转换为ProviderEmail
func (p *GmailProvider) convertMessage(msg *gmailMessage) (*ProviderEmail, error) {
	if msg.Payload == nil {
		return nil, newProtocolError(p.Name(), "convert_message", msg.ID, fmt.Errorf("message missing payload"))
	}

	headers := make(map[string]string)
	for _, h := range msg.Payload.Headers {
		headers[h.Name] = h.Value
	}

	email := &ProviderEmail{
		RemoteID:       msg.ID,
		ConversationID: msg.ThreadID,
		MessageID:      strings.Trim(headers["Message-ID"], "<>"),
		Subject:        headers["Subject"],
		Snippet:        msg.Snippet,
		Size:           msg.SizeEstimate,
		Labels:         msg.LabelIDs,
		IsRead:         !containsString(msg.LabelIDs, "UNREAD"),
		IsFlagged:      containsString(msg.LabelIDs, "STARRED"),
		IsDraft:        containsString(msg.LabelIDs, "DRAFT"),
		SyncStatus:     models.EmailSyncSynced,
		Headers:        filterHeaders(headers),
	}
	if email.MessageID == "" {
		email.MessageID = strings.Trim(headers["Message-Id"], "<>")
	}

	if ms, err := strconv.ParseInt(msg.InternalDate, 10, 64); err == nil && ms > 0 {
		email.ReceivedAt = time.UnixMilli(ms)
	}
	if sent, err := mail.ParseDate(headers["Date"]); err == nil {
		email.SentAt = &sent
	}

	email.From = parseSingleAddress(headers["From"])
	email.To = parseAddressHeader(headers["To"])
	email.CC = parseAddressHeader(headers["Cc"])
	email.BCC = parseAddressHeader(headers["Bcc"])
	email.ReplyTo = parseAddressHeader(headers["Reply-To"])

	walkGmailParts(msg.Payload, func(part *gmailPart) {
		partHeaders := make(map[string]string)
		for _, h := range part.Headers {
			partHeaders[h.Name] = h.Value
		}
		switch {
		case part.Filename != "" || part.Body.AttachmentID != "":
			if part.Filename == "" && !strings.HasPrefix(part.MimeType, "image/") {
				return
			}
			cid := strings.Trim(headerValueOf(partHeaders, "Content-Id"), "<>")
			email.Attachments = append(email.Attachments, &ProviderAttachment{
				Filename:    part.Filename,
				ContentType: part.MimeType,
				Size:        part.Body.Size,
				ContentID:   cid,
				IsInline:    cid != "" && strings.Contains(strings.ToLower(headerValueOf(partHeaders, "Content-Disposition")), "inline"),
				RemotePath:  part.Body.AttachmentID,
			})
		case strings.EqualFold(part.MimeType, "text/plain") && email.BodyPlain == "":
			email.BodyPlain = decodeGmailData(part.Body.Data)
		case strings.EqualFold(part.MimeType, "text/html") && email.BodyHTML == "":
			email.BodyHTML = decodeGmailData(part.Body.Data)
		}
	})
	email.HasAttachments = len(email.Attachments) > 0
	return email, nil
}

func walkGmailParts(part *gmailPart, fn func(*gmailPart)) {
	if part == nil {
		return
	}
	if len(part.Parts) == 0 {
		fn(part)
		return
	}
	for _, child := range part.Parts {
		walkGmailParts(child, fn)
	}
}

// 保留给分类器用的头
var gmailInterestingHeaders = []string{
	"X-Mailer", "List-Unsubscribe", "List-Id", "Auto-Submitted",
	"Precedence", "Content-Type", "In-Reply-To", "References",
	"Feedback-ID", "X-Campaign-Id",
}

func filterHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string)
	for _, key := range gmailInterestingHeaders {
		if v := headerValueOf(headers, key); v != "" {
			out[key] = v
		}
	}
	return out
}

func headerValueOf(headers map[string]string, key string) string {
	if v, ok := headers[key]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func parseSingleAddress(raw string) models.EmailAddress {
	list := parseAddressHeader(raw)
	if len(list) == 0 {
		return models.EmailAddress{}
	}
	return list[0]
}

func parseAddressHeader(raw string) []models.EmailAddress {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parsed, err := mail.ParseAddressList(raw)
	if err != nil {
		return []models.EmailAddress{{Address: strings.TrimSpace(raw)}}
	}
	out := make([]models.EmailAddress, 0, len(parsed))
	for _, a := range parsed {
		out = append(out, models.EmailAddress{Name: a.Name, Address: a.Address})
	}
	return out
}

// decodeGmailData 解码URL-safe base64正文
func decodeGmailData(data string) string {
	if data == "" {
		return ""
	}
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return ""
	}
	return string(decoded)
}

// FetchAttachment 按attachmentId取回附件字节
func (p *GmailProvider) FetchAttachment(ctx context.Context, folderRemoteID, emailRemoteID string, attachment *models.Attachment) ([]byte, error) {
	if attachment.RemotePath == "" {
		return nil, newProtocolError(p.Name(), "fetch_attachment", emailRemoteID,
			fmt.Errorf("attachment %q has no remote attachment id", attachment.Filename))
	}
	attURL := fmt.Sprintf("%s/messages/%s/attachments/%s",
		gmailAPIBase, url.PathEscape(emailRemoteID), url.PathEscape(attachment.RemotePath))

	var body gmailBody
	if err := doOAuthJSON(ctx, p.Name(), p.tokens, p.downloads, http.MethodGet, attURL, nil, &body); err != nil {
		return nil, err
	}
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(body.Data, "="))
	if err != nil {
		return nil, newProtocolError(p.Name(), "fetch_attachment", emailRemoteID,
			fmt.Errorf("malformed attachment data: %w", err))
	}
	return decoded, nil
}

type gmailModifyRequest struct {
	AddLabelIDs    []string `json:"addLabelIds,omitempty"`
	RemoveLabelIDs []string `json:"removeLabelIds,omitempty"`
}

func (p *GmailProvider) modifyLabels(ctx context.Context, remoteID string, add, remove []string) error {
	modifyURL := fmt.Sprintf("%s/messages/%s/modify", gmailAPIBase, url.PathEscape(remoteID))
	return p.doJSON(ctx, http.MethodPost, modifyURL, &gmailModifyRequest{AddLabelIDs: add, RemoveLabelIDs: remove}, nil)
}

// MoveEmail label交换即移动
func (p *GmailProvider) MoveEmail(ctx context.Context, remoteID, fromFolderRemoteID, toFolderRemoteID string) error {
	return p.modifyLabels(ctx, remoteID, []string{toFolderRemoteID}, []string{fromFolderRemoteID})
}

// DeleteEmail 移入回收站
func (p *GmailProvider) DeleteEmail(ctx context.Context, remoteID, folderRemoteID string) error {
	trashURL := fmt.Sprintf("%s/messages/%s/trash", gmailAPIBase, url.PathEscape(remoteID))
	return p.doJSON(ctx, http.MethodPost, trashURL, nil, nil)
}

// MarkAsRead 通过UNREAD label表达已读状态
func (p *GmailProvider) MarkAsRead(ctx context.Context, remoteID, folderRemoteID string, read bool) error {
	if read {
		return p.modifyLabels(ctx, remoteID, nil, []string{"UNREAD"})
	}
	return p.modifyLabels(ctx, remoteID, []string{"UNREAD"}, nil)
}

// SetFlag 通过STARRED label表达星标
func (p *GmailProvider) SetFlag(ctx context.Context, remoteID, folderRemoteID string, flagged bool) error {
	if flagged {
		return p.modifyLabels(ctx, remoteID, []string{"STARRED"}, nil)
	}
	return p.modifyLabels(ctx, remoteID, nil, []string{"STARRED"})
}

type gmailLabelPatch struct {
	Name string `json:"name"`
}

// RenameFolder 重命名用户label；系统label不可改名
func (p *GmailProvider) RenameFolder(ctx context.Context, folderRemoteID, newName string) error {
	if _, ok := gmailSystemLabels[folderRemoteID]; ok || strings.HasPrefix(folderRemoteID, "CATEGORY_") {
		return newProtocolError(p.Name(), "rename_folder", folderRemoteID,
			fmt.Errorf("system label cannot be renamed"))
	}
	var current gmailLabel
	labelURL := gmailAPIBase + "/labels/" + url.PathEscape(folderRemoteID)
	if err := p.doJSON(ctx, http.MethodGet, labelURL, nil, &current); err != nil {
		return err
	}
	target := newName
	if idx := strings.LastIndex(current.Name, "/"); idx >= 0 {
		target = current.Name[:idx+1] + newName
	}
	return p.doJSON(ctx, http.MethodPatch, labelURL, &gmailLabelPatch{Name: target}, nil)
}

// MoveFolder label嵌套由名称路径表达，移动即改前缀
func (p *GmailProvider) MoveFolder(ctx context.Context, folderRemoteID, newParentRemoteID string) error {
	var current gmailLabel
	labelURL := gmailAPIBase + "/labels/" + url.PathEscape(folderRemoteID)
	if err := p.doJSON(ctx, http.MethodGet, labelURL, nil, &current); err != nil {
		return err
	}
	leaf := current.Name
	if idx := strings.LastIndex(leaf, "/"); idx >= 0 {
		leaf = leaf[idx+1:]
	}
	target := leaf
	if newParentRemoteID != "" {
		var parent gmailLabel
		parentURL := gmailAPIBase + "/labels/" + url.PathEscape(newParentRemoteID)
		if err := p.doJSON(ctx, http.MethodGet, parentURL, nil, &parent); err != nil {
			return err
		}
		target = parent.Name + "/" + leaf
	}
	return p.doJSON(ctx, http.MethodPatch, labelURL, &gmailLabelPatch{Name: target}, nil)
}

type gmailSendRequest struct {
	Raw string `json:"raw"`
}

type gmailSendResponse struct {
	ID string `json:"id"`
}

// SendEmail 原生发送，Gmail自动镜像到Sent
func (p *GmailProvider) SendEmail(ctx context.Context, message *OutgoingMessage) (*SendResult, error) {
	messageID, err := SyntheticMessageID(message.From.Address, "mail.gmail.com")
	if err != nil {
		return nil, newError(p.Name(), "send_email", err)
	}

	raw, err := BuildRawMessage(message, messageID)
	if err != nil {
		return nil, newError(p.Name(), "send_email", err)
	}

	var resp gmailSendResponse
	sendURL := gmailAPIBase + "/messages/send"
	if err := p.doJSON(ctx, http.MethodPost, sendURL, &gmailSendRequest{Raw: base64.RawURLEncoding.EncodeToString(raw)}, &resp); err != nil {
		return nil, err
	}
	return &SendResult{MessageID: messageID, RemoteID: resp.ID}, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
