package parser

import (
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset" // 注册字符集解码
	"github.com/emersion/go-message/mail"

	"ravn/internal/models"
)

// ParsedMessage RFC822报文解析结果
type ParsedMessage struct {
	MessageID string
	InReplyTo string
	Subject   string
	From      models.EmailAddress
	To        []models.EmailAddress
	CC        []models.EmailAddress
	BCC       []models.EmailAddress
	ReplyTo   []models.EmailAddress
	Headers   map[string]string
	SentAt    *time.Time

	BodyPlain   string
	BodyHTML    string
	Attachments []*ParsedAttachment
}

// ParsedAttachment 报文中解析出的附件
type ParsedAttachment struct {
	Filename    string
	ContentType string
	ContentID   string
	IsInline    bool
	Data        []byte
}

// 保留给分类器和正文拆分用的头
var interestingHeaders = []string{
	"X-Mailer", "List-Unsubscribe", "List-Id", "Auto-Submitted",
	"Precedence", "Content-Type", "In-Reply-To", "References",
	"Feedback-ID", "X-Campaign-Id",
}

// ParseMessage 解析完整RFC822报文
func ParseMessage(r io.Reader) (*ParsedMessage, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create mail reader: %w", err)
	}

	parsed := &ParsedMessage{Headers: make(map[string]string)}
	header := mr.Header

	parsed.MessageID, _ = header.MessageID()
	parsed.Subject, _ = header.Subject()
	if date, err := header.Date(); err == nil && !date.IsZero() {
		d := date
		parsed.SentAt = &d
	}
	if replies, err := header.MsgIDList("In-Reply-To"); err == nil && len(replies) > 0 {
		parsed.InReplyTo = replies[0]
	}

	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		parsed.From = toEmailAddress(from[0])
	}
	parsed.To = addressList(header, "To")
	parsed.CC = addressList(header, "Cc")
	parsed.BCC = addressList(header, "Bcc")
	parsed.ReplyTo = addressList(header, "Reply-To")

	for _, key := range interestingHeaders {
		if v := header.Get(key); v != "" {
			parsed.Headers[key] = v
		}
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// 单个part解析失败不终止整封邮件
			continue
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			switch {
			case strings.EqualFold(ct, "text/plain") && parsed.BodyPlain == "":
				parsed.BodyPlain = ensureUTF8(body)
			case strings.EqualFold(ct, "text/html") && parsed.BodyHTML == "":
				parsed.BodyHTML = ensureUTF8(body)
			case strings.HasPrefix(ct, "image/"):
				// 无附件头的内嵌图片，按内联附件处理
				parsed.Attachments = append(parsed.Attachments, &ParsedAttachment{
					Filename:    inlineImageName(h, ct),
					ContentType: ct,
					ContentID:   contentID(h.Header.Get("Content-Id")),
					IsInline:    true,
					Data:        body,
				})
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			ct, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			cid := contentID(h.Header.Get("Content-Id"))
			parsed.Attachments = append(parsed.Attachments, &ParsedAttachment{
				Filename:    filename,
				ContentType: ct,
				ContentID:   cid,
				IsInline:    cid != "",
				Data:        body,
			})
		}
	}

	// 内联标记需要CID真的被HTML引用；未被引用的降级为普通附件
	for _, att := range parsed.Attachments {
		if att.IsInline && !IsCIDReferenced(parsed.BodyHTML, att.ContentID) {
			att.IsInline = false
		}
	}

	return parsed, nil
}

// IsCIDReferenced 检查HTML正文是否通过cid:引用了该Content-ID
func IsCIDReferenced(html, cid string) bool {
	if html == "" || cid == "" {
		return false
	}
	return strings.Contains(html, "cid:"+cid)
}

func addressList(header mail.Header, key string) []models.EmailAddress {
	list, err := header.AddressList(key)
	if err != nil || len(list) == 0 {
		return nil
	}
	out := make([]models.EmailAddress, 0, len(list))
	for _, a := range list {
		out = append(out, toEmailAddress(a))
	}
	return out
}

func toEmailAddress(a *mail.Address) models.EmailAddress {
	return models.EmailAddress{Name: a.Name, Address: a.Address}
}

// contentID 去掉Content-Id头两侧的尖括号
func contentID(raw string) string {
	return strings.Trim(strings.TrimSpace(raw), "<>")
}

func inlineImageName(h *mail.InlineHeader, ct string) string {
	if _, params, err := h.ContentType(); err == nil {
		if name, ok := params["name"]; ok && name != "" {
			return name
		}
	}
	exts, _ := mime.ExtensionsByType(ct)
	ext := ".bin"
	if len(exts) > 0 {
		ext = exts[0]
	}
	return "inline" + ext
}
