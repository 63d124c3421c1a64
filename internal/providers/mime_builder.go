package providers

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"ravn/internal/models"
)

// SyntheticMessageID 生成本端Message-ID，不含尖括号。本地部分用
// 时间有序的uuid v7，域部分取发件地址的域，发送后靠它做Sent对账。
func SyntheticMessageID(fromAddress, fallbackDomain string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	domain := fallbackDomain
	if idx := strings.LastIndex(fromAddress, "@"); idx >= 0 {
		domain = fromAddress[idx+1:]
	}
	return id.String() + "@" + domain, nil
}

// BuildRawMessage 把待发邮件组装成RFC822报文。
// messageID不含尖括号，由调用方生成并在发送后写入本地Sent记录。
func BuildRawMessage(msg *OutgoingMessage, messageID string) ([]byte, error) {
	var header mail.Header
	header.SetDate(time.Now())
	header.SetSubject(msg.Subject)
	header.SetMessageID(messageID)
	header.SetAddressList("From", toMailAddresses([]models.EmailAddress{msg.From}))
	header.SetAddressList("To", toMailAddresses(msg.To))
	if len(msg.CC) > 0 {
		header.SetAddressList("Cc", toMailAddresses(msg.CC))
	}
	if msg.InReplyTo != "" {
		header.SetMsgIDList("In-Reply-To", []string{msg.InReplyTo})
	}
	if len(msg.References) > 0 {
		header.SetMsgIDList("References", msg.References)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, header)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("failed to create inline part: %w", err)
	}
	if msg.BodyPlain != "" {
		var th mail.InlineHeader
		th.Set("Content-Type", "text/plain; charset=utf-8")
		pw, err := tw.CreatePart(th)
		if err != nil {
			return nil, fmt.Errorf("failed to create text part: %w", err)
		}
		io.WriteString(pw, msg.BodyPlain)
		pw.Close()
	}
	if msg.BodyHTML != "" {
		var th mail.InlineHeader
		th.Set("Content-Type", "text/html; charset=utf-8")
		pw, err := tw.CreatePart(th)
		if err != nil {
			return nil, fmt.Errorf("failed to create html part: %w", err)
		}
		io.WriteString(pw, msg.BodyHTML)
		pw.Close()
	}
	tw.Close()

	for _, att := range msg.Attachments {
		var ah mail.AttachmentHeader
		ah.SetFilename(att.Filename)
		if att.ContentType != "" {
			ah.Set("Content-Type", att.ContentType)
		}
		if att.ContentID != "" {
			ah.Set("Content-Id", "<"+att.ContentID+">")
		}
		if att.IsInline {
			ah.Set("Content-Disposition", "inline")
		}
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment %s: %w", att.Filename, err)
		}
		if _, err := aw.Write(att.Data); err != nil {
			aw.Close()
			return nil, fmt.Errorf("failed to write attachment %s: %w", att.Filename, err)
		}
		aw.Close()
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize message: %w", err)
	}
	return buf.Bytes(), nil
}

func toMailAddresses(addrs []models.EmailAddress) []*mail.Address {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		if a.Address == "" {
			continue
		}
		out = append(out, &mail.Address{Name: a.Name, Address: a.Address})
	}
	return out
}
