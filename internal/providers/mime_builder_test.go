package providers

import (
	"strings"
	"testing"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"ravn/internal/models"
)

func TestSyntheticMessageID(t *testing.T) {
	id, err := SyntheticMessageID("alice@example.com", "localhost")
	if err != nil {
		t.Fatalf("SyntheticMessageID: %v", err)
	}
	local, domain, ok := strings.Cut(id, "@")
	if !ok || domain != "example.com" {
		t.Fatalf("message id = %q, want local@example.com", id)
	}
	parsed, err := uuid.Parse(local)
	if err != nil {
		t.Fatalf("local part %q is not a uuid: %v", local, err)
	}
	if parsed.Version() != 7 {
		t.Errorf("uuid version = %d, want 7", parsed.Version())
	}

	// 发件地址缺域时退到给定的兜底域
	id, err = SyntheticMessageID("", "localhost")
	if err != nil {
		t.Fatalf("SyntheticMessageID fallback: %v", err)
	}
	if !strings.HasSuffix(id, "@localhost") {
		t.Errorf("fallback message id = %q, want @localhost suffix", id)
	}
}

func TestBuildRawMessage(t *testing.T) {
	msg := &OutgoingMessage{
		From:      models.EmailAddress{Name: "Alice", Address: "alice@example.com"},
		To:        []models.EmailAddress{{Address: "bob@example.com"}},
		CC:        []models.EmailAddress{{Address: "carol@example.com"}},
		Subject:   "quarterly numbers",
		BodyPlain: "plain version",
		BodyHTML:  "<p>html version</p>",
		InReplyTo: "parent@example.com",
	}

	raw, err := BuildRawMessage(msg, "abc123@example.com")
	if err != nil {
		t.Fatalf("BuildRawMessage: %v", err)
	}

	mr, err := mail.CreateReader(strings.NewReader(string(raw)))
	if err != nil {
		t.Fatalf("CreateReader: %v", err)
	}

	if subject, err := mr.Header.Subject(); err != nil || subject != "quarterly numbers" {
		t.Errorf("Subject = %q, %v", subject, err)
	}
	if id, err := mr.Header.MessageID(); err != nil || id != "abc123@example.com" {
		t.Errorf("MessageID = %q, %v", id, err)
	}
	from, err := mr.Header.AddressList("From")
	if err != nil || len(from) != 1 || from[0].Address != "alice@example.com" {
		t.Errorf("From = %v, %v", from, err)
	}
	if replies, err := mr.Header.MsgIDList("In-Reply-To"); err != nil || len(replies) != 1 || replies[0] != "parent@example.com" {
		t.Errorf("In-Reply-To = %v, %v", replies, err)
	}

	body := string(raw)
	if !strings.Contains(body, "plain version") {
		t.Error("plain part missing")
	}
	if !strings.Contains(body, "html version") {
		t.Error("html part missing")
	}
}

func TestBuildRawMessageWithAttachment(t *testing.T) {
	msg := &OutgoingMessage{
		From:      models.EmailAddress{Address: "alice@example.com"},
		To:        []models.EmailAddress{{Address: "bob@example.com"}},
		Subject:   "with attachment",
		BodyPlain: "see attached",
		Attachments: []*OutgoingAttachment{{
			Filename:    "notes.txt",
			ContentType: "text/plain",
			Data:        []byte("attached text"),
		}},
	}

	raw, err := BuildRawMessage(msg, "att1@example.com")
	if err != nil {
		t.Fatalf("BuildRawMessage: %v", err)
	}

	mr, err := mail.CreateReader(strings.NewReader(string(raw)))
	if err != nil {
		t.Fatalf("CreateReader: %v", err)
	}

	foundAttachment := false
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		if h, ok := part.Header.(*mail.AttachmentHeader); ok {
			filename, _ := h.Filename()
			if filename == "notes.txt" {
				foundAttachment = true
			}
		}
	}
	if !foundAttachment {
		t.Error("attachment part not found in built message")
	}
}

func TestRecipients(t *testing.T) {
	msg := &OutgoingMessage{
		To:  []models.EmailAddress{{Address: "to@example.com"}},
		CC:  []models.EmailAddress{{Address: "cc@example.com"}},
		BCC: []models.EmailAddress{{Address: "bcc@example.com"}},
	}
	got := Recipients(msg)
	if len(got) != 3 {
		t.Fatalf("Recipients = %v, want 3 addresses", got)
	}
	want := map[string]bool{"to@example.com": true, "cc@example.com": true, "bcc@example.com": true}
	for _, addr := range got {
		if !want[addr] {
			t.Errorf("unexpected recipient %q", addr)
		}
	}
}
