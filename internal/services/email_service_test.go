package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"ravn/internal/models"
	"ravn/internal/providers"
	"ravn/internal/repository"
	"ravn/internal/search"
)

func (e *testEnv) newEmailService(t *testing.T, account *models.Account, provider *fakeProvider) *EmailService {
	t.Helper()
	coordinator := e.newCoordinator(t, account, provider)
	return NewEmailService(e.emails, e.folders, e.accounts, e.attachRepo,
		e.labels, coordinator, e.creds, e.index, e.publisher)
}

func (e *testEnv) insertEmail(t *testing.T, accountID, folderID, remoteID string) *models.Email {
	t.Helper()
	email := &models.Email{
		AccountID:  accountID,
		FolderID:   folderID,
		MessageID:  "<" + remoteID + "@example.com>",
		RemoteID:   remoteID,
		Subject:    "subject " + remoteID,
		ReceivedAt: time.Now(),
		SyncStatus: models.EmailSyncSynced,
	}
	if err := e.emails.Create(context.Background(), email); err != nil {
		t.Fatalf("insert email: %v", err)
	}
	return email
}

func TestMarkAsReadProviderFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderIMAP)
	folder := env.createFolder(t, account.ID, "INBOX", models.FolderTypeInbox)
	email := env.insertEmail(t, account.ID, folder.ID, "101")

	provider := &fakeProvider{}
	svc := env.newEmailService(t, account, provider)

	if err := svc.MarkAsRead(ctx, email.ID, true); err != nil {
		t.Fatalf("MarkAsRead: %v", err)
	}
	if len(provider.readCalls) != 1 || provider.readCalls[0] != "101=true" {
		t.Errorf("provider calls = %v, want [101=true]", provider.readCalls)
	}
	got, _ := env.emails.GetByID(ctx, email.ID)
	if !got.IsRead {
		t.Error("email not marked read locally")
	}
}

func TestMarkAsReadNoopWhenUnchanged(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderIMAP)
	folder := env.createFolder(t, account.ID, "INBOX", models.FolderTypeInbox)
	email := env.insertEmail(t, account.ID, folder.ID, "101")

	provider := &fakeProvider{}
	svc := env.newEmailService(t, account, provider)

	if err := svc.MarkAsRead(ctx, email.ID, false); err != nil {
		t.Fatalf("MarkAsRead: %v", err)
	}
	if len(provider.readCalls) != 0 {
		t.Error("no remote call expected when state is unchanged")
	}
}

func TestProviderFailureLeavesLocalUnchanged(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderIMAP)
	folder := env.createFolder(t, account.ID, "INBOX", models.FolderTypeInbox)
	email := env.insertEmail(t, account.ID, folder.ID, "101")

	provider := &fakeProvider{opErr: errors.New("connection reset")}
	svc := env.newEmailService(t, account, provider)

	if err := svc.MarkAsRead(ctx, email.ID, true); err == nil {
		t.Fatal("MarkAsRead should fail when the remote call fails")
	}
	got, _ := env.emails.GetByID(ctx, email.ID)
	if got.IsRead {
		t.Error("local state changed despite remote failure")
	}

	if err := svc.SetFlag(ctx, email.ID, true); err == nil {
		t.Fatal("SetFlag should fail when the remote call fails")
	}
	got, _ = env.emails.GetByID(ctx, email.ID)
	if got.IsFlagged {
		t.Error("local flag changed despite remote failure")
	}
}

func TestMarkAsReadKeepsLabelsInIndex(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderGmail)
	folder := env.createFolder(t, account.ID, "INBOX", models.FolderTypeInbox)
	email := env.insertEmail(t, account.ID, folder.ID, "g1")

	label := &models.Label{AccountID: account.ID, Name: "work"}
	if err := env.labels.Create(ctx, label); err != nil {
		t.Fatalf("create label: %v", err)
	}
	if err := env.labels.Attach(ctx, email.ID, label.ID); err != nil {
		t.Fatalf("attach label: %v", err)
	}
	email.LabelNames = []string{"work"}
	if err := env.index.IndexEmail(email); err != nil {
		t.Fatalf("IndexEmail: %v", err)
	}

	svc := env.newEmailService(t, account, &fakeProvider{})
	if err := svc.MarkAsRead(ctx, email.ID, true); err != nil {
		t.Fatalf("MarkAsRead: %v", err)
	}

	// 索引文档是整篇覆盖的，变更重索引后标签必须还在
	res, err := env.index.Search(ctx, search.Request{AccountID: account.ID, Query: "labels:work"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Total != 1 {
		t.Errorf("labels:work hit %d emails after reindex, want 1", res.Total)
	}
}

func TestMoveEmail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderIMAP)
	inbox := env.createFolder(t, account.ID, "INBOX", models.FolderTypeInbox)
	archive := env.createFolder(t, account.ID, "Archive", models.FolderTypeArchive)
	email := env.insertEmail(t, account.ID, inbox.ID, "101")

	provider := &fakeProvider{}
	svc := env.newEmailService(t, account, provider)

	if err := svc.MoveEmail(ctx, email.ID, archive.ID); err != nil {
		t.Fatalf("MoveEmail: %v", err)
	}
	if len(provider.moveCalls) != 1 {
		t.Fatalf("move calls = %v, want 1", provider.moveCalls)
	}
	got, _ := env.emails.GetByID(ctx, email.ID)
	if got.FolderID != archive.ID {
		t.Errorf("FolderID = %q, want archive", got.FolderID)
	}
	// remote id保留，等目标文件夹同步按message_id修正
	if got.RemoteID != "101" {
		t.Errorf("RemoteID = %q, want unchanged 101", got.RemoteID)
	}
}

func TestMoveEmailAcrossAccountsRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderIMAP)
	inbox := env.createFolder(t, account.ID, "INBOX", models.FolderTypeInbox)
	email := env.insertEmail(t, account.ID, inbox.ID, "101")

	other := &models.Account{Name: "Other", Email: "other@example.com", Provider: models.ProviderIMAP}
	if err := env.accounts.Create(ctx, other); err != nil {
		t.Fatalf("create other account: %v", err)
	}
	foreign := env.createFolder(t, other.ID, "INBOX", models.FolderTypeInbox)

	provider := &fakeProvider{}
	svc := env.newEmailService(t, account, provider)

	if err := svc.MoveEmail(ctx, email.ID, foreign.ID); err == nil {
		t.Fatal("cross-account move must be rejected")
	}
	if len(provider.moveCalls) != 0 {
		t.Error("provider must not be called for a rejected move")
	}
}

func TestDeleteEmailMovesToTrash(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderIMAP)
	inbox := env.createFolder(t, account.ID, "INBOX", models.FolderTypeInbox)
	trash := env.createFolder(t, account.ID, "Trash", models.FolderTypeTrash)
	email := env.insertEmail(t, account.ID, inbox.ID, "101")

	provider := &fakeProvider{}
	svc := env.newEmailService(t, account, provider)

	if err := svc.DeleteEmail(ctx, email.ID); err != nil {
		t.Fatalf("DeleteEmail: %v", err)
	}
	got, _ := env.emails.GetByID(ctx, email.ID)
	if got.FolderID != trash.ID {
		t.Errorf("FolderID = %q, want trash", got.FolderID)
	}
	if got.IsDeleted {
		t.Error("email in trash should not carry the deleted flag yet")
	}

	// 第二次删除转为彻底删除
	if err := svc.DeleteEmail(ctx, email.ID); err != nil {
		t.Fatalf("second DeleteEmail: %v", err)
	}
	if _, err := env.emails.GetByID(ctx, email.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("GetByID after hard delete = %v, want ErrNotFound", err)
	}
}

func TestDeleteEmailWithoutTrashFolder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderIMAP)
	inbox := env.createFolder(t, account.ID, "INBOX", models.FolderTypeInbox)
	email := env.insertEmail(t, account.ID, inbox.ID, "101")

	provider := &fakeProvider{}
	svc := env.newEmailService(t, account, provider)

	if err := svc.DeleteEmail(ctx, email.ID); err != nil {
		t.Fatalf("DeleteEmail: %v", err)
	}
	got, _ := env.emails.GetByID(ctx, email.ID)
	if !got.IsDeleted {
		t.Error("without a trash folder the email should be soft-deleted in place")
	}
}

func TestSendEmailNative(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderGmail)
	env.createFolder(t, account.ID, "Sent", models.FolderTypeSent)

	provider := &fakeProvider{sendResult: &providers.SendResult{
		MessageID: "<native@example.com>",
		RemoteID:  "g-sent-1",
	}}
	svc := env.newEmailService(t, account, provider)

	sent, err := svc.SendEmail(ctx, account.ID, &providers.OutgoingMessage{
		To:        []models.EmailAddress{{Address: "bob@example.com"}},
		Subject:   "hello",
		BodyPlain: "hi bob",
	})
	if err != nil {
		t.Fatalf("SendEmail: %v", err)
	}
	if len(provider.sent) != 1 {
		t.Fatalf("provider sent %d messages, want 1", len(provider.sent))
	}
	// 未指定发件人时补上账户地址
	if provider.sent[0].From.Address != account.Email {
		t.Errorf("From = %q, want %q", provider.sent[0].From.Address, account.Email)
	}
	if sent.RemoteID != "g-sent-1" {
		t.Errorf("RemoteID = %q, want provider remote id", sent.RemoteID)
	}
	if !sent.IsRead {
		t.Error("sent email should be recorded as read")
	}

	sentFolder, _ := env.folders.GetByType(ctx, account.ID, models.FolderTypeSent)
	if sent.FolderID != sentFolder.ID {
		t.Errorf("sent email landed in folder %q, want Sent", sent.FolderID)
	}
}

func TestSendEmailFailureCreatesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderGmail)
	sentFolder := env.createFolder(t, account.ID, "Sent", models.FolderTypeSent)

	provider := &fakeProvider{sendErr: errors.New("503 service unavailable")}
	svc := env.newEmailService(t, account, provider)

	_, err := svc.SendEmail(ctx, account.ID, &providers.OutgoingMessage{
		To:      []models.EmailAddress{{Address: "bob@example.com"}},
		Subject: "hello",
	})
	if err == nil {
		t.Fatal("SendEmail should surface the provider error")
	}
	emails, _ := env.emails.ListByFolder(ctx, sentFolder.ID, pageAll())
	if len(emails) != 0 {
		t.Errorf("failed send left %d local rows", len(emails))
	}
}

func TestSaveAndSendDraft(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderGmail)
	drafts := env.createFolder(t, account.ID, "Drafts", models.FolderTypeDraft)
	env.createFolder(t, account.ID, "Sent", models.FolderTypeSent)

	provider := &fakeProvider{}
	svc := env.newEmailService(t, account, provider)

	draft, err := svc.SaveDraft(ctx, account.ID, &providers.OutgoingMessage{
		From:      models.EmailAddress{Address: account.Email},
		To:        []models.EmailAddress{{Address: "bob@example.com"}},
		Subject:   "work in progress",
		BodyPlain: "draft body",
	})
	if err != nil {
		t.Fatalf("SaveDraft: %v", err)
	}
	if !draft.IsDraft {
		t.Error("draft row missing IsDraft")
	}
	if draft.FolderID != drafts.ID {
		t.Errorf("draft landed in %q, want Drafts", draft.FolderID)
	}

	sent, err := svc.SendDraft(ctx, draft.ID)
	if err != nil {
		t.Fatalf("SendDraft: %v", err)
	}
	if len(provider.sent) != 1 {
		t.Fatalf("provider sent %d messages, want 1", len(provider.sent))
	}
	if provider.sent[0].Subject != "work in progress" {
		t.Errorf("sent subject = %q", provider.sent[0].Subject)
	}
	// 草稿行原地晋升，本地ID保持不变
	if sent.ID != draft.ID {
		t.Errorf("sent ID = %q, want the draft's ID %q", sent.ID, draft.ID)
	}
	if sent.IsDraft {
		t.Error("sent email still marked as draft")
	}

	got, err := env.emails.GetByID(ctx, draft.ID)
	if err != nil {
		t.Fatalf("GetByID after send: %v", err)
	}
	if got.IsDraft {
		t.Error("stored row still marked as draft")
	}
	if got.RemoteID != "remote-sent-1" {
		t.Errorf("RemoteID = %q, want provider remote id", got.RemoteID)
	}
	if got.SentAt == nil {
		t.Error("SentAt not recorded")
	}
	sentFolder, _ := env.folders.GetByType(ctx, account.ID, models.FolderTypeSent)
	if got.FolderID != sentFolder.ID {
		t.Errorf("promoted draft landed in %q, want Sent", got.FolderID)
	}
}

func TestSendDraftRejectsNonDraft(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderGmail)
	inbox := env.createFolder(t, account.ID, "INBOX", models.FolderTypeInbox)
	email := env.insertEmail(t, account.ID, inbox.ID, "101")

	svc := env.newEmailService(t, account, &fakeProvider{})
	if _, err := svc.SendDraft(ctx, email.ID); err == nil {
		t.Fatal("SendDraft must reject a non-draft email")
	}
}

func TestRenameFolderProviderFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderIMAP)
	folder := env.createFolder(t, account.ID, "Projects", models.FolderTypeCustom)

	provider := &fakeProvider{}
	svc := env.newEmailService(t, account, provider)

	if err := svc.RenameFolder(ctx, folder.ID, "Clients"); err != nil {
		t.Fatalf("RenameFolder: %v", err)
	}
	if len(provider.renameCalls) != 1 {
		t.Fatalf("rename calls = %v", provider.renameCalls)
	}
	got, _ := env.folders.GetByID(ctx, folder.ID)
	if got.Name != "Clients" {
		t.Errorf("Name = %q, want Clients", got.Name)
	}

	// 远端失败时本地名字不变
	provider.opErr = errors.New("NO rename not allowed")
	if err := svc.RenameFolder(ctx, folder.ID, "Blocked"); err == nil {
		t.Fatal("RenameFolder should surface the provider error")
	}
	got, _ = env.folders.GetByID(ctx, folder.ID)
	if got.Name != "Clients" {
		t.Errorf("Name = %q after failed rename, want Clients", got.Name)
	}
}
