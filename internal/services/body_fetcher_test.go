package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"ravn/internal/models"
	"ravn/internal/providers"
)

func (e *testEnv) newBodyFetcher() *BodyFetcher {
	return NewBodyFetcher(e.cfg, e.emails, e.folders, e.accounts, e.labels, nil,
		e.attachments, e.index, e.publisher)
}

func (e *testEnv) insertHeadersOnlyEmail(t *testing.T, accountID, folderID, remoteID string) *models.Email {
	t.Helper()
	email := &models.Email{
		AccountID:  accountID,
		FolderID:   folderID,
		MessageID:  "<" + remoteID + "@example.com>",
		RemoteID:   remoteID,
		Subject:    "pending body",
		ReceivedAt: time.Now(),
		SyncStatus: models.EmailSyncHeadersOnly,
	}
	if err := e.emails.Create(context.Background(), email); err != nil {
		t.Fatalf("insert email: %v", err)
	}
	return email
}

func TestFetchOneCompletesEmail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderIMAP)
	folder := env.createFolder(t, account.ID, "INBOX", models.FolderTypeInbox)
	email := env.insertHeadersOnlyEmail(t, account.ID, folder.ID, "101")

	provider := &fakeProvider{fetched: &providers.ProviderEmail{
		RemoteID:  "101",
		BodyPlain: "the full body text",
		Attachments: []*providers.ProviderAttachment{{
			Filename: "doc.pdf", ContentType: "application/pdf", Size: 3, Data: []byte("pdf"),
		}},
	}}

	fetcher := env.newBodyFetcher()
	if err := fetcher.fetchOne(ctx, account, provider, email); err != nil {
		t.Fatalf("fetchOne: %v", err)
	}

	got, _ := env.emails.GetByID(ctx, email.ID)
	if got.SyncStatus != models.EmailSyncSynced {
		t.Errorf("SyncStatus = %q, want synced", got.SyncStatus)
	}
	if got.BodyPlain != "the full body text" {
		t.Errorf("BodyPlain = %q", got.BodyPlain)
	}
	if got.Snippet == "" {
		t.Error("snippet not derived from fetched body")
	}
	if !got.HasAttachments {
		t.Error("HasAttachments not set")
	}
	if got.BodyFetchAttempts != 1 {
		t.Errorf("BodyFetchAttempts = %d, want 1", got.BodyFetchAttempts)
	}

	rows, _ := env.attachRepo.ListByEmail(ctx, email.ID)
	if len(rows) != 1 {
		t.Errorf("got %d attachment rows, want 1", len(rows))
	}
}

func TestFetchOnePersistsHeadersAndRecategorizes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderIMAP)
	folder := env.createFolder(t, account.ID, "INBOX", models.FolderTypeInbox)
	email := env.insertHeadersOnlyEmail(t, account.ID, folder.ID, "101")

	sentAt := time.Now().Add(-time.Hour).Truncate(time.Second)
	provider := &fakeProvider{fetched: &providers.ProviderEmail{
		RemoteID:  "101",
		BodyPlain: "your weekly digest",
		SentAt:    &sentAt,
		Headers: map[string]string{
			"Auto-Submitted":   "auto-generated",
			"List-Unsubscribe": "<mailto:unsub@example.com>",
		},
	}}

	fetcher := env.newBodyFetcher()
	if err := fetcher.fetchOne(ctx, account, provider, email); err != nil {
		t.Fatalf("fetchOne: %v", err)
	}

	got, _ := env.emails.GetByID(ctx, email.ID)
	headers, err := got.GetHeaders()
	if err != nil {
		t.Fatalf("GetHeaders: %v", err)
	}
	if headers["Auto-Submitted"] != "auto-generated" {
		t.Errorf("headers = %v, want Auto-Submitted persisted", headers)
	}
	if got.SentAt == nil || !got.SentAt.Equal(sentAt) {
		t.Errorf("SentAt = %v, want %v", got.SentAt, sentAt)
	}
	// 头部同步阶段没有分类信号，完整报文到了要重新分类
	if got.Category != models.CategoryUpdates {
		t.Errorf("Category = %q, want updates", got.Category)
	}
}

func TestFetchOneFailureExhaustsAttempts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderIMAP)
	folder := env.createFolder(t, account.ID, "INBOX", models.FolderTypeInbox)
	email := env.insertHeadersOnlyEmail(t, account.ID, folder.ID, "101")

	provider := &fakeProvider{fetchErr: errors.New("connection reset")}
	fetcher := env.newBodyFetcher()

	// 前两次失败回到headers_only等待重试
	for attempt := 1; attempt <= 2; attempt++ {
		current, _ := env.emails.GetByID(ctx, email.ID)
		if err := fetcher.fetchOne(ctx, account, provider, current); err == nil {
			t.Fatalf("attempt %d should fail", attempt)
		}
		got, _ := env.emails.GetByID(ctx, email.ID)
		if got.SyncStatus != models.EmailSyncHeadersOnly {
			t.Fatalf("attempt %d: SyncStatus = %q, want headers_only", attempt, got.SyncStatus)
		}
		if got.BodyFetchAttempts != attempt {
			t.Fatalf("attempt %d: BodyFetchAttempts = %d", attempt, got.BodyFetchAttempts)
		}
	}

	// 第三次失败后标记error终止重试
	current, _ := env.emails.GetByID(ctx, email.ID)
	if err := fetcher.fetchOne(ctx, account, provider, current); err == nil {
		t.Fatal("final attempt should fail")
	}
	got, _ := env.emails.GetByID(ctx, email.ID)
	if got.SyncStatus != models.EmailSyncError {
		t.Errorf("SyncStatus = %q after exhausted attempts, want error", got.SyncStatus)
	}

	// error状态不再被选取
	pending, err := env.emails.SelectForBodyFetch(ctx, account.ID, 10, bodyFetchMaxAttempts, 0)
	if err != nil {
		t.Fatalf("SelectForBodyFetch: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("errored email still selected for fetch: %d", len(pending))
	}
}

func TestSelectForBodyFetchCooldown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderIMAP)
	folder := env.createFolder(t, account.ID, "INBOX", models.FolderTypeInbox)
	email := env.insertHeadersOnlyEmail(t, account.ID, folder.ID, "101")

	now := time.Now()
	if err := env.emails.UpdateFields(ctx, email.ID, map[string]interface{}{
		"body_fetch_attempts":     1,
		"last_body_fetch_attempt": now,
	}); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}

	pending, err := env.emails.SelectForBodyFetch(ctx, account.ID, 10, bodyFetchMaxAttempts, time.Minute)
	if err != nil {
		t.Fatalf("SelectForBodyFetch: %v", err)
	}
	if len(pending) != 0 {
		t.Error("email inside cooldown window should not be selected")
	}

	pending, err = env.emails.SelectForBodyFetch(ctx, account.ID, 10, bodyFetchMaxAttempts, 0)
	if err != nil {
		t.Fatalf("SelectForBodyFetch: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("got %d pending after cooldown, want 1", len(pending))
	}
}

func TestResetStaleFetchingBody(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderIMAP)
	folder := env.createFolder(t, account.ID, "INBOX", models.FolderTypeInbox)
	email := env.insertHeadersOnlyEmail(t, account.ID, folder.ID, "101")

	if err := env.emails.UpdateFields(ctx, email.ID, map[string]interface{}{
		"sync_status": models.EmailSyncFetchingBody,
	}); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}

	reset, err := env.emails.ResetStaleFetchingBody(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("ResetStaleFetchingBody: %v", err)
	}
	if reset != 1 {
		t.Errorf("reset = %d, want 1", reset)
	}
	got, _ := env.emails.GetByID(ctx, email.ID)
	if got.SyncStatus != models.EmailSyncHeadersOnly {
		t.Errorf("SyncStatus = %q, want headers_only", got.SyncStatus)
	}
}
