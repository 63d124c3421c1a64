package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"ravn/internal/models"
	"ravn/internal/providers"
	"ravn/internal/search"
	"ravn/internal/sse"
)

func providerEmail(remoteID, messageID, subject string) *providers.ProviderEmail {
	return &providers.ProviderEmail{
		RemoteID:   remoteID,
		MessageID:  messageID,
		Subject:    subject,
		From:       models.EmailAddress{Name: "Alice", Address: "alice@example.com"},
		To:         []models.EmailAddress{{Address: "user@example.com"}},
		BodyPlain:  "plain body of " + subject,
		ReceivedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		SyncStatus: models.EmailSyncSynced,
	}
}

func TestSyncFolderCreatesEmails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderIMAP)
	folder := env.createFolder(t, account.ID, "INBOX", models.FolderTypeInbox)

	provider := &fakeProvider{diffs: []*providers.SyncDiff{{
		Added: []*providers.ProviderEmail{
			providerEmail("101", "<m1@example.com>", "first"),
			providerEmail("102", "<m2@example.com>", "second"),
		},
		NextSyncToken: "102",
	}}}

	if err := env.emailSync.SyncFolder(ctx, account, provider, folder, false); err != nil {
		t.Fatalf("SyncFolder: %v", err)
	}

	emails, err := env.emails.ListByFolder(ctx, folder.ID, pageAll())
	if err != nil {
		t.Fatalf("ListByFolder: %v", err)
	}
	if len(emails) != 2 {
		t.Fatalf("got %d emails, want 2", len(emails))
	}

	state, err := env.syncStates.GetOrCreate(ctx, account.ID, folder.ID)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if state.SyncToken != "102" {
		t.Errorf("SyncToken = %q, want 102", state.SyncToken)
	}
	if state.LastUID != 102 {
		t.Errorf("LastUID = %d, want 102", state.LastUID)
	}

	if created := env.publisher.EventsOfType(sse.EventEmailCreated); len(created) != 2 {
		t.Errorf("got %d created events, want 2", len(created))
	}
}

func TestSyncFolderIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderIMAP)
	folder := env.createFolder(t, account.ID, "INBOX", models.FolderTypeInbox)

	diff := func() *providers.SyncDiff {
		return &providers.SyncDiff{Added: []*providers.ProviderEmail{
			providerEmail("101", "<m1@example.com>", "first"),
		}}
	}

	provider := &fakeProvider{diffs: []*providers.SyncDiff{diff(), diff()}}
	for i := 0; i < 2; i++ {
		if err := env.emailSync.SyncFolder(ctx, account, provider, folder, true); err != nil {
			t.Fatalf("SyncFolder run %d: %v", i, err)
		}
	}

	emails, _ := env.emails.ListByFolder(ctx, folder.ID, pageAll())
	if len(emails) != 1 {
		t.Fatalf("got %d emails after replay, want 1", len(emails))
	}
}

func TestFullSyncReconcilesDeletions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderIMAP)
	folder := env.createFolder(t, account.ID, "INBOX", models.FolderTypeInbox)

	// 先放三封：一封远端还在、一封消失、一封是本地草稿
	seed := &fakeProvider{diffs: []*providers.SyncDiff{{Added: []*providers.ProviderEmail{
		providerEmail("101", "<keep@example.com>", "keep"),
		providerEmail("102", "<gone@example.com>", "gone"),
	}}}}
	if err := env.emailSync.SyncFolder(ctx, account, seed, folder, true); err != nil {
		t.Fatalf("seed sync: %v", err)
	}
	draft := &models.Email{
		AccountID: account.ID, FolderID: folder.ID,
		MessageID: "<d@draft.local>", RemoteID: "draft:1",
		Subject: "draft", IsDraft: true,
		ReceivedAt: time.Now(), SyncStatus: models.EmailSyncSynced,
	}
	if err := env.emails.Create(ctx, draft); err != nil {
		t.Fatalf("create draft: %v", err)
	}

	// 全量遍历只看到101
	provider := &fakeProvider{diffs: []*providers.SyncDiff{{Added: []*providers.ProviderEmail{
		providerEmail("101", "<keep@example.com>", "keep"),
	}}}}
	if err := env.emailSync.SyncFolder(ctx, account, provider, folder, true); err != nil {
		t.Fatalf("reconcile sync: %v", err)
	}

	gone, err := env.emails.FindByRemoteIDOrMessageID(ctx, account.ID, "102", "")
	if err != nil {
		t.Fatalf("find gone: %v", err)
	}
	if !gone.IsDeleted {
		t.Error("email missing from full listing should be soft-deleted")
	}

	kept, _ := env.emails.FindByRemoteIDOrMessageID(ctx, account.ID, "101", "")
	if kept.IsDeleted {
		t.Error("email still on remote must not be deleted")
	}

	survivor, _ := env.emails.FindByRemoteIDOrMessageID(ctx, account.ID, "draft:1", "")
	if survivor.IsDeleted {
		t.Error("local draft must survive reconciliation")
	}
}

func TestReconcileKeepsEmailStillOnRemote(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderIMAP)
	folder := env.createFolder(t, account.ID, "INBOX", models.FolderTypeInbox)

	seed := &fakeProvider{diffs: []*providers.SyncDiff{{Added: []*providers.ProviderEmail{
		providerEmail("101", "<keep@example.com>", "keep"),
		providerEmail("102", "<moved@example.com>", "moved"),
	}}}}
	if err := env.emailSync.SyncFolder(ctx, account, seed, folder, true); err != nil {
		t.Fatalf("seed sync: %v", err)
	}

	// 102没出现在这次全量遍历里，但逐封探测时远端仍能取到，
	// 说明只是在列举窗口之间被挪动过，不能当删除处理
	provider := &fakeProvider{
		diffs:   []*providers.SyncDiff{{Added: []*providers.ProviderEmail{providerEmail("101", "<keep@example.com>", "keep")}}},
		fetched: &providers.ProviderEmail{RemoteID: "102"},
	}
	if err := env.emailSync.SyncFolder(ctx, account, provider, folder, true); err != nil {
		t.Fatalf("reconcile sync: %v", err)
	}

	moved, err := env.emails.FindByRemoteIDOrMessageID(ctx, account.ID, "102", "")
	if err != nil {
		t.Fatalf("find moved: %v", err)
	}
	if moved.IsDeleted {
		t.Error("email confirmed on remote must survive reconciliation")
	}
}

func TestReconcileSkipsOnTransientProbeError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderIMAP)
	folder := env.createFolder(t, account.ID, "INBOX", models.FolderTypeInbox)

	seed := &fakeProvider{diffs: []*providers.SyncDiff{{Added: []*providers.ProviderEmail{
		providerEmail("101", "<keep@example.com>", "keep"),
		providerEmail("102", "<flaky@example.com>", "flaky"),
	}}}}
	if err := env.emailSync.SyncFolder(ctx, account, seed, folder, true); err != nil {
		t.Fatalf("seed sync: %v", err)
	}

	// 探测碰上瞬时错误时不确认删除，留给下一轮对账
	provider := &fakeProvider{
		diffs:    []*providers.SyncDiff{{Added: []*providers.ProviderEmail{providerEmail("101", "<keep@example.com>", "keep")}}},
		fetchErr: errors.New("request timeout"),
	}
	if err := env.emailSync.SyncFolder(ctx, account, provider, folder, true); err != nil {
		t.Fatalf("reconcile sync: %v", err)
	}

	flaky, err := env.emails.FindByRemoteIDOrMessageID(ctx, account.ID, "102", "")
	if err != nil {
		t.Fatalf("find flaky: %v", err)
	}
	if flaky.IsDeleted {
		t.Error("transient probe failure must not confirm a deletion")
	}
}

func TestSyncIndexesLabelsForSearch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderGmail)
	folder := env.createFolder(t, account.ID, "INBOX", models.FolderTypeInbox)

	in := providerEmail("g1", "<m1@example.com>", "quarterly report")
	in.Labels = []string{"work"}
	other := providerEmail("g2", "<m2@example.com>", "vacation photos")
	provider := &fakeProvider{diffs: []*providers.SyncDiff{{Added: []*providers.ProviderEmail{in, other}}}}

	if err := env.emailSync.SyncFolder(ctx, account, provider, folder, true); err != nil {
		t.Fatalf("SyncFolder: %v", err)
	}

	res, err := env.index.Search(ctx, search.Request{AccountID: account.ID, Query: "labels:work"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Total != 1 {
		t.Fatalf("labels:work hit %d emails, want 1", res.Total)
	}
	labeled, _ := env.emails.FindByRemoteIDOrMessageID(ctx, account.ID, "g1", "")
	if res.Hits[0].ID != labeled.ID {
		t.Errorf("hit = %q, want the labeled email %q", res.Hits[0].ID, labeled.ID)
	}
}

// fakePagedProvider 按脚本逐页回调的提供商，可在指定页上失败
type fakePagedProvider struct {
	fakeProvider
	pages      []*providers.SyncDiff
	failAtPage int
	pagedCalls []providers.SyncOptions
}

func (p *fakePagedProvider) SyncMessagesPaged(ctx context.Context, opts providers.SyncOptions) (*providers.SyncDiff, error) {
	p.pagedCalls = append(p.pagedCalls, opts)
	for i, page := range p.pages {
		if p.failAtPage > 0 && i+1 == p.failAtPage {
			return nil, errors.New("503 service unavailable")
		}
		if err := opts.PageCallback(ctx, page); err != nil {
			return nil, err
		}
	}
	return &providers.SyncDiff{}, nil
}

func (p *fakePagedProvider) AsAny() interface{} { return p }

func TestPagedSyncResumesAfterPageFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderOffice365)
	folder := env.createFolder(t, account.ID, "Inbox", models.FolderTypeInbox)

	provider := &fakePagedProvider{
		pages: []*providers.SyncDiff{
			{Added: []*providers.ProviderEmail{providerEmail("g-1", "<p1@example.com>", "page one")}, NextSyncToken: "page-1-token"},
			{Added: []*providers.ProviderEmail{providerEmail("g-2", "<p2@example.com>", "page two")}, NextSyncToken: "page-2-token"},
		},
		failAtPage: 2,
	}

	if err := env.emailSync.SyncFolder(ctx, account, provider, folder, false); err == nil {
		t.Fatal("SyncFolder should surface the page failure")
	}

	// 第一页在失败前已落库，游标停在第一页
	if _, err := env.emails.FindByRemoteIDOrMessageID(ctx, account.ID, "g-1", ""); err != nil {
		t.Fatalf("page-1 email lost after crash: %v", err)
	}
	state, err := env.syncStates.GetOrCreate(ctx, account.ID, folder.ID)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if state.SyncToken != "page-1-token" {
		t.Errorf("SyncToken = %q, want page-1-token", state.SyncToken)
	}

	// 重试从第一页游标续传，不重走第一页
	provider.failAtPage = 0
	if err := env.emailSync.SyncFolder(ctx, account, provider, folder, false); err != nil {
		t.Fatalf("resume sync: %v", err)
	}
	if len(provider.pagedCalls) != 2 {
		t.Fatalf("got %d paged calls, want 2", len(provider.pagedCalls))
	}
	if provider.pagedCalls[1].SyncToken != "page-1-token" {
		t.Errorf("resume token = %q, want page-1-token", provider.pagedCalls[1].SyncToken)
	}
	if _, err := env.emails.FindByRemoteIDOrMessageID(ctx, account.ID, "g-2", ""); err != nil {
		t.Fatalf("page-2 email missing after resume: %v", err)
	}
	state, _ = env.syncStates.GetOrCreate(ctx, account.ID, folder.ID)
	if state.SyncToken != "page-2-token" {
		t.Errorf("final SyncToken = %q, want page-2-token", state.SyncToken)
	}
}

func TestHeadersOnlyDoesNotClobberBody(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderIMAP)
	folder := env.createFolder(t, account.ID, "INBOX", models.FolderTypeInbox)

	full := providerEmail("101", "<m1@example.com>", "original")
	seed := &fakeProvider{diffs: []*providers.SyncDiff{{Added: []*providers.ProviderEmail{full}}}}
	if err := env.emailSync.SyncFolder(ctx, account, seed, folder, true); err != nil {
		t.Fatalf("seed sync: %v", err)
	}

	// 远端这次只给头部，且已读状态翻转
	headers := providerEmail("101", "<m1@example.com>", "original")
	headers.BodyPlain = ""
	headers.SyncStatus = models.EmailSyncHeadersOnly
	headers.IsRead = true
	provider := &fakeProvider{diffs: []*providers.SyncDiff{{Modified: []*providers.ProviderEmail{headers}}}}
	if err := env.emailSync.SyncFolder(ctx, account, provider, folder, true); err != nil {
		t.Fatalf("headers sync: %v", err)
	}

	email, err := env.emails.FindByRemoteIDOrMessageID(ctx, account.ID, "101", "")
	if err != nil {
		t.Fatalf("find email: %v", err)
	}
	if email.BodyPlain == "" {
		t.Error("existing body must survive a headers-only update")
	}
	if email.SyncStatus != models.EmailSyncSynced {
		t.Errorf("SyncStatus = %q, want synced", email.SyncStatus)
	}
	if !email.IsRead {
		t.Error("metadata from the headers-only update must still apply")
	}
}

func TestSyncReassignsRemoteIDByMessageID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderIMAP)
	folder := env.createFolder(t, account.ID, "INBOX", models.FolderTypeInbox)

	seed := &fakeProvider{diffs: []*providers.SyncDiff{{Added: []*providers.ProviderEmail{
		providerEmail("101", "<m1@example.com>", "first"),
	}}}}
	if err := env.emailSync.SyncFolder(ctx, account, seed, folder, true); err != nil {
		t.Fatalf("seed sync: %v", err)
	}

	// UID漂移：同一message id换了remote id，不产生第二行
	moved := &fakeProvider{diffs: []*providers.SyncDiff{{Added: []*providers.ProviderEmail{
		providerEmail("205", "<m1@example.com>", "first"),
	}}}}
	if err := env.emailSync.SyncFolder(ctx, account, moved, folder, true); err != nil {
		t.Fatalf("drift sync: %v", err)
	}

	emails, _ := env.emails.ListByFolder(ctx, folder.ID, pageAll())
	if len(emails) != 1 {
		t.Fatalf("got %d emails after UID drift, want 1", len(emails))
	}
	if emails[0].RemoteID != "205" {
		t.Errorf("RemoteID = %q, want rebound to 205", emails[0].RemoteID)
	}
}

func TestSyncFolderConcurrencyGuard(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderIMAP)
	folder := env.createFolder(t, account.ID, "INBOX", models.FolderTypeInbox)

	if _, err := env.syncStates.GetOrCreate(ctx, account.ID, folder.ID); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	acquired, err := env.syncStates.TryBeginSync(ctx, account.ID, folder.ID)
	if err != nil || !acquired {
		t.Fatalf("TryBeginSync: acquired=%t err=%v", acquired, err)
	}

	provider := &fakeProvider{}
	err = env.emailSync.SyncFolder(ctx, account, provider, folder, false)
	if !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("SyncFolder error = %v, want ErrSyncInProgress", err)
	}
	if len(provider.syncCalls) != 0 {
		t.Error("provider must not be called while another sync holds the folder")
	}

	// 释放后恢复可同步
	if err := env.syncStates.FinishSync(ctx, account.ID, folder.ID, nil); err != nil {
		t.Fatalf("FinishSync: %v", err)
	}
	if err := env.emailSync.SyncFolder(ctx, account, provider, folder, false); err != nil {
		t.Fatalf("SyncFolder after release: %v", err)
	}
}

func TestSyncEmitsErrorStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderIMAP)
	folder := env.createFolder(t, account.ID, "INBOX", models.FolderTypeInbox)

	provider := &fakeProvider{syncErr: errors.New("connection reset")}
	if err := env.emailSync.SyncFolder(ctx, account, provider, folder, false); err == nil {
		t.Fatal("SyncFolder should surface the provider error")
	}

	statuses := env.publisher.EventsOfType(sse.EventSyncStatus)
	if len(statuses) < 2 {
		t.Fatalf("got %d status events, want syncing then error", len(statuses))
	}
	last := statuses[len(statuses)-1].Data.(*sse.SyncStatusData)
	if last.Status != models.SyncStatusError {
		t.Errorf("final status = %q, want error", last.Status)
	}

	// 失败后锁必须释放
	acquired, err := env.syncStates.TryBeginSync(ctx, account.ID, folder.ID)
	if err != nil || !acquired {
		t.Errorf("sync lock not released after failure: acquired=%t err=%v", acquired, err)
	}
}

func TestIncrementalSyncPassesToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderIMAP)
	folder := env.createFolder(t, account.ID, "INBOX", models.FolderTypeInbox)

	provider := &fakeProvider{diffs: []*providers.SyncDiff{
		{Added: []*providers.ProviderEmail{providerEmail("101", "<m1@example.com>", "first")}, NextSyncToken: "101"},
		{},
	}}

	if err := env.emailSync.SyncFolder(ctx, account, provider, folder, false); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if err := env.emailSync.SyncFolder(ctx, account, provider, folder, false); err != nil {
		t.Fatalf("second sync: %v", err)
	}

	if len(provider.syncCalls) != 2 {
		t.Fatalf("got %d sync calls, want 2", len(provider.syncCalls))
	}
	if provider.syncCalls[0].SyncToken != "" {
		t.Errorf("first call token = %q, want empty", provider.syncCalls[0].SyncToken)
	}
	if provider.syncCalls[1].SyncToken != "101" {
		t.Errorf("second call token = %q, want 101", provider.syncCalls[1].SyncToken)
	}
	if !provider.syncCalls[0].HeadersOnly {
		t.Error("IMAP accounts sync headers-only")
	}
}

func TestSyncAppliesLabelsAndConversation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderGmail)
	folder := env.createFolder(t, account.ID, "INBOX", models.FolderTypeInbox)

	in := providerEmail("g1", "<m1@example.com>", "threaded")
	in.ConversationID = "thread-9"
	in.Labels = []string{"IMPORTANT", "work"}
	provider := &fakeProvider{diffs: []*providers.SyncDiff{{Added: []*providers.ProviderEmail{in}}}}

	if err := env.emailSync.SyncFolder(ctx, account, provider, folder, true); err != nil {
		t.Fatalf("SyncFolder: %v", err)
	}

	email, err := env.emails.FindByRemoteIDOrMessageID(ctx, account.ID, "g1", "")
	if err != nil {
		t.Fatalf("find email: %v", err)
	}
	if email.ConversationID == nil {
		t.Fatal("conversation not linked")
	}
	conv, err := env.convos.GetByID(ctx, *email.ConversationID)
	if err != nil {
		t.Fatalf("GetByID conversation: %v", err)
	}
	if conv.MessageCount != 1 {
		t.Errorf("MessageCount = %d, want 1", conv.MessageCount)
	}

	label, err := env.labels.GetByName(ctx, account.ID, "work")
	if err != nil {
		t.Fatalf("label not created: %v", err)
	}
	if label.Name != "work" {
		t.Errorf("label name = %q", label.Name)
	}
}
