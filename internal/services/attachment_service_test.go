package services

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"ravn/internal/models"
	"ravn/internal/providers"
	"ravn/internal/storage"
)

func TestUpsertFromProviderDedupesByContentID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderIMAP)
	folder := env.createFolder(t, account.ID, "INBOX", models.FolderTypeInbox)
	email := env.insertEmail(t, account.ID, folder.ID, "101")

	incoming := []*providers.ProviderAttachment{{
		Filename:    "logo.png",
		ContentType: "image/png",
		Size:        4,
		ContentID:   "cid-logo",
		IsInline:    true,
		RemotePath:  "1.2",
	}}
	for i := 0; i < 2; i++ {
		if err := env.attachments.UpsertFromProvider(ctx, email, incoming); err != nil {
			t.Fatalf("UpsertFromProvider run %d: %v", i, err)
		}
	}

	rows, err := env.attachRepo.ListByEmail(ctx, email.ID)
	if err != nil {
		t.Fatalf("ListByEmail: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d attachment rows, want 1", len(rows))
	}

	// 远端标识漂移后跟随更新，仍不产生新行
	incoming[0].RemotePath = "2.1"
	if err := env.attachments.UpsertFromProvider(ctx, email, incoming); err != nil {
		t.Fatalf("UpsertFromProvider: %v", err)
	}
	rows, _ = env.attachRepo.ListByEmail(ctx, email.ID)
	if len(rows) != 1 {
		t.Fatalf("got %d rows after remote path drift, want 1", len(rows))
	}
	if rows[0].RemotePath != "2.1" {
		t.Errorf("RemotePath = %q, want 2.1", rows[0].RemotePath)
	}
}

func TestUpsertFromProviderCachesInlineData(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderIMAP)
	folder := env.createFolder(t, account.ID, "INBOX", models.FolderTypeInbox)
	email := env.insertEmail(t, account.ID, folder.ID, "101")

	data := []byte("attachment payload")
	incoming := []*providers.ProviderAttachment{{
		Filename:    "report.pdf",
		ContentType: "application/pdf",
		Size:        int64(len(data)),
		Data:        data,
	}}
	if err := env.attachments.UpsertFromProvider(ctx, email, incoming); err != nil {
		t.Fatalf("UpsertFromProvider: %v", err)
	}

	rows, _ := env.attachRepo.ListByEmail(ctx, email.ID)
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	att := &rows[0]
	if !att.IsCached {
		t.Fatal("attachment with inline data should be cached")
	}
	if att.Hash == "" {
		t.Error("cached attachment missing content hash")
	}

	got, err := env.attachments.Retrieve(att)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("retrieved bytes differ from stored payload")
	}
}

func TestEnsureCachedFetchesOnDemand(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderIMAP)
	folder := env.createFolder(t, account.ID, "INBOX", models.FolderTypeInbox)
	email := env.insertEmail(t, account.ID, folder.ID, "101")

	att := &models.Attachment{
		EmailID:  email.ID,
		Filename: "notes.txt",
		Size:     5,
	}
	if err := env.attachRepo.Create(ctx, att); err != nil {
		t.Fatalf("create attachment: %v", err)
	}

	provider := &fakeProvider{attachData: []byte("notes")}
	data, err := env.attachments.EnsureCached(ctx, provider, email, folder.RemoteID, att)
	if err != nil {
		t.Fatalf("EnsureCached: %v", err)
	}
	if string(data) != "notes" {
		t.Errorf("data = %q, want notes", data)
	}

	got, _ := env.attachRepo.GetByID(ctx, att.ID)
	if !got.IsCached {
		t.Error("attachment not marked cached after on-demand fetch")
	}
}

func TestRecalculateHashes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderIMAP)
	folder := env.createFolder(t, account.ID, "INBOX", models.FolderTypeInbox)
	email := env.insertEmail(t, account.ID, folder.ID, "101")

	att := &models.Attachment{EmailID: email.ID, Filename: "data.bin"}
	if err := env.attachRepo.Create(ctx, att); err != nil {
		t.Fatalf("create attachment: %v", err)
	}
	if err := env.attachments.CacheBytes(ctx, account.ID, att, []byte("payload")); err != nil {
		t.Fatalf("CacheBytes: %v", err)
	}

	// 一致时no-op
	fixed, err := env.attachments.RecalculateHashes(ctx)
	if err != nil {
		t.Fatalf("RecalculateHashes: %v", err)
	}
	if fixed != 0 {
		t.Errorf("fixed = %d on consistent data, want 0", fixed)
	}

	// 元数据漂移后修正
	att.Hash = "bogus"
	if err := env.attachRepo.Update(ctx, att); err != nil {
		t.Fatalf("Update: %v", err)
	}
	fixed, err = env.attachments.RecalculateHashes(ctx)
	if err != nil {
		t.Fatalf("RecalculateHashes: %v", err)
	}
	if fixed != 1 {
		t.Errorf("fixed = %d after hash drift, want 1", fixed)
	}
	got, _ := env.attachRepo.GetByID(ctx, att.ID)
	if got.Hash == "bogus" {
		t.Error("hash not corrected")
	}
}

// flakyBlobStore 指定路径读取失败的存储包装
type flakyBlobStore struct {
	storage.BlobStore
	failPaths map[string]bool
}

func (f *flakyBlobStore) Retrieve(relPath string) ([]byte, error) {
	if f.failPaths[relPath] {
		return nil, errors.New("input/output error")
	}
	return f.BlobStore.Retrieve(relPath)
}

func TestRecalculateHashesSkipsUnreadableBlob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderIMAP)
	folder := env.createFolder(t, account.ID, "INBOX", models.FolderTypeInbox)
	email := env.insertEmail(t, account.ID, folder.ID, "101")

	base := storage.NewLocalBlobStore(t.TempDir())
	seed := NewAttachmentService(env.attachRepo, base)

	bad := &models.Attachment{EmailID: email.ID, Filename: "bad.bin"}
	if err := env.attachRepo.Create(ctx, bad); err != nil {
		t.Fatalf("create bad attachment: %v", err)
	}
	if err := seed.CacheBytes(ctx, account.ID, bad, []byte("bad payload")); err != nil {
		t.Fatalf("CacheBytes bad: %v", err)
	}
	good := &models.Attachment{EmailID: email.ID, Filename: "good.bin"}
	if err := env.attachRepo.Create(ctx, good); err != nil {
		t.Fatalf("create good attachment: %v", err)
	}
	if err := seed.CacheBytes(ctx, account.ID, good, []byte("good payload")); err != nil {
		t.Fatalf("CacheBytes good: %v", err)
	}
	good.Hash = "bogus"
	if err := env.attachRepo.Update(ctx, good); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// 第一个附件读取失败，扫描仍要走完并修正后面的漂移
	scan := NewAttachmentService(env.attachRepo, &flakyBlobStore{
		BlobStore: base,
		failPaths: map[string]bool{bad.CachePath: true},
	})
	fixed, err := scan.RecalculateHashes(ctx)
	if err != nil {
		t.Fatalf("RecalculateHashes: %v", err)
	}
	if fixed != 1 {
		t.Errorf("fixed = %d, want 1", fixed)
	}
	gotGood, _ := env.attachRepo.GetByID(ctx, good.ID)
	if gotGood.Hash == "bogus" {
		t.Error("drifted hash not corrected past the unreadable blob")
	}
	gotBad, _ := env.attachRepo.GetByID(ctx, bad.ID)
	if !gotBad.IsCached {
		t.Error("unreadable blob must stay cached for a later retry")
	}
}
