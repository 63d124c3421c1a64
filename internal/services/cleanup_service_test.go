package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"ravn/internal/models"
	"ravn/internal/repository"
	"ravn/internal/storage"
)

func newCleanupService(e *testEnv, t *testing.T) (*CleanupService, storage.BlobStore) {
	t.Helper()
	blobs := storage.NewLocalBlobStore(t.TempDir())
	return NewCleanupService(e.cfg, e.emails, e.attachRepo, blobs, e.index), blobs
}

func TestPurgeDeletedEmails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderIMAP)
	folder := env.createFolder(t, account.ID, "INBOX", models.FolderTypeInbox)

	expired := env.insertEmail(t, account.ID, folder.ID, "101")
	kept := env.insertEmail(t, account.ID, folder.ID, "102")
	if err := env.emails.UpdateFields(ctx, expired.ID, map[string]interface{}{"is_deleted": true}); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if err := env.index.IndexEmail(expired); err != nil {
		t.Fatalf("IndexEmail: %v", err)
	}

	cleanup, blobs := newCleanupService(env, t)
	attachmentPath := account.ID + "/" + expired.ID + "/report.pdf"
	if err := blobs.Store(attachmentPath, []byte("cached attachment")); err != nil {
		t.Fatalf("Store: %v", err)
	}

	// 保留期为负，任何软删除邮件立刻过期
	env.cfg.Cleanup.DeletedRetained = -time.Minute
	purged, err := cleanup.PurgeDeletedEmails(ctx)
	if err != nil {
		t.Fatalf("PurgeDeletedEmails: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}

	if _, err := env.emails.GetByID(ctx, expired.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expired email still present: %v", err)
	}
	if _, err := env.emails.GetByID(ctx, kept.ID); err != nil {
		t.Errorf("non-deleted email was purged: %v", err)
	}
	if blobs.Exists(attachmentPath) {
		t.Error("attachment directory survived the purge")
	}
}

func TestPurgeDeletedEmailsRespectsRetention(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderIMAP)
	folder := env.createFolder(t, account.ID, "INBOX", models.FolderTypeInbox)

	email := env.insertEmail(t, account.ID, folder.ID, "101")
	if err := env.emails.UpdateFields(ctx, email.ID, map[string]interface{}{"is_deleted": true}); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	cleanup, _ := newCleanupService(env, t)
	env.cfg.Cleanup.DeletedRetained = 30 * 24 * time.Hour
	purged, err := cleanup.PurgeDeletedEmails(ctx)
	if err != nil {
		t.Fatalf("PurgeDeletedEmails: %v", err)
	}
	if purged != 0 {
		t.Errorf("purged = %d, freshly deleted email should stay for the retention window", purged)
	}
	if _, err := env.emails.GetByID(ctx, email.ID); err != nil {
		t.Errorf("email inside retention was purged: %v", err)
	}
}

func TestPurgeOrphanAttachments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.createAccount(t, models.ProviderIMAP)
	folder := env.createFolder(t, account.ID, "INBOX", models.FolderTypeInbox)
	email := env.insertEmail(t, account.ID, folder.ID, "101")

	cleanup, blobs := newCleanupService(env, t)

	orphanPath := "ghost/orphan/file.bin"
	if err := blobs.Store(orphanPath, []byte("orphaned bytes")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	orphan := &models.Attachment{
		EmailID:   "ghost-email-id",
		Filename:  "file.bin",
		CachePath: orphanPath,
		IsCached:  true,
	}
	if err := env.attachRepo.Create(ctx, orphan); err != nil {
		t.Fatalf("create orphan: %v", err)
	}
	attached := &models.Attachment{
		EmailID:  email.ID,
		Filename: "keep.txt",
	}
	if err := env.attachRepo.Create(ctx, attached); err != nil {
		t.Fatalf("create attachment: %v", err)
	}

	removed, err := cleanup.PurgeOrphanAttachments(ctx)
	if err != nil {
		t.Fatalf("PurgeOrphanAttachments: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if blobs.Exists(orphanPath) {
		t.Error("orphan attachment file survived")
	}
	remaining, err := env.attachRepo.ListByEmail(ctx, email.ID)
	if err != nil {
		t.Fatalf("ListByEmail: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Filename != "keep.txt" {
		t.Errorf("attached attachment touched by orphan purge: %+v", remaining)
	}
}
