package services

import (
	"context"
	"log"
	"sync"
	"time"

	"ravn/internal/config"
	"ravn/internal/repository"
	"ravn/internal/search"
	"ravn/internal/storage"
)

// CleanupService 后台清理。过期的软删除邮件彻底清除，连同附件
// 目录和索引条目；邮件已不存在的孤儿附件顺带回收。
type CleanupService struct {
	cfg         *config.Config
	emails      *repository.EmailRepository
	attachments *repository.AttachmentRepository
	blobs       storage.BlobStore
	index       *search.Index

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewCleanupService 创建清理服务
func NewCleanupService(
	cfg *config.Config,
	emails *repository.EmailRepository,
	attachments *repository.AttachmentRepository,
	blobs storage.BlobStore,
	index *search.Index,
) *CleanupService {
	return &CleanupService{
		cfg:         cfg,
		emails:      emails,
		attachments: attachments,
		blobs:       blobs,
		index:       index,
	}
}

// Start 启动清理循环
func (s *CleanupService) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop 停止清理循环
func (s *CleanupService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *CleanupService) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Cleanup.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce 执行一轮清理
func (s *CleanupService) RunOnce(ctx context.Context) {
	purged, err := s.PurgeDeletedEmails(ctx)
	if err != nil {
		log.Printf("Cleanup failed to purge deleted emails: %v", err)
	} else if purged > 0 {
		log.Printf("Cleanup purged %d expired deleted emails", purged)
	}

	orphans, err := s.PurgeOrphanAttachments(ctx)
	if err != nil {
		log.Printf("Cleanup failed to purge orphan attachments: %v", err)
	} else if orphans > 0 {
		log.Printf("Cleanup removed %d orphan attachments", orphans)
	}
}

// PurgeDeletedEmails 清除保留期外的软删除邮件
func (s *CleanupService) PurgeDeletedEmails(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.cfg.Cleanup.DeletedRetained)
	expired, err := s.emails.ListDeletedBefore(ctx, cutoff, s.cfg.Cleanup.BatchSize)
	if err != nil {
		return 0, err
	}

	purged := 0
	for i := range expired {
		select {
		case <-ctx.Done():
			return purged, ctx.Err()
		default:
		}
		email := &expired[i]

		if err := s.blobs.DeleteDirectory(email.AccountID + "/" + email.ID); err != nil {
			log.Printf("Failed to delete attachment directory for email %s: %v", email.ID, err)
		}
		if err := s.emails.HardDelete(ctx, email.ID); err != nil {
			log.Printf("Failed to hard delete email %s: %v", email.ID, err)
			continue
		}
		if err := s.index.DeleteEmail(email.ID); err != nil {
			log.Printf("Failed to remove email %s from index: %v", email.ID, err)
		}
		purged++
	}
	return purged, nil
}

// PurgeOrphanAttachments 回收邮件已不存在的附件记录和文件
func (s *CleanupService) PurgeOrphanAttachments(ctx context.Context) (int, error) {
	orphans, err := s.attachments.ListOrphans(ctx, s.cfg.Cleanup.BatchSize)
	if err != nil {
		return 0, err
	}

	removed := 0
	for i := range orphans {
		att := &orphans[i]
		if att.CachePath != "" {
			if err := s.blobs.Delete(att.CachePath); err != nil {
				log.Printf("Failed to delete attachment file %s: %v", att.CachePath, err)
			}
		}
		if err := s.attachments.Delete(ctx, att.ID); err != nil {
			log.Printf("Failed to delete attachment record %s: %v", att.ID, err)
			continue
		}
		removed++
	}
	return removed, nil
}
