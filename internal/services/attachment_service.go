package services

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log"

	"ravn/internal/models"
	"ravn/internal/providers"
	"ravn/internal/repository"
	"ravn/internal/storage"
)

// AttachmentService 附件落库与内容寻址缓存。
// 附件行先按(email, content_id)对账，再按(email, 文件名, 大小, 哈希)
// 去重，同步重放不会产生重复行。
type AttachmentService struct {
	attachments *repository.AttachmentRepository
	blobs       storage.BlobStore
}

// NewAttachmentService 创建附件服务
func NewAttachmentService(attachments *repository.AttachmentRepository, blobs storage.BlobStore) *AttachmentService {
	return &AttachmentService{attachments: attachments, blobs: blobs}
}

// UpsertFromProvider 将提供商返回的附件描述对账到邮件上。
// 携带字节的附件就地写入缓存，其余记录远端标识留待按需下载。
func (s *AttachmentService) UpsertFromProvider(ctx context.Context, email *models.Email, incoming []*providers.ProviderAttachment) error {
	for _, in := range incoming {
		existing, err := s.findExisting(ctx, email.ID, in)
		if err != nil {
			return err
		}

		if existing == nil {
			existing = &models.Attachment{
				EmailID:     email.ID,
				Filename:    in.Filename,
				ContentType: in.ContentType,
				Size:        in.Size,
				ContentID:   in.ContentID,
				IsInline:    in.IsInline,
				RemoteURL:   in.RemoteURL,
				RemotePath:  in.RemotePath,
			}
			if err := s.attachments.Create(ctx, existing); err != nil {
				if repository.IsUniqueViolation(err) {
					continue
				}
				return fmt.Errorf("failed to create attachment %s: %w", in.Filename, err)
			}
		} else {
			// 远端标识可能在provider迁移后变化，保持最新
			existing.RemotePath = in.RemotePath
			existing.RemoteURL = in.RemoteURL
			existing.IsInline = in.IsInline
			if err := s.attachments.Update(ctx, existing); err != nil {
				return err
			}
		}

		if len(in.Data) > 0 && !existing.IsCached {
			if err := s.CacheBytes(ctx, email.AccountID, existing, in.Data); err != nil {
				log.Printf("Failed to cache attachment %s: %v", in.Filename, err)
			}
		}
	}
	return nil
}

func (s *AttachmentService) findExisting(ctx context.Context, emailID string, in *providers.ProviderAttachment) (*models.Attachment, error) {
	if in.ContentID != "" {
		att, err := s.attachments.FindByContentID(ctx, emailID, in.ContentID)
		if err == nil {
			return att, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}

	hash := ""
	if len(in.Data) > 0 {
		hash = md5Hex(in.Data)
	}
	att, err := s.attachments.FindDuplicate(ctx, emailID, in.Filename, in.Size, hash)
	if err == nil {
		return att, nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return nil, err
}

// CacheBytes 原子写入附件字节并更新缓存元数据
func (s *AttachmentService) CacheBytes(ctx context.Context, accountID string, att *models.Attachment, data []byte) error {
	relPath := storage.AttachmentPath(accountID, att.EmailID, att.Filename)
	written, hash, err := s.blobs.StoreFrom(relPath, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to store attachment %s: %w", att.Filename, err)
	}

	att.Size = written
	att.Hash = hash
	att.CachePath = relPath
	att.IsCached = true
	return s.attachments.Update(ctx, att)
}

// Retrieve 读取已缓存的附件字节
func (s *AttachmentService) Retrieve(att *models.Attachment) ([]byte, error) {
	if !att.IsCached || att.CachePath == "" {
		return nil, fmt.Errorf("attachment %s is not cached", att.ID)
	}
	return s.blobs.Retrieve(att.CachePath)
}

// EnsureCached 附件未缓存时从提供商按需下载
func (s *AttachmentService) EnsureCached(ctx context.Context, provider providers.EmailProvider, email *models.Email, folderRemoteID string, att *models.Attachment) ([]byte, error) {
	if att.IsCached && s.blobs.Exists(att.CachePath) {
		return s.blobs.Retrieve(att.CachePath)
	}

	data, err := provider.FetchAttachment(ctx, folderRemoteID, email.RemoteID, att)
	if err != nil {
		return nil, err
	}
	if err := s.CacheBytes(ctx, email.AccountID, att, data); err != nil {
		return nil, err
	}
	return data, nil
}

// DeleteForEmail 删除邮件的全部缓存附件
func (s *AttachmentService) DeleteForEmail(ctx context.Context, accountID, emailID string) error {
	return s.blobs.DeleteDirectory(accountID + "/" + emailID)
}

// RecalculateHashes 校验缓存与元数据的一致性：
// 文件缺失的标记为未缓存，哈希漂移的修正。数据一致时是无副作用的no-op。
func (s *AttachmentService) RecalculateHashes(ctx context.Context) (fixed int, err error) {
	cached, err := s.attachments.ListCached(ctx)
	if err != nil {
		return 0, err
	}

	for i := range cached {
		att := &cached[i]
		if !s.blobs.Exists(att.CachePath) {
			att.IsCached = false
			att.CachePath = ""
			att.Hash = ""
			if err := s.attachments.Update(ctx, att); err != nil {
				return fixed, err
			}
			fixed++
			continue
		}

		data, err := s.blobs.Retrieve(att.CachePath)
		if err != nil {
			// 单个坏文件不中断整轮扫描
			log.Printf("Failed to read cached attachment %s: %v", att.CachePath, err)
			continue
		}
		actual := md5Hex(data)
		if actual != att.Hash || att.Size != int64(len(data)) {
			att.Hash = actual
			att.Size = int64(len(data))
			if err := s.attachments.Update(ctx, att); err != nil {
				return fixed, err
			}
			fixed++
		}
	}
	return fixed, nil
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
