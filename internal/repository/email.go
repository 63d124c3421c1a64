package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"ravn/internal/models"
)

// EmailRepository 邮件仓储
type EmailRepository struct {
	db *gorm.DB
}

// NewEmailRepository 创建邮件仓储
func NewEmailRepository(db *gorm.DB) *EmailRepository {
	return &EmailRepository{db: db}
}

// Create 创建邮件
func (r *EmailRepository) Create(ctx context.Context, email *models.Email) error {
	return translateError(r.db.WithContext(ctx).Create(email).Error)
}

// CreateWithAttachments 在同一事务中创建邮件及其附件
func (r *EmailRepository) CreateWithAttachments(ctx context.Context, email *models.Email, attachments []models.Attachment) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(email).Error; err != nil {
			return err
		}
		for i := range attachments {
			attachments[i].EmailID = email.ID
			if err := tx.Create(&attachments[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return translateError(err)
}

// GetByID 按ID获取邮件
func (r *EmailRepository) GetByID(ctx context.Context, id string) (*models.Email, error) {
	var email models.Email
	if err := r.db.WithContext(ctx).First(&email, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return &email, nil
}

// GetByIDWithAttachments 按ID获取邮件并预加载附件
func (r *EmailRepository) GetByIDWithAttachments(ctx context.Context, id string) (*models.Email, error) {
	var email models.Email
	err := r.db.WithContext(ctx).Preload("Attachments").First(&email, "id = ?", id).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &email, nil
}

// FindByRemoteIDOrMessageID 先按remote_id查找，未命中再按message_id查找。
// 提供商remote id发生漂移时以remote_id命中为准。
func (r *EmailRepository) FindByRemoteIDOrMessageID(ctx context.Context, accountID, remoteID, messageID string) (*models.Email, error) {
	var email models.Email
	if remoteID != "" {
		err := r.db.WithContext(ctx).
			First(&email, "account_id = ? AND remote_id = ?", accountID, remoteID).Error
		if err == nil {
			return &email, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, translateError(err)
		}
	}
	if messageID == "" {
		return nil, ErrNotFound
	}
	err := r.db.WithContext(ctx).
		First(&email, "account_id = ? AND message_id = ?", accountID, messageID).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &email, nil
}

// ListByFolder 分页列出文件夹内未删除的邮件，按received_at DESC稳定排序
func (r *EmailRepository) ListByFolder(ctx context.Context, folderID string, page Page) ([]models.Email, error) {
	page = page.normalize()
	var emails []models.Email
	err := r.db.WithContext(ctx).
		Where("folder_id = ? AND is_deleted = ?", folderID, false).
		Order("received_at DESC, id DESC").
		Limit(page.Limit).
		Offset(page.Offset).
		Find(&emails).Error
	if err != nil {
		return nil, translateError(err)
	}
	return emails, nil
}

// ListAll 分页列出全库未删除邮件，索引重建用。按主键排序保证
// 分页窗口在重建期间稳定。
func (r *EmailRepository) ListAll(ctx context.Context, page Page) ([]models.Email, error) {
	page = page.normalize()
	var emails []models.Email
	err := r.db.WithContext(ctx).
		Where("is_deleted = ?", false).
		Order("id").
		Limit(page.Limit).
		Offset(page.Offset).
		Find(&emails).Error
	if err != nil {
		return nil, translateError(err)
	}
	return emails, nil
}

// ListRemoteIDsByFolder 列出文件夹内所有未删除邮件的remote_id
func (r *EmailRepository) ListRemoteIDsByFolder(ctx context.Context, folderID string) ([]string, error) {
	var remoteIDs []string
	err := r.db.WithContext(ctx).Model(&models.Email{}).
		Where("folder_id = ? AND is_deleted = ?", folderID, false).
		Pluck("remote_id", &remoteIDs).Error
	if err != nil {
		return nil, translateError(err)
	}
	return remoteIDs, nil
}

// Update 全量更新邮件
func (r *EmailRepository) Update(ctx context.Context, email *models.Email) error {
	return translateError(r.db.WithContext(ctx).Save(email).Error)
}

// UpdateMetadataOnly 仅更新元数据字段，保留Body Fetcher已取回的正文
func (r *EmailRepository) UpdateMetadataOnly(ctx context.Context, email *models.Email) error {
	err := r.db.WithContext(ctx).Model(&models.Email{}).
		Where("id = ?", email.ID).
		Updates(map[string]interface{}{
			"folder_id":       email.FolderID,
			"conversation_id": email.ConversationID,
			"subject":         email.Subject,
			"from_address":    email.From,
			"to_addresses":    email.To,
			"cc_addresses":    email.CC,
			"is_read":         email.IsRead,
			"is_flagged":      email.IsFlagged,
			"is_draft":        email.IsDraft,
			"is_deleted":      email.IsDeleted,
			"has_attachments": email.HasAttachments,
			"category":        email.Category,
			"change_key":      email.ChangeKey,
			"remote_modified": email.RemoteModified,
			"size":            email.Size,
		}).Error
	return translateError(err)
}

// UpdateFields 更新指定字段
func (r *EmailRepository) UpdateFields(ctx context.Context, id string, fields map[string]interface{}) error {
	err := r.db.WithContext(ctx).Model(&models.Email{}).
		Where("id = ?", id).
		Updates(fields).Error
	return translateError(err)
}

// MarkDeletedByRemoteIDs 将一批remote_id标记为已删除。
// 草稿不经远端同步路径删除。
func (r *EmailRepository) MarkDeletedByRemoteIDs(ctx context.Context, folderID string, remoteIDs []string) (int64, error) {
	if len(remoteIDs) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).Model(&models.Email{}).
		Where("folder_id = ? AND remote_id IN ? AND is_draft = ?", folderID, remoteIDs, false).
		Update("is_deleted", true)
	return result.RowsAffected, translateError(result.Error)
}

// SelectForBodyFetch 选取等待补取正文的IMAP邮件：
// headers_only、尝试次数未耗尽、距上次尝试超过冷却窗口
func (r *EmailRepository) SelectForBodyFetch(ctx context.Context, accountID string, limit int, maxAttempts int, cooldown time.Duration) ([]models.Email, error) {
	cutoff := time.Now().Add(-cooldown)
	var emails []models.Email
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND sync_status = ? AND body_fetch_attempts < ?", accountID, models.EmailSyncHeadersOnly, maxAttempts).
		Where("last_body_fetch_attempt IS NULL OR last_body_fetch_attempt < ?", cutoff).
		Order("received_at DESC").
		Limit(limit).
		Find(&emails).Error
	if err != nil {
		return nil, translateError(err)
	}
	return emails, nil
}

// ListWithoutAnalysis 列出尚无AI分析缓存的已同步邮件
func (r *EmailRepository) ListWithoutAnalysis(ctx context.Context, accountID string, limit int) ([]models.Email, error) {
	var emails []models.Email
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND sync_status = ? AND is_deleted = ? AND (ai_analysis IS NULL OR ai_analysis = '')",
			accountID, models.EmailSyncSynced, false).
		Order("received_at DESC").
		Limit(limit).
		Find(&emails).Error
	if err != nil {
		return nil, translateError(err)
	}
	return emails, nil
}

// ListDeletedBefore 列出某时间之前软删除的邮件（供清理任务硬删除）
func (r *EmailRepository) ListDeletedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Email, error) {
	var emails []models.Email
	err := r.db.WithContext(ctx).
		Where("is_deleted = ? AND updated_at < ?", true, cutoff).
		Limit(limit).
		Find(&emails).Error
	if err != nil {
		return nil, translateError(err)
	}
	return emails, nil
}

// HardDelete 物理删除邮件及其附件行和标签关联
func (r *EmailRepository) HardDelete(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("email_id = ?", id).Delete(&models.Attachment{}).Error; err != nil {
			return err
		}
		if err := tx.Where("email_id = ?", id).Delete(&models.EmailLabel{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Email{}, "id = ?", id).Error
	})
	return translateError(err)
}

// ResetStaleFetchingBody 将卡在fetching_body状态过久的邮件重置回headers_only
func (r *EmailRepository) ResetStaleFetchingBody(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.Email{}).
		Where("sync_status = ? AND updated_at < ?", models.EmailSyncFetchingBody, cutoff).
		Update("sync_status", models.EmailSyncHeadersOnly)
	return result.RowsAffected, translateError(result.Error)
}
