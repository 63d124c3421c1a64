package repository

import (
	"context"

	"gorm.io/gorm"

	"ravn/internal/models"
)

// AttachmentRepository 附件仓储
type AttachmentRepository struct {
	db *gorm.DB
}

// NewAttachmentRepository 创建附件仓储
func NewAttachmentRepository(db *gorm.DB) *AttachmentRepository {
	return &AttachmentRepository{db: db}
}

// Create 创建附件
func (r *AttachmentRepository) Create(ctx context.Context, attachment *models.Attachment) error {
	return translateError(r.db.WithContext(ctx).Create(attachment).Error)
}

// GetByID 按ID获取附件
func (r *AttachmentRepository) GetByID(ctx context.Context, id string) (*models.Attachment, error) {
	var attachment models.Attachment
	if err := r.db.WithContext(ctx).First(&attachment, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return &attachment, nil
}

// ListByEmail 列出邮件的所有附件
func (r *AttachmentRepository) ListByEmail(ctx context.Context, emailID string) ([]models.Attachment, error) {
	var attachments []models.Attachment
	err := r.db.WithContext(ctx).
		Where("email_id = ?", emailID).
		Order("created_at ASC").
		Find(&attachments).Error
	if err != nil {
		return nil, translateError(err)
	}
	return attachments, nil
}

// FindByContentID 按(email, content_id)查找内联附件
func (r *AttachmentRepository) FindByContentID(ctx context.Context, emailID, contentID string) (*models.Attachment, error) {
	var attachment models.Attachment
	err := r.db.WithContext(ctx).
		First(&attachment, "email_id = ? AND content_id = ?", emailID, contentID).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &attachment, nil
}

// FindDuplicate 按(email, filename, size, hash)查找重复附件
func (r *AttachmentRepository) FindDuplicate(ctx context.Context, emailID, filename string, size int64, hash string) (*models.Attachment, error) {
	query := r.db.WithContext(ctx).
		Where("email_id = ? AND filename = ? AND size = ?", emailID, filename, size)
	if hash != "" {
		query = query.Where("hash = ? OR hash = ''", hash)
	}
	var attachment models.Attachment
	if err := query.First(&attachment).Error; err != nil {
		return nil, translateError(err)
	}
	return &attachment, nil
}

// Update 更新附件
func (r *AttachmentRepository) Update(ctx context.Context, attachment *models.Attachment) error {
	return translateError(r.db.WithContext(ctx).Save(attachment).Error)
}

// ListCached 列出所有已缓存的附件（供哈希重算维护任务遍历）
func (r *AttachmentRepository) ListCached(ctx context.Context) ([]models.Attachment, error) {
	var attachments []models.Attachment
	err := r.db.WithContext(ctx).
		Where("is_cached = ?", true).
		Find(&attachments).Error
	if err != nil {
		return nil, translateError(err)
	}
	return attachments, nil
}

// ListOrphans 列出所属邮件已不存在的附件行
func (r *AttachmentRepository) ListOrphans(ctx context.Context, limit int) ([]models.Attachment, error) {
	var attachments []models.Attachment
	err := r.db.WithContext(ctx).
		Where("email_id NOT IN (?)", r.db.Model(&models.Email{}).Select("id")).
		Limit(limit).
		Find(&attachments).Error
	if err != nil {
		return nil, translateError(err)
	}
	return attachments, nil
}

// Delete 删除附件行
func (r *AttachmentRepository) Delete(ctx context.Context, id string) error {
	return translateError(r.db.WithContext(ctx).Delete(&models.Attachment{}, "id = ?", id).Error)
}
