package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"ravn/internal/models"
)

// FolderRepository 文件夹仓储
type FolderRepository struct {
	db *gorm.DB
}

// NewFolderRepository 创建文件夹仓储
func NewFolderRepository(db *gorm.DB) *FolderRepository {
	return &FolderRepository{db: db}
}

// Create 创建文件夹
func (r *FolderRepository) Create(ctx context.Context, folder *models.Folder) error {
	return translateError(r.db.WithContext(ctx).Create(folder).Error)
}

// GetByID 按ID获取文件夹
func (r *FolderRepository) GetByID(ctx context.Context, id string) (*models.Folder, error) {
	var folder models.Folder
	if err := r.db.WithContext(ctx).First(&folder, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return &folder, nil
}

// GetByRemoteID 按(account, remote_id)获取文件夹
func (r *FolderRepository) GetByRemoteID(ctx context.Context, accountID, remoteID string) (*models.Folder, error) {
	var folder models.Folder
	err := r.db.WithContext(ctx).
		First(&folder, "account_id = ? AND remote_id = ?", accountID, remoteID).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &folder, nil
}

// GetByType 按类型获取账户的文件夹
func (r *FolderRepository) GetByType(ctx context.Context, accountID, folderType string) (*models.Folder, error) {
	var folder models.Folder
	err := r.db.WithContext(ctx).
		First(&folder, "account_id = ? AND type = ? AND is_hidden = ?", accountID, folderType, false).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &folder, nil
}

// ListByAccount 列出账户的所有未隐藏文件夹
func (r *FolderRepository) ListByAccount(ctx context.Context, accountID string) ([]models.Folder, error) {
	var folders []models.Folder
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND is_hidden = ?", accountID, false).
		Order("sort_order ASC, name ASC").
		Find(&folders).Error
	if err != nil {
		return nil, translateError(err)
	}
	return folders, nil
}

// Update 更新文件夹
func (r *FolderRepository) Update(ctx context.Context, folder *models.Folder) error {
	return translateError(r.db.WithContext(ctx).Save(folder).Error)
}

// SetHidden 标记文件夹为隐藏；不做硬删除，保留邮件外键
func (r *FolderRepository) SetHidden(ctx context.Context, id string, hidden bool) error {
	err := r.db.WithContext(ctx).Model(&models.Folder{}).
		Where("id = ?", id).
		Update("is_hidden", hidden).Error
	return translateError(err)
}

// UpdateSyncedAt 更新文件夹的最后同步时间
func (r *FolderRepository) UpdateSyncedAt(ctx context.Context, id string, t time.Time) error {
	err := r.db.WithContext(ctx).Model(&models.Folder{}).
		Where("id = ?", id).
		Update("synced_at", t).Error
	return translateError(err)
}

// RefreshCounts 重新统计文件夹的未读/总数
func (r *FolderRepository) RefreshCounts(ctx context.Context, id string) (unread, total int64, err error) {
	base := r.db.WithContext(ctx).Model(&models.Email{}).
		Where("folder_id = ? AND is_deleted = ?", id, false)
	if err = base.Count(&total).Error; err != nil {
		return 0, 0, translateError(err)
	}
	err = r.db.WithContext(ctx).Model(&models.Email{}).
		Where("folder_id = ? AND is_deleted = ? AND is_read = ?", id, false, false).
		Count(&unread).Error
	if err != nil {
		return 0, 0, translateError(err)
	}
	err = translateError(r.db.WithContext(ctx).Model(&models.Folder{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"unread_emails": unread,
			"total_emails":  total,
		}).Error)
	return unread, total, err
}
