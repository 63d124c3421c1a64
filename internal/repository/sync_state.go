package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"ravn/internal/models"
)

// SyncStateRepository 同步状态仓储
type SyncStateRepository struct {
	db *gorm.DB
}

// NewSyncStateRepository 创建同步状态仓储
func NewSyncStateRepository(db *gorm.DB) *SyncStateRepository {
	return &SyncStateRepository{db: db}
}

// GetOrCreate 获取(account, folder)的同步状态行，不存在则创建idle行
func (r *SyncStateRepository) GetOrCreate(ctx context.Context, accountID, folderID string) (*models.SyncState, error) {
	var state models.SyncState
	err := r.db.WithContext(ctx).
		First(&state, "account_id = ? AND folder_id = ?", accountID, folderID).Error
	if err == nil {
		return &state, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, translateError(err)
	}

	state = models.SyncState{
		AccountID:  accountID,
		FolderID:   folderID,
		SyncStatus: models.SyncStatusIdle,
	}
	if err := r.db.WithContext(ctx).Create(&state).Error; err != nil {
		if IsUniqueViolation(err) {
			var existing models.SyncState
			if err2 := r.db.WithContext(ctx).
				First(&existing, "account_id = ? AND folder_id = ?", accountID, folderID).Error; err2 == nil {
				return &existing, nil
			}
		}
		return nil, translateError(err)
	}
	return &state, nil
}

// TryBeginSync 尝试将状态从非syncing切换为syncing。
// 返回false表示该文件夹已有同步在执行。
func (r *SyncStateRepository) TryBeginSync(ctx context.Context, accountID, folderID string) (bool, error) {
	state, err := r.GetOrCreate(ctx, accountID, folderID)
	if err != nil {
		return false, err
	}

	// 条件UPDATE保证同一文件夹不会出现两个并发同步
	result := r.db.WithContext(ctx).Model(&models.SyncState{}).
		Where("id = ? AND sync_status <> ?", state.ID, models.SyncStatusSyncing).
		Update("sync_status", models.SyncStatusSyncing)
	if result.Error != nil {
		return false, translateError(result.Error)
	}
	return result.RowsAffected == 1, nil
}

// FinishSync 结束同步：成功转idle并清空错误，失败转error并记录信息
func (r *SyncStateRepository) FinishSync(ctx context.Context, accountID, folderID string, syncErr error) error {
	updates := map[string]interface{}{
		"last_sync_at": time.Now(),
	}
	if syncErr != nil {
		updates["sync_status"] = models.SyncStatusError
		updates["error_count"] = gorm.Expr("error_count + 1")
		msg := syncErr.Error()
		if len(msg) > 1000 {
			msg = msg[:1000]
		}
		updates["error_message"] = msg
	} else {
		updates["sync_status"] = models.SyncStatusIdle
		updates["error_count"] = 0
		updates["error_message"] = ""
	}
	err := r.db.WithContext(ctx).Model(&models.SyncState{}).
		Where("account_id = ? AND folder_id = ?", accountID, folderID).
		Updates(updates).Error
	return translateError(err)
}

// SaveToken 持久化同步游标；Graph分页同步每页调用一次
func (r *SyncStateRepository) SaveToken(ctx context.Context, accountID, folderID, token string) error {
	err := r.db.WithContext(ctx).Model(&models.SyncState{}).
		Where("account_id = ? AND folder_id = ?", accountID, folderID).
		Update("sync_token", token).Error
	return translateError(err)
}

// SaveLastUID 持久化IMAP的最大已见UID
func (r *SyncStateRepository) SaveLastUID(ctx context.Context, accountID, folderID string, uid uint32) error {
	err := r.db.WithContext(ctx).Model(&models.SyncState{}).
		Where("account_id = ? AND folder_id = ?", accountID, folderID).
		Update("last_uid", uid).Error
	return translateError(err)
}

// IsSyncing 检查文件夹是否正在同步
func (r *SyncStateRepository) IsSyncing(ctx context.Context, accountID, folderID string) (bool, error) {
	var state models.SyncState
	err := r.db.WithContext(ctx).
		First(&state, "account_id = ? AND folder_id = ?", accountID, folderID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, translateError(err)
	}
	return state.SyncStatus == models.SyncStatusSyncing, nil
}
