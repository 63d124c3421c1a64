package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"ravn/internal/models"
)

// ConversationRepository 会话仓储
type ConversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository 创建会话仓储
func NewConversationRepository(db *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// FindOrCreate 按提供商会话ID查找或创建本地会话行
func (r *ConversationRepository) FindOrCreate(ctx context.Context, accountID, remoteID string) (*models.Conversation, error) {
	var conversation models.Conversation
	err := r.db.WithContext(ctx).
		First(&conversation, "account_id = ? AND remote_id = ?", accountID, remoteID).Error
	if err == nil {
		return &conversation, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, translateError(err)
	}

	conversation = models.Conversation{AccountID: accountID, RemoteID: remoteID}
	if err := r.db.WithContext(ctx).Create(&conversation).Error; err != nil {
		// 并发创建时回退为读取已有行
		if IsUniqueViolation(err) {
			var existing models.Conversation
			if err2 := r.db.WithContext(ctx).
				First(&existing, "account_id = ? AND remote_id = ?", accountID, remoteID).Error; err2 == nil {
				return &existing, nil
			}
		}
		return nil, translateError(err)
	}
	return &conversation, nil
}

// GetByID 按ID获取会话
func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
	var conversation models.Conversation
	if err := r.db.WithContext(ctx).First(&conversation, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return &conversation, nil
}

// RefreshMessageCount 重新统计会话内邮件数
func (r *ConversationRepository) RefreshMessageCount(ctx context.Context, id string) error {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Email{}).
		Where("conversation_id = ? AND is_deleted = ?", id, false).
		Count(&count).Error
	if err != nil {
		return translateError(err)
	}
	err = r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ?", id).
		Update("message_count", count).Error
	return translateError(err)
}

// UpdateAnalysis 更新会话的AI分析缓存
func (r *ConversationRepository) UpdateAnalysis(ctx context.Context, id, analysis string) error {
	err := r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ?", id).
		Update("ai_analysis", analysis).Error
	return translateError(err)
}
