package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"ravn/internal/models"
)

// ContactRepository 联系人仓储
type ContactRepository struct {
	db *gorm.DB
}

// NewContactRepository 创建联系人仓储
func NewContactRepository(db *gorm.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// Observe 记录一次联系人出现：存在则更新计数和名字，不存在则创建
func (r *ContactRepository) Observe(ctx context.Context, accountID string, addr models.EmailAddress, seenAt time.Time) (*models.Contact, error) {
	if addr.Address == "" {
		return nil, errors.New("contact address is empty")
	}

	var contact models.Contact
	err := r.db.WithContext(ctx).
		First(&contact, "account_id = ? AND email = ?", accountID, addr.Address).Error
	if err == nil {
		updates := map[string]interface{}{
			"seen_count":   gorm.Expr("seen_count + 1"),
			"last_seen_at": seenAt,
		}
		if addr.Name != "" && contact.Name == "" {
			updates["name"] = addr.Name
		}
		if err := r.db.WithContext(ctx).Model(&contact).Updates(updates).Error; err != nil {
			return nil, translateError(err)
		}
		return &contact, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, translateError(err)
	}

	contact = models.Contact{
		AccountID:  accountID,
		Email:      addr.Address,
		Name:       addr.Name,
		SeenCount:  1,
		LastSeenAt: &seenAt,
	}
	if err := r.db.WithContext(ctx).Create(&contact).Error; err != nil {
		if IsUniqueViolation(err) {
			return r.Observe(ctx, accountID, addr, seenAt)
		}
		return nil, translateError(err)
	}
	return &contact, nil
}

// GetByID 按ID获取联系人
func (r *ContactRepository) GetByID(ctx context.Context, id string) (*models.Contact, error) {
	var contact models.Contact
	err := r.db.WithContext(ctx).First(&contact, "id = ?", id).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &contact, nil
}

// ListWithoutAvatar 列出还没有头像缓存的联系人
func (r *ContactRepository) ListWithoutAvatar(ctx context.Context, limit int) ([]models.Contact, error) {
	var contacts []models.Contact
	err := r.db.WithContext(ctx).
		Where("avatar_path = '' OR avatar_path IS NULL").
		Order("seen_count DESC").
		Limit(limit).
		Find(&contacts).Error
	if err != nil {
		return nil, translateError(err)
	}
	return contacts, nil
}

// SetAvatarPath 更新联系人头像缓存路径
func (r *ContactRepository) SetAvatarPath(ctx context.Context, id, path string) error {
	err := r.db.WithContext(ctx).Model(&models.Contact{}).
		Where("id = ?", id).
		Update("avatar_path", path).Error
	return translateError(err)
}
