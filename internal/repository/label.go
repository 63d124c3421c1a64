package repository

import (
	"context"

	"gorm.io/gorm"

	"ravn/internal/models"
)

// LabelRepository 标签仓储
type LabelRepository struct {
	db *gorm.DB
}

// NewLabelRepository 创建标签仓储
func NewLabelRepository(db *gorm.DB) *LabelRepository {
	return &LabelRepository{db: db}
}

// Create 创建标签
func (r *LabelRepository) Create(ctx context.Context, label *models.Label) error {
	return translateError(r.db.WithContext(ctx).Create(label).Error)
}

// GetByName 按(account, name)获取标签
func (r *LabelRepository) GetByName(ctx context.Context, accountID, name string) (*models.Label, error) {
	var label models.Label
	err := r.db.WithContext(ctx).
		First(&label, "account_id = ? AND name = ?", accountID, name).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &label, nil
}

// ListByAccount 列出账户的所有标签
func (r *LabelRepository) ListByAccount(ctx context.Context, accountID string) ([]models.Label, error) {
	var labels []models.Label
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("name ASC").
		Find(&labels).Error
	if err != nil {
		return nil, translateError(err)
	}
	return labels, nil
}

// Attach 将标签关联到邮件，幂等
func (r *LabelRepository) Attach(ctx context.Context, emailID, labelID string) error {
	err := r.db.WithContext(ctx).
		Where("email_id = ? AND label_id = ?", emailID, labelID).
		FirstOrCreate(&models.EmailLabel{EmailID: emailID, LabelID: labelID}).Error
	return translateError(err)
}

// Detach 解除标签与邮件的关联
func (r *LabelRepository) Detach(ctx context.Context, emailID, labelID string) error {
	err := r.db.WithContext(ctx).
		Where("email_id = ? AND label_id = ?", emailID, labelID).
		Delete(&models.EmailLabel{}).Error
	return translateError(err)
}

// ListEmailLabels 列出邮件的标签名
func (r *LabelRepository) ListEmailLabels(ctx context.Context, emailID string) ([]string, error) {
	var names []string
	err := r.db.WithContext(ctx).Model(&models.Label{}).
		Joins("JOIN email_labels ON email_labels.label_id = labels.id").
		Where("email_labels.email_id = ?", emailID).
		Pluck("labels.name", &names).Error
	if err != nil {
		return nil, translateError(err)
	}
	return names, nil
}

// Delete 在同一事务中删除标签行及其全部关联行
func (r *LabelRepository) Delete(ctx context.Context, labelID string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("label_id = ?", labelID).Delete(&models.EmailLabel{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Label{}, "id = ?", labelID).Error
	})
	return translateError(err)
}
