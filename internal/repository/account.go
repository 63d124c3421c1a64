package repository

import (
	"context"

	"gorm.io/gorm"

	"ravn/internal/models"
)

// AccountRepository 账户仓储
type AccountRepository struct {
	db *gorm.DB
}

// NewAccountRepository 创建账户仓储
func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// Create 创建账户
func (r *AccountRepository) Create(ctx context.Context, account *models.Account) error {
	return translateError(r.db.WithContext(ctx).Create(account).Error)
}

// GetByID 按ID获取账户
func (r *AccountRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	var account models.Account
	if err := r.db.WithContext(ctx).First(&account, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return &account, nil
}

// GetByEmail 按地址获取账户
func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	var account models.Account
	if err := r.db.WithContext(ctx).First(&account, "email = ?", email).Error; err != nil {
		return nil, translateError(err)
	}
	return &account, nil
}

// List 列出所有账户
func (r *AccountRepository) List(ctx context.Context) ([]models.Account, error) {
	var accounts []models.Account
	if err := r.db.WithContext(ctx).Order("created_at ASC").Find(&accounts).Error; err != nil {
		return nil, translateError(err)
	}
	return accounts, nil
}

// Update 更新账户
func (r *AccountRepository) Update(ctx context.Context, account *models.Account) error {
	return translateError(r.db.WithContext(ctx).Save(account).Error)
}

// Delete 删除账户并级联删除其文件夹、邮件、附件、会话、同步状态与凭据行
func (r *AccountRepository) Delete(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("email_id IN (?)",
			tx.Model(&models.Email{}).Select("id").Where("account_id = ?", id),
		).Delete(&models.EmailLabel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("email_id IN (?)",
			tx.Model(&models.Email{}).Select("id").Where("account_id = ?", id),
		).Delete(&models.Attachment{}).Error; err != nil {
			return err
		}
		for _, model := range []interface{}{
			&models.Email{}, &models.Conversation{}, &models.Folder{},
			&models.Label{}, &models.Contact{}, &models.SyncState{},
			&models.EncryptedCredential{},
		} {
			if err := tx.Where("account_id = ?", id).Delete(model).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&models.Account{}, "id = ?", id).Error
	})
	return translateError(err)
}
