package providers

import (
	"fmt"

	"ravn/internal/config"
	"ravn/internal/credentials"
	"ravn/internal/models"
)

// ProviderFactoryInterface 提供商工厂接口
type ProviderFactoryInterface interface {
	CreateProviderForAccount(account *models.Account) (EmailProvider, error)
}

// ProviderFactory 提供商工厂，按账户的provider标签构造实现
type ProviderFactory struct {
	cfg   *config.Config
	creds *credentials.Store
}

// NewProviderFactory 创建提供商工厂
func NewProviderFactory(cfg *config.Config, creds *credentials.Store) *ProviderFactory {
	return &ProviderFactory{cfg: cfg, creds: creds}
}

// CreateProviderForAccount 为账户创建提供商实例
func (f *ProviderFactory) CreateProviderForAccount(account *models.Account) (EmailProvider, error) {
	switch account.Provider {
	case models.ProviderIMAP:
		return NewIMAPProvider(account, f.creds), nil
	case models.ProviderApple:
		// iCloud是带固定主机的IMAP
		return NewIMAPProviderWithDefaults(account, f.creds, "imap.mail.me.com", 993, "smtp.mail.me.com", 587), nil
	case models.ProviderGmail:
		return NewGmailProvider(account, f.creds, f.cfg.OAuth.Gmail), nil
	case models.ProviderOffice365:
		return NewGraphProvider(account, f.creds, f.cfg.OAuth.Office365), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", account.Provider)
	}
}
