package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"ravn/internal/credentials"
	"ravn/internal/models"
	"ravn/internal/providers"
	"ravn/internal/repository"
	"ravn/internal/sse"
)

// SyncCoordinator 同步调度的落地执行者。维护每账户的提供商实例
// 缓存，把队列任务翻译成具体的文件夹同步调用，并在凭据失效时
// 通知前端重新授权。
type SyncCoordinator struct {
	factory    providers.ProviderFactoryInterface
	creds      *credentials.Store
	accounts   *repository.AccountRepository
	folders    *repository.FolderRepository
	emailSync  *EmailSyncService
	folderSync *FolderSyncService
	publisher  sse.EventPublisher

	mutex sync.Mutex
	cache map[string]providers.EmailProvider
}

// NewSyncCoordinator 创建同步协调器
func NewSyncCoordinator(
	factory providers.ProviderFactoryInterface,
	creds *credentials.Store,
	accounts *repository.AccountRepository,
	folders *repository.FolderRepository,
	emailSync *EmailSyncService,
	folderSync *FolderSyncService,
	publisher sse.EventPublisher,
) *SyncCoordinator {
	return &SyncCoordinator{
		factory:    factory,
		creds:      creds,
		accounts:   accounts,
		folders:    folders,
		emailSync:  emailSync,
		folderSync: folderSync,
		publisher:  publisher,
		cache:      make(map[string]providers.EmailProvider),
	}
}

// ProviderFor 返回账户的提供商实例，按账户缓存复用连接
func (c *SyncCoordinator) ProviderFor(ctx context.Context, account *models.Account) (providers.EmailProvider, error) {
	c.mutex.Lock()
	if p, ok := c.cache[account.ID]; ok {
		c.mutex.Unlock()
		return p, nil
	}
	c.mutex.Unlock()

	has, err := c.creds.HasCredentials(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	if !has {
		c.emitCredentialsRequired(account)
		return nil, fmt.Errorf("%w: account %s", credentials.ErrCredentialMissing, account.Email)
	}

	provider, err := c.factory.CreateProviderForAccount(account)
	if err != nil {
		return nil, err
	}
	if err := provider.Authenticate(ctx); err != nil {
		if providers.IsAuthError(err) {
			c.emitCredentialsRequired(account)
		}
		provider.Close()
		return nil, err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if cached, ok := c.cache[account.ID]; ok {
		provider.Close()
		return cached, nil
	}
	c.cache[account.ID] = provider
	return provider, nil
}

// InvalidateAccount 凭据或设置变更后丢弃缓存的提供商实例
func (c *SyncCoordinator) InvalidateAccount(accountID string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if p, ok := c.cache[accountID]; ok {
		delete(c.cache, accountID)
		if err := p.Close(); err != nil {
			log.Printf("Failed to close provider for account %s: %v", accountID, err)
		}
	}
}

// RunJob 执行一个队列任务
func (c *SyncCoordinator) RunJob(ctx context.Context, job *SyncJob) error {
	account, err := c.accounts.GetByID(ctx, job.AccountID)
	if err != nil {
		return err
	}
	folder, err := c.folders.GetByID(ctx, job.FolderID)
	if err != nil {
		return err
	}

	provider, err := c.ProviderFor(ctx, account)
	if err != nil {
		return err
	}

	// 瞬时网络错误带退避重试，认证和协议错误直接上抛
	err = providers.WithRetry(ctx, providers.DefaultRetryConfig(), "folder sync", func(ctx context.Context) error {
		return c.emailSync.SyncFolder(ctx, account, provider, folder, job.Full)
	})
	if errors.Is(err, ErrSyncInProgress) {
		// 并发保护挡下的重复任务不算失败
		return nil
	}
	if err != nil && providers.IsAuthError(err) {
		c.emitCredentialsRequired(account)
		c.InvalidateAccount(account.ID)
	}
	return err
}

// SyncFolderStructure 同步账户的文件夹结构
func (c *SyncCoordinator) SyncFolderStructure(ctx context.Context, accountID string) ([]models.Folder, error) {
	account, err := c.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	provider, err := c.ProviderFor(ctx, account)
	if err != nil {
		return nil, err
	}
	folders, err := c.folderSync.SyncFolders(ctx, account, provider)
	if err != nil && providers.IsAuthError(err) {
		c.emitCredentialsRequired(account)
		c.InvalidateAccount(account.ID)
	}
	return folders, err
}

// TestAccount 测试账户连通性
func (c *SyncCoordinator) TestAccount(ctx context.Context, accountID string) error {
	account, err := c.accounts.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	provider, err := c.ProviderFor(ctx, account)
	if err != nil {
		return err
	}
	ok, err := provider.TestConnection(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("connection test failed for %s", account.Email)
	}
	return nil
}

// Close 关闭所有缓存的提供商连接
func (c *SyncCoordinator) Close() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for id, p := range c.cache {
		delete(c.cache, id)
		if err := p.Close(); err != nil {
			log.Printf("Failed to close provider for account %s: %v", id, err)
		}
	}
}

func (c *SyncCoordinator) emitCredentialsRequired(account *models.Account) {
	c.publisher.Emit(sse.NewEvent(sse.EventCredentialsRequired, account.ID, map[string]string{
		"email":    account.Email,
		"provider": account.Provider,
	}))
}
