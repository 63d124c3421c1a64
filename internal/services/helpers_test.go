package services

import (
	"context"
	"fmt"
	"testing"

	"gorm.io/gorm"

	"ravn/internal/config"
	"ravn/internal/credentials"
	"ravn/internal/database"
	"ravn/internal/models"
	"ravn/internal/providers"
	"ravn/internal/repository"
	"ravn/internal/search"
	"ravn/internal/sse"
	"ravn/internal/storage"
)

// fakeProvider 可编排的提供商实现，记录所有远端调用
type fakeProvider struct {
	name string

	diffs     []*providers.SyncDiff
	syncCalls []providers.SyncOptions
	syncErr   error

	folders []*providers.ProviderFolder

	fetched  *providers.ProviderEmail
	fetchErr error

	attachData []byte

	opErr       error
	readCalls   []string
	flagCalls   []string
	moveCalls   []string
	deleteCalls []string
	renameCalls []string

	sendResult *providers.SendResult
	sendErr    error
	sent       []*providers.OutgoingMessage

	closed bool
}

func (p *fakeProvider) Name() string {
	if p.name == "" {
		return "fake"
	}
	return p.name
}

func (p *fakeProvider) Authenticate(ctx context.Context) error        { return nil }
func (p *fakeProvider) TestConnection(ctx context.Context) (bool, error) { return true, nil }

func (p *fakeProvider) FetchFolders(ctx context.Context) ([]*providers.ProviderFolder, error) {
	return p.folders, nil
}

func (p *fakeProvider) SyncMessages(ctx context.Context, opts providers.SyncOptions) (*providers.SyncDiff, error) {
	p.syncCalls = append(p.syncCalls, opts)
	if p.syncErr != nil {
		return nil, p.syncErr
	}
	if len(p.diffs) == 0 {
		return &providers.SyncDiff{}, nil
	}
	diff := p.diffs[0]
	p.diffs = p.diffs[1:]
	return diff, nil
}

func (p *fakeProvider) FetchEmail(ctx context.Context, folderRemoteID, remoteID string) (*providers.ProviderEmail, error) {
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}
	return p.fetched, nil
}

func (p *fakeProvider) FetchAttachment(ctx context.Context, folderRemoteID, emailRemoteID string, attachment *models.Attachment) ([]byte, error) {
	return p.attachData, nil
}

func (p *fakeProvider) MoveEmail(ctx context.Context, remoteID, fromFolderRemoteID, toFolderRemoteID string) error {
	if p.opErr != nil {
		return p.opErr
	}
	p.moveCalls = append(p.moveCalls, remoteID+":"+fromFolderRemoteID+">"+toFolderRemoteID)
	return nil
}

func (p *fakeProvider) DeleteEmail(ctx context.Context, remoteID, folderRemoteID string) error {
	if p.opErr != nil {
		return p.opErr
	}
	p.deleteCalls = append(p.deleteCalls, remoteID)
	return nil
}

func (p *fakeProvider) MarkAsRead(ctx context.Context, remoteID, folderRemoteID string, read bool) error {
	if p.opErr != nil {
		return p.opErr
	}
	p.readCalls = append(p.readCalls, fmt.Sprintf("%s=%t", remoteID, read))
	return nil
}

func (p *fakeProvider) SetFlag(ctx context.Context, remoteID, folderRemoteID string, flagged bool) error {
	if p.opErr != nil {
		return p.opErr
	}
	p.flagCalls = append(p.flagCalls, fmt.Sprintf("%s=%t", remoteID, flagged))
	return nil
}

func (p *fakeProvider) RenameFolder(ctx context.Context, folderRemoteID, newName string) error {
	if p.opErr != nil {
		return p.opErr
	}
	p.renameCalls = append(p.renameCalls, folderRemoteID+">"+newName)
	return nil
}

func (p *fakeProvider) MoveFolder(ctx context.Context, folderRemoteID, newParentRemoteID string) error {
	return p.opErr
}

func (p *fakeProvider) SendEmail(ctx context.Context, message *providers.OutgoingMessage) (*providers.SendResult, error) {
	if p.sendErr != nil {
		return nil, p.sendErr
	}
	p.sent = append(p.sent, message)
	if p.sendResult != nil {
		return p.sendResult, nil
	}
	return &providers.SendResult{MessageID: "fake-message-id@example.com", RemoteID: "remote-sent-1"}, nil
}

func (p *fakeProvider) Close() error {
	p.closed = true
	return nil
}

func (p *fakeProvider) AsAny() interface{} { return p }

// fakeFactory 总是返回同一个fakeProvider
type fakeFactory struct {
	provider *fakeProvider
}

func (f *fakeFactory) CreateProviderForAccount(account *models.Account) (providers.EmailProvider, error) {
	return f.provider, nil
}

// testEnv 服务层测试环境：内存库、内存索引、记录型事件总线
type testEnv struct {
	db          *gorm.DB
	cfg         *config.Config
	emails      *repository.EmailRepository
	folders     *repository.FolderRepository
	accounts    *repository.AccountRepository
	attachRepo  *repository.AttachmentRepository
	contacts    *repository.ContactRepository
	labels      *repository.LabelRepository
	convos      *repository.ConversationRepository
	syncStates  *repository.SyncStateRepository
	index       *search.Index
	publisher   *sse.RecordingPublisher
	attachments *AttachmentService
	emailSync   *EmailSyncService
	creds       *credentials.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.InitializeInMemory()
	if err != nil {
		t.Fatalf("InitializeInMemory: %v", err)
	}
	index, err := search.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { index.Close() })

	key := make([]byte, 32)
	creds, err := credentials.NewEncryptedDBStore(db, key)
	if err != nil {
		t.Fatalf("NewEncryptedDBStore: %v", err)
	}

	env := &testEnv{
		db:         db,
		cfg:        config.Load(),
		emails:     repository.NewEmailRepository(db),
		folders:    repository.NewFolderRepository(db),
		accounts:   repository.NewAccountRepository(db),
		attachRepo: repository.NewAttachmentRepository(db),
		contacts:   repository.NewContactRepository(db),
		labels:     repository.NewLabelRepository(db),
		convos:     repository.NewConversationRepository(db),
		syncStates: repository.NewSyncStateRepository(db),
		index:      index,
		publisher:  sse.NewRecordingPublisher(),
		creds:      creds,
	}
	env.attachments = NewAttachmentService(env.attachRepo, storage.NewLocalBlobStore(t.TempDir()))
	env.emailSync = NewEmailSyncService(env.cfg, env.emails, env.folders, env.syncStates,
		env.convos, env.labels, env.contacts, env.attachments, env.index, env.publisher)
	return env
}

func (e *testEnv) createAccount(t *testing.T, provider string) *models.Account {
	t.Helper()
	account := &models.Account{
		Name:     "Test User",
		Email:    "user@example.com",
		Provider: provider,
	}
	if err := e.accounts.Create(context.Background(), account); err != nil {
		t.Fatalf("create account: %v", err)
	}
	return account
}

func (e *testEnv) createFolder(t *testing.T, accountID, name, folderType string) *models.Folder {
	t.Helper()
	folder := &models.Folder{
		AccountID: accountID,
		RemoteID:  "remote-" + name,
		Name:      name,
		Type:      folderType,
	}
	if err := e.folders.Create(context.Background(), folder); err != nil {
		t.Fatalf("create folder %s: %v", name, err)
	}
	return folder
}

func pageAll() repository.Page {
	return repository.Page{Limit: 500}
}

// newCoordinator 搭一个使用fakeProvider的协调器，IMAP密码已入库
func (e *testEnv) newCoordinator(t *testing.T, account *models.Account, provider *fakeProvider) *SyncCoordinator {
	t.Helper()
	err := e.creds.StoreIMAP(context.Background(), account.ID, &credentials.IMAPCredential{
		Username: account.Email,
		Password: "secret",
	})
	if err != nil {
		t.Fatalf("StoreIMAP: %v", err)
	}
	folderSync := NewFolderSyncService(e.folders, e.publisher)
	return NewSyncCoordinator(&fakeFactory{provider: provider}, e.creds,
		e.accounts, e.folders, e.emailSync, folderSync, e.publisher)
}
