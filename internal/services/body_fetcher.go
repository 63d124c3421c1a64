package services

import (
	"context"
	"log"
	"sync"
	"time"

	"ravn/internal/config"
	"ravn/internal/models"
	"ravn/internal/parser"
	"ravn/internal/providers"
	"ravn/internal/repository"
	"ravn/internal/search"
	"ravn/internal/sse"
)

const (
	bodyFetchMaxAttempts = 3
	bodyFetchCooldown    = 30 * time.Second
	staleFetchingAfter   = 5 * time.Minute
)

// BodyFetcher 正文补全器。IMAP路径先落头部，这里按批把
// headers_only的邮件补成完整邮件。每封邮件最多尝试三次，
// 失败间隔三十秒，超限后标记错误不再重试。
type BodyFetcher struct {
	cfg         *config.Config
	emails      *repository.EmailRepository
	folders     *repository.FolderRepository
	accounts    *repository.AccountRepository
	labels      *repository.LabelRepository
	coordinator *SyncCoordinator
	attachments *AttachmentService
	index       *search.Index
	publisher   sse.EventPublisher

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewBodyFetcher 创建正文补全器
func NewBodyFetcher(
	cfg *config.Config,
	emails *repository.EmailRepository,
	folders *repository.FolderRepository,
	accounts *repository.AccountRepository,
	labels *repository.LabelRepository,
	coordinator *SyncCoordinator,
	attachments *AttachmentService,
	index *search.Index,
	publisher sse.EventPublisher,
) *BodyFetcher {
	return &BodyFetcher{
		cfg:         cfg,
		emails:      emails,
		folders:     folders,
		accounts:    accounts,
		labels:      labels,
		coordinator: coordinator,
		attachments: attachments,
		index:       index,
		publisher:   publisher,
	}
}

// Start 启动补全循环
func (f *BodyFetcher) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)

	// 上次进程崩溃遗留的fetching_body行放回待取队列
	if reset, err := f.emails.ResetStaleFetchingBody(ctx, time.Now().Add(-staleFetchingAfter)); err != nil {
		log.Printf("Failed to reset stale body fetches: %v", err)
	} else if reset > 0 {
		log.Printf("Reset %d stale body fetches from previous run", reset)
	}

	f.wg.Add(1)
	go f.loop(ctx)
}

// Stop 停止补全循环
func (f *BodyFetcher) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
}

func (f *BodyFetcher) loop(ctx context.Context) {
	defer f.wg.Done()
	ticker := time.NewTicker(f.cfg.Sync.BodyFetchTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.runOnce(ctx)
		}
	}
}

// runOnce 每个账户补全一批
func (f *BodyFetcher) runOnce(ctx context.Context) {
	accounts, err := f.accounts.List(ctx)
	if err != nil {
		log.Printf("Body fetcher failed to list accounts: %v", err)
		return
	}

	for i := range accounts {
		account := &accounts[i]
		pending, err := f.emails.SelectForBodyFetch(ctx, account.ID, f.cfg.Sync.BodyFetchBatchSize, bodyFetchMaxAttempts, bodyFetchCooldown)
		if err != nil {
			log.Printf("Body fetcher failed to select emails for %s: %v", account.Email, err)
			continue
		}
		if len(pending) == 0 {
			continue
		}

		provider, err := f.coordinator.ProviderFor(ctx, account)
		if err != nil {
			log.Printf("Body fetcher cannot reach provider for %s: %v", account.Email, err)
			continue
		}

		for j := range pending {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if err := f.fetchOne(ctx, account, provider, &pending[j]); err != nil {
				log.Printf("Body fetch failed for email %s: %v", pending[j].ID, err)
			}
		}
	}
}

// fetchOne 取回单封正文并落库。失败累加尝试次数，超限标记错误。
func (f *BodyFetcher) fetchOne(ctx context.Context, account *models.Account, provider providers.EmailProvider, email *models.Email) error {
	now := time.Now()
	if err := f.emails.UpdateFields(ctx, email.ID, map[string]interface{}{
		"sync_status":             models.EmailSyncFetchingBody,
		"body_fetch_attempts":     email.BodyFetchAttempts + 1,
		"last_body_fetch_attempt": now,
	}); err != nil {
		return err
	}

	folder, err := f.folders.GetByID(ctx, email.FolderID)
	if err != nil {
		return err
	}

	full, err := provider.FetchEmail(ctx, folder.RemoteID, email.RemoteID)
	if err != nil {
		return f.recordFailure(ctx, email, err)
	}

	split := parser.SplitQuotedBody(full.BodyHTML, email.Subject)
	bodyPlain := full.BodyPlain
	if bodyPlain == "" && split.BodyHTML != "" {
		bodyPlain = parser.DerivePlainText(split.BodyHTML, f.cfg.Sync.BodyConversionMode)
	}
	snippet := email.Snippet
	if snippet == "" {
		snippet = parser.Snippet(bodyPlain, 200)
	}

	// 头部同步时Headers是空的，分类信号要等完整报文到了才有
	from, _ := email.GetFrom()
	category := parser.Categorize(full.Headers, email.Subject, bodyPlain, from)

	fields := map[string]interface{}{
		"body_plain":  bodyPlain,
		"body_html":   split.BodyHTML,
		"other_mails": split.OtherMails,
		"snippet":     snippet,
		"category":    category,
		"sync_status": models.EmailSyncSynced,
	}
	if len(full.Headers) > 0 {
		if err := email.SetHeaders(full.Headers); err == nil {
			fields["headers"] = email.Headers
		}
	}
	if full.SentAt != nil {
		fields["sent_at"] = full.SentAt
	}
	if full.Size > 0 {
		fields["size"] = full.Size
	}
	if len(full.Attachments) > 0 {
		fields["has_attachments"] = true
	}
	if err := f.emails.UpdateFields(ctx, email.ID, fields); err != nil {
		return err
	}

	email.BodyPlain = bodyPlain
	email.BodyHTML = split.BodyHTML
	email.OtherMails = split.OtherMails
	email.Snippet = snippet
	email.Category = category
	if full.SentAt != nil {
		email.SentAt = full.SentAt
	}
	email.SyncStatus = models.EmailSyncSynced

	if len(full.Attachments) > 0 {
		if err := f.attachments.UpsertFromProvider(ctx, email, full.Attachments); err != nil {
			return err
		}
	}
	if names, err := f.labels.ListEmailLabels(ctx, email.ID); err == nil {
		email.LabelNames = names
	}
	if err := f.index.IndexEmail(email); err != nil {
		log.Printf("Failed to index email %s after body fetch: %v", email.ID, err)
	}

	f.publisher.Emit(sse.NewEvent(sse.EventEmailUpdated, account.ID, &sse.EmailEventData{
		EmailID:  email.ID,
		FolderID: email.FolderID,
		Subject:  email.Subject,
		IsRead:   email.IsRead,
	}))
	return nil
}

// recordFailure 失败回滚状态；尝试次数用尽后标记error终止重试
func (f *BodyFetcher) recordFailure(ctx context.Context, email *models.Email, cause error) error {
	status := models.EmailSyncHeadersOnly
	if email.BodyFetchAttempts+1 >= bodyFetchMaxAttempts {
		status = models.EmailSyncError
	}
	if err := f.emails.UpdateFields(ctx, email.ID, map[string]interface{}{
		"sync_status": status,
	}); err != nil {
		return err
	}
	return cause
}
