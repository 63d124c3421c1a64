package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"ravn/internal/config"
	"ravn/internal/models"
	"ravn/internal/parser"
	"ravn/internal/providers"
	"ravn/internal/repository"
	"ravn/internal/search"
	"ravn/internal/sse"
)

// ErrSyncInProgress 同一(账户, 文件夹)的并发同步被拒绝
var ErrSyncInProgress = errors.New("sync already in progress for this folder")

// EmailSyncService 单文件夹邮件同步。并发保护靠sync_state行的
// 条件更新，同一文件夹同一时刻只有一个同步在跑。
// diff应用是幂等的：同一页重放产生相同的本地状态。
type EmailSyncService struct {
	cfg           *config.Config
	emails        *repository.EmailRepository
	folders       *repository.FolderRepository
	syncStates    *repository.SyncStateRepository
	conversations *repository.ConversationRepository
	labels        *repository.LabelRepository
	contacts      *repository.ContactRepository
	attachments   *AttachmentService
	index         *search.Index
	publisher     sse.EventPublisher
}

// NewEmailSyncService 创建邮件同步服务
func NewEmailSyncService(
	cfg *config.Config,
	emails *repository.EmailRepository,
	folders *repository.FolderRepository,
	syncStates *repository.SyncStateRepository,
	conversations *repository.ConversationRepository,
	labels *repository.LabelRepository,
	contacts *repository.ContactRepository,
	attachments *AttachmentService,
	index *search.Index,
	publisher sse.EventPublisher,
) *EmailSyncService {
	return &EmailSyncService{
		cfg:           cfg,
		emails:        emails,
		folders:       folders,
		syncStates:    syncStates,
		conversations: conversations,
		labels:        labels,
		contacts:      contacts,
		attachments:   attachments,
		index:         index,
		publisher:     publisher,
	}
}

// SyncFolder 同步一个文件夹。full为true时忽略游标做全量对账。
func (s *EmailSyncService) SyncFolder(ctx context.Context, account *models.Account, provider providers.EmailProvider, folder *models.Folder, full bool) error {
	state, err := s.syncStates.GetOrCreate(ctx, account.ID, folder.ID)
	if err != nil {
		return err
	}

	acquired, err := s.syncStates.TryBeginSync(ctx, account.ID, folder.ID)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrSyncInProgress
	}

	s.emitStatus(account.ID, folder.ID, models.SyncStatusSyncing, nil)

	syncErr := s.runSync(ctx, account, provider, folder, state, full)

	if err := s.syncStates.FinishSync(ctx, account.ID, folder.ID, syncErr); err != nil {
		log.Printf("Failed to finish sync state for folder %s: %v", folder.ID, err)
	}
	if syncErr != nil {
		s.emitStatus(account.ID, folder.ID, models.SyncStatusError, syncErr)
		return syncErr
	}

	now := time.Now()
	if err := s.folders.UpdateSyncedAt(ctx, folder.ID, now); err != nil {
		log.Printf("Failed to update synced_at for folder %s: %v", folder.ID, err)
	}
	if err := s.refreshCounts(ctx, account.ID, folder.ID); err != nil {
		log.Printf("Failed to refresh counts for folder %s: %v", folder.ID, err)
	}
	s.emitStatus(account.ID, folder.ID, models.SyncStatusIdle, nil)
	return nil
}

func (s *EmailSyncService) runSync(ctx context.Context, account *models.Account, provider providers.EmailProvider, folder *models.Folder, state *models.SyncState, full bool) error {
	token := state.SyncToken
	if token == "" && state.LastUID > 0 {
		token = strconv.FormatUint(uint64(state.LastUID), 10)
	}
	if full {
		token = ""
	}
	fullListing := token == ""

	opts := providers.SyncOptions{
		FolderRemoteID: folder.RemoteID,
		SyncToken:      token,
		Full:           full,
		HeadersOnly:    account.Provider == models.ProviderIMAP || account.Provider == models.ProviderApple,
	}

	// 全量遍历时记录见过的remote id，结束后做集合差删除对账
	var seenRemoteIDs map[string]struct{}
	if fullListing {
		seenRemoteIDs = make(map[string]struct{})
	}

	applyPage := func(ctx context.Context, page *providers.SyncDiff) error {
		if err := s.applyDiff(ctx, account, folder, page, seenRemoteIDs); err != nil {
			return err
		}
		if page.NextSyncToken != "" {
			if err := s.saveToken(ctx, account.ID, folder.ID, page.NextSyncToken); err != nil {
				return err
			}
		}
		return nil
	}

	// Graph走逐页协议，每页落库后游标前移，中断可从当页续传
	if pager, ok := provider.AsAny().(providers.GraphPager); ok {
		opts.PageCallback = applyPage
		if _, err := pager.SyncMessagesPaged(ctx, opts); err != nil {
			return err
		}
	} else {
		diff, err := provider.SyncMessages(ctx, opts)
		if err != nil {
			return err
		}
		if err := applyPage(ctx, diff); err != nil {
			return err
		}
	}

	if fullListing {
		if err := s.reconcileDeletions(ctx, account, provider, folder, seenRemoteIDs); err != nil {
			return err
		}
	}
	return nil
}

// applyDiff 把一页diff应用到本地。Added和Modified统一按upsert处理，
// Deleted按remote id软删除。
func (s *EmailSyncService) applyDiff(ctx context.Context, account *models.Account, folder *models.Folder, diff *providers.SyncDiff, seen map[string]struct{}) error {
	for _, in := range diff.Added {
		if err := s.upsertEmail(ctx, account, folder, in); err != nil {
			return err
		}
		if seen != nil {
			seen[in.RemoteID] = struct{}{}
		}
	}
	for _, in := range diff.Modified {
		if err := s.upsertEmail(ctx, account, folder, in); err != nil {
			return err
		}
		if seen != nil {
			seen[in.RemoteID] = struct{}{}
		}
	}
	if len(diff.Deleted) > 0 {
		if err := s.markDeleted(ctx, account, folder, diff.Deleted); err != nil {
			return err
		}
	}
	return nil
}

// upsertEmail 单封邮件的落库管线：拆引用、推导纯文本、分类、
// 会话归并、附件对账、联系人观察、索引、事件
func (s *EmailSyncService) upsertEmail(ctx context.Context, account *models.Account, folder *models.Folder, in *providers.ProviderEmail) error {
	existing, err := s.emails.FindByRemoteIDOrMessageID(ctx, account.ID, in.RemoteID, in.MessageID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}

	hasBody := in.SyncStatus == models.EmailSyncSynced

	email := &models.Email{
		AccountID:      account.ID,
		FolderID:       folder.ID,
		MessageID:      in.MessageID,
		RemoteID:       in.RemoteID,
		Subject:        in.Subject,
		ReceivedAt:     in.ReceivedAt,
		SentAt:         in.SentAt,
		IsRead:         in.IsRead,
		IsFlagged:      in.IsFlagged,
		IsDraft:        in.IsDraft,
		HasAttachments: in.HasAttachments,
		Size:           in.Size,
		ChangeKey:      in.ChangeKey,
		RemoteModified: in.RemoteModified,
		SyncStatus:     in.SyncStatus,
		Snippet:        in.Snippet,
	}
	if email.SyncStatus == "" {
		email.SyncStatus = models.EmailSyncSynced
	}
	email.SetFrom(in.From)
	email.SetToAddresses(in.To)
	email.SetCCAddresses(in.CC)
	email.SetBCCAddresses(in.BCC)
	email.SetReplyToAddresses(in.ReplyTo)
	if len(in.Headers) > 0 {
		email.SetHeaders(in.Headers)
	}

	if hasBody {
		split := parser.SplitQuotedBody(in.BodyHTML, in.Subject)
		email.BodyHTML = split.BodyHTML
		email.OtherMails = split.OtherMails
		email.BodyPlain = in.BodyPlain
		if email.BodyPlain == "" && email.BodyHTML != "" {
			email.BodyPlain = parser.DerivePlainText(email.BodyHTML, s.cfg.Sync.BodyConversionMode)
		}
		if email.Snippet == "" {
			email.Snippet = parser.Snippet(email.BodyPlain, 200)
		}
	}
	email.Category = parser.Categorize(in.Headers, in.Subject, email.BodyPlain, in.From)

	if in.ConversationID != "" {
		conv, err := s.conversations.FindOrCreate(ctx, account.ID, in.ConversationID)
		if err != nil {
			return err
		}
		email.ConversationID = &conv.ID
	}

	created := existing == nil
	if created {
		if err := s.emails.Create(ctx, email); err != nil {
			if !repository.IsUniqueViolation(err) {
				return fmt.Errorf("failed to create email %s: %w", in.RemoteID, err)
			}
			// 并发upsert竞争，重查后按更新路径走
			existing, err = s.emails.FindByRemoteIDOrMessageID(ctx, account.ID, in.RemoteID, in.MessageID)
			if err != nil {
				return err
			}
			created = false
		}
	}

	if !created {
		email.ID = existing.ID
		email.BodyFetchAttempts = existing.BodyFetchAttempts
		email.LastBodyFetchAttempt = existing.LastBodyFetchAttempt
		// 远端重新出现的邮件解除本地软删除
		email.IsDeleted = false

		if !hasBody && existing.SyncStatus == models.EmailSyncSynced {
			// 远端只给了头而本地已有正文，只动元数据
			email.SyncStatus = models.EmailSyncSynced
			if err := s.emails.UpdateMetadataOnly(ctx, email); err != nil {
				return err
			}
			email.BodyPlain = existing.BodyPlain
			email.BodyHTML = existing.BodyHTML
			email.Snippet = existing.Snippet
		} else {
			if err := s.emails.Update(ctx, email); err != nil {
				return err
			}
		}
	}

	if email.ConversationID != nil {
		if err := s.conversations.RefreshMessageCount(ctx, *email.ConversationID); err != nil {
			return err
		}
	}

	if len(in.Attachments) > 0 {
		if err := s.attachments.UpsertFromProvider(ctx, email, in.Attachments); err != nil {
			return err
		}
	}
	if err := s.applyLabels(ctx, account.ID, email.ID, in.Labels); err != nil {
		return err
	}
	if in.From.Address != "" {
		if _, err := s.contacts.Observe(ctx, account.ID, in.From, in.ReceivedAt); err != nil {
			log.Printf("Failed to observe contact %s: %v", in.From.Address, err)
		}
	}

	email.LabelNames = in.Labels
	if err := s.index.IndexEmail(email); err != nil {
		log.Printf("Failed to index email %s: %v", email.ID, err)
	}

	eventType := sse.EventEmailUpdated
	if created {
		eventType = sse.EventEmailCreated
	}
	s.publisher.Emit(sse.NewEvent(eventType, account.ID, &sse.EmailEventData{
		EmailID:  email.ID,
		FolderID: folder.ID,
		Subject:  email.Subject,
		From:     in.From.String(),
		IsRead:   email.IsRead,
	}))
	return nil
}

// applyLabels 对账邮件的label集合，label行按名字find-or-create
func (s *EmailSyncService) applyLabels(ctx context.Context, accountID, emailID string, labelNames []string) error {
	if len(labelNames) == 0 {
		return nil
	}
	for _, name := range labelNames {
		label, err := s.labels.GetByName(ctx, accountID, name)
		if errors.Is(err, repository.ErrNotFound) {
			label = &models.Label{AccountID: accountID, Name: name}
			if err := s.labels.Create(ctx, label); err != nil {
				if !repository.IsUniqueViolation(err) {
					return err
				}
				label, err = s.labels.GetByName(ctx, accountID, name)
				if err != nil {
					return err
				}
			}
		} else if err != nil {
			return err
		}
		if err := s.labels.Attach(ctx, emailID, label.ID); err != nil {
			return err
		}
	}
	return nil
}

// markDeleted 远端删除落为本地软删除，草稿除外
func (s *EmailSyncService) markDeleted(ctx context.Context, account *models.Account, folder *models.Folder, remoteIDs []string) error {
	// 先解析本地id，用于索引清理和事件
	var localIDs []string
	for _, remoteID := range remoteIDs {
		email, err := s.emails.FindByRemoteIDOrMessageID(ctx, account.ID, remoteID, "")
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			return err
		}
		if email.IsDraft {
			continue
		}
		localIDs = append(localIDs, email.ID)
	}

	if _, err := s.emails.MarkDeletedByRemoteIDs(ctx, folder.ID, remoteIDs); err != nil {
		return err
	}

	for _, id := range localIDs {
		if err := s.index.DeleteEmail(id); err != nil {
			log.Printf("Failed to remove email %s from index: %v", id, err)
		}
		s.publisher.Emit(sse.NewEvent(sse.EventEmailDeleted, account.ID, &sse.EmailEventData{
			EmailID:  id,
			FolderID: folder.ID,
		}))
	}
	return nil
}

// reconcileDeletions 全量遍历后的集合差：本地有而远端没有的候选删除。
// 每个候选先向远端探测确认，列举分页窗口之间被移动的邮件远端还在，
// 不能当作删除；瞬时错误也跳过，留给下一轮全量对账。
func (s *EmailSyncService) reconcileDeletions(ctx context.Context, account *models.Account, provider providers.EmailProvider, folder *models.Folder, seen map[string]struct{}) error {
	localRemoteIDs, err := s.emails.ListRemoteIDsByFolder(ctx, folder.ID)
	if err != nil {
		return err
	}
	var missing []string
	for _, remoteID := range localRemoteIDs {
		if _, ok := seen[remoteID]; !ok {
			missing = append(missing, remoteID)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	confirmed := make([]string, 0, len(missing))
	for _, remoteID := range missing {
		probed, err := provider.FetchEmail(ctx, folder.RemoteID, remoteID)
		if err == nil && probed != nil {
			continue
		}
		if err != nil && providers.IsRetryable(err) {
			continue
		}
		confirmed = append(confirmed, remoteID)
	}
	if len(confirmed) == 0 {
		return nil
	}
	log.Printf("Full sync reconciliation for folder %s: %d emails gone from remote", folder.Name, len(confirmed))
	return s.markDeleted(ctx, account, folder, confirmed)
}

func (s *EmailSyncService) saveToken(ctx context.Context, accountID, folderID, token string) error {
	if err := s.syncStates.SaveToken(ctx, accountID, folderID, token); err != nil {
		return err
	}
	// IMAP的游标是最大UID的十进制串，镜像到last_uid列便于查询
	if uid, err := strconv.ParseUint(token, 10, 32); err == nil {
		return s.syncStates.SaveLastUID(ctx, accountID, folderID, uint32(uid))
	}
	return nil
}

func (s *EmailSyncService) refreshCounts(ctx context.Context, accountID, folderID string) error {
	unread, total, err := s.folders.RefreshCounts(ctx, folderID)
	if err != nil {
		return err
	}
	s.publisher.Emit(sse.NewEvent(sse.EventFolderUpdated, accountID, &sse.FolderUpdatedData{
		FolderID:    folderID,
		TotalCount:  int(total),
		UnreadCount: int(unread),
	}))
	return nil
}

func (s *EmailSyncService) emitStatus(accountID, folderID, status string, err error) {
	data := &sse.SyncStatusData{AccountID: accountID, FolderID: folderID, Status: status}
	if err != nil {
		data.Error = err.Error()
	}
	s.publisher.Emit(sse.NewEvent(sse.EventSyncStatus, accountID, data))
}
