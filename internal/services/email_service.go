package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"ravn/internal/credentials"
	"ravn/internal/models"
	"ravn/internal/providers"
	"ravn/internal/repository"
	"ravn/internal/search"
	"ravn/internal/sse"
)

// EmailService 邮件变更API。所有变更都是远端优先：提供商调用
// 成功后才落本地，失败时本地状态保持不变，由下次同步对齐。
type EmailService struct {
	emails      *repository.EmailRepository
	folders     *repository.FolderRepository
	accounts    *repository.AccountRepository
	attachments *repository.AttachmentRepository
	labels      *repository.LabelRepository
	coordinator *SyncCoordinator
	creds       *credentials.Store
	index       *search.Index
	publisher   sse.EventPublisher
}

// NewEmailService 创建邮件服务
func NewEmailService(
	emails *repository.EmailRepository,
	folders *repository.FolderRepository,
	accounts *repository.AccountRepository,
	attachments *repository.AttachmentRepository,
	labels *repository.LabelRepository,
	coordinator *SyncCoordinator,
	creds *credentials.Store,
	index *search.Index,
	publisher sse.EventPublisher,
) *EmailService {
	return &EmailService{
		emails:      emails,
		folders:     folders,
		accounts:    accounts,
		attachments: attachments,
		labels:      labels,
		coordinator: coordinator,
		creds:       creds,
		index:       index,
		publisher:   publisher,
	}
}

// reindex 重建索引文档。索引覆盖式写入，标签快照必须随文档带上，
// 否则变更重索引会把标签冲掉
func (s *EmailService) reindex(ctx context.Context, email *models.Email) {
	if names, err := s.labels.ListEmailLabels(ctx, email.ID); err == nil {
		email.LabelNames = names
	}
	if err := s.index.IndexEmail(email); err != nil {
		log.Printf("Failed to reindex email %s: %v", email.ID, err)
	}
}

// loadContext 取出邮件及其账户、文件夹和提供商
func (s *EmailService) loadContext(ctx context.Context, emailID string) (*models.Email, *models.Account, *models.Folder, providers.EmailProvider, error) {
	email, err := s.emails.GetByID(ctx, emailID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	account, err := s.accounts.GetByID(ctx, email.AccountID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	folder, err := s.folders.GetByID(ctx, email.FolderID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	provider, err := s.coordinator.ProviderFor(ctx, account)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return email, account, folder, provider, nil
}

// MarkAsRead 标记已读/未读
func (s *EmailService) MarkAsRead(ctx context.Context, emailID string, read bool) error {
	email, account, folder, provider, err := s.loadContext(ctx, emailID)
	if err != nil {
		return err
	}
	if email.IsRead == read {
		return nil
	}

	if err := provider.MarkAsRead(ctx, email.RemoteID, folder.RemoteID, read); err != nil {
		return fmt.Errorf("failed to mark email read on remote: %w", err)
	}
	if err := s.emails.UpdateFields(ctx, email.ID, map[string]interface{}{"is_read": read}); err != nil {
		return err
	}

	email.IsRead = read
	s.reindex(ctx, email)
	s.refreshCounts(ctx, account.ID, folder.ID)
	s.publisher.Emit(sse.NewEvent(sse.EventEmailUpdated, account.ID, &sse.EmailEventData{
		EmailID:  email.ID,
		FolderID: folder.ID,
		IsRead:   read,
	}))
	return nil
}

// SetFlag 设置/取消星标
func (s *EmailService) SetFlag(ctx context.Context, emailID string, flagged bool) error {
	email, account, folder, provider, err := s.loadContext(ctx, emailID)
	if err != nil {
		return err
	}
	if email.IsFlagged == flagged {
		return nil
	}

	if err := provider.SetFlag(ctx, email.RemoteID, folder.RemoteID, flagged); err != nil {
		return fmt.Errorf("failed to set flag on remote: %w", err)
	}
	if err := s.emails.UpdateFields(ctx, email.ID, map[string]interface{}{"is_flagged": flagged}); err != nil {
		return err
	}

	email.IsFlagged = flagged
	s.reindex(ctx, email)
	s.publisher.Emit(sse.NewEvent(sse.EventEmailUpdated, account.ID, &sse.EmailEventData{
		EmailID:  email.ID,
		FolderID: folder.ID,
		IsRead:   email.IsRead,
	}))
	return nil
}

// MoveEmail 移动邮件到另一个文件夹。IMAP移动后UID会变，
// 本地保留旧remote id，下一次目标文件夹同步按message_id对账修正。
func (s *EmailService) MoveEmail(ctx context.Context, emailID, toFolderID string) error {
	email, account, fromFolder, provider, err := s.loadContext(ctx, emailID)
	if err != nil {
		return err
	}
	toFolder, err := s.folders.GetByID(ctx, toFolderID)
	if err != nil {
		return err
	}
	if toFolder.AccountID != account.ID {
		return fmt.Errorf("cannot move email across accounts")
	}
	if fromFolder.ID == toFolder.ID {
		return nil
	}

	if err := provider.MoveEmail(ctx, email.RemoteID, fromFolder.RemoteID, toFolder.RemoteID); err != nil {
		return fmt.Errorf("failed to move email on remote: %w", err)
	}
	if err := s.emails.UpdateFields(ctx, email.ID, map[string]interface{}{"folder_id": toFolder.ID}); err != nil {
		return err
	}

	email.FolderID = toFolder.ID
	s.reindex(ctx, email)
	s.refreshCounts(ctx, account.ID, fromFolder.ID)
	s.refreshCounts(ctx, account.ID, toFolder.ID)
	s.publisher.Emit(sse.NewEvent(sse.EventEmailUpdated, account.ID, &sse.EmailEventData{
		EmailID:  email.ID,
		FolderID: toFolder.ID,
	}))
	return nil
}

// DeleteEmail 删除邮件：远端移入回收站，本地软删除。
// 已在回收站的邮件第二次删除转为彻底删除。
func (s *EmailService) DeleteEmail(ctx context.Context, emailID string) error {
	email, account, folder, provider, err := s.loadContext(ctx, emailID)
	if err != nil {
		return err
	}

	if folder.Type == models.FolderTypeTrash || email.IsDeleted {
		return s.hardDelete(ctx, account, folder, provider, email)
	}

	if err := provider.DeleteEmail(ctx, email.RemoteID, folder.RemoteID); err != nil {
		return fmt.Errorf("failed to delete email on remote: %w", err)
	}
	fields := map[string]interface{}{"is_deleted": true}
	if trash, err := s.folders.GetByType(ctx, account.ID, models.FolderTypeTrash); err == nil {
		fields["folder_id"] = trash.ID
		fields["is_deleted"] = false
	}
	if err := s.emails.UpdateFields(ctx, email.ID, fields); err != nil {
		return err
	}

	if err := s.index.DeleteEmail(email.ID); err != nil {
		log.Printf("Failed to remove email %s from index: %v", email.ID, err)
	}
	s.refreshCounts(ctx, account.ID, folder.ID)
	s.publisher.Emit(sse.NewEvent(sse.EventEmailDeleted, account.ID, &sse.EmailEventData{
		EmailID:  email.ID,
		FolderID: folder.ID,
	}))
	return nil
}

func (s *EmailService) hardDelete(ctx context.Context, account *models.Account, folder *models.Folder, provider providers.EmailProvider, email *models.Email) error {
	if err := provider.DeleteEmail(ctx, email.RemoteID, folder.RemoteID); err != nil && !providers.IsAuthError(err) {
		// 远端可能已经没有这封邮件了
		log.Printf("Remote delete failed for email %s, removing locally: %v", email.ID, err)
	}
	if err := s.emails.HardDelete(ctx, email.ID); err != nil {
		return err
	}
	if err := s.index.DeleteEmail(email.ID); err != nil {
		log.Printf("Failed to remove email %s from index: %v", email.ID, err)
	}
	s.publisher.Emit(sse.NewEvent(sse.EventEmailDeleted, account.ID, &sse.EmailEventData{
		EmailID:  email.ID,
		FolderID: folder.ID,
	}))
	return nil
}

// SendEmail 发送邮件。支持原生发送的提供商直接走API并由远端镜像
// Sent；其余走SMTP组装路径，发送后本地写入合成的已发邮件行，
// 下一次Sent同步按message_id对账去重。
func (s *EmailService) SendEmail(ctx context.Context, accountID string, msg *providers.OutgoingMessage) (*models.Email, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	provider, err := s.coordinator.ProviderFor(ctx, account)
	if err != nil {
		return nil, err
	}
	if msg.From.Address == "" {
		msg.From = models.EmailAddress{Name: account.Name, Address: account.Email}
	}

	result, err := s.dispatchSend(ctx, account, provider, msg)
	if err != nil {
		return nil, err
	}

	sent, err := s.recordSentEmail(ctx, account, msg, result)
	if err != nil {
		return nil, err
	}
	s.publisher.Emit(sse.NewEvent(sse.EventEmailCreated, account.ID, &sse.EmailEventData{
		EmailID:  sent.ID,
		FolderID: sent.FolderID,
		Subject:  sent.Subject,
		From:     msg.From.String(),
		IsRead:   true,
	}))
	return sent, nil
}

// dispatchSend 原生发送优先，不支持时退到SMTP组装路径
func (s *EmailService) dispatchSend(ctx context.Context, account *models.Account, provider providers.EmailProvider, msg *providers.OutgoingMessage) (*providers.SendResult, error) {
	result, err := provider.SendEmail(ctx, msg)
	if errors.Is(err, providers.ErrNativeSendUnsupported) {
		result, err = s.sendViaSMTP(ctx, account, provider, msg)
	}
	return result, err
}

// sendViaSMTP SMTP提交，成功后尽力镜像到IMAP的Sent文件夹
func (s *EmailService) sendViaSMTP(ctx context.Context, account *models.Account, provider providers.EmailProvider, msg *providers.OutgoingMessage) (*providers.SendResult, error) {
	messageID, err := providers.SyntheticMessageID(msg.From.Address, "localhost")
	if err != nil {
		return nil, err
	}

	raw, err := providers.BuildRawMessage(msg, messageID)
	if err != nil {
		return nil, err
	}

	imapProvider, ok := provider.AsAny().(*providers.IMAPProvider)
	if !ok {
		return nil, fmt.Errorf("account %s has no native send and no smtp endpoint", account.Email)
	}
	host, port := imapProvider.SMTPEndpoint()

	sender := providers.NewSMTPSender(account, s.creds)
	if err := sender.Send(ctx, host, port, msg.From.Address, providers.Recipients(msg), raw); err != nil {
		return nil, err
	}

	// SMTP不镜像Sent，追加失败不影响发送结果
	if sentFolder, err := s.folders.GetByType(ctx, account.ID, models.FolderTypeSent); err == nil {
		if err := imapProvider.AppendToFolder(ctx, sentFolder.RemoteID, raw, []string{`\Seen`}); err != nil {
			log.Printf("Failed to append sent email to %s: %v", sentFolder.Name, err)
		}
	}
	return &providers.SendResult{MessageID: messageID}, nil
}

// recordSentEmail 本地写入已发邮件行
func (s *EmailService) recordSentEmail(ctx context.Context, account *models.Account, msg *providers.OutgoingMessage, result *providers.SendResult) (*models.Email, error) {
	now := time.Now()
	email := &models.Email{
		AccountID:  account.ID,
		MessageID:  result.MessageID,
		RemoteID:   result.RemoteID,
		Subject:    msg.Subject,
		BodyPlain:  msg.BodyPlain,
		BodyHTML:   msg.BodyHTML,
		ReceivedAt: now,
		SentAt:     &now,
		IsRead:     true,
		SyncStatus: models.EmailSyncSynced,
	}
	// remote id要等Sent同步对账，用message_id占位保持唯一
	if email.RemoteID == "" {
		email.RemoteID = "pending:" + result.MessageID
	}
	email.SetFrom(msg.From)
	email.SetToAddresses(msg.To)
	email.SetCCAddresses(msg.CC)
	email.SetBCCAddresses(msg.BCC)
	email.Snippet = snippetOf(msg)

	if sentFolder, err := s.folders.GetByType(ctx, account.ID, models.FolderTypeSent); err == nil {
		email.FolderID = sentFolder.ID
	}
	if err := s.emails.Create(ctx, email); err != nil {
		return nil, err
	}
	if err := s.index.IndexEmail(email); err != nil {
		log.Printf("Failed to index sent email %s: %v", email.ID, err)
	}
	return email, nil
}

// SaveDraft 保存草稿到本地草稿文件夹
func (s *EmailService) SaveDraft(ctx context.Context, accountID string, msg *providers.OutgoingMessage) (*models.Email, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	email := &models.Email{
		AccountID:  account.ID,
		MessageID:  id.String() + "@draft.local",
		RemoteID:   "draft:" + id.String(),
		Subject:    msg.Subject,
		BodyPlain:  msg.BodyPlain,
		BodyHTML:   msg.BodyHTML,
		ReceivedAt: time.Now(),
		IsRead:     true,
		IsDraft:    true,
		SyncStatus: models.EmailSyncSynced,
	}
	email.SetFrom(msg.From)
	email.SetToAddresses(msg.To)
	email.SetCCAddresses(msg.CC)
	email.SetBCCAddresses(msg.BCC)
	email.Snippet = snippetOf(msg)

	if drafts, err := s.folders.GetByType(ctx, account.ID, models.FolderTypeDraft); err == nil {
		email.FolderID = drafts.ID
	}
	if err := s.emails.Create(ctx, email); err != nil {
		return nil, err
	}
	s.publisher.Emit(sse.NewEvent(sse.EventEmailCreated, account.ID, &sse.EmailEventData{
		EmailID:  email.ID,
		FolderID: email.FolderID,
		Subject:  email.Subject,
	}))
	return email, nil
}

// SendDraft 发送草稿。草稿行原地晋升为已发邮件，本地ID不变，
// 引用这封草稿的附件和标签关联不会断。
func (s *EmailService) SendDraft(ctx context.Context, draftID string) (*models.Email, error) {
	draft, err := s.emails.GetByID(ctx, draftID)
	if err != nil {
		return nil, err
	}
	if !draft.IsDraft {
		return nil, fmt.Errorf("email %s is not a draft", draftID)
	}
	account, err := s.accounts.GetByID(ctx, draft.AccountID)
	if err != nil {
		return nil, err
	}
	provider, err := s.coordinator.ProviderFor(ctx, account)
	if err != nil {
		return nil, err
	}

	msg := &providers.OutgoingMessage{
		Subject:   draft.Subject,
		BodyPlain: draft.BodyPlain,
		BodyHTML:  draft.BodyHTML,
	}
	if from, err := draft.GetFrom(); err == nil {
		msg.From = from
	}
	if msg.From.Address == "" {
		msg.From = models.EmailAddress{Name: account.Name, Address: account.Email}
	}
	if to, err := draft.GetToAddresses(); err == nil {
		msg.To = to
	}
	if cc, err := draft.GetCCAddresses(); err == nil {
		msg.CC = cc
	}
	if bcc, err := draft.GetBCCAddresses(); err == nil {
		msg.BCC = bcc
	}

	result, err := s.dispatchSend(ctx, account, provider, msg)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	remoteID := result.RemoteID
	if remoteID == "" {
		remoteID = "pending:" + result.MessageID
	}
	fields := map[string]interface{}{
		"is_draft":    false,
		"is_read":     true,
		"message_id":  result.MessageID,
		"remote_id":   remoteID,
		"sent_at":     now,
		"sync_status": models.EmailSyncSynced,
	}
	oldFolderID := draft.FolderID
	if sentFolder, err := s.folders.GetByType(ctx, account.ID, models.FolderTypeSent); err == nil {
		fields["folder_id"] = sentFolder.ID
		draft.FolderID = sentFolder.ID
	}
	if err := s.emails.UpdateFields(ctx, draft.ID, fields); err != nil {
		return nil, err
	}

	draft.IsDraft = false
	draft.IsRead = true
	draft.MessageID = result.MessageID
	draft.RemoteID = remoteID
	draft.SentAt = &now
	draft.SyncStatus = models.EmailSyncSynced
	s.reindex(ctx, draft)
	s.refreshCounts(ctx, account.ID, oldFolderID)
	if draft.FolderID != oldFolderID {
		s.refreshCounts(ctx, account.ID, draft.FolderID)
	}
	s.publisher.Emit(sse.NewEvent(sse.EventEmailUpdated, account.ID, &sse.EmailEventData{
		EmailID:  draft.ID,
		FolderID: draft.FolderID,
		Subject:  draft.Subject,
		IsRead:   true,
	}))
	return draft, nil
}

// RenameFolder 重命名文件夹，远端优先
func (s *EmailService) RenameFolder(ctx context.Context, folderID, newName string) error {
	folder, err := s.folders.GetByID(ctx, folderID)
	if err != nil {
		return err
	}
	account, err := s.accounts.GetByID(ctx, folder.AccountID)
	if err != nil {
		return err
	}
	provider, err := s.coordinator.ProviderFor(ctx, account)
	if err != nil {
		return err
	}

	if err := provider.RenameFolder(ctx, folder.RemoteID, newName); err != nil {
		return fmt.Errorf("failed to rename folder on remote: %w", err)
	}
	folder.Name = newName
	if err := s.folders.Update(ctx, folder); err != nil {
		return err
	}
	s.publisher.Emit(sse.NewEvent(sse.EventSyncFoldersUpdated, account.ID, &sse.FoldersUpdatedData{
		AccountID: account.ID,
		Count:     1,
		FolderIDs: []string{folder.ID},
	}))
	return nil
}

// MoveFolder 移动文件夹到新父级，远端优先
func (s *EmailService) MoveFolder(ctx context.Context, folderID, newParentID string) error {
	folder, err := s.folders.GetByID(ctx, folderID)
	if err != nil {
		return err
	}
	account, err := s.accounts.GetByID(ctx, folder.AccountID)
	if err != nil {
		return err
	}
	provider, err := s.coordinator.ProviderFor(ctx, account)
	if err != nil {
		return err
	}

	parentRemoteID := ""
	var parentID *string
	if newParentID != "" {
		parent, err := s.folders.GetByID(ctx, newParentID)
		if err != nil {
			return err
		}
		parentRemoteID = parent.RemoteID
		parentID = &parent.ID
	}

	if err := provider.MoveFolder(ctx, folder.RemoteID, parentRemoteID); err != nil {
		return fmt.Errorf("failed to move folder on remote: %w", err)
	}
	folder.ParentID = parentID
	if err := s.folders.Update(ctx, folder); err != nil {
		return err
	}
	s.publisher.Emit(sse.NewEvent(sse.EventSyncFoldersUpdated, account.ID, &sse.FoldersUpdatedData{
		AccountID: account.ID,
		Count:     1,
		FolderIDs: []string{folder.ID},
	}))
	return nil
}

func (s *EmailService) refreshCounts(ctx context.Context, accountID, folderID string) {
	unread, total, err := s.folders.RefreshCounts(ctx, folderID)
	if err != nil {
		log.Printf("Failed to refresh counts for folder %s: %v", folderID, err)
		return
	}
	s.publisher.Emit(sse.NewEvent(sse.EventFolderUpdated, accountID, &sse.FolderUpdatedData{
		FolderID:    folderID,
		TotalCount:  int(total),
		UnreadCount: int(unread),
	}))
}

func snippetOf(msg *providers.OutgoingMessage) string {
	text := msg.BodyPlain
	if text == "" {
		text = msg.BodyHTML
	}
	if len(text) > 200 {
		text = text[:200]
	}
	return strings.Join(strings.Fields(text), " ")
}
