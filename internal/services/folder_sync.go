package services

import (
	"context"
	"fmt"
	"log"

	"ravn/internal/models"
	"ravn/internal/providers"
	"ravn/internal/repository"
	"ravn/internal/sse"
)

// FolderSyncService 文件夹结构同步。本地文件夹按(账户, remote_id)
// 对账，远端消失的文件夹只隐藏不删除，避免误删邮件的本地副本。
type FolderSyncService struct {
	folders   *repository.FolderRepository
	publisher sse.EventPublisher
}

// NewFolderSyncService 创建文件夹同步服务
func NewFolderSyncService(folders *repository.FolderRepository, publisher sse.EventPublisher) *FolderSyncService {
	return &FolderSyncService{folders: folders, publisher: publisher}
}

// SyncFolders 拉取远端文件夹列表并对账到本地
func (s *FolderSyncService) SyncFolders(ctx context.Context, account *models.Account, provider providers.EmailProvider) ([]models.Folder, error) {
	remote, err := provider.FetchFolders(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch folders for %s: %w", account.Email, err)
	}

	existing, err := s.folders.ListByAccount(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	byRemoteID := make(map[string]*models.Folder, len(existing))
	for i := range existing {
		byRemoteID[existing[i].RemoteID] = &existing[i]
	}

	seen := make(map[string]bool, len(remote))
	var synced []models.Folder
	for _, rf := range remote {
		seen[rf.RemoteID] = true

		local, ok := byRemoteID[rf.RemoteID]
		if !ok {
			local = &models.Folder{
				AccountID: account.ID,
				RemoteID:  rf.RemoteID,
				Name:      rf.Name,
				Type:      rf.Type,
				IsHidden:  rf.IsHidden(),
			}
			if rf.TotalCount > 0 {
				local.TotalEmails = rf.TotalCount
			}
			if rf.UnreadCount > 0 {
				local.UnreadEmails = rf.UnreadCount
			}
			if err := s.folders.Create(ctx, local); err != nil {
				if !repository.IsUniqueViolation(err) {
					return nil, err
				}
				local, err = s.folders.GetByRemoteID(ctx, account.ID, rf.RemoteID)
				if err != nil {
					return nil, err
				}
			}
			byRemoteID[rf.RemoteID] = local
		} else {
			local.Name = rf.Name
			local.Type = rf.Type
			if rf.IsHidden() {
				local.IsHidden = true
			}
			if err := s.folders.Update(ctx, local); err != nil {
				return nil, err
			}
		}
		synced = append(synced, *local)
	}

	// 第二遍解析父子关系，父文件夹此时必然已入库
	for _, rf := range remote {
		if rf.ParentRemoteID == "" {
			continue
		}
		child := byRemoteID[rf.RemoteID]
		parent, ok := byRemoteID[rf.ParentRemoteID]
		if child == nil || !ok {
			continue
		}
		if child.ParentID == nil || *child.ParentID != parent.ID {
			parentID := parent.ID
			child.ParentID = &parentID
			if err := s.folders.Update(ctx, child); err != nil {
				return nil, err
			}
		}
	}

	// 远端消失的文件夹隐藏而非删除
	for i := range existing {
		if !seen[existing[i].RemoteID] && !existing[i].IsHidden {
			log.Printf("Folder %s disappeared from remote for %s, hiding", existing[i].Name, account.Email)
			if err := s.folders.SetHidden(ctx, existing[i].ID, true); err != nil {
				return nil, err
			}
		}
	}

	folderIDs := make([]string, 0, len(synced))
	for i := range synced {
		folderIDs = append(folderIDs, synced[i].ID)
	}
	s.publisher.Emit(sse.NewEvent(sse.EventSyncFoldersUpdated, account.ID, &sse.FoldersUpdatedData{
		AccountID: account.ID,
		Count:     len(synced),
		FolderIDs: folderIDs,
	}))
	return synced, nil
}

// RefreshCounts 重算文件夹计数并广播
func (s *FolderSyncService) RefreshCounts(ctx context.Context, accountID, folderID string) error {
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
