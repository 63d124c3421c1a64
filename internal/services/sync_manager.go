package services

import (
	"context"
	"log"
	"sync"
	"time"

	"ravn/internal/config"
	"ravn/internal/models"
	"ravn/internal/repository"
)

const stopAccountGrace = 10 * time.Second

// JobRunner 队列任务的执行方
type JobRunner interface {
	RunJob(ctx context.Context, job *SyncJob) error
}

// SyncManager 后台同步管理器。调度循环按文件夹的同步间隔把到期
// 任务入队，工作协程池消费队列。trash和spam不参与计划同步，
// 用户手动进入时再拉取。
type SyncManager struct {
	cfg      *config.Config
	accounts *repository.AccountRepository
	folders  *repository.FolderRepository
	queue    *SyncQueue
	runner   JobRunner

	wg       sync.WaitGroup
	rootCtx  context.Context
	stopRoot context.CancelFunc

	mutex          sync.Mutex
	accountCtxs    map[string]context.Context
	accountCancels map[string]context.CancelFunc
}

// NewSyncManager 创建同步管理器
func NewSyncManager(cfg *config.Config, accounts *repository.AccountRepository, folders *repository.FolderRepository, queue *SyncQueue, runner JobRunner) *SyncManager {
	return &SyncManager{
		cfg:            cfg,
		accounts:       accounts,
		folders:        folders,
		queue:          queue,
		runner:         runner,
		accountCtxs:    make(map[string]context.Context),
		accountCancels: make(map[string]context.CancelFunc),
	}
}

// Start 启动工作协程池和调度循环
func (m *SyncManager) Start(ctx context.Context) {
	m.rootCtx, m.stopRoot = context.WithCancel(ctx)

	for i := 0; i < m.cfg.Sync.WorkerCount; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}

	m.wg.Add(1)
	go m.scheduler()
}

// Stop 关闭队列并等待所有协程退出
func (m *SyncManager) Stop() {
	m.queue.Close()
	if m.stopRoot != nil {
		m.stopRoot()
	}
	m.wg.Wait()
}

func (m *SyncManager) worker(id int) {
	defer m.wg.Done()
	for {
		job, ok := m.queue.Pop()
		if !ok {
			return
		}
		ctx := m.accountContext(job.AccountID)
		if err := m.runner.RunJob(ctx, job); err != nil {
			log.Printf("Sync worker %d: job for folder %s failed: %v", id, job.FolderID, err)
		}
		m.queue.Done(job)
	}
}

func (m *SyncManager) scheduler() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Sync.SchedulerTick)
	defer ticker.Stop()

	for {
		select {
		case <-m.rootCtx.Done():
			return
		case <-ticker.C:
			m.scheduleDueFolders()
		}
	}
}

// scheduleDueFolders 把到期的文件夹入队
func (m *SyncManager) scheduleDueFolders() {
	ctx := m.rootCtx
	accounts, err := m.accounts.List(ctx)
	if err != nil {
		log.Printf("Scheduler failed to list accounts: %v", err)
		return
	}

	now := time.Now()
	for i := range accounts {
		folders, err := m.folders.ListByAccount(ctx, accounts[i].ID)
		if err != nil {
			log.Printf("Scheduler failed to list folders for %s: %v", accounts[i].Email, err)
			continue
		}
		for j := range folders {
			folder := &folders[j]
			if !m.schedulable(folder) {
				continue
			}
			if folder.SyncedAt != nil && folder.NextSyncAt().After(now) {
				continue
			}
			m.queue.Push(&SyncJob{
				AccountID: accounts[i].ID,
				FolderID:  folder.ID,
				Priority:  PriorityScheduled,
			})
		}
	}
}

// schedulable trash和spam不做后台轮询
func (m *SyncManager) schedulable(folder *models.Folder) bool {
	if folder.IsHidden {
		return false
	}
	return folder.Type != models.FolderTypeTrash && folder.Type != models.FolderTypeSpam
}

// EnqueueFolderSync 用户触发的单文件夹同步
func (m *SyncManager) EnqueueFolderSync(accountID, folderID string, full bool) bool {
	return m.queue.Push(&SyncJob{
		AccountID: accountID,
		FolderID:  folderID,
		Full:      full,
		Priority:  PriorityUserInitiated,
	})
}

// EnqueueAccountSync 用户触发的整账户同步
func (m *SyncManager) EnqueueAccountSync(ctx context.Context, accountID string, full bool) error {
	folders, err := m.folders.ListByAccount(ctx, accountID)
	if err != nil {
		return err
	}
	for i := range folders {
		if folders[i].IsHidden {
			continue
		}
		m.queue.Push(&SyncJob{
			AccountID: accountID,
			FolderID:  folders[i].ID,
			Full:      full,
			Priority:  PriorityUserInitiated,
		})
	}
	return nil
}

// IsProcessing 文件夹是否在排队或同步中
func (m *SyncManager) IsProcessing(accountID, folderID string) bool {
	return m.queue.IsProcessing(accountID, folderID)
}

// StopAccountSync 停止账户的同步：丢弃排队任务，取消执行中任务的
// context，并给在途任务一段收尾时间
func (m *SyncManager) StopAccountSync(ctx context.Context, accountID string) {
	dropped := m.queue.DropAccountJobs(accountID)
	if dropped > 0 {
		log.Printf("Dropped %d queued sync jobs for account %s", dropped, accountID)
	}

	m.mutex.Lock()
	if cancel, ok := m.accountCancels[accountID]; ok {
		cancel()
		delete(m.accountCancels, accountID)
		delete(m.accountCtxs, accountID)
	}
	m.mutex.Unlock()

	deadline := time.Now().Add(stopAccountGrace)
	for m.queue.HasAccountWork(accountID) {
		if time.Now().After(deadline) {
			log.Printf("Timed out waiting for account %s sync jobs to stop", accountID)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// accountContext 每账户一个可单独取消的context
func (m *SyncManager) accountContext(accountID string) context.Context {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if ctx, ok := m.accountCtxs[accountID]; ok {
		return ctx
	}
	ctx, cancel := context.WithCancel(m.rootCtx)
	m.accountCtxs[accountID] = ctx
	m.accountCancels[accountID] = cancel
	return ctx
}
