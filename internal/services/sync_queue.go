package services

import (
	"container/heap"
	"sync"
	"time"
)

// 任务优先级，用户触发的同步插队到计划同步前面
const (
	PriorityScheduled     = 1
	PriorityUserInitiated = 10
)

// SyncJob 一次文件夹同步任务
type SyncJob struct {
	AccountID  string
	FolderID   string
	Full       bool
	Priority   int
	EnqueuedAt time.Time

	index int
}

func (j *SyncJob) key() string {
	return j.AccountID + "/" + j.FolderID
}

// SyncQueue 同步任务队列。同一(账户, 文件夹)在排队或执行中时
// 重复入队被拒绝，优先级高的先出队。
type SyncQueue struct {
	mutex    sync.Mutex
	cond     *sync.Cond
	jobs     jobHeap
	queued   map[string]*SyncJob
	inFlight map[string]*SyncJob
	closed   bool
}

// NewSyncQueue 创建同步队列
func NewSyncQueue() *SyncQueue {
	q := &SyncQueue{
		queued:   make(map[string]*SyncJob),
		inFlight: make(map[string]*SyncJob),
	}
	q.cond = sync.NewCond(&q.mutex)
	return q
}

// Push 入队。重复的(账户, 文件夹)返回false；
// 已排队任务遇到更高优先级时就地提升。
func (q *SyncQueue) Push(job *SyncJob) bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.closed {
		return false
	}

	key := job.key()
	if existing, ok := q.queued[key]; ok {
		if job.Priority > existing.Priority {
			existing.Priority = job.Priority
			existing.Full = existing.Full || job.Full
			heap.Fix(&q.jobs, existing.index)
		}
		return false
	}
	if _, ok := q.inFlight[key]; ok {
		return false
	}

	job.EnqueuedAt = time.Now()
	q.queued[key] = job
	heap.Push(&q.jobs, job)
	q.cond.Signal()
	return true
}

// Pop 阻塞取出最高优先级任务，队列关闭后返回false。
// 取出的任务进入in-flight集合，完成后必须调用Done。
func (q *SyncQueue) Pop() (*SyncJob, bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	for q.jobs.Len() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.jobs.Len() == 0 {
		return nil, false
	}

	job := heap.Pop(&q.jobs).(*SyncJob)
	key := job.key()
	delete(q.queued, key)
	q.inFlight[key] = job
	return job, true
}

// Done 标记任务完成，释放in-flight槽位
func (q *SyncQueue) Done(job *SyncJob) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	delete(q.inFlight, job.key())
}

// IsProcessing 检查(账户, 文件夹)是否在排队或执行中
func (q *SyncQueue) IsProcessing(accountID, folderID string) bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	key := accountID + "/" + folderID
	if _, ok := q.queued[key]; ok {
		return true
	}
	_, ok := q.inFlight[key]
	return ok
}

// HasAccountWork 检查账户是否还有排队或执行中的任务
func (q *SyncQueue) HasAccountWork(accountID string) bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	for _, job := range q.queued {
		if job.AccountID == accountID {
			return true
		}
	}
	for _, job := range q.inFlight {
		if job.AccountID == accountID {
			return true
		}
	}
	return false
}

// DropAccountJobs 丢弃账户所有排队中的任务，执行中的不受影响
func (q *SyncQueue) DropAccountJobs(accountID string) int {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	dropped := 0
	remaining := jobHeap{}
	for _, job := range q.jobs {
		if job.AccountID == accountID {
			delete(q.queued, job.key())
			dropped++
			continue
		}
		remaining = append(remaining, job)
	}
	// heap.Init只修正移动过的元素，存活任务的index必须先行重排，
	// 否则后续按index的heap.Fix会越界
	for i, job := range remaining {
		job.index = i
	}
	q.jobs = remaining
	heap.Init(&q.jobs)
	return dropped
}

// Len 排队中的任务数
func (q *SyncQueue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.jobs.Len()
}

// Close 关闭队列，阻塞中的Pop全部返回
func (q *SyncQueue) Close() {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// jobHeap 优先级大顶堆，同优先级按入队时间先来先出
type jobHeap []*SyncJob

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x interface{}) {
	job := x.(*SyncJob)
	job.index = len(*h)
	*h = append(*h, job)
}

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	job.index = -1
	*h = old[:n-1]
	return job
}
