package services

import (
	"testing"
	"time"
)

func TestSyncQueuePriorityOrder(t *testing.T) {
	q := NewSyncQueue()
	defer q.Close()

	q.Push(&SyncJob{AccountID: "a", FolderID: "f1", Priority: PriorityScheduled})
	q.Push(&SyncJob{AccountID: "a", FolderID: "f2", Priority: PriorityUserInitiated})
	q.Push(&SyncJob{AccountID: "a", FolderID: "f3", Priority: PriorityScheduled})

	job, ok := q.Pop()
	if !ok || job.FolderID != "f2" {
		t.Fatalf("first Pop = %+v, want user-initiated f2", job)
	}
}

func TestSyncQueueFIFOWithinPriority(t *testing.T) {
	q := NewSyncQueue()
	defer q.Close()

	// 同优先级按入队顺序出队
	for _, folder := range []string{"f1", "f2", "f3"} {
		q.Push(&SyncJob{AccountID: "a", FolderID: folder, Priority: PriorityScheduled})
		time.Sleep(time.Millisecond)
	}

	for _, want := range []string{"f1", "f2", "f3"} {
		job, ok := q.Pop()
		if !ok {
			t.Fatal("Pop returned closed")
		}
		if job.FolderID != want {
			t.Errorf("Pop = %s, want %s", job.FolderID, want)
		}
		q.Done(job)
	}
}

func TestSyncQueueDeduplicates(t *testing.T) {
	q := NewSyncQueue()
	defer q.Close()

	if !q.Push(&SyncJob{AccountID: "a", FolderID: "f1", Priority: PriorityScheduled}) {
		t.Fatal("first Push rejected")
	}
	if q.Push(&SyncJob{AccountID: "a", FolderID: "f1", Priority: PriorityScheduled}) {
		t.Error("duplicate Push accepted")
	}
	if q.Len() != 1 {
		t.Errorf("Len = %d, want 1", q.Len())
	}
}

func TestSyncQueuePromotesQueuedJob(t *testing.T) {
	q := NewSyncQueue()
	defer q.Close()

	q.Push(&SyncJob{AccountID: "a", FolderID: "slow", Priority: PriorityScheduled})
	time.Sleep(time.Millisecond)
	q.Push(&SyncJob{AccountID: "a", FolderID: "urgent", Priority: PriorityScheduled})

	// 重复入队带着更高优先级时就地提升，Full标记合并
	accepted := q.Push(&SyncJob{AccountID: "a", FolderID: "urgent", Priority: PriorityUserInitiated, Full: true})
	if accepted {
		t.Error("promotion should still report duplicate")
	}

	job, _ := q.Pop()
	if job.FolderID != "urgent" {
		t.Fatalf("Pop = %s, want promoted urgent", job.FolderID)
	}
	if job.Priority != PriorityUserInitiated {
		t.Errorf("Priority = %d, want %d", job.Priority, PriorityUserInitiated)
	}
	if !job.Full {
		t.Error("Full flag should merge on promotion")
	}
}

func TestSyncQueueInFlightBlocksReenqueue(t *testing.T) {
	q := NewSyncQueue()
	defer q.Close()

	q.Push(&SyncJob{AccountID: "a", FolderID: "f1", Priority: PriorityScheduled})
	job, _ := q.Pop()

	if q.Push(&SyncJob{AccountID: "a", FolderID: "f1", Priority: PriorityUserInitiated}) {
		t.Error("Push accepted while job in flight")
	}
	if !q.IsProcessing("a", "f1") {
		t.Error("IsProcessing = false for in-flight job")
	}

	q.Done(job)
	if q.IsProcessing("a", "f1") {
		t.Error("IsProcessing = true after Done")
	}
	if !q.Push(&SyncJob{AccountID: "a", FolderID: "f1", Priority: PriorityScheduled}) {
		t.Error("Push rejected after Done")
	}
}

func TestSyncQueueHasAccountWork(t *testing.T) {
	q := NewSyncQueue()
	defer q.Close()

	q.Push(&SyncJob{AccountID: "a", FolderID: "f1", Priority: PriorityScheduled})
	if !q.HasAccountWork("a") {
		t.Error("HasAccountWork = false with queued job")
	}
	if q.HasAccountWork("b") {
		t.Error("HasAccountWork = true for idle account")
	}

	job, _ := q.Pop()
	if !q.HasAccountWork("a") {
		t.Error("HasAccountWork = false with in-flight job")
	}
	q.Done(job)
	if q.HasAccountWork("a") {
		t.Error("HasAccountWork = true after Done")
	}
}

func TestSyncQueueDropAccountJobs(t *testing.T) {
	q := NewSyncQueue()
	defer q.Close()

	q.Push(&SyncJob{AccountID: "a", FolderID: "f1", Priority: PriorityScheduled})
	q.Push(&SyncJob{AccountID: "a", FolderID: "f2", Priority: PriorityScheduled})
	q.Push(&SyncJob{AccountID: "b", FolderID: "f1", Priority: PriorityScheduled})

	if dropped := q.DropAccountJobs("a"); dropped != 2 {
		t.Errorf("DropAccountJobs = %d, want 2", dropped)
	}
	if q.Len() != 1 {
		t.Errorf("Len = %d, want 1", q.Len())
	}

	job, _ := q.Pop()
	if job.AccountID != "b" {
		t.Errorf("surviving job belongs to %s, want b", job.AccountID)
	}
	// 被丢弃的键可以重新入队
	if !q.Push(&SyncJob{AccountID: "a", FolderID: "f1", Priority: PriorityScheduled}) {
		t.Error("Push rejected for a dropped key")
	}
}

func TestSyncQueuePromoteSurvivorAfterDrop(t *testing.T) {
	q := NewSyncQueue()
	defer q.Close()

	// 多个前置任务让存活任务落在堆的尾部，丢弃后index必须重排
	q.Push(&SyncJob{AccountID: "a", FolderID: "f1", Priority: PriorityScheduled})
	time.Sleep(time.Millisecond)
	q.Push(&SyncJob{AccountID: "a", FolderID: "f2", Priority: PriorityScheduled})
	time.Sleep(time.Millisecond)
	q.Push(&SyncJob{AccountID: "a", FolderID: "f3", Priority: PriorityScheduled})
	time.Sleep(time.Millisecond)
	q.Push(&SyncJob{AccountID: "b", FolderID: "inbox", Priority: PriorityScheduled})

	if dropped := q.DropAccountJobs("a"); dropped != 3 {
		t.Fatalf("DropAccountJobs = %d, want 3", dropped)
	}

	// 存活任务的用户触发重复入队走就地提升路径
	if q.Push(&SyncJob{AccountID: "b", FolderID: "inbox", Priority: PriorityUserInitiated}) {
		t.Error("promotion should still report duplicate")
	}

	job, ok := q.Pop()
	if !ok || job.AccountID != "b" || job.FolderID != "inbox" {
		t.Fatalf("Pop = %+v, want the surviving b/inbox job", job)
	}
	if job.Priority != PriorityUserInitiated {
		t.Errorf("Priority = %d, want promoted %d", job.Priority, PriorityUserInitiated)
	}
}

func TestSyncQueueCloseUnblocksPop(t *testing.T) {
	q := NewSyncQueue()

	done := make(chan bool)
	go func() {
		_, ok := q.Pop()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("Pop on closed queue returned ok=true")
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock after Close")
	}

	if q.Push(&SyncJob{AccountID: "a", FolderID: "f1"}) {
		t.Error("Push accepted after Close")
	}
}
