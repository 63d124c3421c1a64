package services

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"ravn/internal/repository"
	"ravn/internal/storage"
)

const (
	avatarFetchBatchSize = 20
	avatarFetchTick      = 5 * time.Minute
	avatarMaxSize        = 1 << 20
)

// AvatarService 联系人头像抓取。按邮箱地址的MD5向Gravatar拉取，
// 404当作没有头像，写入空文件占位避免反复请求。
type AvatarService struct {
	contacts *repository.ContactRepository
	blobs    storage.BlobStore
	client   *http.Client

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewAvatarService 创建头像服务
func NewAvatarService(contacts *repository.ContactRepository, blobs storage.BlobStore) *AvatarService {
	return &AvatarService{
		contacts: contacts,
		blobs:    blobs,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

// Start 启动抓取循环
func (s *AvatarService) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop 停止抓取循环
func (s *AvatarService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *AvatarService) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(avatarFetchTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *AvatarService) runOnce(ctx context.Context) {
	pending, err := s.contacts.ListWithoutAvatar(ctx, avatarFetchBatchSize)
	if err != nil {
		log.Printf("Avatar service failed to list contacts: %v", err)
		return
	}

	for i := range pending {
		select {
		case <-ctx.Done():
			return
		default:
		}
		contact := &pending[i]
		path, err := s.FetchAvatar(ctx, contact.Email)
		if err != nil {
			log.Printf("Avatar fetch failed for %s: %v", contact.Email, err)
			continue
		}
		if err := s.contacts.SetAvatarPath(ctx, contact.ID, path); err != nil {
			log.Printf("Failed to store avatar path for %s: %v", contact.Email, err)
		}
	}
}

// FetchAvatar 拉取单个地址的头像并落盘，返回相对路径。
// 远端没有头像时写入空占位文件。
func (s *AvatarService) FetchAvatar(ctx context.Context, address string) (string, error) {
	relPath := storage.AvatarPath(address)
	if s.blobs.Exists(relPath) {
		return relPath, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, gravatarURL(address), nil)
	if err != nil {
		return "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		if err := s.blobs.Store(relPath, nil); err != nil {
			return "", err
		}
		return relPath, nil
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("avatar fetch returned status %d", resp.StatusCode)
	}

	if _, _, err := s.blobs.StoreFrom(relPath, io.LimitReader(resp.Body, avatarMaxSize)); err != nil {
		return "", err
	}
	return relPath, nil
}

// Retrieve 读取已缓存的头像，空占位文件视作没有头像
func (s *AvatarService) Retrieve(relPath string) ([]byte, error) {
	data, err := s.blobs.Retrieve(relPath)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("no avatar cached")
	}
	return data, nil
}

func gravatarURL(address string) string {
	sum := md5.Sum([]byte(strings.ToLower(strings.TrimSpace(address))))
	return "https://www.gravatar.com/avatar/" + hex.EncodeToString(sum[:]) + "?s=160&d=404"
}
