package storage

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// BlobStore 内容寻址的本地文件存储。文件系统即缓存，进程内不做缓存。
type BlobStore interface {
	// Store 原子写入相对路径下的数据
	Store(relPath string, data []byte) error

	// StoreFrom 从Reader原子写入，返回写入字节数和MD5
	StoreFrom(relPath string, r io.Reader) (int64, string, error)

	// Retrieve 读取相对路径下的数据
	Retrieve(relPath string) ([]byte, error)

	// Open 打开相对路径对应的文件
	Open(relPath string) (io.ReadCloser, error)

	// Exists 检查相对路径是否存在
	Exists(relPath string) bool

	// Delete 删除单个文件
	Delete(relPath string) error

	// DeleteDirectory 删除相对目录及其内容
	DeleteDirectory(relPath string) error
}

// AttachmentPath 附件相对路径生成，读写双方共用同一函数
func AttachmentPath(accountID, emailID, filename string) string {
	return filepath.Join(accountID, emailID, sanitizeFilename(filename))
}

// AvatarPath 头像相对路径，按地址MD5寻址
func AvatarPath(address string) string {
	sum := md5.Sum([]byte(strings.ToLower(strings.TrimSpace(address))))
	return hex.EncodeToString(sum[:]) + ".img"
}

// LocalBlobStore 本地文件存储实现
type LocalBlobStore struct {
	baseDir string
}

// NewLocalBlobStore 创建本地文件存储
func NewLocalBlobStore(baseDir string) *LocalBlobStore {
	return &LocalBlobStore{baseDir: baseDir}
}

// Store 原子写入数据：先写临时文件再rename
func (s *LocalBlobStore) Store(relPath string, data []byte) error {
	_, _, err := s.StoreFrom(relPath, strings.NewReader(string(data)))
	return err
}

// StoreFrom 从Reader原子写入，返回写入字节数和MD5校验和
func (s *LocalBlobStore) StoreFrom(relPath string, r io.Reader) (int64, string, error) {
	fullPath, err := s.resolve(relPath)
	if err != nil {
		return 0, "", err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return 0, "", fmt.Errorf("failed to create directory: %w", err)
	}

	tempPath := fullPath + ".tmp"
	tempFile, err := os.Create(tempPath)
	if err != nil {
		return 0, "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		tempFile.Close()
		os.Remove(tempPath)
	}()

	hasher := md5.New()
	written, err := io.Copy(io.MultiWriter(tempFile, hasher), r)
	if err != nil {
		return 0, "", fmt.Errorf("failed to write data: %w", err)
	}

	if err := tempFile.Sync(); err != nil {
		return 0, "", fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return 0, "", fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tempPath, fullPath); err != nil {
		return 0, "", fmt.Errorf("failed to rename temp file: %w", err)
	}

	return written, hex.EncodeToString(hasher.Sum(nil)), nil
}

// Retrieve 读取数据
func (s *LocalBlobStore) Retrieve(relPath string) ([]byte, error) {
	fullPath, err := s.resolve(relPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", relPath, err)
	}
	return data, nil
}

// Open 打开文件流
func (s *LocalBlobStore) Open(relPath string) (io.ReadCloser, error) {
	fullPath, err := s.resolve(relPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", relPath, err)
	}
	return f, nil
}

// Exists 检查文件是否存在
func (s *LocalBlobStore) Exists(relPath string) bool {
	fullPath, err := s.resolve(relPath)
	if err != nil {
		return false
	}
	info, err := os.Stat(fullPath)
	return err == nil && !info.IsDir()
}

// Delete 删除单个文件
func (s *LocalBlobStore) Delete(relPath string) error {
	fullPath, err := s.resolve(relPath)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", relPath, err)
	}
	return nil
}

// DeleteDirectory 删除相对目录及其所有内容
func (s *LocalBlobStore) DeleteDirectory(relPath string) error {
	fullPath, err := s.resolve(relPath)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(fullPath); err != nil {
		return fmt.Errorf("failed to delete directory %s: %w", relPath, err)
	}
	return nil
}

// resolve 将相对路径解析到基目录内，拒绝越界路径
func (s *LocalBlobStore) resolve(relPath string) (string, error) {
	cleaned := filepath.Clean(relPath)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("invalid relative path: %s", relPath)
	}
	return filepath.Join(s.baseDir, cleaned), nil
}

// sanitizeFilename 清理文件名中的路径分隔符与控制字符
func sanitizeFilename(filename string) string {
	if filename == "" {
		return "unnamed"
	}
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		"..", "_",
		"\x00", "",
	)
	cleaned := replacer.Replace(filename)
	if len(cleaned) > 200 {
		cleaned = cleaned[len(cleaned)-200:]
	}
	return cleaned
}
