package credentials

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
)

const keyFileSize = 32

// LoadOrCreateKey 加载数据库加密密钥；首次运行生成32字节随机密钥，仅属主可读
func LoadOrCreateKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != keyFileSize {
			return nil, fmt.Errorf("key file %s has invalid size %d, expected %d", path, len(data), keyFileSize)
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	key := make([]byte, keyFileSize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	// 先写临时文件再rename，权限0600
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, key, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return nil, fmt.Errorf("failed to install key file: %w", err)
	}

	return key, nil
}
