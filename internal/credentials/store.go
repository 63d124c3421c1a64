package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"

	"ravn/internal/models"
)

// 凭据存储错误
var (
	ErrCredentialMissing  = errors.New("credential missing")
	ErrCryptoFailure      = errors.New("crypto failure")
	ErrBackendUnavailable = errors.New("credential backend unavailable")
)

// OAuth2Credential OAuth2凭据记录
type OAuth2Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	Expiry       time.Time `json:"expiry"`
	IDToken      string    `json:"id_token,omitempty"`
}

// IsExpired 检查access token是否已过期
func (c *OAuth2Credential) IsExpired() bool {
	if c.Expiry.IsZero() {
		return false
	}
	return time.Now().After(c.Expiry.Add(-30 * time.Second))
}

// EmailFromIDToken 从id_token声明中恢复账户地址（仅解析，不验证签名；
// token来自我们自己的OAuth流程，真实性由TLS保证）
func (c *OAuth2Credential) EmailFromIDToken() string {
	if c.IDToken == "" {
		return ""
	}
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(c.IDToken, claims); err != nil {
		return ""
	}
	if email, ok := claims["email"].(string); ok {
		return email
	}
	if upn, ok := claims["preferred_username"].(string); ok {
		return upn
	}
	return ""
}

// IMAPCredential IMAP凭据记录
type IMAPCredential struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// backend 凭据后端接口，按(account, kind)存取序列化字节
type backend interface {
	set(ctx context.Context, accountID, kind string, data []byte) error
	get(ctx context.Context, accountID, kind string) ([]byte, error)
	delete(ctx context.Context, accountID string) error
	has(ctx context.Context, accountID string) (bool, error)
	name() string
}

// Store 凭据存储，主后端为OS keyring，不可用时自动退回加密数据库后端。
// 后端选择在构造时确定且不再改变。
type Store struct {
	backend backend
	mutex   sync.RWMutex
}

// NewStore 创建凭据存储，优先尝试OS keyring
func NewStore(db *gorm.DB, encryptionKey []byte) (*Store, error) {
	if kr, err := openKeyring(); err == nil {
		return &Store{backend: kr}, nil
	} else {
		log.Printf("WARN: OS keyring unavailable (%v), falling back to encrypted database backend", err)
	}

	dbBackend, err := newDBBackend(db, encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return &Store{backend: dbBackend}, nil
}

// NewStoreWithBackend 使用指定后端创建凭据存储（用于测试）
func NewStoreWithBackend(b backend) *Store {
	return &Store{backend: b}
}

// NewEncryptedDBStore 强制使用加密数据库后端
func NewEncryptedDBStore(db *gorm.DB, encryptionKey []byte) (*Store, error) {
	dbBackend, err := newDBBackend(db, encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return &Store{backend: dbBackend}, nil
}

// BackendName 返回当前后端名称
func (s *Store) BackendName() string {
	return s.backend.name()
}

// StoreOAuth2 存储OAuth2凭据
func (s *Store) StoreOAuth2(ctx context.Context, accountID string, cred *OAuth2Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to marshal oauth2 credential: %w", err)
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.backend.set(ctx, accountID, models.CredentialKindOAuth2, data)
}

// GetOAuth2 获取OAuth2凭据
func (s *Store) GetOAuth2(ctx context.Context, accountID string) (*OAuth2Credential, error) {
	s.mutex.RLock()
	data, err := s.backend.get(ctx, accountID, models.CredentialKindOAuth2)
	s.mutex.RUnlock()
	if err != nil {
		return nil, err
	}
	var cred OAuth2Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("failed to unmarshal oauth2 credential: %w", err)
	}
	return &cred, nil
}

// StoreIMAP 存储IMAP凭据
func (s *Store) StoreIMAP(ctx context.Context, accountID string, cred *IMAPCredential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to marshal imap credential: %w", err)
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.backend.set(ctx, accountID, models.CredentialKindIMAP, data)
}

// GetIMAP 获取IMAP凭据
func (s *Store) GetIMAP(ctx context.Context, accountID string) (*IMAPCredential, error) {
	s.mutex.RLock()
	data, err := s.backend.get(ctx, accountID, models.CredentialKindIMAP)
	s.mutex.RUnlock()
	if err != nil {
		return nil, err
	}
	var cred IMAPCredential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("failed to unmarshal imap credential: %w", err)
	}
	return &cred, nil
}

// Delete 删除账户的所有凭据
func (s *Store) Delete(ctx context.Context, accountID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.backend.delete(ctx, accountID)
}

// HasCredentials 检查账户是否存有任一类凭据
func (s *Store) HasCredentials(ctx context.Context, accountID string) (bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.backend.has(ctx, accountID)
}
