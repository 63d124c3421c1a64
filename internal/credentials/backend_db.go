package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ravn/internal/models"
)

const gcmNonceSize = 12

// dbBackend AES-256-GCM加密的数据库凭据后端
type dbBackend struct {
	db        *gorm.DB
	masterKey []byte
}

func newDBBackend(db *gorm.DB, masterKey []byte) (*dbBackend, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(masterKey))
	}
	return &dbBackend{db: db, masterKey: masterKey}, nil
}

// recordKey 由主密钥按(account, kind)派生记录密钥，
// 单条记录泄露不影响其他记录
func (b *dbBackend) recordKey(accountID, kind string) []byte {
	salt := []byte("ravn." + accountID + "." + kind)
	return pbkdf2.Key(b.masterKey, salt, 4096, 32, sha256.New)
}

func (b *dbBackend) seal(accountID, kind string, plaintext []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(b.recordKey(accountID, kind))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}

	// 每条记录使用新的12字节随机nonce
	nonce = make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}

	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func (b *dbBackend) open(accountID, kind string, ciphertext, nonce []byte) ([]byte, error) {
	block, err := aes.NewCipher(b.recordKey(accountID, kind))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return plaintext, nil
}

func (b *dbBackend) set(ctx context.Context, accountID, kind string, data []byte) error {
	ciphertext, nonce, err := b.seal(accountID, kind, data)
	if err != nil {
		return err
	}

	cred := models.EncryptedCredential{
		AccountID:  accountID,
		Kind:       kind,
		Ciphertext: ciphertext,
		Nonce:      nonce,
	}
	err = b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "kind"}},
		DoUpdates: clause.AssignmentColumns([]string{"ciphertext", "nonce", "updated_at"}),
	}).Create(&cred).Error
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

func (b *dbBackend) get(ctx context.Context, accountID, kind string) ([]byte, error) {
	var cred models.EncryptedCredential
	err := b.db.WithContext(ctx).
		Where("account_id = ? AND kind = ?", accountID, kind).
		First(&cred).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCredentialMissing
		}
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	return b.open(accountID, kind, cred.Ciphertext, cred.Nonce)
}

func (b *dbBackend) delete(ctx context.Context, accountID string) error {
	err := b.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Delete(&models.EncryptedCredential{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete credentials: %w", err)
	}
	return nil
}

func (b *dbBackend) has(ctx context.Context, accountID string) (bool, error) {
	var count int64
	err := b.db.WithContext(ctx).Model(&models.EncryptedCredential{}).
		Where("account_id = ?", accountID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to count credentials: %w", err)
	}
	return count > 0, nil
}

func (b *dbBackend) name() string {
	return "encrypted_db"
}
