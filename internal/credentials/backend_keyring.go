package credentials

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const keyringService = "ravn"

// keyringBackend 基于OS keyring的凭据后端
type keyringBackend struct {
	ring keyring.Keyring
}

// openKeyring 打开OS keyring并做一次set/get往返探测，
// 排除返回成功但不真正存储的退化实现
func openKeyring() (*keyringBackend, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: keyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.KWalletBackend,
			keyring.WinCredBackend,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}

	b := &keyringBackend{ring: ring}
	if err := b.probe(); err != nil {
		return nil, fmt.Errorf("keyring probe failed: %w", err)
	}
	return b, nil
}

// probe set/get/remove往返校验
func (b *keyringBackend) probe() error {
	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	key := "probe." + hex.EncodeToString(nonce)
	payload := []byte("ravn-probe")

	if err := b.ring.Set(keyring.Item{Key: key, Data: payload}); err != nil {
		return err
	}
	item, err := b.ring.Get(key)
	if err != nil {
		return err
	}
	_ = b.ring.Remove(key)
	if !bytes.Equal(item.Data, payload) {
		return errors.New("keyring returned different data than stored")
	}
	return nil
}

func credentialKey(accountID, kind string) string {
	return accountID + "." + kind
}

func (b *keyringBackend) set(_ context.Context, accountID, kind string, data []byte) error {
	err := b.ring.Set(keyring.Item{
		Key:   credentialKey(accountID, kind),
		Label: "ravn " + kind + " credential",
		Data:  data,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (b *keyringBackend) get(_ context.Context, accountID, kind string) ([]byte, error) {
	item, err := b.ring.Get(credentialKey(accountID, kind))
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return nil, ErrCredentialMissing
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return item.Data, nil
}

func (b *keyringBackend) delete(_ context.Context, accountID string) error {
	for _, kind := range []string{"oauth2", "imap"} {
		err := b.ring.Remove(credentialKey(accountID, kind))
		if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}
	return nil
}

func (b *keyringBackend) has(_ context.Context, accountID string) (bool, error) {
	for _, kind := range []string{"oauth2", "imap"} {
		if _, err := b.ring.Get(credentialKey(accountID, kind)); err == nil {
			return true, nil
		}
	}
	return false, nil
}

func (b *keyringBackend) name() string {
	return "keyring"
}
