package credentials

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ravn/internal/database"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.InitializeInMemory()
	if err != nil {
		t.Fatalf("InitializeInMemory: %v", err)
	}
	key := make([]byte, 32)
	copy(key, "test-master-key-test-master-key!")
	store, err := NewEncryptedDBStore(db, key)
	if err != nil {
		t.Fatalf("NewEncryptedDBStore: %v", err)
	}
	return store
}

func TestIMAPRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cred := &IMAPCredential{Username: "user@example.com", Password: "hunter2"}
	if err := store.StoreIMAP(ctx, "acc-1", cred); err != nil {
		t.Fatalf("StoreIMAP: %v", err)
	}

	got, err := store.GetIMAP(ctx, "acc-1")
	if err != nil {
		t.Fatalf("GetIMAP: %v", err)
	}
	if got.Username != cred.Username || got.Password != cred.Password {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestOAuth2RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cred := &OAuth2Credential{
		AccessToken:  "access",
		RefreshToken: "refresh",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour).Truncate(time.Second),
	}
	if err := store.StoreOAuth2(ctx, "acc-1", cred); err != nil {
		t.Fatalf("StoreOAuth2: %v", err)
	}

	got, err := store.GetOAuth2(ctx, "acc-1")
	if err != nil {
		t.Fatalf("GetOAuth2: %v", err)
	}
	if got.AccessToken != "access" || got.RefreshToken != "refresh" {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestMissingCredential(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.GetIMAP(ctx, "nobody"); !errors.Is(err, ErrCredentialMissing) {
		t.Errorf("GetIMAP = %v, want ErrCredentialMissing", err)
	}
	has, err := store.HasCredentials(ctx, "nobody")
	if err != nil {
		t.Fatalf("HasCredentials: %v", err)
	}
	if has {
		t.Error("HasCredentials = true for unknown account")
	}
}

func TestDeleteRemovesAllKinds(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.StoreIMAP(ctx, "acc-1", &IMAPCredential{Username: "u", Password: "p"})
	store.StoreOAuth2(ctx, "acc-1", &OAuth2Credential{AccessToken: "a"})

	if err := store.Delete(ctx, "acc-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.GetIMAP(ctx, "acc-1"); !errors.Is(err, ErrCredentialMissing) {
		t.Error("imap credential survived Delete")
	}
	if _, err := store.GetOAuth2(ctx, "acc-1"); !errors.Is(err, ErrCredentialMissing) {
		t.Error("oauth2 credential survived Delete")
	}
}

func TestWrongKeyFailsToDecrypt(t *testing.T) {
	db, err := database.InitializeInMemory()
	if err != nil {
		t.Fatalf("InitializeInMemory: %v", err)
	}
	ctx := context.Background()

	keyA := make([]byte, 32)
	copy(keyA, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	storeA, err := NewEncryptedDBStore(db, keyA)
	if err != nil {
		t.Fatalf("NewEncryptedDBStore: %v", err)
	}
	if err := storeA.StoreIMAP(ctx, "acc-1", &IMAPCredential{Username: "u", Password: "secret"}); err != nil {
		t.Fatalf("StoreIMAP: %v", err)
	}

	keyB := make([]byte, 32)
	copy(keyB, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	storeB, err := NewEncryptedDBStore(db, keyB)
	if err != nil {
		t.Fatalf("NewEncryptedDBStore: %v", err)
	}
	if _, err := storeB.GetIMAP(ctx, "acc-1"); err == nil {
		t.Error("ciphertext decrypted with the wrong key")
	}
}

func TestOAuth2CredentialExpiry(t *testing.T) {
	fresh := &OAuth2Credential{Expiry: time.Now().Add(time.Hour)}
	if fresh.IsExpired() {
		t.Error("token with an hour left reported expired")
	}

	// 到期前30秒的刷新余量
	closeToExpiry := &OAuth2Credential{Expiry: time.Now().Add(10 * time.Second)}
	if !closeToExpiry.IsExpired() {
		t.Error("token inside the refresh margin should count as expired")
	}

	noExpiry := &OAuth2Credential{}
	if noExpiry.IsExpired() {
		t.Error("zero expiry means non-expiring")
	}
}

func TestLoadOrCreateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.key")

	key, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("LoadOrCreateKey: %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("key length = %d, want 32", len(key))
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("key file mode = %o, want 600", info.Mode().Perm())
	}

	// 第二次加载同一把密钥
	again, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("second LoadOrCreateKey: %v", err)
	}
	if string(again) != string(key) {
		t.Error("reloaded key differs from the created one")
	}
}
