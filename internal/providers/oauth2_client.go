package providers

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"ravn/internal/credentials"
)

// TokenManager 管理单个账户的OAuth2令牌：读取凭据存储、
// 过期时刷新并把新token写回。核心消费已铸好的token，
// 浏览器授权流程在外部完成。
type TokenManager struct {
	accountID string
	config    *oauth2.Config
	store     *credentials.Store
	mutex     sync.Mutex
}

// NewTokenManager 创建令牌管理器
func NewTokenManager(accountID, clientID, clientSecret, tokenURL string, scopes []string, store *credentials.Store) *TokenManager {
	return &TokenManager{
		accountID: accountID,
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
			Scopes:       scopes,
		},
		store: store,
	}
}

// AccessToken 返回可用的access token，必要时先刷新
func (m *TokenManager) AccessToken(ctx context.Context) (string, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	cred, err := m.store.GetOAuth2(ctx, m.accountID)
	if err != nil {
		return "", err
	}
	if !cred.IsExpired() {
		return cred.AccessToken, nil
	}
	return m.refreshLocked(ctx, cred)
}

// ForceRefresh 无条件刷新access token；收到401时调用一次
func (m *TokenManager) ForceRefresh(ctx context.Context) (string, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	cred, err := m.store.GetOAuth2(ctx, m.accountID)
	if err != nil {
		return "", err
	}
	return m.refreshLocked(ctx, cred)
}

// refreshLocked 用refresh token换取新access token并持久化
func (m *TokenManager) refreshLocked(ctx context.Context, cred *credentials.OAuth2Credential) (string, error) {
	if cred.RefreshToken == "" {
		return "", fmt.Errorf("%w: no refresh token", ErrTokenExpired)
	}

	source := m.config.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	token, err := source.Token()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenExpired, err)
	}

	updated := &credentials.OAuth2Credential{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Expiry:       token.Expiry,
		IDToken:      cred.IDToken,
	}
	if updated.RefreshToken == "" {
		updated.RefreshToken = cred.RefreshToken
	}
	if idToken, ok := token.Extra("id_token").(string); ok && idToken != "" {
		updated.IDToken = idToken
	}

	if err := m.store.StoreOAuth2(ctx, m.accountID, updated); err != nil {
		return "", fmt.Errorf("failed to persist refreshed token: %w", err)
	}
	return updated.AccessToken, nil
}

// newAPIClient 元数据请求用的HTTP客户端
func newAPIClient() *http.Client {
	return &http.Client{Timeout: 60 * time.Second}
}

// newDownloadClient 大附件下载用的HTTP客户端
func newDownloadClient() *http.Client {
	return &http.Client{Timeout: 5 * time.Minute}
}
