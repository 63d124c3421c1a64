package oauth2

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"ravn/internal/config"
	"ravn/internal/credentials"
	"ravn/internal/models"
)

const stateTTL = 10 * time.Minute

// 提供商的授权范围。Gmail走完整邮箱范围，Graph按最小权限列举。
var providerScopes = map[string][]string{
	models.ProviderGmail: {
		"https://mail.google.com/",
		"openid", "email",
	},
	models.ProviderOffice365: {
		"offline_access",
		"openid", "email",
		"https://graph.microsoft.com/Mail.ReadWrite",
		"https://graph.microsoft.com/Mail.Send",
		"https://graph.microsoft.com/User.Read",
	},
}

// Flow OAuth2授权码流程。桥接服务发起授权，浏览器回调带回code，
// 换到的token写入凭据存储。state带PKCE verifier，过期自动回收。
type Flow struct {
	cfg *config.Config

	mutex  sync.Mutex
	states map[string]*pendingAuth
}

type pendingAuth struct {
	provider  string
	verifier  string
	createdAt time.Time
}

// NewFlow 创建授权流程
func NewFlow(cfg *config.Config) *Flow {
	return &Flow{
		cfg:    cfg,
		states: make(map[string]*pendingAuth),
	}
}

// oauthConfig 按提供商构造oauth2.Config
func (f *Flow) oauthConfig(provider string) (*oauth2.Config, error) {
	switch provider {
	case models.ProviderGmail:
		pc := f.cfg.OAuth.Gmail
		if pc.ClientID == "" {
			return nil, fmt.Errorf("gmail oauth client is not configured")
		}
		return &oauth2.Config{
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			RedirectURL:  pc.RedirectURL,
			Scopes:       providerScopes[models.ProviderGmail],
			Endpoint:     google.Endpoint,
		}, nil
	case models.ProviderOffice365:
		pc := f.cfg.OAuth.Office365
		if pc.ClientID == "" {
			return nil, fmt.Errorf("office365 oauth client is not configured")
		}
		return &oauth2.Config{
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			RedirectURL:  pc.RedirectURL,
			Scopes:       providerScopes[models.ProviderOffice365],
			Endpoint:     microsoft.AzureADEndpoint("common"),
		}, nil
	default:
		return nil, fmt.Errorf("provider %s does not use oauth2", provider)
	}
}

// BeginAuth 生成授权URL，返回URL和state
func (f *Flow) BeginAuth(provider string) (string, string, error) {
	conf, err := f.oauthConfig(provider)
	if err != nil {
		return "", "", err
	}

	state, err := randomToken()
	if err != nil {
		return "", "", err
	}
	verifier := oauth2.GenerateVerifier()

	f.mutex.Lock()
	f.pruneExpired()
	f.states[state] = &pendingAuth{provider: provider, verifier: verifier, createdAt: time.Now()}
	f.mutex.Unlock()

	url := conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.S256ChallengeOption(verifier),
	)
	return url, state, nil
}

// CompleteAuth 用回调的code换token，返回凭据和提供商标签
func (f *Flow) CompleteAuth(ctx context.Context, state, code string) (*credentials.OAuth2Credential, string, error) {
	f.mutex.Lock()
	pending, ok := f.states[state]
	delete(f.states, state)
	f.mutex.Unlock()
	if !ok {
		return nil, "", fmt.Errorf("unknown or expired oauth state")
	}
	if time.Since(pending.createdAt) > stateTTL {
		return nil, "", fmt.Errorf("oauth state expired")
	}

	conf, err := f.oauthConfig(pending.provider)
	if err != nil {
		return nil, "", err
	}

	token, err := conf.Exchange(ctx, code, oauth2.VerifierOption(pending.verifier))
	if err != nil {
		return nil, "", fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	cred := &credentials.OAuth2Credential{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Expiry:       token.Expiry,
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		cred.IDToken = idToken
	}
	return cred, pending.provider, nil
}

func (f *Flow) pruneExpired() {
	cutoff := time.Now().Add(-stateTTL)
	for state, pending := range f.states {
		if pending.createdAt.Before(cutoff) {
			delete(f.states, state)
		}
	}
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
