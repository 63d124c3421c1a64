package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"ravn/internal/models"
	"ravn/internal/repository"
)

// BeginOAuth 发起OAuth2授权，返回给前端打开的授权URL
func (h *Handler) BeginOAuth(c *gin.Context) {
	provider := c.Param("provider")
	url, state, err := h.oauthFlow.BeginAuth(provider)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url, "state": state})
}

// OAuthCallback 浏览器回调。code换token后按id_token里的地址
// 找到或创建账户，token入凭据库并触发首轮同步。
func (h *Handler) OAuthCallback(c *gin.Context) {
	ctx := c.Request.Context()
	state := c.Query("state")
	code := c.Query("code")
	if errMsg := c.Query("error"); errMsg != "" {
		c.String(http.StatusBadRequest, "Authorization failed: %s", errMsg)
		return
	}
	if state == "" || code == "" {
		c.String(http.StatusBadRequest, "Missing state or code")
		return
	}

	cred, provider, err := h.oauthFlow.CompleteAuth(ctx, state, code)
	if err != nil {
		c.String(http.StatusBadRequest, "Authorization failed: %v", err)
		return
	}

	email := cred.EmailFromIDToken()
	if email == "" {
		c.String(http.StatusBadRequest, "Authorization response did not identify the mailbox")
		return
	}

	account, err := h.accounts.GetByEmail(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		account = &models.Account{Name: email, Email: email, Provider: provider}
		if err := h.accounts.Create(ctx, account); err != nil {
			c.String(http.StatusInternalServerError, "Failed to create account: %v", err)
			return
		}
	} else if err != nil {
		c.String(http.StatusInternalServerError, "Failed to look up account: %v", err)
		return
	}

	if err := h.creds.StoreOAuth2(ctx, account.ID, cred); err != nil {
		c.String(http.StatusInternalServerError, "Failed to store credentials: %v", err)
		return
	}
	h.coordinator.InvalidateAccount(account.ID)

	if _, err := h.coordinator.SyncFolderStructure(ctx, account.ID); err != nil {
		log.Printf("Folder sync after oauth failed for %s: %v", account.Email, err)
	} else {
		h.manager.EnqueueAccountSync(ctx, account.ID, true)
	}

	c.String(http.StatusOK, "Account %s connected. You can close this window.", account.Email)
}
