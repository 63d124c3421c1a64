package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ravn/internal/credentials"
	"ravn/internal/models"
)

// CreateAccountRequest 创建账户请求
type CreateAccountRequest struct {
	Name     string            `json:"name"`
	Email    string            `json:"email" binding:"required,email"`
	Provider string            `json:"provider" binding:"required"`
	Settings map[string]string `json:"settings"`

	// 密码类账户可随创建一并提交凭据
	Username string `json:"username"`
	Password string `json:"password"`
}

// ListAccounts 列出所有账户
func (h *Handler) ListAccounts(c *gin.Context) {
	accounts, err := h.accounts.List(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

// GetAccount 获取单个账户
func (h *Handler) GetAccount(c *gin.Context) {
	account, err := h.accounts.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

// CreateAccount 创建账户。密码类账户带凭据时顺带入库并拉取
// 文件夹结构，随后整账户入队同步。
func (h *Handler) CreateAccount(c *gin.Context) {
	var req CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	account := &models.Account{
		Name:     req.Name,
		Email:    req.Email,
		Provider: req.Provider,
	}
	if account.Name == "" {
		account.Name = req.Email
	}
	if len(req.Settings) > 0 {
		settings := make(map[string]interface{}, len(req.Settings))
		for k, v := range req.Settings {
			settings[k] = v
		}
		if err := account.SetSettings(settings); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	ctx := c.Request.Context()
	if err := h.accounts.Create(ctx, account); err != nil {
		fail(c, err)
		return
	}

	if req.Password != "" {
		cred := &credentials.IMAPCredential{Username: req.Username, Password: req.Password}
		if err := h.creds.StoreIMAP(ctx, account.ID, cred); err != nil {
			fail(c, err)
			return
		}
	}

	// OAuth账户要等授权回调带回token才能同步
	if has, _ := h.creds.HasCredentials(ctx, account.ID); has {
		if _, err := h.coordinator.SyncFolderStructure(ctx, account.ID); err != nil {
			c.JSON(http.StatusCreated, gin.H{"account": account, "warning": err.Error()})
			return
		}
		h.manager.EnqueueAccountSync(ctx, account.ID, true)
	}

	c.JSON(http.StatusCreated, gin.H{"account": account})
}

// DeleteAccount 删除账户：停同步、关连接、删凭据，数据级联删除
func (h *Handler) DeleteAccount(c *gin.Context) {
	ctx := c.Request.Context()
	accountID := c.Param("id")

	h.manager.StopAccountSync(ctx, accountID)
	h.coordinator.InvalidateAccount(accountID)
	if err := h.creds.Delete(ctx, accountID); err != nil {
		fail(c, err)
		return
	}
	if err := h.accounts.Delete(ctx, accountID); err != nil {
		fail(c, err)
		return
	}
	h.respCache.Clear()
	c.JSON(http.StatusOK, gin.H{"deleted": accountID})
}

// TestAccount 测试账户连通性
func (h *Handler) TestAccount(c *gin.Context) {
	if err := h.coordinator.TestAccount(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// SyncAccount 用户触发整账户同步
func (h *Handler) SyncAccount(c *gin.Context) {
	ctx := c.Request.Context()
	accountID := c.Param("id")
	full := c.Query("full") == "true"

	if _, err := h.coordinator.SyncFolderStructure(ctx, accountID); err != nil {
		fail(c, err)
		return
	}
	if err := h.manager.EnqueueAccountSync(ctx, accountID, full); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// StopAccountSync 停止账户同步
func (h *Handler) StopAccountSync(c *gin.Context) {
	h.manager.StopAccountSync(c.Request.Context(), c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// StoreCredentialsRequest 提交凭据请求
type StoreCredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password" binding:"required"`
}

// StoreCredentials 为密码类账户补交凭据
func (h *Handler) StoreCredentials(c *gin.Context) {
	ctx := c.Request.Context()
	account, err := h.accounts.GetByID(ctx, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if account.UsesOAuth2() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "oauth2 accounts authorize via /oauth"})
		return
	}

	var req StoreCredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cred := &credentials.IMAPCredential{Username: req.Username, Password: req.Password}
	if err := h.creds.StoreIMAP(ctx, account.ID, cred); err != nil {
		fail(c, err)
		return
	}
	h.coordinator.InvalidateAccount(account.ID)

	if _, err := h.coordinator.SyncFolderStructure(ctx, account.ID); err != nil {
		fail(c, err)
		return
	}
	h.manager.EnqueueAccountSync(ctx, account.ID, false)
	c.JSON(http.StatusOK, gin.H{"status": "stored"})
}
