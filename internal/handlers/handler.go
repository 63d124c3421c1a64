package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"ravn/internal/auth"
	"ravn/internal/cache"
	"ravn/internal/config"
	"ravn/internal/credentials"
	"ravn/internal/middleware"
	"ravn/internal/oauth2"
	"ravn/internal/repository"
	"ravn/internal/search"
	"ravn/internal/services"
	"ravn/internal/sse"
)

// Handler 桥接服务的HTTP层。前端通过它读本地库、触发同步、
// 执行变更，变更结果由SSE推回。
type Handler struct {
	cfg *config.Config

	accounts      *repository.AccountRepository
	folders       *repository.FolderRepository
	emails        *repository.EmailRepository
	attachmentsDB *repository.AttachmentRepository
	labels        *repository.LabelRepository
	contacts      *repository.ContactRepository

	creds       *credentials.Store
	emailSvc    *services.EmailService
	attachments *services.AttachmentService
	avatars     *services.AvatarService
	coordinator *services.SyncCoordinator
	manager     *services.SyncManager
	index       *search.Index
	oauthFlow   *oauth2.Flow
	tokens      *auth.TokenManager
	bridge      *sse.Bridge
	respCache   *cache.MemoryCache
}

// Deps 处理器依赖集合
type Deps struct {
	Cfg           *config.Config
	Accounts      *repository.AccountRepository
	Folders       *repository.FolderRepository
	Emails        *repository.EmailRepository
	AttachmentsDB *repository.AttachmentRepository
	Labels        *repository.LabelRepository
	Contacts      *repository.ContactRepository
	Creds         *credentials.Store
	EmailSvc      *services.EmailService
	Attachments   *services.AttachmentService
	Avatars       *services.AvatarService
	Coordinator   *services.SyncCoordinator
	Manager       *services.SyncManager
	Index         *search.Index
	OAuthFlow     *oauth2.Flow
	Tokens        *auth.TokenManager
	Bridge        *sse.Bridge
}

// New 创建处理器
func New(d Deps) *Handler {
	return &Handler{
		cfg:           d.Cfg,
		accounts:      d.Accounts,
		folders:       d.Folders,
		emails:        d.Emails,
		attachmentsDB: d.AttachmentsDB,
		labels:        d.Labels,
		contacts:      d.Contacts,
		creds:         d.Creds,
		emailSvc:      d.EmailSvc,
		attachments:   d.Attachments,
		avatars:       d.Avatars,
		coordinator:   d.Coordinator,
		manager:       d.Manager,
		index:         d.Index,
		oauthFlow:     d.OAuthFlow,
		tokens:        d.Tokens,
		bridge:        d.Bridge,
		respCache:     cache.NewMemoryCache(),
	}
}

// RegisterRoutes 注册所有路由
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.HealthCheck)

	api := router.Group("/api/v1")

	// OAuth回调来自浏览器跳转，不带访问令牌
	oauth := api.Group("/oauth")
	{
		oauth.GET("/:provider/authorize", middleware.RequireToken(h.tokens), h.BeginOAuth)
		oauth.GET("/callback", h.OAuthCallback)
	}

	authed := api.Group("")
	authed.Use(middleware.RequireToken(h.tokens))
	{
		accounts := authed.Group("/accounts")
		{
			accounts.GET("", h.ListAccounts)
			accounts.POST("", h.CreateAccount)
			accounts.GET("/:id", h.GetAccount)
			accounts.DELETE("/:id", h.DeleteAccount)
			accounts.POST("/:id/test", h.TestAccount)
			accounts.POST("/:id/sync", h.SyncAccount)
			accounts.POST("/:id/stop-sync", h.StopAccountSync)
			accounts.POST("/:id/credentials", h.StoreCredentials)
		}

		folders := authed.Group("/folders")
		{
			folders.GET("", h.ListFolders)
			folders.POST("/refresh", h.RefreshFolders)
			folders.GET("/:id/emails", h.ListEmails)
			folders.POST("/:id/sync", h.SyncFolder)
			folders.PUT("/:id/rename", h.RenameFolder)
			folders.PUT("/:id/move", h.MoveFolder)
		}

		emails := authed.Group("/emails")
		{
			emails.GET("/:id", h.GetEmail)
			emails.PUT("/:id/read", h.MarkRead)
			emails.PUT("/:id/unread", h.MarkUnread)
			emails.PUT("/:id/star", h.SetStar)
			emails.PUT("/:id/move", h.MoveEmail)
			emails.DELETE("/:id", h.DeleteEmail)
			emails.POST("/send", h.SendEmail)
			emails.POST("/drafts", h.SaveDraft)
			emails.POST("/drafts/:id/send", h.SendDraft)
			emails.GET("/:id/attachments", h.ListAttachments)
			emails.GET("/:id/attachments/:attID", h.DownloadAttachment)
		}

		authed.GET("/search", h.Search)
		authed.POST("/search/rebuild", h.RebuildIndex)
		authed.GET("/contacts/:id/avatar", h.GetAvatar)
	}

	// SSE端点用token查询参数认证
	api.GET("/events", middleware.RequireToken(h.tokens), h.bridge.Handler)
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// fail 按错误类型返回合适的状态码
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, credentials.ErrCredentialMissing):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, services.ErrSyncInProgress):
		status = http.StatusConflict
	}
	c.JSON(status, middleware.ErrorResponse{Error: err.Error()})
}
