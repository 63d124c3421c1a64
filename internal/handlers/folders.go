package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"ravn/internal/repository"
)

const folderListCacheTTL = 5 * time.Second

// ListFolders 列出账户的文件夹树，隐藏文件夹默认不返回
func (h *Handler) ListFolders(c *gin.Context) {
	accountID := c.Query("account_id")
	if accountID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_id is required"})
		return
	}
	includeHidden := c.Query("include_hidden") == "true"

	cacheKey := "folders/" + accountID + "/" + strconv.FormatBool(includeHidden)
	if cached, ok := h.respCache.Get(cacheKey); ok {
		c.JSON(http.StatusOK, cached)
		return
	}

	folders, err := h.folders.ListByAccount(c.Request.Context(), accountID)
	if err != nil {
		fail(c, err)
		return
	}
	if !includeHidden {
		visible := folders[:0]
		for _, f := range folders {
			if !f.IsHidden {
				visible = append(visible, f)
			}
		}
		folders = visible
	}

	resp := gin.H{"folders": folders}
	h.respCache.Set(cacheKey, resp, folderListCacheTTL)
	c.JSON(http.StatusOK, resp)
}

// RefreshFolders 从远端刷新文件夹结构
func (h *Handler) RefreshFolders(c *gin.Context) {
	accountID := c.Query("account_id")
	if accountID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_id is required"})
		return
	}

	folders, err := h.coordinator.SyncFolderStructure(c.Request.Context(), accountID)
	if err != nil {
		fail(c, err)
		return
	}
	h.respCache.DeletePrefix("folders/" + accountID)
	c.JSON(http.StatusOK, gin.H{"folders": folders})
}

// ListEmails 分页列出文件夹内的邮件
func (h *Handler) ListEmails(c *gin.Context) {
	folderID := c.Param("id")
	page := repository.Page{
		Limit:  intQuery(c, "limit", 50),
		Offset: intQuery(c, "offset", 0),
	}

	emails, err := h.emails.ListByFolder(c.Request.Context(), folderID, page)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"emails": emails, "limit": page.Limit, "offset": page.Offset})
}

// SyncFolder 用户触发单文件夹同步
func (h *Handler) SyncFolder(c *gin.Context) {
	ctx := c.Request.Context()
	folder, err := h.folders.GetByID(ctx, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	full := c.Query("full") == "true"

	queued := h.manager.EnqueueFolderSync(folder.AccountID, folder.ID, full)
	c.JSON(http.StatusAccepted, gin.H{"queued": queued, "processing": h.manager.IsProcessing(folder.AccountID, folder.ID)})
}

// RenameFolderRequest 重命名请求
type RenameFolderRequest struct {
	Name string `json:"name" binding:"required"`
}

// RenameFolder 重命名文件夹
func (h *Handler) RenameFolder(c *gin.Context) {
	var req RenameFolderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.emailSvc.RenameFolder(c.Request.Context(), c.Param("id"), req.Name); err != nil {
		fail(c, err)
		return
	}
	h.respCache.DeletePrefix("folders/")
	c.JSON(http.StatusOK, gin.H{"status": "renamed"})
}

// MoveFolderRequest 移动请求，parent_id为空表示移到顶层
type MoveFolderRequest struct {
	ParentID string `json:"parent_id"`
}

// MoveFolder 移动文件夹
func (h *Handler) MoveFolder(c *gin.Context) {
	var req MoveFolderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.emailSvc.MoveFolder(c.Request.Context(), c.Param("id"), req.ParentID); err != nil {
		fail(c, err)
		return
	}
	h.respCache.DeletePrefix("folders/")
	c.JSON(http.StatusOK, gin.H{"status": "moved"})
}

func intQuery(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
