package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ravn/internal/repository"
)

// ListAttachments 列出邮件的附件元数据
func (h *Handler) ListAttachments(c *gin.Context) {
	attachments, err := h.attachmentsDB.ListByEmail(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attachments": attachments})
}

// DownloadAttachment 下载附件内容。未缓存的附件按需从远端拉取。
func (h *Handler) DownloadAttachment(c *gin.Context) {
	ctx := c.Request.Context()

	att, err := h.attachmentsDB.GetByID(ctx, c.Param("attID"))
	if err != nil {
		fail(c, err)
		return
	}
	if att.EmailID != c.Param("id") {
		fail(c, repository.ErrNotFound)
		return
	}
	email, err := h.emails.GetByID(ctx, att.EmailID)
	if err != nil {
		fail(c, err)
		return
	}

	var data []byte
	if att.IsCached {
		data, err = h.attachments.Retrieve(att)
	} else {
		account, accErr := h.accounts.GetByID(ctx, email.AccountID)
		if accErr != nil {
			fail(c, accErr)
			return
		}
		folder, folErr := h.folders.GetByID(ctx, email.FolderID)
		if folErr != nil {
			fail(c, folErr)
			return
		}
		provider, provErr := h.coordinator.ProviderFor(ctx, account)
		if provErr != nil {
			fail(c, provErr)
			return
		}
		data, err = h.attachments.EnsureCached(ctx, provider, email, folder.RemoteID, att)
	}
	if err != nil {
		fail(c, err)
		return
	}

	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Disposition", `attachment; filename="`+att.Filename+`"`)
	c.Data(http.StatusOK, contentType, data)
}

// GetAvatar 返回联系人头像
func (h *Handler) GetAvatar(c *gin.Context) {
	contact, err := h.contacts.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if contact.AvatarPath == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no avatar"})
		return
	}
	data, err := h.avatars.Retrieve(contact.AvatarPath)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no avatar"})
		return
	}
	c.Data(http.StatusOK, "image/png", data)
}
