package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ravn/internal/models"
	"ravn/internal/providers"
)

// GetEmail 获取单封邮件（含附件元数据）
func (h *Handler) GetEmail(c *gin.Context) {
	email, err := h.emails.GetByIDWithAttachments(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, email)
}

// MarkRead 标记已读
func (h *Handler) MarkRead(c *gin.Context) {
	if err := h.emailSvc.MarkAsRead(c.Request.Context(), c.Param("id"), true); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// MarkUnread 标记未读
func (h *Handler) MarkUnread(c *gin.Context) {
	if err := h.emailSvc.MarkAsRead(c.Request.Context(), c.Param("id"), false); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// SetStarRequest 星标请求
type SetStarRequest struct {
	Flagged bool `json:"flagged"`
}

// SetStar 设置/取消星标
func (h *Handler) SetStar(c *gin.Context) {
	var req SetStarRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.emailSvc.SetFlag(c.Request.Context(), c.Param("id"), req.Flagged); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// MoveEmailRequest 移动请求
type MoveEmailRequest struct {
	FolderID string `json:"folder_id" binding:"required"`
}

// MoveEmail 移动邮件
func (h *Handler) MoveEmail(c *gin.Context) {
	var req MoveEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.emailSvc.MoveEmail(c.Request.Context(), c.Param("id"), req.FolderID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "moved"})
}

// DeleteEmail 删除邮件（进回收站，回收站内二次删除为彻底删除）
func (h *Handler) DeleteEmail(c *gin.Context) {
	if err := h.emailSvc.DeleteEmail(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// OutgoingAddress 请求中的地址
type OutgoingAddress struct {
	Name    string `json:"name"`
	Address string `json:"address" binding:"required,email"`
}

// SendEmailRequest 发送请求
type SendEmailRequest struct {
	AccountID  string            `json:"account_id" binding:"required"`
	To         []OutgoingAddress `json:"to" binding:"required,min=1"`
	CC         []OutgoingAddress `json:"cc"`
	BCC        []OutgoingAddress `json:"bcc"`
	Subject    string            `json:"subject"`
	BodyPlain  string            `json:"body_plain"`
	BodyHTML   string            `json:"body_html"`
	InReplyTo  string            `json:"in_reply_to"`
	References []string          `json:"references"`
}

func (r *SendEmailRequest) toMessage() *providers.OutgoingMessage {
	return &providers.OutgoingMessage{
		To:         toEmailAddresses(r.To),
		CC:         toEmailAddresses(r.CC),
		BCC:        toEmailAddresses(r.BCC),
		Subject:    r.Subject,
		BodyPlain:  r.BodyPlain,
		BodyHTML:   r.BodyHTML,
		InReplyTo:  r.InReplyTo,
		References: r.References,
	}
}

// SendEmail 发送邮件
func (h *Handler) SendEmail(c *gin.Context) {
	var req SendEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sent, err := h.emailSvc.SendEmail(c.Request.Context(), req.AccountID, req.toMessage())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"email": sent})
}

// SaveDraft 保存草稿
func (h *Handler) SaveDraft(c *gin.Context) {
	var req SendEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	draft, err := h.emailSvc.SaveDraft(c.Request.Context(), req.AccountID, req.toMessage())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"email": draft})
}

// SendDraft 发送已保存的草稿
func (h *Handler) SendDraft(c *gin.Context) {
	sent, err := h.emailSvc.SendDraft(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"email": sent})
}

func toEmailAddresses(in []OutgoingAddress) []models.EmailAddress {
	out := make([]models.EmailAddress, 0, len(in))
	for _, a := range in {
		out = append(out, models.EmailAddress{Name: a.Name, Address: a.Address})
	}
	return out
}
