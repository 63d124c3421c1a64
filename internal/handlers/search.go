package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ravn/internal/models"
	"ravn/internal/repository"
	"ravn/internal/search"
)

const searchCacheTTL = 10 * time.Second

// SearchResponse 搜索响应，命中条目关联上本地邮件行
type SearchResponse struct {
	Emails []SearchHit `json:"emails"`
	Total  uint64      `json:"total"`
	TookMS int64       `json:"took_ms"`
}

// SearchHit 单条命中
type SearchHit struct {
	Email     *models.Email       `json:"email"`
	Score     float64             `json:"score"`
	Fragments map[string][]string `json:"fragments,omitempty"`
}

// Search 全文搜索
func (h *Handler) Search(c *gin.Context) {
	req := search.Request{
		AccountID: c.Query("account_id"),
		Query:     c.Query("q"),
		Limit:     intQuery(c, "limit", 50),
		Offset:    intQuery(c, "offset", 0),
	}

	cacheKey := fmt.Sprintf("search/%s/%s/%d/%d", req.AccountID, req.Query, req.Limit, req.Offset)
	if cached, ok := h.respCache.Get(cacheKey); ok {
		c.JSON(http.StatusOK, cached)
		return
	}

	ctx := c.Request.Context()
	result, err := h.index.Search(ctx, req)
	if err != nil {
		if isQueryError(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		fail(c, err)
		return
	}

	resp := &SearchResponse{
		Emails: make([]SearchHit, 0, len(result.Hits)),
		Total:  result.Total,
		TookMS: result.Took.Milliseconds(),
	}
	for _, hit := range result.Hits {
		email, err := h.emails.GetByID(ctx, hit.ID)
		if err != nil {
			// 索引比库超前时跳过幽灵命中
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			fail(c, err)
			return
		}
		resp.Emails = append(resp.Emails, SearchHit{
			Email:     email,
			Score:     hit.Score,
			Fragments: hit.Fragments,
		})
	}

	h.respCache.Set(cacheKey, resp, searchCacheTTL)
	c.JSON(http.StatusOK, resp)
}

// RebuildIndex 从数据库全量重建搜索索引
func (h *Handler) RebuildIndex(c *gin.Context) {
	ctx := c.Request.Context()
	err := h.index.Rebuild(ctx, func(offset, limit int) ([]*models.Email, error) {
		batch, err := h.emails.ListAll(ctx, repository.Page{Limit: limit, Offset: offset})
		if err != nil {
			return nil, err
		}
		out := make([]*models.Email, len(batch))
		for i := range batch {
			// 重建的文档也要带标签快照，否则labels:查询重建后失效
			if names, err := h.labels.ListEmailLabels(ctx, batch[i].ID); err == nil {
				batch[i].LabelNames = names
			}
			out[i] = &batch[i]
		}
		return out, nil
	}, nil)
	if err != nil {
		fail(c, err)
		return
	}
	h.respCache.DeletePrefix("search/")
	c.JSON(http.StatusOK, gin.H{"status": "rebuilt"})
}

func isQueryError(err error) bool {
	return errors.Is(err, search.ErrEmptyQuery) ||
		errors.Is(err, search.ErrQueryTooLong) ||
		errors.Is(err, search.ErrTooManyClauses) ||
		errors.Is(err, search.ErrTooManyWildcards)
}
