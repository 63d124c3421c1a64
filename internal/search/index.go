package search

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"

	"ravn/internal/models"
)

const indexBatchSize = 200

// Index 全文搜索索引。索引是数据库的衍生物，损坏或落后时
// 可以随时Rebuild重建，不参与同步事务。
type Index struct {
	path  string
	mutex sync.RWMutex
	idx   bleve.Index
}

// emailDocument 进入索引的邮件投影
type emailDocument struct {
	AccountID      string    `json:"account_id"`
	FolderID       string    `json:"folder_id"`
	ConversationID string    `json:"conversation_id"`
	Labels         []string  `json:"labels"`
	Subject        string    `json:"subject"`
	Body           string    `json:"body"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	CC             string    `json:"cc"`
	Received       time.Time `json:"received"`
	IsRead         bool      `json:"is_read"`
	IsFlagged      bool      `json:"is_flagged"`
	IsDeleted      bool      `json:"is_deleted"`
}

func buildIndexMapping() mapping.IndexMapping {
	keywordField := bleve.NewTextFieldMapping()
	keywordField.Analyzer = keyword.Name

	textField := bleve.NewTextFieldMapping()
	dateField := bleve.NewDateTimeFieldMapping()
	boolField := bleve.NewBooleanFieldMapping()

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("account_id", keywordField)
	doc.AddFieldMappingsAt("folder_id", keywordField)
	doc.AddFieldMappingsAt("conversation_id", keywordField)
	doc.AddFieldMappingsAt("labels", keywordField)
	doc.AddFieldMappingsAt("subject", textField)
	doc.AddFieldMappingsAt("body", textField)
	doc.AddFieldMappingsAt("from", textField)
	doc.AddFieldMappingsAt("to", textField)
	doc.AddFieldMappingsAt("cc", textField)
	doc.AddFieldMappingsAt("received", dateField)
	doc.AddFieldMappingsAt("is_read", boolField)
	doc.AddFieldMappingsAt("is_flagged", boolField)
	doc.AddFieldMappingsAt("is_deleted", boolField)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	return m
}

// Open 打开或创建磁盘索引
func Open(path string) (*Index, error) {
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(path, buildIndexMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open search index: %w", err)
	}
	return &Index{path: path, idx: idx}, nil
}

// OpenInMemory 创建内存索引，测试用
func OpenInMemory() (*Index, error) {
	idx, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory index: %w", err)
	}
	return &Index{idx: idx}, nil
}

// Close 关闭索引
func (i *Index) Close() error {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	return i.idx.Close()
}

// IndexEmail 索引单封邮件，重复索引即覆盖
func (i *Index) IndexEmail(email *models.Email) error {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return i.idx.Index(email.ID, toDocument(email))
}

// IndexBatch 批量索引，同步落库一页后调用一次
func (i *Index) IndexBatch(emails []*models.Email) error {
	i.mutex.RLock()
	defer i.mutex.RUnlock()

	batch := i.idx.NewBatch()
	for _, email := range emails {
		if err := batch.Index(email.ID, toDocument(email)); err != nil {
			return err
		}
		if batch.Size() >= indexBatchSize {
			if err := i.idx.Batch(batch); err != nil {
				return err
			}
			batch = i.idx.NewBatch()
		}
	}
	if batch.Size() > 0 {
		return i.idx.Batch(batch)
	}
	return nil
}

// DeleteEmail 从索引移除邮件
func (i *Index) DeleteEmail(id string) error {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return i.idx.Delete(id)
}

// DeleteBatch 批量移除
func (i *Index) DeleteBatch(ids []string) error {
	i.mutex.RLock()
	defer i.mutex.RUnlock()

	batch := i.idx.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	return i.idx.Batch(batch)
}

// Clear 清空索引并重建空索引，全量重建前调用
func (i *Index) Clear() error {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	if err := i.idx.Close(); err != nil {
		return err
	}
	if i.path == "" {
		idx, err := bleve.NewMemOnly(buildIndexMapping())
		if err != nil {
			return err
		}
		i.idx = idx
		return nil
	}
	if err := os.RemoveAll(i.path); err != nil {
		return fmt.Errorf("failed to remove index directory: %w", err)
	}
	idx, err := bleve.New(i.path, buildIndexMapping())
	if err != nil {
		return fmt.Errorf("failed to recreate search index: %w", err)
	}
	i.idx = idx
	return nil
}

// Request 搜索请求
type Request struct {
	// AccountID 为空时跨账户搜索
	AccountID string
	Query     string
	Limit     int
	Offset    int
}

// Hit 命中条目
type Hit struct {
	ID        string
	Score     float64
	Fragments map[string][]string
}

// Result 搜索结果
type Result struct {
	Hits  []Hit
	Total uint64
	Took  time.Duration
}

// Search 执行查询。limit和offset静默收敛到上限，
// 查询本身的越界（长度、子句数、通配符数）返回错误。
func (i *Index) Search(ctx context.Context, req Request) (*Result, error) {
	parsed, err := Parse(req.Query)
	if err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	offset := req.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > maxOffset {
		offset = maxOffset
	}

	root := bleve.NewBooleanQuery()
	root.AddMust(parsed.Query)
	if req.AccountID != "" {
		accountFilter := bleve.NewTermQuery(req.AccountID)
		accountFilter.SetField("account_id")
		root.AddMust(accountFilter)
	}
	if !parsed.MentionsDeleted {
		// 已删除邮件默认不出现在结果里，除非查询显式要求
		deletedFilter := bleve.NewBoolFieldQuery(true)
		deletedFilter.SetField("is_deleted")
		root.AddMustNot(deletedFilter)
	}

	searchReq := bleve.NewSearchRequestOptions(root, limit, offset, false)
	searchReq.Highlight = bleve.NewHighlight()
	searchReq.SortBy([]string{"-_score", "-received"})

	res, err := i.idx.SearchInContext(ctx, searchReq)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	result := &Result{Total: res.Total, Took: res.Took}
	for _, hit := range res.Hits {
		result.Hits = append(result.Hits, Hit{
			ID:        hit.ID,
			Score:     hit.Score,
			Fragments: hit.Fragments,
		})
	}
	return result, nil
}

// RebuildProgress 重建进度回调
type RebuildProgress func(indexed int)

// Rebuild 清空后从给定批次来源全量重建
func (i *Index) Rebuild(ctx context.Context, nextBatch func(offset, limit int) ([]*models.Email, error), progress RebuildProgress) error {
	if err := i.Clear(); err != nil {
		return err
	}

	indexed := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		emails, err := nextBatch(indexed, indexBatchSize)
		if err != nil {
			return err
		}
		if len(emails) == 0 {
			log.Printf("Search index rebuilt with %d emails", indexed)
			return nil
		}
		if err := i.IndexBatch(emails); err != nil {
			return err
		}
		indexed += len(emails)
		if progress != nil {
			progress(indexed)
		}
	}
}

func toDocument(email *models.Email) *emailDocument {
	doc := &emailDocument{
		AccountID: email.AccountID,
		FolderID:  email.FolderID,
		Labels:    email.LabelNames,
		Subject:   email.Subject,
		Body:      email.BodyPlain,
		Received:  email.ReceivedAt,
		IsRead:    email.IsRead,
		IsFlagged: email.IsFlagged,
		IsDeleted: email.IsDeleted,
	}
	if email.ConversationID != nil {
		doc.ConversationID = *email.ConversationID
	}
	if doc.Body == "" {
		doc.Body = email.Snippet
	}

	if from, err := email.GetFrom(); err == nil {
		doc.From = formatAddress(from)
	}
	if to, err := email.GetToAddresses(); err == nil {
		doc.To = formatAddresses(to)
	}
	if cc, err := email.GetCCAddresses(); err == nil {
		doc.CC = formatAddresses(cc)
	}
	return doc
}

// formatAddress 姓名和地址一起进索引，两者都可被搜到
func formatAddress(addr models.EmailAddress) string {
	if addr.Name == "" {
		return addr.Address
	}
	return addr.Name + " " + addr.Address
}

func formatAddresses(addrs []models.EmailAddress) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		parts = append(parts, formatAddress(a))
	}
	return strings.Join(parts, " ")
}
