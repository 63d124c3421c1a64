package search

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
)

// 查询护栏，恶意或失控的查询在解析阶段拒绝
const (
	maxQueryLength = 2000
	maxOrClauses   = 50
	maxWildcards   = 5
	maxLimit       = 1000
	maxOffset      = 10000
)

var (
	ErrEmptyQuery       = errors.New("search query is empty")
	ErrQueryTooLong     = fmt.Errorf("search query exceeds %d characters", maxQueryLength)
	ErrTooManyClauses   = fmt.Errorf("search query exceeds %d OR clauses", maxOrClauses)
	ErrTooManyWildcards = fmt.Errorf("search query exceeds %d wildcard terms", maxWildcards)
)

// Parsed 解析后的查询
type Parsed struct {
	Query query.Query

	// MentionsDeleted 查询显式涉及已删除邮件时，默认过滤不再追加
	MentionsDeleted bool
}

// 支持的搜索字段到索引字段
var searchFields = map[string]string{
	"from":         "from",
	"to":           "to",
	"cc":           "cc",
	"subject":      "subject",
	"body":         "body",
	"label":        "labels",
	"labels":       "labels",
	"folder":       "folder_id",
	"conversation": "conversation_id",
}

type token struct {
	field   string
	text    string
	phrase  bool
	negated bool
	isOr    bool
}

// Parse 解析查询语言：空白分隔默认AND、OR、NOT/-否定、
// "短语"、field:value、is:read|unread|flagged|deleted、
// received:[2024-01-01 TO 2024-06-30]、前缀*、模糊~N
func Parse(raw string) (*Parsed, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrEmptyQuery
	}
	if len(raw) > maxQueryLength {
		return nil, ErrQueryTooLong
	}

	tokens, err := tokenize(raw)
	if err != nil {
		return nil, err
	}

	orCount := 0
	wildcardCount := 0
	for _, t := range tokens {
		if t.isOr {
			orCount++
		}
		if strings.HasSuffix(t.text, "*") {
			wildcardCount++
		}
	}
	if orCount > maxOrClauses {
		return nil, ErrTooManyClauses
	}
	if wildcardCount > maxWildcards {
		return nil, ErrTooManyWildcards
	}

	// OR在顶层切分，组内是AND
	var groups [][]token
	current := []token{}
	for _, t := range tokens {
		if t.isOr {
			if len(current) > 0 {
				groups = append(groups, current)
				current = []token{}
			}
			continue
		}
		current = append(current, t)
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	if len(groups) == 0 {
		return nil, ErrEmptyQuery
	}

	parsed := &Parsed{}
	groupQueries := make([]query.Query, 0, len(groups))
	for _, group := range groups {
		gq, mentionsDeleted, err := buildGroup(group)
		if err != nil {
			return nil, err
		}
		parsed.MentionsDeleted = parsed.MentionsDeleted || mentionsDeleted
		groupQueries = append(groupQueries, gq)
	}

	if len(groupQueries) == 1 {
		parsed.Query = groupQueries[0]
		return parsed, nil
	}
	root := bleve.NewBooleanQuery()
	for _, gq := range groupQueries {
		root.AddShould(gq)
	}
	root.SetMinShould(1)
	parsed.Query = root
	return parsed, nil
}

// tokenize 切分查询串，引号和日期区间作为整体
func tokenize(raw string) ([]token, error) {
	var tokens []token
	runes := []rune(raw)
	i := 0
	for i < len(runes) {
		for i < len(runes) && (runes[i] == ' ' || runes[i] == '\t') {
			i++
		}
		if i >= len(runes) {
			break
		}

		var t token
		if runes[i] == '-' {
			t.negated = true
			i++
		}

		// field:前缀
		start := i
		for i < len(runes) && runes[i] != ':' && runes[i] != ' ' && runes[i] != '"' {
			i++
		}
		if i < len(runes) && runes[i] == ':' {
			t.field = strings.ToLower(string(runes[start:i]))
			i++
			start = i
		} else {
			i = start
		}

		switch {
		case i < len(runes) && runes[i] == '"':
			i++
			phraseStart := i
			for i < len(runes) && runes[i] != '"' {
				i++
			}
			if i >= len(runes) {
				return nil, fmt.Errorf("unterminated quote in search query")
			}
			t.text = string(runes[phraseStart:i])
			t.phrase = true
			i++
		case i < len(runes) && runes[i] == '[':
			rangeStart := i
			for i < len(runes) && runes[i] != ']' {
				i++
			}
			if i >= len(runes) {
				return nil, fmt.Errorf("unterminated range in search query")
			}
			i++
			t.text = string(runes[rangeStart:i])
		default:
			for i < len(runes) && runes[i] != ' ' && runes[i] != '\t' {
				i++
			}
			t.text = string(runes[start:i])
		}

		if t.text == "" && t.field == "" {
			continue
		}
		upper := strings.ToUpper(t.text)
		if t.field == "" && !t.phrase && !t.negated {
			if upper == "OR" {
				tokens = append(tokens, token{isOr: true})
				continue
			}
			if upper == "AND" {
				continue
			}
			if upper == "NOT" {
				// NOT作用于下一个词
				tokens = append(tokens, token{negated: true, text: ""})
				continue
			}
		}
		tokens = append(tokens, t)
	}

	// 合并悬空的NOT标记
	var merged []token
	pendingNot := false
	for _, t := range tokens {
		if t.negated && t.text == "" && t.field == "" {
			pendingNot = true
			continue
		}
		if pendingNot {
			t.negated = true
			pendingNot = false
		}
		merged = append(merged, t)
	}
	return merged, nil
}

// buildGroup 把一组AND词构造成boolean查询
func buildGroup(group []token) (query.Query, bool, error) {
	boolean := bleve.NewBooleanQuery()
	mentionsDeleted := false
	positive := 0

	for _, t := range group {
		q, deleted, err := buildTerm(t)
		if err != nil {
			return nil, false, err
		}
		mentionsDeleted = mentionsDeleted || deleted
		if t.negated {
			boolean.AddMustNot(q)
		} else {
			boolean.AddMust(q)
			positive++
		}
	}
	if positive == 0 {
		// 纯否定组需要一个全集基底
		boolean.AddMust(bleve.NewMatchAllQuery())
	}
	return boolean, mentionsDeleted, nil
}

// buildTerm 单个词构造对应的bleve查询
func buildTerm(t token) (query.Query, bool, error) {
	switch t.field {
	case "is":
		return buildStateQuery(t.text)
	case "received", "date", "after", "before":
		q, err := buildDateQuery(t.field, t.text)
		return q, false, err
	}

	field := ""
	if t.field != "" {
		mapped, ok := searchFields[t.field]
		if !ok {
			return nil, false, fmt.Errorf("unknown search field %q", t.field)
		}
		field = mapped
	}

	if t.phrase {
		q := bleve.NewMatchPhraseQuery(t.text)
		if field != "" {
			q.SetField(field)
		}
		return q, false, nil
	}

	// label是keyword字段，精确匹配
	if field == "labels" || field == "folder_id" || field == "conversation_id" {
		q := bleve.NewTermQuery(t.text)
		q.SetField(field)
		return q, false, nil
	}

	if strings.HasSuffix(t.text, "*") {
		q := bleve.NewPrefixQuery(strings.ToLower(strings.TrimSuffix(t.text, "*")))
		if field != "" {
			q.SetField(field)
		}
		return q, false, nil
	}

	if idx := strings.LastIndex(t.text, "~"); idx > 0 {
		fuzziness := 1
		if n, err := strconv.Atoi(t.text[idx+1:]); err == nil && n > 0 && n <= 2 {
			fuzziness = n
		}
		q := bleve.NewFuzzyQuery(t.text[:idx])
		q.SetFuzziness(fuzziness)
		if field != "" {
			q.SetField(field)
		}
		return q, false, nil
	}

	q := bleve.NewMatchQuery(t.text)
	if field != "" {
		q.SetField(field)
	}
	return q, false, nil
}

// buildStateQuery is:状态词
func buildStateQuery(state string) (query.Query, bool, error) {
	switch strings.ToLower(state) {
	case "read":
		return boolFieldQuery("is_read", true), false, nil
	case "unread":
		return boolFieldQuery("is_read", false), false, nil
	case "flagged", "starred":
		return boolFieldQuery("is_flagged", true), false, nil
	case "deleted":
		return boolFieldQuery("is_deleted", true), true, nil
	default:
		return nil, false, fmt.Errorf("unknown state %q, expected read, unread, flagged or deleted", state)
	}
}

func boolFieldQuery(field string, value bool) query.Query {
	q := bleve.NewBoolFieldQuery(value)
	q.SetField(field)
	return q
}

const dateLayout = "2006-01-02"

// buildDateQuery 日期条件：received:[A TO B]、received:2024-01-02、
// after:2024-01-02、before:2024-06-30
func buildDateQuery(field, text string) (query.Query, error) {
	newRange := func(start, end time.Time) query.Query {
		q := bleve.NewDateRangeQuery(start, end)
		q.SetField("received")
		return q
	}

	switch field {
	case "after":
		day, err := time.Parse(dateLayout, text)
		if err != nil {
			return nil, fmt.Errorf("invalid date %q: %w", text, err)
		}
		return newRange(day, time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)), nil
	case "before":
		day, err := time.Parse(dateLayout, text)
		if err != nil {
			return nil, fmt.Errorf("invalid date %q: %w", text, err)
		}
		return newRange(time.Time{}, day), nil
	}

	if strings.HasPrefix(text, "[") && strings.HasSuffix(text, "]") {
		inner := strings.TrimSuffix(strings.TrimPrefix(text, "["), "]")
		parts := strings.SplitN(inner, " TO ", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid date range %q, expected [start TO end]", text)
		}
		start, err := time.Parse(dateLayout, strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, fmt.Errorf("invalid range start %q: %w", parts[0], err)
		}
		end, err := time.Parse(dateLayout, strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid range end %q: %w", parts[1], err)
		}
		return newRange(start, end.AddDate(0, 0, 1)), nil
	}

	day, err := time.Parse(dateLayout, text)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", text, err)
	}
	return newRange(day, day.AddDate(0, 0, 1)), nil
}
