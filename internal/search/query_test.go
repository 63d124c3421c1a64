package search

import (
	"errors"
	"strings"
	"testing"
)

func TestParseGuardrails(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		wantErr error
	}{
		{"empty", "", ErrEmptyQuery},
		{"whitespace only", "   \t ", ErrEmptyQuery},
		{"too long", strings.Repeat("a", 2001), ErrQueryTooLong},
		{"too many or clauses", strings.Repeat("a OR ", 51) + "b", ErrTooManyClauses},
		{"too many wildcards", "a* b* c* d* e* f*", ErrTooManyWildcards},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.query)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Parse(%q) error = %v, want %v", tt.query, err, tt.wantErr)
			}
		})
	}
}

func TestParseAtGuardrailBoundary(t *testing.T) {
	// 刚好在上限内的查询必须通过
	if _, err := Parse(strings.Repeat("a", 2000)); err != nil {
		t.Errorf("2000-char query should parse, got %v", err)
	}
	if _, err := Parse("a* b* c* d* e*"); err != nil {
		t.Errorf("5 wildcards should parse, got %v", err)
	}
}

func TestParseValidQueries(t *testing.T) {
	tests := []string{
		"invoice",
		"from:alice@example.com subject:report",
		`"quarterly planning"`,
		"meeting -cancelled",
		"NOT cancelled",
		"urgent OR important",
		"is:unread from:bob",
		"is:flagged",
		"received:[2024-01-01 TO 2024-06-30]",
		"after:2024-01-02 before:2024-06-30",
		"received:2024-03-15",
		"invoi*",
		"recieve~1",
		"label:work folder:abc123",
	}
	for _, q := range tests {
		t.Run(q, func(t *testing.T) {
			parsed, err := Parse(q)
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", q, err)
			}
			if parsed.Query == nil {
				t.Fatal("Parse returned nil query")
			}
		})
	}
}

func TestParseInvalidQueries(t *testing.T) {
	tests := []string{
		`"unterminated phrase`,
		"received:[2024-01-01",
		"received:[2024-01-01 2024-06-30]",
		"after:notadate",
		"unknownfield:value",
		"is:sideways",
	}
	for _, q := range tests {
		t.Run(q, func(t *testing.T) {
			if _, err := Parse(q); err == nil {
				t.Errorf("Parse(%q) expected error, got nil", q)
			}
		})
	}
}

func TestParseMentionsDeleted(t *testing.T) {
	parsed, err := Parse("is:deleted invoice")
	if err != nil {
		t.Fatalf("Parse error = %v", err)
	}
	if !parsed.MentionsDeleted {
		t.Error("is:deleted should set MentionsDeleted")
	}

	parsed, err = Parse("invoice is:read")
	if err != nil {
		t.Fatalf("Parse error = %v", err)
	}
	if parsed.MentionsDeleted {
		t.Error("query without is:deleted should not set MentionsDeleted")
	}

	// OR分支里的is:deleted同样生效
	parsed, err = Parse("invoice OR is:deleted")
	if err != nil {
		t.Fatalf("Parse error = %v", err)
	}
	if !parsed.MentionsDeleted {
		t.Error("is:deleted in an OR branch should set MentionsDeleted")
	}
}
