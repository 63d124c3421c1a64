package auth

import (
	"testing"
	"time"
)

func TestIssueAndValidate(t *testing.T) {
	m := NewTokenManager([]byte("0123456789abcdef0123456789abcdef"), time.Hour)

	token, err := m.Issue()
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if token == "" {
		t.Fatal("Issue returned empty token")
	}
	if err := m.Validate(token); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidateRejectsWrongKey(t *testing.T) {
	issuer := NewTokenManager([]byte("0123456789abcdef0123456789abcdef"), time.Hour)
	other := NewTokenManager([]byte("ffffffffffffffffffffffffffffffff"), time.Hour)

	token, err := issuer.Issue()
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := other.Validate(token); err == nil {
		t.Error("token signed with a different key must be rejected")
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	m := NewTokenManager([]byte("0123456789abcdef0123456789abcdef"), -time.Minute)

	token, err := m.Issue()
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := m.Validate(token); err == nil {
		t.Error("expired token must be rejected")
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	m := NewTokenManager([]byte("0123456789abcdef0123456789abcdef"), time.Hour)
	for _, tok := range []string{"", "not-a-jwt", "a.b.c"} {
		if err := m.Validate(tok); err == nil {
			t.Errorf("Validate(%q) accepted garbage", tok)
		}
	}
}

func TestExtractBearer(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc123", "abc123"},
		{"bearer abc123", ""},
		{"Basic abc123", ""},
		{"", ""},
		{"Bearer", ""},
	}
	for _, tt := range tests {
		if got := ExtractBearer(tt.header); got != tt.want {
			t.Errorf("ExtractBearer(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}
