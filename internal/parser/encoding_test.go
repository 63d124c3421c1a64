package parser

import (
	"testing"
)

func TestEnsureUTF8(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"valid utf8 passthrough", []byte("hello 世界"), "hello 世界"},
		{"empty", nil, ""},
		// GBK编码的「中文」，常见于charset标注错误的国内邮件
		{"gbk bytes", []byte{0xD6, 0xD0, 0xCE, 0xC4}, "中文"},
		// Windows-1252的é，西文客户端声明latin1却发8位字节
		{"windows1252 trailing accent", []byte("caf\xE9"), "café"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ensureUTF8(tt.data); got != tt.want {
				t.Errorf("ensureUTF8(%q) = %q, want %q", tt.data, got, tt.want)
			}
		})
	}
}
