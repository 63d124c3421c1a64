package parser

import (
	"strings"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/jaytaylor/html2text"
)

// ConversionMode HTML转纯文本的模式
const (
	ConversionMarkdown = "markdown"
	ConversionText     = "text"
)

// DerivePlainText 缺失body_plain时从body_html推导。
// markdown模式走结构化转换器，text模式走可视化换行。
func DerivePlainText(htmlBody, mode string) string {
	if strings.TrimSpace(htmlBody) == "" {
		return ""
	}

	if mode == ConversionMarkdown {
		converter := md.NewConverter("", true, nil)
		if out, err := converter.ConvertString(htmlBody); err == nil {
			return out
		}
		// 转换失败退回text模式
	}

	out, err := html2text.FromString(htmlBody, html2text.Options{TextOnly: false})
	if err != nil {
		return stripTags(htmlBody)
	}
	return out
}

// Snippet 从纯文本生成预览摘要
func Snippet(text string, maxLen int) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= maxLen {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxLen]) + "…"
}
