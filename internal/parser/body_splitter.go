package parser

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// SplitResult 正文拆分结果
type SplitResult struct {
	BodyHTML   string // 新写的内容（含签名）
	OtherMails string // 引用/回复的尾部内容
}

var (
	onWrotePattern   = regexp.MustCompile(`(?s)^\s*On .{1,200}wrote:\s*$`)
	forwardedPattern = regexp.MustCompile(`-{5,}\s*(Forwarded message|转发邮件|Weitergeleitete Nachricht)\s*-{5,}`)
)

// SplitQuotedBody 从HTML正文中剥离引用的历史邮件。
// 依次尝试：提供商class（.gmail_quote、divRplyFwdMsg）、
// "On … wrote:" 头模式、From:/Sent:对、border-top分隔div、
// 足够大的blockquote。转发邮件不拆分。
func SplitQuotedBody(htmlBody, subject string) SplitResult {
	unsplit := SplitResult{BodyHTML: htmlBody}
	if strings.TrimSpace(htmlBody) == "" {
		return unsplit
	}
	if isForwarded(subject, htmlBody) {
		return unsplit
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlBody))
	if err != nil {
		return unsplit
	}

	boundary := findQuoteBoundary(doc)
	if boundary == nil || boundary.Length() == 0 {
		return unsplit
	}

	// 边界元素之后的兄弟节点同属引用尾部
	tail := boundary.AddSelection(boundary.NextAll())
	tailHTML := renderSelection(tail)
	tail.Remove()

	remaining, err := doc.Find("body").Html()
	if err != nil || strings.TrimSpace(stripTags(remaining)) == "" {
		// 整封都是引用时不拆，避免正文变空
		return unsplit
	}

	return SplitResult{BodyHTML: remaining, OtherMails: tailHTML}
}

// findQuoteBoundary 定位引用内容的起始元素
func findQuoteBoundary(doc *goquery.Document) *goquery.Selection {
	if sel := doc.Find(".gmail_quote").First(); sel.Length() > 0 {
		return sel
	}
	if sel := doc.Find(`[id^="divRplyFwdMsg"]`).First(); sel.Length() > 0 {
		return sel
	}

	// "On … wrote:" 模式或 From:/Sent: 头对
	var found *goquery.Selection
	doc.Find("div, p").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.TrimSpace(s.Text())
		if onWrotePattern.MatchString(text) {
			found = s
			return false
		}
		if strings.HasPrefix(text, "From:") && strings.Contains(text, "Sent:") {
			found = s
			return false
		}
		return true
	})
	if found != nil {
		return found
	}

	if sel := doc.Find(`div[style*="border-top"]`).First(); sel.Length() > 0 {
		return sel
	}

	// 只有足够大的blockquote才视为引用历史
	if sel := doc.Find("blockquote").First(); sel.Length() > 0 {
		if len(strings.TrimSpace(sel.Text())) >= 120 {
			return sel
		}
	}
	return nil
}

// isForwarded 转发邮件保留完整正文
func isForwarded(subject, htmlBody string) bool {
	lower := strings.ToLower(strings.TrimSpace(subject))
	for _, prefix := range []string{"fwd:", "fw:", "转发:", "转发："} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return forwardedPattern.MatchString(htmlBody)
}

// renderSelection 渲染选择集中每个节点的outer HTML
func renderSelection(sel *goquery.Selection) string {
	var sb strings.Builder
	sel.Each(func(_ int, s *goquery.Selection) {
		if html, err := goquery.OuterHtml(s); err == nil {
			sb.WriteString(html)
		}
	})
	return sb.String()
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

func stripTags(html string) string {
	return tagPattern.ReplaceAllString(html, "")
}
