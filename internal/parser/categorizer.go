package parser

import (
	"strings"

	"ravn/internal/models"
)

// 推广类邮件营销平台的X-Mailer特征
var promotionalMailers = []string{
	"mailchimp", "sendgrid", "mailgun", "klaviyo", "hubspot",
	"constant contact", "campaign monitor", "sendinblue", "brevo",
}

var transactionKeywords = []string{
	"receipt", "invoice", "order confirmation", "your order", "payment",
	"transaction", "billing", "refund", "账单", "发票", "订单",
}

var promotionKeywords = []string{
	"% off", "discount", "sale", "coupon", "promo code", "limited time",
	"deal", "free shipping", "优惠", "折扣", "特价",
}

var updateKeywords = []string{
	"newsletter", "weekly", "digest", "roundup", "what's new",
	"notification", "status update", "周报", "订阅",
}

// Categorize 邮件分类：先看头（X-Mailer、List-Unsubscribe、Auto-Submitted、
// content-type），再按subject/body/from关键词，默认personal
func Categorize(headers map[string]string, subject, bodyPlain string, from models.EmailAddress) string {
	listUnsub := headerValue(headers, "List-Unsubscribe") != ""
	mailer := strings.ToLower(headerValue(headers, "X-Mailer"))
	autoSubmitted := strings.ToLower(headerValue(headers, "Auto-Submitted"))

	// 头阶段
	if listUnsub {
		for _, m := range promotionalMailers {
			if strings.Contains(mailer, m) {
				return models.CategoryPromotions
			}
		}
	}
	if autoSubmitted != "" && autoSubmitted != "no" {
		return models.CategoryUpdates
	}
	if ct := strings.ToLower(headerValue(headers, "Content-Type")); strings.Contains(ct, "multipart/report") {
		return models.CategoryUpdates
	}

	// 关键词阶段
	haystack := strings.ToLower(subject + " " + firstN(bodyPlain, 2000) + " " + from.Address)
	for _, kw := range transactionKeywords {
		if strings.Contains(haystack, kw) {
			return models.CategoryTransactions
		}
	}
	if strings.Contains(haystack, "$") && containsAnyKeyword(haystack, "total", "paid", "charged", "amount") {
		return models.CategoryTransactions
	}
	for _, kw := range promotionKeywords {
		if strings.Contains(haystack, kw) {
			return models.CategoryPromotions
		}
	}
	for _, kw := range updateKeywords {
		if strings.Contains(haystack, kw) {
			return models.CategoryUpdates
		}
	}
	if listUnsub {
		// 有退订头但无明确关键词的按资讯类处理
		return models.CategoryUpdates
	}
	if strings.HasPrefix(strings.ToLower(from.Address), "no-reply") ||
		strings.HasPrefix(strings.ToLower(from.Address), "noreply") {
		return models.CategoryUpdates
	}

	return models.CategoryPersonal
}

func headerValue(headers map[string]string, key string) string {
	if headers == nil {
		return ""
	}
	if v, ok := headers[key]; ok {
		return v
	}
	// 头名大小写不敏感
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func containsAnyKeyword(s string, keywords ...string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
