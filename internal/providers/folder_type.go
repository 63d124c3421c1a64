package providers

import (
	"strings"

	"ravn/internal/models"
)

// attrHidden 标记不应出现在文件夹列表中的远端文件夹，
// 文件夹同步据此落为隐藏而非删除
const attrHidden = "\\Hidden"

// DetectFolderType 从IMAP特殊属性推断文件夹语义类型，
// 无属性时退回多语言名称启发。收件箱永远不会是custom。
func DetectFolderType(attributes []string, name string) string {
	for _, attr := range attributes {
		switch strings.ToLower(attr) {
		case "\\inbox":
			return models.FolderTypeInbox
		case "\\sent":
			return models.FolderTypeSent
		case "\\drafts":
			return models.FolderTypeDraft
		case "\\trash":
			return models.FolderTypeTrash
		case "\\junk", "\\spam":
			return models.FolderTypeSpam
		case "\\archive", "\\all":
			return models.FolderTypeArchive
		case "\\flagged":
			return models.FolderTypeStarred
		}
	}
	return detectFolderTypeByName(name)
}

// detectFolderTypeByName 多语言名称启发
func detectFolderTypeByName(name string) string {
	lower := strings.ToLower(name)

	// IMAP规定INBOX大小写不敏感
	if lower == "inbox" || lower == "收件箱" || lower == "受信箱" {
		return models.FolderTypeInbox
	}

	// 取路径最后一段再匹配，处理 "[Gmail]/Sent Mail" 这类层级名
	if idx := strings.LastIndexAny(lower, "/."); idx >= 0 && idx < len(lower)-1 {
		lower = lower[idx+1:]
	}

	switch {
	case containsAny(lower, "sent", "已发送", "发件箱", "gesendet", "envoyé", "enviados", "送信済み"):
		return models.FolderTypeSent
	case containsAny(lower, "draft", "草稿", "entwürfe", "brouillons", "borradores", "下書き"):
		return models.FolderTypeDraft
	case containsAny(lower, "trash", "deleted", "已删除", "废件箱", "papierkorb", "corbeille", "papelera", "ゴミ箱", "bin"):
		return models.FolderTypeTrash
	case containsAny(lower, "spam", "junk", "垃圾", "bulk", "courrier indésirable", "迷惑メール"):
		return models.FolderTypeSpam
	case containsAny(lower, "archive", "归档", "存档", "all mail", "archiv", "アーカイブ"):
		return models.FolderTypeArchive
	case containsAny(lower, "starred", "flagged", "星标", "已加星标"):
		return models.FolderTypeStarred
	}
	return models.FolderTypeCustom
}
