package providers

import (
	"testing"

	"ravn/internal/models"
)

func TestDetectFolderType(t *testing.T) {
	tests := []struct {
		name       string
		attributes []string
		folderName string
		want       string
	}{
		// 特殊属性优先于名称
		{"sent attribute", []string{"\\Sent"}, "whatever", models.FolderTypeSent},
		{"drafts attribute", []string{"\\Drafts"}, "whatever", models.FolderTypeDraft},
		{"trash attribute", []string{"\\Trash"}, "whatever", models.FolderTypeTrash},
		{"junk attribute", []string{"\\Junk"}, "whatever", models.FolderTypeSpam},
		{"spam attribute", []string{"\\Spam"}, "whatever", models.FolderTypeSpam},
		{"archive attribute", []string{"\\Archive"}, "whatever", models.FolderTypeArchive},
		{"all mail attribute", []string{"\\All"}, "whatever", models.FolderTypeArchive},
		{"flagged attribute", []string{"\\Flagged"}, "whatever", models.FolderTypeStarred},
		{"attribute case insensitive", []string{"\\SENT"}, "whatever", models.FolderTypeSent},
		{"unknown attribute falls back to name", []string{"\\HasNoChildren"}, "Sent", models.FolderTypeSent},

		// INBOX大小写不敏感
		{"inbox upper", nil, "INBOX", models.FolderTypeInbox},
		{"inbox mixed case", nil, "InBox", models.FolderTypeInbox},
		{"inbox chinese", nil, "收件箱", models.FolderTypeInbox},

		// 多语言名称启发
		{"sent english", nil, "Sent Messages", models.FolderTypeSent},
		{"sent chinese", nil, "已发送", models.FolderTypeSent},
		{"sent german", nil, "Gesendet", models.FolderTypeSent},
		{"drafts english", nil, "Drafts", models.FolderTypeDraft},
		{"drafts japanese", nil, "下書き", models.FolderTypeDraft},
		{"trash deleted items", nil, "Deleted Items", models.FolderTypeTrash},
		{"trash french", nil, "Corbeille", models.FolderTypeTrash},
		{"spam junk", nil, "Junk E-mail", models.FolderTypeSpam},
		{"archive chinese", nil, "归档", models.FolderTypeArchive},
		{"starred", nil, "Starred", models.FolderTypeStarred},

		// 层级名取最后一段
		{"gmail sent path", nil, "[Gmail]/Sent Mail", models.FolderTypeSent},
		{"gmail trash path", nil, "[Gmail]/Trash", models.FolderTypeTrash},
		{"dotted hierarchy", nil, "INBOX.Drafts", models.FolderTypeDraft},

		// 其余落为custom
		{"custom folder", nil, "Receipts", models.FolderTypeCustom},
		{"empty name", nil, "", models.FolderTypeCustom},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectFolderType(tt.attributes, tt.folderName); got != tt.want {
				t.Errorf("DetectFolderType(%v, %q) = %q, want %q", tt.attributes, tt.folderName, got, tt.want)
			}
		})
	}
}
