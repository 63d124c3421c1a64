package models

// CredentialKind 凭据类型常量
const (
	CredentialKindOAuth2 = "oauth2"
	CredentialKindIMAP   = "imap"
)

// EncryptedCredential 加密凭据模型，密文与nonce并排存储
type EncryptedCredential struct {
	BaseModel
	AccountID  string `gorm:"not null;size:36;index;uniqueIndex:idx_credentials_account_kind" json:"account_id"`
	Kind       string `gorm:"not null;size:20;uniqueIndex:idx_credentials_account_kind" json:"kind"`
	Ciphertext []byte `gorm:"not null" json:"-"`
	Nonce      []byte `gorm:"not null" json:"-"`
}

// TableName 指定表名
func (EncryptedCredential) TableName() string {
	return "encrypted_credentials"
}
