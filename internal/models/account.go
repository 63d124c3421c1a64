package models

import (
	"encoding/json"
)

// 提供商类型常量
const (
	ProviderIMAP      = "imap"
	ProviderGmail     = "gmail"
	ProviderOffice365 = "office365"
	ProviderApple     = "apple"
)

// Account 邮件账户模型
type Account struct {
	BaseModel
	Name     string `gorm:"not null;size:100" json:"name"`
	Email    string `gorm:"not null;size:255;uniqueIndex" json:"email"`
	Provider string `gorm:"not null;size:20" json:"provider"` // imap, gmail, office365, apple

	// 提供商特定配置，JSON对象格式
	Settings string `gorm:"type:text" json:"settings,omitempty"`

	// 关联关系
	Folders []Folder `gorm:"foreignKey:AccountID" json:"folders,omitempty"`
	Emails  []Email  `gorm:"foreignKey:AccountID" json:"emails,omitempty"`
}

// TableName 指定表名
func (Account) TableName() string {
	return "accounts"
}

// GetSettings 获取账户设置
func (a *Account) GetSettings() (map[string]interface{}, error) {
	settings := make(map[string]interface{})
	if a.Settings == "" {
		return settings, nil
	}
	err := json.Unmarshal([]byte(a.Settings), &settings)
	return settings, err
}

// SetSettings 设置账户设置
func (a *Account) SetSettings(settings map[string]interface{}) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	a.Settings = string(data)
	return nil
}

// GetStringSetting 获取字符串类型的设置项
func (a *Account) GetStringSetting(key string) string {
	settings, err := a.GetSettings()
	if err != nil {
		return ""
	}
	if v, ok := settings[key].(string); ok {
		return v
	}
	return ""
}

// UsesOAuth2 检查账户是否使用OAuth2认证
func (a *Account) UsesOAuth2() bool {
	return a.Provider == ProviderGmail || a.Provider == ProviderOffice365
}
