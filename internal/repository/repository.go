package repository

import (
	"errors"

	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
)

// 仓储层通用错误
var (
	ErrNotFound        = errors.New("record not found")
	ErrUniqueViolation = errors.New("unique constraint violation")
)

// Page 分页参数，列表查询按received_at DESC稳定排序
type Page struct {
	Limit  int
	Offset int
}

// normalize 规范分页参数
func (p Page) normalize() Page {
	if p.Limit <= 0 || p.Limit > 500 {
		p.Limit = 50
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// translateError 将底层数据库错误翻译为仓储层错误
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return ErrUniqueViolation
		}
	}
	return err
}

// IsUniqueViolation 检查错误是否为唯一约束冲突
func IsUniqueViolation(err error) bool {
	return errors.Is(translateError(err), ErrUniqueViolation)
}
