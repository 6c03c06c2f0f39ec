package storage

import "errors"

var (
	// ErrClosed 数据库已关闭
	ErrClosed = errors.New("node database closed")

	// ErrNotFound 键不存在
	ErrNotFound = errors.New("not found")
)
