package repository

import "errors"

// ErrNotFound 实体不存在
var ErrNotFound = errors.New("entity not found")
