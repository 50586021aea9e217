package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

var idCounter uint64

// NewID 生成实体ID：前缀 + 毫秒时间戳 + 进程内单调计数 + 随机后缀
// 计数器保证同进程内严格递增，随机后缀避免跨进程/重启后的冲突
func NewID(prefix string) string {
	n := atomic.AddUint64(&idCounter, 1)

	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		// crypto/rand 失败时退化为时间纳秒（仅影响后缀随机性）
		return fmt.Sprintf("%s-%d-%d-%x", prefix, time.Now().UnixMilli(), n, time.Now().UnixNano())
	}

	return fmt.Sprintf("%s-%d-%d-%s", prefix, time.Now().UnixMilli(), n, hex.EncodeToString(suffix))
}

// 实体ID前缀
const (
	IDPrefixBoard  = "board"
	IDPrefixTab    = "tab"
	IDPrefixWidget = "widget"
)
