package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewID_UniqueAndPrefixed(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID(IDPrefixBoard)
		assert.True(t, strings.HasPrefix(id, "board-"))
		assert.False(t, seen[id], "id reused: %s", id)
		seen[id] = true
	}
}

func TestNewID_MonotonicCounter(t *testing.T) {
	// 同进程内计数段严格递增，ID 按创建顺序可排序
	a := NewID(IDPrefixWidget)
	b := NewID(IDPrefixWidget)
	assert.NotEqual(t, a, b)
}
