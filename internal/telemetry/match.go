package telemetry

import "strings"

const (
	// Wildcard 匹配所有传感器和非系统主题的路由键
	Wildcard = "*"

	// TopicSeparator 主题段分隔符
	TopicSeparator = "/"

	// SystemTopicPrefix 系统主题前缀：这类主题只路由到专门的系统处理器
	SystemTopicPrefix = "system/"
)

// MatchKind 路由键对主题的匹配方式
type MatchKind int

const (
	MatchNone MatchKind = iota
	MatchExact
	MatchPrefix
	MatchWildcard
)

func (k MatchKind) String() string {
	switch k {
	case MatchExact:
		return "exact"
	case MatchPrefix:
		return "prefix"
	case MatchWildcard:
		return "wildcard"
	default:
		return "none"
	}
}

// Match 层级段匹配：键 K 命中主题 T 当且仅当 K 为通配符、T == K，
// 或 T 以 K 加段分隔符开头。
// 有意不做旧版的双向子串包含（会过度匹配，如 "sec21" 命中 "sec21x"）。
func Match(key, topic string) MatchKind {
	switch {
	case key == Wildcard:
		return MatchWildcard
	case topic == key:
		return MatchExact
	case strings.HasPrefix(topic, key+TopicSeparator):
		return MatchPrefix
	default:
		return MatchNone
	}
}
