package chat

import (
	"regexp"
	"strings"
)

var thinkRe = regexp.MustCompile(`(?is)<think>(.*?)</think>(.*)`)

// SplitThink separates "<think>reasoning</think>answer". Tags match case
// insensitively; text before the opening tag is dropped. Both halves are
// trimmed.
func SplitThink(content string) (reasoning, answer string, ok bool) {
	m := thinkRe.FindStringSubmatch(content)
	if m == nil {
		return "", "", false
	}
	return strings.TrimSpace(m[1]), strings.TrimSpace(m[2]), true
}
