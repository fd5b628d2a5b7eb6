// Package util holds small terminal and markdown helpers shared by the TUIs.
package util

import (
	"strings"

	"github.com/mattn/go-tty"
)

const (
	TermMaxWidth        = 100
	TermSafeZonePadding = 10
)

// StartsWithCodeBlock reports whether s opens with a fence. A prefix of a
// fence counts, so partial streamed output is classified early.
func StartsWithCodeBlock(s string) bool {
	if len(s) <= 3 {
		return strings.Repeat("`", len(s)) == s
	}
	return strings.HasPrefix(s, "```")
}

// ExtractFirstCodeBlock returns the body of the first fenced block with its
// info string removed, and whether s consisted of nothing but that block.
func ExtractFirstCodeBlock(s string) (content string, isOnlyCode bool) {
	start := strings.Index(s, "```")
	if len(s) <= 3 || start == -1 {
		return "", false
	}
	isOnlyCode = start == 0

	content = s[start+3:]
	if nl := strings.Index(content, "\n"); nl != -1 {
		info := content[:nl]
		if info == strings.TrimSpace(info) {
			content = content[nl+1:]
		}
	}

	end := strings.Index(content, "```")
	if end != -1 {
		if strings.TrimSpace(content[end+3:]) != "" {
			isOnlyCode = false
		}
		content = content[:end]
	}
	content = strings.TrimSuffix(content, "\n")
	if content == "" {
		return "", false
	}
	return content, isOnlyCode
}

// GetTermSafeMaxWidth is the width to wrap rendered output at. Without a
// terminal it falls back to TermMaxWidth.
func GetTermSafeMaxWidth() int {
	termWidth, err := getTermWidth()
	if err != nil || termWidth <= 0 {
		return TermMaxWidth
	}
	width := termWidth - TermSafeZonePadding
	if width <= 0 {
		return termWidth
	}
	return width
}

func getTermWidth() (width int, err error) {
	t, err := tty.Open()
	if err != nil {
		return 0, err
	}
	defer t.Close()
	width, _, err = t.Size()
	return width, err
}
