// Copyright 2024-2026 Aiku AI

// Package mdescape renders untrusted plain text safely inside Mattermost
// markdown posts.
package mdescape

import (
	"regexp"
	"strings"
)

const special = "\\`*_~[]()#>|<"

// mentionRe matches @-mentions that would notify users or whole channels.
var mentionRe = regexp.MustCompile(`@([A-Za-z0-9_.\-]+)`)

// Escape backslash-escapes markdown syntax in text and defuses mentions so
// the text renders literally.
func Escape(text string) string {
	if text == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(text) + len(text)/8)
	for _, line := range strings.SplitAfter(text, "\n") {
		// List markers and numbered lists only apply at line start.
		trimmed := strings.TrimLeft(line, " ")
		indent := line[:len(line)-len(trimmed)]
		b.WriteString(indent)
		if len(trimmed) > 0 && (trimmed[0] == '-' || trimmed[0] == '+') {
			b.WriteByte('\\')
		}
		for _, r := range trimmed {
			if strings.ContainsRune(special, r) {
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		}
	}
	return mentionRe.ReplaceAllString(b.String(), "@\u200b$1")
}

// Code wraps text in a fenced code block whose fence is longer than any
// backtick run inside text.
func Code(text string) string {
	longest, run := 0, 0
	for _, r := range text {
		if r == '`' {
			run++
			longest = max(longest, run)
		} else {
			run = 0
		}
	}
	fence := strings.Repeat("`", max(3, longest+1))
	return fence + "\n" + text + "\n" + fence
}

// Bold escapes text and renders it bold.
func Bold(text string) string {
	if text == "" {
		return ""
	}
	return "**" + Escape(text) + "**"
}
