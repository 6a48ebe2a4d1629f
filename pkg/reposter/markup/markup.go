// Copyright 2024-2026 Aiku AI

// Package markup builds the small pieces of chat markdown the reposter
// emits: author headers, system notices and quoted settings.
//
// Both Discord and Mattermost accept this markdown subset.
package markup

import (
	"regexp"
	"strings"
)

var (
	specialRe     = regexp.MustCompile("([\\\\*_~`|>#\\[\\]])")
	massMentionRe = regexp.MustCompile(`@(everyone|here|channel|all)\b`)
	whitespaceRe  = regexp.MustCompile(`\s+`)
)

// Escape backslash-escapes markdown control characters so text renders
// literally. Newlines collapse to single spaces.
func Escape(text string) string {
	if text == "" {
		return ""
	}
	text = whitespaceRe.ReplaceAllString(text, " ")
	return specialRe.ReplaceAllString(text, `\$1`)
}

// Bold wraps already-escaped text in strong emphasis.
func Bold(text string) string {
	if text == "" {
		return ""
	}
	return "**" + text + "**"
}

// Italic wraps already-escaped text in emphasis.
func Italic(text string) string {
	if text == "" {
		return ""
	}
	return "*" + text + "*"
}

// Code renders text as inline code. Backticks inside text are replaced with
// a look-alike so the span cannot be closed early.
func Code(text string) string {
	text = strings.ReplaceAll(text, "`", "ˋ")
	if text == "" {
		text = " "
	}
	return "`" + text + "`"
}

// DefuseMentions inserts a zero-width space after the @ of mass mentions
// (@everyone, @here, @channel, @all) so reposted text does not notify whole
// channels.
func DefuseMentions(text string) string {
	return massMentionRe.ReplaceAllString(text, "@\u200b${1}")
}
