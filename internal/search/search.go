// Package search filters an accumulated message stream by a query term.
// Filtering is pure: it never mutates the input and always returns an
// order-preserving subsequence of it.
package search

import (
	"regexp"

	"github.com/voxchat/chat-engine/internal/model"
)

// Compile turns a query term into a case-insensitive matcher. Terms that
// are not valid regular expressions are matched as literal substrings
// rather than rejected, so a half-typed pattern like "(" still filters.
func Compile(term string) *regexp.Regexp {
	if term == "" {
		return nil
	}
	re, err := regexp.Compile("(?i)" + term)
	if err != nil {
		re = regexp.MustCompile("(?i)" + regexp.QuoteMeta(term))
	}
	return re
}

// Filter returns the messages matching term, preserving relative order.
// An empty term returns the full stream unfiltered. A message matches
// when its content matches or its author's display name matches; media
// messages with no content can only match on author name.
func Filter(stream []model.Message, term string) []model.Message {
	re := Compile(term)
	if re == nil {
		return stream
	}
	var out []model.Message
	for _, msg := range stream {
		if Matches(re, msg) {
			out = append(out, msg)
		}
	}
	return out
}

// Matches reports whether a single message matches a compiled query.
func Matches(re *regexp.Regexp, msg model.Message) bool {
	if msg.Content != "" && re.MatchString(msg.Content) {
		return true
	}
	return re.MatchString(msg.Author.DisplayName)
}
