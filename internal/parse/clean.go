// Package parse normalizes raw model output into Records. Models return
// JSON wrapped in markdown fences, JSON with corrupt escapes, refusal
// prose, or plain natural language; the cascades here try progressively
// looser strategies so a document never dies on a formatting quirk.
package parse

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

// lineTerminators are the unusual separators models occasionally emit
// inside JSON string values, where they break decoding.
var lineTerminators = strings.NewReplacer(
	" ", " ", // line separator
	" ", " ", // paragraph separator
	"", " ", // vertical tab
	"", " ", // form feed
	"", " ", // next line
)

var controlRemover = runes.Remove(runes.Predicate(func(r rune) bool {
	if r == '\n' || r == '\r' || r == '\t' {
		return false
	}
	return unicode.In(r, unicode.Cc, unicode.Cf)
}))

// CleanText strips control characters and unusual line terminators, then
// collapses runs of whitespace to single spaces.
func CleanText(text string) string {
	text = lineTerminators.Replace(text)
	cleaned, _, err := transform.String(controlRemover, text)
	if err == nil {
		text = cleaned
	}
	return strings.Join(strings.Fields(text), " ")
}

var (
	openFence  = regexp.MustCompile("(?i)^```(?:json)?")
	closeFence = regexp.MustCompile("```$")
)

// stripFences removes ```json ... ``` or ``` ... ``` wrappers, even when
// the opening fence runs directly into the payload.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimLeft(openFence.ReplaceAllString(text, ""), " \t\r\n")
	text = strings.TrimRight(closeFence.ReplaceAllString(text, ""), " \t\r\n")
	return CleanText(text)
}

var (
	brokenQuote     = regexp.MustCompile(`\\{2,}"`)
	brokenNewline   = regexp.MustCompile(`\\{2,}n`)
	brokenTab       = regexp.MustCompile(`\\{2,}t`)
	brokenBackslash = regexp.MustCompile(`\\{3,}`)
)

// repairEscapes corrects the specific malformed escape sequences that
// show up in model JSON, without guessing at content.
func repairEscapes(text string) string {
	text = brokenQuote.ReplaceAllString(text, `"`)
	text = brokenNewline.ReplaceAllString(text, `\n`)
	text = brokenTab.ReplaceAllString(text, `\t`)
	text = brokenBackslash.ReplaceAllString(text, `\\`)
	return text
}
