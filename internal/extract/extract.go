// Package extract converts raw archived HTML into best-effort visible text.
// It is a streaming tag-event extractor, not a sanitizer: malformed or
// truncated markup yields whatever title and body text accumulated so far.
package extract

import (
	"strings"

	"golang.org/x/net/html"
)

// ignoreTags suppress the character data of their subtree.
var ignoreTags = map[string]bool{
	"script":   true,
	"style":    true,
	"meta":     true,
	"noscript": true,
	"input":    true,
}

// voidTags never receive a matching end tag from the tokenizer, so they
// must not be pushed onto the ignore stack. They carry no character data
// of their own either way.
var voidTags = map[string]bool{
	"meta":  true,
	"input": true,
}

// Extract returns the accumulated title and body text of an HTML document
// in document order. The input may be raw bytes in an unknown encoding;
// the charset is detected once and decoded incrementally. Comments,
// doctypes and processing instructions are ignored. Extract never fails:
// an unterminated tag stream simply ends the accumulation.
func Extract(body []byte) (title, text string) {
	z := html.NewTokenizer(decodedReader(body))

	var titleBuf, textBuf strings.Builder
	var ignoreStack []string
	inTitle := false

	for {
		switch z.Next() {
		case html.ErrorToken:
			// EOF and malformed markup both land here.
			return titleBuf.String(), textBuf.String()
		case html.TextToken:
			if len(ignoreStack) > 0 {
				continue
			}
			if inTitle {
				titleBuf.Write(z.Text())
			} else {
				textBuf.Write(z.Text())
			}
		case html.StartTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if ignoreTags[tag] && !voidTags[tag] {
				ignoreStack = append(ignoreStack, tag)
			}
			if tag == "title" {
				inTitle = true
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if ignoreTags[tag] {
				ignoreStack = popThrough(ignoreStack, tag)
			}
			if tag == "title" {
				inTitle = false
			}
		}
	}
}

// popThrough pops entries down to and including the first occurrence of
// tag, scanning past mismatched entries so unbalanced nesting never
// wedges the stack.
func popThrough(stack []string, tag string) []string {
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if top == tag {
			break
		}
	}
	return stack
}
