// Package filter renders message text for clients.
package filter

import (
	"context"

	"github.com/microcosm-cc/bluemonday"
	"github.com/russross/blackfriday/v2"
)

const markdownExtensions = blackfriday.CommonExtensions | blackfriday.HardLineBreak

var policy = bluemonday.UGCPolicy()

// HTML renders Markdown and strips everything a user generated post must not contain.
func HTML(text string) string {
	unsafe := blackfriday.Run([]byte(text), blackfriday.WithExtensions(markdownExtensions))
	return string(policy.SanitizeBytes(unsafe))
}

// Render links mentions and renders the result as sanitized HTML.
func Render(ctx context.Context, text string, users map[string]string) string {
	return HTML(LinkMentions(ctx, text, users))
}
