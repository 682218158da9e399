package filter

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/klipach/devconnect/log"
)

var (
	mentionRegex = regexp.MustCompile(`(?i)(^|[^\w@./-])@([a-z0-9_-]+(?:\.[a-z0-9_-]+)*)`)
)

// LinkMentions turns @username into a Markdown link to users/<id>. users maps lowercase usernames
// to user ids; unknown mentions stay plain text.
func LinkMentions(ctx context.Context, text string, users map[string]string) string {
	if len(users) == 0 || !strings.Contains(text, "@") {
		return text
	}
	return mentionRegex.ReplaceAllStringFunc(text, func(match string) string {
		logger := log.LoggerFromContext(ctx)
		submatches := mentionRegex.FindStringSubmatch(match)
		if len(submatches) < 3 {
			return match
		}
		prefix, username := submatches[1], submatches[2]

		userID, ok := users[strings.ToLower(username)]
		if !ok {
			logger.Debug("mention target not found", slog.String("username", username))
			return match
		}
		return prefix + "[@" + username + "](users/" + userID + ")"
	})
}
