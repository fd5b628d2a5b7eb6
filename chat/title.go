package chat

import (
	"context"
	"strings"

	"deepchat/db"

	"github.com/mattn/go-runewidth"
)

// SuggestTitle derives a session title from the first user message: the
// first non-empty line, cut to width terminal cells.
func SuggestTitle(content string, width int) string {
	var line string
	for _, l := range strings.Split(content, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			line = l
			break
		}
	}
	line = strings.Join(strings.Fields(line), " ")
	if width <= 0 || runewidth.StringWidth(line) <= width {
		return line
	}
	return runewidth.Truncate(line, width, "...")
}

// SessionTitler renames sessions.
type SessionTitler interface {
	UpdateSessionTitle(ctx context.Context, id string, title string) error
}

// AutoTitle replaces a session's default title with one derived from
// firstMessage. It reports whether the title changed; sessions the user
// already named are left alone.
func AutoTitle(ctx context.Context, repo SessionTitler, session *db.ChatSession, firstMessage string, width int) (bool, error) {
	if session.Title != db.DefaultSessionTitle {
		return false, nil
	}
	title := SuggestTitle(firstMessage, width)
	if title == "" {
		return false, nil
	}
	if err := repo.UpdateSessionTitle(ctx, session.ID, title); err != nil {
		return false, err
	}
	session.Title = title
	return true, nil
}
