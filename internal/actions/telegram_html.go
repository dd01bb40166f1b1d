package actions

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	mdCode   = regexp.MustCompile("`([^`\n]+)`")
	mdBold   = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)
	mdItalic = regexp.MustCompile(`(^|[^\w*])_([^_\n]+)_($|[^\w])`)
	mdStrike = regexp.MustCompile(`~~([^~\n]+)~~`)
	mdLink   = regexp.MustCompile(`\[([^\]\n]+)\]\((https?://[^)\s]+)\)`)

	telegramPolicy = newTelegramPolicy()
)

// newTelegramPolicy allows only the tags Telegram's HTML parse mode accepts.
func newTelegramPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("b", "strong", "i", "em", "u", "s", "del", "code", "pre")
	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("http", "https")
	p.RequireParseableURLs(true)
	return p
}

// TelegramHTML converts a small markdown subset (bold, italic, strike, inline
// code, links) into Telegram HTML. Text is escaped first, so user content can
// never inject markup, and the result passes through the allow-list policy.
func TelegramHTML(md string) string {
	s := html.EscapeString(md)
	s = mdCode.ReplaceAllString(s, "<code>$1</code>")
	s = mdBold.ReplaceAllString(s, "<b>$1</b>")
	s = mdStrike.ReplaceAllString(s, "<s>$1</s>")
	s = mdItalic.ReplaceAllString(s, "$1<i>$2</i>$3")
	s = mdLink.ReplaceAllStringFunc(s, func(m string) string {
		parts := mdLink.FindStringSubmatch(m)
		return `<a href="` + parts[2] + `">` + parts[1] + `</a>`
	})
	return strings.TrimSpace(telegramPolicy.Sanitize(s))
}
