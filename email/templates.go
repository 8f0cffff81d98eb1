package email

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"bounty-digest/pkg/notifier"
)

const (
	descriptionLimit = 200
	emptyDigestText  = "No new bounties matching your tags this period."
)

// RenderDigest renders the HTML digest for one subscriber.
// An empty bounty list still renders, with an empty-state message.
func (s *Sender) RenderDigest(bounties []*notifier.Bounty, email string) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; background: #f6f8fa; margin: 0; padding: 0; color: #24292f; }\n")
	b.WriteString(".wrap { max-width: 600px; margin: 0 auto; padding: 24px; }\n")
	b.WriteString(".card { background: #fff; border: 1px solid #d0d7de; border-radius: 12px; overflow: hidden; }\n")
	b.WriteString(".header { background: #24292f; padding: 24px; text-align: center; }\n")
	b.WriteString(".header h1 { color: #fff; margin: 0; font-size: 22px; }\n")
	b.WriteString(".header p { color: #8b949e; margin: 8px 0 0 0; font-size: 14px; }\n")
	b.WriteString(".bounty { padding: 16px; border-bottom: 1px solid #e1e4e8; }\n")
	b.WriteString(".title { font-weight: 600; font-size: 16px; margin-bottom: 4px; }\n")
	b.WriteString(".description { color: #57606a; font-size: 14px; margin-bottom: 8px; }\n")
	b.WriteString(".amount { background: #dafbe1; color: #116329; padding: 2px 8px; border-radius: 12px; font-size: 13px; font-weight: 600; }\n")
	b.WriteString(".tag { background: #ddf4ff; color: #0969da; padding: 2px 8px; border-radius: 12px; font-size: 12px; }\n")
	b.WriteString(".empty { padding: 32px; text-align: center; color: #57606a; }\n")
	b.WriteString(".board { padding: 16px; text-align: center; border-top: 1px solid #e1e4e8; }\n")
	b.WriteString(".footer { text-align: center; padding: 16px; color: #8b949e; font-size: 12px; }\n")
	b.WriteString("a { color: #0969da; text-decoration: none; }\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString("<div class=\"wrap\">\n<div class=\"card\">\n")
	b.WriteString("<div class=\"header\">\n")
	fmt.Fprintf(&b, "<h1>%s Digest</h1>\n", html.EscapeString(s.boardName))
	fmt.Fprintf(&b, "<p>%d new %s matching your interests</p>\n", len(bounties), plural(len(bounties), "bounty", "bounties"))
	b.WriteString("</div>\n")

	if len(bounties) == 0 {
		fmt.Fprintf(&b, "<div class=\"empty\">%s</div>\n", emptyDigestText)
	}
	for _, bounty := range bounties {
		b.WriteString("<div class=\"bounty\">\n")
		fmt.Fprintf(&b, "<div class=\"title\">#%d: %s</div>\n", bounty.ID, html.EscapeString(bounty.Title))
		if bounty.Description != "" {
			fmt.Fprintf(&b, "<div class=\"description\">%s</div>\n", html.EscapeString(truncate(bounty.Description, descriptionLimit)))
		}
		b.WriteString("<div>\n")
		fmt.Fprintf(&b, "<span class=\"amount\">%s</span>\n", html.EscapeString(formatAmount(bounty.Amount, bounty.Currency)))
		for _, tag := range bounty.Tags {
			fmt.Fprintf(&b, "<span class=\"tag\">%s</span>\n", html.EscapeString(tag))
		}
		b.WriteString("</div>\n")
		b.WriteString("</div>\n")
	}

	if s.boardURL != "" {
		b.WriteString("<div class=\"board\">\n")
		fmt.Fprintf(&b, "<a href=\"%s\">View all bounties on %s</a>\n", html.EscapeString(s.boardURL), html.EscapeString(s.boardName))
		b.WriteString("</div>\n")
	}
	b.WriteString("</div>\n")

	b.WriteString("<div class=\"footer\">\n")
	fmt.Fprintf(&b, "You're receiving this because you subscribed with %s.<br>\n", html.EscapeString(email))
	b.WriteString("To unsubscribe, POST your email address to /unsubscribe on the digest service.\n")
	b.WriteString("</div>\n")
	b.WriteString("</div>\n</body>\n</html>")

	return b.String()
}

// truncate shortens s to limit runes, marking the cut with "...".
func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}

func formatAmount(amount float64, currency string) string {
	return strings.TrimSpace(strconv.FormatFloat(amount, 'f', -1, 64) + " " + currency)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
