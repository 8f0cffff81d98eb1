package email

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var blankLines = regexp.MustCompile(`\n{3,}`)

// PlainText derives a plain-text alternative from a rendered digest.
// Block elements become line breaks and links keep their target in brackets.
func PlainText(htmlBody string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlBody))
	if err != nil {
		return ""
	}
	doc.Find("head, style, script").Remove()

	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		text := strings.TrimSpace(a.Text())
		if href != "" && href != text {
			a.SetText(text + " [" + href + "]")
		}
	})
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("h1, h2, h3, p, div, tr, li").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})

	var lines []string
	for _, line := range strings.Split(doc.Text(), "\n") {
		lines = append(lines, strings.Join(strings.Fields(line), " "))
	}
	text := blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(text)
}
