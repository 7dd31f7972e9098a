package evidence

import (
	"fmt"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

var blankLines = regexp.MustCompile(`\n{3,}`)

// HTMLToMarkdown converts the result page to markdown, dropping scripts,
// styles and the JSF view state.
func HTMLToMarkdown(html, pageURL string) (string, error) {
	if strings.TrimSpace(html) == "" {
		return "", nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("failed to parse page html: %w", err)
	}
	doc.Find("script, style, noscript, input[type=hidden]").Remove()

	body, err := doc.Find("body").Html()
	if err != nil || strings.TrimSpace(body) == "" {
		body = html
	}

	converter := md.NewConverter(pageURL, true, nil)
	markdown, err := converter.ConvertString(body)
	if err != nil {
		return "", fmt.Errorf("failed to convert page to markdown: %w", err)
	}

	return strings.TrimSpace(blankLines.ReplaceAllString(markdown, "\n\n")), nil
}
