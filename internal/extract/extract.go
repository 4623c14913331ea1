// Package extract derives capture metadata from rendered HTML.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	// UntitledTitle is stored when a page has no <title>.
	UntitledTitle = "(untitled)"
	// MaxLinks bounds the number of links kept per page.
	MaxLinks = 500
	// MaxSearchText bounds the stored search text in bytes.
	MaxSearchText = 256 << 10
)

// Page is the metadata extracted from one HTML document.
type Page struct {
	Title       string
	Description string
	Text        string
	Links       []string
}

// Parse reads an HTML document and returns its title, meta description,
// visible text and up to MaxLinks absolute links. Relative links are resolved
// against baseURL; links that cannot be parsed are skipped.
func Parse(html []byte, baseURL string) (Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return Page{}, fmt.Errorf("parse html: %w", err)
	}

	page := Page{
		Title:       collapse(doc.Find("head title").First().Text()),
		Description: description(doc),
	}
	if page.Title == "" {
		page.Title = collapse(doc.Find("title").First().Text())
	}
	if page.Title == "" {
		page.Title = UntitledTitle
	}

	doc.Find("script, style, noscript, template").Remove()
	text := collapse(doc.Find("body").Text())
	if text == "" {
		text = collapse(doc.Text())
	}
	page.Text = truncate(text, MaxSearchText)

	base, _ := url.Parse(baseURL)
	page.Links = links(doc, base)
	return page, nil
}

func description(doc *goquery.Document) string {
	var out string
	doc.Find("meta").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		name, _ := s.Attr("name")
		if !strings.EqualFold(name, "description") {
			prop, _ := s.Attr("property")
			if !strings.EqualFold(prop, "og:description") {
				return true
			}
		}
		content, ok := s.Attr("content")
		if !ok {
			return true
		}
		out = collapse(content)
		return out == ""
	})
	return out
}

func links(doc *goquery.Document, base *url.URL) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return true
		}
		u, err := url.Parse(href)
		if err != nil {
			return true
		}
		if base != nil {
			u = base.ResolveReference(u)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return true
		}
		u.Fragment = ""
		link := u.String()
		if _, ok := seen[link]; ok {
			return true
		}
		seen[link] = struct{}{}
		out = append(out, link)
		return len(out) < MaxLinks
	})
	return out
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut]
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}
