package extractor

import (
	"fmt"
	"net/url"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/site-crawler/internal/crawler"
)

// Parse extracts the requested formats from rendered HTML. Links and images
// are always returned as absolute http(s) URLs in document order.
func Parse(html, pageURL string, formats []string) (crawler.Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return crawler.Extraction{}, fmt.Errorf("parse html: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return crawler.Extraction{}, fmt.Errorf("parse page url: %w", err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if ref, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = ref
		}
	}

	out := crawler.Extraction{
		URL:    pageURL,
		Title:  extractTitle(doc),
		Links:  collectURLs(doc, base, "a[href]", "href"),
		Images: collectURLs(doc, base, "img[src]", "src"),
	}
	want := make(map[string]bool, len(formats))
	for _, f := range formats {
		want[f] = true
	}
	if want["html"] {
		out.HTML = html
	}
	if want["json"] {
		out.JSON = structured(doc, out)
	}
	if want["markdown"] {
		out.Markdown = toMarkdown(doc, base)
	}
	return out, nil
}

func extractTitle(doc *goquery.Document) string {
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		return title
	}
	if og, ok := doc.Find("meta[property='og:title']").Attr("content"); ok && strings.TrimSpace(og) != "" {
		return strings.TrimSpace(og)
	}
	return strings.TrimSpace(doc.Find("h1").First().Text())
}

func collectURLs(doc *goquery.Document, base *url.URL, selector, attr string) []string {
	var out []string
	seen := make(map[string]struct{})
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		raw, _ := s.Attr(attr)
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			return
		}
		ref, err := base.Parse(raw)
		if err != nil || (ref.Scheme != "http" && ref.Scheme != "https") {
			return
		}
		abs := ref.String()
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	})
	return out
}

// structured builds the json format: title, description, headings, and
// open graph metadata.
func structured(doc *goquery.Document, ex crawler.Extraction) map[string]any {
	description, _ := doc.Find("meta[name='description']").Attr("content")
	var headings []string
	doc.Find("h1, h2, h3").Each(func(_ int, s *goquery.Selection) {
		if text := strings.Join(strings.Fields(s.Text()), " "); text != "" {
			headings = append(headings, text)
		}
	})
	meta := make(map[string]string)
	doc.Find("meta[property^='og:']").Each(func(_ int, s *goquery.Selection) {
		prop, _ := s.Attr("property")
		content, _ := s.Attr("content")
		meta[prop] = content
	})
	return map[string]any{
		"title":       ex.Title,
		"description": strings.TrimSpace(description),
		"headings":    headings,
		"open_graph":  meta,
		"link_count":  len(ex.Links),
		"image_count": len(ex.Images),
	}
}

func toMarkdown(doc *goquery.Document, base *url.URL) string {
	body := doc.Find("body").Clone()
	if body.Length() == 0 {
		return ""
	}
	body.Find("script, style, noscript, template").Remove()
	converter := md.NewConverter(base.Scheme+"://"+base.Host, true, nil)
	return strings.TrimSpace(converter.Convert(body))
}
