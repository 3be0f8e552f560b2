package enrich

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// Signals are the structured facts extracted from one listing page.
type Signals struct {
	Title             string   `json:"title"`
	Price             *float64 `json:"price"`
	Currency          string   `json:"currency,omitempty"`
	DescriptionLength int      `json:"descriptionLength"`
	PhotoCount        int      `json:"photoCount"`
	Brand             string   `json:"brand,omitempty"`
}

// ParseSignals reads Open Graph, product meta tags and schema.org microdata
// from an HTML document.
func ParseSignals(html []byte) (Signals, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return Signals{}, fmt.Errorf("parse html: %w", err)
	}

	var s Signals
	s.Title = firstNonEmpty(
		meta(doc, "og:title"),
		text(doc, "[itemprop=name]"),
		text(doc, "title"),
	)
	if raw := firstNonEmpty(
		meta(doc, "product:price:amount"),
		attr(doc, "[itemprop=price]", "content"),
		text(doc, "[itemprop=price]"),
	); raw != "" {
		if p, ok := parsePrice(raw); ok {
			s.Price = &p
		}
	}
	s.Currency = strings.ToUpper(firstNonEmpty(
		meta(doc, "product:price:currency"),
		attr(doc, "[itemprop=priceCurrency]", "content"),
	))
	desc := firstNonEmpty(
		text(doc, "[itemprop=description]"),
		meta(doc, "og:description"),
		attr(doc, `meta[name="description"]`, "content"),
	)
	s.DescriptionLength = utf8.RuneCountInString(desc)
	s.PhotoCount = countPhotos(doc)
	s.Brand = firstNonEmpty(
		meta(doc, "product:brand"),
		attr(doc, "[itemprop=brand] [itemprop=name]", "content"),
		text(doc, "[itemprop=brand] [itemprop=name]"),
		attr(doc, "[itemprop=brand]", "content"),
		text(doc, "[itemprop=brand]"),
	)
	return s, nil
}

func countPhotos(doc *goquery.Document) int {
	seen := make(map[string]struct{})
	add := func(src string) {
		src = strings.TrimSpace(src)
		if src != "" {
			seen[src] = struct{}{}
		}
	}
	doc.Find(`meta[property="og:image"]`).Each(func(_ int, sel *goquery.Selection) {
		v, _ := sel.Attr("content")
		add(v)
	})
	doc.Find("img[itemprop=image]").Each(func(_ int, sel *goquery.Selection) {
		v, _ := sel.Attr("src")
		add(v)
	})
	return len(seen)
}

func meta(doc *goquery.Document, property string) string {
	return attr(doc, `meta[property="`+property+`"]`, "content")
}

func attr(doc *goquery.Document, selector, name string) string {
	v, _ := doc.Find(selector).First().Attr(name)
	return strings.TrimSpace(v)
}

func text(doc *goquery.Document, selector string) string {
	return strings.TrimSpace(doc.Find(selector).First().Text())
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// parsePrice accepts "12.50", "12,50", "1 299,00" and "€ 45".
func parsePrice(raw string) (float64, bool) {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ',' || r == '.':
			b.WriteRune('.')
		}
	}
	clean := b.String()
	if i := strings.LastIndex(clean, "."); i >= 0 {
		clean = strings.ReplaceAll(clean[:i], ".", "") + clean[i:]
	}
	if clean == "" || clean == "." {
		return 0, false
	}
	p, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return 0, false
	}
	return p, true
}
