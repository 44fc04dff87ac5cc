// Package extract applies named selector rules to HTML documents using goquery.
package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"go.uber.org/zap"

	"github.com/JakeFAU/rulecrawler/internal/crawler"
)

// Extractor turns an HTML document plus a rule set into field values.
// It holds no per-document state, so one Extractor serves concurrent callers.
type Extractor struct {
	logger *zap.Logger
}

// New creates an Extractor.
func New(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger.Named("extract")}
}

// Extract evaluates every rule independently. The returned map always has one
// key per rule; a rule that matches nothing or fails to evaluate maps to null.
// The error is reserved for documents that cannot be read at all.
func (e *Extractor) Extract(document []byte, rules crawler.RuleSet) (map[string]crawler.Value, error) {
	out := make(map[string]crawler.Value, len(rules))
	for field := range rules {
		out[field] = crawler.NullValue()
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(document))
	if err != nil {
		return out, &crawler.ParseError{Err: err}
	}

	for field, selector := range rules {
		value, err := e.extractField(doc, field, selector)
		if err != nil {
			e.logger.Warn("failed to extract field",
				zap.String("field", field),
				zap.String("selector", selector),
				zap.Error(err),
			)
			continue
		}
		out[field] = value
	}
	return out, nil
}

func (e *Extractor) extractField(doc *goquery.Document, field, selector string) (value crawler.Value, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			value = crawler.NullValue()
			err = &crawler.ParseError{Field: field, Selector: selector, Err: fmt.Errorf("selector panicked: %v", rec)}
		}
	}()

	matcher, err := cascadia.Compile(strings.TrimSpace(selector))
	if err != nil {
		return crawler.NullValue(), &crawler.ParseError{Field: field, Selector: selector, Err: err}
	}

	matches := doc.FindMatcher(matcher)
	switch matches.Length() {
	case 0:
		return crawler.NullValue(), nil
	case 1:
		return elementValue(matches.First()), nil
	default:
		items := make([]crawler.Value, 0, matches.Length())
		matches.Each(func(_ int, s *goquery.Selection) {
			items = append(items, elementValue(s))
		})
		return crawler.ListValue(items...), nil
	}
}

// elementValue applies the single-element policy in order: link, image, text.
func elementValue(s *goquery.Selection) crawler.Value {
	switch elementKind(s) {
	case kindLink:
		href, _ := s.Attr("href")
		return crawler.LinkValue(strings.TrimSpace(s.Text()), href)
	case kindImage:
		src, _ := s.Attr("src")
		alt, _ := s.Attr("alt")
		return crawler.ImageValue(strings.TrimSpace(alt), src)
	default:
		return crawler.TextValue(strings.TrimSpace(s.Text()))
	}
}

type kind int

const (
	kindText kind = iota
	kindLink
	kindImage
)

func elementKind(s *goquery.Selection) kind {
	switch goquery.NodeName(s) {
	case "a":
		if href, ok := s.Attr("href"); ok && href != "" {
			return kindLink
		}
	case "img":
		if src, ok := s.Attr("src"); ok && src != "" {
			return kindImage
		}
	}
	return kindText
}
