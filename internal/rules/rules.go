// Package rules validates job definitions before they reach the crawl engine.
package rules

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/andybalholm/cascadia"

	"github.com/JakeFAU/rulecrawler/internal/crawler"
)

// ErrInvalid marks every validation failure.
var ErrInvalid = errors.New("invalid job definition")

// selectorShapes are the accepted selector openings: element, .class, #id and element.class.
var selectorShapes = []*regexp.Regexp{
	regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*`),
	regexp.MustCompile(`^\.[a-zA-Z][a-zA-Z0-9_-]*`),
	regexp.MustCompile(`^#[a-zA-Z][a-zA-Z0-9_-]*`),
	regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*\.[a-zA-Z][a-zA-Z0-9_-]*`),
}

// ValidationError lists every problem found in a job definition.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalid, strings.Join(e.Problems, "; "))
}

// Is matches ErrInvalid.
func (e *ValidationError) Is(target error) bool { return target == ErrInvalid }

// ValidateSelector checks one selector string.
func ValidateSelector(selector string) error {
	trimmed := strings.TrimSpace(selector)
	if trimmed == "" {
		return errors.New("selector is empty")
	}
	shaped := false
	for _, re := range selectorShapes {
		if re.MatchString(trimmed) {
			shaped = true
			break
		}
	}
	if !shaped {
		return fmt.Errorf("selector %q must start with an element, class or id", selector)
	}
	if _, err := cascadia.Compile(trimmed); err != nil {
		return fmt.Errorf("selector %q does not compile: %w", selector, err)
	}
	return nil
}

// ValidateRules rejects empty rule sets, blank field names and malformed selectors.
func ValidateRules(rules crawler.RuleSet) error {
	var problems []string
	if len(rules) == 0 {
		problems = append(problems, "extraction_rules must contain at least one field")
	}
	for _, field := range slices.Sorted(maps.Keys(rules)) {
		if strings.TrimSpace(field) == "" {
			problems = append(problems, "field names must not be blank")
			continue
		}
		if err := ValidateSelector(rules[field]); err != nil {
			problems = append(problems, fmt.Sprintf("field %q: %v", field, err))
		}
	}
	return asError(problems)
}

// ValidateURLs requires at least one absolute http or https URL.
func ValidateURLs(urls []string) error {
	var problems []string
	if len(urls) == 0 {
		problems = append(problems, "target_urls must contain at least one URL")
	}
	for _, raw := range urls {
		if err := validateURL(raw); err != nil {
			problems = append(problems, err.Error())
		}
	}
	return asError(problems)
}

// ValidateJob combines URL and rule validation.
func ValidateJob(job crawler.Job) error {
	var problems []string
	for _, err := range []error{ValidateURLs(job.URLs), ValidateRules(job.Rules)} {
		var verr *ValidationError
		if errors.As(err, &verr) {
			problems = append(problems, verr.Problems...)
		}
	}
	return asError(problems)
}

func validateURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url %q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	return nil
}

func asError(problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: problems}
}
