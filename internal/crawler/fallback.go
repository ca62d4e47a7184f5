package crawler

import (
	"net/url"
	"path"
	"strings"
	"time"
	"unicode"
)

// DefaultDescription is used whenever a page yields no description.
const DefaultDescription = "No description available"

// FallbackTitle derives a human readable title from the last path segment of
// rawURL. It is a pure function of its input.
func FallbackTitle(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return strings.TrimSpace(rawURL)
	}
	segment := lastSegment(u.Path)
	if segment == "" {
		if u.Hostname() != "" {
			return u.Hostname()
		}
		return strings.TrimSpace(rawURL)
	}
	if unescaped, err := url.PathUnescape(segment); err == nil {
		segment = unescaped
	}
	if ext := path.Ext(segment); ext != "" && len(ext) <= 6 {
		segment = strings.TrimSuffix(segment, ext)
	}
	words := strings.FieldsFunc(segment, func(r rune) bool {
		return r == '-' || r == '_' || r == '+' || unicode.IsSpace(r)
	})
	if len(words) == 0 {
		return u.Hostname()
	}
	for i, w := range words {
		words[i] = capitalize(w)
	}
	return strings.Join(words, " ")
}

// FallbackResult synthesizes the result recorded for a URL whose extraction failed.
func FallbackResult(id, rawURL string, err error, now time.Time) URLResult {
	res := URLResult{
		ID:          id,
		URL:         rawURL,
		Title:       FallbackTitle(rawURL),
		Description: DefaultDescription,
		ScrapedAt:   now,
	}
	if err != nil {
		res.Error = err.Error()
		res.IsRateLimit = ClassifyError(err) == KindRateLimited
	}
	return res
}

func lastSegment(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] != "" {
			return parts[i]
		}
	}
	return ""
}

func capitalize(word string) string {
	runes := []rune(strings.ToLower(word))
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
