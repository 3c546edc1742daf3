package matcher

import (
	"strings"

	"github.com/twistermc/attach-images/internal/storage"
)

// MaxPatterns bounds how many patterns go into a single search query
const MaxPatterns = 5

// sizePriority lists the size variants searched, in order
var sizePriority = []string{"large", "medium", "thumbnail"}

// Generator derives the text patterns that identify an attachment
type Generator struct {
	// BaseURL is the public URL of the upload directory, e.g.
	// https://example.com/wp-content/uploads
	BaseURL string
}

// Patterns returns the search patterns for a, most specific first:
// full URL, URL without scheme, path relative to BaseURL (only when the
// URL starts with it), bare filename, then large/medium/thumbnail variant
// filenames. Empty and repeated patterns are dropped.
func (g Generator) Patterns(a *storage.Attachment) []string {
	var patterns []string
	seen := make(map[string]struct{})
	add := func(p string) {
		if p == "" {
			return
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		patterns = append(patterns, p)
	}

	url := a.URL
	add(url)
	add(stripScheme(url))

	if base := strings.TrimRight(g.BaseURL, "/"); base != "" && strings.HasPrefix(url, base) {
		add(strings.TrimPrefix(url, base))
	}

	add(a.Filename())

	for _, size := range sizePriority {
		add(a.Sizes[size])
	}

	return patterns
}

// Limit caps patterns at MaxPatterns
func Limit(patterns []string) []string {
	if len(patterns) > MaxPatterns {
		return patterns[:MaxPatterns]
	}
	return patterns
}

func stripScheme(url string) string {
	for _, scheme := range []string{"https://", "http://"} {
		if strings.HasPrefix(url, scheme) {
			return strings.TrimPrefix(url, scheme)
		}
	}
	return url
}
