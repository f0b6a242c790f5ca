// Package zine talks to the GitHub REST API: every accepted submission lives
// as a pull request ("signal") against the publication repository.
package zine

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Submission categories and the repository label each maps to.
var CategoryLabels = map[string]string{
	"article":   "Zine Submission",
	"signal":    "Zine Signal",
	"column":    "Zine Column",
	"special":   "Zine Special Issue",
	"interview": "Zine Interview",
}

// IgnoreLabel marks pull requests excluded from curation entirely.
const IgnoreLabel = "Zine: Ignore"

var (
	ErrUnknownCategory = errors.New("unknown submission category")
	ErrUpstream        = errors.New("review system unavailable")
)

func ValidCategory(category string) bool {
	_, ok := CategoryLabels[category]
	return ok
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// BranchSlug derives the feature branch name for a submission title.
func BranchSlug(title string) string {
	slug := slugStrip.ReplaceAllString(strings.ToLower(strings.TrimSpace(title)), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "submission"
	}
	if len(slug) > 60 {
		slug = strings.Trim(slug[:60], "-")
	}
	return "feature/" + slug
}

// AuthorTrailer appends the authenticated author to the pull request body as a
// structured trailer. Authorship is authoritative from this field at
// submission time, not recovered from free text afterwards.
func AuthorTrailer(body, author string) string {
	return strings.TrimRight(body, "\n") + fmt.Sprintf("\n\n---\nSubmitted-By: %s\n", author)
}
