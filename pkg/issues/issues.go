// Package issues reads the published zine archive: markdown files with YAML
// frontmatter, rendered to HTML for the public pages.
package issues

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"gopkg.in/yaml.v3"
)

var (
	ErrNotFound    = errors.New("issue not found")
	ErrBadFilename = errors.New("invalid issue filename")
)

type Frontmatter struct {
	Title       string   `yaml:"title"`
	Date        string   `yaml:"date"`
	Author      string   `yaml:"author"`
	Description string   `yaml:"description"`
	Image       string   `yaml:"image"`
	Volume      int      `yaml:"volume"`
	Issue       int      `yaml:"issue"`
	Tags        []string `yaml:"tags"`
}

type Issue struct {
	Filename    string      `json:"filename"`
	Frontmatter Frontmatter `json:"frontmatter"`
	Markdown    string      `json:"-"`
	HTML        string      `json:"html,omitempty"`
}

type Archive struct {
	Dir string

	md goldmark.Markdown
}

func NewArchive(dir string) *Archive {
	return &Archive{
		Dir: dir,
		md:  goldmark.New(goldmark.WithExtensions(extension.GFM, extension.Typographer)),
	}
}

// Get loads and renders one issue. Filenames are flat: no separators, no
// parent references, always .md.
func (a *Archive) Get(filename string) (Issue, error) {
	if !validFilename(filename) {
		return Issue{}, ErrBadFilename
	}
	raw, err := os.ReadFile(filepath.Join(a.Dir, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return Issue{}, ErrNotFound
		}
		return Issue{}, err
	}
	fm, body := splitFrontmatter(raw)
	issue := Issue{Filename: filename, Markdown: string(body)}
	if len(fm) > 0 {
		// Malformed frontmatter degrades to an untitled issue, it does not
		// hide the content.
		_ = yaml.Unmarshal(fm, &issue.Frontmatter)
	}
	if issue.Frontmatter.Title == "" {
		issue.Frontmatter.Title = strings.TrimSuffix(filename, ".md")
	}
	var buf bytes.Buffer
	if err := a.renderer().Convert(body, &buf); err != nil {
		return Issue{}, err
	}
	issue.HTML = buf.String()
	return issue, nil
}

// List returns frontmatter summaries for every issue, newest filename first.
func (a *Archive) List() ([]Issue, error) {
	entries, err := os.ReadDir(a.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Issue{}, nil
		}
		return nil, err
	}
	out := []Issue{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".md") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(a.Dir, name))
		if err != nil {
			continue
		}
		fm, _ := splitFrontmatter(raw)
		issue := Issue{Filename: name}
		if len(fm) > 0 {
			_ = yaml.Unmarshal(fm, &issue.Frontmatter)
		}
		if issue.Frontmatter.Title == "" {
			issue.Frontmatter.Title = strings.TrimSuffix(name, ".md")
		}
		out = append(out, issue)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename > out[j].Filename })
	return out, nil
}

func (a *Archive) renderer() goldmark.Markdown {
	if a.md == nil {
		a.md = goldmark.New(goldmark.WithExtensions(extension.GFM, extension.Typographer))
	}
	return a.md
}

func validFilename(name string) bool {
	if name == "" || !strings.HasSuffix(name, ".md") {
		return false
	}
	if strings.Contains(name, "/") || strings.Contains(name, "\\") || strings.Contains(name, "..") {
		return false
	}
	return true
}

func splitFrontmatter(raw []byte) (frontmatter, body []byte) {
	const marker = "---"
	text := string(raw)
	if !strings.HasPrefix(text, marker) {
		return nil, raw
	}
	rest := text[len(marker):]
	idx := strings.Index(rest, "\n"+marker)
	if idx < 0 {
		return nil, raw
	}
	fm := rest[:idx]
	after := rest[idx+1+len(marker):]
	after = strings.TrimPrefix(after, "\n")
	return []byte(fm), []byte(strings.TrimLeft(after, "\n"))
}
