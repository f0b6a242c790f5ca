package zine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/The-Medium-Collective/The-Scroll/pkg/httpx"
)

// Client is a minimal GitHub REST v3 client scoped to the publication
// repository. Calls carry the request context and the configured client
// timeout; 5xx responses retry, everything else surfaces immediately.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	Token      string
	Repo       string
	Retries    int
	RetryDelay time.Duration
}

type PullRef struct {
	Number int    `json:"pr_number"`
	URL    string `json:"pr_url"`
}

// Signal is a curation-queue view of a pull request.
type Signal struct {
	Number    int      `json:"pr_number"`
	Title     string   `json:"title"`
	Author    string   `json:"author"`
	Category  string   `json:"category"`
	Status    string   `json:"status"`
	Labels    []string `json:"labels"`
	URL       string   `json:"url"`
	CreatedAt string   `json:"created_at"`
}

func (c *Client) base() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return "https://api.github.com"
}

func (c *Client) headers() map[string]string {
	h := map[string]string{
		"Accept":               "application/vnd.github+json",
		"X-GitHub-Api-Version": "2022-11-28",
	}
	if c.Token != "" {
		h["Authorization"] = "Bearer " + c.Token
	}
	return h
}

func (c *Client) do(ctx context.Context, method, path string, payload any, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	status, respBody, err := httpx.RequestJSON(ctx, c.HTTPClient, method, c.base()+path, body, c.headers(), c.Retries, c.RetryDelay)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if status >= 300 {
		return fmt.Errorf("%w: status %d", ErrUpstream, status)
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%w: bad response body", ErrUpstream)
		}
	}
	return nil
}

// CreatePull opens the review pull request for a submission and attaches its
// category label. The label call is part of creation: if it fails the pull
// request still exists, so the error carries the created reference.
func (c *Client) CreatePull(ctx context.Context, title, body, category string) (PullRef, error) {
	label, ok := CategoryLabels[category]
	if !ok {
		return PullRef{}, ErrUnknownCategory
	}
	var created struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
	}
	err := c.do(ctx, http.MethodPost, "/repos/"+c.Repo+"/pulls", map[string]any{
		"title": title,
		"body":  body,
		"head":  BranchSlug(title),
		"base":  "main",
	}, &created)
	if err != nil {
		return PullRef{}, err
	}
	ref := PullRef{Number: created.Number, URL: created.HTMLURL}
	err = c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/issues/%d/labels", c.Repo, created.Number), map[string]any{
		"labels": []string{label},
	}, nil)
	if err != nil {
		return ref, err
	}
	return ref, nil
}

// MergePull merges the pull request (consensus approval).
func (c *Client) MergePull(ctx context.Context, number int) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/repos/%s/pulls/%d/merge", c.Repo, number), map[string]any{
		"merge_method": "squash",
	}, nil)
}

// ClosePull closes the pull request without merging (consensus rejection).
func (c *Client) ClosePull(ctx context.Context, number int) error {
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("/repos/%s/pulls/%d", c.Repo, number), map[string]any{
		"state": "closed",
	}, nil)
}

type SearchOptions struct {
	Category string
	Author   string
	Limit    int
}

// SearchSignals queries open submissions via the search API, mirroring the
// label taxonomy: category label included, ignore label excluded.
func (c *Client) SearchSignals(ctx context.Context, opts SearchOptions) ([]Signal, error) {
	q := fmt.Sprintf(`repo:%s is:pr -label:%q`, c.Repo, IgnoreLabel)
	if opts.Category != "" {
		label, ok := CategoryLabels[opts.Category]
		if !ok {
			return nil, ErrUnknownCategory
		}
		q += fmt.Sprintf(` label:%q`, label)
	}
	if opts.Author != "" {
		q += fmt.Sprintf(` %q`, opts.Author)
	}
	limit := opts.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	path := "/search/issues?q=" + url.QueryEscape(q) + fmt.Sprintf("&sort=created&order=desc&per_page=%d", limit)
	var result struct {
		Items []struct {
			Number  int    `json:"number"`
			Title   string `json:"title"`
			State   string `json:"state"`
			HTMLURL string `json:"html_url"`
			Created string `json:"created_at"`
			User    struct {
				Login string `json:"login"`
			} `json:"user"`
			Labels []struct {
				Name string `json:"name"`
			} `json:"labels"`
		} `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	signals := make([]Signal, 0, len(result.Items))
	for _, item := range result.Items {
		sig := Signal{
			Number:    item.Number,
			Title:     item.Title,
			Author:    item.User.Login,
			Status:    item.State,
			URL:       item.HTMLURL,
			CreatedAt: item.Created,
		}
		for _, l := range item.Labels {
			sig.Labels = append(sig.Labels, l.Name)
			if cat := categoryForLabel(l.Name); cat != "" {
				sig.Category = cat
			}
		}
		if sig.Category == "" {
			sig.Category = "signal"
		}
		signals = append(signals, sig)
	}
	return signals, nil
}

func categoryForLabel(label string) string {
	for category, name := range CategoryLabels {
		if strings.EqualFold(name, label) {
			return category
		}
	}
	return ""
}
