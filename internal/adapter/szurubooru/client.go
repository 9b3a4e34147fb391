// Package szurubooru is the typed client for the downstream Booru REST
// API. All calls authenticate per-call from explicit credentials because
// different jobs upload as different users; the HTTP connection pool is
// shared process-wide.
package szurubooru

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gabriel-vasile/mimetype"

	"github.com/fairyhunter13/szuru-ingest/internal/domain"
)

// Client talks to one Szurubooru instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs a Client for the given API base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type apiPost struct {
	ID            int      `json:"id"`
	Version       int      `json:"version"`
	Safety        string   `json:"safety"`
	Source        string   `json:"source"`
	ContentURL    string   `json:"contentUrl"`
	Tags          []apiTag `json:"tags"`
	RelationPosts []struct {
		ID int `json:"id"`
	} `json:"relations"`
	TagCount int `json:"tagCount"`
}

type apiTag struct {
	Names    []string `json:"names"`
	Category string   `json:"category"`
	Version  int      `json:"version"`
}

type apiError struct {
	Name        string `json:"name"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (p apiPost) toDomain() domain.Post {
	out := domain.Post{
		ID:         p.ID,
		Version:    p.Version,
		Safety:     domain.Safety(p.Safety),
		Source:     p.Source,
		ContentURL: p.ContentURL,
		TagCount:   p.TagCount,
	}
	for _, t := range p.Tags {
		if len(t.Names) > 0 {
			out.Tags = append(out.Tags, t.Names[0])
		}
	}
	for _, r := range p.RelationPosts {
		out.RelationIDs = append(out.RelationIDs, r.ID)
	}
	if out.TagCount == 0 {
		out.TagCount = len(out.Tags)
	}
	return out
}

func authHeader(creds domain.BooruCredentials) string {
	raw := creds.Username + ":" + creds.Token
	return "Token " + base64.StdEncoding.EncodeToString([]byte(raw))
}

// mapStatus converts a non-2xx response into the domain error taxonomy.
func mapStatus(status int, body []byte, op string) error {
	var ae apiError
	_ = json.Unmarshal(body, &ae)
	msg := ae.Description
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if len(msg) > 300 {
		msg = msg[:300]
	}
	switch {
	case ae.Name == "PostAlreadyUploadedError":
		return fmt.Errorf("op=%s: %s: %w", op, msg, domain.ErrDuplicateContent)
	case ae.Name == "TagAlreadyExistsError":
		return fmt.Errorf("op=%s: %s: %w", op, msg, domain.ErrConflict)
	case status == http.StatusNotFound:
		return fmt.Errorf("op=%s: %s: %w", op, msg, domain.ErrNotFound)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("op=%s: %s: %w", op, msg, domain.ErrUnauthorized)
	case status == http.StatusConflict:
		return fmt.Errorf("op=%s: %s: %w", op, msg, domain.ErrConflict)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("op=%s: %s: %w", op, msg, domain.ErrRateLimited)
	case status >= 500:
		return fmt.Errorf("op=%s status=%d: %s: %w", op, status, msg, domain.ErrUpstreamError)
	default:
		return fmt.Errorf("op=%s status=%d: %s: %w", op, status, msg, domain.ErrInvalidArgument)
	}
}

// do performs one request with transient retry: network errors and 5xx
// are retried with exponential backoff, everything else returns at once.
func (c *Client) do(ctx context.Context, op string, build func() (*http.Request, error), out any) error {
	operation := func() error {
		req, err := build()
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return backoff.Permanent(fmt.Errorf("op=%s: %w", op, domain.ErrUpstreamTimeout))
			}
			return fmt.Errorf("op=%s: %w", op, err)
		}
		defer func() { _ = resp.Body.Close() }()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return fmt.Errorf("op=%s: %w", op, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			mapped := mapStatus(resp.StatusCode, body, op)
			if errors.Is(mapped, domain.ErrUpstreamError) || errors.Is(mapped, domain.ErrRateLimited) {
				return mapped
			}
			return backoff.Permanent(mapped)
		}
		if out != nil {
			if err := json.Unmarshal(body, out); err != nil {
				return backoff.Permanent(fmt.Errorf("op=%s: decode: %w", op, err))
			}
		}
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(operation, backoff.WithContext(bo, ctx))
}

func (c *Client) jsonRequest(ctx context.Context, creds domain.BooruCredentials, method, path string, payload any) func() (*http.Request, error) {
	return func() (*http.Request, error) {
		var body io.Reader
		if payload != nil {
			raw, err := json.Marshal(payload)
			if err != nil {
				return nil, err
			}
			body = bytes.NewReader(raw)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if creds.Username != "" {
			req.Header.Set("Authorization", authHeader(creds))
		}
		return req, nil
	}
}

// multipartRequest builds a metadata+content multipart body. The content
// part carries a sniffed MIME type so the server can validate it.
func (c *Client) multipartRequest(ctx context.Context, creds domain.BooruCredentials, path string, metadata any, fieldName, filePath string) func() (*http.Request, error) {
	return func() (*http.Request, error) {
		fileBytes, err := os.ReadFile(filePath)
		if err != nil {
			return nil, err
		}
		mime := mimetype.Detect(fileBytes)

		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		metaRaw, err := json.Marshal(metadata)
		if err != nil {
			return nil, err
		}
		metaHeader := textproto.MIMEHeader{}
		metaHeader.Set("Content-Disposition", `form-data; name="metadata"`)
		metaHeader.Set("Content-Type", "application/json")
		metaPart, err := mw.CreatePart(metaHeader)
		if err != nil {
			return nil, err
		}
		if _, err := metaPart.Write(metaRaw); err != nil {
			return nil, err
		}

		fileHeader := textproto.MIMEHeader{}
		fileHeader.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, fieldName, filepath.Base(filePath)))
		fileHeader.Set("Content-Type", mime.String())
		filePart, err := mw.CreatePart(fileHeader)
		if err != nil {
			return nil, err
		}
		if _, err := filePart.Write(fileBytes); err != nil {
			return nil, err
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf.Bytes()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Content-Type", mw.FormDataContentType())
		if creds.Username != "" {
			req.Header.Set("Authorization", authHeader(creds))
		}
		return req, nil
	}
}

// Upload creates a new post from a local file. A content-hash duplicate is
// reported as ErrDuplicateContent.
func (c *Client) Upload(ctx domain.Context, creds domain.BooruCredentials, filePath string, tags []string, safety domain.Safety, source string) (domain.Post, error) {
	meta := map[string]any{
		"tags":   tags,
		"safety": string(safety),
	}
	if source != "" {
		meta["source"] = source
	}
	var resp apiPost
	err := c.do(ctx, "booru.upload", c.multipartRequest(ctx, creds, "/posts/", meta, "content", filePath), &resp)
	if err != nil {
		return domain.Post{}, err
	}
	return resp.toDomain(), nil
}

// ReverseSearch looks a file up by content similarity.
func (c *Client) ReverseSearch(ctx domain.Context, creds domain.BooruCredentials, filePath string) (domain.ReverseSearchResult, error) {
	var resp struct {
		ExactPost    *apiPost `json:"exactPost"`
		SimilarPosts []struct {
			Distance float64 `json:"distance"`
			Post     apiPost `json:"post"`
		} `json:"similarPosts"`
	}
	err := c.do(ctx, "booru.reverse_search", c.multipartRequest(ctx, creds, "/posts/reverse-search", map[string]any{}, "content", filePath), &resp)
	if err != nil {
		return domain.ReverseSearchResult{}, err
	}
	out := domain.ReverseSearchResult{}
	if resp.ExactPost != nil {
		p := resp.ExactPost.toDomain()
		out.Exact = &p
	}
	for _, s := range resp.SimilarPosts {
		out.Similar = append(out.Similar, s.Post.toDomain())
	}
	return out, nil
}

// SearchByChecksum finds posts whose content hash equals the given SHA-1.
func (c *Client) SearchByChecksum(ctx domain.Context, creds domain.BooruCredentials, sha1 string) ([]domain.Post, error) {
	posts, _, err := c.SearchPosts(ctx, creds, "checksum:"+sha1, 0, 10)
	return posts, err
}

// GetPost loads one post by id.
func (c *Client) GetPost(ctx domain.Context, creds domain.BooruCredentials, id int) (domain.Post, error) {
	var resp apiPost
	err := c.do(ctx, "booru.get_post", c.jsonRequest(ctx, creds, http.MethodGet, fmt.Sprintf("/post/%d", id), nil), &resp)
	if err != nil {
		return domain.Post{}, err
	}
	return resp.toDomain(), nil
}

// UpdatePost applies a partial update with optimistic concurrency; a stale
// version surfaces as ErrConflict.
func (c *Client) UpdatePost(ctx domain.Context, creds domain.BooruCredentials, id, version int, mut domain.PostMutation) (domain.Post, error) {
	payload := map[string]any{"version": version}
	if mut.Tags != nil {
		payload["tags"] = *mut.Tags
	}
	if mut.Source != nil {
		payload["source"] = *mut.Source
	}
	if mut.Safety != nil {
		payload["safety"] = string(*mut.Safety)
	}
	if mut.Relations != nil {
		payload["relations"] = *mut.Relations
	}
	var resp apiPost
	err := c.do(ctx, "booru.update_post", c.jsonRequest(ctx, creds, http.MethodPut, fmt.Sprintf("/post/%d", id), payload), &resp)
	if err != nil {
		return domain.Post{}, err
	}
	return resp.toDomain(), nil
}

// SearchPosts runs a Szurubooru query string and returns one page plus the
// total match count.
func (c *Client) SearchPosts(ctx domain.Context, creds domain.BooruCredentials, query string, offset, limit int) ([]domain.Post, int, error) {
	if limit <= 0 {
		limit = 100
	}
	path := fmt.Sprintf("/posts/?query=%s&offset=%d&limit=%d", url.QueryEscape(query), offset, limit)
	var resp struct {
		Total   int       `json:"total"`
		Results []apiPost `json:"results"`
	}
	err := c.do(ctx, "booru.search_posts", c.jsonRequest(ctx, creds, http.MethodGet, path, nil), &resp)
	if err != nil {
		return nil, 0, err
	}
	out := make([]domain.Post, 0, len(resp.Results))
	for _, p := range resp.Results {
		out = append(out, p.toDomain())
	}
	return out, resp.Total, nil
}

// CreateTag creates a tag with the given category; an existing tag
// surfaces as ErrConflict for the caller to heal.
func (c *Client) CreateTag(ctx domain.Context, creds domain.BooruCredentials, name, category string) error {
	payload := map[string]any{"names": []string{name}, "category": category}
	return c.do(ctx, "booru.create_tag", c.jsonRequest(ctx, creds, http.MethodPost, "/tags/", payload), nil)
}

// GetTag loads one tag by name.
func (c *Client) GetTag(ctx domain.Context, creds domain.BooruCredentials, name string) (domain.Tag, error) {
	var resp apiTag
	err := c.do(ctx, "booru.get_tag", c.jsonRequest(ctx, creds, http.MethodGet, "/tag/"+url.PathEscape(name), nil), &resp)
	if err != nil {
		return domain.Tag{}, err
	}
	tag := domain.Tag{Category: resp.Category, Version: resp.Version}
	if len(resp.Names) > 0 {
		tag.Name = resp.Names[0]
	}
	return tag, nil
}

// UpdateTag changes a tag's category using optimistic concurrency.
func (c *Client) UpdateTag(ctx domain.Context, creds domain.BooruCredentials, name string, version int, category string) error {
	payload := map[string]any{"version": version, "category": category}
	return c.do(ctx, "booru.update_tag", c.jsonRequest(ctx, creds, http.MethodPut, "/tag/"+url.PathEscape(name), payload), nil)
}

// Ping checks instance liveness for readiness probes.
func (c *Client) Ping(ctx domain.Context) error {
	return c.do(ctx, "booru.ping", c.jsonRequest(ctx, domain.BooruCredentials{}, http.MethodGet, "/info", nil), nil)
}
