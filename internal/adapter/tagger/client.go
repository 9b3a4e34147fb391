// Package tagger talks to the WD14 tagger sidecar and aggregates
// per-frame results for video.
package tagger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	obsmetrics "github.com/fairyhunter13/szuru-ingest/internal/adapter/observability"
	"github.com/fairyhunter13/szuru-ingest/internal/domain"
	"github.com/fairyhunter13/szuru-ingest/pkg/tagx"
)

const (
	requestTimeout = 60 * time.Second

	// Inference is CPU/GPU bound on the sidecar; bound in-flight
	// requests so concurrent workers queue instead of piling on.
	maxInflight = 2
)

// Client is the WD14 HTTP client. It implements domain.Tagger.
type Client struct {
	baseURL string
	http    *http.Client
	ffmpeg  string
	ffprobe string

	sem  *semaphore.Weighted
	ping singleflight.Group
}

// New returns a Client for the tagger at baseURL. ffmpeg/ffprobe paths
// are used for video frame extraction; empty values resolve via PATH.
func New(baseURL, ffmpegPath, ffprobePath string) *Client {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Client{
		baseURL: trimTrailingSlash(baseURL),
		http:    &http.Client{Timeout: requestTimeout},
		ffmpeg:  ffmpegPath,
		ffprobe: ffprobePath,
		sem:     semaphore.NewWeighted(maxInflight),
	}
}

// NewWithHTTPClient is New with an injected HTTP client, used by tests.
func NewWithHTTPClient(baseURL string, hc *http.Client) *Client {
	c := New(baseURL, "", "")
	if hc != nil {
		c.http = hc
	}
	return c
}

func trimTrailingSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// predictResponse is the sidecar's JSON shape: tag name to confidence
// score per bucket.
type predictResponse struct {
	General   map[string]float64 `json:"general"`
	Character map[string]float64 `json:"character"`
	Rating    map[string]float64 `json:"rating"`
}

// TagImage posts one image to the predict endpoint and filters the
// result by the configured thresholds.
func (c *Client) TagImage(ctx domain.Context, path string, cfg domain.TaggerConfig) (domain.TagResult, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return domain.TagResult{}, fmt.Errorf("op=tagger.TagImage: %w", err)
	}
	defer c.sem.Release(1)

	start := time.Now()
	resp, err := c.predict(ctx, path)
	obsmetrics.TaggerRequestDuration.WithLabelValues("image").Observe(time.Since(start).Seconds())
	if err != nil {
		return domain.TagResult{}, err
	}
	return parsePrediction(resp, cfg), nil
}

func (c *Client) predict(ctx context.Context, path string) (predictResponse, error) {
	var out predictResponse

	f, err := os.Open(path)
	if err != nil {
		return out, fmt.Errorf("op=tagger.predict: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return out, fmt.Errorf("op=tagger.predict: form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return out, fmt.Errorf("op=tagger.predict: read %s: %w", path, err)
	}
	if err := mw.Close(); err != nil {
		return out, fmt.Errorf("op=tagger.predict: close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/predict", &body)
	if err != nil {
		return out, fmt.Errorf("op=tagger.predict: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return out, fmt.Errorf("op=tagger.predict: %w", domain.ErrUpstreamTimeout)
		}
		return out, fmt.Errorf("op=tagger.predict: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		return out, fmt.Errorf("op=tagger.predict: tagger returned %d: %s: %w",
			resp.StatusCode, msg, domain.ErrUpstreamError)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("op=tagger.predict: decode response: %w", err)
	}
	return out, nil
}

// parsePrediction applies threshold/cap filtering. General tags come out
// in descending confidence order; character tags are uncapped; the
// rating bucket with the highest score decides safety.
func parsePrediction(resp predictResponse, cfg domain.TaggerConfig) domain.TagResult {
	result := domain.TagResult{Safety: domain.SafetyUnsafe}

	type scored struct {
		tag   string
		score float64
	}
	general := make([]scored, 0, len(resp.General))
	for tag, score := range resp.General {
		general = append(general, scored{tag, score})
	}
	sort.Slice(general, func(i, j int) bool {
		if general[i].score != general[j].score {
			return general[i].score > general[j].score
		}
		return general[i].tag < general[j].tag
	})
	for _, s := range general {
		if s.score < cfg.ConfidenceThreshold {
			break
		}
		if cfg.MaxTags > 0 && len(result.GeneralTags) >= cfg.MaxTags {
			break
		}
		if cleaned := tagx.CleanModelTag(s.tag); cleaned != "" {
			result.GeneralTags = append(result.GeneralTags, cleaned)
		}
	}

	character := make([]scored, 0, len(resp.Character))
	for tag, score := range resp.Character {
		character = append(character, scored{tag, score})
	}
	sort.Slice(character, func(i, j int) bool { return character[i].tag < character[j].tag })
	for _, s := range character {
		if s.score < cfg.ConfidenceThreshold {
			continue
		}
		if cleaned := tagx.CleanModelTag(s.tag); cleaned != "" {
			result.CharacterTags = append(result.CharacterTags, cleaned)
		}
	}

	if len(resp.Rating) > 0 {
		best, bestScore := "general", -1.0
		ratings := make([]string, 0, len(resp.Rating))
		for r := range resp.Rating {
			ratings = append(ratings, r)
		}
		sort.Strings(ratings)
		for _, r := range ratings {
			if resp.Rating[r] > bestScore {
				best, bestScore = r, resp.Rating[r]
			}
		}
		switch best {
		case "explicit":
			result.Safety = domain.SafetyUnsafe
		case "questionable", "sensitive":
			result.Safety = domain.SafetySketchy
		default:
			result.Safety = domain.SafetySafe
		}
	}
	return result
}

// Ping probes the tagger root endpoint. Concurrent readiness probes
// collapse into one request.
func (c *Client) Ping(ctx domain.Context) error {
	_, err, _ := c.ping.Do("ping", func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
		if err != nil {
			return nil, fmt.Errorf("op=tagger.Ping: build request: %w", err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("op=tagger.Ping: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("op=tagger.Ping: tagger returned %d: %w",
				resp.StatusCode, domain.ErrUpstreamError)
		}
		return nil, nil
	})
	return err
}
