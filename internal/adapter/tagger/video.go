package tagger

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	obsmetrics "github.com/fairyhunter13/szuru-ingest/internal/adapter/observability"
	"github.com/fairyhunter13/szuru-ingest/internal/domain"
	"github.com/fairyhunter13/szuru-ingest/internal/observability"
)

const frameExtractTimeout = 120 * time.Second

// TagVideo extracts scene-change key frames, tags each frame, and
// aggregates the per-frame results. The frame directory is removed on
// every exit path.
func (c *Client) TagVideo(ctx domain.Context, path string, cfg domain.TaggerConfig) (domain.TagResult, error) {
	start := time.Now()
	defer func() {
		obsmetrics.TaggerRequestDuration.WithLabelValues("video").Observe(time.Since(start).Seconds())
	}()

	frameDir, err := os.MkdirTemp("", "ingest_frames_*")
	if err != nil {
		return domain.TagResult{}, fmt.Errorf("op=tagger.TagVideo: temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(frameDir) }()

	frames, err := c.extractFrames(ctx, path, frameDir, cfg)
	if err != nil {
		return domain.TagResult{}, err
	}
	if len(frames) == 0 {
		return domain.TagResult{}, fmt.Errorf("op=tagger.TagVideo: no frames extracted from %s: %w",
			filepath.Base(path), domain.ErrInternal)
	}

	lg := observability.LoggerFromContext(ctx)
	results := make([]domain.TagResult, 0, len(frames))
	for _, frame := range frames {
		if err := ctx.Err(); err != nil {
			return domain.TagResult{}, err
		}
		res, err := c.TagImage(ctx, frame, cfg)
		if err != nil {
			lg.Warn("frame tagging failed", "frame", filepath.Base(frame), "error", err)
			continue
		}
		results = append(results, res)
	}
	if len(results) == 0 {
		return domain.TagResult{}, fmt.Errorf("op=tagger.TagVideo: all %d frames failed: %w",
			len(frames), domain.ErrUpstreamError)
	}
	return aggregateFrames(results, len(frames), cfg), nil
}

// extractFrames runs scene-change detection; when it yields nothing, a
// single mid-duration frame is grabbed instead.
func (c *Client) extractFrames(ctx context.Context, videoPath, frameDir string, cfg domain.TaggerConfig) ([]string, error) {
	sceneThreshold := cfg.SceneThreshold
	if sceneThreshold <= 0 {
		sceneThreshold = 0.3
	}
	maxFrames := cfg.MaxFrames
	if maxFrames <= 0 {
		maxFrames = 10
	}

	pattern := filepath.Join(frameDir, "frame_%03d.jpg")
	args := []string{
		"-i", videoPath,
		"-vf", fmt.Sprintf("select='gt(scene,%g)'", sceneThreshold),
		"-vsync", "vfr",
		"-frames:v", strconv.Itoa(maxFrames),
		"-y", pattern,
	}
	if err := c.runFFmpeg(ctx, c.ffmpeg, args...); err != nil {
		return nil, err
	}

	frames, err := listFrames(frameDir)
	if err != nil {
		return nil, err
	}
	if len(frames) > 0 {
		return frames, nil
	}

	// Static clips trip no scene changes; take the middle frame.
	mid := 0.0
	if dur, err := c.probeDuration(ctx, videoPath); err == nil && dur > 0 {
		mid = dur / 2
	}
	args = []string{
		"-ss", fmt.Sprintf("%.2f", mid),
		"-i", videoPath,
		"-frames:v", "1",
		"-y", filepath.Join(frameDir, "frame_001.jpg"),
	}
	if err := c.runFFmpeg(ctx, c.ffmpeg, args...); err != nil {
		return nil, err
	}
	return listFrames(frameDir)
}

func (c *Client) probeDuration(ctx context.Context, videoPath string) (float64, error) {
	cctx, cancel := context.WithTimeout(ctx, frameExtractTimeout)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(cctx, c.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		videoPath)
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("op=tagger.probeDuration: %w", err)
	}
	dur, err := strconv.ParseFloat(strings.TrimSpace(out.String()), 64)
	if err != nil {
		return 0, fmt.Errorf("op=tagger.probeDuration: parse %q: %w", out.String(), err)
	}
	return dur, nil
}

func (c *Client) runFFmpeg(ctx context.Context, bin string, args ...string) error {
	cctx, cancel := context.WithTimeout(ctx, frameExtractTimeout)
	defer cancel()

	var errBuf bytes.Buffer
	cmd := exec.CommandContext(cctx, bin, args...)
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("op=tagger.runFFmpeg: timed out: %w", domain.ErrUpstreamTimeout)
		}
		msg := errBuf.String()
		if len(msg) > 300 {
			msg = msg[len(msg)-300:]
		}
		return fmt.Errorf("op=tagger.runFFmpeg: %s: %s: %w", bin, strings.TrimSpace(msg), err)
	}
	return nil
}

func listFrames(frameDir string) ([]string, error) {
	frames, err := filepath.Glob(filepath.Join(frameDir, "frame_*.jpg"))
	if err != nil {
		return nil, fmt.Errorf("op=tagger.listFrames: %w", err)
	}
	sort.Strings(frames)
	return frames, nil
}

// aggregateFrames folds per-frame results into one: a general tag must
// appear in at least ceil(N*minRatio) of the N extracted frames, a
// character tag in any frame, and safety is the worst rating seen.
// totalFrames counts the frames extracted, not the frames that tagged
// successfully; a failed frame must not lower the keep threshold.
func aggregateFrames(results []domain.TagResult, totalFrames int, cfg domain.TaggerConfig) domain.TagResult {
	minRatio := cfg.MinFrameRatio
	if minRatio <= 0 {
		minRatio = 0.3
	}
	if totalFrames < len(results) {
		totalFrames = len(results)
	}
	need := int(math.Ceil(float64(totalFrames) * minRatio))
	if need < 1 {
		need = 1
	}

	generalCount := map[string]int{}
	characterSet := map[string]bool{}
	safety := domain.SafetySafe
	for _, r := range results {
		seen := map[string]bool{}
		for _, t := range r.GeneralTags {
			if !seen[t] {
				seen[t] = true
				generalCount[t]++
			}
		}
		for _, t := range r.CharacterTags {
			characterSet[t] = true
		}
		safety = domain.WorstSafety(safety, r.Safety)
	}

	type counted struct {
		tag string
		n   int
	}
	var kept []counted
	for tag, n := range generalCount {
		if n >= need {
			kept = append(kept, counted{tag, n})
		}
	}
	sort.Slice(kept, func(i, j int) bool {
		if kept[i].n != kept[j].n {
			return kept[i].n > kept[j].n
		}
		return kept[i].tag < kept[j].tag
	})
	if cfg.MaxTags > 0 && len(kept) > cfg.MaxTags {
		kept = kept[:cfg.MaxTags]
	}

	out := domain.TagResult{Safety: safety}
	for _, k := range kept {
		out.GeneralTags = append(out.GeneralTags, k.tag)
	}
	for tag := range characterSet {
		out.CharacterTags = append(out.CharacterTags, tag)
	}
	sort.Strings(out.CharacterTags)
	return out
}
