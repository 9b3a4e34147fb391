package postgres

import (
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/szuru-ingest/internal/domain"
)

// SettingsRepo reads and writes the runtime-mutable global_settings table.
type SettingsRepo struct{ Pool PgxPool }

// NewSettingsRepo constructs a SettingsRepo with the given pool.
func NewSettingsRepo(p PgxPool) *SettingsRepo { return &SettingsRepo{Pool: p} }

// Get returns a single setting value.
func (r *SettingsRepo) Get(ctx domain.Context, key string) (string, error) {
	var v string
	row := r.Pool.QueryRow(ctx, `SELECT value FROM global_settings WHERE key=$1`, key)
	if err := row.Scan(&v); err != nil {
		if err == pgx.ErrNoRows {
			return "", fmt.Errorf("op=settings.get key=%s: %w", key, domain.ErrNotFound)
		}
		return "", fmt.Errorf("op=settings.get key=%s: %w", key, err)
	}
	return v, nil
}

// Set upserts a single setting value.
func (r *SettingsRepo) Set(ctx domain.Context, key, value string) error {
	_, err := r.Pool.Exec(ctx, `INSERT INTO global_settings (key, value) VALUES ($1,$2)
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value`, key, value)
	if err != nil {
		return fmt.Errorf("op=settings.set key=%s: %w", key, err)
	}
	return nil
}

// All returns every stored setting.
func (r *SettingsRepo) All(ctx domain.Context) (map[string]string, error) {
	rows, err := r.Pool.Query(ctx, `SELECT key, value FROM global_settings`)
	if err != nil {
		return nil, fmt.Errorf("op=settings.all: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("op=settings.all: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=settings.all: %w", err)
	}
	return out, nil
}

// LoadGlobal materializes the stored settings over the defaults. Unknown
// or malformed values fall back to their default silently so a bad write
// can never wedge the worker pool.
func (r *SettingsRepo) LoadGlobal(ctx domain.Context) (domain.GlobalConfig, error) {
	cfg := domain.DefaultGlobalConfig()
	stored, err := r.All(ctx)
	if err != nil {
		return cfg, err
	}
	if v, ok := stored["wd14_enabled"]; ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.WD14Enabled = b
		}
	}
	if v, ok := stored["wd14_confidence_threshold"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
			cfg.WD14ConfidenceThreshold = f
		}
	}
	if v, ok := stored["wd14_max_tags"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.WD14MaxTags = n
		}
	}
	if v, ok := stored["wd14_model"]; ok && v != "" {
		cfg.WD14Model = v
	}
	if v, ok := stored["worker_concurrency"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.WorkerConcurrency = n
		}
	}
	if v, ok := stored["gallery_dl_timeout"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DownloadTimeout = time.Duration(n) * time.Second
		}
	}
	if v, ok := stored["ytdlp_timeout"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.VideoTimeout = time.Duration(n) * time.Second
		}
	}
	if v, ok := stored["max_retries"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxRetries = n
		}
	}
	if v, ok := stored["retry_delay"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.RetryDelay = time.Duration(f * float64(time.Second))
		}
	}
	if v, ok := stored["default_tag_category"]; ok && v != "" {
		cfg.DefaultTagCategory = v
	}
	return cfg, nil
}
