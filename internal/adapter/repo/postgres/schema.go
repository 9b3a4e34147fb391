package postgres

import (
	"context"
	"fmt"
)

// migrations are applied in order at startup; each entry runs once and is
// recorded in schema_migrations.
var migrations = []struct {
	name string
	sql  string
}{
	{
		name: "0001_jobs",
		sql: `CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			job_type TEXT NOT NULL,
			url TEXT NOT NULL DEFAULT '',
			original_filename TEXT NOT NULL DEFAULT '',
			source_override TEXT NOT NULL DEFAULT '',
			initial_tags JSONB NOT NULL DEFAULT '[]',
			safety TEXT NOT NULL DEFAULT 'unsafe',
			skip_tagging BOOLEAN NOT NULL DEFAULT FALSE,
			owner TEXT NOT NULL,
			target_post_id INTEGER,
			replace_original_tags BOOLEAN NOT NULL DEFAULT FALSE,
			szuru_post_id INTEGER,
			related_post_ids JSONB NOT NULL DEFAULT '[]',
			was_merge BOOLEAN NOT NULL DEFAULT FALSE,
			error_message TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			tags_applied JSONB NOT NULL DEFAULT '[]',
			tags_from_source JSONB NOT NULL DEFAULT '[]',
			tags_from_ai JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs (created_at) WHERE status = 'pending';
		CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs (owner, created_at DESC);`,
	},
	{
		name: "0002_tag_cache",
		sql: `CREATE TABLE IF NOT EXISTS tag_cache (
			name TEXT PRIMARY KEY,
			category TEXT NOT NULL,
			verified_at TIMESTAMPTZ NOT NULL
		);`,
	},
	{
		name: "0003_users",
		sql: `CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			api_token TEXT UNIQUE NOT NULL,
			is_admin BOOLEAN NOT NULL DEFAULT FALSE,
			szuru_username TEXT NOT NULL DEFAULT '',
			szuru_token_encrypted TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS site_credentials (
			owner TEXT NOT NULL REFERENCES users(name) ON DELETE CASCADE,
			site TEXT NOT NULL,
			cred_key TEXT NOT NULL,
			cred_value_encrypted TEXT NOT NULL,
			PRIMARY KEY (owner, site, cred_key)
		);`,
	},
	{
		name: "0004_global_settings",
		sql: `CREATE TABLE IF NOT EXISTS global_settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
	},
	{
		name: "0005_client_preferences",
		sql: `CREATE TABLE IF NOT EXISTS client_preferences (
			owner TEXT NOT NULL,
			pref_key TEXT NOT NULL,
			pref_value TEXT NOT NULL,
			PRIMARY KEY (owner, pref_key)
		);`,
	},
}

// Migrate applies pending migrations. Safe to run concurrently from both
// binaries: the insert into schema_migrations is the commit point.
func Migrate(ctx context.Context, pool PgxPool) error {
	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return fmt.Errorf("op=schema.migrate: %w", err)
	}
	for _, m := range migrations {
		var applied bool
		row := pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE name=$1)`, m.name)
		if err := row.Scan(&applied); err != nil {
			return fmt.Errorf("op=schema.migrate name=%s: %w", m.name, err)
		}
		if applied {
			continue
		}
		if _, err := pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("op=schema.migrate name=%s: %w", m.name, err)
		}
		if _, err := pool.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1) ON CONFLICT DO NOTHING`, m.name); err != nil {
			return fmt.Errorf("op=schema.migrate name=%s: %w", m.name, err)
		}
	}
	return nil
}
