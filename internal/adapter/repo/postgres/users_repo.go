package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/szuru-ingest/internal/crypto"
	"github.com/fairyhunter13/szuru-ingest/internal/domain"
)

// UserRepo persists users and their encrypted credential material. Values
// are sealed with the process encryption key; decryption happens only when
// a worker loads the owner's UserConfig at job start.
type UserRepo struct {
	Pool PgxPool
	Enc  *crypto.Encryptor
}

// NewUserRepo constructs a UserRepo with the given pool and encryptor.
func NewUserRepo(p PgxPool, enc *crypto.Encryptor) *UserRepo {
	return &UserRepo{Pool: p, Enc: enc}
}

// GetByAPIToken resolves an API caller from their bearer token.
func (r *UserRepo) GetByAPIToken(ctx domain.Context, token string) (domain.User, error) {
	var u domain.User
	row := r.Pool.QueryRow(ctx, `SELECT id, name, is_admin, created_at FROM users WHERE api_token=$1`, token)
	if err := row.Scan(&u.ID, &u.Name, &u.IsAdmin, &u.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.User{}, fmt.Errorf("op=user.get_by_token: %w", domain.ErrUnauthorized)
		}
		return domain.User{}, fmt.Errorf("op=user.get_by_token: %w", err)
	}
	return u, nil
}

// GetUserConfig loads and decrypts the per-job view of an owner: Booru
// token, per-site credentials, and the category mapping preferences.
func (r *UserRepo) GetUserConfig(ctx domain.Context, owner string) (domain.UserConfig, error) {
	cfg := domain.UserConfig{Owner: owner, SiteCredentials: map[string]map[string]string{}, CategoryMap: map[string]string{}}

	var szuruUser, sealedToken string
	row := r.Pool.QueryRow(ctx, `SELECT szuru_username, szuru_token_encrypted FROM users WHERE name=$1`, owner)
	if err := row.Scan(&szuruUser, &sealedToken); err != nil {
		if err == pgx.ErrNoRows {
			return domain.UserConfig{}, fmt.Errorf("op=user.config owner=%s: %w", owner, domain.ErrNotFound)
		}
		return domain.UserConfig{}, fmt.Errorf("op=user.config owner=%s: %w", owner, err)
	}
	cfg.BooruUsername = szuruUser
	if sealedToken != "" {
		token, err := r.Enc.Decrypt(sealedToken)
		if err != nil {
			return domain.UserConfig{}, fmt.Errorf("op=user.config owner=%s: %w", owner, err)
		}
		cfg.BooruToken = token
	}

	rows, err := r.Pool.Query(ctx, `SELECT site, cred_key, cred_value_encrypted FROM site_credentials WHERE owner=$1`, owner)
	if err != nil {
		return domain.UserConfig{}, fmt.Errorf("op=user.config owner=%s: %w", owner, err)
	}
	defer rows.Close()
	for rows.Next() {
		var site, key, sealed string
		if err := rows.Scan(&site, &key, &sealed); err != nil {
			return domain.UserConfig{}, fmt.Errorf("op=user.config owner=%s: %w", owner, err)
		}
		value, err := r.Enc.Decrypt(sealed)
		if err != nil {
			return domain.UserConfig{}, fmt.Errorf("op=user.config owner=%s site=%s: %w", owner, site, err)
		}
		if cfg.SiteCredentials[site] == nil {
			cfg.SiteCredentials[site] = map[string]string{}
		}
		cfg.SiteCredentials[site][key] = value
	}
	if err := rows.Err(); err != nil {
		return domain.UserConfig{}, fmt.Errorf("op=user.config owner=%s: %w", owner, err)
	}

	prefRows, err := r.Pool.Query(ctx, `SELECT pref_key, pref_value FROM client_preferences
		WHERE owner=$1 AND pref_key LIKE 'category_map.%'`, owner)
	if err != nil {
		return domain.UserConfig{}, fmt.Errorf("op=user.config owner=%s: %w", owner, err)
	}
	defer prefRows.Close()
	for prefRows.Next() {
		var k, v string
		if err := prefRows.Scan(&k, &v); err != nil {
			return domain.UserConfig{}, fmt.Errorf("op=user.config owner=%s: %w", owner, err)
		}
		cfg.CategoryMap[k[len("category_map."):]] = v
	}
	if err := prefRows.Err(); err != nil {
		return domain.UserConfig{}, fmt.Errorf("op=user.config owner=%s: %w", owner, err)
	}
	return cfg, nil
}

// SetSiteCredential seals and upserts one per-site credential value.
func (r *UserRepo) SetSiteCredential(ctx domain.Context, owner, site, key, value string) error {
	sealed, err := r.Enc.Encrypt(value)
	if err != nil {
		return fmt.Errorf("op=user.set_site_credential owner=%s site=%s: %w", owner, site, err)
	}
	_, err = r.Pool.Exec(ctx, `INSERT INTO site_credentials (owner, site, cred_key, cred_value_encrypted)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (owner, site, cred_key) DO UPDATE SET cred_value_encrypted=EXCLUDED.cred_value_encrypted`,
		owner, site, key, sealed)
	if err != nil {
		return fmt.Errorf("op=user.set_site_credential owner=%s site=%s: %w", owner, site, err)
	}
	return nil
}

// SetBooruToken seals and stores the owner's Booru username and token.
func (r *UserRepo) SetBooruToken(ctx domain.Context, owner, username, token string) error {
	sealed, err := r.Enc.Encrypt(token)
	if err != nil {
		return fmt.Errorf("op=user.set_booru_token owner=%s: %w", owner, err)
	}
	tag, err := r.Pool.Exec(ctx, `UPDATE users SET szuru_username=$2, szuru_token_encrypted=$3 WHERE name=$1`,
		owner, username, sealed)
	if err != nil {
		return fmt.Errorf("op=user.set_booru_token owner=%s: %w", owner, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=user.set_booru_token owner=%s: %w", owner, domain.ErrNotFound)
	}
	return nil
}

// CreateUser inserts a user row; used by bootstrap seeding.
func (r *UserRepo) CreateUser(ctx domain.Context, u domain.User, apiToken string) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := r.Pool.Exec(ctx, `INSERT INTO users (id, name, api_token, is_admin, created_at)
		VALUES ($1,$2,$3,$4,$5) ON CONFLICT (name) DO NOTHING`,
		u.ID, u.Name, apiToken, u.IsAdmin, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("op=user.create name=%s: %w", u.Name, err)
	}
	return nil
}
