package domain

import "time"

// GlobalConfig is the runtime-mutable configuration stored in the
// global_settings table. It is read once at the start of each job, so a
// mid-job change only takes effect for the next job.
type GlobalConfig struct {
	WD14Enabled             bool
	WD14ConfidenceThreshold float64
	WD14MaxTags             int
	WD14Model               string
	WorkerConcurrency       int
	DownloadTimeout         time.Duration
	VideoTimeout            time.Duration
	MaxRetries              int
	RetryDelay              time.Duration
	DefaultTagCategory      string
}

// DefaultGlobalConfig mirrors the seeded global_settings rows.
func DefaultGlobalConfig() GlobalConfig {
	return GlobalConfig{
		WD14Enabled:             true,
		WD14ConfidenceThreshold: 0.35,
		WD14MaxTags:             30,
		WD14Model:               "wd14-vit-v2",
		WorkerConcurrency:       1,
		DownloadTimeout:         120 * time.Second,
		VideoTimeout:            300 * time.Second,
		MaxRetries:              3,
		RetryDelay:              5 * time.Second,
		DefaultTagCategory:      "general",
	}
}

// SettingsRepository is the persistence port for global settings.
type SettingsRepository interface {
	LoadGlobal(ctx Context) (GlobalConfig, error)
	Get(ctx Context, key string) (string, error)
	Set(ctx Context, key, value string) error
	All(ctx Context) (map[string]string, error)
}

// User identifies an API caller; Name is the tenancy key (job owner).
type User struct {
	ID        string
	Name      string
	IsAdmin   bool
	CreatedAt time.Time
}

// UserConfig is the per-job view of the owning user: decrypted Booru
// token plus decrypted per-site credentials. Loaded once at job start and
// never persisted beyond the job's lifetime.
type UserConfig struct {
	Owner           string
	BooruUsername   string
	BooruToken      string
	SiteCredentials map[string]map[string]string
	CategoryMap     map[string]string
}

// Credentials returns the BooruCredentials for this user.
func (u UserConfig) Credentials() BooruCredentials {
	return BooruCredentials{Username: u.BooruUsername, Token: u.BooruToken}
}

// UserRepository is the persistence port for users and their encrypted
// credential material.
type UserRepository interface {
	GetByAPIToken(ctx Context, token string) (User, error)
	GetUserConfig(ctx Context, owner string) (UserConfig, error)
	SetSiteCredential(ctx Context, owner, site, key, value string) error
	SetBooruToken(ctx Context, owner, username, token string) error
}
